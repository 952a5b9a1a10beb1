// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package tools implements the built-in tool registry and executor.
// Tools are registered in an explicit table at construction time; each
// tool carries a stable JSON schema for the provider contract and a
// handler. Failures are returned as structured results, never panics.
package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/agentgate/agentgate/internal/config"
)

// Error kinds carried on failed results.
const (
	ErrKindInvalidArgs     = "invalid_args"
	ErrKindPolicyViolation = "policy_violation"
	ErrKindExecution       = "execution_error"
	ErrKindTimeout         = "timeout"
	ErrKindNotFound        = "not_found"
	ErrKindDenied          = "denied"
	ErrKindUnknownTool     = "unknown_tool"
)

// Result is the structured outcome of one tool invocation.
type Result struct {
	OK        bool                   `json:"ok"`
	ErrorKind string                 `json:"error_kind,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Fail builds a failed result.
func Fail(kind, format string, args ...interface{}) Result {
	return Result{OK: false, ErrorKind: kind, Message: fmt.Sprintf(format, args...)}
}

// Succeed builds a successful result carrying a payload.
func Succeed(payload map[string]interface{}) Result {
	return Result{OK: true, Payload: payload}
}

// Handler executes one tool call.
type Handler func(ctx context.Context, args map[string]interface{}) Result

// Tool pairs a stable schema description with its handler.
type Tool struct {
	Name        string
	Description string
	// InputSchema is the JSON schema for the tool arguments; it is part of
	// the provider contract and must stay stable.
	InputSchema map[string]interface{}
	Handler     Handler
}

// Executor runs built-in tools under the configured path policy.
// The registry is guarded because MCP-backed tools register at runtime
// while turns are already reading the catalogue.
type Executor struct {
	policy *Policy
	cfg    config.ToolsConfig

	mu    sync.RWMutex
	tools map[string]Tool
}

// NewExecutor builds the executor with the built-in tool table.
func NewExecutor(cfg config.ToolsConfig) *Executor {
	e := &Executor{
		policy: NewPolicy(cfg),
		cfg:    cfg,
		tools:  make(map[string]Tool),
	}
	for _, t := range e.builtins() {
		e.tools[t.Name] = t
	}
	return e
}

// Register adds a runtime tool (e.g. an MCP-backed one). Built-in names
// cannot be shadowed.
func (e *Executor) Register(t Tool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.tools[t.Name]; exists {
		return fmt.Errorf("tools: %q already registered", t.Name)
	}
	e.tools[t.Name] = t
	return nil
}

// Has reports whether a tool is registered.
func (e *Executor) Has(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.tools[name]
	return ok
}

// List returns the registered tools sorted by name.
func (e *Executor) List() []Tool {
	e.mu.RLock()
	out := make([]Tool, 0, len(e.tools))
	for _, t := range e.tools {
		out = append(out, t)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs a tool by name. Path-bearing arguments are canonicalized
// and screened against the sandbox policy before the handler runs; policy
// rejections come back as failed results, not errors.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]interface{}) Result {
	e.mu.RLock()
	tool, ok := e.tools[name]
	e.mu.RUnlock()
	if !ok {
		return Fail(ErrKindUnknownTool, "unknown tool: %s", name)
	}

	canonical, err := e.policy.ScreenArgs(args)
	if err != nil {
		log.WithField("tool", name).Warnf("path policy rejected call: %v", err)
		return Fail(ErrKindPolicyViolation, "%v", err)
	}

	result := tool.Handler(ctx, canonical)
	if !result.OK {
		log.WithField("tool", name).
			WithField("error_kind", result.ErrorKind).
			Debugf("tool failed: %s", result.Message)
	}
	return result
}

// ArgDigest returns a short stable digest of the arguments for span
// attributes, avoiding raw argument values in traces.
func ArgDigest(args map[string]interface{}) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		raw, _ := json.Marshal(args[k])
		h.Write([]byte(k))
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}

func stringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func intArg(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}
