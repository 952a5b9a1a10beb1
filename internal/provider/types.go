// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package provider implements the LLM provider layer: wire-faithful
// clients for the Anthropic Messages API and OpenAI-compatible chat
// completions, plus a health-tracked router with circuit breaking and
// failover across configured endpoints.
package provider

import (
	"errors"
	"fmt"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolUse is a tool invocation requested by the model. ID links the
// eventual result back to this block (tool_use.id / tool_call.id parity).
type ToolUse struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Message is one conversation entry. Tool result messages carry the
// ToolCallID of the assistant block they answer.
type Message struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	ToolUses   []ToolUse `json:"tool_uses,omitempty"`
	IsError    bool      `json:"is_error,omitempty"`
}

// ToolSchema describes one tool to the model. InputSchema is a JSON
// schema object; it is part of the provider contract and must be stable.
type ToolSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Request is a provider-agnostic completion request.
type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolSchema
	Temperature float64
	MaxTokens   int
}

// Usage reports token accounting when the provider returns it.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is a provider-agnostic completion response.
type Response struct {
	Content  string
	ToolUses []ToolUse
	Model    string
	Usage    Usage
}

// ErrProviderUnavailable is returned when every endpoint is disabled,
// rate limited or circuit-open. Callers surface this to the user.
var ErrProviderUnavailable = errors.New("no LLM provider available")

// TransientError marks failures that justify trying the next endpoint:
// network errors, HTTP 5xx (including 529 overloaded) and rate limits.
type TransientError struct {
	Status int
	Msg    string
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider transient error (status %d): %s", e.Status, e.Msg)
	}
	return fmt.Sprintf("provider transient error: %s", e.Msg)
}

// IsTransient reports whether err warrants failover to another endpoint.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
