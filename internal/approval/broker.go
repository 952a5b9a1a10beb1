// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package approval implements the human-in-the-loop approval broker.
// Tool invocations are classified by risk; sensitive ones block until a
// user decision arrives over the management surface, with time- and
// path-scoped trust grants short-circuiting repeat approvals.
package approval

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/util"
)

// Request states.
const (
	StatePending  = "pending"
	StateApproved = "approved"
	StateDenied   = "denied"
	StateTimeout  = "timeout"
)

// Outcome of a wait call.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeDenied   Outcome = "denied"
	OutcomeTimeout  Outcome = "timeout"
)

// DecisionAction is what the caller must do with a tool call.
type DecisionAction int

const (
	// AutoAllow means the call may proceed immediately.
	AutoAllow DecisionAction = iota
	// RequireApproval means the caller must Wait on the returned request id.
	RequireApproval
	// DenyPolicy means policy forbids the call outright.
	DenyPolicy
)

// Decision is the result of a Check.
type Decision struct {
	Action    DecisionAction
	RequestID string
	Reason    string
}

// Request is a pending or resolved approval request.
type Request struct {
	ID           string            `json:"id"`
	ToolName     string            `json:"tool_name"`
	ServerName   string            `json:"server_name"`
	Arguments    map[string]string `json:"arguments"`
	ResourcePath string            `json:"resource_path,omitempty"`
	SafetyLevel  Safety            `json:"safety_level"`
	Description  string            `json:"description"`
	CreatedAt    time.Time         `json:"created_at"`
	Deadline     time.Time         `json:"deadline"`
	State        string            `json:"state"`

	signal chan bool
	timer  *time.Timer
}

// TrustGrant is a time-bounded permission matching future tool calls.
type TrustGrant struct {
	ToolName   string    `json:"tool_name"`
	ServerName string    `json:"server_name"`
	PathPrefix string    `json:"path_prefix,omitempty"`
	GrantedAt  time.Time `json:"granted_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (g TrustGrant) key() string {
	return trustKey(g.ToolName, g.ServerName, g.PathPrefix)
}

func trustKey(tool, server, prefix string) string {
	base := tool
	if server != "" {
		base = server + "::" + tool
	}
	if prefix != "" {
		return base + "@" + prefix
	}
	return base
}

// Observer receives broker lifecycle events for the UI layer.
type Observer interface {
	ApprovalRequested(req Request)
	ApprovalResolved(id string, approved bool)
}

// Broker classifies tool calls and coordinates pending approvals.
// All state is guarded by a single mutex; waiters block on per-request
// signal channels.
type Broker struct {
	mu sync.Mutex

	enabled         bool
	autoApproveSafe bool
	timeout         time.Duration
	defaultTrust    time.Duration
	overrides       map[string]Safety

	pending  map[string]*Request
	trusted  map[string]TrustGrant
	history  []Request
	observer Observer
}

const maxHistory = 500

// NewBroker creates a Broker from configuration. observer may be nil.
func NewBroker(cfg config.ApprovalConfig, observer Observer) *Broker {
	b := &Broker{
		enabled:         cfg.Enabled,
		autoApproveSafe: cfg.AutoApproveSafe,
		timeout:         time.Duration(cfg.TimeoutSeconds) * time.Second,
		defaultTrust:    time.Duration(cfg.TrustDurationMinutes) * time.Minute,
		overrides:       make(map[string]Safety),
		pending:         make(map[string]*Request),
		trusted:         make(map[string]TrustGrant),
		observer:        observer,
	}
	if b.timeout <= 0 {
		b.timeout = 120 * time.Second
	}
	if b.defaultTrust <= 0 {
		b.defaultTrust = 5 * time.Minute
	}
	for tool, level := range cfg.ToolOverrides {
		if parsed, ok := parseSafety(level); ok {
			b.overrides[tool] = parsed
		} else {
			log.Warnf("approval: ignoring invalid safety override %q=%q", tool, level)
		}
	}
	return b
}

// Check decides whether a tool call may proceed. Safe tools auto-allow
// when configured; trusted scopes auto-allow; everything else produces a
// pending request the caller must Wait on.
func (b *Broker) Check(toolName, serverName string, args map[string]string) Decision {
	if !b.enabled {
		return Decision{Action: AutoAllow, Reason: "approval_disabled"}
	}

	safety := b.Classify(toolName, serverName)
	if safety == SafetySafe && b.autoApproveSafe {
		return Decision{Action: AutoAllow, Reason: "auto_approved_safe"}
	}

	resourcePath := effectivePath(args)
	if b.isTrusted(toolName, serverName, resourcePath) {
		return Decision{Action: AutoAllow, Reason: "trusted"}
	}

	req := &Request{
		ID:           fmt.Sprintf("approval_%s", strings.ReplaceAll(uuid.New().String(), "-", "")[:8]),
		ToolName:     toolName,
		ServerName:   serverName,
		Arguments:    redactArgs(args),
		ResourcePath: resourcePath,
		SafetyLevel:  safety,
		Description:  describe(toolName, serverName, safety, args),
		CreatedAt:    time.Now(),
		Deadline:     time.Now().Add(b.timeout),
		State:        StatePending,
		signal:       make(chan bool, 1),
	}
	// The deadline fires even when nobody is waiting, so late resolutions
	// observe the timeout state.
	req.timer = time.AfterFunc(b.timeout, func() { b.expire(req.ID) })

	b.mu.Lock()
	b.pending[req.ID] = req
	snapshot := *req
	b.mu.Unlock()

	log.WithField("request_id", req.ID).
		WithField("tool", toolName).
		WithField("level", string(safety)).
		Info("approval requested")
	if b.observer != nil {
		b.observer.ApprovalRequested(snapshot)
	}
	return Decision{Action: RequireApproval, RequestID: req.ID, Reason: string(safety)}
}

// Wait blocks until the request is resolved, its deadline passes, or the
// context is cancelled. Context cancellation resolves the request as timeout.
func (b *Broker) Wait(ctx context.Context, requestID string) Outcome {
	b.mu.Lock()
	req, ok := b.pending[requestID]
	if !ok {
		// Already resolved: report the recorded terminal state.
		outcome := b.historicalOutcomeLocked(requestID)
		b.mu.Unlock()
		return outcome
	}
	signal := req.signal
	deadline := req.Deadline
	b.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case approved := <-signal:
		if approved {
			return OutcomeApproved
		}
		return OutcomeDenied
	case <-timer.C:
		b.expire(requestID)
		return OutcomeTimeout
	case <-ctx.Done():
		b.expire(requestID)
		return OutcomeTimeout
	}
}

// Resolve transitions a pending request to approved or denied. Calling
// Resolve on an already-resolved or unknown id is a no-op returning false.
// When approved with trustMinutes > 0, a matching trust grant is created.
func (b *Broker) Resolve(requestID string, approved bool, trustMinutes int) bool {
	b.mu.Lock()
	req, ok := b.pending[requestID]
	if !ok || req.State != StatePending {
		b.mu.Unlock()
		return false
	}
	if approved {
		req.State = StateApproved
	} else {
		req.State = StateDenied
	}
	if req.timer != nil {
		req.timer.Stop()
	}
	delete(b.pending, requestID)
	b.recordHistoryLocked(*req)
	if approved && trustMinutes > 0 {
		b.grantTrustLocked(req.ToolName, req.ServerName, "", time.Duration(trustMinutes)*time.Minute)
	}
	signal := req.signal
	b.mu.Unlock()

	signal <- approved
	log.WithField("request_id", requestID).
		WithField("approved", approved).
		Info("approval resolved")
	if b.observer != nil {
		b.observer.ApprovalResolved(requestID, approved)
	}
	return true
}

// BatchResolve resolves several requests with one decision. Resolution is
// atomic per id; ids already resolved or timed out are counted separately.
func (b *Broker) BatchResolve(requestIDs []string, approved bool, trustMinutes int) (resolved, notFound int) {
	for _, id := range requestIDs {
		if b.Resolve(id, approved, trustMinutes) {
			resolved++
		} else {
			notFound++
		}
	}
	log.WithField("resolved", resolved).
		WithField("not_found", notFound).
		WithField("approved", approved).
		Info("batch approval")
	return resolved, notFound
}

// expire transitions a pending request to timeout at its deadline.
func (b *Broker) expire(requestID string) {
	b.mu.Lock()
	req, ok := b.pending[requestID]
	if !ok || req.State != StatePending {
		b.mu.Unlock()
		return
	}
	req.State = StateTimeout
	delete(b.pending, requestID)
	b.recordHistoryLocked(*req)
	b.mu.Unlock()
	log.WithField("request_id", requestID).Warn("approval timed out")
	if b.observer != nil {
		b.observer.ApprovalResolved(requestID, false)
	}
}

// Pending lists all pending requests.
func (b *Broker) Pending() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Request, 0, len(b.pending))
	for _, req := range b.pending {
		out = append(out, *req)
	}
	return out
}

// History returns the most recent resolved requests, newest last.
func (b *Broker) History(limit int) []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	return append([]Request(nil), b.history[len(b.history)-limit:]...)
}

func (b *Broker) recordHistoryLocked(req Request) {
	req.signal = nil
	req.timer = nil
	b.history = append(b.history, req)
	if len(b.history) > maxHistory {
		b.history = b.history[len(b.history)-maxHistory:]
	}
}

func (b *Broker) historicalOutcomeLocked(requestID string) Outcome {
	for i := len(b.history) - 1; i >= 0; i-- {
		if b.history[i].ID == requestID {
			switch b.history[i].State {
			case StateApproved:
				return OutcomeApproved
			case StateDenied:
				return OutcomeDenied
			}
			return OutcomeTimeout
		}
	}
	return OutcomeTimeout
}

// --- Trust grants ---

// GrantTrust trusts (tool, server) for the given duration, optionally
// restricted to a canonical path prefix.
func (b *Broker) GrantTrust(toolName, serverName, pathPrefix string, minutes int) TrustGrant {
	dur := time.Duration(minutes) * time.Minute
	if dur <= 0 {
		dur = b.defaultTrust
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.grantTrustLocked(toolName, serverName, pathPrefix, dur)
}

func (b *Broker) grantTrustLocked(toolName, serverName, pathPrefix string, dur time.Duration) TrustGrant {
	if pathPrefix != "" {
		if canonical, err := util.CanonicalPath(pathPrefix); err == nil {
			pathPrefix = canonical
		}
		if !strings.HasSuffix(pathPrefix, "/") {
			pathPrefix += "/"
		}
	}
	grant := TrustGrant{
		ToolName:   toolName,
		ServerName: serverName,
		PathPrefix: pathPrefix,
		GrantedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(dur),
	}
	b.trusted[grant.key()] = grant
	log.WithField("tool", toolName).
		WithField("server", serverName).
		WithField("path", pathPrefix).
		Infof("trust granted until %s", grant.ExpiresAt.Format(time.RFC3339))
	return grant
}

// RevokeTrust removes a grant. Empty tool and server revoke everything.
func (b *Broker) RevokeTrust(toolName, serverName, pathPrefix string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if toolName == "" && serverName == "" {
		n := len(b.trusted)
		b.trusted = make(map[string]TrustGrant)
		return n
	}
	if pathPrefix != "" && !strings.HasSuffix(pathPrefix, "/") {
		pathPrefix += "/"
	}
	if _, ok := b.trusted[trustKey(toolName, serverName, pathPrefix)]; ok {
		delete(b.trusted, trustKey(toolName, serverName, pathPrefix))
		return 1
	}
	return 0
}

// ListTrusted returns active grants; expired entries are dropped lazily.
func (b *Broker) ListTrusted() []TrustGrant {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]TrustGrant, 0, len(b.trusted))
	for key, grant := range b.trusted {
		if now.After(grant.ExpiresAt) {
			delete(b.trusted, key)
			continue
		}
		out = append(out, grant)
	}
	return out
}

// isTrusted checks grants from most to least specific: exact path grant,
// path-prefix grant, then tool-global grant. Expired grants are dropped.
func (b *Broker) isTrusted(toolName, serverName, resourcePath string) bool {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	check := func(key string) bool {
		grant, ok := b.trusted[key]
		if !ok {
			return false
		}
		if now.After(grant.ExpiresAt) {
			delete(b.trusted, key)
			return false
		}
		return true
	}

	if resourcePath != "" {
		exact := resourcePath
		if !strings.HasSuffix(exact, "/") {
			exact += "/"
		}
		if check(trustKey(toolName, serverName, exact)) {
			return true
		}
		base := trustKey(toolName, serverName, "") + "@"
		for key, grant := range b.trusted {
			if !strings.HasPrefix(key, base) {
				continue
			}
			if now.After(grant.ExpiresAt) {
				delete(b.trusted, key)
				continue
			}
			if strings.HasPrefix(resourcePath+"/", grant.PathPrefix) || strings.HasPrefix(resourcePath, grant.PathPrefix) {
				return true
			}
		}
	}
	return check(trustKey(toolName, serverName, ""))
}

// --- Helpers ---

var pathArgKeys = []string{"path", "file_path", "search_path", "directory"}

// effectivePath extracts and canonicalizes the primary resource path
// from tool arguments.
func effectivePath(args map[string]string) string {
	for _, key := range pathArgKeys {
		if val := args[key]; val != "" {
			if canonical, err := util.CanonicalPath(val); err == nil {
				return canonical
			}
			return val
		}
	}
	return ""
}

var secretArgPattern = []string{"token", "secret", "password", "key", "auth"}

// redactArgs builds the display form of arguments: truncated values with
// secret-looking keys masked.
func redactArgs(args map[string]string) map[string]string {
	out := make(map[string]string, len(args))
	for key, val := range args {
		lower := strings.ToLower(key)
		masked := false
		for _, s := range secretArgPattern {
			if strings.Contains(lower, s) {
				out[key] = "***REDACTED***"
				masked = true
				break
			}
		}
		if !masked {
			out[key] = util.Truncate(val, 200)
		}
	}
	return out
}

func describe(toolName, serverName string, safety Safety, args map[string]string) string {
	preview := make([]string, 0, 5)
	for key, val := range redactArgs(args) {
		preview = append(preview, fmt.Sprintf("%s=%s", key, util.Truncate(val, 50)))
		if len(preview) == 5 {
			break
		}
	}
	server := serverName
	if server == "" {
		server = "builtin"
	}
	return fmt.Sprintf("[%s] agent wants to run '%s' via %s. Arguments: %s",
		strings.ToUpper(string(safety)), toolName, server, strings.Join(preview, ", "))
}
