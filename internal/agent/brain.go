// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/agentgate/agentgate/internal/approval"
	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/provider"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/internal/tools"
	"github.com/agentgate/agentgate/internal/tracing"
)

// Brain runs single conversational turns: it composes the prompt, calls
// the provider router, dispatches tool use through the approval broker
// and records every step as trace spans.
type Brain struct {
	cfg      config.AgentConfig
	router   *provider.Router
	tools    *tools.Executor
	broker   *approval.Broker
	recorder *tracing.Recorder
	sessions *session.Store
}

// NewBrain wires the orchestrator.
func NewBrain(cfg config.AgentConfig, router *provider.Router, executor *tools.Executor,
	broker *approval.Broker, recorder *tracing.Recorder, sessions *session.Store) *Brain {
	return &Brain{
		cfg:      cfg,
		router:   router,
		tools:    executor,
		broker:   broker,
		recorder: recorder,
		sessions: sessions,
	}
}

// TurnObserver receives streaming callbacks for one turn: TurnStarted
// once, Chunk zero or more times, TurnEnded exactly once.
type TurnObserver interface {
	TurnStarted(sessionID, traceID string)
	Chunk(text string)
	TurnEnded(traceID string)
}

// TurnResult is the outcome of one session turn.
type TurnResult struct {
	TraceID    string         `json:"trace_id"`
	SessionID  string         `json:"session_id"`
	Content    string         `json:"content"`
	Usage      provider.Usage `json:"usage"`
	ToolRounds int            `json:"tool_rounds"`
	Status     string         `json:"status"`
}

// RunTurn executes one user turn against a session. At most one turn per
// session runs at a time; a second concurrent call fails with
// session.ErrSessionBusy. obs may be nil for non-streaming callers.
func (b *Brain) RunTurn(ctx context.Context, sessionID, userInput string, obs TurnObserver) (*TurnResult, error) {
	sess := b.sessions.GetOrCreate(sessionID)
	if err := b.sessions.TryBeginTurn(sess.ID); err != nil {
		return nil, err
	}
	defer b.sessions.EndTurn(sess.ID)

	if b.cfg.TurnTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(b.cfg.TurnTimeoutSeconds)*time.Second)
		defer cancel()
	}

	traceID := b.recorder.StartTrace(userInput, sess.ID)
	var onChunk func(string)
	if obs != nil {
		obs.TurnStarted(sess.ID, traceID)
		onChunk = obs.Chunk
		defer obs.TurnEnded(traceID)
	}
	history, _ := b.sessions.History(sess.ID)
	userMsg := provider.Message{Role: provider.RoleUser, Content: userInput}

	out, newMsgs, err := b.runLoop(ctx, traceID, loopParams{
		system:      b.cfg.SystemPrompt,
		messages:    append(history, userMsg),
		temperature: b.cfg.Temperature,
		maxRounds:   b.cfg.MaxToolRounds,
		onChunk:     onChunk,
	})

	// The partial transcript is kept even on failure so the session stays
	// coherent for the next turn.
	_ = b.sessions.Append(sess.ID, append([]provider.Message{userMsg}, newMsgs...)...)

	if err != nil {
		// Deadline hits close whatever is still running as timeout, not error.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			b.recorder.AbortOpenSpans(traceID, tracing.StatusTimeout)
		}
		b.recorder.EndTrace(traceID, out.Content, tracing.TraceError)
		log.WithField("request_id", traceID[:14]).Warnf("turn failed: %v", err)
		return &TurnResult{
			TraceID:    traceID,
			SessionID:  sess.ID,
			Content:    out.Content,
			Usage:      out.Usage,
			ToolRounds: out.ToolRounds,
			Status:     tracing.TraceError,
		}, err
	}

	b.recorder.EndTrace(traceID, out.Content, tracing.TraceCompleted)
	return &TurnResult{
		TraceID:    traceID,
		SessionID:  sess.ID,
		Content:    out.Content,
		Usage:      out.Usage,
		ToolRounds: out.ToolRounds,
		Status:     tracing.TraceCompleted,
	}, nil
}

// loopParams configures one provider loop run.
type loopParams struct {
	system      string
	messages    []provider.Message
	allowed     []string // nil means the full catalogue
	temperature float64
	maxRounds   int
	onChunk     func(string)
}

// loopResult is the accumulated outcome of a provider loop.
type loopResult struct {
	Content    string
	Usage      provider.Usage
	ToolRounds int
}

// runLoop drives provider round-trips until the model stops requesting
// tools or the round budget is spent. Past the budget one final call is
// made without tools so the model must answer in prose. It returns the
// messages generated during the loop so callers can persist them.
func (b *Brain) runLoop(ctx context.Context, traceID string, p loopParams) (loopResult, []provider.Message, error) {
	catalogue := b.catalogue(p.allowed)
	maxRounds := p.maxRounds
	if maxRounds <= 0 {
		maxRounds = 8
	}

	var out loopResult
	var generated []provider.Message
	msgs := p.messages

	for round := 0; ; round++ {
		reqTools := catalogue
		if round >= maxRounds {
			reqTools = nil
		}
		req := provider.Request{
			System:      p.system,
			Messages:    msgs,
			Tools:       reqTools,
			Temperature: p.temperature,
			MaxTokens:   b.cfg.MaxTokens,
		}

		// The forced final round gets a response span up front so streamed
		// chunks are replayable as span events.
		var respSpan string
		onChunk := p.onChunk
		if reqTools == nil {
			respSpan = b.recorder.StartSpan(traceID, tracing.KindResponse, "response", "")
			if onChunk != nil {
				emit := onChunk
				onChunk = func(text string) {
					b.recorder.RecordEvent(respSpan, "chunk", text)
					emit(text)
				}
			}
		}

		var resp *provider.Response
		var err error
		if onChunk != nil && reqTools == nil {
			resp, err = b.router.Stream(ctx, req, b.attemptRecorder(traceID), onChunk)
		} else {
			resp, err = b.router.Complete(ctx, req, b.attemptRecorder(traceID))
		}
		if err != nil {
			if respSpan != "" {
				status := tracing.StatusError
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					status = tracing.StatusTimeout
				}
				b.recorder.EndSpan(respSpan, status, nil)
			}
			return out, generated, err
		}
		out.Usage.InputTokens += resp.Usage.InputTokens
		out.Usage.OutputTokens += resp.Usage.OutputTokens

		assistant := provider.Message{
			Role:     provider.RoleAssistant,
			Content:  resp.Content,
			ToolUses: resp.ToolUses,
		}
		msgs = append(msgs, assistant)
		generated = append(generated, assistant)

		if len(resp.ToolUses) == 0 {
			out.Content = resp.Content
			if respSpan == "" {
				// Non-streamed round that turned out to be the final answer.
				respSpan = b.recorder.StartSpan(traceID, tracing.KindResponse, "response", "")
				if p.onChunk != nil && resp.Content != "" {
					b.recorder.RecordEvent(respSpan, "chunk", resp.Content)
					p.onChunk(resp.Content)
				}
			}
			b.recorder.EndSpan(respSpan, tracing.StatusOK, map[string]string{"text": resp.Content})
			return out, generated, nil
		}
		if respSpan != "" {
			// The model requested tools on the no-tools round.
			b.recorder.EndSpan(respSpan, tracing.StatusError, nil)
		}

		out.ToolRounds++
		for _, tu := range resp.ToolUses {
			result := b.dispatchTool(ctx, traceID, p.allowed, tu)
			payload, _ := json.Marshal(result)
			toolMsg := provider.Message{
				Role:       provider.RoleTool,
				ToolCallID: tu.ID,
				Content:    string(payload),
				IsError:    !result.OK,
			}
			msgs = append(msgs, toolMsg)
			generated = append(generated, toolMsg)
		}
		if ctx.Err() != nil {
			out.Content = resp.Content
			return out, generated, ctx.Err()
		}
	}
}

// dispatchTool runs one tool call under approval gating, recording a
// tool_exec span. Denials and timeouts come back as failed results, so
// the model sees them as tool output rather than the turn aborting.
func (b *Brain) dispatchTool(ctx context.Context, traceID string, allowed []string, tu provider.ToolUse) tools.Result {
	spanID := b.recorder.StartSpan(traceID, tracing.KindToolExec, "tool "+tu.Name, "")
	ctx = tracing.WithTraceID(ctx, traceID)
	result := b.gatedExecute(ctx, traceID, allowed, tu)

	status := tracing.StatusOK
	attrs := map[string]string{
		"tool":        tu.Name,
		"args_digest": tools.ArgDigest(tu.Arguments),
		"ok":          strconv.FormatBool(result.OK),
	}
	if !result.OK {
		status = tracing.StatusError
		attrs["error_kind"] = result.ErrorKind
		if result.ErrorKind == tools.ErrKindTimeout {
			status = tracing.StatusTimeout
		}
	}
	b.recorder.EndSpan(spanID, status, attrs)
	return result
}

func (b *Brain) gatedExecute(ctx context.Context, traceID string, allowed []string, tu provider.ToolUse) tools.Result {
	if allowed != nil && !contains(allowed, tu.Name) {
		return tools.Fail(tools.ErrKindDenied, "tool %s is not permitted for this role", tu.Name)
	}
	if !b.tools.Has(tu.Name) {
		return tools.Fail(tools.ErrKindUnknownTool, "unknown tool: %s", tu.Name)
	}

	decision := b.broker.Check(tu.Name, "", stringifyArgs(tu.Arguments))
	switch decision.Action {
	case approval.DenyPolicy:
		return tools.Fail(tools.ErrKindDenied, "policy denied %s: %s", tu.Name, decision.Reason)
	case approval.RequireApproval:
		spanID := b.recorder.StartSpan(traceID, tracing.KindApproval, "approval "+tu.Name, "")
		outcome := b.broker.Wait(ctx, decision.RequestID)
		b.recorder.EndSpan(spanID, approvalSpanStatus(outcome), map[string]string{
			"request_id": decision.RequestID,
			"outcome":    string(outcome),
		})
		switch outcome {
		case approval.OutcomeDenied:
			return tools.Fail(tools.ErrKindDenied, "user denied %s", tu.Name)
		case approval.OutcomeTimeout:
			return tools.Fail(tools.ErrKindDenied, "approval for %s timed out", tu.Name)
		}
	}
	return b.tools.Execute(ctx, tu.Name, tu.Arguments)
}

// attemptRecorder opens one llm_call span per endpoint attempt, so
// failovers are visible as sibling spans in the trace.
func (b *Brain) attemptRecorder(traceID string) provider.AttemptFunc {
	return func(endpointName, model string) func(error, time.Duration) {
		spanID := b.recorder.StartSpan(traceID, tracing.KindLLMCall, "llm_call "+endpointName, "")
		return func(err error, latency time.Duration) {
			attrs := map[string]string{
				"endpoint":   endpointName,
				"model":      model,
				"latency_ms": strconv.FormatInt(latency.Milliseconds(), 10),
			}
			status := tracing.StatusOK
			if err != nil {
				attrs["error"] = err.Error()
				status = tracing.StatusError
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					status = tracing.StatusTimeout
				}
			}
			b.recorder.EndSpan(spanID, status, attrs)
		}
	}
}

// catalogue renders the registered tools as provider schemas, optionally
// intersected with an allow list.
func (b *Brain) catalogue(allowed []string) []provider.ToolSchema {
	var out []provider.ToolSchema
	for _, t := range b.tools.List() {
		if allowed != nil && !contains(allowed, t.Name) {
			continue
		}
		out = append(out, provider.ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out
}

func approvalSpanStatus(outcome approval.Outcome) string {
	switch outcome {
	case approval.OutcomeApproved:
		return tracing.StatusOK
	case approval.OutcomeTimeout:
		return tracing.StatusTimeout
	default:
		return tracing.StatusError
	}
}

func contains(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}

// stringifyArgs renders tool arguments for approval display and path
// extraction. Non-string values are JSON encoded.
func stringifyArgs(args map[string]interface{}) map[string]string {
	out := make(map[string]string, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			out[k] = fmt.Sprintf("%v", v)
			continue
		}
		out[k] = string(raw)
	}
	return out
}
