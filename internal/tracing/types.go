// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tracing

import (
	"time"
	"unicode/utf8"
)

// SpanKind classifies a span within the pipeline, aligned with
// OpenTelemetry naming conventions.
type SpanKind string

const (
	KindRequest    SpanKind = "request"
	KindRetrieval  SpanKind = "retrieval"
	KindLLMCall    SpanKind = "llm_call"
	KindToolExec   SpanKind = "tool_exec"
	KindSelfHeal   SpanKind = "self_heal"
	KindDelegation SpanKind = "delegation"
	KindMCPCall    SpanKind = "mcp_call"
	KindApproval   SpanKind = "approval"
	KindResponse   SpanKind = "response"
)

// Span status values.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
	StatusActive  = "active"
)

// Trace status values.
const (
	TraceActive    = "active"
	TraceCompleted = "completed"
	TraceError     = "error"
)

// Per-span bounds. Attribute values and event payloads beyond these limits
// are truncated so a single runaway tool result cannot bloat the trace store.
const (
	maxAttrBytes    = 4 << 10
	maxAttrsPerSpan = 32
)

// Event is a timestamped occurrence inside a span.
type Event struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Payload   string    `json:"payload,omitempty"`
}

// Span represents one discrete operation within a trace.
type Span struct {
	SpanID       string            `json:"span_id"`
	TraceID      string            `json:"trace_id"`
	ParentSpanID string            `json:"parent_span_id,omitempty"`
	Kind         SpanKind          `json:"kind"`
	Name         string            `json:"name"`
	StartTime    time.Time         `json:"start_time"`
	EndTime      *time.Time        `json:"end_time,omitempty"`
	DurationMS   float64           `json:"duration_ms"`
	Status       string            `json:"status"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	Events       []Event           `json:"events,omitempty"`
}

// Trace is a complete record of one user request through the pipeline.
type Trace struct {
	TraceID       string    `json:"trace_id"`
	SessionID     string    `json:"session_id,omitempty"`
	UserInput     string    `json:"user_input"`
	FinalResponse string    `json:"final_response,omitempty"`
	StartTime     time.Time `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	DurationMS    float64   `json:"duration_ms"`
	Status        string    `json:"status"`
	Spans         []*Span   `json:"spans"`
}

// Summary is the compact listing form of a trace.
type Summary struct {
	TraceID    string    `json:"trace_id"`
	SessionID  string    `json:"session_id,omitempty"`
	UserInput  string    `json:"user_input"`
	Status     string    `json:"status"`
	DurationMS float64   `json:"duration_ms"`
	SpanCount  int       `json:"span_count"`
	StartTime  time.Time `json:"start_time"`
}

// Stats aggregates recorder-level metrics.
type Stats struct {
	TotalTraces   int     `json:"total_traces"`
	ActiveTraces  int     `json:"active_traces"`
	Completed     int     `json:"completed"`
	Errors        int     `json:"errors"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
	P95DurationMS float64 `json:"p95_duration_ms"`
	Capacity      int     `json:"capacity"`
}

func (s *Span) clone() *Span {
	out := *s
	if s.EndTime != nil {
		end := *s.EndTime
		out.EndTime = &end
	}
	if s.Attributes != nil {
		out.Attributes = make(map[string]string, len(s.Attributes))
		for k, v := range s.Attributes {
			out.Attributes[k] = v
		}
	}
	if s.Events != nil {
		out.Events = append([]Event(nil), s.Events...)
	}
	return &out
}

func (t *Trace) clone() *Trace {
	out := *t
	if t.EndTime != nil {
		end := *t.EndTime
		out.EndTime = &end
	}
	out.Spans = make([]*Span, len(t.Spans))
	for i, s := range t.Spans {
		out.Spans[i] = s.clone()
	}
	return &out
}

func (t *Trace) summary() Summary {
	input := t.UserInput
	if len(input) > 100 {
		cut := 100
		for cut > 0 && !utf8.RuneStart(input[cut]) {
			cut--
		}
		input = input[:cut]
	}
	return Summary{
		TraceID:    t.TraceID,
		SessionID:  t.SessionID,
		UserInput:  input,
		Status:     t.Status,
		DurationMS: t.DurationMS,
		SpanCount:  len(t.Spans),
		StartTime:  t.StartTime,
	}
}
