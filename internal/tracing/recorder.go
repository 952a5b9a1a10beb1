// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package tracing records structured traces of the agent pipeline.
// Each user request becomes a Trace: a tree of Spans covering LLM calls,
// tool executions, approvals, self-healing attempts and delegations.
// Completed traces live in an in-memory ring buffer and are optionally
// persisted as one JSON file per trace.
package tracing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/util"
)

// Recorder is the process-wide trace recorder. All state is constructor
// injected; tests create their own instances.
type Recorder struct {
	mu        sync.Mutex
	enabled   bool
	persist   bool
	dir       string
	maxTraces int

	active    map[string]*traceState
	spanIndex map[string]*traceState
	ring      []*Trace
}

// traceState pairs a live trace with its own lock so span writes on
// different traces never contend.
type traceState struct {
	mu    sync.Mutex
	trace *Trace
	spans map[string]*Span
	// open holds span ids in start order; the most recent still-open span
	// becomes the default parent for new spans.
	open []string
}

// NewRecorder creates a Recorder from configuration.
func NewRecorder(cfg config.TracingConfig) *Recorder {
	r := &Recorder{
		enabled:   cfg.Enabled,
		persist:   cfg.Persist,
		dir:       cfg.StorePath,
		maxTraces: cfg.MaxTraces,
		active:    make(map[string]*traceState),
		spanIndex: make(map[string]*traceState),
	}
	if r.persist && r.dir != "" {
		if err := os.MkdirAll(r.dir, 0o755); err != nil {
			log.Errorf("tracing: cannot create store path %s: %v", r.dir, err)
			r.persist = false
		}
	}
	return r
}

// StartTrace opens a new trace with a root span of kind request and
// returns the trace id.
func (r *Recorder) StartTrace(userInput, sessionID string) string {
	traceID := fmt.Sprintf("trace_%s", strings.ReplaceAll(uuid.New().String(), "-", "")[:16])
	now := time.Now()
	st := &traceState{
		trace: &Trace{
			TraceID:   traceID,
			SessionID: sessionID,
			UserInput: util.Truncate(userInput, maxAttrBytes),
			StartTime: now,
			Status:    TraceActive,
		},
		spans: make(map[string]*Span),
	}

	r.mu.Lock()
	r.active[traceID] = st
	r.mu.Unlock()

	root := r.startSpanLocked(st, KindRequest, "request", "")
	r.mu.Lock()
	r.spanIndex[root.SpanID] = st
	r.mu.Unlock()

	log.WithField("request_id", traceID[:14]).Debug("trace started")
	return traceID
}

// StartSpan appends a span to the trace. When parent is empty, the most
// recent still-open span of the trace is used as the parent.
func (r *Recorder) StartSpan(traceID string, kind SpanKind, name, parent string) string {
	r.mu.Lock()
	st, ok := r.active[traceID]
	r.mu.Unlock()
	if !ok {
		return ""
	}
	span := r.startSpanLocked(st, kind, name, parent)
	r.mu.Lock()
	r.spanIndex[span.SpanID] = st
	r.mu.Unlock()
	return span.SpanID
}

func (r *Recorder) startSpanLocked(st *traceState, kind SpanKind, name, parent string) *Span {
	st.mu.Lock()
	defer st.mu.Unlock()

	if parent == "" && len(st.open) > 0 {
		parent = st.open[len(st.open)-1]
	}
	span := &Span{
		SpanID:       uuid.New().String()[:12],
		TraceID:      st.trace.TraceID,
		ParentSpanID: parent,
		Kind:         kind,
		Name:         name,
		StartTime:    time.Now(),
		Status:       StatusActive,
	}
	st.trace.Spans = append(st.trace.Spans, span)
	st.spans[span.SpanID] = span
	st.open = append(st.open, span.SpanID)
	return span
}

// EndSpan closes a span with the given status and merges the attributes.
// Ending an already-closed span is a no-op.
func (r *Recorder) EndSpan(spanID, status string, attrs map[string]string) {
	r.mu.Lock()
	st, ok := r.spanIndex[spanID]
	r.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	span, ok := st.spans[spanID]
	if !ok || span.EndTime != nil {
		return
	}
	for k, v := range attrs {
		setAttr(span, k, v)
	}
	now := time.Now()
	span.EndTime = &now
	span.DurationMS = float64(now.Sub(span.StartTime)) / float64(time.Millisecond)
	span.Status = status
	removeOpen(st, spanID)
}

// RecordEvent appends a timestamped event to an open span. Payloads are
// truncated to the per-span byte limit.
func (r *Recorder) RecordEvent(spanID, name, payload string) {
	r.mu.Lock()
	st, ok := r.spanIndex[spanID]
	r.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	span, ok := st.spans[spanID]
	if !ok {
		return
	}
	span.Events = append(span.Events, Event{
		Name:      name,
		Timestamp: time.Now(),
		Payload:   util.Truncate(payload, maxAttrBytes),
	})
}

// AbortOpenSpans force-closes every span still open on an active trace
// with the given status. Called on request cancellation, where open spans
// end as timeout rather than error.
func (r *Recorder) AbortOpenSpans(traceID, status string) {
	r.mu.Lock()
	st, ok := r.active[traceID]
	r.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	now := time.Now()
	for _, id := range st.open {
		span, ok := st.spans[id]
		if !ok || span.EndTime != nil {
			continue
		}
		end := now
		span.EndTime = &end
		span.DurationMS = float64(now.Sub(span.StartTime)) / float64(time.Millisecond)
		span.Status = status
	}
	st.open = nil
}

// EndTrace closes the trace, force-closing any spans still open, moves it
// into the ring buffer (evicting the oldest beyond capacity) and persists
// it to disk when enabled.
func (r *Recorder) EndTrace(traceID, finalResponse, status string) {
	r.mu.Lock()
	st, ok := r.active[traceID]
	if ok {
		delete(r.active, traceID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	now := time.Now()
	spanStatus := StatusOK
	if status == TraceError {
		spanStatus = StatusError
	}
	for _, id := range st.open {
		if span, ok := st.spans[id]; ok && span.EndTime != nil {
			continue
		} else if ok {
			end := now
			span.EndTime = &end
			span.DurationMS = float64(now.Sub(span.StartTime)) / float64(time.Millisecond)
			span.Status = spanStatus
		}
	}
	st.open = nil
	st.trace.FinalResponse = util.Truncate(finalResponse, maxAttrBytes)
	st.trace.EndTime = &now
	st.trace.DurationMS = float64(now.Sub(st.trace.StartTime)) / float64(time.Millisecond)
	st.trace.Status = status
	snapshot := st.trace.clone()
	spanIDs := make([]string, 0, len(st.spans))
	for id := range st.spans {
		spanIDs = append(spanIDs, id)
	}
	st.mu.Unlock()

	r.mu.Lock()
	for _, id := range spanIDs {
		delete(r.spanIndex, id)
	}
	r.ring = append(r.ring, snapshot)
	if r.maxTraces > 0 && len(r.ring) > r.maxTraces {
		r.ring = r.ring[len(r.ring)-r.maxTraces:]
	}
	persist := r.persist
	r.mu.Unlock()

	if persist {
		r.persistTrace(snapshot)
	}
	log.WithField("request_id", traceID[:14]).
		WithField("spans", len(snapshot.Spans)).
		WithField("duration_ms", int(snapshot.DurationMS)).
		Debug("trace completed")
}

func (r *Recorder) persistTrace(t *Trace) {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		log.Errorf("tracing: marshal %s failed: %v", t.TraceID, err)
		return
	}
	path := filepath.Join(r.dir, t.TraceID+".json")
	if err := util.SecureWrite(path, data, &util.SecureWriteOptions{Permissions: 0o644}); err != nil {
		log.Errorf("tracing: persist %s failed: %v", t.TraceID, err)
	}
}

// Get returns a snapshot of a trace: active traces first, then the ring
// buffer, then the on-disk store.
func (r *Recorder) Get(traceID string) (*Trace, bool) {
	r.mu.Lock()
	if st, ok := r.active[traceID]; ok {
		r.mu.Unlock()
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.trace.clone(), true
	}
	for i := len(r.ring) - 1; i >= 0; i-- {
		if r.ring[i].TraceID == traceID {
			t := r.ring[i].clone()
			r.mu.Unlock()
			return t, true
		}
	}
	dir, persist := r.dir, r.persist
	r.mu.Unlock()

	if !persist {
		return nil, false
	}
	data, err := os.ReadFile(filepath.Join(dir, traceID+".json"))
	if err != nil {
		return nil, false
	}
	var t Trace
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, false
	}
	return &t, true
}

// List returns summaries of the most recent completed traces, newest first.
func (r *Recorder) List(limit int) []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.ring) {
		limit = len(r.ring)
	}
	out := make([]Summary, 0, limit)
	for i := len(r.ring) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.ring[i].summary())
	}
	return out
}

// Search returns summaries of traces whose user input contains the
// given substring, newest first.
func (r *Recorder) Search(substring string, limit int) []Summary {
	needle := strings.ToLower(substring)
	if limit <= 0 {
		limit = 20
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Summary, 0, limit)
	for i := len(r.ring) - 1; i >= 0 && len(out) < limit; i-- {
		if strings.Contains(strings.ToLower(r.ring[i].UserInput), needle) {
			out = append(out, r.ring[i].summary())
		}
	}
	return out
}

// Stats aggregates duration and error metrics over the ring buffer.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{
		TotalTraces:  len(r.ring),
		ActiveTraces: len(r.active),
		Capacity:     r.maxTraces,
	}
	var durations []float64
	for _, t := range r.ring {
		switch t.Status {
		case TraceCompleted:
			stats.Completed++
			durations = append(durations, t.DurationMS)
		case TraceError:
			stats.Errors++
		}
	}
	if len(durations) > 0 {
		var sum float64
		for _, d := range durations {
			sum += d
		}
		stats.AvgDurationMS = sum / float64(len(durations))
		sort.Float64s(durations)
		stats.P95DurationMS = durations[int(float64(len(durations))*0.95)]
	}
	return stats
}

// setAttr applies the attribute count and size bounds.
func setAttr(span *Span, key, value string) {
	if span.Attributes == nil {
		span.Attributes = make(map[string]string)
	}
	if _, exists := span.Attributes[key]; !exists && len(span.Attributes) >= maxAttrsPerSpan {
		return
	}
	span.Attributes[key] = util.Truncate(value, maxAttrBytes)
}

func removeOpen(st *traceState, spanID string) {
	for i, id := range st.open {
		if id == spanID {
			st.open = append(st.open[:i], st.open[i+1:]...)
			return
		}
	}
}
