// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient scripts per-call outcomes for router tests.
type fakeClient struct {
	name  string
	errs  []error // consumed in order; nil means success
	calls int
}

func (f *fakeClient) Name() string  { return f.name }
func (f *fakeClient) Model() string { return "fake-model" }

func (f *fakeClient) Complete(_ context.Context, _ Request) (*Response, error) {
	var err error
	if f.calls < len(f.errs) {
		err = f.errs[f.calls]
	}
	f.calls++
	if err != nil {
		return nil, err
	}
	return &Response{Content: "answer from " + f.name, Model: "fake-model"}, nil
}

func (f *fakeClient) Stream(ctx context.Context, req Request, onChunk func(string)) (*Response, error) {
	resp, err := f.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if onChunk != nil {
		onChunk(resp.Content)
	}
	return resp, nil
}

func TestRouter_PrefersHigherPriority(t *testing.T) {
	low := &fakeClient{name: "low"}
	high := &fakeClient{name: "high"}
	r := NewRouterWithClients([]Client{low, high}, []int{1, 10})

	resp, err := r.Complete(context.Background(), Request{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "answer from high", resp.Content)
	assert.Equal(t, 0, low.calls)
}

func TestRouter_FailsOverOnTransient(t *testing.T) {
	primary := &fakeClient{name: "primary", errs: []error{&TransientError{Status: 503, Msg: "overloaded"}}}
	backup := &fakeClient{name: "backup"}
	r := NewRouterWithClients([]Client{primary, backup}, []int{10, 1})

	var attempts []string
	onAttempt := func(endpoint, model string) func(error, time.Duration) {
		attempts = append(attempts, endpoint)
		return func(error, time.Duration) {}
	}

	resp, err := r.Complete(context.Background(), Request{}, onAttempt)
	require.NoError(t, err)
	assert.Equal(t, "answer from backup", resp.Content)

	// One attempt per endpoint, visible to the observer.
	assert.Equal(t, []string{"primary", "backup"}, attempts)
}

func TestRouter_CircuitOpensAndHeals(t *testing.T) {
	flaky := &fakeClient{name: "flaky", errs: []error{&TransientError{Msg: "boom"}}}
	steady := &fakeClient{name: "steady"}
	r := NewRouterWithClients([]Client{flaky, steady}, []int{10, 1})

	_, err := r.Complete(context.Background(), Request{}, nil)
	require.NoError(t, err)

	// The failed endpoint's circuit is open: the next call goes straight
	// to the healthy one without touching it.
	before := flaky.calls
	_, err = r.Complete(context.Background(), Request{}, nil)
	require.NoError(t, err)
	assert.Equal(t, before, flaky.calls)

	stats := r.Stats()
	byName := map[string]EndpointStats{}
	for _, s := range stats {
		byName[s.Name] = s
	}
	assert.True(t, byName["flaky"].CircuitOpen)
	assert.Equal(t, 1, byName["flaky"].ConsecutiveFailures)
	assert.False(t, byName["steady"].CircuitOpen)
	assert.Zero(t, byName["steady"].ConsecutiveFailures)
}

func TestRouter_NonTransientNotRetried(t *testing.T) {
	bad := &fakeClient{name: "bad", errs: []error{errors.New("invalid api key")}}
	backup := &fakeClient{name: "backup"}
	r := NewRouterWithClients([]Client{bad, backup}, []int{10, 1})

	_, err := r.Complete(context.Background(), Request{}, nil)
	require.Error(t, err)
	assert.Equal(t, 0, backup.calls, "auth errors must not fail over")

	// And the circuit stays closed: the error was the request's fault.
	for _, s := range r.Stats() {
		assert.False(t, s.CircuitOpen)
	}
}

func TestRouter_AllUnavailable(t *testing.T) {
	a := &fakeClient{name: "a", errs: []error{&TransientError{Msg: "x"}}}
	b := &fakeClient{name: "b", errs: []error{&TransientError{Msg: "y"}}}
	r := NewRouterWithClients([]Client{a, b}, []int{2, 1})

	// First call trips both circuits.
	_, err := r.Complete(context.Background(), Request{}, nil)
	require.Error(t, err)

	// Second call finds nothing selectable.
	_, err = r.Complete(context.Background(), Request{}, nil)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestRouter_NoEndpoints(t *testing.T) {
	r := NewRouterWithClients(nil, nil)
	_, err := r.Complete(context.Background(), Request{}, nil)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestRouter_ContextCancellation(t *testing.T) {
	slow := &fakeClient{name: "slow"}
	r := NewRouterWithClients([]Client{slow}, []int{1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Complete(ctx, Request{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRouter_FailureCountBiasesRanking(t *testing.T) {
	a := &endpoint{client: &fakeClient{name: "a"}, priority: 5, enabled: true}
	b := &endpoint{client: &fakeClient{name: "b"}, priority: 5, enabled: true}
	b.consecutiveFailures = 3

	assert.Greater(t, a.score(), b.score())
}

func TestRouter_SuccessResetsFailures(t *testing.T) {
	ep := &endpoint{client: &fakeClient{name: "x"}, priority: 1, enabled: true}
	ep.consecutiveFailures = 4

	ep.recordSuccess(100 * time.Millisecond)
	assert.Zero(t, ep.consecutiveFailures)
	assert.InDelta(t, 100, ep.lastLatencyMS, 1)

	// Latency is smoothed, not replaced.
	ep.recordSuccess(200 * time.Millisecond)
	assert.InDelta(t, 130, ep.lastLatencyMS, 1)
}

func TestRouter_BackoffGrowsAndCaps(t *testing.T) {
	ep := &endpoint{client: &fakeClient{name: "x"}, enabled: true}

	first := ep.recordFailure()
	second := ep.recordFailure()
	assert.Greater(t, second, first)

	for i := 0; i < 20; i++ {
		ep.recordFailure()
	}
	final := ep.recordFailure()
	assert.LessOrEqual(t, final, backoffCap+backoffJitter)
}

func TestRouter_StreamForwardsChunks(t *testing.T) {
	c := &fakeClient{name: "c"}
	r := NewRouterWithClients([]Client{c}, []int{1})

	var chunks []string
	resp, err := r.Stream(context.Background(), Request{}, nil, func(s string) {
		chunks = append(chunks, s)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{resp.Content}, chunks)
}
