// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package provider

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/agentgate/agentgate/internal/config"
)

// Client is the wire-level contract implemented by every provider kind.
type Client interface {
	Name() string
	Model() string
	Complete(ctx context.Context, req Request) (*Response, error)
	Stream(ctx context.Context, req Request, onChunk func(string)) (*Response, error)
}

// Circuit backoff parameters.
const (
	backoffBase   = 500 * time.Millisecond
	backoffCap    = 60 * time.Second
	backoffJitter = 250 * time.Millisecond

	// Ranking weights: score = priority − alpha·latency_ms − beta·failures.
	scoreAlpha = 0.01
	scoreBeta  = 1.0

	// EWMA smoothing for recent latency.
	latencySmoothing = 0.3
)

// endpoint is the mutable routing state for one configured provider.
type endpoint struct {
	mu sync.Mutex

	client   Client
	priority int
	enabled  bool
	limiter  *rate.Limiter

	consecutiveFailures int
	lastLatencyMS       float64
	circuitOpenUntil    time.Time
}

func (ep *endpoint) selectable(now time.Time) bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.enabled && now.After(ep.circuitOpenUntil)
}

func (ep *endpoint) score() float64 {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return float64(ep.priority) - scoreAlpha*ep.lastLatencyMS - scoreBeta*float64(ep.consecutiveFailures)
}

func (ep *endpoint) recordSuccess(latency time.Duration) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.consecutiveFailures = 0
	ms := float64(latency) / float64(time.Millisecond)
	if ep.lastLatencyMS == 0 {
		ep.lastLatencyMS = ms
	} else {
		ep.lastLatencyMS = latencySmoothing*ms + (1-latencySmoothing)*ep.lastLatencyMS
	}
}

func (ep *endpoint) recordFailure() time.Duration {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.consecutiveFailures++
	exp := math.Min(float64(ep.consecutiveFailures), 7)
	backoff := time.Duration(math.Pow(2, exp)) * backoffBase
	if backoff > backoffCap {
		backoff = backoffCap
	}
	backoff += time.Duration(rand.Int63n(int64(backoffJitter)))
	ep.circuitOpenUntil = time.Now().Add(backoff)
	return backoff
}

// EndpointStats is a read-only health snapshot.
type EndpointStats struct {
	Name                string  `json:"name"`
	Model               string  `json:"model"`
	Enabled             bool    `json:"enabled"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	LastLatencyMS       float64 `json:"last_latency_ms"`
	CircuitOpen         bool    `json:"circuit_open"`
}

// AttemptFunc observes one endpoint attempt; the returned done function is
// invoked with the attempt's outcome. Used by the Brain to open one
// llm_call span per attempt.
type AttemptFunc func(endpointName, model string) (done func(err error, latency time.Duration))

// Router selects endpoints by health-weighted score and fails over on
// transient errors. Safe for concurrent use.
type Router struct {
	endpoints []*endpoint
}

// NewRouter constructs clients for every configured endpoint.
func NewRouter(cfgs []config.ProviderConfig) *Router {
	r := &Router{}
	for _, pc := range cfgs {
		var client Client
		switch pc.Kind {
		case "anthropic":
			client = NewAnthropicClient(pc.Name, pc.BaseURL, pc.Model, pc.APIKey)
		case "ollama":
			client = NewOllamaClient(pc.Name, pc.BaseURL, pc.Model)
		case "openai-compatible":
			client = NewOpenAIClient(pc.Name, pc.BaseURL, pc.Model, pc.APIKey)
		default:
			log.Warnf("provider: unknown kind %q for endpoint %q, skipping", pc.Kind, pc.Name)
			continue
		}
		ep := &endpoint{
			client:   client,
			priority: pc.Priority,
			enabled:  pc.Enabled,
		}
		if pc.RateLimitRPS > 0 {
			burst := pc.Burst
			if burst <= 0 {
				burst = 1
			}
			ep.limiter = rate.NewLimiter(rate.Limit(pc.RateLimitRPS), burst)
		}
		r.endpoints = append(r.endpoints, ep)
	}
	return r
}

// NewRouterWithClients wires pre-built clients; used by tests.
func NewRouterWithClients(clients []Client, priorities []int) *Router {
	r := &Router{}
	for i, c := range clients {
		prio := 0
		if i < len(priorities) {
			prio = priorities[i]
		}
		r.endpoints = append(r.endpoints, &endpoint{client: c, priority: prio, enabled: true})
	}
	return r
}

// ranked returns selectable endpoints ordered by descending score.
func (r *Router) ranked() []*endpoint {
	now := time.Now()
	candidates := make([]*endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		if ep.selectable(now) {
			candidates = append(candidates, ep)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score() > candidates[j].score()
	})
	return candidates
}

// Complete runs the request against the best endpoint, failing over on
// transient errors. onAttempt may be nil.
func (r *Router) Complete(ctx context.Context, req Request, onAttempt AttemptFunc) (*Response, error) {
	return r.run(ctx, req, onAttempt, nil)
}

// Stream is Complete with text deltas forwarded to onChunk.
func (r *Router) Stream(ctx context.Context, req Request, onAttempt AttemptFunc, onChunk func(string)) (*Response, error) {
	return r.run(ctx, req, onAttempt, onChunk)
}

func (r *Router) run(ctx context.Context, req Request, onAttempt AttemptFunc, onChunk func(string)) (*Response, error) {
	candidates := r.ranked()
	if len(candidates) == 0 {
		return nil, ErrProviderUnavailable
	}

	var lastErr error
	for _, ep := range candidates {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if ep.limiter != nil && !ep.limiter.Allow() {
			// Bucket empty: this endpoint is busy, not broken.
			continue
		}

		done := func(error, time.Duration) {}
		if onAttempt != nil {
			done = onAttempt(ep.client.Name(), ep.client.Model())
		}

		start := time.Now()
		var resp *Response
		var err error
		if onChunk != nil {
			resp, err = ep.client.Stream(ctx, req, onChunk)
		} else {
			resp, err = ep.client.Complete(ctx, req)
		}
		latency := time.Since(start)
		done(err, latency)

		if err == nil {
			ep.recordSuccess(latency)
			fillUsage(req, resp)
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !IsTransient(err) {
			// Non-transient errors (bad request, auth) do not trip the
			// circuit and are not retried elsewhere.
			return nil, err
		}
		backoff := ep.recordFailure()
		log.WithField("endpoint", ep.client.Name()).
			WithField("backoff_ms", backoff.Milliseconds()).
			Warnf("provider failed, circuit opened: %v", err)
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrProviderUnavailable
}

// Stats returns a health snapshot per endpoint.
func (r *Router) Stats() []EndpointStats {
	now := time.Now()
	out := make([]EndpointStats, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		ep.mu.Lock()
		out = append(out, EndpointStats{
			Name:                ep.client.Name(),
			Model:               ep.client.Model(),
			Enabled:             ep.enabled,
			ConsecutiveFailures: ep.consecutiveFailures,
			LastLatencyMS:       ep.lastLatencyMS,
			CircuitOpen:         now.Before(ep.circuitOpenUntil),
		})
		ep.mu.Unlock()
	}
	return out
}
