// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/provider"
	"github.com/agentgate/agentgate/internal/tracing"
	"github.com/agentgate/agentgate/internal/util"
)

// Swarm run statuses.
const (
	SwarmApproved  = "approved"
	SwarmExhausted = "exhausted"
	SwarmError     = "error"
)

// Reviewer verdict markers.
const (
	verdictApproved    = "APPROVED"
	verdictRoutePrefix = "ROUTE:"
	criticRejected     = "REJECTED:"
)

// SwarmResult is the outcome of one multi-agent run. Warning carries the
// critic's objection when the approved artifact was rejected post-hoc.
type SwarmResult struct {
	TraceID    string         `json:"trace_id"`
	Status     string         `json:"status"`
	Result     string         `json:"result"`
	Warning    string         `json:"warning,omitempty"`
	Iterations int            `json:"iterations"`
	Usage      provider.Usage `json:"usage"`
}

// Notifier receives agent lifecycle events for the UI relay. Methods
// must not block.
type Notifier interface {
	AgentSpawned(role string)
	AgentCompleted(role string)
	AgentFailed(role string)
}

// Swarm coordinates role-scoped agents over a shared task: a planner
// decomposes it, a coder works it, a reviewer gates it, and specialists
// are pulled in when the reviewer routes to them.
type Swarm struct {
	cfg      config.SwarmConfig
	brain    *Brain
	notifier Notifier

	mu   sync.Mutex
	runs map[string]*swarmRun
}

// swarmRun is the mutable state of one active run; hints arriving over
// the management surface are drained at the next coder iteration.
type swarmRun struct {
	mu    sync.Mutex
	hints []string
}

// NewSwarm builds the orchestrator on top of a Brain.
func NewSwarm(cfg config.SwarmConfig, brain *Brain) *Swarm {
	return &Swarm{
		cfg:   cfg,
		brain: brain,
		runs:  make(map[string]*swarmRun),
	}
}

// SetNotifier installs the lifecycle event sink; the relay is wired
// after the orchestrator is built.
func (s *Swarm) SetNotifier(n Notifier) {
	s.notifier = n
}

// AddHint queues a human hint for an active run. Hints are injected into
// the next coder prompt as an urgent user message. Unknown run ids
// report false.
func (s *Swarm) AddHint(runID, hint string) bool {
	s.mu.Lock()
	run, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	run.mu.Lock()
	run.hints = append(run.hints, hint)
	run.mu.Unlock()
	log.WithField("request_id", runID[:14]).Info("swarm hint queued")
	return true
}

// BroadcastHint queues a hint for every active run; websocket clients do
// not address a specific run. Returns the number of runs reached.
func (s *Swarm) BroadcastHint(hint string) int {
	s.mu.Lock()
	runs := make([]*swarmRun, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	s.mu.Unlock()
	for _, run := range runs {
		run.mu.Lock()
		run.hints = append(run.hints, hint)
		run.mu.Unlock()
	}
	return len(runs)
}

// Run executes the full swarm loop for a task. The trace id doubles as
// the run id for hint injection.
func (s *Swarm) Run(ctx context.Context, task string) (*SwarmResult, error) {
	if s.cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	traceID := s.brain.recorder.StartTrace(task, "")
	run := &swarmRun{}
	s.mu.Lock()
	s.runs[traceID] = run
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.runs, traceID)
		s.mu.Unlock()
	}()

	result, err := s.loop(ctx, traceID, run, task)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			s.brain.recorder.AbortOpenSpans(traceID, tracing.StatusTimeout)
		}
		s.brain.recorder.EndTrace(traceID, result.Result, tracing.TraceError)
		result.Status = SwarmError
		result.TraceID = traceID
		return result, err
	}
	s.brain.recorder.EndTrace(traceID, result.Result, tracing.TraceCompleted)
	result.TraceID = traceID
	return result, nil
}

func (s *Swarm) loop(ctx context.Context, traceID string, run *swarmRun, task string) (*SwarmResult, error) {
	out := &SwarmResult{Status: SwarmExhausted}

	plan, err := s.spawn(ctx, traceID, "planner", fmt.Sprintf("Task:\n%s", task), out)
	if err != nil {
		return out, err
	}

	maxIterations := s.cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 3
	}

	var work string
	var feedback string

	for iteration := 1; iteration <= maxIterations; iteration++ {
		out.Iterations = iteration

		prompt := fmt.Sprintf("Task:\n%s\n\nPlan:\n%s", task, plan)
		if feedback != "" {
			feedback = s.compressFeedback(ctx, traceID, feedback, iteration, out)
			prompt += "\n\nReviewer feedback on your previous attempt:\n" + feedback
		}
		if hints := run.takeHints(); len(hints) > 0 {
			for _, h := range hints {
				prompt += "\n\n[URGENT USER MESSAGE] " + h
			}
		}

		work, err = s.spawn(ctx, traceID, "coder", prompt, out)
		if err != nil {
			return out, err
		}

		review, err := s.spawn(ctx, traceID, "reviewer",
			fmt.Sprintf("Task:\n%s\n\nWork to review:\n%s", task, work), out)
		if err != nil {
			return out, err
		}

		verdict := strings.TrimSpace(review)
		if strings.HasPrefix(verdict, verdictApproved) {
			out.Status = SwarmApproved
			out.Result = work
			s.critique(ctx, traceID, task, work, out)
			return out, nil
		}

		if specialist, ok := parseRoute(verdict); ok {
			report, err := s.spawn(ctx, traceID, specialist,
				fmt.Sprintf("Task:\n%s\n\nWork to inspect:\n%s", task, work), out)
			if err != nil {
				return out, err
			}
			feedback = appendFeedback(feedback, fmt.Sprintf("%s report:\n%s", specialist, report))
			continue
		}

		feedback = appendFeedback(feedback, review)
	}

	out.Result = work
	return out, nil
}

// spawn runs one agent under its profile, recorded as a delegation span
// with spawn/completion events.
func (s *Swarm) spawn(ctx context.Context, traceID, profileName, prompt string, out *SwarmResult) (string, error) {
	profile, ok := GetProfile(profileName)
	if !ok {
		return "", fmt.Errorf("swarm: unknown profile %q", profileName)
	}

	spanID := s.brain.recorder.StartSpan(traceID, tracing.KindDelegation, "agent "+profileName, "")
	s.brain.recorder.RecordEvent(spanID, "agent_spawned", profileName)
	if s.notifier != nil {
		s.notifier.AgentSpawned(profileName)
	}

	result, _, err := s.brain.runLoop(ctx, traceID, loopParams{
		system:      profile.SystemPrompt,
		messages:    []provider.Message{{Role: provider.RoleUser, Content: prompt}},
		allowed:     profile.AllowedTools(),
		temperature: profile.Temperature,
		maxRounds:   profile.MaxIterations,
	})
	out.Usage.InputTokens += result.Usage.InputTokens
	out.Usage.OutputTokens += result.Usage.OutputTokens

	if err != nil {
		s.brain.recorder.RecordEvent(spanID, "agent_failed", err.Error())
		s.brain.recorder.EndSpan(spanID, tracing.StatusError, map[string]string{
			"profile": profileName,
			"error":   err.Error(),
		})
		if s.notifier != nil {
			s.notifier.AgentFailed(profileName)
		}
		return result.Content, err
	}
	s.brain.recorder.RecordEvent(spanID, "agent_completed", util.Truncate(result.Content, 500))
	if s.notifier != nil {
		s.notifier.AgentCompleted(profileName)
	}
	s.brain.recorder.EndSpan(spanID, tracing.StatusOK, map[string]string{
		"profile":     profileName,
		"tool_rounds": strconv.Itoa(result.ToolRounds),
	})
	return result.Content, nil
}

// critique runs the critic over the approved artifact as a final hostile
// check. A rejection never reopens the loop; it is surfaced as a warning
// on the result. The approval stands even if the critic itself fails.
func (s *Swarm) critique(ctx context.Context, traceID, task, work string, out *SwarmResult) {
	verdict, err := s.spawn(ctx, traceID, "critic",
		fmt.Sprintf("Task:\n%s\n\nApproved work:\n%s", task, work), out)
	if err != nil {
		log.WithField("request_id", traceID[:14]).Warnf("critic pass failed: %v", err)
		return
	}
	idx := strings.Index(verdict, criticRejected)
	if idx < 0 {
		return
	}
	reason := strings.TrimSpace(verdict[idx+len(criticRejected):])
	if cut := strings.IndexByte(reason, '\n'); cut >= 0 {
		reason = strings.TrimSpace(reason[:cut])
	}
	out.Warning = "critic: " + reason
	log.WithField("request_id", traceID[:14]).Warnf("critic rejected approved work: %s", reason)
}

// compressFeedback keeps accumulated feedback under the configured
// budget. From the third iteration on, oversized feedback is summarized
// by a low-temperature completion; on failure the tail is kept verbatim
// so the latest directive survives.
func (s *Swarm) compressFeedback(ctx context.Context, traceID, feedback string, iteration int, out *SwarmResult) string {
	limit := s.cfg.FeedbackLimitChars
	if limit <= 0 {
		limit = 3000
	}
	if iteration <= 2 || len(feedback) <= limit {
		return feedback
	}

	log.WithField("request_id", traceID[:14]).
		WithField("tokens", provider.EstimateTokens(feedback)).
		Debug("compressing swarm feedback")

	resp, err := s.brain.router.Complete(ctx, provider.Request{
		System: "Condense review feedback. Keep every concrete directive and drop narration. Reply with the condensed feedback only.",
		Messages: []provider.Message{
			{Role: provider.RoleUser, Content: feedback},
		},
		Temperature: 0.1,
		MaxTokens:   1024,
	}, s.brain.attemptRecorder(traceID))
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		// Keep the tail: the newest directive matters most.
		return feedback[len(feedback)-limit:]
	}
	return resp.Content
}

func (r *swarmRun) takeHints() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	hints := r.hints
	r.hints = nil
	return hints
}

// parseRoute extracts the specialist name from a routing directive. The
// directive may sit anywhere in the reviewer's feedback; only known
// routable profiles are accepted.
func parseRoute(verdict string) (string, bool) {
	idx := strings.Index(verdict, verdictRoutePrefix)
	if idx < 0 {
		return "", false
	}
	rest := verdict[idx+len(verdictRoutePrefix):]
	if cut := strings.IndexAny(rest, " \t\n"); cut >= 0 {
		rest = rest[:cut]
	}
	rest = strings.ToLower(strings.TrimRight(rest, ".,;:!"))
	if rest == "security" || rest == "tester" {
		return rest, true
	}
	return "", false
}

func appendFeedback(existing, addition string) string {
	if existing == "" {
		return addition
	}
	return existing + "\n\n" + addition
}
