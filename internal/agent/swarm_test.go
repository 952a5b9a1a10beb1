// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/approval"
	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/provider"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/internal/tools"
	"github.com/agentgate/agentgate/internal/tracing"
)

// roleClient answers per agent role, identified by the system prompt.
// Replies for a role are consumed in order; the last one repeats.
type roleClient struct {
	replies map[string][]string
	calls   []string
	prompts map[string][]string
	onRole  func(role string)
	err     error
}

func newRoleClient(replies map[string][]string) *roleClient {
	return &roleClient{replies: replies, prompts: make(map[string][]string)}
}

func roleOf(system string) string {
	switch {
	case strings.Contains(system, "planning specialist"):
		return "planner"
	case strings.Contains(system, "senior software engineer"):
		return "coder"
	case strings.Contains(system, "code reviewer"):
		return "reviewer"
	case strings.Contains(system, "hostile validator"):
		return "critic"
	case strings.Contains(system, "security auditor"):
		return "security"
	case strings.Contains(system, "test engineer"):
		return "tester"
	default:
		return "unknown"
	}
}

func (c *roleClient) Name() string  { return "role" }
func (c *roleClient) Model() string { return "role-model" }

func (c *roleClient) Complete(_ context.Context, req provider.Request) (*provider.Response, error) {
	if c.err != nil {
		return nil, c.err
	}
	role := roleOf(req.System)
	c.calls = append(c.calls, role)
	c.prompts[role] = append(c.prompts[role], req.Messages[len(req.Messages)-1].Content)
	if c.onRole != nil {
		c.onRole(role)
	}

	queue := c.replies[role]
	if len(queue) == 0 {
		return &provider.Response{Content: "(no scripted reply for " + role + ")"}, nil
	}
	reply := queue[0]
	if len(queue) > 1 {
		c.replies[role] = queue[1:]
	}
	return &provider.Response{Content: reply, Usage: provider.Usage{InputTokens: 10, OutputTokens: 5}}, nil
}

func (c *roleClient) Stream(ctx context.Context, req provider.Request, onChunk func(string)) (*provider.Response, error) {
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if onChunk != nil {
		onChunk(resp.Content)
	}
	return resp, nil
}

func newSwarmFixture(t *testing.T, client *roleClient, maxIterations int) *Swarm {
	t.Helper()
	recorder := tracing.NewRecorder(config.TracingConfig{Enabled: true, MaxTraces: 10})
	broker := approval.NewBroker(config.ApprovalConfig{Enabled: false}, nil)
	executor := tools.NewExecutor(config.ToolsConfig{
		WorkspaceRoot: t.TempDir(),
		ReadMaxBytes:  1 << 20,
	})
	brain := NewBrain(config.AgentConfig{
		MaxToolRounds: 3,
		MaxTokens:     1024,
	}, provider.NewRouterWithClients([]provider.Client{client}, []int{1}), executor, broker, recorder, session.NewStore(20))

	return NewSwarm(config.SwarmConfig{
		Enabled:            true,
		MaxIterations:      maxIterations,
		FeedbackLimitChars: 3000,
	}, brain)
}

func TestSwarm_ApprovedFirstPass(t *testing.T) {
	client := newRoleClient(map[string][]string{
		"planner":  {"1. do the thing"},
		"coder":    {"the finished work"},
		"reviewer": {"APPROVED"},
		"critic":   {"VALID"},
	})
	s := newSwarmFixture(t, client, 3)

	result, err := s.Run(context.Background(), "build a widget")
	require.NoError(t, err)
	assert.Equal(t, SwarmApproved, result.Status)
	assert.Equal(t, "the finished work", result.Result)
	assert.Empty(t, result.Warning)
	assert.Equal(t, 1, result.Iterations)

	// Approval always flows through the critic before the run returns.
	assert.Equal(t, []string{"planner", "coder", "reviewer", "critic"}, client.calls)

	// Each role call accumulates into the run's usage.
	assert.Equal(t, 40, result.Usage.InputTokens)
}

func TestSwarm_RouteToSecurity(t *testing.T) {
	// The routing directive sits mid-feedback, not on its own line.
	client := newRoleClient(map[string][]string{
		"planner":  {"plan"},
		"coder":    {"draft one", "draft two"},
		"reviewer": {"Potential SQLi in the query builder. ROUTE:security", "APPROVED"},
		"security": {"finding: unquoted path at line 3"},
		"critic":   {"VALID"},
	})
	s := newSwarmFixture(t, client, 3)

	result, err := s.Run(context.Background(), "add an install script")
	require.NoError(t, err)
	assert.Equal(t, SwarmApproved, result.Status)
	assert.Equal(t, "draft two", result.Result)
	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, []string{"planner", "coder", "reviewer", "security", "coder", "reviewer", "critic"}, client.calls)

	// The specialist report feeds the next coder iteration.
	second := client.prompts["coder"][1]
	assert.Contains(t, second, "security report:")
	assert.Contains(t, second, "unquoted path")
}

func TestSwarm_CriticSeesApprovedWork(t *testing.T) {
	client := newRoleClient(map[string][]string{
		"planner":  {"plan"},
		"coder":    {"the artifact"},
		"reviewer": {"APPROVED"},
		"critic":   {"VALID"},
	})
	s := newSwarmFixture(t, client, 3)

	result, err := s.Run(context.Background(), "fix the bug")
	require.NoError(t, err)
	assert.Contains(t, client.calls, "critic")
	assert.Empty(t, result.Warning)

	// The critic validates the artifact itself, not reviewer feedback.
	prompt := client.prompts["critic"][0]
	assert.Contains(t, prompt, "Approved work:")
	assert.Contains(t, prompt, "the artifact")
}

func TestSwarm_CriticRejectionAnnotatesWithoutReopening(t *testing.T) {
	client := newRoleClient(map[string][]string{
		"planner":  {"plan"},
		"coder":    {"the artifact"},
		"reviewer": {"APPROVED"},
		"critic":   {"REJECTED:cites a library that does not exist\nmore detail"},
	})
	s := newSwarmFixture(t, client, 3)

	result, err := s.Run(context.Background(), "fix the bug")
	require.NoError(t, err)

	// The rejection is a warning on the result; the approval stands and
	// the loop does not reopen.
	assert.Equal(t, SwarmApproved, result.Status)
	assert.Equal(t, "the artifact", result.Result)
	assert.Equal(t, "critic: cites a library that does not exist", result.Warning)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, []string{"planner", "coder", "reviewer", "critic"}, client.calls)
}

func TestSwarm_ExhaustedKeepsLatestWork(t *testing.T) {
	client := newRoleClient(map[string][]string{
		"planner":  {"plan"},
		"coder":    {"draft one", "draft two"},
		"reviewer": {"missing error handling"},
	})
	s := newSwarmFixture(t, client, 2)

	result, err := s.Run(context.Background(), "harden the parser")
	require.NoError(t, err)
	assert.Equal(t, SwarmExhausted, result.Status)
	assert.Equal(t, "draft two", result.Result)
	assert.Equal(t, 2, result.Iterations)

	// Plain rejection feeds the coder directly; the critic only runs on
	// approved work.
	assert.NotContains(t, client.calls, "critic")
	assert.Contains(t, client.prompts["coder"][1], "missing error handling")
}

func TestSwarm_HintReachesCoder(t *testing.T) {
	client := newRoleClient(map[string][]string{
		"planner":  {"plan"},
		"coder":    {"work"},
		"reviewer": {"APPROVED"},
		"critic":   {"VALID"},
	})
	s := newSwarmFixture(t, client, 3)

	// The run is registered before the planner spawns, so a hint queued
	// during planning lands in the first coder prompt.
	client.onRole = func(role string) {
		if role == "planner" {
			assert.Equal(t, 1, s.BroadcastHint("use feature flags"))
		}
	}

	_, err := s.Run(context.Background(), "ship it")
	require.NoError(t, err)
	assert.Contains(t, client.prompts["coder"][0], "[URGENT USER MESSAGE] use feature flags")
}

func TestSwarm_AddHintUnknownRun(t *testing.T) {
	s := newSwarmFixture(t, newRoleClient(nil), 3)
	assert.False(t, s.AddHint("trace_0000000000000000", "hello"))
	assert.Zero(t, s.BroadcastHint("hello"))
}

func TestSwarm_ProviderErrorAborts(t *testing.T) {
	client := newRoleClient(nil)
	client.err = errors.New("invalid api key")
	s := newSwarmFixture(t, client, 3)

	result, err := s.Run(context.Background(), "anything")
	require.Error(t, err)
	assert.Equal(t, SwarmError, result.Status)
	assert.NotEmpty(t, result.TraceID)

	// The run is deregistered on exit.
	assert.False(t, s.AddHint(result.TraceID, "late hint"))
}

func TestParseRoute(t *testing.T) {
	tests := []struct {
		verdict string
		want    string
		ok      bool
	}{
		{"ROUTE:security", "security", true},
		{"ROUTE:tester please check coverage", "tester", true},
		{"ROUTE:SECURITY\ndetails below", "security", true},
		{"Potential SQLi. ROUTE:security", "security", true},
		{"needs tests first\nROUTE:tester.", "tester", true},
		{"ROUTE:marketing", "", false},
		{"APPROVED", "", false},
		{"needs work", "", false},
	}
	for _, tt := range tests {
		got, ok := parseRoute(tt.verdict)
		assert.Equal(t, tt.ok, ok, "verdict: %q", tt.verdict)
		assert.Equal(t, tt.want, got, "verdict: %q", tt.verdict)
	}
}

func TestCompressFeedback_PassthroughEarly(t *testing.T) {
	s := newSwarmFixture(t, newRoleClient(nil), 3)
	traceID := s.brain.recorder.StartTrace("t", "")

	long := strings.Repeat("x", 5000)
	// Iterations one and two never compress, whatever the size.
	assert.Equal(t, long, s.compressFeedback(context.Background(), traceID, long, 2, &SwarmResult{}))
	// Under the limit nothing happens either.
	assert.Equal(t, "short", s.compressFeedback(context.Background(), traceID, "short", 3, &SwarmResult{}))
}

func TestCompressFeedback_FallbackKeepsTail(t *testing.T) {
	client := newRoleClient(nil)
	client.err = errors.New("provider down")
	s := newSwarmFixture(t, client, 3)
	s.cfg.FeedbackLimitChars = 10
	traceID := s.brain.recorder.StartTrace("t", "")

	feedback := strings.Repeat("a", 40) + "KEEP_THIS!"
	got := s.compressFeedback(context.Background(), traceID, feedback, 3, &SwarmResult{})
	assert.Equal(t, "KEEP_THIS!", got)
}

func TestCompressFeedback_UsesSummary(t *testing.T) {
	client := newRoleClient(map[string][]string{
		"unknown": {"condensed feedback"},
	})
	s := newSwarmFixture(t, client, 3)
	s.cfg.FeedbackLimitChars = 10
	traceID := s.brain.recorder.StartTrace("t", "")

	got := s.compressFeedback(context.Background(), traceID, strings.Repeat("b", 50), 3, &SwarmResult{})
	assert.Equal(t, "condensed feedback", got)
}

func TestProfiles_ToolAccess(t *testing.T) {
	coder, ok := GetProfile("coder")
	require.True(t, ok)
	assert.True(t, coder.Allows("write_file"))
	assert.True(t, coder.Allows("shell"))

	reviewer, _ := GetProfile("reviewer")
	assert.True(t, reviewer.Allows("read_file"))
	assert.False(t, reviewer.Allows("write_file"))

	planner, _ := GetProfile("planner")
	assert.Empty(t, planner.AllowedTools())

	_, ok = GetProfile("wizard")
	assert.False(t, ok)
}
