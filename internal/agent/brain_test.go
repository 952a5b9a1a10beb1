// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/approval"
	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/provider"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/internal/tools"
	"github.com/agentgate/agentgate/internal/tracing"
)

// scriptedClient replays canned responses; each entry may inspect the
// request it answers.
type scriptedClient struct {
	name   string
	script []func(req provider.Request) (*provider.Response, error)
	calls  int
}

func (c *scriptedClient) Name() string  { return c.name }
func (c *scriptedClient) Model() string { return "scripted" }

func (c *scriptedClient) Complete(_ context.Context, req provider.Request) (*provider.Response, error) {
	if c.calls >= len(c.script) {
		return &provider.Response{Content: "script exhausted"}, nil
	}
	step := c.script[c.calls]
	c.calls++
	return step(req)
}

func (c *scriptedClient) Stream(ctx context.Context, req provider.Request, onChunk func(string)) (*provider.Response, error) {
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if onChunk != nil && resp.Content != "" {
		onChunk(resp.Content)
	}
	return resp, nil
}

func textResponse(content string) func(provider.Request) (*provider.Response, error) {
	return func(provider.Request) (*provider.Response, error) {
		return &provider.Response{Content: content, Usage: provider.Usage{InputTokens: 10, OutputTokens: 5}}, nil
	}
}

func toolUseResponse(id, name string, args map[string]interface{}) func(provider.Request) (*provider.Response, error) {
	return func(provider.Request) (*provider.Response, error) {
		return &provider.Response{ToolUses: []provider.ToolUse{{ID: id, Name: name, Arguments: args}}}, nil
	}
}

type brainFixture struct {
	brain     *Brain
	client    *scriptedClient
	broker    *approval.Broker
	recorder  *tracing.Recorder
	sessions  *session.Store
	workspace string
}

func newBrainFixture(t *testing.T, script []func(provider.Request) (*provider.Response, error)) *brainFixture {
	t.Helper()
	workspace := t.TempDir()
	client := &scriptedClient{name: "scripted", script: script}
	recorder := tracing.NewRecorder(config.TracingConfig{Enabled: true, MaxTraces: 10})
	broker := approval.NewBroker(config.ApprovalConfig{
		Enabled:         true,
		AutoApproveSafe: true,
		TimeoutSeconds:  2,
	}, nil)
	executor := tools.NewExecutor(config.ToolsConfig{
		WorkspaceRoot: workspace,
		ReadMaxBytes:  1 << 20,
		Shell:         config.ShellConfig{Enabled: true, TimeoutSeconds: 5},
	})
	sessions := session.NewStore(20)
	brain := NewBrain(config.AgentConfig{
		SystemPrompt:       "You are a helpful assistant.",
		MaxToolRounds:      3,
		Temperature:        0.7,
		MaxTokens:          1024,
		TurnTimeoutSeconds: 10,
		MaxSessionMessages: 20,
	}, provider.NewRouterWithClients([]provider.Client{client}, []int{1}), executor, broker, recorder, sessions)

	return &brainFixture{
		brain: brain, client: client, broker: broker,
		recorder: recorder, sessions: sessions, workspace: workspace,
	}
}

func TestRunTurn_PlainAnswer(t *testing.T) {
	f := newBrainFixture(t, []func(provider.Request) (*provider.Response, error){
		textResponse("hello there"),
	})

	result, err := f.brain.RunTurn(context.Background(), "s1", "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello there", result.Content)
	assert.Equal(t, tracing.TraceCompleted, result.Status)
	assert.Zero(t, result.ToolRounds)

	history, err := f.sessions.History("s1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, provider.RoleUser, history[0].Role)
	assert.Equal(t, provider.RoleAssistant, history[1].Role)
}

func TestRunTurn_ToolRoundTrip(t *testing.T) {
	var fixturePath string
	f := newBrainFixture(t, nil)
	fixturePath = filepath.Join(f.workspace, "notes.txt")
	require.NoError(t, os.WriteFile(fixturePath, []byte("file content"), 0o644))

	f.client.script = []func(provider.Request) (*provider.Response, error){
		toolUseResponse("tu_1", "read_file", map[string]interface{}{"path": fixturePath}),
		func(req provider.Request) (*provider.Response, error) {
			// The tool result is threaded back keyed by tool_use id.
			last := req.Messages[len(req.Messages)-1]
			assert.Equal(t, provider.RoleTool, last.Role)
			assert.Equal(t, "tu_1", last.ToolCallID)
			assert.False(t, last.IsError)

			var result tools.Result
			require.NoError(t, json.Unmarshal([]byte(last.Content), &result))
			assert.True(t, result.OK)
			assert.Equal(t, "file content", result.Payload["content"])
			return &provider.Response{Content: "the file says: file content"}, nil
		},
	}

	result, err := f.brain.RunTurn(context.Background(), "s1", "read my notes", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ToolRounds)
	assert.Equal(t, "the file says: file content", result.Content)

	// Trace carries llm_call and tool_exec spans.
	trace, ok := f.recorder.Get(result.TraceID)
	require.True(t, ok)
	kinds := map[tracing.SpanKind]int{}
	for _, s := range trace.Spans {
		kinds[s.Kind]++
	}
	assert.Equal(t, 2, kinds[tracing.KindLLMCall])
	assert.Equal(t, 1, kinds[tracing.KindToolExec])
}

func TestRunTurn_DeniedToolBecomesSyntheticResult(t *testing.T) {
	f := newBrainFixture(t, nil)
	target := filepath.Join(f.workspace, "out.txt")

	f.client.script = []func(provider.Request) (*provider.Response, error){
		toolUseResponse("tu_1", "write_file", map[string]interface{}{"path": target, "content": "x"}),
		func(req provider.Request) (*provider.Response, error) {
			last := req.Messages[len(req.Messages)-1]
			assert.Equal(t, provider.RoleTool, last.Role)
			assert.True(t, last.IsError)

			var result tools.Result
			require.NoError(t, json.Unmarshal([]byte(last.Content), &result))
			assert.Equal(t, tools.ErrKindDenied, result.ErrorKind)
			return &provider.Response{Content: "understood, not writing"}, nil
		},
	}

	// Deny the approval as soon as it appears.
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			for _, req := range f.broker.Pending() {
				f.broker.Resolve(req.ID, false, 0)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	result, err := f.brain.RunTurn(context.Background(), "s1", "write it", nil)
	require.NoError(t, err)
	assert.Equal(t, "understood, not writing", result.Content)

	// The file was never written.
	_, statErr := os.Stat(target)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunTurn_MaxToolRoundsForcesTextTurn(t *testing.T) {
	f := newBrainFixture(t, nil)
	path := filepath.Join(f.workspace, "loop.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	loop := toolUseResponse("tu_n", "read_file", map[string]interface{}{"path": path})
	f.client.script = []func(provider.Request) (*provider.Response, error){
		loop, loop, loop,
		func(req provider.Request) (*provider.Response, error) {
			// The round budget is spent: this call must carry no tools.
			assert.Empty(t, req.Tools)
			return &provider.Response{Content: "forced answer"}, nil
		},
	}

	result, err := f.brain.RunTurn(context.Background(), "s1", "loop forever", nil)
	require.NoError(t, err)
	assert.Equal(t, "forced answer", result.Content)
	assert.Equal(t, 3, result.ToolRounds)
	assert.Equal(t, 4, f.client.calls)
}

func TestRunTurn_BusySessionRejected(t *testing.T) {
	f := newBrainFixture(t, []func(provider.Request) (*provider.Response, error){
		textResponse("ok"),
	})
	f.sessions.GetOrCreate("s1")
	require.NoError(t, f.sessions.TryBeginTurn("s1"))

	_, err := f.brain.RunTurn(context.Background(), "s1", "hi", nil)
	assert.ErrorIs(t, err, session.ErrSessionBusy)
}

func TestRunTurn_ProfileRestrictsTools(t *testing.T) {
	f := newBrainFixture(t, nil)
	f.client.script = []func(provider.Request) (*provider.Response, error){
		func(req provider.Request) (*provider.Response, error) {
			// Read-only catalogue: no write_file or shell offered.
			for _, tool := range req.Tools {
				assert.Contains(t, []string{"read_file", "search_files"}, tool.Name)
			}
			return &provider.Response{ToolUses: []provider.ToolUse{
				{ID: "tu_1", Name: "write_file", Arguments: map[string]interface{}{"path": "/tmp/x", "content": "y"}},
			}}, nil
		},
		func(req provider.Request) (*provider.Response, error) {
			var result tools.Result
			require.NoError(t, json.Unmarshal([]byte(req.Messages[len(req.Messages)-1].Content), &result))
			assert.Equal(t, tools.ErrKindDenied, result.ErrorKind)
			assert.Contains(t, result.Message, "not permitted")
			return &provider.Response{Content: "noted"}, nil
		},
	}

	traceID := f.recorder.StartTrace("restricted", "")
	out, _, err := f.brain.runLoop(context.Background(), traceID, loopParams{
		system:    "reviewer prompt",
		messages:  []provider.Message{{Role: provider.RoleUser, Content: "review"}},
		allowed:   []string{"read_file", "search_files"},
		maxRounds: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, "noted", out.Content)
}

type recordingObserver struct {
	started bool
	chunks  []string
	ended   bool
}

func (o *recordingObserver) TurnStarted(string, string) { o.started = true }
func (o *recordingObserver) Chunk(text string)          { o.chunks = append(o.chunks, text) }
func (o *recordingObserver) TurnEnded(string)           { o.ended = true }

func TestRunTurn_ObserverSequence(t *testing.T) {
	f := newBrainFixture(t, []func(provider.Request) (*provider.Response, error){
		textResponse("streamed answer"),
	})

	obs := &recordingObserver{}
	result, err := f.brain.RunTurn(context.Background(), "s1", "hi", obs)
	require.NoError(t, err)
	assert.True(t, obs.started)
	assert.True(t, obs.ended)
	assert.Equal(t, result.Content, joinChunks(obs.chunks))
}

func joinChunks(chunks []string) string {
	out := ""
	for _, c := range chunks {
		out += c
	}
	return out
}

func TestRunTurn_ResponseSpanReplaysChunks(t *testing.T) {
	f := newBrainFixture(t, []func(provider.Request) (*provider.Response, error){
		textResponse("streamed answer"),
	})

	obs := &recordingObserver{}
	result, err := f.brain.RunTurn(context.Background(), "s1", "hi", obs)
	require.NoError(t, err)

	trace, ok := f.recorder.Get(result.TraceID)
	require.True(t, ok)
	var resp *tracing.Span
	for _, s := range trace.Spans {
		if s.Kind == tracing.KindResponse {
			resp = s
		}
	}
	require.NotNil(t, resp, "trace missing response span")
	assert.Equal(t, tracing.StatusOK, resp.Status)
	assert.Equal(t, result.Content, resp.Attributes["text"])

	// The streamed text is replayable from the span's chunk events.
	replay := ""
	for _, ev := range resp.Events {
		require.Equal(t, "chunk", ev.Name)
		replay += ev.Payload
	}
	assert.Equal(t, result.Content, replay)
}

func TestRunTurn_ResponseSpanOnForcedFinalTurn(t *testing.T) {
	f := newBrainFixture(t, nil)
	path := filepath.Join(f.workspace, "loop.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	loop := toolUseResponse("tu_n", "read_file", map[string]interface{}{"path": path})
	f.client.script = []func(provider.Request) (*provider.Response, error){
		loop, loop, loop,
		textResponse("forced answer"),
	}

	obs := &recordingObserver{}
	result, err := f.brain.RunTurn(context.Background(), "s1", "loop forever", obs)
	require.NoError(t, err)

	trace, ok := f.recorder.Get(result.TraceID)
	require.True(t, ok)
	var spans []*tracing.Span
	for _, s := range trace.Spans {
		if s.Kind == tracing.KindResponse {
			spans = append(spans, s)
		}
	}
	// Exactly one response span, covering the no-tools turn.
	require.Len(t, spans, 1)
	assert.Equal(t, tracing.StatusOK, spans[0].Status)
	assert.Equal(t, "forced answer", spans[0].Attributes["text"])
	require.NotEmpty(t, spans[0].Events)
	assert.Equal(t, "forced answer", spans[0].Events[0].Payload)
}

func TestRunTurn_DeadlineClosesOpenSpansAsTimeout(t *testing.T) {
	f := newBrainFixture(t, []func(provider.Request) (*provider.Response, error){
		func(provider.Request) (*provider.Response, error) {
			return nil, context.DeadlineExceeded
		},
	})

	result, err := f.brain.RunTurn(context.Background(), "s1", "slow question", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, tracing.TraceError, result.Status)

	trace, ok := f.recorder.Get(result.TraceID)
	require.True(t, ok)
	root := trace.Spans[0]
	require.Equal(t, tracing.KindRequest, root.Kind)
	require.NotNil(t, root.EndTime)
	assert.Equal(t, tracing.StatusTimeout, root.Status)
	for _, s := range trace.Spans {
		assert.NotEqual(t, tracing.StatusError, s.Status, "span %s should close as timeout", s.Name)
	}
}

func TestRunTurn_UsageAccumulates(t *testing.T) {
	f := newBrainFixture(t, nil)
	path := filepath.Join(f.workspace, "u.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	withUsage := func(resp *provider.Response) func(provider.Request) (*provider.Response, error) {
		return func(provider.Request) (*provider.Response, error) {
			resp.Usage = provider.Usage{InputTokens: 100, OutputTokens: 20}
			return resp, nil
		}
	}
	f.client.script = []func(provider.Request) (*provider.Response, error){
		withUsage(&provider.Response{ToolUses: []provider.ToolUse{
			{ID: "tu_1", Name: "read_file", Arguments: map[string]interface{}{"path": path}},
		}}),
		withUsage(&provider.Response{Content: "done"}),
	}

	result, err := f.brain.RunTurn(context.Background(), "s1", "go", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, result.Usage.InputTokens)
	assert.Equal(t, 40, result.Usage.OutputTokens)
}
