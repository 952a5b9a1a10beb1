// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/approval"
)

// capturingHandler records inbound dispatches for assertions.
type capturingHandler struct {
	mu        sync.Mutex
	approvals []string
	batches   [][]string
	hints     []string
	approved  bool
	trust     int
}

func (h *capturingHandler) HandleApprovalResponse(id string, approved bool, trustMinutes int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.approvals = append(h.approvals, id)
	h.approved = approved
	h.trust = trustMinutes
}

func (h *capturingHandler) HandleBatchApproval(ids []string, approved bool, trustMinutes int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.batches = append(h.batches, ids)
	h.approved = approved
}

func (h *capturingHandler) HandleHumanHint(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hints = append(h.hints, text)
}

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count never reached %d (have %d)", want, hub.ClientCount())
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestHub_BroadcastReachesAllClients(t *testing.T) {
	hub := NewHub(nil)
	a := dialHub(t, hub)
	b := dialHub(t, hub)
	waitForClients(t, hub, 2)

	hub.Broadcast(Frame{Type: TypeChunk, Content: "hello", SessionID: "s1"})

	for _, conn := range []*websocket.Conn{a, b} {
		f := readFrame(t, conn)
		assert.Equal(t, TypeChunk, f.Type)
		assert.Equal(t, "hello", f.Content)
		assert.Equal(t, "s1", f.SessionID)
	}
}

func TestHub_InboundDispatch(t *testing.T) {
	handler := &capturingHandler{}
	hub := NewHub(handler)
	conn := dialHub(t, hub)
	waitForClients(t, hub, 1)

	frames := []Inbound{
		{Type: TypeApprovalResponse, ApprovalID: "apr_1", Approved: true, TrustMinutes: 5},
		{Type: TypeBatchApproval, ApprovalIDs: []string{"apr_2", "apr_3"}, Approved: false},
		{Type: TypeHumanHint, Text: "prefer the simpler fix"},
	}
	for _, in := range frames {
		require.NoError(t, conn.WriteJSON(in))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		handler.mu.Lock()
		done := len(handler.approvals) == 1 && len(handler.batches) == 1 && len(handler.hints) == 1
		handler.mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, []string{"apr_1"}, handler.approvals)
	assert.Equal(t, [][]string{{"apr_2", "apr_3"}}, handler.batches)
	assert.Equal(t, []string{"prefer the simpler fix"}, handler.hints)
	assert.Equal(t, 5, handler.trust)
}

func TestHub_MalformedInboundIgnored(t *testing.T) {
	handler := &capturingHandler{}
	hub := NewHub(handler)
	conn := dialHub(t, hub)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteJSON(Inbound{Type: TypeHumanHint, Text: "still alive"}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		handler.mu.Lock()
		n := len(handler.hints)
		handler.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("hint after malformed frame never dispatched")
}

func TestHub_DisconnectRemovesClient(t *testing.T) {
	hub := NewHub(nil)
	conn := dialHub(t, hub)
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)
}

func TestHub_ObserverFramesMatchBroker(t *testing.T) {
	hub := NewHub(nil)
	conn := dialHub(t, hub)
	waitForClients(t, hub, 1)

	deadline := time.Now().Add(time.Minute)
	hub.ApprovalRequested(approval.Request{
		ID:           "apr_9",
		ToolName:     "write_file",
		SafetyLevel:  approval.SafetySensitive,
		ResourcePath: "/workspace/main.go",
		Deadline:     deadline,
	})

	f := readFrame(t, conn)
	assert.Equal(t, TypeApprovalRequest, f.Type)
	assert.Equal(t, "apr_9", f.ID)
	assert.Equal(t, "write_file", f.ToolName)
	assert.Equal(t, string(approval.SafetySensitive), f.SafetyLevel)
	require.NotNil(t, f.Deadline)
	assert.WithinDuration(t, deadline, *f.Deadline, time.Second)

	hub.ApprovalResolved("apr_9", true)
	f = readFrame(t, conn)
	assert.Equal(t, TypeApprovalResolved, f.Type)
	require.NotNil(t, f.Approved)
	assert.True(t, *f.Approved)
}
