// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/agentgate/agentgate/internal/approval"
)

const (
	writeTimeout = 10 * time.Second
	// sendBuffer bounds per-client outbound queueing; clients that cannot
	// keep up are dropped rather than blocking the broadcast path.
	sendBuffer = 64
)

// InboundHandler consumes frames sent by UI clients.
type InboundHandler interface {
	HandleApprovalResponse(approvalID string, approved bool, trustMinutes int)
	HandleBatchApproval(approvalIDs []string, approved bool, trustMinutes int)
	HandleHumanHint(text string)
}

// Hub fans outbound frames to every connected websocket client and
// dispatches inbound frames to the handler. It implements
// approval.Observer so broker events reach the UI without polling.
type Hub struct {
	upgrader websocket.Upgrader
	handler  InboundHandler

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a Hub. handler may be nil; inbound frames are then
// logged and dropped.
func NewHub(handler InboundHandler) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		handler: handler,
		clients: make(map[*client]struct{}),
	}
}

// SetHandler installs the inbound handler after construction; the hub is
// built before the components that consume its frames.
func (h *Hub) SetHandler(handler InboundHandler) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
}

// HandleWS upgrades the request and serves the connection until it closes.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("events: websocket upgrade failed: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	log.WithField("clients", n).Debug("websocket client connected")

	go h.writeLoop(c)
	h.readLoop(c)
}

// Broadcast sends a frame to every connected client. Slow clients are
// disconnected so one stalled UI cannot back up the core.
func (h *Hub) Broadcast(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		log.Errorf("events: marshal frame %q failed: %v", f.Type, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
			log.Warn("events: dropping slow websocket client")
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) writeLoop(c *client) {
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			break
		}
	}
	c.conn.Close()
}

func (h *Hub) readLoop(c *client) {
	defer h.drop(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			log.Warnf("events: bad inbound frame: %v", err)
			continue
		}
		h.dispatch(in)
	}
}

func (h *Hub) dispatch(in Inbound) {
	h.mu.Lock()
	handler := h.handler
	h.mu.Unlock()
	if handler == nil {
		log.WithField("type", in.Type).Debug("inbound frame dropped, no handler")
		return
	}
	switch in.Type {
	case TypeApprovalResponse:
		handler.HandleApprovalResponse(in.ApprovalID, in.Approved, in.TrustMinutes)
	case TypeBatchApproval:
		handler.HandleBatchApproval(in.ApprovalIDs, in.Approved, in.TrustMinutes)
	case TypeHumanHint:
		handler.HandleHumanHint(in.Text)
	default:
		log.WithField("type", in.Type).Warn("unknown inbound frame type")
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}

// --- approval.Observer ---

// ApprovalRequested relays a new pending approval to all clients.
func (h *Hub) ApprovalRequested(req approval.Request) {
	deadline := req.Deadline
	h.Broadcast(Frame{
		Type:         TypeApprovalRequest,
		ID:           req.ID,
		ToolName:     req.ToolName,
		ServerName:   req.ServerName,
		Description:  req.Description,
		SafetyLevel:  string(req.SafetyLevel),
		ResourcePath: req.ResourcePath,
		Deadline:     &deadline,
	})
}

// ApprovalResolved relays a terminal approval state to all clients.
func (h *Hub) ApprovalResolved(id string, approved bool) {
	h.Broadcast(Frame{
		Type:     TypeApprovalResolved,
		ID:       id,
		Approved: &approved,
	})
}
