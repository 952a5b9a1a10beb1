// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/agentgate/agentgate/internal/agent"
	"github.com/agentgate/agentgate/internal/buildinfo"
	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/provider"
	"github.com/agentgate/agentgate/internal/scheduler"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/internal/util"
)

// Health reports liveness.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": buildinfo.Version,
	})
}

// --- Chat ---

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message" binding:"required"`
	Stream    bool   `json:"stream"`
	Swarm     bool   `json:"swarm"`
}

// Chat runs one turn (or a swarm run) for the caller. Backpressure and
// busy sessions surface as 429 and 409 respectively.
func (s *Server) Chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Swarm {
		s.runSwarmTask(c, req.Message)
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = s.sessions.Create()
	}
	if req.Stream {
		s.chatStream(c, sessionID, req.Message)
		return
	}

	var result *agent.TurnResult
	var turnErr error
	if err := s.pool.Run(c.Request.Context(), func(context.Context) {
		result, turnErr = s.brain.RunTurn(c.Request.Context(), sessionID, req.Message, &hubObserver{hub: s.hub})
	}); err != nil {
		s.writeSubmitError(c, err)
		return
	}
	if turnErr != nil {
		s.writeTurnError(c, turnErr, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// chatStream serves the turn as server-sent events carrying the same
// frames the websocket relay emits.
func (s *Server) chatStream(c *gin.Context, sessionID, message string) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	obs := &sseObserver{c: c, hub: s.hub}
	var turnErr error
	if err := s.pool.Run(c.Request.Context(), func(context.Context) {
		_, turnErr = s.brain.RunTurn(c.Request.Context(), sessionID, message, obs)
	}); err != nil {
		obs.writeFrame(events.Frame{Type: events.TypeEnd})
		return
	}
	if turnErr != nil {
		log.Warnf("streamed turn failed: %v", turnErr)
	}
}

// hubObserver relays turn progress to websocket clients only.
type hubObserver struct {
	hub *events.Hub
}

func (o *hubObserver) TurnStarted(sessionID, traceID string) {
	o.hub.Broadcast(events.Frame{Type: events.TypeStart, SessionID: sessionID, TraceID: traceID})
}

func (o *hubObserver) Chunk(text string) {
	o.hub.Broadcast(events.Frame{Type: events.TypeChunk, Content: text})
}

func (o *hubObserver) TurnEnded(string) {
	o.hub.Broadcast(events.Frame{Type: events.TypeEnd})
}

// sseObserver writes frames to the SSE response and mirrors them to the
// websocket relay.
type sseObserver struct {
	c   *gin.Context
	hub *events.Hub
}

func (o *sseObserver) writeFrame(f events.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	_, _ = o.c.Writer.Write([]byte("data: "))
	_, _ = o.c.Writer.Write(data)
	_, _ = o.c.Writer.Write([]byte("\n\n"))
	o.c.Writer.Flush()
}

func (o *sseObserver) TurnStarted(sessionID, traceID string) {
	f := events.Frame{Type: events.TypeStart, SessionID: sessionID, TraceID: traceID}
	o.writeFrame(f)
	o.hub.Broadcast(f)
}

func (o *sseObserver) Chunk(text string) {
	f := events.Frame{Type: events.TypeChunk, Content: text}
	o.writeFrame(f)
	o.hub.Broadcast(f)
}

func (o *sseObserver) TurnEnded(string) {
	f := events.Frame{Type: events.TypeEnd}
	o.writeFrame(f)
	o.hub.Broadcast(f)
}

func (s *Server) writeSubmitError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, scheduler.ErrQueueFull):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "server at capacity", "kind": "resource_exhausted"})
	case errors.Is(err, context.Canceled):
		c.Status(499)
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "kind": "internal"})
	}
}

func (s *Server) writeTurnError(c *gin.Context, err error, partial *agent.TurnResult) {
	body := gin.H{"error": err.Error()}
	if partial != nil {
		body["result"] = partial
	}
	switch {
	case errors.Is(err, session.ErrSessionBusy):
		body["kind"] = "session_busy"
		c.JSON(http.StatusConflict, body)
	case errors.Is(err, provider.ErrProviderUnavailable):
		body["kind"] = "provider_unavailable"
		c.JSON(http.StatusServiceUnavailable, body)
	case errors.Is(err, context.DeadlineExceeded):
		body["kind"] = "deadline_exceeded"
		c.JSON(http.StatusGatewayTimeout, body)
	default:
		body["kind"] = "internal"
		c.JSON(http.StatusInternalServerError, body)
	}
}

// --- Sessions ---

// ListSessions returns session summaries.
func (s *Server) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.List()})
}

// --- Traces ---

// ListTraces returns recent trace summaries.
func (s *Server) ListTraces(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	c.JSON(http.StatusOK, gin.H{"traces": s.recorder.List(limit)})
}

// GetTrace returns one full trace by id.
func (s *Server) GetTrace(c *gin.Context) {
	trace, ok := s.recorder.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "trace not found"})
		return
	}
	c.JSON(http.StatusOK, trace)
}

// SearchTraces returns summaries matching the query substring.
func (s *Server) SearchTraces(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing q parameter"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	c.JSON(http.StatusOK, gin.H{"traces": s.recorder.Search(query, limit)})
}

// TraceStats returns aggregate trace metrics.
func (s *Server) TraceStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.recorder.Stats())
}

// --- Approvals ---

// PendingApprovals lists requests awaiting a decision.
func (s *Server) PendingApprovals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending": s.broker.Pending()})
}

// ApprovalHistory lists recent resolved requests.
func (s *Server) ApprovalHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	c.JSON(http.StatusOK, gin.H{"history": s.broker.History(limit)})
}

type resolveRequest struct {
	Approved     bool `json:"approved"`
	TrustMinutes int  `json:"trust_minutes"`
}

// ResolveApproval approves or denies one pending request. Late
// resolutions (already resolved or timed out) return 409.
func (s *Server) ResolveApproval(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.broker.Resolve(c.Param("id"), req.Approved, req.TrustMinutes) {
		c.JSON(http.StatusConflict, gin.H{"error": "request already resolved or unknown"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true, "approved": req.Approved})
}

type batchResolveRequest struct {
	ApprovalIDs  []string `json:"approval_ids" binding:"required"`
	Approved     bool     `json:"approved"`
	TrustMinutes int      `json:"trust_minutes"`
}

// BatchResolve applies one decision to several requests.
func (s *Server) BatchResolve(c *gin.Context) {
	var req batchResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	resolved, notFound := s.broker.BatchResolve(req.ApprovalIDs, req.Approved, req.TrustMinutes)
	c.JSON(http.StatusOK, gin.H{"resolved": resolved, "not_found": notFound})
}

type trustRequest struct {
	ToolName   string `json:"tool_name"`
	ServerName string `json:"server_name"`
	PathPrefix string `json:"path_prefix"`
	Minutes    int    `json:"minutes"`
}

// ListTrust returns active trust grants.
func (s *Server) ListTrust(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"trusted": s.broker.ListTrusted()})
}

// GrantTrust creates a trust grant.
func (s *Server) GrantTrust(c *gin.Context) {
	var req trustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ToolName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tool_name is required"})
		return
	}
	grant := s.broker.GrantTrust(req.ToolName, req.ServerName, req.PathPrefix, req.Minutes)
	c.JSON(http.StatusOK, grant)
}

// RevokeTrust removes grants; an empty scope revokes everything.
func (s *Server) RevokeTrust(c *gin.Context) {
	var req trustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	revoked := s.broker.RevokeTrust(req.ToolName, req.ServerName, req.PathPrefix)
	c.JSON(http.StatusOK, gin.H{"revoked": revoked})
}

// --- Providers ---

// ProviderStats returns per-endpoint health.
func (s *Server) ProviderStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"endpoints": s.router.Stats()})
}

// --- Config ---

// GetConfig returns the flattened, redacted configuration view. The live
// config is deep-copied before redaction so secrets stay intact in memory.
func (s *Server) GetConfig(c *gin.Context) {
	flat := config.Redact(s.Config().Flatten())
	c.JSON(http.StatusOK, gin.H{"config": flat, "keys": config.SortedKeys(flat)})
}

// PutConfig replaces the configuration. The body is applied over a clone
// of the current config, normalized, persisted atomically and swapped in.
// The response is the redacted flattened view of the result.
func (s *Server) PutConfig(c *gin.Context) {
	next := s.Config().Clone()
	if err := c.ShouldBindJSON(next); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	next.Normalize()

	if s.cfgPath != "" {
		data, err := yaml.Marshal(next)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := util.SecureWrite(s.cfgPath, data, nil); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	s.SetConfig(next)

	flat := config.Redact(next.Flatten())
	c.JSON(http.StatusOK, gin.H{"config": flat})
}

// --- Swarm ---

type swarmRequest struct {
	Task string `json:"task" binding:"required"`
}

// RunSwarm executes a multi-agent run for a task.
func (s *Server) RunSwarm(c *gin.Context) {
	var req swarmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.runSwarmTask(c, req.Task)
}

func (s *Server) runSwarmTask(c *gin.Context, task string) {
	var result *agent.SwarmResult
	var runErr error
	if err := s.pool.Run(c.Request.Context(), func(context.Context) {
		result, runErr = s.swarm.Run(c.Request.Context(), task)
	}); err != nil {
		s.writeSubmitError(c, err)
		return
	}
	if runErr != nil {
		body := gin.H{"error": runErr.Error(), "kind": "internal"}
		if result != nil {
			body["result"] = result
		}
		if errors.Is(runErr, provider.ErrProviderUnavailable) {
			body["kind"] = "provider_unavailable"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		c.JSON(http.StatusInternalServerError, body)
		return
	}
	c.JSON(http.StatusOK, result)
}

// SwarmHint queues a human hint for an active run identified by trace id.
func (s *Server) SwarmHint(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.swarm.AddHint(c.Param("id"), req.Text) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active run with that id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queued": true})
}
