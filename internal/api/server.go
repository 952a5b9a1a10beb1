// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api exposes the gateway over HTTP and websocket. It is a thin
// layer: every handler delegates to the core packages and translates
// their errors to status codes.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/agentgate/agentgate/internal/agent"
	"github.com/agentgate/agentgate/internal/approval"
	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/provider"
	"github.com/agentgate/agentgate/internal/scheduler"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/internal/tracing"
)

// Server is the HTTP/WS front door.
type Server struct {
	cfgMu   sync.Mutex
	cfg     *config.Config
	cfgPath string

	brain    *agent.Brain
	swarm    *agent.Swarm
	broker   *approval.Broker
	recorder *tracing.Recorder
	router   *provider.Router
	sessions *session.Store
	pool     *scheduler.Pool
	hub      *events.Hub

	http *http.Server
}

// Deps carries the constructor-injected components.
type Deps struct {
	Config     *config.Config
	ConfigPath string
	Brain      *agent.Brain
	Swarm      *agent.Swarm
	Broker     *approval.Broker
	Recorder   *tracing.Recorder
	Router     *provider.Router
	Sessions   *session.Store
	Pool       *scheduler.Pool
	Hub        *events.Hub
}

// NewServer builds the server and its route table.
func NewServer(d Deps) *Server {
	s := &Server{
		cfg:      d.Config,
		cfgPath:  d.ConfigPath,
		brain:    d.Brain,
		swarm:    d.Swarm,
		broker:   d.Broker,
		recorder: d.Recorder,
		router:   d.Router,
		sessions: d.Sessions,
		pool:     d.Pool,
		hub:      d.Hub,
	}
	if !d.Config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	s.routes(engine)

	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", d.Config.Host, d.Config.Port),
		Handler: engine,
	}
	return s
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/health", s.Health)
	r.GET("/ws", gin.WrapF(s.hub.HandleWS))

	api := r.Group("/api")
	{
		api.POST("/chat", s.Chat)

		api.GET("/sessions", s.ListSessions)

		api.GET("/traces", s.ListTraces)
		api.GET("/traces/stats", s.TraceStats)
		api.GET("/traces/search", s.SearchTraces)
		api.GET("/traces/:id", s.GetTrace)

		api.GET("/approvals/pending", s.PendingApprovals)
		api.GET("/approvals/history", s.ApprovalHistory)
		api.POST("/approvals/batch", s.BatchResolve)
		api.POST("/approvals/:id/resolve", s.ResolveApproval)
		api.GET("/approvals/trust", s.ListTrust)
		api.POST("/approvals/trust", s.GrantTrust)
		api.DELETE("/approvals/trust", s.RevokeTrust)

		api.GET("/providers/stats", s.ProviderStats)

		api.GET("/config", s.GetConfig)
		api.PUT("/config", s.PutConfig)

		api.POST("/swarm", s.RunSwarm)
		api.POST("/swarm/:id/hint", s.SwarmHint)
	}
}

// Run serves until the context is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// Config returns the current configuration.
func (s *Server) Config() *config.Config {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.cfg
}

// SetConfig swaps the configuration after a hot reload. Components hold
// their own settings; the swap only affects the management views.
func (s *Server) SetConfig(cfg *config.Config) {
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
	log.Info("configuration reloaded")
}

// --- events.InboundHandler ---

// HandleApprovalResponse resolves one pending approval from a UI frame.
func (s *Server) HandleApprovalResponse(approvalID string, approved bool, trustMinutes int) {
	if !s.broker.Resolve(approvalID, approved, trustMinutes) {
		log.WithField("request_id", approvalID).Debug("late approval response ignored")
	}
}

// HandleBatchApproval resolves several pending approvals from a UI frame.
func (s *Server) HandleBatchApproval(approvalIDs []string, approved bool, trustMinutes int) {
	s.broker.BatchResolve(approvalIDs, approved, trustMinutes)
}

// HandleHumanHint forwards a hint to every active swarm run.
func (s *Server) HandleHumanHint(text string) {
	if text == "" {
		return
	}
	reached := s.swarm.BroadcastHint(text)
	log.WithField("runs", reached).Info("human hint queued")
}

// --- agent.Notifier ---

// AgentSpawned relays a swarm agent start to UI clients.
func (s *Server) AgentSpawned(role string) {
	s.hub.Broadcast(events.Frame{Type: events.TypeAgentSpawned, Role: role})
}

// AgentCompleted relays a swarm agent completion to UI clients.
func (s *Server) AgentCompleted(role string) {
	s.hub.Broadcast(events.Frame{Type: events.TypeAgentCompleted, Role: role})
}

// AgentFailed relays a swarm agent failure to UI clients.
func (s *Server) AgentFailed(role string) {
	s.hub.Broadcast(events.Frame{Type: events.TypeAgentFailed, Role: role})
}
