// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main provides the entry point for the agentgate server.
// The server fronts one or more LLM providers with an autonomous agent
// pipeline: tool execution under human approval, self-healing code runs,
// multi-agent swarms, and full request tracing.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/agentgate/agentgate/internal/agent"
	"github.com/agentgate/agentgate/internal/api"
	"github.com/agentgate/agentgate/internal/approval"
	"github.com/agentgate/agentgate/internal/buildinfo"
	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/logging"
	"github.com/agentgate/agentgate/internal/provider"
	"github.com/agentgate/agentgate/internal/scheduler"
	"github.com/agentgate/agentgate/internal/selfheal"
	"github.com/agentgate/agentgate/internal/session"
	"github.com/agentgate/agentgate/internal/tools"
	"github.com/agentgate/agentgate/internal/tracing"
)

func init() {
	logging.SetupBaseLogger()
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	// .env is optional; it seeds provider keys referenced from config.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if err := logging.ConfigureLogOutput(cfg.LoggingToFile, cfg.LogDir); err != nil {
		log.Fatalf("failed to configure logging: %v", err)
	}
	log.WithField("version", buildinfo.Version).
		WithField("commit", buildinfo.Commit).
		WithField("built", buildinfo.BuildDate).
		Info("agentgate starting")

	// Core components, leaves first.
	recorder := tracing.NewRecorder(cfg.Tracing)
	hub := events.NewHub(nil)
	broker := approval.NewBroker(cfg.Approval, hub)
	executor := tools.NewExecutor(cfg.Tools)
	router := provider.NewRouter(cfg.Providers)
	sessions := session.NewStore(cfg.Agent.MaxSessionMessages)
	pool := scheduler.New(cfg.Scheduler)
	brain := agent.NewBrain(cfg.Agent, router, executor, broker, recorder, sessions)
	swarm := agent.NewSwarm(cfg.Swarm, brain)

	if cfg.SelfHeal.Enabled {
		registerRunCode(executor, router, recorder, cfg.SelfHeal)
	}

	server := api.NewServer(api.Deps{
		Config:     cfg,
		ConfigPath: *configPath,
		Brain:      brain,
		Swarm:      swarm,
		Broker:     broker,
		Recorder:   recorder,
		Router:     router,
		Sessions:   sessions,
		Pool:       pool,
		Hub:        hub,
	})
	hub.SetHandler(server)
	swarm.SetNotifier(server)

	stopWatch, err := config.Watch(*configPath, func(next *config.Config) {
		server.SetConfig(next)
	})
	if err != nil {
		log.Warnf("config watch disabled: %v", err)
	} else {
		defer stopWatch()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		log.Errorf("server exited: %v", err)
		pool.Shutdown()
		os.Exit(1)
	}
	pool.Shutdown()
	log.Info("agentgate stopped")
}

// registerRunCode wires the self-healing executor as a run_code tool so
// the model's code executions get the healing loop.
func registerRunCode(executor *tools.Executor, router *provider.Router, recorder *tracing.Recorder, cfg config.SelfHealConfig) {
	healer := selfheal.New(
		selfheal.ShellRunner(executor),
		func(ctx context.Context, prompt string) (string, error) {
			resp, err := router.Complete(ctx, provider.Request{
				Messages:    []provider.Message{{Role: provider.RoleUser, Content: prompt}},
				Temperature: 0.1,
				MaxTokens:   2048,
			}, nil)
			if err != nil {
				return "", err
			}
			return resp.Content, nil
		},
		recorder,
		cfg.MaxAttempts,
	)
	if err := executor.Register(selfheal.RunCodeTool(healer)); err != nil {
		log.Errorf("failed to register run_code: %v", err)
	}
}
