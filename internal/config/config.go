// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config provides configuration management for the agentgate server.
// It handles loading and parsing YAML configuration files, and provides
// structured access to application settings including the HTTP server,
// LLM provider endpoints, approval policy, tool policy, tracing, and the
// agent/swarm runtime.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the network host/interface on which the API server will bind.
	Host string `yaml:"host" json:"host"`
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port" json:"port"`

	// Debug enables or disables debug-level logging and other debug features.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile controls whether application logs are written to rotating files or stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogDir is the directory for rotating log files when LoggingToFile is set.
	LogDir string `yaml:"log-dir" json:"log-dir"`

	// Providers lists the configured LLM provider endpoints in priority order.
	Providers []ProviderConfig `yaml:"providers" json:"providers"`

	// Approval configures the human-in-the-loop approval broker.
	Approval ApprovalConfig `yaml:"approval" json:"approval"`

	// Tools configures the built-in tool executor and its path policy.
	Tools ToolsConfig `yaml:"tools" json:"tools"`

	// Tracing configures the trace recorder.
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`

	// Agent configures the single-turn orchestrator.
	Agent AgentConfig `yaml:"agent" json:"agent"`

	// Swarm configures the multi-agent loop.
	Swarm SwarmConfig `yaml:"swarm" json:"swarm"`

	// SelfHeal configures the code-execution retry loop.
	SelfHeal SelfHealConfig `yaml:"self-heal" json:"self-heal"`

	// Scheduler configures the bounded worker pool.
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
}

// ProviderConfig describes a single LLM provider endpoint.
type ProviderConfig struct {
	// Name is a unique identifier for this endpoint (e.g. "anthropic-main").
	Name string `yaml:"name" json:"name"`
	// Kind selects the wire protocol: "anthropic", "openai-compatible" or "ollama".
	Kind string `yaml:"kind" json:"kind"`
	// BaseURL is the endpoint base URL.
	BaseURL string `yaml:"base-url" json:"base-url"`
	// Model is the model identifier sent on every request.
	Model string `yaml:"model" json:"model"`
	// APIKey authenticates requests to this endpoint.
	APIKey string `yaml:"api-key" json:"api-key"`
	// Enabled toggles whether the endpoint participates in routing.
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Priority is the base selection score; higher wins when health is equal.
	Priority int `yaml:"priority" json:"priority"`
	// RateLimitRPS caps request throughput to this endpoint (0 = unlimited).
	RateLimitRPS float64 `yaml:"rate-limit-rps" json:"rate-limit-rps"`
	// Burst is the token-bucket burst size (defaults to 1 when rate limited).
	Burst int `yaml:"burst" json:"burst"`
}

// ApprovalConfig controls the approval broker behavior.
type ApprovalConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// AutoApproveSafe allows tools classified "safe" to run without approval.
	AutoApproveSafe bool `yaml:"auto-approve-safe" json:"auto-approve-safe"`
	// TimeoutSeconds is how long a pending request waits before expiring.
	TimeoutSeconds int `yaml:"timeout-seconds" json:"timeout-seconds"`
	// TrustDurationMinutes is the default trust grant duration.
	TrustDurationMinutes int `yaml:"trust-duration-minutes" json:"trust-duration-minutes"`
	// ToolOverrides maps tool names to explicit safety levels
	// ("safe", "sensitive" or "critical"), taking precedence over prefix rules.
	ToolOverrides map[string]string `yaml:"tool-overrides" json:"tool-overrides"`
}

// ToolsConfig controls the built-in tool executor.
type ToolsConfig struct {
	// WorkspaceRoot is the directory in which write operations are allowed.
	WorkspaceRoot string `yaml:"workspace-root" json:"workspace-root"`
	// AllowedRoots extends the set of roots writable by write_file/patch_file.
	AllowedRoots []string `yaml:"allowed-roots" json:"allowed-roots"`
	// BlockedPaths extends the hardcoded sensitive-path blocklist.
	BlockedPaths []string `yaml:"blocked-paths" json:"blocked-paths"`
	// Shell configures the shell tool.
	Shell ShellConfig `yaml:"shell" json:"shell"`
	// ReadMaxBytes caps read_file content size.
	ReadMaxBytes int `yaml:"read-max-bytes" json:"read-max-bytes"`
	// SearchMaxResults caps search_files result count.
	SearchMaxResults int `yaml:"search-max-results" json:"search-max-results"`
}

// ShellConfig controls the shell tool.
type ShellConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// ExecOnly refuses shell metacharacters entirely and runs the command
	// via argv split instead of a shell interpreter.
	ExecOnly bool `yaml:"exec-only" json:"exec-only"`
	// TimeoutSeconds is the default per-command timeout.
	TimeoutSeconds int `yaml:"timeout-seconds" json:"timeout-seconds"`
	// BlockedCommands lists command patterns refused outright.
	BlockedCommands []string `yaml:"blocked-commands" json:"blocked-commands"`
}

// TracingConfig controls the trace recorder.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// MaxTraces bounds the in-memory ring buffer.
	MaxTraces int `yaml:"max-traces" json:"max-traces"`
	// Persist writes each completed trace to StorePath as JSON.
	Persist bool `yaml:"persist" json:"persist"`
	// StorePath is the directory for persisted traces.
	StorePath string `yaml:"store-path" json:"store-path"`
}

// AgentConfig controls the Brain.
type AgentConfig struct {
	// SystemPrompt is the base system prompt prepended to every turn.
	SystemPrompt string `yaml:"system-prompt" json:"system-prompt"`
	// MaxToolRounds caps provider round-trips with tool use per turn.
	MaxToolRounds int `yaml:"max-tool-rounds" json:"max-tool-rounds"`
	// Temperature is the default sampling temperature.
	Temperature float64 `yaml:"temperature" json:"temperature"`
	// MaxTokens is the default completion token budget.
	MaxTokens int `yaml:"max-tokens" json:"max-tokens"`
	// TurnTimeoutSeconds bounds a whole session turn.
	TurnTimeoutSeconds int `yaml:"turn-timeout-seconds" json:"turn-timeout-seconds"`
	// MaxSessionMessages bounds session history (FIFO eviction beyond it).
	MaxSessionMessages int `yaml:"max-session-messages" json:"max-session-messages"`
}

// SwarmConfig controls the multi-agent orchestrator.
type SwarmConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// MaxIterations caps coder iterations per run.
	MaxIterations int `yaml:"max-iterations" json:"max-iterations"`
	// TimeoutSeconds bounds a whole swarm run.
	TimeoutSeconds int `yaml:"timeout-seconds" json:"timeout-seconds"`
	// FeedbackLimitChars triggers feedback compression above this size.
	FeedbackLimitChars int `yaml:"feedback-limit-chars" json:"feedback-limit-chars"`
}

// SelfHealConfig controls the self-healing code executor.
type SelfHealConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// MaxAttempts caps executions per healing loop (including the first run).
	MaxAttempts int `yaml:"max-attempts" json:"max-attempts"`
}

// SchedulerConfig controls the request worker pool.
type SchedulerConfig struct {
	// Workers is the number of concurrent request workers.
	Workers int `yaml:"workers" json:"workers"`
	// QueueSize bounds the pending-request queue; overflow is rejected.
	QueueSize int `yaml:"queue-size" json:"queue-size"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		Host: "127.0.0.1",
		Port: 8720,
		Approval: ApprovalConfig{
			Enabled:              true,
			AutoApproveSafe:      true,
			TimeoutSeconds:       120,
			TrustDurationMinutes: 5,
		},
		Tools: ToolsConfig{
			WorkspaceRoot:    "workspace",
			ReadMaxBytes:     1 << 20,
			SearchMaxResults: 500,
			Shell: ShellConfig{
				Enabled:        true,
				TimeoutSeconds: 30,
			},
		},
		Tracing: TracingConfig{
			Enabled:   true,
			MaxTraces: 500,
			Persist:   true,
			StorePath: "traces",
		},
		Agent: AgentConfig{
			MaxToolRounds:      8,
			Temperature:        0.7,
			MaxTokens:          4096,
			TurnTimeoutSeconds: 120,
			MaxSessionMessages: 200,
		},
		Swarm: SwarmConfig{
			Enabled:            true,
			MaxIterations:      3,
			TimeoutSeconds:     600,
			FeedbackLimitChars: 3000,
		},
		SelfHeal: SelfHealConfig{
			Enabled:     true,
			MaxAttempts: 3,
		},
		Scheduler: SchedulerConfig{
			Workers:   8,
			QueueSize: 64,
		},
	}
}

// Load reads and parses a YAML configuration file, applying defaults for
// absent keys. A missing file is not an error: defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	cfg.applyBounds()
	return cfg, nil
}

// Clone returns a deep copy of the configuration. Live config is never
// handed out for mutation; every external view works on a clone.
func (c *Config) Clone() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		out := *c
		return &out
	}
	out := &Config{}
	if err := yaml.Unmarshal(data, out); err != nil {
		dup := *c
		return &dup
	}
	return out
}

// Normalize clamps out-of-range values to their documented defaults.
// Load applies it automatically; callers constructing or mutating a
// Config by hand (e.g. the management PUT) invoke it explicitly.
func (c *Config) Normalize() { c.applyBounds() }

func (c *Config) applyBounds() {
	if c.Agent.MaxToolRounds <= 0 {
		c.Agent.MaxToolRounds = 8
	}
	if c.Agent.MaxSessionMessages <= 0 {
		c.Agent.MaxSessionMessages = 200
	}
	if c.Swarm.MaxIterations <= 0 {
		c.Swarm.MaxIterations = 3
	}
	if c.SelfHeal.MaxAttempts <= 0 {
		c.SelfHeal.MaxAttempts = 3
	}
	if c.Tracing.MaxTraces <= 0 {
		c.Tracing.MaxTraces = 500
	}
	if c.Scheduler.Workers <= 0 {
		c.Scheduler.Workers = 8
	}
	if c.Scheduler.QueueSize <= 0 {
		c.Scheduler.QueueSize = 64
	}
	if c.Tools.Shell.TimeoutSeconds <= 0 {
		c.Tools.Shell.TimeoutSeconds = 30
	}
	if c.Tools.ReadMaxBytes <= 0 {
		c.Tools.ReadMaxBytes = 1 << 20
	}
	if c.Tools.SearchMaxResults <= 0 {
		c.Tools.SearchMaxResults = 500
	}
}
