// Copyright 2026 The agentgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package events defines the websocket event relay between the core and
// the UI layer: outbound frames announcing turn progress and approval
// state, inbound frames carrying user decisions and hints.
package events

import "time"

// Outbound frame types.
const (
	TypeStart            = "start"
	TypeChunk            = "chunk"
	TypeEnd              = "end"
	TypeApprovalRequest  = "approval_request"
	TypeApprovalResolved = "approval_resolved"
	TypeThinkingStream   = "thinking_stream"
	TypeAgentSpawned     = "agent_spawned"
	TypeAgentCompleted   = "agent_completed"
	TypeAgentFailed      = "agent_failed"
)

// Inbound frame types.
const (
	TypeApprovalResponse = "approval_response"
	TypeBatchApproval    = "batch_approval"
	TypeHumanHint        = "human_hint"
)

// Frame is one outbound websocket event. Fields are populated per type;
// the flat shape keeps the wire format stable and easy to consume.
type Frame struct {
	Type string `json:"type"`

	// start
	SessionID string `json:"session_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`

	// chunk / thinking_stream
	Content string `json:"content,omitempty"`
	Text    string `json:"text,omitempty"`
	Agent   string `json:"agent,omitempty"`
	NewTurn bool   `json:"new_turn,omitempty"`

	// approval_request / approval_resolved
	ID           string     `json:"id,omitempty"`
	ToolName     string     `json:"tool_name,omitempty"`
	ServerName   string     `json:"server_name,omitempty"`
	Description  string     `json:"description,omitempty"`
	SafetyLevel  string     `json:"safety_level,omitempty"`
	ResourcePath string     `json:"resource_path,omitempty"`
	Deadline     *time.Time `json:"deadline,omitempty"`
	Approved     *bool      `json:"approved,omitempty"`

	// agent_spawned / agent_completed / agent_failed
	Role string `json:"role,omitempty"`
}

// Inbound is one frame received from a UI client.
type Inbound struct {
	Type         string   `json:"type"`
	ApprovalID   string   `json:"approval_id,omitempty"`
	ApprovalIDs  []string `json:"approval_ids,omitempty"`
	Approved     bool     `json:"approved"`
	TrustMinutes int      `json:"trust_minutes,omitempty"`
	Text         string   `json:"text,omitempty"`
}
