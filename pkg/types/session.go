package types

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionStarting SessionStatus = "starting"
	SessionActive   SessionStatus = "active"
	SessionPaused   SessionStatus = "paused"
	SessionEnded    SessionStatus = "ended"
	SessionError    SessionStatus = "error"
	SessionStopped  SessionStatus = "stopped"
)

// Resumable reports whether a session in this status may be resumed to active.
func (s SessionStatus) Resumable() bool {
	switch s {
	case SessionPaused, SessionError, SessionStopped:
		return true
	}
	return false
}

// SessionConfig holds per-session SDK options passed through to the bridge.
type SessionConfig struct {
	Model           string          `json:"model,omitempty"`
	SystemPrompt    string          `json:"systemPrompt,omitempty"`
	AllowedTools    []string        `json:"allowedTools,omitempty"`
	DisallowedTools []string        `json:"disallowedTools,omitempty"`
	PermissionMode  string          `json:"permissionMode,omitempty"`
	MCPServers      json.RawMessage `json:"mcpServers,omitempty"`
	MaxTurns        int             `json:"maxTurns,omitempty"`
	MaxBudgetUSD    float64         `json:"maxBudgetUsd,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	StartupScript   string          `json:"startupScript,omitempty"`
}

// Session is the API representation of a session.
type Session struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenantId,omitempty"`
	AgentName    string         `json:"agent"`
	SandboxID    string         `json:"sandboxId,omitempty"`
	RunnerID     string         `json:"runnerId,omitempty"`
	Status       SessionStatus  `json:"status"`
	Config       *SessionConfig `json:"config,omitempty"`
	SDKSessionID string         `json:"sdkSessionId,omitempty"`
	HasSnapshot  bool           `json:"hasSnapshot,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	LastActiveAt time.Time      `json:"lastActiveAt"`
}

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	Agent  string         `json:"agent"`
	Config *SessionConfig `json:"config,omitempty"`
}

// MessageRequest is the body of POST /api/sessions/:id/messages.
type MessageRequest struct {
	Content string         `json:"content"`
	Options *SessionConfig `json:"options,omitempty"`
}

// ExecRequest is the body of POST /api/sessions/:id/exec.
type ExecRequest struct {
	Command   string `json:"command"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

// ExecResult is the response of an exec call.
type ExecResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Agent is the API representation of a deployed agent.
type Agent struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Version   int       `json:"version"`
	TenantID  string    `json:"tenantId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DeployAgentRequest is the body of POST /api/agents.
type DeployAgentRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}
