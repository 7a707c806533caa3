package types

import "time"

// SandboxState is the lifecycle state of a sandbox.
type SandboxState string

const (
	SandboxWarming SandboxState = "warming"
	SandboxWarm    SandboxState = "warm"
	SandboxWaiting SandboxState = "waiting"
	SandboxRunning SandboxState = "running"
	SandboxCold    SandboxState = "cold"
)

// Evictable reports whether a sandbox in this state may be chosen for
// eviction. Running and warming sandboxes are always protected.
func (s SandboxState) Evictable() bool {
	switch s {
	case SandboxCold, SandboxWarm, SandboxWaiting:
		return true
	}
	return false
}

// Sandbox is the API representation of a sandbox.
type Sandbox struct {
	ID           string       `json:"id"`
	SessionID    string       `json:"sessionId,omitempty"`
	AgentName    string       `json:"agent"`
	RunnerID     string       `json:"runnerId,omitempty"`
	WorkspaceDir string       `json:"workspaceDir,omitempty"`
	State        SandboxState `json:"state"`
	CreatedAt    time.Time    `json:"createdAt"`
	LastUsedAt   time.Time    `json:"lastUsedAt"`
}

// Runner is the API representation of a registered runner.
type Runner struct {
	ID              string    `json:"id"`
	Host            string    `json:"host"`
	Port            int       `json:"port"`
	MaxSandboxes    int       `json:"maxSandboxes"`
	ActiveCount     int       `json:"activeCount"`
	WarmingCount    int       `json:"warmingCount"`
	RegisteredAt    time.Time `json:"registeredAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// RegisterRunnerRequest is the body of POST /api/internal/runners/register.
type RegisterRunnerRequest struct {
	ID           string `json:"id"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	MaxSandboxes int    `json:"maxSandboxes"`
}

// HeartbeatRequest is the body of POST /api/internal/runners/heartbeat.
type HeartbeatRequest struct {
	ID           string `json:"id"`
	ActiveCount  int    `json:"activeCount"`
	WarmingCount int    `json:"warmingCount"`
}

// DeregisterRunnerRequest is the body of POST /api/internal/runners/deregister.
type DeregisterRunnerRequest struct {
	ID string `json:"id"`
}

// CreateSandboxRequest is the body of POST /runner/sandboxes.
type CreateSandboxRequest struct {
	SessionID       string         `json:"sessionId"`
	AgentName       string         `json:"agent"`
	AgentDir        string         `json:"agentDir"`
	Config          *SessionConfig `json:"config,omitempty"`
	SeedSnapshotDir string         `json:"seedSnapshotDir,omitempty"`
}

// CreateSandboxResult is the response of POST /runner/sandboxes.
type CreateSandboxResult struct {
	SandboxID    string `json:"sandboxId"`
	WorkspaceDir string `json:"workspaceDir"`
}

// MarkSandboxRequest is the body of POST /runner/sandboxes/:id/mark.
type MarkSandboxRequest struct {
	State SandboxState `json:"state"` // "running" or "waiting"
}

// PersistSandboxRequest is the body of POST /runner/sandboxes/:id/persist.
type PersistSandboxRequest struct {
	SessionID    string `json:"sessionId"`
	AgentName    string `json:"agent"`
	SDKSessionID string `json:"sdkSessionId,omitempty"`
}
