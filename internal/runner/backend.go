package runner

import (
	"context"

	"github.com/agentdeck/agentdeck/internal/bridge"
	"github.com/agentdeck/agentdeck/pkg/types"
)

// EventStream is the lazy, finite event stream of one turn, local or remote.
// It ends with exactly one terminal event, after which Next returns io.EOF.
type EventStream interface {
	Next(ctx context.Context) (bridge.Event, error)
	Close() error
}

// Backend is the uniform interface over a node's pool and bridges. The
// session manager talks only to this; whether the sandbox is in-process or
// on a remote runner is invisible above it.
type Backend interface {
	RunnerID() string
	CreateSandbox(ctx context.Context, req types.CreateSandboxRequest) (*types.CreateSandboxResult, error)
	DestroySandbox(ctx context.Context, sandboxID string) error
	Stream(ctx context.Context, sandboxID string, cmd bridge.Command) (EventStream, error)
	Interrupt(ctx context.Context, sandboxID string) error
	MarkRunning(ctx context.Context, sandboxID string) error
	MarkWaiting(ctx context.Context, sandboxID string) error
	PersistState(ctx context.Context, sandboxID string, req types.PersistSandboxRequest) error
	SandboxAlive(ctx context.Context, sandboxID string) (bool, error)
}
