package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentdeck/agentdeck/internal/bridge"
	"github.com/agentdeck/agentdeck/internal/journal"
	"github.com/agentdeck/agentdeck/internal/pool"
	"github.com/agentdeck/agentdeck/internal/snapshot"
	"github.com/agentdeck/agentdeck/pkg/types"
)

// LocalBackend binds directly to the in-process pool and bridge clients.
type LocalBackend struct {
	pool      *pool.Pool
	snapshots *snapshot.Manager
	journal   *journal.Journal // optional; nil disables event journaling
}

func NewLocalBackend(p *pool.Pool, snapshots *snapshot.Manager, j *journal.Journal) *LocalBackend {
	return &LocalBackend{pool: p, snapshots: snapshots, journal: j}
}

// RunnerID is empty for the local backend; sessions it hosts have no runner
// row.
func (b *LocalBackend) RunnerID() string { return "" }

func (b *LocalBackend) CreateSandbox(ctx context.Context, req types.CreateSandboxRequest) (*types.CreateSandboxResult, error) {
	seedDir := req.SeedSnapshotDir
	if seedDir == "" && req.SessionID != "" {
		if dir, _, ok := b.snapshots.SeedDir(req.SessionID); ok {
			seedDir = dir
		}
	}

	sb, err := b.pool.Create(ctx, pool.CreateRequest{
		SessionID: req.SessionID,
		AgentName: req.AgentName,
		AgentDir:  req.AgentDir,
		Config:    req.Config,
		SeedDir:   seedDir,
	})
	if err != nil {
		return nil, err
	}
	return &types.CreateSandboxResult{SandboxID: sb.ID, WorkspaceDir: sb.WorkspaceDir}, nil
}

func (b *LocalBackend) DestroySandbox(ctx context.Context, sandboxID string) error {
	return b.pool.Destroy(ctx, sandboxID)
}

func (b *LocalBackend) Stream(ctx context.Context, sandboxID string, cmd bridge.Command) (EventStream, error) {
	sb, ok := b.pool.Get(sandboxID)
	if !ok {
		return nil, pool.ErrSandboxNotFound
	}
	stream, err := sb.Client.Send(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if b.journal == nil {
		return stream, nil
	}
	return &journalingStream{inner: stream, journal: b.journal, sessionID: sb.SessionID, sandboxID: sandboxID}, nil
}

func (b *LocalBackend) Interrupt(ctx context.Context, sandboxID string) error {
	sb, ok := b.pool.Get(sandboxID)
	if !ok {
		return pool.ErrSandboxNotFound
	}
	return sb.Client.Interrupt(ctx)
}

func (b *LocalBackend) MarkRunning(_ context.Context, sandboxID string) error {
	return b.pool.MarkRunning(sandboxID)
}

func (b *LocalBackend) MarkWaiting(_ context.Context, sandboxID string) error {
	return b.pool.MarkWaiting(sandboxID)
}

func (b *LocalBackend) PersistState(ctx context.Context, sandboxID string, req types.PersistSandboxRequest) error {
	sb, ok := b.pool.Get(sandboxID)
	if !ok {
		return pool.ErrSandboxNotFound
	}
	if err := b.snapshots.Persist(ctx, req.SessionID, sb.WorkspaceDir, req.AgentName, req.SDKSessionID); err != nil {
		return fmt.Errorf("failed to persist session state: %w", err)
	}
	return nil
}

func (b *LocalBackend) SandboxAlive(_ context.Context, sandboxID string) (bool, error) {
	sb, ok := b.pool.Get(sandboxID)
	if !ok {
		return false, nil
	}
	return sb.Client != nil && sb.Client.Alive(), nil
}

// journalingStream records each passing event in the runner-local journal.
// Journal failures never disturb the stream.
type journalingStream struct {
	inner     EventStream
	journal   *journal.Journal
	sessionID string
	sandboxID string
}

func (s *journalingStream) Next(ctx context.Context) (bridge.Event, error) {
	ev, err := s.inner.Next(ctx)
	if err != nil {
		return ev, err
	}
	payload := ev.Data
	if payload == nil {
		payload, _ = json.Marshal(ev)
	}
	_ = s.journal.Record(s.sessionID, s.sandboxID, ev.Type, payload)
	return ev, nil
}

func (s *journalingStream) Close() error {
	return s.inner.Close()
}
