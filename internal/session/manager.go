package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck/internal/bridge"
	"github.com/agentdeck/agentdeck/internal/metrics"
	"github.com/agentdeck/agentdeck/internal/runner"
	"github.com/agentdeck/agentdeck/pkg/types"
)

var (
	// ErrSessionNotFound means no session with that id is visible to the
	// caller's tenant.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotActive means the operation requires an active session.
	ErrSessionNotActive = errors.New("session is not active")

	// ErrSessionNotResumable means the session's status does not allow resume.
	ErrSessionNotResumable = errors.New("session cannot be resumed")

	// ErrAgentNotFound means the named agent is not deployed or its directory
	// is gone.
	ErrAgentNotFound = errors.New("agent not found")
)

// Store is the subset of the database layer the session manager needs.
type Store interface {
	InsertSession(ctx context.Context, id, tenantID, agentName string, config *types.SessionConfig) (*types.Session, error)
	GetSession(ctx context.Context, id string) (*types.Session, error)
	ListSessions(ctx context.Context, tenantID, status string, limit, offset int) ([]types.Session, error)
	SetSessionStatus(ctx context.Context, id string, status types.SessionStatus) error
	SetSessionBinding(ctx context.Context, id, sandboxID, runnerID string) error
	TouchSession(ctx context.Context, id string) error
	SetSessionSDKID(ctx context.Context, id, sdkSessionID string) error
	SetSessionSnapshot(ctx context.Context, id string, has bool) error
	GetAgent(ctx context.Context, tenantID, name string) (*types.Agent, error)
}

// Placement decides which backend hosts a sandbox. The coordinator implements
// it; single-node deployments satisfy it with a fixed local backend.
type Placement interface {
	SelectBackend(ctx context.Context) (runner.Backend, error)
	BackendForRunner(ctx context.Context, runnerID string) (runner.Backend, error)
}

// StaticPlacement pins every session to one backend. Used on single-node
// deployments where coordinator and runner share a process.
type StaticPlacement struct {
	Backend runner.Backend
}

func (p StaticPlacement) SelectBackend(context.Context) (runner.Backend, error) {
	return p.Backend, nil
}

func (p StaticPlacement) BackendForRunner(context.Context, string) (runner.Backend, error) {
	return p.Backend, nil
}

// Manager drives the session state machine: create, message, pause, resume,
// fork, stop, end, exec.
type Manager struct {
	store     Store
	placement Placement
}

func NewManager(store Store, placement Placement) *Manager {
	return &Manager{store: store, placement: placement}
}

// Create deploys a new session: validate the agent, pick a backend, create
// the sandbox, and flip the session active once the bridge handshake is done.
func (m *Manager) Create(ctx context.Context, tenantID string, req types.CreateSessionRequest) (*types.Session, error) {
	agent, err := m.resolveAgent(ctx, tenantID, req.Agent)
	if err != nil {
		return nil, err
	}

	sess, err := m.store.InsertSession(ctx, uuid.NewString(), tenantID, agent.Name, req.Config)
	if err != nil {
		return nil, err
	}

	backend, err := m.placement.SelectBackend(ctx)
	if err != nil {
		m.markError(sess.ID)
		return nil, err
	}

	result, err := backend.CreateSandbox(ctx, types.CreateSandboxRequest{
		SessionID: sess.ID,
		AgentName: agent.Name,
		AgentDir:  agent.Path,
		Config:    req.Config,
	})
	if err != nil {
		m.markError(sess.ID)
		metrics.SessionsTotal.WithLabelValues(agent.Name, "error").Inc()
		return nil, err
	}

	if err := m.store.SetSessionBinding(ctx, sess.ID, result.SandboxID, backend.RunnerID()); err != nil {
		return nil, err
	}
	if err := m.store.SetSessionStatus(ctx, sess.ID, types.SessionActive); err != nil {
		return nil, err
	}

	metrics.SessionsTotal.WithLabelValues(agent.Name, "created").Inc()
	log.Printf("session: created %s (agent %s, sandbox %s, runner %q)",
		sess.ID, agent.Name, result.SandboxID, backend.RunnerID())

	sess.SandboxID = result.SandboxID
	sess.RunnerID = backend.RunnerID()
	sess.Status = types.SessionActive
	return sess, nil
}

// Get returns the session, scoped to the tenant.
func (m *Manager) Get(ctx context.Context, tenantID, id string) (*types.Session, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	}
	if sess.TenantID != tenantID {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

func (m *Manager) List(ctx context.Context, tenantID, status string, limit, offset int) ([]types.Session, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return m.store.ListSessions(ctx, tenantID, status, limit, offset)
}

// SendMessage runs one conversation turn. The sandbox is marked running for
// the duration of the stream and returned to waiting when the terminal event
// passes through.
func (m *Manager) SendMessage(ctx context.Context, tenantID, id string, req types.MessageRequest) (runner.EventStream, error) {
	sess, err := m.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != types.SessionActive || sess.SandboxID == "" {
		return nil, fmt.Errorf("%w: session %s is %s", ErrSessionNotActive, id, sess.Status)
	}

	backend, err := m.placement.BackendForRunner(ctx, sess.RunnerID)
	if err != nil {
		return nil, err
	}

	var options json.RawMessage
	cfg := sess.Config
	if req.Options != nil {
		cfg = req.Options
	}
	if cfg != nil {
		options, _ = json.Marshal(cfg)
	}

	if err := backend.MarkRunning(ctx, sess.SandboxID); err != nil {
		return nil, err
	}

	stream, err := backend.Stream(ctx, sess.SandboxID, bridge.Query(req.Content, sess.SDKSessionID, options))
	if err != nil {
		m.parkSandbox(backend, sess.SandboxID)
		return nil, err
	}

	return &turnStream{
		inner:     stream,
		manager:   m,
		backend:   backend,
		sessionID: sess.ID,
		sandboxID: sess.SandboxID,
		started:   time.Now(),
	}, nil
}

// Exec runs a shell command in the session's sandbox and waits for the
// terminal exec_result.
func (m *Manager) Exec(ctx context.Context, tenantID, id string, req types.ExecRequest) (*types.ExecResult, error) {
	sess, err := m.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != types.SessionActive || sess.SandboxID == "" {
		return nil, fmt.Errorf("%w: session %s is %s", ErrSessionNotActive, id, sess.Status)
	}

	backend, err := m.placement.BackendForRunner(ctx, sess.RunnerID)
	if err != nil {
		return nil, err
	}

	if err := backend.MarkRunning(ctx, sess.SandboxID); err != nil {
		return nil, err
	}
	defer m.parkSandbox(backend, sess.SandboxID)

	stream, err := backend.Stream(ctx, sess.SandboxID, bridge.Exec(req.Command, req.TimeoutMs))
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	for {
		ev, err := stream.Next(ctx)
		if err == io.EOF {
			return nil, fmt.Errorf("exec stream ended without result")
		}
		if err != nil {
			return nil, err
		}
		switch ev.Type {
		case bridge.EventExecResult:
			return &types.ExecResult{ExitCode: ev.ExitCode, Stdout: ev.Stdout, Stderr: ev.Stderr}, nil
		case bridge.EventError:
			return nil, fmt.Errorf("exec failed: %s", ev.Error)
		}
	}
}

// Pause flips the session to paused and snapshots the workspace. The sandbox
// stays alive so a prompt resume is warm.
func (m *Manager) Pause(ctx context.Context, tenantID, id string) (*types.Session, error) {
	sess, err := m.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == types.SessionPaused {
		return sess, nil // idempotent
	}
	if sess.Status != types.SessionActive {
		return nil, fmt.Errorf("%w: session %s is %s", ErrSessionNotActive, id, sess.Status)
	}

	if sess.SandboxID != "" {
		backend, err := m.placement.BackendForRunner(ctx, sess.RunnerID)
		if err == nil {
			m.persistSnapshot(ctx, backend, sess)
		}
	}

	if err := m.store.SetSessionStatus(ctx, id, types.SessionPaused); err != nil {
		return nil, err
	}
	sess.Status = types.SessionPaused
	return sess, nil
}

// persistSnapshot is best effort: on failure the session still transitions,
// but the snapshot flag is cleared so a later cold resume starts clean.
func (m *Manager) persistSnapshot(ctx context.Context, backend runner.Backend, sess *types.Session) {
	err := backend.PersistState(ctx, sess.SandboxID, types.PersistSandboxRequest{
		SessionID:    sess.ID,
		AgentName:    sess.AgentName,
		SDKSessionID: sess.SDKSessionID,
	})
	if err != nil {
		log.Printf("session: snapshot of %s failed: %v", sess.ID, err)
		if err := m.store.SetSessionSnapshot(ctx, sess.ID, false); err != nil {
			log.Printf("session: failed to clear snapshot flag for %s: %v", sess.ID, err)
		}
		return
	}
	if err := m.store.SetSessionSnapshot(ctx, sess.ID, true); err != nil {
		log.Printf("session: failed to set snapshot flag for %s: %v", sess.ID, err)
	}
}

// Resume returns the session to active. If the bound sandbox is still alive
// this is a warm reattach; otherwise a new sandbox is created and seeded from
// the workspace snapshot, carrying the SDK resume id forward.
func (m *Manager) Resume(ctx context.Context, tenantID, id string) (*types.Session, error) {
	sess, err := m.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == types.SessionActive {
		return sess, nil // idempotent
	}
	if !sess.Status.Resumable() {
		return nil, fmt.Errorf("%w: session %s is %s", ErrSessionNotResumable, id, sess.Status)
	}

	// Warm path: the sandbox survived the pause.
	if sess.SandboxID != "" {
		backend, err := m.placement.BackendForRunner(ctx, sess.RunnerID)
		if err == nil {
			if alive, err := backend.SandboxAlive(ctx, sess.SandboxID); err == nil && alive {
				if err := m.store.SetSessionStatus(ctx, id, types.SessionActive); err != nil {
					return nil, err
				}
				sess.Status = types.SessionActive
				return sess, nil
			}
		}
	}

	// Cold path: new sandbox, seeded from the snapshot if one exists.
	agent, err := m.resolveAgent(ctx, tenantID, sess.AgentName)
	if err != nil {
		return nil, err
	}
	backend, err := m.placement.SelectBackend(ctx)
	if err != nil {
		return nil, err
	}
	result, err := backend.CreateSandbox(ctx, types.CreateSandboxRequest{
		SessionID: sess.ID,
		AgentName: agent.Name,
		AgentDir:  agent.Path,
		Config:    sess.Config,
	})
	if err != nil {
		return nil, err
	}

	if err := m.store.SetSessionBinding(ctx, sess.ID, result.SandboxID, backend.RunnerID()); err != nil {
		return nil, err
	}
	if err := m.store.SetSessionStatus(ctx, sess.ID, types.SessionActive); err != nil {
		return nil, err
	}

	log.Printf("session: cold-resumed %s into sandbox %s (runner %q)", sess.ID, result.SandboxID, backend.RunnerID())
	sess.SandboxID = result.SandboxID
	sess.RunnerID = backend.RunnerID()
	sess.Status = types.SessionActive
	return sess, nil
}

// Stop interrupts any in-flight turn and flips the session to stopped. The
// sandbox is kept; stop is resumable.
func (m *Manager) Stop(ctx context.Context, tenantID, id string) (*types.Session, error) {
	sess, err := m.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if sess.SandboxID != "" {
		if backend, err := m.placement.BackendForRunner(ctx, sess.RunnerID); err == nil {
			if err := backend.Interrupt(ctx, sess.SandboxID); err != nil {
				log.Printf("session: interrupt during stop of %s: %v", id, err)
			}
			m.parkSandbox(backend, sess.SandboxID)
		}
	}
	if err := m.store.SetSessionStatus(ctx, id, types.SessionStopped); err != nil {
		return nil, err
	}
	sess.Status = types.SessionStopped
	return sess, nil
}

// End terminates the session permanently: interrupt, destroy the sandbox,
// flip to ended. The row is kept; ended is not resumable.
func (m *Manager) End(ctx context.Context, tenantID, id string) error {
	sess, err := m.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if sess.SandboxID != "" {
		if backend, err := m.placement.BackendForRunner(ctx, sess.RunnerID); err == nil {
			if err := backend.Interrupt(ctx, sess.SandboxID); err != nil {
				log.Printf("session: interrupt during end of %s: %v", id, err)
			}
			if err := backend.DestroySandbox(ctx, sess.SandboxID); err != nil {
				log.Printf("session: destroy sandbox during end of %s: %v", id, err)
			}
		}
	}
	if err := m.store.SetSessionBinding(ctx, id, "", ""); err != nil {
		return err
	}
	return m.store.SetSessionStatus(ctx, id, types.SessionEnded)
}

// Fork snapshots the parent's workspace under a new session id and starts a
// sibling session from it, carrying the parent's SDK resume id so the
// conversation branches rather than restarts.
func (m *Manager) Fork(ctx context.Context, tenantID, id string) (*types.Session, error) {
	parent, err := m.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	agent, err := m.resolveAgent(ctx, tenantID, parent.AgentName)
	if err != nil {
		return nil, err
	}

	child, err := m.store.InsertSession(ctx, uuid.NewString(), tenantID, parent.AgentName, parent.Config)
	if err != nil {
		return nil, err
	}
	if parent.SDKSessionID != "" {
		if err := m.store.SetSessionSDKID(ctx, child.ID, parent.SDKSessionID); err != nil {
			return nil, err
		}
		child.SDKSessionID = parent.SDKSessionID
	}

	// Snapshot the parent's workspace under the child's id, on the parent's
	// runner, so the child's sandbox can seed from it locally.
	var parentBackend runner.Backend
	if parent.SandboxID != "" {
		if parentBackend, err = m.placement.BackendForRunner(ctx, parent.RunnerID); err == nil {
			err := parentBackend.PersistState(ctx, parent.SandboxID, types.PersistSandboxRequest{
				SessionID:    child.ID,
				AgentName:    parent.AgentName,
				SDKSessionID: parent.SDKSessionID,
			})
			if err != nil {
				log.Printf("session: fork snapshot of %s failed: %v", id, err)
			}
		}
	}

	// Prefer the parent's runner so the seed snapshot is on the same host.
	backend := parentBackend
	if backend == nil {
		if backend, err = m.placement.SelectBackend(ctx); err != nil {
			m.markError(child.ID)
			return nil, err
		}
	}

	result, err := backend.CreateSandbox(ctx, types.CreateSandboxRequest{
		SessionID: child.ID,
		AgentName: agent.Name,
		AgentDir:  agent.Path,
		Config:    parent.Config,
	})
	if err != nil {
		m.markError(child.ID)
		return nil, err
	}

	if err := m.store.SetSessionBinding(ctx, child.ID, result.SandboxID, backend.RunnerID()); err != nil {
		return nil, err
	}
	if err := m.store.SetSessionStatus(ctx, child.ID, types.SessionActive); err != nil {
		return nil, err
	}

	log.Printf("session: forked %s -> %s (sandbox %s)", id, child.ID, result.SandboxID)
	child.SandboxID = result.SandboxID
	child.RunnerID = backend.RunnerID()
	child.Status = types.SessionActive
	return child, nil
}

// OnBeforeEvict is installed as the pool's eviction hook: snapshot the
// evicted sandbox's workspace and pause its session so it can cold-resume
// later. Runs synchronously relative to the destroy.
func (m *Manager) OnBeforeEvict(ctx context.Context, backend runner.Backend, sessionID, sandboxID string) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		log.Printf("session: evicting sandbox %s with unknown session %s: %v", sandboxID, sessionID, err)
		return
	}
	m.persistSnapshot(ctx, backend, sess)
	if err := m.store.SetSessionBinding(ctx, sessionID, "", ""); err != nil {
		log.Printf("session: failed to unbind evicted session %s: %v", sessionID, err)
	}
	if err := m.store.SetSessionStatus(ctx, sessionID, types.SessionPaused); err != nil {
		log.Printf("session: failed to pause evicted session %s: %v", sessionID, err)
	}
}

func (m *Manager) resolveAgent(ctx context.Context, tenantID, name string) (*types.Agent, error) {
	agent, err := m.store.GetAgent(ctx, tenantID, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	if _, err := os.Stat(agent.Path); err != nil {
		return nil, fmt.Errorf("%w: %s: directory missing at %s", bridge.ErrAgentMissing, name, agent.Path)
	}
	return agent, nil
}

func (m *Manager) markError(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.SetSessionStatus(ctx, sessionID, types.SessionError); err != nil {
		log.Printf("session: failed to mark %s errored: %v", sessionID, err)
	}
}

// parkSandbox returns a sandbox to waiting after a turn, on a fresh context
// so request cancellation cannot strand it in running.
func (m *Manager) parkSandbox(backend runner.Backend, sandboxID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := backend.MarkWaiting(ctx, sandboxID); err != nil {
		log.Printf("session: failed to park sandbox %s: %v", sandboxID, err)
	}
}

// turnStream wraps one turn's event stream: it records the SDK resume id from
// the terminal done event and parks the sandbox when the turn finishes.
type turnStream struct {
	inner     runner.EventStream
	manager   *Manager
	backend   runner.Backend
	sessionID string
	sandboxID string
	started   time.Time
	finished  bool
}

func (s *turnStream) Next(ctx context.Context) (bridge.Event, error) {
	ev, err := s.inner.Next(ctx)
	if err != nil {
		if err == io.EOF && !s.finished {
			s.finish("")
		}
		return ev, err
	}
	if ev.Terminal() && !s.finished {
		s.finish(ev.SessionID)
	}
	return ev, nil
}

func (s *turnStream) Close() error {
	err := s.inner.Close()
	if !s.finished {
		s.finish("")
	}
	return err
}

func (s *turnStream) finish(sdkSessionID string) {
	s.finished = true
	metrics.TurnDuration.Observe(time.Since(s.started).Seconds())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if sdkSessionID != "" {
		if err := s.manager.store.SetSessionSDKID(ctx, s.sessionID, sdkSessionID); err != nil {
			log.Printf("session: failed to record sdk session id for %s: %v", s.sessionID, err)
		}
	}
	if err := s.manager.store.TouchSession(ctx, s.sessionID); err != nil {
		log.Printf("session: failed to touch %s: %v", s.sessionID, err)
	}
	s.manager.parkSandbox(s.backend, s.sandboxID)
}
