package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck/internal/bridge"
	"github.com/agentdeck/agentdeck/internal/metrics"
	"github.com/agentdeck/agentdeck/internal/snapshot"
	"github.com/agentdeck/agentdeck/pkg/types"
)

var (
	// ErrCapacityExhausted indicates the pool is full and every candidate
	// sandbox is protected from eviction.
	ErrCapacityExhausted = errors.New("sandbox capacity exhausted")

	// ErrShuttingDown indicates the pool no longer admits sandboxes.
	ErrShuttingDown = errors.New("pool shutting down")

	// ErrSandboxNotFound indicates the sandbox is not live on this node.
	ErrSandboxNotFound = errors.New("sandbox not found")
)

// Store is the durable side of the pool. Row-level atomicity lives here.
type Store interface {
	InsertSandbox(ctx context.Context, sb *types.Sandbox) error
	UpdateSandboxState(ctx context.Context, id string, state types.SandboxState) error
	TouchSandbox(ctx context.Context, id string) error
	BindSandboxSession(ctx context.Context, id, sessionID string) error
	DeleteSandbox(ctx context.Context, id string) error
	CountSandboxes(ctx context.Context, runnerID string) (int, error)
	BestEvictionCandidate(ctx context.Context, runnerID string) (*types.Sandbox, error)
	IdleSandboxes(ctx context.Context, runnerID string, olderThan time.Time) ([]types.Sandbox, error)
	ListSandboxes(ctx context.Context, runnerID string) ([]types.Sandbox, error)
	MarkAllSandboxesCold(ctx context.Context, runnerID string) (int, error)
	PauseSessionsForStaleSandboxes(ctx context.Context, runnerID string) (int, error)
}

// Sandbox is one live sandbox owned by this pool.
type Sandbox struct {
	ID           string
	SessionID    string
	AgentName    string
	WorkspaceDir string
	Client       *bridge.Client
	Handle       bridge.Handle

	// guarded by the pool mutex
	state    types.SandboxState
	lastUsed time.Time
}

// State returns the in-memory lifecycle state.
func (sb *Sandbox) State() types.SandboxState { return sb.state }

// CreateRequest describes one sandbox admission.
type CreateRequest struct {
	SessionID string
	AgentName string
	AgentDir  string
	Config    *types.SessionConfig
	// SeedDir, when set, is copied into the new workspace before launch
	// (cold resume from a snapshot).
	SeedDir string
}

// Options configures a pool.
type Options struct {
	RunnerID          string
	DataDir           string
	MaxCapacity       int
	BridgeLimits      bridge.Limits
	HandshakeTimeout  time.Duration
	IdleTimeout       time.Duration
	IdleSweepInterval time.Duration
	ShutdownGrace     time.Duration

	// OnBeforeEvict runs synchronously before a session-bound sandbox is
	// destroyed by eviction or idle sweep. The session manager snapshots the
	// workspace and pauses the session here.
	OnBeforeEvict func(ctx context.Context, sb *Sandbox)
}

// Pool owns the live sandboxes of one node and enforces capacity. The store
// holds the durable rows; the in-memory map is authoritative for liveness.
type Pool struct {
	store    Store
	launcher bridge.Launcher
	opts     Options

	// admitMu serializes the count/evict/insert admission sequence; a count
	// read outside it is stale by the time the row lands.
	admitMu sync.Mutex

	mu           sync.Mutex
	sandboxes    map[string]*Sandbox
	shuttingDown bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(store Store, launcher bridge.Launcher, opts Options) *Pool {
	return &Pool{
		store:     store,
		launcher:  launcher,
		opts:      opts,
		sandboxes: make(map[string]*Sandbox),
		stop:      make(chan struct{}),
	}
}

// Reconcile clears rows left behind by a previous process. No sandbox
// survives a restart, so stale rows are cold-marked and removed; sessions
// recover through cold resume.
func (p *Pool) Reconcile(ctx context.Context) error {
	// Sessions still bound to this runner's rows point at sandboxes that no
	// longer exist; pause them before the rows go away.
	paused, err := p.store.PauseSessionsForStaleSandboxes(ctx, p.opts.RunnerID)
	if err != nil {
		return fmt.Errorf("failed to pause sessions on stale sandboxes: %w", err)
	}
	if paused > 0 {
		log.Printf("pool: paused %d sessions bound to stale sandboxes", paused)
	}

	n, err := p.store.MarkAllSandboxesCold(ctx, p.opts.RunnerID)
	if err != nil {
		return fmt.Errorf("failed to mark stale sandboxes cold: %w", err)
	}
	if n > 0 {
		log.Printf("pool: marked %d stale sandboxes cold", n)
	}

	rows, err := p.store.ListSandboxes(ctx, p.opts.RunnerID)
	if err != nil {
		return fmt.Errorf("failed to list stale sandboxes: %w", err)
	}
	for _, row := range rows {
		if err := p.store.DeleteSandbox(ctx, row.ID); err != nil {
			log.Printf("pool: failed to delete stale sandbox %s: %v", row.ID, err)
		}
	}
	return nil
}

// StartIdleSweep launches the periodic idle sweep.
func (p *Pool) StartIdleSweep() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.opts.IdleSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.sweepIdle()
			case <-p.stop:
				return
			}
		}
	}()
}

// Create admits one sandbox: evict if at capacity, insert the row, launch
// the bridge and wait for its handshake.
func (p *Pool) Create(ctx context.Context, req CreateRequest) (*Sandbox, error) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return nil, ErrShuttingDown
	}
	p.mu.Unlock()

	start := time.Now()
	id := uuid.NewString()
	workspaceDir := filepath.Join(p.opts.DataDir, "sandboxes", id, "workspace")

	row := &types.Sandbox{
		ID:           id,
		SessionID:    req.SessionID,
		AgentName:    req.AgentName,
		RunnerID:     p.opts.RunnerID,
		WorkspaceDir: workspaceDir,
		State:        types.SandboxWarming,
	}
	sb := &Sandbox{
		ID:           id,
		SessionID:    req.SessionID,
		AgentName:    req.AgentName,
		WorkspaceDir: workspaceDir,
		state:        types.SandboxWarming,
		lastUsed:     time.Now(),
	}

	// The capacity check and the row insert are one unit under admitMu;
	// concurrent creates admit one at a time. The launch below runs unlocked.
	p.admitMu.Lock()
	if err := p.ensureCapacity(ctx); err != nil {
		p.admitMu.Unlock()
		return nil, err
	}
	if err := p.store.InsertSandbox(ctx, row); err != nil {
		p.admitMu.Unlock()
		return nil, fmt.Errorf("failed to insert sandbox row: %w", err)
	}
	p.mu.Lock()
	p.sandboxes[id] = sb
	p.mu.Unlock()
	p.admitMu.Unlock()

	handle, err := p.launch(ctx, req, id, workspaceDir)
	if err != nil {
		p.abortCreate(id)
		return nil, err
	}
	sb.Handle = handle
	sb.Client = bridge.NewClient(handle, func(err error) {
		metrics.BridgeProtocolErrorsTotal.Inc()
		p.markCold(id, err)
	})

	hsCtx, cancel := context.WithTimeout(ctx, p.opts.HandshakeTimeout)
	err = sb.Client.WaitReady(hsCtx)
	cancel()
	if err != nil {
		handle.Kill()
		p.abortCreate(id)
		return nil, fmt.Errorf("sandbox %s: %w", id, err)
	}

	p.mu.Lock()
	sb.state = types.SandboxWarm
	if req.SessionID != "" {
		sb.state = types.SandboxWaiting
	}
	state := sb.state
	p.mu.Unlock()

	if err := p.store.UpdateSandboxState(ctx, id, state); err != nil {
		log.Printf("pool: failed to persist state for sandbox %s: %v", id, err)
	}

	// Watch for the process dying out from under us.
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-handle.Done():
			p.markCold(id, errors.New("process exited"))
		case <-p.stop:
		}
	}()

	metrics.SandboxCreateDuration.Observe(time.Since(start).Seconds())
	metrics.SandboxesActive.Inc()
	log.Printf("pool: created sandbox %s for agent %s in %v", id, req.AgentName, time.Since(start).Round(time.Millisecond))
	return sb, nil
}

func (p *Pool) launch(ctx context.Context, req CreateRequest, id, workspaceDir string) (bridge.Handle, error) {
	spec := bridge.LaunchSpec{
		SandboxID:    id,
		AgentDir:     req.AgentDir,
		WorkspaceDir: workspaceDir,
		Limits:       p.opts.BridgeLimits,
	}
	if cfg := req.Config; cfg != nil {
		spec.Env = cfg.Env
		spec.SystemPrompt = cfg.SystemPrompt
		spec.MCPServers = cfg.MCPServers
		spec.StartupScript = cfg.StartupScript
	}

	if req.SeedDir != "" {
		if err := snapshot.CopyTree(req.SeedDir, workspaceDir); err != nil {
			return nil, fmt.Errorf("%w: seed workspace: %v", bridge.ErrLaunchFailed, err)
		}
	}
	return p.launcher.Launch(ctx, spec)
}

// abortCreate undoes a failed admission: the row and the map entry go away.
func (p *Pool) abortCreate(id string) {
	p.mu.Lock()
	delete(p.sandboxes, id)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.DeleteSandbox(ctx, id); err != nil {
		log.Printf("pool: failed to delete aborted sandbox %s: %v", id, err)
	}
}

// ensureCapacity evicts at most one sandbox per attempt until a slot is
// free. Candidates that turned running in memory since the query are skipped.
func (p *Pool) ensureCapacity(ctx context.Context) error {
	for attempt := 0; attempt < 3; attempt++ {
		count, err := p.store.CountSandboxes(ctx, p.opts.RunnerID)
		if err != nil {
			return fmt.Errorf("failed to count sandboxes: %w", err)
		}
		if count < p.opts.MaxCapacity {
			return nil
		}

		candidate, err := p.store.BestEvictionCandidate(ctx, p.opts.RunnerID)
		if err != nil {
			return ErrCapacityExhausted
		}

		// The row may be stale; the live sandbox could have started a turn.
		p.mu.Lock()
		live, ok := p.sandboxes[candidate.ID]
		protected := ok && (live.state == types.SandboxRunning || live.state == types.SandboxWarming)
		p.mu.Unlock()
		if protected {
			continue
		}

		if candidate.SessionID != "" && p.opts.OnBeforeEvict != nil {
			if ok {
				live.SessionID = candidate.SessionID
				p.opts.OnBeforeEvict(ctx, live)
			} else {
				p.opts.OnBeforeEvict(ctx, &Sandbox{
					ID:           candidate.ID,
					SessionID:    candidate.SessionID,
					AgentName:    candidate.AgentName,
					WorkspaceDir: candidate.WorkspaceDir,
					state:        candidate.State,
				})
			}
		}
		if err := p.Destroy(ctx, candidate.ID); err != nil {
			log.Printf("pool: failed to evict sandbox %s: %v", candidate.ID, err)
			continue
		}
		metrics.EvictionsTotal.Inc()
		log.Printf("pool: evicted sandbox %s (state %s)", candidate.ID, candidate.State)
		return nil
	}
	return ErrCapacityExhausted
}

// Get returns a live sandbox by id.
func (p *Pool) Get(id string) (*Sandbox, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb, ok := p.sandboxes[id]
	return sb, ok
}

// Bind attaches a session to a warm sandbox and moves it to waiting.
func (p *Pool) Bind(ctx context.Context, id, sessionID string) error {
	p.mu.Lock()
	sb, ok := p.sandboxes[id]
	if !ok {
		p.mu.Unlock()
		return ErrSandboxNotFound
	}
	sb.SessionID = sessionID
	sb.state = types.SandboxWaiting
	sb.lastUsed = time.Now()
	p.mu.Unlock()

	if err := p.store.BindSandboxSession(ctx, id, sessionID); err != nil {
		return err
	}
	return p.store.UpdateSandboxState(ctx, id, types.SandboxWaiting)
}

// MarkRunning protects a sandbox from eviction for the duration of a turn.
// The in-memory flip is synchronous; the durable write is fire-and-forget.
func (p *Pool) MarkRunning(id string) error {
	return p.mark(id, types.SandboxRunning)
}

// MarkWaiting returns a sandbox to the evictable waiting state after a turn.
func (p *Pool) MarkWaiting(id string) error {
	return p.mark(id, types.SandboxWaiting)
}

func (p *Pool) mark(id string, state types.SandboxState) error {
	p.mu.Lock()
	sb, ok := p.sandboxes[id]
	if !ok {
		p.mu.Unlock()
		return ErrSandboxNotFound
	}
	sb.state = state
	sb.lastUsed = time.Now()
	p.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.store.UpdateSandboxState(ctx, id, state); err != nil {
			log.Printf("pool: failed to persist %s for sandbox %s: %v", state, id, err)
		}
	}()
	return nil
}

// markCold records that the hosting process died without graceful shutdown.
func (p *Pool) markCold(id string, cause error) {
	p.mu.Lock()
	sb, ok := p.sandboxes[id]
	if !ok || sb.state == types.SandboxCold {
		p.mu.Unlock()
		return
	}
	sb.state = types.SandboxCold
	p.mu.Unlock()

	metrics.SandboxesActive.Dec()
	log.Printf("pool: sandbox %s went cold: %v", id, cause)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.UpdateSandboxState(ctx, id, types.SandboxCold); err != nil {
		log.Printf("pool: failed to persist cold state for sandbox %s: %v", id, err)
	}
}

// Destroy gracefully shuts one sandbox down and removes its row.
func (p *Pool) Destroy(ctx context.Context, id string) error {
	p.mu.Lock()
	sb, ok := p.sandboxes[id]
	wasCold := false
	if ok {
		delete(p.sandboxes, id)
		wasCold = sb.state == types.SandboxCold
	}
	p.mu.Unlock()

	if ok {
		p.shutdownSandbox(sb)
		if !wasCold {
			metrics.SandboxesActive.Dec()
		}
	}
	if err := p.store.DeleteSandbox(ctx, id); err != nil {
		return fmt.Errorf("failed to delete sandbox row: %w", err)
	}
	return nil
}

// shutdownSandbox asks the bridge to stop and hard-kills after the grace
// period.
func (p *Pool) shutdownSandbox(sb *Sandbox) {
	if sb.Handle == nil {
		return
	}
	if sb.Client != nil && sb.Client.Alive() {
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.ShutdownGrace)
		_ = sb.Client.Shutdown(ctx)
		select {
		case <-sb.Handle.Done():
		case <-ctx.Done():
		}
		cancel()
	}
	_ = sb.Handle.Kill()
}

// sweepIdle destroys waiting sandboxes idle past the timeout. Running is
// never touched; the in-memory state is re-checked after the query.
func (p *Pool) sweepIdle() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	idle, err := p.store.IdleSandboxes(ctx, p.opts.RunnerID, time.Now().Add(-p.opts.IdleTimeout))
	if err != nil {
		log.Printf("pool: idle sweep query failed: %v", err)
		return
	}

	for _, row := range idle {
		p.mu.Lock()
		sb, ok := p.sandboxes[row.ID]
		skip := ok && sb.state != types.SandboxWaiting
		p.mu.Unlock()
		if skip {
			continue
		}

		if row.SessionID != "" && p.opts.OnBeforeEvict != nil && ok {
			p.opts.OnBeforeEvict(ctx, sb)
		}
		if err := p.Destroy(ctx, row.ID); err != nil {
			log.Printf("pool: idle sweep failed to destroy sandbox %s: %v", row.ID, err)
			continue
		}
		metrics.EvictionsTotal.Inc()
		log.Printf("pool: idle sweep destroyed sandbox %s", row.ID)
	}
}

// Stats returns the live and warming counts for heartbeats.
func (p *Pool) Stats() (active, warming int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sb := range p.sandboxes {
		switch sb.state {
		case types.SandboxWarming:
			warming++
		case types.SandboxWarm, types.SandboxWaiting, types.SandboxRunning:
			active++
		}
	}
	return active, warming
}

// DestroyAll shuts the pool down: shutdown to every sandbox in parallel with
// a bounded deadline, then hard-kill, then delete rows. New creates fail
// with ErrShuttingDown once this starts.
func (p *Pool) DestroyAll(ctx context.Context) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}
	p.shuttingDown = true
	all := make([]*Sandbox, 0, len(p.sandboxes))
	for _, sb := range p.sandboxes {
		all = append(all, sb)
	}
	p.sandboxes = make(map[string]*Sandbox)
	p.mu.Unlock()

	close(p.stop)

	var wg sync.WaitGroup
	for _, sb := range all {
		wg.Add(1)
		go func(sb *Sandbox) {
			defer wg.Done()
			p.shutdownSandbox(sb)
			if err := p.store.DeleteSandbox(ctx, sb.ID); err != nil {
				log.Printf("pool: failed to delete sandbox row %s: %v", sb.ID, err)
			}
		}(sb)
	}
	wg.Wait()
	p.wg.Wait()
	log.Printf("pool: destroyed %d sandboxes on shutdown", len(all))
}
