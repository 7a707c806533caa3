package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/internal/metrics"
	"github.com/agentdeck/agentdeck/internal/runner"
	"github.com/agentdeck/agentdeck/pkg/types"
)

// ErrNoCapacity means no live runner (and no local pool) can take another
// sandbox right now.
var ErrNoCapacity = errors.New("no runner with available capacity")

// Store is the subset of the database layer the coordinator needs.
type Store interface {
	UpsertRunner(ctx context.Context, id, host string, port, maxSandboxes int) (*types.Runner, error)
	HeartbeatRunner(ctx context.Context, id string, active, warming int) error
	GetRunner(ctx context.Context, id string) (*types.Runner, error)
	SelectBestRunner(ctx context.Context, cutoff time.Time) (*types.Runner, error)
	ListDeadRunners(ctx context.Context, cutoff time.Time) ([]types.Runner, error)
	ListRunners(ctx context.Context) ([]types.Runner, error)
	DeleteRunner(ctx context.Context, id string) error
	BulkPauseSessionsByRunner(ctx context.Context, runnerID string) (int, error)
}

// Options configures a Coordinator.
type Options struct {
	// Local is the in-process backend, used when no remote runner is
	// registered or as the single-node deployment. Nil in pure-coordinator
	// deployments.
	Local runner.Backend

	// InternalSecret authenticates coordinator->runner calls.
	InternalSecret string

	// LivenessTimeout is how long a runner may miss heartbeats before its
	// sessions are bulk-paused and its row removed.
	LivenessTimeout time.Duration
}

// Coordinator tracks runner liveness and places new sandboxes on the
// least-loaded live runner.
type Coordinator struct {
	store Store
	opts  Options

	mu       sync.Mutex
	backends map[string]runner.Backend

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(store Store, opts Options) *Coordinator {
	if opts.LivenessTimeout <= 0 {
		opts.LivenessTimeout = 30 * time.Second
	}
	return &Coordinator{
		store:    store,
		opts:     opts,
		backends: make(map[string]runner.Backend),
		stop:     make(chan struct{}),
	}
}

// Register records a runner in the registry. Re-registration refreshes the
// row; any cached backend is replaced in case the address changed.
func (c *Coordinator) Register(ctx context.Context, req types.RegisterRunnerRequest) (*types.Runner, error) {
	if req.ID == "" || req.Host == "" || req.Port == 0 || req.MaxSandboxes <= 0 {
		return nil, fmt.Errorf("invalid runner registration: id, host, port and maxSandboxes are required")
	}

	r, err := c.store.UpsertRunner(ctx, req.ID, req.Host, req.Port, req.MaxSandboxes)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.backends[req.ID] = runner.NewRemoteBackend(req.ID, req.Host, req.Port, c.opts.InternalSecret)
	c.mu.Unlock()

	log.Printf("coordinator: runner %s registered at %s:%d (max %d sandboxes)",
		req.ID, req.Host, req.Port, req.MaxSandboxes)
	c.updateRunnerGauge(ctx)
	return r, nil
}

// Heartbeat refreshes a runner's liveness and load counters.
func (c *Coordinator) Heartbeat(ctx context.Context, req types.HeartbeatRequest) error {
	return c.store.HeartbeatRunner(ctx, req.ID, req.ActiveCount, req.WarmingCount)
}

// Deregister pauses the runner's sessions and removes it. Used for graceful
// runner shutdown; the liveness sweep covers crashes.
func (c *Coordinator) Deregister(ctx context.Context, runnerID string) error {
	paused, err := c.store.BulkPauseSessionsByRunner(ctx, runnerID)
	if err != nil {
		return err
	}
	if err := c.store.DeleteRunner(ctx, runnerID); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.backends, runnerID)
	c.mu.Unlock()

	log.Printf("coordinator: runner %s deregistered, %d sessions paused", runnerID, paused)
	c.updateRunnerGauge(ctx)
	return nil
}

// SelectBackend picks where a new sandbox should go: the live runner with the
// most free capacity, falling back to the local backend when no runner is
// registered.
func (c *Coordinator) SelectBackend(ctx context.Context) (runner.Backend, error) {
	cutoff := time.Now().Add(-c.opts.LivenessTimeout)
	r, err := c.store.SelectBestRunner(ctx, cutoff)
	if err == nil {
		return c.backendFor(r), nil
	}

	if c.opts.Local != nil {
		return c.opts.Local, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrNoCapacity, err)
}

// BackendForRunner resolves a session's bound runner id to a backend. The
// empty id means the local backend.
func (c *Coordinator) BackendForRunner(ctx context.Context, runnerID string) (runner.Backend, error) {
	if runnerID == "" {
		if c.opts.Local == nil {
			return nil, fmt.Errorf("session bound to local backend but none is configured")
		}
		return c.opts.Local, nil
	}

	c.mu.Lock()
	b, ok := c.backends[runnerID]
	c.mu.Unlock()
	if ok {
		return b, nil
	}

	// Cache miss: another coordinator instance handled the registration.
	r, err := c.store.GetRunner(ctx, runnerID)
	if err != nil {
		return nil, err
	}
	return c.backendFor(r), nil
}

func (c *Coordinator) backendFor(r *types.Runner) runner.Backend {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.backends[r.ID]; ok {
		return b
	}
	b := runner.NewRemoteBackend(r.ID, r.Host, r.Port, c.opts.InternalSecret)
	c.backends[r.ID] = b
	return b
}

// ListRunners returns the current registry contents.
func (c *Coordinator) ListRunners(ctx context.Context) ([]types.Runner, error) {
	return c.store.ListRunners(ctx)
}

// Start launches the liveness sweep.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.livenessLoop()
}

// Stop halts the liveness sweep.
func (c *Coordinator) Stop() {
	close(c.stop)
	c.wg.Wait()
}

func (c *Coordinator) livenessLoop() {
	defer c.wg.Done()

	// Jitter keeps multiple coordinator instances from sweeping in lockstep.
	interval := c.opts.LivenessTimeout + time.Duration(rand.Int63n(int64(5*time.Second)))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweepDeadRunners()
		case <-c.stop:
			return
		}
	}
}

func (c *Coordinator) sweepDeadRunners() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-c.opts.LivenessTimeout)
	dead, err := c.store.ListDeadRunners(ctx, cutoff)
	if err != nil {
		log.Printf("coordinator: liveness sweep failed: %v", err)
		return
	}

	for _, r := range dead {
		c.handleDeadRunner(ctx, r)
	}
	if len(dead) > 0 {
		c.updateRunnerGauge(ctx)
	}
}

// handleDeadRunner pauses every session bound to the dead runner in a single
// statement and removes the registry row. Sessions resume on another runner
// from their last snapshot.
func (c *Coordinator) handleDeadRunner(ctx context.Context, r types.Runner) {
	paused, err := c.store.BulkPauseSessionsByRunner(ctx, r.ID)
	if err != nil {
		log.Printf("coordinator: failed to pause sessions of dead runner %s: %v", r.ID, err)
		return
	}
	if err := c.store.DeleteRunner(ctx, r.ID); err != nil {
		log.Printf("coordinator: failed to delete dead runner %s: %v", r.ID, err)
		return
	}

	c.mu.Lock()
	delete(c.backends, r.ID)
	c.mu.Unlock()

	metrics.DeadRunnersRecoveredTotal.Inc()
	log.Printf("coordinator: runner %s dead (last heartbeat %s), paused %d sessions",
		r.ID, r.LastHeartbeatAt.Format(time.RFC3339), paused)
}

func (c *Coordinator) updateRunnerGauge(ctx context.Context) {
	runners, err := c.store.ListRunners(ctx)
	if err != nil {
		return
	}
	metrics.RunnersActive.Set(float64(len(runners)))
}
