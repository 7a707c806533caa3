package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/internal/bridge"
	"github.com/agentdeck/agentdeck/pkg/types"
)

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu          sync.Mutex
	rows        map[string]*types.Sandbox
	peakRows    int           // high-water mark of concurrent rows
	countDelay  time.Duration // models the count query's round trip
	stalePauses []string      // session ids paused by the startup reconcile
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]*types.Sandbox)}
}

func (s *fakeStore) InsertSandbox(_ context.Context, sb *types.Sandbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sb
	cp.CreatedAt = time.Now()
	cp.LastUsedAt = time.Now()
	s.rows[sb.ID] = &cp
	if len(s.rows) > s.peakRows {
		s.peakRows = len(s.rows)
	}
	return nil
}

func (s *fakeStore) UpdateSandboxState(_ context.Context, id string, state types.SandboxState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok {
		row.State = state
		row.LastUsedAt = time.Now()
	}
	return nil
}

func (s *fakeStore) TouchSandbox(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok {
		row.LastUsedAt = time.Now()
	}
	return nil
}

func (s *fakeStore) BindSandboxSession(_ context.Context, id, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok {
		row.SessionID = sessionID
	}
	return nil
}

func (s *fakeStore) DeleteSandbox(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

func (s *fakeStore) CountSandboxes(_ context.Context, _ string) (int, error) {
	s.mu.Lock()
	n := len(s.rows)
	delay := s.countDelay
	s.mu.Unlock()
	time.Sleep(delay)
	return n, nil
}

func (s *fakeStore) BestEvictionCandidate(_ context.Context, _ string) (*types.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rank := map[types.SandboxState]int{types.SandboxCold: 0, types.SandboxWarm: 1, types.SandboxWaiting: 2}
	var candidates []*types.Sandbox
	for _, row := range s.rows {
		if _, ok := rank[row.State]; ok {
			candidates = append(candidates, row)
		}
	}
	if len(candidates) == 0 {
		return nil, errors.New("no eviction candidate")
	}
	sort.Slice(candidates, func(i, j int) bool {
		if rank[candidates[i].State] != rank[candidates[j].State] {
			return rank[candidates[i].State] < rank[candidates[j].State]
		}
		return candidates[i].LastUsedAt.Before(candidates[j].LastUsedAt)
	})
	cp := *candidates[0]
	return &cp, nil
}

func (s *fakeStore) IdleSandboxes(_ context.Context, _ string, olderThan time.Time) ([]types.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var idle []types.Sandbox
	for _, row := range s.rows {
		if row.State == types.SandboxWaiting && row.LastUsedAt.Before(olderThan) {
			idle = append(idle, *row)
		}
	}
	return idle, nil
}

func (s *fakeStore) ListSandboxes(_ context.Context, _ string) ([]types.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []types.Sandbox
	for _, row := range s.rows {
		all = append(all, *row)
	}
	return all, nil
}

func (s *fakeStore) PauseSessionsForStaleSandboxes(_ context.Context, _ string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.SessionID != "" {
			s.stalePauses = append(s.stalePauses, row.SessionID)
		}
	}
	return len(s.stalePauses), nil
}

func (s *fakeStore) MarkAllSandboxesCold(_ context.Context, _ string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, row := range s.rows {
		if row.State != types.SandboxRunning && row.State != types.SandboxCold {
			row.State = types.SandboxCold
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) get(id string) (types.Sandbox, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return types.Sandbox{}, false
	}
	return *row, true
}

// fakeHandle is a scripted bridge child.
type fakeHandle struct {
	stdinR *io.PipeReader
	stdinW *io.PipeWriter
	evR    *io.PipeReader
	evW    *io.PipeWriter

	mu    sync.Mutex
	alive bool
	done  chan struct{}
}

func newFakeHandle(sendReady bool) *fakeHandle {
	stdinR, stdinW := io.Pipe()
	evR, evW := io.Pipe()
	h := &fakeHandle{stdinR: stdinR, stdinW: stdinW, evR: evR, evW: evW, alive: true, done: make(chan struct{})}
	go io.Copy(io.Discard, stdinR)
	if sendReady {
		go evW.Write([]byte(`{"event":"ready"}` + "\n"))
	}
	return h
}

func (h *fakeHandle) Stdin() io.WriteCloser { return h.stdinW }
func (h *fakeHandle) Stdout() io.Reader     { return h.evR }

func (h *fakeHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.alive {
		h.alive = false
		close(h.done)
		h.evW.Close()
	}
	return nil
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

// fakeLauncher hands out scripted handles.
type fakeLauncher struct {
	mu        sync.Mutex
	sendReady bool
	launchErr error
	launched  int
	handles   []*fakeHandle
}

func (l *fakeLauncher) Launch(_ context.Context, _ bridge.LaunchSpec) (bridge.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	l.launched++
	h := newFakeHandle(l.sendReady)
	l.handles = append(l.handles, h)
	return h, nil
}

func newTestPool(t *testing.T, store Store, launcher bridge.Launcher, max int, onBeforeEvict func(context.Context, *Sandbox)) *Pool {
	t.Helper()
	p := New(store, launcher, Options{
		RunnerID:          "runner-1",
		DataDir:           t.TempDir(),
		MaxCapacity:       max,
		HandshakeTimeout:  2 * time.Second,
		IdleTimeout:       30 * time.Minute,
		IdleSweepInterval: time.Hour,
		ShutdownGrace:     100 * time.Millisecond,
		OnBeforeEvict:     onBeforeEvict,
	})
	t.Cleanup(func() { p.DestroyAll(context.Background()) })
	return p
}

func TestPool_CreateBindsSession(t *testing.T) {
	store := newFakeStore()
	launcher := &fakeLauncher{sendReady: true}
	p := newTestPool(t, store, launcher, 4, nil)

	sb, err := p.Create(context.Background(), CreateRequest{
		SessionID: "sess-1", AgentName: "coder", AgentDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if sb.State() != types.SandboxWaiting {
		t.Errorf("expected waiting after session bind, got %s", sb.State())
	}
	row, ok := store.get(sb.ID)
	if !ok {
		t.Fatal("sandbox row missing")
	}
	if row.SessionID != "sess-1" || row.State != types.SandboxWaiting {
		t.Errorf("unexpected row: %+v", row)
	}
}

func TestPool_CreateWithoutSessionIsWarm(t *testing.T) {
	store := newFakeStore()
	launcher := &fakeLauncher{sendReady: true}
	p := newTestPool(t, store, launcher, 4, nil)

	sb, err := p.Create(context.Background(), CreateRequest{AgentName: "coder", AgentDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if sb.State() != types.SandboxWarm {
		t.Errorf("expected warm, got %s", sb.State())
	}
}

func TestPool_HandshakeTimeoutDeletesRow(t *testing.T) {
	store := newFakeStore()
	launcher := &fakeLauncher{sendReady: false}
	p := New(store, launcher, Options{
		RunnerID: "runner-1", DataDir: t.TempDir(), MaxCapacity: 4,
		HandshakeTimeout: 50 * time.Millisecond, IdleTimeout: time.Hour,
		IdleSweepInterval: time.Hour, ShutdownGrace: 50 * time.Millisecond,
	})
	defer p.DestroyAll(context.Background())

	_, err := p.Create(context.Background(), CreateRequest{AgentName: "coder", AgentDir: t.TempDir()})
	if !errors.Is(err, bridge.ErrHandshakeTimeout) {
		t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
	}
	if n, _ := store.CountSandboxes(context.Background(), "runner-1"); n != 0 {
		t.Fatalf("expected row deleted after failed handshake, got %d rows", n)
	}
}

func TestPool_CapacityEvictsBeforeAdmission(t *testing.T) {
	store := newFakeStore()
	launcher := &fakeLauncher{sendReady: true}

	var evicted []string
	p := newTestPool(t, store, launcher, 1, func(_ context.Context, sb *Sandbox) {
		evicted = append(evicted, sb.SessionID)
	})

	first, err := p.Create(context.Background(), CreateRequest{SessionID: "sess-1", AgentName: "coder", AgentDir: t.TempDir()})
	if err != nil {
		t.Fatalf("first Create() error: %v", err)
	}

	second, err := p.Create(context.Background(), CreateRequest{SessionID: "sess-2", AgentName: "coder", AgentDir: t.TempDir()})
	if err != nil {
		t.Fatalf("second Create() error: %v", err)
	}
	if _, ok := p.Get(first.ID); ok {
		t.Error("evicted sandbox still live")
	}
	if _, ok := p.Get(second.ID); !ok {
		t.Error("new sandbox not live")
	}
	if len(evicted) != 1 || evicted[0] != "sess-1" {
		t.Errorf("onBeforeEvict calls: %v", evicted)
	}
}

func TestPool_RunningIsNeverEvicted(t *testing.T) {
	store := newFakeStore()
	launcher := &fakeLauncher{sendReady: true}
	p := newTestPool(t, store, launcher, 1, nil)

	sb, err := p.Create(context.Background(), CreateRequest{SessionID: "sess-1", AgentName: "coder", AgentDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := p.MarkRunning(sb.ID); err != nil {
		t.Fatalf("MarkRunning() error: %v", err)
	}

	// The durable row may still say waiting; the in-memory running state
	// must protect the sandbox anyway.
	_, err = p.Create(context.Background(), CreateRequest{SessionID: "sess-2", AgentName: "coder", AgentDir: t.TempDir()})
	if !errors.Is(err, ErrCapacityExhausted) {
		t.Fatalf("expected ErrCapacityExhausted, got %v", err)
	}
	if _, ok := p.Get(sb.ID); !ok {
		t.Error("running sandbox was destroyed")
	}
}

func TestPool_MarkWaitingReopensEviction(t *testing.T) {
	store := newFakeStore()
	launcher := &fakeLauncher{sendReady: true}
	p := newTestPool(t, store, launcher, 1, nil)

	sb, err := p.Create(context.Background(), CreateRequest{SessionID: "sess-1", AgentName: "coder", AgentDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := p.MarkRunning(sb.ID); err != nil {
		t.Fatalf("MarkRunning() error: %v", err)
	}
	if err := p.MarkWaiting(sb.ID); err != nil {
		t.Fatalf("MarkWaiting() error: %v", err)
	}
	// Wait for the async durable write.
	deadline := time.Now().Add(2 * time.Second)
	for {
		row, _ := store.get(sb.ID)
		if row.State == types.SandboxWaiting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("durable state never became waiting: %s", row.State)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := p.Create(context.Background(), CreateRequest{SessionID: "sess-2", AgentName: "coder", AgentDir: t.TempDir()}); err != nil {
		t.Fatalf("expected eviction to admit new sandbox, got %v", err)
	}
}

func TestPool_IdleSweepSkipsRunning(t *testing.T) {
	store := newFakeStore()
	launcher := &fakeLauncher{sendReady: true}
	p := New(store, launcher, Options{
		RunnerID: "runner-1", DataDir: t.TempDir(), MaxCapacity: 4,
		HandshakeTimeout: 2 * time.Second, IdleTimeout: 0,
		IdleSweepInterval: time.Hour, ShutdownGrace: 50 * time.Millisecond,
	})
	defer p.DestroyAll(context.Background())

	running, err := p.Create(context.Background(), CreateRequest{SessionID: "sess-1", AgentName: "coder", AgentDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	idle, err := p.Create(context.Background(), CreateRequest{SessionID: "sess-2", AgentName: "coder", AgentDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := p.MarkRunning(running.ID); err != nil {
		t.Fatalf("MarkRunning() error: %v", err)
	}

	time.Sleep(20 * time.Millisecond) // push lastUsedAt past the zero idle timeout
	p.sweepIdle()

	if _, ok := p.Get(running.ID); !ok {
		t.Error("idle sweep destroyed a running sandbox")
	}
	if _, ok := p.Get(idle.ID); ok {
		t.Error("idle sweep left an idle waiting sandbox alive")
	}
}

func TestPool_DestroyAllStopsAdmission(t *testing.T) {
	store := newFakeStore()
	launcher := &fakeLauncher{sendReady: true}
	p := New(store, launcher, Options{
		RunnerID: "runner-1", DataDir: t.TempDir(), MaxCapacity: 4,
		HandshakeTimeout: 2 * time.Second, IdleTimeout: time.Hour,
		IdleSweepInterval: time.Hour, ShutdownGrace: 50 * time.Millisecond,
	})

	if _, err := p.Create(context.Background(), CreateRequest{AgentName: "coder", AgentDir: t.TempDir()}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	p.DestroyAll(context.Background())

	if _, err := p.Create(context.Background(), CreateRequest{AgentName: "coder", AgentDir: t.TempDir()}); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
	if n, _ := store.CountSandboxes(context.Background(), "runner-1"); n != 0 {
		t.Fatalf("expected all rows deleted, got %d", n)
	}
}

func TestPool_ReconcileClearsStaleRows(t *testing.T) {
	store := newFakeStore()
	store.InsertSandbox(context.Background(), &types.Sandbox{ID: "stale-1", AgentName: "coder", RunnerID: "runner-1", State: types.SandboxWaiting})
	store.InsertSandbox(context.Background(), &types.Sandbox{ID: "stale-2", AgentName: "coder", RunnerID: "runner-1", State: types.SandboxRunning})

	p := newTestPool(t, store, &fakeLauncher{sendReady: true}, 4, nil)
	if err := p.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if n, _ := store.CountSandboxes(context.Background(), "runner-1"); n != 0 {
		t.Fatalf("expected stale rows removed, got %d", n)
	}
}

func TestPool_ReconcilePausesBoundSessions(t *testing.T) {
	store := newFakeStore()
	store.InsertSandbox(context.Background(), &types.Sandbox{ID: "stale-1", SessionID: "sess-1", AgentName: "coder", RunnerID: "runner-1", State: types.SandboxWaiting})

	p := newTestPool(t, store, &fakeLauncher{sendReady: true}, 4, nil)
	if err := p.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}

	store.mu.Lock()
	paused := append([]string(nil), store.stalePauses...)
	rows := len(store.rows)
	store.mu.Unlock()
	if len(paused) != 1 || paused[0] != "sess-1" {
		t.Errorf("paused sessions = %v, want [sess-1]", paused)
	}
	if rows != 0 {
		t.Errorf("expected stale rows removed, got %d", rows)
	}
}

func TestPool_ConcurrentCreatesHoldCapacity(t *testing.T) {
	store := newFakeStore()
	store.countDelay = 20 * time.Millisecond // stale-count window
	launcher := &fakeLauncher{sendReady: true}
	p := newTestPool(t, store, launcher, 1, nil)

	agentDir := t.TempDir()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.Create(context.Background(), CreateRequest{
				SessionID: fmt.Sprintf("sess-%d", i), AgentName: "coder", AgentDir: agentDir,
			})
			if err != nil && !errors.Is(err, ErrCapacityExhausted) {
				t.Errorf("Create() error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	store.mu.Lock()
	peak, rows := store.peakRows, len(store.rows)
	store.mu.Unlock()
	if peak > 1 {
		t.Errorf("row count peaked at %d with capacity 1", peak)
	}
	if rows > 1 {
		t.Errorf("%d rows remain with capacity 1", rows)
	}
	active, warming := p.Stats()
	if active+warming > 1 {
		t.Errorf("%d live sandboxes with capacity 1", active+warming)
	}
}

func TestPool_DestroyConcurrentWithColdMark(t *testing.T) {
	store := newFakeStore()
	launcher := &fakeLauncher{sendReady: true}
	p := newTestPool(t, store, launcher, 4, nil)

	sb, err := p.Create(context.Background(), CreateRequest{SessionID: "sess-1", AgentName: "coder", AgentDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.markCold(sb.ID, errors.New("process exited"))
	}()
	go func() {
		defer wg.Done()
		if err := p.Destroy(context.Background(), sb.ID); err != nil {
			t.Errorf("Destroy() error: %v", err)
		}
	}()
	wg.Wait()

	if _, ok := p.Get(sb.ID); ok {
		t.Error("sandbox still live after destroy")
	}
}
