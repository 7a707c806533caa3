package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/agentdeck/agentdeck/internal/pool"
	"github.com/agentdeck/agentdeck/pkg/types"
)

// errUnknownRunner means the coordinator no longer holds our registration row
// (the liveness sweep reclaimed it during a partition).
var errUnknownRunner = errors.New("runner not registered with coordinator")

// Heartbeater registers a runner with the coordinator and keeps its liveness
// row fresh. If heartbeats stop, the coordinator's sweep reclaims the
// runner's sessions.
type Heartbeater struct {
	coordinatorURL string
	secret         string
	interval       time.Duration
	runner         types.RegisterRunnerRequest
	pool           *pool.Pool
	client         *http.Client
	stop           chan struct{}
	done           chan struct{}
}

func NewHeartbeater(coordinatorURL, secret string, interval time.Duration, runner types.RegisterRunnerRequest, p *pool.Pool) *Heartbeater {
	return &Heartbeater{
		coordinatorURL: coordinatorURL,
		secret:         secret,
		interval:       interval,
		runner:         runner,
		pool:           p,
		client:         &http.Client{Timeout: 10 * time.Second},
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Register announces the runner to the coordinator, retrying with backoff.
// A runner that cannot register refuses to start; it would host sandboxes
// nothing can route to.
func (h *Heartbeater) Register(ctx context.Context) error {
	backoff := time.Second
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
		if lastErr = h.post(ctx, "/api/internal/runners/register", h.runner); lastErr == nil {
			log.Printf("runner: registered %s with coordinator", h.runner.ID)
			return nil
		}
		log.Printf("runner: register attempt %d failed: %v", attempt+1, lastErr)
	}
	return fmt.Errorf("failed to register runner %s: %w", h.runner.ID, lastErr)
}

// Start launches the heartbeat loop.
func (h *Heartbeater) Start() {
	go h.run()
}

func (h *Heartbeater) run() {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.beat()
		case <-h.stop:
			return
		}
	}
}

func (h *Heartbeater) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), h.interval)
	defer cancel()

	active, warming := h.pool.Stats()
	err := h.post(ctx, "/api/internal/runners/heartbeat", types.HeartbeatRequest{
		ID:           h.runner.ID,
		ActiveCount:  active,
		WarmingCount: warming,
	})
	if err != nil {
		if errors.Is(err, errUnknownRunner) {
			// The coordinator dropped our row; replay the registration so
			// placement can route here again. The next beat retries on failure.
			log.Printf("runner: registration lost, re-registering %s", h.runner.ID)
			if err := h.post(ctx, "/api/internal/runners/register", h.runner); err != nil {
				log.Printf("runner: re-register failed: %v", err)
			}
			return
		}
		// Transient failures are expected; the coordinator only acts after
		// the liveness timeout.
		log.Printf("runner: heartbeat failed: %v", err)
	}
}

// Stop halts heartbeats and deregisters from the coordinator so its sessions
// pause immediately rather than after the liveness timeout.
func (h *Heartbeater) Stop(ctx context.Context) {
	close(h.stop)
	<-h.done

	if err := h.post(ctx, "/api/internal/runners/deregister", types.DeregisterRunnerRequest{ID: h.runner.ID}); err != nil {
		log.Printf("runner: deregister failed: %v", err)
	}
}

func (h *Heartbeater) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.coordinatorURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.secret)

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w (%s for %s)", errUnknownRunner, resp.Status, path)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("coordinator returned %s for %s", resp.Status, path)
	}
	return nil
}
