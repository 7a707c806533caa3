package runner

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/internal/pool"
	"github.com/agentdeck/agentdeck/pkg/types"
)

type coordinatorStub struct {
	mu              sync.Mutex
	paths           []string
	heartbeatStatus int
}

func (c *coordinatorStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		c.paths = append(c.paths, r.URL.Path)
		status := c.heartbeatStatus
		c.mu.Unlock()

		switch r.URL.Path {
		case "/api/internal/runners/heartbeat":
			w.WriteHeader(status)
		case "/api/internal/runners/register":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func (c *coordinatorStub) seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.paths...)
}

func newTestHeartbeater(t *testing.T, url string) *Heartbeater {
	t.Helper()
	return NewHeartbeater(url, "s3cret", time.Second, types.RegisterRunnerRequest{
		ID: "r-1", Host: "10.0.0.5", Port: 9090, MaxSandboxes: 4,
	}, pool.New(nil, nil, pool.Options{}))
}

func TestHeartbeater_ReregistersAfterUnknownRunner(t *testing.T) {
	stub := &coordinatorStub{heartbeatStatus: http.StatusNotFound}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	h := newTestHeartbeater(t, srv.URL)
	h.beat()

	paths := stub.seen()
	if len(paths) != 2 || paths[0] != "/api/internal/runners/heartbeat" || paths[1] != "/api/internal/runners/register" {
		t.Fatalf("paths = %v, want heartbeat then register", paths)
	}
}

func TestHeartbeater_TransientFailureDoesNotReregister(t *testing.T) {
	stub := &coordinatorStub{heartbeatStatus: http.StatusInternalServerError}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	h := newTestHeartbeater(t, srv.URL)
	h.beat()

	paths := stub.seen()
	if len(paths) != 1 || paths[0] != "/api/internal/runners/heartbeat" {
		t.Fatalf("paths = %v, want a single heartbeat", paths)
	}
}
