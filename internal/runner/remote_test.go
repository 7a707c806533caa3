package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/internal/bridge"
	"github.com/agentdeck/agentdeck/internal/pool"
	"github.com/agentdeck/agentdeck/pkg/types"
)

func backendFor(t *testing.T, srv *httptest.Server) *RemoteBackend {
	t.Helper()
	b := NewRemoteBackend("r-test-1", "ignored", 0, "s3cret")
	b.baseURL = srv.URL
	return b
}

func TestRemoteBackend_CreateSandbox(t *testing.T) {
	var gotAuth string
	var gotReq types.CreateSandboxRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/runner/sandboxes" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(types.CreateSandboxResult{SandboxID: "sb-1", WorkspaceDir: "/data/sb-1/workspace"})
	}))
	defer srv.Close()

	b := backendFor(t, srv)
	result, err := b.CreateSandbox(context.Background(), types.CreateSandboxRequest{
		SessionID: "sess-1",
		AgentName: "support-bot",
	})
	if err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}
	if result.SandboxID != "sb-1" {
		t.Errorf("sandbox id = %q, want sb-1", result.SandboxID)
	}
	if gotAuth != "Bearer s3cret" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotReq.SessionID != "sess-1" || gotReq.AgentName != "support-bot" {
		t.Errorf("request body = %+v", gotReq)
	}
}

func TestRemoteBackend_ErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, pool.ErrSandboxNotFound},
		{http.StatusUnprocessableEntity, bridge.ErrAgentMissing},
		{http.StatusServiceUnavailable, pool.ErrCapacityExhausted},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			json.NewEncoder(w).Encode(map[string]string{"error": "boom"})
		}))

		b := backendFor(t, srv)
		_, err := b.CreateSandbox(context.Background(), types.CreateSandboxRequest{AgentName: "a"})
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: got %v, want %v", tt.status, err, tt.want)
		}
		srv.Close()
	}
}

func TestRemoteBackend_StreamParsesSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/runner/sandboxes/sb-1/cmd" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var cmd bridge.Command
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			t.Fatalf("decode command: %v", err)
		}
		if cmd.Cmd != bridge.CmdQuery || cmd.Prompt != "hello" {
			t.Errorf("command = %+v", cmd)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		writeFrame := func(ev bridge.Event) {
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
		writeFrame(bridge.Event{Type: bridge.EventMessage, Data: json.RawMessage(`{"role":"assistant"}`)})
		writeFrame(bridge.Event{Type: bridge.EventDone, SessionID: "sdk-abc"})
	}))
	defer srv.Close()

	b := backendFor(t, srv)
	stream, err := b.Stream(context.Background(), "sb-1", bridge.Query("hello", "", nil))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ev, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("first Next: %v", err)
	}
	if ev.Type != bridge.EventMessage || string(ev.Data) != `{"role":"assistant"}` {
		t.Errorf("first event = %+v", ev)
	}

	ev, err = stream.Next(ctx)
	if err != nil {
		t.Fatalf("second Next: %v", err)
	}
	if ev.Type != bridge.EventDone || ev.SessionID != "sdk-abc" {
		t.Errorf("terminal event = %+v", ev)
	}

	if _, err := stream.Next(ctx); err != io.EOF {
		t.Errorf("after terminal: got %v, want io.EOF", err)
	}
}

func TestRemoteBackend_StreamCancelClosesBody(t *testing.T) {
	frameSent := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message\ndata: {\"event\":\"message\"}\n\n")
		w.(http.Flusher).Flush()
		close(frameSent)
		// Hold the connection open; the client cancels.
		<-r.Context().Done()
	}))
	defer srv.Close()

	b := backendFor(t, srv)
	stream, err := b.Stream(context.Background(), "sb-1", bridge.Query("hi", "", nil))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	<-frameSent
	if _, err := stream.Next(context.Background()); err != nil {
		t.Fatalf("first Next: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := stream.Next(ctx); err != context.DeadlineExceeded {
		t.Errorf("cancelled Next: got %v, want context.DeadlineExceeded", err)
	}
}

func TestRemoteBackend_MarkAndAlive(t *testing.T) {
	var marks []types.SandboxState
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/runner/sandboxes/sb-1/mark":
			var req types.MarkSandboxRequest
			json.NewDecoder(r.Body).Decode(&req)
			marks = append(marks, req.State)
			w.WriteHeader(http.StatusNoContent)
		case "/runner/sandboxes/sb-1/alive":
			json.NewEncoder(w).Encode(map[string]bool{"alive": true})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	b := backendFor(t, srv)
	if err := b.MarkRunning(context.Background(), "sb-1"); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := b.MarkWaiting(context.Background(), "sb-1"); err != nil {
		t.Fatalf("MarkWaiting: %v", err)
	}
	if len(marks) != 2 || marks[0] != types.SandboxRunning || marks[1] != types.SandboxWaiting {
		t.Errorf("marks = %v", marks)
	}

	alive, err := b.SandboxAlive(context.Background(), "sb-1")
	if err != nil {
		t.Fatalf("SandboxAlive: %v", err)
	}
	if !alive {
		t.Error("expected alive")
	}
}
