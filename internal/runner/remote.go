package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentdeck/agentdeck/internal/bridge"
	"github.com/agentdeck/agentdeck/internal/pool"
	"github.com/agentdeck/agentdeck/pkg/types"
)

// RemoteBackend maps each backend call to a REST endpoint on a runner, and
// Stream to an SSE subscription. Event payloads pass through verbatim.
type RemoteBackend struct {
	runnerID string
	baseURL  string
	secret   string
	client   *http.Client
}

func NewRemoteBackend(runnerID, host string, port int, secret string) *RemoteBackend {
	return &RemoteBackend{
		runnerID: runnerID,
		baseURL:  fmt.Sprintf("http://%s:%d", host, port),
		secret:   secret,
		// No overall timeout: streams are long-lived. Per-call deadlines
		// come from the caller's context.
		client: &http.Client{},
	}
}

func (b *RemoteBackend) RunnerID() string { return b.runnerID }

func (b *RemoteBackend) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+b.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("runner %s unreachable: %w", b.runnerID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode runner response: %w", err)
		}
	}
	return nil
}

// decodeError maps runner HTTP errors back onto the typed errors the local
// path produces, so callers branch the same way either side of the wire.
func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	msg := body.Error
	if msg == "" {
		msg = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", pool.ErrSandboxNotFound, msg)
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", bridge.ErrAgentMissing, msg)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", pool.ErrCapacityExhausted, msg)
	default:
		return fmt.Errorf("runner error (%d): %s", resp.StatusCode, msg)
	}
}

func (b *RemoteBackend) CreateSandbox(ctx context.Context, req types.CreateSandboxRequest) (*types.CreateSandboxResult, error) {
	result := &types.CreateSandboxResult{}
	if err := b.do(ctx, http.MethodPost, "/runner/sandboxes", req, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (b *RemoteBackend) DestroySandbox(ctx context.Context, sandboxID string) error {
	return b.do(ctx, http.MethodDelete, "/runner/sandboxes/"+sandboxID, nil, nil)
}

func (b *RemoteBackend) Interrupt(ctx context.Context, sandboxID string) error {
	return b.do(ctx, http.MethodPost, "/runner/sandboxes/"+sandboxID+"/interrupt", nil, nil)
}

func (b *RemoteBackend) MarkRunning(ctx context.Context, sandboxID string) error {
	return b.do(ctx, http.MethodPost, "/runner/sandboxes/"+sandboxID+"/mark",
		types.MarkSandboxRequest{State: types.SandboxRunning}, nil)
}

func (b *RemoteBackend) MarkWaiting(ctx context.Context, sandboxID string) error {
	return b.do(ctx, http.MethodPost, "/runner/sandboxes/"+sandboxID+"/mark",
		types.MarkSandboxRequest{State: types.SandboxWaiting}, nil)
}

func (b *RemoteBackend) PersistState(ctx context.Context, sandboxID string, req types.PersistSandboxRequest) error {
	return b.do(ctx, http.MethodPost, "/runner/sandboxes/"+sandboxID+"/persist", req, nil)
}

func (b *RemoteBackend) SandboxAlive(ctx context.Context, sandboxID string) (bool, error) {
	var result struct {
		Alive bool `json:"alive"`
	}
	if err := b.do(ctx, http.MethodGet, "/runner/sandboxes/"+sandboxID+"/alive", nil, &result); err != nil {
		return false, err
	}
	return result.Alive, nil
}

// Stream opens the runner's SSE endpoint for one command. The connection
// lives until the terminal event or until ctx is cancelled.
func (b *RemoteBackend) Stream(ctx context.Context, sandboxID string, cmd bridge.Command) (EventStream, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.baseURL+"/runner/sandboxes/"+sandboxID+"/cmd", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+b.secret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("runner %s unreachable: %w", b.runnerID, err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	return &sseStream{
		body:    resp.Body,
		scanner: newSSEScanner(resp.Body),
	}, nil
}

// sseStream decodes inbound SSE frames back into bridge events. The data
// field holds the full event object as framed by the runner; payloads inside
// it are not re-parsed.
type sseStream struct {
	body     io.ReadCloser
	scanner  *bufio.Scanner
	finished bool
}

func newSSEScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), bridge.MaxLineBytes)
	return scanner
}

func (s *sseStream) Next(ctx context.Context) (bridge.Event, error) {
	if s.finished {
		return bridge.Event{}, io.EOF
	}

	type result struct {
		ev  bridge.Event
		err error
	}
	ch := make(chan result, 1)
	go func() {
		ev, err := s.readFrame()
		ch <- result{ev, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return bridge.Event{}, r.err
		}
		if r.ev.Terminal() {
			s.finished = true
		}
		return r.ev, nil
	case <-ctx.Done():
		s.body.Close()
		return bridge.Event{}, ctx.Err()
	}
}

func (s *sseStream) readFrame() (bridge.Event, error) {
	var data []string
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case line == "":
			if len(data) == 0 {
				continue // keepalive or comment-only frame
			}
			var ev bridge.Event
			if err := json.Unmarshal([]byte(strings.Join(data, "\n")), &ev); err != nil {
				return bridge.Event{}, fmt.Errorf("%w: malformed SSE frame: %v", bridge.ErrProtocol, err)
			}
			return ev, nil
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:/id:/comment lines carry no payload; the data field is
			// authoritative.
		}
	}
	if err := s.scanner.Err(); err != nil {
		return bridge.Event{}, err
	}
	return bridge.Event{}, io.EOF
}

// Close abandons the stream. Closing the connection tells the runner to
// interrupt the turn and park the sandbox.
func (s *sseStream) Close() error {
	s.finished = true
	return s.body.Close()
}

// Healthy pings the runner's health endpoint.
func (b *RemoteBackend) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := b.do(ctx, http.MethodGet, "/health", nil, nil)
	return err == nil
}
