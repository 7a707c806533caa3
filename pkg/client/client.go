package client

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

	"github.com/agentdeck/agentdeck/pkg/types"
)

// Client is an HTTP client for the agentdeck API.
type Client struct {
	baseURL    string
	apiKey     string
	tenantID   string
	httpClient *http.Client
	// streamClient has no overall timeout; message streams run for the
	// length of a turn.
	streamClient *http.Client
}

// NewClient creates a new agentdeck API client. tenantID may be empty for
// single-tenant deployments.
func NewClient(baseURL, apiKey, tenantID string) *Client {
	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		apiKey:   apiKey,
		tenantID: tenantID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		streamClient: &http.Client{},
	}
}

// doRequest performs an HTTP request with API key authentication.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	if c.tenantID != "" {
		req.Header.Set("X-Tenant-ID", c.tenantID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	return resp, nil
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
}

// CreateSession creates a new session for the named agent.
func (c *Client) CreateSession(ctx context.Context, req types.CreateSessionRequest) (*types.Session, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/api/sessions", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, apiError(resp)
	}

	var session types.Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &session, nil
}

// GetSession gets a session by ID.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/api/sessions/%s", sessionID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var session types.Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &session, nil
}

// ListSessions lists sessions, optionally filtered by status.
func (c *Client) ListSessions(ctx context.Context, status string) ([]types.Session, error) {
	path := "/api/sessions"
	if status != "" {
		path += "?status=" + status
	}
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var sessions []types.Session
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return sessions, nil
}

// MessageStream iterates the SSE frames of one conversation turn. Callers
// must drain it to the terminal event or Close it.
type MessageStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

// Next returns the next event. io.EOF follows the terminal event.
func (s *MessageStream) Next() (types.StreamEvent, error) {
	if s.done {
		return types.StreamEvent{}, io.EOF
	}

	var data []string
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case line == "":
			if len(data) == 0 {
				continue
			}
			var ev types.StreamEvent
			if err := json.Unmarshal([]byte(strings.Join(data, "\n")), &ev); err != nil {
				return types.StreamEvent{}, fmt.Errorf("malformed event frame: %w", err)
			}
			if ev.Terminal() {
				s.done = true
			}
			return ev, nil
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := s.scanner.Err(); err != nil {
		return types.StreamEvent{}, err
	}
	s.done = true
	return types.StreamEvent{}, io.EOF
}

// Close abandons the stream; the server interrupts the turn.
func (s *MessageStream) Close() error {
	s.done = true
	return s.body.Close()
}

// SendMessage runs one conversation turn and returns the event stream.
func (c *Client) SendMessage(ctx context.Context, sessionID string, req types.MessageRequest) (*MessageStream, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/sessions/%s/messages", c.baseURL, sessionID), bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.tenantID != "" {
		httpReq.Header.Set("X-Tenant-ID", c.tenantID)
	}

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &MessageStream{body: resp.Body, scanner: scanner}, nil
}

// PauseSession pauses a session; its workspace is snapshotted.
func (c *Client) PauseSession(ctx context.Context, sessionID string) (*types.Session, error) {
	return c.sessionAction(ctx, sessionID, "pause")
}

// ResumeSession resumes a paused, stopped, or errored session.
func (c *Client) ResumeSession(ctx context.Context, sessionID string) (*types.Session, error) {
	return c.sessionAction(ctx, sessionID, "resume")
}

// StopSession interrupts the current turn and stops the session.
func (c *Client) StopSession(ctx context.Context, sessionID string) (*types.Session, error) {
	return c.sessionAction(ctx, sessionID, "stop")
}

// ForkSession branches a new session off the current workspace and
// conversation state.
func (c *Client) ForkSession(ctx context.Context, sessionID string) (*types.Session, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/api/sessions/%s/fork", sessionID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, apiError(resp)
	}

	var session types.Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &session, nil
}

func (c *Client) sessionAction(ctx context.Context, sessionID, action string) (*types.Session, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/api/sessions/%s/%s", sessionID, action), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var session types.Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &session, nil
}

// EndSession ends a session and destroys its sandbox.
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, fmt.Sprintf("/api/sessions/%s", sessionID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return apiError(resp)
	}
	return nil
}

// Exec runs a shell command inside the session's sandbox.
func (c *Client) Exec(ctx context.Context, sessionID string, req types.ExecRequest) (*types.ExecResult, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/api/sessions/%s/exec", sessionID), req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var result types.ExecResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

// DeployAgent registers an agent folder with the platform. Path must be
// reachable by the coordinator.
func (c *Client) DeployAgent(ctx context.Context, req types.DeployAgentRequest) (*types.Agent, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/api/agents", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, apiError(resp)
	}

	var agent types.Agent
	if err := json.NewDecoder(resp.Body).Decode(&agent); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &agent, nil
}

// ListAgents lists deployed agents.
func (c *Client) ListAgents(ctx context.Context) ([]types.Agent, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/agents", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var agents []types.Agent
	if err := json.NewDecoder(resp.Body).Decode(&agents); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return agents, nil
}

// RemoveAgent deletes a deployed agent.
func (c *Client) RemoveAgent(ctx context.Context, name string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, fmt.Sprintf("/api/agents/%s", name), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return apiError(resp)
	}
	return nil
}

// ListRunners lists registered runners.
func (c *Client) ListRunners(ctx context.Context) ([]types.Runner, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/runners", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var runners []types.Runner
	if err := json.NewDecoder(resp.Body).Decode(&runners); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return runners, nil
}
