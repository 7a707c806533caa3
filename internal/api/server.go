package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/agentdeck/agentdeck/internal/agents"
	"github.com/agentdeck/agentdeck/internal/auth"
	"github.com/agentdeck/agentdeck/internal/bridge"
	"github.com/agentdeck/agentdeck/internal/coordinator"
	"github.com/agentdeck/agentdeck/internal/metrics"
	"github.com/agentdeck/agentdeck/internal/pool"
	"github.com/agentdeck/agentdeck/internal/runner"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/pkg/types"
)

// MessageStore serves the persisted message history of a session. Nil
// disables the history endpoint (no sync consumer running).
type MessageStore interface {
	ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]store.Message, error)
}

// Options configures the public API server.
type Options struct {
	APIKey          string
	InternalSecret  string
	SSEWriteTimeout time.Duration
}

// Server is the coordinator's public HTTP surface: session lifecycle, agent
// deployment, and the internal runner control-plane endpoints.
type Server struct {
	echo     *echo.Echo
	sessions *session.Manager
	agents   *agents.Registry
	coord    *coordinator.Coordinator
	messages MessageStore
	opts     Options
}

func NewServer(sessions *session.Manager, registry *agents.Registry, coord *coordinator.Coordinator, messages MessageStore, opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		sessions: sessions,
		agents:   registry,
		coord:    coord,
		messages: messages,
		opts:     opts,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
	e.Use(metrics.EchoMiddleware())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	api := e.Group("/api")
	api.Use(auth.APIKeyMiddleware(opts.APIKey))

	api.POST("/sessions", s.createSession)
	api.GET("/sessions", s.listSessions)
	api.GET("/sessions/:id", s.getSession)
	api.POST("/sessions/:id/messages", s.sendMessage)
	api.GET("/sessions/:id/messages", s.listMessages)
	api.POST("/sessions/:id/pause", s.pauseSession)
	api.POST("/sessions/:id/resume", s.resumeSession)
	api.POST("/sessions/:id/stop", s.stopSession)
	api.POST("/sessions/:id/fork", s.forkSession)
	api.POST("/sessions/:id/exec", s.execSession)
	api.DELETE("/sessions/:id", s.endSession)

	api.POST("/agents", s.deployAgent)
	api.GET("/agents", s.listAgents)
	api.DELETE("/agents/:name", s.removeAgent)

	api.GET("/runners", s.listRunners)

	internal := e.Group("/api/internal")
	internal.Use(auth.InternalSecretMiddleware(opts.InternalSecret))
	internal.POST("/runners/register", s.registerRunner)
	internal.POST("/runners/heartbeat", s.heartbeatRunner)
	internal.POST("/runners/deregister", s.deregisterRunner)

	return s
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// tenantID resolves the caller's tenant. Single-tenant deployments omit the
// header and share the default tenant.
func tenantID(c echo.Context) string {
	if t := c.Request().Header.Get("X-Tenant-ID"); t != "" {
		return t
	}
	return "default"
}

func (s *Server) createSession(c echo.Context) error {
	var req types.CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err)
	}
	if req.Agent == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "agent is required"})
	}

	sess, err := s.sessions.Create(c.Request().Context(), tenantID(c), req)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, sess)
}

func (s *Server) getSession(c echo.Context) error {
	sess, err := s.sessions.Get(c.Request().Context(), tenantID(c), c.Param("id"))
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) listSessions(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	sessions, err := s.sessions.List(c.Request().Context(), tenantID(c), c.QueryParam("status"), limit, offset)
	if err != nil {
		return s.errorResponse(c, err)
	}
	if sessions == nil {
		sessions = []types.Session{}
	}
	return c.JSON(http.StatusOK, sessions)
}

// sendMessage runs one turn and streams the bridge events to the client as
// SSE. Slow or vanished clients trip the per-frame write deadline; the turn
// is interrupted rather than left blocking the sandbox.
func (s *Server) sendMessage(c echo.Context) error {
	var req types.MessageRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err)
	}
	if req.Content == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "content is required"})
	}

	ctx := c.Request().Context()
	stream, err := s.sessions.SendMessage(ctx, tenantID(c), c.Param("id"), req)
	if err != nil {
		return s.errorResponse(c, err)
	}
	defer stream.Close()

	sw := runner.NewSSEWriter(c.Response(), s.opts.SSEWriteTimeout)
	if err := runner.PumpEvents(ctx, sw, stream); err != nil {
		log.Printf("api: message stream for session %s aborted: %v", c.Param("id"), err)
		// Closing the stream interrupts the turn and parks the sandbox. The
		// final frame is best effort; the socket is likely gone.
		_ = sw.WriteEvent(bridge.Event{Type: bridge.EventError, Error: "stream aborted"})
	}
	return nil
}

func (s *Server) listMessages(c echo.Context) error {
	if s.messages == nil {
		return c.JSON(http.StatusNotImplemented, map[string]string{"error": "message history is not enabled"})
	}
	// Tenant check before touching history.
	if _, err := s.sessions.Get(c.Request().Context(), tenantID(c), c.Param("id")); err != nil {
		return s.errorResponse(c, err)
	}

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	msgs, err := s.messages.ListMessages(c.Request().Context(), c.Param("id"), limit, offset)
	if err != nil {
		return s.errorResponse(c, err)
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return c.JSON(http.StatusOK, msgs)
}

func (s *Server) pauseSession(c echo.Context) error {
	sess, err := s.sessions.Pause(c.Request().Context(), tenantID(c), c.Param("id"))
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) resumeSession(c echo.Context) error {
	sess, err := s.sessions.Resume(c.Request().Context(), tenantID(c), c.Param("id"))
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) stopSession(c echo.Context) error {
	sess, err := s.sessions.Stop(c.Request().Context(), tenantID(c), c.Param("id"))
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) forkSession(c echo.Context) error {
	child, err := s.sessions.Fork(c.Request().Context(), tenantID(c), c.Param("id"))
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, child)
}

func (s *Server) endSession(c echo.Context) error {
	if err := s.sessions.End(c.Request().Context(), tenantID(c), c.Param("id")); err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": string(types.SessionEnded)})
}

func (s *Server) execSession(c echo.Context) error {
	var req types.ExecRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err)
	}
	if req.Command == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "command is required"})
	}

	result, err := s.sessions.Exec(c.Request().Context(), tenantID(c), c.Param("id"), req)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) deployAgent(c echo.Context) error {
	var req types.DeployAgentRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err)
	}
	agent, err := s.agents.Deploy(c.Request().Context(), tenantID(c), req.Name, req.Path)
	if err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, agent)
}

func (s *Server) listAgents(c echo.Context) error {
	list, err := s.agents.List(c.Request().Context(), tenantID(c))
	if err != nil {
		return s.errorResponse(c, err)
	}
	if list == nil {
		list = []types.Agent{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) removeAgent(c echo.Context) error {
	if err := s.agents.Remove(c.Request().Context(), tenantID(c), c.Param("name")); err != nil {
		return s.errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listRunners(c echo.Context) error {
	runners, err := s.coord.ListRunners(c.Request().Context())
	if err != nil {
		return s.errorResponse(c, err)
	}
	if runners == nil {
		runners = []types.Runner{}
	}
	return c.JSON(http.StatusOK, runners)
}

func (s *Server) registerRunner(c echo.Context) error {
	var req types.RegisterRunnerRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err)
	}
	r, err := s.coord.Register(c.Request().Context(), req)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) heartbeatRunner(c echo.Context) error {
	var req types.HeartbeatRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err)
	}
	if err := s.coord.Heartbeat(c.Request().Context(), req); err != nil {
		// Unknown runner: tell it to re-register.
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) deregisterRunner(c echo.Context) error {
	var req types.DeregisterRunnerRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err)
	}
	if err := s.coord.Deregister(c.Request().Context(), req.ID); err != nil {
		return s.errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func badRequest(c echo.Context, err error) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
}

// errorResponse maps the typed error taxonomy onto HTTP statuses.
func (s *Server) errorResponse(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, pool.ErrSandboxNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrSessionNotActive), errors.Is(err, session.ErrSessionNotResumable):
		status = http.StatusConflict
	case errors.Is(err, session.ErrAgentNotFound), errors.Is(err, bridge.ErrAgentMissing):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, agents.ErrInvalidName):
		status = http.StatusBadRequest
	case errors.Is(err, coordinator.ErrNoCapacity),
		errors.Is(err, pool.ErrCapacityExhausted),
		errors.Is(err, pool.ErrShuttingDown),
		errors.Is(err, bridge.ErrCapacityExceeded):
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
