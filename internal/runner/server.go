package runner

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/agentdeck/agentdeck/internal/auth"
	"github.com/agentdeck/agentdeck/internal/bridge"
	"github.com/agentdeck/agentdeck/internal/metrics"
	"github.com/agentdeck/agentdeck/internal/pool"
	"github.com/agentdeck/agentdeck/pkg/types"
)

// Server exposes a runner's local backend to the coordinator over REST+SSE.
type Server struct {
	echo            *echo.Echo
	backend         *LocalBackend
	sseWriteTimeout time.Duration
}

// NewServer creates the runner control server. internalSecret guards every
// sandbox endpoint; health and metrics stay open.
func NewServer(backend *LocalBackend, internalSecret string, sseWriteTimeout time.Duration) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, backend: backend, sseWriteTimeout: sseWriteTimeout}

	e.Use(middleware.Recover())
	e.Use(metrics.EchoMiddleware())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	internal := e.Group("/runner")
	internal.Use(auth.InternalSecretMiddleware(internalSecret))

	internal.POST("/sandboxes", s.createSandbox)
	internal.DELETE("/sandboxes/:id", s.destroySandbox)
	internal.POST("/sandboxes/:id/cmd", s.streamCommand)
	internal.POST("/sandboxes/:id/interrupt", s.interrupt)
	internal.POST("/sandboxes/:id/mark", s.markSandbox)
	internal.POST("/sandboxes/:id/persist", s.persistSandbox)
	internal.GET("/sandboxes/:id/alive", s.sandboxAlive)

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

func (s *Server) createSandbox(c echo.Context) error {
	var req types.CreateSandboxRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}

	result, err := s.backend.CreateSandbox(c.Request().Context(), req)
	if err != nil {
		return c.JSON(sandboxErrorStatus(err), map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusCreated, result)
}

func (s *Server) destroySandbox(c echo.Context) error {
	if err := s.backend.DestroySandbox(c.Request().Context(), c.Param("id")); err != nil {
		return c.JSON(sandboxErrorStatus(err), map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

// streamCommand runs one query/exec and streams its events as SSE. A write
// timeout or client disconnect interrupts the turn and parks the sandbox in
// waiting.
func (s *Server) streamCommand(c echo.Context) error {
	sandboxID := c.Param("id")

	var cmd bridge.Command
	if err := c.Bind(&cmd); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid command: " + err.Error(),
		})
	}

	ctx := c.Request().Context()
	stream, err := s.backend.Stream(ctx, sandboxID, cmd)
	if err != nil {
		return c.JSON(sandboxErrorStatus(err), map[string]string{"error": err.Error()})
	}
	defer stream.Close()

	sw := NewSSEWriter(c.Response(), s.sseWriteTimeout)
	if err := PumpEvents(ctx, sw, stream); err != nil {
		s.abortTurn(sandboxID, err)
		// Final error frame is best effort; the socket may already be gone.
		_ = sw.WriteEvent(bridge.Event{Type: bridge.EventError, Error: "client_write_timeout"})
		return nil
	}
	return nil
}

// abortTurn interrupts the in-flight command and returns the sandbox to
// waiting after the consumer went away.
func (s *Server) abortTurn(sandboxID string, cause error) {
	log.Printf("runner: aborting turn for sandbox %s: %v", sandboxID, cause)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.backend.Interrupt(ctx, sandboxID); err != nil {
		log.Printf("runner: interrupt failed for sandbox %s: %v", sandboxID, err)
	}
	if err := s.backend.MarkWaiting(ctx, sandboxID); err != nil {
		log.Printf("runner: mark waiting failed for sandbox %s: %v", sandboxID, err)
	}
}

func (s *Server) interrupt(c echo.Context) error {
	if err := s.backend.Interrupt(c.Request().Context(), c.Param("id")); err != nil {
		return c.JSON(sandboxErrorStatus(err), map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) markSandbox(c echo.Context) error {
	var req types.MarkSandboxRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}

	var err error
	switch req.State {
	case types.SandboxRunning:
		err = s.backend.MarkRunning(c.Request().Context(), c.Param("id"))
	case types.SandboxWaiting:
		err = s.backend.MarkWaiting(c.Request().Context(), c.Param("id"))
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "state must be running or waiting",
		})
	}
	if err != nil {
		return c.JSON(sandboxErrorStatus(err), map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) persistSandbox(c echo.Context) error {
	var req types.PersistSandboxRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}
	if err := s.backend.PersistState(c.Request().Context(), c.Param("id"), req); err != nil {
		return c.JSON(sandboxErrorStatus(err), map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) sandboxAlive(c echo.Context) error {
	alive, err := s.backend.SandboxAlive(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]bool{"alive": alive})
}

// sandboxErrorStatus maps typed sandbox errors onto HTTP statuses. The
// remote backend reverses this mapping on the coordinator side.
func sandboxErrorStatus(err error) int {
	switch {
	case errors.Is(err, pool.ErrSandboxNotFound):
		return http.StatusNotFound
	case errors.Is(err, bridge.ErrAgentMissing):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pool.ErrCapacityExhausted), errors.Is(err, pool.ErrShuttingDown), errors.Is(err, bridge.ErrCapacityExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
