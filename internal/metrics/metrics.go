package metrics

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Runner metrics
var (
	SandboxesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentdeck_sandboxes_active",
			Help: "Number of live sandboxes on this runner",
		},
	)

	SandboxCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentdeck_sandbox_create_duration_seconds",
			Help:    "Time to create a sandbox, including bridge handshake",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
	)

	EvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentdeck_sandbox_evictions_total",
			Help: "Total sandbox evictions",
		},
	)

	TurnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentdeck_turn_duration_seconds",
			Help:    "Time for one query turn against the bridge",
			Buckets: []float64{0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0},
		},
	)

	BridgeProtocolErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentdeck_bridge_protocol_errors_total",
			Help: "Total fatal bridge protocol errors",
		},
	)
)

// Coordinator metrics
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdeck_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdeck_sessions_total",
			Help: "Total session creations",
		},
		[]string{"agent", "status"},
	)

	SSEFramesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentdeck_sse_frames_total",
			Help: "Total SSE frames written to clients",
		},
	)

	SSEWriteTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentdeck_sse_write_timeouts_total",
			Help: "Total SSE streams closed due to client write timeout",
		},
	)

	RunnersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentdeck_runners_active",
			Help: "Number of registered runners",
		},
	)

	DeadRunnersRecoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentdeck_dead_runners_recovered_total",
			Help: "Total dead runners recovered by the liveness sweep",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SandboxesActive,
		SandboxCreateDuration,
		EvictionsTotal,
		TurnDuration,
		BridgeProtocolErrorsTotal,
		HTTPRequestsTotal,
		SessionsTotal,
		SSEFramesTotal,
		SSEWriteTimeoutsTotal,
		RunnersActive,
		DeadRunnersRecoveredTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware returns Echo middleware that instruments HTTP requests.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()
			return err
		}
	}
}
