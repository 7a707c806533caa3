package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/agentdeck/agentdeck/internal/bridge"
	"github.com/agentdeck/agentdeck/internal/metrics"
)

// ErrClientWriteTimeout indicates the SSE client stopped draining and the
// per-frame write deadline expired.
var ErrClientWriteTimeout = errors.New("client write timeout")

// SSEWriter frames bridge events as server-sent events with per-frame write
// deadlines. A client that stops reading trips the deadline instead of
// blocking the turn forever.
type SSEWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	timeout time.Duration
}

// NewSSEWriter sends the SSE response headers and returns the writer.
func NewSSEWriter(w http.ResponseWriter, timeout time.Duration) *SSEWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	sw := &SSEWriter{w: w, rc: http.NewResponseController(w), timeout: timeout}
	sw.rc.Flush()
	return sw
}

// WriteEvent frames one event as "event: <kind>\ndata: <json>\n\n". The
// event object is written whole; downstream consumers re-emit it verbatim.
func (sw *SSEWriter) WriteEvent(ev bridge.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	if err := sw.rc.SetWriteDeadline(time.Now().Add(sw.timeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return sw.classify(err)
	}
	if err := sw.rc.Flush(); err != nil {
		return sw.classify(err)
	}
	// Clear the deadline between frames; idle turns are allowed to think.
	_ = sw.rc.SetWriteDeadline(time.Time{})

	metrics.SSEFramesTotal.Inc()
	return nil
}

func (sw *SSEWriter) classify(err error) error {
	if os.IsTimeout(err) {
		metrics.SSEWriteTimeoutsTotal.Inc()
		return fmt.Errorf("%w: %v", ErrClientWriteTimeout, err)
	}
	return err
}

// PumpEvents copies events from the stream to the SSE writer until the
// terminal event. On a write timeout or client disconnect it returns the
// cause; the caller interrupts the sandbox and parks it.
func PumpEvents(ctx context.Context, sw *SSEWriter, stream EventStream) error {
	for {
		ev, err := stream.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := sw.WriteEvent(ev); err != nil {
			return err
		}
	}
}
