package types

import "encoding/json"

// Stream event kinds emitted on SSE message streams.
const (
	EventMessage    = "message"
	EventError      = "error"
	EventDone       = "done"
	EventExecResult = "exec_result"
)

// StreamEvent is one SSE frame of a message stream. Data carries the SDK
// message payload verbatim.
type StreamEvent struct {
	Type      string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	ExitCode  int             `json:"exitCode,omitempty"`
	Stdout    string          `json:"stdout,omitempty"`
	Stderr    string          `json:"stderr,omitempty"`
}

// Terminal reports whether this event ends the stream.
func (e StreamEvent) Terminal() bool {
	switch e.Type {
	case EventError, EventDone, EventExecResult:
		return true
	}
	return false
}
