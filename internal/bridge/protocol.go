package bridge

import "encoding/json"

// Command kinds written to the bridge, one JSON object per line.
const (
	CmdQuery     = "query"
	CmdResume    = "resume"
	CmdInterrupt = "interrupt"
	CmdExec      = "exec"
	CmdShutdown  = "shutdown"
)

// Event kinds read from the bridge, one JSON object per line.
const (
	EventReady      = "ready"
	EventMessage    = "message"
	EventError      = "error"
	EventDone       = "done"
	EventExecResult = "exec_result"
)

// Command is one outbound line. The zero fields of unused variants are
// omitted from the wire encoding.
type Command struct {
	Cmd             string          `json:"cmd"`
	Prompt          string          `json:"prompt,omitempty"`
	SessionResumeID string          `json:"sessionResumeId,omitempty"`
	Options         json.RawMessage `json:"options,omitempty"`

	// exec
	Shell     string `json:"command,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

// Query builds a query command for one conversation turn.
func Query(prompt, sessionResumeID string, options json.RawMessage) Command {
	return Command{Cmd: CmdQuery, Prompt: prompt, SessionResumeID: sessionResumeID, Options: options}
}

// Resume builds a resume command that reattaches to a prior SDK session
// without prompting.
func Resume(sessionResumeID string) Command {
	return Command{Cmd: CmdResume, SessionResumeID: sessionResumeID}
}

// Exec builds a shell exec command, independent of any query.
func Exec(command string, timeoutMs int) Command {
	return Command{Cmd: CmdExec, Shell: command, TimeoutMs: timeoutMs}
}

// Event is one inbound line. Data carries the SDK message payload verbatim;
// the orchestrator never parses or rewrites it.
type Event struct {
	Type      string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	ExitCode  int             `json:"exitCode,omitempty"`
	Stdout    string          `json:"stdout,omitempty"`
	Stderr    string          `json:"stderr,omitempty"`
}

// Terminal reports whether this event ends the current command.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventError, EventDone, EventExecResult:
		return true
	}
	return false
}
