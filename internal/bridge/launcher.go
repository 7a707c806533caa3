package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
)

var (
	// ErrAgentMissing indicates the agent directory does not exist on disk.
	ErrAgentMissing = errors.New("agent directory missing")

	// ErrCapacityExceeded indicates the host refused the process for
	// resource reasons.
	ErrCapacityExceeded = errors.New("resource capacity exceeded")

	// ErrLaunchFailed covers all other launch failures.
	ErrLaunchFailed = errors.New("bridge launch failed")
)

// Limits bounds a bridge process.
type Limits struct {
	MemoryMB  int
	CPUSec    int
	MaxPids   int
	MaxFileMB int
}

// LaunchSpec describes one bridge child to spawn.
type LaunchSpec struct {
	SandboxID     string
	AgentDir      string
	WorkspaceDir  string
	Env           map[string]string // strict allowlist, merged over the fixed base set
	Limits        Limits
	SystemPrompt  string
	MCPServers    json.RawMessage
	StartupScript string
}

// Handle is a live bridge child: a duplex byte stream plus liveness and kill.
type Handle interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Alive() bool
	Kill() error
	// Done is closed when the process exits, gracefully or not.
	Done() <-chan struct{}
}

// Launcher spawns bridge children in isolated workspaces.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Handle, error)
}

// ProcessLauncher launches the bridge as a direct child process speaking
// NDJSON over stdin/stdout. The workspace directory is the child's cwd and
// HOME.
type ProcessLauncher struct {
	// Command is the bridge argv; the first element is the binary.
	Command []string
}

// Launch spawns the bridge child. The launch spec (minus env) is written to
// a bridge.json file next to the workspace so the child can pick up agent
// directory, system prompt and MCP config without oversized env vars.
func (l *ProcessLauncher) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	if len(l.Command) == 0 {
		return nil, fmt.Errorf("%w: no bridge command configured", ErrLaunchFailed)
	}

	if info, err := os.Stat(spec.AgentDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrAgentMissing, spec.AgentDir)
	}
	if err := os.MkdirAll(spec.WorkspaceDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create workspace: %v", ErrLaunchFailed, err)
	}

	specPath := filepath.Join(filepath.Dir(spec.WorkspaceDir), "bridge.json")
	if err := writeSpecFile(specPath, spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	cmd := exec.Command(l.Command[0], l.Command[1:]...)
	cmd.Dir = spec.WorkspaceDir
	cmd.Env = buildEnv(spec)
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = sysProcAttr()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrLaunchFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrLaunchFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, classifyLaunchError(err)
	}

	applyLimits(cmd.Process.Pid, spec.Limits)

	h := &processHandle{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		done:   make(chan struct{}),
	}
	go func() {
		h.err = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

// fixedEnv is the small base set every bridge child gets.
func buildEnv(spec LaunchSpec) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + spec.WorkspaceDir,
		"LANG=C.UTF-8",
		"TMPDIR=" + os.TempDir(),
		"AGENTDECK_SANDBOX_ID=" + spec.SandboxID,
		"AGENTDECK_AGENT_DIR=" + spec.AgentDir,
		"AGENTDECK_BRIDGE_CONFIG=" + filepath.Join(filepath.Dir(spec.WorkspaceDir), "bridge.json"),
	}
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func writeSpecFile(path string, spec LaunchSpec) error {
	// Env is deliberately excluded; it flows through the process environment.
	payload := struct {
		SandboxID     string          `json:"sandboxId"`
		AgentDir      string          `json:"agentDir"`
		WorkspaceDir  string          `json:"workspaceDir"`
		SystemPrompt  string          `json:"systemPrompt,omitempty"`
		MCPServers    json.RawMessage `json:"mcpServers,omitempty"`
		StartupScript string          `json:"startupScript,omitempty"`
	}{spec.SandboxID, spec.AgentDir, spec.WorkspaceDir, spec.SystemPrompt, spec.MCPServers, spec.StartupScript}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode bridge spec: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write bridge spec: %w", err)
	}
	return nil
}

func classifyLaunchError(err error) error {
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EAGAIN, syscall.ENOMEM, syscall.EMFILE, syscall.ENFILE:
			return fmt.Errorf("%w: %v", ErrCapacityExceeded, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrLaunchFailed, err)
}

type processHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	done   chan struct{}

	killOnce sync.Once
	err      error
}

func (h *processHandle) Stdin() io.WriteCloser { return h.stdin }
func (h *processHandle) Stdout() io.Reader     { return h.stdout }

func (h *processHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *processHandle) Kill() error {
	var err error
	h.killOnce.Do(func() {
		if h.Alive() {
			err = h.cmd.Process.Kill()
		}
	})
	return err
}

func (h *processHandle) Done() <-chan struct{} { return h.done }
