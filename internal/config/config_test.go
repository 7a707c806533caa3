package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.MaxSandboxes != 20 {
		t.Errorf("expected default max sandboxes 20, got %d", cfg.MaxSandboxes)
	}
	if cfg.BridgeHandshakeTimeout != 5*time.Second {
		t.Errorf("expected default handshake timeout 5s, got %v", cfg.BridgeHandshakeTimeout)
	}
	if cfg.IdleTimeout != 30*time.Minute {
		t.Errorf("expected default idle timeout 30m, got %v", cfg.IdleTimeout)
	}
	if len(cfg.BridgeCommand) == 0 {
		t.Error("expected non-empty default bridge command")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AGENTDECK_PORT", "9999")
	t.Setenv("AGENTDECK_MAX_SANDBOXES", "3")
	t.Setenv("AGENTDECK_IDLE_TIMEOUT", "90s")
	t.Setenv("AGENTDECK_BRIDGE_COMMAND", "node /opt/bridge/index.js")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Port)
	}
	if cfg.MaxSandboxes != 3 {
		t.Errorf("expected max sandboxes 3, got %d", cfg.MaxSandboxes)
	}
	if cfg.IdleTimeout != 90*time.Second {
		t.Errorf("expected idle timeout 90s, got %v", cfg.IdleTimeout)
	}
	if len(cfg.BridgeCommand) != 2 || cfg.BridgeCommand[0] != "node" {
		t.Errorf("unexpected bridge command: %v", cfg.BridgeCommand)
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("AGENTDECK_PORT", "not-a-port")
	if _, err := Load(); err == nil {
		t.Error("expected error for invalid port")
	}
}
