package agents

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/pkg/types"
)

type fakeStore struct {
	agents map[string]*types.Agent
}

func newFakeStore() *fakeStore {
	return &fakeStore{agents: make(map[string]*types.Agent)}
}

func (f *fakeStore) key(tenantID, name string) string { return tenantID + "/" + name }

func (f *fakeStore) UpsertAgent(_ context.Context, tenantID, name, path string) (*types.Agent, error) {
	k := f.key(tenantID, name)
	if a, ok := f.agents[k]; ok {
		a.Path = path
		a.Version++
		a.UpdatedAt = time.Now()
		return a, nil
	}
	a := &types.Agent{TenantID: tenantID, Name: name, Path: path, Version: 1, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	f.agents[k] = a
	return a, nil
}

func (f *fakeStore) GetAgent(_ context.Context, tenantID, name string) (*types.Agent, error) {
	a, ok := f.agents[f.key(tenantID, name)]
	if !ok {
		return nil, fmt.Errorf("agent %q not found", name)
	}
	return a, nil
}

func (f *fakeStore) ListAgents(_ context.Context, tenantID string) ([]types.Agent, error) {
	var out []types.Agent
	for _, a := range f.agents {
		if a.TenantID == tenantID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteAgent(_ context.Context, tenantID, name string) error {
	k := f.key(tenantID, name)
	if _, ok := f.agents[k]; !ok {
		return fmt.Errorf("agent %q not found", name)
	}
	delete(f.agents, k)
	return nil
}

func writeAgentSource(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestRegistry_DeployCopiesFolder(t *testing.T) {
	store := newFakeStore()
	r := NewRegistry(store, t.TempDir())

	src := writeAgentSource(t, map[string]string{
		"system-prompt.md":  "You are a support bot.",
		"tools/config.json": `{"allowed":["bash"]}`,
	})

	agent, err := r.Deploy(context.Background(), "acme", "support-bot", src)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if agent.Version != 1 {
		t.Errorf("version = %d, want 1", agent.Version)
	}

	data, err := os.ReadFile(filepath.Join(agent.Path, "system-prompt.md"))
	if err != nil {
		t.Fatalf("read deployed prompt: %v", err)
	}
	if string(data) != "You are a support bot." {
		t.Errorf("deployed prompt = %q", data)
	}
	if _, err := os.Stat(filepath.Join(agent.Path, "tools", "config.json")); err != nil {
		t.Errorf("nested file missing: %v", err)
	}
}

func TestRegistry_RedeployBumpsVersionAndReplaces(t *testing.T) {
	store := newFakeStore()
	r := NewRegistry(store, t.TempDir())

	v1 := writeAgentSource(t, map[string]string{"system-prompt.md": "v1", "old.txt": "stale"})
	v2 := writeAgentSource(t, map[string]string{"system-prompt.md": "v2"})

	if _, err := r.Deploy(context.Background(), "acme", "bot", v1); err != nil {
		t.Fatalf("first Deploy: %v", err)
	}
	agent, err := r.Deploy(context.Background(), "acme", "bot", v2)
	if err != nil {
		t.Fatalf("second Deploy: %v", err)
	}
	if agent.Version != 2 {
		t.Errorf("version = %d, want 2", agent.Version)
	}

	data, _ := os.ReadFile(filepath.Join(agent.Path, "system-prompt.md"))
	if string(data) != "v2" {
		t.Errorf("prompt = %q, want v2", data)
	}
	if _, err := os.Stat(filepath.Join(agent.Path, "old.txt")); !os.IsNotExist(err) {
		t.Error("stale file from v1 survived redeploy")
	}
}

func TestRegistry_DeployRejectsBadNames(t *testing.T) {
	r := NewRegistry(newFakeStore(), t.TempDir())
	src := writeAgentSource(t, map[string]string{"system-prompt.md": "x"})

	for _, name := range []string{"", "../escape", "UPPER", "a b", "-leading"} {
		if _, err := r.Deploy(context.Background(), "acme", name, src); !errors.Is(err, ErrInvalidName) {
			t.Errorf("name %q: got %v, want ErrInvalidName", name, err)
		}
	}
}

func TestRegistry_DeployMissingSource(t *testing.T) {
	r := NewRegistry(newFakeStore(), t.TempDir())
	if _, err := r.Deploy(context.Background(), "acme", "bot", "/nonexistent/source"); err == nil {
		t.Error("expected error for missing source directory")
	}
}

func TestRegistry_RemoveDeletesRowAndDirectory(t *testing.T) {
	store := newFakeStore()
	r := NewRegistry(store, t.TempDir())

	src := writeAgentSource(t, map[string]string{"system-prompt.md": "x"})
	agent, err := r.Deploy(context.Background(), "acme", "bot", src)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	if err := r.Remove(context.Background(), "acme", "bot"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := store.GetAgent(context.Background(), "acme", "bot"); err == nil {
		t.Error("agent row still present")
	}
	if _, err := os.Stat(agent.Path); !os.IsNotExist(err) {
		t.Error("agent directory still present")
	}
}
