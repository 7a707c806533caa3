package agents

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"

	"github.com/agentdeck/agentdeck/internal/snapshot"
	"github.com/agentdeck/agentdeck/pkg/types"
)

// ErrInvalidName rejects agent names that would escape the agents directory
// or collide across tenants.
var ErrInvalidName = errors.New("invalid agent name")

var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// Store is the subset of the database layer the registry needs.
type Store interface {
	UpsertAgent(ctx context.Context, tenantID, name, path string) (*types.Agent, error)
	GetAgent(ctx context.Context, tenantID, name string) (*types.Agent, error)
	ListAgents(ctx context.Context, tenantID string) ([]types.Agent, error)
	DeleteAgent(ctx context.Context, tenantID, name string) error
}

// Registry manages deployed agent directories: a system-prompt file plus tool
// configuration, copied under the platform's agents dir and versioned in the
// store.
type Registry struct {
	store     Store
	agentsDir string
}

func NewRegistry(store Store, agentsDir string) *Registry {
	return &Registry{store: store, agentsDir: agentsDir}
}

// Deploy copies the agent folder from sourceDir into the registry and
// records it. Redeploying the same name replaces the folder and bumps the
// version.
func (r *Registry) Deploy(ctx context.Context, tenantID, name, sourceDir string) (*types.Agent, error) {
	if !nameRe.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	info, err := os.Stat(sourceDir)
	if err != nil {
		return nil, fmt.Errorf("agent source directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("agent source %s is not a directory", sourceDir)
	}

	dest := filepath.Join(r.agentsDir, tenantID, name)

	// Stage next to the destination so the swap is atomic on the same
	// filesystem. An interrupted deploy leaves the previous version intact.
	staging := dest + ".deploying"
	if err := os.RemoveAll(staging); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, err
	}
	if err := snapshot.CopyTree(sourceDir, staging); err != nil {
		return nil, fmt.Errorf("failed to copy agent folder: %w", err)
	}
	if err := os.RemoveAll(dest); err != nil {
		os.RemoveAll(staging)
		return nil, err
	}
	if err := os.Rename(staging, dest); err != nil {
		os.RemoveAll(staging)
		return nil, err
	}

	agent, err := r.store.UpsertAgent(ctx, tenantID, name, dest)
	if err != nil {
		return nil, err
	}
	log.Printf("agents: deployed %s/%s v%d at %s", tenantID, name, agent.Version, dest)
	return agent, nil
}

func (r *Registry) Get(ctx context.Context, tenantID, name string) (*types.Agent, error) {
	return r.store.GetAgent(ctx, tenantID, name)
}

func (r *Registry) List(ctx context.Context, tenantID string) ([]types.Agent, error) {
	return r.store.ListAgents(ctx, tenantID)
}

// Remove deletes the agent row and its directory. Sessions already running
// the agent keep their copied workspaces.
func (r *Registry) Remove(ctx context.Context, tenantID, name string) error {
	agent, err := r.store.GetAgent(ctx, tenantID, name)
	if err != nil {
		return err
	}
	if err := r.store.DeleteAgent(ctx, tenantID, name); err != nil {
		return err
	}
	if err := os.RemoveAll(agent.Path); err != nil {
		log.Printf("agents: failed to remove directory of %s/%s: %v", tenantID, name, err)
	}
	return nil
}
