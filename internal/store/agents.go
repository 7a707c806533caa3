package store

import (
	"context"
	"fmt"

	"github.com/agentdeck/agentdeck/pkg/types"
)

const agentColumns = `tenant_id, name, path, version, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*types.Agent, error) {
	a := &types.Agent{}
	err := row.Scan(&a.TenantID, &a.Name, &a.Path, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

// UpsertAgent deploys an agent. Redeploying an existing name bumps the
// version monotonically.
func (s *Store) UpsertAgent(ctx context.Context, tenantID, name, path string) (*types.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx,
		`INSERT INTO agents (tenant_id, name, path)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id, name) DO UPDATE SET
		   path = EXCLUDED.path,
		   version = agents.version + 1,
		   updated_at = now()
		 RETURNING `+agentColumns,
		tenantID, name, path,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert agent: %w", err)
	}
	return a, nil
}

func (s *Store) GetAgent(ctx context.Context, tenantID, name string) (*types.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE tenant_id = $1 AND name = $2`,
		tenantID, name,
	))
	if err != nil {
		return nil, fmt.Errorf("agent %q not found: %w", name, err)
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context, tenantID string) ([]types.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE tenant_id = $1 ORDER BY name ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []types.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, nil
}

func (s *Store) DeleteAgent(ctx context.Context, tenantID, name string) error {
	result, err := s.pool.Exec(ctx,
		`DELETE FROM agents WHERE tenant_id = $1 AND name = $2`, tenantID, name)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("agent %q not found", name)
	}
	return nil
}
