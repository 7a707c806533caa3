package store

import (
	"context"
	"fmt"
	"time"

	"github.com/agentdeck/agentdeck/pkg/types"
)

const runnerColumns = `id, host, port, max_sandboxes, active_count, warming_count, registered_at, last_heartbeat_at`

func scanRunner(row interface{ Scan(...any) error }) (*types.Runner, error) {
	r := &types.Runner{}
	err := row.Scan(&r.ID, &r.Host, &r.Port, &r.MaxSandboxes, &r.ActiveCount,
		&r.WarmingCount, &r.RegisteredAt, &r.LastHeartbeatAt)
	return r, err
}

// UpsertRunner registers or re-registers a runner. Idempotent and safe under
// concurrent coordinators.
func (s *Store) UpsertRunner(ctx context.Context, id, host string, port, maxSandboxes int) (*types.Runner, error) {
	r, err := scanRunner(s.pool.QueryRow(ctx,
		`INSERT INTO runners (id, host, port, max_sandboxes)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET
		   host = EXCLUDED.host,
		   port = EXCLUDED.port,
		   max_sandboxes = EXCLUDED.max_sandboxes,
		   last_heartbeat_at = now()
		 RETURNING `+runnerColumns,
		id, host, port, maxSandboxes,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert runner: %w", err)
	}
	return r, nil
}

// HeartbeatRunner refreshes a runner's load counters and heartbeat timestamp.
func (s *Store) HeartbeatRunner(ctx context.Context, id string, active, warming int) error {
	result, err := s.pool.Exec(ctx,
		`UPDATE runners SET active_count = $1, warming_count = $2, last_heartbeat_at = now()
		 WHERE id = $3`,
		active, warming, id)
	if err != nil {
		return fmt.Errorf("failed to heartbeat runner: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("runner %s not registered", id)
	}
	return nil
}

func (s *Store) GetRunner(ctx context.Context, id string) (*types.Runner, error) {
	r, err := scanRunner(s.pool.QueryRow(ctx,
		`SELECT `+runnerColumns+` FROM runners WHERE id = $1`, id,
	))
	if err != nil {
		return nil, fmt.Errorf("runner %s not found: %w", id, err)
	}
	return r, nil
}

// SelectBestRunner returns the live runner with the most available capacity,
// ties broken by most recent heartbeat. The query ordering is authoritative;
// callers do not re-check capacity in memory.
func (s *Store) SelectBestRunner(ctx context.Context, cutoff time.Time) (*types.Runner, error) {
	r, err := scanRunner(s.pool.QueryRow(ctx,
		`SELECT `+runnerColumns+`
		 FROM runners
		 WHERE last_heartbeat_at > $1 AND active_count < max_sandboxes
		 ORDER BY (max_sandboxes - active_count) DESC, last_heartbeat_at DESC
		 LIMIT 1`, cutoff,
	))
	if err != nil {
		return nil, fmt.Errorf("no live runner with capacity: %w", err)
	}
	return r, nil
}

// ListDeadRunners returns all runners whose last heartbeat is at or before
// the cutoff.
func (s *Store) ListDeadRunners(ctx context.Context, cutoff time.Time) ([]types.Runner, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runnerColumns+` FROM runners WHERE last_heartbeat_at <= $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead runners: %w", err)
	}
	defer rows.Close()

	var runners []types.Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, err
		}
		runners = append(runners, *r)
	}
	return runners, nil
}

func (s *Store) ListRunners(ctx context.Context) ([]types.Runner, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runnerColumns+` FROM runners ORDER BY registered_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runners: %w", err)
	}
	defer rows.Close()

	var runners []types.Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, err
		}
		runners = append(runners, *r)
	}
	return runners, nil
}

func (s *Store) DeleteRunner(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM runners WHERE id = $1`, id)
	return err
}
