package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agentdeck/agentdeck/pkg/types"
)

const sandboxColumns = `id, session_id, agent_name, runner_id, workspace_dir, state, created_at, last_used_at`

func scanSandbox(row interface{ Scan(...any) error }) (*types.Sandbox, error) {
	sb := &types.Sandbox{}
	var sessionID sql.NullString
	err := row.Scan(&sb.ID, &sessionID, &sb.AgentName, &sb.RunnerID,
		&sb.WorkspaceDir, &sb.State, &sb.CreatedAt, &sb.LastUsedAt)
	if err != nil {
		return nil, err
	}
	sb.SessionID = sessionID.String
	return sb, nil
}

func (s *Store) InsertSandbox(ctx context.Context, sb *types.Sandbox) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sandboxes (id, session_id, agent_name, runner_id, workspace_dir, state)
		 VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6)`,
		sb.ID, sb.SessionID, sb.AgentName, sb.RunnerID, sb.WorkspaceDir, sb.State)
	if err != nil {
		return fmt.Errorf("failed to insert sandbox: %w", err)
	}
	return nil
}

func (s *Store) GetSandbox(ctx context.Context, id string) (*types.Sandbox, error) {
	sb, err := scanSandbox(s.pool.QueryRow(ctx,
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE id = $1`, id,
	))
	if err != nil {
		return nil, fmt.Errorf("sandbox %s not found: %w", id, err)
	}
	return sb, nil
}

func (s *Store) UpdateSandboxState(ctx context.Context, id string, state types.SandboxState) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sandboxes SET state = $1, last_used_at = now() WHERE id = $2`, state, id)
	if err != nil {
		return fmt.Errorf("failed to update sandbox state: %w", err)
	}
	return nil
}

// BindSandboxSession attaches a session to a sandbox. A sandbox holds at most
// one session at a time.
func (s *Store) BindSandboxSession(ctx context.Context, id, sessionID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sandboxes SET session_id = NULLIF($1, ''), last_used_at = now() WHERE id = $2`,
		sessionID, id)
	if err != nil {
		return fmt.Errorf("failed to bind sandbox: %w", err)
	}
	return nil
}

func (s *Store) TouchSandbox(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sandboxes SET last_used_at = now() WHERE id = $1`, id)
	return err
}

func (s *Store) DeleteSandbox(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sandboxes WHERE id = $1`, id)
	return err
}

// CountSandboxes returns the number of sandbox rows owned by a runner.
func (s *Store) CountSandboxes(ctx context.Context, runnerID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sandboxes WHERE runner_id = $1`, runnerID,
	).Scan(&count)
	return count, err
}

// BestEvictionCandidate returns the single most evictable sandbox on a
// runner: cold before warm before waiting, oldest last_used_at first.
// Running and warming sandboxes are never returned.
func (s *Store) BestEvictionCandidate(ctx context.Context, runnerID string) (*types.Sandbox, error) {
	sb, err := scanSandbox(s.pool.QueryRow(ctx,
		`SELECT `+sandboxColumns+`
		 FROM sandboxes
		 WHERE runner_id = $1 AND state IN ('cold', 'warm', 'waiting')
		 ORDER BY CASE state WHEN 'cold' THEN 0 WHEN 'warm' THEN 1 ELSE 2 END, last_used_at ASC
		 LIMIT 1`, runnerID,
	))
	if err != nil {
		return nil, fmt.Errorf("no eviction candidate: %w", err)
	}
	return sb, nil
}

// IdleSandboxes returns all waiting sandboxes on a runner idle since before
// olderThan, oldest first.
func (s *Store) IdleSandboxes(ctx context.Context, runnerID string, olderThan time.Time) ([]types.Sandbox, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sandboxColumns+`
		 FROM sandboxes
		 WHERE runner_id = $1 AND state = 'waiting' AND last_used_at < $2
		 ORDER BY last_used_at ASC`, runnerID, olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to list idle sandboxes: %w", err)
	}
	defer rows.Close()

	var sandboxes []types.Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		sandboxes = append(sandboxes, *sb)
	}
	return sandboxes, nil
}

// ListSandboxes returns all sandbox rows owned by a runner.
func (s *Store) ListSandboxes(ctx context.Context, runnerID string) ([]types.Sandbox, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE runner_id = $1 ORDER BY created_at`, runnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}
	defer rows.Close()

	var sandboxes []types.Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		sandboxes = append(sandboxes, *sb)
	}
	return sandboxes, nil
}

// MarkAllSandboxesCold bulk-transitions a runner's sandboxes to cold on
// startup after the previous process died. Running rows are excluded; they
// are stale claims from the dead process and get reconciled individually.
func (s *Store) MarkAllSandboxesCold(ctx context.Context, runnerID string) (int, error) {
	result, err := s.pool.Exec(ctx,
		`UPDATE sandboxes SET state = 'cold'
		 WHERE runner_id = $1 AND state NOT IN ('running', 'cold')`,
		runnerID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark sandboxes cold: %w", err)
	}
	return int(result.RowsAffected()), nil
}
