package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/agentdeck/agentdeck/pkg/types"
)

const sessionColumns = `id, tenant_id, agent_name, sandbox_id, runner_id, status, config,
	COALESCE(sdk_session_id, ''), has_snapshot, created_at, last_active_at`

func scanSession(row interface{ Scan(...any) error }) (*types.Session, error) {
	sess := &types.Session{}
	var sandboxID, runnerID sql.NullString
	var config []byte
	err := row.Scan(&sess.ID, &sess.TenantID, &sess.AgentName, &sandboxID, &runnerID,
		&sess.Status, &config, &sess.SDKSessionID, &sess.HasSnapshot,
		&sess.CreatedAt, &sess.LastActiveAt)
	if err != nil {
		return nil, err
	}
	sess.SandboxID = sandboxID.String
	sess.RunnerID = runnerID.String
	if len(config) > 0 {
		cfg := &types.SessionConfig{}
		if err := json.Unmarshal(config, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode session config: %w", err)
		}
		sess.Config = cfg
	}
	return sess, nil
}

// InsertSession creates a new session row in status starting.
func (s *Store) InsertSession(ctx context.Context, id, tenantID, agentName string, config *types.SessionConfig) (*types.Session, error) {
	var configJSON []byte
	if config != nil {
		var err error
		configJSON, err = json.Marshal(config)
		if err != nil {
			return nil, fmt.Errorf("failed to encode session config: %w", err)
		}
	}
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`INSERT INTO sessions (id, tenant_id, agent_name, config)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+sessionColumns,
		id, tenantID, agentName, configJSON,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id,
	))
	if err != nil {
		return nil, fmt.Errorf("session %s not found: %w", id, err)
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, tenantID, status string, limit, offset int) ([]types.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+`
		 FROM sessions
		 WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
		 ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		tenantID, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, nil
}

func (s *Store) SetSessionStatus(ctx context.Context, id string, status types.SessionStatus) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = $1, last_active_at = now() WHERE id = $2`,
		status, id)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return nil
}

// SetSessionBinding rebinds a session to a sandbox and runner. Empty strings
// clear the binding (paused or cold sessions hold no sandbox).
func (s *Store) SetSessionBinding(ctx context.Context, id, sandboxID, runnerID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET sandbox_id = NULLIF($1, ''), runner_id = NULLIF($2, ''), last_active_at = now()
		 WHERE id = $3`,
		sandboxID, runnerID, id)
	if err != nil {
		return fmt.Errorf("failed to bind session: %w", err)
	}
	return nil
}

func (s *Store) TouchSession(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET last_active_at = now() WHERE id = $1`, id)
	return err
}

// SetSessionSDKID records the upstream SDK's session resume id. The SDK owns
// conversation continuity; this id is carried through pause/resume/fork intact.
func (s *Store) SetSessionSDKID(ctx context.Context, id, sdkSessionID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET sdk_session_id = $1 WHERE id = $2`, sdkSessionID, id)
	return err
}

// SetSessionSnapshot flags whether a usable workspace snapshot exists for the
// session. Cleared when persistence fails so a later resume starts clean.
func (s *Store) SetSessionSnapshot(ctx context.Context, id string, has bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET has_snapshot = $1 WHERE id = $2`, has, id)
	return err
}

// PauseSessionsForStaleSandboxes pauses every session still bound to a
// sandbox row owned by the runner, clearing the binding. Runs at startup
// before those rows are deleted: the sandboxes did not survive the restart,
// so the sessions fall back to cold resume. Matches local sessions too, whose
// runner_id is NULL and therefore invisible to BulkPauseSessionsByRunner.
func (s *Store) PauseSessionsForStaleSandboxes(ctx context.Context, runnerID string) (int, error) {
	result, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = 'paused', sandbox_id = NULL, runner_id = NULL
		 WHERE status IN ('active', 'starting')
		   AND sandbox_id IN (SELECT id FROM sandboxes WHERE runner_id = $1)`,
		runnerID)
	if err != nil {
		return 0, fmt.Errorf("failed to pause sessions on stale sandboxes: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// BulkPauseSessionsByRunner pauses every active or starting session on a
// runner in a single statement and clears their sandbox bindings. Used when a
// runner is declared dead or deregisters.
func (s *Store) BulkPauseSessionsByRunner(ctx context.Context, runnerID string) (int, error) {
	result, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = 'paused', sandbox_id = NULL, runner_id = NULL
		 WHERE runner_id = $1 AND status IN ('active', 'starting')`,
		runnerID)
	if err != nil {
		return 0, fmt.Errorf("failed to bulk pause sessions: %w", err)
	}
	return int(result.RowsAffected()), nil
}
