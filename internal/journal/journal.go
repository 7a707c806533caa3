package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    sandbox_id TEXT,
    type TEXT NOT NULL,
    payload TEXT,
    synced INTEGER DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_events_unsynced ON events(synced) WHERE synced = 0;
`

// Journal is the runner-local event log. Events are appended on the hot path
// and shipped to the coordinator asynchronously; losing the runner loses at
// most the unsynced tail.
type Journal struct {
	db *sql.DB
}

// Entry is one journaled event.
type Entry struct {
	ID        int64
	SessionID string
	SandboxID string
	Type      string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Open opens (or creates) the runner's journal database under dataDir.
func Open(dataDir string) (*Journal, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "journal.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply journal schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends one event. Payload is stored verbatim.
func (j *Journal) Record(sessionID, sandboxID, eventType string, payload json.RawMessage) error {
	_, err := j.db.Exec(
		`INSERT INTO events (session_id, sandbox_id, type, payload) VALUES (?, ?, ?, ?)`,
		sessionID, sandboxID, eventType, string(payload))
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// Unsynced returns up to limit events not yet shipped, oldest first.
func (j *Journal) Unsynced(limit int) ([]Entry, error) {
	rows, err := j.db.Query(
		`SELECT id, session_id, COALESCE(sandbox_id, ''), type, COALESCE(payload, ''), created_at
		 FROM events WHERE synced = 0 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var payload, createdAt string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.SandboxID, &e.Type, &payload, &createdAt); err != nil {
			return nil, err
		}
		if payload != "" {
			e.Payload = json.RawMessage(payload)
		}
		e.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdAt)
		entries = append(entries, e)
	}
	return entries, nil
}

// MarkSynced flags events as shipped.
func (j *Journal) MarkSynced(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	_, err := j.db.Exec(
		`UPDATE events SET synced = 1 WHERE id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	return err
}

// Prune deletes synced events older than the cutoff to bound journal growth.
func (j *Journal) Prune(olderThan time.Time) (int64, error) {
	result, err := j.db.Exec(
		`DELETE FROM events WHERE synced = 1 AND created_at < ?`,
		olderThan.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	return result.RowsAffected()
}
