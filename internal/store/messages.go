package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Message is one persisted SDK message of a session turn. Payloads are
// opaque; the orchestrator never inspects them.
type Message struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// SessionEvent is an append-only lifecycle event of a session.
type SessionEvent struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

func (s *Store) InsertMessage(ctx context.Context, sessionID, kind string, payload json.RawMessage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (session_id, kind, payload) VALUES ($1, $2, $3)`,
		sessionID, kind, payload)
	return err
}

func (s *Store) InsertMessageBatch(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(
			`INSERT INTO messages (session_id, kind, payload, created_at) VALUES ($1, $2, $3, $4)`,
			m.SessionID, m.Kind, m.Payload, m.CreatedAt)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range msgs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert message batch: %w", err)
		}
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, kind, payload, created_at
		 FROM messages WHERE session_id = $1 ORDER BY id ASC LIMIT $2 OFFSET $3`,
		sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Kind, &m.Payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *Store) InsertSessionEvent(ctx context.Context, sessionID, eventType string, payload json.RawMessage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_events (session_id, event_type, payload) VALUES ($1, $2, $3)`,
		sessionID, eventType, payload)
	return err
}

func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit, offset int) ([]SessionEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, event_type, payload, created_at
		 FROM session_events WHERE session_id = $1 ORDER BY id ASC LIMIT $2 OFFSET $3`,
		sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list session events: %w", err)
	}
	defer rows.Close()

	var events []SessionEvent
	for rows.Next() {
		var e SessionEvent
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// --- Work queue operations ---

// QueueItem is one unit of deferred work, e.g. a snapshot upload.
type QueueItem struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId,omitempty"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    string          `json:"status"`
	ClaimedBy string          `json:"claimedBy,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

func (s *Store) EnqueueItem(ctx context.Context, sessionID, kind string, payload json.RawMessage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO queue_items (session_id, kind, payload) VALUES (NULLIF($1, ''), $2, $3)`,
		sessionID, kind, payload)
	return err
}

// ClaimQueueItem atomically claims the oldest pending item for a worker.
// SKIP LOCKED keeps concurrent claimers from blocking each other. Returns
// pgx.ErrNoRows (wrapped) when the queue is empty.
func (s *Store) ClaimQueueItem(ctx context.Context, claimedBy string) (*QueueItem, error) {
	item := &QueueItem{}
	var sessionID *string
	var claimed *string
	err := s.pool.QueryRow(ctx,
		`UPDATE queue_items SET status = 'claimed', claimed_by = $1, claimed_at = now()
		 WHERE id = (
		     SELECT id FROM queue_items WHERE status = 'pending'
		     ORDER BY id ASC LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, session_id, kind, payload, status, claimed_by, created_at`,
		claimedBy,
	).Scan(&item.ID, &sessionID, &item.Kind, &item.Payload, &item.Status, &claimed, &item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("no pending queue item: %w", err)
	}
	if sessionID != nil {
		item.SessionID = *sessionID
	}
	if claimed != nil {
		item.ClaimedBy = *claimed
	}
	return item, nil
}

func (s *Store) CompleteQueueItem(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE queue_items SET status = 'done' WHERE id = $1`, id)
	return err
}

// FailQueueItem returns an item to pending so another worker can retry it.
func (s *Store) FailQueueItem(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE queue_items SET status = 'pending', claimed_by = NULL, claimed_at = NULL WHERE id = $1`, id)
	return err
}
