package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// SyncConsumer reads session events from NATS JetStream and writes them to
// PostgreSQL. Runners journal events locally and publish them async; the
// coordinator side persists them here, off the hot path.
type SyncConsumer struct {
	store *Store
	nc    *nats.Conn
	js    nats.JetStreamContext
	sub   *nats.Subscription
}

// JournalEvent is the event payload published by runners.
type JournalEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	SandboxID string          `json:"sandbox_id,omitempty"`
	RunnerID  string          `json:"runner_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewSyncConsumer creates a new NATS-to-PG sync consumer.
func NewSyncConsumer(store *Store, natsURL string) (*SyncConsumer, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	// Ensure the stream exists
	_, _ = js.AddStream(&nats.StreamConfig{
		Name:     "SESSION_EVENTS",
		Subjects: []string{"sessions.events.>"},
		MaxAge:   7 * 24 * time.Hour,
	})

	return &SyncConsumer{store: store, nc: nc, js: js}, nil
}

// Start begins consuming events from NATS and writing to PG.
func (c *SyncConsumer) Start() error {
	sub, err := c.js.Subscribe("sessions.events.>", c.handleMessage,
		nats.Durable("pg-sync-consumer"),
		nats.AckExplicit(),
		nats.MaxAckPending(256),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	c.sub = sub
	log.Println("sync_consumer: subscribed to sessions.events.>")
	return nil
}

// Stop stops the consumer.
func (c *SyncConsumer) Stop() {
	if c.sub != nil {
		c.sub.Unsubscribe()
	}
	c.nc.Close()
}

func (c *SyncConsumer) handleMessage(msg *nats.Msg) {
	var event JournalEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		log.Printf("sync_consumer: failed to unmarshal event: %v", err)
		msg.Ack()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch event.Type {
	case "message":
		if err := c.store.InsertMessage(ctx, event.SessionID, "message", event.Payload); err != nil {
			log.Printf("sync_consumer: failed to insert message for session %s: %v", event.SessionID, err)
		}
	default:
		if err := c.store.InsertSessionEvent(ctx, event.SessionID, event.Type, event.Payload); err != nil {
			log.Printf("sync_consumer: failed to insert event %s for session %s: %v", event.Type, event.SessionID, err)
		}
	}

	msg.Ack()
}
