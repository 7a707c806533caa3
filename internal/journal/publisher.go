package journal

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher ships journaled events to NATS JetStream for the coordinator's
// sync consumer to persist.
type Publisher struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	journal  *Journal
	runnerID string
	stop     chan struct{}
	wg       sync.WaitGroup
}

// journalEvent is the JSON payload published to NATS. Mirrors the
// coordinator-side consumer's wire type.
type journalEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	SandboxID string          `json:"sandbox_id,omitempty"`
	RunnerID  string          `json:"runner_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewPublisher creates a new NATS event publisher for a runner's journal.
func NewPublisher(natsURL, runnerID string, j *Journal) (*Publisher, error) {
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
	if _, err := js.AddStream(&nats.StreamConfig{
		Name:     "SESSION_EVENTS",
		Subjects: []string{"sessions.events.>"},
		MaxAge:   7 * 24 * time.Hour,
	}); err != nil {
		// Stream may already exist, that's OK
		log.Printf("journal: stream setup: %v", err)
	}

	return &Publisher{
		nc:       nc,
		js:       js,
		journal:  j,
		runnerID: runnerID,
		stop:     make(chan struct{}),
	}, nil
}

// Start begins the event sync loop.
func (p *Publisher) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.syncEvents()
			case <-p.stop:
				// Final flush
				p.syncEvents()
				return
			}
		}
	}()
}

// Stop stops the sync loop and closes the NATS connection.
func (p *Publisher) Stop() {
	close(p.stop)
	p.wg.Wait()
	p.nc.Close()
}

func (p *Publisher) syncEvents() {
	entries, err := p.journal.Unsynced(100)
	if err != nil || len(entries) == 0 {
		return
	}

	subject := fmt.Sprintf("sessions.events.%s", p.runnerID)
	var synced []int64
	for _, e := range entries {
		event := journalEvent{
			Type:      e.Type,
			SessionID: e.SessionID,
			SandboxID: e.SandboxID,
			RunnerID:  p.runnerID,
			Payload:   e.Payload,
			Timestamp: e.CreatedAt,
		}
		data, _ := json.Marshal(event)

		if _, err := p.js.Publish(subject, data); err != nil {
			log.Printf("journal: publish error for session %s: %v", e.SessionID, err)
			continue
		}
		synced = append(synced, e.ID)
	}

	if err := p.journal.MarkSynced(synced); err != nil {
		log.Printf("journal: mark synced error: %v", err)
	}
	if len(synced) > 0 {
		log.Printf("journal: synced %d events to NATS", len(synced))
	}
}
