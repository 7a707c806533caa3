package journal

import (
	"encoding/json"
	"testing"
	"time"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_RecordAndSync(t *testing.T) {
	j := openTestJournal(t)

	if err := j.Record("sess-1", "sb-1", "message", json.RawMessage(`{"n":1}`)); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if err := j.Record("sess-1", "sb-1", "done", nil); err != nil {
		t.Fatalf("Record() error: %v", err)
	}

	entries, err := j.Unsynced(10)
	if err != nil {
		t.Fatalf("Unsynced() error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 unsynced entries, got %d", len(entries))
	}
	if entries[0].Type != "message" || entries[1].Type != "done" {
		t.Errorf("entries out of order: %s, %s", entries[0].Type, entries[1].Type)
	}
	if string(entries[0].Payload) != `{"n":1}` {
		t.Errorf("payload altered: %s", entries[0].Payload)
	}

	if err := j.MarkSynced([]int64{entries[0].ID}); err != nil {
		t.Fatalf("MarkSynced() error: %v", err)
	}
	entries, err = j.Unsynced(10)
	if err != nil {
		t.Fatalf("Unsynced() error: %v", err)
	}
	if len(entries) != 1 || entries[0].Type != "done" {
		t.Fatalf("expected only the done entry unsynced, got %+v", entries)
	}
}

func TestJournal_UnsyncedLimit(t *testing.T) {
	j := openTestJournal(t)

	for i := 0; i < 5; i++ {
		if err := j.Record("sess-1", "", "message", nil); err != nil {
			t.Fatalf("Record() error: %v", err)
		}
	}
	entries, err := j.Unsynced(3)
	if err != nil {
		t.Fatalf("Unsynced() error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
}

func TestJournal_Prune(t *testing.T) {
	j := openTestJournal(t)

	if err := j.Record("sess-1", "", "message", nil); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	entries, _ := j.Unsynced(1)
	if err := j.MarkSynced([]int64{entries[0].ID}); err != nil {
		t.Fatalf("MarkSynced() error: %v", err)
	}

	// Unsynced events are never pruned.
	if err := j.Record("sess-2", "", "message", nil); err != nil {
		t.Fatalf("Record() error: %v", err)
	}

	n, err := j.Prune(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Prune() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned row, got %d", n)
	}
	remaining, _ := j.Unsynced(10)
	if len(remaining) != 1 || remaining[0].SessionID != "sess-2" {
		t.Fatalf("unsynced event was pruned: %+v", remaining)
	}
}
