package chatsync

import (
	"path/filepath"
	"testing"
	"time"
)

func TestHistoryRecordAndRecent(t *testing.T) {
	hist, err := OpenHistory(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("OpenHistory: %v", err)
	}
	defer hist.Close()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msgs := []Message{
		{ID: "1", SenderID: "12", Text: "first", Status: StatusSent, Timestamp: base},
		{ID: "2", SenderID: "7", Text: "second", IsMine: true, Status: StatusSent, Timestamp: base.Add(time.Minute)},
		{ClientID: "temp-3", SenderID: "7", Text: "third", IsMine: true, Status: StatusFailed, Timestamp: base.Add(2 * time.Minute)},
	}
	if err := hist.Record("purchase_TX1", msgs); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := hist.Recent("purchase_TX1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("recent length = %d, want 3", len(got))
	}
	// Chronological order, oldest first.
	if got[0].Text != "first" || got[2].Text != "third" {
		t.Errorf("order = %q, %q, %q", got[0].Text, got[1].Text, got[2].Text)
	}
	if got[2].Status != StatusFailed {
		t.Errorf("failed status not preserved, got %s", got[2].Status)
	}
}

func TestHistoryRecordIsIdempotent(t *testing.T) {
	hist, err := OpenHistory(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("OpenHistory: %v", err)
	}
	defer hist.Close()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := Message{ID: "1", SenderID: "12", Text: "hello", Status: StatusSent, Timestamp: base}

	if err := hist.Record("purchase_TX1", []Message{m}); err != nil {
		t.Fatalf("first record: %v", err)
	}
	m.IsRead = true
	if err := hist.Record("purchase_TX1", []Message{m}); err != nil {
		t.Fatalf("second record: %v", err)
	}

	got, err := hist.Recent("purchase_TX1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("recent length = %d, want 1 after re-record", len(got))
	}
	if !got[0].IsRead {
		t.Error("read flag not updated by re-record")
	}
}

func TestHistoryScopesByRoom(t *testing.T) {
	hist, err := OpenHistory(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("OpenHistory: %v", err)
	}
	defer hist.Close()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hist.Record("purchase_A", []Message{{ID: "1", SenderID: "1", Text: "a", Status: StatusSent, Timestamp: base}})
	hist.Record("purchase_B", []Message{{ID: "2", SenderID: "1", Text: "b", Status: StatusSent, Timestamp: base}})

	got, err := hist.Recent("purchase_A", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].Text != "a" {
		t.Errorf("room A messages = %+v", got)
	}
}
