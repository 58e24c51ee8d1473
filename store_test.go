package chatsync

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func msgAt(sec int) time.Time {
	return time.Date(2026, 3, 1, 12, 0, sec, 0, time.UTC)
}

func TestStoreAppendDeduplicates(t *testing.T) {
	s := NewStore()

	ok := s.Append(Message{ClientID: "temp-1", Text: "hi", Status: StatusSending, IsMine: true})
	if !ok {
		t.Fatal("first append rejected")
	}
	if s.Append(Message{ClientID: "temp-1", Text: "hi again", Status: StatusSending, IsMine: true}) {
		t.Error("duplicate clientId accepted")
	}

	if !s.Append(Message{ID: "42", Text: "from server", Status: StatusSent}) {
		t.Fatal("server message rejected")
	}
	if s.Append(Message{ID: "42", Text: "echo", Status: StatusSent}) {
		t.Error("duplicate server id accepted")
	}

	if got := len(s.Snapshot()); got != 2 {
		t.Errorf("snapshot length = %d, want 2", got)
	}
}

func TestStoreResolveAndFail(t *testing.T) {
	s := NewStore()
	s.Append(Message{ClientID: "temp-a", Text: "a", Status: StatusSending, IsMine: true})
	s.Append(Message{ClientID: "temp-b", Text: "b", Status: StatusSending, IsMine: true})

	s.Resolve("temp-a", FlexID("101"))
	s.Fail("temp-b")

	snap := s.Snapshot()
	if snap[0].Status != StatusSent || snap[0].ID != "101" {
		t.Errorf("resolved message = %+v, want sent with id 101", snap[0])
	}
	if snap[1].Status != StatusFailed {
		t.Errorf("failed message status = %s, want failed", snap[1].Status)
	}

	// Unknown client ids are ignored without panicking.
	s.Resolve("temp-x", "1")
	s.Fail("temp-x")
}

func TestStoreReconcileKeepsUnconfirmedLocal(t *testing.T) {
	s := NewStore()
	s.now = func() time.Time { return msgAt(10) }

	s.Append(Message{ClientID: "temp-1", Text: "pending", Status: StatusSending, IsMine: true, Timestamp: msgAt(5)})

	server := []Message{
		{ID: "1", Text: "older", Status: StatusSent, Timestamp: msgAt(1)},
		{ID: "2", Text: "newer", Status: StatusSent, Timestamp: msgAt(3)},
	}
	if !s.Reconcile(server) {
		t.Fatal("reconcile reported no change")
	}

	snap := s.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot length = %d, want 3", len(snap))
	}
	if snap[2].ClientID != "temp-1" {
		t.Errorf("pending message not retained in order, got %+v", snap[2])
	}
}

func TestStoreReconcileDropsConfirmedPending(t *testing.T) {
	s := NewStore()
	s.now = func() time.Time { return msgAt(10) }

	s.Append(Message{ClientID: "temp-1", Text: "hello", Status: StatusSending, IsMine: true, Timestamp: msgAt(5)})
	s.Resolve("temp-1", "7")

	// The server now returns the committed row under its real id.
	server := []Message{
		{ID: "7", Text: "hello", Status: StatusSent, IsMine: true, Timestamp: msgAt(5)},
	}
	s.Reconcile(server)

	snap := s.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot length = %d, want 1 (no duplicate)", len(snap))
	}
	if snap[0].ID != "7" {
		t.Errorf("surviving message id = %q, want 7", snap[0].ID)
	}
}

func TestStoreReconcileExpiresStalePending(t *testing.T) {
	s := NewStore()
	now := msgAt(0)
	s.now = func() time.Time { return now }

	s.Append(Message{ClientID: "temp-1", Text: "stuck", Status: StatusSending, IsMine: true, Timestamp: now})

	now = now.Add(DefaultPendingMaxAge + time.Second)
	s.Reconcile(nil)

	snap := s.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot length = %d, want 1", len(snap))
	}
	if snap[0].Status != StatusFailed {
		t.Errorf("stale pending status = %s, want failed", snap[0].Status)
	}
}

func TestStoreReconcileNoChangeSkipsNotify(t *testing.T) {
	s := NewStore()
	server := []Message{{ID: "1", Text: "x", Status: StatusSent, Timestamp: msgAt(1)}}
	s.Reconcile(server)

	calls := 0
	s.OnChange(func([]Message) { calls++ })

	if s.Reconcile(server) {
		t.Error("identical reconcile reported a change")
	}
	if calls != 0 {
		t.Errorf("change callbacks fired %d times on identical reconcile", calls)
	}
}

func TestStoreReadState(t *testing.T) {
	s := NewStore()
	s.Append(Message{ID: "1", Text: "theirs", IsMine: false, Status: StatusSent})
	s.Append(Message{ID: "2", Text: "mine", IsMine: true, Status: StatusSent})
	s.Append(Message{ID: "3", Text: "theirs too", IsMine: false, Status: StatusSent})

	if !s.HasUnreadReceived() {
		t.Fatal("expected unread received messages")
	}
	if n := s.MarkReceivedRead(); n != 2 {
		t.Errorf("MarkReceivedRead = %d, want 2", n)
	}
	if s.HasUnreadReceived() {
		t.Error("unread remained after MarkReceivedRead")
	}
	// Own messages are untouched.
	for _, m := range s.Snapshot() {
		if m.IsMine && m.IsRead {
			t.Errorf("own message %s flipped by MarkReceivedRead", m.ID)
		}
	}

	if n := s.MarkSentRead([]FlexID{"2", "999"}); n != 1 {
		t.Errorf("MarkSentRead = %d, want 1", n)
	}
	m, _ := s.Get("2")
	if !m.IsRead {
		t.Error("own message not flipped by read receipt")
	}
}

func TestStoreRetry(t *testing.T) {
	s := NewStore()
	s.Append(Message{ClientID: "temp-1", Text: "x", Status: StatusSending, IsMine: true})

	if s.Retry("temp-1") {
		t.Error("retry allowed on a message still sending")
	}
	s.Fail("temp-1")
	if !s.Retry("temp-1") {
		t.Error("retry rejected on a failed message")
	}
	m, _ := s.Get("temp-1")
	if m.Status != StatusSending {
		t.Errorf("status after retry = %s, want sending", m.Status)
	}
}

func TestFingerprintReflectsIdentityAndReadState(t *testing.T) {
	msgs := []Message{
		{ID: "1", IsRead: false},
		{ID: "2", IsRead: true},
	}
	a := Fingerprint(msgs)
	msgs[0].IsRead = true
	b := Fingerprint(msgs)
	if a == b {
		t.Error("fingerprint unchanged after read flip")
	}

	msgs = append(msgs, Message{ID: "3"})
	c := Fingerprint(msgs)
	if b == c {
		t.Error("fingerprint unchanged after new message")
	}
}

func TestStoreChangeNotificationOrder(t *testing.T) {
	s := NewStore()
	var lengths []int
	s.OnChange(func(msgs []Message) { lengths = append(lengths, len(msgs)) })

	for i := 0; i < 3; i++ {
		s.Append(Message{ID: FlexIDFromInt(int64(i + 1)).String(), Status: StatusSent})
	}
	want := fmt.Sprintf("%v", []int{1, 2, 3})
	if got := fmt.Sprintf("%v", lengths); got != want {
		t.Errorf("notification lengths = %s, want %s", got, want)
	}
}

func TestStoreChangeCallbacksNeverOverlap(t *testing.T) {
	s := NewStore()

	// The read flags written here are only safe without locks because the
	// store serializes callback delivery.
	readByKey := make(map[string]bool)
	var active atomic.Int32
	s.OnChange(func(msgs []Message) {
		if active.Add(1) != 1 {
			t.Error("change callbacks ran concurrently")
		}
		for _, m := range msgs {
			readByKey[m.Key()] = m.IsRead
		}
		active.Add(-1)
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			s.Append(Message{ClientID: fmt.Sprintf("temp-%d", i), Status: StatusSending})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			s.Reconcile([]Message{{
				ID:        FlexIDFromInt(int64(i + 1)).String(),
				Timestamp: msgAt(i),
				Status:    StatusSent,
				IsRead:    i%2 == 0,
			}})
		}
	}()
	wg.Wait()

	if len(readByKey) == 0 {
		t.Fatal("no callbacks delivered")
	}
}
