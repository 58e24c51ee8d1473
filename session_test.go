package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// chatAPIStub serves the message endpoints for session tests.
type chatAPIStub struct {
	mu       sync.Mutex
	messages []map[string]interface{}
	marked   int
}

func (a *chatAPIStub) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()
		switch {
		case r.URL.Path == "/api/messages" && r.Method == http.MethodGet:
			writeJSON(w, map[string]interface{}{
				"success":  true,
				"room":     map[string]interface{}{"id": 33},
				"messages": a.messages,
			})
		case r.URL.Path == "/api/messages" && r.Method == http.MethodPost:
			a.messages = append(a.messages, map[string]interface{}{
				"id": 900 + len(a.messages), "content": "posted",
				"senderId": 7, "createdAt": "2026-03-01T12:00:00Z",
			})
			writeJSON(w, map[string]interface{}{"success": true, "messageId": 900 + len(a.messages) - 1})
		case r.URL.Path == "/api/messages/read":
			a.marked++
			writeJSON(w, map[string]interface{}{"success": true, "updatedCount": 1})
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
		}
	}
}

func (a *chatAPIStub) markedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.marked
}

func writeJSON(w http.ResponseWriter, v map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestSessionValidatesConfig(t *testing.T) {
	client := NewClient(StaticToken("tok"))
	if _, err := NewSession(client, SessionConfig{TransactionID: "TX1"}); err == nil {
		t.Error("missing user id accepted")
	}
	if _, err := NewSession(client, SessionConfig{UserID: "7"}); err == nil {
		t.Error("missing conversation scope accepted")
	}
	if _, err := NewSession(client, SessionConfig{UserID: "7", TransactionID: "TX1"}); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestSessionFallsBackToPollingWhenPushUnreachable(t *testing.T) {
	api := &chatAPIStub{
		messages: []map[string]interface{}{
			{"id": 1, "content": "hi", "senderId": 12, "createdAt": "2026-03-01T12:00:00Z"},
		},
	}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	client := NewClient(StaticToken("tok"), WithBaseURL(srv.URL))
	sess, err := NewSession(client, SessionConfig{
		UserID:        "7",
		OtherUserID:   "12",
		TransactionID: "TX1",
		Role:          RoleBuyer,
		// Nothing listens here; every handshake fails fast.
		PushEndpoint: "ws://127.0.0.1:1",
		PollInterval: 30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	var mu sync.Mutex
	var latest []Message
	sess.OnChange(func(msgs []Message) {
		mu.Lock()
		latest = append([]Message{}, msgs...)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sess.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(latest)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(latest) != 1 || latest[0].Text != "hi" {
		t.Fatalf("messages after open = %+v, want the server message", latest)
	}
	if st := sess.TransportState(); st != StatePullActive && st != StateConnecting {
		t.Errorf("transport = %s, want connecting or pull", st)
	}
}

func TestSessionReportsReadsInPullMode(t *testing.T) {
	api := &chatAPIStub{
		messages: []map[string]interface{}{
			{"id": 1, "content": "unread from peer", "senderId": 12, "createdAt": "2026-03-01T12:00:00Z"},
		},
	}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	client := NewClient(StaticToken("tok"), WithBaseURL(srv.URL))
	sess, err := NewSession(client, SessionConfig{
		UserID:        "7",
		OtherUserID:   "12",
		TransactionID: "TX1",
		PushEndpoint:  "ws://127.0.0.1:1",
		PollInterval:  30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sess.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	// With push unreachable, the reconciled unread message still has to be
	// reported over HTTP.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && api.markedCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if api.markedCount() == 0 {
		t.Fatal("read state never reported while on the pull channel")
	}
}

func TestSessionSendAndSnapshot(t *testing.T) {
	api := &chatAPIStub{}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	client := NewClient(StaticToken("tok"), WithBaseURL(srv.URL))
	sess, err := NewSession(client, SessionConfig{
		UserID:        "7",
		OtherUserID:   "12",
		TransactionID: "TX1",
		PushEndpoint:  "ws://127.0.0.1:1",
		PollInterval:  time.Hour,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sess.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	clientID, err := sess.Send(ctx, "over http")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	found := false
	for _, m := range sess.Messages() {
		if m.ClientID == clientID {
			found = true
			if m.Status != StatusSent {
				t.Errorf("status = %s, want sent", m.Status)
			}
		}
	}
	if !found {
		t.Error("sent message missing from snapshot")
	}
}

func TestSessionSendAfterCloseFails(t *testing.T) {
	api := &chatAPIStub{}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	client := NewClient(StaticToken("tok"), WithBaseURL(srv.URL))
	sess, err := NewSession(client, SessionConfig{
		UserID:        "7",
		TransactionID: "TX1",
		PushEndpoint:  "ws://127.0.0.1:1",
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	ctx := context.Background()
	if err := sess.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := sess.Send(ctx, "late"); err == nil {
		t.Error("send accepted after close")
	}
	// Close is idempotent.
	if err := sess.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestRecoverWaitsForPushLoopExit(t *testing.T) {
	api := &chatAPIStub{}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	client := NewClient(StaticToken("tok"), WithBaseURL(srv.URL))
	sess, err := NewSession(client, SessionConfig{
		UserID:        "7",
		TransactionID: "TX1",
		PushEndpoint:  "ws://127.0.0.1:1",
		PollInterval:  time.Hour,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sess.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	// The run loop started by Open is still reconnecting; Recover must not
	// start a second one next to it.
	sess.mu.Lock()
	before := sess.pushDone
	sess.mu.Unlock()
	sess.Recover()
	sess.mu.Lock()
	after := sess.pushDone
	sess.mu.Unlock()
	if before != after {
		t.Fatal("second push run loop started while the first is alive")
	}

	// Once the loop has returned, Recover starts a fresh one.
	exited := make(chan struct{})
	close(exited)
	sess.mu.Lock()
	sess.pushDone = exited
	sess.mu.Unlock()
	sess.Recover()
	sess.mu.Lock()
	restarted := sess.pushDone != exited
	sess.mu.Unlock()
	if !restarted {
		t.Error("push run loop not restarted after the previous one returned")
	}
}

func TestPushEndpointDerivation(t *testing.T) {
	cases := map[string]string{
		"https://ticketon.kr":   "wss://ticketon.kr/ws",
		"http://localhost:3000": "ws://localhost:3000/ws",
	}
	for base, want := range cases {
		if got := pushEndpointFor(base); got != want {
			t.Errorf("pushEndpointFor(%q) = %q, want %q", base, got, want)
		}
	}
}
