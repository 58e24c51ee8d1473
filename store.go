package chatsync

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultPendingMaxAge bounds how long an unresolved optimistic message
// survives reconciliation before it is considered lost.
const DefaultPendingMaxAge = 30 * time.Second

// ============================================================================
// Store
// ============================================================================

// Store holds the local conversation state: the ordered, deduplicated list of
// messages the user interface renders. Optimistic sends live here next to
// server-confirmed messages until reconciliation resolves or expires them.
//
// All methods are safe for concurrent use. Change callbacks run one at a
// time, in the order changes were committed. Callbacks receive the snapshot
// they need as an argument and must not call back into the store.
type Store struct {
	mu            sync.Mutex
	notifyMu      sync.Mutex
	messages      []Message
	byKey         map[string]int // Message.Key() -> index in messages
	pendingMaxAge time.Duration

	onChange []func([]Message)
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		byKey:         make(map[string]int),
		pendingMaxAge: DefaultPendingMaxAge,
		now:           time.Now,
	}
}

// OnChange registers a callback invoked with a snapshot after every mutation
// that altered visible state. Must be called before the store is shared.
func (s *Store) OnChange(fn func([]Message)) {
	s.onChange = append(s.onChange, fn)
}

// Snapshot returns a copy of the current message list in display order.
func (s *Store) Snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() []Message {
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// notifyLocked delivers a snapshot to the change callbacks. Called with mu
// held; taking notifyMu before releasing mu keeps deliveries in commit order
// and never concurrent with each other.
func (s *Store) notifyLocked() {
	snap := s.snapshotLocked()
	s.notifyMu.Lock()
	s.mu.Unlock()
	for _, fn := range s.onChange {
		fn(snap)
	}
	s.notifyMu.Unlock()
}

// ============================================================================
// Optimistic lifecycle
// ============================================================================

// Append inserts a message, optimistic outbound or push inbound. Returns
// false when a message with the same identity already exists.
func (s *Store) Append(m Message) bool {
	s.mu.Lock()
	if key := m.Key(); key != "" {
		if _, dup := s.byKey[key]; dup {
			s.mu.Unlock()
			return false
		}
	}
	if m.ClientID != "" && m.ID != "" {
		if _, dup := s.byKey[m.ClientID]; dup {
			s.mu.Unlock()
			return false
		}
	}
	if m.CreatedLocal.IsZero() {
		m.CreatedLocal = s.now()
	}
	s.messages = append(s.messages, m)
	s.byKey[m.Key()] = len(s.messages) - 1
	s.notifyLocked()
	return true
}

// Get returns the message whose current key (server id, or client id while
// unacknowledged) matches.
func (s *Store) Get(key string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byKey[key]
	if !ok {
		return Message{}, false
	}
	return s.messages[i], true
}

// Retry flips a failed message back to sending for another delivery attempt.
func (s *Store) Retry(clientID string) bool {
	s.mu.Lock()
	i, ok := s.byKey[clientID]
	if !ok || s.messages[i].Status != StatusFailed {
		s.mu.Unlock()
		return false
	}
	s.messages[i].Status = StatusSending
	s.messages[i].CreatedLocal = s.now()
	s.notifyLocked()
	return true
}

// Resolve marks the pending message identified by clientID as sent, attaching
// the server-assigned id when known. Unknown client ids are ignored.
func (s *Store) Resolve(clientID string, serverID FlexID) {
	s.mu.Lock()
	i, ok := s.byKey[clientID]
	if !ok {
		s.mu.Unlock()
		return
	}
	m := &s.messages[i]
	m.Status = StatusSent
	if serverID != "" {
		m.ID = string(serverID)
	}
	s.notifyLocked()
}

// Fail marks the pending message identified by clientID as failed. The
// message stays visible so the user can see what did not deliver.
func (s *Store) Fail(clientID string) {
	s.mu.Lock()
	i, ok := s.byKey[clientID]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.messages[i].Status = StatusFailed
	s.notifyLocked()
}

// ============================================================================
// Reconciliation
// ============================================================================

// Fingerprint summarizes visible state: one "id:read" pair per message. Two
// equal fingerprints mean reconciliation produced no observable change, so
// change callbacks can be skipped.
func Fingerprint(msgs []Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(string(m.Key()))
		b.WriteByte(':')
		if m.IsRead {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// Reconcile replaces local state with the server-authoritative list while
// retaining optimistic messages the server does not know about yet. A pending
// local message is kept only while younger than the pending max age; expired
// pendings are flipped to failed rather than silently dropped.
//
// Returns true when visible state changed.
func (s *Store) Reconcile(serverMsgs []Message) bool {
	s.mu.Lock()
	before := Fingerprint(s.messages)

	// Index server messages so local pendings the server already knows
	// are dropped in favor of the confirmed copy.
	seen := make(map[string]bool, len(serverMsgs))
	for _, m := range serverMsgs {
		if m.ID != "" {
			seen[string(m.ID)] = true
		}
		if m.ClientID != "" {
			seen[m.ClientID] = true
		}
	}

	merged := make([]Message, 0, len(serverMsgs)+4)
	merged = append(merged, serverMsgs...)

	now := s.now()
	for _, m := range s.messages {
		if m.CreatedLocal.IsZero() {
			// Originated from a server list; the fresh list is
			// authoritative for it.
			continue
		}
		if m.ClientID != "" && seen[m.ClientID] {
			continue
		}
		if m.ID != "" && seen[m.ID] {
			continue
		}
		if m.Status == StatusSending && now.Sub(m.CreatedLocal) > s.pendingMaxAge {
			m.Status = StatusFailed
		}
		merged = append(merged, m)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})

	s.messages = merged
	s.reindexLocked()

	if Fingerprint(s.messages) == before {
		s.mu.Unlock()
		return false
	}
	s.notifyLocked()
	return true
}

func (s *Store) reindexLocked() {
	s.byKey = make(map[string]int, len(s.messages))
	for i, m := range s.messages {
		s.byKey[m.Key()] = i
	}
}

// ============================================================================
// Read state
// ============================================================================

// RoomRef returns a room id embedded in any stored message, or "". Used as a
// discovery fallback when the server response carried no room object.
func (s *Store) RoomRef() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.RoomID != "" {
			return m.RoomID
		}
	}
	return ""
}

// HasUnreadReceived reports whether any message from the other party is still
// unread. The read-state coordinator uses this to skip no-op server calls.
func (s *Store) HasUnreadReceived() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if !m.IsMine && !m.IsRead {
			return true
		}
	}
	return false
}

// MarkReceivedRead optimistically flips every received message to read.
// Returns the number of messages changed.
func (s *Store) MarkReceivedRead() int {
	s.mu.Lock()
	n := 0
	for i := range s.messages {
		if !s.messages[i].IsMine && !s.messages[i].IsRead {
			s.messages[i].IsRead = true
			n++
		}
	}
	if n == 0 {
		s.mu.Unlock()
		return 0
	}
	s.notifyLocked()
	return n
}

// MarkSentRead flips the caller's own messages with the given server ids to
// read, reacting to the other party's read notification.
func (s *Store) MarkSentRead(ids []FlexID) int {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[string(id)] = true
	}
	s.mu.Lock()
	n := 0
	for i := range s.messages {
		m := &s.messages[i]
		if m.IsMine && !m.IsRead && want[string(m.ID)] {
			m.IsRead = true
			n++
		}
	}
	if n == 0 {
		s.mu.Unlock()
		return 0
	}
	s.notifyLocked()
	return n
}
