package chatsync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMinRefreshInterval is the floor between two non-forced refreshes.
// Forced refreshes (push notifications, post-send confirmation) bypass it.
const DefaultMinRefreshInterval = 2 * time.Second

// ============================================================================
// Sync engine
// ============================================================================

// syncEngine pulls the server-authoritative message list and reconciles it
// into the store. Every sync driver in the session funnels through Refresh:
// the poll ticker, push-notification nudges and post-send confirmation all
// share one in-flight guard and one throttle clock.
type syncEngine struct {
	client *Client
	store  *Store
	query  FetchQuery
	selfID string
	log    zerolog.Logger

	minInterval time.Duration

	// typingNow, when set, suppresses non-forced refreshes while the local
	// user composes, so the list does not jump under the cursor.
	typingNow func() bool

	// onRoom fires once per newly discovered room binding.
	onRoom func(roomID string)

	mu          sync.Mutex
	cond        *sync.Cond
	inFlight    bool
	lastRefresh time.Time
	roomID      string
	hasMore     bool
	otherUser   json.RawMessage
	now         func() time.Time
}

func newSyncEngine(client *Client, store *Store, query FetchQuery, selfID string, log zerolog.Logger) *syncEngine {
	e := &syncEngine{
		client:      client,
		store:       store,
		query:       query,
		selfID:      selfID,
		log:         log,
		minInterval: DefaultMinRefreshInterval,
		now:         time.Now,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// RoomID returns the discovered room binding, or "" before discovery.
func (e *syncEngine) RoomID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.roomID
}

// HasMore reports whether the server indicated further history beyond the
// last fetched page.
func (e *syncEngine) HasMore() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasMore
}

// OtherUser returns the counterpart's profile blob from the last fetch, raw.
func (e *syncEngine) OtherUser() json.RawMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.otherUser
}

// Refresh fetches the conversation and reconciles the store. Non-forced
// refreshes are advisory: they yield to an in-flight refresh, to the minimum
// interval, and to active local typing. A forced refresh always runs; when
// another refresh is in flight it waits for that one to finish and then
// fetches again.
func (e *syncEngine) Refresh(ctx context.Context, force bool) error {
	e.mu.Lock()
	for e.inFlight {
		if !force {
			e.mu.Unlock()
			return ErrRefreshInFlight
		}
		e.cond.Wait()
		if ctx.Err() != nil {
			e.mu.Unlock()
			return ctx.Err()
		}
	}
	if !force {
		if e.now().Sub(e.lastRefresh) < e.minInterval {
			e.mu.Unlock()
			return ErrRefreshThrottled
		}
		if e.typingNow != nil && e.typingNow() {
			e.mu.Unlock()
			e.log.Debug().Msg("refresh suppressed while typing")
			return ErrRefreshThrottled
		}
	}
	e.inFlight = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inFlight = false
		e.lastRefresh = e.now()
		e.cond.Broadcast()
		e.mu.Unlock()
	}()

	conv, err := e.client.FetchMessages(ctx, &e.query)
	if err != nil {
		e.log.Debug().Err(err).Msg("refresh fetch failed")
		return err
	}

	e.mu.Lock()
	e.hasMore = conv.HasMore
	if len(conv.OtherUser) > 0 {
		e.otherUser = conv.OtherUser
	}
	var discovered string
	if conv.Room != nil && conv.Room.ID != "" {
		if e.roomID == "" {
			discovered = string(conv.Room.ID)
		}
		e.roomID = string(conv.Room.ID)
	}
	e.mu.Unlock()
	if discovered != "" && e.onRoom != nil {
		e.onRoom(discovered)
	}

	msgs := make([]Message, 0, len(conv.Messages))
	for i := range conv.Messages {
		msgs = append(msgs, conv.Messages[i].ToMessage(e.selfID))
	}
	if e.store.Reconcile(msgs) {
		e.log.Debug().Int("messages", len(msgs)).Msg("store reconciled")
	}
	return nil
}
