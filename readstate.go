package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// Room discovery is asynchronous; a read marking that races it waits
	// briefly instead of failing outright.
	defaultRoomWaitRetries = 3
	defaultRoomWaitDelay   = 500 * time.Millisecond
)

// ============================================================================
// Read-state coordinator
// ============================================================================

// readStateCoordinator reports the local user's reading of received messages
// back to the server and keeps the store's read flags consistent with it.
type readStateCoordinator struct {
	client  *Client
	push    *PushClient
	ts      *transportSelector
	store   *Store
	sync    *syncEngine
	metrics *Metrics
	userID  string
	log     zerolog.Logger

	roomWaitRetries int
	roomWaitDelay   time.Duration

	mu   sync.Mutex
	busy bool
}

func newReadStateCoordinator(client *Client, push *PushClient, ts *transportSelector, store *Store, sync *syncEngine, metrics *Metrics, userID string, log zerolog.Logger) *readStateCoordinator {
	return &readStateCoordinator{
		client:          client,
		push:            push,
		ts:              ts,
		store:           store,
		sync:            sync,
		metrics:         metrics,
		userID:          userID,
		log:             log,
		roomWaitRetries: defaultRoomWaitRetries,
		roomWaitDelay:   defaultRoomWaitDelay,
	}
}

// MarkAsRead flags everything the other party sent as read, server-side and
// locally. A call with nothing unread is a no-op and touches no channel, and
// calls that overlap an in-progress one coalesce into it. The local flip
// happens only once a channel accepted the report; a failed report leaves the
// messages unread so a later trigger retries.
func (r *readStateCoordinator) MarkAsRead(ctx context.Context) error {
	if !r.store.HasUnreadReceived() {
		return nil
	}
	if r.userID == "" {
		return ErrIdentityNotReady
	}

	r.mu.Lock()
	if r.busy {
		r.mu.Unlock()
		return nil
	}
	r.busy = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.busy = false
		r.mu.Unlock()
	}()

	roomID, err := r.waitForRoom(ctx)
	if err != nil {
		return err
	}

	if r.ts != nil && r.ts.PushUsable() {
		// Fire-and-forget; the server broadcasts the resulting read
		// receipt back over the push channel.
		if err := r.push.MarkAsRead(ctx, roomID, r.userID); err == nil {
			r.metrics.markedRead(r.store.MarkReceivedRead())
			return nil
		} else {
			r.log.Debug().Err(err).Msg("push markAsRead failed, using HTTP")
		}
	}

	n, err := r.client.MarkRead(ctx, roomID, r.userID)
	if err != nil {
		r.log.Debug().Err(err).Msg("mark read failed")
		return err
	}
	r.metrics.markedRead(r.store.MarkReceivedRead())
	if n > 0 {
		r.log.Debug().Int("updated", n).Msg("messages marked read")
	}
	return nil
}

// waitForRoom retries briefly while room discovery completes, also accepting
// a room reference embedded in an already-stored message.
func (r *readStateCoordinator) waitForRoom(ctx context.Context) (string, error) {
	for attempt := 0; ; attempt++ {
		if r.sync != nil {
			if room := r.sync.RoomID(); room != "" {
				return room, nil
			}
		}
		if room := r.store.RoomRef(); room != "" {
			return room, nil
		}
		if attempt >= r.roomWaitRetries {
			return "", ErrRoomNotReady
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(r.roomWaitDelay):
		}
	}
}
