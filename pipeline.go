package chatsync

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultDeferredRefresh is how long after a successful send the pipeline
// waits before forcing a confirming refresh, giving the server time to commit
// the row the acknowledgement referred to.
const DefaultDeferredRefresh = 1 * time.Second

// ============================================================================
// Delivery pipeline
// ============================================================================

// deliveryPipeline turns a composed text into a terminally-resolved message:
// optimistic insert, push-first delivery with an acknowledgement deadline,
// HTTP fallback, and a guaranteed final status of sent or failed. No message
// ever stays in the sending state past the pipeline's exit.
type deliveryPipeline struct {
	client  *Client
	push    *PushClient
	ts      *transportSelector
	store   *Store
	sync    *syncEngine
	log     zerolog.Logger
	metrics *Metrics

	userID     string
	otherID    string
	purchaseID string

	deferredRefresh time.Duration
	newClientID     func() string

	mu       sync.Mutex
	inFlight map[string]bool // clientID -> currently in pipeline
}

func newDeliveryPipeline(client *Client, push *PushClient, ts *transportSelector, store *Store, sync *syncEngine, metrics *Metrics, userID, otherID, purchaseID string, log zerolog.Logger) *deliveryPipeline {
	return &deliveryPipeline{
		client:          client,
		push:            push,
		ts:              ts,
		store:           store,
		sync:            sync,
		metrics:         metrics,
		log:             log,
		userID:          userID,
		otherID:         otherID,
		purchaseID:      purchaseID,
		deferredRefresh: DefaultDeferredRefresh,
		newClientID:     func() string { return "temp-" + uuid.NewString() },
		inFlight:        make(map[string]bool),
	}
}

// roomID returns the push room binding: the server-discovered room when
// known, otherwise the deterministic purchase room name.
func (d *deliveryPipeline) roomID() string {
	if d.sync != nil {
		if r := d.sync.RoomID(); r != "" {
			return r
		}
	}
	if d.purchaseID != "" {
		return "purchase_" + d.purchaseID
	}
	return ""
}

// Send delivers text to the other party. Returns the client id of the
// message inserted into the store, and an error when delivery failed
// terminally. The optimistic entry is visible before this returns.
func (d *deliveryPipeline) Send(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	if d.userID == "" {
		return "", ErrIdentityNotReady
	}

	clientID := d.newClientID()
	if !d.acquire(clientID) {
		return "", ErrDuplicateSend
	}
	defer d.release(clientID)

	optimistic := Message{
		ClientID:  clientID,
		SenderID:  d.userID,
		Text:      text,
		Timestamp: time.Now(),
		IsMine:    true,
		Status:    StatusSending,
		RoomID:    d.roomID(),
	}
	if !d.store.Append(optimistic) {
		return "", ErrDuplicateSend
	}

	return clientID, d.deliver(ctx, text, clientID)
}

// Resend re-runs delivery for a message that failed terminally. The entry
// keeps its client id, so a late success still deduplicates cleanly.
func (d *deliveryPipeline) Resend(ctx context.Context, clientID string) error {
	m, ok := d.store.Get(clientID)
	if !ok {
		return ErrUnknownMessage
	}
	if m.Status != StatusFailed {
		return ErrDuplicateSend
	}
	if !d.acquire(clientID) {
		return ErrDuplicateSend
	}
	defer d.release(clientID)

	d.store.Retry(clientID)
	return d.deliver(ctx, m.Text, clientID)
}

func (d *deliveryPipeline) acquire(clientID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight[clientID] {
		return false
	}
	d.inFlight[clientID] = true
	return true
}

func (d *deliveryPipeline) release(clientID string) {
	d.mu.Lock()
	delete(d.inFlight, clientID)
	d.mu.Unlock()
}

// deliver attempts push first, then HTTP. It leaves the store entry in a
// terminal state on every path.
func (d *deliveryPipeline) deliver(ctx context.Context, text, clientID string) error {
	req := &SendRequest{
		Content:    text,
		SenderID:   d.userID,
		ReceiverID: d.otherID,
		PurchaseID: d.purchaseID,
	}

	// Push failure of any kind, including an acknowledgement timeout,
	// falls through to HTTP.
	if d.ts != nil && d.ts.PushUsable() {
		if room := d.roomID(); room != "" {
			started := time.Now()
			serverID, err := d.push.SendMessage(ctx, room, req, clientID)
			if err == nil {
				if d.metrics != nil {
					d.metrics.AckLatency.Observe(time.Since(started).Seconds())
				}
				d.metrics.sent("push")
				d.store.Resolve(clientID, serverID)
				d.scheduleConfirm(ctx)
				return nil
			}
			d.log.Debug().Err(err).Str("clientId", clientID).
				Msg("push delivery failed, falling back to HTTP")
		}
	}

	receipt, err := d.client.PostMessage(ctx, req)
	if err != nil {
		d.store.Fail(clientID)
		d.metrics.sendFailed()
		return err
	}
	d.metrics.sent("http")
	d.store.Resolve(clientID, receipt.MessageID)
	d.scheduleConfirm(ctx)
	return nil
}

// scheduleConfirm forces a refresh shortly after a successful send so the
// optimistic entry is replaced by the committed server row.
func (d *deliveryPipeline) scheduleConfirm(ctx context.Context) {
	if d.sync == nil {
		return
	}
	go func() {
		timer := time.NewTimer(d.deferredRefresh)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := d.sync.Refresh(ctx, true); err != nil {
			d.log.Debug().Err(err).Msg("post-send refresh failed")
		}
	}()
}
