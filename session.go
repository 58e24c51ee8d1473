package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPushRefreshDebounce delays the forced refresh that follows a push
// notification, batching bursts of events into one fetch.
const DefaultPushRefreshDebounce = 300 * time.Millisecond

// DefaultArchiveDebounce delays the local-history write that follows a store
// change, batching bursts into one transaction.
const DefaultArchiveDebounce = 1 * time.Second

// ============================================================================
// Session configuration
// ============================================================================

// SessionConfig binds a session to one conversation. TransactionID scopes the
// conversation to a purchase; OtherUserID scopes a direct conversation. At
// least one must be set.
type SessionConfig struct {
	UserID        string
	OtherUserID   string
	TransactionID string
	Role          Role

	// PushEndpoint overrides the websocket URL derived from the client's
	// base URL.
	PushEndpoint string

	// PollInterval overrides the pull-channel cadence.
	PollInterval time.Duration

	// Metrics, when set, receives delivery and sync counters.
	Metrics *Metrics

	// History, when set, seeds the store on open and archives the
	// conversation as it changes, with a final write on close.
	History *History

	Logger zerolog.Logger
}

func (c *SessionConfig) validate() error {
	if c.UserID == "" {
		return ErrIdentityNotReady
	}
	if c.TransactionID == "" && c.OtherUserID == "" {
		return errors.New("chatsync: session needs a transaction id or a conversation partner")
	}
	return nil
}

// pushEndpointFor derives the websocket endpoint from an HTTP origin.
func pushEndpointFor(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/ws"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/ws"
	default:
		return baseURL + "/ws"
	}
}

// ============================================================================
// ChatSession
// ============================================================================

// ChatSession is one live conversation: it owns the store, both transport
// channels, the delivery pipeline, sync, read-state and typing. Construct
// with NewSession, start with Open, and always Close.
type ChatSession struct {
	cfg     SessionConfig
	client  *Client
	store   *Store
	push    *PushClient
	ts      *transportSelector
	sync    *syncEngine
	pipe    *deliveryPipeline
	reads   *readStateCoordinator
	typing  *typingThrottle
	metrics *Metrics
	log     zerolog.Logger

	refreshNudge *debouncer
	archiveNudge *debouncer

	mu        sync.Mutex
	runCtx    context.Context
	runCancel context.CancelFunc
	opened    bool
	closed    bool
	joined    bool

	// pushDone is closed when the current push run loop returns. Recover
	// consults it so two run loops never share the channel.
	pushDone chan struct{}

	changeFns []func([]Message)
	peerFns   []func(userID string, typing bool)

	wg sync.WaitGroup
}

// NewSession builds a session over an existing API client. The session is
// inert until Open.
func NewSession(client *Client, cfg SessionConfig) (*ChatSession, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.PushEndpoint == "" {
		cfg.PushEndpoint = pushEndpointFor(client.BaseURL())
	}

	log := cfg.Logger.With().
		Str("purchaseId", cfg.TransactionID).
		Str("userId", cfg.UserID).
		Logger()

	s := &ChatSession{
		cfg:     cfg,
		client:  client,
		store:   NewStore(),
		metrics: cfg.Metrics,
		log:     log,
	}

	query := FetchQuery{
		PurchaseID:       cfg.TransactionID,
		ConversationWith: cfg.OtherUserID,
	}
	s.sync = newSyncEngine(client, s.store, query, cfg.UserID, log)
	s.sync.typingNow = func() bool { return s.typing.Active() }

	s.push = NewPushClient(cfg.PushEndpoint, client.token, WithPushLogger(log))
	s.ts = newTransportSelector(s.poll, log)
	if cfg.PollInterval > 0 {
		s.ts.pollInterval = cfg.PollInterval
	}
	s.ts.onState = func(st TransportState) { s.metrics.transport(st) }

	s.pipe = newDeliveryPipeline(client, s.push, s.ts, s.store, s.sync, s.metrics,
		cfg.UserID, cfg.OtherUserID, cfg.TransactionID, log)
	s.reads = newReadStateCoordinator(client, s.push, s.ts, s.store, s.sync, s.metrics,
		cfg.UserID, log)
	s.typing = newTypingThrottle(s.emitTyping)
	s.refreshNudge = newDebouncer(DefaultPushRefreshDebounce)

	s.store.OnChange(s.fanOutChange)
	if cfg.History != nil && cfg.TransactionID != "" {
		s.archiveNudge = newDebouncer(DefaultArchiveDebounce)
		s.store.OnChange(func([]Message) {
			s.archiveNudge.trigger(s.archive)
		})
	}
	s.wirePushHandlers()
	return s, nil
}

func (s *ChatSession) wirePushHandlers() {
	s.push.OnConnected(func() {
		ctx := s.runContext()
		if ctx == nil {
			return
		}
		s.mu.Lock()
		firstJoin := !s.joined
		s.joined = true
		s.mu.Unlock()

		// Reconnects replay the join before this handler runs; only the
		// first connect needs an explicit one.
		if firstJoin && s.cfg.TransactionID != "" {
			if err := s.push.JoinRoom(ctx, s.cfg.TransactionID, s.cfg.UserID, s.cfg.Role); err != nil {
				s.log.Warn().Err(err).Msg("room join failed")
			}
		}
		s.ts.PushConnected(ctx)
		// Anything missed while the link was down arrives via one forced
		// refresh.
		s.nudgeRefresh("push")
	})

	s.push.OnDisconnected(func(err error) {
		if ctx := s.runContext(); ctx != nil {
			s.ts.PushLost(ctx, err)
		}
	})

	s.push.OnDialFailed(func(err error) {
		s.metrics.reconnect()
		if ctx := s.runContext(); ctx != nil {
			s.ts.PushFailed(ctx, err)
		}
	})

	s.push.OnMessage(func(m Message) {
		if m.IsMine {
			// Own message echoed back; reconciliation owns it.
			s.nudgeRefresh("push")
			return
		}
		s.store.Append(m)
		s.nudgeRefresh("push")
		// Receiving while the conversation is open counts as reading.
		s.markReadAsync()
	})

	s.push.OnMessageUpdated(func(Message) {
		s.nudgeRefresh("push")
	})

	s.push.OnMessageRead(func(roomID string, userID FlexID, ids []FlexID) {
		if string(userID) == s.cfg.UserID {
			return
		}
		s.store.MarkSentRead(ids)
	})

	s.push.OnTyping(func(userID string, typing bool) {
		if userID == s.cfg.UserID {
			return
		}
		s.mu.Lock()
		fns := append([]func(string, bool){}, s.peerFns...)
		s.mu.Unlock()
		for _, fn := range fns {
			fn(userID, typing)
		}
	})
}

// ============================================================================
// Lifecycle
// ============================================================================

// Open starts both channels and performs the initial sync. The store may
// already hold archived history when it returns; the first live reconcile
// follows asynchronously.
func (s *ChatSession) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.opened {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.runCancel = cancel
	s.opened = true
	done := make(chan struct{})
	s.pushDone = done
	s.mu.Unlock()

	s.seedFromHistory()

	s.ts.Start(runCtx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		if err := s.push.Run(runCtx); err != nil && runCtx.Err() == nil {
			s.log.Warn().Err(err).Msg("push channel stopped")
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.refresh(runCtx, true, "manual"); err != nil && runCtx.Err() == nil {
			s.log.Warn().Err(err).Msg("initial refresh failed")
		}
	}()

	s.log.Info().Str("endpoint", s.cfg.PushEndpoint).Msg("session opened")
	return nil
}

func (s *ChatSession) seedFromHistory() {
	if s.cfg.History == nil || s.cfg.TransactionID == "" {
		return
	}
	room := "purchase_" + s.cfg.TransactionID
	msgs, err := s.cfg.History.Recent(room, 200)
	if err != nil {
		s.log.Debug().Err(err).Msg("history seed failed")
		return
	}
	if len(msgs) > 0 {
		s.store.Reconcile(msgs)
	}
}

// Close tears the session down. Idempotent.
func (s *ChatSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.runCancel
	s.mu.Unlock()

	s.refreshNudge.stop()
	if s.archiveNudge != nil {
		s.archiveNudge.stop()
	}
	if cancel != nil {
		cancel()
	}
	s.push.Close()
	s.ts.Stop()
	s.wg.Wait()

	if s.cfg.History != nil && s.cfg.TransactionID != "" {
		s.archive()
	}
	s.log.Info().Msg("session closed")
	return nil
}

// archive writes the current snapshot to local history. Runs from the archive
// debouncer's timer goroutine and once more during Close.
func (s *ChatSession) archive() {
	room := "purchase_" + s.cfg.TransactionID
	if err := s.cfg.History.Record(room, s.store.Snapshot()); err != nil {
		s.log.Debug().Err(err).Msg("history archive failed")
	}
}

func (s *ChatSession) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened || s.closed {
		return nil
	}
	return s.runCtx
}

// ============================================================================
// Operations
// ============================================================================

// Send delivers text to the other party and returns the client id of the new
// store entry. The entry is visible immediately with a sending status and is
// guaranteed to end up sent or failed.
func (s *ChatSession) Send(ctx context.Context, text string) (string, error) {
	if s.runContext() == nil {
		return "", ErrSessionClosed
	}
	s.typing.Stop(ctx)
	id, err := s.pipe.Send(ctx, text)
	if err != nil {
		return id, fmt.Errorf("send: %w", err)
	}
	return id, nil
}

// Resend retries a terminally failed message.
func (s *ChatSession) Resend(ctx context.Context, clientID string) error {
	if s.runContext() == nil {
		return ErrSessionClosed
	}
	return s.pipe.Resend(ctx, clientID)
}

// MarkAsRead reports the local user's reading of received messages.
func (s *ChatSession) MarkAsRead(ctx context.Context) error {
	return s.reads.MarkAsRead(ctx)
}

// Refresh forces an immediate reconciliation against the server.
func (s *ChatSession) Refresh(ctx context.Context) error {
	return s.refresh(ctx, true, "manual")
}

// TypingInput records a keystroke in the composer.
func (s *ChatSession) TypingInput() {
	if ctx := s.runContext(); ctx != nil {
		s.typing.Input(ctx)
	}
}

// Messages returns the current conversation snapshot in display order.
func (s *ChatSession) Messages() []Message {
	return s.store.Snapshot()
}

// RoomID returns the discovered conversation room, or "" before discovery.
func (s *ChatSession) RoomID() string {
	return s.sync.RoomID()
}

// HasMore reports whether the server holds conversation history beyond the
// fetched window.
func (s *ChatSession) HasMore() bool {
	return s.sync.HasMore()
}

// OtherUser returns the counterpart's profile as the server sent it, or nil
// before the first fetch.
func (s *ChatSession) OtherUser() json.RawMessage {
	return s.sync.OtherUser()
}

// TransportState reports which channel currently carries the conversation.
func (s *ChatSession) TransportState() TransportState {
	return s.ts.State()
}

// Recover clears a spent push handshake budget and retries the push channel.
// Callers invoke it on an explicit user action or a network-change signal. A
// new run loop starts only after the previous one has returned; while one is
// still alive, between reconnect attempts at worst, it owns reconnection.
func (s *ChatSession) Recover() {
	s.ts.Recover()
	ctx := s.runContext()
	if ctx == nil {
		return
	}
	s.mu.Lock()
	if s.pushDone != nil {
		select {
		case <-s.pushDone:
		default:
			s.mu.Unlock()
			return
		}
	}
	done := make(chan struct{})
	s.pushDone = done
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		if err := s.push.Run(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("push channel stopped")
		}
	}()
}

// OnChange subscribes to store snapshots. Register before Open.
func (s *ChatSession) OnChange(fn func([]Message)) {
	s.mu.Lock()
	s.changeFns = append(s.changeFns, fn)
	s.mu.Unlock()
}

// OnPeerTyping subscribes to the other party's typing indicator.
func (s *ChatSession) OnPeerTyping(fn func(userID string, typing bool)) {
	s.mu.Lock()
	s.peerFns = append(s.peerFns, fn)
	s.mu.Unlock()
}

// ============================================================================
// Internal plumbing
// ============================================================================

func (s *ChatSession) fanOutChange(msgs []Message) {
	s.mu.Lock()
	fns := append([]func([]Message){}, s.changeFns...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(msgs)
	}
}

func (s *ChatSession) poll(ctx context.Context) {
	if err := s.refresh(ctx, false, "poll"); err != nil {
		if errors.Is(err, ErrRefreshInFlight) || errors.Is(err, ErrRefreshThrottled) {
			return
		}
		s.log.Debug().Err(err).Msg("poll refresh failed")
	}
}

func (s *ChatSession) refresh(ctx context.Context, force bool, trigger string) error {
	err := s.sync.Refresh(ctx, force)
	switch {
	case err == nil:
		s.metrics.refreshed(trigger)
		// Pull-delivered messages count as read just like push-delivered
		// ones while the conversation is open.
		if s.store.HasUnreadReceived() {
			s.markReadAsync()
		}
	case errors.Is(err, ErrRefreshInFlight), errors.Is(err, ErrRefreshThrottled):
		s.metrics.refreshSkipped()
	}
	return err
}

// markReadAsync reports read state off the calling goroutine. Every delivery
// path funnels through it; overlapping calls coalesce inside the coordinator.
func (s *ChatSession) markReadAsync() {
	ctx := s.runContext()
	if ctx == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.reads.MarkAsRead(ctx)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrRoomNotReady) {
			s.log.Debug().Err(err).Msg("auto mark-as-read failed")
		}
	}()
}

// nudgeRefresh schedules a debounced forced refresh in response to a push
// event.
func (s *ChatSession) nudgeRefresh(trigger string) {
	s.refreshNudge.trigger(func() {
		ctx := s.runContext()
		if ctx == nil {
			return
		}
		if err := s.refresh(ctx, true, trigger); err != nil {
			s.log.Debug().Err(err).Msg("push-nudged refresh failed")
		}
	})
}

func (s *ChatSession) emitTyping(ctx context.Context, typing bool) {
	if !s.ts.PushUsable() {
		return
	}
	room := s.sync.RoomID()
	if room == "" && s.cfg.TransactionID != "" {
		room = "purchase_" + s.cfg.TransactionID
	}
	if room == "" {
		return
	}
	if err := s.push.Typing(ctx, room, s.cfg.UserID, typing); err != nil {
		s.log.Debug().Err(err).Msg("typing emit failed")
	}
}

// ============================================================================
// Debouncer
// ============================================================================

// debouncer coalesces bursts of triggers into one deferred call.
type debouncer struct {
	delay time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func newDebouncer(delay time.Duration) *debouncer {
	return &debouncer{delay: delay}
}

func (d *debouncer) trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
