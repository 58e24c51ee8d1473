package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	// DefaultAckTimeout bounds how long a push send waits for the server's
	// delivery acknowledgement before the HTTP fallback takes over.
	DefaultAckTimeout = 5 * time.Second

	// DefaultHeartbeatInterval paces websocket-level pings on an idle link.
	DefaultHeartbeatInterval = 25 * time.Second

	defaultMaxReconnectAttempts = 8
	reconnectBaseDelay          = 1 * time.Second
	reconnectMaxDelay           = 30 * time.Second
	stableConnDuration          = 60 * time.Second
)

// ============================================================================
// Wire envelope
// ============================================================================

// envelope is the framing every push-channel message uses in both directions.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type joinRoomPayload struct {
	PurchaseID string `json:"purchaseId"`
	UserID     string `json:"userId"`
	UserRole   string `json:"userRole"`
}

type sendMessagePayload struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	RecipientID string `json:"recipientId,omitempty"`
	Content     string `json:"content"`
	ClientID    string `json:"clientId"`
	Timestamp   string `json:"timestamp"`
	PurchaseID  string `json:"purchaseId,omitempty"`
}

type markAsReadPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type typingPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Typing bool   `json:"isTyping"`
}

type messageSentPayload struct {
	ClientID  string `json:"clientId"`
	Status    string `json:"status"`
	MessageID FlexID `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

type messageReadPayload struct {
	RoomID     string   `json:"roomId"`
	UserID     FlexID   `json:"userId"`
	MessageIDs []FlexID `json:"messageIds"`
}

// PushAck is the outcome of a push-channel send attempt.
type PushAck struct {
	ClientID  string
	MessageID FlexID
	Err       error
}

// ============================================================================
// PushClient
// ============================================================================

// PushClient maintains the websocket push channel: a persistent connection
// that carries room membership, low-latency message delivery, delivery
// acknowledgements and read notifications.
//
// The client reconnects automatically with jittered exponential backoff. The
// attempt counter resets after the link stays up for a minute, so a flaky
// network does not permanently exhaust the budget.
type PushClient struct {
	endpoint string
	token    TokenProvider
	log      zerolog.Logger

	ackTimeout        time.Duration
	heartbeatInterval time.Duration
	maxReconnects     int

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	cancelRun context.CancelFunc

	// pendingAcks correlates sendMessage emissions with messageSent
	// responses by client id.
	pendingAcks map[string]chan PushAck

	// rejoin is replayed on every (re)connect to restore room membership.
	rejoin *joinRoomPayload

	onMessage        func(Message)
	onMessageUpdated func(Message)
	onMessageRead    func(messageReadPayload)
	onConnected      func()
	onDisconnected   func(error)
	onDialFailed     func(error)
	onTyping         func(userID string, typing bool)

	wg sync.WaitGroup
}

type PushOption func(*PushClient)

func WithAckTimeout(d time.Duration) PushOption {
	return func(p *PushClient) { p.ackTimeout = d }
}

func WithHeartbeatInterval(d time.Duration) PushOption {
	return func(p *PushClient) { p.heartbeatInterval = d }
}

func WithMaxReconnectAttempts(n int) PushOption {
	return func(p *PushClient) { p.maxReconnects = n }
}

func WithPushLogger(log zerolog.Logger) PushOption {
	return func(p *PushClient) { p.log = log }
}

// NewPushClient creates a push channel client for the given websocket
// endpoint (ws:// or wss://). The connection is not opened until Run.
func NewPushClient(endpoint string, token TokenProvider, opts ...PushOption) *PushClient {
	p := &PushClient{
		endpoint:          endpoint,
		token:             token,
		log:               zerolog.Nop(),
		ackTimeout:        DefaultAckTimeout,
		heartbeatInterval: DefaultHeartbeatInterval,
		maxReconnects:     defaultMaxReconnectAttempts,
		pendingAcks:       make(map[string]chan PushAck),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ============================================================================
// Handler registration
// ============================================================================

// OnMessage registers the handler for inbound chat messages. Register before
// Run.
func (p *PushClient) OnMessage(fn func(Message)) { p.onMessage = fn }

// OnMessageUpdated registers the handler for server-side message edits.
func (p *PushClient) OnMessageUpdated(fn func(Message)) { p.onMessageUpdated = fn }

// OnMessageRead registers the handler for the other party's read receipts.
func (p *PushClient) OnMessageRead(fn func(roomID string, userID FlexID, ids []FlexID)) {
	p.onMessageRead = func(pl messageReadPayload) { fn(pl.RoomID, pl.UserID, pl.MessageIDs) }
}

// OnConnected fires after every successful (re)connect, once room membership
// has been replayed.
func (p *PushClient) OnConnected(fn func()) { p.onConnected = fn }

// OnDisconnected fires when an established link drops. Reconnection is
// already underway when the handler runs, unless the attempt budget is
// exhausted.
func (p *PushClient) OnDisconnected(fn func(error)) { p.onDisconnected = fn }

// OnDialFailed fires after each connection attempt that never established a
// link, before the backoff wait.
func (p *PushClient) OnDialFailed(fn func(error)) { p.onDialFailed = fn }

// OnTyping registers the handler for the other party's typing indicator.
func (p *PushClient) OnTyping(fn func(userID string, typing bool)) { p.onTyping = fn }

// Connected reports whether the push link is currently up.
func (p *PushClient) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// ============================================================================
// Connection lifecycle
// ============================================================================

// Run dials the push channel and keeps it alive until the context is
// cancelled, Close is called, or the reconnect budget is exhausted. It blocks;
// callers run it in its own goroutine.
func (p *PushClient) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return ErrSessionClosed
	}
	p.cancelRun = cancel
	p.mu.Unlock()

	attempt := 0
	for {
		start := time.Now()
		established, err := p.runOnce(ctx)
		if !established && p.onDialFailed != nil && ctx.Err() == nil {
			p.onDialFailed(err)
		}

		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed || ctx.Err() != nil {
			return nil
		}

		if time.Since(start) > stableConnDuration {
			attempt = 0
		}
		attempt++
		if attempt > p.maxReconnects {
			p.log.Warn().Int("attempts", attempt-1).Msg("push channel reconnect budget exhausted")
			return fmt.Errorf("push channel gave up after %d attempts: %w", attempt-1, err)
		}

		delay := backoffDelay(attempt)
		p.log.Info().
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("push channel reconnecting")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

func backoffDelay(attempt int) time.Duration {
	d := time.Duration(float64(reconnectBaseDelay) * math.Pow(2, float64(attempt-1)))
	if d > reconnectMaxDelay {
		d = reconnectMaxDelay
	}
	// Up to 25% jitter keeps simultaneous clients from reconnecting in
	// lockstep.
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
	return d + jitter
}

func (p *PushClient) runOnce(ctx context.Context) (bool, error) {
	tok, err := p.token()
	if err != nil {
		return false, fmt.Errorf("token provider: %w", err)
	}
	if tok == "" {
		return false, ErrNoAuthToken
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, p.endpoint, &websocket.DialOptions{
		HTTPHeader: map[string][]string{
			"Authorization": {"Bearer " + tok},
		},
	})
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial push channel: %w", err)
	}

	p.mu.Lock()
	p.conn = conn
	p.connected = true
	rejoin := p.rejoin
	p.mu.Unlock()

	if rejoin != nil {
		if err := p.emit(ctx, "createOrJoinRoom", rejoin); err != nil {
			p.teardown(conn, err)
			return true, err
		}
	}
	if p.onConnected != nil {
		p.onConnected()
	}
	p.log.Info().Str("endpoint", p.endpoint).Msg("push channel connected")

	hbCtx, hbCancel := context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.heartbeat(hbCtx, conn)
	}()

	err = p.readLoop(ctx, conn)
	hbCancel()
	p.teardown(conn, err)
	return true, err
}

func (p *PushClient) teardown(conn *websocket.Conn, cause error) {
	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
		p.connected = false
	}
	// Every in-flight send fails fast so the HTTP fallback can take over.
	for id, ch := range p.pendingAcks {
		ch <- PushAck{ClientID: id, Err: ErrNotConnected}
		delete(p.pendingAcks, id)
	}
	p.mu.Unlock()

	conn.Close(websocket.StatusNormalClosure, "")
	if p.onDisconnected != nil {
		p.onDisconnected(cause)
	}
}

// Close shuts the push channel down permanently.
func (p *PushClient) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.cancelRun
	conn := p.conn
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	p.wg.Wait()
	return nil
}

func (p *PushClient) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				p.log.Debug().Err(err).Msg("heartbeat ping failed")
				return
			}
		}
	}
}

// ============================================================================
// Read loop and dispatch
// ============================================================================

func (p *PushClient) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var env envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return fmt.Errorf("push channel read: %w", err)
		}
		p.dispatch(env)
	}
}

func (p *PushClient) selfID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rejoin == nil {
		return ""
	}
	return p.rejoin.UserID
}

func (p *PushClient) dispatch(env envelope) {
	switch env.Type {
	case "message", "messageReceived":
		var wm WireMessage
		if err := json.Unmarshal(env.Payload, &wm); err != nil {
			p.log.Warn().Err(err).Str("type", env.Type).Msg("malformed push message")
			return
		}
		if p.onMessage != nil {
			p.onMessage(wm.ToMessage(p.selfID()))
		}

	case "messageUpdated":
		var wm WireMessage
		if err := json.Unmarshal(env.Payload, &wm); err != nil {
			p.log.Warn().Err(err).Msg("malformed messageUpdated")
			return
		}
		if p.onMessageUpdated != nil {
			p.onMessageUpdated(wm.ToMessage(p.selfID()))
		}

	case "messageSent":
		var pl messageSentPayload
		if err := json.Unmarshal(env.Payload, &pl); err != nil {
			p.log.Warn().Err(err).Msg("malformed messageSent ack")
			return
		}
		p.resolveAck(pl)

	case "messageRead":
		var pl messageReadPayload
		if err := json.Unmarshal(env.Payload, &pl); err != nil {
			p.log.Warn().Err(err).Msg("malformed messageRead")
			return
		}
		if p.onMessageRead != nil {
			p.onMessageRead(pl)
		}

	case "typing":
		var pl typingPayload
		if err := json.Unmarshal(env.Payload, &pl); err != nil {
			return
		}
		if p.onTyping != nil {
			p.onTyping(pl.UserID, pl.Typing)
		}

	case "error":
		var pl struct {
			Message string `json:"message"`
		}
		json.Unmarshal(env.Payload, &pl)
		p.log.Warn().Str("message", pl.Message).Msg("push channel error event")

	default:
		p.log.Debug().Str("type", env.Type).Msg("unhandled push event")
	}
}

func (p *PushClient) resolveAck(pl messageSentPayload) {
	p.mu.Lock()
	ch, ok := p.pendingAcks[pl.ClientID]
	if ok {
		delete(p.pendingAcks, pl.ClientID)
	}
	p.mu.Unlock()
	if !ok {
		// Ack arrived after the timeout already handed the send to the
		// fallback path. Reconciliation will dedupe by client id.
		p.log.Debug().Str("clientId", pl.ClientID).Msg("late delivery ack discarded")
		return
	}
	ack := PushAck{ClientID: pl.ClientID, MessageID: pl.MessageID}
	switch strings.ToLower(pl.Status) {
	case "success", "sent", "ok":
	default:
		msg := pl.Error
		if msg == "" {
			msg = "delivery rejected"
		}
		ack.Err = &APIError{Message: msg}
	}
	ch <- ack
}

// ============================================================================
// Emission
// ============================================================================

func (p *PushClient) emit(ctx context.Context, typ string, payload interface{}) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, conn, envelope{Type: typ, Payload: raw})
}

// JoinRoom requests membership in the room for the given purchase. The join
// is replayed automatically after every reconnect.
func (p *PushClient) JoinRoom(ctx context.Context, purchaseID, userID string, role Role) error {
	pl := &joinRoomPayload{PurchaseID: purchaseID, UserID: userID, UserRole: string(role)}
	p.mu.Lock()
	p.rejoin = pl
	p.mu.Unlock()
	return p.emit(ctx, "createOrJoinRoom", pl)
}

// SendMessage emits a message on the push channel and waits for the server's
// delivery acknowledgement, up to the ack timeout. Callers fall back to HTTP
// delivery on any returned error.
func (p *PushClient) SendMessage(ctx context.Context, roomID string, req *SendRequest, clientID string) (FlexID, error) {
	ch := make(chan PushAck, 1)
	p.mu.Lock()
	if p.conn == nil {
		p.mu.Unlock()
		return "", ErrNotConnected
	}
	p.pendingAcks[clientID] = ch
	p.mu.Unlock()

	pl := &sendMessagePayload{
		RoomID:      roomID,
		UserID:      req.SenderID,
		RecipientID: req.ReceiverID,
		Content:     req.Content,
		ClientID:    clientID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		PurchaseID:  req.PurchaseID,
	}
	if err := p.emit(ctx, "sendMessage", pl); err != nil {
		p.mu.Lock()
		delete(p.pendingAcks, clientID)
		p.mu.Unlock()
		return "", err
	}

	timer := time.NewTimer(p.ackTimeout)
	defer timer.Stop()
	select {
	case ack := <-ch:
		if ack.Err != nil {
			return "", ack.Err
		}
		return ack.MessageID, nil
	case <-timer.C:
		p.mu.Lock()
		delete(p.pendingAcks, clientID)
		p.mu.Unlock()
		return "", ErrAckTimeout
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pendingAcks, clientID)
		p.mu.Unlock()
		return "", ctx.Err()
	}
}

// MarkAsRead emits a fire-and-forget read notification for the room.
func (p *PushClient) MarkAsRead(ctx context.Context, roomID, userID string) error {
	return p.emit(ctx, "markAsRead", &markAsReadPayload{RoomID: roomID, UserID: userID})
}

// Typing emits the local user's typing indicator state.
func (p *PushClient) Typing(ctx context.Context, roomID, userID string, typing bool) error {
	return p.emit(ctx, "typing", &typingPayload{RoomID: roomID, UserID: userID, Typing: typing})
}
