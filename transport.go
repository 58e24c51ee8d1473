package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultPollInterval paces the pull channel while push is unavailable.
	DefaultPollInterval = 10 * time.Second

	// DefaultHandshakeBudget is how many consecutive push handshake
	// failures are tolerated before the session commits to polling.
	DefaultHandshakeBudget = 3
)

// TransportState names the active delivery channel.
type TransportState int

const (
	// StateIdle is the state before Open and after Close.
	StateIdle TransportState = iota
	// StateConnecting means the push handshake is in progress. Polling
	// already runs so the conversation is live from the first moment.
	StateConnecting
	// StatePushActive means the websocket carries delivery and the poll
	// ticker is stopped.
	StatePushActive
	// StatePullActive means delivery and sync run over HTTP polling, either
	// because the handshake budget is spent or the link dropped.
	StatePullActive
)

func (s TransportState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StatePushActive:
		return "push"
	case StatePullActive:
		return "pull"
	default:
		return "unknown"
	}
}

// ============================================================================
// Transport selector
// ============================================================================

// transportSelector arbitrates between the push and pull channels. It owns
// the single poll ticker: polling starts the moment push is not carrying the
// conversation and stops the moment it is, so exactly one sync driver is
// active at any time.
type transportSelector struct {
	pollInterval    time.Duration
	handshakeBudget int
	onPoll          func(ctx context.Context)
	onState         func(TransportState)
	log             zerolog.Logger

	mu         sync.Mutex
	state      TransportState
	failures   int
	exhausted  bool
	pollCancel context.CancelFunc
	wg         sync.WaitGroup
}

func newTransportSelector(onPoll func(context.Context), log zerolog.Logger) *transportSelector {
	return &transportSelector{
		pollInterval:    DefaultPollInterval,
		handshakeBudget: DefaultHandshakeBudget,
		onPoll:          onPoll,
		log:             log,
		state:           StateIdle,
	}
}

func (t *transportSelector) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// PushUsable reports whether sends should attempt the push channel first.
func (t *transportSelector) PushUsable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StatePushActive
}

// Start moves the selector out of idle and begins polling immediately; push
// promotion arrives later through PushConnected.
func (t *transportSelector) Start(ctx context.Context) {
	t.mu.Lock()
	if t.state != StateIdle {
		t.mu.Unlock()
		return
	}
	t.state = StateConnecting
	t.startPollLocked(ctx)
	t.mu.Unlock()
	t.fireState(StateConnecting)
}

// PushConnected promotes the push channel. The poll ticker stops and the
// handshake failure counter resets.
func (t *transportSelector) PushConnected(ctx context.Context) {
	t.mu.Lock()
	if t.state == StateIdle {
		t.mu.Unlock()
		return
	}
	t.failures = 0
	t.exhausted = false
	t.state = StatePushActive
	t.stopPollLocked()
	t.mu.Unlock()
	t.log.Debug().Msg("transport promoted to push")
	t.fireState(StatePushActive)
}

// PushFailed records a failed push handshake attempt. Once the budget is
// spent the selector commits to pull until an explicit recovery.
func (t *transportSelector) PushFailed(ctx context.Context, err error) {
	t.mu.Lock()
	if t.state == StateIdle {
		t.mu.Unlock()
		return
	}
	t.failures++
	committed := false
	if t.failures >= t.handshakeBudget && !t.exhausted {
		t.exhausted = true
		committed = true
	}
	t.state = StatePullActive
	t.startPollLocked(ctx)
	t.mu.Unlock()

	if committed {
		t.log.Warn().Int("failures", t.failures).Err(err).
			Msg("push handshake budget spent, committing to pull")
	}
	t.fireState(StatePullActive)
}

// PushLost demotes the selector after an established link dropped. Polling
// resumes immediately while the push client reconnects in the background.
func (t *transportSelector) PushLost(ctx context.Context, err error) {
	t.mu.Lock()
	if t.state != StatePushActive {
		t.mu.Unlock()
		return
	}
	t.state = StatePullActive
	t.startPollLocked(ctx)
	t.mu.Unlock()
	t.log.Info().Err(err).Msg("push link lost, polling resumed")
	t.fireState(StatePullActive)
}

// Exhausted reports whether the handshake budget is spent. While exhausted,
// reconnect attempts stay suspended until Recover.
func (t *transportSelector) Exhausted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exhausted
}

// Recover clears the exhausted flag so a fresh push handshake round may run,
// typically on an explicit user retry or network-change signal.
func (t *transportSelector) Recover() {
	t.mu.Lock()
	t.failures = 0
	t.exhausted = false
	t.mu.Unlock()
}

// Stop halts polling and returns the selector to idle.
func (t *transportSelector) Stop() {
	t.mu.Lock()
	t.state = StateIdle
	t.stopPollLocked()
	t.mu.Unlock()
	t.wg.Wait()
	t.fireState(StateIdle)
}

func (t *transportSelector) fireState(s TransportState) {
	if t.onState != nil {
		t.onState(s)
	}
}

// ============================================================================
// Poll ticker
// ============================================================================

func (t *transportSelector) startPollLocked(ctx context.Context) {
	if t.pollCancel != nil {
		return // already polling
	}
	pollCtx, cancel := context.WithCancel(ctx)
	t.pollCancel = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				t.onPoll(pollCtx)
			}
		}
	}()
}

func (t *transportSelector) stopPollLocked() {
	if t.pollCancel != nil {
		t.pollCancel()
		t.pollCancel = nil
	}
}
