package chatsync

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultTypingCooldown is the minimum gap between two outbound typing
	// signals.
	DefaultTypingCooldown = 3 * time.Second

	// DefaultTypingIdle is how long after the last keystroke the local user
	// stops counting as typing.
	DefaultTypingIdle = 4 * time.Second
)

// ============================================================================
// Typing throttle
// ============================================================================

// typingThrottle rate-limits outbound typing signals and tracks whether the
// local user is actively composing. The sync engine consults Active to avoid
// reshuffling the message list mid-keystroke.
type typingThrottle struct {
	cooldown time.Duration
	idle     time.Duration
	emit     func(ctx context.Context, typing bool)

	mu        sync.Mutex
	lastEmit  time.Time
	lastInput time.Time
	idleTimer *time.Timer
	now       func() time.Time
}

func newTypingThrottle(emit func(context.Context, bool)) *typingThrottle {
	return &typingThrottle{
		cooldown: DefaultTypingCooldown,
		idle:     DefaultTypingIdle,
		emit:     emit,
		now:      time.Now,
	}
}

// Input records a keystroke. The first keystroke after a quiet period emits a
// typing signal; further keystrokes inside the cooldown emit nothing.
func (t *typingThrottle) Input(ctx context.Context) {
	t.mu.Lock()
	now := t.now()
	t.lastInput = now
	shouldEmit := now.Sub(t.lastEmit) >= t.cooldown
	if shouldEmit {
		t.lastEmit = now
	}
	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	t.idleTimer = time.AfterFunc(t.idle, func() { t.stop(ctx) })
	t.mu.Unlock()

	if shouldEmit && t.emit != nil {
		t.emit(ctx, true)
	}
}

// Active reports whether the local user typed within the idle window.
func (t *typingThrottle) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.lastInput.IsZero() && t.now().Sub(t.lastInput) < t.idle
}

// Stop clears typing state immediately, typically when a message is sent.
func (t *typingThrottle) Stop(ctx context.Context) {
	t.mu.Lock()
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	t.mu.Unlock()
	t.stop(ctx)
}

func (t *typingThrottle) stop(ctx context.Context) {
	t.mu.Lock()
	wasTyping := !t.lastInput.IsZero()
	t.lastInput = time.Time{}
	t.lastEmit = time.Time{}
	t.mu.Unlock()
	if wasTyping && t.emit != nil {
		t.emit(ctx, false)
	}
}
