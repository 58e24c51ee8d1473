package chatsync

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ============================================================================
// Error Taxonomy
// ============================================================================

var (
	// ErrNoAuthToken means the token provider returned nothing. No network
	// operation may proceed without a bearer token.
	ErrNoAuthToken = errors.New("chatsync: no auth token available")

	// ErrIdentityNotReady means the local user identity is unresolved.
	ErrIdentityNotReady = errors.New("chatsync: user identity not resolved")

	// ErrRoomNotReady means the conversation room id is not known yet.
	// Callers retry; the room is resolved asynchronously from server
	// responses or embedded message references.
	ErrRoomNotReady = errors.New("chatsync: room identity not resolved")

	// ErrEmptyMessage means the message text was empty after trimming.
	ErrEmptyMessage = errors.New("chatsync: message text is empty")

	// ErrDuplicateSend means a message with the same clientId already
	// exists in the store.
	ErrDuplicateSend = errors.New("chatsync: duplicate send for clientId")

	// ErrUnknownMessage means no store entry matches the given id.
	ErrUnknownMessage = errors.New("chatsync: unknown message id")

	// ErrNotConnected means the push channel is not open.
	ErrNotConnected = errors.New("chatsync: push channel not connected")

	// ErrAckTimeout means the push channel accepted a message but no
	// acknowledgment arrived within the configured window.
	ErrAckTimeout = errors.New("chatsync: timed out waiting for message ack")

	// ErrRefreshInFlight means a non-forced refresh was dropped because
	// another refresh is already running.
	ErrRefreshInFlight = errors.New("chatsync: refresh already in flight")

	// ErrRefreshThrottled means a non-forced refresh was rejected by the
	// minimum-interval or typing guard.
	ErrRefreshThrottled = errors.New("chatsync: refresh throttled")

	// ErrSessionClosed means the session was torn down while an operation
	// was pending.
	ErrSessionClosed = errors.New("chatsync: session closed")
)

// ErrorCategory is the coarse classification surfaced to the UI layer in
// place of raw transport errors.
type ErrorCategory string

const (
	CategoryAuth    ErrorCategory = "auth"
	CategoryTimeout ErrorCategory = "timeout"
	CategoryNetwork ErrorCategory = "network"
	CategoryUnknown ErrorCategory = "unknown"
)

// ClassifyError maps an arbitrary error onto an ErrorCategory.
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}
	switch {
	case errors.Is(err, ErrNoAuthToken):
		return CategoryAuth
	case errors.Is(err, ErrAckTimeout), errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "auth"), strings.Contains(msg, "token"), strings.Contains(msg, "401"), strings.Contains(msg, "403"):
		return CategoryAuth
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"), strings.Contains(msg, "deadline"):
		return CategoryTimeout
	case strings.Contains(msg, "network"), strings.Contains(msg, "connection"), strings.Contains(msg, "refused"), strings.Contains(msg, "reset"):
		return CategoryNetwork
	}
	return CategoryUnknown
}

// HumanMessage returns the user-facing message for an error. Raw transport
// errors never reach the UI layer directly.
func HumanMessage(err error) string {
	switch ClassifyError(err) {
	case CategoryAuth:
		return "Authentication failed. Please check your login status."
	case CategoryTimeout:
		return "The server took too long to respond. Please check your connection."
	case CategoryNetwork:
		return "A network error occurred. Please check your internet connection."
	default:
		if err != nil {
			return err.Error()
		}
		return "An unknown error occurred."
	}
}
