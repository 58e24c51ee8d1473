package chatsync

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"no token", ErrNoAuthToken, CategoryAuth},
		{"wrapped no token", fmt.Errorf("send: %w", ErrNoAuthToken), CategoryAuth},
		{"ack timeout", ErrAckTimeout, CategoryTimeout},
		{"deadline", context.DeadlineExceeded, CategoryTimeout},
		{"http 401", &APIError{Code: "401", Message: "unauthorized"}, CategoryAuth},
		{"http 403", &APIError{Code: "403", Message: "forbidden"}, CategoryAuth},
		{"connection refused", errors.New("dial tcp: connection refused"), CategoryNetwork},
		{"connection reset", errors.New("read: connection reset by peer"), CategoryNetwork},
		{"timed out", errors.New("request timed out"), CategoryTimeout},
		{"opaque", errors.New("something odd"), CategoryUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyError(tc.err); got != tc.want {
				t.Errorf("ClassifyError(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestHumanMessageNeverLeaksTransportDetail(t *testing.T) {
	err := errors.New("dial tcp 10.0.0.3:443: connection refused")
	msg := HumanMessage(err)
	if msg == err.Error() {
		t.Error("raw transport error surfaced to the user")
	}
	if msg == "" {
		t.Error("empty human message")
	}
}

func TestHumanMessageFallsBackToErrorText(t *testing.T) {
	err := errors.New("something odd")
	if got := HumanMessage(err); got != "something odd" {
		t.Errorf("HumanMessage = %q, want the original text for unknown categories", got)
	}
}

func TestAPIErrorFormat(t *testing.T) {
	e := &APIError{Code: "409", Message: "purchase is closed"}
	if got := e.Error(); got != "409: purchase is closed" {
		t.Errorf("Error() = %q", got)
	}
	e = &APIError{Message: "bad request"}
	if got := e.Error(); got != "bad request" {
		t.Errorf("Error() without code = %q", got)
	}
}
