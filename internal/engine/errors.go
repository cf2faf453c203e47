package engine

import (
	"errors"
	"fmt"
)

// RuntimeError is an engine-level failure that callers branch on.
//
// Errors with the same Code match under errors.Is, so the package sentinels
// can be compared against errors that carry channel details.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Channel is the channel the operation targeted, if known.
	Channel string

	// Token is the ticket token of the discarded operation, if known.
	Token string
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeStale means the channel was switched or closed while the
	// operation was suspended and its result was discarded.
	ErrCodeStale RuntimeErrorCode = "STALE"

	// ErrCodeClosed means the engine was already closed when called.
	ErrCodeClosed RuntimeErrorCode = "CLOSED"

	// ErrCodeInactiveChannel means a session was asked about a channel it
	// is not currently showing.
	ErrCodeInactiveChannel RuntimeErrorCode = "INACTIVE_CHANNEL"
)

var (
	ErrStale           = &RuntimeError{Code: ErrCodeStale, Message: "result discarded: channel no longer active"}
	ErrClosed          = &RuntimeError{Code: ErrCodeClosed, Message: "engine closed"}
	ErrInactiveChannel = &RuntimeError{Code: ErrCodeInactiveChannel, Message: "channel is not active"}
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.Channel != "" && e.Token != "" {
		return fmt.Sprintf("%s: %s (channel=%s, token=%s)", e.Code, e.Message, e.Channel, e.Token)
	}
	if e.Channel != "" {
		return fmt.Sprintf("%s: %s (channel=%s)", e.Code, e.Message, e.Channel)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any RuntimeError with the same code.
func (e *RuntimeError) Is(target error) bool {
	t, ok := target.(*RuntimeError)
	return ok && t.Code == e.Code
}

func newStaleError(t Ticket) *RuntimeError {
	return &RuntimeError{Code: ErrCodeStale, Message: ErrStale.Message, Channel: t.Channel, Token: t.Token}
}

func newClosedError(channel string) *RuntimeError {
	return &RuntimeError{Code: ErrCodeClosed, Message: ErrClosed.Message, Channel: channel}
}

func newInactiveError(channel string) *RuntimeError {
	return &RuntimeError{Code: ErrCodeInactiveChannel, Message: ErrInactiveChannel.Message, Channel: channel}
}

// IsStaleError reports whether err is a discarded-result error.
// Uses errors.As to handle wrapped errors.
func IsStaleError(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeStale
	}
	return false
}

// IsClosedError reports whether err came from a closed engine.
func IsClosedError(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeClosed
	}
	return false
}
