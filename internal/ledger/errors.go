package ledger

import (
	"errors"
	"fmt"
)

// TransportError reports a failed call to a ledger collaborator (fetch,
// subscribe, pending or balance lookup).
//
// Transport errors are the only failures the engine surfaces to its caller.
// They are retryable: the engine leaves its state untouched when one occurs.
type TransportError struct {
	// Op names the failed call, e.g. "fetch_window".
	Op string

	// Channel is the channel the call was made for, if any.
	Channel string

	// Err is the underlying failure.
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Channel != "" {
		return fmt.Sprintf("transport %s (channel=%s): %v", e.Op, e.Channel, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// WrapTransport wraps err in a TransportError. Returns nil if err is nil and
// returns err unchanged if it already is a TransportError.
func WrapTransport(op, channel string, err error) error {
	if err == nil {
		return nil
	}
	if IsTransportError(err) {
		return err
	}
	return &TransportError{Op: op, Channel: channel, Err: err}
}

// IsTransportError returns true if err is or wraps a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
