package api

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportUnavailable is returned when a transport is used before
	// Start or after Close.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrBindFailure wraps failures to open the local endpoint.
	ErrBindFailure = errors.New("bind failure")
	// ErrCapacityExceeded describes a rejected buffer write. Buffer writes
	// report it as a false return, not as an error value.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrInvalidArgument is returned for out of range parameters.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrPollFailure wraps readiness polling failures. It is fatal for the loop.
	ErrPollFailure = errors.New("poll failure")
)

// CallbackError carries a failure raised by a user callback (timer, I/O
// watch or event subscriber).
type CallbackError struct {
	Source string
	Value  any
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("%s callback failed: %v", e.Source, e.Value)
}

// Unwrap returns the underlying error when the callback failed with one.
func (e *CallbackError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// ErrorSink receives callback failures. It must not panic.
type ErrorSink func(err error)
