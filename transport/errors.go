package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNilHandler is returned when Subscribe is called without a handler.
	ErrNilHandler = errors.New("handler is required")

	// ErrQueueFull is returned when a bounded outbound queue rejects a message.
	ErrQueueFull = errors.New("outbound queue is full")

	// ErrEmptyChannel is returned for operations on an empty channel name.
	ErrEmptyChannel = errors.New("channel name is required")
)

// CapabilityError reports an operation the transport does not support.
// It is always returned before any I/O is attempted.
type CapabilityError struct {
	Transport string
	Operation string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("transport %s does not support %s", e.Transport, e.Operation)
}

// ConnectionError reports a failed connection attempt.
type ConnectionError struct {
	Transport string
	Endpoint  string
	Err       error
}

func (e *ConnectionError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("transport %s: connect %s: %v", e.Transport, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("transport %s: connect: %v", e.Transport, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TransportStateError reports an operation attempted in a state that cannot serve it.
type TransportStateError struct {
	Operation string
	State     State
	// Target is set when the failure was an illegal state transition.
	Target *State
}

func (e *TransportStateError) Error() string {
	if e.Target != nil {
		return fmt.Sprintf("illegal transition %s -> %s", e.State, *e.Target)
	}
	return fmt.Sprintf("cannot %s while %s", e.Operation, e.State)
}

// IsCapability reports whether err is (or wraps) a CapabilityError.
func IsCapability(err error) bool {
	var ce *CapabilityError
	return errors.As(err, &ce)
}
