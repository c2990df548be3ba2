package events

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownEvent is returned when a name is not in the registry.
	ErrUnknownEvent = errors.New("unknown event")

	// ErrDuplicateEvent is returned when a registry is built with the same
	// name, or the same resolved channel, twice.
	ErrDuplicateEvent = errors.New("duplicate event")
)

// ValidationError reports a payload that failed its event schema.
type ValidationError struct {
	Event string
	// Field is set when the failure concerns something other than the payload.
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("event %s: invalid %s: %v", e.Event, e.Field, e.Err)
	}
	return fmt.Sprintf("event %s: invalid payload: %v", e.Event, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
