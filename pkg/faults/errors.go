package faults

import (
	"errors"
	"fmt"
)

// ErrConfiguration marks invalid transport configuration, such as a queue
// name colliding with the publish marker or a missing connection string.
var ErrConfiguration = errors.New("invalid transport configuration")

// Error is the single error kind escalated by the transport.
type Error struct {
	Context string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Context
	}
	return fmt.Sprintf("%s: %v", e.Context, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal wraps err into an *Error with a formatted context.
func Fatal(err error, format string, args ...any) error {
	return &Error{Context: fmt.Sprintf(format, args...), Err: err}
}

// Configuration returns an error wrapping ErrConfiguration.
func Configuration(format string, args ...any) error {
	return &Error{Context: fmt.Sprintf(format, args...), Err: ErrConfiguration}
}
