package broker

import "errors"

var (
	// ErrEntityNotFound is returned when a queue, topic or subscription does not exist.
	ErrEntityNotFound = errors.New("messaging entity not found")
	// ErrEntityAlreadyExists is returned when creating an entity that already exists.
	ErrEntityAlreadyExists = errors.New("messaging entity already exists")
	// ErrLockLost is returned when a peek-lock has expired or was released.
	ErrLockLost = errors.New("message lock lost")
	// ErrTransient marks failures that are expected to go away on retry
	// (throttling, timeouts, lost connections).
	ErrTransient = errors.New("transient broker failure")
)
