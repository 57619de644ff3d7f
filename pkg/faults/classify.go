package faults

import (
	"context"
	"errors"

	"github.com/ava-labs/servicebus-transport/pkg/broker"
)

// Kind is the outcome a failure maps to.
type Kind int

const (
	// KindFatal failures are wrapped and escalated.
	KindFatal Kind = iota
	// KindTransient failures may be retried.
	KindTransient
	// KindAlreadyExists is swallowed by idempotent creates.
	KindAlreadyExists
	// KindNotFound is swallowed by best-effort publishes and idempotent deletes.
	KindNotFound
	// KindLockLost is logged and otherwise ignored.
	KindLockLost
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAlreadyExists:
		return "already_exists"
	case KindNotFound:
		return "not_found"
	case KindLockLost:
		return "lock_lost"
	default:
		return "fatal"
	}
}

// Classify maps err to a Kind. A nil error is reported as KindFatal and
// callers are expected to check for nil first.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindFatal
	case errors.Is(err, ErrConfiguration):
		return KindFatal
	case errors.Is(err, broker.ErrEntityAlreadyExists):
		return KindAlreadyExists
	case errors.Is(err, broker.ErrEntityNotFound):
		return KindNotFound
	case errors.Is(err, broker.ErrLockLost):
		return KindLockLost
	case errors.Is(err, broker.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindFatal
	}
}

func IsTransient(err error) bool     { return err != nil && Classify(err) == KindTransient }
func IsNotFound(err error) bool      { return err != nil && Classify(err) == KindNotFound }
func IsAlreadyExists(err error) bool { return err != nil && Classify(err) == KindAlreadyExists }
func IsLockLost(err error) bool      { return err != nil && Classify(err) == KindLockLost }
