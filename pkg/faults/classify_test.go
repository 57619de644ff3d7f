package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ava-labs/servicebus-transport/pkg/broker"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: KindFatal},
		{name: "plain", err: errors.New("boom"), want: KindFatal},
		{name: "already exists", err: fmt.Errorf("create queue: %w", broker.ErrEntityAlreadyExists), want: KindAlreadyExists},
		{name: "not found", err: fmt.Errorf("get: %w", broker.ErrEntityNotFound), want: KindNotFound},
		{name: "lock lost", err: fmt.Errorf("renew: %w", broker.ErrLockLost), want: KindLockLost},
		{name: "transient", err: fmt.Errorf("%w: throttled", broker.ErrTransient), want: KindTransient},
		{name: "deadline", err: context.DeadlineExceeded, want: KindTransient},
		{name: "configuration", err: Configuration("bad queue %q", "x"), want: KindFatal},
		{name: "wrapped in transport error", err: Fatal(broker.ErrEntityNotFound, "receive"), want: KindNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsTransient(broker.ErrTransient))
	assert.False(t, IsTransient(nil))
	assert.True(t, IsNotFound(broker.ErrEntityNotFound))
	assert.True(t, IsAlreadyExists(broker.ErrEntityAlreadyExists))
	assert.True(t, IsLockLost(broker.ErrLockLost))
	assert.False(t, IsLockLost(errors.New("other")))
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "transient", KindTransient.String())
	assert.Equal(t, "already_exists", KindAlreadyExists.String())
	assert.Equal(t, "not_found", KindNotFound.String())
	assert.Equal(t, "lock_lost", KindLockLost.String())
	assert.Equal(t, "fatal", KindFatal.String())
}

func TestError_WrapsCause(t *testing.T) {
	cause := errors.New("socket closed")
	err := Fatal(cause, "could not complete message %s", "m-1")

	var tErr *Error
	assert.True(t, errors.As(err, &tErr))
	assert.Equal(t, "could not complete message m-1", tErr.Context)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "could not complete message m-1: socket closed", err.Error())
}

func TestConfiguration_IsConfigurationError(t *testing.T) {
	err := Configuration("queue name %q contains the publish marker", "topic://x")
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "topic://x")
}
