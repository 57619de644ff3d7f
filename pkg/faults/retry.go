package faults

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Default retry policy values for control plane operations.
const (
	DefaultMaxAttempts     = 10
	DefaultInitialInterval = 200 * time.Millisecond
	DefaultMaxInterval     = 5 * time.Second
)

// RetryPolicy bounds the retry combinator.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// WithDefaults returns a copy of the policy with zero fields filled in.
func (p RetryPolicy) WithDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultInitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultMaxInterval
	}
	return p
}

// Retry runs op until it succeeds, fails with an error retryable rejects, the
// attempt cap is reached or ctx is done. The last error is returned unchanged.
func Retry(
	ctx context.Context,
	policy RetryPolicy,
	retryable func(error) bool,
	log *zap.SugaredLogger,
	op func(ctx context.Context) error,
) error {
	policy = policy.WithDefaults()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = policy.InitialInterval
	exp.MaxInterval = policy.MaxInterval
	exp.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(policy.MaxAttempts-1)), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		if log != nil {
			log.Warnw("retrying operation",
				"attempt", attempt,
				"maxAttempts", policy.MaxAttempts,
				"nextDelay", next,
				"error", err,
			)
		}
	}

	return backoff.RetryNotify(operation, b, notify)
}
