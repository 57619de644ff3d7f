package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ava-labs/servicebus-transport/pkg/broker"
	"github.com/ava-labs/servicebus-transport/pkg/faults"
	"github.com/ava-labs/servicebus-transport/pkg/metrics"
)

// ErrControlPlaneUnavailable is returned without calling the broker while the
// control plane circuit is open. It classifies as transient.
var ErrControlPlaneUnavailable = fmt.Errorf("control plane unavailable: %w", broker.ErrTransient)

var _ broker.Admin = (*meteredAdmin)(nil)

// meteredAdmin throttles control plane calls, stops calling a failing
// control plane for a while and records the outcome of every call.
type meteredAdmin struct {
	next    broker.Admin
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
}

func newMeteredAdmin(next broker.Admin, cfg Config, log *zap.SugaredLogger, m *metrics.Metrics) *meteredAdmin {
	failures := uint32(cfg.ControlPlaneBreakerFailures)
	return &meteredAdmin{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(cfg.ControlPlaneRate), cfg.ControlPlaneBurst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "control-plane",
			MaxRequests: 1,
			Timeout:     cfg.ControlPlaneBreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			IsSuccessful: controlPlaneHealthy,
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warnw("circuit breaker state changed",
					"breaker", name,
					"from", from.String(),
					"to", to.String())
			},
		}),
		metrics: m,
	}
}

// controlPlaneHealthy reports whether err leaves the control plane healthy.
// Missing and conflicting entities are answers, not failures, and a caller
// giving up says nothing about the broker.
func controlPlaneHealthy(err error) bool {
	return err == nil ||
		faults.IsNotFound(err) ||
		faults.IsAlreadyExists(err) ||
		errors.Is(err, context.Canceled)
}

func (a *meteredAdmin) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := a.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", op, ctxErr)
		}
		// the deadline ends before a token frees up
		return fmt.Errorf("%s: control plane throttled: %w: %w", op, broker.ErrTransient, err)
	}
	start := time.Now()
	_, err := a.breaker.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%s: %w: %w", op, ErrControlPlaneUnavailable, err)
	}
	a.metrics.RecordAdminCall(op, err, time.Since(start).Seconds())
	return err
}

func (a *meteredAdmin) GetQueue(ctx context.Context, name string) (desc *broker.QueueDescriptor, err error) {
	err = a.call(ctx, "get_queue", func(ctx context.Context) error {
		desc, err = a.next.GetQueue(ctx, name)
		return err
	})
	return desc, err
}

func (a *meteredAdmin) CreateQueue(ctx context.Context, name string, desc broker.QueueDescriptor) error {
	return a.call(ctx, "create_queue", func(ctx context.Context) error {
		return a.next.CreateQueue(ctx, name, desc)
	})
}

func (a *meteredAdmin) UpdateQueue(ctx context.Context, name string, desc broker.QueueDescriptor) error {
	return a.call(ctx, "update_queue", func(ctx context.Context) error {
		return a.next.UpdateQueue(ctx, name, desc)
	})
}

func (a *meteredAdmin) DeleteQueue(ctx context.Context, name string) error {
	return a.call(ctx, "delete_queue", func(ctx context.Context) error {
		return a.next.DeleteQueue(ctx, name)
	})
}

func (a *meteredAdmin) GetTopic(ctx context.Context, name string) (desc *broker.TopicDescriptor, err error) {
	err = a.call(ctx, "get_topic", func(ctx context.Context) error {
		desc, err = a.next.GetTopic(ctx, name)
		return err
	})
	return desc, err
}

func (a *meteredAdmin) CreateTopic(ctx context.Context, name string, desc broker.TopicDescriptor) error {
	return a.call(ctx, "create_topic", func(ctx context.Context) error {
		return a.next.CreateTopic(ctx, name, desc)
	})
}

func (a *meteredAdmin) DeleteTopic(ctx context.Context, name string) error {
	return a.call(ctx, "delete_topic", func(ctx context.Context) error {
		return a.next.DeleteTopic(ctx, name)
	})
}

func (a *meteredAdmin) GetSubscription(ctx context.Context, topic, name string) (desc *broker.SubscriptionDescriptor, err error) {
	err = a.call(ctx, "get_subscription", func(ctx context.Context) error {
		desc, err = a.next.GetSubscription(ctx, topic, name)
		return err
	})
	return desc, err
}

func (a *meteredAdmin) CreateSubscription(ctx context.Context, topic, name string, desc broker.SubscriptionDescriptor) error {
	return a.call(ctx, "create_subscription", func(ctx context.Context) error {
		return a.next.CreateSubscription(ctx, topic, name, desc)
	})
}

func (a *meteredAdmin) UpdateSubscription(ctx context.Context, topic, name string, desc broker.SubscriptionDescriptor) error {
	return a.call(ctx, "update_subscription", func(ctx context.Context) error {
		return a.next.UpdateSubscription(ctx, topic, name, desc)
	})
}

func (a *meteredAdmin) DeleteSubscription(ctx context.Context, topic, name string) error {
	return a.call(ctx, "delete_subscription", func(ctx context.Context) error {
		return a.next.DeleteSubscription(ctx, topic, name)
	})
}
