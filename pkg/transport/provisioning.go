package transport

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ava-labs/servicebus-transport/pkg/broker"
	"github.com/ava-labs/servicebus-transport/pkg/faults"
	"github.com/ava-labs/servicebus-transport/pkg/metrics"
)

// Drift is a difference between the live and the configured settings of a queue.
type Drift struct {
	Setting string
	Current any
	Desired any
	// Mutable settings can be corrected with an update call.
	Mutable bool
}

// Provisioner creates and verifies queues and topics. Every operation is
// idempotent and retries transient control plane failures.
type Provisioner struct {
	admin   broker.Admin
	cfg     Config
	policy  faults.RetryPolicy
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

// NewProvisioner returns a Provisioner over admin.
func NewProvisioner(admin broker.Admin, cfg Config, log *zap.SugaredLogger, m *metrics.Metrics) *Provisioner {
	return &Provisioner{
		admin:   admin,
		cfg:     cfg,
		policy:  cfg.RetryPolicy(),
		log:     log,
		metrics: m,
	}
}

// retry runs op under the bounded retry policy, retrying transient faults only.
func (p *Provisioner) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	return faults.Retry(ctx, p.policy, faults.IsTransient, p.log, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			p.metrics.IncRetry(op)
		}
		return fn(ctx)
	})
}

// EnsureQueue creates the queue when it does not exist. desc is only applied
// at creation; a nil desc creates the queue with broker defaults. A concurrent
// creator winning the race counts as success.
func (p *Provisioner) EnsureQueue(ctx context.Context, name string, desc *broker.QueueDescriptor) error {
	err := p.retry(ctx, "ensure_queue", func(ctx context.Context) error {
		existing, err := p.admin.GetQueue(ctx, name)
		if err != nil {
			return err
		}
		if existing != nil {
			p.log.Debugw("queue exists", "queue", name)
			return nil
		}

		var d broker.QueueDescriptor
		if desc != nil {
			d = *desc
		}
		err = p.admin.CreateQueue(ctx, name, d)
		switch {
		case err == nil:
			p.log.Infow("created queue",
				"queue", name,
				"partitioned", d.EnablePartitioning,
				"lockDuration", d.LockDuration)
			return nil
		case faults.IsAlreadyExists(err):
			p.log.Infow("queue already exists", "queue", name)
			return nil
		default:
			return err
		}
	})
	if err != nil {
		p.metrics.IncError(faults.Classify(err).String())
		return faults.Fatal(err, "failed to ensure queue %q", name)
	}
	return nil
}

// CheckConfiguration compares the live settings of a queue with desired.
// Immutable differences are logged. Mutable differences are corrected with an
// update call unless DoNotCreateQueues is set, in which case they are only
// logged. Zero values in desired mean the broker default and are not compared.
func (p *Provisioner) CheckConfiguration(ctx context.Context, name string, desired broker.QueueDescriptor) ([]Drift, error) {
	var live *broker.QueueDescriptor
	err := p.retry(ctx, "check_queue", func(ctx context.Context) error {
		var err error
		live, err = p.admin.GetQueue(ctx, name)
		return err
	})
	if err != nil {
		return nil, faults.Fatal(err, "failed to read configuration of queue %q", name)
	}
	if live == nil {
		return nil, faults.Fatal(broker.ErrEntityNotFound, "queue %q does not exist", name)
	}

	drift := compareQueue(*live, desired)
	if len(drift) == 0 {
		p.log.Debugw("queue configuration matches", "queue", name)
		return nil, nil
	}

	mutable := false
	for _, d := range drift {
		if !d.Mutable {
			p.log.Warnw("queue setting cannot be changed after creation",
				"queue", name,
				"setting", d.Setting,
				"current", d.Current,
				"desired", d.Desired,
				"note", "recreate the queue to apply this setting")
			continue
		}
		mutable = true
		p.log.Warnw("queue setting differs from config",
			"queue", name,
			"setting", d.Setting,
			"current", d.Current,
			"desired", d.Desired)
	}
	if !mutable {
		return drift, nil
	}
	if p.cfg.DoNotCreateQueues {
		p.log.Warnw("queue configuration not corrected, entity management is disabled", "queue", name)
		return drift, nil
	}

	update := *live
	overlayMutable(&update, desired)
	err = p.retry(ctx, "update_queue", func(ctx context.Context) error {
		return p.admin.UpdateQueue(ctx, name, update)
	})
	if err != nil {
		return drift, faults.Fatal(err, "failed to update configuration of queue %q", name)
	}
	p.log.Infow("updated queue configuration", "queue", name, "settings", len(drift))
	return drift, nil
}

// EnsureTopic creates the topic when it does not exist. When a concurrent
// creator wins the race the topic is fetched again.
func (p *Provisioner) EnsureTopic(ctx context.Context, name string) error {
	err := p.retry(ctx, "ensure_topic", func(ctx context.Context) error {
		existing, err := p.admin.GetTopic(ctx, name)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}

		err = p.admin.CreateTopic(ctx, name, broker.TopicDescriptor{EnablePartitioning: p.cfg.EnablePartitioning})
		switch {
		case err == nil:
			p.log.Infow("created topic", "topic", name)
			return nil
		case faults.IsAlreadyExists(err):
			existing, err = p.admin.GetTopic(ctx, name)
			if err != nil {
				return err
			}
			if existing == nil {
				// Created and deleted between our calls.
				return fmt.Errorf("topic %q vanished after create conflict: %w", name, broker.ErrTransient)
			}
			p.log.Infow("topic already exists", "topic", name)
			return nil
		default:
			return err
		}
	})
	if err != nil {
		p.metrics.IncError(faults.Classify(err).String())
		return faults.Fatal(err, "failed to ensure topic %q", name)
	}
	return nil
}

func compareQueue(live, desired broker.QueueDescriptor) []Drift {
	var drift []Drift
	if live.EnablePartitioning != desired.EnablePartitioning {
		drift = append(drift, Drift{Setting: "EnablePartitioning", Current: live.EnablePartitioning, Desired: desired.EnablePartitioning})
	}
	if live.RequiresDuplicateDetection != desired.RequiresDuplicateDetection {
		drift = append(drift, Drift{Setting: "RequiresDuplicateDetection", Current: live.RequiresDuplicateDetection, Desired: desired.RequiresDuplicateDetection})
	}
	mutable := func(setting string, live, desired time.Duration) {
		if desired != 0 && live != desired {
			drift = append(drift, Drift{Setting: setting, Current: live, Desired: desired, Mutable: true})
		}
	}
	mutable("LockDuration", live.LockDuration, desired.LockDuration)
	mutable("DefaultMessageTimeToLive", live.DefaultMessageTimeToLive, desired.DefaultMessageTimeToLive)
	mutable("AutoDeleteOnIdle", live.AutoDeleteOnIdle, desired.AutoDeleteOnIdle)
	mutable("DuplicateDetectionHistoryTimeWindow", live.DuplicateDetectionHistoryTimeWindow, desired.DuplicateDetectionHistoryTimeWindow)
	if desired.MaxDeliveryCount != 0 && live.MaxDeliveryCount != desired.MaxDeliveryCount {
		drift = append(drift, Drift{Setting: "MaxDeliveryCount", Current: live.MaxDeliveryCount, Desired: desired.MaxDeliveryCount, Mutable: true})
	}
	return drift
}

func overlayMutable(dst *broker.QueueDescriptor, src broker.QueueDescriptor) {
	if src.LockDuration != 0 {
		dst.LockDuration = src.LockDuration
	}
	if src.DefaultMessageTimeToLive != 0 {
		dst.DefaultMessageTimeToLive = src.DefaultMessageTimeToLive
	}
	if src.AutoDeleteOnIdle != 0 {
		dst.AutoDeleteOnIdle = src.AutoDeleteOnIdle
	}
	if src.DuplicateDetectionHistoryTimeWindow != 0 {
		dst.DuplicateDetectionHistoryTimeWindow = src.DuplicateDetectionHistoryTimeWindow
	}
	if src.MaxDeliveryCount != 0 {
		dst.MaxDeliveryCount = src.MaxDeliveryCount
	}
}
