package transport

import (
	"context"
	"time"

	"github.com/ava-labs/servicebus-transport/pkg/faults"
	"github.com/ava-labs/servicebus-transport/pkg/scheduler"
)

// renewalFraction of the remaining lock time elapses between renewals.
const renewalFraction = 0.7

// renewalInterval is 70% of the lock time left at now, never less than
// minInterval. A lock that is about to expire, or already expired because
// of clock skew, is renewed every minInterval.
func renewalInterval(lockedUntil, now time.Time, minInterval time.Duration) time.Duration {
	interval := time.Duration(float64(lockedUntil.Sub(now)) * renewalFraction)
	if interval < minInterval {
		return minInterval
	}
	return interval
}

// scheduleRenewal starts renewing the lock of d in the background. The task
// is stopped by the first of Complete, Abandon or Dispose, and idles once the
// broker reports the lock lost.
func (r *Receiver) scheduleRenewal(d *Delivery) *scheduler.Task {
	interval := renewalInterval(d.msg.LockedUntil, time.Now(), r.cfg.MinLockRenewalInterval)
	task := r.scheduler.Schedule("renew-lock/"+d.msg.MessageID, interval, func(ctx context.Context) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.settled || d.disposed || d.lockLost {
			return
		}

		err := d.receiver.RenewLock(ctx, d.msg)
		r.metrics.RecordLockRenewal(err)
		switch {
		case err == nil:
			r.log.Debugw("renewed message lock",
				"messageId", d.msg.MessageID,
				"lockedUntil", d.msg.LockedUntil)
		case ctx.Err() != nil:
			// stopped while renewing
		case faults.IsLockLost(err):
			d.lockLost = true
			r.log.Warnw("message lock lost before renewal",
				"messageId", d.msg.MessageID,
				"lockToken", d.msg.LockToken)
		default:
			r.log.Warnw("failed to renew message lock",
				"messageId", d.msg.MessageID,
				"lockToken", d.msg.LockToken,
				"error", err)
		}
	})
	r.metrics.IncRenewalTasks()
	r.log.Debugw("scheduled lock renewal",
		"messageId", d.msg.MessageID,
		"interval", interval)
	return task
}
