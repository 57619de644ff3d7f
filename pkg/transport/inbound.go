package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ava-labs/servicebus-transport/pkg/broker"
	"github.com/ava-labs/servicebus-transport/pkg/faults"
	"github.com/ava-labs/servicebus-transport/pkg/message"
	"github.com/ava-labs/servicebus-transport/pkg/metrics"
	"github.com/ava-labs/servicebus-transport/pkg/scheduler"
	"github.com/ava-labs/servicebus-transport/pkg/txcontext"
)

// Receiver pulls messages from the input queue in peek-lock mode.
type Receiver struct {
	resources *Resources
	scheduler *scheduler.Scheduler
	queue     string
	cfg       Config
	log       *zap.SugaredLogger
	metrics   *metrics.Metrics

	mu     sync.Mutex
	buffer []*broker.ReceivedMessage
}

// NewReceiver returns a Receiver for queue. Lock renewal runs on sched.
func NewReceiver(
	resources *Resources,
	sched *scheduler.Scheduler,
	queue string,
	cfg Config,
	log *zap.SugaredLogger,
	m *metrics.Metrics,
) *Receiver {
	return &Receiver{
		resources: resources,
		scheduler: sched,
		queue:     queue,
		cfg:       cfg,
		log:       log,
		metrics:   m,
	}
}

// Receive returns the next message of the input queue, or nil when none
// arrived within ReceiveWait or ctx was canceled. When tx is not nil the
// delivery is completed, abandoned and disposed by the transaction hooks,
// and a tx that already finished is rejected before anything is locked.
func (r *Receiver) Receive(ctx context.Context, tx *txcontext.Context) (*Delivery, error) {
	if tx != nil {
		if err := tx.Err(); err != nil {
			return nil, faults.Fatal(err, "cannot receive from queue %q", r.queue)
		}
	}
	rm, err := r.next(ctx)
	if err != nil {
		return nil, err
	}
	if rm == nil {
		r.metrics.RecordReceive(false)
		return nil, nil
	}
	r.metrics.RecordReceive(true)

	rc, err := r.resources.Receiver(r.queue)
	if err != nil {
		return nil, faults.Fatal(err, "failed to receive from queue %q", r.queue)
	}
	msg := fromEnvelope(rm)
	d := &Delivery{
		Headers:  msg.Headers,
		Body:     msg.Body,
		msg:      rm,
		receiver: rc,
		log:      r.log,
		metrics:  r.metrics,
	}
	if r.cfg.AutoRenewLocks && r.cfg.PrefetchCount == 0 {
		d.renewal = r.scheduleRenewal(d)
	}

	if tx != nil {
		if err := r.enlist(tx, d); err != nil {
			// tx finished while receiving
			if abandonErr := d.Abandon(ctx); abandonErr != nil {
				r.log.Errorw("failed to abandon message of finished transaction",
					"messageId", d.MessageID(),
					"error", abandonErr)
			}
			d.Dispose()
			return nil, faults.Fatal(err, "cannot receive from queue %q", r.queue)
		}
	}
	return d, nil
}

func (r *Receiver) enlist(tx *txcontext.Context, d *Delivery) error {
	if err := tx.OnDisposed(d.Dispose); err != nil {
		return err
	}
	if err := tx.OnCompleted(d.Complete); err != nil {
		return err
	}
	return tx.OnAborted(func(ctx context.Context) {
		if err := d.Abandon(ctx); err != nil {
			r.log.Errorw("failed to abandon message of aborted transaction",
				"messageId", d.MessageID(),
				"error", err)
		}
	})
}

// next returns a buffered message whose lock is still held, or receives.
func (r *Receiver) next(ctx context.Context) (*broker.ReceivedMessage, error) {
	if rm := r.popBuffered(); rm != nil {
		return rm, nil
	}

	rc, err := r.resources.Receiver(r.queue)
	if err != nil {
		return nil, faults.Fatal(err, "failed to receive from queue %q", r.queue)
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.cfg.ReceiveWait)
	defer cancel()

	maxMessages := 1
	if r.cfg.PrefetchCount > 1 {
		maxMessages = r.cfg.PrefetchCount
	}
	msgs, err := rc.Receive(waitCtx, maxMessages)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		r.metrics.IncError(faults.Classify(err).String())
		if faults.IsNotFound(err) {
			return nil, faults.Fatal(err, "input queue %q does not exist", r.queue)
		}
		return nil, faults.Fatal(err, "failed to receive from queue %q", r.queue)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	if len(msgs) > 1 {
		r.mu.Lock()
		r.buffer = append(r.buffer, msgs[1:]...)
		r.mu.Unlock()
	}
	return msgs[0], nil
}

func (r *Receiver) popBuffered() *broker.ReceivedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for len(r.buffer) > 0 {
		rm := r.buffer[0]
		r.buffer[0] = nil
		r.buffer = r.buffer[1:]
		if rm.LockedUntil.After(now) {
			return rm
		}
		r.log.Debugw("skipping prefetched message with expired lock",
			"messageId", rm.MessageID,
			"lockedUntil", rm.LockedUntil)
	}
	return nil
}

// Close abandons prefetched messages that were never handed out.
func (r *Receiver) Close(ctx context.Context) error {
	r.mu.Lock()
	buffered := r.buffer
	r.buffer = nil
	r.mu.Unlock()
	if len(buffered) == 0 {
		return nil
	}

	rc, err := r.resources.Receiver(r.queue)
	if err != nil {
		return err
	}
	var errs []error
	for _, rm := range buffered {
		if err := rc.Abandon(ctx, rm); err != nil && !faults.IsLockLost(err) {
			errs = append(errs, err)
		}
	}
	r.log.Infow("released prefetched messages", "messages", len(buffered))
	return errors.Join(errs...)
}

// Delivery is a received message holding a peek-lock. Exactly one of
// Complete or Abandon takes effect; later calls are no-ops. Dispose releases
// the delivery without settling it, leaving the lock to expire.
type Delivery struct {
	Headers map[string]string
	Body    []byte

	msg      *broker.ReceivedMessage
	receiver broker.Receiver
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics

	renewal  *scheduler.Task
	stopOnce sync.Once

	mu       sync.Mutex
	settled  bool
	disposed bool
	lockLost bool
}

// MessageID is the broker message id.
func (d *Delivery) MessageID() string {
	return d.msg.MessageID
}

// LockedUntil is the current lock expiry, moved forward by renewals.
func (d *Delivery) LockedUntil() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.msg.LockedUntil
}

// DeliveryCount counts this delivery, starting at 1.
func (d *Delivery) DeliveryCount() uint32 {
	return d.msg.DeliveryCount
}

// Message returns a copy of the received transport message.
func (d *Delivery) Message() *message.TransportMessage {
	return message.New(d.Headers, d.Body)
}

// Complete removes the message from the queue.
func (d *Delivery) Complete(ctx context.Context) error {
	return d.settle(ctx, "complete", d.receiver.Complete)
}

// Abandon releases the lock so the message is redelivered.
func (d *Delivery) Abandon(ctx context.Context) error {
	return d.settle(ctx, "abandon", d.receiver.Abandon)
}

func (d *Delivery) settle(
	ctx context.Context,
	outcome string,
	fn func(ctx context.Context, msg *broker.ReceivedMessage) error,
) error {
	d.stopRenewal()

	d.mu.Lock()
	if d.settled {
		d.mu.Unlock()
		return nil
	}
	d.settled = true
	d.mu.Unlock()

	err := fn(ctx, d.msg)
	d.metrics.RecordSettlement(outcome, err)
	if err != nil {
		d.metrics.IncError(faults.Classify(err).String())
		return faults.Fatal(err, "failed to %s message %q with lock token %s", outcome, d.msg.MessageID, d.msg.LockToken)
	}
	d.log.Debugw("settled message", "messageId", d.msg.MessageID, "outcome", outcome)
	return nil
}

// Dispose stops lock renewal. It is safe to call more than once.
func (d *Delivery) Dispose() {
	d.stopRenewal()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disposed {
		return
	}
	d.disposed = true
	d.metrics.DecMessagesInFlight()
}

func (d *Delivery) stopRenewal() {
	d.stopOnce.Do(func() {
		if d.renewal == nil {
			return
		}
		d.renewal.Stop()
		d.metrics.DecRenewalTasks()
	})
}
