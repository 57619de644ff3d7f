package inmemory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ava-labs/servicebus-transport/pkg/broker"
)

var errHandleClosed = errors.New("inmemory handle closed")

type sender struct {
	b      *Broker
	entity string
	closed atomic.Bool
}

func (b *Broker) NewSender(entity string) (broker.Sender, error) {
	if entity == "" {
		return nil, errors.New("inmemory: empty entity name")
	}
	return &sender{b: b, entity: entity}, nil
}

// SendBatch delivers all messages or none. Sending to a topic forwards a copy
// to the queue of every subscription; subscriptions whose queue is missing
// are skipped.
func (s *sender) SendBatch(_ context.Context, msgs []*broker.Message) error {
	if s.closed.Load() {
		return errHandleClosed
	}
	if len(msgs) > broker.MaxBatchSize {
		return fmt.Errorf("inmemory: batch of %d exceeds %d messages", len(msgs), broker.MaxBatchSize)
	}
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpSend); err != nil {
		return err
	}
	now := time.Now()
	if q, ok := b.queues[s.entity]; ok {
		b.enqueue(q, msgs, now)
		return nil
	}
	t, ok := b.topics[s.entity]
	if !ok {
		return notFound("entity", s.entity)
	}
	for _, sub := range t.subs {
		if q, ok := b.queues[forwardTarget(sub.ForwardTo)]; ok {
			b.enqueue(q, msgs, now)
		}
	}
	return nil
}

func (s *sender) Close(context.Context) error {
	s.closed.Store(true)
	return nil
}

func forwardTarget(name string) string {
	if i := strings.LastIndex(name, "://"); i >= 0 {
		name = name[i+3:]
		if j := strings.Index(name, "/"); j >= 0 {
			name = name[j+1:]
		}
	}
	return name
}

type receiver struct {
	b      *Broker
	queue  string
	closed atomic.Bool
}

func (b *Broker) NewReceiver(queueName string) (broker.Receiver, error) {
	if queueName == "" {
		return nil, errors.New("inmemory: empty queue name")
	}
	return &receiver{b: b, queue: queueName}, nil
}

func (r *receiver) Receive(ctx context.Context, maxMessages int) ([]*broker.ReceivedMessage, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	first := true
	for {
		if r.closed.Load() {
			return nil, errHandleClosed
		}
		msgs, changed, err := r.tryReceive(maxMessages, first)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
		first = false
		select {
		case <-ctx.Done():
			return nil, nil
		case <-changed:
		case <-time.After(pollInterval):
		}
	}
}

func (r *receiver) tryReceive(maxMessages int, count bool) ([]*broker.ReceivedMessage, <-chan struct{}, error) {
	b := r.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if count {
		if err := b.enter(OpReceive); err != nil {
			return nil, nil, err
		}
	} else if b.closed {
		return nil, nil, ErrClosed
	}
	q, ok := b.queues[r.queue]
	if !ok {
		return nil, nil, notFound("queue", r.queue)
	}
	now := time.Now()
	q.reclaim(now)

	var out []*broker.ReceivedMessage
	remaining := q.ready[:0]
	for _, s := range q.ready {
		switch {
		case !s.expiresAt.IsZero() && !s.expiresAt.After(now):
			// expired messages are discarded
		case len(out) >= maxMessages || s.visibleAt.After(now):
			remaining = append(remaining, s)
		default:
			s.deliveryCount++
			token := uuid.NewString()
			until := now.Add(q.lockDuration())
			q.leases[token] = &lease{m: s, until: until}
			out = append(out, &broker.ReceivedMessage{
				MessageID:     s.msg.MessageID,
				CorrelationID: s.msg.CorrelationID,
				ContentType:   s.msg.ContentType,
				Subject:       s.msg.Subject,
				Properties:    maps.Clone(s.msg.Properties),
				Body:          append([]byte(nil), s.msg.Body...),
				LockToken:     token,
				LockedUntil:   until,
				DeliveryCount: s.deliveryCount,
			})
		}
	}
	clear(q.ready[len(remaining):])
	q.ready = remaining
	return out, q.changed, nil
}

// lease resolves a valid lease for msg. Callers hold mu.
func (r *receiver) lease(op string, msg *broker.ReceivedMessage) (*queue, *lease, error) {
	if r.closed.Load() {
		return nil, nil, errHandleClosed
	}
	if err := r.b.enter(op); err != nil {
		return nil, nil, err
	}
	q, ok := r.b.queues[r.queue]
	if !ok {
		return nil, nil, notFound("queue", r.queue)
	}
	q.reclaim(time.Now())
	l, ok := q.leases[msg.LockToken]
	if !ok {
		return nil, nil, fmt.Errorf("message %q: %w", msg.MessageID, broker.ErrLockLost)
	}
	return q, l, nil
}

func (r *receiver) Complete(_ context.Context, msg *broker.ReceivedMessage) error {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	q, _, err := r.lease(OpComplete, msg)
	if err != nil {
		return err
	}
	delete(q.leases, msg.LockToken)
	return nil
}

func (r *receiver) Abandon(_ context.Context, msg *broker.ReceivedMessage) error {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	q, l, err := r.lease(OpAbandon, msg)
	if err != nil {
		return err
	}
	delete(q.leases, msg.LockToken)
	q.release(l.m)
	return nil
}

func (r *receiver) RenewLock(_ context.Context, msg *broker.ReceivedMessage) error {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	q, l, err := r.lease(OpRenewLock, msg)
	if err != nil {
		return err
	}
	l.until = time.Now().Add(q.lockDuration())
	msg.LockedUntil = l.until
	return nil
}

func (r *receiver) Close(context.Context) error {
	r.closed.Store(true)
	return nil
}
