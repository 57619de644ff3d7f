// Package inmemory is a process-local broker with queues, topics, forwarding
// subscriptions and peek-lock semantics. It backs unit tests and local runs
// of the transport without a Service Bus namespace.
package inmemory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/ava-labs/servicebus-transport/pkg/broker"
)

// Operation names used by Calls and FailNext.
const (
	OpGetQueue           = "GetQueue"
	OpCreateQueue        = "CreateQueue"
	OpUpdateQueue        = "UpdateQueue"
	OpDeleteQueue        = "DeleteQueue"
	OpGetTopic           = "GetTopic"
	OpCreateTopic        = "CreateTopic"
	OpDeleteTopic        = "DeleteTopic"
	OpGetSubscription    = "GetSubscription"
	OpCreateSubscription = "CreateSubscription"
	OpUpdateSubscription = "UpdateSubscription"
	OpDeleteSubscription = "DeleteSubscription"
	OpSend               = "Send"
	OpReceive            = "Receive"
	OpComplete           = "Complete"
	OpAbandon            = "Abandon"
	OpRenewLock          = "RenewLock"
)

const (
	DefaultLockDuration     = 30 * time.Second
	DefaultMaxDeliveryCount = 10

	pollInterval = 10 * time.Millisecond
)

var ErrClosed = errors.New("inmemory broker closed")

var (
	_ broker.Client = (*Broker)(nil)
	_ broker.Admin  = (*Broker)(nil)
)

type stored struct {
	msg           broker.Message
	seq           int64
	deliveryCount uint32
	visibleAt     time.Time
	expiresAt     time.Time
}

type lease struct {
	m     *stored
	until time.Time
}

type queue struct {
	desc       broker.QueueDescriptor
	ready      []*stored
	leases     map[string]*lease
	deadLetter []*stored
	seen       map[string]time.Time
	changed    chan struct{}
}

type topic struct {
	desc broker.TopicDescriptor
	subs map[string]broker.SubscriptionDescriptor
}

type fault struct {
	err   error
	times int
}

// Broker is a thread-safe in-memory implementation of broker.Client and broker.Admin.
type Broker struct {
	mu     sync.Mutex
	seq    int64
	queues map[string]*queue
	topics map[string]*topic
	calls  map[string]int
	faults map[string]*fault
	closed bool
}

func New() *Broker {
	return &Broker{
		queues: make(map[string]*queue),
		topics: make(map[string]*topic),
		calls:  make(map[string]int),
		faults: make(map[string]*fault),
	}
}

// Calls returns how many times op was invoked, including failed calls.
func (b *Broker) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// ResetCalls clears all call counters.
func (b *Broker) ResetCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.calls)
}

// FailNext makes the next times invocations of op fail with err.
func (b *Broker) FailNext(op string, err error, times int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults[op] = &fault{err: err, times: times}
}

// enter records a call and returns an injected fault, if any. Callers hold mu.
func (b *Broker) enter(op string) error {
	b.calls[op]++
	if b.closed {
		return ErrClosed
	}
	f, ok := b.faults[op]
	if !ok {
		return nil
	}
	f.times--
	if f.times <= 0 {
		delete(b.faults, op)
	}
	return f.err
}

func (b *Broker) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, q := range b.queues {
		q.notify()
	}
	return nil
}

func (q *queue) notify() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *queue) lockDuration() time.Duration {
	if q.desc.LockDuration > 0 {
		return q.desc.LockDuration
	}
	return DefaultLockDuration
}

func (q *queue) maxDeliveryCount() uint32 {
	if q.desc.MaxDeliveryCount > 0 {
		return uint32(q.desc.MaxDeliveryCount)
	}
	return DefaultMaxDeliveryCount
}

// release puts a locked message back at the head of the queue, or dead-letters
// it once it has been delivered too often.
func (q *queue) release(m *stored) {
	if m.deliveryCount >= q.maxDeliveryCount() {
		q.deadLetter = append(q.deadLetter, m)
		return
	}
	i := 0
	for i < len(q.ready) && q.ready[i].seq < m.seq {
		i++
	}
	q.ready = append(q.ready, nil)
	copy(q.ready[i+1:], q.ready[i:])
	q.ready[i] = m
	q.notify()
}

// reclaim releases expired leases.
func (q *queue) reclaim(now time.Time) {
	for token, l := range q.leases {
		if !l.until.After(now) {
			delete(q.leases, token)
			q.release(l.m)
		}
	}
}

// enqueue adds msgs to q, honoring duplicate detection. Callers hold mu.
func (b *Broker) enqueue(q *queue, msgs []*broker.Message, now time.Time) {
	window := q.desc.DuplicateDetectionHistoryTimeWindow
	if window <= 0 {
		window = 10 * time.Minute
	}
	for _, msg := range msgs {
		if q.desc.RequiresDuplicateDetection && msg.MessageID != "" {
			if at, ok := q.seen[msg.MessageID]; ok && now.Sub(at) < window {
				continue
			}
			q.seen[msg.MessageID] = now
		}
		b.seq++
		s := &stored{msg: copyMessage(msg), seq: b.seq, visibleAt: msg.ScheduledEnqueueTime}
		ttl := msg.TimeToLive
		if q.desc.DefaultMessageTimeToLive > 0 && (ttl <= 0 || ttl > q.desc.DefaultMessageTimeToLive) {
			ttl = q.desc.DefaultMessageTimeToLive
		}
		if ttl > 0 {
			start := now
			if s.visibleAt.After(now) {
				start = s.visibleAt
			}
			s.expiresAt = start.Add(ttl)
		}
		q.ready = append(q.ready, s)
	}
	q.notify()
}

func copyMessage(m *broker.Message) broker.Message {
	c := *m
	c.Properties = maps.Clone(m.Properties)
	c.Body = append([]byte(nil), m.Body...)
	return c
}

// Len returns the number of active messages in a queue, locked or not.
func (b *Broker) Len(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0
	}
	return len(q.ready) + len(q.leases)
}

// Peek returns copies of the messages waiting in a queue without locking them.
func (b *Broker) Peek(name string) []broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]broker.Message, 0, len(q.ready))
	for _, s := range q.ready {
		out = append(out, copyMessage(&s.msg))
	}
	return out
}

// DeadLetters returns copies of the dead-lettered messages of a queue.
func (b *Broker) DeadLetters(name string) []broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]broker.Message, 0, len(q.deadLetter))
	for _, s := range q.deadLetter {
		out = append(out, copyMessage(&s.msg))
	}
	return out
}

// ExpireLocks expires every lock currently held on a queue's messages.
func (b *Broker) ExpireLocks(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return
	}
	q.reclaim(time.Now().Add(q.lockDuration() + time.Hour))
}

func notFound(kind, name string) error {
	return fmt.Errorf("%s %q: %w", kind, name, broker.ErrEntityNotFound)
}

func alreadyExists(kind, name string) error {
	return fmt.Errorf("%s %q: %w", kind, name, broker.ErrEntityAlreadyExists)
}
