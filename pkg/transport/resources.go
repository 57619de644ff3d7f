package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ava-labs/servicebus-transport/pkg/broker"
)

// ErrClosed is returned by a transport that was closed.
var ErrClosed = errors.New("transport closed")

type closer struct {
	name  string
	close func(ctx context.Context) error
}

// Resources owns every data plane handle of a transport instance. Handles
// are created on first use, at most once per entity, and closed in reverse
// creation order.
type Resources struct {
	client broker.Client
	log    *zap.SugaredLogger

	mu           sync.Mutex
	closed       bool
	queueSenders map[string]broker.Sender
	topicSenders map[string]broker.Sender
	receiver     broker.Receiver
	teardown     []closer

	subscribersMu sync.RWMutex
	subscribers   map[string][]string
	loads         singleflight.Group
}

// NewResources returns an empty cache over client.
func NewResources(client broker.Client, log *zap.SugaredLogger) *Resources {
	return &Resources{
		client:       client,
		log:          log,
		queueSenders: make(map[string]broker.Sender),
		topicSenders: make(map[string]broker.Sender),
		subscribers:  make(map[string][]string),
	}
}

// Entity names are case-insensitive on the broker.
func cacheKey(name string) string {
	return strings.ToLower(name)
}

// SenderFor returns the sender of a queue.
func (r *Resources) SenderFor(queue string) (broker.Sender, error) {
	return r.senderFor(r.queueSenders, "queue", queue)
}

// TopicSenderFor returns the sender of a topic.
func (r *Resources) TopicSenderFor(topic string) (broker.Sender, error) {
	return r.senderFor(r.topicSenders, "topic", topic)
}

func (r *Resources) senderFor(cache map[string]broker.Sender, kind, name string) (broker.Sender, error) {
	key := cacheKey(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if s, ok := cache[key]; ok {
		return s, nil
	}
	s, err := r.client.NewSender(name)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s sender %q: %w", kind, name, err)
	}
	cache[key] = s
	r.teardown = append(r.teardown, closer{name: kind + " sender " + name, close: s.Close})
	r.log.Debugw("created sender", "kind", kind, "entity", name)
	return s, nil
}

// Receiver returns the receiver of the input queue.
func (r *Resources) Receiver(queue string) (broker.Receiver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if r.receiver != nil {
		return r.receiver, nil
	}
	rc, err := r.client.NewReceiver(queue)
	if err != nil {
		return nil, fmt.Errorf("failed to create receiver for %q: %w", queue, err)
	}
	r.receiver = rc
	r.teardown = append(r.teardown, closer{name: "receiver " + queue, close: rc.Close})
	r.log.Debugw("created receiver", "queue", queue)
	return rc, nil
}

// SubscriberAddresses returns the cached addresses of a topic, calling load
// once on a miss even when several goroutines miss concurrently.
func (r *Resources) SubscriberAddresses(
	ctx context.Context,
	topic string,
	load func(ctx context.Context) ([]string, error),
) ([]string, error) {
	key := cacheKey(topic)

	r.subscribersMu.RLock()
	addrs, ok := r.subscribers[key]
	r.subscribersMu.RUnlock()
	if ok {
		return slices.Clone(addrs), nil
	}

	v, err, _ := r.loads.Do(key, func() (any, error) {
		addrs, err := load(ctx)
		if err != nil {
			return nil, err
		}
		r.subscribersMu.Lock()
		r.subscribers[key] = addrs
		r.subscribersMu.Unlock()
		return addrs, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]string)), nil
}

// ForgetSubscribers drops the cached addresses of a topic.
func (r *Resources) ForgetSubscribers(topic string) {
	r.subscribersMu.Lock()
	defer r.subscribersMu.Unlock()
	delete(r.subscribers, cacheKey(topic))
}

// Close closes every handle, newest first. It keeps going when a handle fails
// to close and returns all close errors joined. Only the first call has an effect.
func (r *Resources) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	teardown := r.teardown
	r.teardown = nil
	r.mu.Unlock()

	var errs []error
	for i := len(teardown) - 1; i >= 0; i-- {
		c := teardown[i]
		if err := c.close(ctx); err != nil {
			r.log.Warnw("failed to close handle", "handle", c.name, "error", err)
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	return errors.Join(errs...)
}
