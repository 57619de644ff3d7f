package inmemory

import (
	"context"
	"maps"
	"strings"
	"time"

	"github.com/ava-labs/servicebus-transport/pkg/broker"
)

func (b *Broker) GetQueue(_ context.Context, name string) (*broker.QueueDescriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpGetQueue); err != nil {
		return nil, err
	}
	q, ok := b.queues[name]
	if !ok {
		return nil, nil
	}
	desc := q.desc
	return &desc, nil
}

func (b *Broker) CreateQueue(_ context.Context, name string, desc broker.QueueDescriptor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpCreateQueue); err != nil {
		return err
	}
	if b.entityExists(name) {
		return alreadyExists("queue", name)
	}
	if desc.LockDuration <= 0 {
		desc.LockDuration = DefaultLockDuration
	}
	if desc.MaxDeliveryCount <= 0 {
		desc.MaxDeliveryCount = DefaultMaxDeliveryCount
	}
	b.queues[name] = &queue{
		desc:    desc,
		leases:  make(map[string]*lease),
		seen:    make(map[string]time.Time),
		changed: make(chan struct{}),
	}
	return nil
}

// UpdateQueue replaces the mutable settings of a queue. Partitioning and
// duplicate detection cannot change after creation and are ignored.
func (b *Broker) UpdateQueue(_ context.Context, name string, desc broker.QueueDescriptor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpUpdateQueue); err != nil {
		return err
	}
	q, ok := b.queues[name]
	if !ok {
		return notFound("queue", name)
	}
	desc.EnablePartitioning = q.desc.EnablePartitioning
	desc.RequiresDuplicateDetection = q.desc.RequiresDuplicateDetection
	q.desc = desc
	return nil
}

func (b *Broker) DeleteQueue(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpDeleteQueue); err != nil {
		return err
	}
	q, ok := b.queues[name]
	if !ok {
		return notFound("queue", name)
	}
	delete(b.queues, name)
	q.notify()
	return nil
}

func (b *Broker) GetTopic(_ context.Context, name string) (*broker.TopicDescriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpGetTopic); err != nil {
		return nil, err
	}
	t, ok := b.topics[name]
	if !ok {
		return nil, nil
	}
	desc := t.desc
	return &desc, nil
}

func (b *Broker) CreateTopic(_ context.Context, name string, desc broker.TopicDescriptor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpCreateTopic); err != nil {
		return err
	}
	if b.entityExists(name) {
		return alreadyExists("topic", name)
	}
	b.topics[name] = &topic{desc: desc, subs: make(map[string]broker.SubscriptionDescriptor)}
	return nil
}

func (b *Broker) DeleteTopic(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpDeleteTopic); err != nil {
		return err
	}
	if _, ok := b.topics[name]; !ok {
		return notFound("topic", name)
	}
	delete(b.topics, name)
	return nil
}

func (b *Broker) GetSubscription(_ context.Context, topicName, name string) (*broker.SubscriptionDescriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpGetSubscription); err != nil {
		return nil, err
	}
	t, ok := b.topics[topicName]
	if !ok {
		return nil, nil
	}
	desc, ok := t.subs[name]
	if !ok {
		return nil, nil
	}
	return &desc, nil
}

func (b *Broker) CreateSubscription(_ context.Context, topicName, name string, desc broker.SubscriptionDescriptor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpCreateSubscription); err != nil {
		return err
	}
	t, ok := b.topics[topicName]
	if !ok {
		return notFound("topic", topicName)
	}
	if _, ok := t.subs[name]; ok {
		return alreadyExists("subscription", topicName+"/"+name)
	}
	t.subs[name] = desc
	return nil
}

func (b *Broker) UpdateSubscription(_ context.Context, topicName, name string, desc broker.SubscriptionDescriptor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpUpdateSubscription); err != nil {
		return err
	}
	t, ok := b.topics[topicName]
	if !ok {
		return notFound("topic", topicName)
	}
	if _, ok := t.subs[name]; !ok {
		return notFound("subscription", topicName+"/"+name)
	}
	t.subs[name] = desc
	return nil
}

func (b *Broker) DeleteSubscription(_ context.Context, topicName, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(OpDeleteSubscription); err != nil {
		return err
	}
	t, ok := b.topics[topicName]
	if !ok {
		return notFound("topic", topicName)
	}
	if _, ok := t.subs[name]; !ok {
		return notFound("subscription", topicName+"/"+name)
	}
	delete(t.subs, name)
	return nil
}

// Subscriptions returns the subscriptions of a topic keyed by name.
func (b *Broker) Subscriptions(topicName string) map[string]broker.SubscriptionDescriptor {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topicName]
	if !ok {
		return nil
	}
	return maps.Clone(t.subs)
}

// Queues and topics share one namespace. Names are case-insensitive.
func (b *Broker) entityExists(name string) bool {
	for n := range b.queues {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	for n := range b.topics {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}
