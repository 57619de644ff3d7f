// Package transport implements at-least-once point-to-point and
// publish/subscribe messaging on a queue/topic broker.
//
// A Transport sends through a per-transaction outbox flushed on commit,
// receives from its input queue in peek-lock mode with background lock
// renewal, and provisions the queues, topics and subscriptions it needs.
// Publishing is a send to an address made of address.PublishMarker and the
// topic name; subscribers receive published messages through subscriptions
// that forward to their input queue.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ava-labs/servicebus-transport/pkg/address"
	"github.com/ava-labs/servicebus-transport/pkg/broker"
	"github.com/ava-labs/servicebus-transport/pkg/faults"
	"github.com/ava-labs/servicebus-transport/pkg/message"
	"github.com/ava-labs/servicebus-transport/pkg/metrics"
	"github.com/ava-labs/servicebus-transport/pkg/scheduler"
	"github.com/ava-labs/servicebus-transport/pkg/txcontext"
)

// ErrSendOnly is returned when a send-only transport is asked to receive.
var ErrSendOnly = errors.New("transport has no input queue")

// Option customizes a Transport.
type Option func(*Transport)

// WithMetrics records transport metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) {
		t.metrics = m
	}
}

// WithNameFormatter replaces address.DefaultFormatter.
func WithNameFormatter(f address.NameFormatter) Option {
	return func(t *Transport) {
		t.formatter = f
	}
}

// Transport is one endpoint on the broker. A Transport without an input
// queue is send-only.
type Transport struct {
	cfg        Config
	log        *zap.SugaredLogger
	metrics    *metrics.Metrics
	formatter  address.NameFormatter
	inputQueue string

	scheduler     *scheduler.Scheduler
	resources     *Resources
	provisioner   *Provisioner
	subscriptions *SubscriptionRegistry
	dispatcher    *Dispatcher
	receiver      *Receiver
}

// New creates a transport on top of a data plane client and a control plane
// client. No broker calls are made until the transport is used.
func New(cfg Config, client broker.Client, admin broker.Admin, log *zap.SugaredLogger, opts ...Option) (*Transport, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil || admin == nil {
		return nil, faults.Configuration("broker client and admin are required")
	}

	t := &Transport{
		cfg:       cfg,
		log:       log,
		formatter: address.DefaultFormatter{},
	}
	for _, opt := range opts {
		opt(t)
	}

	if cfg.InputQueue != "" {
		t.inputQueue = t.formatter.FormatQueueName(cfg.InputQueue)
		if _, err := address.Queue(t.inputQueue); err != nil {
			return nil, err
		}
	}

	metered := newMeteredAdmin(admin, cfg, log, t.metrics)
	t.scheduler = scheduler.New(log)
	t.resources = NewResources(client, log)
	t.provisioner = NewProvisioner(metered, cfg, log, t.metrics)
	t.subscriptions = NewSubscriptionRegistry(metered, t.provisioner, t.resources, t.formatter, t.inputQueue, log)
	t.dispatcher = NewDispatcher(t.resources, cfg, log, t.metrics)
	if t.inputQueue != "" {
		t.receiver = NewReceiver(t.resources, t.scheduler, t.inputQueue, cfg, log, t.metrics)
	}
	t.scheduler.Start()
	return t, nil
}

// Address is the input queue of the endpoint, empty when send-only.
func (t *Transport) Address() string {
	return t.inputQueue
}

// SendOnly reports whether the transport has no input queue.
func (t *Transport) SendOnly() bool {
	return t.inputQueue == ""
}

// PublishAddress returns the send address of a topic.
func (t *Transport) PublishAddress(topic string) (string, error) {
	dest, err := address.Topic(t.formatter.FormatTopicName(topic))
	if err != nil {
		return "", err
	}
	return dest.String(), nil
}

// QueueAddress returns the send address of a queue.
func (t *Transport) QueueAddress(queue string) (string, error) {
	dest, err := address.Queue(t.formatter.FormatQueueName(queue))
	if err != nil {
		return "", err
	}
	return dest.String(), nil
}

// Initialize provisions the input queue. Unless DoNotCreateQueues is set the
// queue is created when missing; unless DoNotCheckQueueConfiguration is set
// its live settings are compared with the configuration.
func (t *Transport) Initialize(ctx context.Context) error {
	if t.SendOnly() {
		return nil
	}
	if !t.cfg.DoNotCreateQueues {
		desc := t.cfg.InputQueueDescriptor()
		if err := t.provisioner.EnsureQueue(ctx, t.inputQueue, &desc); err != nil {
			return err
		}
	}
	if !t.cfg.DoNotCheckQueueConfiguration {
		if _, err := t.provisioner.CheckConfiguration(ctx, t.inputQueue, t.cfg.InputQueueDescriptor()); err != nil {
			return err
		}
	}
	t.log.Infow("transport initialized", "inputQueue", t.inputQueue)
	return nil
}

// CheckConfiguration compares the live settings of the input queue with the
// configuration without correcting anything when DoNotCreateQueues is set.
func (t *Transport) CheckConfiguration(ctx context.Context) ([]Drift, error) {
	if t.SendOnly() {
		return nil, nil
	}
	return t.provisioner.CheckConfiguration(ctx, t.inputQueue, t.cfg.InputQueueDescriptor())
}

// CreateQueue makes sure a queue exists, blocking for at most
// BlockingTimeout. The input queue gets its full descriptor, other queues
// broker defaults.
func (t *Transport) CreateQueue(addr string) error {
	return runBlocking(t.cfg.BlockingTimeout, func(ctx context.Context) error {
		dest, err := address.Queue(addr)
		if err != nil {
			return err
		}
		var desc *broker.QueueDescriptor
		if t.inputQueue != "" && cacheKey(dest.Name) == cacheKey(t.inputQueue) {
			d := t.cfg.InputQueueDescriptor()
			desc = &d
		}
		return t.provisioner.EnsureQueue(ctx, dest.Name, desc)
	})
}

// EnsureTopic makes sure a topic exists.
func (t *Transport) EnsureTopic(ctx context.Context, topic string) error {
	return t.provisioner.EnsureTopic(ctx, t.formatter.FormatTopicName(topic))
}

// runBlocking runs fn to completion with a bounded context for call sites
// that have no context of their own.
func runBlocking(timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return fn(ctx)
}

// Send adds msg to the outbox of tx. See Dispatcher.Send.
func (t *Transport) Send(ctx context.Context, destination string, msg *message.TransportMessage, tx *txcontext.Context) error {
	return t.dispatcher.Send(ctx, destination, msg, tx)
}

// Receive returns the next message of the input queue. See Receiver.Receive.
func (t *Transport) Receive(ctx context.Context, tx *txcontext.Context) (*Delivery, error) {
	if t.receiver == nil {
		return nil, faults.Fatal(ErrSendOnly, "cannot receive")
	}
	return t.receiver.Receive(ctx, tx)
}

// RegisterSubscriber subscribes the input queue to topic. See SubscriptionRegistry.RegisterSubscriber.
func (t *Transport) RegisterSubscriber(ctx context.Context, topic, subscriberAddress string) error {
	return t.subscriptions.RegisterSubscriber(ctx, topic, subscriberAddress)
}

// UnregisterSubscriber removes the subscription of the input queue from topic.
func (t *Transport) UnregisterSubscriber(ctx context.Context, topic, subscriberAddress string) error {
	return t.subscriptions.UnregisterSubscriber(ctx, topic, subscriberAddress)
}

// GetSubscriberAddresses returns the addresses a publish to topic is sent to.
func (t *Transport) GetSubscriberAddresses(ctx context.Context, topic string) ([]string, error) {
	return t.subscriptions.GetSubscriberAddresses(ctx, topic)
}

// Ready reports an error when the input queue cannot be read from the control plane.
func (t *Transport) Ready(ctx context.Context) error {
	if t.SendOnly() {
		return nil
	}
	desc, err := t.provisioner.admin.GetQueue(ctx, t.inputQueue)
	if err != nil {
		return fmt.Errorf("input queue %q: %w", t.inputQueue, err)
	}
	if desc == nil {
		return fmt.Errorf("input queue %q: %w", t.inputQueue, broker.ErrEntityNotFound)
	}
	return nil
}

// Close stops lock renewal, releases prefetched messages and closes every
// broker handle. It returns all teardown errors joined.
func (t *Transport) Close(ctx context.Context) error {
	t.scheduler.Stop(ctx)
	var errs []error
	if t.receiver != nil {
		if err := t.receiver.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("release prefetched messages: %w", err))
		}
	}
	if err := t.resources.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
