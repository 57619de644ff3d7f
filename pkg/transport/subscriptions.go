package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ava-labs/servicebus-transport/pkg/address"
	"github.com/ava-labs/servicebus-transport/pkg/broker"
	"github.com/ava-labs/servicebus-transport/pkg/faults"
)

// ErrForeignSubscriber is returned when a subscription is managed on behalf
// of an address other than the endpoint's own input queue.
var ErrForeignSubscriber = errors.New("only the endpoint's own input queue can be subscribed")

// SubscriptionRegistry manages the topic subscriptions that forward published
// messages to the endpoint's input queue.
type SubscriptionRegistry struct {
	admin       broker.Admin
	provisioner *Provisioner
	resources   *Resources
	formatter   address.NameFormatter
	inputQueue  string
	log         *zap.SugaredLogger
}

// NewSubscriptionRegistry returns a registry for the formatted inputQueue,
// empty on send-only endpoints.
func NewSubscriptionRegistry(
	admin broker.Admin,
	provisioner *Provisioner,
	resources *Resources,
	formatter address.NameFormatter,
	inputQueue string,
	log *zap.SugaredLogger,
) *SubscriptionRegistry {
	return &SubscriptionRegistry{
		admin:       admin,
		provisioner: provisioner,
		resources:   resources,
		formatter:   formatter,
		inputQueue:  inputQueue,
		log:         log,
	}
}

// checkOwner accepts the configured or the formatted input queue name.
func (r *SubscriptionRegistry) checkOwner(subscriberAddress string) error {
	if r.inputQueue == "" {
		return faults.Fatal(ErrForeignSubscriber, "a send-only endpoint cannot subscribe %q", subscriberAddress)
	}
	if !strings.EqualFold(r.formatter.FormatQueueName(subscriberAddress), r.inputQueue) {
		return faults.Fatal(ErrForeignSubscriber, "subscriber %q is not this endpoint's input queue %q", subscriberAddress, r.inputQueue)
	}
	return nil
}

// RegisterSubscriber makes sure topic has a subscription forwarding to the
// input queue. An existing subscription that already forwards there is left
// untouched.
func (r *SubscriptionRegistry) RegisterSubscriber(ctx context.Context, topic, subscriberAddress string) error {
	if err := r.checkOwner(subscriberAddress); err != nil {
		return err
	}
	topicName := r.formatter.FormatTopicName(topic)
	subName := r.formatter.FormatSubscriptionName(r.inputQueue)
	defer r.resources.ForgetSubscribers(topicName)

	if err := r.provisioner.EnsureTopic(ctx, topicName); err != nil {
		return err
	}

	err := r.provisioner.retry(ctx, "register_subscriber", func(ctx context.Context) error {
		sub, err := r.admin.GetSubscription(ctx, topicName, subName)
		if err != nil {
			return err
		}
		if sub == nil {
			err = r.admin.CreateSubscription(ctx, topicName, subName, broker.SubscriptionDescriptor{ForwardTo: r.inputQueue})
			if err == nil {
				r.log.Infow("created subscription",
					"topic", topicName,
					"subscription", subName,
					"forwardTo", r.inputQueue)
				return nil
			}
			if !faults.IsAlreadyExists(err) {
				return err
			}
			if sub, err = r.admin.GetSubscription(ctx, topicName, subName); err != nil {
				return err
			}
			if sub == nil {
				return fmt.Errorf("subscription %s/%s vanished after create conflict: %w", topicName, subName, broker.ErrTransient)
			}
		}

		if strings.EqualFold(sub.ForwardTo, r.inputQueue) {
			return nil
		}
		r.log.Infow("updating subscription forwarding",
			"topic", topicName,
			"subscription", subName,
			"from", sub.ForwardTo,
			"to", r.inputQueue)
		return r.admin.UpdateSubscription(ctx, topicName, subName, broker.SubscriptionDescriptor{ForwardTo: r.inputQueue})
	})
	if err != nil {
		return faults.Fatal(err, "failed to subscribe %q to topic %q", r.inputQueue, topicName)
	}
	return nil
}

// UnregisterSubscriber deletes the endpoint's subscription of topic. A
// subscription that does not exist counts as deleted.
func (r *SubscriptionRegistry) UnregisterSubscriber(ctx context.Context, topic, subscriberAddress string) error {
	if err := r.checkOwner(subscriberAddress); err != nil {
		return err
	}
	topicName := r.formatter.FormatTopicName(topic)
	subName := r.formatter.FormatSubscriptionName(r.inputQueue)
	defer r.resources.ForgetSubscribers(topicName)

	err := r.provisioner.retry(ctx, "unregister_subscriber", func(ctx context.Context) error {
		err := r.admin.DeleteSubscription(ctx, topicName, subName)
		if faults.IsNotFound(err) {
			r.log.Debugw("subscription already gone", "topic", topicName, "subscription", subName)
			return nil
		}
		if err == nil {
			r.log.Infow("deleted subscription", "topic", topicName, "subscription", subName)
		}
		return err
	})
	if err != nil {
		return faults.Fatal(err, "failed to unsubscribe %q from topic %q", r.inputQueue, topicName)
	}
	return nil
}

// GetSubscriberAddresses returns the addresses a message published on topic
// has to be sent to. Subscribers are reached through the topic itself, so this
// is the single publish address of the topic.
func (r *SubscriptionRegistry) GetSubscriberAddresses(ctx context.Context, topic string) ([]string, error) {
	topicName := r.formatter.FormatTopicName(topic)
	return r.resources.SubscriberAddresses(ctx, topicName, func(context.Context) ([]string, error) {
		dest, err := address.Topic(topicName)
		if err != nil {
			return nil, err
		}
		return []string{dest.String()}, nil
	})
}
