package azure

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus/admin"

	"github.com/ava-labs/servicebus-transport/pkg/broker"
)

var _ broker.Admin = (*Admin)(nil)

// Admin is the Service Bus control plane.
type Admin struct {
	client *admin.Client
}

// NewAdmin creates a control plane client for the namespace named by connectionString.
func NewAdmin(connectionString string) (*Admin, error) {
	if connectionString == "" {
		return nil, errors.New("service bus connection string is required")
	}
	c, err := admin.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create service bus admin client: %w", err)
	}
	return &Admin{client: c}, nil
}

// GetQueue returns nil when the queue does not exist.
func (a *Admin) GetQueue(ctx context.Context, name string) (*broker.QueueDescriptor, error) {
	resp, err := a.client.GetQueue(ctx, name, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue %q: %w", name, mapError(err))
	}
	if resp == nil {
		return nil, nil
	}
	desc, err := queueDescriptor(resp.QueueProperties)
	if err != nil {
		return nil, fmt.Errorf("queue %q: %w", name, err)
	}
	return &desc, nil
}

func (a *Admin) CreateQueue(ctx context.Context, name string, desc broker.QueueDescriptor) error {
	props := queueProperties(admin.QueueProperties{}, desc)
	props.EnablePartitioning = to.Ptr(desc.EnablePartitioning)
	props.RequiresDuplicateDetection = to.Ptr(desc.RequiresDuplicateDetection)
	_, err := a.client.CreateQueue(ctx, name, &admin.CreateQueueOptions{Properties: &props})
	if err != nil {
		return fmt.Errorf("failed to create queue %q: %w", name, mapError(err))
	}
	return nil
}

// UpdateQueue overlays the mutable settings of desc on the current queue
// properties. The update call replaces the whole entity, so unrelated
// settings are read first and sent back unchanged.
func (a *Admin) UpdateQueue(ctx context.Context, name string, desc broker.QueueDescriptor) error {
	resp, err := a.client.GetQueue(ctx, name, nil)
	if err != nil {
		return fmt.Errorf("failed to get queue %q: %w", name, mapError(err))
	}
	if resp == nil {
		return fmt.Errorf("queue %q: %w", name, broker.ErrEntityNotFound)
	}
	props := queueProperties(resp.QueueProperties, desc)
	if _, err := a.client.UpdateQueue(ctx, name, props, nil); err != nil {
		return fmt.Errorf("failed to update queue %q: %w", name, mapError(err))
	}
	return nil
}

func (a *Admin) DeleteQueue(ctx context.Context, name string) error {
	if _, err := a.client.DeleteQueue(ctx, name, nil); err != nil {
		return fmt.Errorf("failed to delete queue %q: %w", name, mapError(err))
	}
	return nil
}

func (a *Admin) GetTopic(ctx context.Context, name string) (*broker.TopicDescriptor, error) {
	resp, err := a.client.GetTopic(ctx, name, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get topic %q: %w", name, mapError(err))
	}
	if resp == nil {
		return nil, nil
	}
	return &broker.TopicDescriptor{
		EnablePartitioning: boolValue(resp.EnablePartitioning),
	}, nil
}

func (a *Admin) CreateTopic(ctx context.Context, name string, desc broker.TopicDescriptor) error {
	_, err := a.client.CreateTopic(ctx, name, &admin.CreateTopicOptions{
		Properties: &admin.TopicProperties{
			EnablePartitioning: to.Ptr(desc.EnablePartitioning),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create topic %q: %w", name, mapError(err))
	}
	return nil
}

func (a *Admin) DeleteTopic(ctx context.Context, name string) error {
	if _, err := a.client.DeleteTopic(ctx, name, nil); err != nil {
		return fmt.Errorf("failed to delete topic %q: %w", name, mapError(err))
	}
	return nil
}

func (a *Admin) GetSubscription(ctx context.Context, topic, name string) (*broker.SubscriptionDescriptor, error) {
	resp, err := a.client.GetSubscription(ctx, topic, name, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription %s/%s: %w", topic, name, mapError(err))
	}
	if resp == nil {
		return nil, nil
	}
	return &broker.SubscriptionDescriptor{
		ForwardTo: entityName(deref(resp.ForwardTo)),
	}, nil
}

func (a *Admin) CreateSubscription(ctx context.Context, topic, name string, desc broker.SubscriptionDescriptor) error {
	_, err := a.client.CreateSubscription(ctx, topic, name, &admin.CreateSubscriptionOptions{
		Properties: &admin.SubscriptionProperties{
			ForwardTo: to.Ptr(desc.ForwardTo),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create subscription %s/%s: %w", topic, name, mapError(err))
	}
	return nil
}

func (a *Admin) UpdateSubscription(ctx context.Context, topic, name string, desc broker.SubscriptionDescriptor) error {
	resp, err := a.client.GetSubscription(ctx, topic, name, nil)
	if err != nil {
		return fmt.Errorf("failed to get subscription %s/%s: %w", topic, name, mapError(err))
	}
	if resp == nil {
		return fmt.Errorf("subscription %s/%s: %w", topic, name, broker.ErrEntityNotFound)
	}
	props := resp.SubscriptionProperties
	props.ForwardTo = to.Ptr(desc.ForwardTo)
	if _, err := a.client.UpdateSubscription(ctx, topic, name, props, nil); err != nil {
		return fmt.Errorf("failed to update subscription %s/%s: %w", topic, name, mapError(err))
	}
	return nil
}

func (a *Admin) DeleteSubscription(ctx context.Context, topic, name string) error {
	if _, err := a.client.DeleteSubscription(ctx, topic, name, nil); err != nil {
		return fmt.Errorf("failed to delete subscription %s/%s: %w", topic, name, mapError(err))
	}
	return nil
}

func queueDescriptor(p admin.QueueProperties) (broker.QueueDescriptor, error) {
	desc := broker.QueueDescriptor{
		EnablePartitioning:         boolValue(p.EnablePartitioning),
		RequiresDuplicateDetection: boolValue(p.RequiresDuplicateDetection),
	}
	if p.MaxDeliveryCount != nil {
		desc.MaxDeliveryCount = *p.MaxDeliveryCount
	}
	var err error
	if desc.LockDuration, err = parseDuration(p.LockDuration); err != nil {
		return desc, fmt.Errorf("lock duration: %w", err)
	}
	if desc.DefaultMessageTimeToLive, err = parseDuration(p.DefaultMessageTimeToLive); err != nil {
		return desc, fmt.Errorf("default message time to live: %w", err)
	}
	if desc.DuplicateDetectionHistoryTimeWindow, err = parseDuration(p.DuplicateDetectionHistoryTimeWindow); err != nil {
		return desc, fmt.Errorf("duplicate detection window: %w", err)
	}
	if desc.AutoDeleteOnIdle, err = parseDuration(p.AutoDeleteOnIdle); err != nil {
		return desc, fmt.Errorf("auto delete on idle: %w", err)
	}
	return desc, nil
}

// queueProperties overlays the mutable settings of desc on p. Zero values
// leave the current setting in place.
func queueProperties(p admin.QueueProperties, desc broker.QueueDescriptor) admin.QueueProperties {
	if v := formatDuration(desc.LockDuration); v != nil {
		p.LockDuration = v
	}
	if v := formatDuration(desc.DefaultMessageTimeToLive); v != nil {
		p.DefaultMessageTimeToLive = v
	}
	if v := formatDuration(desc.DuplicateDetectionHistoryTimeWindow); v != nil {
		p.DuplicateDetectionHistoryTimeWindow = v
	}
	if v := formatDuration(desc.AutoDeleteOnIdle); v != nil {
		p.AutoDeleteOnIdle = v
	}
	if desc.MaxDeliveryCount > 0 {
		p.MaxDeliveryCount = to.Ptr(desc.MaxDeliveryCount)
	}
	return p
}

// entityName reduces a forward-to value to the entity name. The control plane
// may report it as an absolute URL of the namespace.
func entityName(forwardTo string) string {
	if forwardTo == "" {
		return ""
	}
	u, err := url.Parse(forwardTo)
	if err != nil || u.Host == "" {
		return forwardTo
	}
	return strings.TrimPrefix(u.Path, "/")
}

func boolValue(b *bool) bool {
	return b != nil && *b
}
