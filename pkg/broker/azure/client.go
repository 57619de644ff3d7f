// Package azure implements the broker capability set on Azure Service Bus.
package azure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"go.uber.org/zap"

	"github.com/ava-labs/servicebus-transport/pkg/broker"
)

// Default client-level retry policy of the SDK.
const (
	DefaultMaxRetries    = 3
	DefaultRetryDelay    = 4 * time.Second
	DefaultMaxRetryDelay = 120 * time.Second
)

// RetryOptions is the SDK retry policy applied to every data plane call.
type RetryOptions struct {
	MaxRetries    int32
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// WithDefaults returns a copy with zero values replaced by defaults.
func (r RetryOptions) WithDefaults() RetryOptions {
	if r.MaxRetries == 0 {
		r.MaxRetries = DefaultMaxRetries
	}
	if r.RetryDelay <= 0 {
		r.RetryDelay = DefaultRetryDelay
	}
	if r.MaxRetryDelay <= 0 {
		r.MaxRetryDelay = DefaultMaxRetryDelay
	}
	return r
}

var _ broker.Client = (*Client)(nil)

// Client is the Service Bus data plane.
type Client struct {
	client *azservicebus.Client
	log    *zap.SugaredLogger
}

// NewClient connects to the namespace named by connectionString.
func NewClient(connectionString string, retry RetryOptions, log *zap.SugaredLogger) (*Client, error) {
	if connectionString == "" {
		return nil, errors.New("service bus connection string is required")
	}
	retry = retry.WithDefaults()
	c, err := azservicebus.NewClientFromConnectionString(connectionString, &azservicebus.ClientOptions{
		RetryOptions: azservicebus.RetryOptions{
			MaxRetries:    retry.MaxRetries,
			RetryDelay:    retry.RetryDelay,
			MaxRetryDelay: retry.MaxRetryDelay,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create service bus client: %w", err)
	}
	return &Client{client: c, log: log}, nil
}

func (c *Client) NewSender(entity string) (broker.Sender, error) {
	s, err := c.client.NewSender(entity, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create sender for %q: %w", entity, mapError(err))
	}
	return &sender{sender: s, entity: entity, log: c.log}, nil
}

func (c *Client) NewReceiver(queue string) (broker.Receiver, error) {
	r, err := c.client.NewReceiverForQueue(queue, &azservicebus.ReceiverOptions{
		ReceiveMode: azservicebus.ReceiveModePeekLock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create receiver for %q: %w", queue, mapError(err))
	}
	return &receiver{receiver: r, queue: queue}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return mapError(c.client.Close(ctx))
}

type sender struct {
	sender *azservicebus.Sender
	entity string
	log    *zap.SugaredLogger
}

// SendBatch sends msgs as one message batch. If the batch exceeds the size
// limit of the entity it is split and sent as several batches in order.
func (s *sender) SendBatch(ctx context.Context, msgs []*broker.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	batch, err := s.sender.NewMessageBatch(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to create batch for %q: %w", s.entity, mapError(err))
	}

	for _, msg := range msgs {
		m := toServiceBusMessage(msg)
		err := batch.AddMessage(m, nil)
		if errors.Is(err, azservicebus.ErrMessageTooLarge) && batch.NumMessages() > 0 {
			s.log.Debugw("batch full, sending partial batch",
				"entity", s.entity,
				"messages", batch.NumMessages(),
				"bytes", batch.NumBytes())
			if err := s.sender.SendMessageBatch(ctx, batch, nil); err != nil {
				return fmt.Errorf("failed to send batch to %q: %w", s.entity, mapError(err))
			}
			if batch, err = s.sender.NewMessageBatch(ctx, nil); err != nil {
				return fmt.Errorf("failed to create batch for %q: %w", s.entity, mapError(err))
			}
			err = batch.AddMessage(m, nil)
		}
		if err != nil {
			return fmt.Errorf("failed to add message %q to batch for %q: %w", msg.MessageID, s.entity, err)
		}
	}

	if err := s.sender.SendMessageBatch(ctx, batch, nil); err != nil {
		return fmt.Errorf("failed to send batch to %q: %w", s.entity, mapError(err))
	}
	return nil
}

func (s *sender) Close(ctx context.Context) error {
	return mapError(s.sender.Close(ctx))
}

type receiver struct {
	receiver *azservicebus.Receiver
	queue    string
}

func (r *receiver) Receive(ctx context.Context, maxMessages int) ([]*broker.ReceivedMessage, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	msgs, err := r.receiver.ReceiveMessages(ctx, maxMessages, nil)
	if err != nil {
		if ctx.Err() != nil && len(msgs) == 0 {
			return nil, nil
		}
		if len(msgs) == 0 {
			return nil, fmt.Errorf("failed to receive from %q: %w", r.queue, mapError(err))
		}
	}
	out := make([]*broker.ReceivedMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, fromServiceBusMessage(m))
	}
	return out, nil
}

func native(msg *broker.ReceivedMessage) (*azservicebus.ReceivedMessage, error) {
	m, ok := msg.Handle.(*azservicebus.ReceivedMessage)
	if !ok || m == nil {
		return nil, fmt.Errorf("message %q was not received from service bus", msg.MessageID)
	}
	return m, nil
}

func (r *receiver) Complete(ctx context.Context, msg *broker.ReceivedMessage) error {
	m, err := native(msg)
	if err != nil {
		return err
	}
	return mapError(r.receiver.CompleteMessage(ctx, m, nil))
}

func (r *receiver) Abandon(ctx context.Context, msg *broker.ReceivedMessage) error {
	m, err := native(msg)
	if err != nil {
		return err
	}
	return mapError(r.receiver.AbandonMessage(ctx, m, nil))
}

func (r *receiver) RenewLock(ctx context.Context, msg *broker.ReceivedMessage) error {
	m, err := native(msg)
	if err != nil {
		return err
	}
	if err := r.receiver.RenewMessageLock(ctx, m, nil); err != nil {
		return mapError(err)
	}
	if m.LockedUntil != nil {
		msg.LockedUntil = *m.LockedUntil
	}
	return nil
}

func (r *receiver) Close(ctx context.Context) error {
	return mapError(r.receiver.Close(ctx))
}

func toServiceBusMessage(msg *broker.Message) *azservicebus.Message {
	m := &azservicebus.Message{
		Body: msg.Body,
	}
	if msg.MessageID != "" {
		m.MessageID = to.Ptr(msg.MessageID)
	}
	if msg.CorrelationID != "" {
		m.CorrelationID = to.Ptr(msg.CorrelationID)
	}
	if msg.ContentType != "" {
		m.ContentType = to.Ptr(msg.ContentType)
	}
	if msg.Subject != "" {
		m.Subject = to.Ptr(msg.Subject)
	}
	if msg.TimeToLive > 0 {
		m.TimeToLive = to.Ptr(msg.TimeToLive)
	}
	if !msg.ScheduledEnqueueTime.IsZero() {
		m.ScheduledEnqueueTime = to.Ptr(msg.ScheduledEnqueueTime.UTC())
	}
	if len(msg.Properties) > 0 {
		m.ApplicationProperties = make(map[string]any, len(msg.Properties))
		for k, v := range msg.Properties {
			m.ApplicationProperties[k] = v
		}
	}
	return m
}

func fromServiceBusMessage(m *azservicebus.ReceivedMessage) *broker.ReceivedMessage {
	out := &broker.ReceivedMessage{
		MessageID:     m.MessageID,
		CorrelationID: deref(m.CorrelationID),
		ContentType:   deref(m.ContentType),
		Subject:       deref(m.Subject),
		Body:          m.Body,
		LockToken:     fmt.Sprintf("%x", m.LockToken),
		DeliveryCount: m.DeliveryCount,
		Handle:        m,
	}
	if m.LockedUntil != nil {
		out.LockedUntil = *m.LockedUntil
	}
	if len(m.ApplicationProperties) > 0 {
		out.Properties = make(map[string]string, len(m.ApplicationProperties))
		for k, v := range m.ApplicationProperties {
			out.Properties[k] = propertyString(v)
		}
	}
	return out
}

func propertyString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(t)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
