package broker

import (
	"context"
	"time"
)

// MaxBatchSize is the largest number of messages passed to a single SendBatch call.
const MaxBatchSize = 50

// Message is the outbound broker envelope.
type Message struct {
	MessageID            string
	CorrelationID        string
	ContentType          string
	Subject              string
	TimeToLive           time.Duration // zero means the entity default
	ScheduledEnqueueTime time.Time     // zero means immediately
	Properties           map[string]string
	Body                 []byte
}

// ReceivedMessage is a message received in peek-lock mode.
type ReceivedMessage struct {
	MessageID     string
	CorrelationID string
	ContentType   string
	Subject       string
	Properties    map[string]string
	Body          []byte
	LockToken     string
	LockedUntil   time.Time
	DeliveryCount uint32

	// Handle is the backend specific message handle, opaque to callers.
	Handle any
}

// Sender sends messages to a single queue or topic.
type Sender interface {
	// SendBatch sends up to MaxBatchSize messages in one broker call.
	SendBatch(ctx context.Context, msgs []*Message) error
	Close(ctx context.Context) error
}

// Receiver receives messages from a single queue in peek-lock mode.
type Receiver interface {
	// Receive blocks until at least one message is available or ctx is done.
	// When ctx ends before a message arrives it returns no messages and a nil error.
	Receive(ctx context.Context, maxMessages int) ([]*ReceivedMessage, error)
	// Complete removes the message from the queue.
	Complete(ctx context.Context, msg *ReceivedMessage) error
	// Abandon releases the lock so the message can be redelivered immediately.
	Abandon(ctx context.Context, msg *ReceivedMessage) error
	// RenewLock extends the lock and updates msg.LockedUntil.
	RenewLock(ctx context.Context, msg *ReceivedMessage) error
	Close(ctx context.Context) error
}

// Client creates data plane handles.
type Client interface {
	NewSender(entity string) (Sender, error)
	NewReceiver(queue string) (Receiver, error)
	Close(ctx context.Context) error
}

// QueueDescriptor describes the settings of a queue.
// Zero durations and counts mean "broker default".
type QueueDescriptor struct {
	// Immutable after creation.
	EnablePartitioning         bool
	RequiresDuplicateDetection bool

	LockDuration                        time.Duration
	DefaultMessageTimeToLive            time.Duration
	DuplicateDetectionHistoryTimeWindow time.Duration
	AutoDeleteOnIdle                    time.Duration
	MaxDeliveryCount                    int32
}

// TopicDescriptor describes the settings of a topic.
type TopicDescriptor struct {
	EnablePartitioning bool
}

// SubscriptionDescriptor describes a topic subscription.
type SubscriptionDescriptor struct {
	// ForwardTo is the name of the queue matching messages are forwarded to.
	ForwardTo string
}

// Admin is the broker control plane.
//
// Get methods return a nil descriptor and a nil error when the entity does not
// exist. Create methods fail with ErrEntityAlreadyExists when the entity exists
// and Delete methods fail with ErrEntityNotFound when it does not.
type Admin interface {
	GetQueue(ctx context.Context, name string) (*QueueDescriptor, error)
	CreateQueue(ctx context.Context, name string, desc QueueDescriptor) error
	UpdateQueue(ctx context.Context, name string, desc QueueDescriptor) error
	DeleteQueue(ctx context.Context, name string) error

	GetTopic(ctx context.Context, name string) (*TopicDescriptor, error)
	CreateTopic(ctx context.Context, name string, desc TopicDescriptor) error
	DeleteTopic(ctx context.Context, name string) error

	GetSubscription(ctx context.Context, topic, name string) (*SubscriptionDescriptor, error)
	CreateSubscription(ctx context.Context, topic, name string, desc SubscriptionDescriptor) error
	UpdateSubscription(ctx context.Context, topic, name string, desc SubscriptionDescriptor) error
	DeleteSubscription(ctx context.Context, topic, name string) error
}
