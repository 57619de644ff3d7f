package transport

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/ava-labs/servicebus-transport/pkg/address"
	"github.com/ava-labs/servicebus-transport/pkg/broker"
	"github.com/ava-labs/servicebus-transport/pkg/faults"
)

// Defaults applied by Config.WithDefaults.
const (
	DefaultMaxProvisioningAttempts = 10
	DefaultMaxConcurrentDispatches = 16
	DefaultReceiveWait             = 5 * time.Second
	DefaultMinLockRenewalInterval  = 5 * time.Second
	DefaultControlPlaneRate        = 20.0
	DefaultControlPlaneBurst       = 5
	DefaultBlockingTimeout         = 60 * time.Second
	DefaultBreakerFailures         = 5
	DefaultBreakerTimeout          = 10 * time.Second
)

// Config holds the transport settings.
type Config struct {
	ConnectionString string `env:"SERVICEBUS_CONNECTION_STRING"`            // Namespace connection string
	InputQueue       string `env:"SERVICEBUS_INPUT_QUEUE"`                  // Empty for a one-way (send-only) client
	Environment      string `env:"SERVICEBUS_ENVIRONMENT" envDefault:"dev"` // Metrics label
	Region           string `env:"SERVICEBUS_REGION"`                       // Metrics label

	RequireExistingTopics        bool `env:"SERVICEBUS_REQUIRE_EXISTING_TOPICS"         envDefault:"false"`  // Fail commits publishing to a missing topic
	DoNotCreateQueues            bool `env:"SERVICEBUS_DO_NOT_CREATE_QUEUES"            envDefault:"false"`  // Never create or update entities
	DoNotCheckQueueConfiguration bool `env:"SERVICEBUS_DO_NOT_CHECK_QUEUE_CONFIGURATION" envDefault:"false"` // Skip drift detection of the input queue

	MaxProvisioningAttempts int           `env:"SERVICEBUS_MAX_PROVISIONING_ATTEMPTS" envDefault:"10"`   // Bounded retry of control plane operations
	MaxConcurrentDispatches int           `env:"SERVICEBUS_MAX_CONCURRENT_DISPATCHES" envDefault:"16"`   // Destination groups sent in parallel on commit
	PrefetchCount           int           `env:"SERVICEBUS_PREFETCH_COUNT"            envDefault:"0"`    // Messages pulled per receive call; 0 disables prefetch
	AutoRenewLocks          bool          `env:"SERVICEBUS_AUTO_RENEW_LOCKS"          envDefault:"true"` // Renew peek-locks in the background
	ReceiveWait             time.Duration `env:"SERVICEBUS_RECEIVE_WAIT"              envDefault:"5s"`   // How long a receive waits for a message
	MinLockRenewalInterval  time.Duration `env:"SERVICEBUS_MIN_LOCK_RENEWAL_INTERVAL" envDefault:"5s"`   // Lower bound of the renewal period
	ControlPlaneRate        float64       `env:"SERVICEBUS_CONTROL_PLANE_RATE"        envDefault:"20"`   // Control plane calls per second
	ControlPlaneBurst       int           `env:"SERVICEBUS_CONTROL_PLANE_BURST"       envDefault:"5"`    // Control plane burst size
	BlockingTimeout         time.Duration `env:"SERVICEBUS_BLOCKING_TIMEOUT"          envDefault:"60s"`  // Bound of synchronous control plane calls

	ControlPlaneBreakerFailures int           `env:"SERVICEBUS_CONTROL_PLANE_BREAKER_FAILURES" envDefault:"5"`   // Consecutive control plane failures that open the circuit
	ControlPlaneBreakerTimeout  time.Duration `env:"SERVICEBUS_CONTROL_PLANE_BREAKER_TIMEOUT"  envDefault:"10s"` // How long the circuit stays open

	ClientMaxRetries    int32         `env:"SERVICEBUS_CLIENT_MAX_RETRIES"     envDefault:"3"`    // SDK retry attempts
	ClientRetryDelay    time.Duration `env:"SERVICEBUS_CLIENT_RETRY_DELAY"     envDefault:"4s"`   // SDK initial backoff
	ClientMaxRetryDelay time.Duration `env:"SERVICEBUS_CLIENT_MAX_RETRY_DELAY" envDefault:"120s"` // SDK maximum backoff

	// Input queue settings, applied when the queue is created.
	EnablePartitioning         bool          `env:"SERVICEBUS_ENABLE_PARTITIONING"          envDefault:"false"`
	RequiresDuplicateDetection bool          `env:"SERVICEBUS_REQUIRES_DUPLICATE_DETECTION" envDefault:"false"`
	LockDuration               time.Duration `env:"SERVICEBUS_LOCK_DURATION"                envDefault:"60s"`
	DefaultMessageTimeToLive   time.Duration `env:"SERVICEBUS_DEFAULT_MESSAGE_TTL"`
	DuplicateDetectionWindow   time.Duration `env:"SERVICEBUS_DUPLICATE_DETECTION_WINDOW"`
	AutoDeleteOnIdle           time.Duration `env:"SERVICEBUS_AUTO_DELETE_ON_IDLE"`
	MaxDeliveryCount           int32         `env:"SERVICEBUS_MAX_DELIVERY_COUNT"           envDefault:"10"`
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse transport config: %w", err)
	}
	return cfg.WithDefaults(), nil
}

// WithDefaults returns a copy of the config with zero values filled in.
// This method does not mutate the original config.
func (c Config) WithDefaults() Config {
	if c.MaxProvisioningAttempts <= 0 {
		c.MaxProvisioningAttempts = DefaultMaxProvisioningAttempts
	}
	if c.MaxConcurrentDispatches <= 0 {
		c.MaxConcurrentDispatches = DefaultMaxConcurrentDispatches
	}
	if c.ReceiveWait <= 0 {
		c.ReceiveWait = DefaultReceiveWait
	}
	if c.MinLockRenewalInterval <= 0 {
		c.MinLockRenewalInterval = DefaultMinLockRenewalInterval
	}
	if c.ControlPlaneRate <= 0 {
		c.ControlPlaneRate = DefaultControlPlaneRate
	}
	if c.ControlPlaneBurst <= 0 {
		c.ControlPlaneBurst = DefaultControlPlaneBurst
	}
	if c.BlockingTimeout <= 0 {
		c.BlockingTimeout = DefaultBlockingTimeout
	}
	if c.ControlPlaneBreakerFailures <= 0 {
		c.ControlPlaneBreakerFailures = DefaultBreakerFailures
	}
	if c.ControlPlaneBreakerTimeout <= 0 {
		c.ControlPlaneBreakerTimeout = DefaultBreakerTimeout
	}
	return c
}

// Validate reports configuration errors. Every returned error wraps
// faults.ErrConfiguration.
func (c Config) Validate() error {
	if strings.Contains(c.InputQueue, address.PublishMarker) {
		return faults.Configuration("input queue %q contains the reserved marker %q", c.InputQueue, address.PublishMarker)
	}
	if c.PrefetchCount < 0 {
		return faults.Configuration("prefetch count must be >= 0, got %d", c.PrefetchCount)
	}
	if c.PrefetchCount > broker.MaxBatchSize*20 {
		return faults.Configuration("prefetch count must be <= %d, got %d", broker.MaxBatchSize*20, c.PrefetchCount)
	}
	if c.MaxDeliveryCount < 0 {
		return faults.Configuration("max delivery count must be >= 0, got %d", c.MaxDeliveryCount)
	}
	return nil
}

// RequireConnectionString fails when no connection string is configured.
func (c Config) RequireConnectionString() error {
	if strings.TrimSpace(c.ConnectionString) == "" {
		return faults.Configuration("service bus connection string is required")
	}
	return nil
}

// InputQueueDescriptor is the full descriptor of the endpoint's own queue.
func (c Config) InputQueueDescriptor() broker.QueueDescriptor {
	return broker.QueueDescriptor{
		EnablePartitioning:                  c.EnablePartitioning,
		RequiresDuplicateDetection:          c.RequiresDuplicateDetection,
		LockDuration:                        c.LockDuration,
		DefaultMessageTimeToLive:            c.DefaultMessageTimeToLive,
		DuplicateDetectionHistoryTimeWindow: c.DuplicateDetectionWindow,
		AutoDeleteOnIdle:                    c.AutoDeleteOnIdle,
		MaxDeliveryCount:                    c.MaxDeliveryCount,
	}
}

// RetryPolicy is the bounded retry used by provisioning and subscriptions.
func (c Config) RetryPolicy() faults.RetryPolicy {
	return faults.RetryPolicy{MaxAttempts: c.MaxProvisioningAttempts}.WithDefaults()
}
