package main

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ava-labs/servicebus-transport/pkg/transport"
)

// globalFlags returns the flags shared by every command
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable verbose logging",
			EnvVars: []string{"VERBOSE"},
			Value:   false,
		},
		&cli.StringFlag{
			Name:    "connection-string",
			Usage:   "The Service Bus namespace connection string",
			EnvVars: []string{"SERVICEBUS_CONNECTION_STRING"},
		},
		&cli.StringFlag{
			Name:    "input-queue",
			Aliases: []string{"q"},
			Usage:   "The input queue of the endpoint. Leave empty for a send-only endpoint",
			EnvVars: []string{"SERVICEBUS_INPUT_QUEUE"},
		},
		&cli.BoolFlag{
			Name:    "require-existing-topics",
			Usage:   "Fail when publishing to a topic that does not exist instead of dropping the messages",
			EnvVars: []string{"SERVICEBUS_REQUIRE_EXISTING_TOPICS"},
		},
		&cli.BoolFlag{
			Name:    "do-not-create-queues",
			Usage:   "Never create or update queues, topics or subscriptions",
			EnvVars: []string{"SERVICEBUS_DO_NOT_CREATE_QUEUES"},
		},
		&cli.BoolFlag{
			Name:    "do-not-check-queue-configuration",
			Usage:   "Skip comparing the input queue settings with the configuration",
			EnvVars: []string{"SERVICEBUS_DO_NOT_CHECK_QUEUE_CONFIGURATION"},
		},
		&cli.IntFlag{
			Name:    "max-provisioning-attempts",
			Usage:   "Attempts of a control plane operation before giving up",
			EnvVars: []string{"SERVICEBUS_MAX_PROVISIONING_ATTEMPTS"},
			Value:   transport.DefaultMaxProvisioningAttempts,
		},
		&cli.IntFlag{
			Name:    "max-concurrent-dispatches",
			Usage:   "Destinations sent to in parallel when a transaction commits",
			EnvVars: []string{"SERVICEBUS_MAX_CONCURRENT_DISPATCHES"},
			Value:   transport.DefaultMaxConcurrentDispatches,
		},
		&cli.IntFlag{
			Name:    "prefetch-count",
			Usage:   "Messages pulled per receive call. 0 disables prefetch",
			EnvVars: []string{"SERVICEBUS_PREFETCH_COUNT"},
		},
		&cli.BoolFlag{
			Name:    "auto-renew-locks",
			Usage:   "Renew the lock of received messages until they are settled",
			EnvVars: []string{"SERVICEBUS_AUTO_RENEW_LOCKS"},
			Value:   true,
		},
		&cli.DurationFlag{
			Name:    "receive-wait",
			Usage:   "How long a receive call waits for a message",
			EnvVars: []string{"SERVICEBUS_RECEIVE_WAIT"},
			Value:   transport.DefaultReceiveWait,
		},
		&cli.DurationFlag{
			Name:    "min-lock-renewal-interval",
			Usage:   "Lower bound of the lock renewal period",
			EnvVars: []string{"SERVICEBUS_MIN_LOCK_RENEWAL_INTERVAL"},
			Value:   transport.DefaultMinLockRenewalInterval,
		},
		&cli.Float64Flag{
			Name:    "control-plane-rate",
			Usage:   "Control plane calls per second",
			EnvVars: []string{"SERVICEBUS_CONTROL_PLANE_RATE"},
			Value:   transport.DefaultControlPlaneRate,
		},
		&cli.IntFlag{
			Name:    "control-plane-burst",
			Usage:   "Control plane burst size",
			EnvVars: []string{"SERVICEBUS_CONTROL_PLANE_BURST"},
			Value:   transport.DefaultControlPlaneBurst,
		},
		&cli.DurationFlag{
			Name:    "blocking-timeout",
			Usage:   "Bound of synchronous control plane calls",
			EnvVars: []string{"SERVICEBUS_BLOCKING_TIMEOUT"},
			Value:   transport.DefaultBlockingTimeout,
		},
		&cli.IntFlag{
			Name:    "control-plane-breaker-failures",
			Usage:   "Consecutive control plane failures that stop control plane calls for a while",
			EnvVars: []string{"SERVICEBUS_CONTROL_PLANE_BREAKER_FAILURES"},
			Value:   transport.DefaultBreakerFailures,
		},
		&cli.DurationFlag{
			Name:    "control-plane-breaker-timeout",
			Usage:   "How long control plane calls are stopped after repeated failures",
			EnvVars: []string{"SERVICEBUS_CONTROL_PLANE_BREAKER_TIMEOUT"},
			Value:   transport.DefaultBreakerTimeout,
		},
		&cli.IntFlag{
			Name:    "client-max-retries",
			Usage:   "Retries of a failed data plane call inside the SDK",
			EnvVars: []string{"SERVICEBUS_CLIENT_MAX_RETRIES"},
			Value:   3,
		},
		&cli.DurationFlag{
			Name:    "client-retry-delay",
			Usage:   "Initial backoff of SDK retries",
			EnvVars: []string{"SERVICEBUS_CLIENT_RETRY_DELAY"},
			Value:   4 * time.Second,
		},
		&cli.DurationFlag{
			Name:    "client-max-retry-delay",
			Usage:   "Maximum backoff of SDK retries",
			EnvVars: []string{"SERVICEBUS_CLIENT_MAX_RETRY_DELAY"},
			Value:   120 * time.Second,
		},
		// Input queue settings
		&cli.BoolFlag{
			Name:    "enable-partitioning",
			Usage:   "Create the input queue and topics partitioned",
			EnvVars: []string{"SERVICEBUS_ENABLE_PARTITIONING"},
		},
		&cli.BoolFlag{
			Name:    "requires-duplicate-detection",
			Usage:   "Create the input queue with duplicate detection",
			EnvVars: []string{"SERVICEBUS_REQUIRES_DUPLICATE_DETECTION"},
		},
		&cli.DurationFlag{
			Name:    "lock-duration",
			Usage:   "Peek-lock duration of the input queue",
			EnvVars: []string{"SERVICEBUS_LOCK_DURATION"},
			Value:   60 * time.Second,
		},
		&cli.DurationFlag{
			Name:    "default-message-ttl",
			Usage:   "Default time to live of messages in the input queue. 0 keeps the broker default",
			EnvVars: []string{"SERVICEBUS_DEFAULT_MESSAGE_TTL"},
		},
		&cli.DurationFlag{
			Name:    "duplicate-detection-window",
			Usage:   "Duplicate detection history window of the input queue",
			EnvVars: []string{"SERVICEBUS_DUPLICATE_DETECTION_WINDOW"},
		},
		&cli.DurationFlag{
			Name:    "auto-delete-on-idle",
			Usage:   "Idle time after which the input queue is deleted. 0 keeps the broker default",
			EnvVars: []string{"SERVICEBUS_AUTO_DELETE_ON_IDLE"},
		},
		&cli.IntFlag{
			Name:    "max-delivery-count",
			Usage:   "Deliveries of a message before it is dead-lettered",
			EnvVars: []string{"SERVICEBUS_MAX_DELIVERY_COUNT"},
			Value:   10,
		},
		// Metrics labels
		&cli.StringFlag{
			Name:    "environment",
			Usage:   "Deployment environment for metrics labels (e.g., 'production', 'staging')",
			EnvVars: []string{"SERVICEBUS_ENVIRONMENT"},
			Value:   "dev",
		},
		&cli.StringFlag{
			Name:    "region",
			Usage:   "Cloud region for metrics labels (e.g., 'westeurope')",
			EnvVars: []string{"SERVICEBUS_REGION"},
		},
		&cli.StringFlag{
			Name:    "cloud-provider",
			Usage:   "Cloud provider for metrics labels",
			EnvVars: []string{"CLOUD_PROVIDER"},
			Value:   "azure",
		},
	}
}

// messageFlags returns the flags of the send and publish commands
func messageFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "body",
			Aliases: []string{"b"},
			Usage:   "The message body",
		},
		&cli.StringFlag{
			Name:    "message-type",
			Aliases: []string{"t"},
			Usage:   "The message type header",
		},
		&cli.StringSliceFlag{
			Name:    "header",
			Aliases: []string{"H"},
			Usage:   "A message header as key=value. Can be repeated",
		},
		&cli.IntFlag{
			Name:    "count",
			Aliases: []string{"n"},
			Usage:   "Number of copies to send in one transaction",
			Value:   1,
		},
	}
}

// receiveFlags returns the flags of the receive command
func receiveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "abandon",
			Usage: "Abandon received messages instead of completing them",
		},
		&cli.IntFlag{
			Name:  "max-messages",
			Usage: "Stop after this many messages. 0 receives until interrupted",
		},
		&cli.StringFlag{
			Name:    "metrics-host",
			Usage:   "Host for Prometheus metrics server (empty for all interfaces)",
			EnvVars: []string{"METRICS_HOST"},
			Value:   "",
		},
		&cli.IntFlag{
			Name:    "metrics-port",
			Usage:   "Port for Prometheus metrics server",
			EnvVars: []string{"METRICS_PORT"},
			Value:   9090,
		},
	}
}
