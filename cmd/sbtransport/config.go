package main

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/ava-labs/servicebus-transport/pkg/broker/azure"
	"github.com/ava-labs/servicebus-transport/pkg/message"
	"github.com/ava-labs/servicebus-transport/pkg/transport"
)

// Config holds all configuration for the sbtransport application
type Config struct {
	Verbose       bool
	CloudProvider string
	Transport     transport.Config
}

// ClientRetry returns the SDK retry policy of the data plane client
func (c *Config) ClientRetry() azure.RetryOptions {
	return azure.RetryOptions{
		MaxRetries:    c.Transport.ClientMaxRetries,
		RetryDelay:    c.Transport.ClientRetryDelay,
		MaxRetryDelay: c.Transport.ClientMaxRetryDelay,
	}
}

// buildConfig builds a Config from CLI context flags
func buildConfig(c *cli.Context) (*Config, error) {
	cfg := &Config{
		Verbose:       c.Bool("verbose"),
		CloudProvider: c.String("cloud-provider"),
		Transport: transport.Config{
			ConnectionString:             c.String("connection-string"),
			InputQueue:                   c.String("input-queue"),
			Environment:                  c.String("environment"),
			Region:                       c.String("region"),
			RequireExistingTopics:        c.Bool("require-existing-topics"),
			DoNotCreateQueues:            c.Bool("do-not-create-queues"),
			DoNotCheckQueueConfiguration: c.Bool("do-not-check-queue-configuration"),
			MaxProvisioningAttempts:      c.Int("max-provisioning-attempts"),
			MaxConcurrentDispatches:      c.Int("max-concurrent-dispatches"),
			PrefetchCount:                c.Int("prefetch-count"),
			AutoRenewLocks:               c.Bool("auto-renew-locks"),
			ReceiveWait:                  c.Duration("receive-wait"),
			MinLockRenewalInterval:       c.Duration("min-lock-renewal-interval"),
			ControlPlaneRate:             c.Float64("control-plane-rate"),
			ControlPlaneBurst:            c.Int("control-plane-burst"),
			BlockingTimeout:              c.Duration("blocking-timeout"),
			ControlPlaneBreakerFailures:  c.Int("control-plane-breaker-failures"),
			ControlPlaneBreakerTimeout:   c.Duration("control-plane-breaker-timeout"),
			ClientMaxRetries:             int32(c.Int("client-max-retries")),
			ClientRetryDelay:             c.Duration("client-retry-delay"),
			ClientMaxRetryDelay:          c.Duration("client-max-retry-delay"),
			EnablePartitioning:           c.Bool("enable-partitioning"),
			RequiresDuplicateDetection:   c.Bool("requires-duplicate-detection"),
			LockDuration:                 c.Duration("lock-duration"),
			DefaultMessageTimeToLive:     c.Duration("default-message-ttl"),
			DuplicateDetectionWindow:     c.Duration("duplicate-detection-window"),
			AutoDeleteOnIdle:             c.Duration("auto-delete-on-idle"),
			MaxDeliveryCount:             int32(c.Int("max-delivery-count")),
		}.WithDefaults(),
	}
	if err := cfg.Transport.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transport config: %w", err)
	}
	return cfg, nil
}

// buildMessage builds the outgoing message of the send and publish commands
func buildMessage(c *cli.Context) (*message.TransportMessage, error) {
	headers, err := parseHeaders(c.StringSlice("header"))
	if err != nil {
		return nil, err
	}
	if t := c.String("message-type"); t != "" {
		headers[message.HeaderMessageType] = t
	}
	return message.New(headers, []byte(c.String("body"))), nil
}

// parseHeaders parses key=value pairs. Values may contain '='.
func parseHeaders(pairs []string) (map[string]string, error) {
	headers := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid header %q, expected key=value", pair)
		}
		headers[key] = value
	}
	return headers, nil
}
