package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ava-labs/servicebus-transport/pkg/broker/azure"
	"github.com/ava-labs/servicebus-transport/pkg/metrics"
	"github.com/ava-labs/servicebus-transport/pkg/transport"
	"github.com/ava-labs/servicebus-transport/pkg/txcontext"
	"github.com/ava-labs/servicebus-transport/pkg/utils"
)

const closeTimeout = 15 * time.Second

// endpoint is a connected transport and everything that has to be released with it
type endpoint struct {
	cfg       *Config
	sugar     *zap.SugaredLogger
	transport *transport.Transport
	client    *azure.Client
}

func (e *endpoint) close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := e.transport.Close(ctx); err != nil {
		e.sugar.Warnw("failed to close transport", "error", err)
	}
	if err := e.client.Close(ctx); err != nil {
		e.sugar.Warnw("failed to close service bus client", "error", err)
	}
	e.sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors
}

// open builds the configuration, the logger and a transport on Azure Service Bus
func open(c *cli.Context, opts ...transport.Option) (*endpoint, error) {
	cfg, err := buildConfig(c)
	if err != nil {
		return nil, fmt.Errorf("failed to build config: %w", err)
	}
	if err := cfg.Transport.RequireConnectionString(); err != nil {
		return nil, err
	}

	sugar, err := utils.NewSugaredLogger(cfg.Verbose)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	sugar.Infow("config",
		"verbose", cfg.Verbose,
		"inputQueue", cfg.Transport.InputQueue,
		"requireExistingTopics", cfg.Transport.RequireExistingTopics,
		"doNotCreateQueues", cfg.Transport.DoNotCreateQueues,
		"doNotCheckQueueConfiguration", cfg.Transport.DoNotCheckQueueConfiguration,
		"prefetchCount", cfg.Transport.PrefetchCount,
		"autoRenewLocks", cfg.Transport.AutoRenewLocks,
		"receiveWait", cfg.Transport.ReceiveWait,
		"lockDuration", cfg.Transport.LockDuration,
		"maxDeliveryCount", cfg.Transport.MaxDeliveryCount,
		"environment", cfg.Transport.Environment,
		"region", cfg.Transport.Region,
		"cloudProvider", cfg.CloudProvider,
	)

	client, err := azure.NewClient(cfg.Transport.ConnectionString, cfg.ClientRetry(), sugar)
	if err != nil {
		return nil, err
	}
	admin, err := azure.NewAdmin(cfg.Transport.ConnectionString)
	if err != nil {
		_ = client.Close(context.Background())
		return nil, err
	}
	tr, err := transport.New(cfg.Transport, client, admin, sugar, opts...)
	if err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	return &endpoint{cfg: cfg, sugar: sugar, transport: tr, client: client}, nil
}

func provision(c *cli.Context) error {
	e, err := open(c)
	if err != nil {
		return err
	}
	defer e.close()

	if e.transport.SendOnly() {
		return errors.New("input queue is required")
	}
	if err := e.transport.Initialize(c.Context); err != nil {
		return fmt.Errorf("failed to initialize transport: %w", err)
	}
	drift, err := e.transport.CheckConfiguration(c.Context)
	if err != nil {
		return fmt.Errorf("failed to check queue configuration: %w", err)
	}
	for _, d := range drift {
		e.sugar.Warnw("queue configuration differs",
			"setting", d.Setting,
			"current", d.Current,
			"desired", d.Desired,
			"mutable", d.Mutable)
	}
	e.sugar.Infow("input queue provisioned", "queue", e.transport.Address(), "drift", len(drift))
	return nil
}

func createQueue(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("at least one queue name is required")
	}
	e, err := open(c)
	if err != nil {
		return err
	}
	defer e.close()

	for _, name := range c.Args().Slice() {
		addr, err := e.transport.QueueAddress(name)
		if err != nil {
			return err
		}
		if err := e.transport.CreateQueue(addr); err != nil {
			return err
		}
		e.sugar.Infow("queue ready", "queue", addr)
	}
	return nil
}

func send(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("exactly one destination queue is required")
	}
	e, err := open(c)
	if err != nil {
		return err
	}
	defer e.close()

	addr, err := e.transport.QueueAddress(c.Args().First())
	if err != nil {
		return err
	}
	return sendCopies(c, e, addr)
}

func publish(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("exactly one topic is required")
	}
	e, err := open(c)
	if err != nil {
		return err
	}
	defer e.close()

	addrs, err := e.transport.GetSubscriberAddresses(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		if err := sendCopies(c, e, addr); err != nil {
			return err
		}
	}
	return nil
}

// sendCopies sends count copies of the message built from the flags in one transaction
func sendCopies(c *cli.Context, e *endpoint, addr string) error {
	count := c.Int("count")
	if count <= 0 {
		return fmt.Errorf("count must be positive, got %d", count)
	}
	ctx := c.Context
	tx := txcontext.New()
	defer tx.Dispose(ctx)

	for range count {
		msg, err := buildMessage(c)
		if err != nil {
			return err
		}
		if err := e.transport.Send(ctx, addr, msg, tx); err != nil {
			return err
		}
	}
	if err := tx.Complete(ctx); err != nil {
		return err
	}
	e.sugar.Infow("messages sent", "destination", addr, "messages", count)
	return nil
}

func subscribe(c *cli.Context) error {
	return manageSubscriptions(c, "subscribed", (*transport.Transport).RegisterSubscriber)
}

func unsubscribe(c *cli.Context) error {
	return manageSubscriptions(c, "unsubscribed", (*transport.Transport).UnregisterSubscriber)
}

func manageSubscriptions(
	c *cli.Context,
	verb string,
	fn func(t *transport.Transport, ctx context.Context, topic, subscriberAddress string) error,
) error {
	if c.NArg() == 0 {
		return errors.New("at least one topic is required")
	}
	e, err := open(c)
	if err != nil {
		return err
	}
	defer e.close()

	for _, topic := range c.Args().Slice() {
		if err := fn(e.transport, c.Context, topic, e.transport.Address()); err != nil {
			return err
		}
		e.sugar.Infow(verb, "topic", topic, "queue", e.transport.Address())
	}
	return nil
}

func receive(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	// Initialize Prometheus metrics with labels for multi-instance filtering
	registry := prometheus.NewRegistry()
	m, err := metrics.NewWithLabels(registry, metrics.Labels{
		Endpoint:      cfg.Transport.InputQueue,
		Environment:   cfg.Transport.Environment,
		Region:        cfg.Transport.Region,
		CloudProvider: cfg.CloudProvider,
	})
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	e, err := open(c, transport.WithMetrics(m))
	if err != nil {
		return err
	}
	defer e.close()
	if e.transport.SendOnly() {
		return errors.New("input queue is required")
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := e.transport.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize transport: %w", err)
	}

	metricsAddr := fmt.Sprintf("%s:%d", c.String("metrics-host"), c.Int("metrics-port"))
	metricsServer := metrics.NewServer(metricsAddr, registry, metrics.WithReadiness(e.transport.Ready))
	metricsErrCh := metricsServer.Start()
	e.sugar.Infof("metrics server listening on http://%s/metrics", metricsAddr)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			e.sugar.Warnw("failed to shut down metrics server", "error", err)
		}
	}()

	abandon := c.Bool("abandon")
	limit := c.Int("max-messages")
	received := 0
	for limit == 0 || received < limit {
		select {
		case err := <-metricsErrCh:
			return fmt.Errorf("metrics server failed: %w", err)
		default:
		}

		ok, err := receiveOne(ctx, e, abandon)
		if err != nil {
			e.sugar.Errorw("receive failed", "error", err)
			return err
		}
		if ctx.Err() != nil {
			e.sugar.Infow("exiting due to context cancellation")
			return nil
		}
		if ok {
			received++
		}
	}

	e.sugar.Infow("shutting down", "received", received)
	return nil
}

// receiveOne receives and settles a single message in its own transaction
func receiveOne(ctx context.Context, e *endpoint, abandon bool) (bool, error) {
	tx := txcontext.New()
	defer tx.Dispose(ctx)

	d, err := e.transport.Receive(ctx, tx)
	if err != nil || d == nil {
		return false, err
	}
	e.sugar.Infow("received message",
		"messageId", d.MessageID(),
		"deliveryCount", d.DeliveryCount(),
		"lockedUntil", d.LockedUntil(),
		"headers", d.Headers,
		"body", string(d.Body))

	if abandon {
		return true, tx.Abort(ctx)
	}
	return true, tx.Complete(ctx)
}
