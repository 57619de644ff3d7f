package transport

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ava-labs/servicebus-transport/pkg/address"
	"github.com/ava-labs/servicebus-transport/pkg/broker"
	"github.com/ava-labs/servicebus-transport/pkg/broker/inmemory"
	"github.com/ava-labs/servicebus-transport/pkg/faults"
	"github.com/ava-labs/servicebus-transport/pkg/message"
	"github.com/ava-labs/servicebus-transport/pkg/metrics"
	"github.com/ava-labs/servicebus-transport/pkg/txcontext"
)

type prefixFormatter struct {
	address.DefaultFormatter
}

func (prefixFormatter) FormatTopicName(name string) string { return "bus." + name }

func TestNew_Validation(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	b := inmemory.New()

	_, err := New(Config{InputQueue: "topic://orders"}, b, b, log)
	require.ErrorIs(t, err, faults.ErrConfiguration)

	_, err = New(Config{InputQueue: "orders"}, nil, b, log)
	require.ErrorIs(t, err, faults.ErrConfiguration)

	_, err = New(Config{PrefetchCount: -5}, b, b, log)
	require.ErrorIs(t, err, faults.ErrConfiguration)
}

func TestTransport_Addresses(t *testing.T) {
	cfg := testConfig()
	cfg.InputQueue = "Sales/Orders"
	tr := newTestTransport(t, inmemory.New(), cfg)

	assert.Equal(t, "sales/orders", tr.Address())
	assert.False(t, tr.SendOnly())

	addr, err := tr.PublishAddress("Sales.OrderPlaced")
	require.NoError(t, err)
	assert.Equal(t, "topic://sales.orderplaced", addr)

	addr, err = tr.QueueAddress("Billing")
	require.NoError(t, err)
	assert.Equal(t, "billing", addr)

	_, err = tr.PublishAddress("")
	require.ErrorIs(t, err, faults.ErrConfiguration)
}

func TestTransport_CustomNameFormatter(t *testing.T) {
	b := inmemory.New()
	log := zaptest.NewLogger(t).Sugar()
	tr, err := New(testConfig(), b, b, log, WithNameFormatter(prefixFormatter{}))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, tr.Close(context.Background())) })

	require.NoError(t, tr.EnsureTopic(t.Context(), "events"))
	topic, err := b.GetTopic(t.Context(), "bus.events")
	require.NoError(t, err)
	require.NotNil(t, topic)
}

func TestInitialize(t *testing.T) {
	ctx := t.Context()
	b := inmemory.New()
	cfg := testConfig()
	cfg.LockDuration = 45 * time.Second
	cfg.MaxDeliveryCount = 3
	tr := newTestTransport(t, b, cfg)

	require.NoError(t, tr.Initialize(ctx))
	require.NoError(t, tr.Initialize(ctx))

	live, err := b.GetQueue(ctx, "orders")
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, live.LockDuration)
	require.Equal(t, int32(3), live.MaxDeliveryCount)
	require.Equal(t, 1, b.Calls(inmemory.OpCreateQueue))
	require.Zero(t, b.Calls(inmemory.OpUpdateQueue))
}

func TestInitialize_CorrectsDrift(t *testing.T) {
	ctx := t.Context()
	b := inmemory.New()
	createQueue(t, b, "orders", broker.QueueDescriptor{LockDuration: 30 * time.Second})
	cfg := testConfig()
	cfg.LockDuration = time.Minute
	tr := newTestTransport(t, b, cfg)

	require.NoError(t, tr.Initialize(ctx))
	live, err := b.GetQueue(ctx, "orders")
	require.NoError(t, err)
	require.Equal(t, time.Minute, live.LockDuration)

	drift, err := tr.CheckConfiguration(ctx)
	require.NoError(t, err)
	require.Empty(t, drift)
}

func TestInitialize_EntityManagementDisabled(t *testing.T) {
	b := inmemory.New()
	cfg := testConfig()
	cfg.DoNotCreateQueues = true
	tr := newTestTransport(t, b, cfg)

	err := tr.Initialize(t.Context())
	require.ErrorIs(t, err, broker.ErrEntityNotFound, "a missing input queue is fatal")
	require.Zero(t, b.Calls(inmemory.OpCreateQueue))

	cfg.DoNotCheckQueueConfiguration = true
	b.ResetCalls()
	tr = newTestTransport(t, b, cfg)
	require.NoError(t, tr.Initialize(t.Context()))
	require.Zero(t, adminCalls(b))
}

func TestInitialize_SendOnly(t *testing.T) {
	b := inmemory.New()
	cfg := testConfig()
	cfg.InputQueue = ""
	tr := newTestTransport(t, b, cfg)

	require.True(t, tr.SendOnly())
	require.NoError(t, tr.Initialize(t.Context()))
	drift, err := tr.CheckConfiguration(t.Context())
	require.NoError(t, err)
	require.Nil(t, drift)
	require.NoError(t, tr.Ready(t.Context()))
	require.Zero(t, adminCalls(b))
}

func TestCreateQueue(t *testing.T) {
	b := inmemory.New()
	cfg := testConfig()
	cfg.LockDuration = 2 * time.Minute
	tr := newTestTransport(t, b, cfg)

	require.NoError(t, tr.CreateQueue("orders"))
	require.NoError(t, tr.CreateQueue("replies"))
	require.NoError(t, tr.CreateQueue("replies"))

	orders, err := b.GetQueue(t.Context(), "orders")
	require.NoError(t, err)
	require.Equal(t, 2*time.Minute, orders.LockDuration, "the input queue gets its configured settings")
	replies, err := b.GetQueue(t.Context(), "replies")
	require.NoError(t, err)
	require.Equal(t, inmemory.DefaultLockDuration, replies.LockDuration)
	require.Equal(t, 2, b.Calls(inmemory.OpCreateQueue))

	err = tr.CreateQueue("topic://orders")
	require.ErrorIs(t, err, faults.ErrConfiguration)
	require.Equal(t, 2, b.Calls(inmemory.OpCreateQueue))
}

func TestCreateQueue_BoundedByTimeout(t *testing.T) {
	b := inmemory.New()
	cfg := testConfig()
	cfg.BlockingTimeout = 50 * time.Millisecond
	tr := newTestTransport(t, b, cfg)
	b.FailNext(inmemory.OpGetQueue, broker.ErrTransient, 100)

	start := time.Now()
	err := tr.CreateQueue("replies")
	require.Error(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestReady(t *testing.T) {
	b := inmemory.New()
	tr := newTestTransport(t, b, testConfig())

	require.ErrorIs(t, tr.Ready(t.Context()), broker.ErrEntityNotFound)
	require.NoError(t, tr.Initialize(t.Context()))
	require.NoError(t, tr.Ready(t.Context()))
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	b := inmemory.New()
	tr, err := New(testConfig(), b, b, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	require.NoError(t, tr.Initialize(ctx))
	createQueue(t, b, "billing", broker.QueueDescriptor{})

	require.NoError(t, tr.Close(ctx))
	require.NoError(t, tr.Close(ctx))

	tx := txcontext.New()
	require.NoError(t, tr.Send(ctx, "billing", message.New(nil, []byte("x")), tx))
	require.ErrorIs(t, tx.Complete(ctx), ErrClosed)
}

func gatherCounter(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestTransport_RecordsMetrics(t *testing.T) {
	ctx := t.Context()
	reg := prometheus.NewRegistry()
	m, err := metrics.NewWithLabels(reg, metrics.Labels{Endpoint: "orders", Environment: "test"})
	require.NoError(t, err)
	b := inmemory.New()
	tr, err := New(testConfig(), b, b, zaptest.NewLogger(t).Sugar(), WithMetrics(m))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, tr.Close(context.Background())) })

	require.NoError(t, tr.Initialize(ctx))
	require.NoError(t, sendInTx(t, tr, "orders", 3))
	d, err := tr.Receive(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, d.Complete(ctx))
	d.Dispose()

	assert.InDelta(t, 3, gatherCounter(t, reg, "sbtransport_outbound_messages_total"), 0)
	assert.InDelta(t, 1, gatherCounter(t, reg, "sbtransport_outbound_batches_total"), 0)
	assert.InDelta(t, 1, gatherCounter(t, reg, "sbtransport_inbound_messages_total"), 0)
	assert.InDelta(t, 1, gatherCounter(t, reg, "sbtransport_inbound_settlements_total"), 0)
	assert.Positive(t, gatherCounter(t, reg, "sbtransport_control_plane_calls_total"))
}
