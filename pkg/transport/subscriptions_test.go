package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ava-labs/servicebus-transport/pkg/address"
	"github.com/ava-labs/servicebus-transport/pkg/broker"
	"github.com/ava-labs/servicebus-transport/pkg/broker/inmemory"
	"github.com/ava-labs/servicebus-transport/pkg/faults"
	"github.com/ava-labs/servicebus-transport/pkg/message"
	"github.com/ava-labs/servicebus-transport/pkg/txcontext"
)

func TestRegisterSubscriber_Idempotent(t *testing.T) {
	ctx := t.Context()
	b := inmemory.New()
	tr := newTestTransport(t, b, testConfig())

	require.NoError(t, tr.RegisterSubscriber(ctx, "Sales.Events", tr.Address()))
	b.ResetCalls()
	require.NoError(t, tr.RegisterSubscriber(ctx, "Sales.Events", tr.Address()))

	subs := b.Subscriptions("sales.events")
	require.Len(t, subs, 1)
	require.Equal(t, "orders", subs["orders"].ForwardTo)
	require.Zero(t, b.Calls(inmemory.OpUpdateSubscription))
	require.Zero(t, b.Calls(inmemory.OpCreateSubscription))
	require.Zero(t, b.Calls(inmemory.OpCreateTopic))
}

func TestRegisterSubscriber_ForeignAddress(t *testing.T) {
	b := inmemory.New()
	tr := newTestTransport(t, b, testConfig())

	for _, other := range []string{"billing", "", address.PublishMarker + "orders"} {
		err := tr.RegisterSubscriber(t.Context(), "events", other)
		require.ErrorIs(t, err, ErrForeignSubscriber)
		err = tr.UnregisterSubscriber(t.Context(), "events", other)
		require.ErrorIs(t, err, ErrForeignSubscriber)
	}
	require.Zero(t, adminCalls(b), "the control plane is never touched")
}

func TestRegisterSubscriber_SendOnly(t *testing.T) {
	b := inmemory.New()
	cfg := testConfig()
	cfg.InputQueue = ""
	tr := newTestTransport(t, b, cfg)

	err := tr.RegisterSubscriber(t.Context(), "events", "")
	require.ErrorIs(t, err, ErrForeignSubscriber)
	require.Zero(t, adminCalls(b))
}

func TestRegisterSubscriber_CaseInsensitiveOwner(t *testing.T) {
	tr := newTestTransport(t, inmemory.New(), testConfig())
	require.NoError(t, tr.RegisterSubscriber(t.Context(), "events", "ORDERS"))
}

func TestRegisterSubscriber_ConfiguredInputQueueName(t *testing.T) {
	b := inmemory.New()
	cfg := testConfig()
	cfg.InputQueue = "Orders Queue"
	tr := newTestTransport(t, b, cfg)
	require.Equal(t, "orders_queue", tr.Address())

	require.NoError(t, tr.RegisterSubscriber(t.Context(), "events", cfg.InputQueue))
	require.Equal(t, "orders_queue", b.Subscriptions("events")["orders_queue"].ForwardTo)
	require.NoError(t, tr.UnregisterSubscriber(t.Context(), "events", cfg.InputQueue))
	require.Empty(t, b.Subscriptions("events"))
}

func TestRegisterSubscriber_FixesForwarding(t *testing.T) {
	ctx := t.Context()
	b := inmemory.New()
	require.NoError(t, b.CreateTopic(ctx, "events", broker.TopicDescriptor{}))
	require.NoError(t, b.CreateSubscription(ctx, "events", "orders", broker.SubscriptionDescriptor{ForwardTo: "stale"}))
	tr := newTestTransport(t, b, testConfig())

	require.NoError(t, tr.RegisterSubscriber(ctx, "events", "orders"))
	require.Equal(t, 1, b.Calls(inmemory.OpUpdateSubscription))
	require.Equal(t, "orders", b.Subscriptions("events")["orders"].ForwardTo)
}

func TestRegisterSubscriber_SubscriptionVanishesAfterConflict(t *testing.T) {
	ctx := t.Context()
	b := inmemory.New()
	tr := newTestTransport(t, b, testConfig())
	b.FailNext(inmemory.OpCreateSubscription, broker.ErrEntityAlreadyExists, 1)

	require.NoError(t, tr.RegisterSubscriber(ctx, "events", "orders"))
	require.Equal(t, 2, b.Calls(inmemory.OpCreateSubscription))
	require.Len(t, b.Subscriptions("events"), 1)
}

func TestRegisterSubscriber_RetriesTransientFaults(t *testing.T) {
	ctx := t.Context()
	b := inmemory.New()
	tr := newTestTransport(t, b, testConfig())
	b.FailNext(inmemory.OpGetSubscription, broker.ErrTransient, 2)

	require.NoError(t, tr.RegisterSubscriber(ctx, "events", "orders"))
	require.Equal(t, 3, b.Calls(inmemory.OpGetSubscription))
	require.Len(t, b.Subscriptions("events"), 1)
}

func TestRegisterSubscriber_DoesNotRetryOtherFaults(t *testing.T) {
	ctx := t.Context()
	b := inmemory.New()
	tr := newTestTransport(t, b, testConfig())
	denied := errors.New("unauthorized")
	b.FailNext(inmemory.OpGetTopic, denied, 1)

	err := tr.RegisterSubscriber(ctx, "events", "orders")
	var fatal *faults.Error
	require.ErrorAs(t, err, &fatal)
	require.ErrorIs(t, err, denied)
	require.Equal(t, 1, b.Calls(inmemory.OpGetTopic))
}

func TestRegisterSubscriber_AttemptCap(t *testing.T) {
	ctx := t.Context()
	b := inmemory.New()
	cfg := testConfig()
	cfg.MaxProvisioningAttempts = 2
	tr := newTestTransport(t, b, cfg)
	b.FailNext(inmemory.OpGetTopic, broker.ErrTransient, 5)

	err := tr.RegisterSubscriber(ctx, "events", "orders")
	require.ErrorIs(t, err, broker.ErrTransient)
	require.Equal(t, 2, b.Calls(inmemory.OpGetTopic))
}

func TestUnregisterSubscriber(t *testing.T) {
	ctx := t.Context()
	b := inmemory.New()
	tr := newTestTransport(t, b, testConfig())

	require.NoError(t, tr.RegisterSubscriber(ctx, "events", "orders"))
	require.NoError(t, tr.UnregisterSubscriber(ctx, "events", "orders"))
	require.Empty(t, b.Subscriptions("events"))
	require.NoError(t, tr.UnregisterSubscriber(ctx, "events", "orders"), "missing subscription counts as deleted")
	require.NoError(t, tr.UnregisterSubscriber(ctx, "never-created", "orders"), "missing topic counts as deleted")
}

func TestGetSubscriberAddresses(t *testing.T) {
	tr := newTestTransport(t, inmemory.New(), testConfig())

	addrs, err := tr.GetSubscriberAddresses(t.Context(), "Sales.Events")
	require.NoError(t, err)
	require.Equal(t, []string{address.PublishMarker + "sales.events"}, addrs)

	addrs[0] = "mutated"
	again, err := tr.GetSubscriberAddresses(t.Context(), "sales.events")
	require.NoError(t, err)
	require.Equal(t, []string{address.PublishMarker + "sales.events"}, again, "cached addresses are copied")
}

func TestPublishSubscribe_EndToEnd(t *testing.T) {
	ctx := t.Context()
	b := inmemory.New()
	subscriber := newTestTransport(t, b, testConfig())
	require.NoError(t, subscriber.Initialize(ctx))
	require.NoError(t, subscriber.RegisterSubscriber(ctx, "events", subscriber.Address()))

	cfg := testConfig()
	cfg.InputQueue = ""
	publisher := newTestTransport(t, b, cfg)
	addrs, err := publisher.GetSubscriberAddresses(ctx, "events")
	require.NoError(t, err)

	tx := txcontext.New()
	require.NoError(t, publisher.Send(ctx, addrs[0], message.New(map[string]string{message.HeaderMessageType: "OrderPlaced"}, []byte("{}")), tx))
	require.NoError(t, tx.Complete(ctx))

	d, err := subscriber.Receive(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, "OrderPlaced", d.Headers[message.HeaderMessageType])
	require.NoError(t, d.Complete(ctx))
	d.Dispose()

	require.NoError(t, subscriber.UnregisterSubscriber(ctx, "events", subscriber.Address()))
	require.NoError(t, sendInTx(t, publisher, addrs[0], 1))
	require.Zero(t, b.Len("orders"), "no subscription, nothing forwarded")
}
