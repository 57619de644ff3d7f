package transport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ava-labs/servicebus-transport/pkg/broker"
	"github.com/ava-labs/servicebus-transport/pkg/broker/inmemory"
	"github.com/ava-labs/servicebus-transport/pkg/message"
	"github.com/ava-labs/servicebus-transport/pkg/txcontext"
)

var adminOps = []string{
	inmemory.OpGetQueue, inmemory.OpCreateQueue, inmemory.OpUpdateQueue, inmemory.OpDeleteQueue,
	inmemory.OpGetTopic, inmemory.OpCreateTopic, inmemory.OpDeleteTopic,
	inmemory.OpGetSubscription, inmemory.OpCreateSubscription, inmemory.OpUpdateSubscription, inmemory.OpDeleteSubscription,
}

func adminCalls(b *inmemory.Broker) int {
	n := 0
	for _, op := range adminOps {
		n += b.Calls(op)
	}
	return n
}

func testConfig() Config {
	return Config{
		InputQueue:             "orders",
		AutoRenewLocks:         true,
		ReceiveWait:            100 * time.Millisecond,
		MinLockRenewalInterval: 20 * time.Millisecond,
		ControlPlaneRate:       1000,
		ControlPlaneBurst:      100,
	}
}

func newTestTransport(t *testing.T, b *inmemory.Broker, cfg Config) *Transport {
	t.Helper()
	return newTestTransportWithLogger(t, b, cfg, zaptest.NewLogger(t).Sugar())
}

func newTestTransportWithLogger(t *testing.T, b *inmemory.Broker, cfg Config, log *zap.SugaredLogger) *Transport {
	t.Helper()
	tr, err := New(cfg, b, b, log)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, tr.Close(context.Background()))
	})
	return tr
}

func createQueue(t *testing.T, b *inmemory.Broker, name string, desc broker.QueueDescriptor) {
	t.Helper()
	require.NoError(t, b.CreateQueue(t.Context(), name, desc))
}

// sendInTx sends n messages to destination in one committed transaction.
func sendInTx(t *testing.T, tr *Transport, destination string, n int) error {
	t.Helper()
	ctx := t.Context()
	tx := txcontext.New()
	defer tx.Dispose(ctx)
	for i := range n {
		msg := message.New(map[string]string{message.HeaderMessageID: fmt.Sprintf("%s-%03d", destination, i)}, []byte("payload"))
		require.NoError(t, tr.Send(ctx, destination, msg, tx))
	}
	return tx.Complete(ctx)
}
