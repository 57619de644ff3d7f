//go:build e2e

package e2e

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/servicebus-transport/pkg/broker/azure"
	"github.com/ava-labs/servicebus-transport/pkg/transport"
	"github.com/ava-labs/servicebus-transport/pkg/txcontext"
	"github.com/ava-labs/servicebus-transport/pkg/utils"
)

// liveNamespace connects to the namespace named by SERVICEBUS_CONNECTION_STRING.
type liveNamespace struct {
	connStr string
	client  *azure.Client
	admin   *azure.Admin
}

func connect(t *testing.T) *liveNamespace {
	t.Helper()
	connStr := os.Getenv("SERVICEBUS_CONNECTION_STRING")
	if connStr == "" {
		t.Skip("SERVICEBUS_CONNECTION_STRING is not set")
	}
	log, err := utils.NewSugaredLogger(true)
	require.NoError(t, err)

	client, err := azure.NewClient(connStr, azure.RetryOptions{}, log)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close(context.Background())
	})
	admin, err := azure.NewAdmin(connStr)
	require.NoError(t, err)
	return &liveNamespace{connStr: connStr, client: client, admin: admin}
}

// uniqueName returns an entity name that does not collide with parallel runs.
func uniqueName(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// endpoint creates a transport on the namespace and deletes its input queue
// when the test ends.
func (n *liveNamespace) endpoint(t *testing.T, cfg transport.Config) *transport.Transport {
	t.Helper()
	log, err := utils.NewSugaredLogger(true)
	require.NoError(t, err)
	cfg.ConnectionString = n.connStr
	if cfg.ReceiveWait == 0 {
		cfg.ReceiveWait = 2 * time.Second
	}

	tr, err := transport.New(cfg, n.client, n.admin, log)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		require.NoError(t, tr.Close(ctx))
		if q := tr.Address(); q != "" {
			_ = n.admin.DeleteQueue(ctx, q)
		}
	})
	return tr
}

func (n *liveNamespace) deleteTopicOnCleanup(t *testing.T, topic string) {
	t.Helper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = n.admin.DeleteTopic(ctx, topic)
	})
}

// receiveWithin polls the input queue of tr until a message arrives or timeout elapses.
func receiveWithin(t *testing.T, ctx context.Context, tr *transport.Transport, tx *txcontext.Context, timeout time.Duration) *transport.Delivery {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		d, err := tr.Receive(ctx, tx)
		require.NoError(t, err)
		if d != nil {
			return d
		}
	}
	require.FailNow(t, "no message received", "timeout %s", timeout)
	return nil
}
