package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ava-labs/servicebus-transport/pkg/broker"
	"github.com/ava-labs/servicebus-transport/pkg/broker/brokertest"
	"github.com/ava-labs/servicebus-transport/pkg/broker/inmemory"
	"github.com/ava-labs/servicebus-transport/pkg/faults"
	"github.com/ava-labs/servicebus-transport/pkg/message"
	"github.com/ava-labs/servicebus-transport/pkg/scheduler"
	"github.com/ava-labs/servicebus-transport/pkg/txcontext"
)

func sendRaw(t *testing.T, b *inmemory.Broker, queue string, ids ...string) {
	t.Helper()
	s, err := b.NewSender(queue)
	require.NoError(t, err)
	msgs := make([]*broker.Message, 0, len(ids))
	for _, id := range ids {
		msgs = append(msgs, &broker.Message{
			MessageID:  id,
			Properties: map[string]string{message.HeaderMessageType: "Test"},
			Body:       []byte(id),
		})
	}
	require.NoError(t, s.SendBatch(t.Context(), msgs))
}

func TestReceive_EmptyQueueReturnsNil(t *testing.T) {
	b := inmemory.New()
	createQueue(t, b, "orders", broker.QueueDescriptor{})
	cfg := testConfig()
	tr := newTestTransport(t, b, cfg)

	start := time.Now()
	d, err := tr.Receive(t.Context(), txcontext.New())
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Nil(t, d)
	require.GreaterOrEqual(t, elapsed, cfg.ReceiveWait-10*time.Millisecond)
	require.Less(t, elapsed, cfg.ReceiveWait+200*time.Millisecond)
}

func TestReceive_CanceledReturnsNil(t *testing.T) {
	b := inmemory.New()
	createQueue(t, b, "orders", broker.QueueDescriptor{})
	cfg := testConfig()
	cfg.ReceiveWait = time.Minute
	tr := newTestTransport(t, b, cfg)

	ctx, cancel := context.WithCancel(t.Context())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	d, err := tr.Receive(ctx, nil)
	require.NoError(t, err)
	require.Nil(t, d)
	require.Less(t, time.Since(start), time.Second)
}

func TestReceive_MissingInputQueueIsFatal(t *testing.T) {
	tr := newTestTransport(t, inmemory.New(), testConfig())

	_, err := tr.Receive(t.Context(), nil)
	var fatal *faults.Error
	require.ErrorAs(t, err, &fatal)
	require.ErrorIs(t, err, broker.ErrEntityNotFound)
	require.ErrorContains(t, err, `input queue "orders"`)
}

func TestReceive_HeadersAndBody(t *testing.T) {
	b := inmemory.New()
	createQueue(t, b, "orders", broker.QueueDescriptor{})
	tr := newTestTransport(t, b, testConfig())
	sendRaw(t, b, "orders", "m-1")

	d, err := tr.Receive(t.Context(), nil)
	require.NoError(t, err)
	require.NotNil(t, d)
	defer d.Dispose()

	assert.Equal(t, "m-1", d.MessageID())
	assert.Equal(t, "m-1", d.Headers[message.HeaderMessageID])
	assert.Equal(t, "Test", d.Headers[message.HeaderMessageType])
	assert.Equal(t, []byte("m-1"), d.Body)
	assert.EqualValues(t, 1, d.DeliveryCount())
	assert.Equal(t, "m-1", d.Message().MessageID())
	require.NoError(t, d.Complete(t.Context()))
}

func TestReceive_AbortRedeliversSameMessage(t *testing.T) {
	ctx := t.Context()
	b := inmemory.New()
	createQueue(t, b, "orders", broker.QueueDescriptor{})
	tr := newTestTransport(t, b, testConfig())
	sendRaw(t, b, "orders", "m-1")

	tx := txcontext.New()
	d, err := tr.Receive(ctx, tx)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.NoError(t, tx.Abort(ctx))
	tx.Dispose(ctx)

	tx2 := txcontext.New()
	again, err := tr.Receive(ctx, tx2)
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Equal(t, d.MessageID(), again.MessageID())
	require.EqualValues(t, 2, again.DeliveryCount())
	require.NoError(t, tx2.Complete(ctx))
	tx2.Dispose(ctx)
}

func TestReceive_CompleteThenEmpty(t *testing.T) {
	ctx := t.Context()
	b := inmemory.New()
	createQueue(t, b, "orders", broker.QueueDescriptor{})
	tr := newTestTransport(t, b, testConfig())
	sendRaw(t, b, "orders", "m-1")

	tx := txcontext.New()
	d, err := tr.Receive(ctx, tx)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.NoError(t, tx.Complete(ctx))
	tx.Dispose(ctx)

	next, err := tr.Receive(ctx, txcontext.New())
	require.NoError(t, err)
	require.Nil(t, next)
	require.Zero(t, b.Len("orders"))
}

func TestDelivery_SettlesOnce(t *testing.T) {
	ctx := t.Context()
	b := inmemory.New()
	createQueue(t, b, "orders", broker.QueueDescriptor{})
	tr := newTestTransport(t, b, testConfig())
	sendRaw(t, b, "orders", "m-1")

	d, err := tr.Receive(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, d.Complete(ctx))
	require.NoError(t, d.Abandon(ctx), "second settlement is a no-op")
	d.Dispose()
	d.Dispose()

	require.Equal(t, 1, b.Calls(inmemory.OpComplete))
	require.Zero(t, b.Calls(inmemory.OpAbandon))
	require.Zero(t, b.Len("orders"))
}

func TestDelivery_CompleteFailureIsFatal(t *testing.T) {
	ctx := t.Context()
	b := inmemory.New()
	createQueue(t, b, "orders", broker.QueueDescriptor{LockDuration: 30 * time.Millisecond})
	cfg := testConfig()
	cfg.AutoRenewLocks = false
	tr := newTestTransport(t, b, cfg)
	sendRaw(t, b, "orders", "m-1")

	d, err := tr.Receive(ctx, nil)
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)

	err = d.Complete(ctx)
	var fatal *faults.Error
	require.ErrorAs(t, err, &fatal)
	require.ErrorIs(t, err, broker.ErrLockLost)
	require.ErrorContains(t, err, `message "m-1"`)
	require.ErrorContains(t, err, "lock token")
}

func TestLockRenewal_KeepsLockAlive(t *testing.T) {
	ctx := t.Context()
	b := inmemory.New()
	createQueue(t, b, "orders", broker.QueueDescriptor{LockDuration: 200 * time.Millisecond})
	tr := newTestTransport(t, b, testConfig())
	sendRaw(t, b, "orders", "m-1")

	tx := txcontext.New()
	d, err := tr.Receive(ctx, tx)
	require.NoError(t, err)
	first := d.LockedUntil()

	time.Sleep(450 * time.Millisecond)
	require.True(t, d.LockedUntil().After(first), "lock was renewed")
	require.GreaterOrEqual(t, b.Calls(inmemory.OpRenewLock), 2)

	require.NoError(t, tx.Complete(ctx))
	tx.Dispose(ctx)

	renewals := b.Calls(inmemory.OpRenewLock)
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, renewals, b.Calls(inmemory.OpRenewLock), "renewal stops with the transaction")
}

func TestLockRenewal_StopsOnDispose(t *testing.T) {
	ctx := t.Context()
	b := inmemory.New()
	createQueue(t, b, "orders", broker.QueueDescriptor{LockDuration: 100 * time.Millisecond})
	tr := newTestTransport(t, b, testConfig())
	sendRaw(t, b, "orders", "m-1")

	tx := txcontext.New()
	_, err := tr.Receive(ctx, tx)
	require.NoError(t, err)
	tx.Dispose(ctx)

	renewals := b.Calls(inmemory.OpRenewLock)
	time.Sleep(250 * time.Millisecond)
	require.Equal(t, renewals, b.Calls(inmemory.OpRenewLock))
}

func TestLockRenewal_LockLostIsNotFatal(t *testing.T) {
	ctx := t.Context()
	b := inmemory.New()
	createQueue(t, b, "orders", broker.QueueDescriptor{LockDuration: 100 * time.Millisecond})
	tr := newTestTransport(t, b, testConfig())
	sendRaw(t, b, "orders", "m-1")

	d, err := tr.Receive(ctx, nil)
	require.NoError(t, err)
	b.ExpireLocks("orders")
	before := b.Calls(inmemory.OpRenewLock)

	require.Eventually(t, func() bool {
		return b.Calls(inmemory.OpRenewLock) > before
	}, time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, before+1, b.Calls(inmemory.OpRenewLock), "a lost lock is not renewed again")

	err = d.Abandon(ctx)
	require.ErrorIs(t, err, broker.ErrLockLost, "settling a lost lock still fails")
	d.Dispose()
}

func TestReceive_FinishedTransactionIsFatal(t *testing.T) {
	tests := []struct {
		name    string
		finish  func(t *testing.T, tx *txcontext.Context)
		wantErr error
	}{
		{
			name:    "completed",
			finish:  func(t *testing.T, tx *txcontext.Context) { require.NoError(t, tx.Complete(t.Context())) },
			wantErr: txcontext.ErrAlreadyFinished,
		},
		{
			name:    "aborted",
			finish:  func(t *testing.T, tx *txcontext.Context) { require.NoError(t, tx.Abort(t.Context())) },
			wantErr: txcontext.ErrAlreadyFinished,
		},
		{
			name:    "disposed",
			finish:  func(t *testing.T, tx *txcontext.Context) { tx.Dispose(t.Context()) },
			wantErr: txcontext.ErrDisposed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := inmemory.New()
			createQueue(t, b, "orders", broker.QueueDescriptor{LockDuration: 100 * time.Millisecond})
			tr := newTestTransport(t, b, testConfig())
			sendRaw(t, b, "orders", "m-1")
			tx := txcontext.New()
			tt.finish(t, tx)

			d, err := tr.Receive(t.Context(), tx)
			var fatal *faults.Error
			require.ErrorAs(t, err, &fatal)
			require.ErrorIs(t, err, tt.wantErr)
			require.Nil(t, d)

			time.Sleep(200 * time.Millisecond)
			require.Zero(t, b.Calls(inmemory.OpReceive), "nothing is locked for a finished transaction")
			require.Zero(t, b.Calls(inmemory.OpRenewLock))
			require.Len(t, b.Peek("orders"), 1)
		})
	}
}

func TestLockRenewal_DisabledInPrefetchMode(t *testing.T) {
	ctx := t.Context()
	b := inmemory.New()
	createQueue(t, b, "orders", broker.QueueDescriptor{LockDuration: 100 * time.Millisecond})
	cfg := testConfig()
	cfg.PrefetchCount = 5
	tr := newTestTransport(t, b, cfg)
	sendRaw(t, b, "orders", "m-1", "m-2", "m-3")

	var got []string
	for range 3 {
		d, err := tr.Receive(ctx, nil)
		require.NoError(t, err)
		require.NotNil(t, d)
		got = append(got, d.MessageID())
		require.NoError(t, d.Complete(ctx))
		d.Dispose()
	}
	require.Equal(t, []string{"m-1", "m-2", "m-3"}, got)
	require.Equal(t, 1, b.Calls(inmemory.OpReceive), "one broker receive fills the buffer")
	require.Zero(t, b.Calls(inmemory.OpRenewLock))
}

func TestPrefetch_SkipsExpiredLocks(t *testing.T) {
	ctx := t.Context()
	b := inmemory.New()
	createQueue(t, b, "orders", broker.QueueDescriptor{LockDuration: 50 * time.Millisecond})
	cfg := testConfig()
	cfg.PrefetchCount = 5
	tr := newTestTransport(t, b, cfg)
	sendRaw(t, b, "orders", "m-1", "m-2")

	first, err := tr.Receive(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, "m-1", first.MessageID())
	first.Dispose()

	time.Sleep(100 * time.Millisecond)

	next, err := tr.Receive(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, "m-1", next.MessageID(), "buffered m-2 expired and both were redelivered")
	require.EqualValues(t, 2, next.DeliveryCount())
	next.Dispose()
}

func TestClose_ReleasesPrefetchedMessages(t *testing.T) {
	ctx := t.Context()
	b := inmemory.New()
	createQueue(t, b, "orders", broker.QueueDescriptor{})
	cfg := testConfig()
	cfg.PrefetchCount = 5
	tr, err := New(cfg, b, b, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	sendRaw(t, b, "orders", "m-1", "m-2", "m-3")

	d, err := tr.Receive(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, d.Complete(ctx))
	require.NoError(t, tr.Close(ctx))

	require.Equal(t, 2, b.Calls(inmemory.OpAbandon))
	require.Len(t, b.Peek("orders"), 2)

	_, err = tr.Receive(ctx, nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestReceive_SendOnlyTransport(t *testing.T) {
	cfg := testConfig()
	cfg.InputQueue = ""
	tr := newTestTransport(t, inmemory.New(), cfg)

	require.True(t, tr.SendOnly())
	_, err := tr.Receive(t.Context(), nil)
	require.True(t, errors.Is(err, ErrSendOnly))
}

func TestRenewalInterval(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name        string
		lockedUntil time.Time
		min         time.Duration
		want        time.Duration
	}{
		{name: "seventy percent of remaining", lockedUntil: now.Add(60 * time.Second), min: 5 * time.Second, want: 42 * time.Second},
		{name: "clamped to minimum", lockedUntil: now.Add(2 * time.Second), min: 5 * time.Second, want: 5 * time.Second},
		{name: "already expired", lockedUntil: now.Add(-time.Second), min: 5 * time.Second, want: 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, renewalInterval(tt.lockedUntil, now, tt.min))
		})
	}
}

func TestReceive_TransactionFinishedWhileReceiving(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	tx := txcontext.New()
	rm := &broker.ReceivedMessage{
		MessageID:   "m-1",
		LockToken:   "token-1",
		LockedUntil: time.Now().Add(time.Minute),
	}

	rc := new(brokertest.MockReceiver)
	rc.On("Receive", mock.Anything, 1).
		Run(func(mock.Arguments) { tx.Dispose(context.Background()) }).
		Return([]*broker.ReceivedMessage{rm}, nil).Once()
	rc.On("Abandon", mock.Anything, rm).Return(nil).Once()
	client := new(brokertest.MockClient)
	client.On("NewReceiver", "orders").Return(rc, nil).Once()

	sched := scheduler.New(log)
	sched.Start()
	t.Cleanup(func() { sched.Stop(context.Background()) })
	r := NewReceiver(NewResources(client, log), sched, "orders", testConfig(), log, nil)

	d, err := r.Receive(t.Context(), tx)
	require.ErrorIs(t, err, txcontext.ErrDisposed)
	require.Nil(t, d)

	time.Sleep(100 * time.Millisecond)
	rc.AssertExpectations(t)
	rc.AssertNotCalled(t, "RenewLock", mock.Anything, mock.Anything)
}
