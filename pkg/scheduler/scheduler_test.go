package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSchedule_RunsPeriodically(t *testing.T) {
	t.Parallel()
	s := New(zaptest.NewLogger(t).Sugar())
	s.Start()
	defer s.Stop(context.Background())

	var calls atomic.Int32
	task := s.Schedule("tick", 10*time.Millisecond, func(context.Context) {
		calls.Add(1)
	})
	defer task.Stop()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "tick", task.Name())
	assert.GreaterOrEqual(t, task.Runs(), 3)
}

func TestTask_StopIsSynchronous(t *testing.T) {
	t.Parallel()
	s := New(zaptest.NewLogger(t).Sugar())
	s.Start()
	defer s.Stop(context.Background())

	started := make(chan struct{}, 1)
	var calls atomic.Int32
	task := s.Schedule("slow", 5*time.Millisecond, func(ctx context.Context) {
		calls.Add(1)
		select {
		case started <- struct{}{}:
		default:
		}
		// block until Stop cancels the task context
		<-ctx.Done()
	})

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}

	task.Stop()
	after := calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, calls.Load(), "task ran after Stop returned")

	// idempotent
	task.Stop()
}

func TestTask_StopBeforeFirstRun(t *testing.T) {
	t.Parallel()
	s := New(zaptest.NewLogger(t).Sugar())
	s.Start()
	defer s.Stop(context.Background())

	var calls atomic.Int32
	task := s.Schedule("never", 30*time.Millisecond, func(context.Context) { calls.Add(1) })
	task.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, calls.Load())
	assert.Zero(t, task.Runs())
}

func TestScheduler_StopIdempotent(t *testing.T) {
	t.Parallel()
	s := New(zaptest.NewLogger(t).Sugar())
	s.Start()
	s.Stop(context.Background())
	s.Stop(context.Background())
}

func TestEvery_Next(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(250*time.Millisecond), every(250*time.Millisecond).Next(now))
}
