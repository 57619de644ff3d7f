// Package scheduler runs named, cancellable periodic tasks.
//
// Tasks are driven by a single cron runner. Stopping a task is synchronous:
// once Stop returns the task function is not running and will never run again.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler owns the cron runner all tasks are registered with.
type Scheduler struct {
	c    *cron.Cron
	log  *zap.SugaredLogger
	once sync.Once
}

// New creates a Scheduler. Start must be called before tasks fire.
func New(log *zap.SugaredLogger) *Scheduler {
	logger := cronLogger{log: log}
	return &Scheduler{
		c:   cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger))),
		log: log,
	}
}

// Start starts the runner in its own goroutine. It is a no-op when already running.
func (s *Scheduler) Start() {
	s.c.Start()
}

// Stop stops the runner and waits for running jobs to finish or ctx to be done.
// Calling Stop more than once does nothing.
func (s *Scheduler) Stop(ctx context.Context) {
	s.once.Do(func() {
		done := s.c.Stop().Done()
		select {
		case <-done:
		case <-ctx.Done():
			s.log.Warnw("scheduler stop interrupted before running tasks finished", "error", ctx.Err())
		}
	})
}

// Schedule registers fn to run every interval, first after one interval has
// elapsed. The context passed to fn is canceled when the task is stopped.
func (s *Scheduler) Schedule(name string, interval time.Duration, fn func(ctx context.Context)) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		name:   name,
		ctx:    ctx,
		cancel: cancel,
		c:      s.c,
	}
	t.id = s.c.Schedule(every(interval), cron.FuncJob(func() { t.run(fn) }))
	s.log.Debugw("scheduled task", "task", name, "interval", interval)
	return t
}

// Task is a scheduled periodic job.
type Task struct {
	name   string
	id     cron.EntryID
	ctx    context.Context
	cancel context.CancelFunc
	c      *cron.Cron

	mu      sync.Mutex
	stopped bool
	runs    int
}

// Name returns the task name.
func (t *Task) Name() string {
	return t.name
}

// Runs returns how many times the task function has run.
func (t *Task) Runs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs
}

// Stop cancels the task. It waits for an in-flight run to return, after which
// the task function never runs again. Stop is idempotent.
func (t *Task) Stop() {
	t.cancel()

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()

	t.c.Remove(t.id)
}

func (t *Task) run(fn func(ctx context.Context)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.ctx.Err() != nil {
		return
	}
	t.runs++
	fn(t.ctx)
}

// every is a fixed interval schedule. Unlike cron.Every it keeps sub-second
// precision.
type every time.Duration

func (e every) Next(now time.Time) time.Time {
	return now.Add(time.Duration(e))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
