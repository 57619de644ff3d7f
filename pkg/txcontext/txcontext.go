// Package txcontext implements the transaction context a message handling
// pipeline threads through the transport.
//
// A Context collects hooks and per-transaction items. The owner drives it with
// exactly one of Complete or Abort, followed by Dispose:
//
//	Complete: committed hooks, then completed hooks. A failing hook aborts.
//	Abort:    aborted hooks.
//	Dispose:  disposed hooks, always last.
//
// Hooks run in registration order. A Context is safe for concurrent use.
package txcontext

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrAlreadyFinished is returned when a transaction that already
	// completed or aborted is completed, aborted or given new work.
	ErrAlreadyFinished = errors.New("transaction already finished")
	// ErrDisposed is returned when a disposed transaction is used.
	ErrDisposed = errors.New("transaction disposed")
)

type state int

const (
	stateActive state = iota
	stateCompleted
	stateAborted
)

// Context is a single transaction.
type Context struct {
	mu        sync.Mutex
	state     state
	disposed  bool
	items     map[string]any
	committed []func(ctx context.Context) error
	completed []func(ctx context.Context) error
	aborted   []func(ctx context.Context)
	disposers []func()
}

// New returns an active transaction context.
func New() *Context {
	return &Context{items: make(map[string]any)}
}

// GetOrAdd returns the item stored under key, creating it with create when
// absent. A transaction that finished or was disposed accepts no new items.
func (c *Context) GetOrAdd(key string, create func() any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.items[key]; ok {
		return v, nil
	}
	if err := c.checkActiveLocked(); err != nil {
		return nil, err
	}
	v := create()
	c.items[key] = v
	return v, nil
}

// Get returns the item stored under key.
func (c *Context) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	return v, ok
}

// Err returns nil while the transaction is active.
func (c *Context) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkActiveLocked()
}

// OnCommitted registers fn to run when the transaction commits.
func (c *Context) OnCommitted(fn func(ctx context.Context) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkActiveLocked(); err != nil {
		return err
	}
	c.committed = append(c.committed, fn)
	return nil
}

// OnCompleted registers fn to run after all committed hooks succeeded.
func (c *Context) OnCompleted(fn func(ctx context.Context) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkActiveLocked(); err != nil {
		return err
	}
	c.completed = append(c.completed, fn)
	return nil
}

// OnAborted registers fn to run when the transaction aborts.
func (c *Context) OnAborted(fn func(ctx context.Context)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkActiveLocked(); err != nil {
		return err
	}
	c.aborted = append(c.aborted, fn)
	return nil
}

// OnDisposed registers fn to run when the transaction is disposed. Unlike the
// other hooks it may be added after Complete or Abort.
func (c *Context) OnDisposed(fn func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return ErrDisposed
	}
	c.disposers = append(c.disposers, fn)
	return nil
}

// Complete commits the transaction. If a committed or completed hook fails,
// the aborted hooks run and the hook error is returned.
func (c *Context) Complete(ctx context.Context) error {
	c.mu.Lock()
	if err := c.checkActiveLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.state = stateCompleted
	committed := c.committed
	completed := c.completed
	c.mu.Unlock()

	for _, fn := range committed {
		if err := fn(ctx); err != nil {
			c.runAborted(ctx)
			return fmt.Errorf("commit failed: %w", err)
		}
	}
	for _, fn := range completed {
		if err := fn(ctx); err != nil {
			c.runAborted(ctx)
			return fmt.Errorf("completion failed: %w", err)
		}
	}
	return nil
}

// Abort rolls the transaction back.
func (c *Context) Abort(ctx context.Context) error {
	c.mu.Lock()
	if err := c.checkActiveLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.state = stateAborted
	c.mu.Unlock()

	c.runAborted(ctx)
	return nil
}

// Dispose runs the disposed hooks once. An active transaction is aborted first.
func (c *Context) Dispose(ctx context.Context) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	active := c.state == stateActive
	c.mu.Unlock()

	if active {
		_ = c.Abort(ctx)
	}

	c.mu.Lock()
	c.disposed = true
	disposers := c.disposers
	c.mu.Unlock()

	for _, fn := range disposers {
		fn()
	}
}

func (c *Context) runAborted(ctx context.Context) {
	c.mu.Lock()
	aborted := c.aborted
	c.mu.Unlock()
	for _, fn := range aborted {
		fn(ctx)
	}
}

func (c *Context) checkActiveLocked() error {
	if c.disposed {
		return ErrDisposed
	}
	if c.state != stateActive {
		return ErrAlreadyFinished
	}
	return nil
}
