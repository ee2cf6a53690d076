// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package aio provides completion handles for asynchronous object writes and
// a bounded concurrency write bencher built on top of them.
package aio

import (
	"context"
	"sync"
)

// Callback is invoked exactly once when a completion fires. It runs on a
// dispatch goroutine owned by the object store backend and therefore must not
// block for long.
type Callback func(*Completion)

// Completion is a one shot handle for an asynchronous write. The issuer
// returns it immediately; the backend calls Complete exactly once when the
// write finishes. The caller either blocks on Wait or supplies a Callback at
// creation time. There is no release step, an abandoned completion is
// garbage collected.
type Completion struct {
	done chan struct{}
	once sync.Once
	err  error
	cb   Callback
}

// NewCompletion returns a fresh completion. cb may be nil when the caller
// intends to Wait instead.
func NewCompletion(cb Callback) *Completion {
	return &Completion{
		done: make(chan struct{}),
		cb:   cb,
	}
}

// Complete records the write's result, fires the callback and releases all
// waiters. Calls after the first are ignored.
func (c *Completion) Complete(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
		if c.cb != nil {
			c.cb(c)
		}
	})
}

// Completed reports whether the write has finished.
func (c *Completion) Completed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the write finishes or the context is cancelled. It
// returns the write's error, or the context's error on cancellation. Wait may
// be called repeatedly and from multiple goroutines.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the write's result. It is only meaningful once Completed
// reports true; before that it returns nil.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Done returns a channel closed when the write finishes.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}
