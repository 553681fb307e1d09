// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package xcontext provides contexts that are cancelled with caller-chosen
// errors instead of context.Canceled or context.DeadlineExceeded.
//
// The runner uses it for the suite-wide timer: when the timer fires, Err
// returns a timeout error that the runner turns into an abort.
package xcontext

import (
	"context"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
)

// CancelFunc cancels a context with err. err must not be nil. Only the first
// call has an effect, and it returns after the context is done.
type CancelFunc func(err error)

type errContext struct {
	parent   context.Context
	deadline time.Time
	hasDL    bool

	done chan struct{}
	req  chan error

	mu  sync.Mutex
	err error
}

var _ context.Context = (*errContext)(nil)

func (c *errContext) Deadline() (time.Time, bool) { return c.deadline, c.hasDL }
func (c *errContext) Done() <-chan struct{}       { return c.done }
func (c *errContext) Value(key interface{}) interface{} {
	return c.parent.Value(key)
}

func (c *errContext) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *errContext) finish(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	close(c.done)
}

func (c *errContext) cancel(err error) {
	if err == nil {
		panic("xcontext: cancel with nil error")
	}
	select {
	case c.req <- err:
	default:
	}
	<-c.done
}

// start creates a context. timerErr is non-nil iff a deadline at dl was
// requested.
func start(parent context.Context, clk clock.Clock, dl time.Time, timerErr error) (context.Context, CancelFunc) {
	c := &errContext{
		parent: parent,
		done:   make(chan struct{}),
		req:    make(chan error, 1),
	}
	c.deadline, c.hasDL = parent.Deadline()
	ownTimer := timerErr != nil && (!c.hasDL || dl.Before(c.deadline))
	if ownTimer {
		c.deadline, c.hasDL = dl, true
	}

	if err := parent.Err(); err != nil {
		c.finish(err)
		return c, c.cancel
	}
	var remaining time.Duration
	if ownTimer {
		remaining = dl.Sub(clk.Now())
		if remaining <= 0 {
			c.finish(timerErr)
			return c, c.cancel
		}
	}

	go func() {
		var fired <-chan time.Time
		if ownTimer {
			tm := clk.NewTimer(remaining)
			defer tm.Stop()
			fired = tm.C()
		}
		var err error
		select {
		case <-parent.Done():
			err = parent.Err()
		case <-fired:
			err = timerErr
		case err = <-c.req:
		}
		c.finish(err)
	}()
	return c, c.cancel
}

// WithCancel returns a context that can be cancelled with an arbitrary error.
func WithCancel(parent context.Context) (context.Context, CancelFunc) {
	return start(parent, nil, time.Time{}, nil)
}

// WithDeadline returns a context whose Err becomes err at t, measured by clk.
// The parent's deadline wins if it is earlier.
func WithDeadline(parent context.Context, clk clock.Clock, t time.Time, err error) (context.Context, CancelFunc) {
	if err == nil {
		panic("xcontext: WithDeadline with nil error")
	}
	return start(parent, clk, t, err)
}

// WithTimeout is WithDeadline(parent, clk, clk.Now().Add(d), err).
func WithTimeout(parent context.Context, clk clock.Clock, d time.Duration, err error) (context.Context, CancelFunc) {
	if err == nil {
		panic("xcontext: WithTimeout with nil error")
	}
	return start(parent, clk, clk.Now().Add(d), err)
}
