// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sl4a

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/logging"
)

// eventWaitMillis bounds each eventWait call so that Close is noticed.
const eventWaitMillis = 60000

// Event is an event posted by an SL4A facade.
type Event struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
	// Time is in milliseconds since the epoch.
	Time int64 `json:"time"`
}

// Decode unmarshals the data of e into out.
func (e *Event) Decode(out interface{}) error {
	if err := json.Unmarshal(e.Data, out); err != nil {
		return errors.Wrapf(err, "bad data of event %s", e.Name)
	}
	return nil
}

// TimeoutError is returned when no matching event arrives in time.
type TimeoutError struct {
	Event   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %v waiting for event %s", e.Timeout, e.Event)
}

// IsTimeout reports whether err is a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// EventDispatcher polls a dedicated client for events and queues them by
// name until they are popped.
type EventDispatcher struct {
	c   *Client
	clk clock.Clock

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	queues  map[string][]Event
	changed chan struct{} // closed and replaced when an event arrives
	err     error         // set when polling stops
}

// NewEventDispatcher starts polling c, which must not be used for other
// calls. Close stops it.
func NewEventDispatcher(ctx context.Context, c *Client, clk clock.Clock) *EventDispatcher {
	pctx, cancel := context.WithCancel(ctx)
	d := &EventDispatcher{
		c:       c,
		clk:     clk,
		cancel:  cancel,
		done:    make(chan struct{}),
		queues:  make(map[string][]Event),
		changed: make(chan struct{}),
	}
	go d.poll(pctx)
	return d
}

func (d *EventDispatcher) poll(ctx context.Context) {
	defer close(d.done)
	for {
		var ev *Event
		err := d.c.Call(ctx, &ev, "eventWait", eventWaitMillis)
		if ctx.Err() != nil {
			d.stop(errors.New("event dispatcher is closed"))
			return
		}
		if err != nil {
			var rerr *RPCError
			if errors.As(err, &rerr) {
				// eventWait reports its own timeout as an error on some builds.
				continue
			}
			logging.Infof(ctx, "Event polling on %s stopped: %v", d.c.Addr(), err)
			d.stop(err)
			return
		}
		if ev == nil {
			continue
		}
		d.mu.Lock()
		d.queues[ev.Name] = append(d.queues[ev.Name], *ev)
		close(d.changed)
		d.changed = make(chan struct{})
		d.mu.Unlock()
	}
}

func (d *EventDispatcher) stop(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
	close(d.changed)
	d.changed = make(chan struct{})
}

// wait calls take until it returns true, waking up whenever an event
// arrives. take is called with d.mu held.
func (d *EventDispatcher) wait(ctx context.Context, name string, timeout time.Duration, take func() bool) error {
	tm := d.clk.NewTimer(timeout)
	defer tm.Stop()
	for {
		d.mu.Lock()
		if take() {
			d.mu.Unlock()
			return nil
		}
		if d.err != nil {
			err := d.err
			d.mu.Unlock()
			return errors.Wrapf(err, "waiting for event %s", name)
		}
		ch := d.changed
		d.mu.Unlock()

		select {
		case <-ch:
		case <-tm.C():
			return &TimeoutError{Event: name, Timeout: timeout}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// PopEvent returns the oldest queued event called name, waiting up to
// timeout for one to arrive.
func (d *EventDispatcher) PopEvent(ctx context.Context, name string, timeout time.Duration) (*Event, error) {
	var ev Event
	err := d.wait(ctx, name, timeout, func() bool {
		q := d.queues[name]
		if len(q) == 0 {
			return false
		}
		ev, d.queues[name] = q[0], q[1:]
		return true
	})
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// WaitForEvent pops events called name until one satisfies pred. Events
// that do not are dropped.
func (d *EventDispatcher) WaitForEvent(ctx context.Context, name string, pred func(ev *Event) bool, timeout time.Duration) (*Event, error) {
	var found Event
	err := d.wait(ctx, name, timeout, func() bool {
		for len(d.queues[name]) > 0 {
			ev := d.queues[name][0]
			d.queues[name] = d.queues[name][1:]
			if pred(&ev) {
				found = ev
				return true
			}
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	return &found, nil
}

// PopEvents pops every queued event whose name matches re, waiting up to
// timeout until there is at least one. Events are sorted by time.
func (d *EventDispatcher) PopEvents(ctx context.Context, re *regexp.Regexp, timeout time.Duration) ([]Event, error) {
	var evs []Event
	err := d.wait(ctx, re.String(), timeout, func() bool {
		for name, q := range d.queues {
			if re.MatchString(name) && len(q) > 0 {
				evs = append(evs, q...)
				delete(d.queues, name)
			}
		}
		return len(evs) > 0
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].Time < evs[j].Time })
	return evs, nil
}

// ClearEvents drops queued events called name.
func (d *EventDispatcher) ClearEvents(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.queues, name)
}

// ClearAllEvents drops every queued event.
func (d *EventDispatcher) ClearAllEvents() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queues = make(map[string][]Event)
}

// Close stops polling and closes the client.
func (d *EventDispatcher) Close() error {
	d.cancel()
	<-d.done
	return d.c.Close()
}
