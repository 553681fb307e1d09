// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package sl4a talks to the SL4A scripting service on Android devices.
//
// SL4A serves JSON-RPC over TCP: every request and response is a JSON
// object on its own line. A connection first joins a session with an
// "initiate" or "continue" command; facade methods are then called by name.
package sl4a

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/cenkalti/backoff/v4"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/logging"
)

const (
	connectRetries  = 5
	connectInterval = time.Second

	cmdInitiate = "initiate"
	cmdContinue = "continue"
	newSession  = -1
)

// RPCError is returned by Call when SL4A reports an error for a method.
type RPCError struct {
	Method  string
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("sl4a %s: %s", e.Method, e.Message)
}

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("sl4a client is closed")

// sessionCmd is the first message of a connection.
type sessionCmd struct {
	Cmd string `json:"cmd"`
	UID int    `json:"uid"`
}

type sessionResponse struct {
	Status bool `json:"status"`
	UID    int  `json:"uid"`
}

type request struct {
	ID     int           `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// The error field is a string in most SL4A builds and an object in some.
type response struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// Client is a connection to one SL4A session. It is safe for concurrent
// use; calls are serialized.
type Client struct {
	addr string
	clk  clock.Clock

	mu     sync.Mutex
	conn   net.Conn // nil after Close or an I/O error
	r      *bufio.Reader
	uid    int
	nextID int
}

// DialOption customizes Dial.
type DialOption func(c *Client)

// WithClock sets the clock used between connection attempts.
func WithClock(clk clock.Clock) DialOption {
	return func(c *Client) { c.clk = clk }
}

// Dial connects to the SL4A server at addr and starts a new session. The
// server may still be starting, so failed attempts are retried.
func Dial(ctx context.Context, addr string, opts ...DialOption) (*Client, error) {
	return dial(ctx, addr, cmdInitiate, newSession, opts...)
}

// Fork opens another connection joined to the session of c.
func (c *Client) Fork(ctx context.Context) (*Client, error) {
	return dial(ctx, c.addr, cmdContinue, c.UID(), WithClock(c.clk))
}

func dial(ctx context.Context, addr, cmd string, uid int, opts ...DialOption) (*Client, error) {
	c := &Client{addr: addr, clk: clock.NewClock()}
	for _, opt := range opts {
		opt(c)
	}

	op := func() error {
		err := c.connect(ctx, cmd, uid)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		logging.Debugf(ctx, "Connecting to SL4A at %s failed, retrying in %v: %v", addr, d, err)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(connectInterval), connectRetries), ctx)
	if err := backoff.RetryNotifyWithTimer(op, b, notify, &clockTimer{clk: c.clk}); err != nil {
		return nil, errors.Wrapf(err, "failed to connect to SL4A at %s", addr)
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context, cmd string, uid int) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.r = bufio.NewReader(conn)

	var res sessionResponse
	if err := c.roundTripLocked(ctx, sessionCmd{Cmd: cmd, UID: uid}, &res); err != nil {
		return err
	}
	if !res.Status {
		c.closeLocked()
		return backoff.Permanent(errors.Errorf("SL4A rejected %s of session %d", cmd, uid))
	}
	c.uid = res.UID
	return nil
}

// UID returns the session ID assigned by the server.
func (c *Client) UID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uid
}

// Addr returns the address c is connected to.
func (c *Client) Addr() string { return c.addr }

// Call invokes method with params. If out is not nil, the result is decoded
// into it. An error reported by SL4A is returned as *RPCError.
func (c *Client) Call(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	var res response
	if err := c.roundTripLocked(ctx, request{ID: id, Method: method, Params: params}, &res); err != nil {
		return errors.Wrapf(err, "sl4a %s", method)
	}
	if res.ID != id {
		c.closeLocked()
		return errors.Errorf("sl4a %s: response ID mismatch; got %d, want %d", method, res.ID, id)
	}
	if msg := errorMessage(res.Error); msg != "" {
		return &RPCError{Method: method, Message: msg}
	}
	if out == nil || len(res.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Result, out); err != nil {
		return errors.Wrapf(err, "sl4a %s: bad result %s", method, res.Result)
	}
	return nil
}

func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// roundTripLocked writes req as one line and decodes the next line into
// res. The connection is dropped on I/O errors since the stream can no
// longer be trusted.
func (c *Client) roundTripLocked(ctx context.Context, req, res interface{}) error {
	if c.conn == nil {
		return ErrClosed
	}
	dl, _ := ctx.Deadline()
	c.conn.SetDeadline(dl)
	conn := c.conn
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(append(b, '\n')); err != nil {
		return c.ioErrorLocked(ctx, err)
	}
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return c.ioErrorLocked(ctx, err)
	}
	if err := json.Unmarshal(line, res); err != nil {
		c.closeLocked()
		return errors.Wrapf(err, "bad response %q", line)
	}
	return nil
}

func (c *Client) ioErrorLocked(ctx context.Context, err error) error {
	c.closeLocked()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	// The connection deadline is the context deadline, which may fire first.
	if _, ok := ctx.Deadline(); ok && errors.Is(err, os.ErrDeadlineExceeded) {
		return context.DeadlineExceeded
	}
	return err
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Close closes the connection. The session stays alive on the server.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

// clockTimer lets backoff wait on a clock.Clock.
type clockTimer struct {
	clk clock.Clock
	t   clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.t == nil {
		t.t = t.clk.NewTimer(d)
		return
	}
	t.t.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.t != nil {
		t.t.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time { return t.t.C() }
