// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package gce manages Google Compute Engine resources used by lab tests:
// instances, images and disks of one project.
package gce

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/compute/apiv1/computepb"
	"code.cloudfoundry.org/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/logging"
)

const (
	operationTimeout      = 30 * time.Minute
	operationPollInterval = 20 * time.Second

	// Batch calls issue at most batchRate requests per second, batchParallelism
	// at a time.
	batchRate        = 5
	batchParallelism = 10
)

// ErrFingerprintConflict is returned when a resource kept changing while it
// was being updated.
var ErrFingerprintConflict = errors.New("fingerprint conflict")

// OperationTimeoutError is returned when an operation does not complete in
// time.
type OperationTimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *OperationTimeoutError) Error() string {
	return fmt.Sprintf("operation %s did not complete within %v", e.Operation, e.Timeout)
}

// OperationError is returned when an operation completes with errors.
type OperationError struct {
	Operation string
	Errors    []string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %s failed: %s", e.Operation, strings.Join(e.Errors, "; "))
}

// httpCode returns the HTTP status of an API error, or 0.
func httpCode(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

func isNotFound(err error) bool { return httpCode(err) == http.StatusNotFound }

// Client manages the resources of one project.
type Client struct {
	svc     *Services
	project string
	clk     clock.Clock
	limiter *rate.Limiter
}

// Option customizes a Client.
type Option func(c *Client)

// WithClock makes the client wait on clk.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clk = clk }
}

// WithRateLimit sets the request rate of batch calls.
func WithRateLimit(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// NewClient returns a client for project on top of svc.
func NewClient(svc *Services, project string, opts ...Option) *Client {
	c := &Client{
		svc:     svc,
		project: project,
		clk:     clock.NewClock(),
		limiter: rate.NewLimiter(batchRate, 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Project returns the project c manages.
func (c *Client) Project() string { return c.project }

// Close closes the underlying services.
func (c *Client) Close() error { return c.svc.Close() }

// waitOperation polls op with get until it is done.
func (c *Client) waitOperation(ctx context.Context, op *computepb.Operation, get func(ctx context.Context, name string) (*computepb.Operation, error)) error {
	name := op.GetName()
	b := &backoff.ExponentialBackOff{
		InitialInterval:     operationPollInterval,
		RandomizationFactor: 0,
		Multiplier:          1,
		MaxInterval:         operationPollInterval,
		MaxElapsedTime:      operationTimeout,
		Stop:                backoff.Stop,
		Clock:               c.clk,
	}
	b.Reset()
	for {
		if op.GetStatus() == computepb.Operation_DONE {
			if errs := op.GetError().GetErrors(); len(errs) > 0 {
				var msgs []string
				for _, e := range errs {
					msgs = append(msgs, fmt.Sprintf("%s: %s", e.GetCode(), e.GetMessage()))
				}
				return &OperationError{Operation: name, Errors: msgs}
			}
			return nil
		}
		next := b.NextBackOff()
		if next == backoff.Stop {
			return &OperationTimeoutError{Operation: name, Timeout: operationTimeout}
		}
		select {
		case <-c.clk.After(next):
		case <-ctx.Done():
			return ctx.Err()
		}
		var err error
		if op, err = get(ctx, name); err != nil {
			return errors.Wrapf(err, "failed to get status of operation %s", name)
		}
	}
}

func (c *Client) waitZoneOperation(ctx context.Context, zone string, op *computepb.Operation) error {
	return c.waitOperation(ctx, op, func(ctx context.Context, name string) (*computepb.Operation, error) {
		return c.svc.ZoneOperations.Get(ctx, &computepb.GetZoneOperationRequest{Project: c.project, Zone: zone, Operation: name})
	})
}

func (c *Client) waitGlobalOperation(ctx context.Context, op *computepb.Operation) error {
	return c.waitOperation(ctx, op, func(ctx context.Context, name string) (*computepb.Operation, error) {
		return c.svc.GlobalOperations.Get(ctx, &computepb.GetGlobalOperationRequest{Project: c.project, Operation: name})
	})
}

// BatchResult is the outcome of a call on many resources.
type BatchResult struct {
	// Done lists the resources the call succeeded on.
	Done []string
	// Failed lists the resources the call failed on.
	Failed []string
}

// batch runs do on every distinct name in parallel, throttled by the rate
// limiter. The error aggregates the failures.
func (c *Client) batch(ctx context.Context, names []string, do func(ctx context.Context, name string) error) (*BatchResult, error) {
	res := &BatchResult{}
	if len(names) == 0 {
		return res, nil
	}
	seen := make(map[string]bool)
	var uniq []string
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			uniq = append(uniq, n)
		}
	}

	errs := make([]error, len(uniq))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchParallelism)
	for i, n := range uniq {
		i, n := i, n
		g.Go(func() error {
			if err := c.limiter.Wait(gctx); err != nil {
				errs[i] = err
				return nil
			}
			errs[i] = do(gctx, n)
			return nil
		})
	}
	g.Wait()

	var merr *multierror.Error
	for i, n := range uniq {
		if errs[i] != nil {
			res.Failed = append(res.Failed, n)
			merr = multierror.Append(merr, errors.Wrap(errs[i], n))
			continue
		}
		res.Done = append(res.Done, n)
	}
	sort.Strings(res.Done)
	sort.Strings(res.Failed)
	return res, merr.ErrorOrNil()
}

func logDone(ctx context.Context, what string, res *BatchResult, err error) {
	if err != nil {
		logging.Warningf(ctx, "Failed to %s %v: %v", what, res.Failed, err)
	}
	if len(res.Done) > 0 {
		logging.Infof(ctx, "Succeeded to %s %v", what, res.Done)
	}
}
