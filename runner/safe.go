// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package runner

import (
	"context"

	"go.chromium.org/labtest/errors"
)

// safeCall runs f on a goroutine to protect the caller from its possible bad
// behavior.
//
// If f returns first, its error is returned. A panic in f is converted to an
// error. If ctx is done first, safeCall abandons the goroutine and returns
// ctx.Err(), which is a *TimeoutError once the suite timer fires.
func safeCall(ctx context.Context, f func(ctx context.Context) error) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if val := recover(); val != nil {
				done <- errors.Errorf("panic: %v", val)
			}
		}()
		done <- f(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// Prefer the result of f if it finished at the same time.
		select {
		case err := <-done:
			return err
		default:
			return ctx.Err()
		}
	}
}
