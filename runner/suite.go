// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package runner

import "context"

// Name prefixes recognized in test names.
const (
	testPrefix     = "test"
	generatePrefix = "generate"
)

// TestFunc is the body of a test case. It ends the test by returning nil
// (pass), a Signal, or any other error (exception).
type TestFunc func(ctx context.Context) error

// Test is a named test case. A Test whose name starts with "generate" is a
// generator: it runs once and typically calls BaseTest.RunGeneratedTests.
type Test struct {
	Name string
	Func TestFunc
}

// Suite provides the test cases of a class. It may also implement any of the
// hook interfaces below.
type Suite interface {
	Tests() []Test
}

// SetUpClassHook runs before any test of the class. It is retried on
// failure.
type SetUpClassHook interface {
	SetUpClass(ctx context.Context) error
}

// TearDownClassHook runs after all tests of the class.
type TearDownClassHook interface {
	TearDownClass(ctx context.Context) error
}

// SetUpHook runs before each test. An error ends the test like an error
// returned by the test itself.
type SetUpHook interface {
	SetUp(ctx context.Context) error
}

// TearDownHook runs after each test whose setup was attempted.
type TearDownHook interface {
	TearDown(ctx context.Context) error
}

// PassHook runs after a test passes.
type PassHook interface {
	OnPass(ctx context.Context, r *Record) error
}

// FailHook runs after a test fails or errors on the final run.
type FailHook interface {
	OnFail(ctx context.Context, r *Record) error
}

// SkipHook runs after a test is skipped.
type SkipHook interface {
	OnSkip(ctx context.Context, r *Record) error
}

// SilentHook runs after a test is silenced.
type SilentHook interface {
	OnSilent(ctx context.Context, r *Record) error
}

// ExceptionHook runs after a test returns an error that is not a signal.
type ExceptionHook interface {
	OnException(ctx context.Context, r *Record) error
}

// Healer checks, and if possible repairs, the devices a suite uses.
type Healer interface {
	// Heal returns false if a device is in an unrecoverable state. A passive
	// heal must only consult state already in memory.
	Heal(ctx context.Context, passive bool) bool
}

// ServiceRestarter restarts on-device services between SetUpClass attempts
// and after a device comes back during a heal.
type ServiceRestarter interface {
	RestartServices(ctx context.Context) error
}

// CleanUpHook runs once when BaseTest.Run finishes.
type CleanUpHook interface {
	CleanUp(ctx context.Context) error
}
