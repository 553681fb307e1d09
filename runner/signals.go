// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package runner

import (
	"fmt"
	"reflect"
	"time"

	"go.chromium.org/labtest/errors"
)

// Kind says how a Signal affects the test that returned it.
type Kind int

// Signal kinds.
const (
	// KindPass ends a test as passed.
	KindPass Kind = iota
	// KindFailure ends a test as failed.
	KindFailure
	// KindSkip ends a test as skipped. The test is still reported.
	KindSkip
	// KindSilent ends a test without reporting it.
	KindSilent
	// KindAbortClass fails the test and skips the rest of the class.
	KindAbortClass
	// KindAbortAll fails the test and stops the whole run.
	KindAbortAll
)

func (k Kind) String() string {
	switch k {
	case KindPass:
		return "TestPass"
	case KindFailure:
		return "TestFailure"
	case KindSkip:
		return "TestSkip"
	case KindSilent:
		return "TestSilent"
	case KindAbortClass:
		return "TestAbortClass"
	case KindAbortAll:
		return "TestAbortAll"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Signal is returned by test functions and hooks to end a test with a
// specific result. Errors that are not signals are treated as exceptions.
type Signal struct {
	Kind   Kind
	Reason string
	Extras interface{}
}

func (s *Signal) Error() string {
	return fmt.Sprintf("%v: %s", s.Kind, s.Reason)
}

// AsSignal returns the Signal in err's chain, if any.
func AsSignal(err error) (*Signal, bool) {
	var s *Signal
	if errors.As(err, &s) {
		return s, true
	}
	return nil, false
}

// IsKind reports whether err carries a Signal of kind k.
func IsKind(err error, k Kind) bool {
	s, ok := AsSignal(err)
	return ok && s.Kind == k
}

// Pass returns a signal that explicitly passes a test.
func Pass(msg string) error { return &Signal{Kind: KindPass, Reason: msg} }

// Fail returns a signal that fails a test.
func Fail(msg string) error { return &Signal{Kind: KindFailure, Reason: msg} }

// Failf is Fail with fmt.Sprintf formatting.
func Failf(format string, args ...interface{}) error {
	return Fail(fmt.Sprintf(format, args...))
}

// Skip returns a signal that skips a test.
func Skip(msg string) error { return &Signal{Kind: KindSkip, Reason: msg} }

// Silent returns a signal that drops a test from the results.
func Silent(msg string) error { return &Signal{Kind: KindSilent, Reason: msg} }

// AbortClass returns a signal that fails a test and ends its class.
func AbortClass(msg string) error { return &Signal{Kind: KindAbortClass, Reason: msg} }

// AbortAll returns a signal that fails a test and ends the run.
func AbortAll(msg string) error { return &Signal{Kind: KindAbortAll, Reason: msg} }

// SkipIf returns Skip(msg) if cond holds and nil otherwise.
func SkipIf(cond bool, msg string) error {
	if cond {
		return Skip(msg)
	}
	return nil
}

// AssertTrue returns Fail(msg) unless cond holds.
func AssertTrue(cond bool, msg string) error {
	if !cond {
		return Fail(msg)
	}
	return nil
}

// AssertFalse returns Fail(msg) if cond holds.
func AssertFalse(cond bool, msg string) error {
	return AssertTrue(!cond, msg)
}

// AssertEqual fails unless got and want are deeply equal.
func AssertEqual(got, want interface{}, msg string) error {
	if reflect.DeepEqual(got, want) {
		return nil
	}
	reason := fmt.Sprintf("%v != %v", got, want)
	if msg != "" {
		reason += " " + msg
	}
	return Fail(reason)
}

// AssertNoError fails with msg if err is not nil. Signals pass through
// unchanged.
func AssertNoError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsSignal(err); ok {
		return err
	}
	return Failf("%s: %v", msg, err)
}

// TimeoutError is the error of the suite context once the suite timer fires.
// A test that sees it fails and the run is aborted.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("test suite timed out after %v", e.Timeout)
}

// AbortAllError is returned by Run when an AbortAll signal stops the run. It
// carries the results collected so far.
type AbortAllError struct {
	Cause   error
	Results *Results
}

func (e *AbortAllError) Error() string {
	return fmt.Sprintf("run aborted: %v", e.Cause)
}

func (e *AbortAllError) Unwrap() error { return e.Cause }
