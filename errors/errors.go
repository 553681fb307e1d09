// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package errors creates errors carrying a stack trace and an optional cause.
//
// Errors format like the standard library ones with %v. With %+v the whole
// chain is printed with the stack of every link:
//
//	if err := servo.SetPowerState(ctx, servo.PowerStateReset); err != nil {
//		return errors.Wrap(err, "failed to reset DUT")
//	}
//
// Is, As and Unwrap are re-exported so that callers need a single import.
package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"strings"

	"go.chromium.org/labtest/errors/stack"
)

type impl struct {
	msg   string      // message prepended to cause
	stk   stack.Stack // where the error was created
	cause error       // wrapped error, possibly nil
}

func (e *impl) Error() string {
	if e.cause == nil {
		return e.msg
	}
	return fmt.Sprintf("%s: %s", e.msg, e.cause.Error())
}

func (e *impl) Unwrap() error {
	return e.cause
}

func (e *impl) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		io.WriteString(s, formatChain(e))
		return
	}
	io.WriteString(s, e.Error())
}

func formatChain(err error) string {
	var chain []string
	for err != nil {
		e, ok := err.(*impl)
		if !ok {
			chain = append(chain, fmt.Sprintf("%s\n\tat ???", err.Error()))
			break
		}
		chain = append(chain, fmt.Sprintf("%s\n%v", e.msg, e.stk))
		err = e.cause
	}
	return strings.Join(chain, "\n")
}

// New returns an error with msg and the current stack.
func New(msg string) error {
	return &impl{msg, stack.New(1), nil}
}

// Errorf is New with fmt.Sprintf formatting.
func Errorf(format string, args ...interface{}) error {
	return &impl{fmt.Sprintf(format, args...), stack.New(1), nil}
}

// Wrap returns an error annotating cause with msg.
func Wrap(cause error, msg string) error {
	return &impl{msg, stack.New(1), cause}
}

// Wrapf is Wrap with fmt.Sprintf formatting.
func Wrapf(cause error, format string, args ...interface{}) error {
	return &impl{fmt.Sprintf(format, args...), stack.New(1), cause}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool { return stderrors.As(err, target) }

// Unwrap returns the cause of err, or nil.
func Unwrap(err error) error { return stderrors.Unwrap(err) }
