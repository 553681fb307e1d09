// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package host runs shell commands and copies files on the machines a lab
// test touches: the DUT, the servo host, Android devices and servod
// containers.
package host

import (
	"context"
	"fmt"
	"strings"

	"go.chromium.org/labtest/errors"
)

// Runner executes shell command lines on a machine.
type Runner interface {
	// Run runs cmd with sh -c and returns its stdout. A non-zero exit status
	// is reported as *ExitError.
	Run(ctx context.Context, cmd string) ([]byte, error)
	// GetFile copies src on the machine to the local path dst.
	GetFile(ctx context.Context, src, dst string) error
	// PutFile copies the local path src to dst on the machine.
	PutFile(ctx context.Context, src, dst string) error
	// Hostname identifies the machine in logs.
	Hostname() string
	Close(ctx context.Context) error
}

// ExitError is returned by Runner.Run when a command exits with a non-zero
// status.
type ExitError struct {
	Cmd    string
	Status int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%q exited with status %d", e.Cmd, e.Status)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// ErrADB is wrapped by errors that come from the adb connection itself
// rather than from the command that ran on the device.
var ErrADB = errors.New("adb connection error")

// ExitStatus returns the exit status carried by err. ok is false if err is
// not an *ExitError.
func ExitStatus(err error) (status int, ok bool) {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Status, true
	}
	return 0, false
}

// Output runs cmd and returns stdout with surrounding whitespace trimmed.
func Output(ctx context.Context, r Runner, cmd string) (string, error) {
	out, err := r.Run(ctx, cmd)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// OutputLines runs cmd and returns the non-empty lines of stdout.
func OutputLines(ctx context.Context, r Runner, cmd string) ([]string, error) {
	out, err := r.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, l := range strings.Split(string(out), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

// Status runs cmd and returns its exit status. Errors other than a non-zero
// exit are returned as err.
func Status(ctx context.Context, r Runner, cmd string) (int, error) {
	_, err := r.Run(ctx, cmd)
	if err == nil {
		return 0, nil
	}
	if st, ok := ExitStatus(err); ok {
		return st, nil
	}
	return -1, err
}

// Succeeds reports whether cmd exits with status 0. Connection errors count
// as failure.
func Succeeds(ctx context.Context, r Runner, cmd string) bool {
	_, err := r.Run(ctx, cmd)
	return err == nil
}
