// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package runner

import (
	"context"
	"regexp"
	"strings"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/host"
	"go.chromium.org/labtest/internal/logging"
)

// ShellSuite is a Suite whose tests run shell commands on a target.
type ShellSuite struct {
	target host.Runner
	tests  []ShellTest
	expect map[string]*regexp.Regexp
}

var (
	_ Suite          = (*ShellSuite)(nil)
	_ SetUpClassHook = (*ShellSuite)(nil)
	_ CleanUpHook    = (*ShellSuite)(nil)
	_ Healer         = (*ShellSuite)(nil)
)

// NewShellSuite returns a suite running tests against target.
func NewShellSuite(target host.Runner, tests []ShellTest) (*ShellSuite, error) {
	s := &ShellSuite{
		target: target,
		tests:  tests,
		expect: make(map[string]*regexp.Regexp),
	}
	for _, t := range tests {
		if t.ExpectOutput == "" {
			continue
		}
		re, err := regexp.Compile(t.ExpectOutput)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: bad expect_output", t.Name)
		}
		s.expect[t.Name] = re
	}
	return s, nil
}

// Tests returns one test per configured command, in config order.
func (s *ShellSuite) Tests() []Test {
	var tests []Test
	for _, t := range s.tests {
		t := t
		tests = append(tests, Test{
			Name: t.Name,
			Func: func(ctx context.Context) error { return s.run(ctx, t) },
		})
	}
	return tests
}

func (s *ShellSuite) run(ctx context.Context, t ShellTest) error {
	if t.Teardown != "" {
		defer func() {
			if _, err := s.target.Run(ctx, t.Teardown); err != nil {
				logging.Warningf(ctx, "%s: teardown failed: %v", t.Name, err)
			}
		}()
	}
	if t.Setup != "" {
		if _, err := s.target.Run(ctx, t.Setup); err != nil {
			return commandError(err, "setup")
		}
	}

	out, err := s.target.Run(ctx, t.Command)
	if err != nil {
		return commandError(err, "command")
	}
	if re, ok := s.expect[t.Name]; ok {
		got := strings.TrimSpace(string(out))
		if !re.MatchString(got) {
			return Failf("output %q does not match %q", got, t.ExpectOutput)
		}
	}
	return nil
}

// commandError turns a non-zero exit into a test failure. Other errors, such
// as a lost adb connection, are returned unchanged.
func commandError(err error, what string) error {
	if status, ok := host.ExitStatus(err); ok {
		return Failf("%s exited with status %d: %v", what, status, err)
	}
	return err
}

// SetUpClass checks that the target is reachable.
func (s *ShellSuite) SetUpClass(ctx context.Context) error {
	if _, err := s.target.Run(ctx, "true"); err != nil {
		return errors.Wrapf(err, "%s is unreachable", s.target.Hostname())
	}
	return nil
}

// CleanUp closes the connection to the target.
func (s *ShellSuite) CleanUp(ctx context.Context) error {
	return s.target.Close(ctx)
}

// Heal reports whether the target still runs commands. A passive heal
// always succeeds.
func (s *ShellSuite) Heal(ctx context.Context, passive bool) bool {
	if passive {
		return true
	}
	return host.Succeeds(ctx, s.target, "true")
}
