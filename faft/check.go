// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package faft

import (
	"context"
	"strings"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/logging"
	"go.chromium.org/labtest/shutil"
)

// Check is one condition verified by CheckState.
type Check struct {
	Name string
	Func func(ctx context.Context) (bool, error)
	// Msg prefixes the failure message. "Not succeed" if empty.
	Msg string
}

// CheckState runs checks in order and fails on the first one that returns
// false.
func (t *Test) CheckState(ctx context.Context, checks ...Check) error {
	logging.Info(ctx, "-[FAFT]-[ start stepstate_checker ]----------")
	for _, c := range checks {
		if c.Func == nil {
			continue
		}
		logging.Infof(ctx, "calling %s", c.Name)
		ok, err := c.Func(ctx)
		if err != nil {
			return errors.Wrapf(err, "calling %s", c.Name)
		}
		if !ok {
			msg := c.Msg
			if msg == "" {
				msg = "Not succeed"
			}
			return errors.Errorf("%s: calling %s returning false", msg, c.Name)
		}
	}
	logging.Info(ctx, "-[FAFT]-[ end state_checker ]----------------")
	return nil
}

// CrossystemChecker returns a check that every key in want has one of the
// listed values.
func (t *Test) CrossystemChecker(want map[string][]string) Check {
	return Check{
		Name: "crossystem_checker",
		Func: func(ctx context.Context) (bool, error) {
			return t.crossystemMatches(ctx, want, false)
		},
	}
}

func (t *Test) crossystemMatches(ctx context.Context, want map[string][]string, quiet bool) (bool, error) {
	for key, vals := range want {
		got, err := t.Client.CrossystemValue(ctx, key)
		if err != nil {
			return false, err
		}
		if !contains(vals, got) {
			if !quiet {
				logging.Infof(ctx, "Expected %s in %q but got %q", key, vals, got)
			}
			return false, nil
		}
	}
	return true, nil
}

// RootPartChecker returns a check that the DUT booted from the rootfs of
// the kernel part ("a", "b" or a partition number).
func (t *Test) RootPartChecker(part string) Check {
	return Check{
		Name: "root_part_checker",
		Func: func(ctx context.Context) (bool, error) { return t.onRootPart(ctx, part) },
	}
}

func (t *Test) onRootPart(ctx context.Context, part string) (bool, error) {
	want, err := partNumber(RootfsMap, part)
	if err != nil {
		return false, err
	}
	lines, err := t.Client.RunShellCommandGetOutput(ctx, "rootdev -s")
	if err != nil {
		return false, err
	}
	if len(lines) == 0 {
		return false, errors.New("rootdev printed nothing")
	}
	_, got, ok := shutil.StripPart(strings.TrimSpace(lines[0]))
	if !ok {
		return false, errors.Errorf("unexpected root device %q", lines[0])
	}
	if got != want {
		logging.Infof(ctx, "Expected root partition %d but got %d", want, got)
		return false, nil
	}
	return true, nil
}

// CheckRootPartOnNonRecovery reports whether the DUT booted part in normal
// or developer mode.
func (t *Test) CheckRootPartOnNonRecovery(ctx context.Context, part string) (bool, error) {
	ok, err := t.onRootPart(ctx, part)
	if err != nil || !ok {
		return false, err
	}
	return t.crossystemMatches(ctx, map[string][]string{"mainfw_type": {"normal", "developer"}}, false)
}

// CheckECCapability reports whether the DUT has a Chrome EC with every
// capability in caps. Missing requirements are logged unless suppress is
// set.
func (t *Test) CheckECCapability(ctx context.Context, caps []string, suppress bool) bool {
	if !t.Config.ChromeEC {
		if !suppress {
			logging.Warning(ctx, "Requires Chrome EC to run this test")
		}
		return false
	}
	return t.checkCapability(ctx, "ec", t.Config.HasECCapability, caps, suppress)
}

// CheckCr50Capability is like CheckECCapability for Cr50.
func (t *Test) CheckCr50Capability(ctx context.Context, caps []string, suppress bool) bool {
	if !t.hasCr50 {
		if !suppress {
			logging.Warning(ctx, "Requires Chrome Cr50 to run this test")
		}
		return false
	}
	return t.checkCapability(ctx, "cr50", t.Config.HasCr50Capability, caps, suppress)
}

func (t *Test) checkCapability(ctx context.Context, target string, has func(string) bool, caps []string, suppress bool) bool {
	for _, c := range caps {
		if !has(c) {
			if !suppress {
				logging.Warningf(ctx, "Requires %s capability %q to run this test", target, c)
			}
			return false
		}
	}
	return true
}
