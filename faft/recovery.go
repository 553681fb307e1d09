// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package faft

import (
	"context"
	"strconv"
	"strings"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/logging"
	"go.chromium.org/labtest/servo"
)

// RestoreRoutineFromTimeout revives a DUT that did not come back after a
// reboot. It always returns an error describing the timeout, since the
// test that triggered it has failed.
func (t *Test) RestoreRoutineFromTimeout(ctx context.Context) error {
	if err := t.recordUARTCapture(ctx); err != nil {
		logging.Infof(ctx, "Failed to record UART output: %v", err)
	}
	reason := t.RecoveryReasonFromTrap(ctx)
	if err := t.ResetClient(ctx); err != nil {
		logging.Warningf(ctx, "Failed to reset DUT: %v", err)
	}
	if reason != 0 {
		return errors.Errorf("Trapped in the recovery screen (reason: %d) and timed out", reason)
	}
	return errors.New("Timed out waiting for DUT reboot")
}

// RecoveryReasonFromTrap boots the DUT off the USB key from a recovery
// screen and reads the recovery reason. It returns 0 if the reason cannot
// be read.
func (t *Test) RecoveryReasonFromTrap(ctx context.Context) int {
	logging.Info(ctx, "Try to retrieve recovery reason...")
	dir, err := t.Servo.USBKeyDirection(ctx)
	if err != nil {
		logging.Infof(ctx, "Failed to read USB key direction: %v", err)
		return 0
	}
	if dir == servo.USBDUT {
		err = t.Rebooter.BypassRecMode(ctx)
	} else {
		err = t.Servo.SwitchUSBKey(ctx, servo.USBDUT)
	}
	if err != nil {
		logging.Infof(ctx, "Failed to boot the USB key: %v", err)
		return 0
	}

	if err := t.Rebooter.WaitForClient(ctx, clientTimeout); err != nil {
		logging.Infof(ctx, "Failed to get the recovery reason due to connection error: %v", err)
		return 0
	}
	lines, err := t.Client.RunShellCommandGetOutput(ctx, "crossystem recovery_reason")
	if err != nil || len(lines) == 0 {
		logging.Infof(ctx, "Failed to read recovery reason: %v", err)
		return 0
	}
	reason, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		logging.Infof(ctx, "Bad recovery reason %q", lines[0])
		return 0
	}
	logging.Infof(ctx, "Got the recovery reason %d", reason)
	return reason
}

// EnsureClientInRecovery reboots the DUT into recovery mode from the USB
// key.
func (t *Test) EnsureClientInRecovery(ctx context.Context) error {
	logging.Info(ctx, "Try boot into USB image...")
	if err := t.Rebooter.RebootToMode(ctx, ModeRec, RebootRequest{NoSync: true, NoWait: true}); err != nil {
		return err
	}
	if err := t.Servo.SwitchUSBKey(ctx, servo.USBHost); err != nil {
		return err
	}
	if err := t.Rebooter.BypassRecMode(ctx); err != nil {
		return err
	}
	if err := t.Rebooter.WaitForClient(ctx, clientTimeout); err != nil {
		return errors.Wrap(err, "Failed to boot the USB image")
	}
	return nil
}

// rebootAndWait cold-reboots without waiting, then waits for the DUT to
// go down and come back.
func (t *Test) rebootAndWait(ctx context.Context, typ RebootType) error {
	if err := t.Rebooter.ModeAwareReboot(ctx, RebootRequest{Type: typ, NoSync: true, NoWait: true}); err != nil {
		return err
	}
	if err := t.Rebooter.WaitForClientOffline(ctx, offlineTimeout, ""); err != nil {
		return err
	}
	if err := t.Rebooter.BypassDevMode(ctx); err != nil {
		return err
	}
	return t.Rebooter.WaitForClient(ctx, clientTimeout)
}

// ResetClient brings an unresponsive DUT back, trying in order: a cold
// reboot, restoring the saved firmware, restoring the saved kernel and
// reinstalling the OS from the USB key.
func (t *Test) ResetClient(ctx context.Context) error {
	logging.Info(ctx, "Try cold reboot...")
	err := t.rebootAndWait(ctx, ColdReboot)
	if err == nil {
		return nil
	}
	if !IsConnectionError(err) {
		return err
	}
	logging.Warning(ctx, "Cold reboot doesn't help, still connection error")

	// Recovery firmware lives in RO, which tests leave intact apart from
	// the GBB, so booting the USB key still works.
	if t.IsFirmwareSaved() {
		if err := t.EnsureClientInRecovery(ctx); err != nil {
			return err
		}
		logging.Info(ctx, "Try restore the original firmware...")
		changed, err := t.IsFirmwareChanged(ctx)
		if err != nil {
			return err
		}
		if changed {
			_, err := t.RestoreFirmware(ctx, ".original", true)
			if err == nil {
				return nil
			}
			if !IsConnectionError(err) {
				return err
			}
			logging.Warning(ctx, "Restoring firmware doesn't help, still connection error")
		}
	}

	if t.IsKernelSaved() {
		if err := t.EnsureClientInRecovery(ctx); err != nil {
			return err
		}
		logging.Info(ctx, "Try restore the original kernel...")
		changed, err := t.IsKernelChanged(ctx)
		if err != nil {
			return err
		}
		if changed {
			err := t.RestoreKernel(ctx, ".original")
			if err == nil {
				return nil
			}
			if !IsConnectionError(err) {
				return err
			}
			logging.Warning(ctx, "Restoring kernel doesn't help, still connection error")
		}
	}

	if err := t.EnsureClientInRecovery(ctx); err != nil {
		return err
	}
	logging.Info(ctx, "Try restore the OS image...")
	if err := t.Client.RunShellCommand(ctx, "chromeos-install --yes"); err != nil {
		return err
	}
	if err := t.rebootAndWait(ctx, WarmReboot); err != nil {
		if IsConnectionError(err) {
			logging.Warning(ctx, "Restoring OS image doesn't help, still connection error")
		}
		return err
	}
	logging.Info(ctx, "Successfully restore OS image")
	return nil
}
