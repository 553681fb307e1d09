// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package faft

import (
	"context"
	"strings"
	"time"

	"code.cloudfoundry.org/clock"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/host"
	"go.chromium.org/labtest/internal/logging"
	"go.chromium.org/labtest/servo"
)

// BootMode is the firmware boot mode of the DUT.
type BootMode string

// Boot modes.
const (
	ModeNormal BootMode = "normal"
	ModeDev    BootMode = "dev"
	ModeRec    BootMode = "rec"
)

// RebootType selects how ModeAwareReboot resets the DUT.
type RebootType string

// Reboot types.
const (
	WarmReboot   RebootType = "warm"
	ColdReboot   RebootType = "cold"
	CustomReboot RebootType = "custom"
)

// RebootRequest describes one reboot.
type RebootRequest struct {
	Type RebootType
	// Custom performs the reset when Type is CustomReboot.
	Custom func(ctx context.Context) error
	// NoSync skips syncing the DUT disks before the reset.
	NoSync bool
	// NoWait returns right after the reset instead of waiting for the DUT
	// to come back.
	NoWait bool
}

const (
	offlineTimeout = time.Minute
	clientTimeout  = 3 * time.Minute
	pollInterval   = time.Second
	connectTimeout = 10 * time.Second

	stillUpMsg = "DUT is still up unexpectedly"
)

// ConnectionError is returned when the DUT does not reach the expected
// connectivity state in time.
type ConnectionError struct {
	Msg string
}

func (e *ConnectionError) Error() string { return e.Msg }

// IsConnectionError reports whether err is a *ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// Rebooter reboots the DUT and gets it through firmware screens.
type Rebooter interface {
	ModeAwareReboot(ctx context.Context, req RebootRequest) error
	WaitForClient(ctx context.Context, timeout time.Duration) error
	// WaitForClientOffline waits until the DUT stops answering or reports
	// a boot ID other than bootID. An empty bootID matches nothing.
	WaitForClientOffline(ctx context.Context, timeout time.Duration, bootID string) error
	BypassDevMode(ctx context.Context) error
	BypassRecMode(ctx context.Context) error
	RebootToMode(ctx context.Context, mode BootMode, req RebootRequest) error
	// RestoreMode returns the DUT to the mode it had before the first
	// RebootToMode call.
	RestoreMode(ctx context.Context) error
}

// ServoRebooter is a Rebooter driving the DUT through servo.
type ServoRebooter struct {
	svo    Servo
	client Client
	dut    host.Runner
	cfg    *Config
	clk    clock.Clock
	sync   func(ctx context.Context) error

	origMode BootMode
	mode     BootMode
}

var _ Rebooter = (*ServoRebooter)(nil)

// NewServoRebooter returns a rebooter. sync is run before resets unless a
// request sets NoSync; nil means running sync on dut.
func NewServoRebooter(svo Servo, client Client, dut host.Runner, cfg *Config, clk clock.Clock, sync func(ctx context.Context) error) *ServoRebooter {
	if sync == nil {
		sync = func(ctx context.Context) error {
			_, err := dut.Run(ctx, "sync")
			return err
		}
	}
	return &ServoRebooter{svo: svo, client: client, dut: dut, cfg: cfg, clk: clk, sync: sync}
}

func sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-clk.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// bootID returns the kernel boot ID of the DUT.
func bootID(ctx context.Context, dut host.Runner) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	return host.Output(ctx, dut, "cat /proc/sys/kernel/random/boot_id")
}

// CurrentMode reads the boot mode from crossystem.
func (r *ServoRebooter) CurrentMode(ctx context.Context) (BootMode, error) {
	v, err := r.client.CrossystemValue(ctx, "mainfw_type")
	if err != nil {
		return "", err
	}
	switch v {
	case "normal":
		return ModeNormal, nil
	case "developer":
		return ModeDev, nil
	case "recovery":
		return ModeRec, nil
	}
	return "", errors.Errorf("unknown mainfw_type %q", v)
}

// ModeAwareReboot resets the DUT and, unless req.NoWait is set, waits for
// it to boot again in the current mode.
func (r *ServoRebooter) ModeAwareReboot(ctx context.Context, req RebootRequest) error {
	if req.Type == "" {
		req.Type = WarmReboot
	}
	if !req.NoSync {
		if err := r.sync(ctx); err != nil {
			logging.Infof(ctx, "Sync before reboot failed: %v", err)
		}
	}
	orig, err := bootID(ctx, r.dut)
	if err != nil {
		logging.Debugf(ctx, "Failed to read boot ID before reboot: %v", err)
	}

	logging.Infof(ctx, "Rebooting DUT (%s)", req.Type)
	switch req.Type {
	case WarmReboot:
		err = r.svo.WarmReset(ctx)
	case ColdReboot:
		err = r.svo.ColdReset(ctx)
	case CustomReboot:
		if req.Custom == nil {
			return errors.New("custom reboot requested without an action")
		}
		err = req.Custom(ctx)
	default:
		return errors.Errorf("unknown reboot type %q", req.Type)
	}
	if err != nil {
		return errors.Wrapf(err, "%s reboot", req.Type)
	}
	if req.NoWait {
		return nil
	}
	if err := r.WaitForClientOffline(ctx, offlineTimeout, orig); err != nil {
		return err
	}
	return r.waitForBoot(ctx)
}

func (r *ServoRebooter) waitForBoot(ctx context.Context) error {
	switch r.mode {
	case ModeDev:
		if err := r.BypassDevMode(ctx); err != nil {
			return err
		}
	case ModeRec:
		if err := r.BypassRecMode(ctx); err != nil {
			return err
		}
	}
	return r.WaitForClient(ctx, clientTimeout)
}

// WaitForClient polls the FAFT RPC server until it answers.
func (r *ServoRebooter) WaitForClient(ctx context.Context, timeout time.Duration) error {
	start := r.clk.Now()
	for {
		actx, cancel := context.WithTimeout(ctx, connectTimeout)
		ok, err := r.client.IsAvailable(actx)
		cancel()
		if err == nil && ok {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if r.clk.Since(start) >= timeout {
			return &ConnectionError{Msg: "timed out waiting for DUT to come up after " + timeout.String()}
		}
		if err := sleep(ctx, r.clk, pollInterval); err != nil {
			return err
		}
	}
}

// WaitForClientOffline implements Rebooter.
func (r *ServoRebooter) WaitForClientOffline(ctx context.Context, timeout time.Duration, orig string) error {
	start := r.clk.Now()
	for {
		id, err := bootID(ctx, r.dut)
		if err != nil {
			return nil
		}
		if orig != "" && id != orig {
			logging.Infof(ctx, "DUT rebooted (boot ID %s -> %s)", orig, id)
			return nil
		}
		if r.clk.Since(start) >= timeout {
			return &ConnectionError{Msg: stillUpMsg}
		}
		if err := sleep(ctx, r.clk, pollInterval); err != nil {
			return err
		}
	}
}

// BypassDevMode presses Ctrl-D at the developer screen.
func (r *ServoRebooter) BypassDevMode(ctx context.Context) error {
	if err := sleep(ctx, r.clk, r.cfg.FirmwareScreen.D()); err != nil {
		return err
	}
	logging.Info(ctx, "Bypassing developer screen")
	return r.svo.CtrlD(ctx, servo.Tab)
}

// BypassRecMode replugs the USB key to the DUT so that the recovery
// firmware boots from it.
func (r *ServoRebooter) BypassRecMode(ctx context.Context) error {
	logging.Info(ctx, "Bypassing recovery screen")
	if err := r.svo.SwitchUSBKey(ctx, servo.USBHost); err != nil {
		return err
	}
	if err := sleep(ctx, r.clk, r.cfg.USBPlug.D()); err != nil {
		return err
	}
	return r.svo.SwitchUSBKey(ctx, servo.USBDUT)
}

// RebootToMode reboots the DUT into mode.
func (r *ServoRebooter) RebootToMode(ctx context.Context, mode BootMode, req RebootRequest) error {
	if r.origMode == "" {
		cur, err := r.CurrentMode(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to read boot mode")
		}
		r.origMode, r.mode = cur, cur
	}
	logging.Infof(ctx, "Rebooting DUT from %s to %s mode", r.mode, mode)

	switch mode {
	case ModeNormal:
		if r.mode == ModeDev {
			if err := r.client.RunShellCommand(ctx, "crossystem disable_dev_request=1"); err != nil {
				return err
			}
		}
		r.mode = ModeNormal
		return r.ModeAwareReboot(ctx, RebootRequest{Type: ColdReboot, NoSync: req.NoSync, NoWait: req.NoWait})
	case ModeRec, ModeDev:
	default:
		return errors.Errorf("unknown boot mode %q", mode)
	}

	if !req.NoSync {
		if err := r.sync(ctx); err != nil {
			logging.Infof(ctx, "Sync before reboot failed: %v", err)
		}
	}
	if err := r.svo.PowerOff(ctx); err != nil {
		return err
	}
	if err := r.svo.PowerOn(ctx, servo.RecModeOn); err != nil {
		return err
	}
	if mode == ModeDev {
		// Ctrl-D at the recovery screen asks for developer mode and Enter
		// confirms it.
		if err := sleep(ctx, r.clk, r.cfg.FirmwareScreen.D()); err != nil {
			return err
		}
		if err := r.svo.CtrlD(ctx, servo.Tab); err != nil {
			return err
		}
		if err := sleep(ctx, r.clk, r.cfg.FirmwareScreen.D()); err != nil {
			return err
		}
		if err := r.svo.EnterKey(ctx, servo.Tab); err != nil {
			return err
		}
	}
	r.mode = mode
	if req.NoWait {
		return nil
	}
	return r.waitForBoot(ctx)
}

// RestoreMode implements Rebooter.
func (r *ServoRebooter) RestoreMode(ctx context.Context) error {
	if r.origMode == "" || r.origMode == r.mode {
		return nil
	}
	logging.Infof(ctx, "Restoring %s mode", r.origMode)
	return r.RebootToMode(ctx, r.origMode, RebootRequest{})
}

func isStillUp(err error) bool {
	return err != nil && strings.Contains(err.Error(), stillUpMsg)
}
