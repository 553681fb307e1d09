// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package faft

import (
	"context"
	"encoding/json"
	"time"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/logging"
)

const (
	// ECSuspendDelay is how long Suspend waits before the DUT suspends.
	ECSuspendDelay = 5 * time.Second

	bootIDRetries    = 3
	g3PowerRetries   = 5
	offlinePowerDown = 100 * time.Second
)

// TryFWB makes the firmware try slot B for count boots. vboot1 always tries
// at least once.
func (t *Test) TryFWB(ctx context.Context, count int) error {
	if t.fwVboot2 {
		return t.Client.SetFWTryNext(ctx, "B", count)
	}
	if count == 0 {
		count = 1
	}
	return t.Client.SetTryFWB(ctx, count)
}

// SetupTriedFWB requests the tried_fwb state; the DUT enters it on the
// next boot.
func (t *Test) SetupTriedFWB(ctx context.Context, tried bool) error {
	want := "0"
	if tried {
		want = "1"
	}
	ok, err := t.crossystemMatches(ctx, map[string][]string{"tried_fwb": {want}}, false)
	if err != nil || ok {
		return err
	}
	if tried {
		logging.Info(ctx, "Firmware is not booted with tried_fwb. Reboot into it")
		return t.Client.SetTryFWB(ctx, 1)
	}
	logging.Info(ctx, "Firmware is booted with tried_fwb. Reboot to clear")
	return nil
}

// SetupRWBoot clears the RO-normal preamble flag of section and reboots if
// it was set.
func (t *Test) SetupRWBoot(ctx context.Context, section string) error {
	if section == "" {
		section = "a"
	}
	flags, err := t.Client.PreambleFlags(ctx, section)
	if err != nil {
		return err
	}
	if flags&PreambleUseRONormal == 0 {
		return nil
	}
	if err := t.Client.SetPreambleFlags(ctx, section, flags^PreambleUseRONormal); err != nil {
		return err
	}
	return t.Rebooter.ModeAwareReboot(ctx, RebootRequest{})
}

// SetHardwareWriteProtect forces the firmware write protect pin.
func (t *Test) SetHardwareWriteProtect(ctx context.Context, enable bool) error {
	v := "force_off"
	if enable {
		v = "force_on"
	}
	return t.Servo.Set(ctx, "fw_wp_state", v, "")
}

// ECCommand sends cmd to the EC console.
func (t *Test) ECCommand(ctx context.Context, cmd string) error {
	return t.Servo.SetNoCheck(ctx, "ec_uart_cmd", cmd, "")
}

// ECCommandOutput sends cmd to the EC console and waits for output matching
// all of patterns. servod fails the read if they do not show up.
func (t *Test) ECCommandOutput(ctx context.Context, cmd string, patterns []string) (string, error) {
	re, err := json.Marshal(patterns)
	if err != nil {
		return "", err
	}
	if err := t.Servo.SetNoCheck(ctx, "ec_uart_regexp", string(re), ""); err != nil {
		return "", err
	}
	defer t.Servo.SetNoCheck(ctx, "ec_uart_regexp", "None", "")
	if err := t.ECCommand(ctx, cmd); err != nil {
		return "", err
	}
	return t.Servo.Get(ctx, "ec_uart_cmd", "")
}

// WaitPowerState polls the EC until the AP reports state, trying at most
// retries times.
func (t *Test) WaitPowerState(ctx context.Context, state string, retries int) bool {
	logging.Infof(ctx, "Checking power state %q maximum %d times", state, retries)
	for ; retries > 0; retries-- {
		logging.Infof(ctx, "try count: %d", retries)
		if _, err := t.ECCommandOutput(ctx, "powerinfo", []string{state}); err == nil {
			return true
		}
	}
	return false
}

// CheckShutdownPowerState fails unless the EC reaches state.
func (t *Test) CheckShutdownPowerState(ctx context.Context, state string, retries int) error {
	if !t.WaitPowerState(ctx, state, retries) {
		return errors.Errorf("System not shutdown properly and EC fails to enter into %s state", state)
	}
	logging.Infof(ctx, "System entered into %s state", state)
	return nil
}

// GetBootID returns the DUT boot ID, or "" if it cannot be read.
func (t *Test) GetBootID(ctx context.Context) string {
	var id string
	for retry := bootIDRetries; retry > 0; retry-- {
		var err error
		if id, err = bootID(ctx, t.DUT); err == nil {
			break
		}
		if retry > 1 {
			logging.Info(ctx, "Retry to get boot_id...")
		} else {
			logging.Warning(ctx, "Failed to get boot_id")
		}
	}
	logging.Infof(ctx, "boot_id: %s", id)
	return id
}

// Suspend suspends the DUT after a short delay, so that the RPC returns
// first.
func (t *Test) Suspend(ctx context.Context) error {
	cmd := "(sleep 5; powerd_dbus_suspend) &"
	if err := t.Client.RunShellCommand(ctx, cmd); err != nil {
		return err
	}
	return sleep(ctx, t.clk, ECSuspendDelay)
}

// StopPowerd stops powerd so that the AP ignores power button presses.
func (t *Test) StopPowerd(ctx context.Context) error {
	running, err := t.Client.RunShellCommandCheckOutput(ctx, "status powerd", "start/running")
	if err != nil || !running {
		return err
	}
	logging.Debug(ctx, "Stopping powerd")
	return t.Client.RunShellCommand(ctx, "stop powerd")
}

// CheckLidAndPowerOn presses the power button when the lid is closed, since
// the EC then shuts the AP down after software sync.
func (t *Test) CheckLidAndPowerOn(ctx context.Context) error {
	lid, err := t.Servo.Get(ctx, "lid_open", "")
	if err != nil {
		return err
	}
	if lid != "no" {
		return nil
	}
	if err := sleep(ctx, t.clk, t.Config.SoftwareSync.D()); err != nil {
		return err
	}
	return t.Servo.PowerShortPress(ctx)
}

// SyncAndECReboot syncs the DUT and reboots it through the EC. flags is
// passed to the EC reboot command, e.g. "hard".
func (t *Test) SyncAndECReboot(ctx context.Context, flags string) error {
	if err := t.BlockingSync(ctx); err != nil {
		return err
	}
	cmd := "reboot"
	if flags != "" {
		cmd += " " + flags
	}
	if err := t.ECCommand(ctx, cmd); err != nil {
		return err
	}
	if err := sleep(ctx, t.clk, t.Config.ECBootToConsole.D()); err != nil {
		return err
	}
	return t.CheckLidAndPowerOn(ctx)
}

// FullPowerOffAndOn shuts the DUT down with the power button and turns it
// on again.
func (t *Test) FullPowerOffAndOn(ctx context.Context) error {
	id := t.GetBootID(ctx)
	if err := t.Servo.PowerKeyFor(ctx, t.Config.HoldPwrButtonPowerOff.D()); err != nil {
		return err
	}
	if err := t.Rebooter.WaitForClientOffline(ctx, offlinePowerDown, id); err != nil {
		return err
	}
	if err := sleep(ctx, t.clk, t.Config.Shutdown.D()); err != nil {
		return err
	}
	if t.CheckECCapability(ctx, []string{"x86"}, true) {
		if err := t.CheckShutdownPowerState(ctx, "G3", g3PowerRetries); err != nil {
			return err
		}
	}
	return t.Servo.PowerKeyFor(ctx, t.Config.HoldPwrButtonPowerOn.D())
}

// Action is a named step of RunShutdownProcess.
type Action struct {
	Name string
	Func func(ctx context.Context) error
}

func (a Action) run(ctx context.Context) error {
	if a.Func == nil {
		return nil
	}
	logging.Infof(ctx, "calling %s", a.Name)
	return a.Func(ctx)
}

// ShutdownOptions controls RunShutdownProcess.
type ShutdownOptions struct {
	PrePower  Action
	PostPower Action
	// SkipPowerKey leaves the DUT off instead of pressing the power key.
	SkipPowerKey bool
	// Timeout bounds the wait for shutdown. Config.ShutdownTimeout if zero.
	Timeout time.Duration
}

// RunShutdownProcess runs shutdown, checks that the DUT went down, and
// powers it on again.
func (t *Test) RunShutdownProcess(ctx context.Context, shutdown Action, opts ShutdownOptions) error {
	if err := shutdown.run(ctx); err != nil {
		return err
	}
	logging.Info(ctx, "Wait to ensure DUT shut down...")
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = t.Config.ShutdownTimeout.D()
	}
	err := t.Rebooter.WaitForClient(ctx, timeout)
	if err == nil {
		return errors.Errorf("Should shut the device down after calling %s", shutdown.Name)
	}
	if !IsConnectionError(err) {
		return err
	}
	if t.CheckECCapability(ctx, []string{"x86"}, true) {
		if err := t.CheckShutdownPowerState(ctx, "G3", g3PowerRetries); err != nil {
			return err
		}
	}
	logging.Info(ctx, "DUT is surely shutdown. We are going to power it on again...")

	if err := opts.PrePower.run(ctx); err != nil {
		return err
	}
	if !opts.SkipPowerKey {
		if err := t.Servo.PowerKeyFor(ctx, t.Config.HoldPwrButtonPowerOn.D()); err != nil {
			return err
		}
	}
	return opts.PostPower.run(ctx)
}
