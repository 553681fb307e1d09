// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package servo

import (
	"context"
	"strconv"
	"time"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/logging"
)

// KeyPress is a value accepted by keyboard controls.
type KeyPress string

// Key press durations.
const (
	Tab       KeyPress = "tab"
	Press     KeyPress = "press"
	LongPress KeyPress = "long_press"
)

const volumeTimeout = 300 * time.Second

// PowerKey presses the power key for the given duration.
func (s *Servo) PowerKey(ctx context.Context, press KeyPress) error {
	return s.SetNoCheck(ctx, "power_key", string(press), "")
}

// PowerKeyFor holds the power key for d.
func (s *Servo) PowerKeyFor(ctx context.Context, d time.Duration) error {
	return s.SetNoCheck(ctx, "power_key", strconv.FormatFloat(d.Seconds(), 'f', -1, 64), "")
}

// PowerShortPress simulates a short press of the power button.
func (s *Servo) PowerShortPress(ctx context.Context) error { return s.PowerKey(ctx, Tab) }

// PowerNormalPress simulates a normal press of the power button.
func (s *Servo) PowerNormalPress(ctx context.Context) error { return s.PowerKey(ctx, Press) }

// PowerLongPress simulates a long press of the power button.
func (s *Servo) PowerLongPress(ctx context.Context) error { return s.PowerKey(ctx, LongPress) }

// PwrButton sets the pwr_button control directly.
func (s *Servo) PwrButton(ctx context.Context, action string) error {
	return s.SetNoCheck(ctx, "pwr_button", action, "")
}

func (s *Servo) key(ctx context.Context, ctrl string, press KeyPress) error {
	if press == "" {
		press = Tab
	}
	return s.SetNoCheck(ctx, ctrl, string(press), "")
}

// CtrlD presses Ctrl+D.
func (s *Servo) CtrlD(ctx context.Context, press KeyPress) error { return s.key(ctx, "ctrl_d", press) }

// CtrlU presses Ctrl+U.
func (s *Servo) CtrlU(ctx context.Context, press KeyPress) error { return s.key(ctx, "ctrl_u", press) }

// CtrlEnter presses Ctrl+Enter.
func (s *Servo) CtrlEnter(ctx context.Context, press KeyPress) error {
	return s.key(ctx, "ctrl_enter", press)
}

// CtrlKey presses Ctrl.
func (s *Servo) CtrlKey(ctx context.Context, press KeyPress) error {
	return s.key(ctx, "ctrl_key", press)
}

// EnterKey presses Enter.
func (s *Servo) EnterKey(ctx context.Context, press KeyPress) error {
	return s.key(ctx, "enter_key", press)
}

// RefreshKey presses Refresh.
func (s *Servo) RefreshKey(ctx context.Context, press KeyPress) error {
	return s.key(ctx, "refresh_key", press)
}

// CtrlRefreshKey presses Ctrl+Refresh.
func (s *Servo) CtrlRefreshKey(ctx context.Context, press KeyPress) error {
	return s.key(ctx, "ctrl_refresh_key", press)
}

// ImaginaryKey presses a key that does nothing, which wakes some devices.
func (s *Servo) ImaginaryKey(ctx context.Context, press KeyPress) error {
	return s.key(ctx, "imaginary_key", press)
}

// SysrqX presses Alt+VolumeUp+X.
func (s *Servo) SysrqX(ctx context.Context, press KeyPress) error {
	return s.key(ctx, "sysrq_x", press)
}

// LidOpen opens the lid.
func (s *Servo) LidOpen(ctx context.Context) error {
	return s.SetNoCheck(ctx, "lid_open", "yes", "")
}

// LidClose closes the lid and waits for the DUT to go to sleep.
func (s *Servo) LidClose(ctx context.Context) error {
	if err := s.SetNoCheck(ctx, "lid_open", "no", ""); err != nil {
		return err
	}
	return s.sleep(ctx, SleepDelay)
}

// VBUSPower returns whether VBUS is powered.
func (s *Servo) VBUSPower(ctx context.Context) (string, error) {
	return s.Get(ctx, "vbus_power", "")
}

func (s *Servo) pressVolume(ctx context.Context, ctrl string) error {
	if _, err := s.SetGetAll(ctx, []string{ctrl + ":yes", "sleep:0.1000", ctrl + ":no"}); err != nil {
		return err
	}
	deadline := s.clk.Now().Add(volumeTimeout)
	for {
		v, err := s.Get(ctx, ctrl, "")
		if err == nil && v == "no" {
			return nil
		}
		if !s.clk.Now().Before(deadline) {
			return errors.Errorf("Failed setting %s to no", ctrl)
		}
		if err := s.sleep(ctx, ShortDelay); err != nil {
			return err
		}
	}
}

// VolumeUp presses the volume up button.
func (s *Servo) VolumeUp(ctx context.Context) error { return s.pressVolume(ctx, "volume_up") }

// VolumeDown presses the volume down button.
func (s *Servo) VolumeDown(ctx context.Context) error { return s.pressVolume(ctx, "volume_down") }

func (s *Servo) toggle(ctx context.Context, ctrl OnOffControl, delay time.Duration) error {
	if err := s.Set(ctx, string(ctrl), string(On), ""); err != nil {
		return err
	}
	if err := s.sleep(ctx, delay); err != nil {
		return err
	}
	return s.Set(ctx, string(ctrl), string(Off), "")
}

// ToggleRecoverySwitch flips the recovery switch on and back off.
func (s *Servo) ToggleRecoverySwitch(ctx context.Context) error {
	return s.toggle(ctx, RecModeCtrl, RecToggleDelay)
}

// ToggleDevSwitch flips the developer switch on and back off.
func (s *Servo) ToggleDevSwitch(ctx context.Context) error {
	return s.toggle(ctx, DevMode, DevToggleDelay)
}

// BootDevMode powers the DUT on and boots it in developer mode.
func (s *Servo) BootDevMode(ctx context.Context) error {
	if err := s.PowerShortPress(ctx); err != nil {
		return err
	}
	return s.PassDevMode(ctx)
}

// PassDevMode dismisses the developer mode warning screen.
func (s *Servo) PassDevMode(ctx context.Context) error {
	if err := s.sleep(ctx, BootDelay); err != nil {
		return err
	}
	logging.Debug(ctx, "Pressing Ctrl+D to pass developer mode screen")
	if err := s.CtrlD(ctx, Tab); err != nil {
		return err
	}
	return s.sleep(ctx, BootDelay)
}
