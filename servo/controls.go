// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package servo

import (
	"context"
	"strings"
	"time"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/logging"
	"go.chromium.org/labtest/internal/xmlrpc"
)

// StringControl names a control holding a free-form string.
type StringControl string

// String-valued controls.
const (
	PowerStateCtrl     StringControl = "power_state"
	TypeCtrl           StringControl = "servo_type"
	WatchdogAddCtrl    StringControl = "watchdog_add"
	WatchdogRemoveCtrl StringControl = "watchdog_remove"
	ServoV4RoleCtrl    StringControl = "servo_v4_role"
	ServoV4TypeCtrl    StringControl = "servo_v4_type"
	DTSModeCtrl        StringControl = "servo_v4_dts_mode"
	ActiveV4DeviceCtrl StringControl = "active_v4_device"
	SerialnameCtrl     StringControl = "serialname"
)

// OnOffControl names a control accepting "on" or "off".
type OnOffControl string

// On/off controls.
const (
	CCDState      OnOffControl = "ccd_state"
	USBMuxOE1     OnOffControl = "usb_mux_oe1"
	InitKeyboard  OnOffControl = "init_keyboard"
	PrtCtl4PwrEn  OnOffControl = "prtctl4_pwren"
	RecModeCtrl   OnOffControl = "rec_mode"
	DevMode       OnOffControl = "dev_mode"
	WarmResetCtrl OnOffControl = "warm_reset"
	ColdResetCtrl OnOffControl = "cold_reset"
)

// OnOffValue is accepted by an OnOffControl.
type OnOffValue string

// Values of on/off controls.
const (
	Off OnOffValue = "off"
	On  OnOffValue = "on"
)

// PowerStateValue is accepted by the power_state control.
type PowerStateValue string

// Values of power_state.
const (
	PowerStateReset       PowerStateValue = "reset"
	PowerStateWarmReset   PowerStateValue = "warm_reset"
	PowerStateOff         PowerStateValue = "off"
	PowerStateOn          PowerStateValue = "on"
	PowerStateRec         PowerStateValue = "rec"
	PowerStateRecForceMRC PowerStateValue = "rec_force_mrc"
)

// WatchdogValue is accepted by watchdog_add and watchdog_remove.
type WatchdogValue string

// Watchdog names.
const (
	WatchdogCCD  WatchdogValue = "ccd"
	WatchdogMain WatchdogValue = "main"
)

// DUTController is the active controller on a dual mode servo.
type DUTController string

// Controllers of a dual mode servo.
const (
	DUTControllerC2D2       DUTController = "c2d2"
	DUTControllerCCD        DUTController = "ccd_cr50"
	DUTControllerServoMicro DUTController = "servo_micro"
)

// GetString returns the value of a string control.
func (s *Servo) GetString(ctx context.Context, control StringControl) (string, error) {
	v, err := s.Get(ctx, string(control), "")
	if err != nil {
		return "", errors.Wrapf(err, "getting servo control %q", control)
	}
	return v, nil
}

// SetString sets a string control without reading it back.
func (s *Servo) SetString(ctx context.Context, control StringControl, value string) error {
	if err := s.SetNoCheck(ctx, string(control), value, ""); err != nil {
		return errors.Wrapf(err, "setting servo control %q to %q", control, value)
	}
	return nil
}

// SetStringTimeout is SetString with a custom RPC timeout.
func (s *Servo) SetStringTimeout(ctx context.Context, control StringControl, value string, timeout time.Duration) error {
	if err := s.setNoCheckTimeout(ctx, string(control), value, "", timeout); err != nil {
		return errors.Wrapf(err, "setting servo control %q to %q", control, value)
	}
	return nil
}

// GetOnOff reads an on/off control as a bool.
func (s *Servo) GetOnOff(ctx context.Context, ctrl OnOffControl) (bool, error) {
	str, err := s.GetString(ctx, StringControl(ctrl))
	if err != nil {
		return false, err
	}
	switch OnOffValue(str) {
	case On:
		return true, nil
	case Off:
		return false, nil
	}
	return false, errors.Errorf("cannot convert %q to boolean", str)
}

// SetOnOff sets an on/off control and verifies it.
func (s *Servo) SetOnOff(ctx context.Context, ctrl OnOffControl, v OnOffValue) error {
	return s.Set(ctx, string(ctrl), string(v), "")
}

// SetPowerState sets power_state. It is always logged since it is
// disruptive, and the RPC may take long on boards holding the power button.
func (s *Servo) SetPowerState(ctx context.Context, value PowerStateValue) error {
	logging.Infof(ctx, "Setting %q to %q", PowerStateCtrl, value)
	// Rebooting the EC makes servod exit if the CCD watchdog is on.
	if value == PowerStateReset {
		if err := s.WatchdogRemove(ctx, WatchdogCCD); err != nil {
			return errors.Wrap(err, "remove ccd watchdog")
		}
	}
	return s.SetStringTimeout(ctx, PowerStateCtrl, string(value), powerStateTimeout)
}

// WatchdogAdd adds a watchdog to servod.
func (s *Servo) WatchdogAdd(ctx context.Context, val WatchdogValue) error {
	if val == WatchdogCCD {
		st, err := s.ServoType(ctx)
		if err != nil {
			return err
		}
		if st == string(DUTControllerCCD) {
			val = WatchdogMain
		}
	}
	return s.SetString(ctx, WatchdogAddCtrl, string(val))
}

// WatchdogRemove removes a watchdog from servod. Close adds it back.
func (s *Servo) WatchdogRemove(ctx context.Context, val WatchdogValue) error {
	if val == WatchdogCCD {
		st, err := s.ServoType(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to get servo type")
		}
		if !s.hasCCD {
			logging.Info(ctx, "Skipping watchdog remove CCD, because there is no CCD")
			return nil
		}
		// SuzyQ reports as ccd_cr50 and names its watchdog main.
		if st == string(DUTControllerCCD) {
			val = WatchdogMain
		}
	}
	if err := s.SetString(ctx, WatchdogRemoveCtrl, string(val)); err != nil {
		return err
	}
	s.removedWatchdogs = append(s.removedWatchdogs, val)
	return nil
}

// ServoType returns servo_type and notes whether CCD is present.
func (s *Servo) ServoType(ctx context.Context) (string, error) {
	if s.servoType != "" {
		return s.servoType, nil
	}
	st, err := s.GetString(ctx, TypeCtrl)
	if err != nil {
		return "", err
	}
	hasCCD := strings.Contains(st, string(DUTControllerCCD))
	if !hasCCD {
		ok, err := s.HasControl(ctx, string(CCDState), "")
		if err != nil {
			return "", errors.Wrap(err, "failed to check ccd_state control")
		}
		if ok {
			if hasCCD, err = s.GetOnOff(ctx, CCDState); err != nil {
				return "", errors.Wrap(err, "failed to get ccd_state")
			}
		}
	}
	s.servoType = st
	s.hasCCD = hasCCD
	return st, nil
}

// ServoVersion returns the servo version, e.g. "servo_v4_with_servo_micro".
// If active is true and the servo is dual mode, the version names the
// active device only.
func (s *Servo) ServoVersion(ctx context.Context, active bool) (string, error) {
	if s.version == "" {
		if err := s.rpc.Run(ctx, xmlrpc.NewCall("get_version"), &s.version); err != nil {
			return "", errors.Wrap(err, "get_version")
		}
	}
	v := s.version
	if active && strings.Contains(v, "_and_") {
		dev, err := s.GetString(ctx, ActiveV4DeviceCtrl)
		if err != nil {
			return "", err
		}
		if strings.Contains(v, dev) {
			return "servo_v4_with_" + dev, nil
		}
	}
	return v, nil
}

// IsServoV4 reports whether the servo is a servo v4.
func (s *Servo) IsServoV4(ctx context.Context) (bool, error) {
	v, err := s.ServoVersion(ctx, false)
	if err != nil {
		return false, errors.Wrap(err, "determining servo version")
	}
	return strings.HasPrefix(v, "servo_v4"), nil
}
