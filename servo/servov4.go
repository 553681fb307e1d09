// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package servo

import (
	"context"
	"strconv"
	"strings"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/logging"
	"go.chromium.org/labtest/internal/xmlrpc"
)

// V4Role is the power role of a servo v4.
type V4Role string

// Servo v4 roles.
const (
	V4RoleSnk V4Role = "snk"
	V4RoleSrc V4Role = "src"
)

// minPDChargeMV is the minimum charger voltage for built-in PD control.
const minPDChargeMV = 4400

// MainDevice returns the device controlling the DUT, e.g. "servo_micro"
// for "servo_v4_with_servo_micro_and_ccd_cr50".
func (s *Servo) MainDevice(ctx context.Context) (string, error) {
	v, err := s.ServoVersion(ctx, true)
	if err != nil {
		return "", err
	}
	parts := strings.Split(v, "_with_")
	dev, _, _ := strings.Cut(parts[len(parts)-1], "_and_")
	return dev, nil
}

// MainDeviceIsCCD reports whether the active device is CCD.
func (s *Servo) MainDeviceIsCCD(ctx context.Context) (bool, error) {
	v, err := s.ServoVersion(ctx, true)
	if err != nil {
		return false, err
	}
	return strings.Contains(v, string(DUTControllerCCD)) && !strings.Contains(v, string(DUTControllerServoMicro)), nil
}

// MainDeviceIsFlex reports whether the active device is a flex cable.
func (s *Servo) MainDeviceIsFlex(ctx context.Context) (bool, error) {
	ccd, err := s.MainDeviceIsCCD(ctx)
	return !ccd, err
}

// SetServoV4Role sets the power role of a servo v4. It does nothing for
// other servos or when the role is already set.
func (s *Servo) SetServoV4Role(ctx context.Context, role V4Role) error {
	st, err := s.ServoType(ctx)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(st, "servo_v4") {
		logging.Debugf(ctx, "Not a servo v4, ignoring role %s", role)
		return nil
	}
	cur, err := s.GetString(ctx, ServoV4RoleCtrl)
	if err != nil {
		return err
	}
	if cur == string(role) {
		return nil
	}
	return s.SetString(ctx, ServoV4RoleCtrl, string(role))
}

// SupportsBuiltInPDControl reports whether a type-C servo v4 with a charger
// attached can control PD itself.
func (s *Servo) SupportsBuiltInPDControl(ctx context.Context) (bool, error) {
	if ok, err := s.DTSModeIsValid(ctx); err != nil || !ok {
		return false, err
	}
	v, err := s.Get(ctx, "ppchg5_mv", "")
	if err != nil {
		return false, err
	}
	mv, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return false, errors.Wrapf(err, "bad ppchg5_mv %q", v)
	}
	return mv >= minPDChargeMV, nil
}

// DTSModeIsValid reports whether the servo is a type-C servo v4.
func (s *Servo) DTSModeIsValid(ctx context.Context) (bool, error) {
	st, err := s.ServoType(ctx)
	if err != nil {
		return false, err
	}
	if !strings.Contains(st, "servo_v4") {
		return false, nil
	}
	t, err := s.GetString(ctx, ServoV4TypeCtrl)
	if err != nil {
		return false, err
	}
	return t == "type-c", nil
}

// DTSModeIsSafe reports whether DTS mode can be changed without losing the
// connection to the DUT.
func (s *Servo) DTSModeIsSafe(ctx context.Context) (bool, error) {
	if ok, err := s.DTSModeIsValid(ctx); err != nil || !ok {
		return false, err
	}
	return s.MainDeviceIsFlex(ctx)
}

// DTSMode returns servo_v4_dts_mode.
func (s *Servo) DTSMode(ctx context.Context) (OnOffValue, error) {
	v, err := s.GetString(ctx, DTSModeCtrl)
	return OnOffValue(v), err
}

// SetDTSMode sets servo_v4_dts_mode, removing the CCD watchdog while the
// mode is off.
func (s *Servo) SetDTSMode(ctx context.Context, v OnOffValue) error {
	st, err := s.ServoType(ctx)
	if err != nil {
		return err
	}
	hasWatchdog, err := s.HasControl(ctx, "watchdog", "")
	if err != nil {
		return err
	}
	setWatchdog := hasWatchdog && strings.Contains(st, "ccd")
	if setWatchdog && v == Off {
		if err := s.SetString(ctx, WatchdogRemoveCtrl, string(WatchdogCCD)); err != nil {
			return err
		}
	}
	if err := s.SetString(ctx, DTSModeCtrl, string(v)); err != nil {
		return err
	}
	if setWatchdog && v == On {
		return s.SetString(ctx, WatchdogAddCtrl, string(WatchdogCCD))
	}
	return nil
}

// fwVersion returns the firmware version of a servo device, or "unknown".
func (s *Servo) fwVersion(ctx context.Context, dev string) string {
	prefix := ""
	if dev == string(DUTControllerCCD) {
		dev = "cr50"
		prefix = string(DUTControllerCCD)
	}
	v, err := s.Get(ctx, dev+"_version", prefix)
	if err != nil {
		logging.Debugf(ctx, "Failed to read %s firmware version: %v", dev, err)
		return "unknown"
	}
	return v
}

// ServoFWVersions returns firmware versions of the servo components, keyed
// by tags such as "servo_v4_version.support" and "servo_micro_version.main".
// Servos other than v4 return an empty map.
func (s *Servo) ServoFWVersions(ctx context.Context) (map[string]string, error) {
	st, err := s.ServoType(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	if !strings.HasPrefix(st, "servo_v4") {
		return out, nil
	}
	out["servo_v4_version.support"] = s.fwVersion(ctx, "servo_v4")
	_, rest, ok := strings.Cut(st, "_with_")
	if !ok {
		return out, nil
	}
	devs := strings.Split(rest, "_and_")
	out[devs[0]+"_version.main"] = s.fwVersion(ctx, devs[0])
	if len(devs) == 2 {
		out[devs[1]+"_version.ccd_flex_secondary"] = s.fwVersion(ctx, devs[1])
	}
	return out, nil
}

// BaseBoard returns the detachable base board, or "" if there is none.
func (s *Servo) BaseBoard(ctx context.Context) (string, error) {
	var b string
	err := s.rpc.Run(ctx, xmlrpc.NewCall("get_base_board"), &b)
	var fe xmlrpc.FaultError
	if errors.As(err, &fe) && strings.Contains(fe.Reason, "not supported") {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "get_base_board")
	}
	return b, nil
}
