// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package faft

import (
	"context"
	"time"

	"go.chromium.org/labtest/servo"
)

// Servo is the part of *servo.Servo used by firmware tests.
type Servo interface {
	Get(ctx context.Context, ctrl, prefix string) (string, error)
	Set(ctx context.Context, ctrl, value, prefix string) error
	SetNoCheck(ctx context.Context, ctrl, value, prefix string) error
	HasControl(ctx context.Context, ctrl, prefix string) (bool, error)

	InitializeDUT(ctx context.Context, coldReset bool) error
	RotateServodLogs(ctx context.Context, filename, dir string) error
	System(ctx context.Context, cmd string) error
	SystemOutput(ctx context.Context, cmd string) (string, error)
	OSVersion(ctx context.Context) (string, error)
	ServodVersion(ctx context.Context) (string, error)
	ServoVersion(ctx context.Context, active bool) (string, error)
	ServoFWVersions(ctx context.Context) (map[string]string, error)

	StartUARTCapture(ctx context.Context)
	DumpUARTs(ctx context.Context, dir string) error
	StopUARTCapture(ctx context.Context)

	USBKeyDirection(ctx context.Context) (servo.USBState, error)
	SwitchUSBKey(ctx context.Context, st servo.USBState) error
	ProbeHostUSBDev(ctx context.Context) (string, error)
	SetServoV4Role(ctx context.Context, role servo.V4Role) error

	ColdReset(ctx context.Context) error
	WarmReset(ctx context.Context) error
	PowerOff(ctx context.Context) error
	PowerOn(ctx context.Context, mode servo.RecMode) error
	PowerKeyFor(ctx context.Context, d time.Duration) error
	PowerShortPress(ctx context.Context) error
	CtrlD(ctx context.Context, press servo.KeyPress) error
	EnterKey(ctx context.Context, press servo.KeyPress) error
}

var _ Servo = (*servo.Servo)(nil)
