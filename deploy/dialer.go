// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package deploy

import (
	"context"
	"strings"
	"time"

	"go.chromium.org/labtest/host"
	"go.chromium.org/labtest/servo"
)

const dutConnectTimeout = 20 * time.Second

// Servo is the part of *servo.Servo an install needs.
type Servo interface {
	InitializeDUT(ctx context.Context, coldReset bool) error
	ProgramBIOS(ctx context.Context, image string) error
	ProgramEC(ctx context.Context, image string) error
	ImageToServoUSB(ctx context.Context, image string, nonInteractive bool) error
	BootInRecoveryMode(ctx context.Context) error
	SwitchUSBKey(ctx context.Context, st servo.USBState) error
	ColdReset(ctx context.Context) error
	Close(ctx context.Context) error
}

var _ Servo = (*servo.Servo)(nil)

// Dialer opens connections to a host's servo and DUT.
type Dialer interface {
	DialServo(ctx context.Context, h Host) (Servo, error)
	// DialDUT connects to the DUT. It fails while the DUT is down.
	DialDUT(ctx context.Context, h Host) (host.Runner, error)
}

// NetDialer reaches servos through servo.Proxy and DUTs over SSH, or ADB
// for "adb:<serial>" hostnames.
type NetDialer struct {
	KeyFile string
	KeyDir  string
}

var _ Dialer = NetDialer{}

type proxyServo struct {
	*servo.Servo
	pxy *servo.Proxy
}

func (p proxyServo) Close(ctx context.Context) error {
	p.pxy.Close(ctx)
	return nil
}

// DialServo implements Dialer.
func (d NetDialer) DialServo(ctx context.Context, h Host) (Servo, error) {
	pxy, err := servo.NewProxy(ctx, h.Servo, d.KeyFile, d.KeyDir)
	if err != nil {
		return nil, err
	}
	return proxyServo{pxy.Servo(), pxy}, nil
}

// DialDUT implements Dialer.
func (d NetDialer) DialDUT(ctx context.Context, h Host) (host.Runner, error) {
	if serial, ok := strings.CutPrefix(h.Hostname, "adb:"); ok {
		adb, err := host.NewADB(ctx, serial)
		if err != nil {
			return nil, err
		}
		return adb, nil
	}
	o := &host.SSHOptions{KeyFile: d.KeyFile, KeyDir: d.KeyDir, ConnectTimeout: dutConnectTimeout}
	if err := host.ParseTarget(h.Hostname, o); err != nil {
		return nil, err
	}
	conn, err := host.NewSSH(ctx, o)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
