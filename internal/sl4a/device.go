// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sl4a

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"code.cloudfoundry.org/clock"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/host"
	"go.chromium.org/labtest/internal/logging"
)

// DevicePort is the port SL4A serves on inside the device.
const DevicePort = 8080

const launchCmd = "am start -a com.googlecode.android_scripting.action.LAUNCH_SERVER" +
	" --ei com.googlecode.android_scripting.extra.USE_SERVICE_PORT %d" +
	" com.googlecode.android_scripting/.activity.ScriptingLayerServiceLauncher"

// Device is an Android device controlled through SL4A.
type Device struct {
	Serial string
	// Droid calls facade methods.
	Droid *Client
	// ED receives events of the session of Droid.
	ED *EventDispatcher
	// Shell runs commands on the device. It may be nil.
	Shell host.Runner

	clk clock.Clock
}

// NewDevice binds an already connected session to serial. The dispatcher
// polls a second connection forked from droid.
func NewDevice(ctx context.Context, serial string, droid *Client, shell host.Runner, clk clock.Clock) (*Device, error) {
	edc, err := droid.Fork(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: failed to open event connection", serial)
	}
	return &Device{
		Serial: serial,
		Droid:  droid,
		ED:     NewEventDispatcher(ctx, edc, clk),
		Shell:  shell,
		clk:    clk,
	}, nil
}

// StartDevice launches SL4A on the adb device serial, forwards its port to
// the host and connects to it.
func StartDevice(ctx context.Context, serial string, clk clock.Clock) (*Device, error) {
	adb, err := host.NewADB(ctx, serial)
	if err != nil {
		return nil, err
	}
	if _, err := adb.Run(ctx, fmt.Sprintf(launchCmd, DevicePort)); err != nil {
		return nil, errors.Wrapf(err, "%s: failed to launch SL4A", serial)
	}
	port, err := freePort()
	if err != nil {
		return nil, err
	}
	if err := adb.Forward(port, DevicePort); err != nil {
		return nil, err
	}
	addr := net.JoinHostPort("localhost", strconv.Itoa(port))
	logging.Infof(ctx, "%s: SL4A forwarded to %s", serial, addr)

	droid, err := Dial(ctx, addr, WithClock(clk))
	if err != nil {
		return nil, err
	}
	d, err := NewDevice(ctx, serial, droid, adb, clk)
	if err != nil {
		droid.Close()
		return nil, err
	}
	return d, nil
}

// freePort returns a local TCP port that was free a moment ago.
func freePort() (int, error) {
	ls, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	defer ls.Close()
	return ls.Addr().(*net.TCPAddr).Port, nil
}

// Clock returns the clock helpers use for delays on this device.
func (d *Device) Clock() clock.Clock { return d.clk }

// Call is a shorthand for d.Droid.Call.
func (d *Device) Call(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	return d.Droid.Call(ctx, out, method, params...)
}

// Close stops the event dispatcher and closes both connections.
func (d *Device) Close() error {
	err := d.ED.Close()
	if cerr := d.Droid.Close(); err == nil {
		err = cerr
	}
	return err
}
