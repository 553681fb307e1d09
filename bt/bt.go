// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package bt provides Bluetooth helpers for Android devices driven through
// SL4A.
//
// Helpers take *sl4a.Device values and return an error when the device does
// not reach the requested state. Delays go through the clock of the device.
package bt

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"code.cloudfoundry.org/clock"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/logging"
	"go.chromium.org/labtest/internal/sl4a"
)

// DefaultTimeout is how long helpers wait for a Bluetooth event.
const DefaultTimeout = 15 * time.Second

// Event names posted by the Bluetooth facades.
const (
	EventStateOn                   = "BluetoothStateChangedOn"
	EventStateOff                  = "BluetoothStateChangedOff"
	EventProfileConnectionChanged  = "BluetoothProfileConnectionStateChanged"
	EventPairingRequest            = "BluetoothActionPairingRequest"
	EventPairingRequestUserConfirm = "BluetoothActionPairingRequestUserConfirm"
)

const (
	enabledCheckTimeout  = 5 * time.Second
	enabledCheckInterval = time.Second
	unbondDelay          = time.Second
	resetDelay           = 3 * time.Second
	setNameDelay         = 2 * time.Second

	managerStateTimeout   = 10 * time.Second
	managerStateInterval  = 500 * time.Millisecond
	managerStateThreshold = 5
)

// ScanMode is a Bluetooth adapter scan mode.
type ScanMode int

// Scan modes as reported by bluetoothGetScanMode.
const (
	ScanModeStateOff                ScanMode = -1
	ScanModeNone                    ScanMode = 0
	ScanModeConnectable             ScanMode = 1
	ScanModeConnectableDiscoverable ScanMode = 3
)

// AnyLeState makes WaitForBluetoothManagerState accept any stable state.
const AnyLeState = -1

// BondedDevice is an entry of bluetoothGetBondedDevices.
type BondedDevice struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

func sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	select {
	case <-clk.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CheckState reports whether Bluetooth is on.
func CheckState(ctx context.Context, d *sl4a.Device) (bool, error) {
	var on bool
	if err := d.Call(ctx, &on, "bluetoothCheckState"); err != nil {
		return false, err
	}
	return on, nil
}

// LocalAddress returns the Bluetooth address of d.
func LocalAddress(ctx context.Context, d *sl4a.Device) (string, error) {
	var addr string
	if err := d.Call(ctx, &addr, "bluetoothGetLocalAddress"); err != nil {
		return "", err
	}
	return addr, nil
}

// BondedDevices returns the devices bonded to d.
func BondedDevices(ctx context.Context, d *sl4a.Device) ([]BondedDevice, error) {
	var devs []BondedDevice
	if err := d.Call(ctx, &devs, "bluetoothGetBondedDevices"); err != nil {
		return nil, err
	}
	return devs, nil
}

// turnOn toggles Bluetooth on and waits for the state change event. If the
// event does not arrive, the actual state decides.
func turnOn(ctx context.Context, d *sl4a.Device) error {
	if err := d.Call(ctx, nil, "bluetoothToggleState", true); err != nil {
		return err
	}
	_, err := d.ED.PopEvent(ctx, EventStateOn, DefaultTimeout)
	if err == nil {
		return nil
	}
	if !sl4a.IsTimeout(err) {
		return err
	}
	logging.Infof(ctx, "%s: Failed to toggle Bluetooth on (no broadcast received)", d.Serial)
	on, err := CheckState(ctx, d)
	if err != nil {
		return err
	}
	if !on {
		return errors.Errorf("%s: Bluetooth is still off", d.Serial)
	}
	logging.Infof(ctx, "%s: .. actual state is ON", d.Serial)
	return nil
}

// BluetoothEnabledCheck turns Bluetooth on if needed and waits until the
// adapter reports it is on.
func BluetoothEnabledCheck(ctx context.Context, d *sl4a.Device) error {
	on, err := CheckState(ctx, d)
	if err != nil {
		return err
	}
	if !on {
		if err := turnOn(ctx, d); err != nil {
			return err
		}
	}
	clk := d.Clock()
	deadline := clk.Now().Add(enabledCheckTimeout)
	for {
		on, err := CheckState(ctx, d)
		if err != nil {
			return err
		}
		if on {
			return nil
		}
		if !clk.Now().Before(deadline) {
			return errors.Errorf("%s: Bluetooth did not turn on in %v", d.Serial, enabledCheckTimeout)
		}
		if err := sleep(ctx, clk, enabledCheckInterval); err != nil {
			return err
		}
	}
}

// EnableBluetooth turns Bluetooth on. It does nothing if it is already on.
func EnableBluetooth(ctx context.Context, d *sl4a.Device) error {
	on, err := CheckState(ctx, d)
	if err != nil || on {
		return err
	}
	return turnOn(ctx, d)
}

// DisableBluetooth turns Bluetooth off. It does nothing if it is already off.
func DisableBluetooth(ctx context.Context, d *sl4a.Device) error {
	on, err := CheckState(ctx, d)
	if err != nil || !on {
		return err
	}
	if err := d.Call(ctx, nil, "bluetoothToggleState", false); err != nil {
		return err
	}
	if on, err := CheckState(ctx, d); err != nil {
		return err
	} else if on {
		return errors.Errorf("%s: failed to toggle Bluetooth off", d.Serial)
	}
	return nil
}

// ResetBluetooth turns Bluetooth off and on again on each device.
func ResetBluetooth(ctx context.Context, devs ...*sl4a.Device) error {
	for _, d := range devs {
		logging.Infof(ctx, "%s: Reset state of bluetooth on device", d.Serial)
		on, err := CheckState(ctx, d)
		if err != nil {
			return err
		}
		if on {
			if err := d.Call(ctx, nil, "bluetoothToggleState", false); err != nil {
				return err
			}
			if _, err := d.ED.PopEvent(ctx, EventStateOff, DefaultTimeout); err != nil {
				return errors.Wrapf(err, "%s: failed to toggle Bluetooth off", d.Serial)
			}
		}
		// The stack needs a moment before it can be turned on again.
		if err := sleep(ctx, d.Clock(), resetDelay); err != nil {
			return err
		}
		if err := BluetoothEnabledCheck(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// FactoryResetBluetooth clears the Bluetooth stack of each device and turns
// it back on.
func FactoryResetBluetooth(ctx context.Context, devs ...*sl4a.Device) error {
	for _, d := range devs {
		logging.Infof(ctx, "%s: Factory reset bluetooth on device", d.Serial)
		if err := BluetoothEnabledCheck(ctx, d); err != nil {
			return err
		}
		bonded, err := BondedDevices(ctx, d)
		if err != nil {
			return err
		}
		for _, b := range bonded {
			logging.Infof(ctx, "%s: Removing bond for device %s", d.Serial, b.Address)
			if err := d.Call(ctx, nil, "bluetoothUnbond", b.Address); err != nil {
				return err
			}
		}
		if err := d.Call(ctx, nil, "bluetoothFactoryReset"); err != nil {
			return err
		}
		if err := WaitForBluetoothManagerState(ctx, d, AnyLeState, managerStateTimeout); err != nil {
			logging.Infof(ctx, "%s: %v", d.Serial, err)
		}
		if err := EnableBluetooth(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// ClearBondedDevices unbonds every device bonded to d.
func ClearBondedDevices(ctx context.Context, d *sl4a.Device) error {
	for {
		bonded, err := BondedDevices(ctx, d)
		if err != nil {
			return err
		}
		if len(bonded) == 0 {
			return nil
		}
		addr := bonded[0].Address
		var ok bool
		if err := d.Call(ctx, &ok, "bluetoothUnbond", addr); err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("failed to unbond %s from %s", addr, d.Serial)
		}
		logging.Infof(ctx, "Successfully unbonded %s from %s", addr, d.Serial)
		// A device bonded over LE is listed under its LE and classic
		// addresses, and one unbond removes both.
		if err := sleep(ctx, d.Clock(), unbondDelay); err != nil {
			return err
		}
	}
}

// WaitForBluetoothManagerState polls bluetoothGetLeState until its last few
// values settle. With AnyLeState they must all be equal; otherwise state
// must be among them.
func WaitForBluetoothManagerState(ctx context.Context, d *sl4a.Device, state int, timeout time.Duration) error {
	clk := d.Clock()
	deadline := clk.Now().Add(timeout)
	var states []int
	for clk.Now().Before(deadline) {
		var s int
		if err := d.Call(ctx, &s, "bluetoothGetLeState"); err != nil {
			return err
		}
		states = append(states, s)
		if len(states) >= managerStateThreshold {
			last := states[len(states)-managerStateThreshold:]
			if state == AnyLeState && allEqual(last) {
				logging.Infof(ctx, "%s: State normalized %d", d.Serial, s)
				return nil
			}
			if state != AnyLeState && contains(last, state) {
				return nil
			}
		}
		if err := sleep(ctx, clk, managerStateInterval); err != nil {
			return err
		}
	}
	if state == AnyLeState {
		return errors.Errorf("%s: Bluetooth state fails to normalize", d.Serial)
	}
	var cur int
	if err := d.Call(ctx, &cur, "bluetoothGetLeState"); err != nil {
		return err
	}
	return errors.Errorf("%s: failed to match Bluetooth state; current state %d, expected state %d", d.Serial, cur, state)
}

func allEqual(xs []int) bool {
	for _, x := range xs {
		if x != xs[0] {
			return false
		}
	}
	return true
}

func contains(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// SetBTScanMode sets the scan mode of d and verifies it.
func SetBTScanMode(ctx context.Context, d *sl4a.Device, mode ScanMode) error {
	var calls []string
	switch mode {
	case ScanModeStateOff:
		if err := DisableBluetooth(ctx, d); err != nil {
			logging.Infof(ctx, "%s: %v", d.Serial, err)
		}
		got, err := scanMode(ctx, d)
		if err != nil {
			return err
		}
		if err := ResetBluetooth(ctx, d); err != nil {
			return err
		}
		return checkScanMode(d, got, mode)
	case ScanModeNone:
		calls = []string{"bluetoothMakeUndiscoverable"}
	case ScanModeConnectable:
		calls = []string{"bluetoothMakeUndiscoverable", "bluetoothMakeConnectable"}
	case ScanModeConnectableDiscoverable:
		calls = []string{"bluetoothMakeDiscoverable"}
	default:
		return errors.Errorf("invalid scan mode %d", mode)
	}
	for _, m := range calls {
		if err := d.Call(ctx, nil, m); err != nil {
			return err
		}
	}
	got, err := scanMode(ctx, d)
	if err != nil {
		return err
	}
	return checkScanMode(d, got, mode)
}

func scanMode(ctx context.Context, d *sl4a.Device) (ScanMode, error) {
	var m ScanMode
	if err := d.Call(ctx, &m, "bluetoothGetScanMode"); err != nil {
		return 0, err
	}
	return m, nil
}

func checkScanMode(d *sl4a.Device, got, want ScanMode) error {
	if got != want {
		return errors.Errorf("%s: scan mode is %d; want %d", d.Serial, got, want)
	}
	return nil
}

// SetDeviceName sets the Bluetooth local name of d and verifies it.
func SetDeviceName(ctx context.Context, d *sl4a.Device, name string) error {
	if err := d.Call(ctx, nil, "bluetoothSetLocalName", name); err != nil {
		return err
	}
	if err := sleep(ctx, d.Clock(), setNameDelay); err != nil {
		return err
	}
	var got string
	if err := d.Call(ctx, &got, "bluetoothGetLocalName"); err != nil {
		return err
	}
	if got != name {
		return errors.Errorf("%s: local name is %q; want %q", d.Serial, got, name)
	}
	return nil
}

// DefaultIDChars are the characters GenerateIDBySize uses by default.
const DefaultIDChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateIDBySize returns prefix, size random characters from chars and
// postfix. An empty chars means DefaultIDChars.
func GenerateIDBySize(size int, chars, prefix, postfix string) string {
	if chars == "" {
		chars = DefaultIDChars
	}
	var sb strings.Builder
	sb.WriteString(prefix)
	for i := 0; i < size; i++ {
		sb.WriteByte(chars[rand.Intn(len(chars))])
	}
	sb.WriteString(postfix)
	return sb.String()
}
