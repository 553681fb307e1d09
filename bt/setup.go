// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package bt

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/host"
	"go.chromium.org/labtest/internal/logging"
	"go.chromium.org/labtest/internal/sl4a"
)

// LE advertising settings used by GetMACAddress.
const (
	advertiseModeLowLatency = 2
	advertiseTxPowerHigh    = 3
)

// runShell runs cmd on the shell of d. Devices without a shell are skipped.
func runShell(ctx context.Context, d *sl4a.Device, cmd string) (string, error) {
	if d.Shell == nil {
		logging.Debugf(ctx, "%s: No shell; skipping %q", d.Serial, cmd)
		return "", nil
	}
	return host.Output(ctx, d.Shell, cmd)
}

// SetupMultipleDevicesForBTTest prepares devices for a Bluetooth test: it
// factory resets Bluetooth on all of them in parallel, gives each a random
// name, disables BLE background scanning, removes bonds and enables HCI
// snoop logging.
func SetupMultipleDevicesForBTTest(ctx context.Context, devs ...*sl4a.Device) error {
	logging.Info(ctx, "Setting up Android devices")
	for _, d := range devs {
		if _, err := runShell(ctx, d, "setenforce 0"); err != nil {
			return err
		}
	}

	var g errgroup.Group
	for _, d := range devs {
		d := d
		g.Go(func() error { return FactoryResetBluetooth(ctx, d) })
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "something went wrong in multi device setup")
	}

	for _, d := range devs {
		// Instantiates the connection facade.
		if err := d.Call(ctx, nil, "bluetoothStartConnectionStateChangeMonitor", ""); err != nil {
			return err
		}
		var ok bool
		if err := d.Call(ctx, &ok, "bluetoothSetLocalName", GenerateIDBySize(4, "", "", "")); err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("%s: failed to set device name", d.Serial)
		}
		if err := d.Call(ctx, nil, "bluetoothDisableBLE"); err != nil {
			return err
		}
		if _, err := runShell(ctx, d, "settings put secure location_mode 3"); err != nil {
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
	}

	for _, d := range devs {
		if d.Shell == nil {
			continue
		}
		if _, err := runShell(ctx, d, "setprop persist.bluetooth.btsnooplogmode full"); err != nil {
			return err
		}
		if mode, err := runShell(ctx, d, "getprop persist.bluetooth.btsnooplogmode"); err != nil || mode != "full" {
			logging.Warningf(ctx, "%s: Failed to enable Bluetooth HCI snoop logging", d.Serial)
		}
	}
	return nil
}

// Advertisement is a running LE advertisement found by a scanner.
type Advertisement struct {
	// MAC is the address the advertisement was seen from.
	MAC               string
	AdvertiseCallback int
	ScanCallback      int
}

// GetMACAddress starts a generic connectable advertisement on adv and
// scans for it on scan to learn its MAC address. The advertisement and the
// scan are left running.
func GetMACAddress(ctx context.Context, scan, adv *sl4a.Device) (*Advertisement, error) {
	for _, c := range []struct {
		method string
		arg    interface{}
	}{
		{"bleSetAdvertiseDataIncludeDeviceName", true},
		{"bleSetAdvertiseSettingsAdvertiseMode", advertiseModeLowLatency},
		{"bleSetAdvertiseSettingsIsConnectable", true},
		{"bleSetAdvertiseSettingsTxPowerLevel", advertiseTxPowerHigh},
	} {
		if err := adv.Call(ctx, nil, c.method, c.arg); err != nil {
			return nil, err
		}
	}
	var advCB, advData, advSettings int
	for _, c := range []struct {
		method string
		out    *int
	}{
		{"bleGenBleAdvertiseCallback", &advCB},
		{"bleBuildAdvertiseData", &advData},
		{"bleBuildAdvertiseSettings", &advSettings},
	} {
		if err := adv.Call(ctx, c.out, c.method); err != nil {
			return nil, err
		}
	}
	if err := adv.Call(ctx, nil, "bleStartBleAdvertising", advCB, advData, advSettings); err != nil {
		return nil, err
	}
	if _, err := adv.ED.PopEvent(ctx, fmt.Sprintf("BleAdvertise%donSuccess", advCB), DefaultTimeout); err != nil {
		return nil, errors.Wrap(err, "advertiser did not start successfully")
	}

	var filters, settings, scanCB int
	for _, c := range []struct {
		method string
		out    *int
	}{
		{"bleGenFilterList", &filters},
		{"bleBuildScanSetting", &settings},
		{"bleGenScanCallback", &scanCB},
	} {
		if err := scan.Call(ctx, c.out, c.method); err != nil {
			return nil, err
		}
	}
	var name string
	if err := adv.Call(ctx, &name, "bluetoothGetLocalName"); err != nil {
		return nil, err
	}
	if err := scan.Call(ctx, nil, "bleSetScanFilterDeviceName", name); err != nil {
		return nil, err
	}
	if err := scan.Call(ctx, nil, "bleBuildScanFilter", filters); err != nil {
		return nil, err
	}
	if err := scan.Call(ctx, nil, "bleStartBleScan", filters, settings, scanCB); err != nil {
		return nil, err
	}
	ev, err := scan.ED.PopEvent(ctx, fmt.Sprintf("BleScan%donScanResults", scanCB), DefaultTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "scanner did not find advertisement")
	}
	var data struct {
		Result struct {
			DeviceInfo struct {
				Address string `json:"address"`
			} `json:"deviceInfo"`
		} `json:"Result"`
	}
	if err := ev.Decode(&data); err != nil {
		return nil, err
	}
	return &Advertisement{MAC: data.Result.DeviceInfo.Address, AdvertiseCallback: advCB, ScanCallback: scanCB}, nil
}
