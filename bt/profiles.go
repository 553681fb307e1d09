// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package bt

import (
	"context"
	"time"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/logging"
	"go.chromium.org/labtest/internal/sl4a"
)

// Profile is a Bluetooth profile ID as used by BluetoothProfile.
type Profile int

// Profiles known to the connection helpers.
const (
	ProfileHeadset         Profile = 1
	ProfileA2DP            Profile = 2
	ProfileHealth          Profile = 3
	ProfileInputDevice     Profile = 4
	ProfilePAN             Profile = 5
	ProfilePBAPServer      Profile = 6
	ProfileGATT            Profile = 7
	ProfileGATTServer      Profile = 8
	ProfileMAP             Profile = 9
	ProfileSAP             Profile = 10
	ProfileA2DPSink        Profile = 11
	ProfileAVRCPController Profile = 12
	ProfileHeadsetClient   Profile = 16
	ProfilePBAPClient      Profile = 17
	ProfileMAPMCE          Profile = 18
)

var knownProfiles = map[Profile]string{
	ProfileHeadset:         "headset",
	ProfileA2DP:            "a2dp",
	ProfileHealth:          "health",
	ProfileInputDevice:     "input_device",
	ProfilePAN:             "pan",
	ProfilePBAPServer:      "pbap_server",
	ProfileGATT:            "gatt",
	ProfileGATTServer:      "gatt_server",
	ProfileMAP:             "map",
	ProfileSAP:             "sap",
	ProfileA2DPSink:        "a2dp_sink",
	ProfileAVRCPController: "avrcp_controller",
	ProfileHeadsetClient:   "headset_client",
	ProfilePBAPClient:      "pbap_client",
	ProfileMAPMCE:          "map_mce",
}

func (p Profile) String() string {
	if s, ok := knownProfiles[p]; ok {
		return s
	}
	return "unknown"
}

// Profile connection states.
const (
	StateDisconnected  = 0
	StateConnecting    = 1
	StateConnected     = 2
	StateDisconnecting = 3
)

// connectedDevicesMethods lists the profiles whose connections can be
// queried directly.
var connectedDevicesMethods = map[Profile]string{
	ProfileHeadsetClient: "bluetoothHfpClientGetConnectedDevices",
	ProfileA2DP:          "bluetoothA2dpGetConnectedDevices",
	ProfileA2DPSink:      "bluetoothA2dpSinkGetConnectedDevices",
	ProfileMAPMCE:        "bluetoothMapClientGetConnectedDevices",
	ProfileMAP:           "bluetoothMapGetConnectedDevices",
}

const (
	sdpDelay            = 2 * time.Second
	profilePollTimeout  = 10 * time.Second
	profilePollInterval = 100 * time.Millisecond
	profileEventTimeout = DefaultTimeout + 10*time.Second
)

// ProfileStateEvent is the data of EventProfileConnectionChanged.
type ProfileStateEvent struct {
	Profile Profile `json:"profile"`
	State   int     `json:"state"`
	Addr    string  `json:"addr"`
}

func checkProfiles(profiles []Profile) error {
	for _, p := range profiles {
		if _, ok := knownProfiles[p]; !ok {
			return errors.Errorf("profile %d is not supported", int(p))
		}
	}
	return nil
}

// IsProfileConnected reports whether d is connected to addr over p. Only
// profiles with a connected devices query are supported.
func IsProfileConnected(ctx context.Context, d *sl4a.Device, p Profile, addr string) (bool, error) {
	method, ok := connectedDevicesMethods[p]
	if !ok {
		return false, errors.Errorf("connections of %v cannot be queried", p)
	}
	var devs []BondedDevice
	if err := d.Call(ctx, &devs, method); err != nil {
		return false, err
	}
	logging.Debugf(ctx, "%s: Connected %v devices: %v", d.Serial, p, devs)
	for _, dev := range devs {
		if dev.Address == addr {
			return true, nil
		}
	}
	return false, nil
}

// ConnectPriToSec connects the bonded devices pri and sec over profiles,
// trying up to attempts times.
func ConnectPriToSec(ctx context.Context, pri, sec *sl4a.Device, profiles []Profile, attempts int) error {
	// Give SDP records time to be updated.
	if err := sleep(ctx, pri.Clock(), sdpDelay); err != nil {
		return err
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		logging.Infof(ctx, "Connecting %s to %s: attempt %d of %d", pri.Serial, sec.Serial, i+1, attempts)
		lastErr = connectPriToSec(ctx, pri, sec, profiles)
		if lastErr == nil {
			return nil
		}
		logging.Infof(ctx, "Connection attempt failed: %v", lastErr)
	}
	if lastErr == nil {
		return errors.Errorf("no connection attempted (attempts=%d)", attempts)
	}
	return errors.Wrapf(lastErr, "failed to connect after %d attempts", attempts)
}

func connectPriToSec(ctx context.Context, pri, sec *sl4a.Device, profiles []Profile) error {
	if err := checkProfiles(profiles); err != nil {
		return err
	}
	secAddr, err := LocalAddress(ctx, sec)
	if err != nil {
		return err
	}
	bonded, err := BondedDevices(ctx, pri)
	if err != nil {
		return err
	}
	paired := false
	for _, b := range bonded {
		if b.Address == secAddr {
			paired = true
			break
		}
	}
	if !paired {
		return errors.Errorf("%s is not paired to %s", pri.Serial, sec.Serial)
	}

	if err := pri.Call(ctx, nil, "bluetoothConnectBonded", secAddr); err != nil {
		return err
	}
	logging.Infof(ctx, "%s: Profiles to be connected %v", pri.Serial, profiles)

	connected := make(map[Profile]bool)
	done := func() bool {
		for _, p := range profiles {
			if !connected[p] {
				return false
			}
		}
		return true
	}

	// Query the profiles first.
	clk := pri.Clock()
	deadline := clk.Now().Add(profilePollTimeout)
	for clk.Now().Before(deadline) && !done() {
		for _, p := range profiles {
			if _, ok := connectedDevicesMethods[p]; !ok || connected[p] {
				continue
			}
			ok, err := IsProfileConnected(ctx, pri, p, secAddr)
			if err != nil {
				return err
			}
			connected[p] = ok
		}
		if err := sleep(ctx, clk, profilePollInterval); err != nil {
			return err
		}
	}

	// Fall back to connection state broadcasts.
	for !done() {
		ev, err := pri.ED.PopEvent(ctx, EventProfileConnectionChanged, profileEventTimeout)
		if err != nil {
			return errors.Wrapf(err, "profiles connected so far %v", connected)
		}
		var data ProfileStateEvent
		if err := ev.Decode(&data); err != nil {
			return err
		}
		logging.Infof(ctx, "%s: Got event %+v", pri.Serial, data)
		if data.State == StateConnected && data.Addr == secAddr {
			connected[data.Profile] = true
		}
	}
	return nil
}

// DisconnectPriFromSec disconnects pri from sec on profiles and waits for
// the disconnection broadcasts.
func DisconnectPriFromSec(ctx context.Context, pri, sec *sl4a.Device, profiles []Profile) error {
	if err := checkProfiles(profiles); err != nil {
		return err
	}
	secAddr, err := LocalAddress(ctx, sec)
	if err != nil {
		return err
	}
	// Disconnecting a disconnected profile is a no-op.
	if err := pri.Call(ctx, nil, "bluetoothDisconnectConnectedProfile", secAddr, profiles); err != nil {
		return errors.Wrapf(err, "failed to disconnect profiles %v", profiles)
	}
	logging.Infof(ctx, "%s: Disconnecting from profiles %v", pri.Serial, profiles)

	disconnected := make(map[Profile]bool)
	for {
		done := true
		for _, p := range profiles {
			if !disconnected[p] {
				done = false
			}
		}
		if done {
			return nil
		}
		ev, err := pri.ED.PopEvent(ctx, EventProfileConnectionChanged, DefaultTimeout)
		if err != nil {
			return errors.Wrap(err, "did not disconnect from profiles")
		}
		var data ProfileStateEvent
		if err := ev.Decode(&data); err != nil {
			return err
		}
		if data.State == StateDisconnected && data.Addr == secAddr {
			disconnected[data.Profile] = true
		}
		logging.Infof(ctx, "%s: Profiles disconnected so far %v", pri.Serial, disconnected)
	}
}

// CheckDeviceSupportedProfiles returns which profiles are ready on d, keyed
// by profile name.
func CheckDeviceSupportedProfiles(ctx context.Context, d *sl4a.Device) (map[string]bool, error) {
	methods := []struct{ name, method string }{
		{"hid", "bluetoothHidIsReady"},
		{"hsp", "bluetoothHspIsReady"},
		{"a2dp", "bluetoothA2dpIsReady"},
		{"avrcp", "bluetoothAvrcpIsReady"},
		{"a2dp_sink", "bluetoothA2dpSinkIsReady"},
		{"hfp_client", "bluetoothHfpClientIsReady"},
		{"pbap_client", "bluetoothPbapClientIsReady"},
	}
	ready := make(map[string]bool)
	for _, m := range methods {
		var ok bool
		if err := d.Call(ctx, &ok, m.method); err != nil {
			return nil, err
		}
		ready[m.name] = ok
	}
	return ready, nil
}
