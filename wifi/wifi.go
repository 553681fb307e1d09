// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package wifi provides Wi-Fi helpers for Android devices driven through
// SL4A.
//
// Helpers report failed checks as runner failure signals, so a test can
// return them as is. Try turns such a failure into a boolean for callers
// that want to carry on.
package wifi

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"code.cloudfoundry.org/clock"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/host"
	"go.chromium.org/labtest/internal/logging"
	"go.chromium.org/labtest/internal/sl4a"
	"go.chromium.org/labtest/runner"
)

// Keys of Network.
const (
	KeySSID     = "SSID"
	KeyBSSID    = "BSSID"
	KeyNetID    = "network_id"
	KeyPassword = "password"
	KeyHidden   = "hiddenSSID"
)

// Event names posted by the Wi-Fi facades.
const (
	EventStateChanged          = "WifiStateChanged"
	EventConnected             = "WifiNetworkConnected"
	EventDisconnected          = "WifiNetworkDisconnected"
	EventForgetSuccess         = "WifiManagerForgetNetworkOnSuccess"
	EventConnectByConfigOK     = "WifiManagerConnectByConfigOnSuccess"
	EventScanResultsAvailable  = "WifiManagerScanResultsAvailable"
	EventScanFailure           = "WifiManagerScanFailure"
	scanOutcomePattern         = `^WifiManagerScan(ResultsAvailable|Failure)$`
	defaultPingAddr            = "https://www.google.com/robots.txt"
	connectivityCheckAttempts  = 15
	connectivityCheckInterval  = time.Second
	defaultScanTries           = 3
	defaultConnectTries        = 3
	disconnectDefaultTimeout   = 10 * time.Second
	noDisconnectDefaultTimeout = 10 * time.Second
)

const (
	shortTimeout   = 30 * time.Second
	scanTimeout    = 60 * time.Second
	connectTimeout = 30 * time.Second
	toggleDelay    = 2 * time.Second
)

var scanOutcomeRE = regexp.MustCompile(scanOutcomePattern)

// Network describes a Wi-Fi network as a set of facade keys, e.g.
// {"SSID": "guest", "password": "secret"}.
type Network map[string]interface{}

// SSID returns the SSID of n, or an empty string.
func (n Network) SSID() string {
	s, _ := n[KeySSID].(string)
	return s
}

// ConnectionInfo is the data of EventConnected.
type ConnectionInfo struct {
	SSID      string `json:"SSID"`
	BSSID     string `json:"BSSID"`
	NetworkID int    `json:"network_id"`
}

// Try reports whether err is nil. A failure signal is turned into false;
// any other error is returned.
func Try(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if _, ok := runner.AsSignal(err); ok {
		return false, nil
	}
	return false, err
}

func sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	select {
	case <-clk.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MatchNetworks returns the networks containing every key-value pair of
// target. Values are compared by their printed form, so that numbers
// decoded from JSON match integers.
func MatchNetworks(target Network, networks []Network) ([]Network, error) {
	if len(target) == 0 {
		return nil, runner.Fail("Expected networks object 'target' is empty")
	}
	var matched []Network
	for _, n := range networks {
		ok := true
		for k, v := range target {
			got, found := n[k]
			if !found || fmt.Sprint(got) != fmt.Sprint(v) {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, n)
		}
	}
	return matched, nil
}

// AssertNetworkInList fails unless target matches a network of networks.
func AssertNetworkInList(target Network, networks []Network) error {
	matched, err := MatchNetworks(target, networks)
	if err != nil {
		return err
	}
	return runner.AssertTrue(len(matched) > 0, fmt.Sprintf("Target network %v does not exist in network list %v", target, networks))
}

// CheckState reports whether Wi-Fi is on.
func CheckState(ctx context.Context, d *sl4a.Device) (bool, error) {
	var on bool
	if err := d.Call(ctx, &on, "wifiCheckState"); err != nil {
		return false, err
	}
	return on, nil
}

// trackStateChanges makes the device post state change events until the
// returned function is called.
func trackStateChanges(ctx context.Context, d *sl4a.Device) (stop func(), err error) {
	if err := d.Call(ctx, nil, "wifiStartTrackingStateChange"); err != nil {
		return nil, err
	}
	return func() {
		if err := d.Call(ctx, nil, "wifiStopTrackingStateChange"); err != nil {
			logging.Infof(ctx, "%s: Failed to stop tracking state changes: %v", d.Serial, err)
		}
	}, nil
}

// waitStateEvent waits for a state change to state. Without the event the
// current state decides.
func waitStateEvent(ctx context.Context, d *sl4a.Device, state bool, msg string) error {
	_, err := d.ED.WaitForEvent(ctx, EventStateChanged, func(ev *sl4a.Event) bool {
		var data struct {
			Enabled bool `json:"enabled"`
		}
		return ev.Decode(&data) == nil && data.Enabled == state
	}, shortTimeout)
	if err == nil {
		return nil
	}
	if !sl4a.IsTimeout(err) {
		return err
	}
	on, err := CheckState(ctx, d)
	if err != nil {
		return err
	}
	return runner.AssertEqual(on, state, msg)
}

// WaitForWifiState waits for Wi-Fi to become on or off.
func WaitForWifiState(ctx context.Context, d *sl4a.Device, state bool) error {
	on, err := CheckState(ctx, d)
	if err != nil || on == state {
		return err
	}
	stop, err := trackStateChanges(ctx, d)
	if err != nil {
		return err
	}
	defer stop()
	return waitStateEvent(ctx, d, state, fmt.Sprintf("Device did not transition to Wi-Fi state to %v on %s.", state, d.Serial))
}

// ToggleState sets Wi-Fi to *state, or flips it if state is nil.
func ToggleState(ctx context.Context, d *sl4a.Device, state *bool) error {
	on, err := CheckState(ctx, d)
	if err != nil {
		return err
	}
	want := !on
	if state != nil {
		if *state == on {
			return nil
		}
		want = *state
	}
	stop, err := trackStateChanges(ctx, d)
	if err != nil {
		return err
	}
	defer stop()

	logging.Infof(ctx, "%s: Setting Wi-Fi state to %v", d.Serial, want)
	d.ED.ClearAllEvents()
	if err := d.Call(ctx, nil, "wifiToggleState", want); err != nil {
		return err
	}
	if err := sleep(ctx, d.Clock(), toggleDelay); err != nil {
		return err
	}
	return waitStateEvent(ctx, d, want, fmt.Sprintf("Failed to set Wi-Fi state to %v on %s.", want, d.Serial))
}

// ConfiguredNetworks returns the networks saved on d.
func ConfiguredNetworks(ctx context.Context, d *sl4a.Device) ([]Network, error) {
	var ns []Network
	if err := d.Call(ctx, &ns, "wifiGetConfiguredNetworks"); err != nil {
		return nil, err
	}
	return ns, nil
}

func forget(ctx context.Context, d *sl4a.Device, n Network) error {
	if err := d.Call(ctx, nil, "wifiForgetNetwork", n["networkId"]); err != nil {
		return err
	}
	_, err := d.ED.PopEvent(ctx, EventForgetSuccess, shortTimeout)
	return err
}

// Reset forgets every network saved on d.
func Reset(ctx context.Context, d *sl4a.Device) error {
	networks, err := ConfiguredNetworks(ctx, d)
	if err != nil || len(networks) == 0 {
		return err
	}
	for _, n := range networks {
		if err := forget(ctx, d, n); err != nil {
			if !sl4a.IsTimeout(err) {
				return err
			}
			logging.Warningf(ctx, "%s: Could not confirm the removal of network %v", d.Serial, n)
		}
	}
	left, err := ConfiguredNetworks(ctx, d)
	if err != nil {
		return err
	}
	return runner.AssertTrue(len(left) == 0, fmt.Sprintf("Failed to remove these configured Wi-Fi networks: %v", networks))
}

// ForgetNetwork forgets the saved networks whose SSID contains ssid.
func ForgetNetwork(ctx context.Context, d *sl4a.Device, ssid string) error {
	networks, err := ConfiguredNetworks(ctx, d)
	if err != nil {
		return err
	}
	for _, n := range networks {
		if !strings.Contains(n.SSID(), ssid) {
			continue
		}
		if err := forget(ctx, d, n); err != nil {
			if sl4a.IsTimeout(err) {
				return runner.Failf("Failed to remove network %v.", n)
			}
			return err
		}
	}
	return nil
}

// StartConnectionScan starts a scan and waits for its results.
func StartConnectionScan(ctx context.Context, d *sl4a.Device) error {
	d.ED.ClearAllEvents()
	if err := d.Call(ctx, nil, "wifiStartScan"); err != nil {
		return err
	}
	if _, err := d.ED.PopEvent(ctx, EventScanResultsAvailable, scanTimeout); err != nil {
		if sl4a.IsTimeout(err) {
			return runner.Failf("Wi-Fi results did not become available within %v.", scanTimeout)
		}
		return err
	}
	return nil
}

// StartConnectionScanAndReturnStatus starts a scan and reports whether it
// produced results rather than a scan failure.
func StartConnectionScanAndReturnStatus(ctx context.Context, d *sl4a.Device) (bool, error) {
	d.ED.ClearAllEvents()
	if err := d.Call(ctx, nil, "wifiStartScan"); err != nil {
		return false, err
	}
	evs, err := d.ED.PopEvents(ctx, scanOutcomeRE, scanTimeout)
	if err != nil {
		if sl4a.IsTimeout(err) {
			return false, runner.Failf("Wi-Fi scan results/failure did not become available within %v.", scanTimeout)
		}
		return false, err
	}
	for _, ev := range evs {
		switch ev.Name {
		case EventScanResultsAvailable:
			return true, nil
		case EventScanFailure:
			logging.Debugf(ctx, "%s: Scan failure received", d.Serial)
		}
	}
	return false, nil
}

// ScanResults returns the results of the last scan.
func ScanResults(ctx context.Context, d *sl4a.Device) ([]Network, error) {
	var ns []Network
	if err := d.Call(ctx, &ns, "wifiGetScanResults"); err != nil {
		return nil, err
	}
	return ns, nil
}

// ScanAndCheckForNetwork scans up to maxTries times and reports whether
// ssid was seen.
func ScanAndCheckForNetwork(ctx context.Context, d *sl4a.Device, ssid string, maxTries int) (bool, error) {
	for i := 0; i < maxTries; i++ {
		ok, err := StartConnectionScanAndReturnStatus(ctx, d)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		results, err := ScanResults(ctx, d)
		if err != nil {
			return false, err
		}
		matched, err := MatchNetworks(Network{KeySSID: ssid}, results)
		if err != nil {
			return false, err
		}
		if len(matched) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// EnsureNetworkFound fails unless ssid shows up in up to maxTries scans.
func EnsureNetworkFound(ctx context.Context, d *sl4a.Device, ssid string, maxTries int) error {
	logging.Infof(ctx, "%s: Starting scans to ensure %s is present", d.Serial, ssid)
	found, err := ScanAndCheckForNetwork(ctx, d, ssid, maxTries)
	if err != nil {
		return err
	}
	return runner.AssertTrue(found, fmt.Sprintf("Failed to find %s in scan results after %d tries", ssid, maxTries))
}

// EnsureNetworkNotFound fails if ssid shows up in any of maxTries scans.
func EnsureNetworkNotFound(ctx context.Context, d *sl4a.Device, ssid string, maxTries int) error {
	logging.Infof(ctx, "%s: Starting scans to ensure %s is not present", d.Serial, ssid)
	found, err := ScanAndCheckForNetwork(ctx, d, ssid, maxTries)
	if err != nil {
		return err
	}
	return runner.AssertFalse(found, fmt.Sprintf("Found %s in scan results after %d tries", ssid, maxTries))
}

// waitForConnectEvent pops up to tries connection events. With ssid or id
// set it stops at the first matching event; otherwise at the first event.
// It returns the last event popped, or nil if there was none.
func waitForConnectEvent(ctx context.Context, d *sl4a.Device, ssid string, id, tries int) (*ConnectionInfo, error) {
	var last *ConnectionInfo
	for i := 0; i < tries; i++ {
		ev, err := d.ED.PopEvent(ctx, EventConnected, connectTimeout)
		if err != nil {
			if sl4a.IsTimeout(err) {
				continue
			}
			return nil, err
		}
		var info ConnectionInfo
		if err := ev.Decode(&info); err != nil {
			return nil, err
		}
		last = &info
		if ssid == "" && id == 0 {
			break
		}
		if (id != 0 && info.NetworkID == id) || (ssid != "" && info.SSID == ssid) {
			break
		}
	}
	return last, nil
}

// WaitForConnect waits for a connection event. A non-empty ssid and a
// non-zero id are checked against it.
func WaitForConnect(ctx context.Context, d *sl4a.Device, ssid string, id, tries int) error {
	stop, err := trackStateChanges(ctx, d)
	if err != nil {
		return err
	}
	defer stop()

	info, err := waitForConnectEvent(ctx, d, ssid, id, tries)
	if err != nil {
		logging.Infof(ctx, "%s: Failed to connect to %s: %v", d.Serial, ssid, err)
		return runner.Failf("Failed to connect to %s network", ssid)
	}
	if info == nil {
		return runner.Failf("Failed to connect to Wi-Fi network %s", ssid)
	}
	if ssid != "" {
		if err := runner.AssertEqual(info.SSID, ssid, "Connected to the wrong network"); err != nil {
			return err
		}
	}
	if id != 0 {
		if err := runner.AssertEqual(info.NetworkID, id, "Connected to the wrong network"); err != nil {
			return err
		}
	}
	logging.Infof(ctx, "%s: Connected to Wi-Fi network %s", d.Serial, info.SSID)
	return nil
}

// WaitForDisconnect fails unless d disconnects within timeout.
func WaitForDisconnect(ctx context.Context, d *sl4a.Device, timeout time.Duration) error {
	stop, err := trackStateChanges(ctx, d)
	if err != nil {
		return err
	}
	defer stop()
	if _, err := d.ED.PopEvent(ctx, EventDisconnected, timeout); err != nil {
		if sl4a.IsTimeout(err) {
			return runner.Fail("Device did not disconnect from the network")
		}
		return err
	}
	return nil
}

// EnsureNoDisconnect fails if d disconnects within duration.
func EnsureNoDisconnect(ctx context.Context, d *sl4a.Device, duration time.Duration) error {
	stop, err := trackStateChanges(ctx, d)
	if err != nil {
		return err
	}
	defer stop()
	_, err = d.ED.PopEvent(ctx, EventDisconnected, duration)
	if err == nil {
		return runner.Fail("Device disconnected from the network")
	}
	if sl4a.IsTimeout(err) {
		return nil
	}
	return err
}

// ValidateConnection waits for the network to come up and pings pingAddr
// over HTTP. If that fails, the default gateway is pinged from the shell.
func ValidateConnection(ctx context.Context, d *sl4a.Device, pingAddr string) (bool, error) {
	if pingAddr == "" {
		pingAddr = defaultPingAddr
	}
	// Give DHCP time to complete.
	for i := 0; i < connectivityCheckAttempts; i++ {
		var up bool
		if err := d.Call(ctx, &up, "connectivityNetworkIsConnected"); err != nil {
			return false, err
		}
		if up {
			break
		}
		if err := sleep(ctx, d.Clock(), connectivityCheckInterval); err != nil {
			return false, err
		}
	}

	var ok bool
	if err := d.Call(ctx, &ok, "httpPing", pingAddr); err != nil {
		logging.Infof(ctx, "%s: Http ping failed: %v", d.Serial, err)
		ok = false
	}
	logging.Infof(ctx, "%s: Http ping result: %v", d.Serial, ok)
	if ok || d.Shell == nil {
		return ok, nil
	}

	logging.Infof(ctx, "%s: Pinging default gateway", d.Serial)
	var gw string
	if err := d.Call(ctx, &gw, "connectivityGetIPv4DefaultGateway"); err != nil {
		return false, err
	}
	out, err := d.Shell.Run(ctx, "ping -c 6 "+gw)
	if err != nil {
		if _, ok := host.ExitStatus(err); !ok {
			return false, err
		}
	}
	logging.Infof(ctx, "%s: Default gateway ping result: %s", d.Serial, out)
	return !strings.Contains(string(out), "100% packet loss"), nil
}

// Connect connects d to network and waits until it is connected to the
// network's SSID, waiting for up to tries connection events. With
// checkConnectivity the Internet must be reachable too.
func Connect(ctx context.Context, d *sl4a.Device, network Network, tries int, checkConnectivity bool) error {
	ssid, ok := network[KeySSID].(string)
	if !ok {
		return runner.Failf("Key '%s' must be present in network definition.", KeySSID)
	}
	stop, err := trackStateChanges(ctx, d)
	if err != nil {
		return err
	}
	defer stop()

	if err := connect(ctx, d, network, ssid, tries, checkConnectivity); err != nil {
		if _, ok := runner.AsSignal(err); ok {
			return err
		}
		logging.Infof(ctx, "%s: Failed to connect to %s: %v", d.Serial, ssid, err)
		return runner.Failf("Failed to connect to %v network", network)
	}
	return nil
}

func connect(ctx context.Context, d *sl4a.Device, network Network, ssid string, tries int, checkConnectivity bool) error {
	if err := d.Call(ctx, nil, "wifiConnectByConfig", network); err != nil {
		return err
	}
	logging.Infof(ctx, "%s: Starting connection process to %s", d.Serial, ssid)
	if _, err := d.ED.PopEvent(ctx, EventConnectByConfigOK, connectTimeout); err != nil {
		if sl4a.IsTimeout(err) {
			return runner.Failf("Failed to start connection process to %v on %s", network, d.Serial)
		}
		return err
	}
	info, err := waitForConnectEvent(ctx, d, ssid, 0, tries)
	if err != nil {
		return err
	}
	if info == nil {
		return runner.Failf("Failed to connect to Wi-Fi network %v on %s", network, d.Serial)
	}
	if err := runner.AssertEqual(info.SSID, ssid, fmt.Sprintf("Connected to the wrong network on %s.", d.Serial)); err != nil {
		return err
	}
	logging.Infof(ctx, "%s: Connected to Wi-Fi network %s", d.Serial, ssid)

	if !checkConnectivity {
		return nil
	}
	online, err := ValidateConnection(ctx, d, defaultPingAddr)
	if err != nil {
		return err
	}
	if !online {
		return runner.Failf("Failed to connect to internet on %s", ssid)
	}
	return nil
}

// ConnectToNetwork scans for network, which must be visible unless hidden
// and invisible if hidden, and connects to it.
func ConnectToNetwork(ctx context.Context, d *sl4a.Device, network Network, hidden, checkConnectivity bool) error {
	if hidden {
		if err := EnsureNetworkNotFound(ctx, d, network.SSID(), defaultScanTries); err != nil {
			return err
		}
	} else {
		if err := EnsureNetworkFound(ctx, d, network.SSID(), defaultScanTries); err != nil {
			return err
		}
	}
	return Connect(ctx, d, network, defaultConnectTries, checkConnectivity)
}

// VerifyConnectionInfo fails unless the current connection has every
// key-value pair of expected.
func VerifyConnectionInfo(ctx context.Context, d *sl4a.Device, expected Network) error {
	var cur Network
	if err := d.Call(ctx, &cur, "wifiGetConnectionInfo"); err != nil {
		return err
	}
	for k, v := range expected {
		got, ok := cur[k]
		if !ok {
			return errors.Errorf("%s: connection info has no %s", d.Serial, k)
		}
		if fmt.Sprint(got) != fmt.Sprint(v) {
			return runner.Failf("Expected %s to be %v, actual %s is %v.", k, v, k, got)
		}
	}
	return nil
}
