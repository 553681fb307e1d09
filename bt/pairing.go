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

// PairingVariantPasskeyConfirmation is the pairing variant in which both
// devices show a passkey to be confirmed.
const PairingVariantPasskeyConfirmation = 2

const (
	unbondSettleDelay = 2 * time.Second
	bondPollInterval  = 100 * time.Millisecond
)

// PairingRequest is the data of EventPairingRequest.
type PairingRequest struct {
	PairingVariant int `json:"PairingVariant"`
	Pin            int `json:"Pin"`
}

// PairPriToSec bonds pri to sec, trying up to attempts times. Bonds left
// by a failed attempt are cleared on both sides before the next one. If
// autoConfirm is false, the passkeys shown on both devices are compared
// and the pairing is confirmed only if they match.
func PairPriToSec(ctx context.Context, pri, sec *sl4a.Device, attempts int, autoConfirm bool) error {
	secAddr, err := LocalAddress(ctx, sec)
	if err != nil {
		return err
	}
	if err := pri.Call(ctx, nil, "bluetoothStartConnectionStateChangeMonitor", secAddr); err != nil {
		return err
	}
	clk := pri.Clock()
	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = pairPriToSec(ctx, pri, sec, autoConfirm)
		if lastErr == nil {
			return nil
		}
		logging.Infof(ctx, "Pairing attempt %d failed: %v", i+1, lastErr)
		if err := sleep(ctx, clk, unbondSettleDelay); err != nil {
			return err
		}
		if err := ClearBondedDevices(ctx, pri); err != nil {
			return errors.Wrapf(err, "failed to clear bonds of primary device at attempt %d", i+1)
		}
		if err := ClearBondedDevices(ctx, sec); err != nil {
			return errors.Wrapf(err, "failed to clear bonds of secondary device at attempt %d", i+1)
		}
		if err := sleep(ctx, clk, unbondSettleDelay); err != nil {
			return err
		}
	}
	if lastErr == nil {
		return errors.Errorf("no pairing attempted (attempts=%d)", attempts)
	}
	return errors.Wrapf(lastErr, "failed to pair after %d attempts", attempts)
}

func pairPriToSec(ctx context.Context, pri, sec *sl4a.Device, autoConfirm bool) error {
	pri.ED.ClearAllEvents()
	sec.ED.ClearAllEvents()

	priAddr, err := LocalAddress(ctx, pri)
	if err != nil {
		return err
	}
	secAddr, err := LocalAddress(ctx, sec)
	if err != nil {
		return err
	}
	logging.Infof(ctx, "Bonding device %s to %s", priAddr, secAddr)

	// Keep sec discoverable long enough for pri to find and bond it.
	if err := sec.Call(ctx, nil, "bluetoothMakeDiscoverable", int(DefaultTimeout/time.Second)); err != nil {
		return err
	}
	for _, d := range []*sl4a.Device{pri, sec} {
		if err := d.Call(ctx, nil, "bluetoothStartPairingHelper", autoConfirm); err != nil {
			return err
		}
	}
	logging.Infof(ctx, "%s: Starting discovery and executing bond", pri.Serial)
	if err := pri.Call(ctx, nil, "bluetoothDiscoverAndBond", secAddr); err != nil {
		return err
	}
	if !autoConfirm {
		if err := waitForPasskeyMatch(ctx, pri, sec); err != nil {
			return err
		}
	}

	clk := pri.Clock()
	deadline := clk.Now().Add(DefaultTimeout)
	for clk.Now().Before(deadline) {
		bonded, err := BondedDevices(ctx, pri)
		if err != nil {
			return err
		}
		for _, b := range bonded {
			if b.Address == secAddr {
				logging.Infof(ctx, "%s: Successfully bonded to %s", pri.Serial, secAddr)
				return nil
			}
		}
		if err := sleep(ctx, clk, bondPollInterval); err != nil {
			return err
		}
	}
	return errors.Errorf("%s: failed to bond to %s", pri.Serial, secAddr)
}

func popPairingRequest(ctx context.Context, d *sl4a.Device) (*PairingRequest, error) {
	ev, err := d.ED.PopEvent(ctx, EventPairingRequest, DefaultTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: no pairing request", d.Serial)
	}
	var req PairingRequest
	if err := ev.Decode(&req); err != nil {
		return nil, err
	}
	logging.Infof(ctx, "%s: Received Pin: %d, Variant: %d", d.Serial, req.Pin, req.PairingVariant)
	return &req, nil
}

// waitForPasskeyMatch answers the pairing requests on both devices,
// accepting them only if their passkeys match.
func waitForPasskeyMatch(ctx context.Context, pri, sec *sl4a.Device) error {
	priReq, err := popPairingRequest(ctx, pri)
	if err != nil {
		return err
	}
	secReq, err := popPairingRequest(ctx, sec)
	if err != nil {
		return err
	}
	if priReq.PairingVariant != secReq.PairingVariant {
		return errors.Errorf("pairing variant mismatch: %d vs %d", priReq.PairingVariant, secReq.PairingVariant)
	}
	if priReq.PairingVariant != PairingVariantPasskeyConfirmation {
		return nil
	}

	match := priReq.Pin == secReq.Pin
	answer := "False"
	if match {
		logging.Info(ctx, "Pairing code matched, accepting connection")
		answer = "True"
	} else {
		logging.Info(ctx, "Pairing code mismatched, rejecting connection")
	}
	for _, d := range []*sl4a.Device{pri, sec} {
		if err := d.Call(ctx, nil, "eventPost", EventPairingRequestUserConfirm, answer); err != nil {
			return err
		}
	}
	if !match {
		return errors.Errorf("pairing code mismatch: %d vs %d", priReq.Pin, secReq.Pin)
	}
	return nil
}
