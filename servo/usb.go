// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package servo

import (
	"context"
	"path"
	"strconv"
	"strings"
	"time"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/logging"
	"go.chromium.org/labtest/internal/xmlrpc"
)

// USBState is the direction of the servo USB key.
type USBState string

// USB key directions.
const (
	USBOff  USBState = "off"
	USBHost USBState = "host"
	USBDUT  USBState = "dut"
)

const (
	muxHost = "servo_sees_usbkey"
	muxDUT  = "dut_sees_usbkey"
)

// USBKeyDirection returns where the USB key is attached. The value is
// cached after the first read.
func (s *Servo) USBKeyDirection(ctx context.Context) (USBState, error) {
	if s.usbState != "" {
		return s.usbState, nil
	}
	pwr, err := s.Get(ctx, string(PrtCtl4PwrEn), "")
	if err != nil {
		return "", err
	}
	if pwr == string(Off) {
		s.usbState = USBOff
		return s.usbState, nil
	}
	mux, err := s.Get(ctx, "usb_mux_sel1", "")
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(mux, "dut") {
		s.usbState = USBDUT
	} else {
		s.usbState = USBHost
	}
	return s.usbState, nil
}

func (s *Servo) switchUSBKeyPower(ctx context.Context, v OnOffValue, detect bool) error {
	err := s.rpc.Run(ctx, xmlrpc.NewCall("safe_switch_usbkey_power", string(v)))
	if err != nil {
		logging.Debugf(ctx, "safe_switch_usbkey_power failed (%v); setting prtctl4_pwren", err)
		if err := s.Set(ctx, string(PrtCtl4PwrEn), string(v), ""); err != nil {
			return err
		}
	}
	switch {
	case v == Off:
		return s.sleep(ctx, USBPowerOffDelay)
	case detect:
		return s.sleep(ctx, USBDetectionDelay)
	}
	return nil
}

// SwitchUSBKey points the USB key at the servo host or the DUT, or powers it
// off. Switching to the host waits for the key to be detected.
func (s *Servo) SwitchUSBKey(ctx context.Context, st USBState) error {
	cur, err := s.USBKeyDirection(ctx)
	if err != nil {
		return err
	}
	if cur == st {
		return nil
	}
	var mux string
	switch st {
	case USBOff:
		if err := s.switchUSBKeyPower(ctx, Off, false); err != nil {
			return err
		}
		s.usbState = st
		return nil
	case USBHost:
		mux = muxHost
	case USBDUT:
		mux = muxDUT
	default:
		return errors.Errorf("Unknown USB state request: %s", st)
	}

	if err := s.switchUSBKeyPower(ctx, Off, false); err != nil {
		return err
	}
	if err := s.rpc.Run(ctx, xmlrpc.NewCall("safe_switch_usbkey", mux)); err != nil {
		logging.Debugf(ctx, "safe_switch_usbkey failed (%v); setting usb_mux_sel1", err)
		if err := s.Set(ctx, "usb_mux_sel1", mux, ""); err != nil {
			return err
		}
	}
	if err := s.sleep(ctx, USBPowerOffDelay); err != nil {
		return err
	}
	if err := s.switchUSBKeyPower(ctx, On, st == USBHost); err != nil {
		return err
	}
	s.usbState = st
	return nil
}

// ProbeHostUSBDev switches the USB key to the servo host and returns its
// device path, or "" if servod finds none.
func (s *Servo) ProbeHostUSBDev(ctx context.Context) (string, error) {
	if err := s.SwitchUSBKey(ctx, USBHost); err != nil {
		return "", err
	}
	var dev string
	call := xmlrpc.NewCallTimeout("probe_host_usb_dev", USBProbeTimeout+10*time.Second)
	if err := s.rpc.Run(ctx, call, &dev); err != nil {
		return "", errors.Wrap(err, "probe_host_usb_dev")
	}
	return dev, nil
}

// ImageToServoUSB prepares the USB key with an image. The DUT is powered off
// first. If imagePath is empty the key is left untouched.
func (s *Servo) ImageToServoUSB(ctx context.Context, imagePath string, nonInteractive bool) error {
	if err := s.HWInit(ctx); err != nil {
		return err
	}
	if ok, err := s.HasControl(ctx, string(InitKeyboard), ""); err == nil && ok {
		if err := s.SetNoCheck(ctx, string(InitKeyboard), string(On), ""); err != nil {
			return err
		}
	}
	if err := s.power.PowerOff(ctx); err != nil {
		return err
	}
	if imagePath == "" {
		return nil
	}
	logging.Infof(ctx, "Downloading image %s to USB", imagePath)
	if err := s.SwitchUSBKey(ctx, USBHost); err != nil {
		return err
	}
	var ok bool
	if err := s.rpc.Run(ctx, xmlrpc.NewCallTimeout("download_image_to_usb", hostCommandTimeout, imagePath), &ok); err != nil {
		return errors.Wrap(err, "Download image to usb failed.")
	}
	if !ok {
		return errors.New("Download image to usb failed.")
	}
	if nonInteractive {
		logging.Info(ctx, "Making image noninteractive")
		var done bool
		if err := s.rpc.Run(ctx, xmlrpc.NewCall("make_image_noninteractive"), &done); err != nil || !done {
			logging.Infof(ctx, "Failed to make image noninteractive (%v); continuing", err)
		}
	}
	return nil
}

// BootInRecoveryMode powers the DUT on in recovery mode with the USB key
// attached to it.
func (s *Servo) BootInRecoveryMode(ctx context.Context) error {
	if err := s.power.PowerOn(ctx, RecModeOn); err != nil {
		return err
	}
	return s.SwitchUSBKey(ctx, USBDUT)
}

// InstallRecoveryImage writes imagePath to the USB key, if given, and boots
// the DUT from it in recovery mode.
func (s *Servo) InstallRecoveryImage(ctx context.Context, imagePath string, nonInteractive bool) error {
	if err := s.ImageToServoUSB(ctx, imagePath, nonInteractive); err != nil {
		return err
	}
	if imagePath == "" {
		if err := s.sleep(ctx, BootDelay); err != nil {
			return err
		}
	}
	return s.BootInRecoveryMode(ctx)
}

// remoteImagePath is where images are copied on the servo host.
func (s *Servo) remoteImagePath(local string) string {
	return "/tmp/dut_" + strconv.Itoa(s.port) + "." + path.Base(local)
}
