// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package faft

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/logging"
	"go.chromium.org/labtest/servo"
	"go.chromium.org/labtest/shutil"
)

var (
	testTrackRE = regexp.MustCompile(`RELEASE_TRACK=.*test`)
	boardRE     = regexp.MustCompile(`BOARD=(.*)`)
)

// modifyUSBKernel rewrites the 8-byte kernel header magic on the USB key
// attached to the servo host.
func (t *Test) modifyUSBKernel(ctx context.Context, usbDev, from, to string) error {
	if len(from) != 8 || len(to) != 8 {
		return errors.Errorf("kernel magics must be 8 bytes: %q, %q", from, to)
	}
	kpart := shutil.JoinPart(usbDev, KernelMap["a"])
	readCmd := fmt.Sprintf("sudo dd if=%s bs=8 count=1 2>/dev/null", kpart)
	cur, err := t.Servo.SystemOutput(ctx, readCmd)
	if err != nil {
		return err
	}
	if cur == to {
		logging.Infof(ctx, "The kernel magic is already %s", cur)
		return nil
	}
	if cur != from {
		return errors.New("Invalid kernel image on USB: wrong magic")
	}

	logging.Infof(ctx, "Modify the kernel magic in USB, from %s to %s", from, to)
	writeCmd := fmt.Sprintf("echo -n %s | sudo dd of=%s oflag=sync conv=notrunc 2>/dev/null", shutil.Escape(to), kpart)
	if err := t.Servo.System(ctx, writeCmd); err != nil {
		return err
	}
	if got, err := t.Servo.SystemOutput(ctx, readCmd); err != nil {
		return err
	} else if got != to {
		return errors.New("Failed to write new magic")
	}
	return nil
}

// CorruptUSBKernel makes the USB kernel fail verification.
func (t *Test) CorruptUSBKernel(ctx context.Context, usbDev string) error {
	return t.modifyUSBKernel(ctx, usbDev, ChromeOSMagic, CorruptedMagic)
}

// RestoreUSBKernel undoes CorruptUSBKernel.
func (t *Test) RestoreUSBKernel(ctx context.Context, usbDev string) error {
	return t.modifyUSBKernel(ctx, usbDev, CorruptedMagic, ChromeOSMagic)
}

// AssertTestImageInUSBDisk checks that the USB key on servo holds a test
// image for the DUT's board. usbDev is the key's device on the servo host;
// if empty, the key is muxed to the host and probed.
func (t *Test) AssertTestImageInUSBDisk(ctx context.Context, usbDev string) error {
	if t.CheckSetupDone(SetupUSBCheck) {
		return nil
	}
	if usbDev != "" {
		dir, err := t.Servo.USBKeyDirection(ctx)
		if err != nil {
			return err
		}
		if dir != servo.USBHost {
			return errors.Errorf("USB key is attached to %s, not host", dir)
		}
	} else {
		if err := t.Servo.SwitchUSBKey(ctx, servo.USBHost); err != nil {
			return err
		}
		dev, err := t.Servo.ProbeHostUSBDev(ctx)
		if err != nil {
			return err
		}
		if dev == "" {
			return errors.New("An USB disk should be plugged in the servo board")
		}
		usbDev = dev
	}

	rootfs := shutil.JoinPart(usbDev, rootfsPartition)
	logging.Infof(ctx, "usb dev is %s", usbDev)
	tmpd, err := t.Servo.SystemOutput(ctx, "mktemp -d -t usbcheck.XXXX")
	if err != nil {
		return err
	}
	if err := t.Servo.System(ctx, shutil.Command("mount", "-o", "ro", rootfs, tmpd)); err != nil {
		return err
	}
	defer func() {
		for _, cmd := range []string{shutil.Command("umount", "-l", tmpd), "sync", shutil.Command("rm", "-rf", tmpd)} {
			if err := t.Servo.System(ctx, cmd); err != nil {
				logging.Infof(ctx, "Failed to clean up USB mount: %v", err)
			}
		}
	}()

	usbLSB, err := t.Servo.SystemOutput(ctx, shutil.Command("cat", path.Join(tmpd, "etc/lsb-release")))
	if err != nil {
		return err
	}
	logging.Debugf(ctx, "Dumping lsb-release on USB stick:\n%s", usbLSB)
	lines, err := t.Client.RunShellCommandGetOutput(ctx, "cat /etc/lsb-release")
	if err != nil {
		return err
	}
	dutLSB := strings.Join(lines, "\n")
	logging.Debugf(ctx, "Dumping lsb-release on DUT:\n%s", dutLSB)

	if !testTrackRE.MatchString(usbLSB) {
		return errors.New("USB stick in servo is no test image")
	}
	usbBoard, dutBoard := lsbBoard(usbLSB), lsbBoard(dutLSB)
	if usbBoard != dutBoard {
		return errors.Errorf("USB stick in servo contains a %s image, but DUT is a %s", usbBoard, dutBoard)
	}
	t.MarkSetupDone(SetupUSBCheck)
	return nil
}

func lsbBoard(lsb string) string {
	if m := boardRE.FindStringSubmatch(lsb); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// USBKeyOptions controls SetupUSBKey.
type USBKeyOptions struct {
	// Mux is where to attach the key afterwards. If empty, a key that is
	// not required goes to the host and a required key stays put.
	Mux servo.USBState
	// NotForRecovery is set when a required key is booted some other way
	// than recovery, such as Ctrl-U.
	NotForRecovery bool
}

// SetupUSBKey checks the USB key if required and muxes it.
func (t *Test) SetupUSBKey(ctx context.Context, required bool, opts USBKeyOptions) error {
	mux := opts.Mux
	if required {
		if err := t.AssertTestImageInUSBDisk(ctx, ""); err != nil {
			return err
		}
	} else if mux == "" {
		mux = servo.USBHost
	}
	if mux != "" {
		if err := t.Servo.SwitchUSBKey(ctx, mux); err != nil {
			return err
		}
	}
	if required && !opts.NotForRecovery {
		// Locked EC RO lacks PD, so the DUT only sees the key and the
		// Ethernet dongle when servo v4 is the sink.
		return t.SetServoV4RoleToSnk(ctx)
	}
	return nil
}

// USBDiskPathOnDUT returns the device of the servo USB key as seen by the
// DUT, or "" if it cannot be told apart from other disks.
func (t *Test) USBDiskPathOnDUT(ctx context.Context) (string, error) {
	const cmd = "ls -d /dev/s*[a-z]"
	orig, err := t.Servo.USBKeyDirection(ctx)
	if err != nil {
		return "", err
	}

	if err := t.Servo.SwitchUSBKey(ctx, servo.USBOff); err != nil {
		return "", err
	}
	without, err := t.Client.RunShellCommandGetOutput(ctx, cmd)
	if err != nil {
		return "", err
	}
	if err := t.Servo.SwitchUSBKey(ctx, servo.USBDUT); err != nil {
		return "", err
	}
	if err := sleep(ctx, t.clk, t.Config.USBPlug.D()); err != nil {
		return "", err
	}
	with, err := t.Client.RunShellCommandGetOutput(ctx, cmd)
	if err != nil {
		return "", err
	}

	if cur, err := t.Servo.USBKeyDirection(ctx); err == nil && cur != orig {
		if err := t.Servo.SwitchUSBKey(ctx, orig); err != nil {
			return "", err
		}
	}

	seen := make(map[string]bool)
	for _, d := range without {
		seen[d] = true
	}
	var added []string
	for _, d := range with {
		if !seen[d] {
			seen[d] = true
			added = append(added, d)
		}
	}
	if len(added) != 1 {
		return "", nil
	}
	return added[0], nil
}
