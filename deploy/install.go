// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package deploy

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"code.cloudfoundry.org/clock"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/host"
	"go.chromium.org/labtest/internal/logging"
	"go.chromium.org/labtest/servo"
)

const dutPollInterval = 10 * time.Second

var lsbBoardRE = regexp.MustCompile(`(?m)^CHROMEOS_RELEASE_BOARD=(.*)$`)

// InstallFailure is returned when the DUT ends up in a bad state, as
// opposed to errors talking to lab infrastructure.
type InstallFailure struct {
	Host string
	Msg  string
}

func (e *InstallFailure) Error() string { return e.Host + ": " + e.Msg }

// Installer images DUTs one at a time. It is safe to use from multiple
// goroutines for different hosts.
type Installer struct {
	cfg    *Config
	dialer Dialer
	clk    clock.Clock
}

// InstallerOption customizes an Installer.
type InstallerOption func(in *Installer)

// WithClock replaces the clock used for waits.
func WithClock(clk clock.Clock) InstallerOption {
	return func(in *Installer) { in.clk = clk }
}

// NewInstaller returns an Installer for cfg. Unset limits of cfg get the
// same defaults as LoadConfig gives them.
func NewInstaller(cfg *Config, dialer Dialer, opts ...InstallerOption) *Installer {
	c := *cfg
	c.setDefaults()
	in := &Installer{cfg: &c, dialer: dialer, clk: clock.NewClock()}
	for _, o := range opts {
		o(in)
	}
	return in
}

// Install runs the configured steps on h while holding its local lock.
func (in *Installer) Install(ctx context.Context, h Host) (retErr error) {
	ctx = logging.SetLogPrefix(ctx, "["+h.Hostname+"] ")
	ctx, cancel := context.WithTimeout(ctx, in.cfg.Timeout.D())
	defer cancel()

	lock, err := host.AcquireLocalLock(ctx, filepath.Join(in.cfg.LockDir, LockName(h.Hostname)))
	if err != nil {
		return err
	}
	defer lock.Unlock()

	var svo Servo
	if h.Servo != "" {
		logging.Infof(ctx, "Connecting to servo %s", h.Servo)
		if svo, err = in.dialer.DialServo(ctx, h); err != nil {
			return errors.Wrap(err, "failed to connect to servo")
		}
		defer svo.Close(ctx)
		if err := svo.InitializeDUT(ctx, false); err != nil {
			return errors.Wrap(err, "failed to initialize DUT")
		}
	}

	if in.cfg.InstallFirmware {
		if err := in.installFirmware(ctx, svo); err != nil {
			return err
		}
	}

	if in.cfg.InstallTestImage {
		if err := in.installTestImage(ctx, h, svo); err != nil {
			return err
		}
	}

	dut, err := in.waitForDUT(ctx, h)
	if err != nil {
		return err
	}
	defer dut.Close(ctx)

	for _, cmd := range in.cfg.PostInstallCommands {
		logging.Infof(ctx, "Running %s", cmd)
		if out, err := dut.Run(ctx, cmd); err != nil {
			return errors.Wrapf(err, "post-install command failed: %s", strings.TrimSpace(string(out)))
		}
	}
	return in.verify(ctx, h, dut)
}

func (in *Installer) installFirmware(ctx context.Context, svo Servo) error {
	logging.Info(ctx, "Installing firmware")
	if err := svo.ProgramBIOS(ctx, in.cfg.FirmwareImage); err != nil {
		return errors.Wrap(err, "failed to program BIOS")
	}
	if in.cfg.ECImage != "" {
		if err := svo.ProgramEC(ctx, in.cfg.ECImage); err != nil {
			return errors.Wrap(err, "failed to program EC")
		}
	}
	// The new firmware only runs after a reset.
	return svo.ColdReset(ctx)
}

// installTestImage boots the image from the servo USB key in recovery mode,
// installs it to the internal disk and boots it.
func (in *Installer) installTestImage(ctx context.Context, h Host, svo Servo) error {
	logging.Infof(ctx, "Installing %s", in.cfg.Image)
	if err := svo.ImageToServoUSB(ctx, in.cfg.Image, true); err != nil {
		return err
	}
	if err := svo.BootInRecoveryMode(ctx); err != nil {
		return err
	}
	dut, err := in.waitForDUT(ctx, h)
	if err != nil {
		return err
	}
	defer dut.Close(ctx)

	logging.Info(ctx, "Installing the image to the internal disk")
	if out, err := dut.Run(ctx, "chromeos-install --yes"); err != nil {
		return errors.Wrapf(err, "chromeos-install failed: %s", strings.TrimSpace(string(out)))
	}
	// Keep the DUT from booting the USB key again.
	if err := svo.SwitchUSBKey(ctx, servo.USBHost); err != nil {
		return err
	}
	logging.Info(ctx, "Power cycling")
	return svo.ColdReset(ctx)
}

// waitForDUT polls until the DUT accepts connections and runs commands.
func (in *Installer) waitForDUT(ctx context.Context, h Host) (host.Runner, error) {
	timeout := in.cfg.BootTimeout.D()
	logging.Infof(ctx, "Waiting up to %v for the DUT", timeout)
	start := in.clk.Now()
	for {
		dut, err := in.dialer.DialDUT(ctx, h)
		if err == nil {
			if _, err = dut.Run(ctx, "true"); err == nil {
				return dut, nil
			}
			dut.Close(ctx)
		}
		logging.Debugf(ctx, "DUT not up yet: %v", err)
		if in.clk.Since(start) >= timeout {
			return nil, &InstallFailure{Host: h.Hostname, Msg: "DUT did not come up after " + timeout.String()}
		}
		select {
		case <-in.clk.After(dutPollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// verify checks that the DUT runs an image for its board and is the
// expected unit.
func (in *Installer) verify(ctx context.Context, h Host, dut host.Runner) error {
	if h.Board != "" {
		lsb, err := host.Output(ctx, dut, "cat /etc/lsb-release")
		if err != nil {
			return err
		}
		m := lsbBoardRE.FindStringSubmatch(lsb)
		if m == nil {
			return &InstallFailure{Host: h.Hostname, Msg: "no board in /etc/lsb-release"}
		}
		// Variant boards such as "octopus-kernelnext" belong to the base board.
		if board := strings.TrimSpace(m[1]); board != h.Board && !strings.HasPrefix(board, h.Board+"-") {
			return &InstallFailure{Host: h.Hostname, Msg: "DUT runs an image for " + board + ", want " + h.Board}
		}
	}
	if h.Serial != "" {
		serial, err := host.Output(ctx, dut, "vpd -g serial_number")
		if err != nil {
			return err
		}
		if serial != h.Serial {
			return &InstallFailure{Host: h.Hostname, Msg: "serial number is " + serial + ", want " + h.Serial}
		}
	}
	logging.Info(ctx, "DUT verified")
	return nil
}

// LockName turns a hostname into the name of its lock file, shared by every
// labtest process touching the host.
func LockName(hostname string) string {
	return strings.NewReplacer("/", "_", ":", "_", "@", "_").Replace(hostname) + ".lock"
}
