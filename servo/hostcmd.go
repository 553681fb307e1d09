// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package servo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/host"
	"go.chromium.org/labtest/internal/logging"
	"go.chromium.org/labtest/shutil"
)

// servodLogLevels are the suffixes of servod log files; "" is the
// combined log.
var servodLogLevels = []string{"", "DEBUG", "INFO", "WARNING"}

func (s *Servo) isLocalhost() bool {
	switch s.hostname {
	case "localhost", "127.0.0.1", "::1", "":
		return true
	}
	return false
}

func (s *Servo) servoHost() (host.Runner, error) {
	if s.host == nil {
		return nil, errors.Errorf("no runner for servo host %s", s.hostname)
	}
	return s.host, nil
}

// System runs cmd on the servo host, ignoring its output.
func (s *Servo) System(ctx context.Context, cmd string) error {
	_, err := s.SystemOutput(ctx, cmd)
	return err
}

// SystemOutput runs cmd on the servo host and returns trimmed stdout.
func (s *Servo) SystemOutput(ctx context.Context, cmd string) (string, error) {
	r, err := s.servoHost()
	if err != nil {
		return "", err
	}
	return host.Output(ctx, r, cmd)
}

// OSVersion returns CHROMEOS_RELEASE_BUILDER_PATH of the servo host, or ""
// if it is not a ChromeOS device.
func (s *Servo) OSVersion(ctx context.Context) (string, error) {
	out, err := s.SystemOutput(ctx, "cat /etc/lsb-release")
	if err != nil {
		return "", err
	}
	for _, l := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(l), "CHROMEOS_RELEASE_BUILDER_PATH="); ok {
			return v, nil
		}
	}
	return "", nil
}

// ServodVersion returns the output of servod --version. Old versions print
// it to stderr.
func (s *Servo) ServodVersion(ctx context.Context) (string, error) {
	r, err := s.servoHost()
	if err != nil {
		return "", err
	}
	out, err := r.Run(ctx, "servod --version")
	if v := strings.TrimSpace(string(out)); v != "" {
		return v, nil
	}
	if err == nil {
		return "", nil
	}
	var ee *host.ExitError
	if errors.As(err, &ee) {
		return strings.TrimSpace(ee.Stderr), nil
	}
	return "", err
}

// servodLogDir is where servod writes logs on the servo host.
func (s *Servo) servodLogDir() string {
	return fmt.Sprintf("/var/log/servod_%d", s.port)
}

// RotateServodLogs saves the current servod logs as dir/<filename>.<level>
// and asks servod to start new ones. With an empty filename the current
// logs are discarded.
func (s *Servo) RotateServodLogs(ctx context.Context, filename, dir string) error {
	if s.isLocalhost() {
		logging.Debug(ctx, "Servod runs locally; not rotating logs")
		return nil
	}
	r, err := s.servoHost()
	if err != nil {
		return err
	}
	logDir := s.servodLogDir()
	if filename != "" {
		for _, level := range servodLogLevels {
			src := logDir + "/latest"
			dst := filepath.Join(dir, filename+".log")
			if level != "" {
				src += "." + level
				dst = filepath.Join(dir, filename+"."+level)
			}
			if err := r.GetFile(ctx, src, dst); err != nil {
				if !strings.Contains(strings.ToLower(err.Error()), "no such") {
					logging.Warningf(ctx, "Failed to fetch servod log %s: %v", src, err)
				}
				continue
			}
			if fi, err := os.Stat(dst); err == nil && fi.Size() == 0 {
				os.Remove(dst)
			}
		}
	} else {
		r.Run(ctx, "rm "+shutil.Escape(logDir)+"/latest*")
	}

	err = s.SetNoCheck(ctx, "rotate_servod_logs", "yes", "")
	if err == nil || IsControlUnavailable(err) {
		return nil
	}
	logging.Infof(ctx, "Failed to rotate servod logs: %v", err)
	return nil
}

// copyImage puts a local image on the servo host and returns its path
// there. Local servod reads the image in place.
func (s *Servo) copyImage(ctx context.Context, image string) (string, error) {
	if s.isLocalhost() {
		return image, nil
	}
	r, err := s.servoHost()
	if err != nil {
		return "", err
	}
	dst := s.remoteImagePath(image)
	if err := r.PutFile(ctx, image, dst); err != nil {
		return "", errors.Wrapf(err, "copying %s to servo host", image)
	}
	return dst, nil
}

// apProgrammer returns the flashrom programmer for the AP flash behind the
// active servo device.
func (s *Servo) apProgrammer(ctx context.Context) (string, error) {
	dev, err := s.MainDevice(ctx)
	if err != nil {
		return "", err
	}
	serial, err := s.Get(ctx, string(SerialnameCtrl), dev)
	if err != nil {
		return "", err
	}
	switch DUTController(dev) {
	case DUTControllerCCD:
		return "raiden_debug_spi:target=AP,serial=" + serial, nil
	case DUTControllerServoMicro, DUTControllerC2D2:
		return "raiden_debug_spi:serial=" + serial, nil
	}
	return "", errors.Errorf("no AP programmer for servo device %q", dev)
}

// ProgramBIOS writes image to the AP firmware flash through servo.
func (s *Servo) ProgramBIOS(ctx context.Context, image string) error {
	prog, err := s.apProgrammer(ctx)
	if err != nil {
		return err
	}
	remote, err := s.copyImage(ctx, image)
	if err != nil {
		return err
	}
	ccd, err := s.MainDeviceIsCCD(ctx)
	if err != nil {
		return err
	}
	// A flex cable programs the flash while the AP is held in reset.
	if !ccd {
		if err := s.SetOnOff(ctx, ColdResetCtrl, On); err != nil {
			return err
		}
		defer s.SetOnOff(ctx, ColdResetCtrl, Off)
	}
	logging.Infof(ctx, "Programming BIOS with %s", image)
	return s.System(ctx, shutil.Command("flashrom", "-p", prog, "-w", remote))
}

// ProgramEC writes image to the EC flash through servo.
func (s *Servo) ProgramEC(ctx context.Context, image string) error {
	board, err := s.Board(ctx)
	if err != nil {
		return err
	}
	remote, err := s.copyImage(ctx, image)
	if err != nil {
		return err
	}
	logging.Infof(ctx, "Programming EC with %s", image)
	return s.System(ctx, shutil.Command("flash_ec",
		"--board="+board, "--image="+remote, fmt.Sprintf("--port=%d", s.port)))
}
