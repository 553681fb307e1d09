// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package faft implements the harness shared by firmware tests: it prepares
// the DUT through servo and the FAFT RPC server, keeps backups of firmware,
// kernel and partition attributes, and revives the DUT when a test leaves
// it unresponsive.
package faft

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/host"
	"go.chromium.org/labtest/internal/logging"
	"go.chromium.org/labtest/servo"
)

// Lock files that tell tools on the DUT, such as chromeos-setgoodkernel,
// that a firmware test is running.
const (
	LockFile       = "/usr/local/tmp/faft/lock"
	LegacyLockFile = "/var/tmp/faft/lock"
)

// Test is the state of one firmware test.
type Test struct {
	Servo      Servo
	Client     Client
	DUT        host.Runner
	Rebooter   Rebooter
	Config     *Config
	ResultsDir string
	RunID      string

	// NoECSync disables EC software sync through the GBB flags.
	NoECSync bool

	clk   clock.Clock
	setup *SetupTracker

	fwVboot2        bool
	hasCr50         bool
	uartStarted     bool
	gbbFlags        uint32
	backupGBBFlags  *uint32
	backupFirmware  map[string]string
	backupKernelSHA map[string]string
	backupCgpt      map[string]interface{}
	restoreV4Role   bool
	lockFiles       []*host.RemoteLockFile
}

// Option customizes a Test.
type Option func(t *Test)

// WithClock replaces the clock used for delays.
func WithClock(clk clock.Clock) Option {
	return func(t *Test) { t.clk = clk }
}

// WithRebooter replaces the default ServoRebooter.
func WithRebooter(r Rebooter) Option {
	return func(t *Test) { t.Rebooter = r }
}

// WithSetupTracker replaces the process-wide setup tracker.
func WithSetupTracker(s *SetupTracker) Option {
	return func(t *Test) { t.setup = s }
}

// WithNoECSync makes Initialize disable EC software sync.
func WithNoECSync(v bool) Option {
	return func(t *Test) { t.NoECSync = v }
}

// New returns a Test. Nothing is done on the DUT until Initialize.
func New(svo Servo, client Client, dut host.Runner, cfg *Config, resultsDir string, opts ...Option) *Test {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	t := &Test{
		Servo:      svo,
		Client:     client,
		DUT:        dut,
		Config:     cfg,
		ResultsDir: resultsDir,
		clk:        clock.NewClock(),
		setup:      globalSetup,
	}
	for _, o := range opts {
		o(t)
	}
	if t.Rebooter == nil {
		t.Rebooter = NewServoRebooter(svo, client, dut, cfg, t.clk, t.BlockingSync)
	}
	return t
}

// CheckSetupDone reports whether the one-time setup label is done.
func (t *Test) CheckSetupDone(label SetupLabel) bool { return t.setup.Done(label) }

// MarkSetupDone marks label done.
func (t *Test) MarkSetupDone(label SetupLabel) { t.setup.Mark(label) }

// UnmarkSetupDone marks label not done.
func (t *Test) UnmarkSetupDone(label SetupLabel) { t.setup.Unmark(label) }

// InvalidateFirmwareSetup forgets firmware setup so that the next test
// redoes it. Call it after reflashing firmware.
func (t *Test) InvalidateFirmwareSetup() { t.UnmarkSetupDone(SetupGBBFlags) }

// FWVboot2 reports whether the firmware uses vboot2. It is known after
// Initialize.
func (t *Test) FWVboot2() bool { return t.fwVboot2 }

// Initialize prepares the DUT for a firmware test.
func (t *Test) Initialize(ctx context.Context) error {
	t.RunID = uuid.New().String()
	logging.Infof(ctx, "FirmwareTest initialize begin (id=%s)", t.RunID)

	if err := t.Servo.RotateServodLogs(ctx, "", ""); err != nil {
		logging.Infof(ctx, "Failed to rotate servod logs: %v", err)
	}
	if err := t.Servo.InitializeDUT(ctx, false); err != nil {
		return errors.Wrap(err, "failed to initialize DUT through servo")
	}

	ok, err := t.Client.DevTPMPresent(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("/dev/tpm0 does not exist on the client")
	}

	t.setupUARTCapture(ctx)
	t.recordSystemInfo(ctx)

	if t.fwVboot2, err = t.Client.FWVboot2(ctx); err != nil {
		return err
	}
	v := 1
	if t.fwVboot2 {
		v = 2
	}
	logging.Infof(ctx, "vboot version: %d", v)
	if t.fwVboot2 {
		if err := t.Client.SetFWTryNext(ctx, "A", 0); err != nil {
			return err
		}
		act, err := t.Client.CrossystemValue(ctx, "mainfw_act")
		if err != nil {
			return err
		}
		if act == "B" {
			logging.Info(ctx, "mainfw_act is B. rebooting to set it A")
			if err := t.Rebooter.ModeAwareReboot(ctx, RebootRequest{}); err != nil {
				if !isStillUp(err) {
					return err
				}
				if err := t.Rebooter.ModeAwareReboot(ctx, RebootRequest{Type: ColdReboot}); err != nil {
					return err
				}
			}
		}
	}

	if ok, err := t.Client.BIOSAvailable(ctx); err != nil {
		return err
	} else if !ok {
		return errors.New("flashrom is broken; check 'flashrom -p host' and rpc server log")
	}

	if err := t.setupGBBFlags(ctx); err != nil {
		return err
	}
	if err := t.Client.StopUpdaterDaemon(ctx); err != nil {
		return err
	}
	if err := t.createLockFiles(ctx); err != nil {
		return err
	}
	if err := t.BlockingSync(ctx); err != nil {
		return err
	}
	if err := t.Servo.RotateServodLogs(ctx, "servod.init", t.ResultsDir); err != nil {
		logging.Infof(ctx, "Failed to save servod logs: %v", err)
	}
	logging.Infof(ctx, "FirmwareTest initialize done (id=%s)", t.RunID)
	return nil
}

// Cleanup restores the DUT after a firmware test. Steps continue past
// failures; the first error is returned.
func (t *Test) Cleanup(ctx context.Context) error {
	logging.Infof(ctx, "FirmwareTest cleaning up (id=%s)", t.RunID)
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := t.Servo.RotateServodLogs(ctx, "servod", t.ResultsDir); err != nil {
		logging.Infof(ctx, "Failed to save servod logs: %v", err)
	}
	if err := t.recordUARTCapture(ctx); err != nil {
		logging.Warningf(ctx, "Failed initial uart capture during cleanup: %v", err)
	}
	t.Servo.RotateServodLogs(ctx, "", "")

	if _, err := t.Client.IsAvailable(ctx); err != nil {
		// The DUT is not answering; revive it so later tests can run.
		keep(t.RestoreRoutineFromTimeout(ctx))
	}
	keep(t.Rebooter.RestoreMode(ctx))
	keep(t.restoreServoV4Role(ctx))
	t.restoreGBBFlags(ctx)
	keep(t.Client.StartUpdaterDaemon(ctx))
	keep(t.Client.CleanupUpdater(ctx))
	keep(t.removeLockFiles(ctx))
	keep(t.recordClientLog(ctx))
	if err := t.Servo.RotateServodLogs(ctx, "servod.cleanup", t.ResultsDir); err != nil {
		logging.Infof(ctx, "Failed to save servod logs: %v", err)
	}

	keep(t.cleanupUARTCapture(ctx))
	t.Servo.RotateServodLogs(ctx, "", "")
	logging.Infof(ctx, "FirmwareTest cleanup done (id=%s)", t.RunID)
	return firstErr
}

func (t *Test) setupUARTCapture(ctx context.Context) {
	if _, err := t.Servo.Get(ctx, "cr50_version", ""); err == nil {
		t.hasCr50 = true
	} else if servo.IsControlUnavailable(err) {
		logging.Warning(ctx, "cr50 console not supported")
	} else {
		logging.Warningf(ctx, "Unknown cr50 uart capture error: %v", err)
	}
	t.Servo.StartUARTCapture(ctx)
	t.uartStarted = true
}

func (t *Test) recordUARTCapture(ctx context.Context) error {
	if !t.uartStarted {
		return nil
	}
	return t.Servo.DumpUARTs(ctx, t.ResultsDir)
}

func (t *Test) cleanupUARTCapture(ctx context.Context) error {
	err := t.recordUARTCapture(ctx)
	if t.uartStarted {
		t.Servo.StopUARTCapture(ctx)
		t.uartStarted = false
	}
	return err
}

// recordSystemInfo writes versions of the DUT and servo to the keyval file
// in the results directory. Values that cannot be read are skipped.
func (t *Test) recordSystemInfo(ctx context.Context) {
	info := make(map[string]string)
	add := func(key string, get func() (string, error)) {
		v, err := get()
		if err != nil {
			logging.Infof(ctx, "Failed to get %s: %v", key, err)
			return
		}
		info[key] = v
	}
	add("hwid", func() (string, error) { return t.Client.CrossystemValue(ctx, "hwid") })
	add("ec_version", func() (string, error) { return t.Client.ECVersion(ctx) })
	add("ro_fwid", func() (string, error) { return t.Client.CrossystemValue(ctx, "ro_fwid") })
	add("rw_fwid", func() (string, error) { return t.Client.CrossystemValue(ctx, "fwid") })
	add("servo_host_os_version", func() (string, error) { return t.Servo.OSVersion(ctx) })
	add("servod_version", func() (string, error) { return t.Servo.ServodVersion(ctx) })
	add("servo_type", func() (string, error) { return t.Servo.ServoVersion(ctx, false) })
	if fw, err := t.Servo.ServoFWVersions(ctx); err == nil {
		for k, v := range fw {
			info[k] = v
		}
	}
	if t.hasCr50 {
		add("cr50_version", func() (string, error) { return t.Servo.Get(ctx, "cr50_version", "") })
	}

	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, info[k])
	}
	logging.Infof(ctx, "System info:\n%s", b.String())
	if t.ResultsDir == "" {
		return
	}
	if err := os.WriteFile(filepath.Join(t.ResultsDir, "keyval"), []byte(b.String()), 0644); err != nil {
		logging.Infof(ctx, "Failed to write keyval: %v", err)
	}
}

func (t *Test) createLockFiles(ctx context.Context) error {
	for _, p := range []string{LockFile, LegacyLockFile} {
		logging.Infof(ctx, "Creating FAFT lockfile %s", p)
		l, err := host.CreateRemoteLockFile(ctx, t.DUT, p)
		if err != nil {
			return err
		}
		t.lockFiles = append(t.lockFiles, l)
	}
	return nil
}

func (t *Test) removeLockFiles(ctx context.Context) error {
	var firstErr error
	for _, l := range t.lockFiles {
		if err := l.Remove(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.lockFiles = nil
	return firstErr
}

func (t *Test) recordClientLog(ctx context.Context) error {
	log, err := t.Client.DumpLog(ctx, true)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(t.ResultsDir, "faft_client.log"), []byte(log), 0644)
}

// SetServoV4RoleToSnk makes servo v4 a power sink until Cleanup.
func (t *Test) SetServoV4RoleToSnk(ctx context.Context) error {
	t.restoreV4Role = true
	return t.Servo.SetServoV4Role(ctx, servo.V4RoleSnk)
}

func (t *Test) restoreServoV4Role(ctx context.Context) error {
	if !t.restoreV4Role {
		return nil
	}
	t.restoreV4Role = false
	return t.Servo.SetServoV4Role(ctx, servo.V4RoleSrc)
}
