// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/mem"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/host"
	"go.chromium.org/labtest/internal/command"
	"go.chromium.org/labtest/internal/logging"
	"go.chromium.org/labtest/shutil"
)

const (
	healTimeout        = 15 * time.Minute
	devicePollInterval = 5 * time.Second
)

// deviceDiagnosisCommands are logged for every available device during an
// active heal.
var deviceDiagnosisCommands = []string{
	"ps -A | grep -i sl4a",
	"cat /proc/meminfo",
}

var logcatBuffers = []string{"radio", "events", "main", "system", "crash"}

// virtualMemory is swapped out in tests.
var virtualMemory = mem.VirtualMemory

// Heal checks the host and devices and tries to repair them. A passive heal
// only consults the suite's in-memory state. It returns false if something
// could not be recovered.
func (b *BaseTest) Heal(ctx context.Context, passive bool) bool {
	if !passive {
		b.diagnoseHost(ctx)
		if !b.runHealCommands(ctx) {
			return false
		}
		if !b.checkDevices(ctx) {
			return false
		}
	}
	h, ok := b.suite.(Healer)
	if !ok {
		return true
	}
	return h.Heal(ctx, passive)
}

// diagnoseHost logs adb processes and memory usage of the host.
func (b *BaseTest) diagnoseHost(ctx context.Context) {
	procs, err := command.FindProcesses("adb")
	if err != nil {
		logging.Debugf(ctx, "host diagnosis: listing processes: %v", err)
	}
	for _, p := range procs {
		logging.Debugf(ctx, "host diagnosis: pid=%d ppid=%d %s", p.PID, p.PPID, p.Cmdline)
	}
	if vm, err := virtualMemory(); err != nil {
		logging.Debugf(ctx, "host diagnosis: reading memory: %v", err)
	} else {
		logging.Debugf(ctx, "host diagnosis: memory %s available of %s",
			humanize.Bytes(vm.Available), humanize.Bytes(vm.Total))
	}
}

func (b *BaseTest) runHealCommands(ctx context.Context) bool {
	for _, cmd := range b.cfg.HealCommands {
		out, err := b.healRunner.Run(ctx, cmd)
		logging.Debugf(ctx, "heal command %s on %s: %s", cmd, b.healRunner.Hostname(), strings.TrimSpace(string(out)))
		if err != nil {
			logging.Warningf(ctx, "Heal command %s failed: %v", cmd, err)
			return false
		}
	}
	return true
}

// checkDevices waits for every configured device that dropped off the adb
// server to come back.
func (b *BaseTest) checkDevices(ctx context.Context) bool {
	if len(b.cfg.Serials) == 0 {
		return true
	}
	deadline := b.clk.Now().Add(healTimeout)
	for _, serial := range b.cfg.Serials {
		ok, err := b.deviceAvailable(serial)
		if err != nil {
			logging.Warningf(ctx, "Failed to list adb devices: %v", err)
			return false
		}
		if ok {
			b.diagnoseDevice(ctx, serial)
			continue
		}

		logging.Warningf(ctx, "Device %s became unavailable after tests; waiting for it to come back", serial)
		if err := b.waitForDevice(ctx, serial, deadline); err != nil {
			logging.Warningf(ctx, "Failed to restore device %s: %v", serial, err)
			return false
		}
		b.restartServices(ctx)
	}
	return true
}

func (b *BaseTest) deviceAvailable(serial string) (bool, error) {
	serials, err := b.listDevices()
	if err != nil {
		return false, err
	}
	for _, s := range serials {
		if s == serial {
			return true, nil
		}
	}
	return false, nil
}

func (b *BaseTest) waitForDevice(ctx context.Context, serial string, deadline time.Time) error {
	for {
		if ok, err := b.deviceAvailable(serial); err == nil && ok {
			return nil
		}
		if !b.clk.Now().Before(deadline) {
			return errors.Errorf("device did not come back within %v", healTimeout)
		}
		select {
		case <-b.clk.After(devicePollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *BaseTest) diagnoseDevice(ctx context.Context, serial string) {
	r, err := b.dialADB(ctx, serial)
	if err != nil {
		logging.Debugf(ctx, "device diagnosis: %s: %v", serial, err)
		return
	}
	defer r.Close(ctx)
	for _, cmd := range deviceDiagnosisCommands {
		out, _ := r.Run(ctx, cmd)
		logging.Debugf(ctx, "device diagnosis command %s on %s: %s", cmd, serial, strings.TrimSpace(string(out)))
	}
}

var unsafePrefixRE = regexp.MustCompile(`[^\w\-_. ]`)

// artifactPrefix turns a test name into a file name prefix.
func artifactPrefix(name string) string {
	if name == "" {
		return ""
	}
	return unsafePrefixRE.ReplaceAllString(name, "_") + "_"
}

func (b *BaseTest) collectFailureArtifacts(ctx context.Context, name string) {
	if b.cfg.ResultsDir == "" || len(b.cfg.Serials) == 0 {
		return
	}
	if b.cfg.BugReportOnFailure {
		if err := b.DumpBugReport(ctx, name); err != nil {
			logging.Warningf(ctx, "Failed to dump bugreport: %v", err)
		}
	}
	if b.cfg.logcatOnFailure() {
		if err := b.DumpLogcat(ctx, name); err != nil {
			logging.Warningf(ctx, "Failed to dump logcat: %v", err)
		}
	}
}

// DumpLogcat saves the logcat buffers of every device under
// <ResultsDir>/logcat.
func (b *BaseTest) DumpLogcat(ctx context.Context, prefix string) error {
	prefix = artifactPrefix(prefix)
	dir := filepath.Join(b.cfg.ResultsDir, "logcat")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "failed to create logcat output directory")
	}
	for _, serial := range b.cfg.Serials {
		r, err := b.dialADB(ctx, serial)
		if err != nil {
			logging.Warningf(ctx, "Skipping logcat of %s: %v", serial, err)
			continue
		}
		for _, buf := range logcatBuffers {
			path := filepath.Join(dir, fmt.Sprintf("logcat_%s_%s_%s.txt", prefix, buf, serial))
			logging.Infof(ctx, "Dumping logcat %s...", path)
			out, err := r.Run(ctx, "logcat -b "+shutil.Escape(buf)+" -d")
			if err != nil {
				logging.Warningf(ctx, "logcat -b %s on %s failed: %v", buf, serial, err)
				continue
			}
			if err := os.WriteFile(path, out, 0644); err != nil {
				r.Close(ctx)
				return err
			}
		}
		r.Close(ctx)
	}
	return nil
}

// DumpBugReport saves a bugreport zip of every device under
// <ResultsDir>/bugreport.
func (b *BaseTest) DumpBugReport(ctx context.Context, prefix string) error {
	prefix = artifactPrefix(prefix)
	dir := filepath.Join(b.cfg.ResultsDir, "bugreport")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "failed to create bugreport output directory")
	}
	for _, serial := range b.cfg.Serials {
		r, err := b.dialADB(ctx, serial)
		if err != nil {
			logging.Warningf(ctx, "Skipping bugreport of %s: %v", serial, err)
			continue
		}
		path := filepath.Join(dir, fmt.Sprintf("bugreport_%s_%s.zip", prefix, serial))
		logging.Infof(ctx, "Dumping bugreport %s...", path)
		err = pullBugReport(ctx, r, path)
		r.Close(ctx)
		if err != nil {
			logging.Warningf(ctx, "Bugreport of %s failed: %v", serial, err)
		}
	}
	return nil
}

// pullBugReport runs bugreportz, which prints "OK:<path>" on success, and
// copies the zip to dst.
func pullBugReport(ctx context.Context, r host.Runner, dst string) error {
	out, err := host.Output(ctx, r, "bugreportz")
	if err != nil {
		return err
	}
	src := strings.TrimPrefix(out, "OK:")
	if src == out {
		return errors.Errorf("bugreportz: %s", out)
	}
	return r.GetFile(ctx, src, dst)
}
