// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package host

import (
	"context"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/electricbubble/gadb"

	"go.chromium.org/labtest/errors"
)

const adbExitMarker = "__LABTEST_RC="

var adbExitRE = regexp.MustCompile(`(?m)^` + adbExitMarker + `(\d+)\s*$`)

// ADB runs commands on an Android device through the local adb server.
type ADB struct {
	dev    gadb.Device
	serial string
}

var _ Runner = (*ADB)(nil)

// ADBSerials lists serial numbers of devices known to the adb server.
func ADBSerials() ([]string, error) {
	cl, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrapf(ErrADB, "connecting to adb server: %v", err)
	}
	devs, err := cl.DeviceList()
	if err != nil {
		return nil, errors.Wrapf(ErrADB, "listing devices: %v", err)
	}
	var serials []string
	for _, d := range devs {
		serials = append(serials, d.Serial())
	}
	return serials, nil
}

// NewADB finds the device with serial. A serial of the form host:port is
// first connected over TCP.
func NewADB(ctx context.Context, serial string) (*ADB, error) {
	cl, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrapf(ErrADB, "connecting to adb server: %v", err)
	}
	if h, p, err := net.SplitHostPort(serial); err == nil {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, errors.Wrapf(err, "bad adb port in %q", serial)
		}
		if err := cl.Connect(h, port); err != nil {
			return nil, errors.Wrapf(ErrADB, "adb connect %s: %v", serial, err)
		}
	}
	devs, err := cl.DeviceList()
	if err != nil {
		return nil, errors.Wrapf(ErrADB, "listing devices: %v", err)
	}
	for _, d := range devs {
		if d.Serial() == serial {
			return &ADB{dev: d, serial: serial}, nil
		}
	}
	return nil, errors.Wrapf(ErrADB, "device %s not found", serial)
}

// withExitStatus appends the exit status marker to cmd. The marker is
// preceded by a newline so that it starts a line even if the output of cmd
// does not end with one.
func withExitStatus(cmd string) string {
	return fmt.Sprintf(`%s; printf '\n%s%%d\n' $?`, cmd, adbExitMarker)
}

// splitExitStatus removes the exit status marker appended by withExitStatus,
// along with the newline inserted before it.
func splitExitStatus(out string) (body string, status int, ok bool) {
	locs := adbExitRE.FindAllStringSubmatchIndex(out, -1)
	if len(locs) == 0 {
		return out, 0, false
	}
	last := locs[len(locs)-1]
	status, _ = strconv.Atoi(out[last[2]:last[3]])
	body = out[:last[0]]
	if b, found := strings.CutSuffix(body, "\r\n"); found {
		body = b
	} else {
		body = strings.TrimSuffix(body, "\n")
	}
	return body, status, true
}

// Run implements Runner. adb shell merges stderr into stdout, so
// ExitError.Stderr holds the whole output.
func (a *ADB) Run(ctx context.Context, cmd string) ([]byte, error) {
	var out string
	err := doAsync(ctx, func() error {
		var err error
		out, err = a.dev.RunShellCommand(withExitStatus(cmd))
		return err
	}, nil)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, errors.Wrapf(ErrADB, "%s: running %q: %v", a.serial, cmd, err)
	}
	body, status, ok := splitExitStatus(out)
	if !ok {
		return []byte(out), errors.Wrapf(ErrADB, "%s: no exit status for %q", a.serial, cmd)
	}
	if status != 0 {
		return []byte(body), &ExitError{Cmd: cmd, Status: status, Stderr: strings.TrimSpace(body)}
	}
	return []byte(body), nil
}

// GetFile implements Runner.
func (a *ADB) GetFile(ctx context.Context, src, dst string) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if err := a.dev.Pull(src, f); err != nil {
		f.Close()
		return errors.Wrapf(ErrADB, "%s: pulling %s: %v", a.serial, src, err)
	}
	return f.Close()
}

// PutFile implements Runner.
func (a *ADB) PutFile(ctx context.Context, src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := a.dev.PushFile(f, dst); err != nil {
		return errors.Wrapf(ErrADB, "%s: pushing %s: %v", a.serial, dst, err)
	}
	return nil
}

// Forward makes the device's TCP port remote reachable on the local port.
func (a *ADB) Forward(local, remote int) error {
	if err := a.dev.Forward(local, remote); err != nil {
		return errors.Wrapf(ErrADB, "%s: forwarding tcp:%d to tcp:%d: %v", a.serial, local, remote, err)
	}
	return nil
}

// Hostname implements Runner.
func (a *ADB) Hostname() string { return "adb:" + a.serial }

// Close implements Runner.
func (a *ADB) Close(ctx context.Context) error { return nil }
