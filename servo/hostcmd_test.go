// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package servo

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"go.chromium.org/labtest/host"
	"go.chromium.org/labtest/host/hosttest"
	"go.chromium.org/labtest/testutil"
)

// newRemoteServo returns a Servo that believes servod runs on labstation
// port 9999.
func newRemoteServo(t *testing.T, f *fakeServod) (*Servo, *hosttest.Runner) {
	s, _ := newTestServo(t, f)
	r := hosttest.NewRunner("labstation")
	s.host = r
	s.hostname = "labstation"
	s.port = DefaultPort
	return s, r
}

func TestRotateServodLogs(t *testing.T) {
	f := newFakeServod(t, map[string]string{"rotate_servod_logs": "no"})
	s, r := newRemoteServo(t, f)
	r.SetFile("/var/log/servod_9999/latest", "")
	r.SetFile("/var/log/servod_9999/latest.DEBUG", "debug log")
	r.SetFile("/var/log/servod_9999/latest.WARNING", "warnings")
	dir := testutil.TempDir(t)

	if err := s.RotateServodLogs(context.Background(), "servod", dir); err != nil {
		t.Fatal("RotateServodLogs: ", err)
	}
	files, err := testutil.ReadFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		"servod.DEBUG":   "debug log",
		"servod.WARNING": "warnings",
	}
	if diff := cmp.Diff(files, want); diff != "" {
		t.Errorf("Unexpected log files (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(f.Sets(), []string{"rotate_servod_logs:yes"}); diff != "" {
		t.Errorf("Unexpected sets (-got +want):\n%s", diff)
	}
}

func TestRotateServodLogsDiscard(t *testing.T) {
	// rotate_servod_logs is missing, which is tolerated.
	f := newFakeServod(t, map[string]string{})
	s, r := newRemoteServo(t, f)

	if err := s.RotateServodLogs(context.Background(), "", ""); err != nil {
		t.Fatal("RotateServodLogs: ", err)
	}
	if !r.Ran(`^rm /var/log/servod_9999/latest\*$`) {
		t.Errorf("Old logs were not removed; ran %q", r.Commands())
	}
}

func TestRotateServodLogsLocal(t *testing.T) {
	f := newFakeServod(t, map[string]string{"rotate_servod_logs": "no"})
	s, _ := newTestServo(t, f)

	if err := s.RotateServodLogs(context.Background(), "servod", t.TempDir()); err != nil {
		t.Fatal("RotateServodLogs: ", err)
	}
	if len(f.Sets()) != 0 {
		t.Errorf("Unexpected sets %v for local servod", f.Sets())
	}
}

func TestOSVersion(t *testing.T) {
	f := newFakeServod(t, map[string]string{})
	s, r := newRemoteServo(t, f)
	r.Reply(`^cat /etc/lsb-release$`, "CHROMEOS_RELEASE_BOARD=fizz-labstation\nCHROMEOS_RELEASE_BUILDER_PATH=fizz-labstation-release/R90-13816.0.0\n")

	v, err := s.OSVersion(context.Background())
	if err != nil {
		t.Fatal("OSVersion: ", err)
	}
	if want := "fizz-labstation-release/R90-13816.0.0"; v != want {
		t.Errorf("OSVersion = %q; want %q", v, want)
	}
}

func TestServodVersionStderr(t *testing.T) {
	f := newFakeServod(t, map[string]string{})
	s, r := newRemoteServo(t, f)
	r.Handle(`^servod --version$`, func(cmd string) (string, int, error) {
		return "", 0, &host.ExitError{Cmd: cmd, Status: 2, Stderr: "servod v1.0.1234\n"}
	})

	v, err := s.ServodVersion(context.Background())
	if err != nil {
		t.Fatal("ServodVersion: ", err)
	}
	if v != "servod v1.0.1234" {
		t.Errorf("ServodVersion = %q; want %q", v, "servod v1.0.1234")
	}
}

func TestProgramBIOS(t *testing.T) {
	f := newFakeServod(t, map[string]string{
		"servo_micro.serialname": "SM1234",
		"cold_reset":             "off",
	})
	f.srv.Handle("get_version", func([]interface{}) (interface{}, error) { return "servo_v4_with_servo_micro", nil })
	s, r := newRemoteServo(t, f)
	image := filepath.Join(t.TempDir(), "bios.bin")
	if err := os.WriteFile(image, []byte("firmware"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := s.ProgramBIOS(context.Background(), image); err != nil {
		t.Fatal("ProgramBIOS: ", err)
	}
	if c, ok := r.File("/tmp/dut_9999.bios.bin"); !ok || c != "firmware" {
		t.Errorf("Image on servo host = %q, %v; want %q", c, ok, "firmware")
	}
	if !r.Ran(`^flashrom -p raiden_debug_spi:serial=SM1234 -w /tmp/dut_9999.bios.bin$`) {
		t.Errorf("flashrom was not run; ran %q", r.Commands())
	}
	if diff := cmp.Diff(f.Sets(), []string{"cold_reset:on", "cold_reset:off"}); diff != "" {
		t.Errorf("Unexpected sets (-got +want):\n%s", diff)
	}
}

func TestDumpUARTs(t *testing.T) {
	f := newFakeServod(t, map[string]string{
		"cpu_uart_capture": "off",
		"cpu_uart_stream":  `'boot\nlogin: '`,
		"ec_uart_capture":  "off",
		"ec_uart_stream":   "not_applicable",
	})
	s, _ := newTestServo(t, f)
	ctx := context.Background()
	dir := t.TempDir()

	s.StartUARTCapture(ctx)
	if err := s.DumpUARTs(ctx, dir); err != nil {
		t.Fatal("DumpUARTs: ", err)
	}
	if err := s.DumpUARTs(ctx, dir); err != nil {
		t.Fatal("DumpUARTs: ", err)
	}
	files, err := testutil.ReadFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"cpu_uart.log": "boot\nlogin: boot\nlogin: "}
	if diff := cmp.Diff(files, want); diff != "" {
		t.Errorf("Unexpected UART logs (-got +want):\n%s", diff)
	}

	s.StopUARTCapture(ctx)
	if got := f.Ctrl("cpu_uart_capture"); got != "off" {
		t.Errorf("cpu_uart_capture = %q after stop; want off", got)
	}
}

func TestUnquoteLiteral(t *testing.T) {
	for _, tc := range []struct {
		in, want string
	}{
		{`'abc'`, "abc"},
		{`'a\nb'`, "a\nb"},
		{`'it\'s "ok"'`, `it's "ok"`},
		{`"x\ty"`, "x\ty"},
		{`plain`, "plain"},
		{`'`, "'"},
	} {
		if got := unquoteLiteral(tc.in); got != tc.want {
			t.Errorf("unquoteLiteral(%q) = %q; want %q", tc.in, got, tc.want)
		}
	}
}
