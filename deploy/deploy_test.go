// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package deploy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v2"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/host"
	"go.chromium.org/labtest/host/hosttest"
	"go.chromium.org/labtest/internal/yamlconf"
	"go.chromium.org/labtest/servo"
	"go.chromium.org/labtest/testutil"
)

// instantClock fires timers at once, advancing time.
type instantClock struct {
	*fakeclock.FakeClock
}

func (c instantClock) After(d time.Duration) <-chan time.Time {
	c.Increment(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

type fakeServo struct {
	mu      sync.Mutex
	actions []string
}

func (s *fakeServo) act(a string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, a)
	return nil
}

func (s *fakeServo) Actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.actions...)
}

func (s *fakeServo) InitializeDUT(ctx context.Context, coldReset bool) error { return s.act("init") }
func (s *fakeServo) ProgramBIOS(ctx context.Context, image string) error {
	return s.act("bios " + image)
}
func (s *fakeServo) ProgramEC(ctx context.Context, image string) error { return s.act("ec " + image) }
func (s *fakeServo) ImageToServoUSB(ctx context.Context, image string, nonInteractive bool) error {
	return s.act("usb image " + image)
}
func (s *fakeServo) BootInRecoveryMode(ctx context.Context) error { return s.act("recovery") }
func (s *fakeServo) SwitchUSBKey(ctx context.Context, st servo.USBState) error {
	return s.act("usb " + string(st))
}
func (s *fakeServo) ColdReset(ctx context.Context) error { return s.act("cold_reset") }
func (s *fakeServo) Close(ctx context.Context) error     { return s.act("close") }

type fakeDialer struct {
	mu        sync.Mutex
	servos    map[string]*fakeServo
	duts      map[string]*hosttest.Runner
	servoErr  map[string]error
	downDials map[string]int // failing DialDUT calls left
	dials     map[string]int
}

func newFakeDialer(hosts ...string) *fakeDialer {
	d := &fakeDialer{
		servos:    make(map[string]*fakeServo),
		duts:      make(map[string]*hosttest.Runner),
		servoErr:  make(map[string]error),
		downDials: make(map[string]int),
		dials:     make(map[string]int),
	}
	for _, h := range hosts {
		d.servos[h] = &fakeServo{}
		dut := hosttest.NewRunner(h)
		dut.Reply(`^cat /etc/lsb-release$`, "CHROMEOS_RELEASE_BOARD=octopus\nCHROMEOS_RELEASE_TRACK=testimage-channel\n")
		d.duts[h] = dut
	}
	return d
}

func (d *fakeDialer) DialServo(ctx context.Context, h Host) (Servo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.servoErr[h.Hostname]; err != nil {
		return nil, err
	}
	return d.servos[h.Hostname], nil
}

func (d *fakeDialer) DialDUT(ctx context.Context, h Host) (host.Runner, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[h.Hostname]++
	if d.downDials[h.Hostname] > 0 {
		d.downDials[h.Hostname]--
		return nil, errors.New("connection refused")
	}
	return d.duts[h.Hostname], nil
}

func testConfig(t *testing.T, hosts ...Host) *Config {
	cfg := &Config{
		Hosts:            hosts,
		Image:            "/images/octopus_test.bin",
		FirmwareImage:    "/images/image-octopus.bin",
		ECImage:          "/images/ec.bin",
		InstallFirmware:  true,
		InstallTestImage: true,
		PostInstallCommands: []string{
			"touch /mnt/stateful_partition/.labtest_deployed",
		},
		Parallelism: 2,
		LockDir:     filepath.Join(testutil.TempDir(t), "locks"),
		Timeout:     yamlconf.Duration(time.Minute),
		BootTimeout: yamlconf.Duration(time.Minute),
	}
	return cfg
}

func TestInstall(t *testing.T) {
	h := Host{Hostname: "dut1", Servo: "labstation:9999", Board: "octopus"}
	cfg := testConfig(t, h)
	d := newFakeDialer("dut1")
	d.downDials["dut1"] = 2
	clk := instantClock{fakeclock.NewFakeClock(time.Unix(0, 0))}

	if err := NewInstaller(cfg, d, WithClock(clk)).Install(context.Background(), h); err != nil {
		t.Fatal("Install: ", err)
	}

	wantActions := []string{
		"init",
		"bios /images/image-octopus.bin",
		"ec /images/ec.bin",
		"cold_reset",
		"usb image /images/octopus_test.bin",
		"recovery",
		"usb host",
		"cold_reset",
		"close",
	}
	if diff := cmp.Diff(d.servos["dut1"].Actions(), wantActions); diff != "" {
		t.Errorf("Servo actions mismatch (-got +want):\n%s", diff)
	}
	wantCmds := []string{
		"true",
		"chromeos-install --yes",
		"true",
		"touch /mnt/stateful_partition/.labtest_deployed",
		"cat /etc/lsb-release",
	}
	if diff := cmp.Diff(d.duts["dut1"].Commands(), wantCmds); diff != "" {
		t.Errorf("DUT commands mismatch (-got +want):\n%s", diff)
	}
	if got := d.dials["dut1"]; got != 4 {
		t.Errorf("DialDUT called %d times; want 4", got)
	}
	if got := clk.Since(time.Unix(0, 0)); got != 2*dutPollInterval {
		t.Errorf("Waited %v; want %v", got, 2*dutPollInterval)
	}
}

func TestInstallDUTNeverUp(t *testing.T) {
	h := Host{Hostname: "dut1", Servo: "labstation:9999"}
	cfg := testConfig(t, h)
	cfg.InstallFirmware = false
	cfg.BootTimeout = yamlconf.Duration(30 * time.Second)
	d := newFakeDialer("dut1")
	d.downDials["dut1"] = 1000
	clk := instantClock{fakeclock.NewFakeClock(time.Unix(0, 0))}

	err := NewInstaller(cfg, d, WithClock(clk)).Install(context.Background(), h)
	var f *InstallFailure
	if !errors.As(err, &f) || !strings.Contains(f.Msg, "did not come up after 30s") {
		t.Fatalf("Install() = %v; want InstallFailure", err)
	}
	if got := d.dials["dut1"]; got != 4 {
		t.Errorf("DialDUT called %d times; want 4", got)
	}
	if d.duts["dut1"].Ran("chromeos-install") {
		t.Error("chromeos-install ran on an unreachable DUT")
	}
}

func TestInstallVerify(t *testing.T) {
	for _, tc := range []struct {
		name    string
		h       Host
		wantErr string
	}{
		{"variant board", Host{Hostname: "dut1", Board: "octo"}, "DUT runs an image for octopus, want octo"},
		{"serial", Host{Hostname: "dut1", Serial: "NXABC"}, "serial number is NX123, want NXABC"},
		{"ok", Host{Hostname: "dut1", Board: "octopus", Serial: "NX123"}, ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t, tc.h)
			cfg.InstallFirmware, cfg.InstallTestImage = false, false
			d := newFakeDialer("dut1")
			d.duts["dut1"].Reply(`^vpd -g serial_number$`, "NX123\n")

			err := NewInstaller(cfg, d).Install(context.Background(), tc.h)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatal("Install: ", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Install() = %v; want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestInstallLocked(t *testing.T) {
	h := Host{Hostname: "root@dut1:2222", Servo: "labstation:9999"}
	cfg := testConfig(t, h)
	cfg.Timeout = yamlconf.Duration(100 * time.Millisecond)
	lock, err := host.TryLocalLock(filepath.Join(cfg.LockDir, "root_dut1_2222.lock"))
	if err != nil || lock == nil {
		t.Fatalf("TryLocalLock() = (%v, %v)", lock, err)
	}
	defer lock.Unlock()

	d := newFakeDialer("root@dut1:2222")
	if err := NewInstaller(cfg, d).Install(context.Background(), h); err == nil {
		t.Fatal("Install succeeded while the host was locked")
	}
	if len(d.servos[h.Hostname].Actions()) != 0 {
		t.Error("Servo used while the host was locked")
	}
}

func TestRun(t *testing.T) {
	hosts := []Host{
		{Hostname: "dut1", Servo: "labstation:9991", Board: "octopus"},
		{Hostname: "dut2", Servo: "labstation:9992", Board: "eve"},
		{Hostname: "dut3", Servo: "labstation:9993", Board: "octopus"},
	}
	cfg := testConfig(t, hosts...)
	cfg.ResultsDir = testutil.TempDir(t)
	d := newFakeDialer("dut1", "dut2", "dut3")
	d.servoErr["dut3"] = errors.New("servod is not running")

	sum, err := Run(context.Background(), cfg, d)
	if err == nil {
		t.Fatal("Run succeeded with failing hosts")
	}
	merr, ok := err.(interface{ WrappedErrors() []error })
	if !ok || len(merr.WrappedErrors()) != 2 {
		t.Errorf("Run() = %v; want two errors", err)
	}

	want := []HostResult{
		{Hostname: "dut1", Status: StatusOK},
		{Hostname: "dut2", Status: StatusFailed},
		{Hostname: "dut3", Status: StatusError},
	}
	opts := cmpopts.IgnoreFields(HostResult{}, "Duration", "Error")
	if diff := cmp.Diff(sum.Results, want, opts); diff != "" {
		t.Errorf("Results mismatch (-got +want):\n%s", diff)
	}
	if !strings.Contains(sum.Results[2].Error, "servod is not running") {
		t.Errorf("dut3 error = %q", sum.Results[2].Error)
	}

	b, err := os.ReadFile(filepath.Join(cfg.ResultsDir, SummaryFile))
	if err != nil {
		t.Fatal(err)
	}
	var saved Summary
	if err := yaml.Unmarshal(b, &saved); err != nil {
		t.Fatal("Bad summary file: ", err)
	}
	if diff := cmp.Diff(saved.Results, want, opts); diff != "" {
		t.Errorf("Saved results mismatch (-got +want):\n%s", diff)
	}
	if saved.Image != cfg.Image {
		t.Errorf("Saved image = %q; want %q", saved.Image, cfg.Image)
	}
	if got := sum.Count(StatusOK); got != 1 {
		t.Errorf("Count(ok) = %d; want 1", got)
	}
}

func TestRunUnsetLimits(t *testing.T) {
	hosts := []Host{
		{Hostname: "dut1", Servo: "labstation:9991", Board: "octopus"},
		{Hostname: "dut3", Servo: "labstation:9993", Board: "octopus"},
	}
	cfg := testConfig(t, hosts...)
	cfg.Parallelism = 0
	cfg.Timeout = 0
	cfg.BootTimeout = 0
	d := newFakeDialer("dut1", "dut3")

	done := make(chan error, 1)
	go func() {
		_, err := Run(context.Background(), cfg, d)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Error("Run failed: ", err)
		}
	case <-time.After(time.Minute):
		t.Fatal("Run did not return with parallelism 0")
	}
	if cfg.Parallelism != 0 {
		t.Errorf("Run modified cfg.Parallelism to %d", cfg.Parallelism)
	}
}

func TestCheckCacheSpace(t *testing.T) {
	dir := testutil.TempDir(t)
	testutil.MustWriteFiles(t, dir, map[string]string{"image.bin": strings.Repeat("x", 100)})
	image := filepath.Join(dir, "image.bin")

	defer func(f func(string, *unix.Statfs_t) error) { statfs = f }(statfs)
	var avail uint64
	statfs = func(path string, st *unix.Statfs_t) error {
		st.Bavail = avail
		st.Bsize = 1
		return nil
	}

	ctx := context.Background()
	avail = 1000
	if err := checkCacheSpace(ctx, dir, image, "", "gs://bucket/remote.bin"); err != nil {
		t.Error("checkCacheSpace: ", err)
	}
	avail = 10
	if err := checkCacheSpace(ctx, dir, image); err == nil || !strings.Contains(err.Error(), "not enough space") {
		t.Errorf("checkCacheSpace() = %v; want not enough space", err)
	}
}
