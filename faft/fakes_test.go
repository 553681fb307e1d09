// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package faft

import (
	"context"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/host"
	"go.chromium.org/labtest/host/hosttest"
	"go.chromium.org/labtest/servo"
)

var epoch = time.Unix(1600000000, 0)

// instantClock is a fake clock whose timers fire at once, advancing time.
type instantClock struct {
	*fakeclock.FakeClock
}

func newInstantClock() instantClock { return instantClock{fakeclock.NewFakeClock(epoch)} }

func (c instantClock) After(d time.Duration) <-chan time.Time {
	c.Increment(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

// fakeClient is a Client whose shell commands run on a hosttest.Runner.
type fakeClient struct {
	shell *hosttest.Runner

	mu           sync.Mutex
	calls        []string
	unavailable  bool
	tpm          bool
	vboot2       bool
	crossystem   map[string]string
	gbb          uint32
	gbbWrites    []uint32
	biosOK       bool
	rootDev      string
	removable    bool
	internalDev  string
	fwids        map[string]string // section -> fwid
	sigSHA       map[string]string
	bodySHA      map[string]string
	kernelSHA    map[string]string
	preamble     map[string]int
	cgpt         map[string]interface{}
	cgptWrites   int
	clientLog    string
	shellballIDs map[string]map[string]string
}

var _ Client = (*fakeClient)(nil)

func newFakeClient() *fakeClient {
	return &fakeClient{
		shell:      hosttest.NewRunner("dut-shell"),
		tpm:        true,
		biosOK:     true,
		crossystem: map[string]string{"mainfw_act": "A", "mainfw_type": "normal"},
		rootDev:    "/dev/sda",
		fwids:      map[string]string{"ro": "ro.1", "a": "rw.1", "b": "rw.1"},
		sigSHA:     map[string]string{"a": "siga", "b": "sigb"},
		bodySHA:    map[string]string{"a": "bodya", "b": "bodyb"},
		kernelSHA:  map[string]string{"A": "ka", "B": "kb"},
		preamble:   map[string]int{},
	}
}

func (c *fakeClient) record(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

func (c *fakeClient) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeClient) called(call string) bool {
	for _, x := range c.Calls() {
		if x == call {
			return true
		}
	}
	return false
}

func (c *fakeClient) IsAvailable(ctx context.Context) (bool, error) {
	c.record("system.is_available")
	if c.unavailable {
		return false, errors.New("connection refused")
	}
	return true, nil
}
func (c *fakeClient) PlatformName(ctx context.Context) (string, error) { return "Octopus", nil }
func (c *fakeClient) ModelName(ctx context.Context) (string, error)    { return "bobba", nil }
func (c *fakeClient) DevTPMPresent(ctx context.Context) (bool, error)  { return c.tpm, nil }
func (c *fakeClient) FWVboot2(ctx context.Context) (bool, error)       { return c.vboot2, nil }
func (c *fakeClient) SetFWTryNext(ctx context.Context, next string, count int) error {
	c.record("system.set_fw_try_next " + next)
	return nil
}
func (c *fakeClient) CrossystemValue(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.crossystem[key], nil
}
func (c *fakeClient) RunShellCommand(ctx context.Context, cmd string) error {
	_, err := c.shell.Run(ctx, cmd)
	return err
}
func (c *fakeClient) RunShellCommandGetOutput(ctx context.Context, cmd string) ([]string, error) {
	return host.OutputLines(ctx, c.shell, cmd)
}
func (c *fakeClient) RunShellCommandGetStatus(ctx context.Context, cmd string) (int, error) {
	return host.Status(ctx, c.shell, cmd)
}
func (c *fakeClient) RunShellCommandCheckOutput(ctx context.Context, cmd, success string) (bool, error) {
	out, err := c.shell.Run(ctx, cmd)
	if err != nil {
		return false, err
	}
	return strings.Contains(string(out), success), nil
}
func (c *fakeClient) RootDev(ctx context.Context) (string, error) { return c.rootDev, nil }
func (c *fakeClient) IsRemovableDeviceBoot(ctx context.Context) (bool, error) {
	return c.removable, nil
}
func (c *fakeClient) InternalDevice(ctx context.Context) (string, error) { return c.internalDev, nil }
func (c *fakeClient) CreateTempDir(ctx context.Context) (string, error)  { return "/tmp/faft_tmp", nil }
func (c *fakeClient) DumpLog(ctx context.Context, remove bool) (string, error) {
	return c.clientLog, nil
}
func (c *fakeClient) SetTryFWB(ctx context.Context, count int) error {
	c.record("system.set_try_fw_b")
	return nil
}
func (c *fakeClient) SetDevBootUSB(ctx context.Context, enable bool) error { return nil }
func (c *fakeClient) BIOSAvailable(ctx context.Context) (bool, error)      { return c.biosOK, nil }
func (c *fakeClient) GBBFlags(ctx context.Context) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gbb, nil
}
func (c *fakeClient) SetGBBFlags(ctx context.Context, flags uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gbb = flags
	c.gbbWrites = append(c.gbbWrites, flags)
	return nil
}
func (c *fakeClient) PreambleFlags(ctx context.Context, section string) (int, error) {
	return c.preamble[section], nil
}
func (c *fakeClient) SetPreambleFlags(ctx context.Context, section string, flags int) error {
	c.preamble[section] = flags
	return nil
}
func (c *fakeClient) ReloadBIOS(ctx context.Context) error { return nil }
func (c *fakeClient) SigSHA(ctx context.Context, section string) (string, error) {
	return c.sigSHA[section], nil
}
func (c *fakeClient) BodySHA(ctx context.Context, section string) (string, error) {
	return c.bodySHA[section], nil
}
func (c *fakeClient) SectionFWID(ctx context.Context, section string) (string, error) {
	return c.fwids[section], nil
}
func (c *fakeClient) DumpBIOS(ctx context.Context, path string) error {
	c.shell.SetFile(path, "bios-image")
	return nil
}
func (c *fakeClient) WriteBIOS(ctx context.Context, path string) error {
	c.record("bios.write_whole " + path)
	return nil
}
func (c *fakeClient) ECVersion(ctx context.Context) (string, error) { return "ec_v1", nil }
func (c *fakeClient) DumpEC(ctx context.Context, path string) error {
	c.shell.SetFile(path, "ec-image")
	return nil
}
func (c *fakeClient) WriteEC(ctx context.Context, path string) error {
	c.record("ec.write_whole " + path)
	return nil
}
func (c *fakeClient) SetECWriteProtect(ctx context.Context, enable bool) error { return nil }
func (c *fakeClient) KernelDiffAB(ctx context.Context) (bool, error) {
	return c.kernelSHA["A"] != c.kernelSHA["B"], nil
}
func (c *fakeClient) KernelSHA(ctx context.Context, part string) (string, error) {
	return c.kernelSHA[part], nil
}
func (c *fakeClient) DumpKernel(ctx context.Context, part, path string) error {
	c.shell.SetFile(path, "kernel-"+part)
	return nil
}
func (c *fakeClient) WriteKernel(ctx context.Context, part, path string) error {
	c.record("kernel.write " + part)
	return nil
}
func (c *fakeClient) VerifyRootfs(ctx context.Context, section string) (bool, error) {
	return true, nil
}
func (c *fakeClient) CgptAttributes(ctx context.Context) (map[string]interface{}, error) {
	return c.cgpt, nil
}
func (c *fakeClient) SetCgptAttributes(ctx context.Context, a, b interface{}) error {
	c.cgptWrites++
	c.cgpt = map[string]interface{}{"A": a, "B": b}
	return nil
}
func (c *fakeClient) StopUpdaterDaemon(ctx context.Context) error {
	c.record("updater.stop_daemon")
	return nil
}
func (c *fakeClient) StartUpdaterDaemon(ctx context.Context) error {
	c.record("updater.start_daemon")
	return nil
}
func (c *fakeClient) CleanupUpdater(ctx context.Context) error {
	c.record("updater.cleanup")
	return nil
}
func (c *fakeClient) AllFWIDs(ctx context.Context, target string) (map[string]string, error) {
	return c.shellballIDs[target], nil
}
func (c *fakeClient) ModifyFWIDs(ctx context.Context, target string, sections []string) error {
	c.record("updater.modify_fwids " + target + " " + strings.Join(sections, ","))
	return nil
}
func (c *fakeClient) RepackShellball(ctx context.Context, suffix string) (string, error) {
	return "/usr/local/tmp/chromeos-firmwareupdate-" + suffix, nil
}

// fakeServo is a Servo whose host commands run on a hosttest.Runner.
type fakeServo struct {
	host *hosttest.Runner

	mu       sync.Mutex
	ctrls    map[string]string
	sets     []string
	actions  []string
	usb      servo.USBState
	usbDev   string
	uartDump int
}

var _ Servo = (*fakeServo)(nil)

func newFakeServo() *fakeServo {
	return &fakeServo{
		host:  hosttest.NewRunner("labstation"),
		ctrls: map[string]string{"lid_open": "yes"},
		usb:   servo.USBHost,
	}
}

func (s *fakeServo) act(a string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, a)
}

func (s *fakeServo) Actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.actions...)
}

func (s *fakeServo) Get(ctx context.Context, ctrl, prefix string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.ctrls[ctrl]
	if !ok {
		return "", &servo.ControlUnavailableError{Control: ctrl}
	}
	return v, nil
}
func (s *fakeServo) Set(ctx context.Context, ctrl, value, prefix string) error {
	return s.SetNoCheck(ctx, ctrl, value, prefix)
}
func (s *fakeServo) SetNoCheck(ctx context.Context, ctrl, value, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctrls[ctrl] = value
	s.sets = append(s.sets, ctrl+":"+value)
	return nil
}
func (s *fakeServo) HasControl(ctx context.Context, ctrl, prefix string) (bool, error) {
	_, err := s.Get(ctx, ctrl, prefix)
	return err == nil, nil
}
func (s *fakeServo) InitializeDUT(ctx context.Context, coldReset bool) error {
	s.act("initialize_dut")
	return nil
}
func (s *fakeServo) RotateServodLogs(ctx context.Context, filename, dir string) error {
	s.act("rotate " + filename)
	return nil
}
func (s *fakeServo) System(ctx context.Context, cmd string) error {
	_, err := s.host.Run(ctx, cmd)
	return err
}
func (s *fakeServo) SystemOutput(ctx context.Context, cmd string) (string, error) {
	return host.Output(ctx, s.host, cmd)
}
func (s *fakeServo) OSVersion(ctx context.Context) (string, error)     { return "R90", nil }
func (s *fakeServo) ServodVersion(ctx context.Context) (string, error) { return "servod v1", nil }
func (s *fakeServo) ServoVersion(ctx context.Context, active bool) (string, error) {
	return "servo_v4_with_servo_micro", nil
}
func (s *fakeServo) ServoFWVersions(ctx context.Context) (map[string]string, error) {
	return map[string]string{"servo_v4_version": "v4_1"}, nil
}
func (s *fakeServo) StartUARTCapture(ctx context.Context) { s.act("uart start") }
func (s *fakeServo) DumpUARTs(ctx context.Context, dir string) error {
	s.mu.Lock()
	s.uartDump++
	s.mu.Unlock()
	return nil
}
func (s *fakeServo) StopUARTCapture(ctx context.Context) { s.act("uart stop") }
func (s *fakeServo) USBKeyDirection(ctx context.Context) (servo.USBState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usb, nil
}
func (s *fakeServo) SwitchUSBKey(ctx context.Context, st servo.USBState) error {
	s.mu.Lock()
	s.usb = st
	s.mu.Unlock()
	s.act("usb " + string(st))
	return nil
}
func (s *fakeServo) ProbeHostUSBDev(ctx context.Context) (string, error) { return s.usbDev, nil }
func (s *fakeServo) SetServoV4Role(ctx context.Context, role servo.V4Role) error {
	s.act("v4 role " + string(role))
	return nil
}
func (s *fakeServo) ColdReset(ctx context.Context) error { s.act("cold_reset"); return nil }
func (s *fakeServo) WarmReset(ctx context.Context) error { s.act("warm_reset"); return nil }
func (s *fakeServo) PowerOff(ctx context.Context) error  { s.act("power off"); return nil }
func (s *fakeServo) PowerOn(ctx context.Context, mode servo.RecMode) error {
	s.act("power on " + string(mode))
	return nil
}
func (s *fakeServo) PowerKeyFor(ctx context.Context, d time.Duration) error {
	s.act("power_key " + d.String())
	return nil
}
func (s *fakeServo) PowerShortPress(ctx context.Context) error { s.act("power_key tab"); return nil }
func (s *fakeServo) CtrlD(ctx context.Context, press servo.KeyPress) error {
	s.act("ctrl_d")
	return nil
}
func (s *fakeServo) EnterKey(ctx context.Context, press servo.KeyPress) error {
	s.act("enter")
	return nil
}

// fakeRebooter records requests and fails with errs in order.
type fakeRebooter struct {
	mu    sync.Mutex
	calls []string
	errs  []error
}

var _ Rebooter = (*fakeRebooter)(nil)

func (r *fakeRebooter) do(call string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	if len(r.errs) == 0 {
		return nil
	}
	err := r.errs[0]
	r.errs = r.errs[1:]
	return err
}

func (r *fakeRebooter) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *fakeRebooter) ModeAwareReboot(ctx context.Context, req RebootRequest) error {
	typ := req.Type
	if typ == "" {
		typ = WarmReboot
	}
	return r.do("reboot " + string(typ))
}
func (r *fakeRebooter) WaitForClient(ctx context.Context, timeout time.Duration) error {
	return r.do("wait")
}
func (r *fakeRebooter) WaitForClientOffline(ctx context.Context, timeout time.Duration, bootID string) error {
	return r.do("wait offline")
}
func (r *fakeRebooter) BypassDevMode(ctx context.Context) error { return r.do("bypass dev") }
func (r *fakeRebooter) BypassRecMode(ctx context.Context) error { return r.do("bypass rec") }
func (r *fakeRebooter) RebootToMode(ctx context.Context, mode BootMode, req RebootRequest) error {
	return r.do("to " + string(mode))
}
func (r *fakeRebooter) RestoreMode(ctx context.Context) error { return r.do("restore mode") }

type testEnv struct {
	t        *Test
	client   *fakeClient
	svo      *fakeServo
	dut      *hosttest.Runner
	rebooter *fakeRebooter
	clk      instantClock
}

func newTestEnv(resultsDir string) *testEnv {
	e := &testEnv{
		client:   newFakeClient(),
		svo:      newFakeServo(),
		dut:      hosttest.NewRunner("dut"),
		rebooter: &fakeRebooter{},
		clk:      newInstantClock(),
	}
	// The RPC server runs its commands on the DUT.
	e.client.shell = e.dut
	e.t = New(e.svo, e.client, e.dut, DefaultConfig(), resultsDir,
		WithClock(e.clk), WithRebooter(e.rebooter), WithSetupTracker(NewSetupTracker()))
	return e
}
