// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package faft

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"go.chromium.org/labtest/servo"
	"go.chromium.org/labtest/testutil"
)

func TestDoBlockingSync(t *testing.T) {
	for _, tc := range []struct {
		dev  string
		want []string
	}{
		{"/dev/mmcblk0", []string{"mmc status get /dev/mmcblk0"}},
		{"/dev/sda", []string{"hdparm -f /dev/sda"}},
		{"/dev/nvme0", []string{"nvme list-ns /dev/nvme0", "nvme flush /dev/nvme0 -n 0x1", "nvme flush /dev/nvme0 -n 0x2"}},
	} {
		t.Run(tc.dev, func(t *testing.T) {
			e := newTestEnv("")
			e.dut.Reply(`^nvme list-ns`, "[ 0]:0x1\n[ 1]:0x2\n")
			if err := e.t.DoBlockingSync(context.Background(), tc.dev); err != nil {
				t.Fatal("DoBlockingSync: ", err)
			}
			if diff := cmp.Diff(e.dut.Commands(), tc.want); diff != "" {
				t.Errorf("Commands mismatch (-got +want):\n%s", diff)
			}
		})
	}
}

func TestDoBlockingSyncNVMeErrors(t *testing.T) {
	ctx := context.Background()

	e := newTestEnv("")
	if err := e.t.DoBlockingSync(ctx, "/dev/nvme0"); err == nil || !strings.Contains(err.Error(), "Listing namespaces failed") {
		t.Errorf("DoBlockingSync with no namespaces = %v; want listing error", err)
	}

	e = newTestEnv("")
	e.dut.Reply(`^nvme list-ns`, "[ 0]:0x1\n")
	e.dut.Fail(`^nvme flush`, 3)
	err := e.t.DoBlockingSync(ctx, "/dev/nvme0")
	if err == nil || !strings.Contains(err.Error(), "Flushing namespace 0x1 failed (rc=3)") {
		t.Errorf("DoBlockingSync with flush failure = %v; want flush error", err)
	}
}

func TestBlockingSyncRemovable(t *testing.T) {
	e := newTestEnv("")
	e.client.rootDev = "/dev/sdb"
	e.client.removable = true
	e.client.internalDev = "/dev/mmcblk0"
	if err := e.t.BlockingSync(context.Background()); err != nil {
		t.Fatal("BlockingSync: ", err)
	}
	want := []string{"sync", "sync", "hdparm -f /dev/sdb", "mmc status get /dev/mmcblk0"}
	if diff := cmp.Diff(e.dut.Commands(), want); diff != "" {
		t.Errorf("Commands mismatch (-got +want):\n%s", diff)
	}
}

func TestModifyUSBKernel(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv("")
	magic := ChromeOSMagic
	e.svo.host.Handle(`^sudo dd if=/dev/sdc2 bs=8 count=1`, func(string) (string, int, error) { return magic, 0, nil })
	e.svo.host.Handle(`^echo -n CORRUPTD \| sudo dd of=/dev/sdc2`, func(string) (string, int, error) {
		magic = CorruptedMagic
		return "", 0, nil
	})

	if err := e.t.CorruptUSBKernel(ctx, "/dev/sdc"); err != nil {
		t.Fatal("CorruptUSBKernel: ", err)
	}
	if magic != CorruptedMagic {
		t.Errorf("Magic = %q; want %q", magic, CorruptedMagic)
	}
	// Already corrupted: nothing is written.
	n := len(e.svo.host.Commands())
	if err := e.t.CorruptUSBKernel(ctx, "/dev/sdc"); err != nil {
		t.Fatal("CorruptUSBKernel: ", err)
	}
	if got := len(e.svo.host.Commands()); got != n+1 {
		t.Errorf("%d commands run; want 1 read", got-n)
	}

	magic = "GARBAGE!"
	if err := e.t.RestoreUSBKernel(ctx, "/dev/sdc"); err == nil || !strings.Contains(err.Error(), "wrong magic") {
		t.Errorf("RestoreUSBKernel with bad magic = %v; want wrong magic error", err)
	}
}

func TestAssertTestImageInUSBDisk(t *testing.T) {
	for _, tc := range []struct {
		name    string
		usbLSB  string
		wantErr string
	}{
		{"ok", "CHROMEOS_RELEASE_TRACK=testimage-channel\nCHROMEOS_RELEASE_BOARD=octopus\n", ""},
		{"not test", "CHROMEOS_RELEASE_TRACK=stable-channel\nCHROMEOS_RELEASE_BOARD=octopus\n", "no test image"},
		{"other board", "CHROMEOS_RELEASE_TRACK=testimage-channel\nCHROMEOS_RELEASE_BOARD=eve\n", "contains a eve image, but DUT is a octopus"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEnv("")
			e.svo.usb = servo.USBDUT
			e.svo.usbDev = "/dev/sdc"
			e.svo.host.Reply(`^mktemp -d -t usbcheck.XXXX$`, "/tmp/usbcheck.abcd\n")
			e.svo.host.Reply(`^cat /tmp/usbcheck.abcd/etc/lsb-release$`, tc.usbLSB)
			e.dut.Reply(`^cat /etc/lsb-release$`, "CHROMEOS_RELEASE_BOARD=octopus\n")

			err := e.t.AssertTestImageInUSBDisk(context.Background(), "")
			if tc.wantErr == "" {
				if err != nil {
					t.Fatal("AssertTestImageInUSBDisk: ", err)
				}
				if !e.t.CheckSetupDone(SetupUSBCheck) {
					t.Error("usb_check not marked done")
				}
			} else if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("AssertTestImageInUSBDisk() = %v; want error containing %q", err, tc.wantErr)
			}
			if e.svo.usb != servo.USBHost {
				t.Errorf("USB key is on %s; want host", e.svo.usb)
			}
			for _, p := range []string{`^mount -o ro /dev/sdc3 /tmp/usbcheck.abcd$`, `^umount -l /tmp/usbcheck.abcd$`, `^rm -rf /tmp/usbcheck.abcd$`} {
				if !e.svo.host.Ran(p) {
					t.Errorf("No command matching %q on servo host", p)
				}
			}
		})
	}
}

func TestSetupUSBKey(t *testing.T) {
	ctx := context.Background()

	e := newTestEnv("")
	e.t.MarkSetupDone(SetupUSBCheck)
	if err := e.t.SetupUSBKey(ctx, true, USBKeyOptions{Mux: servo.USBDUT}); err != nil {
		t.Fatal("SetupUSBKey: ", err)
	}
	if diff := cmp.Diff(e.svo.Actions(), []string{"usb dut", "v4 role snk"}); diff != "" {
		t.Errorf("Actions mismatch (-got +want):\n%s", diff)
	}

	e = newTestEnv("")
	if err := e.t.SetupUSBKey(ctx, false, USBKeyOptions{}); err != nil {
		t.Fatal("SetupUSBKey: ", err)
	}
	if diff := cmp.Diff(e.svo.Actions(), []string{"usb host"}); diff != "" {
		t.Errorf("Actions mismatch (-got +want):\n%s", diff)
	}
}

func TestUSBDiskPathOnDUT(t *testing.T) {
	e := newTestEnv("")
	e.dut.Handle(`^ls -d /dev/s\*\[a-z\]$`, func(string) (string, int, error) {
		if e.svo.usb == servo.USBDUT {
			return "/dev/sda\n/dev/sdb\n", 0, nil
		}
		return "/dev/sda\n", 0, nil
	})
	got, err := e.t.USBDiskPathOnDUT(context.Background())
	if err != nil {
		t.Fatal("USBDiskPathOnDUT: ", err)
	}
	if got != "/dev/sdb" {
		t.Errorf("USBDiskPathOnDUT() = %q; want /dev/sdb", got)
	}
	if e.svo.usb != servo.USBHost {
		t.Errorf("USB key left on %s; want host", e.svo.usb)
	}
}

func TestCopyKernelAndRootfs(t *testing.T) {
	e := newTestEnv("")
	e.client.rootDev = "/dev/mmcblk0"
	if err := e.t.CopyKernelAndRootfs(context.Background(), "a", "b"); err != nil {
		t.Fatal("CopyKernelAndRootfs: ", err)
	}
	want := []string{
		"dd if=/dev/mmcblk0p2 of=/dev/mmcblk0p4 bs=4M",
		"dd if=/dev/mmcblk0p3 of=/dev/mmcblk0p5 bs=4M",
	}
	if diff := cmp.Diff(e.dut.Commands(), want); diff != "" {
		t.Errorf("Commands mismatch (-got +want):\n%s", diff)
	}
	if err := e.t.CopyKernelAndRootfs(context.Background(), "c", "b"); err == nil {
		t.Error("CopyKernelAndRootfs succeeded for unknown partition")
	}
}

func TestEnsureKernelBoot(t *testing.T) {
	e := newTestEnv("")
	e.dut.Reply(`^rootdev -s$`, "/dev/sda3\n")
	if err := e.t.EnsureKernelBoot(context.Background(), "a"); err != nil {
		t.Fatal("EnsureKernelBoot: ", err)
	}
	if calls := e.rebooter.Calls(); len(calls) != 0 {
		t.Errorf("Rebooted while on kernel A: %q", calls)
	}

	e = newTestEnv("")
	e.dut.Reply(`^rootdev -s$`, "/dev/sda3\n")
	if err := e.t.EnsureKernelBoot(context.Background(), "b"); err != nil {
		t.Fatal("EnsureKernelBoot: ", err)
	}
	want := []string{
		"rootdev -s",
		"dd if=/dev/sda2 of=/dev/sda4 bs=4M",
		"dd if=/dev/sda3 of=/dev/sda5 bs=4M",
		"cgpt add -i2 -P1 -S1 -T0 /dev/sda",
		"cgpt add -i4 -P1 -S1 -T0 /dev/sda",
		"cgpt prioritize -i4 /dev/sda",
	}
	if diff := cmp.Diff(e.dut.Commands(), want); diff != "" {
		t.Errorf("Commands mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(e.rebooter.Calls(), []string{"reboot warm"}); diff != "" {
		t.Errorf("Reboots mismatch (-got +want):\n%s", diff)
	}
}

func TestBackupRestoreKernel(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(testutil.TempDir(t))
	if e.t.IsKernelSaved() {
		t.Error("IsKernelSaved() = true before backup")
	}
	if err := e.t.BackupKernel(ctx, ".original"); err != nil {
		t.Fatal("BackupKernel: ", err)
	}
	files := testutil.MustReadFiles(t, e.t.ResultsDir)
	if diff := cmp.Diff(files, map[string]string{"kernel_A.original": "kernel-A", "kernel_B.original": "kernel-B"}); diff != "" {
		t.Errorf("Backup files mismatch (-got +want):\n%s", diff)
	}

	// Unchanged kernels are not restored.
	if err := e.t.RestoreKernel(ctx, ".original"); err != nil {
		t.Fatal("RestoreKernel: ", err)
	}
	if len(e.rebooter.Calls()) != 0 {
		t.Error("Rebooted without kernel change")
	}

	e.client.kernelSHA["B"] = "corrupted"
	if err := e.t.RestoreKernel(ctx, ".original"); err != nil {
		t.Fatal("RestoreKernel: ", err)
	}
	if !e.client.called("kernel.write A") || !e.client.called("kernel.write B") {
		t.Errorf("Kernels not written: %q", e.client.Calls())
	}
	if c, _ := e.dut.File("/tmp/faft_tmp/kernel_B"); c != "kernel-B" {
		t.Errorf("Kernel B sent to DUT = %q; want kernel-B", c)
	}
	if _, ok := testutil.MustReadFiles(t, e.t.ResultsDir)["kernel_B.corrupt"]; !ok {
		t.Error("Corrupted kernel was not saved")
	}
	if e.t.backupKernelSHA["B"] != "kb" {
		t.Errorf("Backup SHA replaced by %q", e.t.backupKernelSHA["B"])
	}
	e.t.ClearSavedKernel()
	if e.t.IsKernelSaved() {
		t.Error("IsKernelSaved() = true after clear")
	}
}

func TestBackupRestoreFirmware(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(testutil.TempDir(t))
	e.t.Config.ChromeEC = true
	if err := e.t.BackupFirmware(ctx, ".original"); err != nil {
		t.Fatal("BackupFirmware: ", err)
	}
	if !e.t.IsFirmwareSaved() {
		t.Error("IsFirmwareSaved() = false after backup")
	}
	files := testutil.MustReadFiles(t, e.t.ResultsDir)
	if diff := cmp.Diff(files, map[string]string{"bios.original": "bios-image", "ec.original": "ec-image"}); diff != "" {
		t.Errorf("Backup files mismatch (-got +want):\n%s", diff)
	}
	if !e.dut.Ran(`^rm -rf /tmp/faft_tmp$`) {
		t.Error("Temporary directory was not removed")
	}

	restored, err := e.t.RestoreFirmware(ctx, ".original", true)
	if err != nil || restored {
		t.Errorf("RestoreFirmware() = (%v, %v); want (false, nil)", restored, err)
	}

	e.client.fwids["a"] = "rw.2"
	restored, err = e.t.RestoreFirmware(ctx, ".original", true)
	if err != nil || !restored {
		t.Fatalf("RestoreFirmware() = (%v, %v); want (true, nil)", restored, err)
	}
	for _, c := range []string{"bios.write_whole /tmp/faft_tmp/bios", "ec.write_whole /tmp/faft_tmp/ec"} {
		if !e.client.called(c) {
			t.Errorf("%s not called", c)
		}
	}
	if diff := cmp.Diff(e.rebooter.Calls(), []string{"reboot warm"}); diff != "" {
		t.Errorf("Reboots mismatch (-got +want):\n%s", diff)
	}
}

func TestCurrentFirmwareIdentityMissing(t *testing.T) {
	e := newTestEnv("")
	e.client.fwids["ro"] = ""
	_, err := e.t.CurrentFirmwareIdentity(context.Background())
	if err == nil || !strings.Contains(err.Error(), "RO_FRID") {
		t.Errorf("CurrentFirmwareIdentity() = %v; want error naming RO_FRID", err)
	}
}

func TestCgptAttributes(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv("")
	e.client.cgpt = map[string]interface{}{"A": map[string]interface{}{"priority": 1}, "B": map[string]interface{}{"priority": 2}}
	if err := e.t.BackupCgptAttributes(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.t.RestoreCgptAttributes(ctx); err != nil {
		t.Fatal(err)
	}
	if e.client.cgptWrites != 0 {
		t.Error("Unchanged attributes were written")
	}
	e.client.cgpt = map[string]interface{}{"A": map[string]interface{}{"priority": 0}, "B": map[string]interface{}{"priority": 2}}
	if err := e.t.RestoreCgptAttributes(ctx); err != nil {
		t.Fatal(err)
	}
	if e.client.cgptWrites != 1 {
		t.Errorf("Attributes written %d times; want 1", e.client.cgptWrites)
	}
	if diff := cmp.Diff(e.rebooter.Calls(), []string{"reboot warm"}); diff != "" {
		t.Errorf("Reboots mismatch (-got +want):\n%s", diff)
	}
}

func TestCheckState(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv("")
	e.client.crossystem["mainfw_type"] = "developer"

	if err := e.t.CheckState(ctx, e.t.CrossystemChecker(map[string][]string{"mainfw_type": {"normal", "developer"}})); err != nil {
		t.Error("CheckState: ", err)
	}
	err := e.t.CheckState(ctx,
		Check{Name: "always", Func: func(context.Context) (bool, error) { return true, nil }},
		Check{Name: "never", Func: func(context.Context) (bool, error) { return false, nil }},
	)
	if err == nil || err.Error() != "Not succeed: calling never returning false" {
		t.Errorf("CheckState() = %v", err)
	}
	err = e.t.CheckState(ctx, Check{Name: "never", Func: func(context.Context) (bool, error) { return false, nil }, Msg: "Wrong mode"})
	if err == nil || err.Error() != "Wrong mode: calling never returning false" {
		t.Errorf("CheckState() = %v", err)
	}
}

func TestCapabilities(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv("")
	if e.t.CheckECCapability(ctx, nil, true) {
		t.Error("CheckECCapability() = true without Chrome EC")
	}
	e.t.Config.ChromeEC = true
	e.t.Config.ECCapability = []string{"x86", "usb"}
	if !e.t.CheckECCapability(ctx, []string{"x86"}, true) {
		t.Error("CheckECCapability(x86) = false")
	}
	if e.t.CheckECCapability(ctx, []string{"x86", "lid"}, true) {
		t.Error("CheckECCapability(x86, lid) = true")
	}
	if e.t.CheckCr50Capability(ctx, nil, true) {
		t.Error("CheckCr50Capability() = true without Cr50")
	}
}

func TestTryFWB(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv("")
	if err := e.t.TryFWB(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if !e.client.called("system.set_try_fw_b") {
		t.Error("vboot1 did not use set_try_fw_b")
	}
	e.t.fwVboot2 = true
	if err := e.t.TryFWB(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if !e.client.called("system.set_fw_try_next B") {
		t.Error("vboot2 did not use set_fw_try_next")
	}
}

func TestSetupRWBoot(t *testing.T) {
	e := newTestEnv("")
	e.client.preamble["a"] = PreambleUseRONormal | 0x4
	if err := e.t.SetupRWBoot(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	if got := e.client.preamble["a"]; got != 0x4 {
		t.Errorf("Preamble flags = %#x; want 0x4", got)
	}
	if diff := cmp.Diff(e.rebooter.Calls(), []string{"reboot warm"}); diff != "" {
		t.Errorf("Reboots mismatch (-got +want):\n%s", diff)
	}
}

func TestStopPowerd(t *testing.T) {
	e := newTestEnv("")
	e.dut.Reply(`^status powerd$`, "powerd start/running, process 123\n")
	if err := e.t.StopPowerd(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !e.dut.Ran(`^stop powerd$`) {
		t.Error("powerd was not stopped")
	}
}

func TestSuspend(t *testing.T) {
	e := newTestEnv("")
	start := e.clk.Now()
	if err := e.t.Suspend(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !e.dut.Ran(`^\(sleep 5; powerd_dbus_suspend\) &$`) {
		t.Errorf("Suspend command not run: %q", e.dut.Commands())
	}
	if d := e.clk.Since(start); d != ECSuspendDelay {
		t.Errorf("Waited %v; want %v", d, ECSuspendDelay)
	}
}

func TestCheckLidAndPowerOn(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv("")
	if err := e.t.CheckLidAndPowerOn(ctx); err != nil {
		t.Fatal(err)
	}
	if len(e.svo.Actions()) != 0 {
		t.Errorf("Power pressed with lid open: %q", e.svo.Actions())
	}
	e.svo.ctrls["lid_open"] = "no"
	if err := e.t.CheckLidAndPowerOn(ctx); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(e.svo.Actions(), []string{"power_key tab"}); diff != "" {
		t.Errorf("Actions mismatch (-got +want):\n%s", diff)
	}
}

func TestRunShutdownProcess(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv("")
	var pressed bool
	shutdown := Action{Name: "press_power", Func: func(context.Context) error { pressed = true; return nil }}

	// The DUT stays up.
	err := e.t.RunShutdownProcess(ctx, shutdown, ShutdownOptions{})
	if err == nil || !strings.Contains(err.Error(), "Should shut the device down after calling press_power") {
		t.Errorf("RunShutdownProcess() = %v", err)
	}
	if !pressed {
		t.Error("Shutdown action not run")
	}

	e.rebooter.errs = []error{&ConnectionError{Msg: "down"}}
	var post bool
	err = e.t.RunShutdownProcess(ctx, shutdown, ShutdownOptions{
		PostPower: Action{Name: "post", Func: func(context.Context) error { post = true; return nil }},
	})
	if err != nil {
		t.Fatal("RunShutdownProcess: ", err)
	}
	if !post {
		t.Error("Post-power action not run")
	}
	if diff := cmp.Diff(e.svo.Actions(), []string{"power_key 1.2s"}); diff != "" {
		t.Errorf("Actions mismatch (-got +want):\n%s", diff)
	}
}

func TestGetBootID(t *testing.T) {
	e := newTestEnv("")
	calls := 0
	e.dut.Handle(`boot_id`, func(string) (string, int, error) {
		calls++
		if calls < 3 {
			return "", 255, nil
		}
		return "abc\n", 0, nil
	})
	if got := e.t.GetBootID(context.Background()); got != "abc" {
		t.Errorf("GetBootID() = %q; want abc", got)
	}
}
