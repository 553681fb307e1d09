// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package faft

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"reflect"
	"strconv"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/logging"
	"go.chromium.org/labtest/shutil"
)

var kernelSlots = []string{"A", "B"}

// CopyKernelAndRootfs copies the kernel and rootfs of slot from to slot to
// on the boot device.
func (t *Test) CopyKernelAndRootfs(ctx context.Context, from, to string) error {
	rootDev, err := t.Client.RootDev(ctx)
	if err != nil {
		return err
	}
	for _, c := range []struct {
		what string
		m    map[string]int
	}{{"kernel", KernelMap}, {"rootfs", RootfsMap}} {
		src, err := partNumber(c.m, from)
		if err != nil {
			return err
		}
		dst, err := partNumber(c.m, to)
		if err != nil {
			return err
		}
		logging.Infof(ctx, "Copying %s from %s to %s. Please wait...", c.what, from, to)
		cmd := shutil.DD(shutil.JoinPart(rootDev, src), shutil.JoinPart(rootDev, dst), "bs=4M")
		if err := t.Client.RunShellCommand(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// ResetAndPrioritizeKernel marks kernels A and B bootable and gives part the
// highest priority.
func (t *Test) ResetAndPrioritizeKernel(ctx context.Context, part string) error {
	rootDev, err := t.Client.RootDev(ctx)
	if err != nil {
		return err
	}
	kpart, err := partNumber(KernelMap, part)
	if err != nil {
		return err
	}
	for _, slot := range []string{"a", "b"} {
		cmd := fmt.Sprintf("cgpt add -i%d -P1 -S1 -T0 %s", KernelMap[slot], rootDev)
		if err := t.Client.RunShellCommand(ctx, cmd); err != nil {
			return err
		}
	}
	return t.Client.RunShellCommand(ctx, fmt.Sprintf("cgpt prioritize -i%d %s", kpart, rootDev))
}

// EnsureKernelBoot makes the DUT boot kernel part, copying the other kernel
// over it first if the two differ.
func (t *Test) EnsureKernelBoot(ctx context.Context, part string) error {
	ok, err := t.onRootPart(ctx, part)
	if err != nil || ok {
		return err
	}
	diff, err := t.Client.KernelDiffAB(ctx)
	if err != nil {
		return err
	}
	if diff {
		other, err := partNumber(OtherKernelMap, part)
		if err != nil {
			return err
		}
		if err := t.CopyKernelAndRootfs(ctx, strconv.Itoa(other), part); err != nil {
			return err
		}
	}
	if err := t.ResetAndPrioritizeKernel(ctx, part); err != nil {
		return err
	}
	return t.Rebooter.ModeAwareReboot(ctx, RebootRequest{})
}

// SetupKernel makes both kernels bootable and identical, and the current
// boot use part.
func (t *Test) SetupKernel(ctx context.Context, part string) error {
	if err := t.EnsureKernelBoot(ctx, part); err != nil {
		return err
	}
	logging.Info(ctx, "Checking the integrity of kernel B and rootfs B...")
	diff, err := t.Client.KernelDiffAB(ctx)
	if err != nil {
		return err
	}
	if !diff {
		ok, err := t.Client.VerifyRootfs(ctx, "B")
		if err != nil {
			return err
		}
		diff = !ok
	}
	if diff {
		other, err := partNumber(OtherKernelMap, part)
		if err != nil {
			return err
		}
		logging.Info(ctx, "Copying kernel and rootfs from A to B...")
		if err := t.CopyKernelAndRootfs(ctx, part, strconv.Itoa(other)); err != nil {
			return err
		}
	}
	return t.ResetAndPrioritizeKernel(ctx, part)
}

// IsKernelChanged reports whether a kernel SHA differs from the backup.
func (t *Test) IsKernelChanged(ctx context.Context) (bool, error) {
	changed := false
	for _, p := range kernelSlots {
		sha, err := t.Client.KernelSHA(ctx, p)
		if err != nil {
			return false, err
		}
		if t.backupKernelSHA[p] != sha {
			changed = true
			logging.Infof(ctx, "Kernel %s is changed", p)
		}
	}
	return changed, nil
}

// BackupKernel copies both kernels into the results directory as
// kernel_<slot><suffix>.
func (t *Test) BackupKernel(ctx context.Context, suffix string) error {
	dir, err := t.Client.CreateTempDir(ctx)
	if err != nil {
		return err
	}
	shas := make(map[string]string)
	for _, p := range kernelSlots {
		remote := path.Join(dir, "kernel_"+p)
		if err := t.Client.DumpKernel(ctx, p, remote); err != nil {
			return err
		}
		if err := t.DUT.GetFile(ctx, remote, filepath.Join(t.ResultsDir, "kernel_"+p+suffix)); err != nil {
			return errors.Wrapf(err, "failed to fetch kernel %s", p)
		}
		if shas[p], err = t.Client.KernelSHA(ctx, p); err != nil {
			return err
		}
	}
	t.backupKernelSHA = shas
	logging.Infof(ctx, "Backup kernel stored in %s with suffix %s", t.ResultsDir, suffix)
	return nil
}

// IsKernelSaved reports whether BackupKernel has been called.
func (t *Test) IsKernelSaved() bool { return len(t.backupKernelSHA) != 0 }

// ClearSavedKernel forgets the kernel backup.
func (t *Test) ClearSavedKernel() { t.backupKernelSHA = nil }

// RestoreKernel writes the kernels saved with suffix back if they changed,
// keeping the current ones as .corrupt, and reboots.
func (t *Test) RestoreKernel(ctx context.Context, suffix string) error {
	changed, err := t.IsKernelChanged(ctx)
	if err != nil || !changed {
		return err
	}
	saved := t.backupKernelSHA
	if err := t.BackupKernel(ctx, ".corrupt"); err != nil {
		return err
	}
	t.backupKernelSHA = saved

	dir, err := t.Client.CreateTempDir(ctx)
	if err != nil {
		return err
	}
	for _, p := range kernelSlots {
		remote := path.Join(dir, "kernel_"+p)
		if err := t.DUT.PutFile(ctx, filepath.Join(t.ResultsDir, "kernel_"+p+suffix), remote); err != nil {
			return errors.Wrapf(err, "failed to send kernel %s", p)
		}
		if err := t.Client.WriteKernel(ctx, p, remote); err != nil {
			return err
		}
	}
	if err := t.Rebooter.ModeAwareReboot(ctx, RebootRequest{}); err != nil {
		return err
	}
	logging.Info(ctx, "Successfully restored kernel")
	return nil
}

// BackupCgptAttributes saves the partition table attributes.
func (t *Test) BackupCgptAttributes(ctx context.Context) error {
	attrs, err := t.Client.CgptAttributes(ctx)
	if err != nil {
		return err
	}
	t.backupCgpt = attrs
	return nil
}

// RestoreCgptAttributes writes the saved attributes back and reboots if
// they changed.
func (t *Test) RestoreCgptAttributes(ctx context.Context) error {
	cur, err := t.Client.CgptAttributes(ctx)
	if err != nil {
		return err
	}
	if reflect.DeepEqual(cur, t.backupCgpt) {
		return nil
	}
	logging.Infof(ctx, "CGPT table is changed. Original: %v. Current: %v", t.backupCgpt, cur)
	if err := t.Client.SetCgptAttributes(ctx, t.backupCgpt["A"], t.backupCgpt["B"]); err != nil {
		return err
	}
	if err := t.Rebooter.ModeAwareReboot(ctx, RebootRequest{}); err != nil {
		return err
	}
	logging.Info(ctx, "Successfully restored CGPT table")
	return nil
}
