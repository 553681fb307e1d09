// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package faft

import (
	"context"
	"strings"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/logging"
	"go.chromium.org/labtest/shutil"
)

// BlockingSync flushes the root device, and the internal device when booted
// from removable media, and waits for the flush to complete.
func (t *Test) BlockingSync(ctx context.Context) error {
	// The second sync waits for the first one to finish.
	for i := 0; i < 2; i++ {
		if err := t.Client.RunShellCommand(ctx, "sync"); err != nil {
			return err
		}
	}
	rootDev, err := t.Client.RootDev(ctx)
	if err != nil {
		return err
	}
	if err := t.DoBlockingSync(ctx, rootDev); err != nil {
		return err
	}
	removable, err := t.Client.IsRemovableDeviceBoot(ctx)
	if err != nil {
		return err
	}
	if !removable {
		return nil
	}
	internal, err := t.Client.InternalDevice(ctx)
	if err != nil {
		return err
	}
	return t.DoBlockingSync(ctx, internal)
}

// DoBlockingSync runs a device-specific command that returns only after
// pending writes to device are on media.
func (t *Test) DoBlockingSync(ctx context.Context, device string) error {
	logging.Infof(ctx, "Blocking sync for %s", device)
	switch {
	case strings.Contains(device, "mmcblk"):
		return t.Client.RunShellCommand(ctx, shutil.Command("mmc", "status", "get", device))
	case strings.Contains(device, "nvme"):
		listCmd := shutil.Command("nvme", "list-ns", device)
		namespaces, err := t.Client.RunShellCommandGetOutput(ctx, listCmd)
		if err != nil {
			return err
		}
		if len(namespaces) == 0 {
			return errors.Errorf("Listing namespaces failed (empty output): %s", listCmd)
		}
		// Lines look like "[ 0]:0x1".
		for _, l := range namespaces {
			ns := l[strings.LastIndex(l, ":")+1:]
			flushCmd := shutil.Command("nvme", "flush", device, "-n", ns)
			rc, err := t.Client.RunShellCommandGetStatus(ctx, flushCmd)
			if err != nil {
				return err
			}
			if rc != 0 {
				return errors.Errorf("Flushing namespace %s failed (rc=%d): %s", ns, rc, flushCmd)
			}
		}
		return nil
	default:
		return t.Client.RunShellCommand(ctx, shutil.Command("hdparm", "-f", device))
	}
}
