// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package faft

import (
	"context"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/logging"
	"go.chromium.org/labtest/shutil"
)

// CurrentFirmwareIdentity returns the SHAs of the RW firmware bodies and
// vblocks and the FWIDs of all sections, keyed by section name.
func (t *Test) CurrentFirmwareIdentity(ctx context.Context) (map[string]string, error) {
	id := make(map[string]string)
	for _, f := range []struct {
		key, section string
		get          func(context.Context, string) (string, error)
	}{
		{"VBOOTA", "a", t.Client.SigSHA},
		{"FVMAINA", "a", t.Client.BodySHA},
		{"VBOOTB", "b", t.Client.SigSHA},
		{"FVMAINB", "b", t.Client.BodySHA},
		{"RO_FRID", "ro", t.Client.SectionFWID},
		{"RW_FWID_A", "a", t.Client.SectionFWID},
		{"RW_FWID_B", "b", t.Client.SectionFWID},
	} {
		v, err := f.get(ctx, f.section)
		if err != nil {
			return nil, err
		}
		id[f.key] = v
	}
	var missing []string
	for k, v := range id {
		if v == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, errors.Errorf("failed to get firmware identity: empty %s", strings.Join(missing, ", "))
	}
	return id, nil
}

// IsFirmwareChanged compares the current firmware with the backup.
func (t *Test) IsFirmwareChanged(ctx context.Context) (bool, error) {
	// The DUT may not have rebooted since the flash was written.
	if err := t.Client.ReloadBIOS(ctx); err != nil {
		return false, err
	}
	cur, err := t.CurrentFirmwareIdentity(ctx)
	if err != nil {
		return false, err
	}
	var changed []string
	for k, v := range cur {
		if t.backupFirmware[k] != v {
			changed = append(changed, k)
		}
	}
	for k := range t.backupFirmware {
		if _, ok := cur[k]; !ok {
			changed = append(changed, k)
		}
	}
	if len(changed) == 0 {
		return false, nil
	}
	sort.Strings(changed)
	logging.Infof(ctx, "Firmware changed: %s", strings.Join(changed, ", "))
	return true, nil
}

type flashTarget struct {
	name string
	dump func(ctx context.Context, path string) error
}

// BackupFirmware saves the BIOS, and the EC if there is one, into the
// results directory as bios<suffix> and ec<suffix>.
func (t *Test) BackupFirmware(ctx context.Context, suffix string) error {
	dir, err := t.Client.CreateTempDir(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if _, err := t.DUT.Run(ctx, shutil.Command("rm", "-rf", dir)); err != nil {
			logging.Infof(ctx, "Failed to remove %s: %v", dir, err)
		}
	}()

	targets := []flashTarget{{"bios", t.Client.DumpBIOS}}
	if t.Config.ChromeEC {
		targets = append(targets, flashTarget{"ec", t.Client.DumpEC})
	}
	for _, tg := range targets {
		remote := path.Join(dir, tg.name)
		if err := tg.dump(ctx, remote); err != nil {
			return err
		}
		if err := t.DUT.GetFile(ctx, remote, filepath.Join(t.ResultsDir, tg.name+suffix)); err != nil {
			return errors.Wrapf(err, "failed to fetch %s image", tg.name)
		}
	}
	logging.Infof(ctx, "Backup firmware stored in %s with suffix %s", t.ResultsDir, suffix)

	id, err := t.CurrentFirmwareIdentity(ctx)
	if err != nil {
		return err
	}
	t.backupFirmware = id
	return nil
}

// IsFirmwareSaved reports whether BackupFirmware has been called.
func (t *Test) IsFirmwareSaved() bool { return len(t.backupFirmware) != 0 }

// ClearSavedFirmware forgets the firmware backup.
func (t *Test) ClearSavedFirmware() { t.backupFirmware = nil }

// RestoreFirmware writes the firmware saved with suffix back if it changed,
// keeping the current images as .corrupt, and reboots. It reports whether
// anything was restored.
func (t *Test) RestoreFirmware(ctx context.Context, suffix string, restoreEC bool) (bool, error) {
	changed, err := t.IsFirmwareChanged(ctx)
	if err != nil || !changed {
		return false, err
	}
	saved := t.backupFirmware
	if err := t.BackupFirmware(ctx, ".corrupt"); err != nil {
		return false, err
	}
	t.backupFirmware = saved

	dir, err := t.Client.CreateTempDir(ctx)
	if err != nil {
		return false, err
	}
	remote := path.Join(dir, "bios")
	if err := t.DUT.PutFile(ctx, filepath.Join(t.ResultsDir, "bios"+suffix), remote); err != nil {
		return false, errors.Wrap(err, "failed to send BIOS image")
	}
	if err := t.Client.WriteBIOS(ctx, remote); err != nil {
		return false, err
	}
	if t.Config.ChromeEC && restoreEC {
		remote := path.Join(dir, "ec")
		if err := t.DUT.PutFile(ctx, filepath.Join(t.ResultsDir, "ec"+suffix), remote); err != nil {
			return false, errors.Wrap(err, "failed to send EC image")
		}
		if err := t.Client.WriteEC(ctx, remote); err != nil {
			return false, err
		}
	}
	if err := t.Rebooter.ModeAwareReboot(ctx, RebootRequest{}); err != nil {
		return false, err
	}
	logging.Info(ctx, "Successfully restored firmware")
	return true, nil
}
