// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package faft

import (
	"context"

	"go.chromium.org/labtest/internal/logging"
)

// GBB flags, as defined by vboot.
const (
	GBBFlagDevScreenShortDelay    uint32 = 0x00000001
	GBBFlagLoadOptionROMs         uint32 = 0x00000002
	GBBFlagEnableAlternateOS      uint32 = 0x00000004
	GBBFlagForceDevSwitchOn       uint32 = 0x00000008
	GBBFlagForceDevBootUSB        uint32 = 0x00000010
	GBBFlagDisableFWRollbackCheck uint32 = 0x00000020
	GBBFlagEnterTriggersTonorm    uint32 = 0x00000040
	GBBFlagForceDevBootLegacy     uint32 = 0x00000080
	GBBFlagFAFTKeyOveride         uint32 = 0x00000100
	GBBFlagDisableECSoftwareSync  uint32 = 0x00000200
	GBBFlagDefaultDevBootLegacy   uint32 = 0x00000400
	GBBFlagDisablePDSoftwareSync  uint32 = 0x00000800
	GBBFlagDisableLidShutdown     uint32 = 0x00001000
	GBBFlagForceDevBootFastbootOK uint32 = 0x00002000
	GBBFlagEnableSerial           uint32 = 0x00008000
	GBBFlagRunningFAFT            uint32 = 0x00010000
	GBBFlagDisableFWMP            uint32 = 0x00020000
	gbbFlagsAll                   uint32 = 0xffffffff
	gbbFlagsRebootOnChange               = GBBFlagForceDevSwitchOn | GBBFlagDisableECSoftwareSync
	PreambleUseRONormal                  = 1
)

// ClearSetGBBFlags clears the bits in clear, then sets the bits in set. The
// DUT is rebooted when the developer switch or EC software sync bit changes.
func (t *Test) ClearSetGBBFlags(ctx context.Context, clear, set uint32) error {
	old, err := t.Client.GBBFlags(ctx)
	if err != nil {
		return err
	}
	flags := old&^clear | set
	t.gbbFlags = flags
	if flags == old {
		logging.Infof(ctx, "Current GBB flags look good for test: 0x%x", old)
		return nil
	}
	t.backupGBBFlags = &old
	logging.Infof(ctx, "Changing GBB flags from 0x%x to 0x%x", old, flags)
	if err := t.Client.SetGBBFlags(ctx, flags); err != nil {
		return err
	}
	if (old^flags)&gbbFlagsRebootOnChange != 0 {
		return t.Rebooter.ModeAwareReboot(ctx, RebootRequest{})
	}
	return nil
}

func (t *Test) setupGBBFlags(ctx context.Context) error {
	if t.CheckSetupDone(SetupGBBFlags) {
		return nil
	}
	logging.Info(ctx, "Set proper GBB flags for test")
	set := GBBFlagFAFTKeyOveride | GBBFlagEnterTriggersTonorm
	if t.NoECSync {
		set |= GBBFlagDisableECSoftwareSync
	}
	if err := t.ClearSetGBBFlags(ctx, gbbFlagsAll, set); err != nil {
		return err
	}
	t.MarkSetupDone(SetupGBBFlags)
	return nil
}

// DropBackupGBBFlags forgets the saved GBB flags, for tests that change them
// on purpose.
func (t *Test) DropBackupGBBFlags() { t.backupGBBFlags = nil }

// restoreGBBFlags does not write flash, which is slow; it only reports the
// original value.
func (t *Test) restoreGBBFlags(ctx context.Context) {
	if t.backupGBBFlags == nil {
		return
	}
	logging.Info(ctx, "***")
	logging.Infof(ctx, "*** Please manually restore the original GBB flags to: 0x%x ***", *t.backupGBBFlags)
	logging.Info(ctx, "***")
	t.UnmarkSetupDone(SetupGBBFlags)
}
