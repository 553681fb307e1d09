// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package faft

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// FWIDs maps a flash target ("bios", "ec") to the FWID of each of its
// sections ("ro", "a", "b", "rw").
type FWIDs map[string]map[string]string

// IdentifyShellball returns the FWIDs in the firmware updater. The EC is
// included if includeEC is set; a nil includeEC means whenever the DUT has
// a Chrome EC, except on Samus whose updater carries no EC image.
func (t *Test) IdentifyShellball(ctx context.Context, includeEC *bool) (FWIDs, error) {
	fwids := make(FWIDs)
	bios, err := t.Client.AllFWIDs(ctx, "bios")
	if err != nil {
		return nil, err
	}
	fwids["bios"] = bios

	ec := t.Config.ChromeEC && t.Config.Platform != "Samus"
	if includeEC != nil {
		ec = *includeEC
	}
	if ec {
		if fwids["ec"], err = t.Client.AllFWIDs(ctx, "ec"); err != nil {
			return nil, err
		}
	}
	return fwids, nil
}

// ModifyShellball changes the FWIDs of the updater's images and repacks it
// with suffix appended to its name. It returns the path of the new updater.
func (t *Test) ModifyShellball(ctx context.Context, suffix string, modifyRO, modifyEC bool) (string, error) {
	bios := []string{"a", "b"}
	ec := []string{"rw"}
	if modifyRO {
		bios = []string{"ro", "a", "b"}
		ec = []string{"ro", "rw"}
	}
	if err := t.Client.ModifyFWIDs(ctx, "bios", bios); err != nil {
		return "", err
	}
	if modifyEC {
		if err := t.Client.ModifyFWIDs(ctx, "ec", ec); err != nil {
			return "", err
		}
	}
	return t.Client.RepackShellball(ctx, suffix)
}

// CheckFWIDsWritten compares FWIDs after an update with those before it and
// in the image. Sections listed in expected for a target should now carry
// the image FWID; all others the FWID from before. It returns one line per
// mismatch.
func CheckFWIDsWritten(before, image, after FWIDs, expected map[string][]string) []string {
	var errs []string

	targets := make([]string, 0, len(expected))
	for t := range expected {
		targets = append(targets, t)
	}
	sort.Strings(targets)

	for _, target := range targets {
		_, hasBefore := before[target]
		_, hasAfter := after[target]
		if !hasBefore || !hasAfter {
			if !hasBefore {
				errs = append(errs, fmt.Sprintf("...no before_fwids[%s]", target))
			}
			if !hasAfter {
				errs = append(errs, fmt.Sprintf("...no after_fwids[%s]", target))
			}
			continue
		}

		written := make(map[string]bool)
		for _, s := range expected[target] {
			written[s] = true
		}
		sections := make(map[string]bool)
		for _, m := range []map[string]string{before[target], image[target], after[target]} {
			for s := range m {
				sections[s] = true
			}
		}
		names := make([]string, 0, len(sections))
		for s := range sections {
			names = append(names, s)
		}
		sort.Strings(names)

		for _, section := range names {
			beforeID := before[target][section]
			imageID := image[target][section]
			actualID := after[target][section]

			var wantID, wantDesc string
			if written[section] {
				wantID = imageID
				wantDesc = fmt.Sprintf("rewritten fwid (%s)", wantID)
				if imageID == beforeID {
					wantDesc = fmt.Sprintf("rewritten (no changes) fwid (%s)", wantID)
				}
			} else {
				wantID = beforeID
				wantDesc = fmt.Sprintf("original fwid (%s)", wantID)
			}
			if actualID == wantID {
				continue
			}

			var gotDesc string
			switch actualID {
			case imageID:
				gotDesc = fmt.Sprintf("rewritten fwid (%s)", actualID)
				if imageID == beforeID {
					gotDesc = fmt.Sprintf("possibly written fwid (%s)", actualID)
				}
			case beforeID:
				gotDesc = fmt.Sprintf("original fwid (%s)", actualID)
			default:
				gotDesc = fmt.Sprintf("unknown fwid (%s)", actualID)
			}
			errs = append(errs, fmt.Sprintf("...FWID (%s %s): expected %s, got %s",
				strings.ToUpper(target), strings.ToUpper(section), wantDesc, gotDesc))
		}
	}
	return errs
}
