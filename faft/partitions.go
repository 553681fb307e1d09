// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package faft

import "go.chromium.org/labtest/errors"

// Partition numbers of the kernel and rootfs, keyed by either a slot name
// ("a", "b") or a partition number of the same slot.
var (
	KernelMap      = map[string]int{"a": 2, "b": 4, "2": 2, "4": 4, "3": 2, "5": 4}
	RootfsMap      = map[string]int{"a": 3, "b": 5, "2": 3, "4": 5, "3": 3, "5": 5}
	OtherKernelMap = map[string]int{"a": 4, "b": 2, "2": 4, "4": 2, "3": 4, "5": 2}
	OtherRootfsMap = map[string]int{"a": 5, "b": 3, "2": 5, "4": 3, "3": 5, "5": 3}
)

// Kernel header magics. A kernel with CorruptedMagic fails verification.
const (
	ChromeOSMagic  = "CHROMEOS"
	CorruptedMagic = "CORRUPTD"
)

const rootfsPartition = 3

func partNumber(m map[string]int, part string) (int, error) {
	p, ok := m[part]
	if !ok {
		return 0, errors.Errorf("unknown partition %q", part)
	}
	return p, nil
}
