// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package shutil builds shell command lines that run on DUTs, servo hosts
// and Android devices.
package shutil

import (
	"fmt"
	"regexp"
	"strings"
)

// \w is [0-9A-Za-z_]. A leading '=' triggers expansion in zsh.
const (
	safeFirst = `-\w@%+:,./`
	safeRest  = safeFirst + "="
)

var safeRE = regexp.MustCompile(fmt.Sprintf("^[%s][%s]*$", safeFirst, safeRest))

// Escape quotes s for POSIX shells. Safe strings are returned as they are.
func Escape(s string) string {
	if safeRE.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// EscapeSlice escapes each of args and joins them with spaces.
func EscapeSlice(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Escape(a)
	}
	return strings.Join(quoted, " ")
}

// Command escapes name and args into a single command line.
func Command(name string, args ...string) string {
	return EscapeSlice(append([]string{name}, args...))
}

var numberedDevRE = regexp.MustCompile(`(mmcblk|nvme|loop)\d+(n\d+)?$`)

// JoinPart returns the device node of partition part on disk dev, e.g.
// /dev/sda + 3 = /dev/sda3 and /dev/mmcblk0 + 3 = /dev/mmcblk0p3.
func JoinPart(dev string, part int) string {
	if numberedDevRE.MatchString(dev) {
		return fmt.Sprintf("%sp%d", dev, part)
	}
	return fmt.Sprintf("%s%d", dev, part)
}

// StripPart splits a partition device node into disk and partition number.
// It is the inverse of JoinPart. ok is false if dev has no partition suffix.
func StripPart(dev string) (disk string, part int, ok bool) {
	i := len(dev)
	for i > 0 && dev[i-1] >= '0' && dev[i-1] <= '9' {
		i--
	}
	if i == len(dev) {
		return dev, 0, false
	}
	fmt.Sscanf(dev[i:], "%d", &part)
	disk = dev[:i]
	if strings.HasSuffix(disk, "p") && numberedDevRE.MatchString(disk[:len(disk)-1]) {
		disk = disk[:len(disk)-1]
	} else if numberedDevRE.MatchString(dev) {
		// e.g. /dev/mmcblk0 itself.
		return dev, 0, false
	}
	return disk, part, true
}

// DD returns a dd command line copying in to out with extra operands such as
// "bs=4M".
func DD(in, out string, operands ...string) string {
	args := []string{"dd"}
	if in != "" {
		args = append(args, "if="+in)
	}
	if out != "" {
		args = append(args, "of="+out)
	}
	return EscapeSlice(append(args, operands...))
}
