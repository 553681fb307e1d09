// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package shutil_test

import (
	"testing"

	"go.chromium.org/labtest/shutil"
)

func TestEscape(t *testing.T) {
	for _, c := range []struct {
		in, exp string
	}{
		{``, `''`},
		{` `, `' '`},
		{`ab`, `ab`},
		{`a b`, `'a b'`},
		{`AZaz09@%_+=:,./-`, `AZaz09@%_+=:,./-`},
		{`a!b`, `'a!b'`},
		{`'`, `''"'"''`},
		{`=foo`, `'=foo'`},
		{`/dev/s*[a-z]`, `'/dev/s*[a-z]'`},
	} {
		if s := shutil.Escape(c.in); s != c.exp {
			t.Errorf("Escape(%q) = %q; want %q", c.in, s, c.exp)
		}
	}
}

func TestEscapeSlice(t *testing.T) {
	if got, want := shutil.Command("cgpt", "add", "-i", "2", "-P", "1", "/dev/mmc blk"), `cgpt add -i 2 -P 1 '/dev/mmc blk'`; got != want {
		t.Errorf("Command() = %q; want %q", got, want)
	}
}

func TestJoinPart(t *testing.T) {
	for _, c := range []struct {
		dev  string
		part int
		want string
	}{
		{"/dev/sda", 3, "/dev/sda3"},
		{"/dev/mmcblk0", 2, "/dev/mmcblk0p2"},
		{"/dev/nvme0n1", 4, "/dev/nvme0n1p4"},
		{"/dev/loop1", 1, "/dev/loop1p1"},
	} {
		if got := shutil.JoinPart(c.dev, c.part); got != c.want {
			t.Errorf("JoinPart(%q, %d) = %q; want %q", c.dev, c.part, got, c.want)
		}
	}
}

func TestStripPart(t *testing.T) {
	for _, c := range []struct {
		in   string
		disk string
		part int
		ok   bool
	}{
		{"/dev/sda3", "/dev/sda", 3, true},
		{"/dev/mmcblk0p12", "/dev/mmcblk0", 12, true},
		{"/dev/nvme0n1p3", "/dev/nvme0n1", 3, true},
		{"/dev/sda", "/dev/sda", 0, false},
		{"/dev/mmcblk0", "/dev/mmcblk0", 0, false},
	} {
		disk, part, ok := shutil.StripPart(c.in)
		if disk != c.disk || part != c.part || ok != c.ok {
			t.Errorf("StripPart(%q) = (%q, %d, %v); want (%q, %d, %v)", c.in, disk, part, ok, c.disk, c.part, c.ok)
		}
	}
}

func TestDD(t *testing.T) {
	if got, want := shutil.DD("/dev/sda2", "/dev/sda4", "bs=4M"), "dd if=/dev/sda2 of=/dev/sda4 bs=4M"; got != want {
		t.Errorf("DD() = %q; want %q", got, want)
	}
}
