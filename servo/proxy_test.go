// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package servo

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"go.chromium.org/labtest/testutil"
)

func TestParseHostSpec(t *testing.T) {
	for _, tc := range []struct {
		spec    string
		want    hostSpec
		wantSSH bool
	}{
		{"", hostSpec{"localhost", 9999, 22}, false},
		{"rutabaga", hostSpec{"rutabaga", 9999, 22}, true},
		{"rutabaga:1234", hostSpec{"rutabaga", 1234, 22}, true},
		{"rutabaga:1234:ssh:2222", hostSpec{"rutabaga", 1234, 2222}, true},
		{"rutabaga:1234:nossh", hostSpec{"rutabaga", 1234, 0}, false},
		{"localhost:9998", hostSpec{"localhost", 9998, 22}, false},
		{"localhost:9998:ssh:2223", hostSpec{"localhost", 9998, 2223}, true},
		{"127.0.0.1:9999", hostSpec{"127.0.0.1", 9999, 22}, false},
		{"[::1]:9999", hostSpec{"::1", 9999, 22}, false},
		{"[::2]", hostSpec{"::2", 9999, 22}, true},
		{"[]:1234", hostSpec{"localhost", 1234, 22}, false},
		{":1234", hostSpec{"localhost", 1234, 22}, false},
		{"[0:0:0:0:0:ffff:7f00:1]:2:ssh:3", hostSpec{"0:0:0:0:0:ffff:7f00:1", 2, 3}, true},
		{"satlab-host1-docker_servod:9999", hostSpec{"satlab-host1-docker_servod", 9999, 22}, false},
		{"satlab-host1-docker_servod", hostSpec{"satlab-host1-docker_servod", 9999, 22}, false},
	} {
		got, err := parseHostSpec(tc.spec)
		if err != nil {
			t.Errorf("parseHostSpec(%q) failed: %v", tc.spec, err)
			continue
		}
		if diff := cmp.Diff(got, tc.want, cmp.AllowUnexported(hostSpec{})); diff != "" {
			t.Errorf("parseHostSpec(%q) mismatch (-got +want):\n%s", tc.spec, diff)
		}
		if got.needsSSH() != tc.wantSSH {
			t.Errorf("parseHostSpec(%q).needsSSH() = %v; want %v", tc.spec, got.needsSSH(), tc.wantSSH)
		}
	}
}

func TestParseHostSpecErrors(t *testing.T) {
	for _, spec := range []string{
		"rutabaga:port",
		"rutabaga:0",
		"rutabaga:1234:ssh:x",
		"rutabaga:1234:ssh:0",
		"[::1",
		"[::1]x:1234",
		"::1:1234",
	} {
		if got, err := parseHostSpec(spec); err == nil {
			t.Errorf("parseHostSpec(%q) = %+v; want error", spec, got)
		}
	}
}

func TestExtractMCULogs(t *testing.T) {
	dir := testutil.TempDir(t)
	testutil.MustWriteFiles(t, dir, map[string]string{
		"latest.DEBUG": "2021-05-11 10:36:15,208 - servo_micro - EC3PO.Console - DEBUG - console.py:1073:LogConsoleOutput - /dev/pts/4 - [0.012 boot]\n" +
			"2021-05-11 10:36:15,300 - servod - some unrelated line\n" +
			"2021-05-11 10:36:16,001 - EC - EC3PO.Console - DEBUG - console.py:1073:LogConsoleOutput - /dev/pts/6 - > help\n",
	})

	if err := extractMCULogs(context.Background(), dir); err != nil {
		t.Fatal("extractMCULogs: ", err)
	}
	files := testutil.MustReadFiles(t, dir)
	delete(files, "latest.DEBUG")
	want := map[string]string{
		"servo_micro.txt": "2021-05-11 10:36:15,208  -  [0.012 boot]\n",
		"ec.txt":          "2021-05-11 10:36:16,001  -  > help\n",
	}
	if diff := cmp.Diff(files, want); diff != "" {
		t.Errorf("Unexpected MCU logs (-got +want):\n%s", diff)
	}
}
