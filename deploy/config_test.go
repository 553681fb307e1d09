// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package deploy

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"go.chromium.org/labtest/internal/yamlconf"
	"go.chromium.org/labtest/testutil"
)

func TestLoadConfig(t *testing.T) {
	dir := testutil.TempDir(t)
	testutil.MustWriteFiles(t, dir, map[string]string{"deploy.yaml": `
hosts:
  - hostname: chromeos1-row1-rack1-host1
    servo: chromeos1-row1-rack1-labstation:9999
    board: octopus
    pool: faft
image: octopus-release/R90-13816.0.0
install_test_image: true
post_install_commands:
  - echo 'deployed by labtest'
  - "  dmesg | grep -q chromeos-install && sync"
boot_timeout: 300
`})
	cfg, err := LoadConfig(filepath.Join(dir, "deploy.yaml"))
	if err != nil {
		t.Fatal("LoadConfig: ", err)
	}
	want := &Config{
		Hosts: []Host{{
			Hostname: "chromeos1-row1-rack1-host1",
			Servo:    "chromeos1-row1-rack1-labstation:9999",
			Board:    "octopus",
			Pool:     "faft",
		}},
		Image:               "octopus-release/R90-13816.0.0",
		InstallTestImage:    true,
		PostInstallCommands: []string{"echo 'deployed by labtest'", "dmesg | grep -q chromeos-install && sync"},
		Parallelism:         1,
		LockDir:             defaultLockDir,
		Timeout:             yamlconf.Duration(defaultTimeout),
		BootTimeout:         yamlconf.Duration(5 * time.Minute),
	}
	if diff := cmp.Diff(cfg, want); diff != "" {
		t.Errorf("LoadConfig mismatch (-got +want):\n%s", diff)
	}
}

func TestConfigCheck(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  Config
	}{
		{"no hosts", Config{}},
		{"no hostname", Config{Hosts: []Host{{Servo: "s"}}}},
		{"duplicate", Config{Hosts: []Host{{Hostname: "a"}, {Hostname: "a"}}}},
		{"no servo", Config{Hosts: []Host{{Hostname: "a"}}, InstallTestImage: true, Image: "i"}},
		{"no image", Config{Hosts: []Host{{Hostname: "a", Servo: "s"}}, InstallTestImage: true}},
		{"no firmware", Config{Hosts: []Host{{Hostname: "a", Servo: "s"}}, InstallFirmware: true}},
		{"parallelism", Config{Hosts: []Host{{Hostname: "a"}}, Parallelism: -1}},
		{"empty command", Config{Hosts: []Host{{Hostname: "a"}}, PostInstallCommands: []string{"  "}}},
		{"bad quoting", Config{Hosts: []Host{{Hostname: "a"}}, PostInstallCommands: []string{"echo 'x"}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.cfg.check(); err == nil {
				t.Error("check succeeded")
			}
		})
	}
}
