// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package yamlconf

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"go.chromium.org/labtest/testutil"
)

type testConfig struct {
	Name    string   `yaml:"name"`
	Timeout Duration `yaml:"timeout"`
	Delay   Duration `yaml:"delay"`
}

func TestLoad(t *testing.T) {
	dir := testutil.TempDir(t)
	testutil.MustWriteFiles(t, dir, map[string]string{
		"good.yaml":  "name: foo\ntimeout: 1m30s\ndelay: 1.5\n",
		"extra.yaml": "name: foo\nunknown: 1\n",
		"bad.yaml":   "timeout: soon\n",
	})

	var cfg testConfig
	if err := Load(filepath.Join(dir, "good.yaml"), &cfg); err != nil {
		t.Fatal("Load: ", err)
	}
	want := testConfig{Name: "foo", Timeout: Duration(90 * time.Second), Delay: Duration(1500 * time.Millisecond)}
	if diff := cmp.Diff(cfg, want); diff != "" {
		t.Errorf("Load returned unexpected config (-got +want):\n%s", diff)
	}

	for _, name := range []string{"extra.yaml", "bad.yaml", "missing.yaml"} {
		var cfg testConfig
		if err := Load(filepath.Join(dir, name), &cfg); err == nil {
			t.Errorf("Load(%s) succeeded unexpectedly", name)
		}
	}
}
