// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package deploy images lab DUTs through their servos.
package deploy

import (
	"strings"
	"time"

	"github.com/google/shlex"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/yamlconf"
)

const (
	defaultTimeout     = time.Hour
	defaultBootTimeout = 8 * time.Minute
	defaultLockDir     = "/var/lock/labtest"
)

// Host is one DUT to install.
type Host struct {
	// Hostname is the DUT address, "[user@]host[:port]".
	Hostname string `yaml:"hostname"`
	// Servo is the servod spec, e.g. "labstation:9999".
	Servo string `yaml:"servo"`
	Board string `yaml:"board"`
	Model string `yaml:"model"`
	Pool  string `yaml:"pool"`
	// Serial is checked against the VPD serial_number when set.
	Serial string `yaml:"serial"`
}

// Config describes a deployment.
type Config struct {
	Hosts []Host `yaml:"hosts"`

	// Image is a test image on the servo host, or a URL servod can fetch.
	Image         string `yaml:"image"`
	FirmwareImage string `yaml:"firmware_image"`
	ECImage       string `yaml:"ec_image"`

	InstallFirmware  bool `yaml:"install_firmware"`
	InstallTestImage bool `yaml:"install_test_image"`

	// PostInstallCommands run on each DUT after imaging. Each is passed to
	// the DUT shell as is, so pipes and && work. It must be non-empty with
	// balanced quotes.
	PostInstallCommands []string `yaml:"post_install_commands"`

	Parallelism int    `yaml:"parallelism"`
	LockDir     string `yaml:"lock_dir"`
	ResultsDir  string `yaml:"results_dir"`
	// CacheDir holds local images. Its free space is checked before
	// installing.
	CacheDir   string `yaml:"cache_dir"`
	SSHKeyFile string `yaml:"ssh_key_file"`
	SSHKeyDir  string `yaml:"ssh_key_dir"`

	// Timeout bounds the whole install of one host.
	Timeout yamlconf.Duration `yaml:"timeout"`
	// BootTimeout bounds each wait for the DUT to come up.
	BootTimeout yamlconf.Duration `yaml:"boot_timeout"`
}

// LoadConfig reads a deployment config from path and fills in defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if err := yamlconf.Load(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.check(); err != nil {
		return nil, errors.Wrapf(err, "invalid deploy config %s", path)
	}
	return cfg, nil
}

func (c *Config) check() error {
	if len(c.Hosts) == 0 {
		return errors.New("no hosts")
	}
	seen := make(map[string]bool)
	for _, h := range c.Hosts {
		if h.Hostname == "" {
			return errors.New("host without hostname")
		}
		if seen[h.Hostname] {
			return errors.Errorf("duplicate host %s", h.Hostname)
		}
		seen[h.Hostname] = true
		if (c.InstallFirmware || c.InstallTestImage) && h.Servo == "" {
			return errors.Errorf("%s: servo is required to install", h.Hostname)
		}
	}
	if c.InstallTestImage && c.Image == "" {
		return errors.New("install_test_image requires image")
	}
	if c.InstallFirmware && c.FirmwareImage == "" {
		return errors.New("install_firmware requires firmware_image")
	}
	if c.Parallelism < 0 {
		return errors.Errorf("bad parallelism %d", c.Parallelism)
	}
	c.setDefaults()
	for i, cmd := range c.PostInstallCommands {
		args, err := shlex.Split(cmd)
		if err != nil {
			return errors.Wrapf(err, "post_install_commands[%d]", i)
		}
		if len(args) == 0 {
			return errors.Errorf("post_install_commands[%d] is empty", i)
		}
		c.PostInstallCommands[i] = strings.TrimSpace(cmd)
	}
	return nil
}

// setDefaults fills in unset limits and paths.
func (c *Config) setDefaults() {
	if c.Parallelism < 1 {
		c.Parallelism = 1
	}
	if c.LockDir == "" {
		c.LockDir = defaultLockDir
	}
	if c.Timeout <= 0 {
		c.Timeout = yamlconf.Duration(defaultTimeout)
	}
	if c.BootTimeout <= 0 {
		c.BootTimeout = yamlconf.Duration(defaultBootTimeout)
	}
}
