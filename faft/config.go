// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package faft

import (
	"os"
	"path/filepath"
	"time"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/yamlconf"
)

// DefaultsName is the base name of the config file holding values shared by
// all platforms.
const DefaultsName = "DEFAULTS"

// Config holds platform-specific attributes used by firmware tests.
type Config struct {
	Platform       string   `yaml:"platform"`
	ChromeEC       bool     `yaml:"chrome_ec"`
	ChromeUSBPD    bool     `yaml:"chrome_usbpd"`
	ECCapability   []string `yaml:"ec_capability"`
	Cr50Capability []string `yaml:"cr50_capability"`

	// APAccessECFlash is set when the AP can change the EC write protection.
	APAccessECFlash bool `yaml:"ap_access_ec_flash"`

	USBPlug               yamlconf.Duration `yaml:"usb_plug"`
	HoldPwrButtonPowerOn  yamlconf.Duration `yaml:"hold_pwr_button_poweron"`
	HoldPwrButtonPowerOff yamlconf.Duration `yaml:"hold_pwr_button_poweroff"`
	Shutdown              yamlconf.Duration `yaml:"shutdown"`
	ShutdownTimeout       yamlconf.Duration `yaml:"shutdown_timeout"`
	SoftwareSync          yamlconf.Duration `yaml:"software_sync"`
	ECBootToConsole       yamlconf.Duration `yaml:"ec_boot_to_console"`
	FirmwareScreen        yamlconf.Duration `yaml:"firmware_screen"`
	DelayRebootToPing     yamlconf.Duration `yaml:"delay_reboot_to_ping"`
}

// DefaultConfig returns the values used when no config file overrides them.
func DefaultConfig() *Config {
	return &Config{
		USBPlug:               yamlconf.Duration(10 * time.Second),
		HoldPwrButtonPowerOn:  yamlconf.Duration(1200 * time.Millisecond),
		HoldPwrButtonPowerOff: yamlconf.Duration(3 * time.Second),
		Shutdown:              yamlconf.Duration(15 * time.Second),
		ShutdownTimeout:       yamlconf.Duration(15 * time.Second),
		SoftwareSync:          yamlconf.Duration(6 * time.Second),
		ECBootToConsole:       yamlconf.Duration(1200 * time.Millisecond),
		FirmwareScreen:        yamlconf.Duration(10 * time.Second),
		DelayRebootToPing:     yamlconf.Duration(30 * time.Second),
	}
}

// LoadConfig reads DEFAULTS.yaml, then <platform>.yaml and <model>.yaml from
// dir, each overriding the fields it sets. Missing platform and model files
// are ignored.
func LoadConfig(dir, platform, model string) (*Config, error) {
	cfg := DefaultConfig()
	names := []string{DefaultsName, platform}
	if model != "" && model != platform {
		names = append(names, model)
	}
	for i, name := range names {
		if name == "" {
			continue
		}
		path := filepath.Join(dir, name+".yaml")
		if i > 0 {
			if _, err := os.Stat(path); os.IsNotExist(err) {
				continue
			}
		}
		if err := yamlconf.Load(path, cfg); err != nil {
			return nil, errors.Wrap(err, "failed to load firmware config")
		}
	}
	if cfg.Platform == "" {
		cfg.Platform = platform
	}
	return cfg, nil
}

// HasECCapability reports whether cap is listed in ECCapability.
func (c *Config) HasECCapability(cap string) bool { return contains(c.ECCapability, cap) }

// HasCr50Capability reports whether cap is listed in Cr50Capability.
func (c *Config) HasCr50Capability(cap string) bool { return contains(c.Cr50Capability, cap) }

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
