// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package runner

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/shlex"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/yamlconf"
)

const defaultTestTimeout = 3 * time.Minute

// Config configures a BaseTest. It is usually read from YAML.
type Config struct {
	// ModuleName names the test class in records and logs.
	ModuleName string `yaml:"module_name"`

	IncludeFilter      []string `yaml:"include_filter"`
	ExcludeFilter      []string `yaml:"exclude_filter"`
	ExcludeOverInclude bool     `yaml:"exclude_over_include"`

	// ABIBitness is "32", "64" or empty if unknown.
	ABIBitness         string `yaml:"abi_bitness"`
	SkipOn32BitABI     bool   `yaml:"skip_on_32bit_abi"`
	SkipOn64BitABI     bool   `yaml:"skip_on_64bit_abi"`
	Run32BitOn64BitABI bool   `yaml:"run_32bit_on_64bit_abi"`

	MaxRetryCount int `yaml:"max_retry_count"`
	// TestTimeout bounds the whole class, from New to TearDownClass.
	TestTimeout      yamlconf.Duration `yaml:"test_timeout"`
	CollectTestsOnly bool              `yaml:"collect_tests_only"`
	// RunAsSelfTest only checks that SetUpClass succeeds.
	RunAsSelfTest bool `yaml:"run_as_self_test"`

	ResultsDir string `yaml:"results_dir"`
	// ReportProto enables the content of report_proto.msg. The file is
	// written empty otherwise.
	ReportProto bool `yaml:"report_proto"`

	// HealCommands run on the host during an active heal. Each is passed to
	// the shell as is.
	HealCommands []string `yaml:"heal_commands"`
	// Serials lists Android devices the tests use.
	Serials            []string `yaml:"serials"`
	BugReportOnFailure bool     `yaml:"bug_report_on_failure"`
	// LogcatOnFailure defaults to true when Serials is set.
	LogcatOnFailure *bool `yaml:"logcat_on_failure"`

	// RunList selects and orders tests when none are named on the command
	// line.
	RunList []string `yaml:"run_list"`
	// Tests defines the cases of a ShellSuite.
	Tests []ShellTest `yaml:"tests"`
}

// ShellTest is a test case that runs a shell command on the target.
type ShellTest struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
	// ExpectOutput is a regular expression the trimmed stdout must match.
	ExpectOutput string `yaml:"expect_output"`
	Setup        string `yaml:"setup"`
	Teardown     string `yaml:"teardown"`
}

// LoadConfig reads a suite config from path and fills in defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if err := yamlconf.Load(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.check(); err != nil {
		return nil, errors.Wrapf(err, "invalid suite config %s", path)
	}
	return cfg, nil
}

func (c *Config) check() error {
	switch c.ABIBitness {
	case "", "32", "64":
	default:
		return errors.Errorf("bad abi_bitness %q", c.ABIBitness)
	}
	if c.MaxRetryCount < 0 {
		return errors.Errorf("bad max_retry_count %d", c.MaxRetryCount)
	}
	if c.TestTimeout < 0 {
		return errors.Errorf("bad test_timeout %v", c.TestTimeout.D())
	}
	if c.TestTimeout == 0 {
		c.TestTimeout = yamlconf.Duration(defaultTestTimeout)
	}
	for i, cmd := range c.HealCommands {
		args, err := shlex.Split(cmd)
		if err != nil {
			return errors.Wrapf(err, "heal_commands[%d]", i)
		}
		if len(args) == 0 {
			return errors.Errorf("heal_commands[%d] is empty", i)
		}
		c.HealCommands[i] = strings.TrimSpace(cmd)
	}
	seen := make(map[string]bool)
	for _, t := range c.Tests {
		if !strings.HasPrefix(t.Name, testPrefix) {
			return errors.Errorf("test name %q does not start with %q", t.Name, testPrefix)
		}
		if seen[t.Name] {
			return errors.Errorf("duplicate test %s", t.Name)
		}
		seen[t.Name] = true
		if t.Command == "" {
			return errors.Errorf("%s: no command", t.Name)
		}
		if _, err := regexp.Compile(t.ExpectOutput); err != nil {
			return errors.Wrapf(err, "%s: bad expect_output", t.Name)
		}
	}
	return nil
}

func (c *Config) logcatOnFailure() bool {
	if c.LogcatOnFailure == nil {
		return len(c.Serials) > 0
	}
	return *c.LogcatOnFailure
}
