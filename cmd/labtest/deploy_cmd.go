// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/google/subcommands"

	"go.chromium.org/labtest/deploy"
	"go.chromium.org/labtest/internal/logging"
)

// deployCmd implements subcommands.Command to image DUTs.
type deployCmd struct {
	configPath string
	resultsDir string
	ssh        sshFlags
	stdout     io.Writer // where the summary is written

	// dialer reaches servos and DUTs. Tests replace it.
	dialer func(s *sshFlags) deploy.Dialer
}

var _ = subcommands.Command(&deployCmd{})

func newDeployCmd(stdout io.Writer) *deployCmd {
	return &deployCmd{
		stdout: stdout,
		dialer: func(s *sshFlags) deploy.Dialer {
			return deploy.NetDialer{KeyFile: s.keyFile, KeyDir: s.keyDir}
		},
	}
}

func (*deployCmd) Name() string     { return "deploy" }
func (*deployCmd) Synopsis() string { return "install images on DUTs through their servos" }
func (*deployCmd) Usage() string {
	return `Usage: deploy -config <file> [flag]...

Description:
    Installs firmware and test images on every host of a deploy config, in
    parallel, and prints a summary. Exits with 1 if any host failed.

Flag:
`
}

func (d *deployCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.configPath, "config", "", "deploy config file")
	f.StringVar(&d.resultsDir, "resultsdir", "", "directory for the install summary (overrides the config)")
	d.ssh.SetFlags(f)
}

func (d *deployCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if d.configPath == "" || f.NArg() != 0 {
		logging.Info(ctx, "Bad arguments.\n\n"+d.Usage())
		return subcommands.ExitUsageError
	}
	cfg, err := deploy.LoadConfig(d.configPath)
	if err != nil {
		logging.Info(ctx, "Failed to load config: ", err)
		return subcommands.ExitUsageError
	}
	if d.resultsDir != "" {
		cfg.ResultsDir = d.resultsDir
	}
	if d.ssh.keyFile == "" {
		d.ssh.keyFile = cfg.SSHKeyFile
	}
	if d.ssh.keyDir == "" {
		d.ssh.keyDir = cfg.SSHKeyDir
	}

	sum, err := deploy.Run(ctx, cfg, d.dialer(&d.ssh))
	if sum != nil {
		fmt.Fprint(d.stdout, sum.String())
	}
	if err != nil {
		logging.Info(ctx, "Deployment failed: ", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
