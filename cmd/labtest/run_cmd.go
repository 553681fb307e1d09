// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/subcommands"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/host"
	"go.chromium.org/labtest/internal/logging"
	"go.chromium.org/labtest/runner"
	"go.chromium.org/labtest/runner/reporting"
)

const (
	fullLogName       = "full.txt" // file in the results dir containing full output
	defaultResultsDir = "/tmp/labtest/results"
)

// runCmd implements subcommands.Command to support running a shell suite.
type runCmd struct {
	configPath   string
	target       string
	resultsDir   string
	failForTests bool // exit with 1 if any individual tests fail
	ssh          sshFlags

	// dial connects to the target. Tests replace it.
	dial func(ctx context.Context, target string, s *sshFlags) (host.Runner, error)
	// now names the default results directory.
	now func() time.Time
}

var _ = subcommands.Command(&runCmd{})

func newRunCmd() *runCmd {
	return &runCmd{dial: dialTarget, now: time.Now}
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "run a test suite" }
func (*runCmd) Usage() string {
	return `Usage: run [flag]... [test]...

Description:
    Runs the tests of a suite config against a target. With no tests named,
    the config's run_list or else every test is run.
    Exits with 0 if the suite ran, even if some tests failed. Callers should
    examine results.json. -failfortests can be supplied to override this.

Target:
    "local", "adb:<serial>", "docker:<container>" or an SSH connection spec
    of the form "[user@]host[:port]".

Flag:
`
}

func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.configPath, "config", "", "suite config file")
	f.StringVar(&r.target, "target", "local", "target to run tests against")
	f.StringVar(&r.resultsDir, "resultsdir", "", "directory for test results (overrides the config)")
	f.BoolVar(&r.failForTests, "failfortests", false, "exit with 1 if any tests fail")
	r.ssh.SetFlags(f)
}

func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if r.configPath == "" {
		logging.Info(ctx, "Missing -config.\n\n"+r.Usage())
		return subcommands.ExitUsageError
	}
	cfg, err := runner.LoadConfig(r.configPath)
	if err != nil {
		logging.Info(ctx, "Failed to load config: ", err)
		return subcommands.ExitUsageError
	}

	updateLatest := false
	switch {
	case r.resultsDir != "":
		cfg.ResultsDir = r.resultsDir
	case cfg.ResultsDir == "":
		cfg.ResultsDir = filepath.Join(defaultResultsDir, r.now().Format("20060102-150405"))
		updateLatest = true
	}
	if err := os.MkdirAll(cfg.ResultsDir, 0755); err != nil {
		logging.Info(ctx, err)
		return subcommands.ExitFailure
	}

	// Update the "latest" symlink if the default result directory is used.
	if updateLatest {
		link := filepath.Join(filepath.Dir(cfg.ResultsDir), "latest")
		os.Remove(link)
		if err := os.Symlink(filepath.Base(cfg.ResultsDir), link); err != nil {
			logging.Info(ctx, "Failed to create results symlink: ", err)
		}
	}

	// Log the full output of the command to disk.
	fullLog, err := os.Create(filepath.Join(cfg.ResultsDir, fullLogName))
	if err != nil {
		logging.Info(ctx, err)
		return subcommands.ExitFailure
	}
	defer fullLog.Close()
	ctx = logging.AttachLogger(ctx, logging.NewSinkLogger(logging.LevelDebug, true, logging.NewWriterSink(fullLog)))

	logging.Info(ctx, "Command line: ", strings.Join(os.Args, " "))
	logging.Info(ctx, "Writing results to ", cfg.ResultsDir)

	module, results, err := r.run(ctx, cfg, f.Args())
	if results == nil {
		logging.Infof(ctx, "Failed to run tests: %v", err)
		return subcommands.ExitFailure
	}
	if werr := writeResults(cfg.ResultsDir, results.Report(module)); werr != nil {
		logging.Info(ctx, "Failed to write results: ", werr)
		return subcommands.ExitFailure
	}
	logging.Info(ctx, results.Summary())
	if err != nil {
		logging.Infof(ctx, "Failed to run tests: %v", err)
		return subcommands.ExitFailure
	}

	// If we would otherwise report success (indicating that we executed all
	// tests) but -failfortests was passed, then examine test results.
	if r.failForTests && len(results.NonPassingRecords(false)) > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// run runs the suite of cfg against the target and returns the module name
// and results. The results are returned when the suite ran, even if it was
// aborted.
func (r *runCmd) run(ctx context.Context, cfg *runner.Config, names []string) (string, *runner.Results, error) {
	if len(cfg.Tests) == 0 {
		return "", nil, errors.Errorf("no tests in %s", r.configPath)
	}
	target, err := r.dial(ctx, r.target, &r.ssh)
	if err != nil {
		return "", nil, errors.Wrapf(err, "failed to connect to %s", r.target)
	}
	defer target.Close(ctx)
	logging.Infof(ctx, "Connected to %s", target.Hostname())

	suite, err := runner.NewShellSuite(target, cfg.Tests)
	if err != nil {
		return "", nil, err
	}
	bt, err := runner.New(suite, *cfg)
	if err != nil {
		return "", nil, err
	}
	results, err := bt.Run(ctx, names)
	return bt.ModuleName(), results, err
}

// writeResults writes the results.json and JUnit XML files of rep to dir.
func writeResults(dir string, rep *reporting.Report) (retErr error) {
	write := func(name string, fn func(f *os.File) error) {
		if retErr != nil {
			return
		}
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			retErr = err
			return
		}
		if err := fn(f); err != nil {
			f.Close()
			retErr = errors.Wrapf(err, "writing %s", name)
			return
		}
		retErr = f.Close()
	}
	write(reporting.ResultsJSONFilename, func(f *os.File) error { return reporting.WriteResultsJSON(f, rep) })
	write(reporting.JUnitXMLFilename, func(f *os.File) error { return reporting.WriteJUnitXML(f, rep) })
	return retErr
}
