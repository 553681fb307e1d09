// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"io"
	"path/filepath"

	"github.com/google/subcommands"

	"go.chromium.org/labtest/deploy"
	"go.chromium.org/labtest/host"
	"go.chromium.org/labtest/internal/logging"
	"go.chromium.org/labtest/shutil"
)

const defaultLockDir = "/var/lock/labtest"

// lockCmd implements subcommands.Command to run a command while holding the
// per-host lock that deployments and test runs share.
type lockCmd struct {
	dir    string
	noWait bool
	stdout io.Writer
	runner host.Runner // runs the command
}

var _ = subcommands.Command(&lockCmd{})

func newLockCmd(stdout io.Writer) *lockCmd {
	return &lockCmd{stdout: stdout, runner: host.Local{}}
}

func (*lockCmd) Name() string     { return "lock" }
func (*lockCmd) Synopsis() string { return "run a command holding a host lock" }
func (*lockCmd) Usage() string {
	return `Usage: lock [flag]... <host> <command> [arg]...

Description:
    Takes the advisory lock of a host, runs a command and releases the lock.
    Exits with 1 if the command fails or, with -nowait, if the lock is held.

Flag:
`
}

func (l *lockCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&l.dir, "dir", defaultLockDir, "lock directory")
	f.BoolVar(&l.noWait, "nowait", false, "fail instead of waiting if the lock is held")
}

func (l *lockCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() < 2 {
		logging.Info(ctx, "Missing host or command.\n\n"+l.Usage())
		return subcommands.ExitUsageError
	}
	path := filepath.Join(l.dir, deploy.LockName(f.Arg(0)))

	var lock *host.LocalLock
	var err error
	if l.noWait {
		lock, err = host.TryLocalLock(path)
		if err == nil && lock == nil {
			logging.Infof(ctx, "%s is locked by another process", f.Arg(0))
			return subcommands.ExitFailure
		}
	} else {
		lock, err = host.AcquireLocalLock(ctx, path)
	}
	if err != nil {
		logging.Info(ctx, "Failed to lock: ", err)
		return subcommands.ExitFailure
	}
	defer lock.Unlock()
	logging.Debugf(ctx, "Holding %s", lock.Path())

	out, err := l.runner.Run(ctx, shutil.EscapeSlice(f.Args()[1:]))
	l.stdout.Write(out)
	if err != nil {
		logging.Info(ctx, "Command failed: ", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
