// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package main implements the labtest executable, used to run lab test
// suites, image DUTs and manage the servos and cloud instances they use.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"golang.org/x/term"

	"go.chromium.org/labtest/internal/command"
	"go.chromium.org/labtest/internal/logging"
)

// Version is the version info of this command. It is filled in at build
// time.
var Version = "<unknown>"

// newLogger returns the logger for console output.
func newLogger(w io.Writer, verbose, logTime bool) logging.Logger {
	level := logging.LevelInfo
	if verbose {
		level = logging.LevelDebug
	}
	return logging.NewSinkLogger(level, logTime, logging.NewWriterSink(w))
}

// installSignalHandler restores the terminal state before the process is
// terminated by a signal.
func installSignalHandler() {
	var st *term.State
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		var err error
		if st, err = term.GetState(fd); err != nil {
			fmt.Fprintln(os.Stderr, "Failed to get terminal state: ", err)
		}
	}
	command.InstallSignalHandler(os.Stderr, func(os.Signal) {
		if st != nil {
			term.Restore(fd, st)
		}
	})
}

// doMain implements the main body of the program. It's a separate function so
// that its deferred functions will run before os.Exit makes the program exit
// immediately.
func doMain() int {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(newRunCmd(), "")
	subcommands.Register(newDeployCmd(os.Stdout), "")
	subcommands.Register(newServoCmd(os.Stdout), "")
	subcommands.Register(newGCECmd(os.Stdout), "")
	subcommands.Register(newLockCmd(os.Stdout), "")

	version := flag.Bool("version", false, "print version and exit")
	verbose := flag.Bool("verbose", false, "use verbose logging")
	logTime := flag.Bool("logtime", term.IsTerminal(int(os.Stderr.Fd())), "include date/time headers in logs")
	flag.Parse()

	if *version {
		fmt.Printf("labtest version %s\n", Version)
		return 0
	}

	ctx := logging.AttachLogger(context.Background(), newLogger(os.Stderr, *verbose, *logTime))
	installSignalHandler()

	return int(subcommands.Execute(ctx))
}

func main() {
	os.Exit(doMain())
}
