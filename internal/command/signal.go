// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package command holds process-level helpers shared by labtest commands.
package command

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/pprof"

	"golang.org/x/sys/unix"
)

var selfName = filepath.Base(os.Args[0])

// InstallSignalHandler makes SIGINT and SIGTERM run callback and then exit
// the process with status 1. On SIGTERM, goroutine stacks are written to out
// and direct children are terminated, so that a harness killed by a lab
// scheduler leaves neither servod tunnels nor ssh sessions behind.
func InstallSignalHandler(out io.Writer, callback func(sig os.Signal)) {
	ch := make(chan os.Signal, 1)
	go func() {
		sig := <-ch
		fmt.Fprintf(out, "\n%s: caught %v; exiting\n", selfName, sig)
		callback(sig)
		if sig == unix.SIGTERM {
			dumpGoroutines(out)
			if n, err := TerminateChildren(int32(os.Getpid())); err != nil {
				fmt.Fprintf(out, "%s: failed to terminate children: %v\n", selfName, err)
			} else if n > 0 {
				fmt.Fprintf(out, "%s: terminated %d child processes\n", selfName, n)
			}
		}
		os.Exit(1)
	}()
	signal.Notify(ch, unix.SIGINT, unix.SIGTERM)
}

func dumpGoroutines(out io.Writer) {
	fmt.Fprintf(out, "\n%s: goroutine dump follows\n\n", selfName)
	if p := pprof.Lookup("goroutine"); p != nil {
		p.WriteTo(out, 2)
	}
	fmt.Fprintf(out, "\n%s: end of goroutine dump\n", selfName)
}
