// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"strings"
	"time"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/host"
)

const targetConnectTimeout = 30 * time.Second

// sshFlags holds the flags used to reach SSH targets.
type sshFlags struct {
	keyFile string
	keyDir  string
}

func (s *sshFlags) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.keyFile, "keyfile", "", "path to SSH private key to use for connecting to targets")
	f.StringVar(&s.keyDir, "keydir", "", "directory containing SSH private keys")
}

// dialTarget connects to a target given as "local", "adb:<serial>",
// "docker:<container>" or "[user@]host[:port]".
func dialTarget(ctx context.Context, target string, s *sshFlags) (host.Runner, error) {
	if target == "" || target == "local" || target == "localhost" {
		return host.Local{}, nil
	}
	if serial, ok := strings.CutPrefix(target, "adb:"); ok {
		if serial == "" {
			return nil, errors.New("no serial in adb target")
		}
		adb, err := host.NewADB(ctx, serial)
		if err != nil {
			return nil, err
		}
		return adb, nil
	}
	if name, ok := strings.CutPrefix(target, "docker:"); ok {
		api, err := host.NewDockerClient()
		if err != nil {
			return nil, err
		}
		d, err := host.NewDocker(ctx, api, name)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	o := &host.SSHOptions{KeyFile: s.keyFile, KeyDir: s.keyDir, ConnectTimeout: targetConnectTimeout}
	if err := host.ParseTarget(target, o); err != nil {
		return nil, err
	}
	conn, err := host.NewSSH(ctx, o)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
