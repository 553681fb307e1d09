// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package host

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"

	"go.chromium.org/labtest/errors"
)

// Local runs commands on the machine labtest runs on. Servo hosts that are
// localhost use it.
type Local struct{}

var _ Runner = Local{}

// Run implements Runner.
func (Local) Run(ctx context.Context, cmd string) ([]byte, error) {
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if err := c.Run(); err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && ctx.Err() == nil {
			return stdout.Bytes(), &ExitError{Cmd: cmd, Status: ee.ExitCode(), Stderr: stderr.String()}
		}
		return stdout.Bytes(), errors.Wrapf(err, "running %q", cmd)
	}
	return stdout.Bytes(), nil
}

// GetFile implements Runner.
func (Local) GetFile(ctx context.Context, src, dst string) error {
	return copyLocal(src, dst)
}

// PutFile implements Runner.
func (Local) PutFile(ctx context.Context, src, dst string) error {
	return copyLocal(src, dst)
}

// Hostname implements Runner.
func (Local) Hostname() string { return "localhost" }

// Close implements Runner.
func (Local) Close(ctx context.Context) error { return nil }

func copyLocal(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
