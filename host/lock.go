// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package host

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/logging"
	"go.chromium.org/labtest/shutil"
)

const lockRetryDelay = time.Second

// LocalLock is an advisory file lock shared between labtest processes on
// one machine, e.g. to keep two deployments off the same DUT.
type LocalLock struct {
	fl *flock.Flock
}

// AcquireLocalLock blocks until the lock at path is taken or ctx is done.
func AcquireLocalLock(ctx context.Context, path string) (*LocalLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "creating lock directory")
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "locking %s", path)
	}
	if !ok {
		logging.Infof(ctx, "Waiting for lock %s", path)
		if ok, err = fl.TryLockContext(ctx, lockRetryDelay); err != nil {
			return nil, errors.Wrapf(err, "locking %s", path)
		}
		if !ok {
			return nil, errors.Errorf("failed to lock %s", path)
		}
	}
	return &LocalLock{fl: fl}, nil
}

// TryLocalLock takes the lock at path without waiting. It returns nil if
// another process holds it.
func TryLocalLock(path string) (*LocalLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "creating lock directory")
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "locking %s", path)
	}
	if !ok {
		return nil, nil
	}
	return &LocalLock{fl: fl}, nil
}

// Path returns the lock file path.
func (l *LocalLock) Path() string { return l.fl.Path() }

// Unlock releases the lock.
func (l *LocalLock) Unlock() error {
	return l.fl.Unlock()
}

// RemoteLockFile is a marker file on a remote machine. Other tools on the
// DUT, such as the firmware updater, check for it before touching the
// firmware.
type RemoteLockFile struct {
	r    Runner
	path string
}

// CreateRemoteLockFile creates path and its parent directory on r.
func CreateRemoteLockFile(ctx context.Context, r Runner, path string) (*RemoteLockFile, error) {
	cmd := "mkdir -p " + shutil.Escape(filepath.Dir(path)) + " && touch " + shutil.Escape(path)
	if _, err := r.Run(ctx, cmd); err != nil {
		return nil, errors.Wrapf(err, "creating lock file %s on %s", path, r.Hostname())
	}
	return &RemoteLockFile{r: r, path: path}, nil
}

// Remove deletes the lock file.
func (l *RemoteLockFile) Remove(ctx context.Context) error {
	if _, err := l.r.Run(ctx, "rm -f "+shutil.Escape(l.path)); err != nil {
		return errors.Wrapf(err, "removing lock file %s on %s", l.path, l.r.Hostname())
	}
	return nil
}
