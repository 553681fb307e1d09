// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package hosttest provides a scripted host.Runner for unit tests.
package hosttest

import (
	"context"
	"os"
	"regexp"
	"sync"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/host"
)

// Handler produces the result of a command.
type Handler func(cmd string) (stdout string, status int, err error)

type rule struct {
	re *regexp.Regexp
	h  Handler
}

// Runner is a fake host.Runner. Commands are matched against registered
// patterns, most recent first; unmatched commands succeed with no output.
// Files are kept in memory.
type Runner struct {
	name string

	mu    sync.Mutex
	rules []rule
	cmds  []string
	files map[string]string
}

var _ host.Runner = (*Runner)(nil)

// NewRunner returns a fake runner named name.
func NewRunner(name string) *Runner {
	return &Runner{name: name, files: make(map[string]string)}
}

// Handle registers h for commands matching the regular expression pattern.
func (r *Runner) Handle(pattern string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule{regexp.MustCompile(pattern), h})
}

// Reply makes commands matching pattern print stdout and succeed.
func (r *Runner) Reply(pattern, stdout string) {
	r.Handle(pattern, func(string) (string, int, error) { return stdout, 0, nil })
}

// Fail makes commands matching pattern exit with status.
func (r *Runner) Fail(pattern string, status int) {
	r.Handle(pattern, func(string) (string, int, error) { return "", status, nil })
}

// SetFile stores a remote file.
func (r *Runner) SetFile(path, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[path] = content
}

// File returns a remote file and whether it exists.
func (r *Runner) File(path string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.files[path]
	return c, ok
}

// Commands returns all commands run so far.
func (r *Runner) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.cmds...)
}

// Ran reports whether any command matching pattern was run.
func (r *Runner) Ran(pattern string) bool {
	re := regexp.MustCompile(pattern)
	for _, c := range r.Commands() {
		if re.MatchString(c) {
			return true
		}
	}
	return false
}

// Run implements host.Runner.
func (r *Runner) Run(ctx context.Context, cmd string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cmds = append(r.cmds, cmd)
	var h Handler
	for i := len(r.rules) - 1; i >= 0; i-- {
		if r.rules[i].re.MatchString(cmd) {
			h = r.rules[i].h
			break
		}
	}
	r.mu.Unlock()

	if h == nil {
		return nil, nil
	}
	out, status, err := h(cmd)
	if err != nil {
		return []byte(out), err
	}
	if status != 0 {
		return []byte(out), &host.ExitError{Cmd: cmd, Status: status}
	}
	return []byte(out), nil
}

// GetFile implements host.Runner.
func (r *Runner) GetFile(ctx context.Context, src, dst string) error {
	c, ok := r.File(src)
	if !ok {
		return errors.Errorf("%s: no such file %s", r.name, src)
	}
	return os.WriteFile(dst, []byte(c), 0644)
}

// PutFile implements host.Runner.
func (r *Runner) PutFile(ctx context.Context, src, dst string) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	r.SetFile(dst, string(b))
	return nil
}

// Hostname implements host.Runner.
func (r *Runner) Hostname() string { return r.name }

// Close implements host.Runner.
func (r *Runner) Close(ctx context.Context) error { return nil }
