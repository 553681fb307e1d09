// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package stack captures and formats call stacks attached to labtest errors.
// Use the errors package instead of calling this directly.
package stack

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	maxDepth = 8 // frames kept per error

	truncated = "\t..."
)

// Stack is a list of program counters.
type Stack []uintptr

// New records the current call stack. skip=0 makes the caller of New the
// innermost frame.
func New(skip int) Stack {
	pcs := make([]uintptr, maxDepth+1)
	n := runtime.Callers(skip+2, pcs)
	return Stack(pcs[:n])
}

// String renders one "\tat func (file:line)" line per frame.
func (s Stack) String() string {
	if len(s) == 0 {
		return "\tat ???"
	}
	var lines []string
	frames := runtime.CallersFrames(s)
	for {
		f, more := frames.Next()
		lines = append(lines, fmt.Sprintf("\tat %s (%s:%d)", f.Function, filepath.Base(f.File), f.Line))
		if !more {
			break
		}
		if len(lines) >= maxDepth {
			lines = append(lines, truncated)
			break
		}
	}
	return strings.Join(lines, "\n")
}
