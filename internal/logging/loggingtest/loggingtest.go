// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package loggingtest provides a Logger for unit tests.
package loggingtest

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.chromium.org/labtest/internal/logging"
)

// Logger records messages and mirrors them to t.Log.
type Logger struct {
	t     *testing.T
	level logging.Level

	mu   sync.Mutex
	logs []string
}

// NewLogger creates a Logger recording messages at level or above.
func NewLogger(t *testing.T, level logging.Level) *Logger {
	return &Logger{t: t, level: level}
}

// Log implements logging.Logger.
func (l *Logger) Log(level logging.Level, ts time.Time, msg string) {
	l.t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.t.Log(msg)
	if level >= l.level {
		l.logs = append(l.logs, msg)
	}
}

// Logs returns a copy of the recorded messages.
func (l *Logger) Logs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.logs...)
}

// String joins the recorded messages with newlines.
func (l *Logger) String() string {
	return strings.Join(l.Logs(), "\n")
}

// Context returns a background context with a new Logger at LevelDebug.
func Context(t *testing.T) (context.Context, *Logger) {
	l := NewLogger(t, logging.LevelDebug)
	return logging.AttachLogger(context.Background(), l), l
}
