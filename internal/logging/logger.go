// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package logging routes log messages through loggers attached to a
// context.Context.
package logging

import (
	"sync"
	"time"
)

// Level is the severity of a message.
type Level int

const (
	// LevelDebug is for messages only useful when investigating a failure.
	LevelDebug Level = iota
	// LevelInfo is for messages shown to users by default.
	LevelInfo
	// LevelWarning is for recoverable problems, e.g. a missing servo control.
	LevelWarning
)

// String returns a short upper-case name of l.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	default:
		return "UNKNOWN"
	}
}

// Logger receives log messages.
type Logger interface {
	Log(level Level, ts time.Time, msg string)
}

// MultiLogger fans out messages to a mutable set of loggers.
type MultiLogger struct {
	mu      sync.Mutex
	loggers []Logger
}

// NewMultiLogger returns a MultiLogger forwarding to loggers.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// Log forwards msg to every registered logger.
func (ml *MultiLogger) Log(level Level, ts time.Time, msg string) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	for _, l := range ml.loggers {
		l.Log(level, ts, msg)
	}
}

// AddLogger registers logger.
func (ml *MultiLogger) AddLogger(logger Logger) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.loggers = append(ml.loggers, logger)
}

// RemoveLogger unregisters logger. It is a no-op if logger is unknown.
func (ml *MultiLogger) RemoveLogger(logger Logger) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	kept := ml.loggers[:0]
	for _, l := range ml.loggers {
		if l != logger {
			kept = append(kept, l)
		}
	}
	ml.loggers = kept
}

// FuncLogger calls a function for each message, serialized by a mutex.
type FuncLogger struct {
	f  func(level Level, ts time.Time, msg string)
	mu sync.Mutex
}

// NewFuncLogger returns a FuncLogger calling f.
func NewFuncLogger(f func(level Level, ts time.Time, msg string)) *FuncLogger {
	return &FuncLogger{f: f}
}

// Log calls the function.
func (l *FuncLogger) Log(level Level, ts time.Time, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.f(level, ts, msg)
}
