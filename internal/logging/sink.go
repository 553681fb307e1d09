// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package logging

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Sink is where formatted log lines end up.
type Sink interface {
	Log(msg string)
}

// SinkLogger drops messages below a level, optionally adds timestamps and
// writes the rest to a Sink.
type SinkLogger struct {
	level     Level
	timestamp bool
	sink      Sink
}

// NewSinkLogger creates a SinkLogger.
func NewSinkLogger(level Level, timestamp bool, sink Sink) *SinkLogger {
	return &SinkLogger{level: level, timestamp: timestamp, sink: sink}
}

// Log implements Logger.
func (l *SinkLogger) Log(level Level, ts time.Time, msg string) {
	if level < l.level {
		return
	}
	if level >= LevelWarning {
		msg = level.String() + ": " + msg
	}
	if l.timestamp {
		msg = ts.UTC().Format("2006-01-02T15:04:05.000000Z ") + msg
	}
	l.sink.Log(msg)
}

// FuncSink passes lines to a function.
type FuncSink struct {
	f  func(msg string)
	mu sync.Mutex
}

// NewFuncSink returns a FuncSink calling f.
func NewFuncSink(f func(msg string)) *FuncSink {
	return &FuncSink{f: f}
}

// Log implements Sink.
func (s *FuncSink) Log(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.f(msg)
}

// WriterSink writes each line followed by a newline to an io.Writer.
type WriterSink struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriterSink returns a WriterSink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Log implements Sink.
func (s *WriterSink) Log(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.w, msg)
}
