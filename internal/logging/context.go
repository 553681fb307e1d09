// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type loggerKey struct{}

type prefixKey struct{}

// AttachLogger returns a context that sends messages to logger in addition
// to any logger already attached to ctx.
func AttachLogger(ctx context.Context, logger Logger) context.Context {
	if parent, ok := loggerFromContext(ctx); ok {
		logger = NewMultiLogger(logger, parent)
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// AttachLoggerNoPropagation is like AttachLogger, but messages no longer
// reach loggers attached to ctx.
func AttachLoggerNoPropagation(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// HasLogger reports whether ctx carries a logger.
func HasLogger(ctx context.Context) bool {
	_, ok := loggerFromContext(ctx)
	return ok
}

// SetLogPrefix returns a context whose messages start with prefix. Prefixes
// nest: a prefix set on a derived context is appended to the parent's.
func SetLogPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, prefixKey{}, getPrefix(ctx)+prefix)
}

// UnsetLogPrefix clears all prefixes.
func UnsetLogPrefix(ctx context.Context) context.Context {
	return context.WithValue(ctx, prefixKey{}, "")
}

func loggerFromContext(ctx context.Context) (Logger, bool) {
	logger, ok := ctx.Value(loggerKey{}).(Logger)
	return logger, ok
}

func getPrefix(ctx context.Context) string {
	p, _ := ctx.Value(prefixKey{}).(string)
	return p
}

// Info logs at LevelInfo with fmt.Sprint formatting.
func Info(ctx context.Context, args ...interface{}) {
	emit(ctx, LevelInfo, fmt.Sprint(args...))
}

// Infof logs at LevelInfo with fmt.Sprintf formatting.
func Infof(ctx context.Context, format string, args ...interface{}) {
	emit(ctx, LevelInfo, fmt.Sprintf(format, args...))
}

// Debug logs at LevelDebug with fmt.Sprint formatting.
func Debug(ctx context.Context, args ...interface{}) {
	emit(ctx, LevelDebug, fmt.Sprint(args...))
}

// Debugf logs at LevelDebug with fmt.Sprintf formatting.
func Debugf(ctx context.Context, format string, args ...interface{}) {
	emit(ctx, LevelDebug, fmt.Sprintf(format, args...))
}

// Warning logs at LevelWarning with fmt.Sprint formatting.
func Warning(ctx context.Context, args ...interface{}) {
	emit(ctx, LevelWarning, fmt.Sprint(args...))
}

// Warningf logs at LevelWarning with fmt.Sprintf formatting.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	emit(ctx, LevelWarning, fmt.Sprintf(format, args...))
}

func emit(ctx context.Context, level Level, msg string) {
	ts := time.Now()
	logger, ok := loggerFromContext(ctx)
	if !ok {
		return
	}
	logger.Log(level, ts, ReplaceInvalidUTF8(getPrefix(ctx)+msg))
}

// ReplaceInvalidUTF8 drops byte sequences that are not valid UTF-8, which
// otherwise break JSON and XML reports.
func ReplaceInvalidUTF8(msg string) string {
	return strings.ToValidUTF8(msg, "")
}
