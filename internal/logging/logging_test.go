// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package logging_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"go.chromium.org/labtest/internal/logging"
	"go.chromium.org/labtest/internal/logging/loggingtest"
)

func TestMultiLogger(t *testing.T) {
	l1 := loggingtest.NewLogger(t, logging.LevelInfo)
	l2 := loggingtest.NewLogger(t, logging.LevelInfo)

	ml := logging.NewMultiLogger(l1)
	ml.Log(logging.LevelInfo, time.Time{}, "aaa")
	ml.AddLogger(l2)
	ml.Log(logging.LevelInfo, time.Time{}, "bbb")
	ml.RemoveLogger(l1)
	ml.Log(logging.LevelInfo, time.Time{}, "ccc")

	if diff := cmp.Diff(l1.Logs(), []string{"aaa", "bbb"}); diff != "" {
		t.Errorf("l1 mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(l2.Logs(), []string{"bbb", "ccc"}); diff != "" {
		t.Errorf("l2 mismatch (-got +want):\n%s", diff)
	}
}

func TestSinkLogger(t *testing.T) {
	var buf bytes.Buffer
	l := logging.NewSinkLogger(logging.LevelInfo, true, logging.NewWriterSink(&buf))
	ts := time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)
	l.Log(logging.LevelDebug, ts, "hidden")
	l.Log(logging.LevelInfo, ts, "shown")
	l.Log(logging.LevelWarning, ts, "careful")

	const want = "2021-03-04T05:06:07.000000Z shown\n2021-03-04T05:06:07.000000Z WARNING: careful\n"
	if got := buf.String(); got != want {
		t.Errorf("Got %q; want %q", got, want)
	}
}

func TestAttachLogger(t *testing.T) {
	outer := loggingtest.NewLogger(t, logging.LevelDebug)
	inner := loggingtest.NewLogger(t, logging.LevelDebug)
	isolated := loggingtest.NewLogger(t, logging.LevelDebug)

	ctx := logging.AttachLogger(context.Background(), outer)
	logging.Info(ctx, "one")
	ctx2 := logging.AttachLogger(ctx, inner)
	logging.Debugf(ctx2, "two %d", 2)
	ctx3 := logging.AttachLoggerNoPropagation(ctx, isolated)
	logging.Infof(ctx3, "three")

	if diff := cmp.Diff(outer.Logs(), []string{"one", "two 2"}); diff != "" {
		t.Errorf("outer mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(inner.Logs(), []string{"two 2"}); diff != "" {
		t.Errorf("inner mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(isolated.Logs(), []string{"three"}); diff != "" {
		t.Errorf("isolated mismatch (-got +want):\n%s", diff)
	}
	if logging.HasLogger(context.Background()) {
		t.Error("HasLogger(Background) = true")
	}
}

func TestLogPrefix(t *testing.T) {
	ctx, l := loggingtest.Context(t)
	ctx = logging.SetLogPrefix(ctx, "[dut1] ")
	logging.Info(ctx, "a")
	logging.Info(logging.SetLogPrefix(ctx, "[servo] "), "b")
	logging.Warning(logging.UnsetLogPrefix(ctx), "c")

	if diff := cmp.Diff(l.Logs(), []string{"[dut1] a", "[dut1] [servo] b", "c"}); diff != "" {
		t.Errorf("Logs mismatch (-got +want):\n%s", diff)
	}
}

func TestReplaceInvalidUTF8(t *testing.T) {
	if got := logging.ReplaceInvalidUTF8("a\xffb"); got != "ab" {
		t.Errorf("Got %q", got)
	}
}
