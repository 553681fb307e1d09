// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package errors

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"testing"
)

func TestMessages(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want string
	}{
		{New("meow"), "meow"},
		{Errorf("%d lives", 9), "9 lives"},
		{Wrap(New("inner"), "outer"), "outer: inner"},
		{Wrapf(os.ErrNotExist, "open %s", "x"), "open x: file does not exist"},
	} {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("Error() = %q; want %q", got, tc.want)
		}
		if got := fmt.Sprintf("%v", tc.err); got != tc.want {
			t.Errorf("%%v = %q; want %q", got, tc.want)
		}
	}
}

func TestFormatChain(t *testing.T) {
	err := Wrap(Wrap(os.ErrClosed, "middle"), "outer")
	s := fmt.Sprintf("%+v", err)
	re := regexp.MustCompile(`(?s)^outer\n\tat .*errors\.TestFormatChain.*\nmiddle\n\tat .*\nfile already closed\n\tat \?\?\?$`)
	if !re.MatchString(s) {
		t.Errorf("%%+v = %q", s)
	}
	if strings.Count(s, "TestFormatChain") < 2 {
		t.Errorf("Expected stacks of both links in %q", s)
	}
}

type customErr struct{ code int }

func (e *customErr) Error() string { return fmt.Sprintf("code %d", e.code) }

func TestIsAs(t *testing.T) {
	err := Wrap(Wrap(&customErr{42}, "a"), "b")
	var ce *customErr
	if !As(err, &ce) {
		t.Fatal("As failed")
	}
	if ce.code != 42 {
		t.Errorf("code = %d", ce.code)
	}
	if !Is(Wrap(os.ErrNotExist, "x"), os.ErrNotExist) {
		t.Error("Is failed")
	}
	if Unwrap(Wrap(os.ErrNotExist, "x")) != os.ErrNotExist {
		t.Error("Unwrap failed")
	}
}
