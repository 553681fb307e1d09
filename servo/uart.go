// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package servo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/logging"
)

// UARTs whose console may be captured.
var uarts = []string{"cpu", "ec", "cr50", "servo_v4", "servo_micro", "usbpd"}

type uartStream struct {
	ctrl string // control holding buffered output
	file string // base name of the log file
}

type uartCapture struct {
	s       *Servo
	streams []uartStream
}

// setCapture turns capture of one UART on or off and reports whether the
// control now holds the requested value. Errors are logged.
func (u *uartCapture) setCapture(ctx context.Context, uart string, v OnOffValue) bool {
	ctrl := uart + "_uart_capture"
	ok, err := u.s.HasControl(ctx, ctrl, "")
	if err != nil {
		logging.Infof(ctx, "Failed to check %s: %v", ctrl, err)
		return false
	}
	if !ok {
		return false
	}
	if err := u.s.SetNoCheck(ctx, ctrl, string(v), ""); err != nil {
		logging.Infof(ctx, "Failed to set %s to %s: %v", ctrl, v, err)
		return false
	}
	got, err := u.s.Get(ctx, ctrl, "")
	if err != nil {
		logging.Infof(ctx, "Failed to read %s: %v", ctrl, err)
		return false
	}
	return got == string(v)
}

func (u *uartCapture) start(ctx context.Context) {
	u.streams = nil
	for _, name := range uarts {
		if u.setCapture(ctx, name, On) {
			u.streams = append(u.streams, uartStream{ctrl: name + "_uart_stream", file: name + "_uart.log"})
		}
	}
}

func (u *uartCapture) dump(ctx context.Context, dir string) error {
	if dir == "" {
		return errors.New("no log directory for UART capture")
	}
	for _, st := range u.streams {
		content, err := u.s.Get(ctx, st.ctrl, "")
		if err != nil {
			logging.Infof(ctx, "Failed to read %s: %v", st.ctrl, err)
			continue
		}
		if content == "not_applicable" {
			continue
		}
		if err := appendFile(filepath.Join(dir, st.file), unquoteLiteral(content)); err != nil {
			return err
		}
	}
	return nil
}

func (u *uartCapture) stop(ctx context.Context) {
	for _, name := range uarts {
		ctrl := name + "_uart_capture"
		ok, err := u.s.HasControl(ctx, ctrl, "")
		if err != nil || !ok {
			continue
		}
		if err := u.s.SetNoCheck(ctx, ctrl, string(Off), ""); err != nil {
			logging.Infof(ctx, "Failed to stop UART capture for %s: %v", name, err)
		}
	}
	u.streams = nil
}

// StartUARTCapture enables capture on every UART servod provides.
func (s *Servo) StartUARTCapture(ctx context.Context) { s.uart.start(ctx) }

// DumpUARTs appends the buffered console output of captured UARTs to
// <uart>_uart.log files in dir.
func (s *Servo) DumpUARTs(ctx context.Context, dir string) error { return s.uart.dump(ctx, dir) }

// StopUARTCapture disables capture on every UART.
func (s *Servo) StopUARTCapture(ctx context.Context) { s.uart.stop(ctx) }

// CapturedUARTs returns the UARTs currently captured.
func (s *Servo) CapturedUARTs() []string {
	var names []string
	for _, st := range s.uart.streams {
		names = append(names, strings.TrimSuffix(st.ctrl, "_uart_stream"))
	}
	return names
}

func appendFile(path, content string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprint(f, content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// unquoteLiteral decodes a quoted string literal as returned by servod for
// stream controls. Other values are returned as is.
func unquoteLiteral(v string) string {
	if len(v) < 2 {
		return v
	}
	q := v[0]
	if (q != '\'' && q != '"') || v[len(v)-1] != q {
		return v
	}
	body := v[1 : len(v)-1]
	if q == '\'' {
		body = strings.ReplaceAll(body, `\'`, `'`)
		body = strings.ReplaceAll(body, `"`, `\"`)
	}
	if s, err := strconv.Unquote(`"` + body + `"`); err == nil {
		return s
	}
	return body
}
