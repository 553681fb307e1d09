// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package servo controls servo boards attached to DUTs through servod's
// XML-RPC interface.
//
// Caution: servod exits if the EC is rebooted while the CCD watchdog is
// active. SetPowerState and PowerStateController.Reset remove the watchdog
// first, and Close restores it.
package servo

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"code.cloudfoundry.org/clock"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/host"
	"go.chromium.org/labtest/internal/logging"
	"go.chromium.org/labtest/internal/xmlrpc"
)

// Delays used when driving the DUT through servo.
const (
	ShortDelay        = 100 * time.Millisecond
	GetRetryMax       = 10
	SleepDelay        = 6 * time.Second
	BootDelay         = 10 * time.Second
	KeyPressDelay     = 100 * time.Millisecond
	RecToggleDelay    = 100 * time.Millisecond
	DevToggleDelay    = 100 * time.Millisecond
	USBDetectionDelay = 10 * time.Second
	USBPowerOffDelay  = 2 * time.Second
	USBProbeTimeout   = 40 * time.Second

	// DefaultPort is servod's default XML-RPC port.
	DefaultPort = 9999

	hostCommandTimeout = time.Hour
	powerStateTimeout  = 30 * time.Second
)

var (
	faultTypeRE = regexp.MustCompile(`^.*>:`)
	noControlRE = regexp.MustCompile(`No control named (\w*\.?\w*)`)
)

// ControlUnavailableError is returned when servod does not know a control.
type ControlUnavailableError struct {
	Control string
}

func (e *ControlUnavailableError) Error() string {
	return fmt.Sprintf("No control named %q", e.Control)
}

// IsControlUnavailable reports whether err means the control is missing.
func IsControlUnavailable(err error) bool {
	var ce *ControlUnavailableError
	return errors.As(err, &ce)
}

// Servo talks to one servod instance.
type Servo struct {
	rpc      *xmlrpc.XMLRpc
	clk      clock.Clock
	host     host.Runner // servo host; nil if unknown
	hostname string
	port     int

	// Attributes that do not change during a session.
	version   string
	servoType string
	hasCCD    bool

	usbState         USBState
	removedWatchdogs []WatchdogValue

	power *PowerStateController
	uart  *uartCapture
}

// Option customizes a Servo.
type Option func(s *Servo)

// WithClock replaces the clock used for delays.
func WithClock(clk clock.Clock) Option {
	return func(s *Servo) { s.clk = clk }
}

// WithHost sets the runner for the machine running servod. It is needed by
// operations that run commands there, such as log rotation and firmware
// programming.
func WithHost(r host.Runner) Option {
	return func(s *Servo) { s.host = r }
}

// New returns a Servo for servod at host:port. No RPC is made.
func New(ctx context.Context, hostname string, port int, opts ...Option) (*Servo, error) {
	s := &Servo{
		rpc:      xmlrpc.New(hostname, port),
		clk:      clock.NewClock(),
		hostname: hostname,
		port:     port,
	}
	for _, o := range opts {
		o(s)
	}
	s.power = &PowerStateController{s: s}
	s.uart = &uartCapture{s: s}
	return s, nil
}

// Port returns the servod port on the servo host.
func (s *Servo) Port() int { return s.port }

// Close restores removed watchdogs and stops UART capture.
func (s *Servo) Close(ctx context.Context) error {
	var firstErr error
	s.uart.stop(ctx)
	for _, v := range s.removedWatchdogs {
		logging.Infof(ctx, "Restoring servo watchdog %q", v)
		if err := s.SetString(ctx, WatchdogAddCtrl, string(v)); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "restoring watchdog %q", v)
		}
	}
	s.removedWatchdogs = nil
	return firstErr
}

func (s *Servo) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-s.clk.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildCtrlName(ctrl, prefix string) (string, error) {
	if ctrl == "" {
		return "", errors.New("empty control name")
	}
	if prefix == "" {
		return ctrl, nil
	}
	return prefix + "." + ctrl, nil
}

// faultReason strips the exception type servod prepends to fault strings,
// e.g. "<class 'NameError'>:No control named foo".
func faultReason(fe xmlrpc.FaultError) string {
	return strings.TrimSpace(faultTypeRE.ReplaceAllString(fe.Reason, ""))
}

// translate converts an RPC error of get or set into a domain error.
func translate(err error, verb, name string) error {
	var fe xmlrpc.FaultError
	if !errors.As(err, &fe) {
		return errors.Wrapf(err, "%s '%s'", verb, name)
	}
	reason := faultReason(fe)
	if m := noControlRE.FindStringSubmatch(reason); m != nil {
		return &ControlUnavailableError{Control: m[1]}
	}
	return errors.Errorf("%s '%s' :: %s", verb, name, reason)
}

// HasControl reports whether servod knows ctrl.
func (s *Servo) HasControl(ctx context.Context, ctrl, prefix string) (bool, error) {
	name, err := buildCtrlName(ctrl, prefix)
	if err != nil {
		return false, err
	}
	err = s.rpc.Run(ctx, xmlrpc.NewCall("doc", name))
	if err == nil {
		return true, nil
	}
	var fe xmlrpc.FaultError
	if errors.As(err, &fe) {
		if m := noControlRE.FindStringSubmatch(faultReason(fe)); m != nil && m[1] == name {
			return false, nil
		}
	}
	return false, errors.Wrapf(err, "checking control %s", name)
}

// Get returns the value of a control.
func (s *Servo) Get(ctx context.Context, ctrl, prefix string) (string, error) {
	name, err := buildCtrlName(ctrl, prefix)
	if err != nil {
		return "", err
	}
	var v string
	if err := s.rpc.Run(ctx, xmlrpc.NewCall("get", name), &v); err != nil {
		err = translate(err, "Getting", name)
		logging.Debug(ctx, err)
		return "", err
	}
	return v, nil
}

// SetNoCheck sets a control without reading it back.
func (s *Servo) SetNoCheck(ctx context.Context, ctrl, value, prefix string) error {
	return s.setNoCheckTimeout(ctx, ctrl, value, prefix, 0)
}

func (s *Servo) setNoCheckTimeout(ctx context.Context, ctrl, value, prefix string, timeout time.Duration) error {
	name, err := buildCtrlName(ctrl, prefix)
	if err != nil {
		return err
	}
	logging.Debugf(ctx, "Setting %s to %q", name, value)
	call := xmlrpc.NewCall("set", name, value)
	if timeout > 0 {
		call = xmlrpc.NewCallTimeout("set", timeout, name, value)
	}
	if err := s.rpc.Run(ctx, call); err != nil {
		err = translate(err, "Setting", name)
		logging.Debug(ctx, err)
		return err
	}
	return nil
}

// Set sets a control and reads it back until it holds value, retrying up
// to GetRetryMax times.
func (s *Servo) Set(ctx context.Context, ctrl, value, prefix string) error {
	if err := s.SetNoCheck(ctx, ctrl, value, prefix); err != nil {
		return err
	}
	actual, err := s.Get(ctx, ctrl, prefix)
	if err != nil {
		return err
	}
	for retries := GetRetryMax; actual != value && retries > 0; retries-- {
		logging.Debugf(ctx, "%s: %s != %s, %d retries left", ctrl, actual, value, retries)
		if err := s.sleep(ctx, ShortDelay); err != nil {
			return err
		}
		if actual, err = s.Get(ctx, ctrl, prefix); err != nil {
			return err
		}
	}
	if actual != value {
		return errors.Errorf("Servo failed to set %s to %s. Got %s.", ctrl, value, actual)
	}
	return nil
}

// SetGetAll runs a batch of "name:value" sets, "name" gets and "sleep:secs"
// pauses in one RPC. Old servod versions without set_get_all are served one
// control at a time.
func (s *Servo) SetGetAll(ctx context.Context, controls []string) ([]string, error) {
	logging.Debugf(ctx, "Set/get all: %v", controls)
	var rv []string
	err := s.rpc.Run(ctx, xmlrpc.NewCall("set_get_all", controls), &rv)
	if err == nil {
		return rv, nil
	}
	var fe xmlrpc.FaultError
	if !errors.As(err, &fe) {
		return nil, errors.Wrap(err, "set_get_all")
	}
	if !strings.Contains(fe.Reason, "not supported") {
		return nil, errors.Errorf("Problem with '%v' :: %s", controls, faultReason(fe))
	}

	logging.Infof(ctx, "servod does not support set_get_all; falling back to set and get")
	rv = nil
	for _, c := range controls {
		name, value, isSet := strings.Cut(c, ":")
		switch {
		case isSet && name == "sleep":
			var secs float64
			if _, err := fmt.Sscanf(value, "%g", &secs); err != nil {
				return nil, errors.Wrapf(err, "bad sleep duration %q", value)
			}
			if err := s.sleep(ctx, time.Duration(secs*float64(time.Second))); err != nil {
				return nil, err
			}
			rv = append(rv, "True")
		case isSet:
			if err := s.SetNoCheck(ctx, name, value, ""); err != nil {
				return nil, err
			}
			rv = append(rv, "True")
		default:
			v, err := s.Get(ctx, name, "")
			if err != nil {
				return nil, err
			}
			rv = append(rv, v)
		}
	}
	return rv, nil
}

// HWInit resets servo controls to their defaults.
func (s *Servo) HWInit(ctx context.Context) error {
	if err := s.rpc.Run(ctx, xmlrpc.NewCall("hwinit")); err != nil {
		return errors.Wrapf(err, "hwinit on %s", s.rpc.Addr())
	}
	return nil
}

// Board returns the board servod was started for.
func (s *Servo) Board(ctx context.Context) (string, error) {
	var b string
	if err := s.rpc.Run(ctx, xmlrpc.NewCall("get_board"), &b); err != nil {
		return "", errors.Wrap(err, "get_board")
	}
	return b, nil
}

// PowerState returns the power state controller.
func (s *Servo) PowerState() *PowerStateController { return s.power }

// InitializeDUT puts servo signals in their default state. If coldReset is
// true and supported, the DUT is also reset.
func (s *Servo) InitializeDUT(ctx context.Context, coldReset bool) error {
	if err := s.HWInit(ctx); err != nil {
		return err
	}
	s.usbState = ""
	ok, err := s.HasControl(ctx, "usb_mux_oe1", "")
	if err != nil {
		return err
	}
	if ok {
		if err := s.Set(ctx, "usb_mux_oe1", "on", ""); err != nil {
			return err
		}
		if err := s.SwitchUSBKey(ctx, USBOff); err != nil {
			return err
		}
	} else {
		logging.Warning(ctx, "Servod control 'usb_mux_oe1' is not available; USB drive routines will fail")
	}
	s.uart.start(ctx)
	if coldReset {
		supported, err := s.power.Supported(ctx)
		if err != nil {
			return err
		}
		if !supported {
			logging.Info(ctx, "Cold reset requested, but servo does not support power_state; skipping")
		} else if err := s.power.Reset(ctx); err != nil {
			return err
		}
	}
	if v, err := s.ServoVersion(ctx, false); err == nil {
		logging.Debugf(ctx, "Servo initialized, version is %s", v)
	}
	if ok, err := s.HasControl(ctx, "init_keyboard", ""); err != nil {
		return err
	} else if ok {
		return s.SetNoCheck(ctx, "init_keyboard", "on", "")
	}
	return nil
}
