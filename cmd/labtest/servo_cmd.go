// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/google/subcommands"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/logging"
	"go.chromium.org/labtest/servo"
)

// servoControl is the part of *servo.Servo used by servoCmd.
type servoControl interface {
	Get(ctx context.Context, ctrl, prefix string) (string, error)
	Set(ctx context.Context, ctrl, value, prefix string) error
	PowerOn(ctx context.Context, mode servo.RecMode) error
	PowerOff(ctx context.Context) error
	ColdReset(ctx context.Context) error
	WarmReset(ctx context.Context) error
	USBKeyDirection(ctx context.Context) (servo.USBState, error)
	SwitchUSBKey(ctx context.Context, st servo.USBState) error
	InitializeDUT(ctx context.Context, coldReset bool) error
}

var _ servoControl = (*servo.Servo)(nil)

// servoCmd implements subcommands.Command to drive a servo by hand.
type servoCmd struct {
	spec      string
	prefix    string
	coldReset bool
	ssh       sshFlags
	stdout    io.Writer

	// connect opens the servo. The returned func closes it.
	connect func(ctx context.Context, spec string, s *sshFlags) (servoControl, func(), error)
}

var _ = subcommands.Command(&servoCmd{})

func newServoCmd(stdout io.Writer) *servoCmd {
	return &servoCmd{stdout: stdout, connect: connectServo}
}

func connectServo(ctx context.Context, spec string, s *sshFlags) (servoControl, func(), error) {
	pxy, err := servo.NewProxy(ctx, spec, s.keyFile, s.keyDir)
	if err != nil {
		return nil, nil, err
	}
	return pxy.Servo(), func() { pxy.Close(ctx) }, nil
}

func (*servoCmd) Name() string     { return "servo" }
func (*servoCmd) Synopsis() string { return "get and set servo controls" }
func (*servoCmd) Usage() string {
	return `Usage: servo -servo <spec> [flag]... <command> [arg]...

Description:
    Drives a servo through servod.

Commands:
    get <control>...        print control values
    set <control> <value>   set a control and check it
    power on|off|rec|reset|warm_reset
    usbkey [off|host|dut]   print or switch the USB key direction
    init                    initialize the servo and DUT

Servo:
    The servod spec, e.g. "labstation:9999", "host:9999:ssh:2222",
    "host:9999:nossh" or "<name>docker_servod:9999".

Flag:
`
}

func (s *servoCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.spec, "servo", "", "servod spec")
	f.StringVar(&s.prefix, "prefix", "", "control name prefix for get and set, e.g. \"servo_micro\"")
	f.BoolVar(&s.coldReset, "cold", false, "cold reset the DUT after init")
	s.ssh.SetFlags(f)
}

// checkServoArgs validates the arguments of a servo command.
func checkServoArgs(args []string) error {
	if len(args) == 0 {
		return errors.New("missing command")
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "get":
		if len(rest) == 0 {
			return errors.New("get needs a control")
		}
	case "set":
		if len(rest) != 2 {
			return errors.New("set needs a control and a value")
		}
	case "power":
		if len(rest) != 1 {
			return errors.New("power needs a state")
		}
		switch rest[0] {
		case "on", "off", "rec", "reset", "warm_reset":
		default:
			return errors.Errorf("unknown power state %q", rest[0])
		}
	case "usbkey":
		if len(rest) > 1 {
			return errors.New("usbkey takes at most one direction")
		}
		if len(rest) == 1 {
			switch servo.USBState(rest[0]) {
			case servo.USBOff, servo.USBHost, servo.USBDUT:
			default:
				return errors.Errorf("unknown USB direction %q", rest[0])
			}
		}
	case "init":
		if len(rest) != 0 {
			return errors.New("init takes no arguments")
		}
	default:
		return errors.Errorf("unknown command %q", cmd)
	}
	return nil
}

func (s *servoCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if s.spec == "" {
		logging.Info(ctx, "Missing -servo.\n\n"+s.Usage())
		return subcommands.ExitUsageError
	}
	if err := checkServoArgs(f.Args()); err != nil {
		logging.Infof(ctx, "%v\n\n%s", err, s.Usage())
		return subcommands.ExitUsageError
	}

	svo, closeServo, err := s.connect(ctx, s.spec, &s.ssh)
	if err != nil {
		logging.Info(ctx, "Failed to connect to servo: ", err)
		return subcommands.ExitFailure
	}
	defer closeServo()

	if err := s.do(ctx, svo, f.Args()); err != nil {
		logging.Info(ctx, "Failed: ", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (s *servoCmd) do(ctx context.Context, svo servoControl, args []string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "get":
		for _, ctrl := range rest {
			v, err := svo.Get(ctx, ctrl, s.prefix)
			if err != nil {
				return err
			}
			fmt.Fprintf(s.stdout, "%s: %s\n", ctrl, v)
		}
		return nil
	case "set":
		return svo.Set(ctx, rest[0], rest[1], s.prefix)
	case "power":
		switch rest[0] {
		case "on":
			return svo.PowerOn(ctx, servo.RecModeNormal)
		case "rec":
			return svo.PowerOn(ctx, servo.RecModeOn)
		case "off":
			return svo.PowerOff(ctx)
		case "reset":
			return svo.ColdReset(ctx)
		default:
			return svo.WarmReset(ctx)
		}
	case "usbkey":
		if len(rest) == 1 {
			return svo.SwitchUSBKey(ctx, servo.USBState(rest[0]))
		}
		st, err := svo.USBKeyDirection(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(s.stdout, st)
		return nil
	default:
		return svo.InitializeDUT(ctx, s.coldReset)
	}
}
