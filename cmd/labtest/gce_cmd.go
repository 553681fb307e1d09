// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/google/subcommands"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/gce"
	"go.chromium.org/labtest/internal/logging"
)

// gceCmd implements subcommands.Command to manage lab instances on Compute
// Engine.
type gceCmd struct {
	configPath string
	user       string
	stdout     io.Writer

	// newClient connects to the project of cfg. Tests replace it.
	newClient func(ctx context.Context, cfg *gce.Config) (*gce.Client, error)
}

var _ = subcommands.Command(&gceCmd{})

func newGCECmd(stdout io.Writer) *gceCmd {
	return &gceCmd{
		stdout: stdout,
		newClient: func(ctx context.Context, cfg *gce.Config) (*gce.Client, error) {
			return gce.NewClientFromConfig(ctx, cfg)
		},
	}
}

func (*gceCmd) Name() string     { return "gce" }
func (*gceCmd) Synopsis() string { return "manage Compute Engine instances" }
func (*gceCmd) Usage() string {
	return `Usage: gce -config <file> [flag]... <command> [arg]...

Description:
    Manages instances in the project and zone of a GCE config.

Commands:
    create [name]                      create an instance and print its name
    delete <name>...                   delete instances
    ip <name>                          print the internal and external IP
    serial <name> [port]               print serial port output (port 1 to 4)
    zone <name>...                     print the zone of each instance
    addkey <user> <pubkey> <name>      allow an SSH RSA public key to log in

Flag:
`
}

func (g *gceCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&g.configPath, "config", "", "GCE config file")
	f.StringVar(&g.user, "user", "", "user recorded in the created_by label (defaults to the current user)")
}

// checkGCEArgs validates the arguments of a gce command.
func checkGCEArgs(args []string) error {
	if len(args) == 0 {
		return errors.New("missing command")
	}
	cmd, n := args[0], len(args)-1
	switch cmd {
	case "create":
		if n > 1 {
			return errors.New("create takes at most one name")
		}
	case "delete", "zone":
		if n == 0 {
			return errors.Errorf("%s needs instance names", cmd)
		}
	case "ip":
		if n != 1 {
			return errors.New("ip needs an instance name")
		}
	case "serial":
		if n != 1 && n != 2 {
			return errors.New("serial needs an instance name and an optional port")
		}
		if n == 2 {
			port, err := strconv.Atoi(args[2])
			if err != nil || port < 1 || port > 4 {
				return errors.Errorf("bad serial port %q", args[2])
			}
		}
	case "addkey":
		if n != 3 {
			return errors.New("addkey needs a user, a public key file and an instance name")
		}
	default:
		return errors.Errorf("unknown command %q", cmd)
	}
	return nil
}

func (g *gceCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if g.configPath == "" {
		logging.Info(ctx, "Missing -config.\n\n"+g.Usage())
		return subcommands.ExitUsageError
	}
	if err := checkGCEArgs(f.Args()); err != nil {
		logging.Infof(ctx, "%v\n\n%s", err, g.Usage())
		return subcommands.ExitUsageError
	}
	cfg, err := gce.LoadConfig(g.configPath)
	if err != nil {
		logging.Info(ctx, "Failed to load config: ", err)
		return subcommands.ExitUsageError
	}

	c, err := g.newClient(ctx, cfg)
	if err != nil {
		logging.Info(ctx, "Failed to connect to Compute Engine: ", err)
		return subcommands.ExitFailure
	}
	defer c.Close()

	if err := g.do(ctx, c, cfg, f.Args()); err != nil {
		logging.Info(ctx, "Failed: ", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (g *gceCmd) do(ctx context.Context, c *gce.Client, cfg *gce.Config, args []string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "create":
		var name string
		if len(rest) == 1 {
			name = rest[0]
		}
		spec := cfg.InstanceSpec(name)
		spec.User = g.user
		name, err := c.CreateInstance(ctx, spec)
		if err != nil {
			return err
		}
		fmt.Fprintln(g.stdout, name)
		return nil
	case "delete":
		res, err := c.DeleteInstances(ctx, rest, cfg.Zone)
		for _, n := range res.Done {
			fmt.Fprintf(g.stdout, "deleted %s\n", n)
		}
		return err
	case "ip":
		ip, err := c.GetInstanceIP(ctx, rest[0], cfg.Zone)
		if err != nil {
			return err
		}
		fmt.Fprintf(g.stdout, "internal %s\nexternal %s\n", ip.Internal, ip.External)
		return nil
	case "serial":
		port := 1
		if len(rest) == 2 {
			port, _ = strconv.Atoi(rest[1])
		}
		out, err := c.GetSerialPortOutput(ctx, rest[0], cfg.Zone, port)
		if err != nil {
			return err
		}
		fmt.Fprint(g.stdout, out)
		return nil
	case "zone":
		for _, n := range rest {
			zone, err := c.GetZoneByInstance(ctx, n)
			if err != nil {
				return err
			}
			fmt.Fprintf(g.stdout, "%s %s\n", n, zone)
		}
		return nil
	default:
		return c.AddSshRsaInstanceMetadata(ctx, rest[0], rest[1], rest[2])
	}
}
