// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package deploy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v2"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/logging"
	"go.chromium.org/labtest/internal/yamlconf"
)

// SummaryFile is written to the results directory after a deployment.
const SummaryFile = "install_summary.yaml"

// Status is the outcome of one host.
type Status string

// Host outcomes.
const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
	StatusError  Status = "error"
)

// HostResult is the outcome of installing one host.
type HostResult struct {
	Hostname string            `yaml:"hostname"`
	Status   Status            `yaml:"status"`
	Error    string            `yaml:"error,omitempty"`
	Duration yamlconf.Duration `yaml:"duration"`
}

// Summary lists the outcome of every host in config order.
type Summary struct {
	Image   string       `yaml:"image,omitempty"`
	Results []HostResult `yaml:"results"`
}

// Count returns the number of hosts with status st.
func (s *Summary) Count(st Status) int {
	n := 0
	for _, r := range s.Results {
		if r.Status == st {
			n++
		}
	}
	return n
}

func (s *Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d hosts: %d ok, %d failed, %d errors\n",
		len(s.Results), s.Count(StatusOK), s.Count(StatusFailed), s.Count(StatusError))
	for _, r := range s.Results {
		fmt.Fprintf(&b, "  %-30s %-6s %8v", r.Hostname, r.Status, r.Duration.D().Round(time.Second))
		if r.Error != "" {
			fmt.Fprintf(&b, "  %s", r.Error)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Run installs every host in cfg, at most cfg.Parallelism at a time. The
// returned error aggregates per-host errors; the summary is returned even
// then.
func Run(ctx context.Context, cfg *Config, dialer Dialer, opts ...InstallerOption) (*Summary, error) {
	in := NewInstaller(cfg, dialer, opts...)

	if cfg.CacheDir != "" {
		if err := checkCacheSpace(ctx, cfg.CacheDir, cfg.Image, cfg.FirmwareImage, cfg.ECImage); err != nil {
			return nil, err
		}
	}

	sum := &Summary{Image: cfg.Image, Results: make([]HostResult, len(cfg.Hosts))}
	errs := make([]error, len(cfg.Hosts))

	logging.Infof(ctx, "Installing %d hosts, %d at a time", len(cfg.Hosts), in.cfg.Parallelism)
	var g errgroup.Group
	g.SetLimit(in.cfg.Parallelism)
	for i, h := range cfg.Hosts {
		i, h := i, h
		g.Go(func() error {
			start := in.clk.Now()
			err := in.Install(ctx, h)
			sum.Results[i] = HostResult{
				Hostname: h.Hostname,
				Status:   statusOf(err),
				Duration: yamlconf.Duration(in.clk.Since(start)),
			}
			if err != nil {
				sum.Results[i].Error = err.Error()
				logging.Infof(ctx, "[%s] Install failed: %v", h.Hostname, err)
			} else {
				logging.Infof(ctx, "[%s] Install succeeded", h.Hostname)
			}
			errs[i] = err
			return nil
		})
	}
	g.Wait()

	var merr *multierror.Error
	for i, err := range errs {
		if err != nil {
			merr = multierror.Append(merr, errors.Wrap(err, cfg.Hosts[i].Hostname))
		}
	}

	if cfg.ResultsDir != "" {
		if err := writeSummary(cfg.ResultsDir, sum); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return sum, merr.ErrorOrNil()
}

func statusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var f *InstallFailure
	if errors.As(err, &f) {
		return StatusFailed
	}
	return StatusError
}

func writeSummary(dir string, sum *Summary) error {
	b, err := yaml.Marshal(sum)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, SummaryFile), b, 0644)
}

// statfs is replaced in tests.
var statfs = unix.Statfs

// checkCacheSpace fails if dir does not have room for another copy of the
// local images, which servod and the updater stage next to the cache.
func checkCacheSpace(ctx context.Context, dir string, images ...string) error {
	var st unix.Statfs_t
	if err := statfs(dir, &st); err != nil {
		return errors.Wrapf(err, "statfs %s", dir)
	}
	free := st.Bavail * uint64(st.Bsize)

	var need uint64
	for _, img := range images {
		if img == "" {
			continue
		}
		fi, err := os.Stat(img)
		if err != nil {
			// Remote images are not staged locally.
			continue
		}
		logging.Infof(ctx, "Image %s is %s", img, humanize.Bytes(uint64(fi.Size())))
		need += uint64(fi.Size())
	}
	logging.Infof(ctx, "%s free in %s", humanize.Bytes(free), dir)
	if free < need {
		return errors.Errorf("not enough space in %s: %s free, %s needed",
			dir, humanize.Bytes(free), humanize.Bytes(need))
	}
	return nil
}
