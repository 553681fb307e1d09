// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package gce

import (
	"context"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/yamlconf"
)

// Config is the GCE section of a lab config.
type Config struct {
	Project         string `yaml:"project"`
	Zone            string `yaml:"zone"`
	CredentialsFile string `yaml:"credentials_file"`

	Network      string            `yaml:"network"`
	Subnetwork   string            `yaml:"subnetwork"`
	MachineType  string            `yaml:"machine_type"`
	ImageProject string            `yaml:"image_project"`
	Image        string            `yaml:"image"`
	DiskSizeGB   int64             `yaml:"disk_size_gb"`
	ExtraScopes  []string          `yaml:"extra_scopes"`
	Labels       map[string]string `yaml:"labels"`
	Tags         []string          `yaml:"tags"`
	Metadata     map[string]string `yaml:"metadata"`
	GPU          string            `yaml:"gpu"`
}

// LoadConfig reads a GCE config from path and fills in defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if err := yamlconf.Load(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.check(); err != nil {
		return nil, errors.Wrapf(err, "invalid GCE config %s", path)
	}
	return cfg, nil
}

func (c *Config) check() error {
	if c.Project == "" {
		return errors.New("project is required")
	}
	if c.Zone == "" {
		return errors.New("zone is required")
	}
	if c.DiskSizeGB < 0 {
		return errors.Errorf("bad disk_size_gb %d", c.DiskSizeGB)
	}
	if c.Network == "" {
		c.Network = "default"
	}
	return nil
}

// InstanceSpec returns the spec of an instance called name built from c.
// An empty name is replaced when the instance is created.
func (c *Config) InstanceSpec(name string) *InstanceSpec {
	return &InstanceSpec{
		Name:         name,
		Zone:         c.Zone,
		MachineType:  c.MachineType,
		Image:        c.Image,
		ImageProject: c.ImageProject,
		DiskSizeGB:   c.DiskSizeGB,
		Network:      c.Network,
		Subnetwork:   c.Subnetwork,
		Metadata:     c.Metadata,
		Labels:       c.Labels,
		Tags:         c.Tags,
		ExtraScopes:  c.ExtraScopes,
		GPU:          c.GPU,
	}
}

// NewClientFromConfig connects to the project of c over REST.
func NewClientFromConfig(ctx context.Context, c *Config, opts ...Option) (*Client, error) {
	svc, err := NewRESTServices(ctx, c.CredentialsFile)
	if err != nil {
		return nil, err
	}
	return NewClient(svc, c.Project, opts...), nil
}
