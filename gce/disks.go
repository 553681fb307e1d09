// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package gce

import (
	"context"
	"fmt"

	"cloud.google.com/go/compute/apiv1/computepb"
	"github.com/dustin/go-humanize"
	"google.golang.org/protobuf/proto"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/logging"
)

// Persistent disk types.
const (
	DiskTypeStandard = "pd-standard"
	DiskTypeSSD      = "pd-ssd"
)

// DiskSpec describes a disk to create.
type DiskSpec struct {
	Name   string
	Zone   string
	SizeGB int64
	// Image is an optional source image, looked up in ImageProject or the
	// client's project.
	Image        string
	ImageProject string
	// Type defaults to DiskTypeStandard.
	Type string
}

// GetDisk returns a disk.
func (c *Client) GetDisk(ctx context.Context, disk, zone string) (*computepb.Disk, error) {
	d, err := c.svc.Disks.Get(ctx, &computepb.GetDiskRequest{Project: c.project, Zone: zone, Disk: disk})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get disk %s", disk)
	}
	return d, nil
}

// CheckDiskExists reports whether a disk exists.
func (c *Client) CheckDiskExists(ctx context.Context, disk, zone string) (bool, error) {
	_, err := c.GetDisk(ctx, disk, zone)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateDisk creates a disk. A disk left by a failed creation is deleted.
func (c *Client) CreateDisk(ctx context.Context, spec *DiskSpec) error {
	typ := spec.Type
	if typ == "" {
		typ = DiskTypeStandard
	}
	req := &computepb.InsertDiskRequest{
		Project: c.project,
		Zone:    spec.Zone,
		DiskResource: &computepb.Disk{
			Name:   proto.String(spec.Name),
			SizeGb: proto.Int64(spec.SizeGB),
			Type:   proto.String(fmt.Sprintf("projects/%s/zones/%s/diskTypes/%s", c.project, spec.Zone, typ)),
		},
	}
	src := "none"
	if spec.Image != "" {
		project := spec.ImageProject
		if project == "" {
			project = c.project
		}
		src = fmt.Sprintf("projects/%s/global/images/%s", project, spec.Image)
		req.SourceImage = proto.String(src)
	}
	logging.Infof(ctx, "Creating disk %s, size %s, source image %s", spec.Name, humanize.IBytes(uint64(spec.SizeGB)<<30), src)

	op, err := c.svc.Disks.Insert(ctx, req)
	if err != nil {
		return errors.Wrapf(err, "failed to create disk %s", spec.Name)
	}
	if err := c.waitZoneOperation(ctx, spec.Zone, op); err != nil {
		logging.Infof(ctx, "Creating disk %s failed, cleaning up", spec.Name)
		if exists, cerr := c.CheckDiskExists(ctx, spec.Name, spec.Zone); cerr == nil && exists {
			if derr := c.DeleteDisk(ctx, spec.Name, spec.Zone); derr != nil {
				logging.Warningf(ctx, "Failed to clean up disk %s: %v", spec.Name, derr)
			}
		}
		return errors.Wrapf(err, "failed to create disk %s", spec.Name)
	}
	logging.Infof(ctx, "Disk %s has been created", spec.Name)
	return nil
}

// DeleteDisk deletes a disk.
func (c *Client) DeleteDisk(ctx context.Context, disk, zone string) error {
	logging.Infof(ctx, "Deleting disk %s", disk)
	op, err := c.svc.Disks.Delete(ctx, &computepb.DeleteDiskRequest{Project: c.project, Zone: zone, Disk: disk})
	if err != nil {
		return errors.Wrapf(err, "failed to delete disk %s", disk)
	}
	if err := c.waitZoneOperation(ctx, zone, op); err != nil {
		return errors.Wrapf(err, "failed to delete disk %s", disk)
	}
	logging.Infof(ctx, "Deleted disk %s", disk)
	return nil
}

// DeleteDisks deletes disks of zone in parallel.
func (c *Client) DeleteDisks(ctx context.Context, disks []string, zone string) (*BatchResult, error) {
	if len(disks) == 0 {
		logging.Warning(ctx, "Nothing to delete")
	}
	res, err := c.batch(ctx, disks, func(ctx context.Context, name string) error {
		return c.DeleteDisk(ctx, name, zone)
	})
	logDone(ctx, "delete disks", res, err)
	return res, err
}

// ListDisks lists the disks of zone.
func (c *Client) ListDisks(ctx context.Context, zone, filter string) ([]*computepb.Disk, error) {
	req := &computepb.ListDisksRequest{Project: c.project, Zone: zone}
	if filter != "" {
		req.Filter = proto.String(filter)
	}
	ds, err := c.svc.Disks.List(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list disks")
	}
	return ds, nil
}

// AttachDisk attaches an existing disk to an instance.
func (c *Client) AttachDisk(ctx context.Context, instance, zone string, disk *computepb.AttachedDisk) error {
	op, err := c.svc.Instances.AttachDisk(ctx, &computepb.AttachDiskInstanceRequest{
		Project:              c.project,
		Zone:                 zone,
		Instance:             instance,
		AttachedDiskResource: disk,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to attach disk to %s", instance)
	}
	if err := c.waitZoneOperation(ctx, zone, op); err != nil {
		return errors.Wrapf(err, "failed to attach disk to %s", instance)
	}
	logging.Infof(ctx, "Disk has been attached to instance %s", instance)
	return nil
}

// DetachDisk detaches the disk with deviceName from an instance.
func (c *Client) DetachDisk(ctx context.Context, instance, zone, deviceName string) error {
	op, err := c.svc.Instances.DetachDisk(ctx, &computepb.DetachDiskInstanceRequest{
		Project:    c.project,
		Zone:       zone,
		Instance:   instance,
		DeviceName: deviceName,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to detach disk %s from %s", deviceName, instance)
	}
	if err := c.waitZoneOperation(ctx, zone, op); err != nil {
		return errors.Wrapf(err, "failed to detach disk %s from %s", deviceName, instance)
	}
	logging.Infof(ctx, "Disk %s has been detached from instance %s", deviceName, instance)
	return nil
}
