// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package gce

import (
	"context"

	compute "cloud.google.com/go/compute/apiv1"
	"cloud.google.com/go/compute/apiv1/computepb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"go.chromium.org/labtest/errors"
)

// InstancesAPI is the part of the Compute Engine instances API used by
// Client. Lists are returned whole.
type InstancesAPI interface {
	Get(ctx context.Context, req *computepb.GetInstanceRequest, opts ...gax.CallOption) (*computepb.Instance, error)
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest, opts ...gax.CallOption) (*computepb.Operation, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest, opts ...gax.CallOption) (*computepb.Operation, error)
	Reset(ctx context.Context, req *computepb.ResetInstanceRequest, opts ...gax.CallOption) (*computepb.Operation, error)
	Start(ctx context.Context, req *computepb.StartInstanceRequest, opts ...gax.CallOption) (*computepb.Operation, error)
	Stop(ctx context.Context, req *computepb.StopInstanceRequest, opts ...gax.CallOption) (*computepb.Operation, error)
	SetMetadata(ctx context.Context, req *computepb.SetMetadataInstanceRequest, opts ...gax.CallOption) (*computepb.Operation, error)
	AttachDisk(ctx context.Context, req *computepb.AttachDiskInstanceRequest, opts ...gax.CallOption) (*computepb.Operation, error)
	DetachDisk(ctx context.Context, req *computepb.DetachDiskInstanceRequest, opts ...gax.CallOption) (*computepb.Operation, error)
	GetSerialPortOutput(ctx context.Context, req *computepb.GetSerialPortOutputInstanceRequest, opts ...gax.CallOption) (*computepb.SerialPortOutput, error)
	// AggregatedList returns instances keyed by scope, e.g. "zones/us-west1-b".
	AggregatedList(ctx context.Context, req *computepb.AggregatedListInstancesRequest, opts ...gax.CallOption) (map[string][]*computepb.Instance, error)
}

// ImagesAPI is the part of the Compute Engine images API used by Client.
type ImagesAPI interface {
	Get(ctx context.Context, req *computepb.GetImageRequest, opts ...gax.CallOption) (*computepb.Image, error)
	Insert(ctx context.Context, req *computepb.InsertImageRequest, opts ...gax.CallOption) (*computepb.Operation, error)
	Delete(ctx context.Context, req *computepb.DeleteImageRequest, opts ...gax.CallOption) (*computepb.Operation, error)
	SetLabels(ctx context.Context, req *computepb.SetLabelsImageRequest, opts ...gax.CallOption) (*computepb.Operation, error)
	List(ctx context.Context, req *computepb.ListImagesRequest, opts ...gax.CallOption) ([]*computepb.Image, error)
}

// DisksAPI is the part of the Compute Engine disks API used by Client.
type DisksAPI interface {
	Get(ctx context.Context, req *computepb.GetDiskRequest, opts ...gax.CallOption) (*computepb.Disk, error)
	Insert(ctx context.Context, req *computepb.InsertDiskRequest, opts ...gax.CallOption) (*computepb.Operation, error)
	Delete(ctx context.Context, req *computepb.DeleteDiskRequest, opts ...gax.CallOption) (*computepb.Operation, error)
	List(ctx context.Context, req *computepb.ListDisksRequest, opts ...gax.CallOption) ([]*computepb.Disk, error)
}

// MachineTypesAPI looks up machine types.
type MachineTypesAPI interface {
	Get(ctx context.Context, req *computepb.GetMachineTypeRequest, opts ...gax.CallOption) (*computepb.MachineType, error)
}

// ZonesAPI lists zones.
type ZonesAPI interface {
	List(ctx context.Context, req *computepb.ListZonesRequest, opts ...gax.CallOption) ([]*computepb.Zone, error)
}

// ZoneOperationsAPI polls zonal operations.
type ZoneOperationsAPI interface {
	Get(ctx context.Context, req *computepb.GetZoneOperationRequest, opts ...gax.CallOption) (*computepb.Operation, error)
}

// GlobalOperationsAPI polls global operations.
type GlobalOperationsAPI interface {
	Get(ctx context.Context, req *computepb.GetGlobalOperationRequest, opts ...gax.CallOption) (*computepb.Operation, error)
}

// Services bundles the APIs a Client talks to.
type Services struct {
	Instances        InstancesAPI
	Images           ImagesAPI
	Disks            DisksAPI
	MachineTypes     MachineTypesAPI
	Zones            ZonesAPI
	ZoneOperations   ZoneOperationsAPI
	GlobalOperations GlobalOperationsAPI

	closers []func() error
}

// Close releases the connections of s.
func (s *Services) Close() error {
	var firstErr error
	for _, c := range s.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}

// NewRESTServices connects to Compute Engine over REST. A non-empty
// credentialsFile is used instead of the application default credentials.
func NewRESTServices(ctx context.Context, credentialsFile string, opts ...option.ClientOption) (*Services, error) {
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	s := &Services{}
	fail := func(err error, what string) (*Services, error) {
		s.Close()
		return nil, errors.Wrapf(err, "failed to create %s client", what)
	}

	ic, err := compute.NewInstancesRESTClient(ctx, opts...)
	if err != nil {
		return fail(err, "instances")
	}
	s.closers = append(s.closers, ic.Close)
	s.Instances = restInstances{ic}

	imc, err := compute.NewImagesRESTClient(ctx, opts...)
	if err != nil {
		return fail(err, "images")
	}
	s.closers = append(s.closers, imc.Close)
	s.Images = restImages{imc}

	dc, err := compute.NewDisksRESTClient(ctx, opts...)
	if err != nil {
		return fail(err, "disks")
	}
	s.closers = append(s.closers, dc.Close)
	s.Disks = restDisks{dc}

	mc, err := compute.NewMachineTypesRESTClient(ctx, opts...)
	if err != nil {
		return fail(err, "machine types")
	}
	s.closers = append(s.closers, mc.Close)
	s.MachineTypes = mc

	zc, err := compute.NewZonesRESTClient(ctx, opts...)
	if err != nil {
		return fail(err, "zones")
	}
	s.closers = append(s.closers, zc.Close)
	s.Zones = restZones{zc}

	zoc, err := compute.NewZoneOperationsRESTClient(ctx, opts...)
	if err != nil {
		return fail(err, "zone operations")
	}
	s.closers = append(s.closers, zoc.Close)
	s.ZoneOperations = zoc

	goc, err := compute.NewGlobalOperationsRESTClient(ctx, opts...)
	if err != nil {
		return fail(err, "global operations")
	}
	s.closers = append(s.closers, goc.Close)
	s.GlobalOperations = goc
	return s, nil
}

func protoOp(op *compute.Operation, err error) (*computepb.Operation, error) {
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, errors.New("no operation returned")
	}
	return op.Proto(), nil
}

type restInstances struct{ c *compute.InstancesClient }

func (r restInstances) Get(ctx context.Context, req *computepb.GetInstanceRequest, opts ...gax.CallOption) (*computepb.Instance, error) {
	return r.c.Get(ctx, req, opts...)
}

func (r restInstances) Insert(ctx context.Context, req *computepb.InsertInstanceRequest, opts ...gax.CallOption) (*computepb.Operation, error) {
	return protoOp(r.c.Insert(ctx, req, opts...))
}

func (r restInstances) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest, opts ...gax.CallOption) (*computepb.Operation, error) {
	return protoOp(r.c.Delete(ctx, req, opts...))
}

func (r restInstances) Reset(ctx context.Context, req *computepb.ResetInstanceRequest, opts ...gax.CallOption) (*computepb.Operation, error) {
	return protoOp(r.c.Reset(ctx, req, opts...))
}

func (r restInstances) Start(ctx context.Context, req *computepb.StartInstanceRequest, opts ...gax.CallOption) (*computepb.Operation, error) {
	return protoOp(r.c.Start(ctx, req, opts...))
}

func (r restInstances) Stop(ctx context.Context, req *computepb.StopInstanceRequest, opts ...gax.CallOption) (*computepb.Operation, error) {
	return protoOp(r.c.Stop(ctx, req, opts...))
}

func (r restInstances) SetMetadata(ctx context.Context, req *computepb.SetMetadataInstanceRequest, opts ...gax.CallOption) (*computepb.Operation, error) {
	return protoOp(r.c.SetMetadata(ctx, req, opts...))
}

func (r restInstances) AttachDisk(ctx context.Context, req *computepb.AttachDiskInstanceRequest, opts ...gax.CallOption) (*computepb.Operation, error) {
	return protoOp(r.c.AttachDisk(ctx, req, opts...))
}

func (r restInstances) DetachDisk(ctx context.Context, req *computepb.DetachDiskInstanceRequest, opts ...gax.CallOption) (*computepb.Operation, error) {
	return protoOp(r.c.DetachDisk(ctx, req, opts...))
}

func (r restInstances) GetSerialPortOutput(ctx context.Context, req *computepb.GetSerialPortOutputInstanceRequest, opts ...gax.CallOption) (*computepb.SerialPortOutput, error) {
	return r.c.GetSerialPortOutput(ctx, req, opts...)
}

func (r restInstances) AggregatedList(ctx context.Context, req *computepb.AggregatedListInstancesRequest, opts ...gax.CallOption) (map[string][]*computepb.Instance, error) {
	it := r.c.AggregatedList(ctx, req, opts...)
	res := make(map[string][]*computepb.Instance)
	for {
		pair, err := it.Next()
		if err == iterator.Done {
			return res, nil
		}
		if err != nil {
			return nil, err
		}
		if ins := pair.Value.GetInstances(); len(ins) > 0 {
			res[pair.Key] = append(res[pair.Key], ins...)
		}
	}
}

type restImages struct{ c *compute.ImagesClient }

func (r restImages) Get(ctx context.Context, req *computepb.GetImageRequest, opts ...gax.CallOption) (*computepb.Image, error) {
	return r.c.Get(ctx, req, opts...)
}

func (r restImages) Insert(ctx context.Context, req *computepb.InsertImageRequest, opts ...gax.CallOption) (*computepb.Operation, error) {
	return protoOp(r.c.Insert(ctx, req, opts...))
}

func (r restImages) Delete(ctx context.Context, req *computepb.DeleteImageRequest, opts ...gax.CallOption) (*computepb.Operation, error) {
	return protoOp(r.c.Delete(ctx, req, opts...))
}

func (r restImages) SetLabels(ctx context.Context, req *computepb.SetLabelsImageRequest, opts ...gax.CallOption) (*computepb.Operation, error) {
	return protoOp(r.c.SetLabels(ctx, req, opts...))
}

func (r restImages) List(ctx context.Context, req *computepb.ListImagesRequest, opts ...gax.CallOption) ([]*computepb.Image, error) {
	it := r.c.List(ctx, req, opts...)
	var res []*computepb.Image
	for {
		im, err := it.Next()
		if err == iterator.Done {
			return res, nil
		}
		if err != nil {
			return nil, err
		}
		res = append(res, im)
	}
}

type restDisks struct{ c *compute.DisksClient }

func (r restDisks) Get(ctx context.Context, req *computepb.GetDiskRequest, opts ...gax.CallOption) (*computepb.Disk, error) {
	return r.c.Get(ctx, req, opts...)
}

func (r restDisks) Insert(ctx context.Context, req *computepb.InsertDiskRequest, opts ...gax.CallOption) (*computepb.Operation, error) {
	return protoOp(r.c.Insert(ctx, req, opts...))
}

func (r restDisks) Delete(ctx context.Context, req *computepb.DeleteDiskRequest, opts ...gax.CallOption) (*computepb.Operation, error) {
	return protoOp(r.c.Delete(ctx, req, opts...))
}

func (r restDisks) List(ctx context.Context, req *computepb.ListDisksRequest, opts ...gax.CallOption) ([]*computepb.Disk, error) {
	it := r.c.List(ctx, req, opts...)
	var res []*computepb.Disk
	for {
		d, err := it.Next()
		if err == iterator.Done {
			return res, nil
		}
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
}

type restZones struct{ c *compute.ZonesClient }

func (r restZones) List(ctx context.Context, req *computepb.ListZonesRequest, opts ...gax.CallOption) ([]*computepb.Zone, error) {
	it := r.c.List(ctx, req, opts...)
	var res []*computepb.Zone
	for {
		z, err := it.Next()
		if err == iterator.Done {
			return res, nil
		}
		if err != nil {
			return nil, err
		}
		res = append(res, z)
	}
}
