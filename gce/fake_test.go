// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package gce_test

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/compute/apiv1/computepb"
	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/googleapis/gax-go/v2"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/protobuf/proto"

	"go.chromium.org/labtest/gce"
)

const (
	testProject = "lab-project"
	testZone    = "us-west1-b"
)

var epoch = time.Unix(1600000000, 0)

// instantClock advances the fake clock instead of blocking on After.
type instantClock struct {
	*fakeclock.FakeClock
}

func (c instantClock) After(d time.Duration) <-chan time.Time {
	c.Increment(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

func notFound(what string) error {
	return &googleapi.Error{Code: http.StatusNotFound, Message: what + " not found"}
}

// fakeCloud is an in-memory Compute Engine project.
type fakeCloud struct {
	mu           sync.Mutex
	instances    map[string]map[string]*computepb.Instance // zone -> name -> instance
	images       map[string]*computepb.Image
	disks        map[string]*computepb.Disk
	machineTypes map[string]*computepb.MachineType
	serial       map[string]*computepb.SerialPortOutput
	zonesErr     error

	// polls is how many times new operations report RUNNING before DONE.
	polls int
	// opErrors makes operations of these resources complete with an error.
	opErrors map[string]bool
	// conflicts is how many metadata or label updates fail with 412.
	conflicts int

	pending map[string]int    // operation -> polls left
	targets map[string]string // operation -> resource
	nextOp  int
	calls   []string
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		instances: map[string]map[string]*computepb.Instance{},
		images:    map[string]*computepb.Image{},
		disks:     map[string]*computepb.Disk{},
		machineTypes: map[string]*computepb.MachineType{
			"n1-standard-1": {Name: proto.String("n1-standard-1"), SelfLink: proto.String("mt/n1-standard-1"), GuestCpus: proto.Int32(1), MemoryMb: proto.Int32(3840)},
			"n1-standard-2": {Name: proto.String("n1-standard-2"), SelfLink: proto.String("mt/n1-standard-2"), GuestCpus: proto.Int32(2), MemoryMb: proto.Int32(7680)},
			"n1-highcpu-2":  {Name: proto.String("n1-highcpu-2"), SelfLink: proto.String("mt/n1-highcpu-2"), GuestCpus: proto.Int32(2), MemoryMb: proto.Int32(1800)},
			"broken":        {Name: proto.String("broken")},
		},
		serial:   map[string]*computepb.SerialPortOutput{},
		opErrors: map[string]bool{},
		pending:  map[string]int{},
		targets:  map[string]string{},
	}
}

// client returns a client of f whose waits take no real time.
func (f *fakeCloud) client() (*gce.Client, *fakeclock.FakeClock) {
	fc := fakeclock.NewFakeClock(epoch)
	svc := &gce.Services{
		Instances:        fakeInstances{f},
		Images:           fakeImages{f},
		Disks:            fakeDisks{f},
		MachineTypes:     fakeMachineTypes{f},
		Zones:            fakeZones{f},
		ZoneOperations:   fakeZoneOperations{f},
		GlobalOperations: fakeGlobalOperations{f},
	}
	return gce.NewClient(svc, testProject, gce.WithClock(instantClock{fc}), gce.WithRateLimit(rate.NewLimiter(rate.Inf, 1))), fc
}

func (f *fakeCloud) record(format string, args ...interface{}) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

// Calls returns the recorded mutating calls and operation polls.
func (f *fakeCloud) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeCloud) addInstance(zone string, ins *computepb.Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.instances[zone] == nil {
		f.instances[zone] = map[string]*computepb.Instance{}
	}
	f.instances[zone][ins.GetName()] = ins
}

func (f *fakeCloud) instance(zone, name string) *computepb.Instance {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ins, ok := f.instances[zone][name]; ok {
		return proto.Clone(ins).(*computepb.Instance)
	}
	return nil
}

// newOpLocked starts an operation on resource.
func (f *fakeCloud) newOpLocked(resource string) *computepb.Operation {
	f.nextOp++
	name := fmt.Sprintf("op-%d", f.nextOp)
	op := &computepb.Operation{Name: proto.String(name), TargetLink: proto.String(resource)}
	f.targets[name] = resource
	if f.polls > 0 {
		f.pending[name] = f.polls
		op.Status = computepb.Operation_RUNNING.Enum()
		return op
	}
	f.finishLocked(op)
	return op
}

func (f *fakeCloud) finishLocked(op *computepb.Operation) {
	op.Status = computepb.Operation_DONE.Enum()
	if f.opErrors[op.GetTargetLink()] {
		op.Error = &computepb.Error{Errors: []*computepb.Errors{{Code: proto.String("QUOTA_EXCEEDED"), Message: proto.String("no quota")}}}
	}
}

func (f *fakeCloud) pollOp(name string) (*computepb.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("poll %s", name)
	n, ok := f.pending[name]
	if !ok {
		return nil, notFound(name)
	}
	op := &computepb.Operation{Name: proto.String(name), TargetLink: proto.String(f.targets[name])}
	if n > 1 {
		f.pending[name] = n - 1
		op.Status = computepb.Operation_RUNNING.Enum()
		return op, nil
	}
	f.finishLocked(op)
	return op, nil
}

type fakeInstances struct{ *fakeCloud }

func (f fakeInstances) Get(ctx context.Context, req *computepb.GetInstanceRequest, opts ...gax.CallOption) (*computepb.Instance, error) {
	if ins := f.instance(req.GetZone(), req.GetInstance()); ins != nil {
		return ins, nil
	}
	return nil, notFound(req.GetInstance())
}

func (f fakeInstances) Insert(ctx context.Context, req *computepb.InsertInstanceRequest, opts ...gax.CallOption) (*computepb.Operation, error) {
	f.addInstance(req.GetZone(), proto.Clone(req.GetInstanceResource()).(*computepb.Instance))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("insert instance %s", req.GetInstanceResource().GetName())
	return f.newOpLocked(req.GetInstanceResource().GetName()), nil
}

func (f fakeInstances) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest, opts ...gax.CallOption) (*computepb.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[req.GetZone()][req.GetInstance()]; !ok {
		return nil, notFound(req.GetInstance())
	}
	delete(f.instances[req.GetZone()], req.GetInstance())
	f.record("delete instance %s", req.GetInstance())
	return f.newOpLocked(req.GetInstance()), nil
}

func (f fakeInstances) simple(verb, zone, name string) (*computepb.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[zone][name]; !ok {
		return nil, notFound(name)
	}
	f.record("%s instance %s", verb, name)
	return f.newOpLocked(name), nil
}

func (f fakeInstances) Reset(ctx context.Context, req *computepb.ResetInstanceRequest, opts ...gax.CallOption) (*computepb.Operation, error) {
	return f.simple("reset", req.GetZone(), req.GetInstance())
}

func (f fakeInstances) Start(ctx context.Context, req *computepb.StartInstanceRequest, opts ...gax.CallOption) (*computepb.Operation, error) {
	return f.simple("start", req.GetZone(), req.GetInstance())
}

func (f fakeInstances) Stop(ctx context.Context, req *computepb.StopInstanceRequest, opts ...gax.CallOption) (*computepb.Operation, error) {
	return f.simple("stop", req.GetZone(), req.GetInstance())
}

func (f fakeInstances) SetMetadata(ctx context.Context, req *computepb.SetMetadataInstanceRequest, opts ...gax.CallOption) (*computepb.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("set metadata %s", req.GetInstance())
	ins, ok := f.instances[req.GetZone()][req.GetInstance()]
	if !ok {
		return nil, notFound(req.GetInstance())
	}
	if f.conflicts > 0 {
		f.conflicts--
		return nil, &googleapi.Error{Code: http.StatusPreconditionFailed, Message: "fingerprint mismatch"}
	}
	md := proto.Clone(req.GetMetadataResource()).(*computepb.Metadata)
	if md.GetFingerprint() != ins.GetMetadata().GetFingerprint() {
		return nil, &googleapi.Error{Code: http.StatusPreconditionFailed, Message: "fingerprint mismatch"}
	}
	md.Fingerprint = proto.String(md.GetFingerprint() + "+")
	ins.Metadata = md
	return f.newOpLocked(req.GetInstance()), nil
}

func (f fakeInstances) AttachDisk(ctx context.Context, req *computepb.AttachDiskInstanceRequest, opts ...gax.CallOption) (*computepb.Operation, error) {
	return f.simple("attach "+req.GetAttachedDiskResource().GetDeviceName()+" to", req.GetZone(), req.GetInstance())
}

func (f fakeInstances) DetachDisk(ctx context.Context, req *computepb.DetachDiskInstanceRequest, opts ...gax.CallOption) (*computepb.Operation, error) {
	return f.simple("detach "+req.GetDeviceName()+" from", req.GetZone(), req.GetInstance())
}

func (f fakeInstances) GetSerialPortOutput(ctx context.Context, req *computepb.GetSerialPortOutputInstanceRequest, opts ...gax.CallOption) (*computepb.SerialPortOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, ok := f.serial[fmt.Sprintf("%s:%d", req.GetInstance(), req.GetPort())]
	if !ok {
		return nil, notFound(req.GetInstance())
	}
	return out, nil
}

func (f fakeInstances) AggregatedList(ctx context.Context, req *computepb.AggregatedListInstancesRequest, opts ...gax.CallOption) (map[string][]*computepb.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := strings.TrimPrefix(req.GetFilter(), "name=")
	res := make(map[string][]*computepb.Instance)
	for zone, ins := range f.instances {
		var names []string
		for n := range ins {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			if req.Filter != nil && n != name {
				continue
			}
			res["zones/"+zone] = append(res["zones/"+zone], proto.Clone(ins[n]).(*computepb.Instance))
		}
	}
	// Scopes without instances are reported with a warning and no items.
	res["zones/europe-west3-b"] = nil
	return res, nil
}

type fakeImages struct{ *fakeCloud }

func (f fakeImages) Get(ctx context.Context, req *computepb.GetImageRequest, opts ...gax.CallOption) (*computepb.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	im, ok := f.images[req.GetProject()+"/"+req.GetImage()]
	if !ok {
		return nil, notFound(req.GetImage())
	}
	return proto.Clone(im).(*computepb.Image), nil
}

func (f fakeImages) Insert(ctx context.Context, req *computepb.InsertImageRequest, opts ...gax.CallOption) (*computepb.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	im := proto.Clone(req.GetImageResource()).(*computepb.Image)
	f.images[req.GetProject()+"/"+im.GetName()] = im
	f.record("insert image %s", im.GetName())
	return f.newOpLocked(im.GetName()), nil
}

func (f fakeImages) Delete(ctx context.Context, req *computepb.DeleteImageRequest, opts ...gax.CallOption) (*computepb.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := req.GetProject() + "/" + req.GetImage()
	if _, ok := f.images[key]; !ok {
		return nil, notFound(req.GetImage())
	}
	delete(f.images, key)
	f.record("delete image %s", req.GetImage())
	return f.newOpLocked(req.GetImage()), nil
}

func (f fakeImages) SetLabels(ctx context.Context, req *computepb.SetLabelsImageRequest, opts ...gax.CallOption) (*computepb.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("set labels %s", req.GetResource())
	im, ok := f.images[req.GetProject()+"/"+req.GetResource()]
	if !ok {
		return nil, notFound(req.GetResource())
	}
	if f.conflicts > 0 {
		f.conflicts--
		return nil, &googleapi.Error{Code: http.StatusPreconditionFailed, Message: "fingerprint mismatch"}
	}
	r := req.GetGlobalSetLabelsRequestResource()
	if r.GetLabelFingerprint() != im.GetLabelFingerprint() {
		return nil, &googleapi.Error{Code: http.StatusPreconditionFailed, Message: "fingerprint mismatch"}
	}
	im.Labels = r.GetLabels()
	im.LabelFingerprint = proto.String(im.GetLabelFingerprint() + "+")
	return f.newOpLocked(req.GetResource()), nil
}

func (f fakeImages) List(ctx context.Context, req *computepb.ListImagesRequest, opts ...gax.CallOption) ([]*computepb.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.images {
		if strings.HasPrefix(k, req.GetProject()+"/") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var res []*computepb.Image
	for _, k := range keys {
		res = append(res, proto.Clone(f.images[k]).(*computepb.Image))
	}
	return res, nil
}

type fakeDisks struct{ *fakeCloud }

func (f fakeDisks) Get(ctx context.Context, req *computepb.GetDiskRequest, opts ...gax.CallOption) (*computepb.Disk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.disks[req.GetZone()+"/"+req.GetDisk()]
	if !ok {
		return nil, notFound(req.GetDisk())
	}
	return proto.Clone(d).(*computepb.Disk), nil
}

func (f fakeDisks) Insert(ctx context.Context, req *computepb.InsertDiskRequest, opts ...gax.CallOption) (*computepb.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := proto.Clone(req.GetDiskResource()).(*computepb.Disk)
	d.SourceImage = req.SourceImage
	f.disks[req.GetZone()+"/"+d.GetName()] = d
	f.record("insert disk %s", d.GetName())
	return f.newOpLocked(d.GetName()), nil
}

func (f fakeDisks) Delete(ctx context.Context, req *computepb.DeleteDiskRequest, opts ...gax.CallOption) (*computepb.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := req.GetZone() + "/" + req.GetDisk()
	if _, ok := f.disks[key]; !ok {
		return nil, notFound(req.GetDisk())
	}
	delete(f.disks, key)
	f.record("delete disk %s", req.GetDisk())
	return f.newOpLocked(req.GetDisk()), nil
}

func (f fakeDisks) List(ctx context.Context, req *computepb.ListDisksRequest, opts ...gax.CallOption) ([]*computepb.Disk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.disks {
		if strings.HasPrefix(k, req.GetZone()+"/") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var res []*computepb.Disk
	for _, k := range keys {
		res = append(res, proto.Clone(f.disks[k]).(*computepb.Disk))
	}
	return res, nil
}

type fakeMachineTypes struct{ *fakeCloud }

func (f fakeMachineTypes) Get(ctx context.Context, req *computepb.GetMachineTypeRequest, opts ...gax.CallOption) (*computepb.MachineType, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mt, ok := f.machineTypes[req.GetMachineType()]
	if !ok {
		return nil, notFound(req.GetMachineType())
	}
	return proto.Clone(mt).(*computepb.MachineType), nil
}

type fakeZones struct{ *fakeCloud }

func (f fakeZones) List(ctx context.Context, req *computepb.ListZonesRequest, opts ...gax.CallOption) ([]*computepb.Zone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.zonesErr != nil {
		return nil, f.zonesErr
	}
	return []*computepb.Zone{{Name: proto.String(testZone)}}, nil
}

type fakeZoneOperations struct{ *fakeCloud }

func (f fakeZoneOperations) Get(ctx context.Context, req *computepb.GetZoneOperationRequest, opts ...gax.CallOption) (*computepb.Operation, error) {
	return f.pollOp(req.GetOperation())
}

type fakeGlobalOperations struct{ *fakeCloud }

func (f fakeGlobalOperations) Get(ctx context.Context, req *computepb.GetGlobalOperationRequest, opts ...gax.CallOption) (*computepb.Operation, error) {
	return f.pollOp(req.GetOperation())
}

// setUp returns a fake project with an image and a client for it.
func setUp(t *testing.T) (*fakeCloud, *gce.Client) {
	f := newFakeCloud()
	f.images[testProject+"/lab-image"] = &computepb.Image{
		Name:             proto.String("lab-image"),
		SelfLink:         proto.String("images/lab-image"),
		Labels:           map[string]string{"branch": "main"},
		LabelFingerprint: proto.String("lfp"),
	}
	c, _ := f.client()
	return f, c
}
