// Copyright 2021 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package gce

import (
	"context"
	"fmt"
	"net/http"
	"os/user"
	"regexp"
	"strings"

	"cloud.google.com/go/compute/apiv1/computepb"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"

	"go.chromium.org/labtest/errors"
	"go.chromium.org/labtest/internal/logging"
)

// LabelCreatedBy is the instance label holding the user who created it.
const LabelCreatedBy = "created_by"

// DefaultInstanceScopes are the service account scopes every instance gets.
var DefaultInstanceScopes = []string{
	"https://www.googleapis.com/auth/androidbuild.internal",
	"https://www.googleapis.com/auth/devstorage.read_only",
	"https://www.googleapis.com/auth/logging.write",
}

var zoneRE = regexp.MustCompile(`^zones/(?P<zone>.+)`)

// InstanceSpec describes an instance to create.
type InstanceSpec struct {
	// Name defaults to a random "ins-" name.
	Name        string
	Zone        string
	MachineType string
	// Image is the boot disk image, looked up in ImageProject or the
	// client's project.
	Image        string
	ImageProject string
	// DiskSizeGB overrides the boot disk size if positive.
	DiskSizeGB int64
	// ExtraDisks are names of existing disks in Zone to attach.
	ExtraDisks []string
	// Network defaults to "default". Subnetwork is optional.
	Network    string
	Subnetwork string
	Metadata   map[string]string
	Labels     map[string]string
	Tags       []string
	// ExtraScopes are added to DefaultInstanceScopes.
	ExtraScopes []string
	// GPU is an accelerator type such as "nvidia-tesla-k80".
	GPU string
	// User is recorded in the created_by label. It defaults to the current
	// user.
	User string
}

// NewInstanceName returns a random instance name.
func NewInstanceName() string {
	return "ins-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// region returns the region of zone, e.g. "us-west1" for "us-west1-b".
func region(zone string) string {
	if i := strings.LastIndex(zone, "-"); i >= 0 {
		return zone[:i]
	}
	return zone
}

func (c *Client) instanceResource(ctx context.Context, spec *InstanceSpec) (*computepb.Instance, error) {
	mt, err := c.GetMachineType(ctx, spec.MachineType, spec.Zone)
	if err != nil {
		return nil, err
	}
	im, err := c.GetImage(ctx, spec.Image, spec.ImageProject)
	if err != nil {
		return nil, err
	}

	boot := &computepb.AttachedDisk{
		Type:       proto.String(computepb.AttachedDisk_PERSISTENT.String()),
		Boot:       proto.Bool(true),
		Mode:       proto.String(computepb.AttachedDisk_READ_WRITE.String()),
		AutoDelete: proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			DiskName:    proto.String(spec.Name),
			SourceImage: proto.String(im.GetSelfLink()),
		},
	}
	if spec.DiskSizeGB > 0 {
		boot.InitializeParams.DiskSizeGb = proto.Int64(spec.DiskSizeGB)
	}
	disks := []*computepb.AttachedDisk{boot}
	for _, d := range spec.ExtraDisks {
		disks = append(disks, &computepb.AttachedDisk{
			Type:       proto.String(computepb.AttachedDisk_PERSISTENT.String()),
			Mode:       proto.String(computepb.AttachedDisk_READ_WRITE.String()),
			Source:     proto.String(fmt.Sprintf("projects/%s/zones/%s/disks/%s", c.project, spec.Zone, d)),
			AutoDelete: proto.Bool(true),
			Boot:       proto.Bool(false),
			Interface:  proto.String(computepb.AttachedDisk_SCSI.String()),
			DeviceName: proto.String(d),
		})
	}

	network := spec.Network
	if network == "" {
		network = "default"
	}
	nic := &computepb.NetworkInterface{
		Network: proto.String(fmt.Sprintf("projects/%s/global/networks/%s", c.project, network)),
		AccessConfigs: []*computepb.AccessConfig{{
			Name: proto.String("External NAT"),
			Type: proto.String(computepb.AccessConfig_ONE_TO_ONE_NAT.String()),
		}},
	}
	if spec.Subnetwork != "" {
		nic.Subnetwork = proto.String(fmt.Sprintf("projects/%s/regions/%s/subnetworks/%s", c.project, region(spec.Zone), spec.Subnetwork))
	}

	u := spec.User
	if u == "" {
		if cur, err := user.Current(); err == nil {
			u = cur.Username
		}
	}
	labels := make(map[string]string)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	if u != "" {
		labels[LabelCreatedBy] = u
	}

	scopes := append(append([]string(nil), DefaultInstanceScopes...), spec.ExtraScopes...)
	ins := &computepb.Instance{
		Name:              proto.String(spec.Name),
		MachineType:       proto.String(mt.GetSelfLink()),
		Disks:             disks,
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Labels:            labels,
		ServiceAccounts: []*computepb.ServiceAccount{{
			Email:  proto.String("default"),
			Scopes: scopes,
		}},
	}
	if len(spec.Tags) > 0 {
		ins.Tags = &computepb.Tags{Items: spec.Tags}
	}
	if spec.GPU != "" {
		ins.GuestAccelerators = []*computepb.AcceleratorConfig{{
			AcceleratorType:  proto.String(fmt.Sprintf("projects/%s/zones/%s/acceleratorTypes/%s", c.project, spec.Zone, spec.GPU)),
			AcceleratorCount: proto.Int32(1),
		}}
		// Instances with GPUs are bound to their hardware and cannot live
		// migrate.
		ins.Scheduling = &computepb.Scheduling{
			OnHostMaintenance: proto.String(computepb.Scheduling_TERMINATE.String()),
		}
	}
	if len(spec.Metadata) > 0 {
		ins.Metadata = &computepb.Metadata{Items: metadataItems(spec.Metadata)}
	}
	return ins, nil
}

// CreateInstance creates an instance and waits until it is created. It
// returns the instance name.
func (c *Client) CreateInstance(ctx context.Context, spec *InstanceSpec) (string, error) {
	s := *spec
	if s.Name == "" {
		s.Name = NewInstanceName()
	}
	ins, err := c.instanceResource(ctx, &s)
	if err != nil {
		return "", errors.Wrapf(err, "failed to prepare instance %s", s.Name)
	}
	size := "image default"
	if s.DiskSizeGB > 0 {
		size = humanize.IBytes(uint64(s.DiskSizeGB) << 30)
	}
	logging.Infof(ctx, "Creating instance %s in %s/%s: %s, boot disk %s", s.Name, c.project, s.Zone, s.MachineType, size)
	op, err := c.svc.Instances.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          c.project,
		Zone:             s.Zone,
		InstanceResource: ins,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to create instance %s", s.Name)
	}
	if err := c.waitZoneOperation(ctx, s.Zone, op); err != nil {
		return "", errors.Wrapf(err, "failed to create instance %s", s.Name)
	}
	logging.Infof(ctx, "Instance %s has been created", s.Name)
	return s.Name, nil
}

// DeleteInstance deletes an instance and waits until it is gone.
func (c *Client) DeleteInstance(ctx context.Context, instance, zone string) error {
	logging.Infof(ctx, "Deleting instance %s", instance)
	op, err := c.svc.Instances.Delete(ctx, &computepb.DeleteInstanceRequest{Project: c.project, Zone: zone, Instance: instance})
	if err != nil {
		return errors.Wrapf(err, "failed to delete instance %s", instance)
	}
	if err := c.waitZoneOperation(ctx, zone, op); err != nil {
		return errors.Wrapf(err, "failed to delete instance %s", instance)
	}
	logging.Infof(ctx, "Deleted instance %s", instance)
	return nil
}

// DeleteInstances deletes instances in parallel.
func (c *Client) DeleteInstances(ctx context.Context, instances []string, zone string) (*BatchResult, error) {
	if len(instances) == 0 {
		logging.Warning(ctx, "Nothing to delete")
	}
	res, err := c.batch(ctx, instances, func(ctx context.Context, name string) error {
		return c.DeleteInstance(ctx, name, zone)
	})
	logDone(ctx, "delete instances", res, err)
	return res, err
}

// ResetInstance resets an instance.
func (c *Client) ResetInstance(ctx context.Context, instance, zone string) error {
	logging.Infof(ctx, "Resetting instance %s", instance)
	op, err := c.svc.Instances.Reset(ctx, &computepb.ResetInstanceRequest{Project: c.project, Zone: zone, Instance: instance})
	if err != nil {
		return errors.Wrapf(err, "failed to reset instance %s", instance)
	}
	if err := c.waitZoneOperation(ctx, zone, op); err != nil {
		return errors.Wrapf(err, "failed to reset instance %s", instance)
	}
	logging.Infof(ctx, "Instance %s has been reset", instance)
	return nil
}

// StartInstance starts a stopped instance.
func (c *Client) StartInstance(ctx context.Context, instance, zone string) error {
	op, err := c.svc.Instances.Start(ctx, &computepb.StartInstanceRequest{Project: c.project, Zone: zone, Instance: instance})
	if err != nil {
		return errors.Wrapf(err, "failed to start instance %s", instance)
	}
	if err := c.waitZoneOperation(ctx, zone, op); err != nil {
		return errors.Wrapf(err, "failed to start instance %s", instance)
	}
	logging.Infof(ctx, "Instance %s has been started", instance)
	return nil
}

// StartInstances starts instances in parallel.
func (c *Client) StartInstances(ctx context.Context, instances []string, zone string) (*BatchResult, error) {
	res, err := c.batch(ctx, instances, func(ctx context.Context, name string) error {
		return c.StartInstance(ctx, name, zone)
	})
	logDone(ctx, "start instances", res, err)
	return res, err
}

// StopInstance stops an instance.
func (c *Client) StopInstance(ctx context.Context, instance, zone string) error {
	op, err := c.svc.Instances.Stop(ctx, &computepb.StopInstanceRequest{Project: c.project, Zone: zone, Instance: instance})
	if err != nil {
		return errors.Wrapf(err, "failed to stop instance %s", instance)
	}
	if err := c.waitZoneOperation(ctx, zone, op); err != nil {
		return errors.Wrapf(err, "failed to stop instance %s", instance)
	}
	logging.Infof(ctx, "Instance %s has been stopped", instance)
	return nil
}

// StopInstances stops instances in parallel.
func (c *Client) StopInstances(ctx context.Context, instances []string, zone string) (*BatchResult, error) {
	res, err := c.batch(ctx, instances, func(ctx context.Context, name string) error {
		return c.StopInstance(ctx, name, zone)
	})
	logDone(ctx, "stop instances", res, err)
	return res, err
}

// GetInstance returns an instance.
func (c *Client) GetInstance(ctx context.Context, instance, zone string) (*computepb.Instance, error) {
	ins, err := c.svc.Instances.Get(ctx, &computepb.GetInstanceRequest{Project: c.project, Zone: zone, Instance: instance})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get instance %s", instance)
	}
	return ins, nil
}

// ListInstances lists instances across all zones. filter is a Compute
// Engine filter expression such as "name eq ins-.*", or empty.
func (c *Client) ListInstances(ctx context.Context, filter string) ([]*computepb.Instance, error) {
	req := &computepb.AggregatedListInstancesRequest{Project: c.project}
	if filter != "" {
		req.Filter = proto.String(filter)
	}
	scoped, err := c.svc.Instances.AggregatedList(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list instances")
	}
	var res []*computepb.Instance
	for _, ins := range scoped {
		res = append(res, ins...)
	}
	return res, nil
}

// GetMachineType returns a machine type of zone.
func (c *Client) GetMachineType(ctx context.Context, machineType, zone string) (*computepb.MachineType, error) {
	mt, err := c.svc.MachineTypes.Get(ctx, &computepb.GetMachineTypeRequest{Project: c.project, Zone: zone, MachineType: machineType})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get machine type %s", machineType)
	}
	return mt, nil
}

// CompareMachineSize compares two machine types by CPUs, then memory. It
// returns -1 if a is smaller than b in any of them, 0 if they are equal, and
// 1 otherwise.
func (c *Client) CompareMachineSize(ctx context.Context, a, b, zone string) (int, error) {
	ma, err := c.GetMachineType(ctx, a, zone)
	if err != nil {
		return 0, err
	}
	mb, err := c.GetMachineType(ctx, b, zone)
	if err != nil {
		return 0, err
	}
	if ma.GuestCpus == nil || mb.GuestCpus == nil || ma.MemoryMb == nil || mb.MemoryMb == nil {
		return 0, errors.Errorf("malformed machine size record for %s or %s", a, b)
	}
	res := 0
	for _, d := range []int64{
		int64(ma.GetGuestCpus()) - int64(mb.GetGuestCpus()),
		int64(ma.GetMemoryMb()) - int64(mb.GetMemoryMb()),
	} {
		if d < 0 {
			return -1, nil
		}
		if d > 0 {
			res = 1
		}
	}
	return res, nil
}

// GetSerialPortOutput returns the output of a serial port, 1 to 4.
func (c *Client) GetSerialPortOutput(ctx context.Context, instance, zone string, port int) (string, error) {
	out, err := c.svc.Instances.GetSerialPortOutput(ctx, &computepb.GetSerialPortOutputInstanceRequest{
		Project:  c.project,
		Zone:     zone,
		Instance: instance,
		Port:     proto.Int32(int32(port)),
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to get serial port output of %s", instance)
	}
	if out.Contents == nil {
		return "", errors.Errorf("Malformed response for GetSerialPortOutput: %v", out)
	}
	return out.GetContents(), nil
}

// IP holds the addresses of an instance.
type IP struct {
	Internal string
	External string
}

// GetInstanceIP returns the addresses of the first network interface of an
// instance.
func (c *Client) GetInstanceIP(ctx context.Context, instance, zone string) (*IP, error) {
	ins, err := c.GetInstance(ctx, instance, zone)
	if err != nil {
		return nil, err
	}
	nics := ins.GetNetworkInterfaces()
	if len(nics) == 0 {
		return nil, errors.Errorf("instance %s has no network interface", instance)
	}
	ip := &IP{Internal: nics[0].GetNetworkIP()}
	if acs := nics[0].GetAccessConfigs(); len(acs) > 0 {
		ip.External = acs[0].GetNatIP()
	}
	return ip, nil
}

// GetInstanceNamesByIPs maps external IPs to instance names. IPs with no
// instance map to "".
func (c *Client) GetInstanceNamesByIPs(ctx context.Context, ips []string) (map[string]string, error) {
	res := make(map[string]string)
	for _, ip := range ips {
		res[ip] = ""
	}
	instances, err := c.ListInstances(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, ins := range instances {
		nics := ins.GetNetworkInterfaces()
		if len(nics) == 0 || len(nics[0].GetAccessConfigs()) == 0 {
			logging.Debugf(ctx, "Instance %s has no external IP", ins.GetName())
			continue
		}
		ip := nics[0].GetAccessConfigs()[0].GetNatIP()
		if _, ok := res[ip]; ok {
			res[ip] = ins.GetName()
		}
	}
	return res, nil
}

// GetZoneByInstance returns the zone an instance lives in.
func (c *Client) GetZoneByInstance(ctx context.Context, instance string) (string, error) {
	scoped, err := c.svc.Instances.AggregatedList(ctx, &computepb.AggregatedListInstancesRequest{
		Project: c.project,
		Filter:  proto.String("name=" + instance),
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to look up instance %s", instance)
	}
	for scope, ins := range scoped {
		if len(ins) == 0 {
			continue
		}
		if m := zoneRE.FindStringSubmatch(scope); m != nil {
			return m[zoneRE.SubexpIndex("zone")], nil
		}
	}
	return "", errors.Errorf("can't get zone from the instance name %s", instance)
}

// GetZonesByInstances groups instances by zone.
func (c *Client) GetZonesByInstances(ctx context.Context, instances []string) (map[string][]string, error) {
	res := make(map[string][]string)
	for _, ins := range instances {
		zone, err := c.GetZoneByInstance(ctx, ins)
		if err != nil {
			return nil, err
		}
		res[zone] = append(res[zone], ins)
	}
	return res, nil
}

// CheckAccess reports whether the caller can read the project.
func (c *Client) CheckAccess(ctx context.Context) (bool, error) {
	if _, err := c.svc.Zones.List(ctx, &computepb.ListZonesRequest{Project: c.project}); err != nil {
		if httpCode(err) == http.StatusForbidden {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to access project %s", c.project)
	}
	return true, nil
}
