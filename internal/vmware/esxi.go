// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package vmware

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/juju/errors"
	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"

	coremigration "github.com/amineammari/vm-migrator/core/migration"
)

// vmProperties are the managed object properties retrieved for each VM.
var vmProperties = []string{"name", "config", "runtime", "snapshot"}

// ESXiConfig holds connection details for one ESXi host.
type ESXiConfig struct {
	Host     string
	Username string
	Password string
	Port     int
	Insecure bool
}

// Validate returns an error if the client cannot be dialled.
func (c ESXiConfig) Validate() error {
	if c.Host == "" {
		return errors.NotValidf("empty Host")
	}
	if c.Username == "" {
		return errors.NotValidf("empty Username")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.NotValidf("port %d", c.Port)
	}
	return nil
}

// ESXiClient reads VM inventory from an ESXi host.
type ESXiClient struct {
	cfg    ESXiConfig
	client *govmomi.Client
}

// DialESXi connects and authenticates to the host. Callers own the
// returned client and must Close it.
func DialESXi(ctx context.Context, cfg ESXiConfig) (*ESXiClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	u, err := soap.ParseURL(fmt.Sprintf("https://%s:%d/sdk", cfg.Host, cfg.Port))
	if err != nil {
		return nil, errors.Annotatef(err, "parsing URL for host %q", cfg.Host)
	}
	u.User = url.UserPassword(cfg.Username, cfg.Password)
	client, err := govmomi.NewClient(ctx, u, cfg.Insecure)
	if err != nil {
		return nil, errors.Annotatef(err, "connecting to %q", cfg.Host)
	}
	logger.Infof("connected to esxi host %q", cfg.Host)
	return &ESXiClient{cfg: cfg, client: client}, nil
}

// Close logs out of the host.
func (c *ESXiClient) Close(ctx context.Context) error {
	return errors.Trace(c.client.Logout(ctx))
}

// Source is part of Client.
func (c *ESXiClient) Source() coremigration.Source {
	return coremigration.SourceESXi
}

// ListVMs is part of Client.
func (c *ESXiClient) ListVMs(ctx context.Context) ([]coremigration.VMDescriptor, error) {
	mos, err := c.retrieve(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	vms := make([]coremigration.VMDescriptor, 0, len(mos))
	for _, m := range mos {
		vms = append(vms, descriptorFromManagedObject(c.cfg.Host, m))
	}
	return vms, nil
}

// VM is part of Client.
func (c *ESXiClient) VM(ctx context.Context, name string) (coremigration.VMDescriptor, error) {
	mos, err := c.retrieve(ctx)
	if err != nil {
		return coremigration.VMDescriptor{}, errors.Trace(err)
	}
	for _, m := range mos {
		if m.Name == name {
			return descriptorFromManagedObject(c.cfg.Host, m), nil
		}
	}
	return coremigration.VMDescriptor{}, errors.NotFoundf("vm %q on host %q", name, c.cfg.Host)
}

func (c *ESXiClient) retrieve(ctx context.Context) ([]mo.VirtualMachine, error) {
	m := view.NewManager(c.client.Client)
	v, err := m.CreateContainerView(ctx, c.client.ServiceContent.RootFolder, []string{"VirtualMachine"}, true)
	if err != nil {
		return nil, errors.Annotate(err, "creating container view")
	}
	defer func() { _ = v.Destroy(ctx) }()

	var mos []mo.VirtualMachine
	if err := v.Retrieve(ctx, []string{"VirtualMachine"}, vmProperties, &mos); err != nil {
		return nil, errors.Annotate(err, "retrieving virtual machines")
	}
	return mos, nil
}

// descriptorFromManagedObject flattens the vSphere managed object into
// the source-independent descriptor the pipeline works with.
func descriptorFromManagedObject(host string, m mo.VirtualMachine) coremigration.VMDescriptor {
	desc := coremigration.VMDescriptor{
		Name:       m.Name,
		Source:     coremigration.SourceESXi,
		PowerState: string(m.Runtime.PowerState),
		Metadata: map[string]interface{}{
			"host":          host,
			"has_snapshots": fmt.Sprint(m.Snapshot != nil),
		},
		LastSeen: time.Now().UTC(),
	}
	if m.Config != nil {
		desc.CPU = int(m.Config.Hardware.NumCPU)
		desc.RAMMB = int(m.Config.Hardware.MemoryMB)
		desc.Metadata["guest_id"] = m.Config.GuestId
		for _, dev := range m.Config.Hardware.Device {
			disk, ok := dev.(*types.VirtualDisk)
			if !ok {
				continue
			}
			dd := coremigration.DiskDescriptor{
				SizeBytes: disk.CapacityInKB * 1024,
			}
			if backing, ok := disk.Backing.(*types.VirtualDiskFlatVer2BackingInfo); ok {
				dd.Path = backing.FileName
			}
			if disk.DeviceInfo != nil {
				dd.Label = disk.DeviceInfo.GetDescription().Label
			}
			desc.Disks = append(desc.Disks, dd)
		}
	}
	return desc
}

// HasSnapshots reports whether the descriptor was captured with
// snapshots present. Conversion of ESXi VMs refuses snapshots because
// virt-v2v reads the flat disk underneath them.
func HasSnapshots(vm coremigration.VMDescriptor) bool {
	return vm.Metadata["has_snapshots"] == "true"
}

// PoweredOff reports whether the VM was powered off when discovered.
func PoweredOff(vm coremigration.VMDescriptor) bool {
	return vm.PowerState == string(types.VirtualMachinePowerStatePoweredOff) ||
		vm.PowerState == "off"
}
