// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package openstack wraps the subset of OpenStack used by the upload,
// deploy, verify and rollback stages: glance for images, nova for
// servers and flavors, neutron for networks. Stage executors depend on
// the Session interface so tests can substitute a fake cloud.
package openstack

import (
	"context"

	"github.com/juju/loggo/v2"

	coremigration "github.com/amineammari/vm-migrator/core/migration"
)

var logger = loggo.GetLogger("vmmigrator.openstack")

// Image is one glance image.
type Image struct {
	ID         string
	Name       string
	Status     string
	DiskFormat string
	SizeBytes  int64
}

// Flavor is one nova flavor.
type Flavor struct {
	ID     string
	Name   string
	VCPUs  int
	RAMMB  int
	DiskGB int
}

// Network is one neutron network.
type Network struct {
	ID       string
	Name     string
	External bool
}

// Server is one nova server.
type Server struct {
	ID     string
	Name   string
	Status string
}

// Volume is one cinder volume.
type Volume struct {
	ID     string
	Name   string
	Status string
	SizeGB int
}

// Server status values reported by nova.
const (
	ServerStatusActive = "ACTIVE"
	ServerStatusError  = "ERROR"
	ServerStatusBuild  = "BUILD"
)

// Image status values reported by glance.
const (
	ImageStatusQueued = "queued"
	ImageStatusActive = "active"
)

// Volume status values reported by cinder.
const (
	VolumeStatusCreating  = "creating"
	VolumeStatusAvailable = "available"
	VolumeStatusInUse     = "in-use"
	VolumeStatusError     = "error"
)

// Session is the cloud surface the pipeline needs. Lookup methods
// return juju not-found errors when the resource is absent.
type Session interface {
	// UploadImage creates a glance image and streams the disk file
	// into it, returning the new image.
	UploadImage(ctx context.Context, name, diskFormat, path string) (Image, error)

	// FindImageByName returns the image with the given name.
	FindImageByName(ctx context.Context, name string) (Image, error)

	// Image returns the image with the given id.
	Image(ctx context.Context, id string) (Image, error)

	// ListImages returns all images visible to the project.
	ListImages(ctx context.Context) ([]Image, error)

	// DeleteImage removes an image.
	DeleteImage(ctx context.Context, id string) error

	// BootServer starts a server and returns its id. The call does
	// not wait for the server to become active.
	BootServer(ctx context.Context, name, flavorID, imageID, networkID string) (string, error)

	// FindServerByName returns the server with the given name.
	FindServerByName(ctx context.Context, name string) (Server, error)

	// Server returns the server with the given id.
	Server(ctx context.Context, id string) (Server, error)

	// DeleteServer removes a server.
	DeleteServer(ctx context.Context, id string) error

	// CreateVolumeFromImage creates a cinder volume populated from a
	// glance image. The call does not wait for the volume to become
	// available.
	CreateVolumeFromImage(ctx context.Context, name, imageID string, sizeGB int) (Volume, error)

	// FindVolumeByName returns the volume with the given name.
	FindVolumeByName(ctx context.Context, name string) (Volume, error)

	// AttachVolume attaches a volume to a server, letting nova pick
	// the device name.
	AttachVolume(ctx context.Context, serverID, volumeID string) error

	// DeleteVolume removes a volume.
	DeleteVolume(ctx context.Context, id string) error

	// ListFlavors returns all flavors.
	ListFlavors(ctx context.Context) ([]Flavor, error)

	// ListNetworks returns all networks.
	ListNetworks(ctx context.Context) ([]Network, error)
}

// PickFlavor returns the cheapest flavor that fits the VM: fewest
// vCPUs, then least RAM, among those satisfying the requirements.
func PickFlavor(flavors []Flavor, vm coremigration.VMDescriptor) (Flavor, bool) {
	var best Flavor
	found := false
	needDiskGB := 0
	for _, d := range vm.Disks {
		needDiskGB += int((d.SizeBytes + (1 << 30) - 1) >> 30)
	}
	for _, f := range flavors {
		if f.VCPUs < vm.CPU || f.RAMMB < vm.RAMMB {
			continue
		}
		if f.DiskGB > 0 && f.DiskGB < needDiskGB {
			continue
		}
		if !found || f.VCPUs < best.VCPUs ||
			(f.VCPUs == best.VCPUs && f.RAMMB < best.RAMMB) {
			best, found = f, true
		}
	}
	return best, found
}

// PickNetwork selects the boot network: an explicit id wins, then a
// name match, then the first internal network.
func PickNetwork(networks []Network, wantID, wantName string) (Network, bool) {
	if wantID != "" {
		for _, n := range networks {
			if n.ID == wantID {
				return n, true
			}
		}
		return Network{}, false
	}
	if wantName != "" {
		for _, n := range networks {
			if n.Name == wantName {
				return n, true
			}
		}
		return Network{}, false
	}
	for _, n := range networks {
		if !n.External {
			return n, true
		}
	}
	return Network{}, false
}
