// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package vmware discovers virtual machines on the two supported
// sources: an ESXi host reached over the vSphere API, and local VMware
// Workstation directories scanned for .vmx files.
package vmware

import (
	"context"

	"github.com/juju/loggo/v2"

	coremigration "github.com/amineammari/vm-migrator/core/migration"
)

var logger = loggo.GetLogger("vmmigrator.vmware")

// Client lists the VMs visible on one source.
type Client interface {
	// Source identifies which source the client reads.
	Source() coremigration.Source

	// ListVMs returns descriptors for every VM found.
	ListVMs(ctx context.Context) ([]coremigration.VMDescriptor, error)

	// VM returns the descriptor for one named VM.
	VM(ctx context.Context, name string) (coremigration.VMDescriptor, error)
}
