// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package migration

import (
	"context"

	"github.com/juju/errors"

	coremigration "github.com/amineammari/vm-migrator/core/migration"
	"github.com/amineammari/vm-migrator/internal/vmware"
)

// DiscoverExecutor resolves the job's VM on its source and records
// what was found, both in the inventory and in the job metadata the
// later stages read.
type DiscoverExecutor struct {
	store   Store
	clients map[coremigration.Source]vmware.Client
}

// NewDiscoverExecutor returns a discover executor over the given
// source clients.
func NewDiscoverExecutor(store Store, clients map[coremigration.Source]vmware.Client) (*DiscoverExecutor, error) {
	if store == nil {
		return nil, errors.NotValidf("nil store")
	}
	if len(clients) == 0 {
		return nil, errors.NotValidf("no source clients")
	}
	return &DiscoverExecutor{store: store, clients: clients}, nil
}

// Stage is part of StageExecutor.
func (e *DiscoverExecutor) Stage() string {
	return coremigration.StageDiscover
}

// Run is part of StageExecutor. Discovery is naturally idempotent:
// re-reading the source updates the same inventory row.
func (e *DiscoverExecutor) Run(ctx context.Context, job coremigration.Job) (StageResult, error) {
	client, ok := e.clients[job.Source]
	if !ok {
		return StageResult{}, errors.NotSupportedf("source %q", job.Source)
	}
	vm, err := client.VM(ctx, job.VMName)
	if err != nil {
		return StageResult{}, errors.Annotatef(err, "discovering vm %q", job.VMName)
	}
	if err := e.store.UpsertDiscoveredVM(ctx, vm); err != nil {
		return StageResult{}, errors.Trace(err)
	}

	disks := make([]interface{}, 0, len(vm.Disks))
	var totalBytes int64
	for _, d := range vm.Disks {
		disks = append(disks, map[string]interface{}{
			"path":       d.Path,
			"label":      d.Label,
			"size_bytes": d.SizeBytes,
		})
		totalBytes += d.SizeBytes
	}
	logger.Infof("discovered vm %q on %s: %d vcpus, %d MB, %d disks",
		vm.Name, job.Source, vm.CPU, vm.RAMMB, len(vm.Disks))
	return StageResult{Metadata: map[string]interface{}{
		"source":           string(job.Source),
		"disk_count":       len(vm.Disks),
		"cpu":              vm.CPU,
		"ram_mb":           vm.RAMMB,
		"power_state":      vm.PowerState,
		"disks":            disks,
		"total_disk_bytes": totalBytes,
		"has_snapshots":    vm.Metadata["has_snapshots"] == "true",
		"guest_id":         vm.Metadata["guest_id"],
	}}, nil
}
