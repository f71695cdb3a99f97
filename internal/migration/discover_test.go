// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package migration_test

import (
	"context"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	coremigration "github.com/amineammari/vm-migrator/core/migration"
	"github.com/amineammari/vm-migrator/internal/migration"
	"github.com/amineammari/vm-migrator/internal/vmware"
)

type discoverSuite struct {
	store  *memStore
	client *fakeVMwareClient
}

var _ = gc.Suite(&discoverSuite{})

func (s *discoverSuite) SetUpTest(c *gc.C) {
	s.store = newMemStore()
	s.client = &fakeVMwareClient{
		source: coremigration.SourceESXi,
		vms: map[string]coremigration.VMDescriptor{
			"web-01": {
				Name:       "web-01",
				Source:     coremigration.SourceESXi,
				CPU:        2,
				RAMMB:      4096,
				PowerState: "poweredOff",
				Metadata:   map[string]interface{}{"has_snapshots": "false", "guest_id": "ubuntu64Guest"},
				Disks: []coremigration.DiskDescriptor{
					{Path: "[ds1] web-01/web-01.vmdk", SizeBytes: 10 << 30},
				},
			},
		},
	}
}

func (s *discoverSuite) executor(c *gc.C) *migration.DiscoverExecutor {
	exec, err := migration.NewDiscoverExecutor(s.store,
		map[coremigration.Source]vmware.Client{coremigration.SourceESXi: s.client})
	c.Assert(err, jc.ErrorIsNil)
	return exec
}

func (s *discoverSuite) TestDiscoverRecordsVM(c *gc.C) {
	job := coremigration.Job{ID: "j1", VMName: "web-01", Source: coremigration.SourceESXi}
	result, err := s.executor(c).Run(context.Background(), job)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Metadata["cpu"], gc.Equals, 2)
	c.Check(result.Metadata["ram_mb"], gc.Equals, 4096)
	c.Check(result.Metadata["disk_count"], gc.Equals, 1)
	c.Check(result.Metadata["total_disk_bytes"], gc.Equals, int64(10<<30))
	c.Check(result.Metadata["has_snapshots"], gc.Equals, false)

	// The inventory was refreshed.
	vm, err := s.store.DiscoveredVM(context.Background(), "web-01", coremigration.SourceESXi)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(vm.CPU, gc.Equals, 2)
}

func (s *discoverSuite) TestUnknownVMFails(c *gc.C) {
	job := coremigration.Job{ID: "j1", VMName: "ghost", Source: coremigration.SourceESXi}
	_, err := s.executor(c).Run(context.Background(), job)
	c.Check(err, jc.Satisfies, errors.IsNotFound)
}

func (s *discoverSuite) TestUnknownSourceFails(c *gc.C) {
	job := coremigration.Job{ID: "j1", VMName: "web-01", Source: coremigration.SourceWorkstation}
	_, err := s.executor(c).Run(context.Background(), job)
	c.Check(err, jc.Satisfies, errors.IsNotSupported)
}
