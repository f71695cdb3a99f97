// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package migration_test

import (
	"context"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	coremigration "github.com/amineammari/vm-migrator/core/migration"
	"github.com/amineammari/vm-migrator/internal/config"
	"github.com/amineammari/vm-migrator/internal/migration"
	"github.com/amineammari/vm-migrator/internal/openstack"
)

type deploySuite struct {
	cfg     config.Config
	session *fakeSession
}

var _ = gc.Suite(&deploySuite{})

func (s *deploySuite) SetUpTest(c *gc.C) {
	s.cfg = config.Default()
	s.cfg.EnableDeployment = true
	s.cfg.OpenStack.AuthURL = "https://keystone.example.com:5000/v3"
	s.session = newFakeSession()
}

func (s *deploySuite) executor(c *gc.C) *migration.DeployExecutor {
	exec, err := migration.NewDeployExecutor(s.cfg, s.session)
	c.Assert(err, jc.ErrorIsNil)
	return exec
}

func (s *deploySuite) uploadedJob() coremigration.Job {
	job := coremigration.Job{
		ID:     "j1",
		VMName: "web-01",
		Source: coremigration.SourceWorkstation,
		Status: coremigration.StatusUploading,
	}
	meta := coremigration.StageMetadata{}.
		Merge(coremigration.StageDiscover, map[string]interface{}{"cpu": 2, "ram_mb": 4096}).
		Merge(coremigration.StageUpload, map[string]interface{}{"image_id": "img-1"})
	job.StageMetadata = meta
	return job
}

func (s *deploySuite) TestPolicySkip(c *gc.C) {
	s.cfg.EnableDeployment = false
	result, err := s.executor(c).Run(context.Background(), s.uploadedJob())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Metadata["skipped"], gc.Equals, true)
	c.Check(s.session.servers, gc.HasLen, 0)
}

func (s *deploySuite) TestBootsServer(c *gc.C) {
	result, err := s.executor(c).Run(context.Background(), s.uploadedJob())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Metadata["server_name"], gc.Equals, "vm-migrator-j1-web-01")
	c.Check(result.Metadata["flavor_name"], gc.Equals, "m1.medium")
	c.Check(result.Metadata["network_id"], gc.Equals, "int")

	server, err := s.session.FindServerByName(context.Background(), "vm-migrator-j1-web-01")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Metadata["server_id"], gc.Equals, server.ID)
}

func (s *deploySuite) TestRedeliveryReusesServer(c *gc.C) {
	_, err := s.session.BootServer(context.Background(), "vm-migrator-j1-web-01", "f2", "img-1", "int")
	c.Assert(err, jc.ErrorIsNil)

	result, err := s.executor(c).Run(context.Background(), s.uploadedJob())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Metadata["reused"], gc.Equals, true)
	c.Check(s.session.servers, gc.HasLen, 1)
}

func (s *deploySuite) multiDiskJob(c *gc.C) (coremigration.Job, string) {
	ctx := context.Background()
	img0, err := s.session.UploadImage(ctx, "vm-migrator-j1-web-01", "qcow2", "/out/d0")
	c.Assert(err, jc.ErrorIsNil)
	img1, err := s.session.UploadImage(ctx, "vm-migrator-j1-web-01-disk1", "qcow2", "/out/d1")
	c.Assert(err, jc.ErrorIsNil)

	job := s.uploadedJob()
	job.StageMetadata = job.StageMetadata.Merge(coremigration.StageUpload, map[string]interface{}{
		"image_id":  img0.ID,
		"image_ids": []interface{}{img0.ID, img1.ID},
	})
	return job, img0.ID
}

func (s *deploySuite) TestAttachesExtraDiskVolumes(c *gc.C) {
	ctx := context.Background()
	job, _ := s.multiDiskJob(c)

	result, err := s.executor(c).Run(ctx, job)
	c.Assert(err, jc.ErrorIsNil)

	serverID := result.Metadata["server_id"].(string)
	volumeIDs := result.Metadata["volume_ids"].([]interface{})
	c.Assert(volumeIDs, gc.HasLen, 1)
	vol, err := s.session.FindVolumeByName(ctx, "vm-migrator-j1-web-01-disk1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(volumeIDs[0], gc.Equals, vol.ID)
	c.Check(vol.Status, gc.Equals, openstack.VolumeStatusInUse)
	c.Check(s.session.attachments[serverID], jc.DeepEquals, []string{vol.ID})
}

func (s *deploySuite) TestRedeliveryAttachesMissingVolumes(c *gc.C) {
	ctx := context.Background()
	job, bootImageID := s.multiDiskJob(c)

	// The earlier delivery booted the server but died before
	// attaching the extra disk.
	serverID, err := s.session.BootServer(ctx, "vm-migrator-j1-web-01", "f2", bootImageID, "int")
	c.Assert(err, jc.ErrorIsNil)

	result, err := s.executor(c).Run(ctx, job)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Metadata["reused"], gc.Equals, true)
	c.Check(s.session.attachments[serverID], gc.HasLen, 1)

	// Running again leaves the in-use volume alone.
	_, err = s.executor(c).Run(ctx, job)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.session.attachments[serverID], gc.HasLen, 1)
	c.Check(s.session.volumes, gc.HasLen, 1)
}

func (s *deploySuite) TestNoFlavorFits(c *gc.C) {
	s.session.flavors = []openstack.Flavor{{ID: "f0", Name: "tiny", VCPUs: 1, RAMMB: 512}}
	_, err := s.executor(c).Run(context.Background(), s.uploadedJob())
	c.Check(err, gc.ErrorMatches, "flavor fitting 2 vcpus and 4096 MB not found")
}

func (s *deploySuite) TestExplicitFlavorID(c *gc.C) {
	s.cfg.OpenStack.FlavorID = "f1"
	result, err := s.executor(c).Run(context.Background(), s.uploadedJob())
	c.Assert(err, jc.ErrorIsNil)
	// The override wins even though the discovered shape wants more.
	c.Check(result.Metadata["flavor_name"], gc.Equals, "m1.small")
}

func (s *deploySuite) TestExplicitFlavorIDMissing(c *gc.C) {
	s.cfg.OpenStack.FlavorID = "f9"
	_, err := s.executor(c).Run(context.Background(), s.uploadedJob())
	c.Check(err, gc.ErrorMatches, `configured flavor "f9" not found`)
}

func (s *deploySuite) TestExplicitNetworkName(c *gc.C) {
	s.cfg.OpenStack.NetworkName = "public"
	result, err := s.executor(c).Run(context.Background(), s.uploadedJob())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Metadata["network_id"], gc.Equals, "ext")
}

func (s *deploySuite) TestMissingUploadRecord(c *gc.C) {
	job := s.uploadedJob()
	job.StageMetadata = coremigration.StageMetadata{}.
		Merge(coremigration.StageDiscover, map[string]interface{}{"cpu": 2, "ram_mb": 4096})
	_, err := s.executor(c).Run(context.Background(), job)
	c.Check(err, gc.ErrorMatches, "job has no upload record.*")
}
