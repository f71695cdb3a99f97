// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package migration_test

import (
	"context"
	"os"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	coremigration "github.com/amineammari/vm-migrator/core/migration"
	"github.com/amineammari/vm-migrator/internal/config"
	"github.com/amineammari/vm-migrator/internal/migration"
)

type uploadSuite struct {
	cfg     config.Config
	store   *memStore
	session *fakeSession
}

var _ = gc.Suite(&uploadSuite{})

func (s *uploadSuite) SetUpTest(c *gc.C) {
	s.cfg = config.Default()
	s.cfg.EnableDeployment = true
	s.cfg.APIRetryDelay = time.Millisecond
	s.store = newMemStore()
	s.session = newFakeSession()
}

func (s *uploadSuite) executor(c *gc.C) *migration.UploadExecutor {
	exec, err := migration.NewUploadExecutor(s.cfg, s.store, s.session, clock.WallClock)
	c.Assert(err, jc.ErrorIsNil)
	return exec
}

func (s *uploadSuite) convertedJob() coremigration.Job {
	job := coremigration.Job{
		ID:     "j1",
		VMName: "web-01",
		Source: coremigration.SourceWorkstation,
		Status: coremigration.StatusConverting,
	}
	job.StageMetadata = coremigration.StageMetadata{}.Merge(coremigration.StageConvert,
		map[string]interface{}{
			"output_path":        "/out/job-j1/web-01-disk0.qcow2",
			"output_paths":       []interface{}{"/out/job-j1/web-01-disk0.qcow2"},
			"output_disk_format": "qcow2",
		})
	return job
}

func (s *uploadSuite) TestPolicySkip(c *gc.C) {
	s.cfg.EnableDeployment = false
	job := s.convertedJob()
	job.StageMetadata = coremigration.StageMetadata{}.Merge(coremigration.StageConvert,
		map[string]interface{}{"skipped": true, "skip_reason": "conversion disabled by configuration"})

	result, err := s.executor(c).Run(context.Background(), job)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Metadata["skipped"], gc.Equals, true)
	c.Check(result.Metadata["skip_reason"], gc.Equals, "deployment disabled by configuration")
	c.Check(s.session.images, gc.HasLen, 0)
	c.Check(s.session.uploadCalls, gc.Equals, 0)
}

func (s *uploadSuite) TestNilSessionAllowedWhenDisabled(c *gc.C) {
	s.cfg.EnableDeployment = false
	exec, err := migration.NewUploadExecutor(s.cfg, s.store, nil, clock.WallClock)
	c.Assert(err, jc.ErrorIsNil)

	result, err := exec.Run(context.Background(), s.convertedJob())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Metadata["skipped"], gc.Equals, true)
}

func (s *uploadSuite) TestEnabledRequiresSession(c *gc.C) {
	_, err := migration.NewUploadExecutor(s.cfg, s.store, nil, clock.WallClock)
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}

func (s *uploadSuite) TestUploadCreatesImage(c *gc.C) {
	result, err := s.executor(c).Run(context.Background(), s.convertedJob())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Metadata["image_name"], gc.Equals, "vm-migrator-j1-web-01")
	c.Check(result.Metadata["reused"], gc.Equals, false)
	c.Check(s.session.uploadCalls, gc.Equals, 1)

	img, err := s.session.FindImageByName(context.Background(), "vm-migrator-j1-web-01")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(img.DiskFormat, gc.Equals, "qcow2")
	c.Check(result.Metadata["image_id"], gc.Equals, img.ID)
}

func (s *uploadSuite) TestRedeliveryReusesImage(c *gc.C) {
	_, err := s.session.UploadImage(context.Background(), "vm-migrator-j1-web-01", "qcow2", "/out/a")
	c.Assert(err, jc.ErrorIsNil)
	s.session.uploadCalls = 0

	result, err := s.executor(c).Run(context.Background(), s.convertedJob())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Metadata["reused"], gc.Equals, true)
	c.Check(s.session.uploadCalls, gc.Equals, 0)
}

func (s *uploadSuite) TestTransientErrorsRetried(c *gc.C) {
	s.session.uploadErrs = 2
	result, err := s.executor(c).Run(context.Background(), s.convertedJob())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.session.uploadCalls, gc.Equals, 3)
	c.Check(result.Metadata["image_id"], gc.Not(gc.Equals), "")
}

func (s *uploadSuite) TestRetriesExhausted(c *gc.C) {
	s.session.uploadErrs = 10
	_, err := s.executor(c).Run(context.Background(), s.convertedJob())
	c.Check(err, gc.ErrorMatches, `uploading image "vm-migrator-j1-web-01".*`)
}

func (s *uploadSuite) TestValidationErrorNotRetried(c *gc.C) {
	s.session.uploadFatal = errors.NotValidf("disk format")
	_, err := s.executor(c).Run(context.Background(), s.convertedJob())
	c.Check(err, gc.ErrorMatches, `uploading image "vm-migrator-j1-web-01": disk format not valid`)
	c.Check(s.session.uploadCalls, gc.Equals, 1)
}

func (s *uploadSuite) TestUnreadableDiskNotRetried(c *gc.C) {
	s.session.uploadFatal = &os.PathError{
		Op: "open", Path: "/out/job-j1/web-01-disk0.qcow2", Err: os.ErrPermission,
	}
	_, err := s.executor(c).Run(context.Background(), s.convertedJob())
	c.Check(err, gc.ErrorMatches, `uploading image "vm-migrator-j1-web-01".*permission denied`)
	c.Check(s.session.uploadCalls, gc.Equals, 1)
}

func (s *uploadSuite) TestMultiDiskUpload(c *gc.C) {
	job := s.convertedJob()
	job.StageMetadata = coremigration.StageMetadata{}.Merge(coremigration.StageConvert,
		map[string]interface{}{
			"output_paths":       []interface{}{"/out/d0.qcow2", "/out/d1.qcow2"},
			"output_disk_format": "qcow2",
		})

	result, err := s.executor(c).Run(context.Background(), job)
	c.Assert(err, jc.ErrorIsNil)
	ids := result.Metadata["image_ids"].([]interface{})
	c.Check(ids, gc.HasLen, 2)
	_, err = s.session.FindImageByName(context.Background(), "vm-migrator-j1-web-01-disk1")
	c.Check(err, jc.ErrorIsNil)
}

func (s *uploadSuite) TestSkippedConversionUploadsSourceDisks(c *gc.C) {
	vm := coremigration.VMDescriptor{
		Name:   "web-01",
		Source: coremigration.SourceWorkstation,
		Disks:  []coremigration.DiskDescriptor{{Path: "/srv/vms/web-01.vmdk"}},
	}
	c.Assert(s.store.UpsertDiscoveredVM(context.Background(), vm), jc.ErrorIsNil)

	job := s.convertedJob()
	job.StageMetadata = coremigration.StageMetadata{}.Merge(coremigration.StageConvert,
		map[string]interface{}{"skipped": true, "skip_reason": "conversion disabled by configuration"})

	result, err := s.executor(c).Run(context.Background(), job)
	c.Assert(err, jc.ErrorIsNil)
	img, err := s.session.Image(context.Background(), result.Metadata["image_id"].(string))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(img.DiskFormat, gc.Equals, "vmdk")
}

func (s *uploadSuite) TestNoConversionRecordFails(c *gc.C) {
	job := coremigration.Job{ID: "j1", VMName: "web-01", Source: coremigration.SourceWorkstation}
	_, err := s.executor(c).Run(context.Background(), job)
	c.Check(err, gc.ErrorMatches, "job has no conversion record.*")
}
