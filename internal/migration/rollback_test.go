// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package migration_test

import (
	"context"
	"os"
	"path/filepath"

	"github.com/juju/clock"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	coremigration "github.com/amineammari/vm-migrator/core/migration"
	"github.com/amineammari/vm-migrator/internal/migration"
)

type rollbackSuite struct {
	store   *memStore
	session *fakeSession
}

var _ = gc.Suite(&rollbackSuite{})

func (s *rollbackSuite) SetUpTest(c *gc.C) {
	s.store = newMemStore()
	s.session = newFakeSession()
}

func (s *rollbackSuite) rollbacker(c *gc.C) *migration.Rollbacker {
	rb, err := migration.NewRollbacker(s.store, s.session, clock.WallClock)
	c.Assert(err, jc.ErrorIsNil)
	return rb
}

// failedJob returns a job that got as far as deploy before failing,
// with real artifact files on disk.
func (s *rollbackSuite) failedJob(c *gc.C) coremigration.Job {
	dir := c.MkDir()
	artifact := filepath.Join(dir, "web-01-disk0.qcow2")
	c.Assert(os.WriteFile(artifact, []byte("qcow2"), 0644), jc.ErrorIsNil)
	tempDir := filepath.Join(dir, "tmp", "job-j1")
	c.Assert(os.MkdirAll(tempDir, 0755), jc.ErrorIsNil)

	img, err := s.session.UploadImage(context.Background(), "vm-migrator-j1-web-01", "qcow2", artifact)
	c.Assert(err, jc.ErrorIsNil)
	serverID, err := s.session.BootServer(context.Background(), "vm-migrator-j1-web-01", "f2", img.ID, "int")
	c.Assert(err, jc.ErrorIsNil)

	job := coremigration.Job{
		ID:     "j1",
		VMName: "web-01",
		Source: coremigration.SourceWorkstation,
		Status: coremigration.StatusFailed,
		StageMetadata: coremigration.StageMetadata{
			coremigration.StageConvert: {
				"output_paths": []interface{}{artifact},
				"temp_dirs":    []interface{}{tempDir},
			},
			coremigration.StageUpload: {
				"image_id":  img.ID,
				"image_ids": []interface{}{img.ID},
			},
			coremigration.StageDeploy: {
				"server_id":   serverID,
				"server_name": "vm-migrator-j1-web-01",
			},
		},
	}
	s.store.addJob(job)
	return job
}

func (s *rollbackSuite) TestRollsBackEverythingInOrder(c *gc.C) {
	job := s.failedJob(c)
	err := s.rollbacker(c).Rollback(context.Background(), "j1", "upload failed: glance on fire")
	c.Assert(err, jc.ErrorIsNil)

	got, err := s.store.Job(context.Background(), "j1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Status, gc.Equals, coremigration.StatusRolledBack)
	c.Assert(got.Rollback, gc.NotNil)
	c.Check(got.Rollback.Reason, gc.Equals, "upload failed: glance on fire")

	// Server first, then images, then local files.
	actions := got.Rollback.Actions
	c.Assert(actions, gc.HasLen, 4)
	c.Check(actions[0].Action, gc.Equals, "delete_server")
	c.Check(actions[0].Outcome, gc.Equals, coremigration.OutcomeDeleted)
	c.Check(actions[1].Action, gc.Equals, "delete_image")
	c.Check(actions[1].Outcome, gc.Equals, coremigration.OutcomeDeleted)
	c.Check(actions[2].Action, gc.Equals, "delete_file")
	c.Check(actions[2].Outcome, gc.Equals, coremigration.OutcomeDeleted)
	c.Check(actions[3].Action, gc.Equals, "delete_dir")
	c.Check(actions[3].Outcome, gc.Equals, coremigration.OutcomeDeleted)

	c.Check(s.session.deletedServers, gc.HasLen, 1)
	c.Check(s.session.deletedImages, gc.HasLen, 1)
	conv, err := job.ConversionResult()
	c.Assert(err, jc.ErrorIsNil)
	_, statErr := os.Stat(conv.OutputPaths[0])
	c.Check(os.IsNotExist(statErr), jc.IsTrue)
}

func (s *rollbackSuite) TestMissingResourcesCountAsRolledBack(c *gc.C) {
	s.failedJob(c)
	// The cloud resources vanished out of band.
	c.Assert(s.session.DeleteServer(context.Background(), "srv-2"), jc.ErrorIsNil)
	c.Assert(s.session.DeleteImage(context.Background(), "img-1"), jc.ErrorIsNil)
	s.session.deletedServers = nil
	s.session.deletedImages = nil

	err := s.rollbacker(c).Rollback(context.Background(), "j1", "operator request")
	c.Assert(err, jc.ErrorIsNil)

	got, err := s.store.Job(context.Background(), "j1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Status, gc.Equals, coremigration.StatusRolledBack)
	c.Check(got.Rollback.Actions[0].Outcome, gc.Equals, coremigration.OutcomeNotFound)
	c.Check(got.Rollback.Actions[1].Outcome, gc.Equals, coremigration.OutcomeNotFound)
}

func (s *rollbackSuite) TestRerunPreservesEarlierActions(c *gc.C) {
	s.failedJob(c)
	// A previous delivery deleted the server and recorded it, but
	// died before the job reached ROLLED_BACK.
	c.Assert(s.session.DeleteServer(context.Background(), "srv-2"), jc.ErrorIsNil)
	earlier := coremigration.RollbackMetadata{
		Reason: "first delivery",
		Actions: []coremigration.RollbackAction{{
			Action:  "delete_server",
			Target:  "srv-2",
			Outcome: coremigration.OutcomeDeleted,
		}},
	}
	c.Assert(s.store.SetRollback(context.Background(), "j1", earlier), jc.ErrorIsNil)

	err := s.rollbacker(c).Rollback(context.Background(), "j1", "second delivery")
	c.Assert(err, jc.ErrorIsNil)

	got, err := s.store.Job(context.Background(), "j1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Status, gc.Equals, coremigration.StatusRolledBack)

	// The first run's record survives; the rerun only appends, so the
	// server deletion stays "deleted" even though the rerun found
	// nothing to delete.
	c.Check(got.Rollback.Reason, gc.Equals, "first delivery")
	actions := got.Rollback.Actions
	c.Assert(actions, gc.HasLen, 5)
	c.Check(actions[0].Action, gc.Equals, "delete_server")
	c.Check(actions[0].Outcome, gc.Equals, coremigration.OutcomeDeleted)
	c.Check(actions[1].Action, gc.Equals, "delete_server")
	c.Check(actions[1].Outcome, gc.Equals, coremigration.OutcomeNotFound)
}

func (s *rollbackSuite) TestDeletesAttachedVolumes(c *gc.C) {
	job := s.failedJob(c)
	img, err := s.session.UploadImage(context.Background(), "vm-migrator-j1-web-01-disk1", "qcow2", "/out/d1")
	c.Assert(err, jc.ErrorIsNil)
	vol, err := s.session.CreateVolumeFromImage(context.Background(), "vm-migrator-j1-web-01-disk1", img.ID, 1)
	c.Assert(err, jc.ErrorIsNil)

	job.StageMetadata = job.StageMetadata.Merge(coremigration.StageDeploy, map[string]interface{}{
		"server_id":   "srv-2",
		"server_name": "vm-migrator-j1-web-01",
		"volume_ids":  []interface{}{vol.ID},
	})
	s.store.addJob(job)

	c.Assert(s.rollbacker(c).Rollback(context.Background(), "j1", "verify failed"), jc.ErrorIsNil)

	got, err := s.store.Job(context.Background(), "j1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.session.deletedVolumes, jc.DeepEquals, []string{vol.ID})
	actions := got.Rollback.Actions
	c.Assert(actions, gc.HasLen, 5)
	c.Check(actions[0].Action, gc.Equals, "delete_server")
	c.Check(actions[1].Action, gc.Equals, "delete_volume")
	c.Check(actions[1].Outcome, gc.Equals, coremigration.OutcomeDeleted)
	c.Check(actions[2].Action, gc.Equals, "delete_image")
}

func (s *rollbackSuite) TestRefusesVerifiedJob(c *gc.C) {
	s.store.addJob(coremigration.Job{ID: "j1", Status: coremigration.StatusVerified})
	err := s.rollbacker(c).Rollback(context.Background(), "j1", "oops")
	c.Check(err, gc.ErrorMatches, `job "j1" is VERIFIED; refusing to roll back a completed migration`)
}

func (s *rollbackSuite) TestDuplicateRollbackIsNoop(c *gc.C) {
	s.failedJob(c)
	rb := s.rollbacker(c)
	c.Assert(rb.Rollback(context.Background(), "j1", "first"), jc.ErrorIsNil)
	deletedServers := len(s.session.deletedServers)

	c.Assert(rb.Rollback(context.Background(), "j1", "second"), jc.ErrorIsNil)

	got, err := s.store.Job(context.Background(), "j1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Status, gc.Equals, coremigration.StatusRolledBack)
	// No additional deletions, just a recorded no-op.
	c.Check(s.session.deletedServers, gc.HasLen, deletedServers)
	last := got.Rollback.Actions[len(got.Rollback.Actions)-1]
	c.Check(last.Action, gc.Equals, "rollback")
	c.Check(last.Outcome, gc.Equals, coremigration.OutcomeNoop)
}

func (s *rollbackSuite) TestNilSessionRecordsNoops(c *gc.C) {
	s.failedJob(c)
	rb, err := migration.NewRollbacker(s.store, nil, clock.WallClock)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(rb.Rollback(context.Background(), "j1", "no cloud configured"), jc.ErrorIsNil)

	got, err := s.store.Job(context.Background(), "j1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Status, gc.Equals, coremigration.StatusRolledBack)
	c.Check(got.Rollback.Actions[0].Outcome, gc.Equals, coremigration.OutcomeNoop)
	c.Check(got.Rollback.Actions[1].Outcome, gc.Equals, coremigration.OutcomeNoop)
	// Local artifacts are still cleaned up.
	c.Check(got.Rollback.Actions[2].Outcome, gc.Equals, coremigration.OutcomeDeleted)
}

func (s *rollbackSuite) TestPartialJobRollsBackWhatExists(c *gc.C) {
	// Failed during convert: nothing in the cloud, no artifacts.
	s.store.addJob(coremigration.Job{
		ID:     "j2",
		Status: coremigration.StatusFailed,
		StageMetadata: coremigration.StageMetadata{
			coremigration.StageDiscover: {"cpu": 2},
		},
	})
	err := s.rollbacker(c).Rollback(context.Background(), "j2", "convert failed")
	c.Assert(err, jc.ErrorIsNil)

	got, err := s.store.Job(context.Background(), "j2")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Status, gc.Equals, coremigration.StatusRolledBack)
	c.Check(got.Rollback.Actions, gc.HasLen, 0)
	c.Check(s.session.deletedServers, gc.HasLen, 0)
	c.Check(s.session.deletedImages, gc.HasLen, 0)
}
