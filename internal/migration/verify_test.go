// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package migration_test

import (
	"context"
	"time"

	"github.com/juju/clock"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	coremigration "github.com/amineammari/vm-migrator/core/migration"
	"github.com/amineammari/vm-migrator/internal/config"
	"github.com/amineammari/vm-migrator/internal/migration"
	"github.com/amineammari/vm-migrator/internal/openstack"
)

type verifySuite struct {
	cfg     config.Config
	session *fakeSession
}

var _ = gc.Suite(&verifySuite{})

func (s *verifySuite) SetUpTest(c *gc.C) {
	s.cfg = config.Default()
	s.cfg.EnableDeployment = true
	s.cfg.OpenStack.AuthURL = "https://keystone.example.com:5000/v3"
	s.cfg.VerifyPollInterval = time.Millisecond
	s.cfg.VerifyTimeout = 20 * time.Millisecond
	s.session = newFakeSession()
}

func (s *verifySuite) executor(c *gc.C) *migration.VerifyExecutor {
	exec, err := migration.NewVerifyExecutor(s.cfg, s.session, clock.WallClock)
	c.Assert(err, jc.ErrorIsNil)
	return exec
}

func (s *verifySuite) deployedJob(serverID string) coremigration.Job {
	job := coremigration.Job{
		ID:     "j1",
		VMName: "web-01",
		Source: coremigration.SourceWorkstation,
		Status: coremigration.StatusDeployed,
	}
	job.StageMetadata = coremigration.StageMetadata{}.Merge(coremigration.StageDeploy,
		map[string]interface{}{"server_id": serverID, "server_name": "vm-migrator-j1-web-01"})
	return job
}

func (s *verifySuite) bootServer(c *gc.C, status string) string {
	s.session.bootStatus = status
	id, err := s.session.BootServer(context.Background(), "vm-migrator-j1-web-01", "f2", "img-1", "int")
	c.Assert(err, jc.ErrorIsNil)
	return id
}

func (s *verifySuite) TestActiveServerVerifies(c *gc.C) {
	id := s.bootServer(c, openstack.ServerStatusActive)
	result, err := s.executor(c).Run(context.Background(), s.deployedJob(id))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Metadata["server_status"], gc.Equals, "ACTIVE")
	c.Check(result.Metadata["verified_at"], gc.Not(gc.Equals), "")
}

func (s *verifySuite) TestErrorServerFailsImmediately(c *gc.C) {
	id := s.bootServer(c, openstack.ServerStatusError)
	_, err := s.executor(c).Run(context.Background(), s.deployedJob(id))
	c.Check(err, gc.ErrorMatches, `.*entered ERROR state.*`)
}

func (s *verifySuite) TestBuildServerTimesOut(c *gc.C) {
	id := s.bootServer(c, openstack.ServerStatusBuild)
	result, err := s.executor(c).Run(context.Background(), s.deployedJob(id))
	c.Check(err, gc.ErrorMatches, `server ".*" not ACTIVE after .*`)
	c.Check(result.Metadata["server_status"], gc.Equals, "BUILD")
}

func (s *verifySuite) TestMissingServerFails(c *gc.C) {
	_, err := s.executor(c).Run(context.Background(), s.deployedJob("srv-missing"))
	c.Check(err, gc.ErrorMatches, `verifying server "srv-missing".*`)
}

func (s *verifySuite) TestSkippedDeploySkipsVerify(c *gc.C) {
	job := s.deployedJob("")
	job.StageMetadata = coremigration.StageMetadata{}.Merge(coremigration.StageDeploy,
		map[string]interface{}{"skipped": true, "skip_reason": "deployment disabled by configuration"})
	result, err := s.executor(c).Run(context.Background(), job)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Metadata["skipped"], gc.Equals, true)
}
