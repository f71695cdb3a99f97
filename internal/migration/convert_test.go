// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package migration_test

import (
	"context"
	"os"
	"path/filepath"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	coremigration "github.com/amineammari/vm-migrator/core/migration"
	"github.com/amineammari/vm-migrator/internal/ansible"
	"github.com/amineammari/vm-migrator/internal/cmdrunner"
	"github.com/amineammari/vm-migrator/internal/config"
	"github.com/amineammari/vm-migrator/internal/migration"
)

type convertSuite struct {
	cfg    config.Config
	store  *memStore
	runner *recordingRunner
}

var _ = gc.Suite(&convertSuite{})

func (s *convertSuite) SetUpTest(c *gc.C) {
	s.cfg = config.Default()
	s.cfg.OutputDir = c.MkDir()
	s.cfg.EnableConversion = true
	s.store = newMemStore()
	s.runner = &recordingRunner{}
}

func (s *convertSuite) job() coremigration.Job {
	return coremigration.Job{
		ID:     "j1",
		VMName: "web-01",
		Source: coremigration.SourceWorkstation,
		Status: coremigration.StatusDiscovered,
	}
}

func (s *convertSuite) seedVM(c *gc.C) {
	disk := filepath.Join(c.MkDir(), "web-01.vmdk")
	c.Assert(os.WriteFile(disk, []byte("vmdk"), 0o644), jc.ErrorIsNil)
	vm := coremigration.VMDescriptor{
		Name:       "web-01",
		Source:     coremigration.SourceWorkstation,
		PowerState: "off",
		Disks:      []coremigration.DiskDescriptor{{Path: disk}},
	}
	c.Assert(s.store.UpsertDiscoveredVM(context.Background(), vm), jc.ErrorIsNil)
}

func (s *convertSuite) TestPolicySkip(c *gc.C) {
	s.cfg.EnableConversion = false
	exec, err := migration.NewConvertExecutor(s.cfg, s.store, s.runner, nil)
	c.Assert(err, jc.ErrorIsNil)

	result, err := exec.Run(context.Background(), s.job())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Metadata["skipped"], gc.Equals, true)
	c.Check(result.Metadata["skip_reason"], gc.Equals, "conversion disabled by configuration")
	c.Check(s.runner.params, gc.HasLen, 0)
}

func (s *convertSuite) TestConvertRunsQemuImg(c *gc.C) {
	s.seedVM(c)
	exec, err := migration.NewConvertExecutor(s.cfg, s.store, s.runner, nil)
	c.Assert(err, jc.ErrorIsNil)

	result, err := exec.Run(context.Background(), s.job())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Metadata["mode"], gc.Equals, "qemu-img")
	c.Check(result.Metadata["return_code"], gc.Equals, 0)
	c.Assert(s.runner.params, gc.HasLen, 1)
	c.Check(s.runner.params[0].Commands, gc.Matches, "qemu-img convert .*")
	c.Check(s.runner.params[0].Timeout, gc.Equals, s.cfg.ConvertTimeout)

	// The output directory was created for the tool.
	_, statErr := os.Stat(filepath.Join(s.cfg.OutputDir, "job-j1"))
	c.Check(statErr, jc.ErrorIsNil)
}

func (s *convertSuite) TestRedeliveryReusesArtifacts(c *gc.C) {
	s.seedVM(c)
	// Artifact left behind by a previous delivery of the same task.
	dir := filepath.Join(s.cfg.OutputDir, "job-j1")
	c.Assert(os.MkdirAll(dir, 0o755), jc.ErrorIsNil)
	c.Assert(os.WriteFile(filepath.Join(dir, "web-01-disk0.qcow2"), []byte("img"), 0o644), jc.ErrorIsNil)

	exec, err := migration.NewConvertExecutor(s.cfg, s.store, s.runner, nil)
	c.Assert(err, jc.ErrorIsNil)

	result, err := exec.Run(context.Background(), s.job())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Metadata["reused"], gc.Equals, true)
	c.Check(s.runner.params, gc.HasLen, 0)
}

func (s *convertSuite) TestMissingSourceDiskFailsBeforeRunning(c *gc.C) {
	vm := coremigration.VMDescriptor{
		Name:       "web-01",
		Source:     coremigration.SourceWorkstation,
		PowerState: "off",
		Disks:      []coremigration.DiskDescriptor{{Path: "/srv/vms/web-01.vmdk"}},
	}
	c.Assert(s.store.UpsertDiscoveredVM(context.Background(), vm), jc.ErrorIsNil)
	exec, err := migration.NewConvertExecutor(s.cfg, s.store, s.runner, nil)
	c.Assert(err, jc.ErrorIsNil)

	_, err = exec.Run(context.Background(), s.job())
	c.Check(err, jc.Satisfies, errors.IsNotFound)
	c.Check(err, gc.ErrorMatches, `disk 0 of vm "web-01": "/srv/vms/web-01.vmdk" not found`)
	// The tool was never invoked.
	c.Check(s.runner.params, gc.HasLen, 0)
}

func (s *convertSuite) TestToolFailureCapturesOutput(c *gc.C) {
	s.seedVM(c)
	s.runner.results = []cmdrunner.Result{{Code: 1, Stderr: "cannot open source"}}
	exec, err := migration.NewConvertExecutor(s.cfg, s.store, s.runner, nil)
	c.Assert(err, jc.ErrorIsNil)

	result, err := exec.Run(context.Background(), s.job())
	c.Check(err, gc.ErrorMatches, `conversion of vm "web-01" exited 1`)
	c.Check(result.Metadata["return_code"], gc.Equals, 1)
	c.Check(result.Metadata["stderr"], gc.Equals, "cannot open source")
}

func (s *convertSuite) TestTimeoutReported(c *gc.C) {
	s.seedVM(c)
	s.runner.err = errors.Annotatef(cmdrunner.ErrTimedOut, "after 2h0m0s")
	exec, err := migration.NewConvertExecutor(s.cfg, s.store, s.runner, nil)
	c.Assert(err, jc.ErrorIsNil)

	result, err := exec.Run(context.Background(), s.job())
	c.Check(err, jc.ErrorIs, cmdrunner.ErrTimedOut)
	c.Check(result.Metadata["timed_out"], gc.Equals, true)
}

func (s *convertSuite) TestMissingDiscoveryFails(c *gc.C) {
	exec, err := migration.NewConvertExecutor(s.cfg, s.store, s.runner, nil)
	c.Assert(err, jc.ErrorIsNil)

	_, err = exec.Run(context.Background(), s.job())
	c.Check(err, jc.Satisfies, errors.IsNotFound)
}

func (s *convertSuite) TestAnsiblePath(c *gc.C) {
	s.seedVM(c)
	s.cfg.EnableConversion = false
	s.cfg.EnableAnsibleConversion = true
	s.cfg.Ansible.Playbook = "convert.yml"
	s.cfg.Ansible.Inventory = "hosts.ini"

	ans, err := ansible.NewRunner(s.cfg.Ansible, s.runner)
	c.Assert(err, jc.ErrorIsNil)
	exec, err := migration.NewConvertExecutor(s.cfg, s.store, s.runner, ans)
	c.Assert(err, jc.ErrorIsNil)

	result, err := exec.Run(context.Background(), s.job())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Metadata["mode"], gc.Equals, "ansible")
	c.Check(result.Metadata["runner"], gc.Equals, "ansible-playbook")
	c.Assert(s.runner.params, gc.HasLen, 1)
	c.Check(s.runner.params[0].Commands, gc.Matches, "ansible-playbook -i hosts.ini --extra-vars .*convert.yml")
}

func (s *convertSuite) TestAnsibleEnabledRequiresRunner(c *gc.C) {
	s.cfg.EnableAnsibleConversion = true
	_, err := migration.NewConvertExecutor(s.cfg, s.store, s.runner, nil)
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}
