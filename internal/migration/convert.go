// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package migration

import (
	"context"
	"os"

	"github.com/juju/errors"

	coremigration "github.com/amineammari/vm-migrator/core/migration"
	"github.com/amineammari/vm-migrator/internal/ansible"
	"github.com/amineammari/vm-migrator/internal/cmdrunner"
	"github.com/amineammari/vm-migrator/internal/config"
)

// ConvertExecutor turns source disks into cloud-bootable images on
// local disk, either in-process (qemu-img, virt-v2v) or by delegating
// to an ansible playbook on a conversion host.
type ConvertExecutor struct {
	cfg     config.Config
	store   Store
	runner  cmdrunner.Runner
	ansible *ansible.Runner
}

// NewConvertExecutor returns a convert executor. The ansible runner
// may be nil when the ansible path is disabled.
func NewConvertExecutor(cfg config.Config, store Store, runner cmdrunner.Runner, ans *ansible.Runner) (*ConvertExecutor, error) {
	if store == nil {
		return nil, errors.NotValidf("nil store")
	}
	if runner == nil {
		return nil, errors.NotValidf("nil runner")
	}
	if cfg.EnableAnsibleConversion && ans == nil {
		return nil, errors.NotValidf("ansible conversion enabled with nil ansible runner")
	}
	return &ConvertExecutor{cfg: cfg, store: store, runner: runner, ansible: ans}, nil
}

// Stage is part of StageExecutor.
func (e *ConvertExecutor) Stage() string {
	return coremigration.StageConvert
}

// Run is part of StageExecutor.
func (e *ConvertExecutor) Run(ctx context.Context, job coremigration.Job) (StageResult, error) {
	if !e.cfg.EnableConversion && !e.cfg.EnableAnsibleConversion {
		logger.Infof("conversion disabled, passing job %q through", job.ID)
		return StageResult{Metadata: map[string]interface{}{
			"skipped":     true,
			"skip_reason": "conversion disabled by configuration",
		}}, nil
	}

	vm, err := e.store.DiscoveredVM(ctx, job.VMName, job.Source)
	if err != nil {
		return StageResult{}, errors.Annotate(err, "loading discovered vm")
	}

	if e.cfg.EnableAnsibleConversion {
		return e.runAnsible(ctx, job, vm)
	}
	return e.runLocal(ctx, job, vm)
}

// runLocal renders the conversion plan and executes it in-process.
func (e *ConvertExecutor) runLocal(ctx context.Context, job coremigration.Job, vm coremigration.VMDescriptor) (StageResult, error) {
	plan, err := PlanConversion(e.cfg, job, vm)
	if err != nil {
		return StageResult{}, errors.Trace(err)
	}

	// A redelivered task finds the artifacts of the earlier run.
	if allExist(plan.OutputPaths) {
		logger.Infof("artifacts for job %q already present, reusing", job.ID)
		return StageResult{Metadata: map[string]interface{}{
			"reused":             true,
			"mode":               plan.Mode,
			"output_path":        plan.OutputPaths[0],
			"output_paths":       asInterfaces(plan.OutputPaths),
			"primary_disk_index": 0,
			"output_disk_format": e.cfg.OutputDiskFormat,
		}}, nil
	}

	if job.Source == coremigration.SourceWorkstation {
		if err := ValidateWorkstationPaths(vm, plan.OutputDir); err != nil {
			return StageResult{}, errors.Trace(err)
		}
	}

	if err := os.MkdirAll(plan.OutputDir, 0o755); err != nil {
		return StageResult{}, errors.Annotate(err, "creating output dir")
	}

	var lastResult cmdrunner.Result
	var lastCommand string
	for _, command := range plan.Commands {
		lastCommand = command
		result, err := e.runner.Run(ctx, cmdrunner.Params{
			Commands: command,
			Timeout:  e.cfg.ConvertTimeout,
		})
		lastResult = result
		if errors.Is(err, cmdrunner.ErrTimedOut) {
			return StageResult{Metadata: map[string]interface{}{
				"mode":      plan.Mode,
				"command":   command,
				"timed_out": true,
				"stdout":    truncateOutput(result.Stdout),
				"stderr":    truncateOutput(result.Stderr),
			}}, errors.Annotatef(err, "converting vm %q", vm.Name)
		}
		if err != nil {
			return StageResult{}, errors.Annotatef(err, "running conversion for vm %q", vm.Name)
		}
		if result.Code != 0 {
			return StageResult{Metadata: map[string]interface{}{
				"mode":        plan.Mode,
				"command":     command,
				"return_code": result.Code,
				"stdout":      truncateOutput(result.Stdout),
				"stderr":      truncateOutput(result.Stderr),
			}}, errors.Errorf("conversion of vm %q exited %d", vm.Name, result.Code)
		}
	}

	return StageResult{Metadata: map[string]interface{}{
		"mode":               plan.Mode,
		"command":            lastCommand,
		"return_code":        0,
		"duration_seconds":   lastResult.Duration.Seconds(),
		"stdout":             truncateOutput(lastResult.Stdout),
		"stderr":             truncateOutput(lastResult.Stderr),
		"output_path":        plan.OutputPaths[0],
		"output_paths":       asInterfaces(plan.OutputPaths),
		"primary_disk_index": 0,
		"output_disk_format": e.cfg.OutputDiskFormat,
		"temp_dirs":          []interface{}{e.cfg.JobTempDir(job.ID)},
	}}, nil
}

// runAnsible delegates the conversion to a playbook. The playbook is
// expected to be idempotent, so duplicate deliveries simply rerun it.
func (e *ConvertExecutor) runAnsible(ctx context.Context, job coremigration.Job, vm coremigration.VMDescriptor) (StageResult, error) {
	plan, err := PlanConversion(e.cfg, job, vm)
	if err != nil {
		return StageResult{}, errors.Trace(err)
	}

	sources := make([]string, 0, len(vm.Disks))
	for _, d := range vm.Disks {
		sources = append(sources, d.Path)
	}
	result, err := e.ansible.Run(ctx, map[string]interface{}{
		"job_id":        job.ID,
		"vm_name":       vm.Name,
		"source":        string(job.Source),
		"source_disks":  sources,
		"output_paths":  plan.OutputPaths,
		"output_format": e.cfg.OutputDiskFormat,
	})
	if errors.Is(err, cmdrunner.ErrTimedOut) {
		return StageResult{Metadata: map[string]interface{}{
			"mode":      "ansible",
			"runner":    "ansible-playbook",
			"timed_out": true,
			"stdout":    truncateOutput(result.Stdout),
			"stderr":    truncateOutput(result.Stderr),
		}}, errors.Annotatef(err, "ansible conversion of vm %q", vm.Name)
	}
	if err != nil {
		return StageResult{}, errors.Trace(err)
	}
	if result.Code != 0 {
		return StageResult{Metadata: map[string]interface{}{
			"mode":        "ansible",
			"runner":      "ansible-playbook",
			"return_code": result.Code,
			"stdout":      truncateOutput(result.Stdout),
			"stderr":      truncateOutput(result.Stderr),
		}}, errors.Errorf("ansible conversion of vm %q exited %d", vm.Name, result.Code)
	}
	return StageResult{Metadata: map[string]interface{}{
		"mode":               "ansible",
		"runner":             "ansible-playbook",
		"return_code":        0,
		"duration_seconds":   result.Duration.Seconds(),
		"stdout":             truncateOutput(result.Stdout),
		"stderr":             truncateOutput(result.Stderr),
		"output_path":        plan.OutputPaths[0],
		"output_paths":       asInterfaces(plan.OutputPaths),
		"primary_disk_index": 0,
		"output_disk_format": e.cfg.OutputDiskFormat,
	}}, nil
}

func allExist(paths []string) bool {
	if len(paths) == 0 {
		return false
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func asInterfaces(ss []string) []interface{} {
	out := make([]interface{}, 0, len(ss))
	for _, s := range ss {
		out = append(out, s)
	}
	return out
}
