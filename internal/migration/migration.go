// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package migration contains the stage executors, the orchestrator
// driving jobs through them, and the rollback coordinator. Every stage
// tolerates duplicate delivery: before doing real work it checks for
// artifacts left by an earlier run of the same job and reuses them.
package migration

import (
	"context"

	"github.com/juju/loggo/v2"

	coremigration "github.com/amineammari/vm-migrator/core/migration"
	"github.com/amineammari/vm-migrator/internal/state"
)

var logger = loggo.GetLogger("vmmigrator.migration")

// Store is the slice of the job store the pipeline needs.
type Store interface {
	Job(ctx context.Context, id string) (coremigration.Job, error)
	Transition(ctx context.Context, id string, from, to coremigration.Status) error
	IncrementAttempt(ctx context.Context, id string) (int, error)
	MergeStageMetadata(ctx context.Context, id, stage string, values map[string]interface{}) error
	SetRollback(ctx context.Context, id string, rb coremigration.RollbackMetadata) error
	UpsertDiscoveredVM(ctx context.Context, vm coremigration.VMDescriptor) error
	DiscoveredVM(ctx context.Context, name string, source coremigration.Source) (coremigration.VMDescriptor, error)
}

var _ Store = (*state.Store)(nil)

// StageResult carries what a finished stage learned. The metadata is
// merged into the job's record for that stage.
type StageResult struct {
	Metadata map[string]interface{}
}

// StageExecutor runs one stage of a job. Run returning an error means
// the stage failed and the job goes to FAILED; a skip decided by
// policy is a success with skip markers in the metadata.
type StageExecutor interface {
	// Stage names the stage this executor runs.
	Stage() string

	// Run executes the stage for the job.
	Run(ctx context.Context, job coremigration.Job) (StageResult, error)
}

// truncateOutput bounds captured tool output stored in job metadata.
const maxCapturedOutput = 12000

func truncateOutput(s string) string {
	if len(s) <= maxCapturedOutput {
		return s
	}
	return s[:maxCapturedOutput] + "... [truncated]"
}

// ResourceName is the deterministic name given to the cloud resources
// a job creates. The upload and deploy stages find their own earlier
// image or server by this name when a task is redelivered.
func ResourceName(job coremigration.Job) string {
	return "vm-migrator-" + job.ID + "-" + coremigration.SanitizeName(job.VMName)
}
