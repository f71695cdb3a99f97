// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package migration

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"

	coremigration "github.com/amineammari/vm-migrator/core/migration"
	"github.com/amineammari/vm-migrator/internal/queue"
	"github.com/amineammari/vm-migrator/internal/state"
)

// stageForStatus names the stage that runs a job out of each active
// status.
var stageForStatus = map[coremigration.Status]string{
	coremigration.StatusPending:    coremigration.StageDiscover,
	coremigration.StatusDiscovered: coremigration.StageConvert,
	coremigration.StatusConverting: coremigration.StageUpload,
	coremigration.StatusUploading:  coremigration.StageDeploy,
	coremigration.StatusDeployed:   coremigration.StageVerify,
}

// successStatus is where a job lands when the stage run out of a
// status succeeds.
var successStatus = map[coremigration.Status]coremigration.Status{
	coremigration.StatusPending:    coremigration.StatusDiscovered,
	coremigration.StatusDiscovered: coremigration.StatusConverting,
	coremigration.StatusConverting: coremigration.StatusUploading,
	coremigration.StatusUploading:  coremigration.StatusDeployed,
	coremigration.StatusDeployed:   coremigration.StatusVerified,
}

// Enqueuer is the queue surface the orchestrator needs.
type Enqueuer interface {
	Enqueue(task queue.Task) error
}

// OrchestratorConfig holds the orchestrator's collaborators.
type OrchestratorConfig struct {
	Store          Store
	Queue          Enqueuer
	Executors      []StageExecutor
	Clock          clock.Clock
	EnableRollback bool
}

// Validate is part of the worker config convention.
func (c OrchestratorConfig) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Queue == nil {
		return errors.NotValidf("nil Queue")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	seen := make(map[string]bool)
	for _, e := range c.Executors {
		seen[e.Stage()] = true
	}
	for _, stage := range stageForStatus {
		if !seen[stage] {
			return errors.NotValidf("missing executor for stage %q", stage)
		}
	}
	return nil
}

// Orchestrator advances jobs through the pipeline one stage at a
// time. Step is safe under duplicate delivery: the status
// compare-and-set in the store means exactly one of two racing steps
// takes effect and the other becomes a no-op.
type Orchestrator struct {
	cfg       OrchestratorConfig
	executors map[string]StageExecutor
}

// NewOrchestrator returns an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	executors := make(map[string]StageExecutor)
	for _, e := range cfg.Executors {
		executors[e.Stage()] = e
	}
	return &Orchestrator{cfg: cfg, executors: executors}, nil
}

// Step runs the next stage of the job. It returns an error only for
// infrastructure trouble (store unreachable); stage failures are
// handled by moving the job to FAILED and, when enabled, queueing a
// rollback.
func (o *Orchestrator) Step(ctx context.Context, jobID string) error {
	job, err := o.cfg.Store.Job(ctx, jobID)
	if err != nil {
		return errors.Trace(err)
	}
	stage, ok := stageForStatus[job.Status]
	if !ok {
		// Terminal or FAILED jobs have nothing to advance; a stale
		// redelivery lands here.
		logger.Debugf("job %q in %s, nothing to do", jobID, job.Status)
		return nil
	}

	attempt, err := o.cfg.Store.IncrementAttempt(ctx, jobID)
	if err != nil {
		return errors.Trace(err)
	}
	executor := o.executors[stage]
	logger.Infof("job %q: running %s (attempt %d)", jobID, stage, attempt)
	result, runErr := executor.Run(ctx, job)

	// A stage's metadata lands in one write, with the error folded in
	// on failure, so a redelivered task never sees a half-written
	// stage record.
	metadata := result.Metadata
	if runErr != nil {
		if metadata == nil {
			metadata = make(map[string]interface{})
		}
		metadata["error"] = truncateOutput(runErr.Error())
	}
	if len(metadata) > 0 {
		if err := o.cfg.Store.MergeStageMetadata(ctx, jobID, stage, metadata); err != nil {
			return errors.Trace(err)
		}
	}
	if runErr != nil {
		return o.failed(ctx, job, stage, runErr)
	}

	next := successStatus[job.Status]
	if err := o.cfg.Store.Transition(ctx, jobID, job.Status, next); err != nil {
		if errors.Is(err, state.ErrStatusChanged) {
			logger.Infof("job %q moved underfoot after %s, dropping duplicate step", jobID, stage)
			return nil
		}
		return errors.Trace(err)
	}
	logger.Infof("job %q: %s done, now %s", jobID, stage, next)

	if next == coremigration.StatusVerified {
		return nil
	}
	return errors.Trace(o.cfg.Queue.Enqueue(queue.Task{
		Kind:  queue.KindAdvance,
		JobID: jobID,
	}))
}

// failed moves the job to FAILED and queues rollback when enabled.
func (o *Orchestrator) failed(ctx context.Context, job coremigration.Job, stage string, runErr error) error {
	logger.Errorf("job %q: %s failed: %v", job.ID, stage, runErr)
	if err := o.cfg.Store.Transition(ctx, job.ID, job.Status, coremigration.StatusFailed); err != nil {
		if errors.Is(err, state.ErrStatusChanged) {
			logger.Infof("job %q moved underfoot while failing %s, dropping duplicate step", job.ID, stage)
			return nil
		}
		return errors.Trace(err)
	}
	if !o.cfg.EnableRollback {
		return nil
	}
	return errors.Trace(o.cfg.Queue.Enqueue(queue.Task{
		Kind:   queue.KindRollback,
		JobID:  job.ID,
		Reason: stage + " failed: " + runErr.Error(),
	}))
}
