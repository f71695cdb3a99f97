// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package migrationworker runs the pool of workers draining the task
// queue. Each worker claims one task at a time and dispatches on its
// kind; a task is acked only after its handler returns, so a worker
// dying mid-task leaves the task to be redelivered.
package migrationworker

import (
	"context"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/amineammari/vm-migrator/internal/queue"
	"github.com/amineammari/vm-migrator/internal/state"
)

var logger = loggo.GetLogger("vmmigrator.worker.migrationworker")

// Stepper advances a migration job by one stage.
type Stepper interface {
	Step(ctx context.Context, jobID string) error
}

// Rollbacker tears down what a failed job created.
type Rollbacker interface {
	Rollback(ctx context.Context, jobID, reason string) error
}

// Refresher re-reads the source inventories.
type Refresher interface {
	RefreshInventory(ctx context.Context) error
}

// Provisioner applies the target infrastructure definition.
type Provisioner interface {
	Apply(ctx context.Context) (map[string]interface{}, error)
}

// TaskStore records the progress of API-requested tasks.
type TaskStore interface {
	SetTaskStatus(ctx context.Context, id, status, errMsg string) error
}

// Config holds the collaborators of the worker pool.
type Config struct {
	Queue       *queue.Queue
	Tasks       TaskStore
	Stepper     Stepper
	Rollbacker  Rollbacker
	Refresher   Refresher
	Provisioner Provisioner
	Clock       clock.Clock
	Workers     int
}

// Validate is part of the worker config convention. Provisioner may be
// nil; provision tasks then fail rather than the pool refusing to
// start.
func (c Config) Validate() error {
	if c.Queue == nil {
		return errors.NotValidf("nil Queue")
	}
	if c.Tasks == nil {
		return errors.NotValidf("nil Tasks")
	}
	if c.Stepper == nil {
		return errors.NotValidf("nil Stepper")
	}
	if c.Rollbacker == nil {
		return errors.NotValidf("nil Rollbacker")
	}
	if c.Refresher == nil {
		return errors.NotValidf("nil Refresher")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Workers < 1 {
		return errors.NotValidf("Workers %d", c.Workers)
	}
	return nil
}

type poolWorker struct {
	catacomb catacomb.Catacomb
	cfg      Config
}

// NewWorker starts the pool and returns it.
func NewWorker(cfg Config) (worker.Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &poolWorker{cfg: cfg}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *poolWorker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *poolWorker) Wait() error {
	return w.catacomb.Wait()
}

func (w *poolWorker) loop() error {
	ctx := w.catacomb.Context(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.claimLoop(ctx, id)
		}(i)
	}
	wg.Wait()

	select {
	case <-w.catacomb.Dying():
		return w.catacomb.ErrDying()
	default:
		// All claim loops exited without the catacomb dying; the queue
		// was closed under us.
		return errors.Trace(queue.ErrQueueClosed)
	}
}

func (w *poolWorker) claimLoop(ctx context.Context, id int) {
	for {
		delivery, err := w.cfg.Queue.Claim(ctx)
		if errors.Is(err, queue.ErrQueueClosed) || errors.Is(err, context.Canceled) {
			logger.Debugf("worker %d stopping: %v", id, err)
			return
		}
		if err != nil {
			logger.Errorf("worker %d claim failed: %v", id, err)
			return
		}
		task := delivery.Task
		logger.Debugf("worker %d claimed %s task for job %q (delivery %d)",
			id, task.Kind, task.JobID, task.Attempt)

		if err := w.run(ctx, task); err != nil {
			logger.Errorf("worker %d: %s task for job %q failed: %v",
				id, task.Kind, task.JobID, err)
			delivery.Nack()
			continue
		}
		delivery.Ack()
	}
}

// run dispatches one task, keeping its task record current when the
// task was requested through the API.
func (w *poolWorker) run(ctx context.Context, task queue.Task) error {
	w.setTaskStatus(ctx, task, state.TaskStatusRunning, "")
	err := w.dispatch(ctx, task)
	if err != nil {
		w.setTaskStatus(ctx, task, state.TaskStatusFailed, err.Error())
		return errors.Trace(err)
	}
	w.setTaskStatus(ctx, task, state.TaskStatusSucceeded, "")
	return nil
}

func (w *poolWorker) dispatch(ctx context.Context, task queue.Task) error {
	switch task.Kind {
	case queue.KindAdvance:
		return errors.Trace(w.cfg.Stepper.Step(ctx, task.JobID))
	case queue.KindRollback:
		return errors.Trace(w.cfg.Rollbacker.Rollback(ctx, task.JobID, task.Reason))
	case queue.KindDiscover:
		return errors.Trace(w.cfg.Refresher.RefreshInventory(ctx))
	case queue.KindProvision:
		if w.cfg.Provisioner == nil {
			return errors.NotSupportedf("provisioning")
		}
		outputs, err := w.cfg.Provisioner.Apply(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		logger.Infof("provisioning applied, %d outputs", len(outputs))
		return nil
	default:
		return errors.NotValidf("task kind %q", task.Kind)
	}
}

func (w *poolWorker) setTaskStatus(ctx context.Context, task queue.Task, status, errMsg string) {
	if task.ID == "" {
		return
	}
	if err := w.cfg.Tasks.SetTaskStatus(ctx, task.ID, status, errMsg); err != nil {
		logger.Warningf("recording task %q as %s: %v", task.ID, status, err)
	}
}
