// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package migration

import (
	"context"
	"os"

	"github.com/juju/clock"
	"github.com/juju/errors"

	coremigration "github.com/amineammari/vm-migrator/core/migration"
	"github.com/amineammari/vm-migrator/internal/openstack"
	"github.com/amineammari/vm-migrator/internal/state"
)

// Rollbacker tears down everything a job created, in reverse creation
// order: server, volumes, images, then local artifacts. A resource that is
// already gone counts as success, so rollback can run any number of
// times. The job always ends ROLLED_BACK, even when some deletions
// fail; the per-action outcomes record what needs manual attention.
type Rollbacker struct {
	store   Store
	session openstack.Session
	clock   clock.Clock
}

// NewRollbacker returns a rollback coordinator. The session may be nil
// when no cloud is configured; cloud actions are then recorded as
// no-ops.
func NewRollbacker(store Store, session openstack.Session, clk clock.Clock) (*Rollbacker, error) {
	if store == nil {
		return nil, errors.NotValidf("nil store")
	}
	if clk == nil {
		return nil, errors.NotValidf("nil clock")
	}
	return &Rollbacker{store: store, session: session, clock: clk}, nil
}

// Rollback runs the compensation for one job.
func (r *Rollbacker) Rollback(ctx context.Context, jobID, reason string) error {
	job, err := r.store.Job(ctx, jobID)
	if err != nil {
		return errors.Trace(err)
	}
	if job.Status == coremigration.StatusVerified {
		return errors.Errorf("job %q is VERIFIED; refusing to roll back a completed migration", jobID)
	}
	if job.Status == coremigration.StatusRolledBack {
		// Duplicate delivery after a finished rollback.
		logger.Infof("job %q already rolled back", jobID)
		rb := coremigration.RollbackMetadata{StartedAt: r.clock.Now().UTC(), Reason: reason}
		if job.Rollback != nil {
			rb = *job.Rollback
		}
		rb.Actions = append(rb.Actions, coremigration.RollbackAction{
			Action:  "rollback",
			Target:  jobID,
			Outcome: coremigration.OutcomeNoop,
		})
		return errors.Trace(r.store.SetRollback(ctx, jobID, rb))
	}

	rb := coremigration.RollbackMetadata{
		StartedAt: r.clock.Now().UTC(),
		Reason:    reason,
	}
	if job.Rollback != nil {
		// A redelivered rollback keeps the record of the earlier run
		// and appends to it; actions only ever accumulate.
		rb = *job.Rollback
	}
	rb.Actions = append(rb.Actions, r.deleteServer(ctx, job)...)
	rb.Actions = append(rb.Actions, r.deleteVolumes(ctx, job)...)
	rb.Actions = append(rb.Actions, r.deleteImages(ctx, job)...)
	rb.Actions = append(rb.Actions, r.deleteArtifacts(job)...)

	if err := r.store.SetRollback(ctx, jobID, rb); err != nil {
		return errors.Trace(err)
	}

	// The job lands in ROLLED_BACK no matter what was happening
	// concurrently, short of another rollback finishing first.
	for {
		current, err := r.store.Job(ctx, jobID)
		if err != nil {
			return errors.Trace(err)
		}
		if current.Status == coremigration.StatusRolledBack {
			return nil
		}
		err = r.store.Transition(ctx, jobID, current.Status, coremigration.StatusRolledBack)
		if errors.Is(err, state.ErrStatusChanged) {
			continue
		}
		if err != nil {
			return errors.Trace(err)
		}
		logger.Infof("job %q rolled back (%s)", jobID, reason)
		return nil
	}
}

func (r *Rollbacker) deleteServer(ctx context.Context, job coremigration.Job) []coremigration.RollbackAction {
	deploy, err := job.DeployResult()
	if err != nil || deploy.Skipped || (deploy.ServerID == "" && deploy.ServerName == "") {
		return nil
	}
	action := coremigration.RollbackAction{Action: "delete_server", Target: deploy.ServerID}
	if r.session == nil {
		action.Outcome = coremigration.OutcomeNoop
		return []coremigration.RollbackAction{action}
	}
	id := deploy.ServerID
	if id == "" {
		server, err := r.session.FindServerByName(ctx, deploy.ServerName)
		if errors.Is(err, errors.NotFound) {
			action.Target = deploy.ServerName
			action.Outcome = coremigration.OutcomeNotFound
			return []coremigration.RollbackAction{action}
		}
		if err != nil {
			action.Outcome = coremigration.OutcomeError
			action.Error = err.Error()
			return []coremigration.RollbackAction{action}
		}
		id = server.ID
		action.Target = id
	}
	switch err := r.session.DeleteServer(ctx, id); {
	case err == nil:
		action.Outcome = coremigration.OutcomeDeleted
	case errors.Is(err, errors.NotFound):
		action.Outcome = coremigration.OutcomeNotFound
	default:
		action.Outcome = coremigration.OutcomeError
		action.Error = err.Error()
	}
	return []coremigration.RollbackAction{action}
}

func (r *Rollbacker) deleteVolumes(ctx context.Context, job coremigration.Job) []coremigration.RollbackAction {
	deploy, err := job.DeployResult()
	if err != nil || deploy.Skipped {
		return nil
	}
	var actions []coremigration.RollbackAction
	for _, id := range deploy.VolumeIDs {
		action := coremigration.RollbackAction{Action: "delete_volume", Target: id}
		if r.session == nil {
			action.Outcome = coremigration.OutcomeNoop
			actions = append(actions, action)
			continue
		}
		switch err := r.session.DeleteVolume(ctx, id); {
		case err == nil:
			action.Outcome = coremigration.OutcomeDeleted
		case errors.Is(err, errors.NotFound):
			action.Outcome = coremigration.OutcomeNotFound
		default:
			action.Outcome = coremigration.OutcomeError
			action.Error = err.Error()
		}
		actions = append(actions, action)
	}
	return actions
}

func (r *Rollbacker) deleteImages(ctx context.Context, job coremigration.Job) []coremigration.RollbackAction {
	upload, err := job.UploadResult()
	if err != nil || upload.Skipped {
		return nil
	}
	ids := upload.ImageIDs
	if len(ids) == 0 && upload.ImageID != "" {
		ids = []string{upload.ImageID}
	}
	var actions []coremigration.RollbackAction
	for _, id := range ids {
		action := coremigration.RollbackAction{Action: "delete_image", Target: id}
		if r.session == nil {
			action.Outcome = coremigration.OutcomeNoop
			actions = append(actions, action)
			continue
		}
		switch err := r.session.DeleteImage(ctx, id); {
		case err == nil:
			action.Outcome = coremigration.OutcomeDeleted
		case errors.Is(err, errors.NotFound):
			action.Outcome = coremigration.OutcomeNotFound
		default:
			action.Outcome = coremigration.OutcomeError
			action.Error = err.Error()
		}
		actions = append(actions, action)
	}
	return actions
}

func (r *Rollbacker) deleteArtifacts(job coremigration.Job) []coremigration.RollbackAction {
	conv, err := job.ConversionResult()
	if err != nil || conv.Skipped {
		return nil
	}
	var actions []coremigration.RollbackAction
	paths := conv.OutputPaths
	if len(paths) == 0 && conv.OutputPath != "" {
		paths = []string{conv.OutputPath}
	}
	for _, path := range paths {
		action := coremigration.RollbackAction{Action: "delete_file", Target: path}
		switch err := os.Remove(path); {
		case err == nil:
			action.Outcome = coremigration.OutcomeDeleted
		case os.IsNotExist(err):
			action.Outcome = coremigration.OutcomeNotFound
		default:
			action.Outcome = coremigration.OutcomeError
			action.Error = err.Error()
		}
		actions = append(actions, action)
	}
	for _, dir := range conv.TempDirs {
		action := coremigration.RollbackAction{Action: "delete_dir", Target: dir}
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			action.Outcome = coremigration.OutcomeNotFound
		} else if err := os.RemoveAll(dir); err != nil {
			action.Outcome = coremigration.OutcomeError
			action.Error = err.Error()
		} else {
			action.Outcome = coremigration.OutcomeDeleted
		}
		actions = append(actions, action)
	}
	return actions
}
