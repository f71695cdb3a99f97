// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state persists migration jobs, discovered VM inventory and
// task records in SQLite. The store is the single authority on job
// status: every transition is a compare-and-set against the status the
// caller last observed, and the one-active-job-per-VM rule is enforced
// by a partial unique index rather than by code.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/canonical/sqlair"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/mattn/go-sqlite3"

	coremigration "github.com/amineammari/vm-migrator/core/migration"
)

// ErrStatusChanged reports that a compare-and-set transition lost the
// race: the job is no longer in the status the caller observed.
const ErrStatusChanged = errors.ConstError("job status changed")

const schema = `
CREATE TABLE IF NOT EXISTS migration_job (
    id             TEXT PRIMARY KEY,
    vm_name        TEXT NOT NULL,
    source         TEXT NOT NULL,
    status         TEXT NOT NULL,
    active         BOOLEAN NOT NULL,
    attempt        INTEGER NOT NULL DEFAULT 0,
    stage_metadata TEXT NOT NULL DEFAULT '{}',
    rollback       TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMP NOT NULL,
    updated_at     TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_migration_job_active
    ON migration_job (vm_name, source) WHERE active = 1;

CREATE TABLE IF NOT EXISTS discovered_vm (
    name        TEXT NOT NULL,
    source      TEXT NOT NULL,
    cpu         INTEGER NOT NULL,
    ram_mb      INTEGER NOT NULL,
    power_state TEXT NOT NULL,
    disks       TEXT NOT NULL DEFAULT '[]',
    metadata    TEXT NOT NULL DEFAULT '{}',
    last_seen   TIMESTAMP NOT NULL,
    PRIMARY KEY (name, source)
);

CREATE TABLE IF NOT EXISTS task (
    id         TEXT PRIMARY KEY,
    kind       TEXT NOT NULL,
    job_id     TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL,
    error      TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// Store is the SQLite-backed job store.
type Store struct {
	db    *sqlair.DB
	clock clock.Clock
}

// Open creates the database file under dataDir if needed, applies the
// schema and returns a ready store.
func Open(dataDir string, clk clock.Clock) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Annotate(err, "creating data dir")
	}
	path := filepath.Join(dataDir, "migrator.db")
	plain, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_fk=1")
	if err != nil {
		return nil, errors.Annotatef(err, "opening database %q", path)
	}
	if _, err := plain.Exec(schema); err != nil {
		_ = plain.Close()
		return nil, errors.Annotate(err, "applying schema")
	}
	return &Store{db: sqlair.NewDB(plain), clock: clk}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return errors.Trace(s.db.PlainDB().Close())
}

// CreateOrSkip creates a new PENDING job for the given VM, unless an
// active job for the same (vm name, source) pair already exists, in
// which case that job is returned with created=false. Concurrent
// creators race on the partial unique index; exactly one wins.
func (s *Store) CreateOrSkip(ctx context.Context, vmName string, source coremigration.Source) (coremigration.Job, bool, error) {
	now := s.clock.Now().UTC()
	row := dbJob{
		ID:            uuid.New().String(),
		VMName:        vmName,
		Source:        string(source),
		Status:        string(coremigration.StatusPending),
		Active:        true,
		StageMetadata: "{}",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	stmt, err := sqlair.Prepare(`
INSERT INTO migration_job (id, vm_name, source, status, active, attempt, stage_metadata, rollback, created_at, updated_at)
VALUES ($dbJob.id, $dbJob.vm_name, $dbJob.source, $dbJob.status, $dbJob.active, $dbJob.attempt, $dbJob.stage_metadata, $dbJob.rollback, $dbJob.created_at, $dbJob.updated_at)`, dbJob{})
	if err != nil {
		return coremigration.Job{}, false, errors.Trace(err)
	}
	err = s.db.Query(ctx, stmt, row).Run()
	if isUniqueViolation(err) {
		existing, err := s.ActiveJob(ctx, vmName, source)
		if err != nil {
			return coremigration.Job{}, false, errors.Trace(err)
		}
		return existing, false, nil
	}
	if err != nil {
		return coremigration.Job{}, false, errors.Annotatef(err, "creating job for vm %q", vmName)
	}
	job, err := row.toCore()
	return job, true, errors.Trace(err)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) &&
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// Job returns the job with the given id.
func (s *Store) Job(ctx context.Context, id string) (coremigration.Job, error) {
	arg := dbJob{ID: id}
	stmt, err := sqlair.Prepare(`
SELECT &dbJob.* FROM migration_job WHERE id = $dbJob.id`, dbJob{})
	if err != nil {
		return coremigration.Job{}, errors.Trace(err)
	}
	var row dbJob
	if err := s.db.Query(ctx, stmt, arg).Get(&row); err != nil {
		if errors.Is(err, sqlair.ErrNoRows) {
			return coremigration.Job{}, errors.NotFoundf("job %q", id)
		}
		return coremigration.Job{}, errors.Annotatef(err, "retrieving job %q", id)
	}
	job, err := row.toCore()
	return job, errors.Trace(err)
}

// ActiveJob returns the active job for the (vm name, source) pair.
func (s *Store) ActiveJob(ctx context.Context, vmName string, source coremigration.Source) (coremigration.Job, error) {
	arg := dbJob{VMName: vmName, Source: string(source)}
	stmt, err := sqlair.Prepare(`
SELECT &dbJob.* FROM migration_job
WHERE vm_name = $dbJob.vm_name AND source = $dbJob.source AND active = 1`, dbJob{})
	if err != nil {
		return coremigration.Job{}, errors.Trace(err)
	}
	var row dbJob
	if err := s.db.Query(ctx, stmt, arg).Get(&row); err != nil {
		if errors.Is(err, sqlair.ErrNoRows) {
			return coremigration.Job{}, errors.NotFoundf("active job for vm %q", vmName)
		}
		return coremigration.Job{}, errors.Annotatef(err, "retrieving active job for vm %q", vmName)
	}
	job, err := row.toCore()
	return job, errors.Trace(err)
}

// ListJobs returns all jobs, newest first.
func (s *Store) ListJobs(ctx context.Context) ([]coremigration.Job, error) {
	stmt, err := sqlair.Prepare(`
SELECT &dbJob.* FROM migration_job ORDER BY created_at DESC, id`, dbJob{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var rows []dbJob
	if err := s.db.Query(ctx, stmt).GetAll(&rows); err != nil {
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Annotate(err, "listing jobs")
	}
	jobs := make([]coremigration.Job, 0, len(rows))
	for _, row := range rows {
		job, err := row.toCore()
		if err != nil {
			return nil, errors.Trace(err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Transition moves the job from one status to another, failing with
// ErrStatusChanged when the job is no longer in the expected status.
// The active flag follows the target status.
func (s *Store) Transition(ctx context.Context, id string, from, to coremigration.Status) error {
	if !from.CanTransitionTo(to) {
		return errors.NotValidf("transition %s -> %s", from, to)
	}
	type transitionArgs struct {
		ID        string    `db:"id"`
		From      string    `db:"from_status"`
		To        string    `db:"to_status"`
		Active    bool      `db:"active"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	arg := transitionArgs{
		ID:        id,
		From:      string(from),
		To:        string(to),
		Active:    to.IsActive(),
		UpdatedAt: s.clock.Now().UTC(),
	}
	stmt, err := sqlair.Prepare(`
UPDATE migration_job
SET status = $transitionArgs.to_status,
    active = $transitionArgs.active,
    updated_at = $transitionArgs.updated_at
WHERE id = $transitionArgs.id AND status = $transitionArgs.from_status`, transitionArgs{})
	if err != nil {
		return errors.Trace(err)
	}
	var outcome sqlair.Outcome
	if err := s.db.Query(ctx, stmt, arg).Get(&outcome); err != nil {
		return errors.Annotatef(err, "transitioning job %q", id)
	}
	affected, err := outcome.Result().RowsAffected()
	if err != nil {
		return errors.Trace(err)
	}
	if affected == 0 {
		if _, err := s.Job(ctx, id); err != nil {
			return errors.Trace(err)
		}
		return errors.Annotatef(ErrStatusChanged, "job %q not in %s", id, from)
	}
	return nil
}

// IncrementAttempt bumps the job's attempt counter and returns the new
// value.
func (s *Store) IncrementAttempt(ctx context.Context, id string) (int, error) {
	type bumpArgs struct {
		ID        string    `db:"id"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	arg := bumpArgs{ID: id, UpdatedAt: s.clock.Now().UTC()}
	stmt, err := sqlair.Prepare(`
UPDATE migration_job SET attempt = attempt + 1, updated_at = $bumpArgs.updated_at
WHERE id = $bumpArgs.id`, bumpArgs{})
	if err != nil {
		return 0, errors.Trace(err)
	}
	var outcome sqlair.Outcome
	if err := s.db.Query(ctx, stmt, arg).Get(&outcome); err != nil {
		return 0, errors.Annotatef(err, "bumping attempt for job %q", id)
	}
	affected, err := outcome.Result().RowsAffected()
	if err != nil {
		return 0, errors.Trace(err)
	}
	if affected == 0 {
		return 0, errors.NotFoundf("job %q", id)
	}
	job, err := s.Job(ctx, id)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return job.Attempt, nil
}

// MergeStageMetadata merges the given values into the job's metadata
// for one stage, leaving other stages untouched. The read-modify-write
// runs in a single transaction.
func (s *Store) MergeStageMetadata(ctx context.Context, id, stage string, values map[string]interface{}) error {
	tx, err := s.db.Begin(ctx, nil)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = tx.Rollback() }()

	arg := dbJob{ID: id}
	selectStmt, err := sqlair.Prepare(`
SELECT &dbJob.* FROM migration_job WHERE id = $dbJob.id`, dbJob{})
	if err != nil {
		return errors.Trace(err)
	}
	var row dbJob
	if err := tx.Query(ctx, selectStmt, arg).Get(&row); err != nil {
		if errors.Is(err, sqlair.ErrNoRows) {
			return errors.NotFoundf("job %q", id)
		}
		return errors.Annotatef(err, "retrieving job %q", id)
	}

	var meta coremigration.StageMetadata
	if row.StageMetadata != "" {
		if err := json.Unmarshal([]byte(row.StageMetadata), &meta); err != nil {
			return errors.Annotatef(err, "decoding stage metadata for job %q", id)
		}
	}
	merged, err := json.Marshal(meta.Merge(stage, values))
	if err != nil {
		return errors.Trace(err)
	}

	type metaArgs struct {
		ID        string    `db:"id"`
		Metadata  string    `db:"stage_metadata"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	updateStmt, err := sqlair.Prepare(`
UPDATE migration_job SET stage_metadata = $metaArgs.stage_metadata, updated_at = $metaArgs.updated_at
WHERE id = $metaArgs.id`, metaArgs{})
	if err != nil {
		return errors.Trace(err)
	}
	update := metaArgs{ID: id, Metadata: string(merged), UpdatedAt: s.clock.Now().UTC()}
	if err := tx.Query(ctx, updateStmt, update).Run(); err != nil {
		return errors.Annotatef(err, "updating stage metadata for job %q", id)
	}
	return errors.Trace(tx.Commit())
}

// SetRollback records the rollback report on the job.
func (s *Store) SetRollback(ctx context.Context, id string, rb coremigration.RollbackMetadata) error {
	encoded, err := json.Marshal(rb)
	if err != nil {
		return errors.Trace(err)
	}
	type rollbackArgs struct {
		ID        string    `db:"id"`
		Rollback  string    `db:"rollback"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	arg := rollbackArgs{ID: id, Rollback: string(encoded), UpdatedAt: s.clock.Now().UTC()}
	stmt, err := sqlair.Prepare(`
UPDATE migration_job SET rollback = $rollbackArgs.rollback, updated_at = $rollbackArgs.updated_at
WHERE id = $rollbackArgs.id`, rollbackArgs{})
	if err != nil {
		return errors.Trace(err)
	}
	var outcome sqlair.Outcome
	if err := s.db.Query(ctx, stmt, arg).Get(&outcome); err != nil {
		return errors.Annotatef(err, "recording rollback for job %q", id)
	}
	affected, err := outcome.Result().RowsAffected()
	if err != nil {
		return errors.Trace(err)
	}
	if affected == 0 {
		return errors.NotFoundf("job %q", id)
	}
	return nil
}

// UpsertDiscoveredVM records or refreshes one inventory entry.
func (s *Store) UpsertDiscoveredVM(ctx context.Context, vm coremigration.VMDescriptor) error {
	disks, err := json.Marshal(vm.Disks)
	if err != nil {
		return errors.Trace(err)
	}
	meta, err := json.Marshal(vm.Metadata)
	if err != nil {
		return errors.Trace(err)
	}
	row := dbDiscoveredVM{
		Name:       vm.Name,
		Source:     string(vm.Source),
		CPU:        vm.CPU,
		RAMMB:      vm.RAMMB,
		PowerState: vm.PowerState,
		Disks:      string(disks),
		Metadata:   string(meta),
		LastSeen:   s.clock.Now().UTC(),
	}
	stmt, err := sqlair.Prepare(`
INSERT INTO discovered_vm (name, source, cpu, ram_mb, power_state, disks, metadata, last_seen)
VALUES ($dbDiscoveredVM.name, $dbDiscoveredVM.source, $dbDiscoveredVM.cpu, $dbDiscoveredVM.ram_mb,
        $dbDiscoveredVM.power_state, $dbDiscoveredVM.disks, $dbDiscoveredVM.metadata, $dbDiscoveredVM.last_seen)
ON CONFLICT (name, source) DO UPDATE SET
    cpu = excluded.cpu,
    ram_mb = excluded.ram_mb,
    power_state = excluded.power_state,
    disks = excluded.disks,
    metadata = excluded.metadata,
    last_seen = excluded.last_seen`, dbDiscoveredVM{})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(s.db.Query(ctx, stmt, row).Run(), "upserting vm %q", vm.Name)
}

// DiscoveredVM returns one inventory entry.
func (s *Store) DiscoveredVM(ctx context.Context, name string, source coremigration.Source) (coremigration.VMDescriptor, error) {
	arg := dbDiscoveredVM{Name: name, Source: string(source)}
	stmt, err := sqlair.Prepare(`
SELECT &dbDiscoveredVM.* FROM discovered_vm
WHERE name = $dbDiscoveredVM.name AND source = $dbDiscoveredVM.source`, dbDiscoveredVM{})
	if err != nil {
		return coremigration.VMDescriptor{}, errors.Trace(err)
	}
	var row dbDiscoveredVM
	if err := s.db.Query(ctx, stmt, arg).Get(&row); err != nil {
		if errors.Is(err, sqlair.ErrNoRows) {
			return coremigration.VMDescriptor{}, errors.NotFoundf("vm %q on %s", name, source)
		}
		return coremigration.VMDescriptor{}, errors.Annotatef(err, "retrieving vm %q", name)
	}
	vm, err := row.toCore()
	return vm, errors.Trace(err)
}

// ListDiscoveredVMs returns the inventory, optionally filtered by
// source (empty means all).
func (s *Store) ListDiscoveredVMs(ctx context.Context, source coremigration.Source) ([]coremigration.VMDescriptor, error) {
	query := `SELECT &dbDiscoveredVM.* FROM discovered_vm ORDER BY name`
	args := []any{}
	if source != "" {
		query = `
SELECT &dbDiscoveredVM.* FROM discovered_vm
WHERE source = $dbDiscoveredVM.source ORDER BY name`
		args = append(args, dbDiscoveredVM{Source: string(source)})
	}
	stmt, err := sqlair.Prepare(query, dbDiscoveredVM{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var rows []dbDiscoveredVM
	if err := s.db.Query(ctx, stmt, args...).GetAll(&rows); err != nil {
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Annotate(err, "listing vms")
	}
	vms := make([]coremigration.VMDescriptor, 0, len(rows))
	for _, row := range rows {
		vm, err := row.toCore()
		if err != nil {
			return nil, errors.Trace(err)
		}
		vms = append(vms, vm)
	}
	return vms, nil
}

// CreateTask records a queued unit of background work and returns its
// id for API polling.
func (s *Store) CreateTask(ctx context.Context, kind, jobID string) (TaskRecord, error) {
	now := s.clock.Now().UTC()
	row := dbTask{
		ID:        uuid.New().String(),
		Kind:      kind,
		JobID:     jobID,
		Status:    TaskStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	stmt, err := sqlair.Prepare(`
INSERT INTO task (id, kind, job_id, status, error, created_at, updated_at)
VALUES ($dbTask.id, $dbTask.kind, $dbTask.job_id, $dbTask.status, $dbTask.error, $dbTask.created_at, $dbTask.updated_at)`, dbTask{})
	if err != nil {
		return TaskRecord{}, errors.Trace(err)
	}
	if err := s.db.Query(ctx, stmt, row).Run(); err != nil {
		return TaskRecord{}, errors.Annotate(err, "creating task")
	}
	return row.toRecord(), nil
}

// SetTaskStatus updates a task's status, recording the error message
// for failed tasks.
func (s *Store) SetTaskStatus(ctx context.Context, id, status, errMsg string) error {
	type taskArgs struct {
		ID        string    `db:"id"`
		Status    string    `db:"status"`
		Error     string    `db:"error"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	arg := taskArgs{ID: id, Status: status, Error: errMsg, UpdatedAt: s.clock.Now().UTC()}
	stmt, err := sqlair.Prepare(`
UPDATE task SET status = $taskArgs.status, error = $taskArgs.error, updated_at = $taskArgs.updated_at
WHERE id = $taskArgs.id`, taskArgs{})
	if err != nil {
		return errors.Trace(err)
	}
	var outcome sqlair.Outcome
	if err := s.db.Query(ctx, stmt, arg).Get(&outcome); err != nil {
		return errors.Annotatef(err, "updating task %q", id)
	}
	affected, err := outcome.Result().RowsAffected()
	if err != nil {
		return errors.Trace(err)
	}
	if affected == 0 {
		return errors.NotFoundf("task %q", id)
	}
	return nil
}

// Task returns one task record.
func (s *Store) Task(ctx context.Context, id string) (TaskRecord, error) {
	arg := dbTask{ID: id}
	stmt, err := sqlair.Prepare(`
SELECT &dbTask.* FROM task WHERE id = $dbTask.id`, dbTask{})
	if err != nil {
		return TaskRecord{}, errors.Trace(err)
	}
	var row dbTask
	if err := s.db.Query(ctx, stmt, arg).Get(&row); err != nil {
		if errors.Is(err, sqlair.ErrNoRows) {
			return TaskRecord{}, errors.NotFoundf("task %q", id)
		}
		return TaskRecord{}, errors.Annotatef(err, "retrieving task %q", id)
	}
	return row.toRecord(), nil
}
