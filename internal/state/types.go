// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"encoding/json"
	"time"

	"github.com/juju/errors"

	coremigration "github.com/amineammari/vm-migrator/core/migration"
)

type dbJob struct {
	ID            string    `db:"id"`
	VMName        string    `db:"vm_name"`
	Source        string    `db:"source"`
	Status        string    `db:"status"`
	Active        bool      `db:"active"`
	Attempt       int       `db:"attempt"`
	StageMetadata string    `db:"stage_metadata"`
	Rollback      string    `db:"rollback"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (j dbJob) toCore() (coremigration.Job, error) {
	status, err := coremigration.ParseStatus(j.Status)
	if err != nil {
		return coremigration.Job{}, errors.Trace(err)
	}
	source, err := coremigration.ParseSource(j.Source)
	if err != nil {
		return coremigration.Job{}, errors.Trace(err)
	}
	job := coremigration.Job{
		ID:        j.ID,
		VMName:    j.VMName,
		Source:    source,
		Status:    status,
		Attempt:   j.Attempt,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
	if j.StageMetadata != "" {
		if err := json.Unmarshal([]byte(j.StageMetadata), &job.StageMetadata); err != nil {
			return coremigration.Job{}, errors.Annotatef(err, "decoding stage metadata for job %q", j.ID)
		}
	}
	if j.Rollback != "" {
		var rb coremigration.RollbackMetadata
		if err := json.Unmarshal([]byte(j.Rollback), &rb); err != nil {
			return coremigration.Job{}, errors.Annotatef(err, "decoding rollback metadata for job %q", j.ID)
		}
		job.Rollback = &rb
	}
	return job, nil
}

type dbDiscoveredVM struct {
	Name       string    `db:"name"`
	Source     string    `db:"source"`
	CPU        int       `db:"cpu"`
	RAMMB      int       `db:"ram_mb"`
	PowerState string    `db:"power_state"`
	Disks      string    `db:"disks"`
	Metadata   string    `db:"metadata"`
	LastSeen   time.Time `db:"last_seen"`
}

func (v dbDiscoveredVM) toCore() (coremigration.VMDescriptor, error) {
	source, err := coremigration.ParseSource(v.Source)
	if err != nil {
		return coremigration.VMDescriptor{}, errors.Trace(err)
	}
	desc := coremigration.VMDescriptor{
		Name:       v.Name,
		Source:     source,
		CPU:        v.CPU,
		RAMMB:      v.RAMMB,
		PowerState: v.PowerState,
		LastSeen:   v.LastSeen,
	}
	if v.Disks != "" {
		if err := json.Unmarshal([]byte(v.Disks), &desc.Disks); err != nil {
			return coremigration.VMDescriptor{}, errors.Annotatef(err, "decoding disks for vm %q", v.Name)
		}
	}
	if v.Metadata != "" {
		if err := json.Unmarshal([]byte(v.Metadata), &desc.Metadata); err != nil {
			return coremigration.VMDescriptor{}, errors.Annotatef(err, "decoding metadata for vm %q", v.Name)
		}
	}
	return desc, nil
}

type dbTask struct {
	ID        string    `db:"id"`
	Kind      string    `db:"kind"`
	JobID     string    `db:"job_id"`
	Status    string    `db:"status"`
	Error     string    `db:"error"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// TaskRecord is the persisted view of one unit of background work,
// exposed for API polling.
type TaskRecord struct {
	ID        string
	Kind      string
	JobID     string
	Status    string
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Task statuses visible to API clients.
const (
	TaskStatusQueued    = "QUEUED"
	TaskStatusRunning   = "RUNNING"
	TaskStatusSucceeded = "SUCCEEDED"
	TaskStatusFailed    = "FAILED"
)

func (t dbTask) toRecord() TaskRecord {
	return TaskRecord(t)
}
