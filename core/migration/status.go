// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package migration

import (
	"github.com/juju/errors"
)

// Status is the lifecycle state of a migration job. Jobs move through
// the success path states in strict order; FAILED and ROLLED_BACK form
// the failure path.
type Status string

const (
	// StatusPending indicates the job has been created but no stage has run.
	StatusPending Status = "PENDING"

	// StatusDiscovered indicates the source VM was resolved from the
	// discovery inventory.
	StatusDiscovered Status = "DISCOVERED"

	// StatusConverting indicates the disk conversion stage has completed and
	// the artifact is ready for upload.
	StatusConverting Status = "CONVERTING"

	// StatusUploading indicates the converted image has been uploaded to the
	// cloud image service.
	StatusUploading Status = "UPLOADING"

	// StatusDeployed indicates an instance was booted from the uploaded image.
	StatusDeployed Status = "DEPLOYED"

	// StatusVerified indicates the booted instance reached an active state.
	// Terminal.
	StatusVerified Status = "VERIFIED"

	// StatusFailed indicates a stage failed. If rollback is enabled the job
	// proceeds to ROLLED_BACK, otherwise FAILED is terminal until a
	// manual rollback is requested.
	StatusFailed Status = "FAILED"

	// StatusRolledBack indicates compensating actions have been issued for
	// every completed stage. Terminal.
	StatusRolledBack Status = "ROLLED_BACK"
)

// transitions holds the legal edges of the job state machine. Rollback
// may be triggered from any non-terminal state, so every non-terminal
// status lists ROLLED_BACK as a target.
var transitions = map[Status][]Status{
	StatusPending:    {StatusDiscovered, StatusFailed, StatusRolledBack},
	StatusDiscovered: {StatusConverting, StatusFailed, StatusRolledBack},
	StatusConverting: {StatusUploading, StatusFailed, StatusRolledBack},
	StatusUploading:  {StatusDeployed, StatusFailed, StatusRolledBack},
	StatusDeployed:   {StatusVerified, StatusFailed, StatusRolledBack},
	StatusVerified:   {},
	StatusFailed:     {StatusRolledBack},
	StatusRolledBack: {},
}

// ActiveStatuses returns the set of statuses in which a job blocks the
// creation of another job for the same (vm name, source) pair.
func ActiveStatuses() []Status {
	return []Status{StatusPending, StatusDiscovered, StatusConverting, StatusUploading, StatusDeployed}
}

// ParseStatus converts a stored string into a Status, failing on
// unknown values rather than propagating them silently.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if _, ok := transitions[s]; !ok {
		return "", errors.NotValidf("job status %q", raw)
	}
	return s, nil
}

// CanTransitionTo reports whether the state machine permits moving
// from s to target.
func (s Status) CanTransitionTo(target Status) bool {
	for _, t := range transitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further automatic transition occurs
// from s. FAILED is not terminal here: the rollback coordinator may
// still move the job to ROLLED_BACK.
func (s Status) IsTerminal() bool {
	return s == StatusVerified || s == StatusRolledBack
}

// IsActive reports whether s counts against the one-active-job-per-VM
// constraint.
func (s Status) IsActive() bool {
	for _, a := range ActiveStatuses() {
		if s == a {
			return true
		}
	}
	return false
}

func (s Status) String() string {
	return string(s)
}
