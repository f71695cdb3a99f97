// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package migration holds the central data model of the migration
// pipeline: the job record, its status state machine, the discovery
// inventory descriptor, and typed views over the open stage metadata
// mapping.
package migration

import (
	"regexp"
	"time"

	"github.com/juju/errors"
)

// Source identifies the platform a VM was discovered on.
type Source string

const (
	// SourceWorkstation is a local VMware Workstation/Fusion install,
	// discovered by scanning for .vmx files.
	SourceWorkstation Source = "workstation"

	// SourceESXi is an ESXi or vCenter endpoint, discovered over the
	// vSphere API.
	SourceESXi Source = "esxi"
)

// ParseSource validates a raw source string.
func ParseSource(raw string) (Source, error) {
	switch s := Source(raw); s {
	case SourceWorkstation, SourceESXi:
		return s, nil
	}
	return "", errors.NotValidf("vm source %q", raw)
}

// Stage names, keying the per-stage sub-maps of a job's stage metadata.
const (
	StageDiscover = "discover"
	StageConvert  = "convert"
	StageUpload   = "upload"
	StageDeploy   = "deploy"
	StageVerify   = "verify"
)

// Job is one VM migration: a durable audit record that is created
// once, advanced through the status state machine by the pipeline, and
// never deleted.
type Job struct {
	// ID uniquely identifies the job. Immutable.
	ID string

	// VMName and Source identify the originating VM; together they are
	// the natural idempotency key for job creation.
	VMName string
	Source Source

	// Status is the job's current state-machine state.
	Status Status

	// Attempt counts how many times a work item for this job has been
	// delivered, including queue redeliveries.
	Attempt int

	// StageMetadata accumulates structured output per stage. Each
	// stage writes only its own sub-key.
	StageMetadata StageMetadata

	// Rollback records compensating actions, when rollback has run.
	Rollback *RollbackMetadata

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StageMetadata is the open, schema-less per-stage metadata mapping.
// It is append-only per stage: merging a stage's values replaces only
// that stage's own sub-key, never a sibling's.
type StageMetadata map[string]map[string]interface{}

// Merge returns a copy of m with the given stage sub-key replaced.
func (m StageMetadata) Merge(stage string, values map[string]interface{}) StageMetadata {
	out := make(StageMetadata, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[stage] = values
	return out
}

// Stage returns the sub-map for a stage, which may be nil.
func (m StageMetadata) Stage(stage string) map[string]interface{} {
	return m[stage]
}

// RollbackMetadata records when and why a job was rolled back, and
// every compensating action taken. Actions grow monotonically: a
// repeated rollback appends its (no-op) outcomes rather than rewriting
// history.
type RollbackMetadata struct {
	StartedAt time.Time        `json:"started_at"`
	Reason    string           `json:"reason"`
	Actions   []RollbackAction `json:"actions"`
}

// RollbackAction is one compensating action. Outcome "not_found" means
// the resource was already gone, which rollback treats as success.
type RollbackAction struct {
	Action  string `json:"action"`
	Target  string `json:"target"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// Rollback action outcomes.
const (
	OutcomeDeleted  = "deleted"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
	OutcomeNoop     = "noop"
)

// VMDescriptor is a VM found by a discovery client, upserted into the
// inventory keyed by (name, source).
type VMDescriptor struct {
	Name       string
	Source     Source
	CPU        int
	RAMMB      int
	Disks      []DiskDescriptor
	PowerState string
	Metadata   map[string]interface{}
	LastSeen   time.Time
}

// DiskDescriptor describes one source disk of a discovered VM.
type DiskDescriptor struct {
	Path      string `json:"path,omitempty"`
	Label     string `json:"label,omitempty"`
	SizeBytes int64  `json:"size_bytes"`
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeName renders a VM name safe for use in file names and cloud
// resource names. Deterministic, so repeated runs for the same job
// produce the same artifact and resource names.
func SanitizeName(name string) string {
	clean := unsafeNameChars.ReplaceAllString(name, "-")
	for len(clean) > 0 && (clean[0] == '-' || clean[0] == '.' || clean[0] == '_') {
		clean = clean[1:]
	}
	for len(clean) > 0 {
		last := clean[len(clean)-1]
		if last != '-' && last != '.' && last != '_' {
			break
		}
		clean = clean[:len(clean)-1]
	}
	if clean == "" {
		return "vm"
	}
	return clean
}
