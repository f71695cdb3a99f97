// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package migration

import (
	"encoding/json"

	"github.com/juju/errors"
)

// The stage metadata mapping stays schema-less in storage, but code
// reading it back goes through these typed views so shape drift shows
// up as a decode error instead of a silent nil.

// DiscoveryResult is the typed view of the discover stage's metadata.
type DiscoveryResult struct {
	Source     string `json:"source"`
	CPU        int    `json:"cpu"`
	RAMMB      int    `json:"ram_mb"`
	PowerState string `json:"power_state"`
	DiskCount  int    `json:"disk_count"`
}

// ConversionResult is the typed view of the convert stage's metadata.
type ConversionResult struct {
	Skipped          bool     `json:"skipped,omitempty"`
	SkipReason       string   `json:"skip_reason,omitempty"`
	Reused           bool     `json:"reused,omitempty"`
	Mode             string   `json:"mode"`
	Runner           string   `json:"runner,omitempty"`
	Command          string   `json:"command,omitempty"`
	ReturnCode       int      `json:"return_code"`
	DurationSeconds  float64  `json:"duration_seconds"`
	Stdout           string   `json:"stdout,omitempty"`
	Stderr           string   `json:"stderr,omitempty"`
	TimedOut         bool     `json:"timed_out,omitempty"`
	OutputPath       string   `json:"output_path,omitempty"`
	OutputPaths      []string `json:"output_paths,omitempty"`
	PrimaryDiskIndex int      `json:"primary_disk_index"`
	OutputDiskFormat string   `json:"output_disk_format,omitempty"`
	TempDirs         []string `json:"temp_dirs,omitempty"`
}

// UploadResult is the typed view of the upload stage's metadata.
type UploadResult struct {
	Skipped    bool     `json:"skipped,omitempty"`
	SkipReason string   `json:"skip_reason,omitempty"`
	Reused     bool     `json:"reused,omitempty"`
	ImageID    string   `json:"image_id,omitempty"`
	ImageIDs   []string `json:"image_ids,omitempty"`
	ImageName  string   `json:"image_name,omitempty"`
}

// DeployResult is the typed view of the deploy stage's metadata.
type DeployResult struct {
	Skipped     bool     `json:"skipped,omitempty"`
	SkipReason  string   `json:"skip_reason,omitempty"`
	Reused      bool     `json:"reused,omitempty"`
	ServerID    string   `json:"server_id,omitempty"`
	ServerName  string   `json:"server_name,omitempty"`
	FlavorID    string   `json:"flavor_id,omitempty"`
	FlavorName  string   `json:"flavor_name,omitempty"`
	NetworkID   string   `json:"network_id,omitempty"`
	NetworkName string   `json:"network_name,omitempty"`
	VolumeIDs   []string `json:"volume_ids,omitempty"`
	FixedIP     string   `json:"fixed_ip,omitempty"`
}

// VerifyResult is the typed view of the verify stage's metadata.
type VerifyResult struct {
	Skipped      bool   `json:"skipped,omitempty"`
	SkipReason   string `json:"skip_reason,omitempty"`
	ServerStatus string `json:"server_status,omitempty"`
	VerifiedAt   string `json:"verified_at,omitempty"`
}

func decodeStage(m StageMetadata, stage string, out interface{}) error {
	sub := m.Stage(stage)
	if sub == nil {
		return errors.NotFoundf("metadata for stage %q", stage)
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		return errors.Trace(err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Annotatef(err, "decoding %q stage metadata", stage)
	}
	return nil
}

// DiscoveryResult decodes the discover stage metadata, or a not found
// error if the stage has not run.
func (j *Job) DiscoveryResult() (DiscoveryResult, error) {
	var r DiscoveryResult
	err := decodeStage(j.StageMetadata, StageDiscover, &r)
	return r, errors.Trace(err)
}

// ConversionResult decodes the convert stage metadata.
func (j *Job) ConversionResult() (ConversionResult, error) {
	var r ConversionResult
	err := decodeStage(j.StageMetadata, StageConvert, &r)
	return r, errors.Trace(err)
}

// UploadResult decodes the upload stage metadata.
func (j *Job) UploadResult() (UploadResult, error) {
	var r UploadResult
	err := decodeStage(j.StageMetadata, StageUpload, &r)
	return r, errors.Trace(err)
}

// DeployResult decodes the deploy stage metadata.
func (j *Job) DeployResult() (DeployResult, error) {
	var r DeployResult
	err := decodeStage(j.StageMetadata, StageDeploy, &r)
	return r, errors.Trace(err)
}

// VerifyResult decodes the verify stage metadata.
func (j *Job) VerifyResult() (VerifyResult, error) {
	var r VerifyResult
	err := decodeStage(j.StageMetadata, StageVerify, &r)
	return r, errors.Trace(err)
}
