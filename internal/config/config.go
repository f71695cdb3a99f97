// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config defines the explicit configuration object handed to
// every pipeline component at construction time. Nothing in the
// pipeline reads ambient process-wide state; feature gates, timeouts
// and credentials all travel through this struct.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	coremigration "github.com/amineammari/vm-migrator/core/migration"
)

// Config is the full configuration surface of the migrator.
type Config struct {
	// DataDir holds the job store database.
	DataDir string `yaml:"data-dir"`

	// OutputDir receives converted disk artifacts. The per-job output
	// path is deterministic under this directory, which is what makes
	// the convert stage's idempotency re-check possible.
	OutputDir string `yaml:"output-dir"`

	// APIAddr is the HTTP API listen address.
	APIAddr string `yaml:"api-addr"`

	// Workers bounds pipeline concurrency.
	Workers int `yaml:"workers"`

	// QueueVisibilityTimeout is how long a claimed work item stays
	// invisible before it is redelivered to another worker.
	QueueVisibilityTimeout time.Duration `yaml:"queue-visibility-timeout"`

	// QueueMaxRedeliveries bounds redelivery of a single work item.
	QueueMaxRedeliveries int `yaml:"queue-max-redeliveries"`

	// Feature gates. A disabled stage still advances the state machine
	// but records that it was skipped by policy.
	EnableConversion        bool `yaml:"enable-conversion"`
	EnableAnsibleConversion bool `yaml:"enable-ansible-conversion"`
	EnableDeployment        bool `yaml:"enable-deployment"`
	EnableRollback          bool `yaml:"enable-rollback"`
	EnableProvisioning      bool `yaml:"enable-provisioning"`
	AllowQueuedProvisioning bool `yaml:"allow-queued-provisioning"`

	// OutputDiskFormat is the target format for converted disks.
	OutputDiskFormat string `yaml:"output-disk-format"`

	// Per-stage timeouts and the transient-error retry policy.
	ConvertTimeout     time.Duration `yaml:"convert-timeout"`
	UploadTimeout      time.Duration `yaml:"upload-timeout"`
	VerifyTimeout      time.Duration `yaml:"verify-timeout"`
	VerifyPollInterval time.Duration `yaml:"verify-poll-interval"`
	APIRetryAttempts   int           `yaml:"api-retry-attempts"`
	APIRetryDelay      time.Duration `yaml:"api-retry-delay"`

	VMware    VMwareConfig    `yaml:"vmware"`
	OpenStack OpenStackConfig `yaml:"openstack"`
	Ansible   AnsibleConfig   `yaml:"ansible"`
	Terraform TerraformConfig `yaml:"terraform"`
}

// VMwareConfig configures the discovery clients.
type VMwareConfig struct {
	Host     string `yaml:"host"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Port     int    `yaml:"port"`
	Insecure bool   `yaml:"insecure"`

	// WorkstationPaths are directories scanned for .vmx files.
	WorkstationPaths []string `yaml:"workstation-paths"`

	// RequireNoSnapshots refuses ESXi conversion for VMs carrying
	// snapshots.
	RequireNoSnapshots bool `yaml:"require-no-snapshots"`
}

// OpenStackConfig configures the cloud client.
type OpenStackConfig struct {
	AuthURL     string `yaml:"auth-url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ProjectName string `yaml:"project-name"`
	DomainName  string `yaml:"domain-name"`
	Region      string `yaml:"region"`

	// FlavorID pins the boot flavor; when empty the deploy stage maps
	// the discovered VM shape onto the smallest fitting flavor.
	FlavorID string `yaml:"flavor-id"`

	// NetworkID/NetworkName preselect the boot network; when both are
	// empty the deploy stage picks the first non-external network.
	NetworkID   string `yaml:"network-id"`
	NetworkName string `yaml:"network-name"`
}

// AnsibleConfig configures the remote-execution conversion path.
type AnsibleConfig struct {
	Binary    string        `yaml:"binary"`
	Playbook  string        `yaml:"playbook"`
	Inventory string        `yaml:"inventory"`
	Limit     string        `yaml:"limit"`
	Timeout   time.Duration `yaml:"timeout"`
}

// TerraformConfig configures the out-of-band infra provisioning run.
type TerraformConfig struct {
	Binary     string            `yaml:"binary"`
	WorkingDir string            `yaml:"working-dir"`
	Timeout    time.Duration     `yaml:"timeout"`
	Vars       map[string]string `yaml:"vars"`
}

// Default returns the configuration used when no file value overrides
// it. Defaults mirror a conservative dry-run setup: no real conversion,
// no cloud calls, rollback on.
func Default() Config {
	return Config{
		DataDir:                "/var/lib/vm-migrator",
		OutputDir:              "/var/lib/vm-migrator/images",
		APIAddr:                ":8080",
		Workers:                2,
		QueueVisibilityTimeout: 15 * time.Minute,
		QueueMaxRedeliveries:   3,
		EnableRollback:         true,
		OutputDiskFormat:       "qcow2",
		ConvertTimeout:         2 * time.Hour,
		UploadTimeout:          15 * time.Minute,
		VerifyTimeout:          15 * time.Minute,
		VerifyPollInterval:     10 * time.Second,
		APIRetryAttempts:       3,
		APIRetryDelay:          3 * time.Second,
		VMware: VMwareConfig{
			Port:               443,
			Insecure:           true,
			RequireNoSnapshots: true,
		},
		Ansible: AnsibleConfig{
			Binary:  "ansible-playbook",
			Timeout: 2 * time.Hour,
		},
		Terraform: TerraformConfig{
			Binary:  "terraform",
			Timeout: 30 * time.Minute,
		},
	}
}

// Read loads a YAML config file over the defaults.
func Read(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Annotatef(err, "reading config %q", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Annotatef(err, "parsing config %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

// Validate returns an error if the configuration cannot drive the
// pipeline.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.NotValidf("empty data-dir")
	}
	if c.OutputDir == "" {
		return errors.NotValidf("empty output-dir")
	}
	if c.Workers < 1 {
		return errors.NotValidf("workers %d", c.Workers)
	}
	if c.QueueVisibilityTimeout <= 0 {
		return errors.NotValidf("queue-visibility-timeout %s", c.QueueVisibilityTimeout)
	}
	if c.QueueMaxRedeliveries < 1 {
		return errors.NotValidf("queue-max-redeliveries %d", c.QueueMaxRedeliveries)
	}
	switch c.OutputDiskFormat {
	case "qcow2", "raw":
	default:
		return errors.NotValidf("output-disk-format %q", c.OutputDiskFormat)
	}
	if c.VerifyPollInterval <= 0 {
		return errors.NotValidf("verify-poll-interval %s", c.VerifyPollInterval)
	}
	if c.APIRetryAttempts < 1 {
		return errors.NotValidf("api-retry-attempts %d", c.APIRetryAttempts)
	}
	if c.EnableAnsibleConversion {
		if c.Ansible.Playbook == "" {
			return errors.NotValidf("ansible conversion enabled with empty playbook")
		}
		if c.Ansible.Inventory == "" {
			return errors.NotValidf("ansible conversion enabled with empty inventory")
		}
	}
	if c.EnableProvisioning && c.Terraform.WorkingDir == "" {
		return errors.NotValidf("provisioning enabled with empty terraform working-dir")
	}
	if c.EnableDeployment && c.OpenStack.AuthURL == "" {
		return errors.NotValidf("deployment enabled with empty openstack auth-url")
	}
	return nil
}

// JobOutputPath is the deterministic artifact path for one converted
// disk of a job.
func (c Config) JobOutputPath(jobID, vmName string, diskIndex int) string {
	name := fmt.Sprintf("%s-disk%d.%s", coremigration.SanitizeName(vmName), diskIndex, c.OutputDiskFormat)
	return filepath.Join(c.OutputDir, "job-"+jobID, name)
}

// JobTempDir is the per-job scratch directory; rollback removes it.
func (c Config) JobTempDir(jobID string) string {
	return filepath.Join(c.OutputDir, "tmp", "job-"+jobID)
}
