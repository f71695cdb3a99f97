// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package migration

import (
	"context"
	"fmt"
	"os"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	coremigration "github.com/amineammari/vm-migrator/core/migration"
	"github.com/amineammari/vm-migrator/internal/config"
	"github.com/amineammari/vm-migrator/internal/openstack"
)

// UploadExecutor pushes converted disk artifacts into glance. When the
// convert stage was skipped by policy the original source disks are
// uploaded as-is, as vmdk.
type UploadExecutor struct {
	cfg     config.Config
	store   Store
	session openstack.Session
	clock   clock.Clock
}

// NewUploadExecutor returns an upload executor. The session may be
// nil when deployment is disabled; the stage then passes jobs through
// without touching glance.
func NewUploadExecutor(cfg config.Config, store Store, session openstack.Session, clk clock.Clock) (*UploadExecutor, error) {
	if store == nil {
		return nil, errors.NotValidf("nil store")
	}
	if cfg.EnableDeployment && session == nil {
		return nil, errors.NotValidf("deployment enabled with nil session")
	}
	if clk == nil {
		return nil, errors.NotValidf("nil clock")
	}
	return &UploadExecutor{cfg: cfg, store: store, session: session, clock: clk}, nil
}

// Stage is part of StageExecutor.
func (e *UploadExecutor) Stage() string {
	return coremigration.StageUpload
}

// imageNameFor names the image carrying one disk of the job. The
// primary disk takes the bare resource name.
func imageNameFor(job coremigration.Job, index int) string {
	if index == 0 {
		return ResourceName(job)
	}
	return fmt.Sprintf("%s-disk%d", ResourceName(job), index)
}

// Run is part of StageExecutor.
func (e *UploadExecutor) Run(ctx context.Context, job coremigration.Job) (StageResult, error) {
	if !e.cfg.EnableDeployment {
		logger.Infof("deployment disabled, passing job %q through", job.ID)
		return StageResult{Metadata: map[string]interface{}{
			"skipped":     true,
			"skip_reason": "deployment disabled by configuration",
		}}, nil
	}

	paths, format, err := e.artifacts(ctx, job)
	if err != nil {
		return StageResult{}, errors.Trace(err)
	}

	imageIDs := make([]interface{}, 0, len(paths))
	reusedAll := true
	for i, path := range paths {
		name := imageNameFor(job, i)

		// A redelivered task finds the image of the earlier run.
		if img, err := e.session.FindImageByName(ctx, name); err == nil {
			logger.Infof("image %q already present as %q, reusing", name, img.ID)
			imageIDs = append(imageIDs, img.ID)
			continue
		} else if !errors.Is(err, errors.NotFound) {
			return StageResult{}, errors.Trace(err)
		}
		reusedAll = false

		var img openstack.Image
		err := retry.Call(retry.CallArgs{
			Func: func() error {
				var err error
				img, err = e.session.UploadImage(ctx, name, format, path)
				return errors.Trace(err)
			},
			IsFatalError: uploadErrIsFatal,
			Attempts:     e.cfg.APIRetryAttempts,
			Delay:        e.cfg.APIRetryDelay,
			MaxDuration:  e.cfg.UploadTimeout,
			Clock:        e.clock,
			NotifyFunc: func(err error, attempt int) {
				logger.Warningf("upload of %q attempt %d failed: %v", name, attempt, err)
			},
			Stop: ctx.Done(),
		})
		if err != nil {
			return StageResult{}, errors.Annotatef(err, "uploading image %q", name)
		}
		imageIDs = append(imageIDs, img.ID)
	}

	return StageResult{Metadata: map[string]interface{}{
		"reused":     reusedAll,
		"image_id":   imageIDs[0],
		"image_ids":  imageIDs,
		"image_name": imageNameFor(job, 0),
	}}, nil
}

// artifacts resolves what to upload: converted outputs when present,
// otherwise the original source disks.
func (e *UploadExecutor) artifacts(ctx context.Context, job coremigration.Job) ([]string, string, error) {
	conv, err := job.ConversionResult()
	if err != nil {
		return nil, "", errors.Annotate(err, "job has no conversion record")
	}
	if !conv.Skipped {
		paths := conv.OutputPaths
		if len(paths) == 0 && conv.OutputPath != "" {
			paths = []string{conv.OutputPath}
		}
		if len(paths) == 0 {
			return nil, "", errors.NotValidf("conversion record with no artifacts")
		}
		return paths, conv.OutputDiskFormat, nil
	}

	vm, err := e.store.DiscoveredVM(ctx, job.VMName, job.Source)
	if err != nil {
		return nil, "", errors.Annotate(err, "loading discovered vm for raw upload")
	}
	if job.Source != coremigration.SourceWorkstation {
		return nil, "", errors.NotSupportedf("raw upload from %q", job.Source)
	}
	paths := make([]string, 0, len(vm.Disks))
	for _, d := range vm.Disks {
		paths = append(paths, d.Path)
	}
	if len(paths) == 0 {
		return nil, "", errors.NotValidf("vm %q with no disks", vm.Name)
	}
	logger.Infof("conversion was skipped, uploading source disks of %q as vmdk", vm.Name)
	return paths, "vmdk", nil
}

// uploadErrIsFatal reports errors no retry can cure: a missing or
// unreadable disk file, or a request the cloud rejected outright.
func uploadErrIsFatal(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return true
	}
	return errors.Is(err, errors.NotValid) ||
		errors.Is(err, errors.NotSupported) ||
		errors.Is(err, errors.BadRequest) ||
		errors.Is(err, errors.Forbidden) ||
		errors.Is(err, errors.Unauthorized)
}
