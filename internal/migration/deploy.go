// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package migration

import (
	"context"
	"fmt"

	"github.com/juju/errors"

	coremigration "github.com/amineammari/vm-migrator/core/migration"
	"github.com/amineammari/vm-migrator/internal/config"
	"github.com/amineammari/vm-migrator/internal/openstack"
)

// DeployExecutor boots a nova server from the uploaded image, mapping
// the discovered VM shape onto the smallest fitting flavor.
type DeployExecutor struct {
	cfg     config.Config
	session openstack.Session
}

// NewDeployExecutor returns a deploy executor.
func NewDeployExecutor(cfg config.Config, session openstack.Session) (*DeployExecutor, error) {
	if cfg.EnableDeployment && session == nil {
		return nil, errors.NotValidf("deployment enabled with nil session")
	}
	return &DeployExecutor{cfg: cfg, session: session}, nil
}

// Stage is part of StageExecutor.
func (e *DeployExecutor) Stage() string {
	return coremigration.StageDeploy
}

// Run is part of StageExecutor.
func (e *DeployExecutor) Run(ctx context.Context, job coremigration.Job) (StageResult, error) {
	if !e.cfg.EnableDeployment {
		logger.Infof("deployment disabled, passing job %q through", job.ID)
		return StageResult{Metadata: map[string]interface{}{
			"skipped":     true,
			"skip_reason": "deployment disabled by configuration",
		}}, nil
	}

	name := ResourceName(job)

	upload, err := job.UploadResult()
	if err != nil {
		return StageResult{}, errors.Annotate(err, "job has no upload record")
	}
	if upload.ImageID == "" {
		return StageResult{}, errors.NotValidf("upload record with no image")
	}

	// A redelivered task finds the server of the earlier run. The
	// extra-disk volumes are still reconciled; an earlier delivery may
	// have died between boot and attach.
	if server, err := e.session.FindServerByName(ctx, name); err == nil {
		logger.Infof("server %q already present as %q, reusing", name, server.ID)
		volumeIDs, err := e.ensureExtraVolumes(ctx, server.ID, name, upload.ImageIDs)
		if err != nil {
			return StageResult{}, errors.Trace(err)
		}
		return StageResult{Metadata: map[string]interface{}{
			"reused":      true,
			"server_id":   server.ID,
			"server_name": server.Name,
			"volume_ids":  asInterfaces(volumeIDs),
		}}, nil
	} else if !errors.Is(err, errors.NotFound) {
		return StageResult{}, errors.Trace(err)
	}

	disc, err := job.DiscoveryResult()
	if err != nil {
		return StageResult{}, errors.Annotate(err, "job has no discovery record")
	}

	flavor, err := e.pickFlavor(ctx, disc)
	if err != nil {
		return StageResult{}, errors.Trace(err)
	}

	networks, err := e.session.ListNetworks(ctx)
	if err != nil {
		return StageResult{}, errors.Trace(err)
	}
	network, ok := openstack.PickNetwork(networks, e.cfg.OpenStack.NetworkID, e.cfg.OpenStack.NetworkName)
	if !ok {
		return StageResult{}, errors.NotFoundf("usable network")
	}

	serverID, err := e.session.BootServer(ctx, name, flavor.ID, upload.ImageID, network.ID)
	if err != nil {
		return StageResult{}, errors.Annotatef(err, "booting server %q", name)
	}
	volumeIDs, err := e.ensureExtraVolumes(ctx, serverID, name, upload.ImageIDs)
	if err != nil {
		return StageResult{}, errors.Trace(err)
	}
	logger.Infof("booted server %q (%s) flavor %q network %q, %d extra volumes",
		name, serverID, flavor.Name, network.Name, len(volumeIDs))
	return StageResult{Metadata: map[string]interface{}{
		"server_id":    serverID,
		"server_name":  name,
		"flavor_id":    flavor.ID,
		"flavor_name":  flavor.Name,
		"network_id":   network.ID,
		"network_name": network.Name,
		"volume_ids":   asInterfaces(volumeIDs),
	}}, nil
}

// ensureExtraVolumes carries the non-boot disks over: every image
// past the first becomes a cinder volume attached to the server.
// Volumes are found by name on redelivery, and one already in use is
// left alone.
func (e *DeployExecutor) ensureExtraVolumes(ctx context.Context, serverID, name string, imageIDs []string) ([]string, error) {
	if len(imageIDs) < 2 {
		return nil, nil
	}
	volumeIDs := make([]string, 0, len(imageIDs)-1)
	for i, imageID := range imageIDs[1:] {
		volName := fmt.Sprintf("%s-disk%d", name, i+1)
		vol, err := e.session.FindVolumeByName(ctx, volName)
		if errors.Is(err, errors.NotFound) {
			img, err := e.session.Image(ctx, imageID)
			if err != nil {
				return nil, errors.Annotatef(err, "sizing volume for image %q", imageID)
			}
			vol, err = e.session.CreateVolumeFromImage(ctx, volName, imageID, volumeSizeGB(img.SizeBytes))
			if err != nil {
				return nil, errors.Trace(err)
			}
		} else if err != nil {
			return nil, errors.Trace(err)
		}
		if vol.Status != openstack.VolumeStatusInUse {
			if err := e.session.AttachVolume(ctx, serverID, vol.ID); err != nil {
				return nil, errors.Annotatef(err, "attaching volume %q", volName)
			}
		}
		volumeIDs = append(volumeIDs, vol.ID)
	}
	return volumeIDs, nil
}

// volumeSizeGB rounds an image size up to whole gigabytes, never
// below one.
func volumeSizeGB(sizeBytes int64) int {
	gb := int((sizeBytes + (1 << 30) - 1) >> 30)
	if gb < 1 {
		gb = 1
	}
	return gb
}

// pickFlavor honours an explicit flavor-id override, otherwise maps the
// discovered VM shape onto the smallest fitting flavor.
func (e *DeployExecutor) pickFlavor(ctx context.Context, disc coremigration.DiscoveryResult) (openstack.Flavor, error) {
	flavors, err := e.session.ListFlavors(ctx)
	if err != nil {
		return openstack.Flavor{}, errors.Trace(err)
	}
	if id := e.cfg.OpenStack.FlavorID; id != "" {
		for _, f := range flavors {
			if f.ID == id {
				return f, nil
			}
		}
		return openstack.Flavor{}, errors.NotFoundf("configured flavor %q", id)
	}
	flavor, ok := openstack.PickFlavor(flavors, coremigration.VMDescriptor{
		CPU:   disc.CPU,
		RAMMB: disc.RAMMB,
	})
	if !ok {
		return openstack.Flavor{}, errors.NotFoundf(
			"flavor fitting %d vcpus and %d MB", disc.CPU, disc.RAMMB)
	}
	return flavor, nil
}
