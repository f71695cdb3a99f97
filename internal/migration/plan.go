// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package migration

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/juju/utils/v4/du"
	"github.com/kballard/go-shellquote"

	coremigration "github.com/amineammari/vm-migrator/core/migration"
	"github.com/amineammari/vm-migrator/internal/config"
)

// ConversionPlan is the fully rendered set of commands converting one
// VM's disks, plus the artifact paths the commands will produce.
type ConversionPlan struct {
	// Mode is "qemu-img" for local Workstation disks, "virt-v2v" for
	// ESXi guests pulled over the wire.
	Mode string

	Commands []string

	// OutputPaths are the artifact files, one per disk, in disk
	// order. For virt-v2v the tool lays files out under OutputDir
	// itself.
	OutputPaths []string

	// OutputDir is the directory the artifacts land in.
	OutputDir string
}

// PlanConversion renders the conversion commands for a job from the
// discovered VM descriptor. ESXi guests must be powered off, and
// snapshots are refused when configured, because virt-v2v reads the
// flat disks underneath the running state.
func PlanConversion(cfg config.Config, job coremigration.Job, vm coremigration.VMDescriptor) (ConversionPlan, error) {
	if len(vm.Disks) == 0 {
		return ConversionPlan{}, errors.NotValidf("vm %q with no disks", vm.Name)
	}
	switch job.Source {
	case coremigration.SourceWorkstation:
		return planWorkstation(cfg, job, vm)
	case coremigration.SourceESXi:
		return planESXi(cfg, job, vm)
	}
	return ConversionPlan{}, errors.NotValidf("source %q", job.Source)
}

// planWorkstation converts each local .vmdk with qemu-img.
func planWorkstation(cfg config.Config, job coremigration.Job, vm coremigration.VMDescriptor) (ConversionPlan, error) {
	plan := ConversionPlan{Mode: "qemu-img"}
	for i, disk := range vm.Disks {
		if disk.Path == "" {
			return ConversionPlan{}, errors.NotValidf("disk %d of vm %q with no path", i, vm.Name)
		}
		out := cfg.JobOutputPath(job.ID, vm.Name, i)
		plan.Commands = append(plan.Commands, shellquote.Join(
			"qemu-img", "convert",
			"-f", "vmdk",
			"-O", cfg.OutputDiskFormat,
			"-p",
			disk.Path, out,
		))
		plan.OutputPaths = append(plan.OutputPaths, out)
	}
	plan.OutputDir = filepath.Dir(plan.OutputPaths[0])
	return plan, nil
}

// planESXi pulls the guest through virt-v2v. One invocation handles
// all disks and writes them under the job output directory.
func planESXi(cfg config.Config, job coremigration.Job, vm coremigration.VMDescriptor) (ConversionPlan, error) {
	host, _ := vm.Metadata["host"].(string)
	if host == "" {
		host = cfg.VMware.Host
	}
	if host == "" {
		return ConversionPlan{}, errors.NotValidf("esxi conversion with no host")
	}
	if !poweredOff(vm) {
		return ConversionPlan{}, errors.Errorf("vm %q is powered on; power it off before converting", vm.Name)
	}
	if cfg.VMware.RequireNoSnapshots && vm.Metadata["has_snapshots"] == "true" {
		return ConversionPlan{}, errors.Errorf("vm %q has snapshots; delete them before converting", vm.Name)
	}

	outDir := filepath.Dir(cfg.JobOutputPath(job.ID, vm.Name, 0))
	uri := fmt.Sprintf("esx://%s@%s?no_verify=1", cfg.VMware.Username, host)
	plan := ConversionPlan{
		Mode:      "virt-v2v",
		OutputDir: outDir,
		Commands: []string{shellquote.Join(
			"virt-v2v",
			"-ic", uri,
			vm.Name,
			"-o", "local",
			"-os", outDir,
			"-of", cfg.OutputDiskFormat,
		)},
	}
	// virt-v2v names outputs <guest>-sda, <guest>-sdb, ...
	for i := range vm.Disks {
		plan.OutputPaths = append(plan.OutputPaths,
			filepath.Join(outDir, fmt.Sprintf("%s-sd%c", vm.Name, 'a'+rune(i))))
	}
	return plan, nil
}

func poweredOff(vm coremigration.VMDescriptor) bool {
	return vm.PowerState == "poweredOff" || vm.PowerState == "off"
}

// ValidateWorkstationPaths checks a local conversion can actually run
// before any tool is invoked: every source disk must exist and be
// readable, and the output directory must be writable with room for
// the converted artifacts.
func ValidateWorkstationPaths(vm coremigration.VMDescriptor, outputDir string) error {
	var totalInput int64
	for i, disk := range vm.Disks {
		info, err := os.Stat(disk.Path)
		if os.IsNotExist(err) {
			return errors.NotFoundf("disk %d of vm %q: %q", i, vm.Name, disk.Path)
		}
		if err != nil {
			return errors.Annotatef(err, "checking disk %q", disk.Path)
		}
		if info.IsDir() {
			return errors.NotValidf("disk path %q is a directory", disk.Path)
		}
		f, err := os.Open(disk.Path)
		if err != nil {
			return errors.Annotatef(err, "disk %q is not readable", disk.Path)
		}
		_ = f.Close()
		totalInput += info.Size()
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return errors.Annotatef(err, "creating output dir %q", outputDir)
	}
	f, err := os.CreateTemp(outputDir, ".write-check-")
	if err != nil {
		return errors.Annotatef(err, "output dir %q is not writable", outputDir)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)

	// Converted artifacts can come out bigger than their vmdk inputs,
	// so demand some headroom.
	required := totalInput + totalInput*15/100
	if free := int64(du.NewDiskUsage(outputDir).Available()); free < required {
		return errors.Errorf("not enough space in %q: %d bytes free, about %d needed", outputDir, free, required)
	}
	return nil
}
