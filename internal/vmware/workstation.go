// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package vmware

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"

	coremigration "github.com/amineammari/vm-migrator/core/migration"
)

// diskKeyPattern matches .vmx disk attachment keys such as
// scsi0:0.fileName, sata0:1.fileName, nvme0:0.fileName and
// ide1:0.fileName.
var diskKeyPattern = regexp.MustCompile(`^(scsi|sata|nvme|ide)\d+:\d+\.fileName$`)

// WorkstationClient discovers VMs by scanning directories for .vmx
// files. No hypervisor API is involved; Workstation keeps everything
// on disk.
type WorkstationClient struct {
	paths []string
}

// NewWorkstationClient returns a scanner over the given directories.
func NewWorkstationClient(paths []string) (*WorkstationClient, error) {
	if len(paths) == 0 {
		return nil, errors.NotValidf("no workstation paths")
	}
	return &WorkstationClient{paths: paths}, nil
}

// Source is part of Client.
func (c *WorkstationClient) Source() coremigration.Source {
	return coremigration.SourceWorkstation
}

// ListVMs is part of Client.
func (c *WorkstationClient) ListVMs(ctx context.Context) ([]coremigration.VMDescriptor, error) {
	var vms []coremigration.VMDescriptor
	for _, root := range c.paths {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				logger.Warningf("skipping %q: %v", path, err)
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".vmx") {
				return nil
			}
			vm, err := parseVMX(path)
			if err != nil {
				logger.Warningf("skipping unparseable vmx %q: %v", path, err)
				return nil
			}
			vms = append(vms, vm)
			return nil
		})
		if err != nil {
			return nil, errors.Annotatef(err, "scanning %q", root)
		}
	}
	sort.Slice(vms, func(i, j int) bool { return vms[i].Name < vms[j].Name })
	return vms, nil
}

// VM is part of Client.
func (c *WorkstationClient) VM(ctx context.Context, name string) (coremigration.VMDescriptor, error) {
	vms, err := c.ListVMs(ctx)
	if err != nil {
		return coremigration.VMDescriptor{}, errors.Trace(err)
	}
	for _, vm := range vms {
		if vm.Name == name {
			return vm, nil
		}
	}
	return coremigration.VMDescriptor{}, errors.NotFoundf("workstation vm %q", name)
}

// parseVMX reads one .vmx file into a descriptor. The format is flat
// key = "value" lines.
func parseVMX(path string) (coremigration.VMDescriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return coremigration.VMDescriptor{}, errors.Trace(err)
	}
	defer func() { _ = f.Close() }()

	values := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	if err := scanner.Err(); err != nil {
		return coremigration.VMDescriptor{}, errors.Trace(err)
	}

	name := values["displayName"]
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	desc := coremigration.VMDescriptor{
		Name:       name,
		Source:     coremigration.SourceWorkstation,
		PowerState: powerStateOf(path),
		Metadata: map[string]interface{}{
			"vmx_path": path,
			"guest_id": values["guestOS"],
		},
		LastSeen: time.Now().UTC(),
	}
	if v, err := strconv.Atoi(values["numvcpus"]); err == nil {
		desc.CPU = v
	} else {
		desc.CPU = 1
	}
	if v, err := strconv.Atoi(values["memsize"]); err == nil {
		desc.RAMMB = v
	}

	dir := filepath.Dir(path)
	var diskKeys []string
	for key := range values {
		if diskKeyPattern.MatchString(key) {
			diskKeys = append(diskKeys, key)
		}
	}
	sort.Strings(diskKeys)
	for _, key := range diskKeys {
		file := values[key]
		if !strings.EqualFold(filepath.Ext(file), ".vmdk") {
			// CD-ROM images and the like share the fileName key.
			continue
		}
		device := strings.TrimSuffix(key, ".fileName")
		if present, ok := values[device+".present"]; ok && !strings.EqualFold(present, "TRUE") {
			continue
		}
		diskPath := file
		if !filepath.IsAbs(diskPath) {
			diskPath = filepath.Join(dir, file)
		}
		dd := coremigration.DiskDescriptor{Path: diskPath, Label: device}
		if info, err := os.Stat(diskPath); err == nil {
			dd.SizeBytes = info.Size()
		}
		desc.Disks = append(desc.Disks, dd)
	}
	return desc, nil
}

// powerStateOf infers run state from the lock directory Workstation
// keeps next to a running VM's .vmx.
func powerStateOf(vmxPath string) string {
	if _, err := os.Stat(vmxPath + ".lck"); err == nil {
		return "on"
	}
	return "off"
}
