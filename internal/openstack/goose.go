// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package openstack

import (
	"context"
	"net/http"
	"net/url"
	"os"

	"github.com/go-goose/goose/v5/cinder"
	"github.com/go-goose/goose/v5/client"
	gooseerrors "github.com/go-goose/goose/v5/errors"
	goosehttp "github.com/go-goose/goose/v5/http"
	"github.com/go-goose/goose/v5/identity"
	"github.com/go-goose/goose/v5/neutron"
	"github.com/go-goose/goose/v5/nova"
	"github.com/juju/errors"

	"github.com/amineammari/vm-migrator/internal/config"
)

// gooseSession implements Session against a real cloud. The cinder
// client is nil when the catalog has no volume endpoint; volume
// operations then report not supported.
type gooseSession struct {
	raw     client.AuthenticatingClient
	nova    *nova.Client
	neutron *neutron.Client
	cinder  *cinder.Client
}

// Dial authenticates against keystone and returns a ready session.
func Dial(cfg config.OpenStackConfig) (Session, error) {
	if cfg.AuthURL == "" {
		return nil, errors.NotValidf("empty auth-url")
	}
	creds := identity.Credentials{
		URL:           cfg.AuthURL,
		User:          cfg.Username,
		Secrets:       cfg.Password,
		TenantName:    cfg.ProjectName,
		Region:        cfg.Region,
		Domain:        cfg.DomainName,
		UserDomain:    cfg.DomainName,
		ProjectDomain: cfg.DomainName,
	}
	raw := client.NewClient(&creds, identity.AuthUserPassV3, nil)
	if err := raw.Authenticate(); err != nil {
		if gooseerrors.IsUnauthorised(err) {
			return nil, errors.Annotate(err, "authentication failed, check credentials and project name")
		}
		return nil, errors.Annotate(err, "authenticating")
	}
	logger.Infof("authenticated to %q as %q", cfg.AuthURL, cfg.Username)
	session := &gooseSession{
		raw:     raw,
		nova:    nova.New(raw),
		neutron: neutron.New(raw),
	}
	if endpoint := volumeEndpoint(raw.EndpointsForRegion(cfg.Region)); endpoint != "" {
		endpointURL, err := url.Parse(endpoint)
		if err != nil {
			return nil, errors.Annotatef(err, "parsing volume endpoint %q", endpoint)
		}
		session.cinder = cinder.Basic(endpointURL, raw.TenantId(), raw.Token)
	} else {
		logger.Warningf("no volume endpoint in the service catalog, extra disks will not be attached")
	}
	return session, nil
}

// volumeEndpoint picks the block storage URL out of the service
// catalog, newest API first.
func volumeEndpoint(urls identity.ServiceURLs) string {
	for _, service := range []string{"volumev3", "volumev2", "volume"} {
		if endpoint, ok := urls[service]; ok {
			return endpoint
		}
	}
	return ""
}

// glanceImage is the glance v2 wire form.
type glanceImage struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name"`
	Status     string `json:"status,omitempty"`
	DiskFormat string `json:"disk_format,omitempty"`
	// ContainerFormat is always bare for whole-disk images.
	ContainerFormat string `json:"container_format,omitempty"`
	Visibility      string `json:"visibility,omitempty"`
	SizeBytes       int64  `json:"size,omitempty"`
}

func (i glanceImage) toImage() Image {
	return Image{
		ID:         i.ID,
		Name:       i.Name,
		Status:     i.Status,
		DiskFormat: i.DiskFormat,
		SizeBytes:  i.SizeBytes,
	}
}

// UploadImage is part of Session. The image record is created first;
// if streaming the file fails the record is deleted so retries do not
// find a half-made image by name.
func (s *gooseSession) UploadImage(ctx context.Context, name, diskFormat, path string) (Image, error) {
	create := glanceImage{
		Name:            name,
		DiskFormat:      diskFormat,
		ContainerFormat: "bare",
		Visibility:      "private",
	}
	var created glanceImage
	err := s.raw.SendRequest("POST", "image", "v2", "images", &goosehttp.RequestData{
		ReqValue:       create,
		RespValue:      &created,
		ExpectedStatus: []int{http.StatusCreated},
	})
	if err != nil {
		return Image{}, errors.Annotatef(err, "creating image %q", name)
	}

	f, err := os.Open(path)
	if err != nil {
		_ = s.DeleteImage(ctx, created.ID)
		return Image{}, errors.Annotatef(err, "opening disk file %q", path)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		_ = s.DeleteImage(ctx, created.ID)
		return Image{}, errors.Trace(err)
	}

	headers := make(http.Header)
	headers.Set("Content-Type", "application/octet-stream")
	err = s.raw.SendRequest("PUT", "image", "v2", "images/"+created.ID+"/file", &goosehttp.RequestData{
		ReqReader:      f,
		ReqLength:      int(info.Size()),
		ReqHeaders:     headers,
		ExpectedStatus: []int{http.StatusNoContent},
	})
	if err != nil {
		_ = s.DeleteImage(ctx, created.ID)
		return Image{}, errors.Annotatef(err, "uploading image data for %q", name)
	}
	return s.Image(ctx, created.ID)
}

// Image is part of Session.
func (s *gooseSession) Image(ctx context.Context, id string) (Image, error) {
	var img glanceImage
	err := s.raw.SendRequest("GET", "image", "v2", "images/"+id, &goosehttp.RequestData{
		RespValue:      &img,
		ExpectedStatus: []int{http.StatusOK},
	})
	if err != nil {
		if gooseerrors.IsNotFound(err) {
			return Image{}, errors.NotFoundf("image %q", id)
		}
		return Image{}, errors.Annotatef(err, "retrieving image %q", id)
	}
	return img.toImage(), nil
}

// ListImages is part of Session.
func (s *gooseSession) ListImages(ctx context.Context) ([]Image, error) {
	var resp struct {
		Images []glanceImage `json:"images"`
	}
	err := s.raw.SendRequest("GET", "image", "v2", "images", &goosehttp.RequestData{
		RespValue:      &resp,
		ExpectedStatus: []int{http.StatusOK},
	})
	if err != nil {
		return nil, errors.Annotate(err, "listing images")
	}
	images := make([]Image, 0, len(resp.Images))
	for _, img := range resp.Images {
		images = append(images, img.toImage())
	}
	return images, nil
}

// FindImageByName is part of Session.
func (s *gooseSession) FindImageByName(ctx context.Context, name string) (Image, error) {
	images, err := s.ListImages(ctx)
	if err != nil {
		return Image{}, errors.Trace(err)
	}
	for _, img := range images {
		if img.Name == name {
			return img, nil
		}
	}
	return Image{}, errors.NotFoundf("image named %q", name)
}

// DeleteImage is part of Session.
func (s *gooseSession) DeleteImage(ctx context.Context, id string) error {
	err := s.raw.SendRequest("DELETE", "image", "v2", "images/"+id, &goosehttp.RequestData{
		ExpectedStatus: []int{http.StatusNoContent},
	})
	if err != nil {
		if gooseerrors.IsNotFound(err) {
			return errors.NotFoundf("image %q", id)
		}
		return errors.Annotatef(err, "deleting image %q", id)
	}
	return nil
}

// BootServer is part of Session.
func (s *gooseSession) BootServer(ctx context.Context, name, flavorID, imageID, networkID string) (string, error) {
	entity, err := s.nova.RunServer(nova.RunServerOpts{
		Name:     name,
		FlavorId: flavorID,
		ImageId:  imageID,
		Networks: []nova.ServerNetworks{{NetworkId: networkID}},
	})
	if err != nil {
		return "", errors.Annotatef(err, "booting server %q", name)
	}
	return entity.Id, nil
}

// Server is part of Session.
func (s *gooseSession) Server(ctx context.Context, id string) (Server, error) {
	detail, err := s.nova.GetServer(id)
	if err != nil {
		if gooseerrors.IsNotFound(err) {
			return Server{}, errors.NotFoundf("server %q", id)
		}
		return Server{}, errors.Annotatef(err, "retrieving server %q", id)
	}
	return Server{ID: detail.Id, Name: detail.Name, Status: detail.Status}, nil
}

// FindServerByName is part of Session.
func (s *gooseSession) FindServerByName(ctx context.Context, name string) (Server, error) {
	filter := nova.NewFilter()
	filter.Set(nova.FilterServer, name)
	details, err := s.nova.ListServersDetail(filter)
	if err != nil {
		return Server{}, errors.Annotatef(err, "listing servers named %q", name)
	}
	// The nova name filter matches substrings.
	for _, d := range details {
		if d.Name == name {
			return Server{ID: d.Id, Name: d.Name, Status: d.Status}, nil
		}
	}
	return Server{}, errors.NotFoundf("server named %q", name)
}

// DeleteServer is part of Session.
func (s *gooseSession) DeleteServer(ctx context.Context, id string) error {
	if err := s.nova.DeleteServer(id); err != nil {
		if gooseerrors.IsNotFound(err) {
			return errors.NotFoundf("server %q", id)
		}
		return errors.Annotatef(err, "deleting server %q", id)
	}
	return nil
}

func toVolume(v cinder.Volume) Volume {
	return Volume{
		ID:     v.ID,
		Name:   v.Name,
		Status: v.Status,
		SizeGB: v.Size,
	}
}

// CreateVolumeFromImage is part of Session.
func (s *gooseSession) CreateVolumeFromImage(ctx context.Context, name, imageID string, sizeGB int) (Volume, error) {
	if s.cinder == nil {
		return Volume{}, errors.NotSupportedf("volumes without a volume endpoint")
	}
	resp, err := s.cinder.CreateVolume(cinder.CreateVolumeVolumeParams{
		Name:     name,
		Size:     sizeGB,
		ImageRef: imageID,
	})
	if err != nil {
		return Volume{}, errors.Annotatef(err, "creating volume %q from image %q", name, imageID)
	}
	return toVolume(resp.Volume), nil
}

// FindVolumeByName is part of Session.
func (s *gooseSession) FindVolumeByName(ctx context.Context, name string) (Volume, error) {
	if s.cinder == nil {
		return Volume{}, errors.NotSupportedf("volumes without a volume endpoint")
	}
	resp, err := s.cinder.GetVolumesDetail()
	if err != nil {
		return Volume{}, errors.Annotate(err, "listing volumes")
	}
	for _, v := range resp.Volumes {
		if v.Name == name {
			return toVolume(v), nil
		}
	}
	return Volume{}, errors.NotFoundf("volume named %q", name)
}

// AttachVolume is part of Session. The empty device name lets nova
// pick the next free one.
func (s *gooseSession) AttachVolume(ctx context.Context, serverID, volumeID string) error {
	if _, err := s.nova.AttachVolume(serverID, volumeID, ""); err != nil {
		if gooseerrors.IsNotFound(err) {
			return errors.NotFoundf("server %q or volume %q", serverID, volumeID)
		}
		return errors.Annotatef(err, "attaching volume %q to server %q", volumeID, serverID)
	}
	return nil
}

// DeleteVolume is part of Session.
func (s *gooseSession) DeleteVolume(ctx context.Context, id string) error {
	if s.cinder == nil {
		return errors.NotSupportedf("volumes without a volume endpoint")
	}
	if err := s.cinder.DeleteVolume(id); err != nil {
		if gooseerrors.IsNotFound(err) {
			return errors.NotFoundf("volume %q", id)
		}
		return errors.Annotatef(err, "deleting volume %q", id)
	}
	return nil
}

// ListFlavors is part of Session.
func (s *gooseSession) ListFlavors(ctx context.Context) ([]Flavor, error) {
	details, err := s.nova.ListFlavorsDetail()
	if err != nil {
		return nil, errors.Annotate(err, "listing flavors")
	}
	flavors := make([]Flavor, 0, len(details))
	for _, d := range details {
		flavors = append(flavors, Flavor{
			ID:     d.Id,
			Name:   d.Name,
			VCPUs:  d.VCPUs,
			RAMMB:  d.RAM,
			DiskGB: d.Disk,
		})
	}
	return flavors, nil
}

// ListNetworks is part of Session.
func (s *gooseSession) ListNetworks(ctx context.Context) ([]Network, error) {
	nets, err := s.neutron.ListNetworksV2()
	if err != nil {
		return nil, errors.Annotate(err, "listing networks")
	}
	networks := make([]Network, 0, len(nets))
	for _, n := range nets {
		networks = append(networks, Network{
			ID:       n.Id,
			Name:     n.Name,
			External: n.External,
		})
	}
	return networks, nil
}
