package api

import (
	"github.com/tispace-dev/tispace/internal/domain"
	"github.com/tispace-dev/tispace/pkg/apierror"
)

// NameParam binds the {name} path segment shared by every
// single-instance route.
type NameParam struct {
	Name string `uri:"name"`
}

// IsValid implements the Adapt4/5/6 validation hook.
func (r *NameParam) IsValid() error {
	if !domain.ValidName(r.Name) {
		return apierror.Validation("InvalidName", "instance name %q is invalid", r.Name)
	}
	return nil
}

// CreateInstanceRequest is the body of POST /instances.
type CreateInstanceRequest struct {
	Name        string `json:"name"`
	CPU         int    `json:"cpu"`
	MemoryGiB   int    `json:"memory"`
	DiskGiB     int    `json:"disk_size"`
	Image       string `json:"image"`
	Runtime     string `json:"runtime"`
	NodeName    string `json:"node_name"`
	StoragePool string `json:"storage_pool"`
}

// IsValid rejects anything admission shouldn't even have to consider:
// malformed name, out-of-range size, an unknown image or runtime, an
// image this runtime can't boot, and a storage_pool hint on a runtime
// that doesn't support choosing one.
func (r *CreateInstanceRequest) IsValid() error {
	if !domain.ValidName(r.Name) {
		return apierror.Validation("InvalidName", "instance name %q is invalid", r.Name)
	}
	if r.CPU < 1 || r.CPU > 16 {
		return apierror.Validation("InvalidArgs", "cpu must be between 1 and 16")
	}
	if r.MemoryGiB < 1 || r.MemoryGiB > 64 {
		return apierror.Validation("InvalidArgs", "memory must be between 1 and 64")
	}
	if r.DiskGiB < 10 || r.DiskGiB > 500 {
		return apierror.Validation("InvalidArgs", "disk_size must be between 10 and 500")
	}

	image := domain.Image(r.Image)
	if !image.Valid() {
		return apierror.Validation("InvalidArgs", "image %q is not a known image", r.Image)
	}

	runtime := domain.Runtime(r.Runtime)
	if !runtime.Valid() {
		return apierror.Validation("InvalidArgs", "runtime %q is not a known runtime", r.Runtime)
	}

	supported := false
	for _, img := range runtime.SupportedImages() {
		if img == image {
			supported = true
			break
		}
	}
	if !supported {
		return apierror.Validation("InvalidArgs", "image %q is not supported by runtime %q", r.Image, r.Runtime)
	}

	if r.StoragePool != "" && !runtime.VM() {
		return apierror.Validation("InvalidArgs", "storage_pool is only valid for lxc and kvm runtimes")
	}
	return nil
}

// UpdateInstanceRequest is the body of PATCH /instances/{name}. Every
// field is optional; disk_gib and image are create-time only and have
// no place here.
type UpdateInstanceRequest struct {
	Name      string  `uri:"name"`
	CPU       *int    `json:"cpu"`
	MemoryGiB *int    `json:"memory"`
	Runtime   *string `json:"runtime"`
}

func (r *UpdateInstanceRequest) IsValid() error {
	if !domain.ValidName(r.Name) {
		return apierror.Validation("InvalidName", "instance name %q is invalid", r.Name)
	}
	if r.CPU != nil && (*r.CPU < 1 || *r.CPU > 16) {
		return apierror.Validation("InvalidArgs", "cpu must be between 1 and 16")
	}
	if r.MemoryGiB != nil && (*r.MemoryGiB < 1 || *r.MemoryGiB > 64) {
		return apierror.Validation("InvalidArgs", "memory must be between 1 and 64")
	}
	if r.Runtime != nil && !domain.Runtime(*r.Runtime).Valid() {
		return apierror.Validation("InvalidArgs", "runtime %q is not a known runtime", *r.Runtime)
	}
	return nil
}

// ListInstancesResponse is the body of GET /instances.
type ListInstancesResponse struct {
	Instances []*domain.Instance `json:"instances"`
}

// createdInstance wraps the new instance so it renders as 201 rather
// than the adapters' default 200.
type createdInstance struct {
	*domain.Instance
}

func (createdInstance) StatusCode() int { return 201 }
