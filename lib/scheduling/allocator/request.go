// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package allocator

import (
	"sort"
	"time"
)

// A VM is the resource being placed.
type VM struct {
	ID string

	// Name of the VM on its host. Used as the authenticated data
	// of volume encryption keys.
	InhostName string

	Cores       int
	MemoryGiB   int
	Arch        string
	BootImage   string
	IPv4Enabled bool
	CreatedAt   time.Time
}

// A VolumeRequest describes one storage volume of a VM.
type VolumeRequest struct {
	SizeGiB   int
	Boot      bool
	ReadOnly  bool
	Encrypted bool
	SkipSync  bool

	// Image to populate a read-only volume from.
	Image string

	MaxIOPS      int
	MaxReadMBps  int
	MaxWriteMBps int
}

// An IndexedVolume is a VolumeRequest with its position (disk
// index) in the VM's volume list.
type IndexedVolume struct {
	DiskIndex int
	VolumeRequest
}

// Options are the placement constraints a caller can add to a VM's
// own requirements.
type Options struct {
	// Put every volume on a different storage device.
	DistinctStorageDevices bool

	// Number of GPUs (IOMMU groups) to pass through to the VM.
	GPUCount int

	// Hosts whose allocation state is not listed are skipped. nil
	// means []string{"accepting"}; an empty non-nil slice
	// disables the filter.
	AllocationStateFilter []string

	// If not empty, only these hosts are considered.
	HostFilter []string

	// These hosts are never considered.
	HostExclusionFilter []string

	// If not empty, only hosts in these locations are considered.
	LocationFilter []string

	// If not empty, hosts in other locations are penalized but
	// still considered.
	LocationPreference []string
}

// A Request is a placement ask. It is not modified after NewRequest
// returns it.
type Request struct {
	VMID      string
	CreatedAt time.Time

	Cores      int
	MemoryGiB  int
	StorageGiB int

	// Largest first. Volumes of equal size keep their original
	// order.
	Volumes []IndexedVolume

	BootImage              string
	DistinctStorageDevices bool
	GPUCount               int
	RequireIPv4            bool
	Arch                   string

	AllocationStateFilter []string
	HostFilter            []string
	HostExclusionFilter   []string
	LocationFilter        []string
	LocationPreference    []string
}

// NewRequest returns the request for placing vm with the given
// volumes.
func NewRequest(vm VM, volumes []VolumeRequest, opts Options) *Request {
	req := &Request{
		VMID:                   vm.ID,
		CreatedAt:              vm.CreatedAt,
		Cores:                  vm.Cores,
		MemoryGiB:              vm.MemoryGiB,
		BootImage:              vm.BootImage,
		DistinctStorageDevices: opts.DistinctStorageDevices,
		GPUCount:               opts.GPUCount,
		RequireIPv4:            vm.IPv4Enabled,
		Arch:                   vm.Arch,
		AllocationStateFilter:  opts.AllocationStateFilter,
		HostFilter:             opts.HostFilter,
		HostExclusionFilter:    opts.HostExclusionFilter,
		LocationFilter:         opts.LocationFilter,
		LocationPreference:     opts.LocationPreference,
	}
	if req.AllocationStateFilter == nil {
		req.AllocationStateFilter = []string{"accepting"}
	}
	for i, vol := range volumes {
		req.StorageGiB += vol.SizeGiB
		req.Volumes = append(req.Volumes, IndexedVolume{DiskIndex: i, VolumeRequest: vol})
	}
	sort.SliceStable(req.Volumes, func(i, j int) bool {
		return req.Volumes[i].SizeGiB > req.Volumes[j].SizeGiB
	})
	return req
}

// ImageNames returns the images that read-only volumes are
// populated from. A host must have each of them activated.
func (req *Request) ImageNames() []string {
	names := []string{}
	for _, vol := range req.Volumes {
		if vol.ReadOnly && vol.Image != "" {
			names = append(names, vol.Image)
		}
	}
	return names
}

// MinStorageDevices returns the number of enabled storage devices a
// host needs to be considered.
func (req *Request) MinStorageDevices() int {
	if req.DistinctStorageDevices && len(req.Volumes) > 1 {
		return len(req.Volumes)
	}
	return 1
}
