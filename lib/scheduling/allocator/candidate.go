// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package allocator

// A Candidate is a snapshot of one host's capacity, taken when
// placement starts. Candidates go stale as soon as any placement
// commits, so they are never cached.
type Candidate struct {
	HostID          string
	Location        string
	Arch            string
	AllocationState string

	TotalCores     int
	UsedCores      int
	TotalMemoryGiB int
	UsedMemoryGiB  int

	// Sums over enabled storage devices.
	TotalStorageGiB     int
	AvailableStorageGiB int

	// Enabled storage devices, least available space first.
	StorageDevices []StorageDevice

	NumGPUs              int
	AvailableGPUs        int
	AvailableIOMMUGroups []int

	TotalIPv4 int
	// Assigned addresses plus one, reserving the address this
	// placement would take.
	UsedIPv4 int

	// VMs on the host that are still being provisioned.
	ProvisioningCount int
}

// A StorageDevice is one enabled storage device of a candidate host.
type StorageDevice struct {
	ID           string `json:"id"`
	TotalGiB     int    `json:"total_storage_gib"`
	AvailableGiB int    `json:"available_storage_gib"`
}
