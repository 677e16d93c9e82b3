// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package allocator

import (
	"context"
	"net/netip"
	"time"
)

// A Store is the shared inventory of hosts, devices, and addresses
// that placements are made from. Implemented by PGStore and test
// stubs.
type Store interface {
	// CandidateHosts returns a fresh snapshot of every host that
	// passes the request's hard filters.
	CandidateHosts(ctx context.Context, req *Request) ([]Candidate, error)

	// Transaction calls fn with a StoreTx whose changes are
	// committed atomically if fn returns nil, and discarded
	// otherwise. fn must use the context it is given.
	Transaction(ctx context.Context, fn func(context.Context, StoreTx) error) error
}

// A StoreTx makes changes inside one Store transaction.
type StoreTx interface {
	// AssignIPv4 assigns a random free IPv4 address routed to the
	// host to the VM. It returns ErrNoIPv4 if there is none.
	AssignIPv4(ctx context.Context, hostID, vmID string) (netip.Prefix, error)

	// HostNet6 returns the host's IPv6 network, and false if it
	// has none.
	HostNet6(ctx context.Context, hostID string) (netip.Prefix, bool, error)

	// LocalVethAddrs returns the link-local addresses already used
	// by VMs on the host.
	LocalVethAddrs(ctx context.Context, hostID string) ([]netip.Addr, error)

	// PlaceVM records the VM's host assignment.
	PlaceVM(ctx context.Context, p *Placement) error

	// AddHostUsage adds to the host's used cores and memory. It
	// returns ErrConcurrentAllocation, changing nothing, if that
	// would exceed either total.
	AddHostUsage(ctx context.Context, hostID string, cores, memoryGiB int) error

	// AddDeviceUsage subtracts from a storage device's available
	// space. It returns ErrConcurrentAllocation, changing
	// nothing, if there is not enough.
	AddDeviceUsage(ctx context.Context, deviceID string, gib int) error

	// ActiveBootImage returns the ID of the newest activated
	// version of the named image on the host.
	ActiveBootImage(ctx context.Context, hostID, name string) (string, error)

	// StorageEngines returns the host's storage engine
	// installations.
	StorageEngines(ctx context.Context, hostID string) ([]StorageEngine, error)

	CreateKeyEncryptionKey(ctx context.Context, kek *KeyEncryptionKey) error
	CreateVolume(ctx context.Context, vol *Volume) error

	// ClaimGPUs assigns every unclaimed PCI device in the given
	// IOMMU groups on the host to the VM, and returns the number
	// of devices claimed.
	ClaimGPUs(ctx context.Context, hostID, vmID string, iommuGroups []int) (int, error)
}

// A Placement is the host assignment written for a VM.
type Placement struct {
	VMID      string
	HostID    string
	Cores     int
	MemoryGiB int

	// Zero if the VM has no public IPv4 address.
	IPv4 netip.Prefix

	// Zero if the host has no IPv6 network.
	EphemeralNet6 netip.Prefix

	LocalVethIP netip.Addr
	AllocatedAt time.Time
}

// A StorageEngine is a storage engine installation on a host.
// Volumes are spread over a host's installations in proportion to
// their weights.
type StorageEngine struct {
	ID      string `db:"id"`
	Version string `db:"version"`
	Weight  int    `db:"allocation_weight"`
}

// A KeyEncryptionKey wraps the data encryption key of one volume.
// Key and InitVector are base64 encoded.
type KeyEncryptionKey struct {
	ID         string
	Algorithm  string
	Key        string
	InitVector string
	AuthData   string
}

// A Volume is a storage volume record written for a VM.
type Volume struct {
	ID              string
	VMID            string
	Boot            bool
	SizeGiB         int
	DiskIndex       int
	StorageDeviceID string
	StorageEngineID string

	// Empty if the volume is not populated from an image.
	BootImageID string

	// Empty if the volume is not encrypted.
	KeyEncryptionKeyID string

	SkipSync bool

	// Zero means unlimited.
	MaxIOPS      int
	MaxReadMBps  int
	MaxWriteMBps int
}
