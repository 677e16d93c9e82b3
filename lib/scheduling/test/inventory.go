// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"slices"
	"sort"
	"sync"

	"git.clover.dev/clover.git/lib/scheduling/allocator"
)

// StubHost is a host in a StubInventory.
type StubHost struct {
	ID              string
	Location        string
	Arch            string
	AllocationState string

	TotalCores     int
	UsedCores      int
	TotalMemoryGiB int
	UsedMemoryGiB  int

	Net6 netip.Prefix

	// Every address in these subnets can be assigned to a VM.
	IPv4Subnets []netip.Prefix

	Devices    []StubDevice
	GPUs       []StubGPU
	BootImages []StubBootImage
	Engines    []allocator.StorageEngine

	ProvisioningCount int
}

type StubDevice struct {
	ID           string
	Disabled     bool
	TotalGiB     int
	AvailableGiB int
}

type StubGPU struct {
	IOMMUGroup int
	// Empty if unclaimed.
	VMID string
	// Defaults to "0300".
	DeviceClass string
}

type StubBootImage struct {
	ID        string
	Name      string
	Version   string
	Activated bool
}

type inventoryState struct {
	hosts      map[string]*StubHost
	assigned   map[netip.Addr]string // IPv4 address => VM ID
	placements map[string]allocator.Placement
	volumes    []allocator.Volume
	keys       []allocator.KeyEncryptionKey
}

func (st *inventoryState) clone() *inventoryState {
	cp := &inventoryState{
		hosts:      map[string]*StubHost{},
		assigned:   map[netip.Addr]string{},
		placements: map[string]allocator.Placement{},
		volumes:    append([]allocator.Volume(nil), st.volumes...),
		keys:       append([]allocator.KeyEncryptionKey(nil), st.keys...),
	}
	for id, h := range st.hosts {
		hc := *h
		hc.IPv4Subnets = append([]netip.Prefix(nil), h.IPv4Subnets...)
		hc.Devices = append([]StubDevice(nil), h.Devices...)
		hc.GPUs = append([]StubGPU(nil), h.GPUs...)
		hc.BootImages = append([]StubBootImage(nil), h.BootImages...)
		hc.Engines = append([]allocator.StorageEngine(nil), h.Engines...)
		cp.hosts[id] = &hc
	}
	for k, v := range st.assigned {
		cp.assigned[k] = v
	}
	for k, v := range st.placements {
		cp.placements[k] = v
	}
	return cp
}

// StubInventory is an in-memory allocator.Store. Transactions are
// serialized and work on a copy of the inventory, which replaces
// the original only if the transaction succeeds.
type StubInventory struct {
	// If not nil, called at the start of each transaction,
	// before the inventory is locked.
	BeforeTransaction func()

	mtx   sync.Mutex
	state *inventoryState
}

// NewStubInventory returns an inventory with the given hosts.
func NewStubInventory(hosts ...StubHost) *StubInventory {
	inv := &StubInventory{state: &inventoryState{
		hosts:      map[string]*StubHost{},
		assigned:   map[netip.Addr]string{},
		placements: map[string]allocator.Placement{},
	}}
	for _, h := range hosts {
		h := h
		inv.state.hosts[h.ID] = &h
	}
	inv.state = inv.state.clone()
	return inv
}

// Host returns a copy of the current state of a host.
func (inv *StubInventory) Host(id string) (StubHost, bool) {
	inv.mtx.Lock()
	defer inv.mtx.Unlock()
	h, ok := inv.state.clone().hosts[id]
	if !ok {
		return StubHost{}, false
	}
	return *h, true
}

// Placements returns the committed placements, keyed by VM ID.
func (inv *StubInventory) Placements() map[string]allocator.Placement {
	inv.mtx.Lock()
	defer inv.mtx.Unlock()
	return inv.state.clone().placements
}

// Volumes returns the committed volume records.
func (inv *StubInventory) Volumes() []allocator.Volume {
	inv.mtx.Lock()
	defer inv.mtx.Unlock()
	return append([]allocator.Volume(nil), inv.state.volumes...)
}

// Keys returns the committed key encryption keys.
func (inv *StubInventory) Keys() []allocator.KeyEncryptionKey {
	inv.mtx.Lock()
	defer inv.mtx.Unlock()
	return append([]allocator.KeyEncryptionKey(nil), inv.state.keys...)
}

func (inv *StubInventory) CandidateHosts(ctx context.Context, req *allocator.Request) ([]allocator.Candidate, error) {
	inv.mtx.Lock()
	defer inv.mtx.Unlock()
	var ids []string
	for id := range inv.state.hosts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var candidates []allocator.Candidate
	for _, id := range ids {
		if c, ok := inv.state.candidate(inv.state.hosts[id], req); ok {
			candidates = append(candidates, c)
		}
	}
	return candidates, nil
}

func (st *inventoryState) candidate(h *StubHost, req *allocator.Request) (allocator.Candidate, bool) {
	c := allocator.Candidate{
		HostID:            h.ID,
		Location:          h.Location,
		Arch:              h.Arch,
		AllocationState:   h.AllocationState,
		TotalCores:        h.TotalCores,
		UsedCores:         h.UsedCores,
		TotalMemoryGiB:    h.TotalMemoryGiB,
		UsedMemoryGiB:     h.UsedMemoryGiB,
		ProvisioningCount: h.ProvisioningCount,
		UsedIPv4:          1,
	}
	for _, dev := range h.Devices {
		if dev.Disabled {
			continue
		}
		c.TotalStorageGiB += dev.TotalGiB
		c.AvailableStorageGiB += dev.AvailableGiB
		c.StorageDevices = append(c.StorageDevices, allocator.StorageDevice{ID: dev.ID, TotalGiB: dev.TotalGiB, AvailableGiB: dev.AvailableGiB})
	}
	sort.SliceStable(c.StorageDevices, func(i, j int) bool {
		return c.StorageDevices[i].AvailableGiB < c.StorageDevices[j].AvailableGiB
	})
	for _, gpu := range h.GPUs {
		if gpu.DeviceClass != "" && gpu.DeviceClass != "0300" && gpu.DeviceClass != "0302" {
			continue
		}
		c.NumGPUs++
		if gpu.VMID == "" {
			c.AvailableGPUs++
			c.AvailableIOMMUGroups = append(c.AvailableIOMMUGroups, gpu.IOMMUGroup)
		}
	}
	sort.Ints(c.AvailableIOMMUGroups)
	for _, subnet := range h.IPv4Subnets {
		c.TotalIPv4 += 1 << (32 - subnet.Bits())
	}
	for addr := range st.assigned {
		if h.routes(addr) {
			c.UsedIPv4++
		}
	}

	if len(c.StorageDevices) == 0 ||
		c.AvailableStorageGiB < req.StorageGiB ||
		len(c.StorageDevices) < req.MinStorageDevices() ||
		len(h.IPv4Subnets) == 0 ||
		h.Arch != req.Arch ||
		h.TotalCores-h.UsedCores < req.Cores ||
		h.TotalMemoryGiB-h.UsedMemoryGiB < req.MemoryGiB ||
		!h.hasImage(req.BootImage) ||
		req.RequireIPv4 && c.UsedIPv4 >= c.TotalIPv4 ||
		c.AvailableGPUs < req.GPUCount ||
		len(req.HostFilter) > 0 && !slices.Contains(req.HostFilter, h.ID) ||
		slices.Contains(req.HostExclusionFilter, h.ID) ||
		len(req.LocationFilter) > 0 && !slices.Contains(req.LocationFilter, h.Location) ||
		len(req.AllocationStateFilter) > 0 && !slices.Contains(req.AllocationStateFilter, h.AllocationState) {
		return c, false
	}
	for _, img := range req.ImageNames() {
		if !h.hasImage(img) {
			return c, false
		}
	}
	return c, true
}

func (h *StubHost) routes(addr netip.Addr) bool {
	for _, subnet := range h.IPv4Subnets {
		if subnet.Contains(addr) {
			return true
		}
	}
	return false
}

func (h *StubHost) hasImage(name string) bool {
	for _, img := range h.BootImages {
		if img.Name == name && img.Activated {
			return true
		}
	}
	return false
}

func (inv *StubInventory) Transaction(ctx context.Context, fn func(context.Context, allocator.StoreTx) error) error {
	if inv.BeforeTransaction != nil {
		inv.BeforeTransaction()
	}
	inv.mtx.Lock()
	defer inv.mtx.Unlock()
	tx := &stubTx{state: inv.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	inv.state = tx.state
	return nil
}

type stubTx struct {
	state *inventoryState
}

func (tx *stubTx) host(id string) (*StubHost, error) {
	h, ok := tx.state.hosts[id]
	if !ok {
		return nil, fmt.Errorf("host %s does not exist", id)
	}
	return h, nil
}

func (tx *stubTx) AssignIPv4(ctx context.Context, hostID, vmID string) (netip.Prefix, error) {
	h, err := tx.host(hostID)
	if err != nil {
		return netip.Prefix{}, err
	}
	var free []netip.Addr
	for _, subnet := range h.IPv4Subnets {
		for addr := subnet.Masked().Addr(); subnet.Contains(addr); addr = addr.Next() {
			if _, taken := tx.state.assigned[addr]; !taken {
				free = append(free, addr)
			}
		}
	}
	if len(free) == 0 {
		return netip.Prefix{}, allocator.ErrNoIPv4
	}
	addr := free[rand.Intn(len(free))]
	tx.state.assigned[addr] = vmID
	return netip.PrefixFrom(addr, 32), nil
}

func (tx *stubTx) HostNet6(ctx context.Context, hostID string) (netip.Prefix, bool, error) {
	h, err := tx.host(hostID)
	if err != nil {
		return netip.Prefix{}, false, err
	}
	return h.Net6, h.Net6.IsValid(), nil
}

func (tx *stubTx) LocalVethAddrs(ctx context.Context, hostID string) ([]netip.Addr, error) {
	var addrs []netip.Addr
	for _, p := range tx.state.placements {
		if p.HostID == hostID {
			addrs = append(addrs, p.LocalVethIP)
		}
	}
	return addrs, nil
}

func (tx *stubTx) PlaceVM(ctx context.Context, p *allocator.Placement) error {
	if _, exists := tx.state.placements[p.VMID]; exists {
		return fmt.Errorf("vm %s is already placed", p.VMID)
	}
	tx.state.placements[p.VMID] = *p
	return nil
}

func (tx *stubTx) AddHostUsage(ctx context.Context, hostID string, cores, memoryGiB int) error {
	h, err := tx.host(hostID)
	if err != nil {
		return err
	}
	if h.UsedCores+cores > h.TotalCores || h.UsedMemoryGiB+memoryGiB > h.TotalMemoryGiB {
		return allocator.ErrConcurrentAllocation
	}
	h.UsedCores += cores
	h.UsedMemoryGiB += memoryGiB
	return nil
}

func (tx *stubTx) AddDeviceUsage(ctx context.Context, deviceID string, gib int) error {
	for _, h := range tx.state.hosts {
		for i := range h.Devices {
			if h.Devices[i].ID != deviceID {
				continue
			}
			if h.Devices[i].AvailableGiB < gib {
				return allocator.ErrConcurrentAllocation
			}
			h.Devices[i].AvailableGiB -= gib
			return nil
		}
	}
	return fmt.Errorf("storage device %s does not exist", deviceID)
}

func (tx *stubTx) ActiveBootImage(ctx context.Context, hostID, name string) (string, error) {
	h, err := tx.host(hostID)
	if err != nil {
		return "", err
	}
	var best *StubBootImage
	for i, img := range h.BootImages {
		if img.Name == name && img.Activated && (best == nil || img.Version > best.Version) {
			best = &h.BootImages[i]
		}
	}
	if best == nil {
		return "", errors.New("no activated version")
	}
	return best.ID, nil
}

func (tx *stubTx) StorageEngines(ctx context.Context, hostID string) ([]allocator.StorageEngine, error) {
	h, err := tx.host(hostID)
	if err != nil {
		return nil, err
	}
	return append([]allocator.StorageEngine(nil), h.Engines...), nil
}

func (tx *stubTx) CreateKeyEncryptionKey(ctx context.Context, kek *allocator.KeyEncryptionKey) error {
	tx.state.keys = append(tx.state.keys, *kek)
	return nil
}

func (tx *stubTx) CreateVolume(ctx context.Context, vol *allocator.Volume) error {
	tx.state.volumes = append(tx.state.volumes, *vol)
	return nil
}

func (tx *stubTx) ClaimGPUs(ctx context.Context, hostID, vmID string, iommuGroups []int) (int, error) {
	h, err := tx.host(hostID)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range h.GPUs {
		if h.GPUs[i].VMID == "" && slices.Contains(iommuGroups, h.GPUs[i].IOMMUGroup) {
			h.GPUs[i].VMID = vmID
			n++
		}
	}
	return n, nil
}
