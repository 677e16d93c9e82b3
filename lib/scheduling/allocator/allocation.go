// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package allocator

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// A subAllocation is the part of an Allocation that concerns one
// resource dimension.
type subAllocation interface {
	valid() bool
	utilization() float64
}

// hostAllocation is a claim on one of a host's counters.
type hostAllocation struct {
	column    string
	total     int
	used      int
	requested int
}

func newHostAllocation(column string, total, used, requested int) (*hostAllocation, error) {
	if used > total {
		return nil, fmt.Errorf("%w: resource %q uses more than is available: %d > %d", ErrOvercommitted, column, used, total)
	}
	return &hostAllocation{column: column, total: total, used: used, requested: requested}, nil
}

func (ha *hostAllocation) valid() bool {
	return ha.requested+ha.used <= ha.total
}

func (ha *hostAllocation) utilization() float64 {
	if ha.total <= 0 {
		return 1
	}
	return float64(ha.used+ha.requested) / float64(ha.total)
}

// An Allocation is a Request scored against one Candidate. It is
// discarded unless it wins, in which case Update commits it.
type Allocation struct {
	Candidate Candidate
	Request   *Request
	Score     float64

	// Set by a successful Update.
	Placement *Placement

	cores   *hostAllocation
	memory  *hostAllocation
	storage *storageAllocation
	gpu     *gpuAllocation // nil unless GPUs are requested
}

// NewAllocation scores req against c. It returns ErrOvercommitted
// if c's counters already show more used than total, or negative
// available storage on the host or any of its devices.
func NewAllocation(c Candidate, req *Request, scoring Scoring) (*Allocation, error) {
	a := &Allocation{Candidate: c, Request: req}
	var err error
	if a.cores, err = newHostAllocation("used_cores", c.TotalCores, c.UsedCores, req.Cores); err != nil {
		return nil, fmt.Errorf("host %s: %w", c.HostID, err)
	}
	if a.memory, err = newHostAllocation("used_memory_gib", c.TotalMemoryGiB, c.UsedMemoryGiB, req.MemoryGiB); err != nil {
		return nil, fmt.Errorf("host %s: %w", c.HostID, err)
	}
	if c.AvailableStorageGiB > c.TotalStorageGiB {
		return nil, fmt.Errorf("host %s: %w: storage available %d > total %d", c.HostID, ErrOvercommitted, c.AvailableStorageGiB, c.TotalStorageGiB)
	}
	if c.AvailableStorageGiB < 0 {
		return nil, fmt.Errorf("host %s: %w: storage available %d < 0", c.HostID, ErrOvercommitted, c.AvailableStorageGiB)
	}
	for _, dev := range c.StorageDevices {
		if dev.AvailableGiB < 0 {
			return nil, fmt.Errorf("host %s: %w: storage device %s available %d < 0", c.HostID, ErrOvercommitted, dev.ID, dev.AvailableGiB)
		}
	}
	a.storage = newStorageAllocation(c, req)
	if req.GPUCount > 0 {
		a.gpu = newGPUAllocation(c, req.GPUCount)
	}
	a.Score = a.score(scoring)
	return a, nil
}

func (a *Allocation) subAllocations() []subAllocation {
	subs := []subAllocation{a.cores, a.memory, a.storage}
	if a.gpu != nil {
		subs = append(subs, a.gpu)
	}
	return subs
}

// Valid reports whether the request fits on the candidate: every
// counter stays within its total, every volume has a device, and
// enough GPUs are free for the request.
func (a *Allocation) Valid() bool {
	for _, sub := range a.subAllocations() {
		if !sub.valid() {
			return false
		}
	}
	return true
}

// score returns the placement score, lower is better. Hosts whose
// mean utilization after placement is closest to the target score
// best, unbalanced utilization across dimensions is penalized, and
// the penalty terms are added last, in a fixed order.
func (a *Allocation) score(scoring Scoring) float64 {
	var sum float64
	var lo, hi float64
	subs := a.subAllocations()
	for i, sub := range subs {
		u := sub.utilization()
		sum += u
		if i == 0 || u < lo {
			lo = u
		}
		if i == 0 || u > hi {
			hi = u
		}
	}

	// utilization, in [0, 2]
	score := scoring.TargetUtilization - sum/float64(len(subs))
	if score < 0 {
		score = -score + 1
	}

	// imbalance, in [0, 1]
	score += hi - lo

	c, req := a.Candidate, a.Request
	if inLocations(scoring.ProvisioningPenaltyLocations, c.Location) {
		score += float64(c.ProvisioningCount) * scoring.ProvisioningPenalty
	}
	if scoring.LegacyHostTotalCores > 0 && c.TotalCores == scoring.LegacyHostTotalCores && inLocations(scoring.LegacyHostLocations, c.Location) {
		score += scoring.LegacyHostPenalty
	}
	if req.GPUCount == 0 && c.NumGPUs > 0 {
		score += scoring.GPUHostPenalty
	}
	if len(req.LocationPreference) > 0 && !inLocations(req.LocationPreference, c.Location) {
		score += scoring.LocationPreferencePenalty
	}
	return score
}

// VolumeDevices returns the storage device chosen for each volume,
// keyed by disk index.
func (a *Allocation) VolumeDevices() map[int]string {
	m := map[int]string{}
	for idx, dev := range a.storage.volumeDevice {
		m[idx] = dev
	}
	return m
}

// IOMMUGroups returns the IOMMU groups the allocation would claim.
func (a *Allocation) IOMMUGroups() []int {
	if a.gpu == nil {
		return nil
	}
	return append([]int(nil), a.gpu.groups...)
}

func (a *Allocation) String() string {
	c, req := a.Candidate, a.Request
	return fmt.Sprintf("%s (arch=%s, cores=%d, mem=%d, storage=%s) -> %s (cores=%d/%d, mem=%d/%d, storage=%s/%s), score=%.4f",
		req.VMID, req.Arch, req.Cores, req.MemoryGiB, gib(req.StorageGiB),
		c.HostID, c.UsedCores, c.TotalCores, c.UsedMemoryGiB, c.TotalMemoryGiB,
		gib(c.TotalStorageGiB-c.AvailableStorageGiB), gib(c.TotalStorageGiB),
		a.Score)
}

func gib(n int) string {
	if n < 0 {
		return fmt.Sprintf("%d GiB", n)
	}
	return humanize.IBytes(uint64(n) << 30)
}

// Update commits the allocation for vm in a single store
// transaction: network assignment, host assignment, host counters,
// storage devices and volumes, and GPU claim. If any step fails,
// nothing is committed. A retryable error means another placement
// got there first; the caller should start over from
// BestAllocation.
func (a *Allocation) Update(ctx context.Context, store Store, vm VM) error {
	hostID := a.Candidate.HostID
	var placement *Placement
	err := store.Transaction(ctx, func(ctx context.Context, tx StoreTx) error {
		p, err := assignNetwork(ctx, tx, hostID, vm)
		if err != nil {
			return err
		}
		p.Cores, p.MemoryGiB = a.Request.Cores, a.Request.MemoryGiB
		p.AllocatedAt = time.Now()
		if err := tx.PlaceVM(ctx, p); err != nil {
			return err
		}
		if err := tx.AddHostUsage(ctx, hostID, a.Request.Cores, a.Request.MemoryGiB); err != nil {
			return fmt.Errorf("host %s: %w", hostID, err)
		}
		if err := a.storage.update(ctx, tx, hostID, vm); err != nil {
			return err
		}
		if a.gpu != nil {
			if err := a.gpu.update(ctx, tx, hostID, vm.ID); err != nil {
				return err
			}
		}
		placement = p
		return nil
	})
	if err != nil {
		return err
	}
	a.Placement = placement
	return nil
}
