// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package allocator

import (
	"context"
	"fmt"
)

// gpuAllocation is a claim on some of a host's GPUs, identified by
// their IOMMU groups.
type gpuAllocation struct {
	total     int
	used      int
	requested int
	groups    []int
}

// newGPUAllocation claims the count lowest-numbered free IOMMU
// groups of c. If fewer are free, the allocation is not valid.
func newGPUAllocation(c Candidate, count int) *gpuAllocation {
	ga := &gpuAllocation{
		total:     c.NumGPUs,
		used:      c.NumGPUs - c.AvailableGPUs,
		requested: count,
	}
	if len(c.AvailableIOMMUGroups) >= count {
		ga.groups = append([]int(nil), c.AvailableIOMMUGroups[:count]...)
	}
	return ga
}

func (ga *gpuAllocation) valid() bool {
	return ga.requested > 0 && ga.used+ga.requested <= ga.total && len(ga.groups) == ga.requested
}

func (ga *gpuAllocation) utilization() float64 {
	if ga.total <= 0 {
		return 1
	}
	return float64(ga.used+ga.requested) / float64(ga.total)
}

func (ga *gpuAllocation) update(ctx context.Context, tx StoreTx, hostID, vmID string) error {
	n, err := tx.ClaimGPUs(ctx, hostID, vmID, ga.groups)
	if err != nil {
		return err
	}
	if n < len(ga.groups) {
		return fmt.Errorf("host %s: claiming IOMMU groups %v: %w", hostID, ga.groups, ErrConcurrentAllocation)
	}
	return nil
}
