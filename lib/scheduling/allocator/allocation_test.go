// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package allocator_test

import (
	"errors"
	"fmt"
	"math/rand"

	"git.clover.dev/clover.git/lib/scheduling/allocator"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&AllocationSuite{})

type AllocationSuite struct {
	scoring allocator.Scoring
}

func (s *AllocationSuite) SetUpTest(c *check.C) {
	s.scoring = allocator.DefaultScoring()
}

// Candidate at 50% utilization in every dimension after placing
// baseRequest.
func baseCandidate() allocator.Candidate {
	return allocator.Candidate{
		HostID:              "host1",
		Location:            "loc-a",
		Arch:                "x64",
		AllocationState:     "accepting",
		TotalCores:          16,
		UsedCores:           4,
		TotalMemoryGiB:      64,
		UsedMemoryGiB:       16,
		TotalStorageGiB:     100,
		AvailableStorageGiB: 50,
		StorageDevices:      []allocator.StorageDevice{{ID: "dev0", TotalGiB: 100, AvailableGiB: 50}},
		TotalIPv4:           8,
		UsedIPv4:            1,
	}
}

func baseRequest() *allocator.Request {
	return allocator.NewRequest(allocator.VM{ID: "vm1", Cores: 4, MemoryGiB: 16, Arch: "x64", BootImage: "ubuntu-jammy"}, nil, allocator.Options{})
}

func (s *AllocationSuite) TestUtilizationScore(c *check.C) {
	for _, trial := range []struct {
		usedCores, usedMemory, availableStorage int
		want                                    float64
	}{
		// utilization 0.5 everywhere: target - mean
		{4, 16, 50, 0.72 - 0.5},
		// cores at 1.0: target - mean, plus imbalance
		{12, 16, 50, 0.72 - 2.0/3 + 0.5},
		// everything full: over target is penalized more
		{12, 48, 0, (1 - 0.72) + 1},
		// empty host: cores 0.25, memory 0.25, storage 0
		{0, 0, 100, 0.72 - 0.5/3 + 0.25},
	} {
		cand := baseCandidate()
		cand.UsedCores, cand.UsedMemoryGiB, cand.AvailableStorageGiB = trial.usedCores, trial.usedMemory, trial.availableStorage
		cand.StorageDevices[0].AvailableGiB = trial.availableStorage
		a, err := allocator.NewAllocation(cand, baseRequest(), s.scoring)
		c.Assert(err, check.IsNil)
		c.Check(a.Valid(), check.Equals, true)
		checkScore(c, a.Score, trial.want, trial)
	}
}

func (s *AllocationSuite) TestPenalties(c *check.C) {
	base := 0.72 - 0.5
	s.scoring.LegacyHostTotalCores = 16
	for _, trial := range []struct {
		label  string
		modify func(*allocator.Candidate, *allocator.Request, *allocator.Scoring)
		want   float64
	}{
		{"none", func(*allocator.Candidate, *allocator.Request, *allocator.Scoring) {
			// LegacyHostLocations excludes loc-a
		}, base},
		{"provisioning", func(cand *allocator.Candidate, _ *allocator.Request, _ *allocator.Scoring) {
			cand.ProvisioningCount = 3
		}, base + 1.5},
		{"provisioning in other location", func(cand *allocator.Candidate, _ *allocator.Request, sc *allocator.Scoring) {
			cand.ProvisioningCount = 3
			sc.ProvisioningPenaltyLocations = []string{"loc-b"}
		}, base},
		{"legacy host", func(_ *allocator.Candidate, _ *allocator.Request, sc *allocator.Scoring) {
			sc.LegacyHostLocations = nil
		}, base + 0.5},
		{"legacy host disabled", func(_ *allocator.Candidate, _ *allocator.Request, sc *allocator.Scoring) {
			sc.LegacyHostLocations = nil
			sc.LegacyHostTotalCores = 0
		}, base},
		{"gpu host", func(cand *allocator.Candidate, _ *allocator.Request, _ *allocator.Scoring) {
			cand.NumGPUs, cand.AvailableGPUs = 1, 1
		}, base + 5},
		{"location preference not met", func(_ *allocator.Candidate, req *allocator.Request, _ *allocator.Scoring) {
			req.LocationPreference = []string{"loc-b"}
		}, base + 10},
		{"location preference met", func(_ *allocator.Candidate, req *allocator.Request, _ *allocator.Scoring) {
			req.LocationPreference = []string{"loc-b", "loc-a"}
		}, base},
		{"all", func(cand *allocator.Candidate, req *allocator.Request, sc *allocator.Scoring) {
			cand.ProvisioningCount = 1
			cand.NumGPUs, cand.AvailableGPUs = 2, 2
			sc.LegacyHostLocations = nil
			req.LocationPreference = []string{"loc-b"}
		}, base + 0.5 + 0.5 + 5 + 10},
	} {
		cand, req, scoring := baseCandidate(), baseRequest(), s.scoring
		scoring.LegacyHostLocations = []string{"loc-z"}
		trial.modify(&cand, req, &scoring)
		a, err := allocator.NewAllocation(cand, req, scoring)
		c.Assert(err, check.IsNil)
		checkScore(c, a.Score, trial.want, trial.label)
	}
}

func (s *AllocationSuite) TestOvercommitted(c *check.C) {
	for _, modify := range []func(*allocator.Candidate){
		func(cand *allocator.Candidate) { cand.UsedCores = 17 },
		func(cand *allocator.Candidate) { cand.UsedMemoryGiB = 65 },
		func(cand *allocator.Candidate) { cand.AvailableStorageGiB = 101 },
		func(cand *allocator.Candidate) { cand.AvailableStorageGiB = -1 },
		func(cand *allocator.Candidate) {
			cand.StorageDevices = []allocator.StorageDevice{
				{ID: "dev0", TotalGiB: 50, AvailableGiB: 60},
				{ID: "dev1", TotalGiB: 50, AvailableGiB: -10},
			}
		},
	} {
		cand := baseCandidate()
		modify(&cand)
		_, err := allocator.NewAllocation(cand, baseRequest(), s.scoring)
		c.Check(errors.Is(err, allocator.ErrOvercommitted), check.Equals, true, check.Commentf("%v", err))
		c.Check(allocator.IsRetryable(err), check.Equals, false)
	}
}

// An allocation is valid if and only if every requested dimension
// fits.
func (s *AllocationSuite) TestValidityMatchesFeasibility(c *check.C) {
	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		cand := baseCandidate()
		cand.TotalCores = 1 + rnd.Intn(32)
		cand.UsedCores = rnd.Intn(cand.TotalCores + 1)
		cand.TotalMemoryGiB = 1 + rnd.Intn(128)
		cand.UsedMemoryGiB = rnd.Intn(cand.TotalMemoryGiB + 1)
		cand.StorageDevices = nil
		cand.TotalStorageGiB, cand.AvailableStorageGiB = 0, 0
		for d := 0; d < 1+rnd.Intn(3); d++ {
			total := 10 + rnd.Intn(100)
			avail := rnd.Intn(total + 1)
			cand.StorageDevices = append(cand.StorageDevices, allocator.StorageDevice{ID: fmt.Sprintf("dev%d", d), TotalGiB: total, AvailableGiB: avail})
			cand.TotalStorageGiB += total
			cand.AvailableStorageGiB += avail
		}
		cand.NumGPUs = rnd.Intn(3)
		cand.AvailableGPUs = rnd.Intn(cand.NumGPUs + 1)
		cand.AvailableIOMMUGroups = nil
		for g := 0; g < cand.AvailableGPUs; g++ {
			cand.AvailableIOMMUGroups = append(cand.AvailableIOMMUGroups, 10+g)
		}

		var vols []allocator.VolumeRequest
		for v := 0; v < rnd.Intn(4); v++ {
			vols = append(vols, allocator.VolumeRequest{SizeGiB: 1 + rnd.Intn(60)})
		}
		vm := allocator.VM{ID: "vm", Cores: 1 + rnd.Intn(16), MemoryGiB: 1 + rnd.Intn(64)}
		req := allocator.NewRequest(vm, vols, allocator.Options{
			DistinctStorageDevices: rnd.Intn(2) == 0,
			GPUCount:               rnd.Intn(3),
		})
		a, err := allocator.NewAllocation(cand, req, s.scoring)
		c.Assert(err, check.IsNil)

		// Feasibility from the allocation's own device mapping.
		devices := a.VolumeDevices()
		mapped := len(devices) == len(req.Volumes)
		claimed := map[string]int{}
		perDevice := map[string]int{}
		for _, vol := range req.Volumes {
			if dev, ok := devices[vol.DiskIndex]; ok {
				claimed[dev] += vol.SizeGiB
				perDevice[dev]++
			}
		}
		for _, dev := range cand.StorageDevices {
			c.Check(claimed[dev.ID] <= dev.AvailableGiB, check.Equals, true)
			if req.DistinctStorageDevices {
				c.Check(perDevice[dev.ID] <= 1, check.Equals, true)
			}
		}
		feasible := vm.Cores+cand.UsedCores <= cand.TotalCores &&
			vm.MemoryGiB+cand.UsedMemoryGiB <= cand.TotalMemoryGiB &&
			req.StorageGiB <= cand.AvailableStorageGiB &&
			mapped &&
			cand.AvailableGPUs >= req.GPUCount
		c.Check(a.Valid(), check.Equals, feasible, check.Commentf("candidate %+v request %+v", cand, req))
		if a.Valid() {
			c.Check(a.Score >= 0, check.Equals, true)
		}
	}
}

func (s *AllocationSuite) TestStorageFirstFit(c *check.C) {
	cand := baseCandidate()
	cand.StorageDevices = []allocator.StorageDevice{
		{ID: "small", TotalGiB: 10, AvailableGiB: 5},
		{ID: "big", TotalGiB: 200, AvailableGiB: 100},
	}
	cand.TotalStorageGiB, cand.AvailableStorageGiB = 210, 105
	vols := []allocator.VolumeRequest{{SizeGiB: 10}, {SizeGiB: 50}, {SizeGiB: 5}}

	req := allocator.NewRequest(allocator.VM{ID: "vm1", Cores: 1, MemoryGiB: 1}, vols, allocator.Options{})
	a, err := allocator.NewAllocation(cand, req, s.scoring)
	c.Assert(err, check.IsNil)
	c.Check(a.Valid(), check.Equals, true)
	c.Check(a.VolumeDevices(), check.DeepEquals, map[int]string{0: "big", 1: "big", 2: "small"})

	// With distinct devices, the 10 GiB volume has nowhere to go.
	req = allocator.NewRequest(allocator.VM{ID: "vm1", Cores: 1, MemoryGiB: 1}, vols[:2], allocator.Options{DistinctStorageDevices: true})
	a, err = allocator.NewAllocation(cand, req, s.scoring)
	c.Assert(err, check.IsNil)
	c.Check(a.Valid(), check.Equals, false)
}

// Two volumes [50, 10] on distinct devices cannot fit on devices
// with 40 and 30 GiB available, even though 70 GiB are available in
// total.
func (s *AllocationSuite) TestDistinctDevicesTooSmall(c *check.C) {
	cand := baseCandidate()
	cand.StorageDevices = []allocator.StorageDevice{
		{ID: "dev1", TotalGiB: 100, AvailableGiB: 30},
		{ID: "dev2", TotalGiB: 100, AvailableGiB: 40},
	}
	cand.TotalStorageGiB, cand.AvailableStorageGiB = 200, 70
	req := allocator.NewRequest(allocator.VM{ID: "vm1", Cores: 1, MemoryGiB: 1},
		[]allocator.VolumeRequest{{SizeGiB: 50}, {SizeGiB: 10}},
		allocator.Options{DistinctStorageDevices: true})
	a, err := allocator.NewAllocation(cand, req, s.scoring)
	c.Assert(err, check.IsNil)
	c.Check(a.Valid(), check.Equals, false)
}

func (s *AllocationSuite) TestStorageUtilization(c *check.C) {
	cand := baseCandidate()
	cand.TotalStorageGiB, cand.AvailableStorageGiB = 100, 100
	cand.StorageDevices[0].AvailableGiB = 100
	req := allocator.NewRequest(allocator.VM{ID: "vm1", Cores: 4, MemoryGiB: 16}, []allocator.VolumeRequest{{SizeGiB: 50}}, allocator.Options{})
	a, err := allocator.NewAllocation(cand, req, s.scoring)
	c.Assert(err, check.IsNil)
	// cores 0.5, memory 0.5, storage 1-(100-50)/100
	checkScore(c, a.Score, 0.72-0.5)
}

func (s *AllocationSuite) TestGPU(c *check.C) {
	cand := baseCandidate()
	cand.NumGPUs, cand.AvailableGPUs, cand.AvailableIOMMUGroups = 2, 1, []int{7}
	req := baseRequest()
	req.GPUCount = 1
	a, err := allocator.NewAllocation(cand, req, s.scoring)
	c.Assert(err, check.IsNil)
	c.Check(a.Valid(), check.Equals, true)
	c.Check(a.IOMMUGroups(), check.DeepEquals, []int{7})
	// cores, memory, storage 0.5; gpu (1+1)/2
	checkScore(c, a.Score, 0.72-2.5/4+0.5)

	cand.AvailableGPUs, cand.AvailableIOMMUGroups = 0, nil
	a, err = allocator.NewAllocation(cand, req, s.scoring)
	c.Assert(err, check.IsNil)
	c.Check(a.Valid(), check.Equals, false)

	req.GPUCount = 0
	a, err = allocator.NewAllocation(cand, req, s.scoring)
	c.Assert(err, check.IsNil)
	c.Check(a.Valid(), check.Equals, true)
	c.Check(a.IOMMUGroups(), check.IsNil)
}

func (s *AllocationSuite) TestGPUCount(c *check.C) {
	cand := baseCandidate()
	cand.NumGPUs, cand.AvailableGPUs, cand.AvailableIOMMUGroups = 4, 3, []int{2, 5, 9}
	req := baseRequest()
	req.GPUCount = 2
	a, err := allocator.NewAllocation(cand, req, s.scoring)
	c.Assert(err, check.IsNil)
	c.Check(a.Valid(), check.Equals, true)
	c.Check(a.IOMMUGroups(), check.DeepEquals, []int{2, 5})
	// cores, memory, storage 0.5; gpu (1+2)/4
	checkScore(c, a.Score, 0.72-2.25/4+0.25)

	req.GPUCount = 3
	a, err = allocator.NewAllocation(cand, req, s.scoring)
	c.Assert(err, check.IsNil)
	c.Check(a.Valid(), check.Equals, true)
	c.Check(a.IOMMUGroups(), check.DeepEquals, []int{2, 5, 9})

	req.GPUCount = 4
	a, err = allocator.NewAllocation(cand, req, s.scoring)
	c.Assert(err, check.IsNil)
	c.Check(a.Valid(), check.Equals, false)
	c.Check(a.IOMMUGroups(), check.IsNil)
}

func (s *AllocationSuite) TestString(c *check.C) {
	req := allocator.NewRequest(allocator.VM{ID: "vm1", Cores: 4, MemoryGiB: 16, Arch: "x64"}, []allocator.VolumeRequest{{SizeGiB: 40}}, allocator.Options{})
	a, err := allocator.NewAllocation(baseCandidate(), req, s.scoring)
	c.Assert(err, check.IsNil)
	c.Check(a.String(), check.Equals, "vm1 (arch=x64, cores=4, mem=16, storage=40 GiB) -> host1 (cores=4/16, mem=16/64, storage=50 GiB/100 GiB), score=0.4867")
}
