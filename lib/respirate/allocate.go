// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package respirate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"git.clover.dev/clover.git/lib/scheduling/allocator"
	"git.clover.dev/clover.git/lib/scheduling/strand"
	"git.clover.dev/clover.git/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

// Nap between placement attempts when no host has room.
const noCapacityNap = 30 * time.Second

// An allocateFrame is the top stack frame of an AllocateVM strand.
type allocateFrame struct {
	VMID                   string          `json:"vm_id"`
	StorageVolumes         []volumeRequest `json:"storage_volumes"`
	DistinctStorageDevices bool            `json:"distinct_storage_devices"`
	GPU                    bool            `json:"gpu"`
	GPUCount               int             `json:"gpu_count"`
	AllocationStateFilter  []string        `json:"allocation_state_filter"`
	HostFilter             []string        `json:"host_filter"`
	HostExclusionFilter    []string        `json:"host_exclusion_filter"`
	LocationFilter         []string        `json:"location_filter"`
	LocationPreference     []string        `json:"location_preference"`
}

type volumeRequest struct {
	SizeGiB      int    `json:"size_gib"`
	Boot         bool   `json:"boot"`
	ReadOnly     bool   `json:"read_only"`
	Encrypted    bool   `json:"encrypted"`
	SkipSync     bool   `json:"skip_sync"`
	Image        string `json:"image"`
	MaxIOPS      int    `json:"max_ios_per_sec"`
	MaxReadMBps  int    `json:"max_read_mbytes_per_sec"`
	MaxWriteMBps int    `json:"max_write_mbytes_per_sec"`
}

// vmSource looks up the VM being placed. Implemented by
// allocator.PGStore.
type vmSource interface {
	VM(ctx context.Context, id string) (allocator.VM, error)
}

// AllocateVM is the strand prog that places a VM. It naps and tries
// again while there is no capacity, and exits with the chosen host
// once the placement is committed.
type AllocateVM struct {
	Allocator *allocator.Allocator
	VMs       vmSource
}

func (prog *AllocateVM) Step(ctx context.Context, s *strand.Strand) (strand.Outcome, error) {
	frame, err := topFrame(s)
	if err != nil {
		return strand.Outcome{}, err
	}
	vm, err := prog.VMs.VM(ctx, frame.VMID)
	if err != nil {
		return strand.Outcome{}, err
	}
	var vols []allocator.VolumeRequest
	for _, v := range frame.StorageVolumes {
		vols = append(vols, allocator.VolumeRequest{
			SizeGiB:      v.SizeGiB,
			Boot:         v.Boot,
			ReadOnly:     v.ReadOnly,
			Encrypted:    v.Encrypted,
			SkipSync:     v.SkipSync,
			Image:        v.Image,
			MaxIOPS:      v.MaxIOPS,
			MaxReadMBps:  v.MaxReadMBps,
			MaxWriteMBps: v.MaxWriteMBps,
		})
	}
	a, err := prog.Allocator.Allocate(ctx, vm, vols, allocator.Options{
		DistinctStorageDevices: frame.DistinctStorageDevices,
		GPUCount:               frame.gpuCount(),
		AllocationStateFilter:  frame.AllocationStateFilter,
		HostFilter:             frame.HostFilter,
		HostExclusionFilter:    frame.HostExclusionFilter,
		LocationFilter:         frame.LocationFilter,
		LocationPreference:     frame.LocationPreference,
	})
	if allocator.IsRetryable(err) {
		ctxlog.FromContext(ctx).WithFields(logrus.Fields{
			"VMID": vm.ID,
			"Arch": vm.Arch,
		}).WithError(err).Info("no capacity left")
		return strand.Outcome{Nap: noCapacityNap}, nil
	} else if err != nil {
		return strand.Outcome{}, err
	}
	exit, err := json.Marshal(map[string]string{
		"msg":        "vm allocated",
		"vm_host_id": a.Candidate.HostID,
	})
	if err != nil {
		return strand.Outcome{}, err
	}
	exitval := string(exit)
	return strand.Outcome{Exit: &exitval}, nil
}

func topFrame(s *strand.Strand) (allocateFrame, error) {
	var frames []allocateFrame
	if err := json.Unmarshal(s.Stack, &frames); err != nil {
		return allocateFrame{}, fmt.Errorf("strand %s: decoding stack: %w", s.ID, err)
	}
	if len(frames) == 0 {
		return allocateFrame{}, fmt.Errorf("strand %s: empty stack", s.ID)
	}
	if frames[0].VMID == "" {
		return allocateFrame{}, errors.New("stack frame has no vm_id")
	}
	if frames[0].GPUCount < 0 {
		return allocateFrame{}, fmt.Errorf("stack frame has negative gpu_count %d", frames[0].GPUCount)
	}
	return frames[0], nil
}

// gpuCount returns the number of GPUs to request. The older "gpu"
// flag means one.
func (frame allocateFrame) gpuCount() int {
	if frame.GPUCount == 0 && frame.GPU {
		return 1
	}
	return frame.GPUCount
}
