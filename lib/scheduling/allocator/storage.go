// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package allocator

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmcvetta/randutil"
)

const keyWrappingAlgorithm = "aes-256-gcm"

// deviceAllocation tracks the space claimed on one storage device.
type deviceAllocation struct {
	id        string
	available int
	allocated int
}

// storageAllocation maps each requested volume onto a storage device
// of the candidate.
type storageAllocation struct {
	total     int
	available int
	requested int

	devices      []*deviceAllocation
	volumes      []IndexedVolume
	volumeDevice map[int]string // disk index => device ID
	ok           bool
}

func newStorageAllocation(c Candidate, req *Request) *storageAllocation {
	sa := &storageAllocation{
		total:        c.TotalStorageGiB,
		available:    c.AvailableStorageGiB,
		requested:    req.StorageGiB,
		volumes:      req.Volumes,
		volumeDevice: map[int]string{},
	}
	for _, dev := range c.StorageDevices {
		sa.devices = append(sa.devices, &deviceAllocation{id: dev.ID, available: dev.AvailableGiB})
	}
	sa.ok = sa.mapVolumes(req.DistinctStorageDevices)
	return sa
}

// mapVolumes assigns each volume, largest first, to the first device
// (least available space first) with room for it. With distinct set,
// a device that already received a volume is not used again.
func (sa *storageAllocation) mapVolumes(distinct bool) bool {
	if sa.available < sa.requested {
		return false
	}
	for _, vol := range sa.volumes {
		var chosen *deviceAllocation
		for _, dev := range sa.devices {
			if dev.available >= vol.SizeGiB && !(distinct && dev.allocated > 0) {
				chosen = dev
				break
			}
		}
		if chosen == nil {
			return false
		}
		chosen.available -= vol.SizeGiB
		chosen.allocated += vol.SizeGiB
		sa.volumeDevice[vol.DiskIndex] = chosen.id
	}
	return true
}

func (sa *storageAllocation) valid() bool {
	return sa.ok
}

func (sa *storageAllocation) utilization() float64 {
	if sa.total <= 0 {
		return 1
	}
	return 1 - float64(sa.available-sa.requested)/float64(sa.total)
}

func (sa *storageAllocation) update(ctx context.Context, tx StoreTx, hostID string, vm VM) error {
	for _, dev := range sa.devices {
		if dev.allocated == 0 {
			continue
		}
		if err := tx.AddDeviceUsage(ctx, dev.id, dev.allocated); err != nil {
			return fmt.Errorf("storage device %s: %w", dev.id, err)
		}
	}
	if len(sa.volumes) == 0 {
		return nil
	}
	engines, err := tx.StorageEngines(ctx, hostID)
	if err != nil {
		return err
	}
	for _, vol := range sa.volumes {
		engineID, err := chooseStorageEngine(engines)
		if err != nil {
			return fmt.Errorf("host %s: %w", hostID, err)
		}
		rec := &Volume{
			ID:              uuid.NewString(),
			VMID:            vm.ID,
			Boot:            vol.Boot,
			SizeGiB:         vol.SizeGiB,
			DiskIndex:       vol.DiskIndex,
			StorageDeviceID: sa.volumeDevice[vol.DiskIndex],
			StorageEngineID: engineID,
			SkipSync:        vol.SkipSync,
			MaxIOPS:         vol.MaxIOPS,
			MaxReadMBps:     vol.MaxReadMBps,
			MaxWriteMBps:    vol.MaxWriteMBps,
		}
		if vol.Encrypted {
			kek, err := NewKeyEncryptionKey(fmt.Sprintf("%s_%d", vm.InhostName, vol.DiskIndex))
			if err != nil {
				return err
			}
			if err := tx.CreateKeyEncryptionKey(ctx, kek); err != nil {
				return err
			}
			rec.KeyEncryptionKeyID = kek.ID
		}
		var image string
		if vol.Boot {
			image = vm.BootImage
		} else if vol.ReadOnly {
			image = vol.Image
		}
		if image != "" {
			rec.BootImageID, err = tx.ActiveBootImage(ctx, hostID, image)
			if err != nil {
				return fmt.Errorf("host %s: boot image %q: %w", hostID, image, err)
			}
		}
		if err := tx.CreateVolume(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// chooseStorageEngine picks one of the engines at random, in
// proportion to their weights.
func chooseStorageEngine(engines []StorageEngine) (string, error) {
	var choices []randutil.Choice
	total := 0
	for _, e := range engines {
		if e.Weight > 0 {
			choices = append(choices, randutil.Choice{Weight: e.Weight, Item: e.ID})
			total += e.Weight
		}
	}
	if total == 0 {
		return "", errors.New("total weight of storage engine installations is zero")
	}
	choice, err := randutil.WeightedChoice(choices)
	if err != nil {
		return "", err
	}
	return choice.Item.(string), nil
}

// NewKeyEncryptionKey returns a new random AES-256-GCM key and IV
// with the given authenticated data.
func NewKeyEncryptionKey(authData string) (*KeyEncryptionKey, error) {
	key := make([]byte, 32)
	iv := make([]byte, 12)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	return &KeyEncryptionKey{
		ID:         uuid.NewString(),
		Algorithm:  keyWrappingAlgorithm,
		Key:        base64.StdEncoding.EncodeToString(key),
		InitVector: base64.StdEncoding.EncodeToString(iv),
		AuthData:   authData,
	}, nil
}
