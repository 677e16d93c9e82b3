// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package allocator

import (
	"slices"

	"git.clover.dev/clover.git/sdk/go/clover"
)

// Scoring holds the tunables of the placement score. See
// clover.AllocatorConfig for their meaning.
type Scoring struct {
	TargetUtilization float64
	MaxRandomScore    float64

	ProvisioningPenalty          float64
	ProvisioningPenaltyLocations []string
	LegacyHostPenalty            float64
	LegacyHostTotalCores         int
	LegacyHostLocations          []string
	GPUHostPenalty               float64
	LocationPreferencePenalty    float64
}

// DefaultScoring returns the scoring used when nothing is
// configured.
func DefaultScoring() Scoring {
	return Scoring{
		TargetUtilization:    0.72,
		MaxRandomScore:       0.1,
		ProvisioningPenalty:  0.5,
		LegacyHostPenalty:    0.5,
		LegacyHostTotalCores: 32,
		GPUHostPenalty:       5,

		LocationPreferencePenalty: 10,
	}
}

// ScoringFromConfig returns the scoring described by cfg.
func ScoringFromConfig(cfg clover.AllocatorConfig) Scoring {
	p := cfg.Penalties
	return Scoring{
		TargetUtilization:            cfg.TargetUtilization,
		MaxRandomScore:               cfg.MaxRandomScore,
		ProvisioningPenalty:          p.Provisioning,
		ProvisioningPenaltyLocations: p.ProvisioningLocations,
		LegacyHostPenalty:            p.LegacyHost,
		LegacyHostTotalCores:         p.LegacyHostTotalCores,
		LegacyHostLocations:          p.LegacyHostLocations,
		GPUHostPenalty:               p.GPUHost,
		LocationPreferencePenalty:    p.LocationPreference,
	}
}

// inLocations reports whether loc is in locs. An empty list matches
// every location.
func inLocations(locs []string, loc string) bool {
	if len(locs) == 0 {
		return true
	}
	return slices.Contains(locs, loc)
}
