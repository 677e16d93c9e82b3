// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package clover

import (
	"fmt"
)

const DefaultConfigFile = "/etc/clover/config.yml"

type Config struct {
	Clusters map[string]Cluster
}

// GetCluster returns the cluster ID and config for the given
// cluster, or the default/only configured cluster if clusterID is "".
func (sc *Config) GetCluster(clusterID string) (*Cluster, error) {
	if clusterID == "" {
		if len(sc.Clusters) == 0 {
			return nil, fmt.Errorf("no clusters configured")
		} else if len(sc.Clusters) > 1 {
			return nil, fmt.Errorf("multiple clusters configured, cannot choose")
		} else {
			for id, cc := range sc.Clusters {
				cc.ClusterID = id
				return &cc, nil
			}
		}
	}
	if cc, ok := sc.Clusters[clusterID]; !ok {
		return nil, fmt.Errorf("cluster %q is not configured", clusterID)
	} else {
		cc.ClusterID = clusterID
		return &cc, nil
	}
}

type Cluster struct {
	ClusterID       string `json:"-"`
	ManagementToken string

	PostgreSQL struct {
		Connection     PostgreSQLConnection
		ConnectionPool int
	}
	SystemLogs struct {
		LogLevel string
		Format   string
	}
	Services struct {
		Respirate struct {
			Listen string
		}
	}

	Dispatcher DispatcherConfig
	Allocator  AllocatorConfig
}

// DispatcherConfig controls how many strands a respirate process
// runs at once and how long each may run before the process is
// considered wedged.
type DispatcherConfig struct {
	// Number of strands run concurrently, before clamping to
	// [MinThreads, MaxThreads] and to the database pool.
	PoolSize   int
	MinThreads int
	MaxThreads int

	PollInterval Duration

	// Lease granted to a strand run. Registry-wide; every
	// respirate process must agree on it.
	LeaseDuration Duration

	// Time allowed for the goroutine dump to flush before the
	// process is killed.
	DumpTimeout Duration

	// Subtracted (with DumpTimeout) from LeaseDuration to get the
	// apoptosis timeout.
	ApoptosisMargin Duration

	// Delay before a strand whose step returned an error is
	// eligible again.
	ErrorBackoff Duration

	// If PartitionCount > 0, this process normally scans only
	// partition PartitionNumber (1..PartitionCount) of the strand
	// ID space. When its own partition has nothing to run, it
	// also picks up strands from any partition that have been
	// waiting longer than OldStrandAge.
	PartitionNumber int
	PartitionCount  int
	OldStrandAge    Duration
}

// ApoptosisTimeout returns how long a strand run may take before
// the watchdog kills the process.
func (dc DispatcherConfig) ApoptosisTimeout() Duration {
	return dc.LeaseDuration - dc.DumpTimeout - dc.ApoptosisMargin
}

// StrandRuntime returns the time budget given to a single strand
// step.
func (dc DispatcherConfig) StrandRuntime() Duration {
	return dc.LeaseDuration / 4
}

type AllocatorConfig struct {
	// Host utilization the scoring function steers towards,
	// averaged over the requested resource dimensions.
	TargetUtilization float64

	// Upper bound of the uniform random tie-break added to each
	// score.
	MaxRandomScore float64

	Penalties AllocatorPenalties
}

// AllocatorPenalties are additive score terms applied after the
// utilization and imbalance terms, in field order.
type AllocatorPenalties struct {
	// Added per VM currently provisioning on the host, for hosts
	// in ProvisioningLocations (all locations if empty).
	Provisioning          float64
	ProvisioningLocations []string

	// Added for hosts of a legacy class, identified by total
	// core count, in LegacyHostLocations (all locations if
	// empty). LegacyHostTotalCores 0 disables the penalty.
	LegacyHost           float64
	LegacyHostTotalCores int
	LegacyHostLocations  []string

	// Added when a host has GPUs but the request does not need
	// one.
	GPUHost float64

	// Added when the request has a location preference that the
	// host does not satisfy.
	LocationPreference float64
}
