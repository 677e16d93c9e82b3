// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package allocator places VMs on hosts. Candidate hosts are read
// without locking and scored; only the winning placement is written,
// in a single transaction whose counter updates are relative deltas
// guarded by the hosts' totals, so concurrent placements never
// overcommit a host.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"git.clover.dev/clover.git/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// An Allocator chooses hosts for VMs and commits the choice.
type Allocator struct {
	Store   Store
	Scoring Scoring

	// Rand returns a uniform random number in [0, 1). It must be
	// safe to call concurrently. Default math/rand.Float64.
	Rand func() float64

	mAllocations        prometheus.Counter
	mAllocationFailures *prometheus.CounterVec
	mCandidates         prometheus.Gauge
	mPlacementSeconds   prometheus.Histogram
}

// New returns an Allocator that places VMs using the given store.
func New(store Store, scoring Scoring, reg *prometheus.Registry) *Allocator {
	alloc := &Allocator{
		Store:   store,
		Scoring: scoring,
		Rand:    rand.Float64,
	}
	alloc.registerMetrics(reg)
	return alloc
}

func (alloc *Allocator) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	alloc.mAllocations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "clover",
		Subsystem: "allocator",
		Name:      "allocations_total",
		Help:      "Number of VM placements committed.",
	})
	reg.MustRegister(alloc.mAllocations)
	alloc.mAllocationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clover",
		Subsystem: "allocator",
		Name:      "allocation_failures_total",
		Help:      "Number of VM placements that failed, by reason.",
	}, []string{"reason"})
	reg.MustRegister(alloc.mAllocationFailures)
	alloc.mCandidates = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "clover",
		Subsystem: "allocator",
		Name:      "candidates",
		Help:      "Number of candidate hosts returned for the most recent placement.",
	})
	reg.MustRegister(alloc.mCandidates)
	alloc.mPlacementSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "clover",
		Subsystem: "allocator",
		Name:      "placement_seconds",
		Help:      "Time taken to choose a host and commit a placement.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})
	reg.MustRegister(alloc.mPlacementSeconds)
}

// CandidateHosts returns a fresh snapshot of the hosts that pass the
// request's hard filters.
func (alloc *Allocator) CandidateHosts(ctx context.Context, req *Request) ([]Candidate, error) {
	candidates, err := alloc.Store.CandidateHosts(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("querying candidate hosts: %w", err)
	}
	alloc.mCandidates.Set(float64(len(candidates)))
	return candidates, nil
}

// RandomScore returns a random tie-break score in [0,
// Scoring.MaxRandomScore].
func (alloc *Allocator) RandomScore() float64 {
	r := alloc.Rand()
	if r < 0 {
		r = 0
	} else if r > 1 {
		r = 1
	}
	return r * alloc.Scoring.MaxRandomScore
}

// BestAllocation returns the valid allocation with the lowest score
// plus random tie-break, or ErrNoSpace if there is none.
func (alloc *Allocator) BestAllocation(ctx context.Context, req *Request) (*Allocation, error) {
	candidates, err := alloc.CandidateHosts(ctx, req)
	if err != nil {
		return nil, err
	}
	var best *Allocation
	var bestScore float64
	for _, c := range candidates {
		a, err := NewAllocation(c, req, alloc.Scoring)
		if err != nil {
			return nil, err
		}
		if !a.Valid() {
			continue
		}
		if score := a.Score + alloc.RandomScore(); best == nil || score < bestScore {
			best, bestScore = a, score
		}
	}
	if best == nil {
		return nil, fmt.Errorf("vm %s: %w", req.VMID, ErrNoSpace)
	}
	return best, nil
}

// Allocate chooses a host for vm and commits the placement. It does
// not retry: if IsRetryable(err), the caller should try again later.
func (alloc *Allocator) Allocate(ctx context.Context, vm VM, volumes []VolumeRequest, opts Options) (*Allocation, error) {
	t0 := time.Now()
	req := NewRequest(vm, volumes, opts)
	a, err := alloc.BestAllocation(ctx, req)
	if err == nil {
		err = a.Update(ctx, alloc.Store, vm)
	}
	alloc.mPlacementSeconds.Observe(time.Since(t0).Seconds())
	if err != nil {
		alloc.mAllocationFailures.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}
	alloc.mAllocations.Inc()
	fields := logrus.Fields{
		"VMID":       vm.ID,
		"HostID":     a.Candidate.HostID,
		"Allocation": a.String(),
	}
	if !vm.CreatedAt.IsZero() {
		fields["Duration"] = time.Since(vm.CreatedAt).Seconds()
	}
	ctxlog.FromContext(ctx).WithFields(fields).Info("vm allocated")
	return a, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrNoSpace):
		return "no_space"
	case errors.Is(err, ErrConcurrentAllocation):
		return "concurrent_allocation"
	case errors.Is(err, ErrNoIPv4):
		return "no_ipv4"
	case errors.Is(err, ErrOvercommitted):
		return "overcommitted"
	default:
		return "error"
	}
}
