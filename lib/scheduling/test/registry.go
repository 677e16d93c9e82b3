// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package test provides in-memory stand-ins for the strand registry
// and the resource inventory.
package test

import (
	"context"
	"sort"
	"sync"
	"time"

	"git.clover.dev/clover.git/lib/scheduling/strand"
)

// StubRegistry is an in-memory strand registry with the same lease
// semantics as strand.PGRegistry.
type StubRegistry struct {
	Progs        strand.ProgMap
	Lease        time.Duration
	ErrorBackoff time.Duration

	// If not nil, returned by FindEligible.
	FindErr error

	mtx     sync.Mutex
	strands map[string]*strand.Strand
	finds   int
	queries []strand.Query
	runs    []string
}

// Add inserts strands into the registry.
func (reg *StubRegistry) Add(strands ...*strand.Strand) {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	if reg.strands == nil {
		reg.strands = map[string]*strand.Strand{}
	}
	for _, s := range strands {
		cp := *s
		reg.strands[s.ID] = &cp
	}
}

// Get returns a copy of the strand with the given ID.
func (reg *StubRegistry) Get(id string) (strand.Strand, bool) {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	s, ok := reg.strands[id]
	if !ok {
		return strand.Strand{}, false
	}
	return *s, true
}

// FindCalls returns the number of times FindEligible has queried
// the registry.
func (reg *StubRegistry) FindCalls() int {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	return reg.finds
}

// Queries returns the queries passed to FindEligible, in order.
func (reg *StubRegistry) Queries() []strand.Query {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	return append([]strand.Query(nil), reg.queries...)
}

// Runs returns the IDs of strands whose lease was acquired by Run,
// in order.
func (reg *StubRegistry) Runs() []string {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	return append([]string(nil), reg.runs...)
}

func (reg *StubRegistry) LeaseDuration() time.Duration {
	if reg.Lease == 0 {
		return 2 * time.Minute
	}
	return reg.Lease
}

func (reg *StubRegistry) FindEligible(ctx context.Context, q strand.Query) ([]*strand.Strand, error) {
	if q.Limit < 1 {
		return nil, nil
	}
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	reg.finds++
	reg.queries = append(reg.queries, q)
	if reg.FindErr != nil {
		return nil, reg.FindErr
	}
	now := time.Now()
	var found []*strand.Strand
	for _, s := range reg.strands {
		if q.Match(s, now) {
			cp := *s
			found = append(found, &cp)
		}
	}
	sort.Slice(found, func(i, j int) bool {
		return found[i].Schedule.Before(found[j].Schedule)
	})
	if len(found) > q.Limit {
		found = found[:q.Limit]
	}
	return found, nil
}

func (reg *StubRegistry) Run(ctx context.Context, s *strand.Strand, maxDuration time.Duration) error {
	reg.mtx.Lock()
	stored, ok := reg.strands[s.ID]
	now := time.Now()
	if !ok || !stored.Eligible(now) {
		reg.mtx.Unlock()
		return strand.ErrLeaseNotAcquired
	}
	lease := now.Add(reg.LeaseDuration())
	stored.Lease = &lease
	*s = *stored
	reg.runs = append(reg.runs, s.ID)
	reg.mtx.Unlock()

	prog, err := reg.Progs.Lookup(s)
	var outcome strand.Outcome
	if err == nil {
		stepctx, cancel := context.WithTimeout(ctx, maxDuration)
		outcome, err = prog.Step(stepctx, s)
		cancel()
	}

	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	stored.Lease = nil
	if err != nil {
		stored.Try++
		stored.Schedule = time.Now().Add(reg.ErrorBackoff)
		return err
	}
	stored.Try = 0
	stored.Schedule = time.Now().Add(outcome.Nap)
	if outcome.Stack != nil {
		stored.Stack = outcome.Stack
	}
	stored.ExitVal = outcome.Exit
	return nil
}
