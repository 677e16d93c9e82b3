// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package strand implements the durable task registry: strands are
// units of resumable work with a schedule time and a time-bounded
// lease that gives one process at a time the right to run them.
package strand

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrLeaseNotAcquired is returned by Run when another process holds
// a current lease on the strand.
var ErrLeaseNotAcquired = errors.New("strand lease is held by another process")

// A Strand is one unit of durable work.
type Strand struct {
	ID         string          `db:"id" json:"id"`
	ParentID   *string         `db:"parent_id" json:"parent_id,omitempty"`
	Prog       string          `db:"prog" json:"prog"`
	Label      string          `db:"label" json:"label"`
	Schedule   time.Time       `db:"schedule" json:"schedule"`
	Lease      *time.Time      `db:"lease" json:"lease,omitempty"`
	LeaseOwner *string         `db:"lease_owner" json:"lease_owner,omitempty"`
	ExitVal    *string         `db:"exitval" json:"exitval,omitempty"`
	Stack      json.RawMessage `db:"stack" json:"stack"`
	Try        int             `db:"try" json:"try"`
}

// Eligible reports whether the strand may be started at the given
// time: its lease is absent or expired, its schedule time has
// passed, and it has not exited.
func (s *Strand) Eligible(now time.Time) bool {
	return (s.Lease == nil || s.Lease.Before(now)) &&
		!s.Schedule.After(now) &&
		s.ExitVal == nil
}

func (s *Strand) String() string {
	return fmt.Sprintf("%s(%s.%s)", s.ID, s.Prog, s.Label)
}

// An Outcome is the result of running one step of a strand.
type Outcome struct {
	// If Exit is non-nil, the strand is finished and Exit is
	// recorded as its exit value (a JSON document).
	Exit *string

	// Otherwise, the strand becomes eligible again after Nap.
	Nap time.Duration

	// If non-nil, replaces the strand's stack.
	Stack json.RawMessage
}

// A Prog advances a strand by one step. Step must return before ctx
// is done; a step that outlives the lease can cause two processes
// to run the same strand.
type Prog interface {
	Step(ctx context.Context, s *Strand) (Outcome, error)
}

// ProgFunc adapts an ordinary function to the Prog interface.
type ProgFunc func(ctx context.Context, s *Strand) (Outcome, error)

func (f ProgFunc) Step(ctx context.Context, s *Strand) (Outcome, error) {
	return f(ctx, s)
}

// ProgMap resolves a strand's Prog name.
type ProgMap map[string]Prog

// Lookup returns the Prog for s, or an error if none is registered.
func (pm ProgMap) Lookup(s *Strand) (Prog, error) {
	if p, ok := pm[s.Prog]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("strand %s: no prog registered for %q", s.ID, s.Prog)
}
