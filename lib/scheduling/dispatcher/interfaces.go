// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatcher

import (
	"context"
	"time"

	"git.clover.dev/clover.git/lib/scheduling/strand"
)

// A Registry is a shared store of strands. Implemented by
// strand.PGRegistry and test stubs.
type Registry interface {
	// FindEligible returns up to q.Limit strands whose lease is
	// absent or expired, whose schedule time has passed, and that
	// match q, oldest schedule first.
	FindEligible(ctx context.Context, q strand.Query) ([]*strand.Strand, error)

	// Run acquires the strand's lease and runs one step, giving
	// the step at most maxDuration.
	Run(ctx context.Context, s *strand.Strand, maxDuration time.Duration) error

	// LeaseDuration returns the registry-wide lease duration.
	LeaseDuration() time.Duration
}
