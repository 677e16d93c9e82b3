// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package allocator

import "errors"

var (
	// ErrNoSpace means no candidate host can satisfy the request.
	ErrNoSpace = errors.New("no space left on any eligible host")

	// ErrConcurrentAllocation means another placement committed
	// first and took a resource this one was counting on.
	ErrConcurrentAllocation = errors.New("concurrent allocation")

	// ErrNoIPv4 means the chosen host had no free IPv4 address at
	// commit time.
	ErrNoIPv4 = errors.New("no ip4 addresses left")

	// ErrOvercommitted means a host's counters already show more
	// used than total. It is never retryable.
	ErrOvercommitted = errors.New("host resources are overcommitted")
)

// IsRetryable reports whether err is a placement failure that may
// succeed if placement is run again later against fresh candidates.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNoSpace) ||
		errors.Is(err, ErrConcurrentAllocation) ||
		errors.Is(err, ErrNoIPv4)
}
