// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package strand

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// A Query selects strands for FindEligible. Only eligible strands
// (see Strand.Eligible) are ever returned.
type Query struct {
	// Maximum number of strands to return.
	Limit int

	// IDs to exclude, typically the strands already running in
	// this process.
	Skip []string

	// If not nil, only strands whose IDs fall in this partition
	// are returned.
	Partition *Partition

	// Only strands whose schedule time passed at least MinAge ago
	// are returned.
	MinAge time.Duration
}

// Match reports whether s would be returned by q at the given time,
// ignoring Limit.
func (q Query) Match(s *Strand, now time.Time) bool {
	if !s.Eligible(now) || !s.Schedule.Before(now.Add(-q.MinAge)) {
		return false
	}
	if q.Partition != nil && !q.Partition.Contains(s.ID) {
		return false
	}
	for _, id := range q.Skip {
		if id == s.ID {
			return false
		}
	}
	return true
}

// A Partition is a contiguous range of strand IDs. Each respirate
// process in a partitioned deployment scans only its own range.
type Partition struct {
	// Inclusive lower bound.
	Start string
	// Exclusive upper bound, or "" if the partition extends to
	// the largest ID.
	End string
}

// NewPartition returns partition n (counting from 1) of count
// equal ranges, split on the first 32 bits of the ID. The last
// partition absorbs the remainder.
func NewPartition(n, count int) (*Partition, error) {
	if count < 1 || n < 1 || n > count {
		return nil, fmt.Errorf("invalid partition %d of %d", n, count)
	}
	size := (uint64(1) << 32) / uint64(count)
	p := &Partition{Start: partitionBound(uint64(n-1) * size)}
	if n < count {
		p.End = partitionBound(uint64(n) * size)
	}
	return p, nil
}

func partitionBound(prefix uint64) string {
	return fmt.Sprintf("%08x-0000-0000-0000-000000000000", prefix)
}

// Contains reports whether id falls in the partition. An id that is
// not a UUID is in no partition.
func (p *Partition) Contains(id string) bool {
	u, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	s := u.String()
	return s >= p.Start && (p.End == "" || s < p.End)
}

func (p *Partition) String() string {
	if p.End == "" {
		return "[" + p.Start + ", max]"
	}
	return "[" + p.Start + ", " + p.End + ")"
}
