// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package strand

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"git.clover.dev/clover.git/sdk/go/ctxlog"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const strandColumns = `id, parent_id, prog, label, schedule, lease, lease_owner, exitval, stack, try`

// PGRegistry is a strand registry backed by the strand table.
type PGRegistry struct {
	db            *sqlx.DB
	progs         ProgMap
	leaseDuration time.Duration
	errorBackoff  time.Duration

	// Owner token written to the lease_owner column of strands
	// leased by this registry. Unique per process.
	owner string
}

// NewPGRegistry returns a registry that runs strands with the given
// progs.
func NewPGRegistry(db *sqlx.DB, progs ProgMap, leaseDuration, errorBackoff time.Duration) *PGRegistry {
	return &PGRegistry{
		db:            db,
		progs:         progs,
		leaseDuration: leaseDuration,
		errorBackoff:  errorBackoff,
		owner:         uuid.NewString(),
	}
}

// LeaseDuration returns the lease granted to each strand run.
func (reg *PGRegistry) LeaseDuration() time.Duration {
	return reg.leaseDuration
}

// Owner returns the lease owner token used by this registry.
func (reg *PGRegistry) Owner() string {
	return reg.owner
}

// FindEligible returns up to q.Limit strands that can be started
// now and match q, oldest schedule first. The rows are locked with
// "skip locked" for the duration of the query, so concurrent scans
// in other processes mostly return disjoint sets.
func (reg *PGRegistry) FindEligible(ctx context.Context, q Query) ([]*Strand, error) {
	if q.Limit < 1 {
		return nil, nil
	}
	skip := q.Skip
	if skip == nil {
		skip = []string{}
	}
	args := []interface{}{q.Limit, pq.Array(skip), q.MinAge.Seconds()}
	where := `(lease is null or lease < now())
 and exitval is null
 and schedule < now() - $3::float8 * interval '1 second'
 and not (id = any($2::uuid[]))`
	if q.Partition != nil {
		args = append(args, q.Partition.Start)
		where += fmt.Sprintf("\n and id >= $%d::uuid", len(args))
		if q.Partition.End != "" {
			args = append(args, q.Partition.End)
			where += fmt.Sprintf("\n and id < $%d::uuid", len(args))
		}
	}
	var strands []*Strand
	err := reg.db.SelectContext(ctx, &strands, `
select `+strandColumns+`
 from strand
 where `+where+`
 order by schedule
 limit $1
 for update skip locked`, args...)
	if err != nil {
		return nil, fmt.Errorf("finding eligible strands: %w", err)
	}
	return strands, nil
}

// Create inserts a new strand. If s.ID is empty, a new ID is
// assigned. A zero s.Schedule means now.
func (reg *PGRegistry) Create(ctx context.Context, s *Strand) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Stack == nil {
		s.Stack = json.RawMessage(`[{}]`)
	}
	schedule := sql.NullTime{Time: s.Schedule, Valid: !s.Schedule.IsZero()}
	err := reg.db.GetContext(ctx, &s.Schedule, `
insert into strand (id, parent_id, prog, label, schedule, stack)
 values ($1, $2, $3, $4, coalesce($5, now()), $6)
 returning schedule`, s.ID, s.ParentID, s.Prog, s.Label, schedule, string(s.Stack))
	if err != nil {
		return fmt.Errorf("creating strand: %w", err)
	}
	return nil
}

// Get returns the current state of the strand with the given ID.
func (reg *PGRegistry) Get(ctx context.Context, id string) (*Strand, error) {
	var s Strand
	err := reg.db.GetContext(ctx, &s, `select `+strandColumns+` from strand where id = $1`, id)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Run takes a lease on s, runs one step of its prog with the given
// time budget, records the outcome, and releases the lease.
//
// The lease is only granted if the strand is still eligible: no
// current lease, not exited, and schedule time passed. Otherwise Run
// returns ErrLeaseNotAcquired, so a stale copy of a strand that
// another process has already run (and exited or rescheduled) is
// not run again. On success s is refreshed from the leased row. If
// the step fails, the strand is rescheduled after the registry's
// error backoff and the step's error is returned.
func (reg *PGRegistry) Run(ctx context.Context, s *Strand, maxDuration time.Duration) error {
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"StrandID": s.ID,
		"Prog":     s.Prog,
		"Label":    s.Label,
	})
	var leased Strand
	err := reg.db.GetContext(ctx, &leased, `
update strand
 set lease = now() + $2::float8 * interval '1 second', lease_owner = $3
 where id = $1
 and (lease is null or lease < now())
 and exitval is null
 and schedule <= now()
 returning `+strandColumns, s.ID, reg.leaseDuration.Seconds(), reg.owner)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrLeaseNotAcquired
	} else if err != nil {
		return fmt.Errorf("taking lease: %w", err)
	}
	*s = leased
	logger.Debug("lease acquired")

	prog, err := reg.progs.Lookup(s)
	if err != nil {
		reg.release(ctx, s, reg.errorBackoff, nil, true)
		return err
	}

	stepctx, cancel := context.WithTimeout(ctx, maxDuration)
	defer cancel()
	outcome, err := prog.Step(stepctx, s)
	if err != nil {
		reg.release(ctx, s, reg.errorBackoff, nil, true)
		return err
	}
	if outcome.Stack != nil {
		s.Stack = outcome.Stack
	}
	if outcome.Exit != nil {
		s.ExitVal = outcome.Exit
	}
	return reg.release(ctx, s, outcome.Nap, outcome.Exit, false)
}

// release records the outcome of a step and clears the lease, if
// this registry still owns it. If the lease was lost (expired and
// taken over), nothing is written.
func (reg *PGRegistry) release(ctx context.Context, s *Strand, nap time.Duration, exit *string, failed bool) error {
	try := 0
	if failed {
		try = s.Try + 1
	}
	res, err := reg.db.ExecContext(ctx, `
update strand
 set lease = null, lease_owner = null,
  schedule = now() + $3::float8 * interval '1 second',
  exitval = $4, stack = $5, try = $6
 where id = $1 and lease_owner = $2`,
		s.ID, reg.owner, nap.Seconds(), exit, string(s.Stack), try)
	if err != nil {
		ctxlog.FromContext(ctx).WithError(err).WithField("StrandID", s.ID).Warn("error releasing lease")
		return fmt.Errorf("releasing lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		ctxlog.FromContext(ctx).WithField("StrandID", s.ID).Warn("lease was lost before the step finished")
	}
	s.Lease, s.LeaseOwner, s.Try = nil, nil, try
	return nil
}
