// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package strand

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"git.clover.dev/clover.git/lib/dbschema"
	"git.clover.dev/clover.git/sdk/go/clovertest"
	"git.clover.dev/clover.git/sdk/go/ctxlog"
	"github.com/jmoiron/sqlx"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&RegistrySuite{})

type RegistrySuite struct {
	db  *sqlx.DB
	ctx context.Context
}

func (s *RegistrySuite) SetUpTest(c *check.C) {
	var err error
	s.db, err = sqlx.Open("postgres", clovertest.PostgreSQLConnection(c))
	c.Assert(err, check.IsNil)
	s.ctx = ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	c.Assert(dbschema.Apply(s.ctx, s.db), check.IsNil)
	_, err = s.db.Exec(`delete from strand`)
	c.Assert(err, check.IsNil)
}

func (s *RegistrySuite) TearDownTest(c *check.C) {
	if s.db != nil {
		s.db.Close()
	}
}

func (s *RegistrySuite) TestFindEligible(c *check.C) {
	reg := NewPGRegistry(s.db, nil, time.Minute, time.Second)
	now := time.Now()
	ids := map[string]string{}
	for _, trial := range []struct {
		label    string
		schedule time.Time
	}{
		{"later", now.Add(-time.Minute)},
		{"earlier", now.Add(-time.Hour)},
		{"future", now.Add(time.Hour)},
		{"leased", now.Add(-time.Hour)},
		{"skipped", now.Add(-time.Hour)},
	} {
		st := &Strand{Prog: "Test", Label: trial.label, Schedule: trial.schedule}
		c.Assert(reg.Create(s.ctx, st), check.IsNil)
		ids[trial.label] = st.ID
	}
	_, err := s.db.Exec(`update strand set lease = now() + interval '1 minute' where id = $1`, ids["leased"])
	c.Assert(err, check.IsNil)

	found, err := reg.FindEligible(s.ctx, Query{Limit: 10, Skip: []string{ids["skipped"]}})
	c.Assert(err, check.IsNil)
	c.Assert(found, check.HasLen, 2)
	c.Check(found[0].Label, check.Equals, "earlier")
	c.Check(found[1].Label, check.Equals, "later")

	found, err = reg.FindEligible(s.ctx, Query{Limit: 1})
	c.Assert(err, check.IsNil)
	c.Check(found, check.HasLen, 1)

	found, err = reg.FindEligible(s.ctx, Query{})
	c.Check(err, check.IsNil)
	c.Check(found, check.HasLen, 0)
}

func (s *RegistrySuite) TestFindEligiblePartition(c *check.C) {
	reg := NewPGRegistry(s.db, nil, time.Minute, time.Second)
	now := time.Now()
	for _, st := range []*Strand{
		{ID: "10000000-0000-4000-8000-000000000000", Label: "first", Schedule: now.Add(-time.Minute)},
		{ID: "7fffffff-ffff-4fff-bfff-ffffffffffff", Label: "first-recent", Schedule: now.Add(-time.Second)},
		{ID: "80000000-0000-4000-8000-000000000000", Label: "second", Schedule: now.Add(-time.Minute)},
		{ID: "ffffffff-ffff-4fff-bfff-ffffffffffff", Label: "second-recent", Schedule: now.Add(-time.Second)},
	} {
		st.Prog = "Test"
		c.Assert(reg.Create(s.ctx, st), check.IsNil)
	}
	labels := func(found []*Strand) (l []string) {
		for _, st := range found {
			l = append(l, st.Label)
		}
		return
	}

	first, err := NewPartition(1, 2)
	c.Assert(err, check.IsNil)
	found, err := reg.FindEligible(s.ctx, Query{Limit: 10, Partition: first})
	c.Assert(err, check.IsNil)
	c.Check(labels(found), check.DeepEquals, []string{"first", "first-recent"})

	second, err := NewPartition(2, 2)
	c.Assert(err, check.IsNil)
	found, err = reg.FindEligible(s.ctx, Query{Limit: 10, Partition: second})
	c.Assert(err, check.IsNil)
	c.Check(labels(found), check.DeepEquals, []string{"second", "second-recent"})

	// Old strands from every partition.
	found, err = reg.FindEligible(s.ctx, Query{Limit: 10, MinAge: 30 * time.Second})
	c.Assert(err, check.IsNil)
	c.Check(labels(found), check.HasLen, 2)
	for _, st := range found {
		c.Check(st.Label == "first" || st.Label == "second", check.Equals, true)
	}
}

func (s *RegistrySuite) TestRunNapAndExit(c *check.C) {
	steps := 0
	reg := NewPGRegistry(s.db, ProgMap{"Test": ProgFunc(func(ctx context.Context, st *Strand) (Outcome, error) {
		_, hasDeadline := ctx.Deadline()
		c.Check(hasDeadline, check.Equals, true)
		steps++
		if steps == 1 {
			return Outcome{Nap: time.Hour, Stack: json.RawMessage(`[{"step":1}]`)}, nil
		}
		exit := `{"msg":"done"}`
		return Outcome{Exit: &exit}, nil
	})}, time.Minute, time.Second)
	st := &Strand{Prog: "Test", Label: "start"}
	c.Assert(reg.Create(s.ctx, st), check.IsNil)

	c.Assert(reg.Run(s.ctx, st, time.Second), check.IsNil)
	got, err := reg.Get(s.ctx, st.ID)
	c.Assert(err, check.IsNil)
	c.Check(got.Lease, check.IsNil)
	c.Check(got.Schedule.After(time.Now().Add(50*time.Minute)), check.Equals, true)
	c.Check(string(got.Stack), check.Equals, `[{"step": 1}]`)

	// Napping: not eligible until the schedule time passes.
	c.Check(reg.Run(s.ctx, got, time.Second), check.Equals, ErrLeaseNotAcquired)
	c.Check(steps, check.Equals, 1)
	_, err = s.db.Exec(`update strand set schedule = now() - interval '1 second' where id = $1`, st.ID)
	c.Assert(err, check.IsNil)

	c.Assert(reg.Run(s.ctx, got, time.Second), check.IsNil)
	c.Check(string(got.Stack), check.Equals, `[{"step": 1}]`)
	got, err = reg.Get(s.ctx, st.ID)
	c.Assert(err, check.IsNil)
	c.Assert(got.ExitVal, check.NotNil)
	c.Check(*got.ExitVal, check.Equals, `{"msg": "done"}`)
}

// A copy of a strand obtained before another process ran it to
// completion must not be run again.
func (s *RegistrySuite) TestStaleCopyAfterExit(c *check.C) {
	steps := 0
	reg := NewPGRegistry(s.db, ProgMap{"Test": ProgFunc(func(context.Context, *Strand) (Outcome, error) {
		steps++
		exit := `"done"`
		return Outcome{Exit: &exit}, nil
	})}, time.Minute, time.Second)
	st := &Strand{Prog: "Test", Label: "start", Schedule: time.Now().Add(-time.Minute)}
	c.Assert(reg.Create(s.ctx, st), check.IsNil)

	found, err := reg.FindEligible(s.ctx, Query{Limit: 10})
	c.Assert(err, check.IsNil)
	c.Assert(found, check.HasLen, 1)
	stale := *found[0]

	c.Assert(reg.Run(s.ctx, found[0], time.Second), check.IsNil)
	c.Check(reg.Run(s.ctx, &stale, time.Second), check.Equals, ErrLeaseNotAcquired)
	c.Check(steps, check.Equals, 1)
	c.Check(stale.ExitVal, check.IsNil)

	got, err := reg.Get(s.ctx, st.ID)
	c.Assert(err, check.IsNil)
	c.Assert(got.ExitVal, check.NotNil)
	c.Check(got.Lease, check.IsNil)
}

func (s *RegistrySuite) TestRunError(c *check.C) {
	reg := NewPGRegistry(s.db, ProgMap{"Test": ProgFunc(func(context.Context, *Strand) (Outcome, error) {
		return Outcome{}, errors.New("step failed")
	})}, time.Minute, time.Hour)
	st := &Strand{Prog: "Test", Label: "start"}
	c.Assert(reg.Create(s.ctx, st), check.IsNil)
	c.Check(reg.Run(s.ctx, st, time.Second), check.ErrorMatches, `step failed`)
	got, err := reg.Get(s.ctx, st.ID)
	c.Assert(err, check.IsNil)
	c.Check(got.Lease, check.IsNil)
	c.Check(got.Try, check.Equals, 1)
	c.Check(got.Eligible(time.Now()), check.Equals, false)
}

// Two registries (standing in for two processes) racing to run the
// same strand: exactly one acquires the lease.
func (s *RegistrySuite) TestLeaseMutualExclusion(c *check.C) {
	release := make(chan struct{})
	var mtx sync.Mutex
	running := 0
	prog := ProgFunc(func(context.Context, *Strand) (Outcome, error) {
		mtx.Lock()
		running++
		mtx.Unlock()
		<-release
		return Outcome{Nap: time.Hour}, nil
	})
	regA := NewPGRegistry(s.db, ProgMap{"Test": prog}, time.Minute, time.Second)
	regB := NewPGRegistry(s.db, ProgMap{"Test": prog}, time.Minute, time.Second)
	c.Check(regA.Owner(), check.Not(check.Equals), regB.Owner())
	st := &Strand{Prog: "Test", Label: "start"}
	c.Assert(regA.Create(s.ctx, st), check.IsNil)

	done := make(chan error)
	go func() {
		stA := *st
		done <- regA.Run(s.ctx, &stA, time.Second)
	}()
	for {
		mtx.Lock()
		n := running
		mtx.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	stB := *st
	c.Check(regB.Run(s.ctx, &stB, time.Second), check.Equals, ErrLeaseNotAcquired)
	close(release)
	c.Check(<-done, check.IsNil)
	c.Check(running, check.Equals, 1)
}
