// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package clover

import (
	"encoding/json"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&DurationSuite{})

type DurationSuite struct{}

func (s *DurationSuite) TestRoundTrip(c *check.C) {
	var dc DispatcherConfig
	err := json.Unmarshal([]byte(`{"PollInterval":"1.5s","LeaseDuration":"2m","DumpTimeout":"1s","ApoptosisMargin":"29s"}`), &dc)
	c.Assert(err, check.IsNil)
	c.Check(dc.PollInterval.Duration(), check.Equals, 1500*time.Millisecond)
	c.Check(dc.LeaseDuration.Duration(), check.Equals, 2*time.Minute)
	c.Check(dc.ApoptosisTimeout().Duration(), check.Equals, 90*time.Second)
	c.Check(dc.StrandRuntime().Duration(), check.Equals, 30*time.Second)

	buf, err := json.Marshal(struct{ D Duration }{dc.PollInterval})
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, `{"D":"1.5s"}`)
}

func (s *DurationSuite) TestString(c *check.C) {
	for _, trial := range []struct {
		d   time.Duration
		out string
	}{
		{0, "0s"},
		{250 * time.Millisecond, "250ms"},
		{29 * time.Second, "29s"},
		{2 * time.Minute, "2m"},
		{90 * time.Second, "1m30s"},
		{time.Hour, "1h"},
		{time.Hour + time.Minute, "1h1m"},
	} {
		c.Check(Duration(trial.d).String(), check.Equals, trial.out)
	}
}

func (s *DurationSuite) TestUnmarshalNumber(c *check.C) {
	var d Duration
	err := json.Unmarshal([]byte(`120`), &d)
	c.Check(err, check.ErrorMatches, `duration must be given as a string.*`)
}

func (s *DurationSuite) TestSet(c *check.C) {
	var d Duration
	c.Check(d.Set("45s"), check.IsNil)
	c.Check(d, check.Equals, Duration(45*time.Second))
	c.Check(d.Set("soon"), check.NotNil)
}
