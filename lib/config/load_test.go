// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	"git.clover.dev/clover.git/sdk/go/clover"
	"git.clover.dev/clover.git/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&LoadSuite{})

type LoadSuite struct{}

func (s *LoadSuite) testLoader(c *check.C, yaml string) *Loader {
	ldr := NewLoader(bytes.NewBufferString(yaml), ctxlog.TestLogger(c))
	ldr.Path = "-"
	return ldr
}

func (s *LoadSuite) TestEmpty(c *check.C) {
	_, err := s.testLoader(c, ``).Load()
	c.Check(err, check.ErrorMatches, `config does not define any clusters`)
}

func (s *LoadSuite) TestDefaults(c *check.C) {
	cfg, err := s.testLoader(c, `Clusters: {z1111: {}}`).Load()
	c.Assert(err, check.IsNil)
	cc, err := cfg.GetCluster("")
	c.Assert(err, check.IsNil)
	c.Check(cc.ClusterID, check.Equals, "z1111")
	c.Check(cc.Dispatcher.PoolSize, check.Equals, 8)
	c.Check(cc.Dispatcher.LeaseDuration, check.Equals, clover.Duration(120*time.Second))
	c.Check(cc.Dispatcher.ApoptosisTimeout(), check.Equals, clover.Duration(90*time.Second))
	c.Check(cc.Dispatcher.StrandRuntime(), check.Equals, clover.Duration(30*time.Second))
	c.Check(cc.Dispatcher.PartitionCount, check.Equals, 0)
	c.Check(cc.Dispatcher.OldStrandAge, check.Equals, clover.Duration(5*time.Second))
	c.Check(cc.Allocator.TargetUtilization, check.Equals, 0.72)
	c.Check(cc.Allocator.MaxRandomScore, check.Equals, 0.1)
	c.Check(cc.Allocator.Penalties.GPUHost, check.Equals, 5.0)
	c.Check(cc.Allocator.Penalties.LocationPreference, check.Equals, 10.0)
	c.Check(cc.PostgreSQL.ConnectionPool, check.Equals, 10)
}

func (s *LoadSuite) TestOverrideDefaults(c *check.C) {
	cfg, err := s.testLoader(c, `
Clusters:
  z1111:
    Dispatcher:
      PoolSize: 3
      LeaseDuration: 60s
    Allocator:
      Penalties:
        GPUHost: 0
        ProvisioningLocations: [hetzner-fsn1]
`).Load()
	c.Assert(err, check.IsNil)
	cc := cfg.Clusters["z1111"]
	c.Check(cc.Dispatcher.PoolSize, check.Equals, 3)
	c.Check(cc.Dispatcher.MaxThreads, check.Equals, 8)
	c.Check(cc.Dispatcher.ApoptosisTimeout(), check.Equals, clover.Duration(30*time.Second))
	c.Check(cc.Allocator.Penalties.GPUHost, check.Equals, 0.0)
	c.Check(cc.Allocator.Penalties.LocationPreference, check.Equals, 10.0)
	c.Check(cc.Allocator.Penalties.ProvisioningLocations, check.DeepEquals, []string{"hetzner-fsn1"})
}

func (s *LoadSuite) TestRejectBadValues(c *check.C) {
	for _, trial := range []struct {
		yaml string
		err  string
	}{
		{`{Dispatcher: {LeaseDuration: 20s}}`, `.*LeaseDuration \(20s\) must exceed.*`},
		{`{Dispatcher: {MinThreads: 9}}`, `.*MinThreads \(9\) is greater.*`},
		{`{Dispatcher: {PollInterval: 0s}}`, `.*PollInterval must be positive`},
		{`{Dispatcher: {PartitionCount: 2, PartitionNumber: 3}}`, `.*PartitionNumber \(3\) must be in \[1, 2\]`},
		{`{Dispatcher: {PartitionCount: 2}}`, `.*PartitionNumber \(0\) must be in \[1, 2\]`},
		{`{Dispatcher: {PartitionCount: -1}}`, `.*PartitionCount \(-1\) must not be negative`},
		{`{Dispatcher: {PartitionCount: 2, PartitionNumber: 1, OldStrandAge: 0s}}`, `.*OldStrandAge must be positive.*`},
		{`{Allocator: {TargetUtilization: 1.5}}`, `.*TargetUtilization \(1.5\) must be in.*`},
		{`{Allocator: {MaxRandomScore: -1}}`, `.*MaxRandomScore \(-1\) must not be negative`},
	} {
		c.Logf("trial: %s", trial.yaml)
		_, err := s.testLoader(c, `Clusters: {z1111: `+trial.yaml+`}`).Load()
		c.Check(err, check.ErrorMatches, trial.err)
	}
}

func (s *LoadSuite) TestPartialSectionsKeepDefaults(c *check.C) {
	cfg, err := s.testLoader(c, `
Clusters:
  z1111:
    Dispatcher:
      PoolSize: 4
    Allocator:
      MaxRandomScore: 0
  z2222:
    PostgreSQL:
      ConnectionPool: 20
  z3333:
`).Load()
	c.Assert(err, check.IsNil)
	c.Assert(cfg.Clusters, check.HasLen, 3)

	cc := cfg.Clusters["z1111"]
	c.Check(cc.ClusterID, check.Equals, "z1111")
	c.Check(cc.Dispatcher.PoolSize, check.Equals, 4)
	c.Check(cc.Dispatcher.PollInterval, check.Equals, clover.Duration(time.Second))
	c.Check(cc.Dispatcher.LeaseDuration, check.Equals, clover.Duration(120*time.Second))
	c.Check(cc.Allocator.MaxRandomScore, check.Equals, 0.0)
	c.Check(cc.Allocator.TargetUtilization, check.Equals, 0.72)
	c.Check(cc.PostgreSQL.ConnectionPool, check.Equals, 10)

	cc = cfg.Clusters["z2222"]
	c.Check(cc.ClusterID, check.Equals, "z2222")
	c.Check(cc.PostgreSQL.ConnectionPool, check.Equals, 20)
	c.Check(cc.PostgreSQL.Connection["sslmode"], check.Equals, "disable")
	c.Check(cc.Dispatcher.PoolSize, check.Equals, 8)
	c.Check(cc.Allocator.MaxRandomScore, check.Equals, 0.1)

	cc = cfg.Clusters["z3333"]
	c.Check(cc.ClusterID, check.Equals, "z3333")
	c.Check(cc.Dispatcher.PollInterval, check.Equals, clover.Duration(time.Second))
}

func (s *LoadSuite) TestWatch(c *check.C) {
	path := filepath.Join(c.MkDir(), "config.yml")
	c.Assert(os.WriteFile(path, []byte(`Clusters: {z1111: {}}`), 0644), check.IsNil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan struct{}, 1)
	err := Watch(ctx, ctxlog.TestLogger(c), path, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	c.Assert(err, check.IsNil)
	c.Assert(os.WriteFile(path, []byte(`Clusters: {z1111: {ManagementToken: x}}`), 0644), check.IsNil)
	select {
	case <-changed:
	case <-time.After(10 * time.Second):
		c.Error("timed out waiting for change notification")
	}
}
