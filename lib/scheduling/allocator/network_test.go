// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package allocator_test

import (
	"net/netip"

	"git.clover.dev/clover.git/lib/scheduling/allocator"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&NetworkSuite{})

type NetworkSuite struct{}

func (s *NetworkSuite) TestRandomVMNet6(c *check.C) {
	hostNet := netip.MustParsePrefix("2a01:4f8:10a:128b::/64")
	hostSubnet := netip.PrefixFrom(hostNet.Addr(), 79)
	seen := map[netip.Prefix]bool{}
	for i := 0; i < 1000; i++ {
		vmNet, err := allocator.RandomVMNet6(hostNet)
		c.Assert(err, check.IsNil)
		c.Check(vmNet.Bits(), check.Equals, 79)
		c.Check(vmNet, check.Equals, vmNet.Masked())
		c.Check(hostNet.Contains(vmNet.Addr()), check.Equals, true)
		c.Check(vmNet, check.Not(check.Equals), hostSubnet)
		seen[vmNet] = true
	}
	c.Check(len(seen) > 900, check.Equals, true, check.Commentf("%d distinct subnets", len(seen)))

	// Host bits are ignored.
	vmNet, err := allocator.RandomVMNet6(netip.MustParsePrefix("2a01:4f8:10a:128b::1/64"))
	c.Assert(err, check.IsNil)
	c.Check(hostNet.Contains(vmNet.Addr()), check.Equals, true)

	vmNet, err = allocator.RandomVMNet6(netip.MustParsePrefix("2001:db8::/56"))
	c.Assert(err, check.IsNil)
	c.Check(vmNet.Bits(), check.Equals, 71)
}

func (s *NetworkSuite) TestRandomVMNet6Errors(c *check.C) {
	_, err := allocator.RandomVMNet6(netip.MustParsePrefix("192.0.2.0/24"))
	c.Check(err, check.ErrorMatches, `host network 192.0.2.0/24 is not IPv6`)
	_, err = allocator.RandomVMNet6(netip.MustParsePrefix("2001:db8::/120"))
	c.Check(err, check.ErrorMatches, `host network 2001:db8::/120 is too small`)
}

func (s *NetworkSuite) TestRandomVethAddr(c *check.C) {
	linkLocal := netip.MustParsePrefix("169.254.0.0/16")
	for i := 0; i < 1000; i++ {
		addr, err := allocator.RandomVethAddr(nil)
		c.Assert(err, check.IsNil)
		c.Check(linkLocal.Contains(addr), check.Equals, true)
		c.Check(addr.As4()[3]%2, check.Equals, byte(0))
		// The odd peer address stays in the subnet.
		c.Check(linkLocal.Contains(addr.Next()), check.Equals, true)
	}
}

func (s *NetworkSuite) TestRandomVethAddrAvoidsInUse(c *check.C) {
	// Every even address but one is taken.
	var inUse []netip.Addr
	want := netip.MustParseAddr("169.254.12.34")
	for addr := netip.MustParseAddr("169.254.0.0"); addr.As4()[1] == 254; addr = addr.Next().Next() {
		if addr.As4()[2] < 64 && addr != want {
			inUse = append(inUse, addr)
		}
	}
	for i := 0; i < 100; i++ {
		addr, err := allocator.RandomVethAddr(inUse)
		c.Assert(err, check.IsNil)
		c.Check(addr.As4()[2] >= 64 || addr == want, check.Equals, true, check.Commentf("%s", addr))
	}
}
