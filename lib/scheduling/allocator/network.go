// Copyright (C) The Clover Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package allocator

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/netip"
)

var linkLocal = netip.MustParsePrefix("169.254.0.0/16")

// assignNetwork picks the VM's public and local addresses on the
// host.
func assignNetwork(ctx context.Context, tx StoreTx, hostID string, vm VM) (*Placement, error) {
	p := &Placement{VMID: vm.ID, HostID: hostID}
	if vm.IPv4Enabled {
		ip4, err := tx.AssignIPv4(ctx, hostID, vm.ID)
		if err != nil {
			return nil, fmt.Errorf("host %s: %w", hostID, err)
		}
		p.IPv4 = ip4
	}
	net6, ok, err := tx.HostNet6(ctx, hostID)
	if err != nil {
		return nil, err
	}
	if ok {
		p.EphemeralNet6, err = RandomVMNet6(net6)
		if err != nil {
			return nil, fmt.Errorf("host %s: %w", hostID, err)
		}
	}
	inUse, err := tx.LocalVethAddrs(ctx, hostID)
	if err != nil {
		return nil, err
	}
	p.LocalVethIP, err = RandomVethAddr(inUse)
	if err != nil {
		return nil, fmt.Errorf("host %s: %w", hostID, err)
	}
	return p, nil
}

// RandomVMNet6 returns a random subnet of hostNet for a VM. The
// subnet is 15 bits longer than hostNet (a /79 on a /64 host) so
// that it can be split into two halves, one for the VM's internal
// and one for its external interface. The first subnet, which the
// host keeps for itself, is never returned.
func RandomVMNet6(hostNet netip.Prefix) (netip.Prefix, error) {
	hostNet = hostNet.Masked()
	if !hostNet.Addr().Is6() || hostNet.Addr().Is4In6() {
		return netip.Prefix{}, fmt.Errorf("host network %s is not IPv6", hostNet)
	}
	bits := hostNet.Bits() + 15
	if bits > 112 {
		return netip.Prefix{}, fmt.Errorf("host network %s is too small", hostNet)
	}
	base := new(big.Int).SetBytes(hostNet.Addr().AsSlice())
	// 16 random bits in [2, 2^16) placed right after the host
	// prefix; the lowest of them falls outside the subnet mask.
	n, err := rand.Int(rand.Reader, big.NewInt(1<<16-2))
	if err != nil {
		return netip.Prefix{}, err
	}
	n.Add(n, big.NewInt(2))
	n.Lsh(n, uint(128-bits-1))
	var buf [16]byte
	new(big.Int).Or(base, n).FillBytes(buf[:])
	return netip.PrefixFrom(netip.AddrFrom16(buf), bits).Masked(), nil
}

// RandomVethAddr returns a random even address in 169.254.0.0/16
// that is not in inUse. The following odd address is the other end
// of the VM's veth pair.
func RandomVethAddr(inUse []netip.Addr) (netip.Addr, error) {
	used := make(map[netip.Addr]bool, len(inUse))
	for _, addr := range inUse {
		used[addr] = true
	}
	base := linkLocal.Addr().As4()
	for tries := 0; tries < 1000; tries++ {
		n, err := rand.Int(rand.Reader, big.NewInt((1<<16-2)/2))
		if err != nil {
			return netip.Addr{}, err
		}
		off := 2 * n.Int64()
		addr := netip.AddrFrom4([4]byte{base[0], base[1], byte(off >> 8), byte(off)})
		if !used[addr] {
			return addr, nil
		}
	}
	return netip.Addr{}, errors.New("no free link-local address for veth pair")
}
