// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package banmgr

import (
	"fmt"
	"net"
	"strings"

	"github.com/decred/dcrnet/addrmgr"
)

// Target is the subject of a ban.  It is either a single host or a subnet.
// Subnet targets always hold the network address with all host bits cleared.
// Target values are comparable and may be used as map keys.
type Target struct {
	addr addrmgr.NetAddr
	bits uint8
}

// familyBits returns the address length in bits of the family of addr.
func familyBits(addr addrmgr.NetAddr) int {
	if addr.Is4() {
		return 8 * net.IPv4len
	}
	return 8 * net.IPv6len
}

// NewHostTarget returns a target that matches exactly the provided address.
func NewHostTarget(addr addrmgr.NetAddr) Target {
	return Target{addr: addr, bits: uint8(familyBits(addr))}
}

// NewSubnetTarget returns a target that matches every address in the provided
// network.  A network with a full-length mask is a host target.
func NewSubnetTarget(ipNet *net.IPNet) (Target, error) {
	ones, bits := ipNet.Mask.Size()
	if bits == 0 {
		str := fmt.Sprintf("invalid subnet mask %v", ipNet.Mask)
		return Target{}, makeError(ErrInvalidTarget, str)
	}
	ip := ipNet.IP.Mask(ipNet.Mask)
	if ip == nil {
		str := fmt.Sprintf("subnet %v mixes address families", ipNet)
		return Target{}, makeError(ErrInvalidTarget, str)
	}
	addr := addrmgr.NewNetAddr(ip)
	if familyBits(addr) != bits {
		str := fmt.Sprintf("subnet %v mixes address families", ipNet)
		return Target{}, makeError(ErrInvalidTarget, str)
	}
	return Target{addr: addr, bits: uint8(ones)}, nil
}

// ParseTarget parses a host address such as "1.2.3.4" or a subnet in CIDR
// notation such as "1.2.3.0/24".
func ParseTarget(s string) (Target, error) {
	if !strings.Contains(s, "/") {
		addr, err := addrmgr.ParseNetAddr(s)
		if err != nil {
			str := fmt.Sprintf("invalid ban target %q", s)
			return Target{}, makeError(ErrInvalidTarget, str)
		}
		return NewHostTarget(addr), nil
	}

	_, ipNet, err := net.ParseCIDR(s)
	if err != nil {
		str := fmt.Sprintf("invalid ban target %q: %v", s, err)
		return Target{}, makeError(ErrInvalidTarget, str)
	}
	return NewSubnetTarget(ipNet)
}

// IsHost returns whether the target matches a single host.
func (t Target) IsHost() bool {
	return int(t.bits) == familyBits(t.addr)
}

// Addr returns the host address or the network address of the target.
func (t Target) Addr() addrmgr.NetAddr {
	return t.addr
}

// IPNet returns the target as a network.
func (t Target) IPNet() *net.IPNet {
	return &net.IPNet{
		IP:   t.addr.IP(),
		Mask: net.CIDRMask(int(t.bits), familyBits(t.addr)),
	}
}

// Contains returns whether the target matches the provided address.
func (t Target) Contains(addr addrmgr.NetAddr) bool {
	if t.IsHost() {
		return t.addr == addr
	}
	if t.addr.Is4() != addr.Is4() {
		return false
	}
	return t.IPNet().Contains(addr.IP())
}

// String returns the host address for host targets and CIDR notation for
// subnet targets.
func (t Target) String() string {
	if t.IsHost() {
		return t.addr.String()
	}
	return t.IPNet().String()
}
