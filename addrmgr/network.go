// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2015-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"fmt"
	"net"
)

// ipNet returns a net.IPNet given an address string, the number of leading
// one bits in the mask, and the total mask size.
func ipNet(ip string, ones, bits int) net.IPNet {
	return net.IPNet{IP: net.ParseIP(ip), Mask: net.CIDRMask(ones, bits)}
}

var (
	// unroutableNets are the reserved blocks that are never reachable over
	// the public internet.
	unroutableNets = []net.IPNet{
		ipNet("10.0.0.0", 8, 32),      // RFC1918
		ipNet("172.16.0.0", 12, 32),   // RFC1918
		ipNet("192.168.0.0", 16, 32),  // RFC1918
		ipNet("198.18.0.0", 15, 32),   // RFC2544
		ipNet("169.254.0.0", 16, 32),  // RFC3927
		ipNet("192.0.2.0", 24, 32),    // RFC5737
		ipNet("198.51.100.0", 24, 32), // RFC5737
		ipNet("203.0.113.0", 24, 32),  // RFC5737
		ipNet("100.64.0.0", 10, 32),   // RFC6598
		ipNet("0.0.0.0", 8, 32),       // local
		ipNet("FE80::", 64, 128),      // RFC4862
		ipNet("2001:DB8::", 32, 128),  // RFC3849
		ipNet("2001:10::", 28, 128),   // RFC4843
	}

	// uniqueLocalNet is the RFC4193 block.  It is unroutable except for the
	// OnionCat range it contains.
	uniqueLocalNet = ipNet("FC00::", 7, 128)

	// onionCatNet is the IPv6 block used by OnionCat to encode Tor
	// addresses.  The first 6 bytes are fixed and the remaining 10 bytes are
	// the decoded onion key hash.
	onionCatNet = ipNet("fd87:d87e:eb43::", 48, 128)

	// zero4Net is 0.0.0.0/8.
	zero4Net = ipNet("0.0.0.0", 8, 32)

	// heNet is the Hurricane Electric IPv6 block which is grouped at /36
	// instead of /32.
	heNet = ipNet("2001:470::", 32, 128)

	// The following blocks embed an IPv4 address.  The embedded address is
	// used to compute the group.
	rfc3964Net = ipNet("2002::", 16, 128)       // 6to4
	rfc4380Net = ipNet("2001::", 32, 128)       // Teredo
	rfc6052Net = ipNet("64:FF9B::", 96, 128)    // NAT64 well-known prefix
	rfc6145Net = ipNet("::FFFF:0:0:0", 96, 128) // IPv4-translated
)

// isLocal returns whether the address is a loopback or 0.0.0.0/8 address.
func isLocal(netIP net.IP) bool {
	return netIP.IsLoopback() || zero4Net.Contains(netIP)
}

// isOnionCatTor returns whether the address is in the OnionCat range.
func isOnionCatTor(netIP net.IP) bool {
	return onionCatNet.Contains(netIP)
}

// isValid returns whether the address is neither unspecified nor the IPv4
// broadcast address.
func isValid(netIP net.IP) bool {
	return netIP != nil && !netIP.IsUnspecified() && !netIP.Equal(net.IPv4bcast)
}

// IsRoutable returns whether the passed address is routable over the public
// internet.
func IsRoutable(netIP net.IP) bool {
	if !isValid(netIP) || isLocal(netIP) {
		return false
	}
	for i := range unroutableNets {
		if unroutableNets[i].Contains(netIP) {
			return false
		}
	}
	return !uniqueLocalNet.Contains(netIP) || isOnionCatTor(netIP)
}

// embeddedIPv4 returns the IPv4 address embedded in one of the IPv6 transition
// ranges or nil when the address does not embed one.
func embeddedIPv4(netIP net.IP) net.IP {
	ip16 := netIP.To16()
	switch {
	case rfc6145Net.Contains(ip16), rfc6052Net.Contains(ip16):
		return net.IP(ip16[12:16])

	case rfc3964Net.Contains(ip16):
		return net.IP(ip16[2:6])

	case rfc4380Net.Contains(ip16):
		// Teredo stores the client address with all bits flipped.
		v4 := make(net.IP, net.IPv4len)
		for i, b := range ip16[12:16] {
			v4[i] = b ^ 0xff
		}
		return v4
	}
	return nil
}

// GroupKey returns the network group the address belongs to.  IPv4 addresses
// and IPv6 addresses embedding an IPv4 address are grouped by /16, OnionCat
// addresses by the first 4 bits of the onion key, Hurricane Electric by /36,
// and all other IPv6 addresses by /32.  Local and unroutable addresses fall
// into the "local" and "unroutable" groups respectively.
func GroupKey(netIP net.IP) string {
	if isLocal(netIP) {
		return "local"
	}
	if !IsRoutable(netIP) {
		return "unroutable"
	}
	if v4 := netIP.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(16, 32)).String()
	}
	if v4 := embeddedIPv4(netIP); v4 != nil {
		return v4.Mask(net.CIDRMask(16, 32)).String()
	}
	if isOnionCatTor(netIP) {
		return fmt.Sprintf("tor:%d", netIP[6]&((1<<4)-1))
	}

	bits := 32
	if heNet.Contains(netIP) {
		bits = 36
	}
	return netIP.Mask(net.CIDRMask(bits, 128)).String()
}
