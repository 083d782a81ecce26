// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package banmgr

import (
	"errors"
	"net"
	"testing"

	"github.com/decred/dcrnet/addrmgr"
)

// mustParseTarget parses the provided target and panics on failure.
func mustParseTarget(s string) Target {
	target, err := ParseTarget(s)
	if err != nil {
		panic(err)
	}
	return target
}

// mustParseAddr parses the provided address and panics on failure.
func mustParseAddr(s string) addrmgr.NetAddr {
	addr, err := addrmgr.ParseNetAddr(s)
	if err != nil {
		panic(err)
	}
	return addr
}

// TestParseTarget ensures hosts and subnets parse into their canonical form
// and malformed targets are rejected.
func TestParseTarget(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		host    bool
		want    string
		errKind error
	}{{
		name: "ipv4 host",
		in:   "1.2.3.4",
		host: true,
		want: "1.2.3.4",
	}, {
		name: "ipv6 host",
		in:   "2001:470::1",
		host: true,
		want: "2001:470::1",
	}, {
		name: "ipv4 subnet with host bits",
		in:   "1.2.3.4/24",
		want: "1.2.3.0/24",
	}, {
		name: "ipv4 full length subnet",
		in:   "1.2.3.4/32",
		host: true,
		want: "1.2.3.4",
	}, {
		name: "ipv6 subnet",
		in:   "2001:470:1f10::1/48",
		want: "2001:470:1f10::/48",
	}, {
		name: "ipv6 everything",
		in:   "::/0",
		want: "::/0",
	}, {
		name:    "hostname",
		in:      "example.com",
		errKind: ErrInvalidTarget,
	}, {
		name:    "bad prefix",
		in:      "1.2.3.4/33",
		errKind: ErrInvalidTarget,
	}, {
		name:    "empty",
		in:      "",
		errKind: ErrInvalidTarget,
	}}

	for _, test := range tests {
		target, err := ParseTarget(test.in)
		if !errors.Is(err, test.errKind) {
			t.Errorf("%s: unexpected error -- got %v, want %v", test.name,
				err, test.errKind)
			continue
		}
		if err != nil {
			continue
		}
		if target.IsHost() != test.host {
			t.Errorf("%s: unexpected host flag -- got %v, want %v",
				test.name, target.IsHost(), test.host)
		}
		if got := target.String(); got != test.want {
			t.Errorf("%s: unexpected string -- got %s, want %s", test.name,
				got, test.want)
		}

		// The string form must parse back into the same target since it
		// is used as the database key.
		again, err := ParseTarget(target.String())
		if err != nil || again != target {
			t.Errorf("%s: string form %s does not parse back (%v)",
				test.name, target, err)
		}
	}
}

// TestTargetContains ensures hosts only match themselves and subnets match the
// addresses they cover within the same family.
func TestTargetContains(t *testing.T) {
	tests := []struct {
		target string
		addr   string
		want   bool
	}{
		{"1.2.3.4", "1.2.3.4", true},
		{"1.2.3.4", "1.2.3.5", false},
		{"1.2.3.0/24", "1.2.3.200", true},
		{"1.2.3.0/24", "1.2.4.1", false},
		{"0.0.0.0/0", "8.8.8.8", true},
		{"0.0.0.0/0", "2001:470::1", false},
		{"::/0", "2001:470::1", true},
		{"2001:470::/32", "2001:470:1f10::2", true},
		{"2001:470::/32", "2001:471::1", false},
	}

	for _, test := range tests {
		target := mustParseTarget(test.target)
		got := target.Contains(mustParseAddr(test.addr))
		if got != test.want {
			t.Errorf("%s contains %s -- got %v, want %v", test.target,
				test.addr, got, test.want)
		}
	}
}

// TestNewSubnetTarget ensures subnets built from networks are normalized.
func TestNewSubnetTarget(t *testing.T) {
	ipNet := &net.IPNet{
		IP:   net.ParseIP("10.20.30.40").To4(),
		Mask: net.CIDRMask(16, 32),
	}
	target, err := NewSubnetTarget(ipNet)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target.Addr() != mustParseAddr("10.20.0.0") {
		t.Fatalf("unexpected network address %v", target.Addr())
	}
	if got := target.IPNet().String(); got != "10.20.0.0/16" {
		t.Fatalf("unexpected network -- got %s, want 10.20.0.0/16", got)
	}

	if _, err := NewSubnetTarget(&net.IPNet{IP: ipNet.IP}); !errors.Is(err,
		ErrInvalidTarget) {

		t.Fatalf("unexpected error for missing mask -- got %v, want %v",
			err, ErrInvalidTarget)
	}
}
