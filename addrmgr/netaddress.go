// Copyright (c) 2021-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
)

// v4InV6Prefix is the prefix of an IPv4-mapped IPv6 address.
var v4InV6Prefix = [12]byte{10: 0xff, 11: 0xff}

// NetAddr is an IPv4 or IPv6 network address without a port.  IPv4 addresses
// are stored in their IPv4-mapped IPv6 form so that every address occupies 16
// bytes.  The scope is only meaningful for link-local IPv6 addresses and is
// zero otherwise.
//
// NetAddr values are comparable and may be used as map keys.
type NetAddr struct {
	ip    [16]byte
	scope uint32
}

// NewNetAddr returns a network address for the provided IP.  An invalid IP
// results in the zero address.
func NewNetAddr(ip net.IP) NetAddr {
	return NewNetAddrScoped(ip, 0)
}

// NewNetAddrScoped returns a network address for the provided IP and IPv6 scope
// identifier.  The scope is discarded for addresses that are not link-local
// IPv6 addresses.
func NewNetAddrScoped(ip net.IP, scope uint32) NetAddr {
	var addr NetAddr
	ip16 := ip.To16()
	if ip16 == nil {
		return addr
	}
	copy(addr.ip[:], ip16)
	if !addr.Is4() && ip16.IsLinkLocalUnicast() {
		addr.scope = scope
	}
	return addr
}

// ParseNetAddr parses an IP address string, optionally followed by a numeric
// or named IPv6 zone such as "fe80::1%3".
func ParseNetAddr(s string) (NetAddr, error) {
	host, zone, _ := strings.Cut(s, "%")
	ip := net.ParseIP(host)
	if ip == nil {
		str := fmt.Sprintf("invalid IP address %q", s)
		return NetAddr{}, makeError(ErrInvalidAddress, str)
	}
	return NewNetAddrScoped(ip, zoneToScope(zone)), nil
}

// zoneToScope converts an IPv6 zone to its numeric scope identifier.  Unknown
// interface names map to zero.
func zoneToScope(zone string) uint32 {
	if zone == "" {
		return 0
	}
	if n, err := strconv.ParseUint(zone, 10, 32); err == nil {
		return uint32(n)
	}
	if ifi, err := net.InterfaceByName(zone); err == nil {
		return uint32(ifi.Index)
	}
	return 0
}

// Is4 returns whether the address is an IPv4 address.
func (a NetAddr) Is4() bool {
	return [12]byte(a.ip[:12]) == v4InV6Prefix
}

// IsZero returns whether the address is the zero value.
func (a NetAddr) IsZero() bool {
	return a == NetAddr{}
}

// IP returns the address as a net.IP.  IPv4 addresses are returned in their
// 4-byte form.
func (a NetAddr) IP() net.IP {
	if a.Is4() {
		return net.IPv4(a.ip[12], a.ip[13], a.ip[14], a.ip[15]).To4()
	}
	ip := make(net.IP, net.IPv6len)
	copy(ip, a.ip[:])
	return ip
}

// Scope returns the IPv6 scope identifier of the address.
func (a NetAddr) Scope() uint32 {
	return a.scope
}

// String returns the textual form of the address including the zone when one
// is set.
func (a NetAddr) String() string {
	s := a.IP().String()
	if a.scope != 0 {
		s += "%" + strconv.FormatUint(uint64(a.scope), 10)
	}
	return s
}

// bytes returns the 20-byte serialization used when hashing the address.
func (a NetAddr) bytes() []byte {
	var b [20]byte
	copy(b[:16], a.ip[:])
	binary.LittleEndian.PutUint32(b[16:], a.scope)
	return b[:]
}

// Hash returns a 64-bit hash of the address suitable for use in hash tables.
func (a NetAddr) Hash() uint64 {
	return binary.LittleEndian.Uint64(chainhash.HashB(a.bytes()))
}

// IsRoutable returns whether the address is routable on the public internet.
func (a NetAddr) IsRoutable() bool {
	return IsRoutable(a.IP())
}

// GroupKey returns the network group of the address.  Addresses in the same
// group are likely operated by the same entity.
func (a NetAddr) GroupKey() string {
	return GroupKey(a.IP())
}

// ServiceFlag identifies the services supported by a peer.
type ServiceFlag uint64

const (
	// SFNodeNone indicates no services.
	SFNodeNone ServiceFlag = 0

	// SFNodeNetwork indicates a peer serves the full chain.
	SFNodeNetwork ServiceFlag = 1 << 0

	// SFNodeGetUTXO indicates a peer supports utxo queries.
	SFNodeGetUTXO ServiceFlag = 1 << 1

	// SFNodeBloom indicates a peer supports bloom filtering.
	SFNodeBloom ServiceFlag = 1 << 2

	// SFNodeWitness indicates a peer supports witness data.
	SFNodeWitness ServiceFlag = 1 << 3

	// SFNodeXThin indicates a peer supports xthin blocks.
	SFNodeXThin ServiceFlag = 1 << 4

	// SFNodeNetworkLimited indicates a peer only serves recent blocks.
	SFNodeNetworkLimited ServiceFlag = 1 << 10
)

// orderedSFStrings is an ordered list of service flags from highest to lowest
// priority used when generating human-readable strings.
var orderedSFStrings = []struct {
	flag ServiceFlag
	name string
}{
	{SFNodeNetwork, "SFNodeNetwork"},
	{SFNodeGetUTXO, "SFNodeGetUTXO"},
	{SFNodeBloom, "SFNodeBloom"},
	{SFNodeWitness, "SFNodeWitness"},
	{SFNodeXThin, "SFNodeXThin"},
	{SFNodeNetworkLimited, "SFNodeNetworkLimited"},
}

// HasServices returns whether all of the provided services are set.
func (f ServiceFlag) HasServices(services ServiceFlag) bool {
	return f&services == services
}

// String returns the ServiceFlag in human-readable form.
func (f ServiceFlag) String() string {
	if f == SFNodeNone {
		return "0x0"
	}

	var s strings.Builder
	for _, sf := range orderedSFStrings {
		if f&sf.flag == sf.flag {
			if s.Len() > 0 {
				s.WriteByte('|')
			}
			s.WriteString(sf.name)
			f -= sf.flag
		}
	}

	if f != 0 {
		if s.Len() > 0 {
			s.WriteByte('|')
		}
		s.WriteString("0x" + strconv.FormatUint(uint64(f), 16))
	}
	return s.String()
}

// ServiceKey uniquely identifies a service endpoint.
type ServiceKey struct {
	Addr NetAddr
	Port uint16
}

// String returns the host:port form of the key.
func (k ServiceKey) String() string {
	return net.JoinHostPort(k.Addr.String(), strconv.FormatUint(uint64(k.Port), 10))
}

// bytes returns the 22-byte serialization used when hashing the key.
func (k ServiceKey) bytes() []byte {
	b := make([]byte, 22)
	copy(b, k.Addr.bytes())
	binary.LittleEndian.PutUint16(b[20:], k.Port)
	return b
}

// Service is a network address paired with a port and the services the peer
// at that endpoint advertises.
type Service struct {
	Addr     NetAddr
	Port     uint16
	Services ServiceFlag
}

// NewService returns a service for the provided IP, port, and services.
func NewService(ip net.IP, port uint16, services ServiceFlag) Service {
	return Service{Addr: NewNetAddr(ip), Port: port, Services: services}
}

// ParseService parses a host:port string into a service with no services set.
// The host must be an IP address.
func ParseService(hostport string) (Service, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		str := fmt.Sprintf("invalid service address %q: %v", hostport, err)
		return Service{}, makeError(ErrInvalidAddress, str)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		str := fmt.Sprintf("invalid port in %q", hostport)
		return Service{}, makeError(ErrInvalidAddress, str)
	}
	addr, err := ParseNetAddr(host)
	if err != nil {
		return Service{}, err
	}
	return Service{Addr: addr, Port: uint16(port)}, nil
}

// ServiceFromAddr converts a net.Addr to a service.  TCP addresses are
// converted directly while all other types are parsed from their string form.
func ServiceFromAddr(addr net.Addr) (Service, error) {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		if tcpAddr.IP.To16() == nil {
			str := fmt.Sprintf("invalid TCP address %v", tcpAddr)
			return Service{}, makeError(ErrInvalidAddress, str)
		}
		return Service{
			Addr: NewNetAddrScoped(tcpAddr.IP, zoneToScope(tcpAddr.Zone)),
			Port: uint16(tcpAddr.Port),
		}, nil
	}
	return ParseService(addr.String())
}

// Key returns the unique key of the service endpoint.
func (s Service) Key() ServiceKey {
	return ServiceKey{Addr: s.Addr, Port: s.Port}
}

// String returns the host:port form of the service.
func (s Service) String() string {
	return s.Key().String()
}

// TCPAddr returns the service as a TCP address.
func (s Service) TCPAddr() *net.TCPAddr {
	var zone string
	if s.Addr.scope != 0 {
		zone = strconv.FormatUint(uint64(s.Addr.scope), 10)
	}
	return &net.TCPAddr{IP: s.Addr.IP(), Port: int(s.Port), Zone: zone}
}

// Address is a service along with the last time it was seen on the network.
type Address struct {
	Service
	Timestamp time.Time
}

// NewAddress returns an address for the provided IP and port with the given
// services and timestamp.
func NewAddress(ip net.IP, port uint16, services ServiceFlag, timestamp time.Time) Address {
	return Address{
		Service:   NewService(ip, port, services),
		Timestamp: timestamp,
	}
}
