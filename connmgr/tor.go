// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"context"
	"fmt"
	"io"
	"net"
)

const (
	socksVersion   = 0x05
	socksNoAuth    = 0x00
	socksSucceeded = 0x00

	torATypeIPv4       = 1
	torATypeDomainName = 3
	torATypeIPv6       = 4

	// torCmdResolve is the Tor extension to SOCKS5 that resolves a host
	// name through the Tor network.
	torCmdResolve = 240
)

// torReplyErrors maps the SOCKS reply codes to the error kind and description
// reported for them.
var torReplyErrors = map[byte]Error{
	0x01: {"tor general error", ErrTorGeneralError},
	0x02: {"tor not allowed", ErrTorNotAllowed},
	0x03: {"tor network is unreachable", ErrTorNetUnreachable},
	0x04: {"tor host is unreachable", ErrTorHostUnreachable},
	0x05: {"tor connection refused", ErrTorConnectionRefused},
	0x06: {"tor TTL expired", ErrTorTTLExpired},
	0x07: {"tor command not supported", ErrTorCmdNotSupported},
	0x08: {"tor address type not supported", ErrTorAddrNotSupported},
}

// TorLookupIP uses Tor to resolve DNS via the passed SOCKS proxy.
func TorLookupIP(ctx context.Context, host, proxy string) ([]net.IP, error) {
	if len(host) > 255 {
		str := fmt.Sprintf("host name %q is too long", host)
		return nil, makeError(ErrTorInvalidAddressResponse, str)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", proxy)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	// Greet the proxy without authentication.
	if _, err := conn.Write([]byte{socksVersion, 1, socksNoAuth}); err != nil {
		return nil, err
	}
	var greeting [2]byte
	if _, err := io.ReadFull(conn, greeting[:]); err != nil {
		return nil, err
	}
	if greeting[0] != socksVersion {
		return nil, makeError(ErrTorInvalidProxyResponse,
			"invalid SOCKS proxy version")
	}
	if greeting[1] != socksNoAuth {
		return nil, makeError(ErrTorUnrecognizedAuthMethod,
			"invalid proxy authentication method")
	}

	// Request the resolution of the host with a zero port.
	req := make([]byte, 0, 7+len(host))
	req = append(req, socksVersion, torCmdResolve, 0, torATypeDomainName,
		byte(len(host)))
	req = append(req, host...)
	req = append(req, 0, 0)
	if _, err := conn.Write(req); err != nil {
		return nil, err
	}

	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, err
	}
	if header[0] != socksVersion {
		return nil, makeError(ErrTorInvalidProxyResponse,
			"invalid SOCKS proxy version")
	}
	if header[1] != socksSucceeded {
		if err, ok := torReplyErrors[header[1]]; ok {
			return nil, err
		}
		str := fmt.Sprintf("unknown SOCKS reply code %d", header[1])
		return nil, makeError(ErrTorInvalidProxyResponse, str)
	}

	var ipLen int
	switch header[3] {
	case torATypeIPv4:
		ipLen = net.IPv4len
	case torATypeIPv6:
		ipLen = net.IPv6len
	default:
		str := fmt.Sprintf("unknown address type %d", header[3])
		return nil, makeError(ErrTorInvalidAddressResponse, str)
	}

	// The address is followed by the two byte port.
	reply := make([]byte, ipLen+2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		str := fmt.Sprintf("invalid IP address: %v", err)
		return nil, makeError(ErrTorInvalidAddressResponse, str)
	}
	ip := make(net.IP, ipLen)
	copy(ip, reply[:ipLen])
	return []net.IP{ip}, nil
}
