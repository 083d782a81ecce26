// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/decred/dcrnet/addrmgr"
	"github.com/decred/dcrnet/banmgr"
	"github.com/decred/dcrnet/connmgr"
	"github.com/decred/dcrnet/netsvc"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"
)

const (
	// helloSize is the size of the hello message peers exchange when they
	// connect.  It holds the network magic, the advertised services and the
	// nonce used to detect self connections.
	helloSize = 4 + 8 + 8

	// msgHeaderSize is the size of the length prefix of a relayed message.
	msgHeaderSize = 4

	// oversizedMsgScore is the misbehavior score given to peers that send
	// messages larger than the configured maximum.
	oversizedMsgScore = 50

	// metricsInterval is the interval the metrics are refreshed at.
	metricsInterval = 10 * time.Second
)

// errWrongNetwork indicates a peer sent a hello message with a network magic
// that differs from the local one.
var errWrongNetwork = errors.New("peer is on a different network")

// hello is the first message peers send to each other.
type hello struct {
	magic    uint32
	services addrmgr.ServiceFlag
	nonce    uint64
}

// encode returns the serialized hello message.
func (h *hello) encode() []byte {
	var buf [helloSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], h.magic)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(h.services))
	binary.LittleEndian.PutUint64(buf[12:20], h.nonce)
	return buf[:]
}

// decodeHello deserializes a hello message.
func decodeHello(buf []byte) hello {
	return hello{
		magic:    binary.LittleEndian.Uint32(buf[0:4]),
		services: addrmgr.ServiceFlag(binary.LittleEndian.Uint64(buf[4:12])),
		nonce:    binary.LittleEndian.Uint64(buf[12:20]),
	}
}

// server ties the network service to the network transport.  It performs the
// hello handshake, drains the relay queues of the established peers onto
// their connections and reads the messages they send.
type server struct {
	magic          uint32
	maxMessageSize uint32
	banThreshold   uint32
	dialFn         func(ctx context.Context, network, addr string) (net.Conn, error)

	amgr    *addrmgr.AddrManager
	bm      *banmgr.BanManager
	cm      *connmgr.ConnManager
	svc     *netsvc.Service
	metrics *serverMetrics

	// wg tracks the goroutines of the established peers.
	wg sync.WaitGroup
}

// newServer returns a server for the provided configuration that accepts
// inbound connections from the passed listeners.
func newServer(cfg *config, listeners []net.Listener, metrics *serverMetrics) (*server, error) {
	s := server{
		magic:          cfg.NetMagic,
		maxMessageSize: cfg.MaxMessageSize,
		banThreshold:   cfg.BanThreshold,
		dialFn:         cfg.dial,
		metrics:        metrics,
	}
	if s.banThreshold == 0 {
		s.banThreshold = banmgr.DefaultBanThreshold
	}

	s.amgr = addrmgr.New(cfg.DataDir, cfg.lookup)
	bm, err := banmgr.New(&banmgr.Config{
		DataDir:        cfg.DataDir,
		DisableBanning: cfg.NoBanning,
		BanThreshold:   cfg.BanThreshold,
		BanDuration:    cfg.BanDuration,
		WhiteList:      cfg.whitelists,
	})
	if err != nil {
		return nil, err
	}
	s.bm = bm

	// Only connect to the requested peers in connect mode.
	var am connmgr.AddressManager = s.amgr
	if len(cfg.ConnectPeers) > 0 {
		am = nil
	}
	cm, err := connmgr.New(&connmgr.Config{
		Listeners:      listeners,
		Dial:           s.dial,
		Handshake:      s.handshake,
		Resolve:        s.resolve(cfg.Port),
		AddrManager:    am,
		BanChecker:     bm,
		OnEstablished:  s.peerEstablished,
		OnDisconnected: s.peerDisconnected,
		Limits: connmgr.Limits{
			FullRelay:      cfg.MaxFullRelay,
			BlockRelayOnly: cfg.MaxBlockRelayOnly,
			Manual:         cfg.MaxManual,
			Inbound:        cfg.MaxInbound,
		},
		Services:         cfg.services,
		RequiredServices: addrmgr.SFNodeNetwork,
		DialTimeout:      cfg.DialTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		RelayQueueSize:   cfg.RelayQueueSize,
		RelayPolicy:      cfg.relayPolicy,
	})
	if err != nil {
		bm.Close()
		return nil, err
	}
	s.cm = cm

	svc, err := netsvc.New(&netsvc.Config{
		AddrManager:      s.amgr,
		BanManager:       bm,
		ConnManager:      cm,
		DNSSeeds:         cfg.DNSSeeds,
		DefaultPort:      cfg.Port,
		RequiredServices: addrmgr.SFNodeNetwork,
		Lookup:           cfg.lookup,

		// The address table is rebuilt from DNS seeds and peers.
		ResetCorruptAddrs: true,
	})
	if err != nil {
		bm.Close()
		return nil, err
	}
	s.svc = svc

	for _, dest := range cfg.ConnectPeers {
		if err := svc.AddPermanentPeer(dest); err != nil {
			srvrLog.Warnf("Unable to add peer %s: %v", dest, err)
		}
	}
	for _, dest := range cfg.AddPeers {
		if err := svc.AddPermanentPeer(dest); err != nil {
			srvrLog.Warnf("Unable to add peer %s: %v", dest, err)
		}
	}
	if cfg.DisableNetwork {
		svc.SetNetworkActive(false)
	}

	return &s, nil
}

// dial connects to the provided address with the configured dial function.
func (s *server) dial(ctx context.Context, addr net.Addr) (net.Conn, error) {
	return s.dialFn(ctx, addr.Network(), addr.String())
}

// resolve returns a function that resolves a peer destination of the form
// host or host:port into a service.
func (s *server) resolve(defaultPort uint16) func(string) (addrmgr.Service, error) {
	return func(dest string) (addrmgr.Service, error) {
		host, portStr, err := net.SplitHostPort(dest)
		if err != nil {
			host, portStr = dest, strconv.Itoa(int(defaultPort))
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return addrmgr.Service{}, fmt.Errorf("invalid port %q: %w",
				portStr, err)
		}
		return s.amgr.HostToNetAddress(host, uint16(port), 0)
	}
}

// handshake exchanges hello messages with the remote peer.  Peers on another
// network are reported as misbehaving with a score that bans them.
func (s *server) handshake(ctx context.Context, conn net.Conn, inbound bool, local connmgr.HandshakeInfo) (connmgr.HandshakeInfo, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return connmgr.HandshakeInfo{}, err
		}
		defer conn.SetDeadline(time.Time{})
	}

	// Both sides send their hello without waiting for the other one.
	var g errgroup.Group
	g.Go(func() error {
		msg := hello{magic: s.magic, services: local.Services, nonce: local.Nonce}
		_, err := conn.Write(msg.encode())
		return err
	})
	var buf [helloSize]byte
	_, readErr := io.ReadFull(conn, buf[:])
	if readErr != nil {
		// Unblock the writer.
		conn.Close()
	}
	if err := g.Wait(); err != nil && readErr == nil {
		s.metrics.recordHandshake("failed")
		return connmgr.HandshakeInfo{}, err
	}
	if readErr != nil {
		s.metrics.recordHandshake("failed")
		return connmgr.HandshakeInfo{}, readErr
	}

	remote := decodeHello(buf[:])
	if remote.magic != s.magic {
		s.metrics.recordHandshake("wrongnet")
		if svc, err := addrmgr.ServiceFromAddr(conn.RemoteAddr()); err == nil {
			reason := fmt.Sprintf("network magic %08x", remote.magic)
			s.svc.Misbehaving(svc.Addr, s.banThreshold, reason)
		}
		return connmgr.HandshakeInfo{}, fmt.Errorf("%w: magic %08x",
			errWrongNetwork, remote.magic)
	}

	return connmgr.HandshakeInfo{
		Nonce:    remote.nonce,
		Services: remote.services,
	}, nil
}

// peerEstablished starts draining the relay queue of a newly established peer
// and reading the messages it sends.
func (s *server) peerEstablished(slot *connmgr.Slot) {
	s.metrics.recordHandshake("established")

	conn, q := slot.Conn(), slot.Queue()
	if conn == nil || q == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		<-slot.Done()
		cancel()
	}()
	go func() {
		defer s.wg.Done()
		s.outHandler(ctx, slot, conn, q)
	}()
	go func() {
		defer s.wg.Done()
		s.inHandler(slot, conn)
	}()
}

// peerDisconnected logs the disconnection of a peer.
func (s *server) peerDisconnected(slot *connmgr.Slot) {
	srvrLog.Debugf("Peer %v disconnected", slot)
}

// outHandler writes the messages queued for relay to the peer until the queue
// is closed or a write fails.
func (s *server) outHandler(ctx context.Context, slot *connmgr.Slot, conn net.Conn, q *connmgr.RelayQueue) {
	var hdr [msgHeaderSize]byte
	for {
		msg, err := q.Pop(ctx)
		if err != nil {
			return
		}
		binary.LittleEndian.PutUint32(hdr[:], uint32(len(msg)))
		if _, err := conn.Write(hdr[:]); err != nil {
			srvrLog.Debugf("Unable to write to %v: %v", slot, err)
			_ = s.cm.Disconnect(slot.ID())
			return
		}
		if _, err := conn.Write(msg); err != nil {
			srvrLog.Debugf("Unable to write to %v: %v", slot, err)
			_ = s.cm.Disconnect(slot.ID())
			return
		}
		s.metrics.recordMessage("out", len(msg))
	}
}

// inHandler reads the messages sent by the peer until the connection is
// closed.  Peers sending oversized messages are reported as misbehaving and
// disconnected.
func (s *server) inHandler(slot *connmgr.Slot, conn net.Conn) {
	defer func() { _ = s.cm.Disconnect(slot.ID()) }()

	var hdr [msgHeaderSize]byte
	for {
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return
		}
		size := binary.LittleEndian.Uint32(hdr[:])
		if size > s.maxMessageSize {
			srvrLog.Infof("Peer %v sent a message of %d bytes -- max %d",
				slot, size, s.maxMessageSize)
			reason := fmt.Sprintf("message of %d bytes", size)
			s.svc.Misbehaving(slot.Service().Addr, oversizedMsgScore, reason)
			return
		}
		if _, err := io.CopyN(io.Discard, conn, int64(size)); err != nil {
			return
		}
		s.metrics.recordMessage("in", int(size))
	}
}

// metricsHandler refreshes the metrics on every tick until the context is
// done.
func (s *server) metricsHandler(ctx context.Context, t ticker.Ticker) {
	t.Resume()
	defer t.Stop()

	s.metrics.update(s.svc, s.amgr)
	for {
		select {
		case <-t.Ticks():
			s.metrics.update(s.svc, s.amgr)
		case <-ctx.Done():
			return
		}
	}
}

// run runs the network service until the context is done.  It returns once
// every peer goroutine finished.
func (s *server) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if s.metrics != nil {
		g.Go(func() error {
			s.metricsHandler(gctx, ticker.New(metricsInterval))
			return nil
		})
	}
	g.Go(func() error {
		return s.svc.Run(gctx)
	})
	err := g.Wait()
	s.wg.Wait()
	return err
}
