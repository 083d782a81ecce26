// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsvc

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/decred/dcrnet/addrmgr"
	"github.com/decred/dcrnet/banmgr"
	"github.com/decred/dcrnet/connmgr"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"
)

// DefaultMaintenanceInterval is the default interval expired bans are swept,
// the ban table is flushed and the address count is checked at.
const DefaultMaintenanceInterval = time.Minute

// Config holds the configuration of the network service.
type Config struct {
	// AddrManager, BanManager and ConnManager are the managers the service
	// ties together.  They are all required.  The service takes ownership
	// of them: Run starts them and shuts them down when it returns.
	AddrManager *addrmgr.AddrManager
	BanManager  *banmgr.BanManager
	ConnManager *connmgr.ConnManager

	// DNSSeeds are queried whenever the address manager needs more
	// addresses.  The addresses returned use DefaultPort and advertise
	// RequiredServices.
	DNSSeeds         []string
	DefaultPort      uint16
	RequiredServices addrmgr.ServiceFlag

	// Lookup resolves the DNS seeds.  It defaults to net.LookupIP.
	Lookup connmgr.LookupFunc

	// MaintenanceInterval is the interval of the maintenance loop.  It is
	// ignored when Ticker is set.
	MaintenanceInterval time.Duration

	// Ticker drives the maintenance loop.
	Ticker ticker.Ticker

	// Clock dates the addresses found by DNS seeding.  It defaults to the
	// system clock.
	Clock clock.Clock

	// ResetCorruptAddrs makes Run continue with an empty address table when
	// the stored one can not be read.  Run fails otherwise.
	ResetCorruptAddrs bool
}

// Service is the network service.  It exposes the operations on the address
// store, the ban table and the connection scheduler and keeps them consistent
// with each other.
type Service struct {
	cfg    Config
	amgr   *addrmgr.AddrManager
	bm     *banmgr.BanManager
	cm     *connmgr.ConnManager
	ticker ticker.Ticker

	seeding atomic.Bool
}

// New returns a network service for the provided configuration.
func New(cfg *Config) (*Service, error) {
	switch {
	case cfg.AddrManager == nil:
		return nil, makeError(ErrMissingAddrManager, "no address manager")
	case cfg.BanManager == nil:
		return nil, makeError(ErrMissingBanManager, "no ban manager")
	case cfg.ConnManager == nil:
		return nil, makeError(ErrMissingConnManager, "no connection manager")
	}

	c := *cfg
	if c.Lookup == nil {
		c.Lookup = net.LookupIP
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if c.Ticker == nil {
		c.Ticker = ticker.New(c.MaintenanceInterval)
	}
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}
	return &Service{
		cfg:    c,
		amgr:   c.AddrManager,
		bm:     c.BanManager,
		cm:     c.ConnManager,
		ticker: c.Ticker,
	}, nil
}

// Interrupt disables network activity and closes every connection.  It
// returns once every slot is closed.
func (s *Service) Interrupt() {
	s.cm.Interrupt()
}

// NetworkActive returns whether network activity is enabled.
func (s *Service) NetworkActive() bool {
	return s.cm.NetworkActive()
}

// SetNetworkActive enables or disables network activity.
func (s *Service) SetNetworkActive(active bool) {
	s.cm.SetNetworkActive(active)
}

// OpenNetworkConnection requests an outbound connection.
func (s *Service) OpenNetworkConnection(req *connmgr.ConnRequest) (*connmgr.Slot, error) {
	return s.cm.OpenNetworkConnection(req)
}

// CheckIncomingNonce returns false when the nonce belongs to a local outbound
// connection attempt.
func (s *Service) CheckIncomingNonce(nonce uint64) bool {
	return s.cm.CheckIncomingNonce(nonce)
}

// PushMessage queues a message for relay to the peer of the provided slot.
func (s *Service) PushMessage(id uint64, msg []byte) error {
	return s.cm.PushMessage(id, msg)
}

// GetAddressCount returns the number of known addresses.
func (s *Service) GetAddressCount() int {
	return s.amgr.NumAddresses()
}

// SetServices sets the local services advertised to peers.
func (s *Service) SetServices(services addrmgr.ServiceFlag) {
	s.cm.SetServices(services)
}

// SetAddressServices records the services a known address advertises, such as
// the ones a peer reported during the handshake.
func (s *Service) SetAddressServices(addr addrmgr.Service, services addrmgr.ServiceFlag) error {
	return s.amgr.SetServices(addr, services)
}

// MarkAddressGood marks the address as successfully connected to.
func (s *Service) MarkAddressGood(addr addrmgr.Service) error {
	return s.amgr.Good(addr)
}

// AddNewAddresses adds addresses reported by the provided source.  Their
// timestamps are pushed back by the time penalty.
func (s *Service) AddNewAddresses(addrs []addrmgr.Address, src addrmgr.NetAddr, timePenalty time.Duration) {
	s.amgr.AddAddresses(addrs, src, timePenalty)
}

// GetAddresses returns a random sample of the known addresses that advertise
// the required services.
func (s *Service) GetAddresses(required addrmgr.ServiceFlag) []addrmgr.Address {
	return s.amgr.GetAddresses(required)
}

// disconnectTarget closes every connection to an address covered by the
// target and returns how many were closed.
func (s *Service) disconnectTarget(target banmgr.Target) int {
	if target.IsHost() {
		return s.cm.DisconnectAddr(target.Addr())
	}
	var n int
	for _, peer := range s.cm.Slots() {
		if !target.Contains(peer.Service.Addr) {
			continue
		}
		if err := s.cm.Disconnect(peer.ID); err == nil {
			n++
		}
	}
	return n
}

// Ban bans the target and closes the connections to the hosts it covers.  It
// returns whether the ban table changed.
func (s *Service) Ban(target banmgr.Target, reason banmgr.BanReason, banTimeOffset time.Duration, sinceUnixEpoch bool) bool {
	if !s.bm.Ban(target, reason, banTimeOffset, sinceUnixEpoch) {
		return false
	}
	if n := s.disconnectTarget(target); n > 0 {
		log.Infof("Disconnected %d peers banned by %v", n, target)
	}
	return true
}

// Unban removes the ban of the target.  It returns whether the target was
// banned.
func (s *Service) Unban(target banmgr.Target) bool {
	return s.bm.Unban(target)
}

// ClearBanned removes every ban.
func (s *Service) ClearBanned() {
	s.bm.ClearBanned()
}

// IsBanned returns whether the address is banned.
func (s *Service) IsBanned(addr addrmgr.NetAddr) bool {
	return s.bm.IsBanned(addr)
}

// Banned returns the active bans.
func (s *Service) Banned() []banmgr.BanEntry {
	return s.bm.Banned()
}

// Misbehaving increases the misbehavior score of the address.  The address is
// banned and disconnected once its score reaches the ban threshold, in which
// case true is returned.
func (s *Service) Misbehaving(addr addrmgr.NetAddr, howMuch uint32, reason string) bool {
	if !s.bm.Misbehaving(addr, howMuch, reason) {
		return false
	}
	if n := s.cm.DisconnectAddr(addr); n > 0 {
		log.Infof("Disconnected %d connections to misbehaving peer %v", n,
			addr)
	}
	return true
}

// Disconnect closes the connection with the provided slot id.
func (s *Service) Disconnect(id uint64) error {
	return s.cm.Disconnect(id)
}

// Peers returns a snapshot of every connection.
func (s *Service) Peers() []connmgr.SlotInfo {
	return s.cm.Slots()
}

// AddPermanentPeer adds a peer that is kept connected.
func (s *Service) AddPermanentPeer(dest string) error {
	return s.cm.AddPermanentPeer(dest)
}

// RemovePermanentPeer stops keeping the peer connected.
func (s *Service) RemovePermanentPeer(dest string) bool {
	return s.cm.RemovePermanentPeer(dest)
}

// seed queries the DNS seeds and adds the addresses they return.
func (s *Service) seed(ctx context.Context) {
	defer s.seeding.Store(false)

	n := connmgr.SeedFromDNS(ctx, s.cfg.Clock, s.cfg.DNSSeeds,
		s.cfg.DefaultPort, s.cfg.RequiredServices, s.cfg.Lookup,
		func(addrs []addrmgr.Address, src addrmgr.NetAddr) {
			s.amgr.AddAddresses(addrs, src, 0)
		})
	log.Debugf("DNS seeding found %d addresses", n)
}

// maintain sweeps expired bans, flushes the ban table and starts DNS seeding
// when more addresses are needed.
func (s *Service) maintain(ctx context.Context, g *errgroup.Group) {
	if n := s.bm.SweepExpired(); n > 0 {
		log.Debugf("Removed %d expired bans", n)
	}
	if err := s.bm.Flush(); err != nil {
		log.Errorf("Unable to flush the ban table: %v", err)
	}

	if len(s.cfg.DNSSeeds) == 0 || !s.cm.NetworkActive() ||
		!s.amgr.NeedMoreAddresses() {

		return
	}
	if !s.seeding.CompareAndSwap(false, true) {
		return
	}
	g.Go(func() error {
		s.seed(ctx)
		return nil
	})
}

// maintenanceHandler runs the maintenance on every tick until the context is
// done.
func (s *Service) maintenanceHandler(ctx context.Context, g *errgroup.Group) {
	s.ticker.Resume()
	defer s.ticker.Stop()

	s.maintain(ctx, g)
	for {
		select {
		case <-s.ticker.Ticks():
			s.maintain(ctx, g)
		case <-ctx.Done():
			return
		}
	}
}

// Run starts the address manager, loads the ban table and runs the connection
// manager along with the maintenance loop until the context is done.  The
// address and ban tables are saved before it returns.
//
// Tables that can not be loaded are reported as persistence errors and Run
// returns without connecting to anyone.  An unreadable address table is reset
// instead when ResetCorruptAddrs is set.
func (s *Service) Run(ctx context.Context) error {
	if err := s.amgr.Start(); err != nil {
		if !errors.Is(err, addrmgr.ErrPersistence) {
			return err
		}
		if !s.cfg.ResetCorruptAddrs {
			log.Errorf("Unable to load the address table: %v", err)
			return errors.Join(err, s.amgr.Stop(), s.bm.Close())
		}
		log.Warnf("Starting with an empty address table: %v", err)
	}
	if err := s.bm.Load(); err != nil {
		log.Errorf("Unable to load the ban table: %v", err)
		return errors.Join(err, s.amgr.Stop(), s.bm.Close())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.cm.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.maintenanceHandler(gctx, g)
		return nil
	})
	_ = g.Wait()

	var errs []error
	if err := s.amgr.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := s.bm.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
