// Copyright (c) 2016 The btcsuite developers
// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrd/container/lru"
	"github.com/decred/dcrd/crypto/rand"
	"github.com/decred/dcrnet/addrmgr"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/time/rate"
)

const (
	// maxFailedAttempts is the maximum number of successive failed automatic
	// connection attempts after which network failure is assumed and new
	// automatic connections will be delayed by the configured retry
	// duration.
	maxFailedAttempts = 25

	// maxRetryDuration is the max duration of time retrying of a permanent
	// peer is allowed to grow to.  This is necessary since the retry logic
	// uses a backoff mechanism which increases the interval base times the
	// number of retries that have been done.
	maxRetryDuration = time.Minute * 5

	// maxAddrTriesPerTick is the maximum number of addresses requested from
	// the address manager during a single maintenance tick.
	maxAddrTriesPerTick = 100

	// recentAttemptsLimit is the maximum number of recently attempted
	// addresses that are remembered.
	recentAttemptsLimit = 2000

	// recentAttemptTTL is how long an automatically attempted address is
	// skipped for.
	recentAttemptTTL = 10 * time.Minute
)

// These constants define the default configuration values.
const (
	DefaultMaxFullRelay      = 8
	DefaultMaxBlockRelayOnly = 2
	DefaultMaxManual         = 8
	DefaultMaxOneShot        = 1
	DefaultMaxFeeler         = 1
	DefaultMaxInbound        = 117

	DefaultDialTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultTickInterval     = 5 * time.Second
	DefaultFeelerInterval   = 2 * time.Minute
	DefaultRetryDuration    = 5 * time.Second

	// DefaultAcceptRate and DefaultAcceptBurst bound the rate inbound
	// connections are accepted at.
	DefaultAcceptRate  = rate.Limit(10)
	DefaultAcceptBurst = 20
)

// Limits holds the maximum number of live slots per connection class.  Zero
// values select the defaults and negative values disable the class.
type Limits struct {
	FullRelay      int
	BlockRelayOnly int
	Manual         int
	OneShot        int
	Feeler         int
	Inbound        int
}

// setDefaults replaces the zero limits with their defaults.
func (l *Limits) setDefaults() {
	setDefault := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}
	setDefault(&l.FullRelay, DefaultMaxFullRelay)
	setDefault(&l.BlockRelayOnly, DefaultMaxBlockRelayOnly)
	setDefault(&l.Manual, DefaultMaxManual)
	setDefault(&l.OneShot, DefaultMaxOneShot)
	setDefault(&l.Feeler, DefaultMaxFeeler)
	setDefault(&l.Inbound, DefaultMaxInbound)
}

// of returns the limit of the provided class.
func (l *Limits) of(class ConnClass) int {
	var limit int
	switch class {
	case ClassFullRelay:
		limit = l.FullRelay
	case ClassBlockRelayOnly:
		limit = l.BlockRelayOnly
	case ClassManual:
		limit = l.Manual
	case ClassOneShot:
		limit = l.OneShot
	case ClassFeeler:
		limit = l.Feeler
	case ClassInbound:
		limit = l.Inbound
	}
	return max(limit, 0)
}

// AddressManager provides the addresses automatic connections are made to and
// records the outcome of connection attempts.  It is implemented by
// addrmgr.AddrManager.
type AddressManager interface {
	GetAddress(newOnly bool) *addrmgr.KnownAddress
	Attempt(addr addrmgr.Service, countFailure bool) error
	Good(addr addrmgr.Service) error
	Connected(addr addrmgr.Service) error
}

// BanChecker reports whether an address is banned.  It is implemented by
// banmgr.BanManager.
type BanChecker interface {
	IsBanned(addr addrmgr.NetAddr) bool
}

// HandshakeInfo is the information exchanged with a peer during the
// handshake.
type HandshakeInfo struct {
	Nonce    uint64
	Services addrmgr.ServiceFlag
}

// HandshakeFunc performs the handshake with a peer over the provided
// connection.  It sends the local information and returns the information
// received from the peer.  It must return once the context is done or the
// connection is closed.
type HandshakeFunc func(ctx context.Context, conn net.Conn, inbound bool, local HandshakeInfo) (HandshakeInfo, error)

// Config holds the configuration options related to the connection manager.
type Config struct {
	// Listeners defines a slice of listeners for which the connection
	// manager will take ownership of and accept connections.  Since the
	// connection manager takes ownership of these listeners, they will be
	// closed when the connection manager is stopped.
	Listeners []net.Listener

	// Dial connects to the provided address.
	Dial func(ctx context.Context, addr net.Addr) (net.Conn, error)

	// Handshake performs the handshake on new connections.
	Handshake HandshakeFunc

	// Resolve converts the destination of a connection request into a
	// service.  It defaults to addrmgr.ParseService.
	Resolve func(dest string) (addrmgr.Service, error)

	// AddrManager provides the addresses for automatic connections.  No
	// automatic connections are made when it is nil.
	AddrManager AddressManager

	// BanChecker refuses banned peers.  No peer is refused for being
	// banned when it is nil.
	BanChecker BanChecker

	// OnEstablished is invoked from the slot's goroutine once the slot is
	// established.
	OnEstablished func(*Slot)

	// OnDisconnected is invoked from the slot's goroutine once an
	// established slot is closed.
	OnDisconnected func(*Slot)

	// Limits holds the maximum number of live slots per class.
	Limits Limits

	// Services are the local services advertised during handshakes.
	Services addrmgr.ServiceFlag

	// RequiredServices are the services addresses must advertise to be
	// picked for automatic connections.
	RequiredServices addrmgr.ServiceFlag

	// DialTimeout and HandshakeTimeout bound the time spent dialing and
	// handshaking respectively.
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration

	// TickInterval is the interval of the maintenance loop.  It is ignored
	// when Ticker is set.
	TickInterval time.Duration

	// FeelerInterval is the minimum interval between feeler connections.
	FeelerInterval time.Duration

	// RetryDuration is the base duration permanent peers are retried after
	// and the delay imposed on automatic connections after too many
	// successive failures.
	RetryDuration time.Duration

	// RelayQueueSize and RelayPolicy configure the relay queue of each
	// established slot.
	RelayQueueSize int
	RelayPolicy    QueuePolicy

	// AcceptRate and AcceptBurst throttle inbound connections.
	AcceptRate  rate.Limit
	AcceptBurst int

	// Clock provides the current time.  The default clock is used when it
	// is nil.
	Clock clock.Clock

	// Ticker drives the maintenance loop.  A ticker with TickInterval is
	// used when it is nil.
	Ticker ticker.Ticker
}

// ConnRequest is a request for an outbound connection.
type ConnRequest struct {
	// Addr is the peer to connect to.  Dest is resolved when it is nil.
	Addr *addrmgr.Service

	// CountFailure records a failed connection as a failed attempt with
	// the address manager.
	CountFailure bool

	// Class is the outbound class granted to the connection.  It must be
	// ClassFullRelay or ClassBlockRelayOnly unless one of the flags below
	// is set.
	Class ConnClass

	// Dest is the destination the connection was requested for, such as a
	// host and port provided by the operator.
	Dest string

	// OneShot, Feeler and Manual select the corresponding class instead of
	// Class.  At most one of them may be set.
	OneShot bool
	Feeler  bool
	Manual  bool
}

// class returns the connection class of the request.
func (r *ConnRequest) class() (ConnClass, error) {
	var class ConnClass
	var n int
	if r.OneShot {
		class, n = ClassOneShot, n+1
	}
	if r.Feeler {
		class, n = ClassFeeler, n+1
	}
	if r.Manual {
		class, n = ClassManual, n+1
	}
	switch {
	case n > 1:
		return 0, makeError(ErrInvalidRequest, "connection request sets "+
			"more than one of the one-shot, feeler and manual flags")
	case n == 1:
		return class, nil
	case r.Class.automatic():
		return r.Class, nil
	}
	str := fmt.Sprintf("connection request for unsupported class %v",
		r.Class)
	return 0, makeError(ErrInvalidRequest, str)
}

// permanentPeer is a peer the connection manager keeps reconnecting to.
type permanentPeer struct {
	dest        string
	retries     uint32
	nextAttempt time.Time
	slot        *Slot
}

// ConnManager provides a manager to handle network connections.
type ConnManager struct {
	// cfg specifies the configuration of the connection manager and is set
	// at creating time and treated as immutable after that.
	cfg Config

	clock          clock.Clock
	ticker         ticker.Ticker
	acceptLimiter  *rate.Limiter
	recentAttempts *lru.Set[addrmgr.ServiceKey]

	nextID         atomic.Uint64
	networkActive  atomic.Bool
	services       atomic.Uint64
	failedAttempts atomic.Uint32

	// mtx protects the following fields along with the state related
	// fields of every slot.
	mtx          sync.Mutex
	runCtx       context.Context
	slots        map[uint64]*Slot
	permanent    map[string]*permanentPeer
	backoffUntil time.Time
	lastFeeler   time.Time

	// wg tracks the listeners and slot goroutines.
	wg sync.WaitGroup
}

// New returns a new connection manager with the provided configuration.
//
// Use Run to start listening and/or connecting to the network.
func New(cfg *Config) (*ConnManager, error) {
	if cfg.Dial == nil {
		return nil, ErrDialNil
	}
	if cfg.Handshake == nil {
		return nil, ErrHandshakeNil
	}

	// Default to sane values.
	c := *cfg // Copy so caller can't mutate
	c.Limits.setDefaults()
	if c.Resolve == nil {
		c.Resolve = addrmgr.ParseService
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.FeelerInterval <= 0 {
		c.FeelerInterval = DefaultFeelerInterval
	}
	if c.RetryDuration <= 0 {
		c.RetryDuration = DefaultRetryDuration
	}
	if c.RelayQueueSize <= 0 {
		c.RelayQueueSize = DefaultRelayQueueSize
	}
	if c.AcceptRate <= 0 {
		c.AcceptRate = DefaultAcceptRate
	}
	if c.AcceptBurst <= 0 {
		c.AcceptBurst = DefaultAcceptBurst
	}
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}
	if c.Ticker == nil {
		c.Ticker = ticker.New(c.TickInterval)
	}

	cm := ConnManager{
		cfg:            c,
		clock:          c.Clock,
		ticker:         c.Ticker,
		acceptLimiter:  rate.NewLimiter(c.AcceptRate, c.AcceptBurst),
		recentAttempts: lru.NewSetWithDefaultTTL[addrmgr.ServiceKey](recentAttemptsLimit, recentAttemptTTL),
		slots:          make(map[uint64]*Slot),
		permanent:      make(map[string]*permanentPeer),
	}
	cm.networkActive.Store(true)
	cm.services.Store(uint64(c.Services))
	return &cm, nil
}

// liveCount returns the number of live slots of the provided class.
//
// This function MUST be called with the connection manager mutex held.
func (cm *ConnManager) liveCount(class ConnClass) int {
	var n int
	for _, slot := range cm.slots {
		if slot.class == class && slot.slotState().live() {
			n++
		}
	}
	return n
}

// admit returns an error when a new slot to the provided service with the
// provided class must not be created.
//
// This function MUST be called with the connection manager mutex held.
func (cm *ConnManager) admit(svc addrmgr.Service, class ConnClass) error {
	if cm.runCtx == nil {
		return makeError(ErrNotRunning, "connection manager is not running")
	}
	if class != ClassManual && !cm.networkActive.Load() {
		str := fmt.Sprintf("not connecting to %v: network activity is "+
			"disabled", svc.Key())
		return makeError(ErrNetworkInactive, str)
	}
	if cm.cfg.BanChecker != nil && cm.cfg.BanChecker.IsBanned(svc.Addr) {
		str := fmt.Sprintf("peer %v is banned", svc.Addr)
		return makeError(ErrBanned, str)
	}
	if limit := cm.cfg.Limits.of(class); cm.liveCount(class) >= limit {
		str := fmt.Sprintf("all %d %s slots are in use", limit, class)
		return makeError(ErrSlotLimit, str)
	}
	if class == ClassManual {
		return nil
	}

	var group string
	if class.automatic() {
		group = svc.Addr.GroupKey()
	}
	for _, slot := range cm.slots {
		if !slot.slotState().live() {
			continue
		}
		if slot.svc.Addr == svc.Addr {
			str := fmt.Sprintf("already connected to %v (slot %d)",
				svc.Addr, slot.id)
			return makeError(ErrDuplicateConn, str)
		}
		if group != "" && slot.class.automatic() &&
			slot.svc.Addr.GroupKey() == group {

			str := fmt.Sprintf("already connected to network group %s "+
				"(slot %d)", group, slot.id)
			return makeError(ErrDuplicateConn, str)
		}
	}
	return nil
}

// newNonce returns a random non-zero nonce that is not used by any slot.
//
// This function MUST be called with the connection manager mutex held.
func (cm *ConnManager) newNonce() uint64 {
	for {
		nonce := rand.Uint64()
		if nonce == 0 {
			continue
		}
		var used bool
		for _, slot := range cm.slots {
			if slot.localNonce == nonce {
				used = true
				break
			}
		}
		if !used {
			return nonce
		}
	}
}

// newSlot creates a slot in the provided state and adds it to the slot table.
// The returned context is canceled when the slot is canceled or the
// connection manager stops.
//
// This function MUST be called with the connection manager mutex held.
func (cm *ConnManager) newSlot(svc addrmgr.Service, class ConnClass, dest string, state SlotState) (*Slot, context.Context) {
	ctx, cancel := context.WithCancel(cm.runCtx)
	slot := &Slot{
		id:         cm.nextID.Add(1),
		svc:        svc,
		class:      class,
		dest:       dest,
		localNonce: cm.newNonce(),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	slot.state.Store(uint32(state))
	cm.slots[slot.id] = slot
	return slot, ctx
}

// openSlot admits and creates an outbound slot and starts its worker.
func (cm *ConnManager) openSlot(svc addrmgr.Service, class ConnClass, dest string, countFailure bool, pp *permanentPeer) (*Slot, error) {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()

	if err := cm.admit(svc, class); err != nil {
		return nil, err
	}
	slot, ctx := cm.newSlot(svc, class, dest, SlotDialing)
	slot.countFailure = countFailure
	if pp != nil {
		slot.permanent = pp
		pp.slot = slot
	}

	cm.wg.Add(1)
	go cm.outboundHandler(ctx, slot)
	return slot, nil
}

// OpenNetworkConnection admits the requested connection and starts connecting
// to the peer in the background.  The returned slot is in SlotDialing.
//
// Requests are refused with an error matching ErrAdmissionRejected when the
// connection manager is not running, network activity is disabled and the
// request is not manual, the peer is banned, the class has no free slot, or a
// live slot to the same address exists and the request is not manual.
// Automatic outbound classes also keep at most one slot per network group.
func (cm *ConnManager) OpenNetworkConnection(req *ConnRequest) (*Slot, error) {
	class, err := req.class()
	if err != nil {
		return nil, err
	}

	var svc addrmgr.Service
	switch {
	case req.Addr != nil:
		svc = *req.Addr
	case req.Dest != "":
		svc, err = cm.cfg.Resolve(req.Dest)
		if err != nil {
			str := fmt.Sprintf("unable to resolve %q: %v", req.Dest, err)
			return nil, makeError(ErrInvalidRequest, str)
		}
	default:
		return nil, makeError(ErrInvalidRequest, "connection request "+
			"without address or destination")
	}

	return cm.openSlot(svc, class, req.Dest, req.CountFailure, nil)
}

// AcceptConnection admits the provided inbound connection and starts the
// handshake in the background.  The connection is closed when it is refused.
func (cm *ConnManager) AcceptConnection(conn net.Conn) (*Slot, error) {
	svc, err := addrmgr.ServiceFromAddr(conn.RemoteAddr())
	if err != nil {
		conn.Close()
		str := fmt.Sprintf("unsupported remote address %v: %v",
			conn.RemoteAddr(), err)
		return nil, makeError(ErrInvalidRequest, str)
	}

	cm.mtx.Lock()
	defer cm.mtx.Unlock()

	if err := cm.admit(svc, ClassInbound); err != nil {
		conn.Close()
		return nil, err
	}
	slot, ctx := cm.newSlot(svc, ClassInbound, "", SlotHandshaking)
	slot.setConn(conn)

	cm.wg.Add(1)
	go cm.inboundHandler(ctx, slot, conn)
	return slot, nil
}

// interruptedError returns the error for a slot canceled before it was
// established.
func interruptedError(slot *Slot) error {
	str := fmt.Sprintf("connection to %v canceled", slot)
	return makeError(ErrInterrupted, str)
}

// outboundHandler dials and handshakes an outbound slot and keeps it until it
// is canceled.  It must be run as a goroutine.
func (cm *ConnManager) outboundHandler(ctx context.Context, slot *Slot) {
	defer cm.wg.Done()

	log.Debugf("Attempting to connect to %v", slot)
	dialCtx, cancel := context.WithTimeout(ctx, cm.cfg.DialTimeout)
	conn, err := cm.cfg.Dial(dialCtx, slot.svc.TCPAddr())
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			cm.failSlot(slot, interruptedError(slot))
			return
		}
		str := fmt.Sprintf("failed to connect to %v: %v", slot, err)
		cm.failSlot(slot, makeError(ErrDialFailed, str))
		return
	}
	slot.setConn(conn)

	cm.mtx.Lock()
	slot.state.Store(uint32(SlotHandshaking))
	cm.mtx.Unlock()

	if err := cm.handshake(ctx, slot, conn); err != nil {
		cm.failSlot(slot, err)
		return
	}
	cm.establish(slot)
	if slot.class == ClassFeeler {
		log.Debugf("Closing feeler connection %v", slot)
		slot.cancel()
	}
	<-ctx.Done()
	cm.closeSlot(slot)
}

// inboundHandler handshakes an inbound slot and keeps it until it is
// canceled.  It must be run as a goroutine.
func (cm *ConnManager) inboundHandler(ctx context.Context, slot *Slot, conn net.Conn) {
	defer cm.wg.Done()

	log.Debugf("Accepted connection from %v", slot)
	if err := cm.handshake(ctx, slot, conn); err != nil {
		cm.failSlot(slot, err)
		return
	}
	cm.establish(slot)
	<-ctx.Done()
	cm.closeSlot(slot)
}

// handshakeResult is used to hand the handshake outcome back to the slot
// handler.
type handshakeResult struct {
	info HandshakeInfo
	err  error
}

// handshake performs the handshake of the slot and checks the result for
// self-connections and bans.
func (cm *ConnManager) handshake(ctx context.Context, slot *Slot, conn net.Conn) error {
	hsCtx, cancel := context.WithTimeout(ctx, cm.cfg.HandshakeTimeout)
	defer cancel()

	local := HandshakeInfo{Nonce: slot.localNonce, Services: cm.Services()}
	results := make(chan handshakeResult, 1)
	go func() {
		info, err := cm.cfg.Handshake(hsCtx, conn, slot.Inbound(), local)
		results <- handshakeResult{info, err}
	}()

	var res handshakeResult
	select {
	case res = <-results:
	case <-hsCtx.Done():
		// Closing the connection unblocks the handshake.
		conn.Close()
		res = <-results
		res.err = hsCtx.Err()
	}
	if res.err != nil {
		switch {
		case ctx.Err() != nil:
			return interruptedError(slot)
		case errors.Is(hsCtx.Err(), context.DeadlineExceeded):
			str := fmt.Sprintf("handshake with %v timed out after %v",
				slot, cm.cfg.HandshakeTimeout)
			return makeError(ErrHandshakeTimeout, str)
		}
		str := fmt.Sprintf("handshake with %v failed: %v", slot, res.err)
		return makeError(ErrHandshakeFailed, str)
	}

	cm.mtx.Lock()
	defer cm.mtx.Unlock()

	// Outbound slots fail when the remote nonce belongs to any slot that
	// is still being set up while inbound slots only check outbound slots.
	for _, other := range cm.slots {
		if other.localNonce != res.info.Nonce ||
			!other.slotState().inFlight() {

			continue
		}
		if slot.Inbound() && other.Inbound() {
			continue
		}
		str := fmt.Sprintf("connection %v is a connection to self "+
			"(nonce %x of slot %d)", slot, res.info.Nonce, other.id)
		return makeError(ErrSelfConnection, str)
	}
	if cm.cfg.BanChecker != nil && cm.cfg.BanChecker.IsBanned(slot.svc.Addr) {
		str := fmt.Sprintf("peer %v was banned during the handshake",
			slot.svc.Addr)
		return makeError(ErrBannedDuringHandshake, str)
	}
	slot.remoteNonce = res.info.Nonce
	slot.remoteServices = res.info.Services
	return nil
}

// CheckIncomingNonce returns false when the provided nonce received from an
// inbound peer belongs to an outbound slot that has not finished its
// handshake, which means the node connected to itself.
func (cm *ConnManager) CheckIncomingNonce(nonce uint64) bool {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()

	for _, slot := range cm.slots {
		if !slot.Inbound() && slot.slotState().inFlight() &&
			slot.localNonce == nonce {

			return false
		}
	}
	return true
}

// establish moves the slot to SlotEstablished and notifies the address
// manager and the callback.
func (cm *ConnManager) establish(slot *Slot) {
	slot.setQueue(NewRelayQueue(cm.cfg.RelayQueueSize, cm.cfg.RelayPolicy))

	cm.mtx.Lock()
	slot.connectedAt = cm.clock.Now()
	slot.state.Store(uint32(SlotEstablished))
	if pp := slot.permanent; pp != nil {
		pp.retries = 0
	}
	cm.mtx.Unlock()

	if !slot.Inbound() {
		cm.failedAttempts.Store(0)
		if am := cm.cfg.AddrManager; am != nil {
			if err := am.Good(slot.svc); err != nil {
				log.Tracef("Not marking %v good: %v", slot, err)
			}
			if err := am.Connected(slot.svc); err != nil {
				log.Tracef("Not marking %v connected: %v", slot, err)
			}
		}
	}

	log.Infof("Connected to %v", slot)
	if cm.cfg.OnEstablished != nil {
		cm.cfg.OnEstablished(slot)
	}
}

// removeSlot moves the slot to SlotClosed and removes it from the slot table.
//
// This function MUST be called with the connection manager mutex held.
func (cm *ConnManager) removeSlot(slot *Slot, err error) {
	slot.state.Store(uint32(SlotClosed))
	slot.err = err
	delete(cm.slots, slot.id)

	if pp := slot.permanent; pp != nil && pp.slot == slot {
		pp.slot = nil
		pp.retries++
		d := time.Duration(pp.retries) * cm.cfg.RetryDuration
		if d > maxRetryDuration {
			d = maxRetryDuration
		}
		pp.nextAttempt = cm.clock.Now().Add(d)
		log.Debugf("Retrying connection to %s in %v", pp.dest, d)
	}
}

// failSlot closes a slot that was not established.
func (cm *ConnManager) failSlot(slot *Slot, err error) {
	slot.closeConn()

	cm.mtx.Lock()
	cm.removeSlot(slot, err)
	automatic := slot.class.automatic() || slot.class == ClassFeeler
	if automatic && cm.failedAttempts.Add(1) >= maxFailedAttempts {
		cm.backoffUntil = cm.clock.Now().Add(cm.cfg.RetryDuration)
		log.Debugf("Max failed connection attempts reached: [%d] "+
			"-- retrying connection in: %v", maxFailedAttempts,
			cm.cfg.RetryDuration)
	}
	cm.mtx.Unlock()

	log.Debugf("Failed to connect to %v: %v", slot, err)
	if slot.countFailure && cm.cfg.AddrManager != nil {
		if err := cm.cfg.AddrManager.Attempt(slot.svc, true); err != nil {
			log.Tracef("Not recording attempt of %v: %v", slot, err)
		}
	}
	slot.cancel()
	close(slot.done)
}

// closeSlot closes an established slot.
func (cm *ConnManager) closeSlot(slot *Slot) {
	cm.mtx.Lock()
	slot.state.Store(uint32(SlotClosing))
	cm.mtx.Unlock()

	slot.closeConn()
	if q := slot.Queue(); q != nil {
		q.Close()
	}

	cm.mtx.Lock()
	cm.removeSlot(slot, nil)
	cm.mtx.Unlock()

	log.Infof("Disconnected from %v", slot)
	if cm.cfg.OnDisconnected != nil {
		cm.cfg.OnDisconnected(slot)
	}
	close(slot.done)
}

// Disconnect closes the slot with the provided id.  It returns without waiting
// for the slot to be closed.
func (cm *ConnManager) Disconnect(id uint64) error {
	cm.mtx.Lock()
	slot, ok := cm.slots[id]
	cm.mtx.Unlock()
	if !ok {
		str := fmt.Sprintf("no slot with id %d", id)
		return makeError(ErrSlotNotFound, str)
	}
	slot.cancel()
	return nil
}

// DisconnectAddr closes every slot connected to the provided address and
// returns how many were closed.
func (cm *ConnManager) DisconnectAddr(addr addrmgr.NetAddr) int {
	cm.mtx.Lock()
	var n int
	for _, slot := range cm.slots {
		if slot.svc.Addr == addr {
			slot.cancel()
			n++
		}
	}
	cm.mtx.Unlock()
	return n
}

// Slot returns the slot with the provided id.
func (cm *ConnManager) Slot(id uint64) (*Slot, error) {
	cm.mtx.Lock()
	slot, ok := cm.slots[id]
	cm.mtx.Unlock()
	if !ok {
		str := fmt.Sprintf("no slot with id %d", id)
		return nil, makeError(ErrSlotNotFound, str)
	}
	return slot, nil
}

// Slots returns a snapshot of every slot that is not closed ordered by id.
func (cm *ConnManager) Slots() []SlotInfo {
	cm.mtx.Lock()
	infos := make([]SlotInfo, 0, len(cm.slots))
	for _, slot := range cm.slots {
		infos = append(infos, slot.info())
	}
	cm.mtx.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Counts returns the number of live slots per connection class.
func (cm *ConnManager) Counts() map[ConnClass]int {
	counts := make(map[ConnClass]int, numConnClasses)
	cm.mtx.Lock()
	for _, slot := range cm.slots {
		if slot.slotState().live() {
			counts[slot.class]++
		}
	}
	cm.mtx.Unlock()
	return counts
}

// PushMessage queues the message for relay to the peer of the established slot
// with the provided id.  It never blocks.
func (cm *ConnManager) PushMessage(id uint64, msg []byte) error {
	cm.mtx.Lock()
	slot, ok := cm.slots[id]
	var state SlotState
	if ok {
		state = slot.slotState()
	}
	cm.mtx.Unlock()

	if !ok {
		str := fmt.Sprintf("no slot with id %d", id)
		return makeError(ErrSlotNotFound, str)
	}
	q := slot.Queue()
	if state != SlotEstablished || q == nil {
		str := fmt.Sprintf("slot %v is %v", slot, state)
		return makeError(ErrSlotNotEstablished, str)
	}
	return q.Push(msg)
}

// SetServices sets the local services advertised during handshakes.
func (cm *ConnManager) SetServices(services addrmgr.ServiceFlag) {
	cm.services.Store(uint64(services))
}

// Services returns the local services advertised during handshakes.
func (cm *ConnManager) Services() addrmgr.ServiceFlag {
	return addrmgr.ServiceFlag(cm.services.Load())
}

// Running returns whether the connection manager is running.
func (cm *ConnManager) Running() bool {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	return cm.runCtx != nil
}

// NetworkActive returns whether network activity is enabled.
func (cm *ConnManager) NetworkActive() bool {
	return cm.networkActive.Load()
}

// SetNetworkActive enables or disables network activity.  Disabling it closes
// every slot and refuses every connection that is not manual until it is
// enabled again.
func (cm *ConnManager) SetNetworkActive(active bool) {
	if cm.networkActive.Swap(active) == active {
		return
	}
	if active {
		log.Infof("Network activity enabled")
		return
	}

	cm.mtx.Lock()
	for _, slot := range cm.slots {
		slot.cancel()
	}
	cm.mtx.Unlock()
	log.Infof("Network activity disabled")
}

// Interrupt disables network activity, cancels every slot and waits until each
// of them is closed.
func (cm *ConnManager) Interrupt() {
	cm.networkActive.Store(false)

	cm.mtx.Lock()
	slots := make([]*Slot, 0, len(cm.slots))
	for _, slot := range cm.slots {
		slots = append(slots, slot)
	}
	cm.mtx.Unlock()

	for _, slot := range slots {
		slot.cancel()
	}
	for _, slot := range slots {
		<-slot.done
	}
	log.Infof("Interrupted %d connections", len(slots))
}

// AddPermanentPeer adds a peer the connection manager keeps connected to.  The
// destination is resolved on every connection attempt and failed attempts are
// retried with an increasing backoff.
func (cm *ConnManager) AddPermanentPeer(dest string) error {
	if dest == "" {
		return makeError(ErrInvalidRequest, "empty permanent peer")
	}

	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	if _, ok := cm.permanent[dest]; ok {
		str := fmt.Sprintf("%s is already a permanent peer", dest)
		return makeError(ErrDuplicateConn, str)
	}
	cm.permanent[dest] = &permanentPeer{dest: dest}
	return nil
}

// RemovePermanentPeer stops reconnecting to the provided permanent peer and
// closes its slot.  It returns whether the peer was permanent.
func (cm *ConnManager) RemovePermanentPeer(dest string) bool {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()

	pp, ok := cm.permanent[dest]
	if !ok {
		return false
	}
	delete(cm.permanent, dest)
	if pp.slot != nil {
		pp.slot.cancel()
		pp.slot = nil
	}
	return true
}

// PermanentPeers returns the destinations of the permanent peers.
func (cm *ConnManager) PermanentPeers() []string {
	cm.mtx.Lock()
	dests := make([]string, 0, len(cm.permanent))
	for dest := range cm.permanent {
		dests = append(dests, dest)
	}
	cm.mtx.Unlock()
	sort.Strings(dests)
	return dests
}

// retryPermanentPeers connects to the permanent peers that are not connected
// and whose backoff elapsed.
func (cm *ConnManager) retryPermanentPeers(now time.Time) {
	cm.mtx.Lock()
	var due []*permanentPeer
	for _, pp := range cm.permanent {
		if pp.slot == nil && !now.Before(pp.nextAttempt) {
			due = append(due, pp)
		}
	}
	cm.mtx.Unlock()

	for _, pp := range due {
		svc, err := cm.cfg.Resolve(pp.dest)
		if err == nil {
			_, err = cm.openSlot(svc, ClassManual, pp.dest, false, pp)
		}
		if err == nil {
			continue
		}

		cm.mtx.Lock()
		pp.retries++
		d := time.Duration(pp.retries) * cm.cfg.RetryDuration
		if d > maxRetryDuration {
			d = maxRetryDuration
		}
		pp.nextAttempt = now.Add(d)
		cm.mtx.Unlock()
		log.Debugf("Unable to connect to permanent peer %s: %v -- "+
			"retrying in %v", pp.dest, err, d)
	}
}

// freeSlots returns the number of slots of the class that are not in use.
func (cm *ConnManager) freeSlots(class ConnClass) int {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	return cm.cfg.Limits.of(class) - cm.liveCount(class)
}

// openAutomatic picks an address from the address manager and opens a slot of
// the provided class to it.  The boolean is false when the address manager
// has no addresses.
func (cm *ConnManager) openAutomatic(class ConnClass) (*Slot, bool) {
	ka := cm.cfg.AddrManager.GetAddress(class == ClassFeeler)
	if ka == nil {
		return nil, false
	}
	svc := ka.Service()
	if !svc.Services.HasServices(cm.cfg.RequiredServices) {
		return nil, true
	}
	key := svc.Key()
	if cm.recentAttempts.Contains(key) {
		return nil, true
	}
	cm.recentAttempts.Put(key)

	req := ConnRequest{
		Addr:         &svc,
		CountFailure: true,
		Class:        class,
		Feeler:       class == ClassFeeler,
	}
	slot, err := cm.OpenNetworkConnection(&req)
	if err != nil {
		log.Tracef("Not connecting to %v: %v", key, err)
		return nil, true
	}
	return slot, true
}

// maintain reconnects the permanent peers and fills the open outbound slots.
// It is invoked on every tick of the maintenance loop and does nothing while
// the network is inactive.
func (cm *ConnManager) maintain(ctx context.Context) {
	if ctx.Err() != nil || !cm.networkActive.Load() {
		return
	}
	now := cm.clock.Now()
	cm.retryPermanentPeers(now)
	if cm.cfg.AddrManager == nil {
		return
	}

	cm.mtx.Lock()
	backoff := now.Before(cm.backoffUntil)
	cm.mtx.Unlock()
	if backoff {
		log.Tracef("Delaying automatic connections after %d failures",
			maxFailedAttempts)
		return
	}

	var tries int
	for _, class := range []ConnClass{ClassFullRelay, ClassBlockRelayOnly} {
		for tries < maxAddrTriesPerTick && cm.freeSlots(class) > 0 {
			tries++
			if _, ok := cm.openAutomatic(class); !ok {
				return
			}
		}
	}

	// Test an address from the new table once the full-relay slots are
	// full.
	if cm.freeSlots(ClassFullRelay) > 0 {
		return
	}
	cm.mtx.Lock()
	feelerDue := now.Sub(cm.lastFeeler) >= cm.cfg.FeelerInterval
	if feelerDue {
		cm.lastFeeler = now
	}
	cm.mtx.Unlock()
	for feelerDue && tries < maxAddrTriesPerTick && cm.freeSlots(ClassFeeler) > 0 {
		tries++
		slot, ok := cm.openAutomatic(ClassFeeler)
		if !ok || slot != nil {
			return
		}
	}
}

// listenHandler accepts incoming connections on a given listener.  It must be
// run as a goroutine.
func (cm *ConnManager) listenHandler(ctx context.Context, listener net.Listener) {
	defer cm.wg.Done()

	log.Infof("Server listening on %s", listener.Addr())
	for ctx.Err() == nil {
		conn, err := listener.Accept()
		if err != nil {
			// Only log the error if not forcibly shutting down.
			if ctx.Err() == nil {
				log.Errorf("Can't accept connection: %v", err)
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			continue
		}
		if err := cm.acceptLimiter.Wait(ctx); err != nil {
			conn.Close()
			continue
		}
		if _, err := cm.AcceptConnection(conn); err != nil {
			log.Debugf("Refusing connection from %v: %v",
				conn.RemoteAddr(), err)
		}
	}
	log.Tracef("Listener handler done for %s", listener.Addr())
}

// Run starts the connection manager along with its configured listeners and
// begin connecting to the network.  It blocks until the provided context is
// cancelled and every slot is closed.
func (cm *ConnManager) Run(ctx context.Context) {
	log.Trace("Starting connection manager")

	cm.mtx.Lock()
	cm.runCtx = ctx
	cm.mtx.Unlock()

	for _, listener := range cm.cfg.Listeners {
		cm.wg.Add(1)
		go cm.listenHandler(ctx, listener)
	}

	cm.ticker.Resume()
	cm.maintain(ctx)
out:
	for {
		select {
		case <-cm.ticker.Ticks():
			cm.maintain(ctx)
		case <-ctx.Done():
			break out
		}
	}
	cm.ticker.Stop()

	// Every slot context derives from the run context, so all slots are
	// closing already.  No slots are created past this point.
	cm.mtx.Lock()
	cm.runCtx = nil
	cm.mtx.Unlock()
	for _, listener := range cm.cfg.Listeners {
		// Ignore the error since this is shutdown and there is no way to
		// recover anyways.
		_ = listener.Close()
	}

	cm.wg.Wait()
	log.Trace("Connection manager stopped")
}
