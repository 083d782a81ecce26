// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrnet/addrmgr"
)

// ConnClass identifies the kind of a connection.  Each class has its own slot
// limit.
type ConnClass uint8

// These constants define the supported connection classes.
const (
	// ClassFullRelay is an automatic outbound connection that relays
	// everything.
	ClassFullRelay ConnClass = iota

	// ClassBlockRelayOnly is an automatic outbound connection that only
	// relays blocks.
	ClassBlockRelayOnly

	// ClassManual is an operator requested outbound connection.  Manual
	// connections ignore network activity and duplicate checks.
	ClassManual

	// ClassOneShot is a short lived outbound connection used to fetch
	// addresses.
	ClassOneShot

	// ClassFeeler is a short lived outbound connection used to test whether
	// an address is reachable.  Feelers are closed as soon as they are
	// established.
	ClassFeeler

	// ClassInbound is a connection accepted from a listener.
	ClassInbound

	// numConnClasses is the number of connection classes.  It MUST be the
	// last entry.
	numConnClasses
)

// Map of connection classes back to their constant names for pretty printing.
var connClassStrings = map[ConnClass]string{
	ClassFullRelay:      "full-relay",
	ClassBlockRelayOnly: "block-relay-only",
	ClassManual:         "manual",
	ClassOneShot:        "one-shot",
	ClassFeeler:         "feeler",
	ClassInbound:        "inbound",
}

// String returns the ConnClass in human-readable form.
func (c ConnClass) String() string {
	if s, ok := connClassStrings[c]; ok {
		return s
	}
	return fmt.Sprintf("Unknown ConnClass (%d)", uint8(c))
}

// automatic returns whether connections of the class are opened by the
// maintenance loop from the address manager.
func (c ConnClass) automatic() bool {
	return c == ClassFullRelay || c == ClassBlockRelayOnly
}

// SlotState is the state of a peer slot.  Slots only move forward through the
// states.
type SlotState uint8

// These constants define the slot states in the order a slot moves through
// them.  Inbound slots start in SlotHandshaking.
const (
	SlotDialing SlotState = iota
	SlotHandshaking
	SlotEstablished
	SlotClosing
	SlotClosed
)

// Map of slot states back to their constant names for pretty printing.
var slotStateStrings = map[SlotState]string{
	SlotDialing:     "dialing",
	SlotHandshaking: "handshaking",
	SlotEstablished: "established",
	SlotClosing:     "closing",
	SlotClosed:      "closed",
}

// String returns the SlotState in human-readable form.
func (s SlotState) String() string {
	if str, ok := slotStateStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("Unknown SlotState (%d)", uint8(s))
}

// live returns whether a slot in the state counts toward its class limit.
func (s SlotState) live() bool {
	return s < SlotClosing
}

// inFlight returns whether a slot in the state has not finished its handshake.
func (s SlotState) inFlight() bool {
	return s == SlotDialing || s == SlotHandshaking
}

// Slot is a single connection attempt or connection.  The slot's worker
// goroutine owns its state transitions.
type Slot struct {
	// The following fields are set when the slot is created and never
	// change.
	id           uint64
	svc          addrmgr.Service
	class        ConnClass
	dest         string
	localNonce   uint64
	countFailure bool
	permanent    *permanentPeer
	cancel       context.CancelFunc
	done         chan struct{}

	// state holds the SlotState.  It may be read at any time but is only
	// changed with the connection manager mutex held.
	state atomic.Uint32

	// The following fields are protected by the connection manager mutex.
	remoteNonce    uint64
	remoteServices addrmgr.ServiceFlag
	connectedAt    time.Time
	err            error

	// connMtx protects the connection, which the worker also closes to
	// abort a blocked handshake, and the relay queue allocated once the
	// slot is established.
	connMtx sync.Mutex
	conn    net.Conn
	queue   *RelayQueue
}

// ID returns the unique identifier of the slot.
func (s *Slot) ID() uint64 {
	return s.id
}

// Service returns the remote service of the slot.
func (s *Slot) Service() addrmgr.Service {
	return s.svc
}

// Class returns the connection class of the slot.
func (s *Slot) Class() ConnClass {
	return s.class
}

// Inbound returns whether the slot was accepted from a listener.
func (s *Slot) Inbound() bool {
	return s.class == ClassInbound
}

// Dest returns the destination string the slot was requested with, if any.
func (s *Slot) Dest() string {
	return s.dest
}

// LocalNonce returns the nonce sent to the remote peer during the handshake.
func (s *Slot) LocalNonce() uint64 {
	return s.localNonce
}

// slotState returns the current state of the slot.
func (s *Slot) slotState() SlotState {
	return SlotState(s.state.Load())
}

// State returns the current state of the slot.
func (s *Slot) State() SlotState {
	return s.slotState()
}

// Done returns a channel that is closed once the slot reached SlotClosed.
func (s *Slot) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the slot failed before it was established.  It is nil
// for slots closed after being established.
//
// It must only be called after the Done channel is closed.
func (s *Slot) Err() error {
	return s.err
}

// Conn returns the connection of the slot.  It is nil until the slot was
// dialed.
func (s *Slot) Conn() net.Conn {
	s.connMtx.Lock()
	defer s.connMtx.Unlock()
	return s.conn
}

// setConn sets the connection of the slot.
func (s *Slot) setConn(conn net.Conn) {
	s.connMtx.Lock()
	s.conn = conn
	s.connMtx.Unlock()
}

// closeConn closes the connection of the slot, if any.
func (s *Slot) closeConn() {
	s.connMtx.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.connMtx.Unlock()
}

// Queue returns the relay queue of the slot.  It is nil until the slot is
// established.
func (s *Slot) Queue() *RelayQueue {
	s.connMtx.Lock()
	defer s.connMtx.Unlock()
	return s.queue
}

// setQueue sets the relay queue of the slot.
func (s *Slot) setQueue(q *RelayQueue) {
	s.connMtx.Lock()
	s.queue = q
	s.connMtx.Unlock()
}

// String returns a human-readable string for the slot.
func (s *Slot) String() string {
	return fmt.Sprintf("%s (%s, id %d)", s.svc.Key(), s.class, s.id)
}

// SlotInfo is a snapshot of the state of a slot.
type SlotInfo struct {
	ID             uint64
	Service        addrmgr.Service
	Class          ConnClass
	State          SlotState
	Dest           string
	LocalNonce     uint64
	RemoteNonce    uint64
	RemoteServices addrmgr.ServiceFlag
	ConnectedAt    time.Time
	QueueLen       int
	Err            error
}

// info returns a snapshot of the slot.
//
// This function MUST be called with the connection manager mutex held.
func (s *Slot) info() SlotInfo {
	info := SlotInfo{
		ID:             s.id,
		Service:        s.svc,
		Class:          s.class,
		State:          s.slotState(),
		Dest:           s.dest,
		LocalNonce:     s.localNonce,
		RemoteNonce:    s.remoteNonce,
		RemoteServices: s.remoteServices,
		ConnectedAt:    s.connectedAt,
		Err:            s.err,
	}
	if q := s.Queue(); q != nil {
		info.QueueLen = q.Len()
	}
	return info
}
