// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2015-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/crypto/rand"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// peersFilename is the default filename to store serialized peers.
	peersFilename = "peers.json"

	// needAddressThreshold is the number of addresses under which the
	// address manager will claim to need more addresses.
	needAddressThreshold = 1000

	// dumpAddressInterval is the interval used to dump the address cache to
	// disk for future use.
	dumpAddressInterval = time.Minute * 10

	// newBucketCount is the number of buckets in the new table.
	newBucketCount = 1024

	// triedBucketCount is the number of buckets in the tried table.
	triedBucketCount = 256

	// bucketSize is the number of slots in each bucket of both tables.
	bucketSize = 64

	// newBucketsPerGroup is the number of new buckets that addresses
	// reported by a single source group are spread over.
	newBucketsPerGroup = 64

	// triedBucketsPerGroup is the number of tried buckets that addresses
	// from a single group are spread over.
	triedBucketsPerGroup = 8

	// numMissingDays is the number of days before which we assume an
	// address has vanished if we have not seen it announced in that long.
	numMissingDays = 30

	// numRetries is the number of tries without a single success before we
	// assume an address is bad.
	numRetries = 3

	// maxFailures is the maximum number of failures we will accept without
	// a success before considering an address bad.
	maxFailures = 5

	// minBadDays is the number of days since the last success before we
	// will consider evicting an address.
	minBadDays = 7

	// connectedRefreshInterval is the minimum interval between timestamp
	// updates made by Connected.
	connectedRefreshInterval = time.Minute * 20

	// getAddressesLimit is the most addresses that GetAddresses will ever
	// return.
	getAddressesLimit = 2500

	// getAddressesPercentage is the percentage of the known eligible
	// addresses returned by GetAddresses.
	getAddressesPercentage = 23
)

// AddrManager provides a concurrency safe address manager for caching
// potential peers on the network.
type AddrManager struct {
	// The following fields are only set on creation and are safe to read
	// without the mutex.
	peersFile  string
	lookupFunc func(string) ([]net.IP, error)
	clock      clock.Clock

	// mtx protects all of the fields below it.
	mtx sync.Mutex

	// key is the secret used to derive bucket positions.
	key [32]byte

	// addrIndex maps every known endpoint to its record.  Every record in
	// the index occupies exactly one slot in one of the two tables.
	addrIndex map[ServiceKey]*KnownAddress

	addrNew      [newBucketCount][bucketSize]*KnownAddress
	addrTried    [triedBucketCount][bucketSize]*KnownAddress
	newBucketLen [newBucketCount]int
	triedBktLen  [triedBucketCount]int
	nNew         int
	nTried       int

	// addrChanged is set whenever the tables are modified and cleared once
	// they are saved.
	addrChanged bool

	// extra holds top-level fields of the address file that this version
	// does not understand.
	extra map[string]json.RawMessage

	started  atomic.Bool
	shutdown atomic.Bool
	wg       sync.WaitGroup
	quit     chan struct{}
}

// hashUint64 returns the first 8 bytes of the BLAKE-256 hash of the
// concatenated parts as a little-endian integer.
func hashUint64(parts ...[]byte) uint64 {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	data := make([]byte, 0, n)
	for _, p := range parts {
		data = append(data, p...)
	}
	return binary.LittleEndian.Uint64(chainhash.HashB(data))
}

// uint64Bytes returns the little-endian encoding of v.
func uint64Bytes(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

// Tags that keep the slot hashes of the two tables independent.
var (
	newTableTag   = []byte{'N'}
	triedTableTag = []byte{'K'}
)

// newPosition returns the new table bucket and slot for an endpoint reported by
// the given source.
//
// The bucket is:
// H(key || srcGroup || H(key || group || srcGroup) % newBucketsPerGroup) %
// newBucketCount
//
// so a single source group can only ever reach newBucketsPerGroup buckets.
func (a *AddrManager) newPosition(k ServiceKey, src NetAddr) (int, int) {
	group := []byte(k.Addr.GroupKey())
	srcGroup := []byte(src.GroupKey())

	h1 := hashUint64(a.key[:], group, srcGroup) % newBucketsPerGroup
	bucket := int(hashUint64(a.key[:], srcGroup, uint64Bytes(h1)) % newBucketCount)
	return bucket, a.slotPosition(newTableTag, bucket, k)
}

// triedPosition returns the tried table bucket and slot for an endpoint.
//
// The bucket is:
// H(key || group || H(key || endpoint) % triedBucketsPerGroup) %
// triedBucketCount
func (a *AddrManager) triedPosition(k ServiceKey) (int, int) {
	group := []byte(k.Addr.GroupKey())

	h1 := hashUint64(a.key[:], k.bytes()) % triedBucketsPerGroup
	bucket := int(hashUint64(a.key[:], group, uint64Bytes(h1)) % triedBucketCount)
	return bucket, a.slotPosition(triedTableTag, bucket, k)
}

// slotPosition returns the slot within a bucket for an endpoint.
func (a *AddrManager) slotPosition(tag []byte, bucket int, k ServiceKey) int {
	b := uint64Bytes(uint64(bucket))
	return int(hashUint64(a.key[:], tag, b, k.bytes()) % bucketSize)
}

// placeNew puts the address in the given new table slot which must be empty.
//
// This function MUST be called with the address manager lock held (for
// writes).
func (a *AddrManager) placeNew(ka *KnownAddress, bucket, slot int) {
	ka.tried = false
	ka.bucket = bucket
	ka.slot = slot
	a.addrNew[bucket][slot] = ka
	a.newBucketLen[bucket]++
	a.nNew++
	a.addrIndex[ka.svc.Key()] = ka
	a.addrChanged = true
}

// placeTried puts the address in the given tried table slot which must be
// empty.
//
// This function MUST be called with the address manager lock held (for
// writes).
func (a *AddrManager) placeTried(ka *KnownAddress, bucket, slot int) {
	ka.tried = true
	ka.bucket = bucket
	ka.slot = slot
	a.addrTried[bucket][slot] = ka
	a.triedBktLen[bucket]++
	a.nTried++
	a.addrIndex[ka.svc.Key()] = ka
	a.addrChanged = true
}

// unplace clears the table slot occupied by the address without removing it
// from the index.
//
// This function MUST be called with the address manager lock held (for
// writes).
func (a *AddrManager) unplace(ka *KnownAddress) {
	if ka.tried {
		a.addrTried[ka.bucket][ka.slot] = nil
		a.triedBktLen[ka.bucket]--
		a.nTried--
	} else {
		a.addrNew[ka.bucket][ka.slot] = nil
		a.newBucketLen[ka.bucket]--
		a.nNew--
	}
	a.addrChanged = true
}

// remove deletes the address from its table and the index.
//
// This function MUST be called with the address manager lock held (for
// writes).
func (a *AddrManager) remove(ka *KnownAddress) {
	a.unplace(ka)
	delete(a.addrIndex, ka.svc.Key())
}

// shouldEvict returns whether an occupant of a new table slot should make room
// for an incoming address with the given timestamp.
func shouldEvict(occupant *KnownAddress, ts, now time.Time) bool {
	if occupant.isTerrible(now) {
		return true
	}
	if occupant.lastSuccess.IsZero() && occupant.timestamp.Before(ts) {
		return rand.IntN(2) == 0
	}
	return false
}

// updateAddress is a helper function to either update an address already known
// to the address manager, or to add the address if not already known.
//
// This function MUST be called with the address manager lock held (for
// writes).
func (a *AddrManager) updateAddress(addr *Address, src NetAddr, timePenalty time.Duration, now time.Time) {
	if addr.Port == 0 || !addr.Addr.IsRoutable() {
		return
	}

	// Timestamps from the future are taken as now so a peer can not make a
	// known address look terrible by announcing it ahead of time.
	ts := addr.Timestamp
	if ts.IsZero() || ts.After(now) {
		ts = now
	}
	ts = ts.Add(-timePenalty)

	k := addr.Key()
	if ka := a.addrIndex[k]; ka != nil {
		if ts.After(ka.timestamp) {
			ka.timestamp = ts
			a.addrChanged = true
		}
		if !ka.svc.Services.HasServices(addr.Services) {
			ka.svc.Services |= addr.Services
			a.addrChanged = true
		}
		return
	}

	bucket, slot := a.newPosition(k, src)
	if occupant := a.addrNew[bucket][slot]; occupant != nil {
		if !shouldEvict(occupant, ts, now) {
			str := fmt.Sprintf("new bucket %d slot %d is held by %s",
				bucket, slot, occupant.svc.Key())
			log.Tracef("Dropping %s: %v", k, makeError(ErrStoreFull, str))
			return
		}
		log.Tracef("Evicting %s from new bucket %d slot %d for %s",
			occupant.svc.Key(), bucket, slot, k)
		a.remove(occupant)
	}

	ka := &KnownAddress{
		svc:       addr.Service,
		srcAddr:   src,
		timestamp: ts,
	}
	a.placeNew(ka, bucket, slot)
	log.Tracef("Added new address %s for a total of %d addresses", k,
		a.nNew+a.nTried)
}

// AddAddresses adds new addresses to the address manager.  It enforces a max
// number of addresses and silently ignores duplicate addresses.  The
// timestamps of the addresses are pushed back by timePenalty before they are
// stored.  It is safe for concurrent access.
func (a *AddrManager) AddAddresses(addrs []Address, src NetAddr, timePenalty time.Duration) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	now := a.clock.Now()
	for i := range addrs {
		a.updateAddress(&addrs[i], src, timePenalty, now)
	}
}

// AddAddress adds a new address to the address manager.  It enforces a max
// number of addresses and silently ignores duplicate addresses.  It is safe for
// concurrent access.
func (a *AddrManager) AddAddress(addr Address, src NetAddr) {
	a.AddAddresses([]Address{addr}, src, 0)
}

// numAddresses returns the number of addresses known to the address manager.
//
// This function MUST be called with the address manager lock held (for reads).
func (a *AddrManager) numAddresses() int {
	return a.nNew + a.nTried
}

// NumAddresses returns the number of addresses known to the address manager.
func (a *AddrManager) NumAddresses() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.numAddresses()
}

// NumTried returns the number of addresses in the tried table.
func (a *AddrManager) NumTried() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.nTried
}

// NeedMoreAddresses returns whether or not the address manager needs more
// addresses.
func (a *AddrManager) NeedMoreAddresses() bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return a.numAddresses() < needAddressThreshold
}

// walkTables calls fn for every known address, tried table first.  The lock
// is only held while a single bucket is visited, so addresses that move
// between tables during the walk may be visited twice or not at all.
//
// fn is called with the address manager lock held and must not retain the
// known address.
func (a *AddrManager) walkTables(fn func(ka *KnownAddress, now time.Time)) {
	for b := 0; b < triedBucketCount; b++ {
		a.mtx.Lock()
		now := a.clock.Now()
		for _, ka := range a.addrTried[b] {
			if ka != nil {
				fn(ka, now)
			}
		}
		a.mtx.Unlock()
	}
	for b := 0; b < newBucketCount; b++ {
		a.mtx.Lock()
		now := a.clock.Now()
		for _, ka := range a.addrNew[b] {
			if ka != nil {
				fn(ka, now)
			}
		}
		a.mtx.Unlock()
	}
}

// GetAddresses returns a random sample of the known addresses that are not
// terrible and advertise all of the required services.  Addresses from the
// tried table that succeeded within the last week come first.  The sample
// holds getAddressesPercentage percent of the eligible addresses, rounded up,
// and never more than getAddressesLimit.
//
// The tables are visited one bucket at a time so concurrent callers are never
// blocked for longer than it takes to scan a single bucket.
func (a *AddrManager) GetAddresses(required ServiceFlag) []Address {
	var recent, rest []Address
	seen := make(map[ServiceKey]struct{})
	a.walkTables(func(ka *KnownAddress, now time.Time) {
		if ka.isTerrible(now) || !ka.svc.Services.HasServices(required) {
			return
		}
		k := ka.svc.Key()
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		addr := Address{Service: ka.svc, Timestamp: ka.timestamp}
		if ka.tried && now.Sub(ka.lastSuccess) < minBadDays*24*time.Hour {
			recent = append(recent, addr)
			return
		}
		rest = append(rest, addr)
	})

	total := len(recent) + len(rest)
	if total == 0 {
		return nil
	}
	numAddresses := (total*getAddressesPercentage + 99) / 100
	if numAddresses > getAddressesLimit {
		numAddresses = getAddressesLimit
	}

	rand.Shuffle(len(recent), func(i, j int) {
		recent[i], recent[j] = recent[j], recent[i]
	})
	rand.Shuffle(len(rest), func(i, j int) {
		rest[i], rest[j] = rest[j], rest[i]
	})
	return append(recent, rest...)[:numAddresses]
}

// reset resets the address manager by reinitialising the random source and
// allocating fresh empty tables.
//
// This function MUST be called with the address manager lock held (for
// writes).
func (a *AddrManager) reset() {
	a.addrIndex = make(map[ServiceKey]*KnownAddress)
	rand.Read(a.key[:])
	a.addrNew = [newBucketCount][bucketSize]*KnownAddress{}
	a.addrTried = [triedBucketCount][bucketSize]*KnownAddress{}
	a.newBucketLen = [newBucketCount]int{}
	a.triedBktLen = [triedBucketCount]int{}
	a.nNew = 0
	a.nTried = 0
	a.extra = nil
	a.addrChanged = true
}

// HostToNetAddress returns a service for the given host and port.  Hosts that
// are not IP addresses are resolved with the lookup function the address
// manager was created with.
func (a *AddrManager) HostToNetAddress(host string, port uint16, services ServiceFlag) (Service, error) {
	if addr, err := ParseNetAddr(host); err == nil {
		return Service{Addr: addr, Port: port, Services: services}, nil
	}
	if a.lookupFunc == nil {
		str := fmt.Sprintf("unable to resolve %q: no lookup function", host)
		return Service{}, makeError(ErrInvalidAddress, str)
	}
	ips, err := a.lookupFunc(host)
	if err != nil {
		return Service{}, err
	}
	if len(ips) == 0 {
		str := fmt.Sprintf("no addresses found for %s", host)
		return Service{}, makeError(ErrInvalidAddress, str)
	}
	return NewService(ips[0], port, services), nil
}

// randomEntry picks a uniformly random non-empty bucket and then a uniformly
// random occupied slot within it.
func randomEntry(table [][bucketSize]*KnownAddress, lens []int) *KnownAddress {
	for {
		bucket := rand.IntN(len(table))
		if lens[bucket] == 0 {
			continue
		}
		n := rand.IntN(lens[bucket])
		for _, ka := range table[bucket] {
			if ka == nil {
				continue
			}
			if n == 0 {
				return ka
			}
			n--
		}
	}
}

// GetAddress returns a single address that should be routable.  It picks a
// random one from the possible addresses with preference given to ones that
// have not been used recently and should not pick 'close' addresses
// consecutively.  When newOnly is set only the new table is considered.  The
// returned value is a snapshot and nil is returned when no address is
// available.
func (a *AddrManager) GetAddress(newOnly bool) *KnownAddress {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if a.numAddresses() == 0 || (newOnly && a.nNew == 0) {
		return nil
	}

	// Use a 50% chance for choosing between tried and new table entries.
	useTried := !newOnly && a.nTried > 0 && (a.nNew == 0 || rand.IntN(2) == 0)

	now := a.clock.Now()
	const chanceScale = 1 << 30
	factor := 1.0
	for {
		var ka *KnownAddress
		if useTried {
			ka = randomEntry(a.addrTried[:], a.triedBktLen[:])
		} else {
			ka = randomEntry(a.addrNew[:], a.newBucketLen[:])
		}
		threshold := factor * ka.chance(now) * chanceScale
		if float64(rand.Uint32N(chanceScale)) < threshold {
			log.Tracef("Selected %v (tried: %v)", ka.svc.Key(), useTried)
			return ka.clone()
		}
		factor *= 1.2
	}
}

// find returns the known address for the endpoint or nil.
//
// This function MUST be called with the address manager lock held (for reads).
func (a *AddrManager) find(addr Service) *KnownAddress {
	return a.addrIndex[addr.Key()]
}

// notFound returns an ErrAddressNotFound error for the endpoint.
func notFound(addr Service) error {
	str := fmt.Sprintf("address %s not found", addr.Key())
	return makeError(ErrAddressNotFound, str)
}

// Attempt increases the provided known address' attempt counter when
// countFailure is set and updates the last attempt time.
func (a *AddrManager) Attempt(addr Service, countFailure bool) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.find(addr)
	if ka == nil {
		return notFound(addr)
	}

	ka.lastAttempt = a.clock.Now()
	if countFailure {
		ka.attempts++
	}
	a.addrChanged = true
	return nil
}

// Connected marks the provided address as connected and working at the current
// time.  The timestamp is refreshed at most once every twenty minutes.
func (a *AddrManager) Connected(addr Service) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.find(addr)
	if ka == nil {
		return notFound(addr)
	}

	now := a.clock.Now()
	if now.After(ka.timestamp.Add(connectedRefreshInterval)) {
		ka.timestamp = now
		a.addrChanged = true
	}
	return nil
}

// Good marks the provided address as good.  This should be called after a
// successful outbound connection and version exchange with a peer.  The
// address is moved to the tried table when it is not there already.  Any
// occupant of its tried slot is moved back to its own new table slot, or
// dropped when it is terrible.
func (a *AddrManager) Good(addr Service) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.find(addr)
	if ka == nil {
		return notFound(addr)
	}

	now := a.clock.Now()
	ka.lastSuccess = now
	ka.lastAttempt = now
	ka.attempts = 0
	a.addrChanged = true

	if ka.tried {
		return nil
	}

	a.unplace(ka)
	bucket, slot := a.triedPosition(ka.svc.Key())
	if occupant := a.addrTried[bucket][slot]; occupant != nil {
		a.unplace(occupant)
		if occupant.isTerrible(now) {
			log.Tracef("Dropping terrible %s from tried bucket %d",
				occupant.svc.Key(), bucket)
			delete(a.addrIndex, occupant.svc.Key())
		} else {
			a.demote(occupant)
		}
	}
	a.placeTried(ka, bucket, slot)
	log.Tracef("Moved %s to tried bucket %d slot %d", ka.svc.Key(), bucket,
		slot)
	return nil
}

// demote moves an address that was evicted from the tried table back to its
// new table slot, replacing whatever is there.
//
// This function MUST be called with the address manager lock held (for
// writes).
func (a *AddrManager) demote(ka *KnownAddress) {
	bucket, slot := a.newPosition(ka.svc.Key(), ka.srcAddr)
	if occupant := a.addrNew[bucket][slot]; occupant != nil {
		log.Tracef("Dropping %s from new bucket %d to make room for %s",
			occupant.svc.Key(), bucket, ka.svc.Key())
		a.remove(occupant)
	}
	a.placeNew(ka, bucket, slot)
	log.Tracef("Moved %s from tried to new bucket %d slot %d",
		ka.svc.Key(), bucket, slot)
}

// SetServices sets the services for the given address to the provided value.
func (a *AddrManager) SetServices(addr Service, services ServiceFlag) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	ka := a.find(addr)
	if ka == nil {
		return notFound(addr)
	}

	if ka.svc.Services != services {
		ka.svc.Services = services
		a.addrChanged = true
	}
	return nil
}

// addressHandler is the main handler for the address manager.  It must be run
// as a goroutine.
func (a *AddrManager) addressHandler() {
	defer a.wg.Done()
out:
	for {
		select {
		case <-a.clock.TickAfter(dumpAddressInterval):
			if err := a.savePeers(); err != nil {
				log.Errorf("Unable to save addresses: %v", err)
			}

		case <-a.quit:
			break out
		}
	}
	log.Trace("Address handler done")
}

// Start begins the core address handler which manages a pool of known
// addresses, timeouts, and interval based writes.  The saved address file is
// loaded first.  An unreadable file is removed and reported with an
// ErrPersistence error, in which case the address manager still runs with
// empty tables.
func (a *AddrManager) Start() error {
	if !a.started.CompareAndSwap(false, true) {
		return makeError(ErrAlreadyStarted, "address manager already started")
	}

	log.Trace("Starting address manager")

	err := a.loadPeers()

	a.wg.Add(1)
	go a.addressHandler()
	return err
}

// Stop gracefully shuts down the address manager by stopping the main handler
// and writing the tables to disk.
func (a *AddrManager) Stop() error {
	if !a.shutdown.CompareAndSwap(false, true) {
		log.Warnf("Address manager is already in the process of shutting down")
		return nil
	}

	log.Infof("Address manager shutting down")
	if a.started.Load() {
		close(a.quit)
		a.wg.Wait()
	}
	return a.savePeers()
}

// New returns a new address manager that persists its tables in dataDir.  Use
// Start to begin processing asynchronous address updates.  The lookup function
// resolves host names passed to HostToNetAddress.
func New(dataDir string, lookupFunc func(string) ([]net.IP, error)) *AddrManager {
	am := AddrManager{
		peersFile:  filepath.Join(dataDir, peersFilename),
		lookupFunc: lookupFunc,
		clock:      clock.NewDefaultClock(),
		quit:       make(chan struct{}),
	}
	am.reset()
	return &am
}
