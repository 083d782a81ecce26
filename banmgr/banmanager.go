// Copyright (c) 2021-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package banmgr

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrd/container/lru"
	"github.com/decred/dcrnet/addrmgr"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// DefaultBanDuration is the duration of a ban when no positive duration
	// is provided.
	DefaultBanDuration = 24 * time.Hour

	// DefaultBanThreshold is the misbehavior score at which a host is
	// banned.
	DefaultBanThreshold = 100

	// maxScoredHosts is the maximum number of hosts for which misbehavior
	// scores are tracked at once.  The least recently scored hosts are
	// forgotten first.
	maxScoredHosts = 4096

	// scoreLifetime is how long a misbehavior score is remembered after
	// it was last increased.
	scoreLifetime = 24 * time.Hour
)

// BanReason identifies why a ban was created.
type BanReason uint8

// These constants define the supported ban reasons.  The numeric values are
// persisted and must not change.
const (
	BanReasonUnknown         BanReason = 0
	BanReasonNodeMisbehaving BanReason = 1
	BanReasonManuallyAdded   BanReason = 2
)

// Map of ban reasons back to their constant names for pretty printing.
var banReasonStrings = map[BanReason]string{
	BanReasonUnknown:         "unknown",
	BanReasonNodeMisbehaving: "node misbehaving",
	BanReasonManuallyAdded:   "manually added",
}

// String returns the BanReason in human-readable form.
func (r BanReason) String() string {
	if s, ok := banReasonStrings[r]; ok {
		return s
	}
	return "unknown"
}

// BanEntry describes a single ban.
type BanEntry struct {
	Target  Target
	Reason  BanReason
	Created time.Time
	Expiry  time.Time

	// version and extra hold the stored version and the bytes appended to
	// the stored entry by newer versions.
	version uint8
	extra   []byte
}

// expired returns whether the ban no longer applies at the provided time.
func (e *BanEntry) expired(now time.Time) bool {
	return !now.Before(e.Expiry)
}

// Config is the configuration struct for the ban manager.
type Config struct {
	// DataDir is the directory the ban database is stored in.  When it is
	// empty, the table is kept in memory only.
	DataDir string

	// DisableBanning turns off every ban that is not manually added,
	// including bans caused by misbehavior.
	DisableBanning bool

	// BanThreshold is the misbehavior score at which a host is banned.
	// DefaultBanThreshold is used when it is zero.
	BanThreshold uint32

	// BanDuration is the duration misbehaving hosts stay banned for and the
	// duration used when a ban is requested without a positive duration.
	// DefaultBanDuration is used when it is zero.
	BanDuration time.Duration

	// WhiteList holds the networks whose hosts are never banned.
	WhiteList []net.IPNet

	// Clock provides the current time.  The default clock is used when it
	// is nil.
	Clock clock.Clock
}

// BanManager tracks banned hosts and subnets along with the misbehavior
// scores of hosts.
type BanManager struct {
	cfg   Config
	clock clock.Clock
	store *banStore

	// scoreMtx makes read-modify-write updates of the scores atomic.
	scoreMtx sync.Mutex
	scores   *lru.Map[addrmgr.NetAddr, uint32]

	mtx   sync.Mutex
	bans  map[Target]*BanEntry
	dirty map[Target]struct{}

	// flushMtx serializes writes to the database.
	flushMtx sync.Mutex

	closed atomic.Bool
}

// New returns a ban manager for the provided configuration.  The ban database
// is opened when a data directory is configured, but stored bans are only
// read by Load.
func New(cfg *Config) (*BanManager, error) {
	bm := &BanManager{
		cfg:    *cfg,
		clock:  cfg.Clock,
		scores: lru.NewMapWithDefaultTTL[addrmgr.NetAddr, uint32](maxScoredHosts, scoreLifetime),
		bans:   make(map[Target]*BanEntry),
		dirty:  make(map[Target]struct{}),
	}
	if bm.clock == nil {
		bm.clock = clock.NewDefaultClock()
	}
	if bm.cfg.BanThreshold == 0 {
		bm.cfg.BanThreshold = DefaultBanThreshold
	}
	if bm.cfg.BanDuration <= 0 {
		bm.cfg.BanDuration = DefaultBanDuration
	}
	if cfg.DataDir != "" {
		store, err := openBanStore(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		bm.store = store
	}
	return bm, nil
}

// isWhitelisted returns whether the provided address is in one of the
// whitelisted networks.
func (bm *BanManager) isWhitelisted(addr addrmgr.NetAddr) bool {
	if len(bm.cfg.WhiteList) == 0 {
		return false
	}
	ip := addr.IP()
	for i := range bm.cfg.WhiteList {
		if bm.cfg.WhiteList[i].Contains(ip) {
			return true
		}
	}
	return false
}

// IsWhitelisted returns whether the provided address is whitelisted.
func (bm *BanManager) IsWhitelisted(addr addrmgr.NetAddr) bool {
	return bm.isWhitelisted(addr)
}

// Ban bans the provided target.  The ban expires banTimeOffset after the
// current time, or after the unix epoch when sinceUnixEpoch is set.  A
// non-positive offset bans for the configured ban duration from now.
//
// When the target is already banned the entries are merged: the later expiry
// wins and the ban is considered manually added when either of them is, so a
// manual ban is never shortened by a misbehavior ban.
//
// It returns whether the table changed.  Bans that are not manually added are
// refused when banning is disabled, bans of whitelisted hosts are refused, and
// bans that would already be expired are ignored.
func (bm *BanManager) Ban(target Target, reason BanReason, banTimeOffset time.Duration, sinceUnixEpoch bool) bool {
	if bm.cfg.DisableBanning && reason != BanReasonManuallyAdded {
		log.Debugf("Not banning %s (%s): banning is disabled", target, reason)
		return false
	}
	if target.IsHost() && bm.isWhitelisted(target.Addr()) {
		log.Debugf("Not banning whitelisted host %s (%s)", target, reason)
		return false
	}

	now := bm.clock.Now()
	var expiry time.Time
	switch {
	case banTimeOffset <= 0:
		expiry = now.Add(bm.cfg.BanDuration)
	case sinceUnixEpoch:
		expiry = time.Unix(0, 0).Add(banTimeOffset)
	default:
		expiry = now.Add(banTimeOffset)
	}
	expiry = expiry.Truncate(time.Second)
	if !now.Before(expiry) {
		log.Debugf("Not banning %s: expiry %v is in the past", target, expiry)
		return false
	}

	bm.mtx.Lock()
	defer bm.mtx.Unlock()

	entry, ok := bm.bans[target]
	if !ok || entry.expired(now) {
		bm.bans[target] = &BanEntry{
			Target:  target,
			Reason:  reason,
			Created: now.Truncate(time.Second),
			Expiry:  expiry,
		}
		bm.dirty[target] = struct{}{}
		log.Infof("Banned %s (%s) until %v", target, reason, expiry)
		return true
	}

	changed := false
	if expiry.After(entry.Expiry) {
		entry.Expiry = expiry
		changed = true
	}
	if reason == BanReasonManuallyAdded && entry.Reason != reason {
		entry.Reason = reason
		changed = true
	}
	if changed {
		bm.dirty[target] = struct{}{}
		log.Infof("Updated ban of %s (%s) until %v", target, entry.Reason,
			entry.Expiry)
	}
	return changed
}

// Unban removes the ban of the provided target and returns whether it was
// banned.  Subnets covering the target are not affected.
func (bm *BanManager) Unban(target Target) bool {
	bm.mtx.Lock()
	defer bm.mtx.Unlock()

	if _, ok := bm.bans[target]; !ok {
		return false
	}
	delete(bm.bans, target)
	bm.dirty[target] = struct{}{}
	log.Infof("Unbanned %s", target)
	return true
}

// ClearBanned removes every ban.
func (bm *BanManager) ClearBanned() {
	bm.mtx.Lock()
	for target := range bm.bans {
		bm.dirty[target] = struct{}{}
	}
	clear(bm.bans)
	bm.mtx.Unlock()
	log.Infof("Cleared all bans")
}

// Banned returns the active bans ordered by target.
func (bm *BanManager) Banned() []BanEntry {
	now := bm.clock.Now()

	bm.mtx.Lock()
	entries := make([]BanEntry, 0, len(bm.bans))
	for _, entry := range bm.bans {
		if entry.expired(now) {
			continue
		}
		entries = append(entries, *entry)
	}
	bm.mtx.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Target.String() < entries[j].Target.String()
	})
	return entries
}

// removeIfExpired removes the entry for the target when it has expired and
// returns whether it did.
//
// This function MUST be called with the ban manager mutex held (writes).
func (bm *BanManager) removeIfExpired(entry *BanEntry, now time.Time) bool {
	if !entry.expired(now) {
		return false
	}
	delete(bm.bans, entry.Target)
	bm.dirty[entry.Target] = struct{}{}
	log.Debugf("Ban of %s expired at %v", entry.Target, entry.Expiry)
	return true
}

// IsBanned returns whether the provided address is banned, either directly or
// through a subnet ban.  Whitelisted addresses are never banned.
func (bm *BanManager) IsBanned(addr addrmgr.NetAddr) bool {
	if bm.isWhitelisted(addr) {
		return false
	}
	now := bm.clock.Now()

	bm.mtx.Lock()
	defer bm.mtx.Unlock()

	if entry, ok := bm.bans[NewHostTarget(addr)]; ok {
		if !bm.removeIfExpired(entry, now) {
			return true
		}
	}
	for target, entry := range bm.bans {
		if target.IsHost() || !target.Contains(addr) {
			continue
		}
		if !bm.removeIfExpired(entry, now) {
			return true
		}
	}
	return false
}

// SweepExpired removes every expired ban and returns how many were removed.
func (bm *BanManager) SweepExpired() int {
	now := bm.clock.Now()

	bm.mtx.Lock()
	var n int
	for _, entry := range bm.bans {
		if bm.removeIfExpired(entry, now) {
			n++
		}
	}
	bm.mtx.Unlock()

	if n > 0 {
		log.Debugf("Removed %d expired bans", n)
	}
	return n
}

// Misbehaving increases the misbehavior score of the provided host by howMuch.
// A warning including the reason is logged once the score exceeds half of the
// ban threshold, and the host is banned for the configured ban duration once
// the score reaches the threshold.  It returns whether the host was banned.
func (bm *BanManager) Misbehaving(addr addrmgr.NetAddr, howMuch uint32, reason string) bool {
	// No warning is logged and no score is calculated if banning is disabled.
	if bm.cfg.DisableBanning {
		return false
	}
	if bm.isWhitelisted(addr) {
		log.Debugf("Misbehaving whitelisted peer %s: %s", addr, reason)
		return false
	}

	bm.scoreMtx.Lock()
	defer bm.scoreMtx.Unlock()

	score, _ := bm.scores.Get(addr)
	warnThreshold := bm.cfg.BanThreshold >> 1
	if howMuch == 0 {
		// The score is not being increased, but a warning message is still
		// logged if the score is above the warn threshold.
		if score > warnThreshold {
			log.Warnf("Misbehaving peer %s: %s -- ban score is %d, "+
				"it was not increased this time", addr, reason, score)
		}
		return false
	}

	if score+howMuch < score {
		score = ^uint32(0)
	} else {
		score += howMuch
	}
	if score > warnThreshold {
		log.Warnf("Misbehaving peer %s: %s -- ban score increased to %d",
			addr, reason, score)
	}
	if score < bm.cfg.BanThreshold {
		bm.scores.Put(addr, score)
		return false
	}

	bm.scores.Delete(addr)
	log.Warnf("Misbehaving peer %s -- banning for %v", addr,
		bm.cfg.BanDuration)
	bm.Ban(NewHostTarget(addr), BanReasonNodeMisbehaving, bm.cfg.BanDuration,
		false)
	return true
}

// BanScore returns the current misbehavior score of the provided host.
func (bm *BanManager) BanScore(addr addrmgr.NetAddr) uint32 {
	score, _ := bm.scores.Peek(addr)
	return score
}

// Load reads the stored bans into the table.  Expired bans are dropped and
// removed from the database on the next flush.  Stored bans are merged with
// bans already in the table.
//
// Loading bans into a closed ban manager fails with ErrPersistence.
func (bm *BanManager) Load() error {
	if bm.closed.Load() {
		return makeError(ErrPersistence, "ban manager is closed")
	}
	if bm.store == nil {
		return nil
	}
	entries, err := bm.store.load()
	if err != nil {
		return err
	}

	now := bm.clock.Now()
	var loaded, expired int

	bm.mtx.Lock()
	for i := range entries {
		entry := &entries[i]
		if entry.expired(now) {
			bm.dirty[entry.Target] = struct{}{}
			expired++
			continue
		}
		if cur, ok := bm.bans[entry.Target]; ok {
			if entry.Expiry.After(cur.Expiry) {
				cur.Expiry = entry.Expiry
			}
			if entry.Reason == BanReasonManuallyAdded {
				cur.Reason = entry.Reason
			}
			cur.version, cur.extra = entry.version, entry.extra
			bm.dirty[entry.Target] = struct{}{}
			continue
		}
		bm.bans[entry.Target] = entry
		loaded++
	}
	bm.mtx.Unlock()

	log.Infof("Loaded %d bans (%d expired)", loaded, expired)
	return nil
}

// Flush writes every changed ban to the database in a single batch.
func (bm *BanManager) Flush() error {
	if bm.store == nil {
		return nil
	}

	bm.flushMtx.Lock()
	defer bm.flushMtx.Unlock()

	// Snapshot the changes under the lock and write them outside of it so
	// lookups are not blocked on the database.
	bm.mtx.Lock()
	put := make([]BanEntry, 0, len(bm.dirty))
	var del []Target
	for target := range bm.dirty {
		if entry, ok := bm.bans[target]; ok {
			put = append(put, *entry)
			continue
		}
		del = append(del, target)
	}
	clear(bm.dirty)
	bm.mtx.Unlock()

	if err := bm.store.write(put, del); err != nil {
		// Mark the targets dirty again so the next flush retries them.
		bm.mtx.Lock()
		for i := range put {
			bm.dirty[put[i].Target] = struct{}{}
		}
		for _, target := range del {
			bm.dirty[target] = struct{}{}
		}
		bm.mtx.Unlock()
		return err
	}
	if n := len(put) + len(del); n > 0 {
		log.Debugf("Flushed %d ban table changes", n)
	}
	return nil
}

// Close flushes the table and closes the ban database.  Closing an already
// closed ban manager has no effect.
func (bm *BanManager) Close() error {
	if !bm.closed.CompareAndSwap(false, true) || bm.store == nil {
		return nil
	}
	flushErr := bm.Flush()
	closeErr := bm.store.close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
