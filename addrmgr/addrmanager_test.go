// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2015-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"errors"
	"math"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/clock"
)

// testStartTime is the time the test clocks start at.
var testStartTime = time.Unix(1700000000, 0)

// testSource is the address that reports addresses in the tests.
var testSource = NewNetAddr(net.ParseIP("173.194.115.66"))

// newTestAddrManager returns an address manager that stores its data in a
// temporary directory and is driven by a test clock.
func newTestAddrManager(t *testing.T, dir string) (*AddrManager, *clock.TestClock) {
	t.Helper()

	if dir == "" {
		dir = t.TempDir()
	}
	amgr := New(dir, nil)
	testClock := clock.NewTestClock(testStartTime)
	amgr.clock = testClock
	return amgr, testClock
}

// routableAddr returns a distinct routable IPv4 address for each index.
// Consecutive indexes share a /16 network group in runs of 256.
func routableAddr(i int, ts time.Time) Address {
	ip := net.IPv4(byte(12+(i>>16)%64), byte(i>>8), byte(i), 1)
	return NewAddress(ip, 9108, SFNodeNetwork, ts)
}

// spreadSource returns a reporting address whose network group varies with the
// index so that additions spread across the whole new table.
func spreadSource(i int) NetAddr {
	return NewNetAddr(net.IPv4(byte(13+i%40), byte(i%250), 0, 1))
}

// fatalHelper is the subset of testing.TB shared with rapid.T.
type fatalHelper interface {
	Helper()
	Fatalf(format string, args ...any)
}

// checkConsistency ensures every indexed address occupies exactly the table
// slot it records, that the slot is the one its key hashes to, and that all
// counters agree with the table contents.
func (a *AddrManager) checkConsistency(t fatalHelper) {
	t.Helper()

	var count int
	check := func(name string, table [][bucketSize]*KnownAddress, lens []int, tried bool) int {
		var total int
		for b := range table {
			var n int
			for s, ka := range table[b] {
				if ka == nil {
					continue
				}
				n++
				if ka.tried != tried || ka.bucket != b || ka.slot != s {
					t.Fatalf("%s %d/%d holds %s recorded at %d/%d (tried %v)",
						name, b, s, ka.svc.Key(), ka.bucket, ka.slot, ka.tried)
				}
				if a.addrIndex[ka.svc.Key()] != ka {
					t.Fatalf("%s %d/%d holds unindexed %s", name, b, s,
						ka.svc.Key())
				}
				wantBucket, wantSlot := a.newPosition(ka.svc.Key(), ka.srcAddr)
				if tried {
					wantBucket, wantSlot = a.triedPosition(ka.svc.Key())
				}
				if b != wantBucket || s != wantSlot {
					t.Fatalf("%s %d/%d holds %s which belongs at %d/%d",
						name, b, s, ka.svc.Key(), wantBucket, wantSlot)
				}
			}
			if n != lens[b] {
				t.Fatalf("%s bucket %d count mismatch -- got %d, want %d",
					name, b, lens[b], n)
			}
			total += n
		}
		return total
	}
	nNew := check("new", a.addrNew[:], a.newBucketLen[:], false)
	nTried := check("tried", a.addrTried[:], a.triedBktLen[:], true)
	count = nNew + nTried
	if nNew != a.nNew || nTried != a.nTried {
		t.Fatalf("table counts mismatch -- got %d/%d, want %d/%d", a.nNew,
			a.nTried, nNew, nTried)
	}
	if count != len(a.addrIndex) {
		t.Fatalf("index holds %d addresses while tables hold %d",
			len(a.addrIndex), count)
	}
}

// findTriedCollision returns two addresses that map to the same tried slot
// while occupying different new slots when reported by testSource.
func findTriedCollision(t *testing.T, amgr *AddrManager, ts time.Time) (Address, Address) {
	t.Helper()

	type position struct{ bucket, slot int }
	seen := make(map[position]Address)
	for i := 0; i < 1<<16; i++ {
		addr := routableAddr(i, ts)
		b, s := amgr.triedPosition(addr.Key())
		other, ok := seen[position{b, s}]
		if !ok {
			seen[position{b, s}] = addr
			continue
		}
		nb1, ns1 := amgr.newPosition(other.Key(), testSource)
		nb2, ns2 := amgr.newPosition(addr.Key(), testSource)
		if nb1 != nb2 || ns1 != ns2 {
			return other, addr
		}
	}
	t.Fatal("unable to find colliding tried positions")
	return Address{}, Address{}
}

// findNewCollision returns two addresses that map to the same new slot when
// reported by testSource.
func findNewCollision(t *testing.T, amgr *AddrManager, ts time.Time) (Address, Address) {
	t.Helper()

	type position struct{ bucket, slot int }
	seen := make(map[position]Address)
	for i := 0; i < 1<<16; i++ {
		addr := routableAddr(i, ts)
		b, s := amgr.newPosition(addr.Key(), testSource)
		if other, ok := seen[position{b, s}]; ok {
			return other, addr
		}
		seen[position{b, s}] = addr
	}
	t.Fatal("unable to find colliding new positions")
	return Address{}, Address{}
}

// TestStartStop tests the behavior of the address manager when it is started
// and stopped.
func TestStartStop(t *testing.T) {
	dir := t.TempDir()

	// Ensure the peers file does not exist before starting the address
	// manager.
	peersFile := filepath.Join(dir, peersFilename)
	if _, err := os.Stat(peersFile); !os.IsNotExist(err) {
		t.Fatalf("peers file exists though it should not: %s", peersFile)
	}

	amgr, _ := newTestAddrManager(t, dir)
	if err := amgr.Start(); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	if err := amgr.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("unexpected second start error -- got %v, want %v", err,
			ErrAlreadyStarted)
	}

	addr := routableAddr(1, testStartTime)
	good := routableAddr(1000, testStartTime)
	amgr.AddAddresses([]Address{addr, good}, testSource, 0)
	if err := amgr.Good(good.Service); err != nil {
		t.Fatalf("unexpected error marking address good: %v", err)
	}

	// Stop the address manager to force the known addresses to be flushed
	// to the peers file.
	if err := amgr.Stop(); err != nil {
		t.Fatalf("address manager failed to stop: %v", err)
	}
	if _, err := os.Stat(peersFile); err != nil {
		t.Fatalf("peers file does not exist: %s", peersFile)
	}

	// Start a new address manager, which initializes it from the peers file.
	reloaded, _ := newTestAddrManager(t, dir)
	if err := reloaded.Start(); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	defer reloaded.Stop()

	if reloaded.key != amgr.key {
		t.Fatal("bucket key was not restored")
	}
	if got := reloaded.NumAddresses(); got != 2 {
		t.Fatalf("unexpected number of addresses -- got %d, want 2", got)
	}
	if got := reloaded.NumTried(); got != 1 {
		t.Fatalf("unexpected number of tried addresses -- got %d, want 1", got)
	}
	ka := reloaded.addrIndex[good.Key()]
	if ka == nil || !ka.tried {
		t.Fatalf("good address not restored to tried table: %v", spew.Sdump(ka))
	}
	if !ka.lastSuccess.Equal(testStartTime) {
		t.Fatalf("unexpected last success -- got %v, want %v", ka.lastSuccess,
			testStartTime)
	}
	reloaded.checkConsistency(t)
}

// TestCorruptPeersFile ensures an unreadable peers file is reported, removed,
// and replaced by empty tables.
func TestCorruptPeersFile(t *testing.T) {
	dir := t.TempDir()
	peersFile := filepath.Join(dir, peersFilename)
	if err := os.WriteFile(peersFile, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	amgr, _ := newTestAddrManager(t, dir)
	err := amgr.Start()
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("unexpected start error -- got %v, want %v", err,
			ErrPersistence)
	}
	defer amgr.Stop()

	if _, err := os.Stat(peersFile); !os.IsNotExist(err) {
		t.Fatal("corrupt peers file was not removed")
	}
	if got := amgr.NumAddresses(); got != 0 {
		t.Fatalf("unexpected number of addresses -- got %d, want 0", got)
	}

	// The address manager remains usable.
	amgr.AddAddress(routableAddr(1, testStartTime), testSource)
	if got := amgr.NumAddresses(); got != 1 {
		t.Fatalf("unexpected number of addresses -- got %d, want 1", got)
	}
}

// TestUnknownFieldsPreserved ensures fields written by a newer version survive
// a load and save cycle.
func TestUnknownFieldsPreserved(t *testing.T) {
	dir := t.TempDir()
	peersFile := filepath.Join(dir, peersFilename)
	const data = `{"Version":3,"Key":[1,2,3,4,5,6,7,8,9,10,11,12,13,14,15,16,` +
		`17,18,19,20,21,22,23,24,25,26,27,28,29,30,31,32],"Addresses":[` +
		`{"Addr":"12.1.1.1:9108","Src":"173.194.115.66","Services":1,` +
		`"Attempts":0,"TimeStamp":1700000000,"LastAttempt":0,` +
		`"LastSuccess":0,"Tried":false,"Network":"ipv4"}],` +
		`"Asmap":"abcdef"}`
	if err := os.WriteFile(peersFile, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	amgr, _ := newTestAddrManager(t, dir)
	if err := amgr.Start(); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	if got := amgr.NumAddresses(); got != 1 {
		t.Fatalf("unexpected number of addresses -- got %d, want 1", got)
	}

	// Force a rewrite.
	amgr.AddAddress(routableAddr(2000, testStartTime), testSource)
	if err := amgr.Stop(); err != nil {
		t.Fatalf("address manager failed to stop: %v", err)
	}

	written, err := os.ReadFile(peersFile)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"Asmap":"abcdef"`, `"Network":"ipv4"`,
		`"Version":2`} {

		if !strings.Contains(string(written), want) {
			t.Fatalf("rewritten peers file does not contain %s: %s", want,
				written)
		}
	}
}

// TestAddAddressUpdate ensures adding a known address merges its services and
// keeps the newest timestamp instead of adding a duplicate.
func TestAddAddressUpdate(t *testing.T) {
	amgr, _ := newTestAddrManager(t, "")
	if ka := amgr.GetAddress(false); ka != nil {
		t.Fatal("address manager should contain no addresses")
	}

	addr := routableAddr(1, testStartTime.Add(-time.Hour))
	amgr.AddAddress(addr, testSource)
	ka := amgr.GetAddress(false)
	if ka == nil {
		t.Fatal("address manager should contain newly added known address")
	}
	if ka.Service() != addr.Service {
		t.Fatalf("unexpected service -- got %v, want %v", ka.Service(),
			addr.Service)
	}
	if ka.Source() != testSource {
		t.Fatalf("unexpected source -- got %v, want %v", ka.Source(),
			testSource)
	}

	update := addr
	update.Services = SFNodeBloom
	update.Timestamp = testStartTime
	amgr.AddAddress(update, testSource)
	if got := amgr.NumAddresses(); got != 1 {
		t.Fatalf("unexpected number of addresses -- got %d, want 1", got)
	}
	ka = amgr.GetAddress(false)
	if want := SFNodeNetwork | SFNodeBloom; ka.Service().Services != want {
		t.Fatalf("unexpected services -- got %v, want %v",
			ka.Service().Services, want)
	}
	if !ka.Timestamp().Equal(testStartTime) {
		t.Fatalf("unexpected timestamp -- got %v, want %v", ka.Timestamp(),
			testStartTime)
	}

	// Older timestamps do not move the timestamp back.
	update.Timestamp = testStartTime.Add(-2 * time.Hour)
	amgr.AddAddress(update, testSource)
	if ka := amgr.GetAddress(false); !ka.Timestamp().Equal(testStartTime) {
		t.Fatalf("timestamp moved backwards to %v", ka.Timestamp())
	}
	amgr.checkConsistency(t)
}

// TestAddAddressesTimePenalty ensures the time penalty is applied to the
// stored timestamps.
func TestAddAddressesTimePenalty(t *testing.T) {
	amgr, _ := newTestAddrManager(t, "")
	addr := routableAddr(1, testStartTime)
	amgr.AddAddresses([]Address{addr}, testSource, 2*time.Hour)

	ka := amgr.addrIndex[addr.Key()]
	if want := testStartTime.Add(-2 * time.Hour); !ka.timestamp.Equal(want) {
		t.Fatalf("unexpected timestamp -- got %v, want %v", ka.timestamp, want)
	}
}

// TestAddAddressFutureTimestamp ensures addresses announced with timestamps
// from the future are stored as seen now and that such announcements can not
// make a reliable address terrible.
func TestAddAddressFutureTimestamp(t *testing.T) {
	amgr, testClock := newTestAddrManager(t, "")

	future := routableAddr(1, testStartTime.Add(24*time.Hour))
	amgr.AddAddress(future, testSource)
	ka := amgr.addrIndex[future.Key()]
	if !ka.timestamp.Equal(testStartTime) {
		t.Fatalf("unexpected timestamp -- got %v, want %v", ka.timestamp,
			testStartTime)
	}

	addr := routableAddr(2, testStartTime)
	amgr.AddAddress(addr, testSource)
	if err := amgr.Good(addr.Service); err != nil {
		t.Fatalf("unexpected good error: %v", err)
	}
	now := testStartTime.Add(2 * time.Minute)
	testClock.SetTime(now)

	reannounced := addr
	reannounced.Timestamp = now.Add(24 * time.Hour)
	amgr.AddAddresses([]Address{reannounced}, testSource, 0)
	ka = amgr.addrIndex[addr.Key()]
	if ka.timestamp.After(now) {
		t.Fatalf("timestamp moved into the future: %v (now %v)",
			ka.timestamp, now)
	}
	if ka.isTerrible(now) {
		t.Fatal("reliable address became terrible")
	}
	var found bool
	for _, got := range amgr.GetAddresses(SFNodeNone) {
		if got.Key() == addr.Key() {
			found = true
		}
	}
	if !found {
		t.Fatalf("reliable address missing from sample %v",
			spew.Sdump(amgr.GetAddresses(SFNodeNone)))
	}
	amgr.checkConsistency(t)
}

// TestAddAddressIgnored ensures unroutable addresses and addresses without a
// port are never stored.
func TestAddAddressIgnored(t *testing.T) {
	amgr, _ := newTestAddrManager(t, "")
	ignored := []Address{
		NewAddress(net.ParseIP("10.0.0.1"), 9108, 0, testStartTime),
		NewAddress(net.ParseIP("127.0.0.1"), 9108, 0, testStartTime),
		NewAddress(net.ParseIP("fe80::1"), 9108, 0, testStartTime),
		NewAddress(net.ParseIP("12.1.1.1"), 0, 0, testStartTime),
	}
	amgr.AddAddresses(ignored, testSource, 0)
	if got := amgr.NumAddresses(); got != 0 {
		t.Fatalf("unexpected number of addresses -- got %d, want 0", got)
	}
}

// TestNewSlotCollision ensures an incoming address mapping to an occupied new
// slot is dropped when the occupant is healthy and replaces the occupant when
// it is terrible.
func TestNewSlotCollision(t *testing.T) {
	amgr, _ := newTestAddrManager(t, "")
	first, second := findNewCollision(t, amgr, testStartTime)

	// A healthy occupant that is newer than the incoming address is kept.
	amgr.AddAddress(first, testSource)
	older := second
	older.Timestamp = testStartTime.Add(-time.Hour)
	amgr.AddAddress(older, testSource)
	if amgr.addrIndex[second.Key()] != nil {
		t.Fatal("incoming address replaced a healthy occupant")
	}
	if amgr.addrIndex[first.Key()] == nil {
		t.Fatal("healthy occupant was evicted")
	}
	amgr.checkConsistency(t)

	// A terrible occupant is always replaced.
	amgr.addrIndex[first.Key()].timestamp = testStartTime.Add(-31 * 24 * time.Hour)
	amgr.AddAddress(second, testSource)
	if amgr.addrIndex[first.Key()] != nil {
		t.Fatal("terrible occupant was not evicted")
	}
	if amgr.addrIndex[second.Key()] == nil {
		t.Fatal("incoming address was not added")
	}
	if got := amgr.NumAddresses(); got != 1 {
		t.Fatalf("unexpected number of addresses -- got %d, want 1", got)
	}
	amgr.checkConsistency(t)
}

// TestReinsertAfterEviction ensures an evicted address returns to the same new
// table slot when it is reported again by the same source.
func TestReinsertAfterEviction(t *testing.T) {
	amgr, _ := newTestAddrManager(t, "")
	first, second := findNewCollision(t, amgr, testStartTime)
	wantBucket, wantSlot := amgr.newPosition(first.Key(), testSource)

	for i := 0; i < 3; i++ {
		amgr.AddAddress(first, testSource)
		ka := amgr.addrIndex[first.Key()]
		if ka == nil {
			t.Fatalf("cycle %d: address was not added", i)
		}
		if ka.bucket != wantBucket || ka.slot != wantSlot {
			t.Fatalf("cycle %d: added at %d/%d, want %d/%d", i, ka.bucket,
				ka.slot, wantBucket, wantSlot)
		}

		// Make the address terrible so the colliding address evicts it.
		ka.timestamp = testStartTime.Add(-31 * 24 * time.Hour)
		amgr.AddAddress(second, testSource)
		if amgr.addrIndex[first.Key()] != nil {
			t.Fatalf("cycle %d: terrible address was not evicted", i)
		}
		ka = amgr.addrIndex[second.Key()]
		if ka.bucket != wantBucket || ka.slot != wantSlot {
			t.Fatalf("cycle %d: colliding address added at %d/%d, want "+
				"%d/%d", i, ka.bucket, ka.slot, wantBucket, wantSlot)
		}
		amgr.checkConsistency(t)

		// Make room again for the next cycle.
		ka.timestamp = testStartTime.Add(-31 * 24 * time.Hour)
	}
}

// TestGood ensures marking an address good moves it to the tried table and
// resets its failure state.
func TestGood(t *testing.T) {
	amgr, testClock := newTestAddrManager(t, "")
	addr := routableAddr(1, testStartTime)
	if err := amgr.Good(addr.Service); !errors.Is(err, ErrAddressNotFound) {
		t.Fatalf("unexpected error -- got %v, want %v", err,
			ErrAddressNotFound)
	}

	amgr.AddAddress(addr, testSource)
	if err := amgr.Attempt(addr.Service, true); err != nil {
		t.Fatalf("unexpected attempt error: %v", err)
	}
	testClock.SetTime(testStartTime.Add(time.Minute))
	if err := amgr.Good(addr.Service); err != nil {
		t.Fatalf("unexpected good error: %v", err)
	}

	if amgr.NumTried() != 1 || amgr.nNew != 0 {
		t.Fatalf("unexpected table counts -- got %d new, %d tried", amgr.nNew,
			amgr.NumTried())
	}
	if ka := amgr.GetAddress(true); ka != nil {
		t.Fatalf("new only selection returned tried address %v", ka.Service())
	}
	ka := amgr.GetAddress(false)
	if ka == nil || !ka.Tried() {
		t.Fatal("expected tried address to be selected")
	}
	if ka.Attempts() != 0 {
		t.Fatalf("unexpected attempts -- got %d, want 0", ka.Attempts())
	}
	want := testStartTime.Add(time.Minute)
	if !ka.LastSuccess().Equal(want) || !ka.LastAttempt().Equal(want) {
		t.Fatalf("unexpected success/attempt times -- got %v/%v, want %v",
			ka.LastSuccess(), ka.LastAttempt(), want)
	}

	// Marking a tried address good again keeps it in place.
	if err := amgr.Good(addr.Service); err != nil {
		t.Fatalf("unexpected good error: %v", err)
	}
	if amgr.NumTried() != 1 {
		t.Fatalf("unexpected tried count -- got %d, want 1", amgr.NumTried())
	}
	amgr.checkConsistency(t)
}

// TestGoodDemotesTriedOccupant ensures promoting an address whose tried slot
// is taken moves the occupant back to its new slot.
func TestGoodDemotesTriedOccupant(t *testing.T) {
	amgr, _ := newTestAddrManager(t, "")
	first, second := findTriedCollision(t, amgr, testStartTime)
	amgr.AddAddresses([]Address{first, second}, testSource, 0)
	if got := amgr.NumAddresses(); got != 2 {
		t.Fatalf("unexpected number of addresses -- got %d, want 2", got)
	}

	if err := amgr.Good(first.Service); err != nil {
		t.Fatalf("unexpected good error: %v", err)
	}
	if err := amgr.Good(second.Service); err != nil {
		t.Fatalf("unexpected good error: %v", err)
	}

	demoted := amgr.addrIndex[first.Key()]
	if demoted == nil || demoted.tried {
		t.Fatalf("occupant was not demoted: %v", spew.Sdump(demoted))
	}
	wantBucket, wantSlot := amgr.newPosition(first.Key(), testSource)
	if demoted.bucket != wantBucket || demoted.slot != wantSlot {
		t.Fatalf("demoted to %d/%d, want %d/%d", demoted.bucket,
			demoted.slot, wantBucket, wantSlot)
	}
	if !amgr.addrIndex[second.Key()].tried {
		t.Fatal("promoted address is not tried")
	}
	if amgr.nNew != 1 || amgr.nTried != 1 {
		t.Fatalf("unexpected table counts -- got %d new, %d tried", amgr.nNew,
			amgr.nTried)
	}
	amgr.checkConsistency(t)
}

// TestGoodDropsTerribleOccupant ensures a terrible tried occupant is dropped
// instead of demoted.
func TestGoodDropsTerribleOccupant(t *testing.T) {
	amgr, testClock := newTestAddrManager(t, "")
	first, second := findTriedCollision(t, amgr, testStartTime)
	amgr.AddAddresses([]Address{first, second}, testSource, 0)
	if err := amgr.Good(first.Service); err != nil {
		t.Fatalf("unexpected good error: %v", err)
	}

	// Age the occupant past the missing threshold and move time beyond the
	// recent attempt grace period.
	amgr.addrIndex[first.Key()].timestamp = testStartTime.Add(-31 * 24 * time.Hour)
	testClock.SetTime(testStartTime.Add(2 * time.Minute))

	if err := amgr.Good(second.Service); err != nil {
		t.Fatalf("unexpected good error: %v", err)
	}
	if amgr.addrIndex[first.Key()] != nil {
		t.Fatal("terrible occupant was not dropped")
	}
	if got := amgr.NumAddresses(); got != 1 {
		t.Fatalf("unexpected number of addresses -- got %d, want 1", got)
	}
	amgr.checkConsistency(t)
}

// TestAttempt ensures attempts update the last attempt time, only count as
// failures when requested, and eventually make the address terrible.
func TestAttempt(t *testing.T) {
	amgr, testClock := newTestAddrManager(t, "")
	addr := routableAddr(1, testStartTime)
	if err := amgr.Attempt(addr.Service, true); !errors.Is(err, ErrAddressNotFound) {
		t.Fatalf("unexpected error -- got %v, want %v", err,
			ErrAddressNotFound)
	}

	amgr.AddAddress(addr, testSource)
	if err := amgr.Attempt(addr.Service, false); err != nil {
		t.Fatalf("unexpected attempt error: %v", err)
	}
	ka := amgr.addrIndex[addr.Key()]
	if ka.attempts != 0 || !ka.lastAttempt.Equal(testStartTime) {
		t.Fatalf("unexpected attempt state -- got %d at %v", ka.attempts,
			ka.lastAttempt)
	}

	for i := 0; i < numRetries; i++ {
		if err := amgr.Attempt(addr.Service, true); err != nil {
			t.Fatalf("unexpected attempt error: %v", err)
		}
	}
	if ka.attempts != numRetries {
		t.Fatalf("unexpected attempts -- got %d, want %d", ka.attempts,
			numRetries)
	}

	// Addresses attempted within the last minute are never terrible.
	if ka.isTerrible(testClock.Now()) {
		t.Fatal("recently attempted address is terrible")
	}
	testClock.SetTime(testStartTime.Add(2 * time.Minute))
	if !ka.isTerrible(testClock.Now()) {
		t.Fatal("address that never succeeded after retries is not terrible")
	}
	if got := amgr.GetAddresses(SFNodeNone); len(got) != 0 {
		t.Fatalf("terrible address returned: %v", got)
	}
}

// TestIsTerrible exercises each of the terrible address criteria.
func TestIsTerrible(t *testing.T) {
	now := testStartTime
	const day = 24 * time.Hour
	tests := []struct {
		name string
		ka   KnownAddress
		want bool
	}{{
		name: "fresh",
		ka:   KnownAddress{timestamp: now},
		want: false,
	}, {
		name: "from the future",
		ka:   KnownAddress{timestamp: now.Add(11 * time.Minute)},
		want: true,
	}, {
		name: "recent attempt overrides future timestamp",
		ka: KnownAddress{timestamp: now.Add(11 * time.Minute),
			lastAttempt: now.Add(-30 * time.Second)},
		want: false,
	}, {
		name: "not seen in a month",
		ka:   KnownAddress{timestamp: now.Add(-31 * day)},
		want: true,
	}, {
		name: "retries without success",
		ka: KnownAddress{timestamp: now, attempts: numRetries,
			lastAttempt: now.Add(-time.Hour)},
		want: true,
	}, {
		name: "failures after old success",
		ka: KnownAddress{timestamp: now, attempts: maxFailures,
			lastAttempt: now.Add(-time.Hour),
			lastSuccess: now.Add(-8 * day)},
		want: true,
	}, {
		name: "failures after recent success",
		ka: KnownAddress{timestamp: now, attempts: maxFailures,
			lastAttempt: now.Add(-time.Hour),
			lastSuccess: now.Add(-6 * day)},
		want: false,
	}}

	for _, test := range tests {
		if got := test.ka.isTerrible(now); got != test.want {
			t.Errorf("%s: unexpected result -- got %v, want %v", test.name,
				got, test.want)
		}
	}
}

// TestChance ensures recent attempts and failures reduce the selection chance.
func TestChance(t *testing.T) {
	now := testStartTime
	fresh := KnownAddress{timestamp: now}
	recent := KnownAddress{timestamp: now, lastAttempt: now.Add(-time.Minute)}
	failed := KnownAddress{timestamp: now, attempts: 2,
		lastAttempt: now.Add(-time.Hour)}

	if got := fresh.chance(now); got != 1.0 {
		t.Fatalf("unexpected fresh chance -- got %v, want 1", got)
	}
	if got := recent.chance(now); got != 0.01 {
		t.Fatalf("unexpected recent chance -- got %v, want 0.01", got)
	}
	if got, want := failed.chance(now), 0.66*0.66; math.Abs(got-want) > 1e-12 {
		t.Fatalf("unexpected failed chance -- got %v, want %v", got, want)
	}
}

// TestConnected ensures the timestamp is only refreshed after the refresh
// interval.
func TestConnected(t *testing.T) {
	amgr, testClock := newTestAddrManager(t, "")
	addr := routableAddr(1, testStartTime)
	if err := amgr.Connected(addr.Service); !errors.Is(err, ErrAddressNotFound) {
		t.Fatalf("unexpected error -- got %v, want %v", err,
			ErrAddressNotFound)
	}
	amgr.AddAddress(addr, testSource)

	testClock.SetTime(testStartTime.Add(10 * time.Minute))
	if err := amgr.Connected(addr.Service); err != nil {
		t.Fatalf("unexpected connected error: %v", err)
	}
	ka := amgr.addrIndex[addr.Key()]
	if !ka.timestamp.Equal(testStartTime) {
		t.Fatalf("timestamp refreshed too early to %v", ka.timestamp)
	}

	later := testStartTime.Add(21 * time.Minute)
	testClock.SetTime(later)
	if err := amgr.Connected(addr.Service); err != nil {
		t.Fatalf("unexpected connected error: %v", err)
	}
	if !ka.timestamp.Equal(later) {
		t.Fatalf("unexpected timestamp -- got %v, want %v", ka.timestamp,
			later)
	}
}

// TestSetServices ensures the services of a known address are replaced.
func TestSetServices(t *testing.T) {
	amgr, _ := newTestAddrManager(t, "")
	addr := routableAddr(1, testStartTime)
	if err := amgr.SetServices(addr.Service, SFNodeBloom); !errors.Is(err, ErrAddressNotFound) {
		t.Fatalf("unexpected error -- got %v, want %v", err,
			ErrAddressNotFound)
	}
	amgr.AddAddress(addr, testSource)
	if err := amgr.SetServices(addr.Service, SFNodeBloom); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := amgr.addrIndex[addr.Key()].svc.Services; got != SFNodeBloom {
		t.Fatalf("unexpected services -- got %v, want %v", got, SFNodeBloom)
	}
}

// TestGetAddresses ensures the sample size, service filtering, and ordering of
// recently successful tried addresses.
func TestGetAddresses(t *testing.T) {
	amgr, _ := newTestAddrManager(t, "")
	if got := amgr.GetAddresses(SFNodeNone); got != nil {
		t.Fatalf("unexpected addresses from empty manager: %v", got)
	}

	// A single address is always returned.
	single := routableAddr(1, testStartTime)
	amgr.AddAddress(single, testSource)
	got := amgr.GetAddresses(SFNodeNone)
	if len(got) != 1 || got[0].Service != single.Service {
		t.Fatalf("unexpected addresses -- got %v, want %v", got, single)
	}
	if got := amgr.GetAddresses(SFNodeBloom); len(got) != 0 {
		t.Fatalf("address without required services returned: %v", got)
	}

	for i := 2; i <= 10; i++ {
		amgr.AddAddress(routableAddr(i<<8, testStartTime), spreadSource(i))
	}
	total := amgr.NumAddresses()
	if err := amgr.Good(single.Service); err != nil {
		t.Fatalf("unexpected good error: %v", err)
	}

	got = amgr.GetAddresses(SFNodeNone)
	want := (total*getAddressesPercentage + 99) / 100
	if len(got) != want {
		t.Fatalf("unexpected number of addresses -- got %d, want %d",
			len(got), want)
	}
	if got[0].Service != single.Service {
		t.Fatalf("recently successful address not first -- got %v, want %v",
			got[0].Service, single.Service)
	}
	seen := make(map[ServiceKey]struct{})
	for _, addr := range got {
		if _, ok := seen[addr.Key()]; ok {
			t.Fatalf("duplicate address %v", addr.Key())
		}
		seen[addr.Key()] = struct{}{}
	}
}

// TestGetAddressesConcurrentGood ensures samples taken while addresses move
// between the tables never contain an address twice.
func TestGetAddressesConcurrentGood(t *testing.T) {
	amgr, _ := newTestAddrManager(t, "")
	const numAddrs = 200
	addrs := make([]Address, 0, numAddrs)
	for i := 0; i < numAddrs; i++ {
		addr := routableAddr(i<<8, testStartTime)
		amgr.AddAddress(addr, spreadSource(i))
		addrs = append(addrs, addr)
	}
	total := amgr.NumAddresses()
	maxSample := (total*getAddressesPercentage + 99) / 100

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, addr := range addrs {
			// Addresses evicted by a demotion are no longer known.
			_ = amgr.Good(addr.Service)
		}
	}()
	for i := 0; i < 50; i++ {
		got := amgr.GetAddresses(SFNodeNone)
		if len(got) > maxSample {
			t.Fatalf("sample too large -- got %d, want at most %d", len(got),
				maxSample)
		}
		seen := make(map[ServiceKey]struct{}, len(got))
		for _, addr := range got {
			if _, ok := seen[addr.Key()]; ok {
				t.Fatalf("duplicate address %v", addr.Key())
			}
			seen[addr.Key()] = struct{}{}
		}
	}
	wg.Wait()
	amgr.checkConsistency(t)
}

// TestGetAddressesLimit ensures the sample never exceeds the hard limit.
func TestGetAddressesLimit(t *testing.T) {
	amgr, _ := newTestAddrManager(t, "")
	for i := 0; i < 20000; i++ {
		amgr.AddAddress(routableAddr(i, testStartTime), spreadSource(i))
	}

	total := amgr.NumAddresses()
	want := (total*getAddressesPercentage + 99) / 100
	if want > getAddressesLimit {
		want = getAddressesLimit
	}
	if got := amgr.GetAddresses(SFNodeNone); len(got) != want {
		t.Fatalf("unexpected number of addresses -- got %d, want %d",
			len(got), want)
	}
	amgr.checkConsistency(t)
}

// TestNeedMoreAddresses ensures the address manager reports needing more
// addresses until the threshold is reached.
func TestNeedMoreAddresses(t *testing.T) {
	amgr, _ := newTestAddrManager(t, "")
	if !amgr.NeedMoreAddresses() {
		t.Fatal("empty address manager should need more addresses")
	}

	addrs := make([]Address, 0, 3*needAddressThreshold)
	for i := 0; i < cap(addrs); i++ {
		addrs = append(addrs, routableAddr(i, testStartTime))
	}
	for i := range addrs {
		amgr.AddAddress(addrs[i], spreadSource(i))
	}
	if amgr.NumAddresses() < needAddressThreshold {
		t.Fatalf("only %d addresses stored", amgr.NumAddresses())
	}
	if amgr.NeedMoreAddresses() {
		t.Fatal("address manager should not need more addresses")
	}
}

// TestHostToNetAddress ensures IP hosts are parsed directly and other hosts are
// resolved with the lookup function.
func TestHostToNetAddress(t *testing.T) {
	resolved := net.ParseIP("173.194.115.66")
	lookup := func(host string) ([]net.IP, error) {
		switch host {
		case "seed.example.org":
			return []net.IP{resolved}, nil
		case "empty.example.org":
			return nil, nil
		}
		return nil, errors.New("no such host")
	}
	amgr := New(t.TempDir(), lookup)

	svc, err := amgr.HostToNetAddress("12.1.1.1", 9108, SFNodeNetwork)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.String() != "12.1.1.1:9108" || svc.Services != SFNodeNetwork {
		t.Fatalf("unexpected service %v (%v)", svc, svc.Services)
	}

	svc, err = amgr.HostToNetAddress("seed.example.org", 9108, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.Addr != NewNetAddr(resolved) {
		t.Fatalf("unexpected resolved address -- got %v, want %v", svc.Addr,
			resolved)
	}

	if _, err := amgr.HostToNetAddress("empty.example.org", 9108, 0); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("unexpected error -- got %v, want %v", err, ErrInvalidAddress)
	}
	if _, err := amgr.HostToNetAddress("missing.example.org", 9108, 0); err == nil {
		t.Fatal("expected lookup error")
	}

	noLookup := New(t.TempDir(), nil)
	if _, err := noLookup.HostToNetAddress("seed.example.org", 9108, 0); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("unexpected error -- got %v, want %v", err, ErrInvalidAddress)
	}
}

// TestPeriodicSave ensures the address handler writes the peers file once the
// dump interval elapses.
func TestPeriodicSave(t *testing.T) {
	dir := t.TempDir()
	amgr, testClock := newTestAddrManager(t, dir)
	if err := amgr.Start(); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	defer amgr.Stop()

	amgr.AddAddress(routableAddr(1, testStartTime), testSource)
	peersFile := filepath.Join(dir, peersFilename)

	deadline := time.Now().Add(5 * time.Second)
	for {
		testClock.SetTime(testClock.Now().Add(dumpAddressInterval))
		if _, err := os.Stat(peersFile); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("peers file was not written by the address handler")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
