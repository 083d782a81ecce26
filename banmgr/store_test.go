// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package banmgr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/clock"
)

// openTestBanManager returns a ban manager backed by a database in the
// provided directory with the stored bans loaded.
func openTestBanManager(t *testing.T, dataDir string, now time.Time) *BanManager {
	t.Helper()

	bm, err := New(&Config{DataDir: dataDir, Clock: clock.NewTestClock(now)})
	if err != nil {
		t.Fatalf("unable to open ban manager: %v", err)
	}
	if err := bm.Load(); err != nil {
		bm.Close()
		t.Fatalf("unable to load bans: %v", err)
	}
	return bm
}

// entriesEqual returns whether the provided ban entries describe the same bans.
func entriesEqual(a, b []BanEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Target != b[i].Target || a[i].Reason != b[i].Reason ||
			!a[i].Created.Equal(b[i].Created) ||
			!a[i].Expiry.Equal(b[i].Expiry) ||
			!bytes.Equal(a[i].extra, b[i].extra) {

			return false
		}
	}
	return true
}

// TestEntrySerialization ensures ban entries are stored in the expected format
// and decode back to the same entry.
func TestEntrySerialization(t *testing.T) {
	entry := BanEntry{
		Target:  mustParseTarget("12.0.0.0/8"),
		Reason:  BanReasonManuallyAdded,
		Created: time.Unix(1700000000, 0),
		Expiry:  time.Unix(1700003600, 0),
	}
	want := []byte{
		0x01, 0x02,
		0x00, 0x00, 0x00, 0x00, 0x65, 0x53, 0xf1, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x65, 0x53, 0xff, 0x10,
	}
	got := serializeEntry(&entry)
	if !bytes.Equal(got, want) {
		t.Fatalf("unexpected serialized entry -- got %x, want %x", got, want)
	}
	if key := string(banKey(entry.Target)); key != "ban:12.0.0.0/8" {
		t.Fatalf("unexpected key %q", key)
	}

	decoded, err := deserializeEntry(banKey(entry.Target), got)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !entriesEqual([]BanEntry{decoded}, []BanEntry{entry}) {
		t.Fatalf("mismatched entry -- got %v, want %v", spew.Sdump(decoded),
			spew.Sdump(entry))
	}
}

// TestDeserializeEntryErrors ensures malformed keys and values are rejected.
func TestDeserializeEntryErrors(t *testing.T) {
	valid := serializeEntry(&BanEntry{
		Target: mustParseTarget("1.2.3.4"),
		Expiry: time.Unix(1700000000, 0),
	})
	tests := []struct {
		name  string
		key   string
		value []byte
	}{
		{"empty target", "ban:", valid},
		{"bad target", "ban:nope", valid},
		{"short value", "ban:1.2.3.4", valid[:entryLen-1]},
		{"zero version", "ban:1.2.3.4", append([]byte{0}, valid[1:]...)},
	}

	for _, test := range tests {
		_, err := deserializeEntry([]byte(test.key), test.value)
		if !errors.Is(err, ErrCorruptEntry) {
			t.Errorf("%s: unexpected error -- got %v, want %v", test.name,
				err, ErrCorruptEntry)
		}
	}
}

// TestPersistence ensures bans survive closing and reopening the database and
// that expired bans are dropped on load.
func TestPersistence(t *testing.T) {
	dataDir := t.TempDir()
	bm := openTestBanManager(t, dataDir, testStartTime)
	bans := []struct {
		target string
		reason BanReason
		offset time.Duration
	}{
		{"173.194.115.66", BanReasonManuallyAdded, 2 * time.Hour},
		{"12.0.0.0/8", BanReasonNodeMisbehaving, 3 * time.Hour},
		{"2001:470::/32", BanReasonUnknown, time.Minute},
		{"2001:470::1", BanReasonNodeMisbehaving, time.Hour},
	}
	for _, ban := range bans {
		bm.Ban(mustParseTarget(ban.target), ban.reason, ban.offset, false)
	}
	bm.Unban(mustParseTarget("2001:470::1"))
	want := bm.Banned()
	if err := bm.Close(); err != nil {
		t.Fatalf("unable to close ban manager: %v", err)
	}

	// Reopen before any ban expired.
	bm = openTestBanManager(t, dataDir, testStartTime)
	got := bm.Banned()
	if !entriesEqual(got, want) {
		t.Fatalf("mismatched bans after reopen -- got %v, want %v",
			spew.Sdump(got), spew.Sdump(want))
	}
	if err := bm.Close(); err != nil {
		t.Fatalf("unable to close ban manager: %v", err)
	}

	// Reopen once the subnet ban expired and ensure it is removed from the
	// database on the next flush.
	bm = openTestBanManager(t, dataDir, testStartTime.Add(time.Hour))
	got = bm.Banned()
	if !entriesEqual(got, want[:2]) {
		t.Fatalf("mismatched bans after expiry -- got %v, want %v",
			spew.Sdump(got), spew.Sdump(want[:2]))
	}
	if err := bm.Flush(); err != nil {
		t.Fatalf("unable to flush: %v", err)
	}
	stored, err := bm.store.load()
	if err != nil {
		t.Fatalf("unable to read stored bans: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("unexpected number of stored bans -- got %d, want 2",
			len(stored))
	}
	if err := bm.Close(); err != nil {
		t.Fatalf("unable to close ban manager: %v", err)
	}
}

// TestTrailingBytesPreserved ensures bytes appended to stored entries by newer
// versions are written back unchanged when the entry is updated.
func TestTrailingBytesPreserved(t *testing.T) {
	dataDir := t.TempDir()
	bm := openTestBanManager(t, dataDir, testStartTime)

	target := mustParseTarget("173.194.115.66")
	trailing := []byte{0xde, 0xad, 0xbe, 0xef}
	value := make([]byte, entryLen, entryLen+len(trailing))
	value[0] = 3
	value[1] = byte(BanReasonNodeMisbehaving)
	binary.BigEndian.PutUint64(value[2:10], uint64(testStartTime.Unix()))
	binary.BigEndian.PutUint64(value[10:18], uint64(testStartTime.Unix()+60))
	value = append(value, trailing...)
	if err := bm.store.db.Put(banKey(target), value, nil); err != nil {
		t.Fatalf("unable to store entry: %v", err)
	}

	// Store a malformed entry which must be skipped on load.
	bad := mustParseTarget("173.194.115.67")
	if err := bm.store.db.Put(banKey(bad), []byte{1, 2}, nil); err != nil {
		t.Fatalf("unable to store entry: %v", err)
	}
	if err := bm.Close(); err != nil {
		t.Fatalf("unable to close ban manager: %v", err)
	}

	bm = openTestBanManager(t, dataDir, testStartTime)
	defer bm.Close()
	if !bm.IsBanned(target.Addr()) {
		t.Fatal("stored ban was not loaded")
	}
	if bm.IsBanned(bad.Addr()) {
		t.Fatal("malformed ban was loaded")
	}

	// Extend the ban and ensure the rewritten entry keeps its version and
	// trailing bytes.
	if !bm.Ban(target, BanReasonManuallyAdded, time.Hour, false) {
		t.Fatal("ban was not extended")
	}
	if err := bm.Flush(); err != nil {
		t.Fatalf("unable to flush: %v", err)
	}
	stored, err := bm.store.db.Get(banKey(target), nil)
	if err != nil {
		t.Fatalf("unable to read entry: %v", err)
	}
	if stored[0] != 3 {
		t.Fatalf("unexpected stored version -- got %d, want 3", stored[0])
	}
	if stored[1] != byte(BanReasonManuallyAdded) {
		t.Fatalf("unexpected stored reason -- got %d, want %d", stored[1],
			BanReasonManuallyAdded)
	}
	expiry := binary.BigEndian.Uint64(stored[10:18])
	if want := uint64(testStartTime.Add(time.Hour).Unix()); expiry != want {
		t.Fatalf("unexpected stored expiry -- got %d, want %d", expiry, want)
	}
	if !bytes.Equal(stored[entryLen:], trailing) {
		t.Fatalf("trailing bytes not preserved -- got %x, want %x",
			stored[entryLen:], trailing)
	}
}

// TestInMemory ensures a ban manager without a data directory works without
// persistence.
func TestInMemory(t *testing.T) {
	bm, _ := newTestBanManager(t, Config{})
	bm.Ban(mustParseTarget("1.2.3.4"), BanReasonManuallyAdded, time.Hour, false)
	if err := bm.Load(); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if err := bm.Flush(); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}
	if err := bm.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if !bm.IsBanned(mustParseAddr("1.2.3.4")) {
		t.Fatal("ban lost without persistence")
	}
}

// TestLoadClosed ensures loading into a closed ban manager is reported as a
// persistence error and that closing twice has no effect.
func TestLoadClosed(t *testing.T) {
	bm := openTestBanManager(t, t.TempDir(), testStartTime)
	if err := bm.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if err := bm.Close(); err != nil {
		t.Fatalf("unexpected second close error: %v", err)
	}
	if err := bm.Load(); !errors.Is(err, ErrPersistence) {
		t.Fatalf("unexpected load error -- got %v, want %v", err,
			ErrPersistence)
	}
}
