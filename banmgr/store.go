// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package banmgr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	// banDbName is the name of the ban database directory within the data
	// directory.
	banDbName = "banlist.ldb"

	// banKeyPrefix prefixes the key of every ban entry.
	banKeyPrefix = "ban:"

	// entryVersion is the current version of the serialized ban entries.
	entryVersion = 1

	// entryLen is the length of a serialized version 1 entry:
	//
	//   version (1 byte) || reason (1 byte) || created (8 bytes) ||
	//   expiry (8 bytes)
	//
	// Later versions may append bytes which are kept verbatim.
	entryLen = 1 + 1 + 8 + 8
)

// convertLdbErr converts the passed leveldb error into an ErrPersistence error
// with the passed description.  The leveldb error is kept as the raw error and
// added to the description.
func convertLdbErr(ldbErr error, desc string) Error {
	switch {
	case ldberrors.IsCorrupted(ldbErr):
		desc = fmt.Sprintf("%s: database corrupted: %v", desc, ldbErr)
	case errors.Is(ldbErr, leveldb.ErrClosed):
		desc = fmt.Sprintf("%s: database closed", desc)
	default:
		desc = fmt.Sprintf("%s: %v", desc, ldbErr)
	}
	err := makeError(ErrPersistence, desc)
	err.RawErr = ldbErr
	return err
}

// banKey returns the database key for a target.
func banKey(t Target) []byte {
	return []byte(banKeyPrefix + t.String())
}

// serializeEntry returns the database value for a ban entry.
func serializeEntry(e *BanEntry) []byte {
	b := make([]byte, entryLen, entryLen+len(e.extra))
	b[0] = max(e.version, entryVersion)
	b[1] = byte(e.Reason)
	binary.BigEndian.PutUint64(b[2:10], uint64(e.Created.Unix()))
	binary.BigEndian.PutUint64(b[10:18], uint64(e.Expiry.Unix()))
	return append(b, e.extra...)
}

// deserializeEntry decodes a ban entry from its database key and value.
func deserializeEntry(key, value []byte) (BanEntry, error) {
	if len(key) <= len(banKeyPrefix) {
		str := fmt.Sprintf("malformed ban key %q", key)
		return BanEntry{}, makeError(ErrCorruptEntry, str)
	}
	target, err := ParseTarget(string(key[len(banKeyPrefix):]))
	if err != nil {
		str := fmt.Sprintf("malformed ban key %q: %v", key, err)
		return BanEntry{}, makeError(ErrCorruptEntry, str)
	}
	if len(value) < entryLen || value[0] == 0 {
		str := fmt.Sprintf("malformed ban entry for %s: %x", target, value)
		return BanEntry{}, makeError(ErrCorruptEntry, str)
	}
	if value[0] > entryVersion {
		log.Debugf("Loading ban entry for %s with newer version %d", target,
			value[0])
	}

	entry := BanEntry{
		Target:  target,
		Reason:  BanReason(value[1]),
		Created: time.Unix(int64(binary.BigEndian.Uint64(value[2:10])), 0),
		Expiry:  time.Unix(int64(binary.BigEndian.Uint64(value[10:18])), 0),
		version: value[0],
	}
	if len(value) > entryLen {
		entry.extra = append([]byte(nil), value[entryLen:]...)
	}
	return entry, nil
}

// banStore persists ban entries in a leveldb database.
type banStore struct {
	db *leveldb.DB
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	_, err := os.Stat(name)
	return !os.IsNotExist(err)
}

// openBanStore opens (or creates when needed) the ban database in the provided
// data directory.
func openBanStore(dataDir string) (*banStore, error) {
	dbPath := filepath.Join(dataDir, banDbName)
	dbExists := fileExists(dbPath)
	if !dbExists {
		// The error can be ignored here since the call to leveldb.OpenFile
		// will fail if the directory couldn't be created.
		_ = os.MkdirAll(dataDir, 0700)
	}

	log.Debugf("Loading ban database from '%s'", dbPath)
	opts := opt.Options{
		ErrorIfExist: !dbExists,
		Strict:       opt.DefaultStrict,
		Compression:  opt.NoCompression,
	}
	db, err := leveldb.OpenFile(dbPath, &opts)
	if ldberrors.IsCorrupted(err) {
		log.Warnf("Ban database is corrupted, attempting recovery: %v", err)
		db, err = leveldb.RecoverFile(dbPath, nil)
	}
	if err != nil {
		return nil, convertLdbErr(err, "failed to open ban database")
	}
	return &banStore{db: db}, nil
}

// load returns every decodable entry in the database.  Entries that cannot be
// decoded are skipped with a warning.
func (s *banStore) load() ([]BanEntry, error) {
	var entries []BanEntry
	iter := s.db.NewIterator(util.BytesPrefix([]byte(banKeyPrefix)), nil)
	for iter.Next() {
		entry, err := deserializeEntry(iter.Key(), iter.Value())
		if err != nil {
			log.Warnf("Skipping ban entry: %v", err)
			continue
		}
		entries = append(entries, entry)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, convertLdbErr(err, "failed to iterate ban database")
	}
	return entries, nil
}

// write stores the provided entries and deletes the provided targets in a
// single atomic batch.
func (s *banStore) write(put []BanEntry, del []Target) error {
	if len(put) == 0 && len(del) == 0 {
		return nil
	}
	batch := new(leveldb.Batch)
	for i := range put {
		batch.Put(banKey(put[i].Target), serializeEntry(&put[i]))
	}
	for _, t := range del {
		batch.Delete(banKey(t))
	}
	if err := s.db.Write(batch, nil); err != nil {
		return convertLdbErr(err, "failed to write ban entries")
	}
	return nil
}

// close closes the database.
func (s *banStore) close() error {
	if err := s.db.Close(); err != nil {
		return convertLdbErr(err, "failed to close ban database")
	}
	return nil
}
