// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2015-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"
)

// serialisationVersion is the current version of the on-disk format.
//
// Version 2 stores whether each address is in the tried table instead of the
// bucket lists written by version 1.  Bucket positions are always recomputed
// on load.
const serialisationVersion = 2

// serializedKnownAddress is the on-disk form of a known address.
type serializedKnownAddress struct {
	Addr        string
	Src         string
	Services    uint64
	Attempts    int
	TimeStamp   int64
	LastAttempt int64
	LastSuccess int64
	Tried       bool

	// Extra holds fields written by newer versions.
	Extra map[string]json.RawMessage `json:"-"`
}

// serializedAddrManager is the on-disk form of the address manager.
type serializedAddrManager struct {
	Version   int
	Key       [32]byte
	Addresses []*serializedKnownAddress

	// Extra holds fields written by newer versions.
	Extra map[string]json.RawMessage `json:"-"`
}

var (
	knownAddressFields = []string{"Addr", "Src", "Services", "Attempts",
		"TimeStamp", "LastAttempt", "LastSuccess", "Tried"}
	addrManagerFields = []string{"Version", "Key", "Addresses"}
)

// unknownFields decodes a JSON object and returns all members whose names do
// not match one of the known field names.  Matching is case-insensitive the
// same way encoding/json matches struct fields.
func unknownFields(data []byte, known []string) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	for name := range fields {
		for _, k := range known {
			if strings.EqualFold(name, k) {
				delete(fields, name)
				break
			}
		}
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

// mergeFields encodes v and adds the extra members that are not already
// present.
func mergeFields(v any, extra map[string]json.RawMessage) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return data, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	for name, raw := range extra {
		if _, ok := fields[name]; !ok {
			fields[name] = raw
		}
	}
	return json.Marshal(fields)
}

// MarshalJSON encodes the address along with any preserved unknown fields.
func (s *serializedKnownAddress) MarshalJSON() ([]byte, error) {
	type plain serializedKnownAddress
	return mergeFields((*plain)(s), s.Extra)
}

// UnmarshalJSON decodes the address and retains unknown fields.
func (s *serializedKnownAddress) UnmarshalJSON(data []byte) error {
	type plain serializedKnownAddress
	if err := json.Unmarshal(data, (*plain)(s)); err != nil {
		return err
	}
	extra, err := unknownFields(data, knownAddressFields)
	s.Extra = extra
	return err
}

// MarshalJSON encodes the address manager along with any preserved unknown
// fields.
func (s *serializedAddrManager) MarshalJSON() ([]byte, error) {
	type plain serializedAddrManager
	return mergeFields((*plain)(s), s.Extra)
}

// UnmarshalJSON decodes the address manager and retains unknown fields.
func (s *serializedAddrManager) UnmarshalJSON(data []byte) error {
	type plain serializedAddrManager
	if err := json.Unmarshal(data, (*plain)(s)); err != nil {
		return err
	}
	extra, err := unknownFields(data, addrManagerFields)
	s.Extra = extra
	return err
}

// unixTime converts a serialized timestamp where zero means unset.
func unixTime(secs int64) time.Time {
	if secs == 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0)
}

// timeUnix converts a timestamp to its serialized form where zero means unset.
func timeUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// snapshot returns the serializable form of the tables.  The tables are
// visited one bucket at a time.
func (a *AddrManager) snapshot() *serializedAddrManager {
	a.mtx.Lock()
	sam := &serializedAddrManager{
		Version:   serialisationVersion,
		Key:       a.key,
		Addresses: make([]*serializedKnownAddress, 0, a.numAddresses()),
		Extra:     a.extra,
	}
	a.mtx.Unlock()

	seen := make(map[ServiceKey]struct{}, cap(sam.Addresses))
	a.walkTables(func(ka *KnownAddress, _ time.Time) {
		k := ka.svc.Key()
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		sam.Addresses = append(sam.Addresses, &serializedKnownAddress{
			Addr:        k.String(),
			Src:         ka.srcAddr.String(),
			Services:    uint64(ka.svc.Services),
			Attempts:    ka.attempts,
			TimeStamp:   timeUnix(ka.timestamp),
			LastAttempt: timeUnix(ka.lastAttempt),
			LastSuccess: timeUnix(ka.lastSuccess),
			Tried:       ka.tried,
			Extra:       ka.extra,
		})
	})
	return sam
}

// savePeers saves all the known addresses to a file so they can be read back
// in at next run.  Nothing is written when the tables have not changed since
// the last save.  Changes made while the snapshot is taken mark the tables
// changed again so they are picked up by the next save.
func (a *AddrManager) savePeers() error {
	a.mtx.Lock()
	if !a.addrChanged {
		a.mtx.Unlock()
		return nil
	}
	a.addrChanged = false
	a.mtx.Unlock()
	sam := a.snapshot()

	if err := writePeersFile(a.peersFile, sam); err != nil {
		a.mtx.Lock()
		a.addrChanged = true
		a.mtx.Unlock()
		return makeError(ErrPersistence, err.Error())
	}
	log.Debugf("Saved %d addresses to %s", len(sam.Addresses), a.peersFile)
	return nil
}

// writePeersFile writes a temporary peers file and then moves it into place.
func writePeersFile(path string, sam *serializedAddrManager) error {
	tmpfile := path + ".new"
	w, err := os.Create(tmpfile)
	if err != nil {
		return fmt.Errorf("error opening file %s: %w", tmpfile, err)
	}
	enc := json.NewEncoder(w)
	if err := enc.Encode(sam); err != nil {
		w.Close()
		return fmt.Errorf("failed to encode file %s: %w", tmpfile, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("error closing file %s: %w", tmpfile, err)
	}
	if err := os.Rename(tmpfile, path); err != nil {
		return fmt.Errorf("error writing file %s: %w", path, err)
	}
	return nil
}

// loadPeers loads the known addresses from the saved file.  When the file
// cannot be parsed it is removed, the tables are reset, and an ErrPersistence
// error is returned.
func (a *AddrManager) loadPeers() error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	err := a.deserializePeers(a.peersFile)
	if err != nil {
		log.Errorf("Failed to parse file %s: %v", a.peersFile, err)
		if rmErr := os.Remove(a.peersFile); rmErr != nil {
			log.Warnf("Failed to remove corrupt peers file %s: %v",
				a.peersFile, rmErr)
		}
		a.reset()
		str := fmt.Sprintf("failed to parse file %s: %v", a.peersFile, err)
		return makeError(ErrPersistence, str)
	}
	log.Infof("Loaded %d addresses from file '%s'", a.numAddresses(),
		a.peersFile)
	return nil
}

// deserializePeers reads the tables from the given file.  A missing file
// leaves the tables empty.
//
// This function MUST be called with the address manager lock held (for
// writes).
func (a *AddrManager) deserializePeers(filePath string) error {
	r, err := os.Open(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error opening file: %w", err)
	}
	defer r.Close()

	var sam serializedAddrManager
	dec := json.NewDecoder(r)
	if err := dec.Decode(&sam); err != nil {
		return fmt.Errorf("error reading %s: %w", filePath, err)
	}

	if sam.Version < 1 {
		return fmt.Errorf("unknown version %v in serialized addrmanager",
			sam.Version)
	}
	if sam.Version > serialisationVersion {
		log.Warnf("Peers file %s has newer version %d, loading known "+
			"fields only", filePath, sam.Version)
	}

	a.key = sam.Key
	if sam.Version >= serialisationVersion {
		a.extra = sam.Extra
	}
	for _, ska := range sam.Addresses {
		svc, err := ParseService(ska.Addr)
		if err != nil {
			return fmt.Errorf("failed to deserialize address %s: %w",
				ska.Addr, err)
		}
		src, err := ParseNetAddr(ska.Src)
		if err != nil {
			return fmt.Errorf("failed to deserialize source %s: %w",
				ska.Src, err)
		}
		svc.Services = ServiceFlag(ska.Services)

		k := svc.Key()
		if a.addrIndex[k] != nil {
			log.Debugf("Skipping duplicate address %s in %s", k, filePath)
			continue
		}
		ka := &KnownAddress{
			svc:         svc,
			srcAddr:     src,
			timestamp:   unixTime(ska.TimeStamp),
			attempts:    ska.Attempts,
			lastAttempt: unixTime(ska.LastAttempt),
			lastSuccess: unixTime(ska.LastSuccess),
			extra:       ska.Extra,
		}
		a.restore(ka, ska.Tried)
	}

	a.addrChanged = false
	return nil
}

// restore places a loaded address in its table.  A tried address whose slot is
// taken falls back to its new table slot, and an address whose new table slot
// is taken is dropped.
//
// This function MUST be called with the address manager lock held (for
// writes).
func (a *AddrManager) restore(ka *KnownAddress, tried bool) {
	k := ka.svc.Key()
	if tried {
		bucket, slot := a.triedPosition(k)
		if a.addrTried[bucket][slot] == nil {
			a.placeTried(ka, bucket, slot)
			return
		}
	}
	bucket, slot := a.newPosition(k, ka.srcAddr)
	if a.addrNew[bucket][slot] != nil {
		log.Debugf("Dropping %s from %s: slot taken", k, a.peersFile)
		return
	}
	a.placeNew(ka, bucket, slot)
}
