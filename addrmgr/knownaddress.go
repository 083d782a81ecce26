// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2015-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"encoding/json"
	"math"
	"time"
)

// KnownAddress tracks information about a known network address that is used
// to determine how viable an address is.
//
// Values handed out by the address manager are snapshots.  Modifying the
// address manager afterwards does not affect them.
type KnownAddress struct {
	// svc is the service endpoint the known address represents.
	svc Service

	// srcAddr is the address of the peer that reported svc.
	srcAddr NetAddr

	// timestamp is the last time the address was seen on the network.
	timestamp time.Time

	// The following fields track the attempts made to connect to the
	// address.  A successful connection resets the number of attempts to
	// zero.
	attempts    int
	lastAttempt time.Time
	lastSuccess time.Time

	// tried indicates whether the address lives in the tried table.  bucket
	// and slot locate it within that table.
	tried  bool
	bucket int
	slot   int

	// extra holds fields from the address file that this version does not
	// understand so they survive a rewrite.
	extra map[string]json.RawMessage
}

// Service returns the service endpoint of the known address.
func (ka *KnownAddress) Service() Service {
	return ka.svc
}

// Source returns the address of the peer that reported the known address.
func (ka *KnownAddress) Source() NetAddr {
	return ka.srcAddr
}

// Timestamp returns the last time the address was seen on the network.
func (ka *KnownAddress) Timestamp() time.Time {
	return ka.timestamp
}

// Attempts returns the number of failed attempts since the last success.
func (ka *KnownAddress) Attempts() int {
	return ka.attempts
}

// LastAttempt returns the last time the known address was attempted.
func (ka *KnownAddress) LastAttempt() time.Time {
	return ka.lastAttempt
}

// LastSuccess returns the last time a connection to the address succeeded.
func (ka *KnownAddress) LastSuccess() time.Time {
	return ka.lastSuccess
}

// Tried returns whether the address is in the tried table.
func (ka *KnownAddress) Tried() bool {
	return ka.tried
}

// clone returns a copy of the known address that does not share the extra
// field map.
func (ka *KnownAddress) clone() *KnownAddress {
	c := *ka
	c.extra = nil
	return &c
}

// chance returns the selection probability for a known address.  The priority
// depends upon how recently the address was last attempted and how often
// attempts to connect to it have failed.
func (ka *KnownAddress) chance(now time.Time) float64 {
	c := 1.0

	// Very recent attempts are less likely to be retried.
	if now.Sub(ka.lastAttempt) < 10*time.Minute {
		c *= 0.01
	}

	// Failed attempts deprioritise.
	c *= math.Pow(0.66, math.Min(float64(ka.attempts), 8))
	return c
}

// isTerrible returns true if the address has not been attempted in the last
// minute and meets one of the following criteria:
// 1) It claims to be from more than ten minutes in the future
// 2) It hasn't been seen in over a month
// 3) It has failed at least three times and never succeeded
// 4) It has failed maxFailures times without a success in the last week
// An address that meets any of these criteria is assumed to be worthless.
func (ka *KnownAddress) isTerrible(now time.Time) bool {
	const day = 24 * time.Hour

	switch {
	// Wait a minute after the last attempt.
	case !ka.lastAttempt.IsZero() && now.Sub(ka.lastAttempt) < time.Minute:
		return false

	// From the future?
	case ka.timestamp.After(now.Add(10 * time.Minute)):
		return true

	// Over a month old?
	case ka.timestamp.Before(now.Add(-numMissingDays * day)):
		return true

	// Never succeeded?
	case ka.lastSuccess.IsZero() && ka.attempts >= numRetries:
		return true

	// Hasn't succeeded in too long?
	case now.Sub(ka.lastSuccess) > minBadDays*day && ka.attempts >= maxFailures:
		return true
	}

	return false
}
