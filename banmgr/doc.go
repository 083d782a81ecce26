// Copyright (c) 2021-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package banmgr implements a concurrency-safe table of banned hosts and subnets.

Bans target either a single host or a subnet and carry a reason and an absolute
expiry.  Expired entries are treated as absent, removed lazily when they are
looked up, and removed in bulk by SweepExpired.  Banning the same target again
merges the entries so that the later expiry wins and a manual ban is never
shortened by a misbehavior ban.

The ban manager also tracks a misbehavior score per host.  Once a host's score
crosses the configured threshold it is banned for the configured duration.
Hosts in the whitelist are never reported as banned.

The table is persisted in a leveldb database so bans survive restarts.  Each
entry is stored under its own key with a versioned value, and bytes appended by
newer versions are preserved when the entry is rewritten.
*/
package banmgr
