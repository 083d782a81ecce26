// Copyright (c) 2014 The btcsuite developers
// Copyright (c) 2015-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package addrmgr implements a concurrency-safe peer address manager.

# Address Manager Overview

A peer-to-peer network is dynamic since nodes connect and disconnect as they
please.  Each node must manage a source of addresses to connect to and share
with other nodes.  Peers gossip known addresses to each other, so each node
needs a way to store those addresses and select peers from them.  However,
remote peers cannot be trusted.  A remote peer might send invalid addresses, or
worse, only send addresses they control with malicious intent.

With that in mind, this package provides a concurrency-safe address manager for
caching and selecting peers in a non-deterministic manner.  The general idea is
that the caller adds addresses to the address manager and notifies it when
addresses are connected, known good, and attempted.  The caller also requests
addresses as it needs them.

The address manager internally segregates the addresses into groups and
non-deterministically selects groups in a cryptographically random manner.  This
reduces the chances of selecting multiple addresses from the same network, which
generally helps provide greater peer diversity.  More importantly, it
drastically reduces the chances of an attacker coercing your peer into
connecting only to nodes they control.

# Tables

Addresses live in exactly one of two fixed-size tables.  The new table holds
1024 buckets of 64 slots for addresses that have been heard about but never
successfully connected to.  The tried table holds 256 buckets of 64 slots for
addresses with at least one successful connection.  The bucket and slot of an
address are derived by hashing it together with its network group, the group
of the peer that reported it, and a random key that is generated when the
address file is first created.  An attacker controlling a single network group
is therefore confined to a small number of buckets.

When a new address maps to an occupied slot, a terrible occupant is always
evicted.  An occupant that has never succeeded and is older than the incoming
address is evicted half of the time.  Otherwise the incoming address is
dropped.  Promoting an address to the tried table
moves any occupant of its tried slot back to its new slot.

The address manager also understands routability, and tries hard to only return
routable addresses.  In addition, it uses the information provided by the caller
about connected, known good, and attempted addresses to periodically purge peers
which no longer appear to be good, as well as to bias the selection toward known
good peers.  The general idea is to make a best effort to only provide usable
addresses.
*/
package addrmgr
