// Copyright (c) 2016 The btcsuite developers
// Copyright (c) 2019-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/decred/dcrd/crypto/rand"
	"github.com/decred/dcrnet/addrmgr"
	"github.com/lightningnetwork/lnd/clock"
	"golang.org/x/sync/errgroup"
)

const (
	// These constants are used by the DNS seed code to pick a random last
	// seen time.
	seedMinAge   = 3 * 24 * time.Hour
	seedAgeRange = 4 * 24 * time.Hour
)

// OnSeed is the signature of the callback function which is invoked when DNS
// seeding is successful.  The source is the first address the seed returned.
type OnSeed func(addrs []addrmgr.Address, src addrmgr.NetAddr)

// LookupFunc is the signature of the DNS lookup function.
type LookupFunc func(string) ([]net.IP, error)

// seedHost returns the host queried for the provided seed and required
// services.  Seeds filter the returned addresses by the services encoded in
// an "x<hex services>" subdomain.
func seedHost(seed string, reqServices addrmgr.ServiceFlag) string {
	if reqServices == addrmgr.SFNodeNetwork || reqServices == addrmgr.SFNodeNone {
		return seed
	}
	return fmt.Sprintf("x%x.%s", uint64(reqServices), seed)
}

// SeedFromDNS queries the DNS seeds concurrently and passes the addresses each
// of them returns to seedFn.  Addresses are given a random last seen time
// between three and seven days before the time of the provided clock.  It
// returns once every seed was queried or the context is done and reports the
// number of addresses found.
func SeedFromDNS(ctx context.Context, clk clock.Clock, dnsSeeds []string, defaultPort uint16, reqServices addrmgr.ServiceFlag, lookupFn LookupFunc, seedFn OnSeed) int {
	g, ctx := errgroup.WithContext(ctx)
	found := make([]int, len(dnsSeeds))
	for i, seed := range dnsSeeds {
		host := seedHost(seed, reqServices)
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			seedpeers, err := lookupFn(host)
			if err != nil {
				log.Infof("DNS discovery failed on seed %s: %v", host, err)
				return nil
			}
			numPeers := len(seedpeers)

			log.Infof("%d addresses found from DNS seed %s", numPeers, host)

			if numPeers == 0 {
				return nil
			}
			now := clk.Now()
			addrs := make([]addrmgr.Address, 0, numPeers)
			for _, ip := range seedpeers {
				ts := now.Add(-seedMinAge - rand.Duration(seedAgeRange))
				addrs = append(addrs, addrmgr.NewAddress(ip, defaultPort,
					reqServices, ts))
			}
			seedFn(addrs, addrmgr.NewNetAddr(seedpeers[0]))
			found[i] = len(addrs)
			return nil
		})
	}
	_ = g.Wait()

	var total int
	for _, n := range found {
		total += n
	}
	return total
}
