// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/decred/dcrnet/addrmgr"
	"github.com/decred/dcrnet/banmgr"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestNilMetrics ensures a nil metrics instance records nothing without
// panicking.
func TestNilMetrics(t *testing.T) {
	var m *serverMetrics
	m.recordHandshake("established")
	m.recordMessage("in", 10)
	m.update(nil, nil)
}

// TestServerMetrics ensures the gauges reflect the state of the network
// service and are served over HTTP.
func TestServerMetrics(t *testing.T) {
	metrics := newServerMetrics()
	s := newTestServer(t, testConfig(t, func(net.Conn) {}), metrics)

	now := time.Now()
	src := addrmgr.NewNetAddr(net.ParseIP("173.194.115.66"))
	s.svc.AddNewAddresses([]addrmgr.Address{
		addrmgr.NewAddress(net.ParseIP("12.1.0.1"), 9108,
			addrmgr.SFNodeNetwork, now),
		addrmgr.NewAddress(net.ParseIP("13.1.0.1"), 9108,
			addrmgr.SFNodeNetwork, now),
	}, src, 0)
	good := addrmgr.NewService(net.ParseIP("12.1.0.1"), 9108,
		addrmgr.SFNodeNetwork)
	if err := s.svc.MarkAddressGood(good); err != nil {
		t.Fatalf("MarkAddressGood: unexpected error: %v", err)
	}
	target := banmgr.NewHostTarget(addrmgr.NewNetAddr(net.ParseIP("14.1.0.1")))
	s.svc.Ban(target, banmgr.BanReasonManuallyAdded, time.Hour, false)

	metrics.update(s.svc, s.amgr)
	if got := testutil.ToFloat64(metrics.addresses.WithLabelValues("new")); got != 1 {
		t.Errorf("unexpected new addresses -- got %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.addresses.WithLabelValues("tried")); got != 1 {
		t.Errorf("unexpected tried addresses -- got %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.bans); got != 1 {
		t.Errorf("unexpected bans -- got %v, want 1", got)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- metrics.serve(ctx, listener)
	}()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve: unexpected error: %v", err)
		}
	}()

	resp, err := http.Get("http://" + listener.Addr().String() +
		defaultMetricsPath)
	if err != nil {
		t.Fatalf("unable to fetch metrics: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("unable to read metrics: %v", err)
	}
	for _, name := range []string{"dcrnet_addresses", "dcrnet_bans"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metric %s not served", name)
		}
	}
}
