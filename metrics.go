// Copyright (c) 2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/decred/dcrnet/addrmgr"
	"github.com/decred/dcrnet/netsvc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// serverMetrics holds the prometheus collectors of the server.  A nil
// *serverMetrics is valid and records nothing.
type serverMetrics struct {
	registry *prometheus.Registry

	slots      *prometheus.GaugeVec
	addresses  *prometheus.GaugeVec
	bans       prometheus.Gauge
	handshakes *prometheus.CounterVec
	messages   *prometheus.CounterVec
	bytes      *prometheus.CounterVec
}

// newServerMetrics returns the server metrics registered with a new registry.
func newServerMetrics() *serverMetrics {
	m := &serverMetrics{
		registry: prometheus.NewRegistry(),
		slots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dcrnet",
			Name:      "slots",
			Help:      "Number of connection slots per class and state.",
		}, []string{"class", "state"}),
		addresses: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dcrnet",
			Name:      "addresses",
			Help:      "Number of known addresses per table.",
		}, []string{"table"}),
		bans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dcrnet",
			Name:      "bans",
			Help:      "Number of active bans.",
		}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dcrnet",
			Name:      "handshakes_total",
			Help:      "Total handshake outcomes.",
		}, []string{"result"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dcrnet",
			Name:      "messages_total",
			Help:      "Total relayed messages by direction.",
		}, []string{"direction"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dcrnet",
			Name:      "message_bytes_total",
			Help:      "Total relayed message payload bytes by direction.",
		}, []string{"direction"}),
	}
	m.registry.MustRegister(m.slots, m.addresses, m.bans, m.handshakes,
		m.messages, m.bytes)
	return m
}

// recordHandshake counts a handshake outcome.
func (m *serverMetrics) recordHandshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
}

// recordMessage counts a relayed message of the provided size.
func (m *serverMetrics) recordMessage(direction string, size int) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(direction).Inc()
	m.bytes.WithLabelValues(direction).Add(float64(size))
}

// update refreshes the gauges from the current state of the network service.
func (m *serverMetrics) update(svc *netsvc.Service, amgr *addrmgr.AddrManager) {
	if m == nil {
		return
	}

	m.slots.Reset()
	for _, peer := range svc.Peers() {
		m.slots.WithLabelValues(peer.Class.String(), peer.State.String()).Inc()
	}

	tried := amgr.NumTried()
	m.addresses.WithLabelValues("new").Set(float64(amgr.NumAddresses() - tried))
	m.addresses.WithLabelValues("tried").Set(float64(tried))
	m.bans.Set(float64(len(svc.Banned())))
}

// serve serves the metrics over HTTP on the provided listener until the
// context is done.
func (m *serverMetrics) serve(ctx context.Context, listener net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(defaultMetricsPath, promhttp.HandlerFor(m.registry,
		promhttp.HandlerOpts{}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	dcrnLog.Infof("Metrics server listening on %s", listener.Addr())
	err := srv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
