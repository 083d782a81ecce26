// Copyright (c) 2024-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"net/netip"
	"strconv"
	"sync"
	"time"
)

// portToLocalHostAddr prepends a default host of 127.0.0.1 when the provided
// address is solely a port number.
func portToLocalHostAddr(addr string) string {
	if _, err := strconv.Atoi(addr); err == nil {
		addr = net.JoinHostPort("127.0.0.1", addr)
	}
	return addr
}

// validateProfileAddr ensures the provided address is of the form "host:port"
// and that the port is between 1024 and 65535.
func validateProfileAddr(addr string) error {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if port, _ := strconv.Atoi(portStr); port < 1024 || port > 65535 {
		str := "address %q: port must be between 1024 and 65535"
		return fmt.Errorf(str, addr)
	}
	return nil
}

// profileServer serves the pprof profiling endpoints over HTTP.
type profileServer struct {
	wg       sync.WaitGroup
	mtx      sync.Mutex
	server   *http.Server
	listener net.Listener
}

// Start listens on the provided address and serves the profiling endpoints in
// the background.  Addresses that are solely a port number listen on the IPv4
// loopback address.  Non loopback addresses are refused unless
// allowNonLoopback is set.
//
// It has no effect when the server is already running.  It is the caller's
// responsibility to call Stop.
func (s *profileServer) Start(listenAddr string, allowNonLoopback bool) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.server != nil {
		return nil
	}

	listenAddr = portToLocalHostAddr(listenAddr)
	if err := validateProfileAddr(listenAddr); err != nil {
		return err
	}
	if !allowNonLoopback {
		addr, err := netip.ParseAddrPort(listenAddr)
		if err != nil || !addr.Addr().IsLoopback() {
			return fmt.Errorf("not permitted to listen on non loopback "+
				"address %q", listenAddr)
		}
	}

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("unable to listen on %s: %w", listenAddr, err)
	}

	// The pprof package registers its handlers with the default mux.
	s.server = &http.Server{
		Handler:           http.DefaultServeMux,
		ReadHeaderTimeout: 3 * time.Second,
	}
	s.listener = listener
	dcrnLog.Infof("Profiling server listening on %s", listener.Addr())
	s.wg.Add(1)
	go func(srv *http.Server) {
		defer s.wg.Done()
		err := srv.Serve(listener)
		if !errors.Is(err, http.ErrServerClosed) {
			dcrnLog.Errorf("Profiling server listening on %s exited with "+
				"unexpected error: %v", listener.Addr(), err)
		}
	}(s.server)
	return nil
}

// Stop closes the listener and every connection to the profile server.  It
// has no effect when the server is not running.
func (s *profileServer) Stop() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.server == nil {
		return nil
	}
	err := s.server.Close()
	s.server = nil
	s.listener = nil
	s.wg.Wait()
	if err != nil {
		dcrnLog.Errorf("Profiling server stopped with unexpected error: %v",
			err)
		return err
	}
	dcrnLog.Info("Profiling server stopped")
	return nil
}

// Addr returns the address the profile server listens on or nil when it is not
// running.
func (s *profileServer) Addr() net.Addr {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
