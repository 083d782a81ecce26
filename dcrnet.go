// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/decred/dcrnet/internal/version"
	"golang.org/x/sync/errgroup"
)

var cfg *config

// openListeners listens on the provided addresses.  Addresses that can not be
// listened on are skipped with a warning, but at least one listener must be
// opened.
func openListeners(addrs []string) ([]net.Listener, error) {
	listeners := make([]net.Listener, 0, len(addrs))
	for _, addr := range addrs {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			dcrnLog.Warnf("Can't listen on %s: %v", addr, err)
			continue
		}
		listeners = append(listeners, listener)
	}
	if len(addrs) > 0 && len(listeners) == 0 {
		return nil, errors.New("no valid listen address")
	}
	return listeners, nil
}

// dcrnetMain is the real main function for dcrnet.  It is necessary to work
// around the fact that deferred functions do not run when os.Exit() is called.
func dcrnetMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	tcfg, _, err := loadConfig(appName, os.Args[1:])
	if err != nil {
		usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
		fmt.Fprintln(os.Stderr, err)
		var e errSuppressUsage
		if !errors.As(err, &e) {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Get a context that will be canceled when a shutdown signal has been
	// triggered from an OS signal such as SIGINT (Ctrl+C).
	ctx := shutdownListener()
	defer dcrnLog.Info("Shutdown complete")

	// Show version and home dir at startup.
	dcrnLog.Infof("Version %s (Go version %s %s/%s)", version.String(),
		runtime.Version(), runtime.GOOS, runtime.GOARCH)
	dcrnLog.Infof("Home dir: %s", cfg.HomeDir)
	if cfg.NoFileLogging {
		dcrnLog.Info("File logging disabled")
	}

	// Enable http profile server if requested.  The stop call is deferred
	// so the server is stopped during process shutdown.
	var profiler profileServer
	defer profiler.Stop()
	if cfg.Profile != "" {
		const allowNonLoopback = true
		if err := profiler.Start(cfg.Profile, allowNonLoopback); err != nil {
			dcrnLog.Warnf("unable to start profile server: %v", err)
			return err
		}
	}

	// Return now if an interrupt signal was triggered.
	if shutdownRequested(ctx) {
		return nil
	}

	listeners, err := openListeners(cfg.Listeners)
	if err != nil {
		dcrnLog.Errorf("Unable to listen: %v", err)
		return err
	}
	closeListeners := func() {
		for _, listener := range listeners {
			listener.Close()
		}
	}

	var metrics *serverMetrics
	var metricsListener net.Listener
	if cfg.MetricsListen != "" {
		metricsListener, err = net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			dcrnLog.Errorf("Unable to listen for metrics: %v", err)
			closeListeners()
			return err
		}
		metrics = newServerMetrics()
	}

	s, err := newServer(cfg, listeners, metrics)
	if err != nil {
		dcrnLog.Errorf("Unable to start server: %v", err)
		closeListeners()
		if metricsListener != nil {
			metricsListener.Close()
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if metricsListener != nil {
		g.Go(func() error {
			return metrics.serve(gctx, metricsListener)
		})
	}
	g.Go(func() error {
		return s.run(gctx)
	})
	if err := g.Wait(); err != nil {
		dcrnLog.Errorf("%v", err)
		return err
	}
	return nil
}

func main() {
	// Work around defer not working after os.Exit()
	if err := dcrnetMain(); err != nil {
		os.Exit(1)
	}
}
