// Copyright 2018-2019 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command ptyctld is the long-lived controller daemon: it exposes the
// ptyctl_session/_exec/_io/_config tool surface over stdio or HTTP,
// and optionally a local control socket, backed by a single
// process-wide session registry.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ptyctl/ptyctl/config"
	"github.com/ptyctl/ptyctl/control"
	"github.com/ptyctl/ptyctl/ds"
	"github.com/ptyctl/ptyctl/ptylog"
	"github.com/ptyctl/ptyctl/registry"
	"github.com/ptyctl/ptyctl/rpcserver"
)

var (
	transport     = flag.String("transport", "", "tool transport: stdio or http (overrides PTYCTL_TRANSPORT)")
	httpListen    = flag.String("http-listen", "", "address to listen on when -transport=http")
	logLevel      = flag.String("log-level", "", "off, error, info, or debug")
	controlSocket = flag.String("control-socket", "", "control socket path (default: XDG runtime dir, then /run/user/<uid>, then /tmp)")
	controlMode   = flag.String("control-mode", "", "disabled, readonly, or readwrite")
	bearerToken   = flag.String("bearer-token", "", "required Authorization: Bearer token for -transport=http")
	maxSessions   = flag.Int("max-sessions", 0, "override the default session-count limit")

	dnssdEnabled  = flag.Bool("dnssd", false, "advertise this instance via DNS-SD")
	dnssdInstance = flag.String("dnssd-instance", "", "DNS-SD instance name (default: hostname-ptyctld)")
	dnssdDomain   = flag.String("dnssd-domain", "local", "DNS-SD domain")
	dnssdService  = flag.String("dnssd-service", ds.DefaultService, "DNS-SD service type")
	dnssdIface    = flag.String("dnssd-iface", "", "DNS-SD interface to advertise on")
	dnssdTxt      = flag.String("dnssd-txt", "", "extra DNS-SD TXT key=value pairs, comma separated")
)

func main() {
	flag.Parse()

	cfg := config.FromEnvironment(config.Default())
	if *transport != "" {
		cfg.Transport = config.Transport(*transport)
	}
	if *httpListen != "" {
		cfg.HTTPListen = *httpListen
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *controlSocket != "" {
		cfg.ControlSocket = *controlSocket
	}
	if *controlMode != "" {
		cfg.ControlMode = config.ControlMode(*controlMode)
	}
	if *bearerToken != "" {
		cfg.BearerToken = *bearerToken
	}
	if *maxSessions > 0 {
		cfg.MaxSessions = *maxSessions
	}

	ptylog.SetLevel(ptylog.ParseLevel(cfg.LogLevel))

	reg := registry.New(registry.Limits{
		MaxSessions:          cfg.MaxSessions,
		OutputBufferMaxBytes: cfg.OutputBufferMaxBytes,
		OutputBufferMaxLines: cfg.OutputBufferMaxLines,
		IdleTimeoutMs:        cfg.IdleTimeoutMs,
		RecordTxEvents:       cfg.RecordTxEvents,
	})
	reg.StartReaper(30 * time.Second)
	defer reg.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcher := &rpcserver.Dispatcher{Registry: reg}

	if *dnssdEnabled {
		if err := startDiscovery(reg, cfg); err != nil {
			ptylog.Errorf("dnssd: %v", err)
		} else {
			defer ds.Unregister()
		}
	}

	ctrl := &control.Server{
		Path:       control.ResolveSocketPath(cfg.ControlSocket),
		Mode:       cfg.ControlMode,
		Dispatcher: dispatcher,
	}
	ctrlErrCh := make(chan error, 1)
	go func() { ctrlErrCh <- ctrl.ListenAndServe(ctx) }()

	toolErrCh := make(chan error, 1)
	switch cfg.Transport {
	case config.TransportHTTP:
		go func() { toolErrCh <- serveHTTP(ctx, dispatcher, cfg) }()
	default:
		go func() { toolErrCh <- rpcserver.RunStdio(ctx, dispatcher, os.Stdin, os.Stdout) }()
	}

	ptylog.Infof("ptyctld running (transport=%s control-mode=%s)", cfg.Transport, cfg.ControlMode)

	select {
	case <-ctx.Done():
		ptylog.Infof("shutting down")
	case err := <-toolErrCh:
		if err != nil {
			ptylog.Errorf("tool transport: %v", err)
		}
	case err := <-ctrlErrCh:
		if err != nil {
			ptylog.Errorf("control socket: %v", err)
		}
	}

	if err := reg.CloseAll(true); err != nil {
		log.Printf("closing sessions: %v", err)
	}
}

func serveHTTP(ctx context.Context, d *rpcserver.Dispatcher, cfg config.Config) error {
	h := &rpcserver.HTTPHandler{Dispatcher: d, BearerToken: cfg.BearerToken}
	srv := &http.Server{Addr: cfg.HTTPListen, Handler: h}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func startDiscovery(reg *registry.Registry, cfg config.Config) error {
	txt := ds.ParseKv(*dnssdTxt)
	ds.SetSessionCounter(func() int { return len(reg.List()) })

	port := 0
	if cfg.Transport == config.TransportHTTP {
		if _, p, err := splitHostPort(cfg.HTTPListen); err == nil {
			port = p
		}
	}
	return ds.Register(*dnssdInstance, *dnssdDomain, *dnssdService, *dnssdIface, port, txt)
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
