// Copyright 2018-2019 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config resolves ptyctld's configuration, layering flags over
// environment variables over built-in defaults.
package config

import (
	"os"
	"strconv"

	"github.com/ptyctl/ptyctl/ptylog"
)

// ControlMode gates what the local control socket will serve.
type ControlMode string

const (
	ControlDisabled ControlMode = "disabled"
	ControlReadonly ControlMode = "readonly"
	ControlReadwrite ControlMode = "readwrite"
)

// Transport selects how the JSON-RPC tool surface is exposed.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
)

// Config is ptyctld's resolved runtime configuration.
type Config struct {
	MaxSessions          int
	OutputBufferMaxBytes int
	OutputBufferMaxLines int
	IdleTimeoutMs        int
	RecordTxEvents       bool
	ControlMode          ControlMode

	Transport      Transport
	HTTPListen     string
	LogLevel       string
	ControlSocket  string
	BearerToken    string
}

// Default returns the built-in configuration defaults.
func Default() Config {
	return Config{
		MaxSessions:          100,
		OutputBufferMaxBytes: 2 << 20,
		OutputBufferMaxLines: 20000,
		IdleTimeoutMs:        300000,
		RecordTxEvents:       false,
		ControlMode:          ControlReadonly,
		Transport:            TransportStdio,
		LogLevel:             "info",
	}
}

// FromEnvironment layers the PTYCTL_* environment overrides on top of
// cfg.
func FromEnvironment(cfg Config) Config {
	if v := os.Getenv("PTYCTL_TRANSPORT"); v != "" {
		cfg.Transport = Transport(v)
	}
	if v := os.Getenv("PTYCTL_HTTP_LISTEN"); v != "" {
		cfg.HTTPListen = v
	}
	if v := os.Getenv("PTYCTL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PTYCTL_CONTROL_SOCKET"); v != "" {
		cfg.ControlSocket = v
	}
	if v := os.Getenv("PTYCTL_CONTROL_MODE"); v != "" {
		cfg.ControlMode = ControlMode(v)
	}
	if v := os.Getenv("PTYCTL_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSessions = n
		} else {
			ptylog.Errorf("ignoring invalid PTYCTL_MAX_SESSIONS=%q: %v", v, err)
		}
	}
	return cfg
}

// DefaultControlSocketPaths returns the control socket search order,
// given the process's uid.
func DefaultControlSocketPaths(uid int) []string {
	var paths []string
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		paths = append(paths, dir+"/ptyctl.sock")
	}
	paths = append(paths,
		"/run/user/"+strconv.Itoa(uid)+"/ptyctl.sock",
		"/tmp/ptyctl-"+strconv.Itoa(uid)+".sock",
	)
	return paths
}
