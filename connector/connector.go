// Copyright 2018-2019 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package connector implements the pluggable transport abstraction: a
// Connector opens an SSH or Telnet transport and hands the session a
// byte-duplex Handle. The SSH implementation bridges a subprocess and
// a pseudoterminal via creack/pty, resolves per-host settings with
// kevinburke/ssh_config, and verifies host-key fingerprints with
// golang.org/x/crypto/ssh. The Telnet implementation wires the
// sibling telnet package onto a raw net.Conn.
package connector

import "context"

// Protocol selects which transport Open uses.
type Protocol string

const (
	ProtocolSSH    Protocol = "ssh"
	ProtocolTelnet Protocol = "telnet"
)

// AuthMethod selects how the SSH connector authenticates.
type AuthMethod string

const (
	AuthPassword   AuthMethod = "password"
	AuthPrivateKey AuthMethod = "private_key"
	AuthAgent      AuthMethod = "agent"
	AuthAuto       AuthMethod = "auto"
)

// Auth carries SSH credential material. Password, PrivateKeyPEM, and
// Passphrase must be redacted by callers before logging.
type Auth struct {
	Method        AuthMethod
	Password      string
	PrivateKeyPEM string
	Passphrase    string
}

// HostKeyPolicy maps to OpenSSH's StrictHostKeyChecking values.
type HostKeyPolicy string

const (
	HostKeyStrict     HostKeyPolicy = "strict"
	HostKeyAcceptNew  HostKeyPolicy = "accept_new"
	HostKeyDisabled   HostKeyPolicy = "disabled"
)

// SSHOptions configures the OpenSSH client subprocess.
type SSHOptions struct {
	HostKeyPolicy      HostKeyPolicy
	KnownHostsPath     string
	HostKeyFingerprint string
	UseOpenSSHConfig   bool
	ConfigPath         string
	ExtraArgs          []string
	ProxyJump          string
}

// PTYParams describes the pseudoterminal the caller wants allocated.
type PTYParams struct {
	Enabled bool
	Cols    int
	Rows    int
	Term    string
}

// Timeouts bounds connect and idle behavior.
type Timeouts struct {
	ConnectTimeoutMs int
	IdleTimeoutMs    int
}

// OpenParams is the full parameter set for Connector.Open, matching the
// `open` tool action's connector-relevant fields.
type OpenParams struct {
	Protocol   Protocol
	Host       string
	Port       int
	Username   string
	Auth       Auth
	PTY        PTYParams
	Timeouts   Timeouts
	SSHOptions SSHOptions
}

// SupportsExitCode describes how reliably the connector's transport can
// report a remote exit code.
type SupportsExitCode string

const (
	ExitCodeTrue       SupportsExitCode = "true"
	ExitCodeFalse      SupportsExitCode = "false"
	ExitCodeBestEffort SupportsExitCode = "best_effort"
)

// OpenResult is what Connector.Open returns on success.
type OpenResult struct {
	Handle           Handle
	ServerBanner     string
	SecurityWarning  string
	PTYEnabled       bool
	SupportsResize   bool
	SupportsExitCode SupportsExitCode
}

// Handle is the byte-duplex transport handle a Session's pump reads
// from and a Session's write/exec operations write to.
type Handle interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Resize(cols, rows int) error
	Close(force bool) error
}

// Connector opens a transport for a Session.
type Connector interface {
	Open(ctx context.Context, params OpenParams) (*OpenResult, error)
}

// ForProtocol returns the Connector implementation for p.
func ForProtocol(p Protocol) (Connector, bool) {
	switch p {
	case ProtocolSSH:
		return &SSHConnector{}, true
	case ProtocolTelnet:
		return &TelnetConnector{}, true
	default:
		return nil, false
	}
}
