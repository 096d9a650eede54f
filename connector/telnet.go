// Copyright 2018-2019 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package connector

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ptyctl/ptyctl/ptyerr"
	"github.com/ptyctl/ptyctl/telnet"
)

const telnetSecurityWarning = "telnet transmits all data, including credentials, in cleartext"

// TelnetConnector opens a raw TCP connection and filters it through the
// telnet package's codec.
type TelnetConnector struct{}

// Open implements Connector.
func (c *TelnetConnector) Open(ctx context.Context, params OpenParams) (*OpenResult, error) {
	if params.Host == "" {
		return nil, ptyerr.New(ptyerr.InvalidArgument, "host is required")
	}
	port := params.Port
	if port == 0 {
		port = 23
	}

	timeout := time.Duration(params.Timeouts.ConnectTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(params.Host, strconv.Itoa(port)))
	if err != nil {
		return nil, ptyerr.New(ptyerr.ConnectFailed, "dialing %s:%d: %v", params.Host, port, err)
	}

	term := params.PTY.Term
	if term == "" {
		term = "xterm-256color"
	}
	codec := telnet.New(conn, term)
	if params.PTY.Cols != 0 || params.PTY.Rows != 0 {
		codec.SetSize(uint16(params.PTY.Cols), uint16(params.PTY.Rows))
	}

	h := &telnetHandle{conn: conn, codec: codec}

	return &OpenResult{
		Handle:           h,
		SecurityWarning:  telnetSecurityWarning,
		PTYEnabled:       false,
		SupportsResize:   true,
		SupportsExitCode: ExitCodeBestEffort,
	}, nil
}

type telnetHandle struct {
	conn  net.Conn
	codec *telnet.Codec

	mu      sync.Mutex
	pending []byte // NVT bytes extracted but not yet delivered to Read
	raw     [4096]byte
}

func (h *telnetHandle) Write(p []byte) (int, error) { return h.conn.Write(p) }

// Read pulls raw bytes off the socket, runs them through the telnet
// codec (which may synchronously write negotiation replies back on the
// same connection), and returns only the resulting NVT data.
func (h *telnetHandle) Read(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for len(h.pending) == 0 {
		n, err := h.conn.Read(h.raw[:])
		if n > 0 {
			nvt, ferr := h.codec.Feed(h.raw[:n])
			h.pending = append(h.pending, nvt...)
			if ferr != nil {
				return 0, fmt.Errorf("telnet negotiation reply: %w", ferr)
			}
		}
		if err != nil {
			if len(h.pending) > 0 {
				break
			}
			return 0, err
		}
	}

	n := copy(p, h.pending)
	h.pending = h.pending[n:]
	return n, nil
}

func (h *telnetHandle) Resize(cols, rows int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.codec.Resize(uint16(cols), uint16(rows))
}

func (h *telnetHandle) Close(force bool) error {
	_ = force
	return h.conn.Close()
}
