// Copyright 2018-2019 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command ptyctl-attach is a thin operator CLI that attaches a local
// terminal to a ptyctld session over the control socket. It is a
// convenience tool outside the JSON-RPC tool surface proper: every
// request it sends is an ordinary JSON-RPC tool call (ptyctl_session_io
// read/write, ptyctl_session_config resize), framed the same way any
// other caller of the control socket is framed.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/u-root/u-root/pkg/termios"
	xterm "golang.org/x/term"

	"github.com/ptyctl/ptyctl/control"
	"github.com/ptyctl/ptyctl/ds"
)

var (
	socketPath = flag.String("socket", "", "control socket path (default: XDG runtime dir, then /run/user/<uid>, then /tmp)")
	sessionID  = flag.String("session", "", "session_id to attach to (required)")
	discover   = flag.String("discover", "", "dnssd:// URI of a ptyctld instance to resolve and report; the control socket is still used")
	pollEvery  = flag.Duration("poll", 100*time.Millisecond, "read-poll interval")
)

func main() {
	flag.Parse()
	if *sessionID == "" {
		fmt.Fprintln(os.Stderr, "ptyctl-attach: -session is required")
		os.Exit(2)
	}

	if *discover != "" {
		host, port, err := ds.LookupURI(*discover)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ptyctl-attach: resolving %s: %v\n", *discover, err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "ptyctl-attach: resolved %s to %s:%s (attach still requires a local control socket)\n", *discover, host, port)
	}

	path := control.ResolveSocketPath(*socketPath)
	conn, err := net.Dial("unix", path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ptyctl-attach: dialing %s: %v\n", path, err)
		os.Exit(1)
	}
	defer conn.Close()

	a := &attacher{conn: conn, enc: json.NewEncoder(conn), scanner: bufio.NewScanner(conn)}
	a.scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	oldState, err := xterm.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ptyctl-attach: raw mode unavailable, falling back to line mode: %v\n", err)
	} else {
		defer xterm.Restore(int(os.Stdin.Fd()), oldState)
	}

	if err := a.resize(); err != nil {
		fmt.Fprintf(os.Stderr, "ptyctl-attach: initial resize: %v\n", err)
	}

	sigwinch := make(chan os.Signal, 1)
	signal.Notify(sigwinch, syscall.SIGWINCH)
	go func() {
		for range sigwinch {
			a.resize()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go a.pumpOutput(ctx)
	a.pumpInput(cancel)
}

// attacher owns the single control-socket connection and cursor
// state for one attached session.
type attacher struct {
	conn    net.Conn
	enc     *json.Encoder
	scanner *bufio.Scanner
	nextID  int
	cursor  int64
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (a *attacher) call(method string, params interface{}) (json.RawMessage, error) {
	a.nextID++
	if err := a.enc.Encode(rpcRequest{JSONRPC: "2.0", ID: a.nextID, Method: method, Params: params}); err != nil {
		return nil, err
	}
	if !a.scanner.Scan() {
		if err := a.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	var resp rpcResponse
	if err := json.Unmarshal(a.scanner.Bytes(), &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s", resp.Error.Message)
	}
	return resp.Result, nil
}

func (a *attacher) resize() error {
	w, err := termios.GetWinSize(0)
	if err != nil {
		return err
	}
	_, err = a.call("ptyctl_session_config", map[string]interface{}{
		"action":     "resize",
		"session_id": *sessionID,
		"cols":       int(w.Col),
		"rows":       int(w.Row),
	})
	return err
}

// pumpOutput polls session_io read in cursor mode, starting from the
// last next_cursor, and writes whatever comes back straight to stdout.
func (a *attacher) pumpOutput(ctx context.Context) {
	ticker := time.NewTicker(*pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := a.call("ptyctl_session_io", map[string]interface{}{
				"action":     "read",
				"session_id": *sessionID,
				"mode":       "cursor",
				"cursor":     a.cursor,
				"timeout_ms": 0,
				"max_bytes":  65536,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "\r\nptyctl-attach: read: %v\r\n", err)
				return
			}
			var decoded struct {
				Data       string `json:"data"`
				NextCursor int64  `json:"next_cursor"`
				EOF        bool   `json:"eof"`
			}
			if err := json.Unmarshal(result, &decoded); err != nil {
				continue
			}
			if decoded.Data != "" {
				os.Stdout.WriteString(decoded.Data)
			}
			a.cursor = decoded.NextCursor
			if decoded.EOF {
				fmt.Fprintln(os.Stderr, "\r\nptyctl-attach: session closed")
				os.Exit(0)
			}
		}
	}
}

// pumpInput relays local keystrokes to the session, recognizing the
// ~. local escape: a tilde at the start of a line followed by '.'
// detaches locally without sending anything further to the remote
// session.
func (a *attacher) pumpInput(cancel context.CancelFunc) {
	defer cancel()
	var newLine, tilde bool
	var buf [1]byte
	for {
		if _, err := os.Stdin.Read(buf[:]); err != nil {
			return
		}
		b := buf[0]
		switch {
		case tilde && b == '.':
			return
		case b == '~' && newLine:
			tilde = true
			newLine = false
			continue
		default:
			tilde = false
		}
		newLine = b == '\n' || b == '\r'

		if _, err := a.call("ptyctl_session_io", map[string]interface{}{
			"action":     "write",
			"session_id": *sessionID,
			"data":       string(buf[:]),
			"encoding":   "utf-8",
		}); err != nil {
			fmt.Fprintf(os.Stderr, "\r\nptyctl-attach: write: %v\r\n", err)
			return
		}
	}
}
