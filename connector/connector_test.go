// Copyright 2018-2019 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package connector

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ptyctl/ptyctl/telnet"
)

func TestBuildSSHArgsPasswordAuth(t *testing.T) {
	params := OpenParams{
		Host:     "10.0.0.5",
		Username: "admin",
		Auth:     Auth{Method: AuthPassword, Password: "secret"},
		SSHOptions: SSHOptions{
			HostKeyPolicy: HostKeyAcceptNew,
			ProxyJump:     "bastion.example.com",
		},
	}
	args, askpass, err := buildSSHArgs(params, 22, "admin", "")
	if err != nil {
		t.Fatal(err)
	}
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"StrictHostKeyChecking=accept-new",
		"-J bastion.example.com",
		"PreferredAuthentications=password",
		"admin@10.0.0.5",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args %q missing %q", joined, want)
		}
	}
	if askpass.path == "" {
		t.Fatal("expected an askpass helper to be created for password auth")
	}
}

func TestBuildSSHArgsPrivateKeyAuth(t *testing.T) {
	params := OpenParams{
		Host: "host1",
		Auth: Auth{Method: AuthPrivateKey},
		SSHOptions: SSHOptions{
			HostKeyPolicy: HostKeyDisabled,
		},
	}
	args, _, err := buildSSHArgs(params, 2222, "", "/tmp/key.pem")
	if err != nil {
		t.Fatal(err)
	}
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"StrictHostKeyChecking=no",
		"UserKnownHostsFile=/dev/null",
		"-i /tmp/key.pem",
		"-p 2222",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args %q missing %q", joined, want)
		}
	}
}

func TestTelnetHandleFiltersNegotiationAndReplies(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()

	codec := telnet.New(clientConn, "xterm")
	h := &telnetHandle{conn: clientConn, codec: codec}

	go func() {
		serverConn.Write([]byte{telnet.IAC, telnet.DO, telnet.OptEcho})
		serverConn.Write([]byte("hello"))
	}()

	// The codec writes its reply from inside h.Read, so Read has to be
	// running while the server side waits for that reply.
	type readResult struct {
		data []byte
		err  error
	}
	readCh := make(chan readResult, 1)
	go func() {
		buf := make([]byte, 16)
		n, err := h.Read(buf)
		readCh <- readResult{data: buf[:n], err: err}
	}()

	reply := make([]byte, 16)
	serverConn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := serverConn.Read(reply)
	if err != nil {
		t.Fatal(err)
	}
	if !bytesEqual(reply[:n], []byte{telnet.IAC, telnet.WONT, telnet.OptEcho}) {
		t.Fatalf("got reply %v, want WONT ECHO", reply[:n])
	}

	r := <-readCh
	if r.err != nil {
		t.Fatal(r.err)
	}
	if string(r.data) != "hello" {
		t.Fatalf("got %q, want %q", r.data, "hello")
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
