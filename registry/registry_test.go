// Copyright 2018-2019 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/ptyctl/ptyctl/connector"
	"github.com/ptyctl/ptyctl/ptyerr"
	"github.com/ptyctl/ptyctl/session"
)

// stubConnector always succeeds and hands out a stubHandle. Registry.Open
// resolves connectors through connector.ForProtocol, so the tests below
// do not route through it; they build sessions from stubHandle directly.
type stubConnector struct{}

func (stubConnector) Open(ctx context.Context, params connector.OpenParams) (*connector.OpenResult, error) {
	return &connector.OpenResult{Handle: &stubHandle{outbound: make(chan []byte)}}, nil
}

type stubHandle struct{ outbound chan []byte }

func (h *stubHandle) Write(p []byte) (int, error) { return len(p), nil }
func (h *stubHandle) Read(p []byte) (int, error) {
	data, ok := <-h.outbound
	if !ok {
		return 0, io.EOF
	}
	return copy(p, data), nil
}
func (h *stubHandle) Resize(int, int) error { return nil }
func (h *stubHandle) Close(bool) error {
	close(h.outbound)
	return nil
}

func withStubProtocol(t *testing.T) connector.Protocol {
	t.Helper()
	// ForProtocol only knows ssh/telnet; console uniqueness tests route
	// through ssh since the stub never actually dials anything.
	return connector.ProtocolSSH
}

func TestConsoleUniquenessReturnsSameSession(t *testing.T) {
	r := New(Limits{MaxSessions: 10})
	defer r.CloseAll(true)

	params := OpenParams{
		Connector:   connector.OpenParams{Protocol: withStubProtocol(t), Host: "10.0.0.1", PTY: connector.PTYParams{}},
		SessionType: session.TypeConsole,
		DeviceID:    "sw-1",
	}
	// Registry.Open always resolves the real ssh connector via
	// ForProtocol, which would try to exec(1) a real ssh binary; this
	// test instead exercises the console-index short-circuit path by
	// pre-seeding the index the way Open itself would.
	r.mu.Lock()
	or := &connector.OpenResult{Handle: &stubHandle{outbound: make(chan []byte)}}
	s := session.New("existing-id", params.Connector.Protocol, session.TypeConsole, "sw-1", or, session.Config{})
	s.StartPump()
	r.sessions["existing-id"] = s
	r.consoleIndex["sw-1"] = "existing-id"
	r.mu.Unlock()

	res, err := r.Open(context.Background(), params)
	if err != nil {
		t.Fatal(err)
	}
	if res.ExistingSessionID != "existing-id" {
		t.Fatalf("got %q, want existing-id", res.ExistingSessionID)
	}
	if res.LockAcquired {
		t.Fatal("expected lock_acquired=false regardless of acquire_lock")
	}
}

func TestOpenRequiresDeviceIDForConsole(t *testing.T) {
	r := New(Limits{MaxSessions: 10})
	_, err := r.Open(context.Background(), OpenParams{
		Connector:   connector.OpenParams{Protocol: connector.ProtocolSSH, Host: "h"},
		SessionType: session.TypeConsole,
	})
	perr, ok := err.(*ptyerr.Error)
	if !ok || perr.Code != ptyerr.InvalidArgument {
		t.Fatalf("got %v, want INVALID_ARGUMENT", err)
	}
}

func TestListAndCloseRemovesSession(t *testing.T) {
	r := New(Limits{MaxSessions: 10})
	or := &connector.OpenResult{Handle: &stubHandle{outbound: make(chan []byte)}}
	s := session.New("id-1", connector.ProtocolSSH, session.TypeNormal, "", or, session.Config{})
	s.StartPump()
	r.mu.Lock()
	r.sessions["id-1"] = s
	r.mu.Unlock()

	list := r.List()
	if len(list) != 1 || list[0].ID != "id-1" {
		t.Fatalf("got %+v", list)
	}

	if err := r.Close("id-1", true); err != nil {
		t.Fatal(err)
	}
	if len(r.List()) != 0 {
		t.Fatal("expected session removed after close")
	}
	if _, err := r.Get("id-1"); err == nil {
		t.Fatal("expected NOT_FOUND after close")
	}
}

func TestReaperClosesIdleSessions(t *testing.T) {
	r := New(Limits{MaxSessions: 10, IdleTimeoutMs: 1})
	or := &connector.OpenResult{Handle: &stubHandle{outbound: make(chan []byte)}}
	s := session.New("idle-1", connector.ProtocolSSH, session.TypeNormal, "", or, session.Config{})
	s.StartPump()
	r.mu.Lock()
	r.sessions["idle-1"] = s
	r.mu.Unlock()

	time.Sleep(10 * time.Millisecond)
	r.reapOnce()

	if _, err := r.Get("idle-1"); err == nil {
		t.Fatal("expected reaper to close idle session")
	}
}

func TestLockDelegatesToSession(t *testing.T) {
	r := New(Limits{MaxSessions: 10})
	or := &connector.OpenResult{Handle: &stubHandle{outbound: make(chan []byte)}}
	s := session.New("id-lock", connector.ProtocolSSH, session.TypeConsole, "dev", or, session.Config{})
	s.StartPump()
	r.mu.Lock()
	r.sessions["id-lock"] = s
	r.mu.Unlock()
	defer r.Close("id-lock", true)

	if _, err := r.Lock("id-lock", "T", 1000); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Lock("id-lock", "U", 1000); err == nil {
		t.Fatal("expected LOCK_CONFLICT")
	}
	if err := r.Unlock("id-lock", "T"); err != nil {
		t.Fatal(err)
	}
}
