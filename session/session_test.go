// Copyright 2018-2019 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"io"
	"testing"
	"time"

	"github.com/ptyctl/ptyctl/connector"
	"github.com/ptyctl/ptyctl/ptyerr"
)

// fakeHandle is a minimal connector.Handle for exercising session
// plumbing without a real subprocess or socket.
type fakeHandle struct {
	outbound  chan []byte
	written   [][]byte
	resizes   []struct{ cols, rows int }
	closed    bool
	closeForced bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{outbound: make(chan []byte, 16)}
}

func (h *fakeHandle) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	h.written = append(h.written, cp)
	return len(p), nil
}

func (h *fakeHandle) Read(p []byte) (int, error) {
	data, ok := <-h.outbound
	if !ok {
		return 0, io.EOF
	}
	return copy(p, data), nil
}

func (h *fakeHandle) Resize(cols, rows int) error {
	h.resizes = append(h.resizes, struct{ cols, rows int }{cols, rows})
	return nil
}

func (h *fakeHandle) Close(force bool) error {
	h.closed = true
	h.closeForced = force
	close(h.outbound)
	return nil
}

func newTestSession(t *testing.T, typ Type) (*Session, *fakeHandle) {
	t.Helper()
	h := newFakeHandle()
	or := &connector.OpenResult{
		Handle:           h,
		PTYEnabled:       true,
		SupportsResize:   true,
		SupportsExitCode: connector.ExitCodeTrue,
	}
	s := New("sess-1", connector.ProtocolSSH, typ, "", or, Config{})
	s.StartPump()
	return s, h
}

func TestWriteNormalSessionNoLockRequired(t *testing.T) {
	s, h := newTestSession(t, TypeNormal)
	defer s.Close(true)

	n, err := s.Write([]byte("ls\r"), "", "utf-8", false, "")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("got %d, want 3", n)
	}
	if len(h.written) != 1 || string(h.written[0]) != "ls\r" {
		t.Fatalf("got %v", h.written)
	}
}

func TestWriteConsoleSessionRequiresLock(t *testing.T) {
	s, _ := newTestSession(t, TypeConsole)
	defer s.Close(true)

	_, err := s.Write([]byte("ls\r"), "", "utf-8", false, "T")
	perr, ok := err.(*ptyerr.Error)
	if !ok || perr.Code != ptyerr.LockRequired {
		t.Fatalf("got %v, want LOCK_REQUIRED", err)
	}

	if _, err := s.Lock("T", 60000); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write([]byte("ls\r"), "", "utf-8", false, "T"); err != nil {
		t.Fatalf("expected write to succeed after lock, got %v", err)
	}

	_, err = s.Write([]byte("ls\r"), "", "utf-8", false, "U")
	perr, ok = err.(*ptyerr.Error)
	if !ok || perr.Code != ptyerr.Locked {
		t.Fatalf("got %v, want LOCKED", err)
	}
	if perr.Data["lock_holder"] != "T" {
		t.Fatalf("expected lock_holder T, got %v", perr.Data["lock_holder"])
	}
}

func TestLockConflictThenExpiryReclaim(t *testing.T) {
	s, _ := newTestSession(t, TypeConsole)
	defer s.Close(true)

	if _, err := s.Lock("T", 50); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Lock("U", 60000); err == nil {
		t.Fatal("expected LOCK_CONFLICT")
	}
	time.Sleep(80 * time.Millisecond)
	if _, err := s.Lock("U", 60000); err != nil {
		t.Fatalf("expected reclaim after expiry, got %v", err)
	}
}

func TestUnlockRequiresHolder(t *testing.T) {
	s, _ := newTestSession(t, TypeConsole)
	defer s.Close(true)

	if _, err := s.Lock("T", 60000); err != nil {
		t.Fatal(err)
	}
	if err := s.Unlock("U"); err == nil {
		t.Fatal("expected error unlocking as non-holder")
	}
	if err := s.Unlock("T"); err != nil {
		t.Fatal(err)
	}
}

func TestReadCursorModeMatchesRegex(t *testing.T) {
	s, h := newTestSession(t, TypeNormal)
	defer s.Close(true)

	h.outbound <- []byte("prompt> ")
	// give the pump a moment to append.
	time.Sleep(20 * time.Millisecond)

	resp, err := s.Read(ReadOptions{
		Mode:          ReadModeCursor,
		Cursor:        0,
		TimeoutMs:     1000,
		MaxBytes:      4096,
		UntilRegexSrc: `prompt> $`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Matched {
		t.Fatalf("expected match, got %+v", resp)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s, _ := newTestSession(t, TypeNormal)
	if err := s.Close(false); err != nil {
		t.Fatal(err)
	}
	err := s.Close(false)
	perr, ok := err.(*ptyerr.Error)
	if !ok || perr.Code != ptyerr.AlreadyClosed {
		t.Fatalf("got %v, want ALREADY_CLOSED", err)
	}
}

func TestTelnetLineEndingRewrite(t *testing.T) {
	got := rewriteLineEndings([]byte("a\nb\r\nc"), LineEndingCR)
	if string(got) != "a\rb\r\nc" {
		t.Fatalf("got %q", got)
	}
	got = rewriteLineEndings([]byte("a\nb"), LineEndingPassThrough)
	if string(got) != "a\nb" {
		t.Fatalf("got %q", got)
	}
}
