// Copyright 2018-2019 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/ptyctl/ptyctl/connector"
)

// fakeShellHandle simulates a remote shell well enough to exercise the
// dual-marker exec protocol: it answers the composed command line (which
// it does not echo) with the requested stdout and renders both markers
// exactly as a real shell executing the composed printf lines would.
type fakeShellHandle struct {
	outbound     chan []byte
	stdout       string
	exitCode     int
	stripPrimary bool // simulates a transport that eats 0x1e/0x1f
}

var fallbackUUIDRe = regexp.MustCompile(`PTYCTL_RC_([0-9a-fA-F-]+)=`)

func newFakeShellHandle(stdout string, exitCode int, stripPrimary bool) *fakeShellHandle {
	return &fakeShellHandle{
		outbound:     make(chan []byte, 4),
		stdout:       stdout,
		exitCode:     exitCode,
		stripPrimary: stripPrimary,
	}
}

func (h *fakeShellHandle) Write(p []byte) (int, error) {
	line := strings.TrimSuffix(string(p), "\r")

	var out strings.Builder
	out.WriteString(h.stdout)
	out.WriteString(fmt.Sprintf("%s%d%s\n", defaultMarkerPrefix, h.exitCode, defaultMarkerSuffix))
	if m := fallbackUUIDRe.FindStringSubmatch(line); m != nil {
		id := m[1]
		out.WriteString(fmt.Sprintf("PTYCTL_RC_%s=%d:END_%s\n", id, h.exitCode, id))
	}

	rendered := out.String()
	if h.stripPrimary {
		rendered = strings.NewReplacer("\x1e", "", "\x1f", "").Replace(rendered)
	}
	h.outbound <- []byte(rendered)
	return len(p), nil
}

func (h *fakeShellHandle) Read(p []byte) (int, error) {
	data, ok := <-h.outbound
	if !ok {
		return 0, io.EOF
	}
	return copy(p, data), nil
}

func (h *fakeShellHandle) Resize(int, int) error { return nil }
func (h *fakeShellHandle) Close(bool) error       { close(h.outbound); return nil }

func newExecTestSession(h connector.Handle) *Session {
	or := &connector.OpenResult{Handle: h, SupportsExitCode: connector.ExitCodeTrue}
	s := New("sess-exec", connector.ProtocolSSH, TypeNormal, "", or, Config{})
	s.StartPump()
	return s
}

func TestExecHappyPathViaPrimaryMarker(t *testing.T) {
	h := newFakeShellHandle("hello\n", 0, false)
	s := newExecTestSession(h)
	defer s.Close(true)

	res, err := s.Exec(ExecOptions{
		Cmd:       "echo hello",
		TimeoutMs: 2000,
		RCMode:    RCMode{Enabled: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.DoneReason != "marker_seen" {
		t.Fatalf("got done_reason %q", res.DoneReason)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Fatalf("got exit code %v", res.ExitCode)
	}
	if res.Stdout != "hello\n" {
		t.Fatalf("got stdout %q", res.Stdout)
	}
}

func TestExecFallsBackToASCIIMarkerWhenPrimaryStripped(t *testing.T) {
	h := newFakeShellHandle("", 0, true)
	s := newExecTestSession(h)
	defer s.Close(true)

	res, err := s.Exec(ExecOptions{
		Cmd:       "true",
		TimeoutMs: 2000,
		RCMode:    RCMode{Enabled: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.DoneReason != "marker_seen" {
		t.Fatalf("got done_reason %q", res.DoneReason)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Fatalf("got exit code %v", res.ExitCode)
	}
}

func TestExecNonZeroExitCode(t *testing.T) {
	h := newFakeShellHandle("", 7, false)
	s := newExecTestSession(h)
	defer s.Close(true)

	res, err := s.Exec(ExecOptions{
		Cmd:       "exit 7",
		TimeoutMs: 2000,
		RCMode:    RCMode{Enabled: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode == nil || *res.ExitCode != 7 {
		t.Fatalf("got exit code %v", res.ExitCode)
	}
}

// TestComposeExecLineFallbackMarkerViaRealShell runs the generated
// ASCII-fallback printf line through an actual /bin/sh, the only way
// to catch a format-string/argument mismatch that a hand-synthesized
// fake handle can't: a prior version of composeExecLine passed three
// positional arguments against a single %d conversion, causing sh's
// printf to re-apply the format and emit a bogus marker line before
// the real one. The command runs in a subshell so the marker printfs
// still execute, and 0x1e/0x1f are stripped from the output so only
// the fallback marker can match.
func TestComposeExecLineFallbackMarkerViaRealShell(t *testing.T) {
	for _, exitCode := range []int{0, 1, 7, 38} {
		line := composeExecLine(fmt.Sprintf("(exit %d)", exitCode), defaultMarkerPrefix, defaultMarkerSuffix, "abc-123", true)
		out, err := exec.Command("/bin/sh", "-c", line).CombinedOutput()
		if err != nil {
			if _, ok := err.(*exec.ExitError); !ok {
				t.Fatalf("running generated line: %v", err)
			}
		}
		out = []byte(strings.NewReplacer("\x1e", "", "\x1f", "").Replace(string(out)))

		re := buildMarkerRegex(defaultMarkerPrefix, defaultMarkerSuffix, "abc-123", true)
		got, _ := extractExitCode(out, re, nil)
		if got != exitCode {
			t.Fatalf("exit %d: composed line produced exit code %d; output: %q", exitCode, got, out)
		}
	}
}

func TestExecOverriddenMarkerSuppressesFallback(t *testing.T) {
	h := newRecordingHandle()
	s := newExecTestSession(h)
	defer s.Close(true)

	go func() {
		s.Exec(ExecOptions{
			Cmd:       "true",
			TimeoutMs: 300,
			RCMode:    RCMode{Enabled: true, MarkerPrefix: "@@RC=", MarkerSuffix: "##", Overridden: true},
		})
	}()

	// Give Exec time to write, then inspect what was sent.
	line := h.waitForWrite(t)
	if strings.Contains(line, "PTYCTL_RC_") {
		t.Fatalf("fallback marker should be suppressed when overridden: %q", line)
	}
	if !strings.Contains(line, "@@RC=") {
		t.Fatalf("expected custom marker prefix in %q", line)
	}
}

// recordingHandle records what Exec writes without answering it, used
// to inspect the composed command line directly.
type recordingHandle struct {
	outbound chan []byte
	last     chan string
}

func newRecordingHandle() *recordingHandle {
	return &recordingHandle{outbound: make(chan []byte, 4), last: make(chan string, 4)}
}

func (h *recordingHandle) Write(p []byte) (int, error) {
	h.last <- string(p)
	return len(p), nil
}
func (h *recordingHandle) Read(p []byte) (int, error) {
	data, ok := <-h.outbound
	if !ok {
		return 0, io.EOF
	}
	return copy(p, data), nil
}
func (h *recordingHandle) Resize(int, int) error { return nil }
func (h *recordingHandle) Close(bool) error       { close(h.outbound); return nil }

func (h *recordingHandle) waitForWrite(t *testing.T) string {
	t.Helper()
	select {
	case line := <-h.last:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exec write")
		return ""
	}
}
