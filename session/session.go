// Copyright 2018-2019 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package session implements the per-connection state machine: a pump
// task drains the connector into a ring buffer, and
// write/read/resize/lock operations serialise access to it.
package session

import (
	"encoding/base64"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ptyctl/ptyctl/connector"
	"github.com/ptyctl/ptyctl/expect"
	"github.com/ptyctl/ptyctl/keymap"
	"github.com/ptyctl/ptyctl/ptyerr"
	"github.com/ptyctl/ptyctl/ptylog"
	"github.com/ptyctl/ptyctl/ring"
)

// State is a session's lifecycle state.
type State string

const (
	StateOpening State = "opening"
	StateOpen    State = "open"
	StateClosing State = "closing"
	StateClosed  State = "closed"
	StateErrored State = "errored"
)

// PumpState reflects whether the pump task is still copying bytes.
type PumpState string

const (
	PumpRunning PumpState = "running"
	PumpEnded   PumpState = "ended"
)

// Type distinguishes a normal session from a device-unique console one.
type Type string

const (
	TypeNormal  Type = "normal"
	TypeConsole Type = "console"
)

// LineEnding controls write's bare-\n rewriting for Telnet sessions.
type LineEnding string

const (
	LineEndingCR          LineEnding = "cr"
	LineEndingCRLF        LineEnding = "crlf"
	LineEndingLF          LineEnding = "lf"
	LineEndingPassThrough LineEnding = "pass_through"
)

// ExpectConfig is the atomically get/set expect configuration. The
// dispatcher falls back to its prompt and error regexes for exec when
// the request carries no expect override; Read does not consult it.
type ExpectConfig struct {
	PromptRegex     string
	PagerRegexes    []string
	ErrorRegexes    []string
	WaitForRegexes  []string
}

// Config is the session-scoped, mostly-static configuration installed
// at open time.
type Config struct {
	TelnetLineEnding LineEnding
	RecordTxEvents   bool
	OutputBufferMaxBytes int
	OutputBufferMaxLines int
}

// Lock is a time-bounded write-exclusivity grant.
type Lock struct {
	TaskID    string
	ExpiresAt time.Time
}

// Session is one open remote terminal connection.
type Session struct {
	ID       string
	Protocol connector.Protocol
	Type     Type
	DeviceID string

	PTYEnabled       bool
	SupportsResize   bool
	SupportsExitCode connector.SupportsExitCode
	ServerBanner     string
	SecurityWarning  string

	handle connector.Handle
	buf    *ring.Buffer
	cfg    Config

	mu           sync.Mutex
	state        State
	pumpState    PumpState
	lock         *Lock
	expectConfig ExpectConfig
	lastActivity time.Time
	bytesWritten int64
	pumpDone     chan struct{}
	pumpErr      error
}

// New constructs a Session from an already-open connector result. The
// caller must call StartPump to begin copying bytes.
func New(id string, protocol connector.Protocol, typ Type, deviceID string, or *connector.OpenResult, cfg Config) *Session {
	maxBytes := cfg.OutputBufferMaxBytes
	if maxBytes <= 0 {
		maxBytes = 2 << 20
	}
	return &Session{
		ID:               id,
		Protocol:         protocol,
		Type:             typ,
		DeviceID:         deviceID,
		PTYEnabled:       or.PTYEnabled,
		SupportsResize:   or.SupportsResize,
		SupportsExitCode: or.SupportsExitCode,
		ServerBanner:     or.ServerBanner,
		SecurityWarning:  or.SecurityWarning,
		handle:           or.Handle,
		buf:              ring.New(maxBytes),
		cfg:              cfg,
		state:            StateOpen,
		pumpState:        PumpRunning,
		lastActivity:     time.Now(),
		pumpDone:         make(chan struct{}),
	}
}

// Buffer exposes the ring buffer for the registry's status reporting.
func (s *Session) Buffer() *ring.Buffer { return s.buf }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PumpState returns whether the pump has ended.
func (s *Session) PumpState() PumpState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pumpState
}

// LastActivity returns the last time write/exec touched this session,
// used by the registry's idle reaper.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.lastActivity = time.Now()
}

// StartPump launches the single background task that copies
// connector.Read output into the ring buffer until EOF or error.
func (s *Session) StartPump() {
	go s.pump()
}

func (s *Session) pump() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.handle.Read(buf)
		if n > 0 {
			s.buf.Append(buf[:n])
		}
		if err != nil {
			s.mu.Lock()
			s.pumpState = PumpEnded
			s.pumpErr = err
			if s.state == StateOpen && err != io.EOF {
				s.state = StateErrored
			}
			s.mu.Unlock()
			close(s.pumpDone)
			return
		}
	}
}

// Write sends bytes, a symbolic key, or a base64 payload to the
// connector, subject to the lock gate.
func (s *Session) Write(data []byte, key string, encoding string, sensitive bool, taskID string) (int, error) {
	if data != nil && key != "" {
		return 0, ptyerr.New(ptyerr.InvalidArgument, "data and key are mutually exclusive")
	}

	s.mu.Lock()
	if err := s.admitWrite(taskID); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	s.mu.Unlock()

	var payload []byte
	switch {
	case key != "":
		seq, ok := keymap.Lookup(key)
		if !ok {
			return 0, ptyerr.New(ptyerr.InvalidArgument, "unknown key %q", key)
		}
		payload = []byte(seq)
	case encoding == "base64":
		decoded, err := base64.StdEncoding.DecodeString(string(data))
		if err != nil {
			return 0, ptyerr.New(ptyerr.InvalidArgument, "invalid base64 payload: %v", err)
		}
		payload = decoded
	default:
		payload = data
		if s.Protocol == connector.ProtocolTelnet && encoding == "utf-8" && !sensitive {
			payload = rewriteLineEndings(payload, s.effectiveLineEnding())
		}
	}

	if sensitive {
		ptylog.Debugf("write: %d bytes (redacted, sensitive=true)", len(payload))
	} else if s.cfg.RecordTxEvents {
		ptylog.Debugf("write: %d bytes", len(payload))
	} else {
		ptylog.Debugf("write: %s", ptylog.Redact(string(payload)))
	}

	n, err := s.handle.Write(payload)
	s.mu.Lock()
	s.bytesWritten += int64(n)
	s.touch()
	s.mu.Unlock()
	if err != nil {
		return n, ptyerr.New(ptyerr.IOError, "write: %v", err)
	}
	return n, nil
}

func (s *Session) effectiveLineEnding() LineEnding {
	if s.cfg.TelnetLineEnding == "" {
		return LineEndingCR
	}
	return s.cfg.TelnetLineEnding
}

// rewriteLineEndings rewrites bare '\n' bytes per the
// telnet_line_ending setting. CRLF pairs already present are left
// alone.
func rewriteLineEndings(payload []byte, mode LineEnding) []byte {
	if mode == LineEndingPassThrough {
		return payload
	}
	var repl string
	switch mode {
	case LineEndingCRLF:
		repl = "\r\n"
	case LineEndingLF:
		repl = "\n"
	default:
		repl = "\r"
	}
	if repl == "\n" {
		return payload
	}
	s := string(payload)
	s = strings.ReplaceAll(s, "\r\n", "\x00tmpcrlf\x00")
	s = strings.ReplaceAll(s, "\n", repl)
	s = strings.ReplaceAll(s, "\x00tmpcrlf\x00", "\r\n")
	return []byte(s)
}

// admitWrite evaluates the lock gate at the moment of admission.
// Callers must hold s.mu.
func (s *Session) admitWrite(taskID string) error {
	lock := s.evalLockLocked()
	if s.Type == TypeConsole && lock == nil {
		return ptyerr.New(ptyerr.LockRequired, "console session %s requires a lock to write", s.ID)
	}
	if lock != nil && lock.TaskID != taskID {
		return ptyerr.New(ptyerr.Locked, "session %s is locked by another task", s.ID).
			WithData("lock_holder", lock.TaskID).
			WithData("lock_expires_at", lock.ExpiresAt)
	}
	return nil
}

// ReadMode selects tail or cursor-based reading.
type ReadMode string

const (
	ReadModeTail   ReadMode = "tail"
	ReadModeCursor ReadMode = "cursor"
)

// ReadOptions configures Read.
type ReadOptions struct {
	Mode           ReadMode
	Cursor         ring.Cursor
	MaxBytes       int
	MaxLines       int
	TimeoutMs      int
	UntilRegexSrc  string
	IncludeMatch   bool
	UntilIdleMs    int
	WaitForRegexSrc []string
}

// ReadResponse is the outcome of Read.
type ReadResponse struct {
	Bytes           []byte
	NextCursor      ring.Cursor
	Matched         bool
	IdleReached     bool
	TimedOut        bool
	Truncated       bool
	DroppedBytes    int64
	WaitingForInput bool
	Encoding        string
	EOF             bool
}

// Read never requires a lock.
func (s *Session) Read(opts ReadOptions) (ReadResponse, error) {
	if opts.Mode == ReadModeTail {
		out := s.buf.Tail(opts.MaxBytes, opts.MaxLines)
		return ReadResponse{Bytes: out, NextCursor: s.buf.EndCursor()}, nil
	}

	var untilRe *regexp.Regexp
	if opts.UntilRegexSrc != "" {
		re, err := regexp.Compile(opts.UntilRegexSrc)
		if err != nil {
			return ReadResponse{}, ptyerr.New(ptyerr.InvalidArgument, "invalid until_regex: %v", err)
		}
		untilRe = re
	}
	waitFor, err := compileAll(opts.WaitForRegexSrc)
	if err != nil {
		return ReadResponse{}, err
	}

	res := expect.Run(s.buf, opts.Cursor, expect.Options{
		TimeoutMs:      opts.TimeoutMs,
		MaxBytes:       opts.MaxBytes,
		UntilRegex:     untilRe,
		IncludeMatch:   opts.IncludeMatch,
		UntilIdleMs:    opts.UntilIdleMs,
		WaitForRegexes: waitFor,
	})

	resp := ReadResponse{
		Bytes:           res.Bytes,
		NextCursor:      res.NextCursor,
		Matched:         res.Matched,
		IdleReached:     res.IdleReached,
		TimedOut:        res.TimedOut,
		Truncated:       res.Truncated,
		DroppedBytes:    res.DroppedBytes,
		WaitingForInput: res.WaitingForInput,
		Encoding:        res.Encoding,
	}
	if s.PumpState() == PumpEnded && len(res.Bytes) == 0 {
		resp.EOF = true
	}
	return resp, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, ptyerr.New(ptyerr.InvalidArgument, "invalid regex %q: %v", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Resize updates PTY/NAWS geometry via the connector.
func (s *Session) Resize(cols, rows int) error {
	if !s.SupportsResize {
		return ptyerr.New(ptyerr.Unsupported, "session %s does not support resize", s.ID)
	}
	if err := s.handle.Resize(cols, rows); err != nil {
		return ptyerr.New(ptyerr.IOError, "resize: %v", err)
	}
	return nil
}

// SetExpect installs a new expect configuration atomically.
func (s *Session) SetExpect(cfg ExpectConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expectConfig = cfg
}

// GetExpect reads the current expect configuration atomically.
func (s *Session) GetExpect() ExpectConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expectConfig
}

// Close signals the connector to close, joins the pump, and marks the
// session ended. A second call fails ALREADY_CLOSED.
func (s *Session) Close(force bool) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ptyerr.New(ptyerr.AlreadyClosed, "session %s already closed", s.ID)
	}
	s.state = StateClosing
	s.mu.Unlock()

	closeErr := s.handle.Close(force)
	<-s.pumpDone

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	if closeErr != nil {
		return fmt.Errorf("closing connector: %w", closeErr)
	}
	return nil
}
