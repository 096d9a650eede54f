// Copyright 2018-2019 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package registry implements the process-wide session table: it owns
// every live session, enforces console-device uniqueness and the
// session-count limit, and runs a periodic reaper that clears expired
// locks and closes idle sessions.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/ptyctl/ptyctl/connector"
	"github.com/ptyctl/ptyctl/ptyerr"
	"github.com/ptyctl/ptyctl/ptylog"
	"github.com/ptyctl/ptyctl/session"
)

// Limits bounds what the registry will allow.
type Limits struct {
	MaxSessions          int
	OutputBufferMaxBytes int
	OutputBufferMaxLines int
	IdleTimeoutMs        int
	// RecordTxEvents is the daemon-wide record_tx_events setting;
	// unlike the buffer-size limits it is not overridable per
	// session, since the tool surface's open() args carry no
	// record_tx_events field.
	RecordTxEvents bool
}

// OpenParams is everything Open needs beyond what the connector itself
// consumes.
type OpenParams struct {
	Connector  connector.OpenParams
	SessionType session.Type
	DeviceID    string
	AcquireLock bool
	LockTTLMs   int
	TaskID      string
	Config      session.Config
}

// OpenResult is what Open returns.
type OpenResult struct {
	Session           *session.Session
	ExistingSessionID string
	LockAcquired      bool
}

// Summary is a snapshot of one session for list().
type Summary struct {
	ID             string
	Protocol       connector.Protocol
	Type           session.Type
	DeviceID       string
	State          session.State
	PumpState      session.PumpState
	LockHolder     string
	LockExpiresAt  *time.Time
	BufferStart    int64
	BufferEnd      int64
	DroppedBytesTotal int64
}

// Registry is the process-wide singleton session table.
type Registry struct {
	mu            sync.Mutex
	sessions      map[string]*session.Session
	consoleIndex  map[string]string
	limits        Limits
	reaperStop    chan struct{}
	reaperDone    chan struct{}
}

// New constructs a fresh registry. It must be constructible multiple
// times for tests.
func New(limits Limits) *Registry {
	if limits.MaxSessions <= 0 {
		limits.MaxSessions = 100
	}
	return &Registry{
		sessions:     make(map[string]*session.Session),
		consoleIndex: make(map[string]string),
		limits:       limits,
	}
}

// StartReaper launches the periodic idle/lock sweep. Call Stop to
// terminate it.
func (r *Registry) StartReaper(tick time.Duration) {
	r.mu.Lock()
	if r.reaperStop != nil {
		r.mu.Unlock()
		return
	}
	r.reaperStop = make(chan struct{})
	r.reaperDone = make(chan struct{})
	stop := r.reaperStop
	done := r.reaperDone
	r.mu.Unlock()

	go func() {
		defer close(done)
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				r.reapOnce()
			}
		}
	}()
}

// Stop halts the reaper task, if running.
func (r *Registry) Stop() {
	r.mu.Lock()
	stop := r.reaperStop
	done := r.reaperDone
	r.reaperStop = nil
	r.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (r *Registry) reapOnce() {
	for _, id := range r.snapshotIDs() {
		s, ok := r.get(id)
		if !ok {
			continue
		}
		// Lock expiry is evaluated lazily by LockStatus itself; nothing
		// to force here beyond touching it so a stale lock is observed
		// as cleared the next time anyone checks.
		s.LockStatus()

		if r.limits.IdleTimeoutMs > 0 {
			idle := time.Since(s.LastActivity())
			if idle > time.Duration(r.limits.IdleTimeoutMs)*time.Millisecond {
				ptylog.Infof("reaper: closing idle session %s (idle %s)", id, idle)
				if err := s.Close(false); err != nil {
					ptylog.Errorf("reaper: closing %s: %v", id, err)
				}
				r.Close(id, false)
			}
		}
	}
}

func (r *Registry) snapshotIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) get(id string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Open resolves console-device reuse, enforces max_sessions, opens
// the underlying connector, and registers the resulting session.
func (r *Registry) Open(ctx context.Context, params OpenParams) (*OpenResult, error) {
	if params.SessionType == session.TypeConsole && params.DeviceID == "" {
		return nil, ptyerr.New(ptyerr.InvalidArgument, "device_id is required for console sessions")
	}

	if params.SessionType == session.TypeConsole {
		r.mu.Lock()
		if existing, ok := r.consoleIndex[params.DeviceID]; ok {
			r.mu.Unlock()
			return &OpenResult{ExistingSessionID: existing, LockAcquired: false}, nil
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	if len(r.sessions) >= r.limits.MaxSessions {
		r.mu.Unlock()
		return nil, ptyerr.New(ptyerr.InvalidArgument, "max_sessions (%d) reached", r.limits.MaxSessions)
	}
	r.mu.Unlock()

	conn, ok := connector.ForProtocol(params.Connector.Protocol)
	if !ok {
		return nil, ptyerr.New(ptyerr.InvalidArgument, "unknown protocol %q", params.Connector.Protocol)
	}
	or, err := conn.Open(ctx, params.Connector)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	cfg := params.Config
	if cfg.OutputBufferMaxBytes == 0 {
		cfg.OutputBufferMaxBytes = r.limits.OutputBufferMaxBytes
	}
	if cfg.OutputBufferMaxLines == 0 {
		cfg.OutputBufferMaxLines = r.limits.OutputBufferMaxLines
	}
	cfg.RecordTxEvents = r.limits.RecordTxEvents

	s := session.New(id, params.Connector.Protocol, params.SessionType, params.DeviceID, or, cfg)

	r.mu.Lock()
	if len(r.sessions) >= r.limits.MaxSessions {
		r.mu.Unlock()
		or.Handle.Close(true)
		return nil, ptyerr.New(ptyerr.InvalidArgument, "max_sessions (%d) reached", r.limits.MaxSessions)
	}
	r.sessions[id] = s
	if params.SessionType == session.TypeConsole {
		r.consoleIndex[params.DeviceID] = id
	}
	r.mu.Unlock()

	s.StartPump()

	result := &OpenResult{Session: s}
	if params.AcquireLock {
		if _, err := s.Lock(params.TaskID, params.LockTTLMs); err != nil {
			return nil, err
		}
		result.LockAcquired = true
	}
	return result, nil
}

// Get returns a live session by id.
func (r *Registry) Get(id string) (*session.Session, error) {
	s, ok := r.get(id)
	if !ok {
		return nil, ptyerr.New(ptyerr.NotFound, "session %s not found", id)
	}
	return s, nil
}

// Close removes a session from both maps and closes its connector.
func (r *Registry) Close(id string, force bool) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ptyerr.New(ptyerr.NotFound, "session %s not found", id)
	}
	delete(r.sessions, id)
	for device, sid := range r.consoleIndex {
		if sid == id {
			delete(r.consoleIndex, device)
		}
	}
	r.mu.Unlock()

	if err := s.Close(force); err != nil {
		if perr, ok := err.(*ptyerr.Error); ok && perr.Code == ptyerr.AlreadyClosed {
			return nil
		}
		return err
	}
	return nil
}

// List returns a snapshot of every live session.
func (r *Registry) List() []Summary {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	sessions := make([]*session.Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		ids = append(ids, id)
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]Summary, 0, len(sessions))
	for i, s := range sessions {
		stats := s.Buffer().Stats()
		sum := Summary{
			ID:                ids[i],
			Protocol:          s.Protocol,
			Type:              s.Type,
			DeviceID:          s.DeviceID,
			State:             s.State(),
			PumpState:         s.PumpState(),
			BufferStart:       stats.StartCursor,
			BufferEnd:         stats.EndCursor,
			DroppedBytesTotal: stats.DroppedBytesTotal,
		}
		if lock := s.LockStatus(); lock != nil {
			sum.LockHolder = lock.TaskID
			t := lock.ExpiresAt
			sum.LockExpiresAt = &t
		}
		out = append(out, sum)
	}
	return out
}

// CloseAll closes every session, accumulating failures via
// hashicorp/go-multierror.
func (r *Registry) CloseAll(force bool) error {
	var result *multierror.Error
	for _, id := range r.snapshotIDs() {
		if err := r.Close(id, force); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing %s: %w", id, err))
		}
	}
	if result == nil {
		return nil
	}
	return result
}

// Lock, Unlock, Heartbeat, and Status delegate to the named session,
// surfacing NOT_FOUND when it no longer exists.

func (r *Registry) Lock(id, taskID string, ttlMs int) (*session.Lock, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return s.Lock(taskID, ttlMs)
}

func (r *Registry) Unlock(id, taskID string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.Unlock(taskID)
}

func (r *Registry) Heartbeat(id, taskID string, ttlMs int) (*session.Lock, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return s.Heartbeat(taskID, ttlMs)
}

func (r *Registry) Status(id string) (*session.Lock, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return s.LockStatus(), nil
}
