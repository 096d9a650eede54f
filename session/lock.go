// Copyright 2018-2019 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"time"

	"github.com/ptyctl/ptyctl/ptyerr"
)

// evalLockLocked applies lazy expiry: a lock past its expires_at is
// treated as unlocked the moment it is next inspected, rather than
// being cleared by a background timer. Callers must hold s.mu.
func (s *Session) evalLockLocked() *Lock {
	if s.lock != nil && time.Now().After(s.lock.ExpiresAt) {
		s.lock = nil
	}
	return s.lock
}

// Lock installs or extends a write lease.
func (s *Session) Lock(taskID string, ttlMs int) (*Lock, error) {
	if taskID == "" {
		return nil, ptyerr.New(ptyerr.InvalidArgument, "task_id is required")
	}
	if ttlMs <= 0 {
		ttlMs = 60000
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.evalLockLocked()
	expiresAt := time.Now().Add(time.Duration(ttlMs) * time.Millisecond)
	if cur == nil {
		s.lock = &Lock{TaskID: taskID, ExpiresAt: expiresAt}
		return s.lock, nil
	}
	if cur.TaskID == taskID {
		cur.ExpiresAt = expiresAt
		return cur, nil
	}
	return nil, ptyerr.New(ptyerr.LockConflict, "session %s is locked by another task", s.ID).
		WithData("lock_holder", cur.TaskID).
		WithData("lock_expires_at", cur.ExpiresAt)
}

// Unlock releases a lock held by taskID.
func (s *Session) Unlock(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.evalLockLocked()
	if cur == nil {
		return ptyerr.New(ptyerr.NotLocked, "session %s is not locked", s.ID)
	}
	if cur.TaskID != taskID {
		return ptyerr.New(ptyerr.LockConflict, "session %s is locked by another task", s.ID).
			WithData("lock_holder", cur.TaskID)
	}
	s.lock = nil
	return nil
}

// Heartbeat extends the current holder's lock without changing it.
func (s *Session) Heartbeat(taskID string, ttlMs int) (*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.evalLockLocked()
	if cur == nil || cur.TaskID != taskID {
		return nil, ptyerr.New(ptyerr.NotLocked, "session %s is not locked by task %s", s.ID, taskID)
	}
	if ttlMs <= 0 {
		ttlMs = 60000
	}
	cur.ExpiresAt = time.Now().Add(time.Duration(ttlMs) * time.Millisecond)
	return cur, nil
}

// LockStatus returns the current holder and expiry, or nil if unlocked.
func (s *Session) LockStatus() *Lock {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.evalLockLocked()
	if cur == nil {
		return nil
	}
	snapshot := *cur
	return &snapshot
}
