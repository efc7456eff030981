// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hislip // import "github.com/go-daq/hislip"

import (
	"context"
	"time"

	"golang.org/x/xerrors"
)

// lockGrace is how much longer than the server-side lock timeout the
// client waits for the lock response before giving up.
const lockGrace = 500 * time.Millisecond

// lock requests the instrument lock on the asynchronous channel. The
// server arbitrates: it waits up to timeout for the lock to free up
// before answering with a grant or a denial.
func (s *Session) lock(ctx context.Context, lockString string, timeout time.Duration) error {
	if err := s.err(); err != nil {
		return err
	}
	st := s.ach.lockState()
	if st != Unlocked {
		return xerrors.Errorf("lock already held (%v): %w", st, ErrLockDenied)
	}

	s.ach.setIntent(lockIntent{active: true, shared: lockString != ""})
	resp, err := s.ach.exchange(ctx, Frame{
		Type:    MsgAsyncLock,
		Control: ctrlLockRequest,
		Param:   uint32(timeout / time.Millisecond),
		Payload: []byte(lockString),
	}, MsgAsyncLockResponse, timeout+lockGrace)
	if err != nil {
		s.ach.setIntent(lockIntent{})
		if xerrors.Is(err, ErrTimeout) {
			return ErrLockTimeout
		}
		return xerrors.Errorf("lock request: %w", err)
	}

	switch resp.Control {
	case ctrlLockSuccess, ctrlLockSharedSuccess:
		return nil
	case ctrlLockFail:
		return ErrLockDenied
	default:
		return xerrors.Errorf("lock request failed (code %d): %w", resp.Control, ErrLockDenied)
	}
}

// release gives the lock back. The release parameter carries the
// identifier of the most recent command, so the server can order the
// release against in-flight messages; zero when nothing was sent yet.
func (s *Session) release(ctx context.Context) error {
	if err := s.err(); err != nil {
		return err
	}
	if s.ach.lockState() == Unlocked {
		return ErrNotLocked
	}

	param := uint32(0)
	if id, sent := s.sch.lastSentID(); sent {
		param = id
	}
	s.ach.setIntent(lockIntent{active: true, release: true})
	resp, err := s.ach.exchange(ctx, Frame{
		Type:    MsgAsyncLock,
		Control: ctrlLockRelease,
		Param:   param,
	}, MsgAsyncLockResponse, s.cfg.Timeout)
	if err != nil {
		s.ach.setIntent(lockIntent{})
		return xerrors.Errorf("lock release: %w", err)
	}

	switch resp.Control {
	case ctrlLockSuccess, ctrlLockSharedSuccess:
		return nil
	case ctrlLockError:
		return ErrNotLocked
	default:
		return xerrors.Errorf("lock release failed (code %d)", resp.Control)
	}
}
