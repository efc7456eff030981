// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hislip // import "github.com/go-daq/hislip"

import (
	"context"
	"sync"
	"time"

	"github.com/go-daq/hislip/config"
	"github.com/go-daq/hislip/fsm"
	"github.com/go-daq/hislip/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// Session is a HiSLIP client session: the synchronous and the
// asynchronous connection to one instrument sub-address, with the
// establishment handshake already completed.
//
// A Session is safe for concurrent use. Command dispatch follows the
// negotiated mode: in synchronized mode a second command before the
// first completes fails with ErrChannelBusy, in overlapped mode up to
// maxInFlight commands may be outstanding, each addressed by the
// identifier Send returned.
type Session struct {
	cfg  config.Session
	msg  log.MsgStream
	info handshakeInfo

	sconn *conn
	aconn *conn
	sch   *syncChan
	ach   *asyncChan

	grp    *errgroup.Group
	cancel context.CancelFunc

	mu       sync.Mutex
	fatalErr error
	closed   bool
	once     sync.Once
	closeErr error
}

// Open dials the instrument at cfg.Addr, performs the two-leg
// initialization handshake and starts both channel listeners.
func Open(ctx context.Context, cfg config.Session) (*Session, error) {
	msg := log.NewMsgStream("hislip", cfg.Level, nil)

	addr := hostPort(cfg.Addr)
	sconn, aconn, err := dialPair(ctx, addr)
	if err != nil {
		return nil, err
	}

	info, err := handshake(ctx, sconn, aconn, cfg, msg)
	if err != nil {
		sconn.Close()
		aconn.Close()
		return nil, err
	}

	s := &Session{
		cfg:   cfg,
		msg:   msg,
		info:  info,
		sconn: sconn,
		aconn: aconn,
		sch:   newSyncChan(sconn, msg, info.Overlapped, info.MaxMessageSize),
		ach:   newAsyncChan(aconn, msg),
	}
	s.sch.onFatal = s.fatalize
	s.ach.onFatal = s.fatalize
	s.sch.notify = s.ach.enqueue

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.grp, ctx = errgroup.WithContext(ctx)
	s.grp.Go(func() error {
		s.sch.run(ctx)
		return nil
	})
	s.grp.Go(func() error {
		s.ach.run(ctx)
		return nil
	})

	msg.Infof("connected to %s (sub-address %q, session 0x%04x)", addr, cfg.SubAddress, info.SessionID)
	return s, nil
}

// fatalize records the first fatal error and fails waiters on both
// channels. The session stays open only for Close.
func (s *Session) fatalize(err error) {
	s.mu.Lock()
	if s.fatalErr == nil {
		s.fatalErr = err
	}
	s.mu.Unlock()
	s.sch.fatalize(err)
	s.ach.failAll(ErrSessionFatal)
}

func (s *Session) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.fatalErr != nil:
		return xerrors.Errorf("session is in the fatal state: %w", ErrSessionFatal)
	case s.closed:
		return ErrClosed
	}
	return nil
}

// SessionID returns the identifier assigned by the server during
// establishment.
func (s *Session) SessionID() uint16 { return s.info.SessionID }

// Version returns the negotiated protocol version.
func (s *Session) Version() (major, minor uint8) { return splitVersion(s.info.Version) }

// ServerVendorID returns the vendor identifier the server announced.
func (s *Session) ServerVendorID() uint16 { return s.info.ServerVendorID }

// Overlapped reports whether the server selected overlapped mode.
// Device clear may renegotiate the mode.
func (s *Session) Overlapped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.Overlapped
}

// MaxMessageSize returns the negotiated maximum message size,
// header included.
func (s *Session) MaxMessageSize() uint64 { return s.info.MaxMessageSize }

// State returns the synchronous channel state.
func (s *Session) State() fsm.Status { return s.sch.status() }

// LockState returns the client's view of the instrument lock.
func (s *Session) LockState() LockState { return s.ach.lockState() }

// Write sends data as a command expecting no response. Large payloads
// are fragmented to the negotiated maximum message size.
func (s *Session) Write(ctx context.Context, data []byte) error {
	if err := s.err(); err != nil {
		return err
	}
	_, err := s.sch.send(ctx, data, false)
	return err
}

// Query sends data and blocks until the complete response is
// reassembled or the configured timeout elapses.
func (s *Session) Query(ctx context.Context, data []byte) ([]byte, error) {
	id, err := s.Send(ctx, data)
	if err != nil {
		return nil, err
	}
	return s.Result(ctx, id)
}

// Send dispatches a query and returns its message identifier without
// waiting for the response. Claim the response with Result or drain
// it with ReadRaw.
func (s *Session) Send(ctx context.Context, data []byte) (uint32, error) {
	if err := s.err(); err != nil {
		return 0, err
	}
	return s.sch.send(ctx, data, true)
}

// Result claims the reassembled response of a query dispatched with
// Send. After ErrTimeout the response stays claimable: a later Result
// with the same identifier returns it once it arrives.
func (s *Session) Result(ctx context.Context, id uint32) ([]byte, error) {
	return s.sch.wait(ctx, id, s.cfg.Timeout)
}

// ResultAny claims the next completed response regardless of
// identifier, in completion order. It is the overlapped-mode analogue
// of draining a response queue.
func (s *Session) ResultAny(ctx context.Context) (uint32, []byte, error) {
	return s.sch.waitAny(ctx, s.cfg.Timeout)
}

// ReadRaw drains up to max bytes of a query's response as fragments
// arrive, without waiting for the response to complete. eom reports
// that the response is exhausted.
func (s *Session) ReadRaw(ctx context.Context, id uint32, max int) (p []byte, eom bool, err error) {
	return s.sch.readRaw(ctx, id, max, s.cfg.Timeout)
}

// Trigger sends the trigger message, the analogue of the IEEE-488
// group execute trigger. It consumes a message identifier like a
// command does.
func (s *Session) Trigger(ctx context.Context) error {
	if err := s.err(); err != nil {
		return err
	}
	return s.sch.trigger(ctx)
}

// Status reads the instrument status byte through the asynchronous
// channel.
func (s *Session) Status(ctx context.Context) (uint8, error) {
	if err := s.err(); err != nil {
		return 0, err
	}
	ctrl := uint8(0)
	if s.sch.rmtDelivered() {
		ctrl = ctrlRMTDelivered
	}
	id, _ := s.sch.lastSentID()
	resp, err := s.ach.exchange(ctx, Frame{
		Type:    MsgAsyncStatusQuery,
		Control: ctrl,
		Param:   id,
	}, MsgAsyncStatusResponse, s.cfg.Timeout)
	if err != nil {
		return 0, xerrors.Errorf("status query: %w", err)
	}
	return resp.Control, nil
}

// RemoteLocal switches the instrument remote/local control state.
// mode is one of the Remote* constants.
func (s *Session) RemoteLocal(ctx context.Context, mode uint8) error {
	if err := s.err(); err != nil {
		return err
	}
	id, _ := s.sch.lastSentID()
	s.ach.setRemoteIntent(mode)
	_, err := s.ach.exchange(ctx, Frame{
		Type:    MsgAsyncRemoteLocalControl,
		Control: mode,
		Param:   id,
	}, MsgAsyncRemoteLocalResponse, s.cfg.Timeout)
	if err != nil {
		return xerrors.Errorf("remote/local control: %w", err)
	}
	return nil
}

// RemoteMode returns the last remote/local request the instrument
// acknowledged (one of the Remote* constants).
func (s *Session) RemoteMode() uint8 { return s.ach.remoteMode() }

// DeviceClear aborts in-progress operations and re-arms the session:
// AsyncDeviceClear on the asynchronous channel, DeviceClearComplete
// on the synchronous one, then message-identifier sequencing restarts
// from its initial value.
func (s *Session) DeviceClear(ctx context.Context) error {
	if err := s.err(); err != nil {
		return err
	}
	ack, err := s.ach.exchange(ctx, Frame{Type: MsgAsyncDeviceClear},
		MsgAsyncDeviceClearAcknowledge, s.cfg.Timeout)
	if err != nil {
		return xerrors.Errorf("device clear: %w", err)
	}

	// feature preference: bit 0 requests overlapped mode. Echo the
	// server's offer back.
	feature := ack.Control & 0x01
	err = SendFrame(ctx, s.sconn, Frame{Type: MsgDeviceClearComplete, Control: feature})
	if err != nil {
		return xerrors.Errorf("device clear: %w", err)
	}

	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()
	select {
	case ack = <-s.sch.clear:
	case <-timer.C:
		return xerrors.Errorf("device clear: %w", ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	overlapped := ack.Control&0x01 == 0x01
	s.sch.reset(overlapped)
	s.mu.Lock()
	s.info.Overlapped = overlapped
	s.mu.Unlock()
	s.msg.Debugf("device clear complete (overlapped=%v)", overlapped)
	return nil
}

// Lock acquires the instrument lock. An empty lock string requests
// the exclusive lock, a non-empty one joins the shared lock group
// with that string. timeout is forwarded to the server; the client
// waits a little longer before giving up with ErrLockTimeout.
func (s *Session) Lock(ctx context.Context, timeout time.Duration) error {
	return s.lock(ctx, s.cfg.LockString, timeout)
}

// Release releases the lock acquired by Lock. Releasing without
// holding the lock fails with ErrNotLocked.
func (s *Session) Release(ctx context.Context) error {
	return s.release(ctx)
}

// LockInfo queries the server lock bookkeeping: whether the exclusive
// lock is held, and by how many clients.
func (s *Session) LockInfo(ctx context.Context) (exclusive bool, clients uint32, err error) {
	if err := s.err(); err != nil {
		return false, 0, err
	}
	resp, err := s.ach.exchange(ctx, Frame{Type: MsgAsyncLockInfo},
		MsgAsyncLockInfoResponse, s.cfg.Timeout)
	if err != nil {
		return false, 0, xerrors.Errorf("lock info: %w", err)
	}
	return resp.Control != 0, resp.Param, nil
}

// NextNotification pops the oldest queued service request or
// interrupt, blocking until one arrives or the session timeout
// elapses.
func (s *Session) NextNotification(ctx context.Context) (Notification, error) {
	return s.ach.next(ctx, s.cfg.Timeout)
}

// OnNotification registers a handler invoked for every notification
// as it arrives, on the listener goroutine. The handler must not
// block and must not call back into the Session.
func (s *Session) OnNotification(h func(Notification)) {
	s.ach.setHandler(h)
}

// Close tears the session down: both listeners stop and both
// connections close. Close is idempotent.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.sch.close()
		s.ach.close()
		s.cancel()
		err1 := s.sconn.Close()
		err2 := s.aconn.Close()
		_ = s.grp.Wait()

		switch {
		case err1 != nil:
			s.closeErr = xerrors.Errorf("could not close synchronous connection: %w", err1)
		case err2 != nil:
			s.closeErr = xerrors.Errorf("could not close asynchronous connection: %w", err2)
		}
		s.msg.Infof("session 0x%04x closed", s.info.SessionID)
	})
	return s.closeErr
}
