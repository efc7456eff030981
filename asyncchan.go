// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hislip // import "github.com/go-daq/hislip"

import (
	"context"
	"sync"
	"time"

	"github.com/go-daq/hislip/log"
	"golang.org/x/xerrors"
)

// Notification is an unsolicited event pushed by the instrument:
// a service request, or an interrupt on either channel.
type Notification struct {
	Type    MsgType
	Control uint8 // status byte for service requests
	Param   uint32
}

// LockState tracks the client's view of the instrument lock, as
// maintained by the asynchronous listener.
type LockState uint8

const (
	Unlocked LockState = iota
	LockedExclusive
	LockedShared
)

func (st LockState) String() string {
	switch st {
	case Unlocked:
		return "unlocked"
	case LockedExclusive:
		return "locked (exclusive)"
	case LockedShared:
		return "locked (shared)"
	}
	panic(xerrors.Errorf("invalid lock state value %d", uint8(st)))
}

// lockIntent describes the in-flight AsyncLock request, so the
// listener can fold the response into the lock state.
type lockIntent struct {
	active  bool
	release bool
	shared  bool
}

type asyncReply struct {
	frame Frame
	err   error
}

// srqHighWater is the queue depth past which pending, unclaimed
// service requests draw a warning.
const srqHighWater = 128

// asyncChan is the single reader of the asynchronous connection. It
// completes waiters for request/response exchanges (lock, status,
// maximum message size, lock info, device clear), folds lock
// responses into the lock state, and queues service requests in
// arrival order.
type asyncChan struct {
	conn *conn
	msg  log.MsgStream

	mu      sync.Mutex
	pending map[MsgType]chan asyncReply
	intent  lockIntent
	lock    LockState
	rlMode  uint8 // last acknowledged remote/local request
	rlNext  struct {
		active bool
		mode   uint8
	}
	queue   []Notification
	ready   chan struct{} // 1-buffered, signaled when queue non-empty
	handler func(Notification)
	warned  bool
	failed  error

	onFatal func(error)
	quit    chan struct{}
}

func newAsyncChan(conn *conn, msg log.MsgStream) *asyncChan {
	return &asyncChan{
		conn:    conn,
		msg:     msg,
		pending: make(map[MsgType]chan asyncReply),
		ready:   make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
}

// register claims the waiter slot for one reply type. Only one
// exchange per reply type may be in flight at a time.
func (ac *asyncChan) register(mtype MsgType) (chan asyncReply, error) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if ac.failed != nil {
		return nil, ac.failed
	}
	if _, busy := ac.pending[mtype]; busy {
		return nil, ErrChannelBusy
	}
	ch := make(chan asyncReply, 1)
	ac.pending[mtype] = ch
	return ch, nil
}

func (ac *asyncChan) unregister(mtype MsgType, ch chan asyncReply) {
	ac.mu.Lock()
	if ac.pending[mtype] == ch {
		delete(ac.pending, mtype)
	}
	ac.mu.Unlock()
}

// exchange performs one request/response transaction on the
// asynchronous connection.
func (ac *asyncChan) exchange(ctx context.Context, req Frame, reply MsgType, timeout time.Duration) (Frame, error) {
	ch, err := ac.register(reply)
	if err != nil {
		return Frame{}, err
	}
	err = SendFrame(ctx, ac.conn, req)
	if err != nil {
		ac.unregister(reply, ch)
		return Frame{}, xerrors.Errorf("could not send %v: %w", req.Type, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rep := <-ch:
		if rep.err != nil {
			return Frame{}, rep.err
		}
		return rep.frame, nil
	case <-timer.C:
		ac.unregister(reply, ch)
		return Frame{}, ErrTimeout
	case <-ctx.Done():
		ac.unregister(reply, ch)
		return Frame{}, ctx.Err()
	case <-ac.quit:
		return Frame{}, ErrClosed
	}
}

// run consumes the asynchronous connection until it closes.
func (ac *asyncChan) run(ctx context.Context) {
	for {
		frame, err := RecvFrame(ctx, ac.conn)
		if err != nil {
			select {
			case <-ac.quit:
				ac.failAll(ErrClosed)
				return
			default:
			}
			if xerrors.Is(err, ErrMalformedFrame) {
				// protocol violation from the peer: signal it and
				// give up on the session.
				_ = SendFrame(ctx, ac.conn, Frame{Type: MsgFatalError, Control: FatalPoorlyFormed})
				ac.fatalize(err)
				return
			}
			ac.fatalize(xerrors.Errorf("asynchronous channel: %w: %v", ErrConnection, err))
			return
		}
		if ac.handle(frame) {
			return
		}
	}
}

// handle processes one inbound frame. It reports whether the channel
// reached the fatal state, after which nothing more may be read.
func (ac *asyncChan) handle(frame Frame) bool {
	switch frame.Type {
	case MsgAsyncServiceRequest:
		ac.enqueue(Notification{Type: frame.Type, Control: frame.Control, Param: frame.Param})

	case MsgAsyncInterrupted:
		ac.msg.Debugf("async interrupted (id=0x%08x)", frame.Param)
		ac.enqueue(Notification{Type: frame.Type, Control: frame.Control, Param: frame.Param})

	case MsgAsyncLockResponse:
		ac.applyLock(frame)
		ac.complete(frame)

	case MsgAsyncRemoteLocalResponse:
		ac.applyRemote()
		ac.complete(frame)

	case MsgAsyncLockInfoResponse,
		MsgAsyncStatusResponse,
		MsgAsyncMaximumMessageSizeResp,
		MsgAsyncDeviceClearAcknowledge,
		MsgAsyncInitializeResponse:
		ac.complete(frame)

	case MsgError:
		perr := &ProtoError{Code: frame.Control, Info: string(frame.Payload)}
		ac.msg.Warnf("instrument error on asynchronous channel: %v", perr)

	case MsgFatalError:
		ac.fatalize(&FatalError{Code: frame.Control, Info: string(frame.Payload)})
		return true

	default:
		ac.msg.Warnf("discarding %v frame on asynchronous channel", frame.Type)
	}
	return false
}

// applyLock folds an AsyncLockResponse into the lock state. The
// listener goroutine is the only writer of that state.
func (ac *asyncChan) applyLock(frame Frame) {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	intent := ac.intent
	ac.intent = lockIntent{}
	if !intent.active {
		return
	}
	switch {
	case intent.release:
		if frame.Control == ctrlLockSuccess || frame.Control == ctrlLockSharedSuccess {
			ac.lock = Unlocked
		}
	case frame.Control == ctrlLockSuccess:
		if intent.shared {
			ac.lock = LockedShared
		} else {
			ac.lock = LockedExclusive
		}
	case frame.Control == ctrlLockSharedSuccess:
		ac.lock = LockedShared
	}
}

// applyRemote folds an acknowledged remote/local request into the
// mode flag. Like the lock state, only the listener writes it.
func (ac *asyncChan) applyRemote() {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if ac.rlNext.active {
		ac.rlMode = ac.rlNext.mode
		ac.rlNext.active = false
	}
}

func (ac *asyncChan) setRemoteIntent(mode uint8) {
	ac.mu.Lock()
	ac.rlNext.active = true
	ac.rlNext.mode = mode
	ac.mu.Unlock()
}

func (ac *asyncChan) remoteMode() uint8 {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return ac.rlMode
}

func (ac *asyncChan) setIntent(intent lockIntent) {
	ac.mu.Lock()
	ac.intent = intent
	ac.mu.Unlock()
}

func (ac *asyncChan) lockState() LockState {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return ac.lock
}

// complete hands the frame to the waiter registered for its type.
func (ac *asyncChan) complete(frame Frame) {
	ac.mu.Lock()
	ch := ac.pending[frame.Type]
	delete(ac.pending, frame.Type)
	ac.mu.Unlock()

	if ch == nil {
		ac.msg.Warnf("discarding unsolicited %v frame", frame.Type)
		return
	}
	ch <- asyncReply{frame: frame}
}

// enqueue appends a notification in arrival order and wakes one
// waiter. A registered handler runs inline on the listener goroutine
// and must not block.
func (ac *asyncChan) enqueue(n Notification) {
	ac.mu.Lock()
	if ac.failed != nil {
		// the session is beyond recovery: late arrivals must not
		// surface as valid notifications.
		ac.mu.Unlock()
		return
	}
	ac.queue = append(ac.queue, n)
	depth := len(ac.queue)
	handler := ac.handler
	warn := depth >= srqHighWater && !ac.warned
	if warn {
		ac.warned = true
	}
	ac.mu.Unlock()

	if warn {
		ac.msg.Warnf("%d unclaimed notifications queued; is anybody listening?", depth)
	}

	select {
	case ac.ready <- struct{}{}:
	default:
	}
	if handler != nil {
		handler(n)
	}
}

// next pops the oldest queued notification, blocking until one
// arrives or the timeout elapses.
func (ac *asyncChan) next(ctx context.Context, timeout time.Duration) (Notification, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		ac.mu.Lock()
		if ac.failed != nil {
			failed := ac.failed
			ac.mu.Unlock()
			return Notification{}, failed
		}
		if len(ac.queue) > 0 {
			n := ac.queue[0]
			ac.queue = ac.queue[1:]
			if len(ac.queue) == 0 {
				ac.warned = false
			} else {
				select {
				case ac.ready <- struct{}{}:
				default:
				}
			}
			ac.mu.Unlock()
			return n, nil
		}
		ac.mu.Unlock()

		select {
		case <-ac.ready:
		case <-timer.C:
			return Notification{}, ErrTimeout
		case <-ctx.Done():
			return Notification{}, ctx.Err()
		case <-ac.quit:
			return Notification{}, ErrClosed
		}
	}
}

func (ac *asyncChan) setHandler(h func(Notification)) {
	ac.mu.Lock()
	ac.handler = h
	ac.mu.Unlock()
}

func (ac *asyncChan) failAll(err error) {
	ac.mu.Lock()
	if ac.failed == nil {
		ac.failed = err
	}
	for mtype, ch := range ac.pending {
		delete(ac.pending, mtype)
		ch <- asyncReply{err: err}
	}
	ac.mu.Unlock()

	select {
	case ac.ready <- struct{}{}:
	default:
	}
}

func (ac *asyncChan) fatalize(err error) {
	ac.msg.Errorf("asynchronous channel fatal: %+v", err)
	ac.failAll(ErrSessionFatal)
	if ac.onFatal != nil {
		ac.onFatal(err)
	}
}

func (ac *asyncChan) close() {
	select {
	case <-ac.quit:
	default:
		close(ac.quit)
	}
	ac.failAll(ErrClosed)
}
