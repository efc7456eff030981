// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hislip // import "github.com/go-daq/hislip"

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/go-daq/hislip/fsm"
	"github.com/go-daq/hislip/log"
	"golang.org/x/xerrors"
)

// maxInFlight bounds the number of incomplete overlapped commands. A
// send past this limit fails with ErrIdentifierExhausted until earlier
// commands complete.
const maxInFlight = 64

// command is one command or query dispatched on the synchronous
// channel. It lives in the channel's outstanding table from send until
// its reassembled response is claimed by the caller.
type command struct {
	id  uint32
	buf bytes.Buffer // response fragments, in arrival order

	complete bool // DataEnd seen, or failed
	err      error

	done  chan struct{} // closed once complete
	avail chan struct{} // 1-buffered, pinged on each fragment
}

func (cmd *command) ping() {
	select {
	case cmd.avail <- struct{}{}:
	default:
	}
}

func (cmd *command) finish(err error) {
	if cmd.complete {
		return
	}
	cmd.complete = true
	cmd.err = err
	close(cmd.done)
	cmd.ping()
}

// syncChan drives the command/data/response exchange on the
// synchronous connection: message-identifier allocation, fragmenting
// of outgoing payloads, reassembly of inbound fragments and
// completion tracking, per IVI-6.1 §3.1.
type syncChan struct {
	conn *conn
	msg  log.MsgStream

	overlapped bool
	maxMsg     uint64 // negotiated maximum message size, header included

	wmu sync.Mutex // one command's fragments are written back-to-back

	mu      sync.Mutex
	state   fsm.Status
	fatal   error
	nextID  uint32
	lastID  uint32 // identifier of the most recent send
	sent    bool   // at least one command was sent this session
	rmt     bool   // response message terminator delivered
	pending map[uint32]*command

	nsent uint64 // commands and triggers dispatched
	nrecv uint64 // responses completed

	doneq  []uint32      // completed, unclaimed commands in completion order
	donech chan struct{} // 1-buffered, signaled on each completion

	clear chan Frame // DeviceClearAcknowledge delivery

	notify  func(Notification) // Interrupted frames, wire order
	onFatal func(error)

	quit chan struct{}
}

func newSyncChan(conn *conn, msg log.MsgStream, overlapped bool, maxMsg uint64) *syncChan {
	return &syncChan{
		conn:       conn,
		msg:        msg,
		overlapped: overlapped,
		maxMsg:     maxMsg,
		state:      fsm.Idle,
		nextID:     initialMessageID,
		pending:    make(map[uint32]*command),
		donech:     make(chan struct{}, 1),
		clear:      make(chan Frame, 1),
		quit:       make(chan struct{}),
	}
}

func (sc *syncChan) status() fsm.Status {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

// outstanding counts commands whose response is not yet complete.
func (sc *syncChan) outstanding() int {
	n := 0
	for _, cmd := range sc.pending {
		if !cmd.complete {
			n++
		}
	}
	return n
}

// allocID hands out the next free message identifier. Identifiers
// advance by 2 from 0xffffff00 and wrap; ones still present in the
// outstanding table are skipped.
func (sc *syncChan) allocID() (uint32, error) {
	if sc.outstanding() >= maxInFlight {
		return 0, ErrIdentifierExhausted
	}
	id := sc.nextID
	for i := 0; i <= len(sc.pending); i++ {
		if _, taken := sc.pending[id]; !taken {
			sc.nextID = id + 2
			return id, nil
		}
		id += 2
	}
	return 0, ErrIdentifierExhausted
}

// send fragments data and writes it as Data*..DataEnd frames. With
// wantReply the command enters the outstanding table and its
// identifier is returned for use with wait, readRaw or Result.
func (sc *syncChan) send(ctx context.Context, data []byte, wantReply bool) (uint32, error) {
	sc.mu.Lock()
	switch sc.state {
	case fsm.Closed:
		sc.mu.Unlock()
		return 0, ErrClosed
	case fsm.Fatal:
		err := sc.fatal
		sc.mu.Unlock()
		return 0, xerrors.Errorf("send rejected: %w", err)
	}
	if !sc.overlapped && sc.outstanding() > 0 {
		sc.mu.Unlock()
		return 0, ErrChannelBusy
	}

	id, err := sc.allocID()
	if err != nil {
		sc.mu.Unlock()
		return 0, err
	}
	ctrl := uint8(0)
	if sc.rmt {
		ctrl = ctrlRMTDelivered
	}
	if wantReply {
		sc.pending[id] = &command{
			id:    id,
			done:  make(chan struct{}),
			avail: make(chan struct{}, 1),
		}
		sc.state = fsm.AwaitingResponse
	}
	sc.lastID = id
	sc.sent = true
	sc.nsent++
	sc.mu.Unlock()

	err = sc.write(ctx, id, ctrl, data)
	if err != nil {
		sc.mu.Lock()
		if cmd, ok := sc.pending[id]; ok {
			delete(sc.pending, id)
			cmd.finish(err)
		}
		if sc.state == fsm.AwaitingResponse {
			sc.state = fsm.Idle
		}
		sc.mu.Unlock()
		return 0, err
	}
	return id, nil
}

// trigger emits a Trigger frame. It consumes a message identifier
// like a command does, but expects no response.
func (sc *syncChan) trigger(ctx context.Context) error {
	sc.mu.Lock()
	switch sc.state {
	case fsm.Closed:
		sc.mu.Unlock()
		return ErrClosed
	case fsm.Fatal:
		err := sc.fatal
		sc.mu.Unlock()
		return xerrors.Errorf("trigger rejected: %w", err)
	}
	if !sc.overlapped && sc.outstanding() > 0 {
		sc.mu.Unlock()
		return ErrChannelBusy
	}
	id, err := sc.allocID()
	if err != nil {
		sc.mu.Unlock()
		return err
	}
	ctrl := uint8(0)
	if sc.rmt {
		ctrl = ctrlRMTDelivered
	}
	sc.lastID = id
	sc.sent = true
	sc.nsent++
	sc.mu.Unlock()

	return SendFrame(ctx, sc.conn, Frame{Type: MsgTrigger, Control: ctrl, Param: id})
}

// write emits the fragments of one command back-to-back. All but the
// last carry Data (more data follows), the last carries DataEnd.
func (sc *syncChan) write(ctx context.Context, id uint32, ctrl uint8, data []byte) error {
	sc.wmu.Lock()
	defer sc.wmu.Unlock()

	max := int(sc.maxMsg) - HeaderLen
	if max <= 0 {
		max = len(data)
	}

	for {
		chunk := data
		last := true
		if len(chunk) > max {
			chunk = data[:max]
			last = false
		}
		mtype := MsgData
		if last {
			mtype = MsgDataEnd
		}
		err := SendFrame(ctx, sc.conn, Frame{Type: mtype, Control: ctrl, Param: id, Payload: chunk})
		if err != nil {
			return xerrors.Errorf("could not write command 0x%08x: %w", id, err)
		}
		if last {
			return nil
		}
		data = data[max:]
	}
}

// run is the single reader of the synchronous connection. It routes
// Data/DataEnd fragments to their outstanding command by message
// identifier and reports fatal transitions.
func (sc *syncChan) run(ctx context.Context) {
	for {
		frame, err := RecvFrame(ctx, sc.conn)
		if err != nil {
			select {
			case <-sc.quit:
				return
			default:
			}
			if xerrors.Is(err, ErrMalformedFrame) {
				// protocol violation from the peer: signal it and
				// give up on the session.
				_ = SendFrame(ctx, sc.conn, Frame{Type: MsgFatalError, Control: FatalPoorlyFormed})
				sc.fatalize(err)
				return
			}
			sc.fatalize(xerrors.Errorf("synchronous channel: %w: %v", ErrConnection, err))
			return
		}
		if sc.handle(ctx, frame) {
			return
		}
	}
}

// handle processes one inbound frame. It reports whether the channel
// reached the fatal state, after which nothing more may be read.
func (sc *syncChan) handle(ctx context.Context, frame Frame) bool {
	switch frame.Type {
	case MsgData, MsgDataEnd:
		sc.deliver(frame)

	case MsgInterrupted:
		sc.msg.Debugf("interrupted (id=0x%08x)", frame.Param)
		if sc.notify != nil {
			sc.notify(Notification{Type: MsgInterrupted, Control: frame.Control, Param: frame.Param})
		}

	case MsgDeviceClearAcknowledge:
		select {
		case sc.clear <- frame:
		default:
			sc.msg.Warnf("discarding unexpected DeviceClearAcknowledge")
		}

	case MsgError:
		perr := &ProtoError{Code: frame.Control, Info: string(frame.Payload)}
		sc.msg.Warnf("instrument error on synchronous channel: %v", perr)

	case MsgFatalError:
		sc.fatalize(&FatalError{Code: frame.Control, Info: string(frame.Payload)})
		return true

	default:
		sc.msg.Warnf("discarding %v frame on synchronous channel", frame.Type)
	}
	return false
}

// deliver routes one Data/DataEnd fragment to its command. Fragments
// whose identifier matches nothing outstanding are stale responses
// (overlapped mode) and are discarded with a diagnostic.
func (sc *syncChan) deliver(frame Frame) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	cmd := sc.pending[frame.Param]
	if cmd == nil && frame.Param == anyMessageID && !sc.overlapped {
		// server does not echo identifiers: route to the sole
		// outstanding command.
		for _, c := range sc.pending {
			if !c.complete {
				cmd = c
				break
			}
		}
	}
	if cmd == nil || cmd.complete {
		sc.msg.Warnf("discarding stale %v frame (id=0x%08x, %d bytes)",
			frame.Type, frame.Param, len(frame.Payload))
		return
	}

	cmd.buf.Write(frame.Payload)
	switch frame.Type {
	case MsgData:
		sc.state = fsm.Reassembling
		cmd.ping()
	case MsgDataEnd:
		n := len(frame.Payload)
		sc.rmt = n > 0 && frame.Payload[n-1] == '\n'
		sc.nrecv++
		cmd.finish(nil)
		sc.doneq = append(sc.doneq, cmd.id)
		select {
		case sc.donech <- struct{}{}:
		default:
		}
		if sc.outstanding() == 0 {
			sc.state = fsm.Idle
		}
	}
}

// wait blocks until the command's response is fully reassembled, then
// claims it. A timeout abandons the wait only: the command stays in
// the table and remains reachable through its identifier.
func (sc *syncChan) wait(ctx context.Context, id uint32, timeout time.Duration) ([]byte, error) {
	sc.mu.Lock()
	cmd := sc.pending[id]
	sc.mu.Unlock()
	if cmd == nil {
		return nil, ErrUnknownID
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-cmd.done:
		sc.mu.Lock()
		delete(sc.pending, id)
		sc.mu.Unlock()
		if cmd.err != nil {
			return nil, cmd.err
		}
		return cmd.buf.Bytes(), nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-sc.quit:
		return nil, ErrClosed
	}
}

// waitAny claims the next completed response in completion order,
// blocking until one completes or the timeout elapses.
func (sc *syncChan) waitAny(ctx context.Context, timeout time.Duration) (uint32, []byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		sc.mu.Lock()
		for len(sc.doneq) > 0 {
			id := sc.doneq[0]
			sc.doneq = sc.doneq[1:]
			cmd := sc.pending[id]
			if cmd == nil || !cmd.complete || cmd.err != nil {
				continue // claimed through wait/readRaw meanwhile
			}
			delete(sc.pending, id)
			sc.mu.Unlock()
			return id, cmd.buf.Bytes(), nil
		}
		switch sc.state {
		case fsm.Fatal:
			err := sc.fatal
			sc.mu.Unlock()
			return 0, nil, xerrors.Errorf("wait rejected: %w", err)
		case fsm.Closed:
			sc.mu.Unlock()
			return 0, nil, ErrClosed
		}
		sc.mu.Unlock()

		select {
		case <-sc.donech:
		case <-timer.C:
			return 0, nil, ErrTimeout
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		case <-sc.quit:
			return 0, nil, ErrClosed
		}
	}
}

// readRaw drains up to max bytes of the command's response as they
// arrive, without waiting for full reassembly. eom reports that the
// final fragment was seen and the buffer is exhausted; the command is
// then removed from the table.
func (sc *syncChan) readRaw(ctx context.Context, id uint32, max int, timeout time.Duration) ([]byte, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		sc.mu.Lock()
		cmd := sc.pending[id]
		if cmd == nil {
			sc.mu.Unlock()
			return nil, false, ErrUnknownID
		}
		if cmd.err != nil {
			delete(sc.pending, id)
			sc.mu.Unlock()
			return nil, false, cmd.err
		}
		if cmd.buf.Len() > 0 || cmd.complete {
			n := cmd.buf.Len()
			if max > 0 && n > max {
				n = max
			}
			p := make([]byte, n)
			_, _ = cmd.buf.Read(p)
			eom := cmd.complete && cmd.buf.Len() == 0
			if eom {
				delete(sc.pending, id)
			}
			sc.mu.Unlock()
			return p, eom, nil
		}
		avail := cmd.avail
		sc.mu.Unlock()

		select {
		case <-avail:
		case <-cmd.done:
		case <-timer.C:
			return nil, false, ErrTimeout
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-sc.quit:
			return nil, false, ErrClosed
		}
	}
}

// fatalize moves the channel to the fatal state: every outstanding
// command fails and no further send is accepted.
func (sc *syncChan) fatalize(err error) {
	sc.mu.Lock()
	if sc.state == fsm.Fatal || sc.state == fsm.Closed {
		sc.mu.Unlock()
		return
	}
	sc.state = fsm.Fatal
	sc.fatal = err
	for id, cmd := range sc.pending {
		delete(sc.pending, id)
		cmd.finish(ErrSessionFatal)
	}
	sc.doneq = nil
	onFatal := sc.onFatal
	sc.mu.Unlock()

	select {
	case sc.donech <- struct{}{}:
	default:
	}
	sc.msg.Errorf("synchronous channel fatal: %+v", err)
	if onFatal != nil {
		onFatal(err)
	}
}

// reset flushes the outstanding table and rewinds identifier
// allocation, as mandated after a device-clear sequence.
func (sc *syncChan) reset(overlapped bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for id, cmd := range sc.pending {
		delete(sc.pending, id)
		cmd.finish(ErrInterrupted)
	}
	sc.overlapped = overlapped
	sc.nextID = initialMessageID
	sc.doneq = nil
	sc.sent = false
	sc.rmt = false
	if sc.state == fsm.AwaitingResponse || sc.state == fsm.Reassembling {
		sc.state = fsm.Idle
	}
}

func (sc *syncChan) close() {
	sc.mu.Lock()
	if sc.state == fsm.Closed {
		sc.mu.Unlock()
		return
	}
	if sc.state != fsm.Fatal {
		sc.state = fsm.Closed
	}
	for id, cmd := range sc.pending {
		delete(sc.pending, id)
		cmd.finish(ErrClosed)
	}
	sc.mu.Unlock()
	close(sc.quit)
}

// lastSentID returns the identifier most recently consumed by a send,
// for async operations that reference it (lock release, status query).
func (sc *syncChan) lastSentID() (uint32, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.lastID, sc.sent
}

// stats reports how many commands were dispatched and how many
// responses completed since the last reset.
func (sc *syncChan) stats() (sent, recv uint64) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.nsent, sc.nrecv
}

// rmtDelivered reports whether the last completed response carried a
// response message terminator.
func (sc *syncChan) rmtDelivered() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.rmt
}
