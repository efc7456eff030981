// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hislip // import "github.com/go-daq/hislip"

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
)

// testInstrument simulates a HiSLIP server: it accepts the two
// connections of a session, answers the establishment sequence and
// serves queries through a configurable handler.
type testInstrument struct {
	t   *testing.T
	lis net.Listener

	sid     uint16
	echoSID uint16 // session-id echoed on the async leg
	vendor  uint16
	overlap bool
	max     uint64 // announced maximum message size

	respFrag  int  // response fragment payload size, 0 disables fragmenting
	anyID     bool // respond with the any-message-id wildcard
	revPairs  bool // answer every second query before the first
	stb       uint8
	lockReply uint8 // AsyncLockResponse control code; 0xff keeps quiet

	onQuery func(cmd string) (resp string, ok bool)

	fatals chan Frame // FatalError frames received from the client

	mu    sync.Mutex
	sconn net.Conn
	aconn net.Conn
	held  struct {
		id   uint32
		resp string
		ok   bool
	}

	wg   sync.WaitGroup
	quit chan struct{}
}

func newTestInstrument(t *testing.T) *testInstrument {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("could not listen: %+v", err)
	}
	inst := &testInstrument{
		t:         t,
		lis:       lis,
		sid:       0xbeef,
		echoSID:   0xbeef,
		vendor:    0x4754, // "GT"
		max:       DefaultMaxMessageSize,
		lockReply: ctrlLockSuccess,
		fatals:    make(chan Frame, 4),
		quit:      make(chan struct{}),
		onQuery: func(cmd string) (string, bool) {
			if cmd == "*IDN?\n" {
				return "go-daq,test-instrument,0,1.0\n", true
			}
			return "", false
		},
	}
	return inst
}

func (inst *testInstrument) addr() string { return inst.lis.Addr().String() }

func (inst *testInstrument) start() {
	inst.wg.Add(1)
	go func() {
		defer inst.wg.Done()
		for {
			conn, err := inst.lis.Accept()
			if err != nil {
				return
			}
			inst.wg.Add(1)
			go func() {
				defer inst.wg.Done()
				inst.serve(conn)
			}()
		}
	}()
}

func (inst *testInstrument) stop() {
	close(inst.quit)
	_ = inst.lis.Close()
	inst.mu.Lock()
	if inst.sconn != nil {
		_ = inst.sconn.Close()
	}
	if inst.aconn != nil {
		_ = inst.aconn.Close()
	}
	inst.mu.Unlock()
	inst.wg.Wait()
}

// serve dispatches an accepted connection on its first frame:
// Initialize starts the synchronous loop, AsyncInitialize the
// asynchronous one.
func (inst *testInstrument) serve(conn net.Conn) {
	ctx := context.Background()
	frame, err := RecvFrame(ctx, conn)
	if err != nil {
		return
	}
	switch frame.Type {
	case MsgInitialize:
		inst.mu.Lock()
		inst.sconn = conn
		inst.mu.Unlock()
		ctrl := uint8(0)
		if inst.overlap {
			ctrl = 1
		}
		_ = SendFrame(ctx, conn, Frame{
			Type:    MsgInitializeResponse,
			Control: ctrl,
			Param:   uint32(Version)<<16 | uint32(inst.sid),
		})
		inst.syncLoop(ctx, conn)
	case MsgAsyncInitialize:
		inst.mu.Lock()
		inst.aconn = conn
		inst.mu.Unlock()
		_ = SendFrame(ctx, conn, Frame{
			Type:  MsgAsyncInitializeResponse,
			Param: uint32(inst.vendor)<<16 | uint32(inst.echoSID),
		})
		inst.asyncLoop(ctx, conn)
	}
}

func (inst *testInstrument) syncLoop(ctx context.Context, conn net.Conn) {
	bufs := make(map[uint32]*bytes.Buffer)
	for {
		frame, err := RecvFrame(ctx, conn)
		if err != nil {
			return
		}
		switch frame.Type {
		case MsgData, MsgDataEnd:
			buf := bufs[frame.Param]
			if buf == nil {
				buf = new(bytes.Buffer)
				bufs[frame.Param] = buf
			}
			buf.Write(frame.Payload)
			if frame.Type != MsgDataEnd {
				continue
			}
			delete(bufs, frame.Param)
			resp, ok := inst.onQuery(buf.String())
			inst.answer(ctx, conn, frame.Param, resp, ok)

		case MsgTrigger:
			// accepted silently.

		case MsgDeviceClearComplete:
			_ = SendFrame(ctx, conn, Frame{
				Type:    MsgDeviceClearAcknowledge,
				Control: frame.Control,
			})
		}
	}
}

// answer sends one reassembled response, honoring the out-of-order
// and wildcard-identifier knobs.
func (inst *testInstrument) answer(ctx context.Context, conn net.Conn, id uint32, resp string, ok bool) {
	if inst.revPairs {
		inst.mu.Lock()
		if !inst.held.ok {
			inst.held.id, inst.held.resp, inst.held.ok = id, resp, ok
			inst.mu.Unlock()
			return
		}
		first := inst.held
		inst.held.ok = false
		inst.mu.Unlock()
		if ok {
			inst.respond(ctx, conn, id, resp)
		}
		if first.ok {
			inst.respond(ctx, conn, first.id, first.resp)
		}
		return
	}
	if ok {
		inst.respond(ctx, conn, id, resp)
	}
}

func (inst *testInstrument) respond(ctx context.Context, conn net.Conn, id uint32, resp string) {
	if inst.anyID {
		id = anyMessageID
	}
	data := []byte(resp)
	frag := inst.respFrag
	if frag <= 0 {
		frag = len(data)
	}
	for {
		chunk := data
		last := true
		if len(chunk) > frag {
			chunk = data[:frag]
			last = false
		}
		mtype := MsgData
		if last {
			mtype = MsgDataEnd
		}
		err := SendFrame(ctx, conn, Frame{Type: mtype, Param: id, Payload: chunk})
		if err != nil || last {
			return
		}
		data = data[frag:]
	}
}

func (inst *testInstrument) asyncLoop(ctx context.Context, conn net.Conn) {
	for {
		frame, err := RecvFrame(ctx, conn)
		if err != nil {
			return
		}
		switch frame.Type {
		case MsgAsyncMaximumMessageSize:
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], inst.max)
			_ = SendFrame(ctx, conn, Frame{
				Type:    MsgAsyncMaximumMessageSizeResp,
				Payload: buf[:],
			})

		case MsgAsyncLock:
			if inst.lockReply == 0xff {
				continue
			}
			ctrl := inst.lockReply
			if frame.Control == ctrlLockRelease {
				ctrl = ctrlLockSuccess
			}
			_ = SendFrame(ctx, conn, Frame{Type: MsgAsyncLockResponse, Control: ctrl})

		case MsgAsyncLockInfo:
			_ = SendFrame(ctx, conn, Frame{
				Type:    MsgAsyncLockInfoResponse,
				Control: 1,
				Param:   3,
			})

		case MsgAsyncStatusQuery:
			_ = SendFrame(ctx, conn, Frame{Type: MsgAsyncStatusResponse, Control: inst.stb})

		case MsgAsyncRemoteLocalControl:
			_ = SendFrame(ctx, conn, Frame{Type: MsgAsyncRemoteLocalResponse})

		case MsgAsyncDeviceClear:
			ctrl := uint8(0)
			if inst.overlap {
				ctrl = 1
			}
			_ = SendFrame(ctx, conn, Frame{Type: MsgAsyncDeviceClearAcknowledge, Control: ctrl})

		case MsgFatalError:
			select {
			case inst.fatals <- frame:
			default:
			}
			return
		}
	}
}

// srq pushes an AsyncServiceRequest with the given status byte.
func (inst *testInstrument) srq(stb uint8) {
	inst.mu.Lock()
	conn := inst.aconn
	inst.mu.Unlock()
	if conn == nil {
		inst.t.Fatalf("srq: asynchronous connection not established")
	}
	err := SendFrame(context.Background(), conn, Frame{Type: MsgAsyncServiceRequest, Control: stb})
	if err != nil {
		inst.t.Errorf("could not send srq: %+v", err)
	}
}

// fatal broadcasts a FatalError on both connections.
func (inst *testInstrument) fatal(code uint8, info string) {
	inst.mu.Lock()
	sconn, aconn := inst.sconn, inst.aconn
	inst.mu.Unlock()
	ctx := context.Background()
	if sconn != nil {
		_ = SendFrame(ctx, sconn, Frame{Type: MsgFatalError, Control: code, Payload: []byte(info)})
	}
	if aconn != nil {
		_ = SendFrame(ctx, aconn, Frame{Type: MsgFatalError, Control: code, Payload: []byte(info)})
	}
}

// injectAsyncRaw writes raw bytes, framed or not, on the asynchronous
// connection.
func (inst *testInstrument) injectAsyncRaw(p []byte) {
	inst.mu.Lock()
	conn := inst.aconn
	inst.mu.Unlock()
	if conn == nil {
		inst.t.Fatalf("inject: asynchronous connection not established")
	}
	_, err := conn.Write(p)
	if err != nil {
		inst.t.Errorf("could not inject bytes: %+v", err)
	}
}

// injectSync writes a raw frame on the synchronous connection.
func (inst *testInstrument) injectSync(frame Frame) {
	inst.mu.Lock()
	conn := inst.sconn
	inst.mu.Unlock()
	if conn == nil {
		inst.t.Fatalf("injectSync: synchronous connection not established")
	}
	err := SendFrame(context.Background(), conn, frame)
	if err != nil {
		inst.t.Errorf("could not inject frame: %+v", err)
	}
}
