// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hislip // import "github.com/go-daq/hislip"

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"

	"golang.org/x/xerrors"
)

// Frame is one HiSLIP protocol unit: a 16-byte header followed by an
// optional payload. The wire layout is:
//
//	"HS" | type (1) | control (1) | parameter (4, BE) | length (8, BE) | payload
type Frame struct {
	Type    MsgType
	Control uint8  // control-code bits, meaning depends on Type
	Param   uint32 // message parameter, meaning depends on Type
	Payload []byte
}

// Decode decodes one frame from p without blocking. It returns the
// frame and the number of bytes consumed. When p does not yet hold a
// complete header and payload, Decode returns ErrNeedMore and consumes
// nothing, so callers can read more from the transport and retry.
//
// Message types reserved by HiSLIP 1.1 but unknown to this client fail
// with ErrMalformedFrame; types in the vendor-defined range (>= 128)
// pass through untouched.
func Decode(p []byte) (Frame, int, error) {
	var frame Frame
	if len(p) < HeaderLen {
		return frame, 0, ErrNeedMore
	}
	if p[0] != prologue[0] || p[1] != prologue[1] {
		return frame, 0, xerrors.Errorf("invalid prologue %q: %w", p[:2], ErrMalformedFrame)
	}
	frame.Type = MsgType(p[2])
	frame.Control = p[3]
	frame.Param = binary.BigEndian.Uint32(p[4:8])
	size := binary.BigEndian.Uint64(p[8:16])

	if !frame.Type.known() {
		return frame, 0, xerrors.Errorf("unrecognized message type %d: %w", p[2], ErrMalformedFrame)
	}
	if size > math.MaxInt32 {
		return frame, 0, xerrors.Errorf("oversized frame (len=%d): %w", size, ErrMalformedFrame)
	}
	if uint64(len(p)-HeaderLen) < size {
		return frame, 0, ErrNeedMore
	}

	if size > 0 {
		frame.Payload = make([]byte, size)
		copy(frame.Payload, p[HeaderLen:HeaderLen+int(size)])
	}
	return frame, HeaderLen + int(size), nil
}

// Encode appends the wire form of frame to a new buffer.
func Encode(frame Frame) []byte {
	buf := new(bytes.Buffer)
	buf.Grow(HeaderLen + len(frame.Payload))
	enc := NewEncoder(buf)
	enc.WriteBytes(prologue[:])
	enc.WriteU8(uint8(frame.Type))
	enc.WriteU8(frame.Control)
	enc.WriteU32(frame.Param)
	enc.WriteU64(uint64(len(frame.Payload)))
	enc.WriteBytes(frame.Payload)
	return buf.Bytes()
}

// SendFrame writes one frame to w. The header and payload are written
// as a single Write so concurrent senders sharing a serialized writer
// cannot interleave inside a frame.
func SendFrame(ctx context.Context, w io.Writer, frame Frame) error {
	_, err := w.Write(Encode(frame))
	if err != nil {
		return xerrors.Errorf("could not send %v frame: %w", frame.Type, err)
	}
	return nil
}

// RecvFrame reads one complete frame from r, blocking until the
// declared payload length has been read.
func RecvFrame(ctx context.Context, r io.Reader) (Frame, error) {
	var (
		frame Frame
		hdr   = make([]byte, HeaderLen)
	)
	_, err := io.ReadFull(r, hdr)
	if err != nil {
		return frame, xerrors.Errorf("could not receive frame header: %w", err)
	}

	frame, _, err = Decode(hdr)
	switch {
	case err == nil:
		return frame, nil
	case xerrors.Is(err, ErrNeedMore):
		// header ok, payload pending.
	default:
		return frame, err
	}

	size := binary.BigEndian.Uint64(hdr[8:16])
	frame.Payload = make([]byte, size)
	_, err = io.ReadFull(r, frame.Payload)
	if err != nil {
		return frame, xerrors.Errorf("could not receive frame payload: %w", err)
	}
	return frame, nil
}
