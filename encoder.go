// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hislip // import "github.com/go-daq/hislip"

import (
	"encoding/binary"
	"io"
)

// Encoder writes HiSLIP wire values to an io.Writer. All multi-byte
// values are big-endian per IVI-6.1. The first error sticks; later
// writes are no-ops.
type Encoder struct {
	w   io.Writer
	err error

	buf []byte
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w, buf: make([]byte, 8)}
}

func (enc *Encoder) Err() error { return enc.err }

func (enc *Encoder) WriteU8(v uint8) {
	if enc.err != nil {
		return
	}
	enc.buf[0] = v
	_, enc.err = enc.w.Write(enc.buf[:1])
}

func (enc *Encoder) WriteU16(v uint16) {
	if enc.err != nil {
		return
	}
	binary.BigEndian.PutUint16(enc.buf[:2], v)
	_, enc.err = enc.w.Write(enc.buf[:2])
}

func (enc *Encoder) WriteU32(v uint32) {
	if enc.err != nil {
		return
	}
	binary.BigEndian.PutUint32(enc.buf[:4], v)
	_, enc.err = enc.w.Write(enc.buf[:4])
}

func (enc *Encoder) WriteU64(v uint64) {
	if enc.err != nil {
		return
	}
	binary.BigEndian.PutUint64(enc.buf[:8], v)
	_, enc.err = enc.w.Write(enc.buf[:8])
}

// WriteBytes writes p verbatim.
func (enc *Encoder) WriteBytes(p []byte) {
	if enc.err != nil {
		return
	}
	_, enc.err = enc.w.Write(p)
}
