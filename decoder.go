// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hislip // import "github.com/go-daq/hislip"

import (
	"encoding/binary"
	"io"
)

// Decoder reads HiSLIP wire values from an io.Reader. All multi-byte
// values are big-endian per IVI-6.1. The first error sticks; later
// reads return zero values.
type Decoder struct {
	r   io.Reader
	err error
	buf []byte
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, buf: make([]byte, 8)}
}

func (dec *Decoder) Err() error { return dec.err }

func (dec *Decoder) load(n int) {
	if dec.err != nil {
		copy(dec.buf, []byte{0, 0, 0, 0, 0, 0, 0, 0})
		return
	}
	_, dec.err = io.ReadFull(dec.r, dec.buf[:n])
}

func (dec *Decoder) ReadU8() uint8 {
	dec.load(1)
	return dec.buf[0]
}

func (dec *Decoder) ReadU16() uint16 {
	dec.load(2)
	return binary.BigEndian.Uint16(dec.buf[:2])
}

func (dec *Decoder) ReadU32() uint32 {
	dec.load(4)
	return binary.BigEndian.Uint32(dec.buf[:4])
}

func (dec *Decoder) ReadU64() uint64 {
	dec.load(8)
	return binary.BigEndian.Uint64(dec.buf[:8])
}

// ReadBytes reads exactly n bytes.
func (dec *Decoder) ReadBytes(n int) []byte {
	if n == 0 || dec.err != nil {
		return nil
	}
	p := make([]byte, n)
	_, dec.err = io.ReadFull(dec.r, p)
	return p
}
