// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hislip_test

import (
	"bytes"
	"context"
	"reflect"
	"testing"

	"github.com/go-daq/hislip"
	"golang.org/x/xerrors"
)

func TestFrameRoundTrip(t *testing.T) {
	for _, tt := range []struct {
		name  string
		frame hislip.Frame
	}{
		{
			name:  "initialize",
			frame: hislip.Frame{Type: hislip.MsgInitialize, Param: 0x0101cafe, Payload: []byte("hislip0")},
		},
		{
			name:  "data-end",
			frame: hislip.Frame{Type: hislip.MsgDataEnd, Control: 0x01, Param: 0xffffff00, Payload: []byte("*IDN?\n")},
		},
		{
			name:  "trigger-no-payload",
			frame: hislip.Frame{Type: hislip.MsgTrigger, Param: 0xffffff02},
		},
		{
			name:  "srq",
			frame: hislip.Frame{Type: hislip.MsgAsyncServiceRequest, Control: 0x40},
		},
		{
			name:  "vendor-defined",
			frame: hislip.Frame{Type: 200, Control: 0xab, Param: 0xdeadbeef, Payload: []byte{1, 2, 3}},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			raw := hislip.Encode(tt.frame)
			if got, want := len(raw), hislip.HeaderLen+len(tt.frame.Payload); got != want {
				t.Fatalf("invalid wire length: got=%d, want=%d", got, want)
			}

			frame, n, err := hislip.Decode(raw)
			if err != nil {
				t.Fatalf("could not decode: %+v", err)
			}
			if n != len(raw) {
				t.Fatalf("invalid consumed count: got=%d, want=%d", n, len(raw))
			}
			if !reflect.DeepEqual(frame, tt.frame) {
				t.Fatalf("round-trip mismatch:\ngot = %#v\nwant= %#v", frame, tt.frame)
			}
		})
	}
}

func TestDecodeNeedMore(t *testing.T) {
	raw := hislip.Encode(hislip.Frame{
		Type:    hislip.MsgDataEnd,
		Param:   0xffffff00,
		Payload: []byte("1.25e-3\n"),
	})

	for _, tt := range []struct {
		name string
		raw  []byte
	}{
		{name: "empty", raw: nil},
		{name: "partial-header", raw: raw[:hislip.HeaderLen-1]},
		{name: "header-only", raw: raw[:hislip.HeaderLen]},
		{name: "partial-payload", raw: raw[:len(raw)-1]},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, n, err := hislip.Decode(tt.raw)
			if !xerrors.Is(err, hislip.ErrNeedMore) {
				t.Fatalf("invalid error: got=%+v, want=%v", err, hislip.ErrNeedMore)
			}
			if n != 0 {
				t.Fatalf("incomplete decode consumed %d bytes", n)
			}
		})
	}
}

func TestDecodeTrailing(t *testing.T) {
	frame := hislip.Frame{Type: hislip.MsgData, Param: 0xffffff00, Payload: []byte("abc")}
	raw := append(hislip.Encode(frame), "extra"...)

	got, n, err := hislip.Decode(raw)
	if err != nil {
		t.Fatalf("could not decode: %+v", err)
	}
	if want := hislip.HeaderLen + 3; n != want {
		t.Fatalf("invalid consumed count: got=%d, want=%d", n, want)
	}
	if !reflect.DeepEqual(got, frame) {
		t.Fatalf("decode mismatch:\ngot = %#v\nwant= %#v", got, frame)
	}
}

func TestDecodeMalformed(t *testing.T) {
	good := hislip.Encode(hislip.Frame{Type: hislip.MsgData, Param: 1, Payload: []byte("x")})

	badPrologue := append([]byte(nil), good...)
	badPrologue[0] = 'X'

	badType := append([]byte(nil), good...)
	badType[2] = 42 // reserved, not assigned by the protocol

	badSize := append([]byte(nil), good...)
	badSize[8] = 0x80 // declared payload length beyond any sane bound

	for _, tt := range []struct {
		name string
		raw  []byte
	}{
		{name: "bad-prologue", raw: badPrologue},
		{name: "reserved-type", raw: badType},
		{name: "oversized", raw: badSize},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := hislip.Decode(tt.raw)
			if !xerrors.Is(err, hislip.ErrMalformedFrame) {
				t.Fatalf("invalid error: got=%+v, want=%v", err, hislip.ErrMalformedFrame)
			}
		})
	}
}

func TestSendRecvFrame(t *testing.T) {
	want := hislip.Frame{
		Type:    hislip.MsgDataEnd,
		Control: 0x01,
		Param:   0xffffff04,
		Payload: []byte("MEAS:VOLT:DC?\n"),
	}

	buf := new(bytes.Buffer)
	ctx := context.Background()
	err := hislip.SendFrame(ctx, buf, want)
	if err != nil {
		t.Fatalf("could not send frame: %+v", err)
	}

	got, err := hislip.RecvFrame(ctx, buf)
	if err != nil {
		t.Fatalf("could not receive frame: %+v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round-trip mismatch:\ngot = %#v\nwant= %#v", got, want)
	}
}
