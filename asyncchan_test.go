// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hislip // import "github.com/go-daq/hislip"

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-daq/hislip/log"
	"golang.org/x/xerrors"
)

func TestNotificationFIFO(t *testing.T) {
	ac := newAsyncChan(nil, log.NewMsgStream("test", log.LvlError, nil))
	ctx := context.Background()

	want := []Notification{
		{Type: MsgAsyncServiceRequest, Control: 0x40},
		{Type: MsgAsyncInterrupted, Param: 0xffffff04},
		{Type: MsgAsyncServiceRequest, Control: 0x41},
	}

	// arrivals before any waiter.
	for _, n := range want {
		ac.enqueue(n)
	}
	for i, w := range want {
		got, err := ac.next(ctx, time.Second)
		if err != nil {
			t.Fatalf("could not pop notification %d: %+v", i, err)
		}
		if got != w {
			t.Errorf("notification %d: got=%#v, want=%#v", i, got, w)
		}
	}

	// waiter before the arrival.
	type result struct {
		n   Notification
		err error
	}
	resc := make(chan result, 1)
	go func() {
		n, err := ac.next(ctx, time.Second)
		resc <- result{n, err}
	}()
	time.Sleep(20 * time.Millisecond)
	ac.enqueue(want[0])

	res := <-resc
	if res.err != nil {
		t.Fatalf("could not pop notification: %+v", res.err)
	}
	if res.n != want[0] {
		t.Errorf("notification: got=%#v, want=%#v", res.n, want[0])
	}

	// empty queue, timeout.
	_, err := ac.next(ctx, 10*time.Millisecond)
	if !xerrors.Is(err, ErrTimeout) {
		t.Fatalf("invalid error: got=%+v, want=%v", err, ErrTimeout)
	}
}

func TestNotificationHighWater(t *testing.T) {
	out := new(bytes.Buffer)
	ac := newAsyncChan(nil, log.NewMsgStream("test", log.LvlWarning, syncBuffer{out}))

	for i := 0; i < srqHighWater; i++ {
		ac.enqueue(Notification{Type: MsgAsyncServiceRequest, Control: 0x40})
	}
	if !strings.Contains(out.String(), "unclaimed") {
		t.Fatalf("expected a high-water warning, got: %q", out.String())
	}
	n := strings.Count(out.String(), "unclaimed")

	// the warning does not repeat while the queue stays deep.
	ac.enqueue(Notification{Type: MsgAsyncServiceRequest, Control: 0x40})
	if got := strings.Count(out.String(), "unclaimed"); got != n {
		t.Errorf("high-water warning repeated: got=%d, want=%d", got, n)
	}
}

type syncBuffer struct{ *bytes.Buffer }

func (syncBuffer) Sync() error { return nil }
