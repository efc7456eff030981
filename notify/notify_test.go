// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package notify_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/go-daq/hislip"
	"github.com/go-daq/hislip/notify"
)

func TestPubSub(t *testing.T) {
	ep := fmt.Sprintf("inproc://hislip-notify-%d", time.Now().UnixNano())

	pub, err := notify.NewPub(ep, nil)
	if err != nil {
		t.Fatalf("could not create publisher: %+v", err)
	}
	defer pub.Close()

	sub, err := notify.NewSub(ep)
	if err != nil {
		t.Fatalf("could not create subscriber: %+v", err)
	}
	defer sub.Close()

	err = sub.SetRecvDeadline(5 * time.Second)
	if err != nil {
		t.Fatalf("could not set deadline: %+v", err)
	}

	// pub/sub needs a beat for the subscription to reach the
	// publisher.
	time.Sleep(100 * time.Millisecond)

	want := []hislip.Notification{
		{Type: hislip.MsgAsyncServiceRequest, Control: 0x40},
		{Type: hislip.MsgAsyncServiceRequest, Control: 0x41},
		{Type: hislip.MsgInterrupted, Param: 0xffffff02},
	}
	for _, n := range want {
		err = pub.Publish(n)
		if err != nil {
			t.Fatalf("could not publish: %+v", err)
		}
	}

	for i, w := range want {
		got, err := sub.Recv()
		if err != nil {
			t.Fatalf("could not receive notification %d: %+v", i, err)
		}
		if got != w {
			t.Errorf("notification %d: got=%#v, want=%#v", i, got, w)
		}
	}
}
