// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fsm

import (
	"testing"
)

func TestStatusString(t *testing.T) {
	for _, tt := range []struct {
		st   Status
		want string
	}{
		{Idle, "idle"},
		{AwaitingResponse, "awaiting-response"},
		{Reassembling, "reassembling"},
		{Closed, "closed"},
		{Fatal, "fatal"},
	} {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.st.String(); got != tt.want {
				t.Fatalf("got=%q, want=%q", got, tt.want)
			}
		})
	}
}

func TestStatusInvalid(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic")
		}
	}()
	_ = Status(255).String()
}
