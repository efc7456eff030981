// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fsm describes the states of a HiSLIP channel.
package fsm // import "github.com/go-daq/hislip/fsm"

import (
	"fmt"
)

// Status describes the current state of the synchronous channel.
type Status uint8

const (
	Idle Status = iota
	AwaitingResponse
	Reassembling
	Closed
	Fatal
)

func (st Status) String() string {
	switch st {
	case Idle:
		return "idle"
	case AwaitingResponse:
		return "awaiting-response"
	case Reassembling:
		return "reassembling"
	case Closed:
		return "closed"
	case Fatal:
		return "fatal"
	default:
		panic(fmt.Errorf("invalid status value %d", uint8(st)))
	}
}
