// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config describes how a HiSLIP session should be configured.
package config // import "github.com/go-daq/hislip/config"

import (
	"time"

	"github.com/go-daq/hislip/log"
)

// Session describes how a HiSLIP client session should be configured.
type Session struct {
	Addr       string    // host[:port] of the instrument; port defaults to 4880
	SubAddress string    // HiSLIP sub-address (e.g. "hislip0")
	VendorID   uint16    // client vendor-id sent during Initialize
	Level      log.Level // verbosity level of the session

	Timeout        time.Duration // default timeout for blocking facade calls
	MaxMessageSize uint64        // maximum message size offered during negotiation
	Overlapped     bool          // request overlapped command execution
	LockString     string        // shared-lock key; empty requests exclusive locks

	Args []string // additional flag arguments
}

// New returns a Session configuration with default values.
func New(addr string) Session {
	return Session{
		Addr:           addr,
		SubAddress:     "hislip0",
		Level:          log.LvlInfo,
		Timeout:        30 * time.Second,
		MaxMessageSize: 1024 * 1024,
	}
}
