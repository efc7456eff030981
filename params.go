// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hislip // import "github.com/go-daq/hislip"

// Message-parameter packing helpers. The 4-byte parameter field is
// overloaded per message type (IVI-6.1 §4).

// initParam packs the Initialize parameter: protocol version in the
// upper 16 bits, client vendor-id in the lower 16.
func initParam(version, vendorID uint16) uint32 {
	return uint32(version)<<16 | uint32(vendorID)
}

// splitInitResponseParam unpacks the InitializeResponse parameter:
// negotiated protocol version in the upper 16 bits, session-id in the
// lower 16.
func splitInitResponseParam(param uint32) (version uint16, sessionID uint16) {
	return uint16(param >> 16), uint16(param)
}

// splitAsyncInitResponseParam unpacks the AsyncInitializeResponse
// parameter: server vendor-id in the upper 16 bits, echoed session-id
// in the lower 16.
func splitAsyncInitResponseParam(param uint32) (vendorID uint16, sessionID uint16) {
	return uint16(param >> 16), uint16(param)
}

// splitVersion unpacks a protocol version into major and minor.
func splitVersion(v uint16) (major, minor uint8) {
	return uint8(v >> 8), uint8(v)
}

// minVersion returns the lower of two protocol versions.
func minVersion(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}
