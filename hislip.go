// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hislip implements the client side of the High-Speed LAN Instrument
// Protocol (HiSLIP 1.1, IVI-6.1), the TCP replacement for GPIB and VXI-11
// transports on modern test and measurement instruments.
//
// A Session owns two TCP connections to the instrument: the synchronous
// channel carries commands, data and responses, the asynchronous channel
// carries service requests, interrupts, lock and remote/local traffic.
// Open establishes both channels, Query/Send/ReadRaw drive the synchronous
// channel, NextNotification and OnNotification expose service requests and
// interrupts.
package hislip // import "github.com/go-daq/hislip"

import "fmt"

const (
	// DefaultPort is the IANA-registered HiSLIP port.
	DefaultPort = 4880

	// HeaderLen is the fixed size of a HiSLIP message header in bytes.
	HeaderLen = 16

	// Version is the protocol version this client implements,
	// major<<8|minor.
	Version uint16 = 0x0101 // HiSLIP 1.1

	// initialMessageID is the first message identifier of a session
	// (IVI-6.1 §3.1.2). Identifiers advance by 2 and wrap at 2^32.
	initialMessageID uint32 = 0xffffff00

	// anyMessageID is sent by servers that do not track message
	// identifiers; it matches any outstanding command in synchronized
	// mode.
	anyMessageID uint32 = 0xffffffff

	// DefaultMaxMessageSize is the maximum message size (header
	// included) assumed before negotiation.
	DefaultMaxMessageSize uint64 = 1024 * 1024
)

var prologue = [2]byte{'H', 'S'}

// MsgType identifies a HiSLIP message (IVI-6.1 table 4).
type MsgType uint8

const (
	MsgInitialize                  MsgType = 0
	MsgInitializeResponse          MsgType = 1
	MsgFatalError                  MsgType = 2
	MsgError                       MsgType = 3
	MsgAsyncLock                   MsgType = 4
	MsgAsyncLockResponse           MsgType = 5
	MsgData                        MsgType = 6
	MsgDataEnd                     MsgType = 7
	MsgDeviceClearComplete         MsgType = 8
	MsgDeviceClearAcknowledge      MsgType = 9
	MsgAsyncRemoteLocalControl     MsgType = 10
	MsgAsyncRemoteLocalResponse    MsgType = 11
	MsgTrigger                     MsgType = 12
	MsgInterrupted                 MsgType = 13
	MsgAsyncInterrupted            MsgType = 14
	MsgAsyncMaximumMessageSize     MsgType = 15
	MsgAsyncMaximumMessageSizeResp MsgType = 16
	MsgAsyncInitialize             MsgType = 17
	MsgAsyncInitializeResponse     MsgType = 18
	MsgAsyncDeviceClear            MsgType = 19
	MsgAsyncServiceRequest         MsgType = 20
	MsgAsyncStatusQuery            MsgType = 21
	MsgAsyncStatusResponse         MsgType = 22
	MsgAsyncDeviceClearAcknowledge MsgType = 23
	MsgAsyncLockInfo               MsgType = 24
	MsgAsyncLockInfoResponse       MsgType = 25
	MsgVendorSpecific              MsgType = 128 // 128..255: vendor defined
)

var msgTypeNames = [...]string{
	MsgInitialize:                  "Initialize",
	MsgInitializeResponse:          "InitializeResponse",
	MsgFatalError:                  "FatalError",
	MsgError:                       "Error",
	MsgAsyncLock:                   "AsyncLock",
	MsgAsyncLockResponse:           "AsyncLockResponse",
	MsgData:                        "Data",
	MsgDataEnd:                     "DataEnd",
	MsgDeviceClearComplete:         "DeviceClearComplete",
	MsgDeviceClearAcknowledge:      "DeviceClearAcknowledge",
	MsgAsyncRemoteLocalControl:     "AsyncRemoteLocalControl",
	MsgAsyncRemoteLocalResponse:    "AsyncRemoteLocalResponse",
	MsgTrigger:                     "Trigger",
	MsgInterrupted:                 "Interrupted",
	MsgAsyncInterrupted:            "AsyncInterrupted",
	MsgAsyncMaximumMessageSize:     "AsyncMaximumMessageSize",
	MsgAsyncMaximumMessageSizeResp: "AsyncMaximumMessageSizeResponse",
	MsgAsyncInitialize:             "AsyncInitialize",
	MsgAsyncInitializeResponse:     "AsyncInitializeResponse",
	MsgAsyncDeviceClear:            "AsyncDeviceClear",
	MsgAsyncServiceRequest:         "AsyncServiceRequest",
	MsgAsyncStatusQuery:            "AsyncStatusQuery",
	MsgAsyncStatusResponse:         "AsyncStatusResponse",
	MsgAsyncDeviceClearAcknowledge: "AsyncDeviceClearAcknowledge",
	MsgAsyncLockInfo:               "AsyncLockInfo",
	MsgAsyncLockInfoResponse:       "AsyncLockInfoResponse",
}

// String returns the human-readable name of a message type.
func (mt MsgType) String() string {
	if int(mt) < len(msgTypeNames) && msgTypeNames[mt] != "" {
		return msgTypeNames[mt]
	}
	if mt >= MsgVendorSpecific {
		return fmt.Sprintf("VendorSpecific(%d)", uint8(mt))
	}
	return fmt.Sprintf("MsgType(%d)", uint8(mt))
}

// known reports whether mt is defined by HiSLIP 1.1 or falls in the
// vendor-defined range.
func (mt MsgType) known() bool {
	return mt <= MsgAsyncLockInfoResponse || mt >= MsgVendorSpecific
}

// Control-code values.
const (
	// Data/DataEnd/Trigger/AsyncStatusQuery control bit 0.
	ctrlRMTDelivered uint8 = 0x01

	// AsyncLock request control codes.
	ctrlLockRelease uint8 = 0
	ctrlLockRequest uint8 = 1

	// AsyncLockResponse control codes.
	ctrlLockFail          uint8 = 0
	ctrlLockSuccess       uint8 = 1
	ctrlLockSharedSuccess uint8 = 2
	ctrlLockError         uint8 = 3
)

// RemoteLocal request codes (IVI-6.1 §6.12).
const (
	RemoteDisable       uint8 = 0 // disable remote
	RemoteEnable        uint8 = 1 // enable remote
	RemoteDisableGTL    uint8 = 2 // disable remote and go to local
	RemoteEnableGTR     uint8 = 3 // enable remote and go to remote
	RemoteEnableLLO     uint8 = 4 // enable remote and lock out local
	RemoteEnableGTRLLO  uint8 = 5 // enable remote, go to remote, local lockout
	RemoteGTLKeepRemote uint8 = 6 // go to local, keep remote enabled
)

// Fatal error codes carried by FatalError messages (IVI-6.1 table 5).
const (
	FatalUnidentified       uint8 = 0
	FatalPoorlyFormed       uint8 = 1
	FatalChannelsNotEstab   uint8 = 2
	FatalInvalidInitSeq     uint8 = 3
	FatalMaxClientsExceeded uint8 = 4
)

var fatalCodeNames = [...]string{
	FatalUnidentified:       "unidentified error",
	FatalPoorlyFormed:       "poorly formed message header",
	FatalChannelsNotEstab:   "attempt to use connection without both channels established",
	FatalInvalidInitSeq:     "invalid initialization sequence",
	FatalMaxClientsExceeded: "maximum number of clients exceeded",
}

// Non-fatal error codes carried by Error messages (IVI-6.1 table 6).
const (
	ErrCodeUnidentified     uint8 = 0
	ErrCodeBadMsgType       uint8 = 1
	ErrCodeBadControlCode   uint8 = 2
	ErrCodeBadVendorMessage uint8 = 3
	ErrCodeMessageTooLarge  uint8 = 4
)

var errCodeNames = [...]string{
	ErrCodeUnidentified:     "unidentified error",
	ErrCodeBadMsgType:       "unrecognized message type",
	ErrCodeBadControlCode:   "unrecognized control code",
	ErrCodeBadVendorMessage: "unrecognized vendor defined message",
	ErrCodeMessageTooLarge:  "message too large",
}
