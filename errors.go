// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hislip // import "github.com/go-daq/hislip"

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection reports the transport could not be established or
	// was reset by the peer.
	ErrConnection = errors.New("hislip: connection error")

	// ErrMalformedFrame reports a protocol violation from the peer.
	// The session is fatal afterwards.
	ErrMalformedFrame = errors.New("hislip: malformed frame")

	// ErrNeedMore is returned by Decode when the buffered data does not
	// yet hold a complete frame.
	ErrNeedMore = errors.New("hislip: incomplete frame")

	// ErrHandshake reports a failed connection negotiation. No usable
	// session exists after it.
	ErrHandshake = errors.New("hislip: handshake failed")

	// ErrChannelBusy is returned by a send in synchronized mode while
	// another command is still outstanding.
	ErrChannelBusy = errors.New("hislip: synchronous channel busy")

	// ErrIdentifierExhausted reports too many in-flight overlapped
	// commands: no free message identifier could be allocated.
	ErrIdentifierExhausted = errors.New("hislip: message identifiers exhausted")

	// ErrSessionFatal reports the session transitioned to the fatal
	// state; it must be reopened.
	ErrSessionFatal = errors.New("hislip: session in fatal state")

	// ErrTimeout reports a caller-specified deadline elapsed. The
	// session itself is unaffected.
	ErrTimeout = errors.New("hislip: timeout")

	// ErrLockTimeout reports the instrument did not answer a lock
	// request in time.
	ErrLockTimeout = errors.New("hislip: lock timeout")

	// ErrLockDenied reports the instrument refused a lock request.
	ErrLockDenied = errors.New("hislip: lock denied")

	// ErrNotLocked is returned by Release when no lock is held.
	ErrNotLocked = errors.New("hislip: lock not held")

	// ErrClosed reports an operation on a closed session.
	ErrClosed = errors.New("hislip: session closed")

	// ErrInterrupted reports the instrument interrupted an exchange on
	// the synchronous channel.
	ErrInterrupted = errors.New("hislip: interrupted")

	// ErrUnknownID is returned by Result for a message identifier with
	// no outstanding command.
	ErrUnknownID = errors.New("hislip: unknown message identifier")
)

// FatalError is a FatalError message received from (or about to be sent
// to) the instrument. It unwraps to ErrSessionFatal.
type FatalError struct {
	Code uint8
	Info string // optional payload text
}

func (e *FatalError) Error() string {
	desc := "device defined error"
	if int(e.Code) < len(fatalCodeNames) {
		desc = fatalCodeNames[e.Code]
	}
	if e.Info != "" {
		return fmt.Sprintf("hislip: fatal error %d: %s (%s)", e.Code, desc, e.Info)
	}
	return fmt.Sprintf("hislip: fatal error %d: %s", e.Code, desc)
}

func (e *FatalError) Unwrap() error { return ErrSessionFatal }

// ProtoError is a non-fatal Error message received from the instrument.
// The session remains usable.
type ProtoError struct {
	Code uint8
	Info string
}

func (e *ProtoError) Error() string {
	desc := "device defined error"
	if int(e.Code) < len(errCodeNames) {
		desc = errCodeNames[e.Code]
	}
	if e.Info != "" {
		return fmt.Sprintf("hislip: error %d: %s (%s)", e.Code, desc, e.Info)
	}
	return fmt.Sprintf("hislip: error %d: %s", e.Code, desc)
}
