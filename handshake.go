// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hislip // import "github.com/go-daq/hislip"

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/go-daq/hislip/config"
	"github.com/go-daq/hislip/log"
	"golang.org/x/xerrors"
)

// handshakeInfo is the outcome of the two-leg initialization
// exchange.
type handshakeInfo struct {
	SessionID      uint16
	Version        uint16 // negotiated, min of client and server
	ServerVendorID uint16
	Overlapped     bool   // overlap mode, as chosen by the server
	MaxMessageSize uint64 // effective limit for either direction
}

// handshake runs the session establishment sequence: Initialize on
// the synchronous connection, AsyncInitialize on the asynchronous
// one, then the maximum-message-size negotiation. Both connections
// must be freshly dialed and not yet driven by the channel listeners.
func handshake(ctx context.Context, sconn, aconn *conn, cfg config.Session, msg log.MsgStream) (handshakeInfo, error) {
	var info handshakeInfo

	deadline := time.Now().Add(cfg.Timeout)
	_ = sconn.raw.SetDeadline(deadline)
	_ = aconn.raw.SetDeadline(deadline)
	defer func() {
		_ = sconn.raw.SetDeadline(time.Time{})
		_ = aconn.raw.SetDeadline(time.Time{})
	}()

	// synchronous leg.
	err := SendFrame(ctx, sconn, Frame{
		Type:    MsgInitialize,
		Param:   initParam(Version, cfg.VendorID),
		Payload: []byte(cfg.SubAddress),
	})
	if err != nil {
		return info, xerrors.Errorf("%w: could not send Initialize: %v", ErrHandshake, err)
	}
	resp, err := recvHandshake(ctx, sconn)
	if err != nil {
		return info, err
	}
	if resp.Type != MsgInitializeResponse {
		return info, xerrors.Errorf("%w: got %v in response to Initialize", ErrHandshake, resp.Type)
	}
	srvVersion, sid := splitInitResponseParam(resp.Param)
	info.SessionID = sid
	info.Version = minVersion(Version, srvVersion)
	info.Overlapped = resp.Control&0x01 == 0x01
	if info.Overlapped != cfg.Overlapped {
		msg.Debugf("server selected overlapped=%v (requested %v)", info.Overlapped, cfg.Overlapped)
	}
	maj, min := splitVersion(info.Version)
	msg.Debugf("session 0x%04x established, protocol %d.%d", sid, maj, min)

	// asynchronous leg: the session identifier binds this connection
	// to the one above.
	err = SendFrame(ctx, aconn, Frame{
		Type:  MsgAsyncInitialize,
		Param: uint32(sid),
	})
	if err != nil {
		return info, xerrors.Errorf("%w: could not send AsyncInitialize: %v", ErrHandshake, err)
	}
	resp, err = recvHandshake(ctx, aconn)
	if err != nil {
		return info, err
	}
	if resp.Type != MsgAsyncInitializeResponse {
		return info, xerrors.Errorf("%w: got %v in response to AsyncInitialize", ErrHandshake, resp.Type)
	}
	vendor, echoed := splitAsyncInitResponseParam(resp.Param)
	if echoed != sid {
		return info, xerrors.Errorf("%w: session-id mismatch (sync=0x%04x async=0x%04x)",
			ErrHandshake, sid, echoed)
	}
	info.ServerVendorID = vendor

	// maximum message size: each side announces its limit and the
	// effective one is the smaller of the two.
	max, err := negotiateMaxSize(ctx, aconn, cfg.MaxMessageSize)
	if err != nil {
		return info, err
	}
	info.MaxMessageSize = max
	msg.Debugf("maximum message size: %d bytes", max)

	return info, nil
}

// recvHandshake reads one frame during establishment, mapping error
// and fatal-error frames to handshake failures.
func recvHandshake(ctx context.Context, c *conn) (Frame, error) {
	frame, err := RecvFrame(ctx, c)
	if err != nil {
		return Frame{}, xerrors.Errorf("%w: %v", ErrHandshake, err)
	}
	switch frame.Type {
	case MsgFatalError:
		ferr := &FatalError{Code: frame.Control, Info: string(frame.Payload)}
		return Frame{}, xerrors.Errorf("%w: %v", ErrHandshake, ferr)
	case MsgError:
		perr := &ProtoError{Code: frame.Control, Info: string(frame.Payload)}
		return Frame{}, xerrors.Errorf("%w: %v", ErrHandshake, perr)
	}
	return frame, nil
}

func negotiateMaxSize(ctx context.Context, aconn *conn, client uint64) (uint64, error) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], client)
	err := SendFrame(ctx, aconn, Frame{Type: MsgAsyncMaximumMessageSize, Payload: buf[:]})
	if err != nil {
		return 0, xerrors.Errorf("%w: could not send AsyncMaximumMessageSize: %v", ErrHandshake, err)
	}
	resp, err := recvHandshake(ctx, aconn)
	if err != nil {
		return 0, err
	}
	if resp.Type != MsgAsyncMaximumMessageSizeResp || len(resp.Payload) != 8 {
		return 0, xerrors.Errorf("%w: got %v (%d bytes) in response to AsyncMaximumMessageSize",
			ErrHandshake, resp.Type, len(resp.Payload))
	}
	server := binary.BigEndian.Uint64(resp.Payload)
	if server < HeaderLen+1 {
		return 0, xerrors.Errorf("%w: server maximum message size %d is unusable", ErrHandshake, server)
	}
	if server < client {
		return server, nil
	}
	return client, nil
}
