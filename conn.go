// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hislip // import "github.com/go-daq/hislip"

import (
	"context"
	"net"
	"strconv"

	"github.com/go-daq/hislip/internal/iomux"
	"golang.org/x/xerrors"
)

// conn is one leg of the transport pair: a plain byte stream with no
// protocol knowledge. Reads are single-reader by construction (one
// loop per connection); writes go through a goroutine-safe writer so
// a frame is never interleaved with another.
type conn struct {
	raw net.Conn
	w   *iomux.Writer
}

func dial(ctx context.Context, addr string) (*conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Errorf("could not dial %q: %v: %w", addr, err, ErrConnection)
	}
	setupTCPConn(c.(*net.TCPConn))
	return &conn{raw: c, w: iomux.NewWriter(c)}, nil
}

// dialPair opens the two connections of a session against the same
// address. Neither has spoken any protocol yet.
func dialPair(ctx context.Context, addr string) (sc, ac *conn, err error) {
	sc, err = dial(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	ac, err = dial(ctx, addr)
	if err != nil {
		sc.Close()
		return nil, nil, err
	}
	return sc, ac, nil
}

func (c *conn) Read(p []byte) (int, error)  { return c.raw.Read(p) }
func (c *conn) Write(p []byte) (int, error) { return c.w.Write(p) }

// Close shuts the connection down, unblocking any pending read.
func (c *conn) Close() error { return c.raw.Close() }

func setupTCPConn(conn *net.TCPConn) {
	// best effort: keep long-lived instrument links alive and avoid
	// lingering sockets on teardown.
	_ = conn.SetKeepAlive(true)
	_ = conn.SetLinger(1)
}

// hostPort completes addr with the default HiSLIP port when none is
// given.
func hostPort(addr string) string {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, strconv.Itoa(DefaultPort))
	}
	return addr
}
