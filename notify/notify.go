// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package notify fans instrument notifications out to interested
// processes over a nanomsg pub/sub pair. A publisher attached to a
// session forwards every service request and interrupt; any number of
// subscribers, local or remote, receive them.
package notify // import "github.com/go-daq/hislip/notify"

import (
	"bytes"
	"time"

	"github.com/go-daq/hislip"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"
	"go.nanomsg.org/mangos/v3/protocol/sub"
	"golang.org/x/xerrors"

	_ "go.nanomsg.org/mangos/v3/transport/inproc"
	_ "go.nanomsg.org/mangos/v3/transport/ipc"
	_ "go.nanomsg.org/mangos/v3/transport/tcp"
)

// Pub publishes session notifications on a nanomsg endpoint.
type Pub struct {
	sck mangos.Socket
	lis mangos.Listener
	msg logStream
}

type logStream interface {
	Warnf(format string, a ...interface{}) (int, error)
}

// NewPub opens a publisher listening on ep (e.g. "tcp://:5050" or
// "inproc://srq").
func NewPub(ep string, msg logStream) (*Pub, error) {
	sck, err := pub.NewSocket()
	if err != nil {
		return nil, xerrors.Errorf("could not create pub socket %q: %w", ep, err)
	}
	lis, err := sck.NewListener(ep, nil)
	if err != nil {
		_ = sck.Close()
		return nil, xerrors.Errorf("could not create listener %q: %w", ep, err)
	}
	err = lis.Listen()
	if err != nil {
		_ = lis.Close()
		_ = sck.Close()
		return nil, xerrors.Errorf("could not listen on %q: %w", ep, err)
	}
	return &Pub{sck: sck, lis: lis, msg: msg}, nil
}

// Publish sends one notification to all current subscribers.
// Subscriber-less publishes are dropped by the socket, not an error.
func (p *Pub) Publish(n hislip.Notification) error {
	err := p.sck.Send(encode(n))
	if err != nil {
		return xerrors.Errorf("could not publish notification: %w", err)
	}
	return nil
}

// Attach registers the publisher as the session's notification
// handler: every service request and interrupt is forwarded as it
// arrives.
func (p *Pub) Attach(s *hislip.Session) {
	s.OnNotification(func(n hislip.Notification) {
		err := p.Publish(n)
		if err != nil && p.msg != nil {
			p.msg.Warnf("dropping notification: %+v", err)
		}
	})
}

func (p *Pub) Close() error {
	err := p.lis.Close()
	if err2 := p.sck.Close(); err == nil {
		err = err2
	}
	return err
}

// Sub receives notifications published on a nanomsg endpoint.
type Sub struct {
	sck mangos.Socket
}

// NewSub connects a subscriber to ep.
func NewSub(ep string) (*Sub, error) {
	sck, err := sub.NewSocket()
	if err != nil {
		return nil, xerrors.Errorf("could not create sub socket %q: %w", ep, err)
	}
	err = sck.SetOption(mangos.OptionSubscribe, []byte(""))
	if err != nil {
		_ = sck.Close()
		return nil, xerrors.Errorf("could not subscribe: %w", err)
	}
	err = sck.Dial(ep)
	if err != nil {
		_ = sck.Close()
		return nil, xerrors.Errorf("could not dial %q: %w", ep, err)
	}
	return &Sub{sck: sck}, nil
}

// SetRecvDeadline bounds how long Recv blocks.
func (s *Sub) SetRecvDeadline(d time.Duration) error {
	return s.sck.SetOption(mangos.OptionRecvDeadline, d)
}

// Recv blocks until the next notification arrives.
func (s *Sub) Recv() (hislip.Notification, error) {
	raw, err := s.sck.Recv()
	if err != nil {
		return hislip.Notification{}, xerrors.Errorf("could not receive notification: %w", err)
	}
	return decode(raw)
}

func (s *Sub) Close() error { return s.sck.Close() }

func encode(n hislip.Notification) []byte {
	buf := new(bytes.Buffer)
	enc := hislip.NewEncoder(buf)
	enc.WriteU8(uint8(n.Type))
	enc.WriteU8(n.Control)
	enc.WriteU32(n.Param)
	return buf.Bytes()
}

func decode(raw []byte) (hislip.Notification, error) {
	if len(raw) != 6 {
		return hislip.Notification{}, xerrors.Errorf("invalid notification length %d", len(raw))
	}
	dec := hislip.NewDecoder(bytes.NewReader(raw))
	var n hislip.Notification
	n.Type = hislip.MsgType(dec.ReadU8())
	n.Control = dec.ReadU8()
	n.Param = dec.ReadU32()
	if dec.Err() != nil {
		return hislip.Notification{}, xerrors.Errorf("could not decode notification: %w", dec.Err())
	}
	return n, nil
}
