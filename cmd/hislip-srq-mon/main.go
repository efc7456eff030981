// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// hislip-srq-mon watches a HiSLIP instrument for service requests and
// prints them as they arrive. With -pub, notifications are also
// published on a nanomsg endpoint for other processes to subscribe
// to; with -follow, the monitor skips the instrument entirely and
// follows a publisher instead.
//
//	$> hislip-srq-mon -addr=scope.example.org -pub=tcp://:5050
//	$> hislip-srq-mon -follow=tcp://scope-host:5050
package main // import "github.com/go-daq/hislip/cmd/hislip-srq-mon"

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-daq/hislip"
	"github.com/go-daq/hislip/config"
	"github.com/go-daq/hislip/log"
	"github.com/go-daq/hislip/notify"
)

func main() {
	var (
		addr   = flag.String("addr", "", "host[:port] of the HiSLIP instrument")
		sub    = flag.String("sub", "hislip0", "HiSLIP sub-address")
		pubEP  = flag.String("pub", "", "nanomsg endpoint to publish notifications on")
		follow = flag.String("follow", "", "nanomsg endpoint to subscribe to instead of an instrument")
	)
	flag.Parse()

	if *follow != "" {
		followPub(*follow)
		return
	}
	if *addr == "" {
		flag.Usage()
		log.Errorf("missing instrument address")
		os.Exit(1)
	}

	cfg := config.New(*addr)
	cfg.SubAddress = *sub
	cfg.Timeout = 24 * time.Hour // notifications may be rare

	ctx := context.Background()
	s, err := hislip.Open(ctx, cfg)
	if err != nil {
		log.Errorf("could not open session to %q: %+v", cfg.Addr, err)
		os.Exit(1)
	}
	defer s.Close()

	if *pubEP != "" {
		pub, err := notify.NewPub(*pubEP, log.Default)
		if err != nil {
			log.Errorf("could not publish on %q: %+v", *pubEP, err)
			os.Exit(1)
		}
		defer pub.Close()
		pub.Attach(s)
		log.Infof("publishing notifications on %q", *pubEP)
	}

	for {
		n, err := s.NextNotification(ctx)
		if err != nil {
			log.Errorf("could not read notification: %+v", err)
			os.Exit(1)
		}
		display(n)
	}
}

func followPub(ep string) {
	sub, err := notify.NewSub(ep)
	if err != nil {
		log.Errorf("could not subscribe to %q: %+v", ep, err)
		os.Exit(1)
	}
	defer sub.Close()

	log.Infof("following notifications from %q", ep)
	for {
		n, err := sub.Recv()
		if err != nil {
			log.Errorf("could not receive notification: %+v", err)
			os.Exit(1)
		}
		display(n)
	}
}

func display(n hislip.Notification) {
	stamp := time.Now().Format("15:04:05.000")
	switch n.Type {
	case hislip.MsgAsyncServiceRequest:
		fmt.Printf("%s srq stb=0x%02x\n", stamp, n.Control)
	default:
		fmt.Printf("%s %v (id=0x%08x)\n", stamp, n.Type, n.Param)
	}
}
