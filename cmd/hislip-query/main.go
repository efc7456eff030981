// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// hislip-query sends SCPI commands to a HiSLIP instrument and prints
// responses.
//
//	$> hislip-query -addr=scope.example.org "*IDN?"
package main // import "github.com/go-daq/hislip/cmd/hislip-query"

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-daq/hislip"
	"github.com/go-daq/hislip/flags"
	"github.com/go-daq/hislip/log"
)

func main() {
	cfg := flags.New()
	if len(cfg.Args) == 0 {
		log.Errorf("no commands given")
		os.Exit(1)
	}

	ctx := context.Background()
	s, err := hislip.Open(ctx, cfg)
	if err != nil {
		log.Errorf("could not open session to %q: %+v", cfg.Addr, err)
		os.Exit(1)
	}
	defer s.Close()

	for _, cmd := range cfg.Args {
		if !strings.HasSuffix(strings.TrimSpace(cmd), "?") {
			err = s.Write(ctx, []byte(cmd+"\n"))
			if err != nil {
				log.Errorf("could not send %q: %+v", cmd, err)
				os.Exit(1)
			}
			continue
		}
		resp, err := s.Query(ctx, []byte(cmd+"\n"))
		if err != nil {
			log.Errorf("could not query %q: %+v", cmd, err)
			os.Exit(1)
		}
		fmt.Println(strings.TrimRight(string(resp), "\n"))
	}
}
