// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package flags provides an easy creation of standard hislip flag parameters
// for hislip commands.
package flags // import "github.com/go-daq/hislip/flags"

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-daq/hislip/config"
	"github.com/go-daq/hislip/log"
)

func New() config.Session {
	var (
		cfg = config.New("")
		lvl string
	)

	flag.StringVar(&cfg.Addr, "addr", "", "host[:port] of the HiSLIP instrument")
	flag.StringVar(&cfg.SubAddress, "sub", "hislip0", "HiSLIP sub-address")
	flag.StringVar(&lvl, "lvl", "INFO", "msgstream level")
	flag.DurationVar(&cfg.Timeout, "timeout", 30*time.Second, "timeout for blocking calls")
	flag.BoolVar(&cfg.Overlapped, "overlapped", false, "request overlapped command execution")

	flag.Parse()

	cfg.Args = flag.Args()

	if cfg.Addr == "" {
		fmt.Fprintf(os.Stderr, "missing instrument address\n")
		flag.Usage()
		os.Exit(1)
	}

	cfg.Level = parseLevel(lvl)

	return cfg
}

func parseLevel(lvl string) log.Level {
	lvl = strings.ToLower(lvl)
	switch {
	case strings.HasPrefix(lvl, "dbg"), strings.HasPrefix(lvl, "debug"):
		return log.LvlDebug
	case strings.HasPrefix(lvl, "info"):
		return log.LvlInfo
	case strings.HasPrefix(lvl, "warn"):
		return log.LvlWarning
	case strings.HasPrefix(lvl, "err"):
		return log.LvlError
	default:
		v, err := strconv.Atoi(lvl)
		if err != nil {
			log.Errorf("unknown level value %q: %+v", lvl, err)
			os.Exit(1)
		}
		return log.Level(v)
	}
}
