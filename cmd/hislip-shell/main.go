// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// hislip-shell is an interactive SCPI shell over HiSLIP.
//
// Lines ending in '?' are sent as queries and their response printed;
// other lines are sent as plain commands. A few dot-commands drive
// the session itself:
//
//	.status    read the instrument status byte
//	.trigger   send a group execute trigger
//	.clear     run the device-clear sequence
//	.lock      acquire the instrument lock
//	.unlock    release the instrument lock
//	.lockinfo  show the server lock bookkeeping
//	.srq       wait for the next service request
//	.quit      leave the shell
package main // import "github.com/go-daq/hislip/cmd/hislip-shell"

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-daq/hislip"
	"github.com/go-daq/hislip/flags"
	"github.com/go-daq/hislip/log"
	"github.com/peterh/liner"
)

func main() {
	cfg := flags.New()

	ctx := context.Background()
	s, err := hislip.Open(ctx, cfg)
	if err != nil {
		log.Errorf("could not open session to %q: %+v", cfg.Addr, err)
		os.Exit(1)
	}
	defer s.Close()

	term := liner.NewLiner()
	defer term.Close()
	term.SetCtrlCAborts(true)

	history := filepath.Join(os.TempDir(), ".hislip_history")
	if f, err := os.Open(history); err == nil {
		_, _ = term.ReadHistory(f)
		f.Close()
	}
	defer func() {
		f, err := os.Create(history)
		if err != nil {
			log.Warnf("could not save shell history: %+v", err)
			return
		}
		defer f.Close()
		_, _ = term.WriteHistory(f)
	}()

	for {
		line, err := term.Prompt("hislip> ")
		if err != nil {
			if err == io.EOF || err == liner.ErrPromptAborted {
				fmt.Println()
				return
			}
			log.Errorf("could not read line: %+v", err)
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		term.AppendHistory(line)

		if strings.HasPrefix(line, ".") {
			if quit := dotCmd(ctx, s, line); quit {
				return
			}
			continue
		}

		if strings.HasSuffix(line, "?") {
			resp, err := s.Query(ctx, []byte(line+"\n"))
			if err != nil {
				log.Errorf("query failed: %+v", err)
				continue
			}
			fmt.Println(strings.TrimRight(string(resp), "\n"))
			continue
		}

		err = s.Write(ctx, []byte(line+"\n"))
		if err != nil {
			log.Errorf("send failed: %+v", err)
		}
	}
}

func dotCmd(ctx context.Context, s *hislip.Session, line string) (quit bool) {
	switch line {
	case ".quit", ".q":
		return true

	case ".status":
		stb, err := s.Status(ctx)
		if err != nil {
			log.Errorf("status query failed: %+v", err)
			return false
		}
		fmt.Printf("stb: 0x%02x\n", stb)

	case ".trigger":
		err := s.Trigger(ctx)
		if err != nil {
			log.Errorf("trigger failed: %+v", err)
		}

	case ".clear":
		err := s.DeviceClear(ctx)
		if err != nil {
			log.Errorf("device clear failed: %+v", err)
		}

	case ".lock":
		err := s.Lock(ctx, 5*time.Second)
		if err != nil {
			log.Errorf("lock failed: %+v", err)
			return false
		}
		fmt.Printf("%v\n", s.LockState())

	case ".unlock":
		err := s.Release(ctx)
		if err != nil {
			log.Errorf("release failed: %+v", err)
			return false
		}
		fmt.Printf("%v\n", s.LockState())

	case ".lockinfo":
		excl, clients, err := s.LockInfo(ctx)
		if err != nil {
			log.Errorf("lock info failed: %+v", err)
			return false
		}
		fmt.Printf("exclusive=%v clients=%d\n", excl, clients)

	case ".srq":
		n, err := s.NextNotification(ctx)
		if err != nil {
			log.Errorf("waiting for service request failed: %+v", err)
			return false
		}
		fmt.Printf("%v stb=0x%02x\n", n.Type, n.Control)

	default:
		log.Errorf("unknown command %q", line)
	}
	return false
}
