// Copyright 2020 The go-daq Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hislip // import "github.com/go-daq/hislip"

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/websocket"
)

// Monitor serves a small web page reporting a session's state, with a
// websocket feed refreshing it once per second. It is a diagnostic
// aid for long-running instrument links.
type Monitor struct {
	s    *Session
	srv  *http.Server
	quit chan struct{}
}

// NewMonitor creates a monitor for the session, listening on addr.
func NewMonitor(s *Session, addr string) *Monitor {
	mon := &Monitor{
		s:    s,
		quit: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", mon.home)
	mux.Handle("/status", websocket.Handler(mon.status))
	mon.srv = &http.Server{Addr: addr, Handler: mux}
	return mon
}

// Run serves until the context is canceled or Close is called.
func (mon *Monitor) Run(ctx context.Context) error {
	mon.s.msg.Infof("starting web monitor on %q...", mon.srv.Addr)

	go func() {
		select {
		case <-ctx.Done():
		case <-mon.quit:
		}
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mon.srv.Shutdown(sctx)
	}()

	err := mon.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close stops the monitor server.
func (mon *Monitor) Close() {
	select {
	case <-mon.quit:
	default:
		close(mon.quit)
	}
}

func (mon *Monitor) home(w http.ResponseWriter, r *http.Request) {
	t, err := template.New("hislip-home").Parse(webHomePage)
	if err != nil {
		mon.s.msg.Errorf("error parsing web home-page: %+v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	err = t.Execute(w, map[string]interface{}{
		"Addr":    mon.s.cfg.Addr,
		"Sub":     mon.s.cfg.SubAddress,
		"Session": fmt.Sprintf("0x%04x", mon.s.SessionID()),
	})
	if err != nil {
		mon.s.msg.Errorf("error executing web home-page template: %+v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func (mon *Monitor) status(ws *websocket.Conn) {
	defer ws.Close()

	tick := time.NewTicker(1 * time.Second)
	defer tick.Stop()

	for {
		select {
		case <-mon.quit:
			return
		case <-tick.C:
			var data struct {
				State      string `json:"state"`
				Lock       string `json:"lock"`
				Overlapped bool   `json:"overlapped"`
				Sent       uint64 `json:"sent"`
				Recv       uint64 `json:"recv"`
				Timestamp  string `json:"timestamp"`
			}
			data.State = mon.s.State().String()
			data.Lock = mon.s.LockState().String()
			data.Overlapped = mon.s.Overlapped()
			data.Sent, data.Recv = mon.s.sch.stats()
			data.Timestamp = time.Now().UTC().Format("2006-01-02 15:04:05") + " (UTC)"

			err := websocket.JSON.Send(ws, data)
			if err != nil {
				mon.s.msg.Errorf("could not send status report to websocket client: %+v", err)
				var nerr net.Error
				if errors.As(err, &nerr); nerr != nil && nerr.Timeout() {
					return
				}
			}
		}
	}
}

const webHomePage = `<html>
<head>
	<title>HiSLIP session {{.Session}}</title>
	<meta name="viewport" content="width=device-width, initial-scale=1">
	<link rel="stylesheet" href="https://www.w3schools.com/w3css/3/w3.css">

<script type="text/javascript">
	"use strict"

	var statusChan = null;

	window.onload = function() {
		statusChan = new WebSocket("ws://"+location.host+"/status");

		statusChan.onmessage = function(event) {
			var data = JSON.parse(event.data);
			document.getElementById("state").innerHTML = data.state;
			document.getElementById("lock").innerHTML = data.lock;
			document.getElementById("overlapped").innerHTML = data.overlapped;
			document.getElementById("sent").innerHTML = data.sent;
			document.getElementById("recv").innerHTML = data.recv;
			document.getElementById("timestamp").innerHTML = data.timestamp;
		};
	};
</script>
</head>

<body>
	<div class="w3-container w3-teal">
		<h2>HiSLIP session {{.Session}} &mdash; {{.Addr}} ({{.Sub}})</h2>
	</div>
	<div class="w3-container">
		<table class="w3-table w3-striped">
			<tr><td>State</td><td id="state">N/A</td></tr>
			<tr><td>Lock</td><td id="lock">N/A</td></tr>
			<tr><td>Overlapped</td><td id="overlapped">N/A</td></tr>
			<tr><td>Commands sent</td><td id="sent">0</td></tr>
			<tr><td>Responses received</td><td id="recv">0</td></tr>
			<tr><td>Last update</td><td id="timestamp">N/A</td></tr>
		</table>
	</div>
</body>
</html>
`
