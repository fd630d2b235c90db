// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command ropd runs a minimal ROP server over WebSocket: one Agent per
// accepted connection, exposing a small set of demo primordials.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ropcore/rop"
	"github.com/ropcore/rop/reactive"
)

var (
	bindAddr = flag.String("bind-addr", ":8090", "The HTTP address to listen on for WebSocket upgrades")
	wsPath   = flag.String("path", "/rop", "The HTTP path that accepts the WebSocket upgrade")
	verbose  = flag.Bool("verbose", false, "Trace every frame sent and received on every connection")
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newDemoLocals() []rop.NamedLocal {
	clock := reactive.NewState(time.Now().Format(time.RFC3339))
	go func() {
		for range time.Tick(time.Second) {
			clock.Set(time.Now().Format(time.RFC3339))
		}
	}()
	return []rop.NamedLocal{
		{Name: "echo", Local: rop.NewFunctionLocal(func(args []interface{}) (interface{}, error) {
			if len(args) == 0 {
				return nil, fmt.Errorf("echo requires one argument")
			}
			return args[0], nil
		})},
		{Name: "clock", Local: rop.NewThunkLocal(func(s *rop.Scope) (interface{}, error) {
			return clock.Use(s), nil
		})},
		{Name: "shout", Local: rop.NewActionLocal(func(args []interface{}) error {
			logrus.Info("rop: shout performed")
			return nil
		})},
	}
}

func handleConn(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Error("rop: failed to upgrade connection")
		return
	}
	transport := rop.NewWebSocketTransport(conn)
	agent, err := rop.NewAgent(transport, newDemoLocals(), nil)
	if err != nil {
		logrus.WithError(err).Error("rop: failed to construct agent")
		conn.Close()
		return
	}
	if *verbose {
		agent.SetTraceWriter(os.Stderr)
	}
	logrus.WithField("remote", r.RemoteAddr).Info("rop: connection accepted")
	go func() {
		<-agent.Done()
		if err := agent.Err(); err != nil {
			logrus.WithError(err).WithField("remote", r.RemoteAddr).Warn("rop: connection closed")
		} else {
			logrus.WithField("remote", r.RemoteAddr).Info("rop: connection closed")
		}
	}()
}

func main() {
	flag.Parse()

	http.HandleFunc(*wsPath, handleConn)
	server := &http.Server{Addr: *bindAddr}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logrus.Infof("Listening for ROP WebSocket connections on %s%s", *bindAddr, *wsPath)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Panicf("ListenAndServe")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logrus.Info("rop: shutting down")
	_ = server.Close()
	wg.Wait()
}
