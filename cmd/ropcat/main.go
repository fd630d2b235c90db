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

// Command ropcat is a small ROP client: it dials a ropd-compatible
// WebSocket server and prints every RESULT streamed back from one of
// its demo primordials (echo, clock, shout) until interrupted.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"

	"github.com/ropcore/rop"
	"github.com/ropcore/rop/reactive"
)

var (
	call    = flag.String("call", "echo", "Which demo primordial to invoke: echo, clock, or shout")
	argJSON = flag.String("arg", `"hello"`, "JSON-encoded argument, used only with -call=echo")
	verbose = flag.Bool("verbose", false, "Trace every frame sent and received")
)

func main() {
	flag.Parse()
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: ropcat [flags] ws://host:port/rop\n")
		flag.PrintDefaults()
		fmt.Println(`Example: ./ropcat -call echo -arg '"world"' ws://localhost:8090/rop`)
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}
	target := flag.Arg(0)

	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		log.Fatalf("FATAL: failed to dial %s: %s", target, err)
	}
	transport := rop.NewWebSocketTransport(conn)
	// ropcat only talks to a peer declaring exactly these primordials,
	// in this order: a generic ROP client can't know a stranger's
	// primordial list in advance, so like ropd, ropcat is written
	// against its own demo counterpart rather than an arbitrary peer.
	agent, err := rop.NewAgent(transport, nil, []rop.NamedRemote{
		{Name: "echo", Kind: rop.KindFunction},
		{Name: "clock", Kind: rop.KindThunk},
		{Name: "shout", Kind: rop.KindAction},
	})
	if err != nil {
		log.Fatalf("FATAL: failed to construct agent: %s", err)
	}
	if *verbose {
		agent.SetTraceWriter(os.Stderr)
	}

	if *call == "shout" {
		if err := agent.Remotes["shout"].Perform(); err != nil {
			log.Fatalf("FATAL: perform failed: %s", err)
		}
		fmt.Println("shout performed")
		agent.Close()
		return
	}

	var arg interface{}
	if *call == "echo" {
		if err := json.Unmarshal([]byte(*argJSON), &arg); err != nil {
			log.Fatalf("FATAL: -arg is not valid JSON: %s", err)
		}
	}

	effect := reactive.NewEffect(func(s *reactive.Scope) (interface{}, error) {
		target := agent.Remotes[*call]
		if target == nil {
			return nil, fmt.Errorf("unknown -call %q", *call)
		}
		if *call == "echo" {
			return target.Call(s, arg)
		}
		return target.Call(s)
	})
	agent.Call(func() {
		effect.Activate(func(v interface{}, err error) {
			if err != nil {
				if p, ok := reactive.AsPending(err); ok {
					fmt.Printf("(pending: %v)\n", p.Value)
					return
				}
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				return
			}
			fmt.Printf("%v\n", v)
		})
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		<-sigCh
		agent.Call(func() { effect.Deactivate() })
		agent.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-agent.Done():
	}
}
