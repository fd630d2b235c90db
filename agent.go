// Package rop implements the Remote Observation Protocol: a symmetric,
// bidirectional RPC protocol in which a remote call is a long-lived
// observation streaming result updates rather than a single reply. Two
// Agents, one per end of a reliable ordered Transport, exchange tagged
// wire frames and expose each other's primordial capabilities as Proxy
// values that compose into the local reactive evaluation graph.
package rop

import (
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ropcore/rop/reactive"
)

// NamedLocal declares one of this Agent's primordial local capabilities,
// claiming the next sequential OID in declaration order.
type NamedLocal struct {
	Name  string
	Local *Local
}

// NamedRemote declares one of the peer's primordial capabilities. The
// peer is expected to have declared its own locals in the same order;
// Remotes[Name] resolves to a Proxy for position i in this slice.
type NamedRemote struct {
	Name string
	Kind Kind
}

// updaterEntry tracks one peer-allocated inbound slot: the Effect that
// recomputes the observed local and emits RESULT on every change.
type updaterEntry struct {
	effect *reactive.Effect
}

// observerState tracks the two-phase retirement of an outbound slot:
// live while we still want updates, zombie once we've sent END and are
// only waiting out a possible RESULT already in flight from the peer.
type observerState int

const (
	observerLive observerState = iota
	observerZombie
)

// observation is one entry in an Agent's outbound-slot table: a single
// START/RESULT.../END conversation shared by every scope that observes
// the same (oid, args) pair concurrently.
type observation struct {
	slot  int
	state observerState
	cell  *reactive.State
	refs  int
}

// ObserveResult is the value an observation's cell carries: the cond and
// payload most recently delivered by a RESULT frame, or the initial
// "ROP observe" placeholder before the first one arrives.
type ObserveResult struct {
	Cond  int
	Value interface{}
}

// Option configures an Agent at construction time.
type Option func(*Agent)

// WithLogger overrides the Agent's default (package-standard) logger.
func WithLogger(log *logrus.Entry) Option {
	return func(a *Agent) { a.log = log }
}

// Agent is one end of a Remote Observation Protocol connection: it owns
// one objects table, one outbound observation table, one inbound updater
// map, and the single goroutine that is the only thing ever allowed to
// touch them. Proxy.Perform, Close and the Transport callbacks marshal
// onto that goroutine via Go/Call rather than taking a lock, mirroring the
// single-threaded cooperative scheduler the protocol assumes. Proxy.Call
// does not reschedule: it must already be running on that goroutine,
// which holds for an Effect activated via Call or Go.
type Agent struct {
	log       *logrus.Entry
	transport Transport
	ser       *serializer

	objects      *ObjTable[*Local]
	updaters     map[int]*updaterEntry
	observers    *Table[*observation]
	observations map[string]*observation
	proxies      *reactive.Memo[proxyKey, *Proxy]

	// Remotes holds a Proxy for each declared remote primordial, keyed
	// by the name it was declared under.
	Remotes map[string]*Proxy

	sendQueue [][]byte

	// traceWriter, if set via SetTraceWriter, receives a one-line
	// summary of every frame sent and received. Nil by default.
	traceWriter io.Writer

	taskCh chan func()
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

type proxyKey struct {
	oid  int
	kind Kind
}

// NewAgent constructs an Agent over transport, registers locals as the
// Agent's own primordials (claiming OIDs 0..len(locals)-1 in order), and
// resolves remotes into Proxies assuming the peer declares the matching
// primordials in the same order. The Agent's run loop starts immediately
// and the transport's handlers are installed before NewAgent returns.
func NewAgent(transport Transport, locals []NamedLocal, remotes []NamedRemote, opts ...Option) (*Agent, error) {
	a := &Agent{
		transport:    transport,
		objects:      NewObjTable[*Local](),
		updaters:     make(map[int]*updaterEntry),
		observers:    NewTable[*observation](),
		observations: make(map[string]*observation),
		proxies:      reactive.NewMemo[proxyKey, *Proxy](),
		Remotes:      make(map[string]*Proxy),
		taskCh:       make(chan func()),
		done:         make(chan struct{}),
		log:          logrus.NewEntry(logrus.StandardLogger()),
	}
	a.ser = newSerializer(a)
	for _, opt := range opts {
		opt(a)
	}

	seen := make(map[string]bool, len(locals))
	for _, nl := range locals {
		if seen[nl.Name] {
			return nil, fmt.Errorf("rop: duplicate local primordial name %q", nl.Name)
		}
		seen[nl.Name] = true
		if !nl.Local.Kind.valid() {
			return nil, fmt.Errorf("rop: local primordial %q has an invalid kind", nl.Name)
		}
		a.objects.Reg(nl.Local)
	}

	seenR := make(map[string]bool, len(remotes))
	for i, nr := range remotes {
		if seenR[nr.Name] {
			return nil, fmt.Errorf("rop: duplicate remote primordial name %q", nr.Name)
		}
		seenR[nr.Name] = true
		if !nr.Kind.valid() {
			return nil, fmt.Errorf("rop: remote primordial %q has an invalid kind", nr.Name)
		}
		a.Remotes[nr.Name] = a.getProxy(i, nr.Kind)
	}

	go a.loop()
	a.transport.SetHandlers(
		func() { a.Go(a.flushQueue) },
		func(data []byte) { a.Go(func() { a.dispatch(data) }) },
		func(err error) { a.Go(func() { a.shutdown(err) }) },
	)
	return a, nil
}

// Go schedules fn to run on the Agent's loop goroutine and returns
// immediately. Used by transport callbacks, which fire on whatever
// goroutine the transport happens to use.
func (a *Agent) Go(fn func()) {
	select {
	case a.taskCh <- fn:
	case <-a.done:
	}
}

// Call schedules fn and blocks until it has run, for callers (tests,
// mostly) that need a synchronous round trip through the loop. If the
// Agent has already shut down, fn may not run and Call returns anyway.
func (a *Agent) Call(fn func()) {
	done := make(chan struct{})
	a.Go(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
	case <-a.done:
	}
}

// Done returns a channel closed once the Agent has shut down.
func (a *Agent) Done() <-chan struct{} { return a.done }

// Err returns the reason the Agent shut down, or nil while it is still
// running or if it closed cleanly. Only meaningful after Done is closed.
func (a *Agent) Err() error { return a.closeErr }

func (a *Agent) loop() {
	for {
		select {
		case fn := <-a.taskCh:
			fn()
		case <-a.done:
			return
		}
	}
}

// send encodes and writes frame per the transport-state discipline: OPEN
// sends immediately, CONNECTING enqueues for flushQueue, anything else is
// a protocol violation that shuts the Agent down. Must run on the loop.
func (a *Agent) send(frame []interface{}) {
	if a.closeErrSet() {
		return
	}
	data, err := a.ser.encodeFrame(frame)
	if err != nil {
		a.log.WithError(err).Error("rop: failed to encode outgoing frame")
		a.shutdown(err)
		return
	}
	a.traceFrame("-->", data)
	switch a.transport.State() {
	case StateOpen:
		if err := a.transport.Send(data); err != nil {
			a.log.WithError(err).Error("rop: transport send failed")
			a.shutdown(err)
		}
	case StateConnecting:
		a.sendQueue = append(a.sendQueue, data)
	default:
		a.shutdown(fmt.Errorf("rop: cannot send while transport is %s", a.transport.State()))
	}
}

func (a *Agent) closeErrSet() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

func (a *Agent) flushQueue() {
	queued := a.sendQueue
	a.sendQueue = nil
	for _, data := range queued {
		if err := a.transport.Send(data); err != nil {
			a.shutdown(err)
			return
		}
	}
}

// dispatch decodes one inbound frame and routes it by tag. Malformed
// frames and unknown tags are fatal per the protocol's error handling.
func (a *Agent) dispatch(data []byte) {
	a.traceFrame("<--", data)
	frame, err := a.ser.decodeFrame(data)
	if err != nil {
		a.log.WithError(err).Warn("rop: malformed frame")
		a.shutdown(err)
		return
	}
	tag, ok := frame[0].(string)
	if !ok {
		a.shutdown(fmt.Errorf("rop: frame tag is not a string: %v", frame[0]))
		return
	}
	rest := frame[1:]
	switch tag {
	case tagStart:
		a.handleStart(rest)
	case tagResult:
		a.handleResult(rest)
	case tagAckResult:
		a.handleAckResult(rest)
	case tagEnd:
		a.handleEnd(rest)
	case tagAckEnd:
		a.handleAckEnd(rest)
	case tagPerform:
		a.handlePerform(rest)
	case tagErrorMsg:
		a.handlePeerError(rest)
	default:
		a.shutdown(fmt.Errorf("rop: unknown frame tag %q", tag))
	}
}

// handleAckResult is currently a no-op: the protocol reserves it for
// future flow-control use but no RESULT sender waits on it yet.
func (a *Agent) handleAckResult(rest []interface{}) {}

func (a *Agent) handlePeerError(rest []interface{}) {
	name := "(unnamed)"
	if len(rest) > 0 {
		if s, ok := rest[0].(string); ok {
			name = s
		}
	}
	a.shutdown(fmt.Errorf("rop: peer reported a fatal error: %s", name))
}

// shutdown tears down every live updater, optionally notifies the peer
// with an Error frame, and closes done. Idempotent: only the first call
// has any effect, and closeErr records the reason from that first call.
func (a *Agent) shutdown(cause error) {
	a.closeOnce.Do(func() {
		a.closeErr = cause
		if a.transport.State() == StateOpen {
			if data, err := a.ser.encodeFrame([]interface{}{tagErrorMsg, "ProtocolError"}); err == nil {
				_ = a.transport.Send(data)
			}
		}
		for _, u := range a.updaters {
			u.effect.Deactivate()
		}
		a.updaters = map[int]*updaterEntry{}
		if cause != nil {
			a.log.WithError(cause).Warn("rop: agent shutting down")
		} else {
			a.log.Debug("rop: agent shutting down")
		}
		close(a.done)
	})
}

// Close shuts the Agent down cleanly, as if the transport had closed with
// no error.
func (a *Agent) Close() {
	a.Call(func() { a.shutdown(nil) })
}
