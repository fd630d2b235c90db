// Package reactive implements the small reactive evaluation graph that
// the Agent integrates with: state cells that can be set, effects that
// recompute when their dependencies change, and a Thunk abstraction so
// lazy values compose through Use the same way state cells do.
//
// The Agent treats this as a cooperative, single-goroutine graph: a
// State.Set call synchronously reruns every Effect that read the state
// during its last run, and an Effect rerun synchronously re-tracks its
// dependencies, unsubscribing only from those the new run no longer
// touches. Callers that mutate the graph from
// multiple goroutines must serialize those calls themselves (the Agent
// does this with its own run loop).
package reactive

import (
	"errors"
	"fmt"
)

// Thunk is a lazily-produced value that participates in the reactive
// graph: forcing it under a Scope both computes the value and lets the
// Thunk register itself as a dependency of whatever Effect owns the
// Scope.
type Thunk interface {
	Force(s *Scope) (interface{}, error)
}

// ThunkFunc adapts a plain function into a Thunk. The function receives
// the forcing Scope so it can itself Use further cells.
type ThunkFunc func(s *Scope) (interface{}, error)

// Force implements Thunk.
func (f ThunkFunc) Force(s *Scope) (interface{}, error) { return f(s) }

// subscribable is implemented by the two kinds of node an Effect can
// depend on: State leaves and other Effects.
type subscribable interface {
	addSub(e *Effect)
	removeSub(e *Effect)
}

// Scope is handed to an Effect's body on each run. It is the mechanism
// by which dependencies are tracked (every State or Effect that is Used
// under a Scope registers the Scope's owner as a dependent) and by
// which teardown is registered (OnDrop), mirroring the source system's
// onDrop tied to "the enclosing reactive scope".
type Scope struct {
	owner   *Effect
	onDrops []func()
}

// OnDrop registers fn to run when this scope's owning Effect next
// recomputes (after the new run's body has finished, before its onChange
// fires), or is deactivated. Order is LIFO, matching the usual
// defer-like teardown expectation.
func (s *Scope) OnDrop(fn func()) {
	s.onDrops = append(s.onDrops, fn)
}

func (s *Scope) track(dep subscribable) {
	if s.owner != nil {
		s.owner.addDep(dep)
	}
}

func (s *Scope) teardown() {
	drops := s.onDrops
	s.onDrops = nil
	for i := len(drops) - 1; i >= 0; i-- {
		drops[i]()
	}
}

// State is a mutable reactive leaf. Setting it reruns every Effect that
// read it (directly, or via another Effect) during its most recent run.
type State struct {
	val  interface{}
	subs map[*Effect]struct{}
}

// NewState creates a State holding init.
func NewState(init interface{}) *State {
	return &State{val: init, subs: make(map[*Effect]struct{})}
}

// Peek returns the current value without tracking a dependency.
func (st *State) Peek() interface{} {
	return st.val
}

// Use returns the current value and, if s belongs to an active Effect,
// subscribes that Effect to future changes.
func (st *State) Use(s *Scope) interface{} {
	s.track(st)
	return st.val
}

// Force implements Thunk so a State can be passed anywhere a Thunk is
// expected (an Object local's value, for instance).
func (st *State) Force(s *Scope) (interface{}, error) {
	return st.Use(s), nil
}

// Set stores v and synchronously reruns every dependent Effect.
func (st *State) Set(v interface{}) {
	st.val = v
	if len(st.subs) == 0 {
		return
	}
	subs := make([]*Effect, 0, len(st.subs))
	for e := range st.subs {
		subs = append(subs, e)
	}
	for _, e := range subs {
		e.rerun()
	}
}

func (st *State) addSub(e *Effect)    { st.subs[e] = struct{}{} }
func (st *State) removeSub(e *Effect) { delete(st.subs, e) }

// Effect is a memoized recomputation node: the updater cell on the
// callee side and the "cell(fn)" primitive generally. Calling Activate
// runs the body once, subscribes it to everything it used, and keeps it
// live — every subsequent dependency change reruns the body and invokes
// onChange again, until Deactivate is called.
type Effect struct {
	fn      func(s *Scope) (interface{}, error)
	scope   *Scope
	deps    map[subscribable]struct{}
	touched map[subscribable]struct{} // deps seen so far during the run in progress
	subs    map[*Effect]struct{}      // Effects that Used this Effect as a dependency
	active  bool
	value   interface{}
	err     error
	onChange func(value interface{}, err error)
}

// NewEffect creates an inactive Effect wrapping fn. It does nothing
// until Activate is called.
func NewEffect(fn func(s *Scope) (interface{}, error)) *Effect {
	return &Effect{fn: fn, deps: make(map[subscribable]struct{})}
}

// addDep records d as touched by the run in progress and, if this is the
// first time e has ever depended on d, subscribes to it. A dependency
// that was already present before this run (e.g. the same remote
// observation's cell re-read on every rerun) is left subscribed rather
// than being unsubscribed and resubscribed between runs.
func (e *Effect) addDep(d subscribable) {
	if e.touched != nil {
		e.touched[d] = struct{}{}
	}
	if _, ok := e.deps[d]; ok {
		return
	}
	e.deps[d] = struct{}{}
	d.addSub(e)
}

func (e *Effect) addSub(other *Effect) {
	// An Effect used as a dependency of another Effect behaves like a
	// State for subscription purposes: tearing it down or changing it
	// should reach its subscribers too.
	e.subscribers()[other] = struct{}{}
}

func (e *Effect) removeSub(other *Effect) {
	delete(e.subscribers(), other)
}

func (e *Effect) subscribers() map[*Effect]struct{} {
	if e.subs == nil {
		e.subs = make(map[*Effect]struct{})
	}
	return e.subs
}

// Use forces the Effect's current value under s, tracking it as a
// dependency the way State.Use does.
func (e *Effect) Use(s *Scope) (interface{}, error) {
	s.track(e)
	return e.value, e.err
}

// Force implements Thunk.
func (e *Effect) Force(s *Scope) (interface{}, error) { return e.Use(s) }

// CurrentScope returns the Scope created by the Effect's most recent run,
// or nil if it has never run or has been deactivated. Callers use this to
// tie donations made while packing the Effect's latest value (e.g. a
// RESULT frame) to that run's teardown, so they are released on the next
// rerun or on Deactivate exactly like dependencies tracked during the run
// itself.
func (e *Effect) CurrentScope() *Scope { return e.scope }

func (e *Effect) teardownDeps() {
	for d := range e.deps {
		d.removeSub(e)
	}
	e.deps = make(map[subscribable]struct{})
}

// run executes fn under a fresh Scope before tearing down the previous
// one, so a dependency touched by both runs is never transiently dropped
// (see addDep). Only what the new run didn't touch gets unsubscribed, and
// only after the new run has had its chance to re-touch it.
func (e *Effect) run() {
	oldScope := e.scope
	e.touched = make(map[subscribable]struct{})
	sc := &Scope{owner: e}
	e.scope = sc
	v, err := e.fn(sc)
	for d := range e.deps {
		if _, ok := e.touched[d]; !ok {
			d.removeSub(e)
			delete(e.deps, d)
		}
	}
	e.touched = nil
	if oldScope != nil {
		oldScope.teardown()
	}
	e.value, e.err = v, err
	if e.onChange != nil {
		e.onChange(v, err)
	}
	for sub := range e.subs {
		sub.rerun()
	}
}

func (e *Effect) rerun() {
	if !e.active {
		return
	}
	e.run()
}

// Activate runs the Effect immediately and arms it to rerun on every
// future dependency change, reporting each run via onChange.
func (e *Effect) Activate(onChange func(value interface{}, err error)) {
	e.onChange = onChange
	e.active = true
	e.run()
}

// Deactivate tears down the Effect's subscriptions and onDrop chain and
// stops further reruns. This is what releases capabilities donated
// while the Effect was alive (via Scope.OnDrop registered dereg calls).
func (e *Effect) Deactivate() {
	e.active = false
	if e.scope != nil {
		e.scope.teardown()
		e.scope = nil
	}
	e.teardownDeps()
}

// Use forces x under s: Thunks and States/Effects are forced and
// tracked as dependencies, anything else is returned unchanged. This is
// the free function form used on plain donated objects ("O" kind
// values) which may or may not themselves be reactive.
func Use(x interface{}, s *Scope) (interface{}, error) {
	if t, ok := x.(Thunk); ok {
		return t.Force(s)
	}
	return x, nil
}

// Pending is the sentinel error meaning "value not yet available". It
// carries the partial value the caller should surface (e.g. a loading
// placeholder) while the real computation is outstanding.
type Pending struct {
	Value interface{}
}

func (p *Pending) Error() string {
	return fmt.Sprintf("pending: %v", p.Value)
}

// AsPending reports whether err's root cause is a *Pending, returning
// it if so.
func AsPending(err error) (*Pending, bool) {
	var p *Pending
	if errors.As(RootCause(err), &p) {
		return p, true
	}
	return nil, false
}

// RootCause unwraps err down to the innermost error in its cause chain.
func RootCause(err error) error {
	for {
		u := errors.Unwrap(err)
		if u == nil {
			return err
		}
		err = u
	}
}

// Action is a fire-and-forget effect capability: invoking it has no
// return value the caller waits on.
type Action struct {
	Perform func(args []interface{}) error
}

// Memo is argument-keyed memoization sharing a single cached entry per
// key, used to give repeated calls under the same key (e.g. the same
// (oid, kind) pair) a single shared instance rather than constructing a
// new one each time.
type Memo[K comparable, V any] struct {
	entries map[K]V
}

// NewMemo creates an empty Memo.
func NewMemo[K comparable, V any]() *Memo[K, V] {
	return &Memo[K, V]{entries: make(map[K]V)}
}

// GetOrCreate returns the cached value for key, creating it via create
// and caching it if this is the first request for key.
func (m *Memo[K, V]) GetOrCreate(key K, create func() V) V {
	if v, ok := m.entries[key]; ok {
		return v
	}
	v := create()
	m.entries[key] = v
	return v
}

// Delete forgets a memoized entry, e.g. once its onDrop has fired.
func (m *Memo[K, V]) Delete(key K) {
	delete(m.entries, key)
}
