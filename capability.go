package rop

import (
	"fmt"

	"github.com/ropcore/rop/reactive"
)

// Kind identifies the wire role of a shared object: callable as a
// Function, composable as a lazy Thunk, fired-and-forgotten as an
// Action, or donated by reference as a plain Object.
type Kind byte

const (
	KindFunction Kind = 'F'
	KindThunk    Kind = 'T'
	KindAction   Kind = 'A'
	KindObject   Kind = 'O'
)

func (k Kind) String() string {
	switch k {
	case KindFunction:
		return "Function"
	case KindThunk:
		return "Thunk"
	case KindAction:
		return "Action"
	case KindObject:
		return "Object"
	default:
		return fmt.Sprintf("Kind(%q)", byte(k))
	}
}

func (k Kind) valid() bool {
	switch k {
	case KindFunction, KindThunk, KindAction, KindObject:
		return true
	default:
		return false
	}
}

// Local is a local object exposed to the peer, claiming one OID in the
// Agent's objects table for as long as any donation of it is live.
// Exactly one of Func, Thunk, Perform is set according to Kind; Object
// may hold a plain value or anything satisfying reactive.Thunk.
type Local struct {
	Kind Kind

	// Func backs KindFunction: invoked with the call's decoded
	// arguments, its result (or error) becomes the slot's RESULT.
	Func func(args []interface{}) (interface{}, error)

	// Thunk backs KindThunk: a nullary lazy value forced under the
	// updater's Scope every time the updater recomputes.
	Thunk func(s *reactive.Scope) (interface{}, error)

	// Perform backs KindAction: invoked for its side effect only: no
	// RESULT is ever produced for an Action.
	Perform func(args []interface{}) error

	// Object backs KindObject: either a plain value (returned as-is)
	// or something satisfying reactive.Thunk, forced under Use.
	Object interface{}
}

// NewFunctionLocal exposes fn as a callable Function capability.
func NewFunctionLocal(fn func(args []interface{}) (interface{}, error)) *Local {
	return &Local{Kind: KindFunction, Func: fn}
}

// NewThunkLocal exposes fn as a lazy Thunk capability.
func NewThunkLocal(fn func(s *reactive.Scope) (interface{}, error)) *Local {
	return &Local{Kind: KindThunk, Thunk: fn}
}

// NewActionLocal exposes fn as a fire-and-forget Action capability.
func NewActionLocal(fn func(args []interface{}) error) *Local {
	return &Local{Kind: KindAction, Perform: fn}
}

// NewObjectLocal exposes v, donated by reference, as an Object
// capability. v may be a plain value or a reactive.Thunk/*reactive.State.
func NewObjectLocal(v interface{}) *Local {
	return &Local{Kind: KindObject, Object: v}
}

// evaluate runs the local object's body once under s, producing the
// value an updater cell's RESULT should carry. It is the callee-side
// half of START: call Func on a Function, otherwise force the
// underlying value with reactive.Use.
func (l *Local) evaluate(s *reactive.Scope, args []interface{}) (interface{}, error) {
	switch l.Kind {
	case KindFunction:
		return l.Func(args)
	case KindThunk:
		return l.Thunk(s)
	case KindObject:
		return reactive.Use(l.Object, s)
	default:
		return nil, fmt.Errorf("rop: cannot evaluate a %s capability via START", l.Kind)
	}
}

// Proxy is the local surrogate for a remote object, identified by the
// peer's OID and Kind. Exactly one proxy exists per (oid, kind) for the
// lifetime of the Agent that created it (see Agent.proxies).
type Proxy struct {
	agent *Agent
	oid   int
	kind  Kind
}

// OID returns the peer object identifier this proxy refers to.
func (p *Proxy) OID() int { return p.oid }

// Kind returns the capability kind this proxy was constructed for.
func (p *Proxy) Kind() Kind { return p.kind }

// Call invokes the remote Function or forces the remote Thunk/Object,
// opening (or rejoining) an observation slot under s and returning its
// currently-known value. On the first call this is almost always a
// *reactive.Pending; subsequent reruns of the owning Effect see later
// RESULTs.
func (p *Proxy) Call(s *reactive.Scope, args ...interface{}) (interface{}, error) {
	if p.kind == KindAction {
		return nil, fmt.Errorf("rop: Action proxies have no result, use Perform")
	}
	return p.agent.observe(s, p.oid, args)
}

// Force implements reactive.Thunk for Thunk/Object-kind proxies so they
// compose through reactive.Use exactly like a local thunk would.
func (p *Proxy) Force(s *Scope) (interface{}, error) {
	return p.Call(s)
}

// Perform fires the remote Action. It does not wait for acknowledgement
// and carries no result; per the wire contract a PERFORM frame carries
// only the target object id, so Actions are necessarily nullary over the
// wire (parameterize by donating a fresh Action per call instead).
func (p *Proxy) Perform() error {
	if p.kind != KindAction {
		return fmt.Errorf("rop: Perform called on a %s proxy, not an Action", p.kind)
	}
	return p.agent.perform(p.oid)
}

// Scope is an alias of reactive.Scope so callers of this package do not
// need to import the reactive package solely to pass a Scope through.
type Scope = reactive.Scope
