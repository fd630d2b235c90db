package rop

import (
	"fmt"
	"strings"

	"github.com/ropcore/rop/reactive"
)

// getProxy returns the single Proxy this Agent ever constructs for
// (oid, kind), creating it on first request.
func (a *Agent) getProxy(oid int, k Kind) *Proxy {
	return a.proxies.GetOrCreate(proxyKey{oid, k}, func() *Proxy {
		return &Proxy{agent: a, oid: oid, kind: k}
	})
}

// observeKey identifies an (oid, args) pair for observation sharing.
// *Local and *Proxy arguments are keyed by their own identity rather
// than by json.Marshal: both are all-unexported-field structs, so
// json.Marshal would encode every one of them as the same literal "{}"
// and alias distinct capabilities onto the same observation (see
// DESIGN.md). A *Local's identity is its own pointer; a *Proxy's is
// its (oid, kind) pair, which is equivalent to its pointer identity
// since Agent.getProxy memoizes exactly one Proxy per (oid, kind).
// Any other argument that can't be JSON-encoded falls back to a key
// derived from the slice header, unique per call, and so simply
// forgoes sharing rather than crashing.
func observeKey(oid int, args []interface{}) string {
	parts := make([]string, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case *Local:
			parts[i] = fmt.Sprintf("L%p", v)
		case *Proxy:
			parts[i] = fmt.Sprintf("P%d:%c", v.OID(), byte(v.Kind()))
		default:
			b, err := json.Marshal(arg)
			if err != nil {
				return fmt.Sprintf("%d:%p", oid, &args)
			}
			parts[i] = string(b)
		}
	}
	return fmt.Sprintf("%d:[%s]", oid, strings.Join(parts, ","))
}

// observe opens (or rejoins) the observation of oid(args...), returning
// its currently-known value under scope exactly like a local State.Use:
// the first call almost always sees a *reactive.Pending, and later
// reruns of scope's owning Effect see whatever RESULT arrived since.
func (a *Agent) observe(scope *reactive.Scope, oid int, args []interface{}) (interface{}, error) {
	key := observeKey(oid, args)
	obs, ok := a.observations[key]
	if !ok {
		slot := a.observers.Alloc(nil)
		obs = &observation{
			slot:  slot,
			state: observerLive,
			cell:  reactive.NewState(&ObserveResult{Cond: CondPending, Value: "ROP observe"}),
		}
		a.observers.Set(slot, obs)
		a.observations[key] = obs

		encArgs := make([]interface{}, len(args))
		for i, arg := range args {
			enc, err := a.ser.encodeValue(arg, scope)
			if err != nil {
				a.shutdown(err)
				return nil, err
			}
			encArgs[i] = enc
		}
		frame := append([]interface{}{tagStart, slot, oid}, encArgs...)
		a.send(frame)
	}
	obs.refs++
	scope.OnDrop(func() {
		obs.refs--
		if obs.refs <= 0 {
			a.endObservation(key, obs)
		}
	})

	result, _ := obs.cell.Use(scope).(*ObserveResult)
	return translateObserveResult(result)
}

func (a *Agent) endObservation(key string, obs *observation) {
	if obs.state != observerLive {
		return
	}
	delete(a.observations, key)
	obs.state = observerZombie
	a.send([]interface{}{tagEnd, obs.slot})
}

func translateObserveResult(r *ObserveResult) (interface{}, error) {
	if r == nil {
		return nil, &reactive.Pending{Value: "ROP observe"}
	}
	switch r.Cond {
	case CondSuccess:
		return r.Value, nil
	case CondPending:
		return nil, &reactive.Pending{Value: r.Value}
	case CondError:
		return nil, &ObserveError{Cause: r.Value}
	default:
		return nil, fmt.Errorf("rop: observed result has unknown cond %d", r.Cond)
	}
}

// perform sends a fire-and-forget PERFORM for a remote Action. Per the
// wire contract a PERFORM carries only the target oid; it never waits
// for, or receives, any reply.
func (a *Agent) perform(oid int) error {
	a.Go(func() {
		a.send([]interface{}{tagPerform, oid})
	})
	return nil
}

// handleResult applies an inbound RESULT to the observation it targets.
// A RESULT for a ZOMBIE slot is a harmless race against our own END and
// is silently absorbed rather than treated as a protocol error.
func (a *Agent) handleResult(rest []interface{}) {
	slot, cond, rawValue, err := parseResult(rest)
	if err != nil {
		a.shutdown(err)
		return
	}
	obs, ok := a.observers.Get(slot)
	if !ok {
		a.shutdown(fmt.Errorf("rop: RESULT for unknown slot %d", slot))
		return
	}
	switch obs.state {
	case observerLive:
		value, decErr := a.ser.decodeValue(rawValue)
		if decErr != nil {
			a.shutdown(decErr)
			return
		}
		obs.cell.Set(&ObserveResult{Cond: cond, Value: value})
	case observerZombie:
		// Expected: our END raced the peer's in-flight RESULT.
	default:
		a.shutdown(fmt.Errorf("rop: RESULT for slot %d in unexpected state", slot))
		return
	}
	a.send([]interface{}{tagAckResult, slot})
}

// handleAckEnd frees an outbound slot once the peer has confirmed it has
// stopped emitting RESULTs for it.
func (a *Agent) handleAckEnd(rest []interface{}) {
	slot, err := parseSlotOnly(rest)
	if err != nil {
		a.shutdown(err)
		return
	}
	obs, ok := a.observers.Get(slot)
	if !ok || obs.state != observerZombie {
		a.shutdown(fmt.Errorf("rop: AckEnd for slot %d not pending retirement", slot))
		return
	}
	a.observers.Free(slot)
}
