package rop

import (
	"fmt"

	"github.com/ropcore/rop/reactive"
)

// handleStart opens an updater: an Effect wrapping the target local's
// evaluate, activated immediately so its first RESULT (success, pending,
// or error) ships right away and every subsequent recomputation ships
// another one, until END arrives.
func (a *Agent) handleStart(rest []interface{}) {
	slot, oid, rawArgs, err := parseStart(rest)
	if err != nil {
		a.shutdown(err)
		return
	}
	if _, exists := a.updaters[slot]; exists {
		a.shutdown(fmt.Errorf("rop: START for already-active slot %d", slot))
		return
	}
	local, ok := a.objects.Lookup(oid)
	if !ok {
		a.shutdown(fmt.Errorf("rop: START target object %d is unknown", oid))
		return
	}

	args := make([]interface{}, len(rawArgs))
	for i, raw := range rawArgs {
		dec, err := a.ser.decodeValue(raw)
		if err != nil {
			a.shutdown(err)
			return
		}
		args[i] = dec
	}

	effect := reactive.NewEffect(func(s *reactive.Scope) (interface{}, error) {
		return local.evaluate(s, args)
	})
	u := &updaterEntry{effect: effect}
	a.updaters[slot] = u
	effect.Activate(func(value interface{}, err error) {
		a.emitResult(slot, value, err)
	})
}

// emitResult translates an Effect's latest (value, error) pair into a
// RESULT frame's (cond, value), encoding any capability the value donates
// under the updater's current run scope so its lifetime is tied to the
// next rerun or to END, exactly like a dependency tracked during the run.
func (a *Agent) emitResult(slot int, value interface{}, err error) {
	u, ok := a.updaters[slot]
	if !ok {
		// The updater tore itself down (END already processed) before
		// this run's onChange fired; nothing left to report to.
		return
	}
	cond := CondSuccess
	wireVal := value
	if err != nil {
		if p, ok := reactive.AsPending(err); ok {
			cond = CondPending
			wireVal = p.Value
		} else {
			cond = CondError
			wireVal = err
		}
	}
	enc, encErr := a.ser.encodeValue(wireVal, u.effect.CurrentScope())
	if encErr != nil {
		a.shutdown(encErr)
		return
	}
	a.send([]interface{}{tagResult, slot, cond, enc})
}

// handleEnd retires an updater: deactivate releases every capability it
// donated while computing its last RESULT, then AckEnd confirms the slot
// is free for the peer to reuse.
func (a *Agent) handleEnd(rest []interface{}) {
	slot, err := parseSlotOnly(rest)
	if err != nil {
		a.shutdown(err)
		return
	}
	u, ok := a.updaters[slot]
	if !ok {
		a.shutdown(fmt.Errorf("rop: END for unknown slot %d", slot))
		return
	}
	u.effect.Deactivate()
	delete(a.updaters, slot)
	a.send([]interface{}{tagAckEnd, slot})
}

// handlePerform runs a local Action's side effect. No RESULT is ever
// produced for a PERFORM, matching the protocol's fire-and-forget Action
// contract; actions take no wire arguments.
func (a *Agent) handlePerform(rest []interface{}) {
	oid, err := parseSlotOnly(rest)
	if err != nil {
		a.shutdown(err)
		return
	}
	local, ok := a.objects.Lookup(oid)
	if !ok || local.Kind != KindAction {
		a.shutdown(fmt.Errorf("rop: PERFORM target %d is not a known Action", oid))
		return
	}
	if perr := local.Perform(nil); perr != nil {
		a.log.WithError(perr).Warn("rop: local action returned an error")
	}
}
