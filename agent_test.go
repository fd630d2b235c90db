package rop

import (
	"testing"
	"time"

	"github.com/ropcore/rop/reactive"
)

func waitOn(t *testing.T, ch <-chan interface{}) interface{} {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a result")
		return nil
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func connectedPair(t *testing.T, serverLocals []NamedLocal, clientRemotes []NamedRemote) (*Agent, *Agent) {
	t.Helper()
	clientT, serverT := newPipePair()
	t.Cleanup(func() {
		clientT.closePipe()
		serverT.closePipe()
	})
	server, err := NewAgent(serverT, serverLocals, nil)
	if err != nil {
		t.Fatalf("server NewAgent: %v", err)
	}
	client, err := NewAgent(clientT, nil, clientRemotes)
	if err != nil {
		t.Fatalf("client NewAgent: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

// TestObservePrimordialFunctionResolves exercises the basic observation
// lifecycle: the caller sees a Pending result while START is in flight,
// then the real value once RESULT arrives.
func TestObservePrimordialFunctionResolves(t *testing.T) {
	greet := NewFunctionLocal(func(args []interface{}) (interface{}, error) {
		name, _ := args[0].(string)
		return "hello " + name, nil
	})
	client, _ := connectedPair(t,
		[]NamedLocal{{"greet", greet}},
		[]NamedRemote{{"greet", KindFunction}},
	)

	results := make(chan interface{}, 8)
	var sawPending bool
	effect := reactive.NewEffect(func(s *reactive.Scope) (interface{}, error) {
		return client.Remotes["greet"].Call(s, "world")
	})
	client.Call(func() {
		effect.Activate(func(v interface{}, err error) {
			if err != nil {
				if _, ok := reactive.AsPending(err); ok {
					sawPending = true
					return
				}
				t.Errorf("unexpected error: %v", err)
				return
			}
			results <- v
		})
	})

	got := waitOn(t, results)
	if got != "hello world" {
		t.Fatalf("got %v, want %q", got, "hello world")
	}
	if !sawPending {
		t.Fatal("never observed the initial Pending result")
	}
}

// TestEndRetiresObserverSlot checks the END/ACKEND leg of the outbound
// slot lifecycle: deactivating the caller's Effect must eventually free
// the slot it held.
func TestEndRetiresObserverSlot(t *testing.T) {
	echo := NewFunctionLocal(func(args []interface{}) (interface{}, error) {
		return args[0], nil
	})
	client, _ := connectedPair(t,
		[]NamedLocal{{"echo", echo}},
		[]NamedRemote{{"echo", KindFunction}},
	)

	results := make(chan interface{}, 8)
	effect := reactive.NewEffect(func(s *reactive.Scope) (interface{}, error) {
		return client.Remotes["echo"].Call(s, "x")
	})
	client.Call(func() {
		effect.Activate(func(v interface{}, err error) {
			if err == nil {
				results <- v
			}
		})
	})
	waitOn(t, results)

	client.Call(func() { effect.Deactivate() })

	waitUntil(t, func() bool {
		var size int
		client.Call(func() { size = client.observers.Size() })
		return size == 0
	})
}

// TestCapabilityArgumentRoundTripsIdentity checks that a donated object
// comes back from an echoing remote Function as the very same Go value,
// not a fresh wrapper around equal-looking data.
func TestCapabilityArgumentRoundTripsIdentity(t *testing.T) {
	echo := NewFunctionLocal(func(args []interface{}) (interface{}, error) {
		return args[0], nil
	})
	client, _ := connectedPair(t,
		[]NamedLocal{{"echo", echo}},
		[]NamedRemote{{"echo", KindFunction}},
	)

	type sentinel struct{ tag string }
	mine := &sentinel{tag: "mine"}

	results := make(chan interface{}, 8)
	effect := reactive.NewEffect(func(s *reactive.Scope) (interface{}, error) {
		return client.Remotes["echo"].Call(s, mine)
	})
	client.Call(func() {
		effect.Activate(func(v interface{}, err error) {
			if err == nil {
				results <- v
			}
		})
	})

	got := waitOn(t, results)
	gotPtr, ok := got.(*sentinel)
	if !ok || gotPtr != mine {
		t.Fatalf("capability argument did not round-trip as the same object: got %#v, want %#v", got, mine)
	}
}

// TestRemoteErrorPropagatesAsObserveError checks that a local Function
// returning an error surfaces to the caller as an *ObserveError wrapping
// the decoded *RemoteError.
func TestRemoteErrorPropagatesAsObserveError(t *testing.T) {
	failing := NewFunctionLocal(func(args []interface{}) (interface{}, error) {
		return nil, &wrappedErr{msg: "bad", cause: nil}
	})
	client, _ := connectedPair(t,
		[]NamedLocal{{"fail", failing}},
		[]NamedRemote{{"fail", KindFunction}},
	)

	errs := make(chan error, 8)
	effect := reactive.NewEffect(func(s *reactive.Scope) (interface{}, error) {
		return client.Remotes["fail"].Call(s)
	})
	client.Call(func() {
		effect.Activate(func(v interface{}, err error) {
			if err != nil {
				if _, pending := reactive.AsPending(err); !pending {
					errs <- err
				}
			}
		})
	})

	select {
	case err := <-errs:
		oe, ok := err.(*ObserveError)
		if !ok {
			t.Fatalf("got %T, want *ObserveError", err)
		}
		re, ok := oe.Cause.(*RemoteError)
		if !ok || re.Message != "bad" {
			t.Fatalf("cause = %#v, want *RemoteError{Message: \"bad\"}", oe.Cause)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the error result")
	}
}

// TestPerformFiresRemoteAction checks the fire-and-forget Action leg:
// PERFORM reaches the target and runs its side effect, with no RESULT
// ever sent back.
func TestPerformFiresRemoteAction(t *testing.T) {
	fired := make(chan struct{}, 1)
	action := NewActionLocal(func(args []interface{}) error {
		fired <- struct{}{}
		return nil
	})
	client, _ := connectedPair(t,
		[]NamedLocal{{"bump", action}},
		[]NamedRemote{{"bump", KindAction}},
	)

	if err := client.Remotes["bump"].Perform(); err != nil {
		t.Fatalf("Perform: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("action never fired")
	}
}

// TestRerunReusesObservationWithoutNewStart checks that an Effect
// depending on both a remote observation and a local State that changes
// independently keeps the same outbound slot across reruns rather than
// tearing it down and reopening it.
func TestRerunReusesObservationWithoutNewStart(t *testing.T) {
	var calls int
	counting := NewFunctionLocal(func(args []interface{}) (interface{}, error) {
		calls++
		return calls, nil
	})
	client, _ := connectedPair(t,
		[]NamedLocal{{"counter", counting}},
		[]NamedRemote{{"counter", KindFunction}},
	)

	trigger := reactive.NewState(0)
	results := make(chan interface{}, 8)
	var slot int
	effect := reactive.NewEffect(func(s *reactive.Scope) (interface{}, error) {
		trigger.Use(s)
		return client.Remotes["counter"].Call(s)
	})
	client.Call(func() {
		effect.Activate(func(v interface{}, err error) {
			if err == nil {
				results <- v
			}
		})
	})
	waitOn(t, results)
	client.Call(func() { slot = client.observers.Size() })
	if slot != 1 {
		t.Fatalf("expected exactly one open observation, got %d", slot)
	}

	client.Call(func() { trigger.Set(1) })

	var afterSlot int
	client.Call(func() { afterSlot = client.observers.Size() })
	if afterSlot != 1 {
		t.Fatalf("rerun opened a new slot instead of reusing the existing one: size=%d", afterSlot)
	}
}

// TestDistinctProxyArgumentsDoNotAliasObservations checks that two
// observations of the same oid with two different *Proxy arguments get
// independent outbound slots rather than being aliased onto one
// observation by observeKey.
func TestDistinctProxyArgumentsDoNotAliasObservations(t *testing.T) {
	target := NewFunctionLocal(func(args []interface{}) (interface{}, error) {
		return args[0], nil
	})
	a := NewFunctionLocal(func(args []interface{}) (interface{}, error) { return "a", nil })
	b := NewFunctionLocal(func(args []interface{}) (interface{}, error) { return "b", nil })
	client, _ := connectedPair(t,
		[]NamedLocal{{"target", target}, {"a", a}, {"b", b}},
		[]NamedRemote{{"target", KindFunction}, {"a", KindFunction}, {"b", KindFunction}},
	)

	resultsA := make(chan interface{}, 8)
	resultsB := make(chan interface{}, 8)
	effectA := reactive.NewEffect(func(s *reactive.Scope) (interface{}, error) {
		return client.Remotes["target"].Call(s, client.Remotes["a"])
	})
	effectB := reactive.NewEffect(func(s *reactive.Scope) (interface{}, error) {
		return client.Remotes["target"].Call(s, client.Remotes["b"])
	})
	client.Call(func() {
		effectA.Activate(func(v interface{}, err error) {
			if err == nil {
				resultsA <- v
			}
		})
		effectB.Activate(func(v interface{}, err error) {
			if err == nil {
				resultsB <- v
			}
		})
	})

	waitOn(t, resultsA)
	waitOn(t, resultsB)

	var size int
	client.Call(func() { size = client.observers.Size() })
	if size != 2 {
		t.Fatalf("expected two independent observations for two distinct Proxy arguments, got %d", size)
	}
}
