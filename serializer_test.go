package rop

import (
	"errors"
	"testing"
)

func newTestAgent(t *testing.T, locals []NamedLocal, remotes []NamedRemote) *Agent {
	t.Helper()
	client, server := newPipePair()
	t.Cleanup(func() {
		client.closePipe()
		server.closePipe()
	})
	a, err := NewAgent(client, locals, remotes)
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	// Park a peer on the other end so sends never fail on a full buffer.
	if _, err := NewAgent(server, nil, nil); err != nil {
		t.Fatalf("NewAgent (peer): %v", err)
	}
	return a
}

func TestEncodeDecodePlainStringRoundTrips(t *testing.T) {
	a := newTestAgent(t, nil, nil)
	enc, err := a.ser.encodeValue("hello", nil)
	if err != nil || enc != "hello" {
		t.Fatalf("encode: %v %v", enc, err)
	}
	dec, err := a.ser.decodeValue(enc)
	if err != nil || dec != "hello" {
		t.Fatalf("decode: %v %v", dec, err)
	}
}

func TestEncodeEscapesPrefixCollidingString(t *testing.T) {
	a := newTestAgent(t, nil, nil)
	enc, err := a.ser.encodeValue(".looks-tagged", nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if enc != "..looks-tagged" {
		t.Fatalf("got %q, want doubled prefix", enc)
	}
	dec, err := a.ser.decodeValue(enc)
	if err != nil || dec != ".looks-tagged" {
		t.Fatalf("decode round trip: got %v %v", dec, err)
	}
}

func TestDecodeUnknownKindLetterYieldsUnValue(t *testing.T) {
	a := newTestAgent(t, nil, nil)
	dec, err := a.ser.decodeValue(".X42")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	uv, ok := dec.(UnValue)
	if !ok || uv.Raw != ".X42" {
		t.Fatalf("got %#v, want UnValue{\".X42\"}", dec)
	}
	// And it must survive being fed straight back into encodeValue.
	reenc, err := a.ser.encodeValue(uv, nil)
	if err != nil || reenc != ".X42" {
		t.Fatalf("re-encode: %v %v", reenc, err)
	}
}

func TestEncodeLocalThenDecodeRecoversSameLocal(t *testing.T) {
	a := newTestAgent(t, nil, nil)
	local := NewObjectLocal("donated value")
	enc, err := a.ser.encodeValue(local, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	s, ok := enc.(string)
	if !ok || len(s) < 2 || s[0] != escapePrefix || s[1] != byte(KindObject) {
		t.Fatalf("unexpected encoding: %#v", enc)
	}

	// s carries the negative "I'm donating this" form meaningful only to
	// the peer that receives it. A peer referring back to the very same
	// object instead echoes our own non-negative index, so simulate that
	// leg directly: the index we registered is recoverable from the
	// table even though encodeValue doesn't hand it back.
	index, found := a.objects.IndexOf(local)
	if !found {
		t.Fatalf("local was not registered by encodeValue")
	}
	dec, err := a.ser.fromSOID(KindObject, index)
	if err != nil {
		t.Fatalf("fromSOID: %v", err)
	}
	if dec != "donated value" {
		t.Fatalf("got %#v, want the underlying donated value", dec)
	}
}

func TestEncodeErrorPacksMessageAndCause(t *testing.T) {
	a := newTestAgent(t, nil, nil)
	cause := errors.New("root cause")
	err := &wrappedErr{msg: "outer failure", cause: cause}
	enc, encErr := a.ser.encodeValue(err, nil)
	if encErr != nil {
		t.Fatalf("encode: %v", encErr)
	}
	dec, decErr := a.ser.decodeValue(enc)
	if decErr != nil {
		t.Fatalf("decode: %v", decErr)
	}
	re, ok := dec.(*RemoteError)
	if !ok {
		t.Fatalf("got %#v, want *RemoteError", dec)
	}
	if re.Message != "outer failure" {
		t.Fatalf("message = %q", re.Message)
	}
	nested, ok := re.Cause.(*RemoteError)
	if !ok || nested.Message != "root cause" {
		t.Fatalf("cause = %#v, want a nested *RemoteError{Message: \"root cause\"}", re.Cause)
	}
}

type wrappedErr struct {
	msg   string
	cause error
}

func (w *wrappedErr) Error() string { return w.msg }
func (w *wrappedErr) Unwrap() error { return w.cause }
