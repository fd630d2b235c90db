package rop

import (
	"errors"
	"fmt"
	"sort"

	jsoniter "github.com/json-iterator/go"

	"github.com/ropcore/rop/reactive"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// escapePrefix marks a prefix-tagged string on the wire. A plain string
// that happens to start with the prefix self-escapes by doubling it.
const escapePrefix = '.'

// UnValue carries a prefix-tagged string whose kind letter this version
// doesn't recognise, so it can survive an unmodified round trip through
// a peer that doesn't understand it either.
type UnValue struct {
	Raw string
}

// RemoteError reconstructs an error value received from the peer,
// preserving message, stack, and a possibly-nested cause.
type RemoteError struct {
	Message string
	Stack   string
	Cause   interface{}
}

func (e *RemoteError) Error() string { return e.Message }

// Unwrap lets errors.Is/As/RootCause see through to Cause when it is
// itself an error.
func (e *RemoteError) Unwrap() error {
	if c, ok := e.Cause.(error); ok {
		return c
	}
	return nil
}

// StackTracer is implemented by local errors that want their stack
// trace included when packed for the wire.
type StackTracer interface {
	StackTrace() string
}

// serializer implements the Agent's value codec: encode walks a Go
// value tree turning capabilities into tagged SOID strings and errors
// into packed E values; decode is the inverse, resolving SOIDs back
// into proxies or local objects.
type serializer struct {
	agent *Agent
}

func newSerializer(a *Agent) *serializer {
	return &serializer{agent: a}
}

// encodeFrame builds the JSON text for an outbound wire frame whose
// elements have already been produced by encodeValue (kind tag, slot
// numbers, etc. are plain ints/strings and pass through untouched).
func (s *serializer) encodeFrame(frame []interface{}) ([]byte, error) {
	return json.Marshal(frame)
}

// decodeFrame parses raw wire bytes into a tagged array. It does not
// decode capability values within the array; callers invoke decodeValue
// on individual elements once they know how each should be interpreted.
func (s *serializer) decodeFrame(data []byte) ([]interface{}, error) {
	var frame []interface{}
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("rop: malformed frame: %w", err)
	}
	if len(frame) == 0 {
		return nil, errors.New("rop: empty frame")
	}
	return frame, nil
}

// encodeValue converts v into a JSON-marshalable tree, escaping strings
// that collide with the prefix, packing errors, and turning capability
// values (*Local, *Proxy, reactive.Action) into tagged SOID strings. Any
// newly donated object is registered under scope so its eventual
// teardown dereg's it.
func (s *serializer) encodeValue(v interface{}, scope *reactive.Scope) (interface{}, error) {
	switch x := v.(type) {
	case nil, bool, float64, int, int64:
		return x, nil
	case string:
		if len(x) > 0 && x[0] == escapePrefix {
			return string(escapePrefix) + x, nil
		}
		return x, nil
	case UnValue:
		return x.Raw, nil
	case *UnValue:
		return x.Raw, nil
	case error:
		return s.encodeError(x, scope)
	case *Proxy:
		return s.encodeCapabilityRef(x.kind, s.toSOID(x, scope))
	case *Local:
		return s.encodeCapabilityRef(x.Kind, s.toSOID(x, scope))
	case *reactive.Action:
		local := NewActionLocal(x.Perform)
		return s.encodeCapabilityRef(KindAction, s.toSOID(local, scope))
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, el := range x {
			enc, err := s.encodeValue(el, scope)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, el := range x {
			enc, err := s.encodeValue(el, scope)
			if err != nil {
				return nil, err
			}
			out[k] = enc
		}
		return out, nil
	default:
		// Any other Go value is donated by reference, exactly like an
		// explicitly-constructed Object local, except the donation is
		// implicit and anonymous.
		local := NewObjectLocal(v)
		return s.encodeCapabilityRef(KindObject, s.toSOID(local, scope))
	}
}

func (s *serializer) encodeCapabilityRef(k Kind, soid int) (string, error) {
	return fmt.Sprintf("%c%c%d", escapePrefix, byte(k), soid), nil
}

func (s *serializer) encodeError(err error, scope *reactive.Scope) (interface{}, error) {
	var stack string
	if st, ok := err.(StackTracer); ok {
		stack = st.StackTrace()
	}
	var causeEnc interface{}
	if cause := errors.Unwrap(err); cause != nil {
		enc, encErr := s.encodeValue(cause, scope)
		if encErr != nil {
			return nil, encErr
		}
		causeEnc = enc
	}
	payload, err2 := json.Marshal(map[string]interface{}{
		"message": err.Error(),
		"stack":   stack,
		"cause":   causeEnc,
	})
	if err2 != nil {
		return nil, err2
	}
	return string(escapePrefix) + "E" + string(payload), nil
}

// toSOID returns the signed wire integer for a capability. If v is one
// of our own proxies to a peer-owned object, the peer's own index is
// emitted unchanged so the reference round-trips without re-wrapping.
// Otherwise v is (or wraps) one of our own objects: it is registered
// (or its existing registration reused) and the negative encoding
// -1-index is emitted, with dereg tied to scope's eventual teardown.
func (s *serializer) toSOID(v interface{}, scope *reactive.Scope) int {
	if p, ok := v.(*Proxy); ok {
		return p.oid
	}
	local, ok := v.(*Local)
	if !ok {
		panic("rop: toSOID called with a non-capability value")
	}
	i := s.agent.objects.Reg(local)
	if scope != nil {
		scope.OnDrop(func() { s.agent.objects.Dereg(i) })
	}
	return -1 - i
}

// decodeValue is the inverse of encodeValue: prefix-tagged strings are
// rewritten into proxies, RemoteErrors, or UnValues; containers are
// walked recursively; everything else passes through unchanged.
func (s *serializer) decodeValue(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case string:
		return s.decodeString(x)
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, el := range x {
			dec, err := s.decodeValue(el)
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, el := range x {
			dec, err := s.decodeValue(el)
			if err != nil {
				return nil, err
			}
			out[k] = dec
		}
		return out, nil
	default:
		return x, nil
	}
}

func (s *serializer) decodeString(x string) (interface{}, error) {
	if len(x) == 0 || x[0] != escapePrefix {
		return x, nil
	}
	rest := x[1:]
	if len(rest) > 0 && rest[0] == escapePrefix {
		// doubled prefix: literal string, strip one escaping dot.
		return rest, nil
	}
	if len(rest) == 0 {
		return UnValue{Raw: x}, nil
	}
	tag, body := rest[0], rest[1:]
	switch tag {
	case byte(KindFunction), byte(KindThunk), byte(KindAction), byte(KindObject):
		var wireOID int
		if _, err := fmt.Sscanf(body, "%d", &wireOID); err != nil {
			return nil, fmt.Errorf("rop: malformed capability reference %q: %w", x, err)
		}
		return s.fromSOID(Kind(tag), wireOID)
	case 'E':
		return s.decodeError(body)
	default:
		return UnValue{Raw: x}, nil
	}
}

// fromSOID resolves a signed wire integer plus its kind letter into
// either a proxy (negative: the peer is donating an object it owns) or
// one of our own previously-donated objects, looked up directly
// (non-negative: the peer is referring back to something we donated).
func (s *serializer) fromSOID(k Kind, wireOID int) (interface{}, error) {
	if wireOID < 0 {
		peerIndex := -1 - wireOID
		return s.agent.getProxy(peerIndex, k), nil
	}
	local, ok := s.agent.objects.Lookup(wireOID)
	if !ok {
		return nil, fmt.Errorf("rop: received capability reference to unknown local object %d", wireOID)
	}
	if local.Kind == KindObject && local.Object != nil {
		if _, isLocal := local.Object.(*Local); !isLocal {
			if _, isProxy := local.Object.(*Proxy); !isProxy {
				return local.Object, nil
			}
		}
	}
	return local, nil
}

func (s *serializer) decodeError(body string) (interface{}, error) {
	var raw struct {
		Message string      `json:"message"`
		Stack   string      `json:"stack"`
		Cause   interface{} `json:"cause"`
	}
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("rop: malformed packed error: %w", err)
	}
	cause, err := s.decodeValue(raw.Cause)
	if err != nil {
		return nil, err
	}
	return &RemoteError{Message: raw.Message, Stack: raw.Stack, Cause: cause}, nil
}

// sortedKeys returns m's keys in sorted order, for deterministic map
// iteration. Nothing in the module calls it at present.
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
