package rop

import (
	"fmt"
	"io"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// SetTraceWriter enables a one-line trace of every frame sent and
// received, written to w. This mirrors matrix-org-lb's optional
// CoAPHTTP.Log/Logger: nil by default, and entirely silent unless a
// caller opts in, purely for debugging a connection by eye.
func (a *Agent) SetTraceWriter(w io.Writer) {
	a.Call(func() { a.traceWriter = w })
}

// traceFrame writes one trace line for a raw outgoing or incoming frame.
// Must run on the Agent's loop goroutine (send and dispatch both already
// do). Any sufficiently long string value in the frame is redacted to
// keep a single oversized argument from flooding the trace.
func (a *Agent) traceFrame(direction string, data []byte) {
	if a.traceWriter == nil {
		return
	}
	tag := gjson.GetBytes(data, "0").String()
	slot := gjson.GetBytes(data, "1").String()
	fmt.Fprintf(a.traceWriter, "rop %s %-9s slot=%-4s %s\n", direction, tag, slot, redactLongStrings(data))
}

// maxTracedStringLen is the longest string value shown verbatim in a
// trace line before it is truncated.
const maxTracedStringLen = 200

// redactLongStrings truncates every string value in the frame longer
// than maxTracedStringLen, so a trace line stays a line even when one of
// the frame's values is a large payload.
func redactLongStrings(data []byte) []byte {
	out := data
	gjson.ParseBytes(data).ForEach(func(key, value gjson.Result) bool {
		walkRedact(key.String(), value, &out)
		return true
	})
	return out
}

func walkRedact(path string, value gjson.Result, out *[]byte) {
	switch {
	case value.IsArray() || value.IsObject():
		value.ForEach(func(childKey, child gjson.Result) bool {
			walkRedact(path+"."+childKey.String(), child, out)
			return true
		})
	case value.Type == gjson.String && len(value.Str) > maxTracedStringLen:
		truncated := value.Str[:maxTracedStringLen] + fmt.Sprintf("...(%d bytes truncated)", len(value.Str)-maxTracedStringLen)
		if redacted, err := sjson.SetBytes(*out, path, truncated); err == nil {
			*out = redacted
		}
	}
}
