package rop

import "fmt"

// Wire message tags: the first element of every frame array.
const (
	tagStart     = "Start"
	tagResult    = "Result"
	tagAckResult = "AckResult"
	tagEnd       = "End"
	tagAckEnd    = "AckEnd"
	tagPerform   = "Perform"
	tagErrorMsg  = "Error"
)

// Cond values carried by RESULT frames.
const (
	CondSuccess = 0
	CondPending = 1
	CondError   = 2
)

// asInt coerces a decoded JSON value (float64, as produced by the JSON
// codec for any bare number) into an int.
func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}

func parseSlotOnly(rest []interface{}) (int, error) {
	if len(rest) < 1 {
		return 0, fmt.Errorf("rop: frame missing slot/oid field")
	}
	i, ok := asInt(rest[0])
	if !ok {
		return 0, fmt.Errorf("rop: frame's slot/oid field is not an integer: %v", rest[0])
	}
	return i, nil
}

func parseStart(rest []interface{}) (slot, oid int, args []interface{}, err error) {
	if len(rest) < 2 {
		return 0, 0, nil, fmt.Errorf("rop: START frame too short")
	}
	slot, ok := asInt(rest[0])
	if !ok {
		return 0, 0, nil, fmt.Errorf("rop: START slot is not an integer: %v", rest[0])
	}
	oid, ok = asInt(rest[1])
	if !ok {
		return 0, 0, nil, fmt.Errorf("rop: START oid is not an integer: %v", rest[1])
	}
	return slot, oid, rest[2:], nil
}

func parseResult(rest []interface{}) (slot, cond int, value interface{}, err error) {
	if len(rest) < 3 {
		return 0, 0, nil, fmt.Errorf("rop: RESULT frame too short")
	}
	slot, ok := asInt(rest[0])
	if !ok {
		return 0, 0, nil, fmt.Errorf("rop: RESULT slot is not an integer: %v", rest[0])
	}
	cond, ok = asInt(rest[1])
	if !ok {
		return 0, 0, nil, fmt.Errorf("rop: RESULT cond is not an integer: %v", rest[1])
	}
	return slot, cond, rest[2], nil
}
