package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// DecodeJSON parses a JSON document into generic values.
//
// Objects become map[string]any, arrays []any, integral numbers int64 and
// other numbers float64. Using int64 for integral numbers keeps ids and
// coordinates exact and lets callers tell 3 from 3.5.
func DecodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return normalizeNumbers(v), nil
}

// Normalize converts any JSON-serialisable Go value (structs included) into
// the generic form produced by DecodeJSON.
func Normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return DecodeJSON(data)
}

func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if n, err := strconv.ParseInt(string(val), 10, 64); err == nil {
			return n
		}
		f, err := val.Float64()
		if err != nil {
			return string(val)
		}
		return f
	case map[string]any:
		for k, elem := range val {
			val[k] = normalizeNumbers(elem)
		}
		return val
	case []any:
		for i, elem := range val {
			val[i] = normalizeNumbers(elem)
		}
		return val
	default:
		return v
	}
}

// Int returns v as an int when it is an integral number.
func Int(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case float64:
		// float64(math.MaxInt64) rounds up to 2^63, which is out of range.
		if n != math.Trunc(n) || n < math.MinInt64 || n >= math.MaxInt64 {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := strconv.ParseInt(string(n), 10, 64)
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}

// Object returns v as a JSON object.
func Object(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// String returns v as a string.
func String(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// Serializable reports whether v can be encoded as JSON.
func Serializable(v any) error {
	_, err := json.Marshal(v)
	return err
}
