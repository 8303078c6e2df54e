package store

import (
	"database/sql"
	"fmt"

	"github.com/roach88/modeltable/internal/ir"
)

// marshalValue converts a label value to canonical JSON TEXT for storage.
func marshalValue(v any) (string, error) {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("marshal value: %w", err)
	}
	return string(data), nil
}

// unmarshalValue parses stored JSON TEXT. Integral numbers come back as
// int64.
func unmarshalValue(data string) (any, error) {
	v, err := ir.DecodeJSON([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	return v, nil
}

// marshalLabel converts an optional event label to nullable JSON TEXT.
func marshalLabel(l *ir.Label) (sql.NullString, error) {
	if l == nil {
		return sql.NullString{}, nil
	}
	data, err := ir.MarshalCanonical(l)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal label: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// unmarshalLabel parses nullable JSON TEXT back into an event label.
func unmarshalLabel(ns sql.NullString) (*ir.Label, error) {
	if !ns.Valid {
		return nil, nil
	}
	v, err := unmarshalValue(ns.String)
	if err != nil {
		return nil, err
	}
	obj, ok := ir.Object(v)
	if !ok {
		return nil, fmt.Errorf("unmarshal label: not an object")
	}
	l := &ir.Label{V: obj["v"]}
	l.K, _ = ir.String(obj["k"])
	l.T, _ = ir.String(obj["t"])
	return l, nil
}
