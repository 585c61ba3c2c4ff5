package models

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
)

// Payload is a JSON-like component value. Numbers are kept as float64 so
// payloads compare and encode the same way regardless of origin.
type Payload map[string]any

// Normalize converts numeric leaves to float64 and nested maps to
// map[string]any. Values that cannot be represented in JSON are rejected.
func Normalize(p Payload) (Payload, error) {
	if p == nil {
		return Payload{}, nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		nv, err := normalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

func normalizeValue(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, string:
		return t, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, fmt.Errorf("non-finite number")
		}
		return t, nil
	case float32:
		return normalizeValue(float64(t))
	case int:
		return float64(t), nil
	case int8:
		return float64(t), nil
	case int16:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint:
		return float64(t), nil
	case uint8:
		return float64(t), nil
	case uint16:
		return float64(t), nil
	case uint32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, err
		}
		return normalizeValue(f)
	case Payload:
		return Normalize(t)
	case map[string]any:
		n, err := Normalize(t)
		return map[string]any(n), err
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			ne, err := normalizeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = ne
		}
		return out, nil
	case []float64:
		out := make([]any, len(t))
		for i, e := range t {
			ne, err := normalizeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = ne
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value of type %T", v)
	}
}

// Merge returns a new payload with patch fields written over base.
func Merge(base, patch Payload) Payload {
	out := make(Payload, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Keys returns the field names in sorted order.
func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Number returns a numeric field.
func (p Payload) Number(key string) (float64, bool) {
	f, ok := p[key].(float64)
	return f, ok
}

// Equal compares payloads structurally.
func (p Payload) Equal(other Payload) bool {
	if len(p) != len(other) {
		return false
	}
	return reflect.DeepEqual(map[string]any(p), map[string]any(other))
}

// WithinTolerance reports whether every numeric field of p is within tol of
// the same field in other, and every other field is equal.
func (p Payload) WithinTolerance(other Payload, tol float64) bool {
	if len(p) != len(other) {
		return false
	}
	for k, a := range p {
		b, ok := other[k]
		if !ok {
			return false
		}
		af, aNum := a.(float64)
		bf, bNum := b.(float64)
		switch {
		case aNum && bNum:
			if math.Abs(af-bf) > tol {
				return false
			}
		case aNum != bNum:
			return false
		default:
			if !reflect.DeepEqual(a, b) {
				return false
			}
		}
	}
	return true
}

// Clone deep-copies a normalized payload so the copy shares no maps or slices
// with the original.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Payload:
		return t.Clone()
	case map[string]any:
		return map[string]any(Payload(t).Clone())
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
