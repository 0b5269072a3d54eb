package ir

import (
	"encoding/json"
	"fmt"
	"math"
)

// FromDecoded converts a generic decoded key-value tree, as produced by a
// wire codec (encoding/json, yaml.v3), into a Value.
//
// Integral float64 values are accepted because encoding/json decodes every
// number as float64 unless UseNumber is set. Fractional numbers are rejected.
func FromDecoded(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case int:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint32:
		return Int(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("number out of int64 range: %d", val)
		}
		return Int(val), nil
	case float64:
		if val != math.Trunc(val) || math.IsInf(val, 0) {
			return nil, fmt.Errorf("floats are not allowed: %v", val)
		}
		if val >= math.MaxInt64 || val < math.MinInt64 {
			return nil, fmt.Errorf("number out of int64 range: %v", val)
		}
		return Int(int64(val)), nil
	case json.Number:
		if isFloatLiteral(val) {
			return nil, fmt.Errorf("floats are not allowed: %s", val)
		}
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("number out of int64 range: %s", val)
		}
		return Int(n), nil
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			item, err := FromDecoded(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = item
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			item, err := FromDecoded(elem)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			obj[k] = item
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// ObjectFromDecoded converts a decoded map into an Object.
func ObjectFromDecoded(m map[string]any) (Object, error) {
	v, err := FromDecoded(m)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return Object{}, nil
	}
	return v.(Object), nil
}

// ToDecoded converts a Value back into plain Go values, the inverse of
// FromDecoded. Useful for rendering and for assertions in tests.
func ToDecoded(v Value) any {
	switch val := v.(type) {
	case nil, Null:
		return nil
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Bool:
		return bool(val)
	case Array:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = ToDecoded(elem)
		}
		return out
	case Object:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = ToDecoded(elem)
		}
		return out
	default:
		return nil
	}
}
