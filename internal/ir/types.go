package ir

import (
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Kind names one entity kind mirrored from the remote (channel, member, role, ...).
type Kind string

// Ref is a lightweight reference to a cached entity.
// Envelopes carry a Ref, never a live entity handle, so removing the entity
// does not invalidate events that were already dispatched.
type Ref struct {
	Kind Kind         `json:"entity_kind"`
	ID   snowflake.ID `json:"entity_id"`
}

// String renders the reference as "kind:id".
func (r Ref) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, int64(r.ID))
}

// ValueType is the declared type of a tracked field.
type ValueType string

const (
	TypeString    ValueType = "string"
	TypeInt       ValueType = "int"
	TypeBool      ValueType = "bool"
	TypeSnowflake ValueType = "snowflake" // stored as Int; accepts decimal strings on input
	TypeTimestamp ValueType = "timestamp" // stored as an RFC 3339 String in UTC
	TypeArray     ValueType = "array"
	TypeObject    ValueType = "object"
)

// ValidTypes lists every declarable ValueType.
var ValidTypes = []ValueType{TypeString, TypeInt, TypeBool, TypeSnowflake, TypeTimestamp, TypeArray, TypeObject}

// ParseValueType converts a type name into a ValueType.
func ParseValueType(name string) (ValueType, error) {
	for _, t := range ValidTypes {
		if string(t) == name {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown value type %q", name)
}

// TypeOf returns the natural ValueType of a value, or "" for Null and nil.
func TypeOf(v Value) ValueType {
	switch v.(type) {
	case String:
		return TypeString
	case Int:
		return TypeInt
	case Bool:
		return TypeBool
	case Array:
		return TypeArray
	case Object:
		return TypeObject
	default:
		return ""
	}
}

// Coerce checks v against a declared type and returns its stored form.
//
// Snowflakes arrive as decimal strings on the wire and are stored as Int.
// Timestamps are normalised to UTC RFC 3339 so equal instants compare equal.
// Null is accepted only when nullable is true.
func Coerce(t ValueType, nullable bool, v Value) (Value, error) {
	if v == nil {
		v = Null{}
	}
	if _, isNull := v.(Null); isNull {
		if nullable {
			return Null{}, nil
		}
		return nil, fmt.Errorf("null is not allowed for non-nullable %s", t)
	}

	switch t {
	case TypeString, TypeInt, TypeBool, TypeArray, TypeObject:
		if got := TypeOf(v); got != t {
			return nil, fmt.Errorf("expected %s, got %s", t, got)
		}
		return v, nil

	case TypeSnowflake:
		switch val := v.(type) {
		case Int:
			if val < 0 {
				return nil, fmt.Errorf("snowflake must be non-negative: %d", val)
			}
			return val, nil
		case String:
			id, err := snowflake.ParseString(string(val))
			if err != nil || id < 0 {
				return nil, fmt.Errorf("invalid snowflake %q", string(val))
			}
			return Int(id.Int64()), nil
		default:
			return nil, fmt.Errorf("expected snowflake, got %s", TypeOf(v))
		}

	case TypeTimestamp:
		switch val := v.(type) {
		case String:
			ts, err := time.Parse(time.RFC3339Nano, string(val))
			if err != nil {
				return nil, fmt.Errorf("invalid timestamp %q", string(val))
			}
			return String(ts.UTC().Format(time.RFC3339Nano)), nil
		case Int:
			// Epoch milliseconds.
			return String(time.UnixMilli(int64(val)).UTC().Format(time.RFC3339Nano)), nil
		default:
			return nil, fmt.Errorf("expected timestamp, got %s", TypeOf(v))
		}

	default:
		return nil, fmt.Errorf("unknown value type %q", t)
	}
}

// SnowflakeOf extracts a snowflake.ID from a stored snowflake value.
func SnowflakeOf(v Value) (snowflake.ID, bool) {
	switch val := v.(type) {
	case Int:
		return snowflake.ID(val), true
	case String:
		n, err := strconv.ParseInt(string(val), 10, 64)
		if err != nil {
			return 0, false
		}
		return snowflake.ID(n), true
	default:
		return 0, false
	}
}
