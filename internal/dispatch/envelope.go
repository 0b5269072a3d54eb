package dispatch

import (
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/roach88/snowmirror/internal/field"
	"github.com/roach88/snowmirror/internal/ir"
)

// Envelope is one delivered change notification. It references the entity
// by kind and id only, so it stays valid after the entity is removed.
//
// Envelopes are values; subscribers must not mutate Old or New in place.
type Envelope struct {
	Seq   int64
	Ref   ir.Ref
	Field *field.Descriptor
	Old   ir.Value
	New   ir.Value
}

// Identifier is the public property identifier, e.g. "nick".
func (e Envelope) Identifier() string { return e.Field.Name() }

// Is reports whether the envelope carries a change of d.
func (e Envelope) Is(d *field.Descriptor) bool { return e.Field == d }

// Object returns the envelope in its wire shape.
func (e Envelope) Object() ir.Object {
	return ir.NewObject(
		ir.O("sequence_number", ir.Int(e.Seq)),
		ir.O("entity_kind", ir.String(e.Ref.Kind)),
		ir.O("entity_id", ir.Int(e.Ref.ID.Int64())),
		ir.O("field_identifier", ir.String(e.Identifier())),
		ir.O("old_value", orNull(e.Old)),
		ir.O("new_value", orNull(e.New)),
	)
}

// MarshalJSON encodes the envelope as canonical JSON.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return ir.MarshalCanonical(e.Object())
}

func orNull(v ir.Value) ir.Value {
	if v == nil {
		return ir.Null{}
	}
	return v
}

// OldAs returns the old value as T. It fails for Null and for values of
// another type.
func OldAs[T ir.Value](e Envelope) (T, bool) {
	v, ok := e.Old.(T)
	return v, ok
}

// NewAs returns the new value as T.
func NewAs[T ir.Value](e Envelope) (T, bool) {
	v, ok := e.New.(T)
	return v, ok
}

// Snowflakes returns the old and new values of a snowflake field.
func (e Envelope) Snowflakes() (before, after snowflake.ID, ok bool) {
	if e.Field.Type() != ir.TypeSnowflake {
		return 0, 0, false
	}
	before, _ = ir.SnowflakeOf(e.Old)
	after, _ = ir.SnowflakeOf(e.New)
	return before, after, true
}

// Times returns the old and new values of a timestamp field. A null side is
// returned as the zero time.
func (e Envelope) Times() (before, after time.Time, ok bool) {
	if e.Field.Type() != ir.TypeTimestamp {
		return time.Time{}, time.Time{}, false
	}
	return parseTime(e.Old), parseTime(e.New), true
}

func parseTime(v ir.Value) time.Time {
	s, ok := v.(ir.String)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, string(s))
	if err != nil {
		return time.Time{}
	}
	return t
}
