package store

import (
	"github.com/bwmarrin/snowflake"

	"github.com/roach88/snowmirror/internal/ir"
)

// PayloadRecord is one journaled inbound payload.
type PayloadRecord struct {
	ID        string
	Seq       int64
	Session   string
	Kind      ir.Kind
	EntityID  snowflake.ID
	Container snowflake.ID
	Fragment  ir.Object
	Removed   bool
}

// Ref returns the entity reference of the payload.
func (p PayloadRecord) Ref() ir.Ref { return ir.Ref{Kind: p.Kind, ID: p.EntityID} }

// EnvelopeRecord is one journaled change notification.
type EnvelopeRecord struct {
	ID        string
	Seq       int64
	PayloadID string
	Kind      ir.Kind
	EntityID  snowflake.ID
	Field     string
	Old       ir.Value
	New       ir.Value
}

func (e EnvelopeRecord) Ref() ir.Ref { return ir.Ref{Kind: e.Kind, ID: e.EntityID} }

// Mutation outbox statuses.
const (
	MutationPending   = "pending"
	MutationSubmitted = "submitted"
	MutationFailed    = "failed"
)

// MutationRecord is one structural copy request waiting in the outbox.
type MutationRecord struct {
	ID            string
	Seq           int64
	Kind          ir.Kind
	SourceID      snowflake.ID
	Container     snowflake.ID
	SameContainer bool
	Fields        ir.Object
	Status        string
}

// EnvelopeFilter narrows ReadEnvelopes. Zero fields match everything.
type EnvelopeFilter struct {
	Kind     ir.Kind
	EntityID snowflake.ID
	Field    string
	AfterSeq int64
	Limit    int
}
