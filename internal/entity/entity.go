package entity

import (
	"slices"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/roach88/snowmirror/internal/field"
	"github.com/roach88/snowmirror/internal/ir"
)

// DiscordEpoch is the snowflake epoch in Unix milliseconds (2015-01-01T00:00:00Z).
const DiscordEpoch int64 = 1420070400000

// timestampShift is the number of low bits below the snowflake timestamp.
const timestampShift = 22

// Entity is one mirrored remote object.
//
// Thread-safety: all methods are safe for concurrent use. Mutations go
// through Mutate, which holds the entity's exclusive section for the whole
// callback.
type Entity struct {
	ref    ir.Ref
	facets []string

	mu        sync.RWMutex
	container snowflake.ID // written under both mu and the owning Store's lock
	values    map[*field.Descriptor]ir.Value
	seeded    bool
}

// New creates an unseeded entity. Facets are fixed for the entity's lifetime.
func New(ref ir.Ref, container snowflake.ID, facets ...string) *Entity {
	return &Entity{
		ref:       ref,
		container: container,
		facets:    slices.Clone(facets),
		values:    make(map[*field.Descriptor]ir.Value),
	}
}

func (e *Entity) Ref() ir.Ref      { return e.ref }
func (e *Entity) ID() snowflake.ID { return e.ref.ID }
func (e *Entity) Kind() ir.Kind    { return e.ref.Kind }

// Container is the id of the top-level container (guild) the entity lives in,
// or 0 for global entities such as users.
func (e *Entity) Container() snowflake.ID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.container
}

// adoptContainer records the container of an entity first seen without one.
// An entity never moves between containers.
func (e *Entity) adoptContainer(container snowflake.ID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.container != 0 || container == 0 {
		return false
	}
	e.container = container
	return true
}

// Facets returns the names of the capability facets attached to the entity.
func (e *Entity) Facets() []string { return slices.Clone(e.facets) }

// HasFacet reports whether the named facet is attached.
func (e *Entity) HasFacet(name string) bool {
	return slices.Contains(e.facets, name)
}

// CreatedAt derives the creation time embedded in the entity's snowflake.
func (e *Entity) CreatedAt() time.Time {
	return time.UnixMilli((e.ref.ID.Int64() >> timestampShift) + DiscordEpoch).UTC()
}

// Get returns the cached value of a field.
func (e *Entity) Get(d *field.Descriptor) (ir.Value, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.values[d]
	return v, ok
}

// Seeded reports whether the entity has received its first state.
func (e *Entity) Seeded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.seeded
}

// Snapshot returns a consistent copy of the entity's state.
func (e *Entity) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	values := make(map[string]ir.Value, len(e.values))
	for d, v := range e.values {
		values[d.Name()] = v
	}
	return Snapshot{
		Ref:       e.ref,
		Container: e.container,
		Facets:    slices.Clone(e.facets),
		Values:    values,
		Seeded:    e.seeded,
	}
}

// Mutate runs fn inside the entity's exclusive section. No reader observes
// the entity between the first and last write fn performs.
func (e *Entity) Mutate(fn func(tx *Tx) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx := &Tx{e: e}
	defer func() { tx.e = nil }()
	return fn(tx)
}

// Tx is the write handle passed to Mutate. It must not outlive the callback.
type Tx struct {
	e *Entity
}

// Get returns the current value of a field.
func (tx *Tx) Get(d *field.Descriptor) (ir.Value, bool) {
	v, ok := tx.e.values[d]
	return v, ok
}

// Set overwrites a field value.
func (tx *Tx) Set(d *field.Descriptor, v ir.Value) {
	tx.e.values[d] = v
}

// Seeded reports whether the entity had received state before this call.
func (tx *Tx) Seeded() bool { return tx.e.seeded }

// MarkSeeded records that the entity now holds a baseline.
func (tx *Tx) MarkSeeded() { tx.e.seeded = true }

// Ref returns the entity reference.
func (tx *Tx) Ref() ir.Ref { return tx.e.ref }

// Snapshot is an immutable copy of an entity's state, keyed by field name.
type Snapshot struct {
	Ref       ir.Ref              `json:"ref"`
	Container snowflake.ID        `json:"container"`
	Facets    []string            `json:"facets"`
	Values    map[string]ir.Value `json:"values"`
	Seeded    bool                `json:"seeded"`
}

// Value returns a field value by name.
func (s Snapshot) Value(name string) (ir.Value, bool) {
	v, ok := s.Values[name]
	return v, ok
}

// Object returns the snapshot values as an ir.Object.
func (s Snapshot) Object() ir.Object {
	obj := make(ir.Object, len(s.Values))
	for k, v := range s.Values {
		obj[k] = v
	}
	return obj
}
