package entity

import (
	"cmp"
	"slices"
	"sync"

	"github.com/bwmarrin/snowflake"

	"github.com/roach88/snowmirror/internal/ir"
)

// Factory builds a new entity for a ref that is not cached yet.
// Used to attach the facets of the entity's kind.
type Factory func(ref ir.Ref, container snowflake.ID) *Entity

// Store is the keyed mirror of cached entities.
//
// Thread-safety: all methods are safe for concurrent use. Resolve is atomic:
// concurrent resolves of the same unseen ref yield a single instance.
type Store struct {
	mu          sync.RWMutex
	entities    map[ir.Ref]*Entity
	byContainer map[snowflake.ID]map[ir.Ref]struct{}
	factory     Factory
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithFactory sets the constructor used for newly resolved entities.
func WithFactory(f Factory) StoreOption {
	return func(s *Store) { s.factory = f }
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		entities:    make(map[ir.Ref]*Entity),
		byContainer: make(map[snowflake.ID]map[ir.Ref]struct{}),
		factory: func(ref ir.Ref, container snowflake.ID) *Entity {
			return New(ref, container)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolve returns the cached entity for (kind, id), creating and inserting a
// default-initialised one if absent. created is true only for the caller
// whose resolve inserted the entity.
//
// An entity first resolved without a container joins the first non-zero
// container it is later resolved with, so container removal still reaches
// it. A different container on a later resolve is ignored.
func (s *Store) Resolve(kind ir.Kind, id, container snowflake.ID) (e *Entity, created bool) {
	ref := ir.Ref{Kind: kind, ID: id}

	s.mu.RLock()
	e, ok := s.entities[ref]
	s.mu.RUnlock()
	if ok && (container == 0 || e.Container() != 0) {
		return e, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another resolver may have won the race between the locks.
	if existing, ok := s.entities[ref]; ok {
		if existing.adoptContainer(container) {
			s.indexLocked(ref, container)
		}
		return existing, false
	}

	e = s.factory(ref, container)
	s.entities[ref] = e
	if container != 0 {
		s.indexLocked(ref, container)
	}
	return e, true
}

func (s *Store) indexLocked(ref ir.Ref, container snowflake.ID) {
	members, ok := s.byContainer[container]
	if !ok {
		members = make(map[ir.Ref]struct{})
		s.byContainer[container] = members
	}
	members[ref] = struct{}{}
}

// Get is a non-creating lookup.
func (s *Store) Get(kind ir.Kind, id snowflake.ID) (*Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[ir.Ref{Kind: kind, ID: id}]
	return e, ok
}

// Remove evicts an entity and returns it.
// Returns *EntityNotFoundError if it is not cached.
func (s *Store) Remove(kind ir.Kind, id snowflake.ID) (*Entity, error) {
	ref := ir.Ref{Kind: kind, ID: id}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[ref]
	if !ok {
		return nil, &EntityNotFoundError{Ref: ref}
	}
	s.evictLocked(e)
	return e, nil
}

// RemoveContainer evicts every entity scoped to container and returns them
// ordered by ref. The container entity itself is not touched.
func (s *Store) RemoveContainer(container snowflake.ID) []*Entity {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.byContainer[container]
	removed := make([]*Entity, 0, len(members))
	for ref := range members {
		if e, ok := s.entities[ref]; ok {
			removed = append(removed, e)
		}
	}
	for _, e := range removed {
		s.evictLocked(e)
	}
	delete(s.byContainer, container)

	slices.SortFunc(removed, compareEntities)
	return removed
}

func (s *Store) evictLocked(e *Entity) {
	delete(s.entities, e.ref)
	if members, ok := s.byContainer[e.container]; ok {
		delete(members, e.ref)
		if len(members) == 0 {
			delete(s.byContainer, e.container)
		}
	}
}

// All returns the cached entities of a kind ordered by id.
func (s *Store) All(kind ir.Kind) []*Entity {
	s.mu.RLock()
	out := make([]*Entity, 0)
	for ref, e := range s.entities {
		if ref.Kind == kind {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, compareEntities)
	return out
}

// InContainer returns the entities scoped to a container ordered by ref.
func (s *Store) InContainer(container snowflake.ID) []*Entity {
	s.mu.RLock()
	out := make([]*Entity, 0, len(s.byContainer[container]))
	for ref := range s.byContainer[container] {
		out = append(out, s.entities[ref])
	}
	s.mu.RUnlock()

	slices.SortFunc(out, compareEntities)
	return out
}

// Range calls fn for every cached entity ordered by (kind, id) until fn
// returns false. fn runs outside the store lock.
func (s *Store) Range(fn func(*Entity) bool) {
	s.mu.RLock()
	all := make([]*Entity, 0, len(s.entities))
	for _, e := range s.entities {
		all = append(all, e)
	}
	s.mu.RUnlock()

	slices.SortFunc(all, compareEntities)
	for _, e := range all {
		if !fn(e) {
			return
		}
	}
}

// Len returns the number of cached entities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

func compareEntities(a, b *Entity) int {
	if c := cmp.Compare(a.ref.Kind, b.ref.Kind); c != 0 {
		return c
	}
	return cmp.Compare(a.ref.ID, b.ref.ID)
}
