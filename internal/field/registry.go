package field

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/snowmirror/internal/ir"
)

type key struct {
	kind ir.Kind
	name string
}

// Registry owns every Descriptor in the process.
//
// Thread-safety: all methods are safe for concurrent use. Registration is
// expected only during startup; Freeze turns the registry read-only.
type Registry struct {
	mu     sync.RWMutex
	byKey  map[key]*Descriptor
	byKind map[ir.Kind][]*Descriptor
	frozen bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey:  make(map[key]*Descriptor),
		byKind: make(map[ir.Kind][]*Descriptor),
	}
}

// normalizeName trims and NFC-normalises a field name so visually identical
// names cannot register twice.
func normalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// Register creates the Descriptor for (kind, name).
//
// Returns *DuplicateFieldError if the pair is already registered and
// ErrRegistryFrozen after Freeze. Declaration order within a kind is the
// order of successful Register calls.
func (r *Registry) Register(kind ir.Kind, name string, typ ir.ValueType, opts ...Option) (*Descriptor, error) {
	name = normalizeName(name)
	if kind == "" || name == "" {
		return nil, fmt.Errorf("%s: kind and name are required (kind=%q, name=%q)", CodeInvalidField, kind, name)
	}
	if _, err := ir.ParseValueType(string(typ)); err != nil {
		return nil, fmt.Errorf("%s: %s.%s: %w", CodeInvalidField, kind, name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return nil, ErrRegistryFrozen
	}

	k := key{kind: kind, name: name}
	if _, exists := r.byKey[k]; exists {
		return nil, &DuplicateFieldError{Kind: kind, Name: name}
	}

	d := &Descriptor{
		kind:  kind,
		name:  name,
		typ:   typ,
		index: len(r.byKind[kind]),
	}
	for _, opt := range opts {
		opt(d)
	}

	r.byKey[k] = d
	r.byKind[kind] = append(r.byKind[kind], d)
	return d, nil
}

// MustRegister is Register for static catalogs. It panics on error because a
// registry that cannot be built consistently means the process cannot start.
func (r *Registry) MustRegister(kind ir.Kind, name string, typ ir.ValueType, opts ...Option) *Descriptor {
	d, err := r.Register(kind, name, typ, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

// Lookup returns the Descriptor for (kind, name) or *UnknownFieldError.
func (r *Registry) Lookup(kind ir.Kind, name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.byKey[key{kind: kind, name: normalizeName(name)}]
	if !ok {
		return nil, &UnknownFieldError{Kind: kind, Name: name}
	}
	return d, nil
}

// Fields returns the kind's descriptors in declaration order.
// The returned slice is a copy.
func (r *Registry) Fields(kind ir.Kind) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.byKind[kind])
}

// Kinds returns every kind with at least one registered field, sorted.
func (r *Registry) Kinds() []ir.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]ir.Kind, 0, len(r.byKind))
	for k := range r.byKind {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Freeze makes the registry read-only. Idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}
