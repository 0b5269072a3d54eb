package catalog

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/bwmarrin/snowflake"

	"github.com/roach88/snowmirror/internal/capability"
	"github.com/roach88/snowmirror/internal/entity"
	"github.com/roach88/snowmirror/internal/field"
	"github.com/roach88/snowmirror/internal/ir"
)

// CodeUnknownKind identifies a payload for a kind that was never defined.
const CodeUnknownKind = "UNKNOWN_KIND"

// UnknownKindError reports a kind that has no schema.
type UnknownKindError struct {
	Kind ir.Kind
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("%s: kind %q is not defined", CodeUnknownKind, e.Kind)
}

// IsUnknownKind returns true if err is or wraps an UnknownKindError.
func IsUnknownKind(err error) bool {
	var uk *UnknownKindError
	return errors.As(err, &uk)
}

// KindDef declares one entity kind.
type KindDef struct {
	Kind ir.Kind `json:"kind" yaml:"kind"`

	// Container marks kinds whose removal evicts every entity scoped to them.
	Container bool `json:"container,omitempty" yaml:"container,omitempty"`

	Fields []field.Spec `json:"fields" yaml:"fields"`
	Facets []string     `json:"facets,omitempty" yaml:"facets,omitempty"`
}

// Schema is a defined kind: its descriptors in declaration order plus the
// facet bindings resolved at definition time.
type Schema struct {
	kind      ir.Kind
	container bool
	base      []*field.Descriptor
	fields    []*field.Descriptor
	bindings  []capability.Binding
	byName    map[string]*field.Descriptor
}

func (s *Schema) Kind() ir.Kind { return s.kind }

// IsContainer reports whether removing an entity of this kind cascades.
func (s *Schema) IsContainer() bool { return s.container }

// Fields returns every descriptor of the kind in declaration order.
func (s *Schema) Fields() []*field.Descriptor { return slices.Clone(s.fields) }

// Base returns the descriptors not contributed by a facet.
func (s *Schema) Base() []*field.Descriptor { return slices.Clone(s.base) }

// Bindings returns the resolved facet bindings.
func (s *Schema) Bindings() []capability.Binding { return slices.Clone(s.bindings) }

// Facets returns the names of the kind's facets.
func (s *Schema) Facets() []string {
	names := make([]string, len(s.bindings))
	for i, b := range s.bindings {
		names[i] = b.Facet.Name()
	}
	return names
}

// Field returns the descriptor for name or *field.UnknownFieldError.
func (s *Schema) Field(name string) (*field.Descriptor, error) {
	d, ok := s.byName[name]
	if !ok {
		return nil, &field.UnknownFieldError{Kind: s.kind, Name: name}
	}
	return d, nil
}

// Catalog owns the kind schemas and the field registry behind them.
//
// Thread-safety: safe for concurrent use. Define is meant for startup only.
type Catalog struct {
	registry *field.Registry

	mu     sync.RWMutex
	facets map[string]capability.Facet
	kinds  map[ir.Kind]*Schema
	order  []ir.Kind
	frozen bool
}

// New creates a catalog over reg with the given facets available.
func New(reg *field.Registry, facets ...capability.Facet) *Catalog {
	c := &Catalog{
		registry: reg,
		facets:   make(map[string]capability.Facet),
		kinds:    make(map[ir.Kind]*Schema),
	}
	for _, f := range facets {
		c.facets[f.Name()] = f
	}
	return c
}

// Registry returns the field registry backing the catalog.
func (c *Catalog) Registry() *field.Registry { return c.registry }

// RegisterFacet makes a facet available to subsequent Define calls.
func (c *Catalog) RegisterFacet(f capability.Facet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen {
		return field.ErrRegistryFrozen
	}
	if _, exists := c.facets[f.Name()]; exists {
		return fmt.Errorf("facet %q already registered", f.Name())
	}
	c.facets[f.Name()] = f
	return nil
}

// Define registers a kind. Base fields are declared first, then each facet's
// fields in facet order. Any registration failure is returned as is; a
// *field.DuplicateFieldError means the catalog cannot be built consistently.
func (c *Catalog) Define(def KindDef) (*Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.frozen {
		return nil, field.ErrRegistryFrozen
	}
	if def.Kind == "" {
		return nil, errors.New("kind name is required")
	}
	if _, exists := c.kinds[def.Kind]; exists {
		return nil, fmt.Errorf("kind %q already defined", def.Kind)
	}

	// Resolve facets before registering anything so an unknown facet leaves
	// the registry untouched.
	facets := make([]capability.Facet, 0, len(def.Facets))
	for _, name := range def.Facets {
		f, ok := c.facets[name]
		if !ok {
			return nil, fmt.Errorf("kind %q: unknown facet %q", def.Kind, name)
		}
		facets = append(facets, f)
	}

	s := &Schema{
		kind:      def.Kind,
		container: def.Container,
		byName:    make(map[string]*field.Descriptor),
	}

	for _, spec := range def.Fields {
		d, err := c.registry.Register(def.Kind, spec.Name, spec.Type, spec.Options()...)
		if err != nil {
			return nil, fmt.Errorf("kind %q: %w", def.Kind, err)
		}
		s.base = append(s.base, d)
		s.fields = append(s.fields, d)
		s.byName[d.Name()] = d
	}

	for _, f := range facets {
		b := capability.Binding{Facet: f}
		for _, spec := range f.Fields() {
			opts := append(spec.Options(), field.FromFacet(f.Name()))
			d, err := c.registry.Register(def.Kind, spec.Name, spec.Type, opts...)
			if err != nil {
				return nil, fmt.Errorf("kind %q facet %q: %w", def.Kind, f.Name(), err)
			}
			b.Fields = append(b.Fields, d)
			s.fields = append(s.fields, d)
			s.byName[d.Name()] = d
		}
		s.bindings = append(s.bindings, b)
	}

	c.kinds[def.Kind] = s
	c.order = append(c.order, def.Kind)
	return s, nil
}

// MustDefine is Define for static catalogs; it panics on error.
func (c *Catalog) MustDefine(def KindDef) *Schema {
	s, err := c.Define(def)
	if err != nil {
		panic(err)
	}
	return s
}

// Schema returns the schema of kind or *UnknownKindError.
func (c *Catalog) Schema(kind ir.Kind) (*Schema, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.kinds[kind]
	if !ok {
		return nil, &UnknownKindError{Kind: kind}
	}
	return s, nil
}

// Kinds returns the defined kinds in definition order.
func (c *Catalog) Kinds() []ir.Kind {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.order)
}

// Freeze makes the catalog and its registry read-only.
func (c *Catalog) Freeze() {
	c.mu.Lock()
	c.frozen = true
	c.mu.Unlock()
	c.registry.Freeze()
}

// NewEntity is an entity.Factory that attaches the kind's facets.
// Entities of undefined kinds are created without facets.
func (c *Catalog) NewEntity(ref ir.Ref, container snowflake.ID) *entity.Entity {
	s, err := c.Schema(ref.Kind)
	if err != nil {
		return entity.New(ref, container)
	}
	return entity.New(ref, container, s.Facets()...)
}

// Copy builds the structural copy request of src into the target container.
func (c *Catalog) Copy(src *entity.Entity, target snowflake.ID) (capability.CopyRequest, error) {
	s, err := c.Schema(src.Kind())
	if err != nil {
		return capability.CopyRequest{}, err
	}
	return capability.StructuralCopy(src.Snapshot(), s.base, s.bindings, target), nil
}
