package field

import (
	"fmt"

	"github.com/roach88/snowmirror/internal/ir"
)

// CopyPolicy controls whether a field participates in structural copies.
type CopyPolicy int

const (
	// CopyNever excludes the field from structural copies.
	CopyNever CopyPolicy = iota
	// CopyAlways copies the field into any target container.
	CopyAlways
	// CopySameContainer copies the field only when the target is created in
	// the source's container. Cross-container references would dangle.
	CopySameContainer
)

func (p CopyPolicy) String() string {
	switch p {
	case CopyAlways:
		return "always"
	case CopySameContainer:
		return "same_container"
	default:
		return "never"
	}
}

// ParseCopyPolicy converts a policy name into a CopyPolicy.
func ParseCopyPolicy(name string) (CopyPolicy, error) {
	switch name {
	case "", "never":
		return CopyNever, nil
	case "always":
		return CopyAlways, nil
	case "same_container":
		return CopySameContainer, nil
	default:
		return CopyNever, fmt.Errorf("unknown copy policy %q", name)
	}
}

func (p CopyPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *CopyPolicy) UnmarshalText(text []byte) error {
	parsed, err := ParseCopyPolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Descriptor is the immutable identity of one tracked field.
type Descriptor struct {
	kind     ir.Kind
	name     string
	typ      ir.ValueType
	nullable bool
	baseline bool
	copy     CopyPolicy
	facet    string
	index    int
}

func (d *Descriptor) Kind() ir.Kind          { return d.kind }
func (d *Descriptor) Name() string           { return d.name }
func (d *Descriptor) Type() ir.ValueType     { return d.typ }
func (d *Descriptor) Nullable() bool         { return d.nullable }
func (d *Descriptor) CopyPolicy() CopyPolicy { return d.copy }

// RequiresBaseline reports whether a change is only reported when the field
// already had a cached value. The first observed value is seeded silently.
func (d *Descriptor) RequiresBaseline() bool { return d.baseline }

// Facet names the capability facet that contributed this field, or "" for
// base fields of the kind.
func (d *Descriptor) Facet() string { return d.facet }

// Index is the declaration position within the kind. Diffs are ordered by it.
func (d *Descriptor) Index() int { return d.index }

// String renders the descriptor as "kind.name".
func (d *Descriptor) String() string {
	return string(d.kind) + "." + d.name
}

// Coerce validates v against the declared type and returns the stored form.
func (d *Descriptor) Coerce(v ir.Value) (ir.Value, error) {
	return ir.Coerce(d.typ, d.nullable, v)
}

// Option configures a field at registration time.
type Option func(*Descriptor)

// Nullable allows the field to hold Null.
func Nullable() Option {
	return func(d *Descriptor) { d.nullable = true }
}

// RequiresBaseline marks the field as reported only against a cached value.
func RequiresBaseline() Option {
	return func(d *Descriptor) { d.baseline = true }
}

// Copy sets the structural copy policy.
func Copy(p CopyPolicy) Option {
	return func(d *Descriptor) { d.copy = p }
}

// FromFacet records the facet that contributes the field.
func FromFacet(name string) Option {
	return func(d *Descriptor) { d.facet = name }
}

// Spec is a declarative field definition, used by catalogs and facets
// before a kind is registered.
type Spec struct {
	Name             string       `json:"name" yaml:"name"`
	Type             ir.ValueType `json:"type" yaml:"type"`
	Nullable         bool         `json:"nullable,omitempty" yaml:"nullable,omitempty"`
	RequiresBaseline bool         `json:"requires_baseline,omitempty" yaml:"requires_baseline,omitempty"`
	Copy             CopyPolicy   `json:"copy,omitempty" yaml:"copy,omitempty"`
}

// Options converts the spec's flags into registration options.
func (s Spec) Options() []Option {
	var opts []Option
	if s.Nullable {
		opts = append(opts, Nullable())
	}
	if s.RequiresBaseline {
		opts = append(opts, RequiresBaseline())
	}
	if s.Copy != CopyNever {
		opts = append(opts, Copy(s.Copy))
	}
	return opts
}
