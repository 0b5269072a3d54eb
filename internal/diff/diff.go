// Package diff computes field-level changes between a cached entity and an
// incoming state fragment, applying the new values as it goes.
package diff

import (
	"errors"
	"log/slog"

	"github.com/roach88/snowmirror/internal/catalog"
	"github.com/roach88/snowmirror/internal/entity"
	"github.com/roach88/snowmirror/internal/field"
	"github.com/roach88/snowmirror/internal/ir"
)

// Change is one detected field transition. Old is ir.Null when the field
// had no cached value.
type Change struct {
	Field *field.Descriptor
	Old   ir.Value
	New   ir.Value
}

// Engine applies fragments to entities of the kinds defined in a catalog.
//
// Thread-safety: safe for concurrent use. Each ApplyAndDiff call holds the
// target entity's exclusive section for its whole duration.
type Engine struct {
	catalog *catalog.Catalog
	logger  *slog.Logger
	strict  bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Engine) { d.logger = l }
}

// WithStrictAtomicity makes a malformed field abort the whole call. Every
// present field is validated before any is written, so a rejected fragment
// leaves the entity untouched.
func WithStrictAtomicity() Option {
	return func(d *Engine) { d.strict = true }
}

// New creates a diff engine over cat.
func New(cat *catalog.Catalog, opts ...Option) *Engine {
	d := &Engine{
		catalog: cat,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Engine) Catalog() *catalog.Catalog { return d.catalog }

// Strict reports whether the engine runs with strict atomicity.
func (d *Engine) Strict() bool { return d.strict }

// ApplyAndDiff writes the fields present in frag to e and returns one Change
// per field whose value actually changed, in the kind's declaration order.
//
// Fields absent from frag are untouched. The first fragment that stores a
// value in an unseeded entity seeds it without producing changes, and a field flagged
// RequiresBaseline produces no change when it had no cached value.
//
// Per-field failures do not stop the call: malformed values are skipped
// (unless the engine is strict) and unknown keys are ignored. The returned
// error joins one *MalformedFragmentError or *field.UnknownFieldError per
// offending key and is returned alongside the changes that did apply.
// Only an unknown kind fails the call outright.
func (d *Engine) ApplyAndDiff(e *entity.Entity, frag ir.Object) ([]Change, error) {
	schema, err := d.catalog.Schema(e.Kind())
	if err != nil {
		return nil, err
	}
	descs := schema.Fields()

	var changes []Change
	var errs []error

	err = e.Mutate(func(tx *entity.Tx) error {
		ref := tx.Ref()

		coerced := make([]ir.Value, len(descs))
		for i, desc := range descs {
			raw, ok := frag[desc.Name()]
			if !ok {
				continue
			}
			v, err := desc.Coerce(raw)
			if err != nil {
				errs = append(errs, &MalformedFragmentError{Ref: ref, Field: desc.Name(), Err: err})
				continue
			}
			coerced[i] = v
		}
		if d.strict && len(errs) > 0 {
			return nil
		}

		seeded := tx.Seeded()
		stored := 0
		for i, desc := range descs {
			v := coerced[i]
			if v == nil {
				continue
			}
			stored++

			old, had := tx.Get(desc)
			if !had {
				old = ir.Null{}
			}
			if had && ir.Equal(old, v) {
				continue
			}
			tx.Set(desc, v)

			switch {
			case !seeded:
			case !had && desc.RequiresBaseline():
			case ir.Equal(old, v):
			default:
				changes = append(changes, Change{Field: desc, Old: old, New: v})
			}
		}

		// A fragment that stored nothing leaves no baseline to diff against.
		if !seeded && stored > 0 {
			tx.MarkSeeded()
			d.logger.Debug("seeded entity", "ref", ref.String(), "fields", len(frag))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, key := range frag.SortedKeys() {
		if _, err := schema.Field(key); err != nil {
			errs = append(errs, err)
		}
	}
	return changes, errors.Join(errs...)
}
