package catalog

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/snowmirror/internal/capability"
	"github.com/roach88/snowmirror/internal/field"
	"github.com/roach88/snowmirror/internal/ir"
)

// CompileError is a catalog declaration error with its CUE position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// CompileCUE parses catalog declarations from CUE source.
func CompileCUE(src string) ([]KindDef, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename("catalog.cue"))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return compileKinds(v)
}

// LoadCUE loads every .cue file of the package in dir.
func LoadCUE(dir string) ([]KindDef, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("catalog directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no CUE files found in %s", dir)
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", inst.Err)
	}

	v := ctx.BuildInstance(inst)
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return compileKinds(v)
}

// FromDefs builds a frozen catalog with the built-in facets.
func FromDefs(defs []KindDef) (*Catalog, error) {
	c := New(field.NewRegistry(), capability.Builtins()...)
	for _, def := range defs {
		if _, err := c.Define(def); err != nil {
			return nil, err
		}
	}
	c.Freeze()
	return c, nil
}

func compileKinds(v cue.Value) ([]KindDef, error) {
	kindsVal := v.LookupPath(cue.ParsePath("kind"))
	if !kindsVal.Exists() {
		return nil, &CompileError{Field: "kind", Message: "no kinds declared", Pos: v.Pos()}
	}

	iter, err := kindsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var defs []KindDef
	for iter.Next() {
		def, err := compileKind(iter.Selector().Unquoted(), iter.Value())
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func compileKind(name string, v cue.Value) (KindDef, error) {
	def := KindDef{Kind: ir.Kind(name)}

	if c := v.LookupPath(cue.ParsePath("container")); c.Exists() {
		b, err := c.Bool()
		if err != nil {
			return def, formatCUEError(err)
		}
		def.Container = b
	}

	if f := v.LookupPath(cue.ParsePath("facets")); f.Exists() {
		list, err := f.List()
		if err != nil {
			return def, formatCUEError(err)
		}
		for list.Next() {
			s, err := list.Value().String()
			if err != nil {
				return def, formatCUEError(err)
			}
			def.Facets = append(def.Facets, s)
		}
	}

	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if !fieldsVal.Exists() {
		return def, nil
	}
	iter, err := fieldsVal.Fields()
	if err != nil {
		return def, formatCUEError(err)
	}
	for iter.Next() {
		spec, err := compileField(iter.Selector().Unquoted(), iter.Value())
		if err != nil {
			return def, err
		}
		def.Fields = append(def.Fields, spec)
	}
	return def, nil
}

func compileField(name string, v cue.Value) (field.Spec, error) {
	spec := field.Spec{Name: name}

	typeVal := v.LookupPath(cue.ParsePath("type"))
	if !typeVal.Exists() {
		return spec, &CompileError{Field: name, Message: "type is required", Pos: v.Pos()}
	}
	typeName, err := typeVal.String()
	if err != nil {
		return spec, formatCUEError(err)
	}
	spec.Type, err = ir.ParseValueType(typeName)
	if err != nil {
		return spec, &CompileError{Field: name, Message: err.Error(), Pos: typeVal.Pos()}
	}

	if spec.Nullable, err = optionalBool(v, "nullable"); err != nil {
		return spec, err
	}
	if spec.RequiresBaseline, err = optionalBool(v, "requires_baseline"); err != nil {
		return spec, err
	}

	if c := v.LookupPath(cue.ParsePath("copy")); c.Exists() {
		s, err := c.String()
		if err != nil {
			return spec, formatCUEError(err)
		}
		spec.Copy, err = field.ParseCopyPolicy(s)
		if err != nil {
			return spec, &CompileError{Field: name, Message: err.Error(), Pos: c.Pos()}
		}
	}
	return spec, nil
}

func optionalBool(v cue.Value, path string) (bool, error) {
	b := v.LookupPath(cue.ParsePath(path))
	if !b.Exists() {
		return false, nil
	}
	out, err := b.Bool()
	if err != nil {
		return false, formatCUEError(err)
	}
	return out, nil
}

// formatCUEError keeps the position of the first CUE error.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &CompileError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}
