package field

import (
	"errors"
	"fmt"

	"github.com/roach88/snowmirror/internal/ir"
)

// Error codes for registry and lookup failures.
const (
	CodeDuplicateField = "DUPLICATE_FIELD"
	CodeUnknownField   = "UNKNOWN_FIELD"
	CodeInvalidField   = "INVALID_FIELD"
	CodeRegistryFrozen = "REGISTRY_FROZEN"
)

// DuplicateFieldError reports a second registration of the same (kind, name).
// Registration happens at startup, so this is fatal.
type DuplicateFieldError struct {
	Kind ir.Kind
	Name string
}

func (e *DuplicateFieldError) Error() string {
	return fmt.Sprintf("%s: field %q already registered for kind %q", CodeDuplicateField, e.Name, e.Kind)
}

// UnknownFieldError reports a field name that was never registered for a kind.
// During diffing this is non-fatal: the field is skipped.
type UnknownFieldError struct {
	Kind ir.Kind
	Name string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("%s: no field %q registered for kind %q", CodeUnknownField, e.Name, e.Kind)
}

// ErrRegistryFrozen is returned by Register after Freeze.
var ErrRegistryFrozen = errors.New(CodeRegistryFrozen + ": field registry is frozen")

// IsDuplicateField returns true if err is or wraps a DuplicateFieldError.
func IsDuplicateField(err error) bool {
	var de *DuplicateFieldError
	return errors.As(err, &de)
}

// IsUnknownField returns true if err is or wraps an UnknownFieldError.
func IsUnknownField(err error) bool {
	var ue *UnknownFieldError
	return errors.As(err, &ue)
}
