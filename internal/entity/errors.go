package entity

import (
	"errors"
	"fmt"

	"github.com/roach88/snowmirror/internal/ir"
)

// CodeEntityNotFound identifies removal of an entity that is not cached.
const CodeEntityNotFound = "ENTITY_NOT_FOUND"

// EntityNotFoundError reports a removal signal for an entity that is not
// cached. Non-fatal: at-least-once delivery makes duplicate removals normal.
type EntityNotFoundError struct {
	Ref ir.Ref
}

func (e *EntityNotFoundError) Error() string {
	return fmt.Sprintf("%s: %s", CodeEntityNotFound, e.Ref)
}

// IsNotFound returns true if err is or wraps an EntityNotFoundError.
func IsNotFound(err error) bool {
	var nf *EntityNotFoundError
	return errors.As(err, &nf)
}
