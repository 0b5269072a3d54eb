package diff

import (
	"errors"
	"fmt"

	"github.com/roach88/snowmirror/internal/ir"
)

// CodeMalformedFragment identifies a fragment value that does not match the
// field's declared type.
const CodeMalformedFragment = "MALFORMED_FRAGMENT"

// MalformedFragmentError reports one field whose update was abandoned.
type MalformedFragmentError struct {
	Ref   ir.Ref
	Field string
	Err   error
}

func (e *MalformedFragmentError) Error() string {
	return fmt.Sprintf("%s: %s.%s: %v", CodeMalformedFragment, e.Ref, e.Field, e.Err)
}

func (e *MalformedFragmentError) Unwrap() error { return e.Err }

// IsMalformed returns true if err is or wraps a MalformedFragmentError.
func IsMalformed(err error) bool {
	var mf *MalformedFragmentError
	return errors.As(err, &mf)
}
