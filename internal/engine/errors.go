package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/snowmirror/internal/ir"
)

// RuntimeError is an error raised by the mirror itself rather than by the
// diff engine or the entity store.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Ref identifies the affected entity, if any.
	Ref ir.Ref

	// Err is the underlying cause.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeJournalFailed indicates a journal write failed.
	ErrCodeJournalFailed RuntimeErrorCode = "JOURNAL_FAILED"

	// ErrCodeGatewayFailed indicates the mutation gateway rejected a request.
	ErrCodeGatewayFailed RuntimeErrorCode = "GATEWAY_FAILED"

	// ErrCodeStopped indicates the mirror no longer accepts payloads.
	ErrCodeStopped RuntimeErrorCode = "STOPPED"
)

func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Ref.Kind != "" {
		msg += fmt.Sprintf(" (ref=%s)", e.Ref)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// IsJournalError returns true if err is or wraps a journal failure.
func IsJournalError(err error) bool {
	return hasCode(err, ErrCodeJournalFailed)
}

// IsGatewayError returns true if err is or wraps a gateway failure.
func IsGatewayError(err error) bool {
	return hasCode(err, ErrCodeGatewayFailed)
}

// IsStopped returns true if err reports a stopped mirror.
func IsStopped(err error) bool {
	return hasCode(err, ErrCodeStopped)
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

func journalError(ref ir.Ref, what string, err error) *RuntimeError {
	return &RuntimeError{Code: ErrCodeJournalFailed, Message: what, Ref: ref, Err: err}
}

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = &RuntimeError{Code: ErrCodeStopped, Message: "mirror stopped"}
