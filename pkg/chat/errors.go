package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is returned when a device capability was refused.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrSelectionCancelled is returned when the user aborted a picker. It is not a failure.
	ErrSelectionCancelled = errors.New("selection cancelled")
	// ErrWrite matches every *WriteError.
	ErrWrite = errors.New("write failed")
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation failed")
)

// WriteError reports a failed backend write. Callers keep their local state so the
// user can retry by hand.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() []error { return []error{ErrWrite, e.Err} }

// ValidationError rejects a profile before anything reaches the backend.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
