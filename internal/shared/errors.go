package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates caller supplied malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrConflict indicates the resource state forbids the requested change.
	ErrConflict = errors.New("conflict")
)
