package model

import "errors"

// Error taxonomy. Packages wrap these so callers can classify with errors.Is.
var (
	// ErrValidation marks input rejected before any write.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicateOperation marks a repeat of something that must only
	// happen once (re-running a settlement, re-finalizing a batch).
	ErrDuplicateOperation = errors.New("duplicate operation")

	// ErrNotFound marks a missing reference on a write path.
	ErrNotFound = errors.New("not found")
)
