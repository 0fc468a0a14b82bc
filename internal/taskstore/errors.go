package taskstore

import "errors"

// Sentinel errors, one per error-taxonomy kind this package can produce.
// Callers distinguish them with errors.Is.
var (
	// ErrValidation covers malformed input: bad task ids, invalid priority,
	// path-traversal attempts in an id.
	ErrValidation = errors.New("taskstore: validation")

	// ErrPrecondition covers a requested transition that doesn't apply to
	// the task's current status.
	ErrPrecondition = errors.New("taskstore: precondition failed")

	// ErrLocked means the per-task or per-history-file advisory lock could
	// not be acquired within the retry budget. Nothing was mutated.
	ErrLocked = errors.New("taskstore: locked")

	// ErrIO covers filesystem/rename failures.
	ErrIO = errors.New("taskstore: io")

	// ErrNotFound means the requested task file does not exist, or exists
	// but could not be parsed (treated identically per §4.1: malformed
	// files are missing, not corrupt).
	ErrNotFound = errors.New("taskstore: not found")
)
