package store

import "errors"

// Sentinel errors surfaced by store operations. The API layer maps these to
// HTTP status codes; everything else is treated as internal.
var (
	// ErrNotFound is returned when an id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflictingActiveBatch is returned by BeginBatch when the session
	// already has an active batch.
	ErrConflictingActiveBatch = errors.New("session already has an active batch")

	// ErrInvalidTransition is returned when an observation status change is
	// not allowed, e.g. superseded back to active without a reactivate.
	ErrInvalidTransition = errors.New("invalid observation status transition")

	// ErrLineageCycle is returned when linking a parent session would create
	// a cycle in the session lineage graph.
	ErrLineageCycle = errors.New("session lineage would form a cycle")
)
