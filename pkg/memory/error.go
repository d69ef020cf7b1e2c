package memory

import "errors"

var (
	// ErrTransient indicates an adapter (vector store, language model) was
	// unavailable or timed out. Read paths degrade to partial results;
	// write paths retry once before giving up.
	ErrTransient = errors.New("transient adapter failure")

	// ErrValidation indicates malformed caller input (empty query, blank
	// session id). Rejected at the boundary, reported to the caller.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a requested fact or session does not exist.
	ErrNotFound = errors.New("not found")
)
