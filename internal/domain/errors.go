package domain

import "errors"

var (
	// ErrInvalidInput marks a malformed or empty feed file.
	ErrInvalidInput = errors.New("invalid input")
	// ErrSchemaMismatch marks a header or column that cannot be mapped to the feed schema.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrMissingInput marks an expected feed file that is absent.
	ErrMissingInput = errors.New("missing input")
	// ErrStoreFailure wraps bulk-load and query failures from the backing store.
	ErrStoreFailure = errors.New("store failure")
	// ErrNotFound is returned for unknown feeds and runs.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyFinalized is returned when a run or feed record is finished twice.
	ErrAlreadyFinalized = errors.New("already finalized")
)
