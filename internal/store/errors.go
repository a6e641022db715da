package store

import "errors"

// Sentinel errors returned by Store operations. Callers check them with
// errors.Is().
var (
	// ErrTraceNotFound is returned when no trace exists for the given id.
	ErrTraceNotFound = errors.New("trace not found")

	// ErrChunkNotFound is returned when no chunk exists for the given id.
	ErrChunkNotFound = errors.New("chunk not found")

	// ErrQAResultNotFound is returned when a trace has no QA result yet.
	ErrQAResultNotFound = errors.New("qa result not found")

	// ErrIdempotencyKeyNotFound is returned when no live replay record
	// exists for the given key scope.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")

	// ErrDuplicateTrace is returned when a trace id collides on creation.
	ErrDuplicateTrace = errors.New("trace already exists")
)
