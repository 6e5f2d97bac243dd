package storage

import "errors"

// Storage errors.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when an insert collides with an existing key,
	// including a second non-terminal execution record for the same target.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStatusConflict is returned when a compare-and-swap finds the record
	// in a different status than expected.
	ErrStatusConflict = errors.New("status conflict")
)
