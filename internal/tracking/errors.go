package tracking

import (
	"errors"
	"fmt"
)

// ─── ERRORS ──────────────────────────────────────────────────────────────────

var (
	// ErrValidation is wrapped with the offending field. Not retryable.
	ErrValidation = errors.New("tracking: validation failed")

	// ErrNotFound is returned for an unknown tracking id. Stale or tampered
	// links produce it routinely, so callers treat it as a neutral result.
	ErrNotFound = errors.New("tracking: id not found")

	// ErrDuplicateID is returned by a store when a freshly generated id
	// collides with an existing record. Create retries with a new id.
	ErrDuplicateID = errors.New("tracking: duplicate tracking id")

	// ErrAlreadyClicked is returned by Discard for a record that has been
	// clicked. A clicked record is never removed.
	ErrAlreadyClicked = errors.New("tracking: record already clicked")
)

// TransientError marks a store failure that may succeed on retry, e.g. a
// dropped connection or a serialization conflict.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("tracking: transient store error in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err (or anything it wraps) is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
