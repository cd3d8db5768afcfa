package notifications

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks an absent template, preference, notification or
	// delivery record. Resolution treats it as an empty/skip case; batch
	// status updates treat it as a per-item failure.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks an identity collision or a lost conditional update.
	ErrConflict = errors.New("conflict")

	// ErrStale marks a status transition that would move backwards.
	ErrStale = errors.New("stale status transition")
)

// ValidationError rejects a malformed request before any I/O.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransientError wraps a collaborator I/O failure that may succeed on retry.
// The core retries it a bounded number of times; beyond that the caller
// decides.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
