package persist

import (
	"errors"
	"fmt"
)

// Error reports why a persisted or imported payload was not applied.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Key is the storage key of the coordinator.
	Key string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes persistence errors.
type ErrorCode string

const (
	// ErrCodeMalformed indicates a payload that is not a valid envelope.
	ErrCodeMalformed ErrorCode = "MALFORMED_ENVELOPE"

	// ErrCodeVersionMismatch indicates a version mismatch with no migration.
	ErrCodeVersionMismatch ErrorCode = "VERSION_MISMATCH"

	// ErrCodeMigrationFailed indicates the migration function failed.
	ErrCodeMigrationFailed ErrorCode = "MIGRATION_FAILED"

	// ErrCodeMergeFailed indicates persisted fields could not be decoded into
	// the store's state type.
	ErrCodeMergeFailed ErrorCode = "MERGE_FAILED"

	// ErrCodeProjection indicates the state could not be projected.
	ErrCodeProjection ErrorCode = "PROJECTION_FAILED"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (key=%s): %v", e.Code, e.Message, e.Key, e.Err)
	}
	return fmt.Sprintf("%s: %s (key=%s)", e.Code, e.Message, e.Key)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// HasCode reports whether err is a persistence Error with the given code.
// Uses errors.As to handle wrapped errors.
func HasCode(err error, code ErrorCode) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}

// IsMigrationError returns true if the payload was discarded because its
// version could not be migrated.
func IsMigrationError(err error) bool {
	return HasCode(err, ErrCodeMigrationFailed) || HasCode(err, ErrCodeVersionMismatch)
}

func newError(code ErrorCode, key, message string, cause error) *Error {
	return &Error{Code: code, Key: key, Message: message, Err: cause}
}
