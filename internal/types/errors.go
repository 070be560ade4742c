package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine's error taxonomy. Callers test with
// errors.Is; lower layers wrap them with operation context.
var (
	// ErrNotFound indicates the requested entity or component does not exist
	// (or is soft-deleted).
	ErrNotFound = errors.New("not found")

	// ErrMetadataConflict indicates re-registration of a component class
	// with a divergent field set.
	ErrMetadataConflict = errors.New("metadata conflict")

	// ErrUnknownComponent indicates a type id or class name that was never
	// registered. Writes referencing it are rejected.
	ErrUnknownComponent = errors.New("unknown component")

	// ErrInvalidIdentifier indicates a table, partition, or field identifier
	// that fails the strict allow-list.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrSaveTimeout indicates a save exceeded its wall-clock budget and the
	// transaction was rolled back.
	ErrSaveTimeout = errors.New("save timeout")

	// ErrInvalidCron indicates a cron expression that failed to parse at
	// task registration.
	ErrInvalidCron = errors.New("invalid cron expression")

	// ErrNotReady indicates an operation attempted before the lifecycle
	// phase that gates it.
	ErrNotReady = errors.New("runtime not ready")
)

// ValidationError reports bad caller input: unknown fields, enum mismatches,
// failing custom validators. It is surfaced to the caller and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: field %q: %s", e.Field, e.Reason)
}

// Validationf builds a ValidationError for field with a formatted reason.
func Validationf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// StoreError wraps a storage-level failure (transaction failure, constraint
// violation, connection loss) with the operation that produced it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError wraps err with operation context, passing nil through.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
