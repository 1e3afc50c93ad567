/*
errors.go - Centralized error types for the fee ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify errors with errors.Is against the sentinels or with the
  IsRetryable / IsClientError / IsNotFound helpers.

ERROR CATEGORIES:
  1. Lookup errors     - NotFound
  2. Reversal errors   - AlreadyReversed, InvalidReversalLink
  3. Input errors      - Validation
  4. Concurrency       - Contention (retryable)
  5. Store errors      - Duplicate (unique index), invariant violations

LOCAL RECOVERY:
  Duplicate schedule months are skips, not errors. Batch enrollment
  reports per-student failures as data. Everything else propagates.

SEE ALSO:
  - engine.go: retries Contention a bounded number of times
  - api/handlers.go: maps these errors to HTTP statuses
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a fee record, payment or allocation is missing.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyReversed is returned on a second reversal of the same row.
	ErrAlreadyReversed = errors.New("already reversed")

	// ErrInvalidReversalLink is returned when a reversal row is missing its
	// reason or link, or an original row carries one.
	ErrInvalidReversalLink = errors.New("invalid reversal link")

	// ErrContention is returned when a lock or serialization conflict
	// prevented the operation. Safe to retry.
	ErrContention = errors.New("contention on fee record")

	// ErrValidation is returned for out-of-range input.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicate is returned by stores when a unique index rejects a row.
	ErrDuplicate = errors.New("duplicate record")

	// ErrInvariantViolation is returned when a ledger invariant does not hold.
	ErrInvariantViolation = errors.New("ledger invariant violated")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing row.
type NotFoundError struct {
	Kind string // "fee record", "payment", "allocation", "student", "fee structure"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// AlreadyReversedError is returned for double reversals.
type AlreadyReversedError struct {
	Kind       string // "payment" or "allocation"
	ID         string
	ReversedBy string
}

func (e *AlreadyReversedError) Error() string {
	if e.ReversedBy == "" {
		return fmt.Sprintf("%s %q already reversed", e.Kind, e.ID)
	}
	return fmt.Sprintf("%s %q already reversed by %q", e.Kind, e.ID, e.ReversedBy)
}

func (e *AlreadyReversedError) Unwrap() error { return ErrAlreadyReversed }

// InvalidReversalLinkError describes a broken reversal/original linkage.
type InvalidReversalLinkError struct {
	Kind   string
	ID     string
	Reason string
}

func (e *InvalidReversalLinkError) Error() string {
	return fmt.Sprintf("invalid reversal link on %s %q: %s", e.Kind, e.ID, e.Reason)
}

func (e *InvalidReversalLinkError) Unwrap() error { return ErrInvalidReversalLink }

// InvariantError reports which ledger sum diverged.
type InvariantError struct {
	FeeRecordID FeeRecordID
	Detail      string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("fee record %s: %s", e.FeeRecordID, e.Detail)
}

func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrContention)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrAlreadyReversed) ||
		errors.Is(err, ErrInvalidReversalLink) ||
		errors.Is(err, ErrDuplicate)
}

// IsNotFound returns true if the error indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
