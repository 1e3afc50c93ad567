/*
store.go - Persistence interfaces for the fee ledger

PURPOSE:
  Defines the boundary between the engine and the database. The engine
  only ever writes through a Store obtained from TxStore.WithTx, so every
  public operation commits or rolls back as one unit.

KEY INTERFACES:
  LedgerStore: fee records, obligations, payments, allocations
  AuditLog:    append-only audit entries
  Directory:   students and fee structures (external collaborators)
  TxStore:     all of the above plus WithTx

APPEND-ONLY CONTRACT:
  Obligations, payments, allocations and audit entries have no Delete.
  The only mutable payment column is reversed_by_payment_id, written via
  SetPaymentReversedBy.

LOOKUPS:
  Get and Find lookups return (nil, nil) when the row does not exist. The engine
  turns that into a NotFoundError with context.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, snapshot + rollback transactions
  - store/sqldb: SQLite / PostgreSQL via sqlx

SEE ALSO:
  - engine.go: how transactions and locks are combined
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// LEDGER STORE
// =============================================================================

type FeeRecordFilter struct {
	TrackingEnabled *bool
	StudentID       *StudentID
	SessionYearID   *string
}

// LedgerStore persists the four ledger tables.
type LedgerStore interface {
	GetFeeRecord(ctx context.Context, id FeeRecordID) (*FeeRecord, error)
	// LockFeeRecord reads the fee record and holds a row lock on it until
	// the surrounding transaction ends (where the backend supports it).
	LockFeeRecord(ctx context.Context, id FeeRecordID) (*FeeRecord, error)
	FindFeeRecord(ctx context.Context, studentID StudentID, sessionYearID string) (*FeeRecord, error)
	ListFeeRecords(ctx context.Context, filter FeeRecordFilter) ([]FeeRecord, error)
	// InsertFeeRecord returns ErrDuplicate if (student, session) exists.
	InsertFeeRecord(ctx context.Context, rec FeeRecord) error
	UpdateFeeRecord(ctx context.Context, rec FeeRecord) error

	// ListObligations returns obligations ordered by (academic_year, academic_month).
	ListObligations(ctx context.Context, feeRecordID FeeRecordID) ([]MonthlyObligation, error)
	// InsertObligation returns false, nil when (fee record, month, year) already exists.
	InsertObligation(ctx context.Context, o MonthlyObligation) (bool, error)
	UpdateObligation(ctx context.Context, o MonthlyObligation) error

	// InsertPayment validates reversal links before writing.
	InsertPayment(ctx context.Context, p Payment) error
	GetPayment(ctx context.Context, id PaymentID) (*Payment, error)
	FindPaymentByIdempotencyKey(ctx context.Context, key string) (*Payment, error)
	ListPayments(ctx context.Context, feeRecordID FeeRecordID) ([]Payment, error)
	// ListReversalsOf returns reversal payments referencing the original.
	ListReversalsOf(ctx context.Context, originalID PaymentID) ([]Payment, error)
	SetPaymentReversedBy(ctx context.Context, id, reversedBy PaymentID) error

	// InsertAllocation validates reversal links before writing.
	InsertAllocation(ctx context.Context, a Allocation) error
	GetAllocation(ctx context.Context, id AllocationID) (*Allocation, error)
	ListAllocationsByPayment(ctx context.Context, paymentID PaymentID) ([]Allocation, error)
	ListAllocationsByFeeRecord(ctx context.Context, feeRecordID FeeRecordID) ([]Allocation, error)
	// FindReversalOf returns the reversal allocation pointing at id, if any.
	FindReversalOf(ctx context.Context, id AllocationID) (*Allocation, error)
}

// =============================================================================
// AUDIT LOG - Append-only, never mutated or deleted
// =============================================================================

type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// =============================================================================
// DIRECTORY - students and fee structures
// =============================================================================

type Directory interface {
	// SaveStudent returns ErrDuplicate if another active student has the
	// same admission number.
	SaveStudent(ctx context.Context, s Student) error
	GetStudent(ctx context.Context, id StudentID) (*Student, error)
	SoftDeleteStudent(ctx context.Context, id StudentID, at time.Time) error

	SaveFeeStructure(ctx context.Context, fs FeeStructureRecord) error
	GetFeeStructure(ctx context.Context, classID, sessionYearID string) (*FeeStructureRecord, error)
	ListFeeStructures(ctx context.Context, sessionYearID string) ([]FeeStructureRecord, error)
}

// Store is everything the engine reads and writes inside one transaction.
type Store interface {
	LedgerStore
	AuditLog
	Directory
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
