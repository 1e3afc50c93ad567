/*
Package ledger provides the monthly fee ledger and payment allocation engine.

PURPOSE:
  Turns an annual fee obligation into twelve dated monthly obligations,
  applies incoming payments against them, supports full and partial
  reversal of misapplied payments, and keeps an append-only audit trail.

KEY CONCEPTS IN THIS FILE (types.go):
  - FeeRecord: one per (student, academic session), annual total + paid total
  - MonthlyObligation: one month of a fee record, append-only
  - Payment: one payment event (original or reversal)
  - Allocation: how much of a payment landed on one obligation
  - AuditEntry: immutable before/after record of a mutating action

DESIGN PRINCIPLES:
  1. Append-only: obligations, payments, allocations and audit rows are
     never deleted. Corrections are reversal rows linked to the original.
  2. Precision: all money is decimal.Decimal.
  3. Derived values: balance and status are recomputed, never written
     independently of paid/monthly amounts.
  4. Type safety: distinct ID types for each row kind.

SEE ALSO:
  - engine.go: public operations (locking, transactions, retries)
  - allocation.go: earliest-due-first payment application
  - reversal.go: full and partial reversals
*/
package ledger

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type FeeRecordID string
type ObligationID string
type PaymentID string
type AllocationID string
type StudentID string

// =============================================================================
// FEE RECORD
// =============================================================================

// FeeRecord is the annual fee of one student for one academic session.
// PaidAmount is a materialized view of the net allocation sum; it is
// recomputed inside every allocation or reversal transaction.
type FeeRecord struct {
	ID                  FeeRecordID         `json:"id"`
	StudentID           StudentID           `json:"student_id"`
	ClassID             string              `json:"class_id"`
	SessionYearID       string              `json:"session_year_id"`
	TotalAmount         decimal.Decimal     `json:"total_amount"`
	PaidAmount          decimal.Decimal     `json:"paid_amount"`
	TrackingEnabled     bool                `json:"tracking_enabled"`
	HasWaiver           bool                `json:"has_waiver"`
	WaiverPercentage    decimal.Decimal     `json:"waiver_percentage"`
	WaiverReason        string              `json:"waiver_reason,omitempty"`
	OriginalTotalAmount decimal.NullDecimal `json:"original_total_amount"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// Outstanding is the unpaid part of the annual total.
func (r FeeRecord) Outstanding() decimal.Decimal {
	return r.TotalAmount.Sub(r.PaidAmount)
}

// =============================================================================
// MONTHLY OBLIGATION
// =============================================================================

type ObligationStatus string

const (
	StatusPending ObligationStatus = "PENDING"
	StatusPartial ObligationStatus = "PARTIAL"
	StatusPaid    ObligationStatus = "PAID"
	StatusOverdue ObligationStatus = "OVERDUE"
)

// MonthlyObligation is one month of a fee record.
//
// INVARIANTS:
//   - unique on (FeeRecordID, AcademicMonth, AcademicYear)
//   - 0 <= PaidAmount <= MonthlyAmount
//   - never deleted
type MonthlyObligation struct {
	ID                    ObligationID        `json:"id"`
	FeeRecordID           FeeRecordID         `json:"fee_record_id"`
	AcademicMonth         int                 `json:"academic_month"`
	AcademicYear          int                 `json:"academic_year"`
	MonthlyAmount         decimal.Decimal     `json:"monthly_amount"`
	OriginalMonthlyAmount decimal.NullDecimal `json:"original_monthly_amount"`
	PaidAmount            decimal.Decimal     `json:"paid_amount"`
	DueDate               time.Time           `json:"due_date"`
	Status                ObligationStatus    `json:"status"`
	LateFee               decimal.Decimal     `json:"late_fee"`
	DiscountAmount        decimal.Decimal     `json:"discount_amount"`
	OverdueAt             *time.Time          `json:"overdue_at,omitempty"`
	CreatedAt             time.Time           `json:"created_at"`
	UpdatedAt             time.Time           `json:"updated_at"`
}

// Balance is MonthlyAmount - PaidAmount. It is never stored.
func (o MonthlyObligation) Balance() decimal.Decimal {
	return o.MonthlyAmount.Sub(o.PaidAmount)
}

// Period returns the obligation's position in the academic calendar.
func (o MonthlyObligation) Period() AcademicMonth {
	return AcademicMonth{Month: o.AcademicMonth, Year: o.AcademicYear}
}

// deriveStatus computes the status from the amounts. An obligation that
// was swept as overdue returns to OVERDUE, not PENDING, when its payments
// are reversed to zero.
func deriveStatus(o MonthlyObligation) ObligationStatus {
	switch {
	case o.PaidAmount.GreaterThanOrEqual(o.MonthlyAmount):
		return StatusPaid
	case o.PaidAmount.IsPositive():
		return StatusPartial
	case o.OverdueAt != nil:
		return StatusOverdue
	default:
		return StatusPending
	}
}

// =============================================================================
// PAYMENT
// =============================================================================

type ReversalType string

const (
	ReversalFull    ReversalType = "FULL"
	ReversalPartial ReversalType = "PARTIAL"
)

// Payment is one payment event against a fee record. Originals carry a
// positive Amount; reversals carry a negative Amount equal in magnitude to
// what they undo. Immutable once created except ReversedByPaymentID.
type Payment struct {
	ID                  PaymentID       `json:"id"`
	FeeRecordID         FeeRecordID     `json:"fee_record_id"`
	Amount              decimal.Decimal `json:"amount"`
	Method              string          `json:"method,omitempty"`
	PaidAt              time.Time       `json:"paid_at"`
	TransactionRef      string          `json:"transaction_ref,omitempty"`
	IdempotencyKey      string          `json:"idempotency_key,omitempty"`
	IsReversal          bool            `json:"is_reversal"`
	ReversesPaymentID   PaymentID       `json:"reverses_payment_id,omitempty"`
	ReversedByPaymentID PaymentID       `json:"reversed_by_payment_id,omitempty"`
	ReversalType        ReversalType    `json:"reversal_type,omitempty"`
	ReversalReasonID    string          `json:"reversal_reason_id,omitempty"`
	ReversalDetails     string          `json:"reversal_details,omitempty"`
	CreatedBy           string          `json:"created_by"`
	CreatedAt           time.Time       `json:"created_at"`
}

// Validate enforces the reversal-link rules at write time: a reversal row
// carries a reason, a reversal type, the payment it reverses and a negative
// amount; an original carries none of them and a positive amount.
func (p Payment) Validate() error {
	if p.IsReversal {
		switch {
		case p.ReversesPaymentID == "":
			return &InvalidReversalLinkError{Kind: "payment", ID: string(p.ID), Reason: "reversal without reverses_payment_id"}
		case p.ReversalReasonID == "":
			return &InvalidReversalLinkError{Kind: "payment", ID: string(p.ID), Reason: "reversal without reason"}
		case p.ReversalType != ReversalFull && p.ReversalType != ReversalPartial:
			return &InvalidReversalLinkError{Kind: "payment", ID: string(p.ID), Reason: "reversal without reversal type"}
		case !p.Amount.IsNegative():
			return &InvalidReversalLinkError{Kind: "payment", ID: string(p.ID), Reason: "reversal amount must be negative"}
		}
		return nil
	}
	if p.ReversesPaymentID != "" || p.ReversalReasonID != "" || p.ReversalType != "" {
		return &InvalidReversalLinkError{Kind: "payment", ID: string(p.ID), Reason: "original payment carries reversal link"}
	}
	if !p.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Message: "must be positive"}
	}
	return nil
}

// =============================================================================
// ALLOCATION
// =============================================================================

// Allocation records how much of a payment was applied to one obligation.
// AllocatedAmount is always positive; IsReversal gives the sign.
type Allocation struct {
	ID                   AllocationID    `json:"id"`
	PaymentID            PaymentID       `json:"payment_id"`
	ObligationID         ObligationID    `json:"obligation_id"`
	FeeRecordID          FeeRecordID     `json:"fee_record_id"`
	AllocatedAmount      decimal.Decimal `json:"allocated_amount"`
	IsReversal           bool            `json:"is_reversal"`
	ReversesAllocationID AllocationID    `json:"reverses_allocation_id,omitempty"`
	ReversalReasonID     string          `json:"reversal_reason_id,omitempty"`
	CreatedBy            string          `json:"created_by"`
	CreatedAt            time.Time       `json:"created_at"`
}

// Signed returns the allocation's effect on the obligation's paid amount.
func (a Allocation) Signed() decimal.Decimal {
	if a.IsReversal {
		return a.AllocatedAmount.Neg()
	}
	return a.AllocatedAmount
}

// Validate mirrors Payment.Validate for allocation rows.
func (a Allocation) Validate() error {
	if !a.AllocatedAmount.IsPositive() {
		return &ValidationError{Field: "allocated_amount", Message: "must be positive"}
	}
	if a.IsReversal {
		if a.ReversesAllocationID == "" {
			return &InvalidReversalLinkError{Kind: "allocation", ID: string(a.ID), Reason: "reversal without reverses_allocation_id"}
		}
		if a.ReversalReasonID == "" {
			return &InvalidReversalLinkError{Kind: "allocation", ID: string(a.ID), Reason: "reversal without reason"}
		}
		return nil
	}
	if a.ReversesAllocationID != "" || a.ReversalReasonID != "" {
		return &InvalidReversalLinkError{Kind: "allocation", ID: string(a.ID), Reason: "original allocation carries reversal link"}
	}
	return nil
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditAction string

const (
	AuditCreated         AuditAction = "CREATED"
	AuditUpdated         AuditAction = "UPDATED"
	AuditReversedFull    AuditAction = "REVERSED_FULL"
	AuditReversedPartial AuditAction = "REVERSED_PARTIAL"
	AuditReversalCreated AuditAction = "REVERSAL_CREATED"
)

// Audited table names.
const (
	TableFeeRecords  = "fee_records"
	TableObligations = "monthly_obligations"
	TablePayments    = "payments"
	TableAllocations = "allocations"
)

// AuditEntry is an immutable record of one mutating action.
// OldValue/NewValue are opaque JSON snapshots.
type AuditEntry struct {
	ID          string          `json:"id"`
	FeeRecordID FeeRecordID     `json:"fee_record_id"`
	TableName   string          `json:"table_name"`
	RecordID    string          `json:"record_id"`
	Action      AuditAction     `json:"action"`
	OldValue    json.RawMessage `json:"old_value,omitempty"`
	NewValue    json.RawMessage `json:"new_value,omitempty"`
	ActorID     string          `json:"actor_id"`
	Timestamp   time.Time       `json:"timestamp"`
}

type AuditFilter struct {
	FeeRecordID *FeeRecordID
	RecordID    *string
	Actions     []AuditAction
	Limit       int
}

// =============================================================================
// DIRECTORY - external collaborators persisted next to the ledger
// =============================================================================

// Student is the slice of a person record the ledger references.
// AdmissionNo is unique among records where DeletedAt is nil.
type Student struct {
	ID            StudentID  `json:"id"`
	AdmissionNo   string     `json:"admission_no"`
	Name          string     `json:"name"`
	ClassID       string     `json:"class_id"`
	SessionYearID string     `json:"session_year_id"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// FeeStructureRecord is a stored fee structure: the annual fee of a class
// in a session, broken into components (ComponentsJSON).
type FeeStructureRecord struct {
	ID             string          `json:"id"`
	ClassID        string          `json:"class_id"`
	SessionYearID  string          `json:"session_year_id"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	ComponentsJSON string          `json:"components_json"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
