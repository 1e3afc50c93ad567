package sqldb

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/fee-ledger/ledger"
)

// Row types mirror the tables. Nullable text columns scan into
// sql.NullString and are converted to the ledger's zero-value strings.

type feeRecordRow struct {
	ID                  string              `db:"id"`
	StudentID           string              `db:"student_id"`
	ClassID             string              `db:"class_id"`
	SessionYearID       string              `db:"session_year_id"`
	TotalAmount         decimal.Decimal     `db:"total_amount"`
	PaidAmount          decimal.Decimal     `db:"paid_amount"`
	TrackingEnabled     bool                `db:"tracking_enabled"`
	HasWaiver           bool                `db:"has_waiver"`
	WaiverPercentage    decimal.Decimal     `db:"waiver_percentage"`
	WaiverReason        sql.NullString      `db:"waiver_reason"`
	OriginalTotalAmount decimal.NullDecimal `db:"original_total_amount"`
	CreatedAt           time.Time           `db:"created_at"`
	UpdatedAt           time.Time           `db:"updated_at"`
}

const feeRecordColumns = `id, student_id, class_id, session_year_id, total_amount, paid_amount,
	tracking_enabled, has_waiver, waiver_percentage, waiver_reason, original_total_amount,
	created_at, updated_at`

func (r feeRecordRow) toLedger() ledger.FeeRecord {
	return ledger.FeeRecord{
		ID:                  ledger.FeeRecordID(r.ID),
		StudentID:           ledger.StudentID(r.StudentID),
		ClassID:             r.ClassID,
		SessionYearID:       r.SessionYearID,
		TotalAmount:         r.TotalAmount,
		PaidAmount:          r.PaidAmount,
		TrackingEnabled:     r.TrackingEnabled,
		HasWaiver:           r.HasWaiver,
		WaiverPercentage:    r.WaiverPercentage,
		WaiverReason:        r.WaiverReason.String,
		OriginalTotalAmount: r.OriginalTotalAmount,
		CreatedAt:           r.CreatedAt.UTC(),
		UpdatedAt:           r.UpdatedAt.UTC(),
	}
}

type obligationRow struct {
	ID                    string              `db:"id"`
	FeeRecordID           string              `db:"fee_record_id"`
	AcademicMonth         int                 `db:"academic_month"`
	AcademicYear          int                 `db:"academic_year"`
	MonthlyAmount         decimal.Decimal     `db:"monthly_amount"`
	OriginalMonthlyAmount decimal.NullDecimal `db:"original_monthly_amount"`
	PaidAmount            decimal.Decimal     `db:"paid_amount"`
	DueDate               time.Time           `db:"due_date"`
	Status                string              `db:"status"`
	LateFee               decimal.Decimal     `db:"late_fee"`
	DiscountAmount        decimal.Decimal     `db:"discount_amount"`
	OverdueAt             sql.NullTime        `db:"overdue_at"`
	CreatedAt             time.Time           `db:"created_at"`
	UpdatedAt             time.Time           `db:"updated_at"`
}

const obligationColumns = `id, fee_record_id, academic_month, academic_year, monthly_amount,
	original_monthly_amount, paid_amount, due_date, status, late_fee, discount_amount,
	overdue_at, created_at, updated_at`

func (r obligationRow) toLedger() ledger.MonthlyObligation {
	o := ledger.MonthlyObligation{
		ID:                    ledger.ObligationID(r.ID),
		FeeRecordID:           ledger.FeeRecordID(r.FeeRecordID),
		AcademicMonth:         r.AcademicMonth,
		AcademicYear:          r.AcademicYear,
		MonthlyAmount:         r.MonthlyAmount,
		OriginalMonthlyAmount: r.OriginalMonthlyAmount,
		PaidAmount:            r.PaidAmount,
		DueDate:               r.DueDate.UTC(),
		Status:                ledger.ObligationStatus(r.Status),
		LateFee:               r.LateFee,
		DiscountAmount:        r.DiscountAmount,
		CreatedAt:             r.CreatedAt.UTC(),
		UpdatedAt:             r.UpdatedAt.UTC(),
	}
	if r.OverdueAt.Valid {
		t := r.OverdueAt.Time.UTC()
		o.OverdueAt = &t
	}
	return o
}

type paymentRow struct {
	ID                  string          `db:"id"`
	FeeRecordID         string          `db:"fee_record_id"`
	Amount              decimal.Decimal `db:"amount"`
	Method              sql.NullString  `db:"method"`
	PaidAt              time.Time       `db:"paid_at"`
	TransactionRef      sql.NullString  `db:"transaction_ref"`
	IdempotencyKey      sql.NullString  `db:"idempotency_key"`
	IsReversal          bool            `db:"is_reversal"`
	ReversesPaymentID   sql.NullString  `db:"reverses_payment_id"`
	ReversedByPaymentID sql.NullString  `db:"reversed_by_payment_id"`
	ReversalType        sql.NullString  `db:"reversal_type"`
	ReversalReasonID    sql.NullString  `db:"reversal_reason_id"`
	ReversalDetails     sql.NullString  `db:"reversal_details"`
	CreatedBy           string          `db:"created_by"`
	CreatedAt           time.Time       `db:"created_at"`
}

const paymentColumns = `id, fee_record_id, amount, method, paid_at, transaction_ref,
	idempotency_key, is_reversal, reverses_payment_id, reversed_by_payment_id, reversal_type,
	reversal_reason_id, reversal_details, created_by, created_at`

func (r paymentRow) toLedger() ledger.Payment {
	return ledger.Payment{
		ID:                  ledger.PaymentID(r.ID),
		FeeRecordID:         ledger.FeeRecordID(r.FeeRecordID),
		Amount:              r.Amount,
		Method:              r.Method.String,
		PaidAt:              r.PaidAt.UTC(),
		TransactionRef:      r.TransactionRef.String,
		IdempotencyKey:      r.IdempotencyKey.String,
		IsReversal:          r.IsReversal,
		ReversesPaymentID:   ledger.PaymentID(r.ReversesPaymentID.String),
		ReversedByPaymentID: ledger.PaymentID(r.ReversedByPaymentID.String),
		ReversalType:        ledger.ReversalType(r.ReversalType.String),
		ReversalReasonID:    r.ReversalReasonID.String,
		ReversalDetails:     r.ReversalDetails.String,
		CreatedBy:           r.CreatedBy,
		CreatedAt:           r.CreatedAt.UTC(),
	}
}

type allocationRow struct {
	ID                   string          `db:"id"`
	PaymentID            string          `db:"payment_id"`
	ObligationID         string          `db:"obligation_id"`
	FeeRecordID          string          `db:"fee_record_id"`
	AllocatedAmount      decimal.Decimal `db:"allocated_amount"`
	IsReversal           bool            `db:"is_reversal"`
	ReversesAllocationID sql.NullString  `db:"reverses_allocation_id"`
	ReversalReasonID     sql.NullString  `db:"reversal_reason_id"`
	CreatedBy            string          `db:"created_by"`
	CreatedAt            time.Time       `db:"created_at"`
}

const allocationColumns = `id, payment_id, obligation_id, fee_record_id, allocated_amount,
	is_reversal, reverses_allocation_id, reversal_reason_id, created_by, created_at`

func (r allocationRow) toLedger() ledger.Allocation {
	return ledger.Allocation{
		ID:                   ledger.AllocationID(r.ID),
		PaymentID:            ledger.PaymentID(r.PaymentID),
		ObligationID:         ledger.ObligationID(r.ObligationID),
		FeeRecordID:          ledger.FeeRecordID(r.FeeRecordID),
		AllocatedAmount:      r.AllocatedAmount,
		IsReversal:           r.IsReversal,
		ReversesAllocationID: ledger.AllocationID(r.ReversesAllocationID.String),
		ReversalReasonID:     r.ReversalReasonID.String,
		CreatedBy:            r.CreatedBy,
		CreatedAt:            r.CreatedAt.UTC(),
	}
}

type auditRow struct {
	ID          string         `db:"id"`
	FeeRecordID string         `db:"fee_record_id"`
	TableName   string         `db:"table_name"`
	RecordID    string         `db:"record_id"`
	Action      string         `db:"action"`
	OldValue    sql.NullString `db:"old_value"`
	NewValue    sql.NullString `db:"new_value"`
	ActorID     string         `db:"actor_id"`
	CreatedAt   time.Time      `db:"created_at"`
}

const auditColumns = `id, fee_record_id, table_name, record_id, action, old_value, new_value,
	actor_id, created_at`

func (r auditRow) toLedger() ledger.AuditEntry {
	e := ledger.AuditEntry{
		ID:          r.ID,
		FeeRecordID: ledger.FeeRecordID(r.FeeRecordID),
		TableName:   r.TableName,
		RecordID:    r.RecordID,
		Action:      ledger.AuditAction(r.Action),
		ActorID:     r.ActorID,
		Timestamp:   r.CreatedAt.UTC(),
	}
	if r.OldValue.Valid {
		e.OldValue = json.RawMessage(r.OldValue.String)
	}
	if r.NewValue.Valid {
		e.NewValue = json.RawMessage(r.NewValue.String)
	}
	return e
}

type studentRow struct {
	ID            string       `db:"id"`
	AdmissionNo   string       `db:"admission_no"`
	Name          string       `db:"name"`
	ClassID       string       `db:"class_id"`
	SessionYearID string       `db:"session_year_id"`
	DeletedAt     sql.NullTime `db:"deleted_at"`
	CreatedAt     time.Time    `db:"created_at"`
}

const studentColumns = `id, admission_no, name, class_id, session_year_id, deleted_at, created_at`

func (r studentRow) toLedger() ledger.Student {
	s := ledger.Student{
		ID:            ledger.StudentID(r.ID),
		AdmissionNo:   r.AdmissionNo,
		Name:          r.Name,
		ClassID:       r.ClassID,
		SessionYearID: r.SessionYearID,
		CreatedAt:     r.CreatedAt.UTC(),
	}
	if r.DeletedAt.Valid {
		t := r.DeletedAt.Time.UTC()
		s.DeletedAt = &t
	}
	return s
}

type feeStructureRow struct {
	ID             string          `db:"id"`
	ClassID        string          `db:"class_id"`
	SessionYearID  string          `db:"session_year_id"`
	TotalAmount    decimal.Decimal `db:"total_amount"`
	ComponentsJSON string          `db:"components_json"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

const feeStructureColumns = `id, class_id, session_year_id, total_amount, components_json,
	created_at, updated_at`

func (r feeStructureRow) toLedger() ledger.FeeStructureRecord {
	return ledger.FeeStructureRecord{
		ID:             r.ID,
		ClassID:        r.ClassID,
		SessionYearID:  r.SessionYearID,
		TotalAmount:    r.TotalAmount,
		ComponentsJSON: r.ComponentsJSON,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
