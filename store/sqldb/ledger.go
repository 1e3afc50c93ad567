package sqldb

import (
	"context"
	"fmt"
	"strings"

	"github.com/warp/fee-ledger/ledger"
)

// =============================================================================
// FEE RECORDS
// =============================================================================

func (c *conn) GetFeeRecord(ctx context.Context, id ledger.FeeRecordID) (*ledger.FeeRecord, error) {
	return c.feeRecord(ctx, "SELECT "+feeRecordColumns+" FROM fee_records WHERE id = ?", id)
}

// LockFeeRecord holds a row lock on PostgreSQL. On SQLite the open
// transaction already owns the only connection.
func (c *conn) LockFeeRecord(ctx context.Context, id ledger.FeeRecordID) (*ledger.FeeRecord, error) {
	return c.feeRecord(ctx, "SELECT "+feeRecordColumns+" FROM fee_records WHERE id = ?"+c.d.forUpdate(), id)
}

func (c *conn) FindFeeRecord(ctx context.Context, studentID ledger.StudentID, sessionYearID string) (*ledger.FeeRecord, error) {
	return c.feeRecord(ctx,
		"SELECT "+feeRecordColumns+" FROM fee_records WHERE student_id = ? AND session_year_id = ?",
		studentID, sessionYearID)
}

func (c *conn) feeRecord(ctx context.Context, query string, args ...any) (*ledger.FeeRecord, error) {
	var row feeRecordRow
	found, err := c.get(ctx, &row, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load fee record: %w", err)
	}
	if !found {
		return nil, nil
	}
	rec := row.toLedger()
	return &rec, nil
}

func (c *conn) ListFeeRecords(ctx context.Context, filter ledger.FeeRecordFilter) ([]ledger.FeeRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.TrackingEnabled != nil {
		where = append(where, "tracking_enabled = ?")
		args = append(args, *filter.TrackingEnabled)
	}
	if filter.StudentID != nil {
		where = append(where, "student_id = ?")
		args = append(args, *filter.StudentID)
	}
	if filter.SessionYearID != nil {
		where = append(where, "session_year_id = ?")
		args = append(args, *filter.SessionYearID)
	}
	query := "SELECT " + feeRecordColumns + " FROM fee_records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	var rows []feeRecordRow
	if err := c.selectAll(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list fee records: %w", err)
	}
	out := make([]ledger.FeeRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toLedger())
	}
	return out, nil
}

func (c *conn) InsertFeeRecord(ctx context.Context, rec ledger.FeeRecord) error {
	_, err := c.exec(ctx, `
		INSERT INTO fee_records
		(id, student_id, class_id, session_year_id, total_amount, paid_amount,
		 tracking_enabled, has_waiver, waiver_percentage, waiver_reason, original_total_amount,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.StudentID, rec.ClassID, rec.SessionYearID, rec.TotalAmount, rec.PaidAmount,
		rec.TrackingEnabled, rec.HasWaiver, rec.WaiverPercentage, nullString(rec.WaiverReason),
		rec.OriginalTotalAmount, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert fee record %s: %w", rec.ID, err)
	}
	return nil
}

func (c *conn) UpdateFeeRecord(ctx context.Context, rec ledger.FeeRecord) error {
	res, err := c.exec(ctx, `
		UPDATE fee_records SET
			class_id = ?, total_amount = ?, paid_amount = ?, tracking_enabled = ?,
			has_waiver = ?, waiver_percentage = ?, waiver_reason = ?, original_total_amount = ?,
			updated_at = ?
		WHERE id = ?`,
		rec.ClassID, rec.TotalAmount, rec.PaidAmount, rec.TrackingEnabled,
		rec.HasWaiver, rec.WaiverPercentage, nullString(rec.WaiverReason), rec.OriginalTotalAmount,
		rec.UpdatedAt.UTC(), rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update fee record %s: %w", rec.ID, err)
	}
	return expectOne(res, "fee record", string(rec.ID))
}

// =============================================================================
// OBLIGATIONS
// =============================================================================

func (c *conn) ListObligations(ctx context.Context, feeRecordID ledger.FeeRecordID) ([]ledger.MonthlyObligation, error) {
	var rows []obligationRow
	err := c.selectAll(ctx, &rows,
		"SELECT "+obligationColumns+" FROM monthly_obligations WHERE fee_record_id = ? ORDER BY academic_year ASC, academic_month ASC",
		feeRecordID)
	if err != nil {
		return nil, fmt.Errorf("failed to list obligations: %w", err)
	}
	out := make([]ledger.MonthlyObligation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toLedger())
	}
	return out, nil
}

// InsertObligation relies on the (fee_record_id, academic_month,
// academic_year) unique key: an existing month is left untouched.
func (c *conn) InsertObligation(ctx context.Context, o ledger.MonthlyObligation) (bool, error) {
	res, err := c.exec(ctx, `
		INSERT INTO monthly_obligations
		(id, fee_record_id, academic_month, academic_year, monthly_amount, original_monthly_amount,
		 paid_amount, due_date, status, late_fee, discount_amount, overdue_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (fee_record_id, academic_month, academic_year) DO NOTHING`,
		o.ID, o.FeeRecordID, o.AcademicMonth, o.AcademicYear, o.MonthlyAmount, o.OriginalMonthlyAmount,
		o.PaidAmount, o.DueDate.UTC(), string(o.Status), o.LateFee, o.DiscountAmount, nullTime(o.OverdueAt),
		o.CreatedAt.UTC(), o.UpdatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert obligation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *conn) UpdateObligation(ctx context.Context, o ledger.MonthlyObligation) error {
	res, err := c.exec(ctx, `
		UPDATE monthly_obligations SET
			monthly_amount = ?, original_monthly_amount = ?, paid_amount = ?, status = ?,
			late_fee = ?, discount_amount = ?, overdue_at = ?, updated_at = ?
		WHERE id = ?`,
		o.MonthlyAmount, o.OriginalMonthlyAmount, o.PaidAmount, string(o.Status),
		o.LateFee, o.DiscountAmount, nullTime(o.OverdueAt), o.UpdatedAt.UTC(), o.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update obligation %s: %w", o.ID, err)
	}
	return expectOne(res, "obligation", string(o.ID))
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (c *conn) InsertPayment(ctx context.Context, p ledger.Payment) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := c.exec(ctx, `
		INSERT INTO payments
		(id, fee_record_id, amount, method, paid_at, transaction_ref, idempotency_key,
		 is_reversal, reverses_payment_id, reversed_by_payment_id, reversal_type,
		 reversal_reason_id, reversal_details, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.FeeRecordID, p.Amount, nullString(p.Method), p.PaidAt.UTC(),
		nullString(p.TransactionRef), nullString(p.IdempotencyKey), p.IsReversal,
		nullString(string(p.ReversesPaymentID)), nullString(string(p.ReversedByPaymentID)),
		nullString(string(p.ReversalType)), nullString(p.ReversalReasonID),
		nullString(p.ReversalDetails), p.CreatedBy, p.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert payment %s: %w", p.ID, err)
	}
	return nil
}

func (c *conn) GetPayment(ctx context.Context, id ledger.PaymentID) (*ledger.Payment, error) {
	return c.payment(ctx, "SELECT "+paymentColumns+" FROM payments WHERE id = ?", id)
}

func (c *conn) FindPaymentByIdempotencyKey(ctx context.Context, key string) (*ledger.Payment, error) {
	return c.payment(ctx, "SELECT "+paymentColumns+" FROM payments WHERE idempotency_key = ?", key)
}

func (c *conn) payment(ctx context.Context, query string, args ...any) (*ledger.Payment, error) {
	var row paymentRow
	found, err := c.get(ctx, &row, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	if !found {
		return nil, nil
	}
	p := row.toLedger()
	return &p, nil
}

func (c *conn) ListPayments(ctx context.Context, feeRecordID ledger.FeeRecordID) ([]ledger.Payment, error) {
	return c.payments(ctx, "SELECT "+paymentColumns+" FROM payments WHERE fee_record_id = ? ORDER BY seq ASC", feeRecordID)
}

func (c *conn) ListReversalsOf(ctx context.Context, originalID ledger.PaymentID) ([]ledger.Payment, error) {
	return c.payments(ctx, "SELECT "+paymentColumns+" FROM payments WHERE reverses_payment_id = ? ORDER BY seq ASC", originalID)
}

func (c *conn) payments(ctx context.Context, query string, args ...any) ([]ledger.Payment, error) {
	var rows []paymentRow
	if err := c.selectAll(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	out := make([]ledger.Payment, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toLedger())
	}
	return out, nil
}

// SetPaymentReversedBy only writes an unset back-link.
func (c *conn) SetPaymentReversedBy(ctx context.Context, id, reversedBy ledger.PaymentID) error {
	res, err := c.exec(ctx,
		"UPDATE payments SET reversed_by_payment_id = ? WHERE id = ? AND reversed_by_payment_id IS NULL",
		reversedBy, id)
	if err != nil {
		return fmt.Errorf("failed to link payment %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		existing, err := c.GetPayment(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return &ledger.NotFoundError{Kind: "payment", ID: string(id)}
		}
		return &ledger.AlreadyReversedError{Kind: "payment", ID: string(id), ReversedBy: string(existing.ReversedByPaymentID)}
	}
	return nil
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

func (c *conn) InsertAllocation(ctx context.Context, a ledger.Allocation) error {
	if err := a.Validate(); err != nil {
		return err
	}
	_, err := c.exec(ctx, `
		INSERT INTO allocations
		(id, payment_id, obligation_id, fee_record_id, allocated_amount, is_reversal,
		 reverses_allocation_id, reversal_reason_id, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.PaymentID, a.ObligationID, a.FeeRecordID, a.AllocatedAmount, a.IsReversal,
		nullString(string(a.ReversesAllocationID)), nullString(a.ReversalReasonID),
		a.CreatedBy, a.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert allocation %s: %w", a.ID, err)
	}
	return nil
}

func (c *conn) GetAllocation(ctx context.Context, id ledger.AllocationID) (*ledger.Allocation, error) {
	return c.allocation(ctx, "SELECT "+allocationColumns+" FROM allocations WHERE id = ?", id)
}

func (c *conn) FindReversalOf(ctx context.Context, id ledger.AllocationID) (*ledger.Allocation, error) {
	return c.allocation(ctx, "SELECT "+allocationColumns+" FROM allocations WHERE reverses_allocation_id = ?", id)
}

func (c *conn) allocation(ctx context.Context, query string, args ...any) (*ledger.Allocation, error) {
	var row allocationRow
	found, err := c.get(ctx, &row, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load allocation: %w", err)
	}
	if !found {
		return nil, nil
	}
	a := row.toLedger()
	return &a, nil
}

func (c *conn) ListAllocationsByPayment(ctx context.Context, paymentID ledger.PaymentID) ([]ledger.Allocation, error) {
	return c.allocations(ctx, "SELECT "+allocationColumns+" FROM allocations WHERE payment_id = ? ORDER BY seq ASC", paymentID)
}

func (c *conn) ListAllocationsByFeeRecord(ctx context.Context, feeRecordID ledger.FeeRecordID) ([]ledger.Allocation, error) {
	return c.allocations(ctx, "SELECT "+allocationColumns+" FROM allocations WHERE fee_record_id = ? ORDER BY seq ASC", feeRecordID)
}

func (c *conn) allocations(ctx context.Context, query string, args ...any) ([]ledger.Allocation, error) {
	var rows []allocationRow
	if err := c.selectAll(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	out := make([]ledger.Allocation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toLedger())
	}
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

type rowsAffected interface {
	RowsAffected() (int64, error)
}

func expectOne(res rowsAffected, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ledger.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}
