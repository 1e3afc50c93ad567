package sqldb_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fee-ledger/ledger"
	"github.com/warp/fee-ledger/store/sqldb"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var now = time.Date(2024, time.April, 2, 10, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *sqldb.DB {
	t.Helper()
	db, err := sqldb.Open(context.Background(), "sqlite3", ":memory:", sqldb.Options{PingAttempts: 1})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func feeRecord(id string) ledger.FeeRecord {
	return ledger.FeeRecord{
		ID:               ledger.FeeRecordID(id),
		StudentID:        ledger.StudentID("stu-" + id),
		ClassID:          "grade-5",
		SessionYearID:    "2024-25",
		TotalAmount:      dec("12000"),
		PaidAmount:       decimal.Zero,
		WaiverPercentage: decimal.Zero,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func obligation(id string, rec ledger.FeeRecordID, month, year int) ledger.MonthlyObligation {
	return ledger.MonthlyObligation{
		ID:             ledger.ObligationID(id),
		FeeRecordID:    rec,
		AcademicMonth:  month,
		AcademicYear:   year,
		MonthlyAmount:  dec("1000"),
		PaidAmount:     decimal.Zero,
		DueDate:        time.Date(year, time.Month(month), 10, 0, 0, 0, 0, time.UTC),
		Status:         ledger.StatusPending,
		LateFee:        decimal.Zero,
		DiscountAmount: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func payment(id string, rec ledger.FeeRecordID, amount string) ledger.Payment {
	return ledger.Payment{
		ID:          ledger.PaymentID(id),
		FeeRecordID: rec,
		Amount:      dec(amount),
		Method:      "cash",
		PaidAt:      now,
		CreatedBy:   "cashier",
		CreatedAt:   now,
	}
}

func allocation(id string, p ledger.PaymentID, o ledger.ObligationID, rec ledger.FeeRecordID, amount string) ledger.Allocation {
	return ledger.Allocation{
		ID:              ledger.AllocationID(id),
		PaymentID:       p,
		ObligationID:    o,
		FeeRecordID:     rec,
		AllocatedAmount: dec(amount),
		CreatedBy:       "cashier",
		CreatedAt:       now,
	}
}

// seed inserts fee record "fr", one obligation "ob-4" and payment "p1"
// with allocation "a1" of 600.
func seed(t *testing.T, db *sqldb.DB) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.InsertFeeRecord(ctx, feeRecord("fr")))
	ok, err := db.InsertObligation(ctx, obligation("ob-4", "fr", 4, 2024))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, db.InsertPayment(ctx, payment("p1", "fr", "600")))
	require.NoError(t, db.InsertAllocation(ctx, allocation("a1", "p1", "ob-4", "fr", "600")))
}

// =============================================================================
// FEE RECORDS
// =============================================================================

func TestFeeRecords_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rec := feeRecord("fr")
	require.NoError(t, db.InsertFeeRecord(ctx, rec))

	got, err := db.GetFeeRecord(ctx, "fr")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.StudentID, got.StudentID)
	assert.True(t, rec.TotalAmount.Equal(got.TotalAmount))
	assert.False(t, got.OriginalTotalAmount.Valid)
	assert.Equal(t, now, got.CreatedAt)

	got.TrackingEnabled = true
	got.HasWaiver = true
	got.WaiverPercentage = dec("12.5")
	got.WaiverReason = "sibling"
	got.OriginalTotalAmount = decimal.NewNullDecimal(dec("12000"))
	got.TotalAmount = dec("10500")
	require.NoError(t, db.UpdateFeeRecord(ctx, *got))

	again, err := db.GetFeeRecord(ctx, "fr")
	require.NoError(t, err)
	assert.True(t, again.TrackingEnabled)
	assert.Equal(t, "sibling", again.WaiverReason)
	assert.Equal(t, "12.5", again.WaiverPercentage.String())
	assert.Equal(t, "10500", again.TotalAmount.String())
	require.True(t, again.OriginalTotalAmount.Valid)
	assert.Equal(t, "12000", again.OriginalTotalAmount.Decimal.String())

	byStudent, err := db.FindFeeRecord(ctx, rec.StudentID, "2024-25")
	require.NoError(t, err)
	require.NotNil(t, byStudent)
	assert.Equal(t, rec.ID, byStudent.ID)

	missing, err := db.GetFeeRecord(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFeeRecords_DuplicateStudentSession(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.InsertFeeRecord(ctx, feeRecord("fr")))

	dup := feeRecord("fr")
	dup.ID = "fr-2"
	err := db.InsertFeeRecord(ctx, dup)
	assert.ErrorIs(t, err, ledger.ErrDuplicate)
}

func TestFeeRecords_ListFilter(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, db.InsertFeeRecord(ctx, feeRecord(id)))
	}
	b, err := db.GetFeeRecord(ctx, "b")
	require.NoError(t, err)
	b.TrackingEnabled = true
	require.NoError(t, db.UpdateFeeRecord(ctx, *b))

	tracked := true
	got, err := db.ListFeeRecords(ctx, ledger.FeeRecordFilter{TrackingEnabled: &tracked})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ledger.FeeRecordID("b"), got[0].ID)

	all, err := db.ListFeeRecords(ctx, ledger.FeeRecordFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestFeeRecords_UpdateMissing(t *testing.T) {
	db := openTestDB(t)
	err := db.UpdateFeeRecord(context.Background(), feeRecord("ghost"))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// OBLIGATIONS
// =============================================================================

func TestObligations_InsertIsIdempotentPerMonth(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.InsertFeeRecord(ctx, feeRecord("fr")))

	ok, err := db.InsertObligation(ctx, obligation("ob-1", "fr", 4, 2024))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.InsertObligation(ctx, obligation("ob-2", "fr", 4, 2024))
	require.NoError(t, err)
	assert.False(t, ok, "same month for the same fee record is skipped")

	obs, err := db.ListObligations(ctx, "fr")
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, ledger.ObligationID("ob-1"), obs[0].ID)
}

func TestObligations_OrderedChronologically(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.InsertFeeRecord(ctx, feeRecord("fr")))

	for i, m := range [][2]int{{2, 2025}, {12, 2024}, {4, 2024}, {1, 2025}} {
		_, err := db.InsertObligation(ctx, obligation(fmt.Sprintf("ob-%d", i), "fr", m[0], m[1]))
		require.NoError(t, err)
	}
	obs, err := db.ListObligations(ctx, "fr")
	require.NoError(t, err)
	var periods []string
	for _, o := range obs {
		periods = append(periods, o.Period().String())
	}
	assert.Equal(t, []string{"2024-04", "2024-12", "2025-01", "2025-02"}, periods)
}

func TestObligations_Update(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.InsertFeeRecord(ctx, feeRecord("fr")))
	o := obligation("ob-1", "fr", 4, 2024)
	_, err := db.InsertObligation(ctx, o)
	require.NoError(t, err)

	overdue := now.Add(48 * time.Hour)
	o.PaidAmount = dec("250.75")
	o.Status = ledger.StatusPartial
	o.OverdueAt = &overdue
	o.LateFee = dec("50")
	o.OriginalMonthlyAmount = decimal.NewNullDecimal(dec("1200"))
	require.NoError(t, db.UpdateObligation(ctx, o))

	obs, err := db.ListObligations(ctx, "fr")
	require.NoError(t, err)
	got := obs[0]
	assert.Equal(t, "250.75", got.PaidAmount.String())
	assert.Equal(t, ledger.StatusPartial, got.Status)
	require.NotNil(t, got.OverdueAt)
	assert.Equal(t, overdue, *got.OverdueAt)
	assert.Equal(t, "50", got.LateFee.String())
	assert.Equal(t, "1200", got.OriginalMonthlyAmount.Decimal.String())
	assert.Equal(t, o.DueDate, got.DueDate)
}

func TestObligations_UnknownFeeRecord(t *testing.T) {
	db := openTestDB(t)
	_, err := db.InsertObligation(context.Background(), obligation("ob-1", "ghost", 4, 2024))
	assert.ErrorIs(t, err, ledger.ErrNotFound, "foreign key violations map to not found")
}

// =============================================================================
// PAYMENTS AND ALLOCATIONS
// =============================================================================

func TestPayments_IdempotencyKeyIsUnique(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.InsertFeeRecord(ctx, feeRecord("fr")))

	p := payment("p1", "fr", "100")
	p.IdempotencyKey = "rcpt-1"
	require.NoError(t, db.InsertPayment(ctx, p))

	found, err := db.FindPaymentByIdempotencyKey(ctx, "rcpt-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, p.ID, found.ID)

	dup := payment("p2", "fr", "100")
	dup.IdempotencyKey = "rcpt-1"
	assert.ErrorIs(t, db.InsertPayment(ctx, dup), ledger.ErrDuplicate)

	// Payments without a key never collide.
	require.NoError(t, db.InsertPayment(ctx, payment("p3", "fr", "100")))
	require.NoError(t, db.InsertPayment(ctx, payment("p4", "fr", "100")))
}

func TestPayments_ReversalLinks(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seed(t, db)

	rev := payment("r1", "fr", "-600")
	rev.IsReversal = true
	rev.ReversesPaymentID = "p1"
	rev.ReversalType = ledger.ReversalFull
	rev.ReversalReasonID = "DUPLICATE"
	require.NoError(t, db.InsertPayment(ctx, rev))

	require.NoError(t, db.SetPaymentReversedBy(ctx, "p1", "r1"))
	err := db.SetPaymentReversedBy(ctx, "p1", "r9")
	assert.ErrorIs(t, err, ledger.ErrAlreadyReversed)

	original, err := db.GetPayment(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentID("r1"), original.ReversedByPaymentID)

	reversals, err := db.ListReversalsOf(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, reversals, 1)
	assert.True(t, reversals[0].IsReversal)
	assert.Equal(t, "DUPLICATE", reversals[0].ReversalReasonID)
	assert.Equal(t, "-600", reversals[0].Amount.String())

	second := rev
	second.ID = "r2"
	assert.ErrorIs(t, db.InsertPayment(ctx, second), ledger.ErrDuplicate, "one full reversal per payment")

	err = db.SetPaymentReversedBy(ctx, "ghost", "r1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestPayments_ReversalWithoutReasonRejected(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seed(t, db)

	rev := payment("r1", "fr", "-600")
	rev.IsReversal = true
	rev.ReversesPaymentID = "p1"
	rev.ReversalType = ledger.ReversalFull
	err := db.InsertPayment(ctx, rev)
	assert.ErrorIs(t, err, ledger.ErrInvalidReversalLink)
}

func TestAllocations_ReversedAtMostOnce(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seed(t, db)

	rev := payment("r1", "fr", "-600")
	rev.IsReversal = true
	rev.ReversesPaymentID = "p1"
	rev.ReversalType = ledger.ReversalPartial
	rev.ReversalReasonID = "BANK_CHARGEBACK"
	require.NoError(t, db.InsertPayment(ctx, rev))

	mirror := allocation("ra1", "r1", "ob-4", "fr", "600")
	mirror.IsReversal = true
	mirror.ReversesAllocationID = "a1"
	mirror.ReversalReasonID = "BANK_CHARGEBACK"
	require.NoError(t, db.InsertAllocation(ctx, mirror))

	found, err := db.FindReversalOf(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, ledger.AllocationID("ra1"), found.ID)

	again := mirror
	again.ID = "ra2"
	assert.ErrorIs(t, db.InsertAllocation(ctx, again), ledger.ErrDuplicate)

	all, err := db.ListAllocationsByFeeRecord(ctx, "fr")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "0", ledger.NetAllocated(all).String())

	byPayment, err := db.ListAllocationsByPayment(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, byPayment, 1)
	assert.False(t, byPayment[0].IsReversal)
}

// =============================================================================
// AUDIT
// =============================================================================

func TestAudit_RoundTripAndFilter(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	entries := []ledger.AuditEntry{
		{ID: "e1", FeeRecordID: "fr", TableName: ledger.TableFeeRecords, RecordID: "fr", Action: ledger.AuditCreated,
			NewValue: json.RawMessage(`{"id":"fr"}`), ActorID: "clerk", Timestamp: now},
		{ID: "e2", FeeRecordID: "fr", TableName: ledger.TablePayments, RecordID: "p1", Action: ledger.AuditCreated,
			OldValue: json.RawMessage(`{"fee_record_paid_amount":"0.00"}`), NewValue: json.RawMessage(`{"fee_record_paid_amount":"600.00"}`),
			ActorID: "cashier", Timestamp: now.Add(time.Minute)},
		{ID: "e3", FeeRecordID: "other", TableName: ledger.TablePayments, RecordID: "p9", Action: ledger.AuditReversedFull,
			ActorID: "clerk", Timestamp: now.Add(2 * time.Minute)},
	}
	for _, e := range entries {
		require.NoError(t, db.AppendAudit(ctx, e))
	}

	fr := ledger.FeeRecordID("fr")
	got, err := db.QueryAudit(ctx, ledger.AuditFilter{FeeRecordID: &fr})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].ID)
	assert.Nil(t, got[0].OldValue)
	assert.JSONEq(t, `{"id":"fr"}`, string(got[0].NewValue))
	assert.JSONEq(t, `{"fee_record_paid_amount":"600.00"}`, string(got[1].NewValue))
	assert.Equal(t, now.Add(time.Minute), got[1].Timestamp)

	p1 := "p1"
	got, err = db.QueryAudit(ctx, ledger.AuditFilter{RecordID: &p1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "cashier", got[0].ActorID)

	got, err = db.QueryAudit(ctx, ledger.AuditFilter{Actions: []ledger.AuditAction{ledger.AuditReversedFull, ledger.AuditUpdated}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e3", got[0].ID)

	got, err = db.QueryAudit(ctx, ledger.AuditFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

// =============================================================================
// DIRECTORY
// =============================================================================

func TestStudents_AdmissionNumberReusableAfterDelete(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first := ledger.Student{ID: "s1", AdmissionNo: "ADM-1", Name: "Asha", ClassID: "grade-5", SessionYearID: "2024-25", CreatedAt: now}
	require.NoError(t, db.SaveStudent(ctx, first))

	second := ledger.Student{ID: "s2", AdmissionNo: "ADM-1", Name: "Ravi", ClassID: "grade-5", SessionYearID: "2024-25", CreatedAt: now}
	assert.ErrorIs(t, db.SaveStudent(ctx, second), ledger.ErrDuplicate)

	require.NoError(t, db.SoftDeleteStudent(ctx, "s1", now))
	require.NoError(t, db.SaveStudent(ctx, second))

	got, err := db.GetStudent(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got.DeletedAt)
	assert.Equal(t, now, *got.DeletedAt)

	assert.ErrorIs(t, db.SoftDeleteStudent(ctx, "s1", now), ledger.ErrNotFound, "already deleted")
}

func TestFeeStructures_Upsert(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	fs := ledger.FeeStructureRecord{
		ID: "fs1", ClassID: "grade-5", SessionYearID: "2024-25",
		TotalAmount: dec("12000"), ComponentsJSON: `[{"name":"tuition"}]`, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, db.SaveFeeStructure(ctx, fs))
	fs.ID = "fs2"
	fs.TotalAmount = dec("13200")
	require.NoError(t, db.SaveFeeStructure(ctx, fs))

	got, err := db.GetFeeStructure(ctx, "grade-5", "2024-25")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "fs1", got.ID, "the first row is kept and updated")
	assert.Equal(t, "13200", got.TotalAmount.String())

	list, err := db.ListFeeStructures(ctx, "2024-25")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	none, err := db.GetFeeStructure(ctx, "grade-6", "2024-25")
	require.NoError(t, err)
	assert.Nil(t, none)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollbackOnError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := db.WithTx(ctx, func(s ledger.Store) error {
		if err := s.InsertFeeRecord(ctx, feeRecord("fr")); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.EqualError(t, err, "boom")

	got, err := db.GetFeeRecord(ctx, "fr")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, db.WithTx(ctx, func(s ledger.Store) error {
		return s.InsertFeeRecord(ctx, feeRecord("fr"))
	}))
	got, err = db.GetFeeRecord(ctx, "fr")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := sqldb.Open(context.Background(), "mysql", "dsn", sqldb.Options{})
	assert.ErrorContains(t, err, "unsupported database driver")
}
