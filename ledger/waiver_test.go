package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fee-ledger/ledger"
)

func TestApplyWaiver_AfterPartialPayment(t *testing.T) {
	// GIVEN: 12000 annual, 1500 paid (April PAID, May 500)
	// WHEN: A 20% waiver is applied
	// THEN: April is untouched, every other month drops to 800, May stays PARTIAL

	e, s := newTestEngine(t)
	ctx := context.Background()
	id := newTrackedRecord(t, e, "stu-1", "12000")
	_, _, err := e.ApplyPayment(ctx, id, dec("1500"))
	require.NoError(t, err)

	require.NoError(t, e.ApplyWaiver(ctx, id, dec("20"), "merit scholarship"))

	rec := feeRecord(t, s, id)
	assert.True(t, rec.HasWaiver)
	assertAmount(t, "20", rec.WaiverPercentage)
	assert.Equal(t, "merit scholarship", rec.WaiverReason)
	assertAmount(t, "9600", rec.TotalAmount)
	require.True(t, rec.OriginalTotalAmount.Valid)
	assertAmount(t, "12000", rec.OriginalTotalAmount.Decimal)
	assertAmount(t, "1500", rec.PaidAmount, "paid amount is never touched by a waiver")

	obs := obligations(t, s, id)
	assertAmount(t, "1000", obs[0].MonthlyAmount)
	assert.False(t, obs[0].OriginalMonthlyAmount.Valid, "fully paid months are not adjusted")
	assertMonth(t, obs[0], "1000", ledger.StatusPaid)

	assertAmount(t, "800", obs[1].MonthlyAmount)
	assertMonth(t, obs[1], "500", ledger.StatusPartial)
	for _, o := range obs[1:] {
		assertAmount(t, "800", o.MonthlyAmount)
		require.True(t, o.OriginalMonthlyAmount.Valid)
		assertAmount(t, "1000", o.OriginalMonthlyAmount.Decimal)
	}
	requireConserved(t, e, id)
}

func TestApplyWaiver_ChangesDoNotCompound(t *testing.T) {
	// GIVEN: A 20% waiver already applied
	// WHEN: The waiver is changed to 30%
	// THEN: Amounts are 30% off the originals, not 30% off the 20%-reduced amounts

	e, s := newTestEngine(t)
	ctx := context.Background()
	id := newTrackedRecord(t, e, "stu-1", "12000")
	_, _, err := e.ApplyPayment(ctx, id, dec("1500"))
	require.NoError(t, err)

	require.NoError(t, e.ApplyWaiver(ctx, id, dec("20"), "merit scholarship"))
	require.NoError(t, e.ApplyWaiver(ctx, id, dec("30"), "merit scholarship, revised"))

	rec := feeRecord(t, s, id)
	assertAmount(t, "8400", rec.TotalAmount)
	assertAmount(t, "12000", rec.OriginalTotalAmount.Decimal)

	obs := obligations(t, s, id)
	for _, o := range obs[1:] {
		assertAmount(t, "700", o.MonthlyAmount)
		assertAmount(t, "1000", o.OriginalMonthlyAmount.Decimal)
	}
	assertMonth(t, obs[1], "500", ledger.StatusPartial)
	requireConserved(t, e, id)
}

func TestApplyWaiver_NeverBelowPaid(t *testing.T) {
	// GIVEN: May has 500 paid
	// WHEN: A 60% waiver would make May 400
	// THEN: May is held at 500 and becomes PAID

	e, s := newTestEngine(t)
	ctx := context.Background()
	id := newTrackedRecord(t, e, "stu-1", "12000")
	_, _, err := e.ApplyPayment(ctx, id, dec("1500"))
	require.NoError(t, err)

	require.NoError(t, e.ApplyWaiver(ctx, id, dec("60"), "hardship"))

	obs := obligations(t, s, id)
	assertAmount(t, "500", obs[1].MonthlyAmount)
	assertMonth(t, obs[1], "500", ledger.StatusPaid)
	assertAmount(t, "400", obs[2].MonthlyAmount)
	requireConserved(t, e, id)
}

func TestApplyWaiver_HeldMonthFollowsReversal(t *testing.T) {
	// GIVEN: May held at its 500 paid under a 60% waiver
	// WHEN: The May allocation is reversed
	// THEN: May drops to the waived 400 instead of keeping the held 500

	e, s := newTestEngine(t)
	ctx := context.Background()
	id := newTrackedRecord(t, e, "stu-1", "12000")
	_, allocations, err := e.ApplyPayment(ctx, id, dec("1500"))
	require.NoError(t, err)
	require.NoError(t, e.ApplyWaiver(ctx, id, dec("60"), "hardship"))

	_, err = e.ReversePartialAllocation(ctx, allocations[1].ID, "BANK_CHARGEBACK", "", "")
	require.NoError(t, err)

	obs := obligations(t, s, id)
	assertAmount(t, "1000", obs[0].MonthlyAmount)
	assertMonth(t, obs[0], "1000", ledger.StatusPaid)
	assertAmount(t, "400", obs[1].MonthlyAmount)
	assertMonth(t, obs[1], "0", ledger.StatusPending)
	requireConserved(t, e, id)

	// Removing the waiver afterwards restores May in full.
	require.NoError(t, e.ApplyWaiver(ctx, id, dec("0"), "hardship ended"))
	assertAmount(t, "1000", obligations(t, s, id)[1].MonthlyAmount)
}

func TestApplyWaiver_HeldMonthRestoredByRemoval(t *testing.T) {
	// GIVEN: May held at its 500 paid under a 60% waiver
	// WHEN: The waiver is changed to 0%
	// THEN: May owes 1000 again and the monthly amounts add up to the total

	e, s := newTestEngine(t)
	ctx := context.Background()
	id := newTrackedRecord(t, e, "stu-1", "12000")
	_, _, err := e.ApplyPayment(ctx, id, dec("1500"))
	require.NoError(t, err)
	require.NoError(t, e.ApplyWaiver(ctx, id, dec("60"), "hardship"))

	require.NoError(t, e.ApplyWaiver(ctx, id, dec("0"), "hardship ended"))

	obs := obligations(t, s, id)
	assertAmount(t, "1000", obs[1].MonthlyAmount)
	assertMonth(t, obs[1], "500", ledger.StatusPartial)

	rec := feeRecord(t, s, id)
	assertAmount(t, "12000", rec.TotalAmount)
	sum := dec("0")
	for _, o := range obs {
		sum = sum.Add(o.MonthlyAmount)
	}
	assertAmount(t, "12000", sum)
	requireConserved(t, e, id)
}

func TestApplyWaiver_HeldMonthFollowsLaterChange(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	id := newTrackedRecord(t, e, "stu-1", "12000")
	_, _, err := e.ApplyPayment(ctx, id, dec("1500"))
	require.NoError(t, err)
	require.NoError(t, e.ApplyWaiver(ctx, id, dec("60"), "hardship"))

	require.NoError(t, e.ApplyWaiver(ctx, id, dec("30"), "partial hardship"))

	obs := obligations(t, s, id)
	assertAmount(t, "700", obs[1].MonthlyAmount)
	assertMonth(t, obs[1], "500", ledger.StatusPartial)
	assertAmount(t, "1000", obs[0].MonthlyAmount, "April was paid before any waiver")
}

func TestApplyWaiver_RemovingWaiverRestoresOriginals(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	id := newTrackedRecord(t, e, "stu-1", "12000")

	require.NoError(t, e.ApplyWaiver(ctx, id, dec("25"), "sibling discount"))
	require.NoError(t, e.ApplyWaiver(ctx, id, dec("0"), "discount withdrawn"))

	rec := feeRecord(t, s, id)
	assert.False(t, rec.HasWaiver)
	assertAmount(t, "12000", rec.TotalAmount)
	for _, o := range obligations(t, s, id) {
		assertAmount(t, "1000", o.MonthlyAmount)
	}
}

func TestApplyWaiver_BeforeSchedule(t *testing.T) {
	// GIVEN: A fee record with a 10% waiver and no schedule yet
	// WHEN: The schedule is generated
	// THEN: Months are 900 and remember the 1000 pre-waiver amount

	e, s := newTestEngine(t)
	ctx := context.Background()
	rec, err := e.CreateFeeRecord(ctx, "stu-1", "grade-5", "2024-25", dec("12000"))
	require.NoError(t, err)

	require.NoError(t, e.ApplyWaiver(ctx, rec.ID, dec("10"), "staff child"))
	n, err := e.GenerateSchedule(ctx, rec.ID, 4, 2024)
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	for _, o := range obligations(t, s, rec.ID) {
		assertAmount(t, "900", o.MonthlyAmount)
		require.True(t, o.OriginalMonthlyAmount.Valid)
		assertAmount(t, "1000", o.OriginalMonthlyAmount.Decimal)
	}
}

func TestApplyWaiver_InvalidPercentage(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	id := newTrackedRecord(t, e, "stu-1", "12000")

	for _, pct := range []string{"-1", "100.01", "101"} {
		err := e.ApplyWaiver(ctx, id, dec(pct), "bad")
		assert.ErrorIs(t, err, ledger.ErrValidation, "percentage %s", pct)
	}
	assertAmount(t, "12000", feeRecord(t, s, id).TotalAmount)
}

func TestApplyWaiver_Audited(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := ledger.WithActor(context.Background(), "principal")
	id := newTrackedRecord(t, e, "stu-1", "12000")

	require.NoError(t, e.ApplyWaiver(ctx, id, dec("20"), "merit scholarship"))

	entries, err := s.QueryAudit(ctx, ledger.AuditFilter{FeeRecordID: &id, Actions: []ledger.AuditAction{ledger.AuditUpdated}})
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, ledger.TableFeeRecords, last.TableName)
	assert.Equal(t, "principal", last.ActorID)
	assert.Contains(t, string(last.NewValue), "merit scholarship")
}

func TestWaivedAmount(t *testing.T) {
	tests := []struct {
		amount string
		pct    string
		want   string
	}{
		{"1000", "0", "1000"},
		{"1000", "20", "800"},
		{"1000", "100", "0"},
		{"833.33", "15", "708.33"},
		{"12000", "33.33", "8000.40"},
	}
	for _, tt := range tests {
		assertAmount(t, tt.want, ledger.WaivedAmount(dec(tt.amount), dec(tt.pct)), "%s at %s%%", tt.amount, tt.pct)
	}
}
