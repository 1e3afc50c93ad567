package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fee-ledger/ledger"
)

func TestGenerateSchedule_TwelveEqualMonthsFromApril(t *testing.T) {
	// GIVEN: A 12000 annual fee
	// WHEN: Generating the schedule from April 2024
	// THEN: Twelve 1000 obligations, April 2024 to March 2025, due the 10th

	e, s := newTestEngine(t)
	id := newTrackedRecord(t, e, "stu-1", "12000")

	obs := obligations(t, s, id)
	require.Len(t, obs, 12)

	assert.Equal(t, 4, obs[0].AcademicMonth)
	assert.Equal(t, 2024, obs[0].AcademicYear)
	assert.Equal(t, 3, obs[11].AcademicMonth)
	assert.Equal(t, 2025, obs[11].AcademicYear)
	assert.Equal(t, 12, obs[8].AcademicMonth, "December before the year wraps")

	for _, o := range obs {
		assertAmount(t, "1000", o.MonthlyAmount)
		assertAmount(t, "0", o.PaidAmount)
		assert.Equal(t, ledger.StatusPending, o.Status)
		assert.Equal(t, 10, o.DueDate.Day())
		assert.False(t, o.OriginalMonthlyAmount.Valid)
	}

	rec := feeRecord(t, s, id)
	assert.True(t, rec.TrackingEnabled)
	requireConserved(t, e, id)
}

func TestGenerateSchedule_Idempotent(t *testing.T) {
	// GIVEN: A fee record whose schedule was already generated
	// WHEN: Generating again with the same start
	// THEN: Nothing is created, still exactly twelve obligations, no new audit

	e, s := newTestEngine(t)
	ctx := context.Background()
	id := newTrackedRecord(t, e, "stu-1", "12000")

	before, err := s.QueryAudit(ctx, ledger.AuditFilter{FeeRecordID: &id})
	require.NoError(t, err)

	n, err := e.GenerateSchedule(ctx, id, 4, 2024)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, obligations(t, s, id), 12)

	after, err := s.QueryAudit(ctx, ledger.AuditFilter{FeeRecordID: &id})
	require.NoError(t, err)
	assert.Len(t, after, len(before), "a no-op generation is not audited")
}

func TestGenerateSchedule_TruncatesRemainder(t *testing.T) {
	// GIVEN: An annual fee that does not divide by twelve
	// WHEN: Generating the schedule
	// THEN: Each month is truncated to 833.33 and the remainder is dropped

	e, s := newTestEngine(t)
	id := newTrackedRecord(t, e, "stu-1", "10000")

	total := dec("0")
	for _, o := range obligations(t, s, id) {
		assertAmount(t, "833.33", o.MonthlyAmount)
		total = total.Add(o.MonthlyAmount)
	}
	assertAmount(t, "9999.96", total)
}

func TestGenerateSchedule_DueDayClampedToMonthEnd(t *testing.T) {
	// GIVEN: A due day of 31
	// WHEN: Generating a schedule that crosses February and 30-day months
	// THEN: Due dates fall on the last day of short months

	cfg := ledger.DefaultConfig()
	cfg.DueDay = 31
	e, s := newTestEngine(t, ledger.WithConfig(cfg))
	id := newTrackedRecord(t, e, "stu-1", "12000")

	due := map[int]time.Time{}
	for _, o := range obligations(t, s, id) {
		due[o.AcademicMonth] = o.DueDate
	}
	assert.Equal(t, time.Date(2024, time.April, 30, 0, 0, 0, 0, time.UTC), due[4])
	assert.Equal(t, time.Date(2024, time.May, 31, 0, 0, 0, 0, time.UTC), due[5])
	assert.Equal(t, time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC), due[2])
}

func TestGenerateSchedule_InvalidInput(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	id := newTrackedRecord(t, e, "stu-1", "12000")

	_, err := e.GenerateSchedule(ctx, id, 13, 2024)
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = e.GenerateSchedule(ctx, id, 0, 2024)
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = e.GenerateSchedule(ctx, "missing", 4, 2024)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestGenerateSchedule_AuditTrail(t *testing.T) {
	// GIVEN: A new fee record
	// WHEN: Generating its schedule
	// THEN: The fee record insert, the obligations and the tracking flag are audited

	e, s := newTestEngine(t)
	ctx := ledger.WithActor(context.Background(), "clerk-7")
	rec, err := e.CreateFeeRecord(ctx, "stu-1", "grade-5", "2024-25", dec("12000"))
	require.NoError(t, err)
	_, err = e.GenerateSchedule(ctx, rec.ID, 4, 2024)
	require.NoError(t, err)

	entries, err := s.QueryAudit(ctx, ledger.AuditFilter{FeeRecordID: &rec.ID})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, ledger.TableFeeRecords, entries[0].TableName)
	assert.Equal(t, ledger.AuditCreated, entries[0].Action)
	assert.Nil(t, entries[0].OldValue)

	assert.Equal(t, ledger.TableObligations, entries[1].TableName)
	assert.Equal(t, ledger.AuditCreated, entries[1].Action)

	assert.Equal(t, ledger.TableFeeRecords, entries[2].TableName)
	assert.Equal(t, ledger.AuditUpdated, entries[2].Action)
	assert.NotEmpty(t, entries[2].OldValue)

	for _, en := range entries {
		assert.Equal(t, "clerk-7", en.ActorID)
		assert.Equal(t, testNow, en.Timestamp)
	}
}
