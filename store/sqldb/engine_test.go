package sqldb_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fee-ledger/ledger"
)

// TestEngineOnSQLite runs the payment, reversal, waiver and overdue flow
// against the SQL store and checks conservation after each step.
func TestEngineOnSQLite(t *testing.T) {
	db := openTestDB(t)
	ctx := ledger.WithActor(context.Background(), "registrar")
	cfg := ledger.DefaultConfig()
	cfg.LateFee = dec("25")
	e := ledger.NewEngine(db, ledger.WithConfig(cfg), ledger.WithClock(func() time.Time { return now }))

	require.NoError(t, db.SaveFeeStructure(ctx, ledger.FeeStructureRecord{
		ID: "fs", ClassID: "grade-5", SessionYearID: "2024-25", TotalAmount: dec("12000"),
		ComponentsJSON: "[]", CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, db.SaveStudent(ctx, ledger.Student{
		ID: "s1", AdmissionNo: "ADM-1", Name: "Asha", ClassID: "grade-5", SessionYearID: "2024-25", CreatedAt: now,
	}))

	results, err := e.EnableTrackingForStudents(ctx, []ledger.StudentID{"s1"}, "2024-25", 4, 2024)
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
	id := results[0].FeeRecordID
	assert.Equal(t, 12, results[0].ObligationsCreated)

	conserved := func() {
		t.Helper()
		require.NoError(t, e.CheckConservation(ctx, id))
	}

	// GIVEN: a 3200 payment
	res, err := e.RecordPayment(ctx, ledger.PaymentIntake{FeeRecordID: id, Amount: dec("3200"), IdempotencyKey: "rcpt-1"})
	require.NoError(t, err)
	require.Len(t, res.Allocations, 4)
	conserved()

	replay, err := e.RecordPayment(ctx, ledger.PaymentIntake{FeeRecordID: id, Amount: dec("3200"), IdempotencyKey: "rcpt-1"})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, res.Payment.ID, replay.Payment.ID)

	obs, err := db.ListObligations(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPaid, obs[2].Status)
	assert.Equal(t, ledger.StatusPartial, obs[3].Status)
	assert.Equal(t, "200", obs[3].PaidAmount.String())

	// WHEN: one allocation is reversed, then the rest
	_, err = e.ReversePartialAllocation(ctx, res.Allocations[3].ID, "BANK_CHARGEBACK", "", "")
	require.NoError(t, err)
	conserved()
	full, err := e.ReverseFull(ctx, res.Payment.ID, "WRONG_STUDENT", "", "")
	require.NoError(t, err)
	assert.Equal(t, "-3000", full.Amount.String())
	conserved()

	_, err = e.ReverseFull(ctx, res.Payment.ID, "WRONG_STUDENT", "", "")
	assert.ErrorIs(t, err, ledger.ErrAlreadyReversed)

	// THEN: the ledger is back at zero and can take the corrected payment
	rec, err := db.GetFeeRecord(ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.PaidAmount.IsZero())

	_, _, err = e.ApplyPayment(ctx, id, dec("1500"))
	require.NoError(t, err)
	require.NoError(t, e.ApplyWaiver(ctx, id, dec("20"), "merit"))
	conserved()

	sweep, err := e.MarkOverdue(ctx, time.Date(2024, time.June, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 2, sweep.Obligations)

	obs, err = db.ListObligations(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "800", obs[1].MonthlyAmount.String())
	assert.Equal(t, ledger.StatusPartial, obs[1].Status)
	assert.Equal(t, ledger.StatusOverdue, obs[2].Status)
	assert.Equal(t, "25", obs[2].LateFee.String())
	conserved()

	entries, err := db.QueryAudit(ctx, ledger.AuditFilter{FeeRecordID: &id})
	require.NoError(t, err)
	actions := map[ledger.AuditAction]int{}
	for _, en := range entries {
		actions[en.Action]++
		assert.Equal(t, "registrar", en.ActorID)
	}
	assert.Equal(t, 1, actions[ledger.AuditReversedFull])
	assert.Equal(t, 1, actions[ledger.AuditReversedPartial])
	assert.Equal(t, 2, actions[ledger.AuditReversalCreated])
}

func TestEngineOnSQLite_ConcurrentPayments(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	e := ledger.NewEngine(db)

	rec, err := e.CreateFeeRecord(ctx, "s1", "grade-5", "2024-25", dec("12000"))
	require.NoError(t, err)
	_, err = e.GenerateSchedule(ctx, rec.ID, 4, 2024)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := e.ApplyPayment(ctx, rec.ID, dec("250"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := db.GetFeeRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "2500", got.PaidAmount.String())
	require.NoError(t, e.CheckConservation(ctx, rec.ID))
}
