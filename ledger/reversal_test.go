package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fee-ledger/ledger"
)

// =============================================================================
// FULL REVERSAL
// =============================================================================

func TestReverseFull_RestoresPriorState(t *testing.T) {
	// GIVEN: A 3200 payment spread over April-July
	// WHEN: The payment is reversed in full
	// THEN: Every month is back to PENDING with 0 paid, the original links to the reversal

	e, s := newTestEngine(t)
	ctx := context.Background()
	id := newTrackedRecord(t, e, "stu-1", "12000")

	p, allocations, err := e.ApplyPayment(ctx, id, dec("3200"))
	require.NoError(t, err)

	reversal, err := e.ReverseFull(ctx, p.ID, "WRONG_STUDENT", "posted to the sibling", "clerk-2")
	require.NoError(t, err)
	require.NotNil(t, reversal)

	assert.True(t, reversal.IsReversal)
	assert.Equal(t, ledger.ReversalFull, reversal.ReversalType)
	assert.Equal(t, p.ID, reversal.ReversesPaymentID)
	assert.Equal(t, "WRONG_STUDENT", reversal.ReversalReasonID)
	assert.Equal(t, "posted to the sibling", reversal.ReversalDetails)
	assert.Equal(t, "clerk-2", reversal.CreatedBy)
	assertAmount(t, "-3200", reversal.Amount)

	for _, o := range obligations(t, s, id) {
		assertMonth(t, o, "0", ledger.StatusPending)
	}
	assertAmount(t, "0", feeRecord(t, s, id).PaidAmount)

	original, err := s.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, reversal.ID, original.ReversedByPaymentID)

	mirrored, err := s.ListAllocationsByPayment(ctx, reversal.ID)
	require.NoError(t, err)
	require.Len(t, mirrored, len(allocations))
	for i, m := range mirrored {
		assert.True(t, m.IsReversal)
		assert.Equal(t, allocations[i].ID, m.ReversesAllocationID)
		assert.Equal(t, allocations[i].ObligationID, m.ObligationID)
		assertAmount(t, allocations[i].AllocatedAmount.String(), m.AllocatedAmount)
		assert.Equal(t, "WRONG_STUDENT", m.ReversalReasonID)
	}
	requireConserved(t, e, id)
}

func TestReverseFull_ThenCorrectPayment(t *testing.T) {
	// GIVEN: A misapplied 3200 payment that has been reversed
	// WHEN: The correct 3000 payment is recorded
	// THEN: The ledger looks as if only the 3000 was ever paid

	e, s := newTestEngine(t)
	ctx := context.Background()
	id := newTrackedRecord(t, e, "stu-1", "12000")

	p, _, err := e.ApplyPayment(ctx, id, dec("3200"))
	require.NoError(t, err)
	_, err = e.ReverseFull(ctx, p.ID, "WRONG_AMOUNT", "", "")
	require.NoError(t, err)
	_, _, err = e.ApplyPayment(ctx, id, dec("3000"))
	require.NoError(t, err)

	obs := obligations(t, s, id)
	for _, o := range obs[:3] {
		assertMonth(t, o, "1000", ledger.StatusPaid)
	}
	for _, o := range obs[3:] {
		assertMonth(t, o, "0", ledger.StatusPending)
	}
	assertAmount(t, "3000", feeRecord(t, s, id).PaidAmount)
	requireConserved(t, e, id)
}

func TestReverseFull_Twice(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	id := newTrackedRecord(t, e, "stu-1", "12000")

	p, _, err := e.ApplyPayment(ctx, id, dec("1500"))
	require.NoError(t, err)
	_, err = e.ReverseFull(ctx, p.ID, "DUPLICATE", "", "")
	require.NoError(t, err)

	_, err = e.ReverseFull(ctx, p.ID, "DUPLICATE", "", "")
	assert.ErrorIs(t, err, ledger.ErrAlreadyReversed)
	var already *ledger.AlreadyReversedError
	assert.ErrorAs(t, err, &already)

	payments, err := s.ListPayments(ctx, id)
	require.NoError(t, err)
	assert.Len(t, payments, 2, "the rejected reversal wrote nothing")
	requireConserved(t, e, id)
}

func TestReverseFull_RejectsReversalPayment(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	id := newTrackedRecord(t, e, "stu-1", "12000")

	p, _, err := e.ApplyPayment(ctx, id, dec("1500"))
	require.NoError(t, err)
	reversal, err := e.ReverseFull(ctx, p.ID, "DUPLICATE", "", "")
	require.NoError(t, err)

	_, err = e.ReverseFull(ctx, reversal.ID, "DUPLICATE", "", "")
	assert.ErrorIs(t, err, ledger.ErrInvalidReversalLink)
}

func TestReverseFull_RequiresReason(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	id := newTrackedRecord(t, e, "stu-1", "12000")

	p, _, err := e.ApplyPayment(ctx, id, dec("1500"))
	require.NoError(t, err)

	_, err = e.ReverseFull(ctx, p.ID, "", "no reason given", "")
	assert.ErrorIs(t, err, ledger.ErrInvalidReversalLink)
	assertAmount(t, "1500", feeRecord(t, s, id).PaidAmount)
}

func TestReverseFull_UnknownPayment(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.ReverseFull(context.Background(), "missing", "DUPLICATE", "", "")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestReverseFull_AuditEntries(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	id := newTrackedRecord(t, e, "stu-1", "12000")

	p, _, err := e.ApplyPayment(ctx, id, dec("1500"))
	require.NoError(t, err)
	reversal, err := e.ReverseFull(ctx, p.ID, "DUPLICATE", "", "auditor-1")
	require.NoError(t, err)

	entries, err := s.QueryAudit(ctx, ledger.AuditFilter{
		FeeRecordID: &id,
		Actions:     []ledger.AuditAction{ledger.AuditReversedFull, ledger.AuditReversalCreated},
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, ledger.AuditReversedFull, entries[0].Action)
	assert.Equal(t, string(p.ID), entries[0].RecordID)
	assert.Contains(t, string(entries[0].OldValue), `"fee_record_paid_amount":"1500.00"`)
	assert.Contains(t, string(entries[0].NewValue), `"fee_record_paid_amount":"0.00"`)

	assert.Equal(t, ledger.AuditReversalCreated, entries[1].Action)
	assert.Equal(t, string(reversal.ID), entries[1].RecordID)
	assert.Nil(t, entries[1].OldValue)

	for _, en := range entries {
		assert.Equal(t, "auditor-1", en.ActorID)
		assert.Equal(t, ledger.TablePayments, en.TableName)
	}
}

// =============================================================================
// PARTIAL REVERSAL
// =============================================================================

func TestReversePartialAllocation_OneMonth(t *testing.T) {
	// GIVEN: A 1500 payment: 1000 to April, 500 to May
	// WHEN: The May allocation is reversed
	// THEN: May goes back to PENDING, April stays PAID, the payment is not marked reversed

	e, s := newTestEngine(t)
	ctx := context.Background()
	id := newTrackedRecord(t, e, "stu-1", "12000")

	p, allocations, err := e.ApplyPayment(ctx, id, dec("1500"))
	require.NoError(t, err)

	reversal, err := e.ReversePartialAllocation(ctx, allocations[1].ID, "BANK_CHARGEBACK", "", "")
	require.NoError(t, err)
	assert.Equal(t, ledger.ReversalPartial, reversal.ReversalType)
	assert.Equal(t, p.ID, reversal.ReversesPaymentID)
	assertAmount(t, "-500", reversal.Amount)

	obs := obligations(t, s, id)
	assertMonth(t, obs[0], "1000", ledger.StatusPaid)
	assertMonth(t, obs[1], "0", ledger.StatusPending)
	assertAmount(t, "1000", feeRecord(t, s, id).PaidAmount)

	original, err := s.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, original.ReversedByPaymentID)
	requireConserved(t, e, id)
}

func TestReversePartialAllocation_ThenFullReversesRemainder(t *testing.T) {
	// GIVEN: A 1500 payment whose May allocation (500) was reversed
	// WHEN: The payment is then reversed in full
	// THEN: Only the remaining 1000 is reversed and nothing is reversed twice

	e, s := newTestEngine(t)
	ctx := context.Background()
	id := newTrackedRecord(t, e, "stu-1", "12000")

	p, allocations, err := e.ApplyPayment(ctx, id, dec("1500"))
	require.NoError(t, err)
	_, err = e.ReversePartialAllocation(ctx, allocations[1].ID, "BANK_CHARGEBACK", "", "")
	require.NoError(t, err)

	reversal, err := e.ReverseFull(ctx, p.ID, "DUPLICATE", "", "")
	require.NoError(t, err)
	assertAmount(t, "-1000", reversal.Amount)

	mirrored, err := s.ListAllocationsByPayment(ctx, reversal.ID)
	require.NoError(t, err)
	require.Len(t, mirrored, 1)
	assert.Equal(t, allocations[0].ID, mirrored[0].ReversesAllocationID)

	for _, o := range obligations(t, s, id) {
		assertMonth(t, o, "0", ledger.StatusPending)
	}
	requireConserved(t, e, id)
}

func TestReverseFull_NothingLeftAfterPartials(t *testing.T) {
	// GIVEN: A 1500 payment whose two allocations were each reversed
	// WHEN: The payment is reversed in full
	// THEN: AlreadyReversed, and no zero-amount reversal is written

	e, s := newTestEngine(t)
	ctx := context.Background()
	id := newTrackedRecord(t, e, "stu-1", "12000")

	p, allocations, err := e.ApplyPayment(ctx, id, dec("1500"))
	require.NoError(t, err)
	for _, a := range allocations {
		_, err = e.ReversePartialAllocation(ctx, a.ID, "BANK_CHARGEBACK", "", "")
		require.NoError(t, err)
	}

	_, err = e.ReverseFull(ctx, p.ID, "DUPLICATE", "", "")
	assert.ErrorIs(t, err, ledger.ErrAlreadyReversed)

	payments, err := s.ListPayments(ctx, id)
	require.NoError(t, err)
	assert.Len(t, payments, 3)
	original, err := s.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, original.ReversedByPaymentID)
	requireConserved(t, e, id)
}

func TestReversePartialAllocation_Rejections(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	id := newTrackedRecord(t, e, "stu-1", "12000")

	p, allocations, err := e.ApplyPayment(ctx, id, dec("1500"))
	require.NoError(t, err)

	t.Run("twice", func(t *testing.T) {
		_, err := e.ReversePartialAllocation(ctx, allocations[1].ID, "BANK_CHARGEBACK", "", "")
		require.NoError(t, err)
		_, err = e.ReversePartialAllocation(ctx, allocations[1].ID, "BANK_CHARGEBACK", "", "")
		assert.ErrorIs(t, err, ledger.ErrAlreadyReversed)
	})

	t.Run("reversal allocation", func(t *testing.T) {
		reversals, err := e.Store().ListReversalsOf(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, reversals, 1)
		mirrored, err := e.Store().ListAllocationsByPayment(ctx, reversals[0].ID)
		require.NoError(t, err)
		require.Len(t, mirrored, 1)

		_, err = e.ReversePartialAllocation(ctx, mirrored[0].ID, "BANK_CHARGEBACK", "", "")
		assert.ErrorIs(t, err, ledger.ErrInvalidReversalLink)
	})

	t.Run("missing reason", func(t *testing.T) {
		_, err := e.ReversePartialAllocation(ctx, allocations[0].ID, "", "", "")
		assert.ErrorIs(t, err, ledger.ErrInvalidReversalLink)
	})

	t.Run("unknown allocation", func(t *testing.T) {
		_, err := e.ReversePartialAllocation(ctx, "missing", "BANK_CHARGEBACK", "", "")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("after full reversal", func(t *testing.T) {
		_, err := e.ReverseFull(ctx, p.ID, "DUPLICATE", "", "")
		require.NoError(t, err)
		_, err = e.ReversePartialAllocation(ctx, allocations[0].ID, "BANK_CHARGEBACK", "", "")
		assert.ErrorIs(t, err, ledger.ErrAlreadyReversed)
	})

	requireConserved(t, e, id)
}

func TestReversePartialAllocation_AuditEntries(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := ledger.WithActor(context.Background(), "clerk-9")
	id := newTrackedRecord(t, e, "stu-1", "12000")

	_, allocations, err := e.ApplyPayment(ctx, id, dec("1500"))
	require.NoError(t, err)
	reversal, err := e.ReversePartialAllocation(ctx, allocations[1].ID, "BANK_CHARGEBACK", "", "")
	require.NoError(t, err)

	entries, err := s.QueryAudit(ctx, ledger.AuditFilter{
		FeeRecordID: &id,
		Actions:     []ledger.AuditAction{ledger.AuditReversedPartial, ledger.AuditReversalCreated},
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, ledger.TableAllocations, entries[0].TableName)
	assert.Equal(t, string(allocations[1].ID), entries[0].RecordID)
	assert.Equal(t, ledger.TablePayments, entries[1].TableName)
	assert.Equal(t, string(reversal.ID), entries[1].RecordID)
	for _, en := range entries {
		assert.Equal(t, "clerk-9", en.ActorID, "the context actor is used when no acting user is given")
	}
}
