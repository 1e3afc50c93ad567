package ledger_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fee-ledger/ledger"
	"github.com/warp/fee-ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2024, time.March, 15, 9, 0, 0, 0, time.UTC)

func sequentialIDs() func() string {
	var n int64
	return func() string {
		return fmt.Sprintf("id-%05d", atomic.AddInt64(&n, 1))
	}
}

func newTestEngine(t *testing.T, opts ...ledger.Option) (*ledger.Engine, *store.TxMemory) {
	t.Helper()
	s := store.NewTxMemory()
	base := []ledger.Option{
		ledger.WithClock(func() time.Time { return testNow }),
		ledger.WithIDGenerator(sequentialIDs()),
	}
	return ledger.NewEngine(s, append(base, opts...)...), s
}

// newTrackedRecord creates a fee record of total and a schedule from April 2024.
func newTrackedRecord(t *testing.T, e *ledger.Engine, student, total string) ledger.FeeRecordID {
	t.Helper()
	ctx := context.Background()
	rec, err := e.CreateFeeRecord(ctx, ledger.StudentID(student), "grade-5", "2024-25", dec(total))
	require.NoError(t, err)
	n, err := e.GenerateSchedule(ctx, rec.ID, 4, 2024)
	require.NoError(t, err)
	require.Equal(t, 12, n)
	return rec.ID
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertAmount(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Equal(t, dec(want).StringFixed(2), got.StringFixed(2), msgAndArgs...)
}

func obligations(t *testing.T, s ledger.Store, id ledger.FeeRecordID) []ledger.MonthlyObligation {
	t.Helper()
	obs, err := s.ListObligations(context.Background(), id)
	require.NoError(t, err)
	return obs
}

func feeRecord(t *testing.T, s ledger.Store, id ledger.FeeRecordID) ledger.FeeRecord {
	t.Helper()
	rec, err := s.GetFeeRecord(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return *rec
}

func requireConserved(t *testing.T, e *ledger.Engine, id ledger.FeeRecordID) {
	t.Helper()
	require.NoError(t, e.CheckConservation(context.Background(), id))
}

// assertMonth checks one obligation's paid amount and status.
func assertMonth(t *testing.T, o ledger.MonthlyObligation, paid string, status ledger.ObligationStatus) {
	t.Helper()
	assertAmount(t, paid, o.PaidAmount, "paid amount of %s", o.Period())
	assert.Equal(t, status, o.Status, "status of %s", o.Period())
}
