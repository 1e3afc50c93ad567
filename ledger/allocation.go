/*
allocation.go - AllocationEngine

PURPOSE:
  Applies a payment across a fee record's outstanding obligations.

ALGORITHM (earliest-due-first, strict chronological greedy):
  1. Load obligations with balance > 0, ordered by (academic_year, academic_month)
  2. For each: allocate = min(remaining, balance)
     - write an Allocation row
     - paid_amount += allocate, status recomputed (PAID / PARTIAL)
     - remaining -= allocate
  3. Stop when remaining <= 0 or obligations are exhausted
  4. Whatever remains is not allocated anywhere (reported, not stored)
  5. Recompute fee_records.paid_amount from the allocation rows

EXACTLY-ONCE:
  The payment ID is the idempotency key. If allocations already exist for
  the payment, Apply returns them and writes nothing.

SEE ALSO:
  - reversal.go: calls AdjustObligation with negative deltas
  - engine.go: RecordPayment / ApplyPayment
*/
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ApplyResult is what one payment did to the ledger.
type ApplyResult struct {
	Payment     Payment
	Allocations []Allocation
	// Unallocated is the part of the payment that exceeded every
	// outstanding balance. It is absorbed; no credit is recorded.
	Unallocated decimal.Decimal
	// Replayed is true when the payment had already been applied.
	Replayed bool
}

type AllocationEngine struct {
	audit *AuditRecorder
	now   func() time.Time
	newID func() string
}

func NewAllocationEngine(audit *AuditRecorder, now func() time.Time, newID func() string) *AllocationEngine {
	return &AllocationEngine{audit: audit, now: now, newID: newID}
}

// Apply allocates an already persisted payment against rec's obligations.
func (a *AllocationEngine) Apply(ctx context.Context, s Store, rec *FeeRecord, p Payment, actor string) (ApplyResult, error) {
	existing, err := s.ListAllocationsByPayment(ctx, p.ID)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("load allocations of payment %s: %w", p.ID, err)
	}
	if len(existing) > 0 {
		return ApplyResult{Payment: p, Allocations: originalsOnly(existing), Unallocated: decimal.Zero, Replayed: true}, nil
	}

	obligations, err := s.ListObligations(ctx, rec.ID)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("load obligations of fee record %s: %w", rec.ID, err)
	}
	outstanding := Outstanding(obligations)

	previousPaid := rec.PaidAmount
	remaining := p.Amount
	var (
		allocations []Allocation
		before      []MonthlyObligation
		after       []MonthlyObligation
	)
	for _, o := range outstanding {
		if !remaining.IsPositive() {
			break
		}
		amount := decimal.Min(remaining, o.Balance())

		alloc := Allocation{
			ID:              AllocationID(a.newID()),
			PaymentID:       p.ID,
			ObligationID:    o.ID,
			FeeRecordID:     rec.ID,
			AllocatedAmount: amount,
			CreatedBy:       actor,
			CreatedAt:       a.now().UTC(),
		}
		if err := s.InsertAllocation(ctx, alloc); err != nil {
			return ApplyResult{}, fmt.Errorf("insert allocation for obligation %s: %w", o.ID, err)
		}

		before = append(before, o)
		if err := a.AdjustObligation(ctx, s, rec, &o, amount); err != nil {
			return ApplyResult{}, err
		}
		after = append(after, o)
		allocations = append(allocations, alloc)
		remaining = remaining.Sub(amount)
	}

	if err := a.SyncPaidAmount(ctx, s, rec); err != nil {
		return ApplyResult{}, err
	}

	if err := a.audit.Record(ctx, s, AuditRecord{
		FeeRecordID: rec.ID,
		Table:       TablePayments,
		RecordID:    string(p.ID),
		Action:      AuditCreated,
		Actor:       actor,
		Before:      obligationChange{Obligations: nonNil(before), PaidAmount: previousPaid.StringFixed(2)},
		After:       obligationChange{Payment: &p, Allocations: allocations, Obligations: nonNil(after), PaidAmount: rec.PaidAmount.StringFixed(2)},
	}); err != nil {
		return ApplyResult{}, err
	}

	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return ApplyResult{Payment: p, Allocations: allocations, Unallocated: remaining}, nil
}

// AdjustObligation is the obligation-update primitive shared by allocation
// and reversal: it moves paid_amount by delta, recomputes status and
// persists the row. A result outside [0, monthly_amount] aborts the
// surrounding transaction. When paid_amount drops on a waived month that
// was held at its paid amount, monthly_amount falls back towards the
// waived figure for rec's current percentage.
func (a *AllocationEngine) AdjustObligation(ctx context.Context, s LedgerStore, rec *FeeRecord, o *MonthlyObligation, delta decimal.Decimal) error {
	paid := o.PaidAmount.Add(delta)
	if paid.IsNegative() {
		return &InvariantError{FeeRecordID: o.FeeRecordID, Detail: fmt.Sprintf("obligation %s paid amount would drop to %s", o.ID, paid)}
	}
	if paid.GreaterThan(o.MonthlyAmount) {
		return &InvariantError{FeeRecordID: o.FeeRecordID, Detail: fmt.Sprintf("obligation %s paid amount %s exceeds monthly amount %s", o.ID, paid, o.MonthlyAmount)}
	}
	o.PaidAmount = paid
	if delta.IsNegative() {
		if target := waivedMonthly(*o, rec.WaiverPercentage); target.LessThan(o.MonthlyAmount) {
			o.MonthlyAmount = target
		}
	}
	o.Status = deriveStatus(*o)
	o.UpdatedAt = a.now().UTC()
	if err := s.UpdateObligation(ctx, *o); err != nil {
		return fmt.Errorf("update obligation %s: %w", o.ID, err)
	}
	return nil
}

// SyncPaidAmount recomputes rec.PaidAmount from the allocation rows and
// persists it. The stored value is never incremented directly.
func (a *AllocationEngine) SyncPaidAmount(ctx context.Context, s LedgerStore, rec *FeeRecord) error {
	allocations, err := s.ListAllocationsByFeeRecord(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("load allocations of fee record %s: %w", rec.ID, err)
	}
	rec.PaidAmount = NetAllocated(allocations)
	rec.UpdatedAt = a.now().UTC()
	if err := s.UpdateFeeRecord(ctx, *rec); err != nil {
		return fmt.Errorf("update fee record %s: %w", rec.ID, err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// Outstanding returns obligations with a positive balance, earliest first.
func Outstanding(obligations []MonthlyObligation) []MonthlyObligation {
	var out []MonthlyObligation
	for _, o := range obligations {
		if o.Balance().IsPositive() {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Period().Before(out[j].Period())
	})
	return out
}

// NetAllocated sums allocations, counting reversals negatively.
func NetAllocated(allocations []Allocation) decimal.Decimal {
	total := decimal.Zero
	for _, a := range allocations {
		total = total.Add(a.Signed())
	}
	return total
}

func originalsOnly(allocations []Allocation) []Allocation {
	var out []Allocation
	for _, a := range allocations {
		if !a.IsReversal {
			out = append(out, a)
		}
	}
	return out
}

func nonNil(o []MonthlyObligation) []MonthlyObligation {
	if o == nil {
		return []MonthlyObligation{}
	}
	return o
}
