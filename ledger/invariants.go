package ledger

import (
	"context"
	"fmt"
)

// CheckConservation verifies, for a tracking-enabled fee record, that
//
//	fee_records.paid_amount == sum(obligation.paid_amount) == net allocation sum
//
// and that every obligation satisfies 0 <= paid_amount <= monthly_amount.
// Records without tracking are not checked.
func CheckConservation(ctx context.Context, s LedgerStore, id FeeRecordID) error {
	rec, err := s.GetFeeRecord(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return &NotFoundError{Kind: "fee record", ID: string(id)}
	}
	if !rec.TrackingEnabled {
		return nil
	}

	obligations, err := s.ListObligations(ctx, id)
	if err != nil {
		return err
	}
	allocations, err := s.ListAllocationsByFeeRecord(ctx, id)
	if err != nil {
		return err
	}

	obligationSum := NetAllocated(nil)
	for _, o := range obligations {
		if o.PaidAmount.IsNegative() || o.PaidAmount.GreaterThan(o.MonthlyAmount) {
			return &InvariantError{FeeRecordID: id, Detail: fmt.Sprintf(
				"obligation %s paid %s outside [0, %s]", o.Period(), o.PaidAmount, o.MonthlyAmount)}
		}
		obligationSum = obligationSum.Add(o.PaidAmount)
	}
	allocationSum := NetAllocated(allocations)

	if !obligationSum.Equal(allocationSum) {
		return &InvariantError{FeeRecordID: id, Detail: fmt.Sprintf(
			"obligations paid %s != net allocations %s", obligationSum, allocationSum)}
	}
	if !rec.PaidAmount.Equal(obligationSum) {
		return &InvariantError{FeeRecordID: id, Detail: fmt.Sprintf(
			"fee record paid %s != obligations paid %s", rec.PaidAmount, obligationSum)}
	}
	return nil
}
