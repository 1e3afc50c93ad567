/*
waiver.go - WaiverAdjuster

PURPOSE:
  Applies or changes a percentage waiver on a fee record.

RULES:
  - original_total_amount is captured once, from the first waiver
  - total = original_total * (1 - pct/100), rounded to 2 places
  - every obligation that is not fully paid captures original_monthly_amount
    once; every obligation with a captured original gets
    monthly = max(original_monthly * (1 - pct/100), paid_amount)
  - paid_amount is never touched; status is recomputed from it
  - fully paid months without a captured original are not changed: no
    credit or refund is created
  - a month held at its paid amount is recomputed on every later waiver
    change, and by AdjustObligation when its payments are reversed

Because amounts are always derived from the captured originals, changing
a waiver from 20% to 30% yields 30% off, not 20% then 30%.
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

type WaiverAdjuster struct {
	audit *AuditRecorder
	now   func() time.Time
}

func NewWaiverAdjuster(audit *AuditRecorder, now func() time.Time) *WaiverAdjuster {
	return &WaiverAdjuster{audit: audit, now: now}
}

// ValidatePercentage rejects percentages outside [0, 100].
func ValidatePercentage(pct decimal.Decimal) error {
	if pct.IsNegative() || pct.GreaterThan(hundred) {
		return &ValidationError{Field: "percentage", Message: fmt.Sprintf("%s is outside [0,100]", pct)}
	}
	return nil
}

// WaivedAmount applies pct to amount.
func WaivedAmount(amount, pct decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(1).Sub(pct.Div(hundred))
	return amount.Mul(factor).Round(2)
}

// Apply rewrites rec and its unpaid obligations for the given waiver.
func (w *WaiverAdjuster) Apply(ctx context.Context, s Store, rec *FeeRecord, pct decimal.Decimal, reason, actor string) ([]MonthlyObligation, error) {
	if err := ValidatePercentage(pct); err != nil {
		return nil, err
	}
	now := w.now().UTC()

	obligations, err := s.ListObligations(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("load obligations of fee record %s: %w", rec.ID, err)
	}

	recordBefore := *rec
	if !rec.OriginalTotalAmount.Valid {
		rec.OriginalTotalAmount = decimal.NewNullDecimal(rec.TotalAmount)
	}
	rec.TotalAmount = WaivedAmount(rec.OriginalTotalAmount.Decimal, pct)
	rec.HasWaiver = pct.IsPositive()
	rec.WaiverPercentage = pct
	rec.WaiverReason = reason
	rec.UpdatedAt = now
	if err := s.UpdateFeeRecord(ctx, *rec); err != nil {
		return nil, fmt.Errorf("update fee record %s: %w", rec.ID, err)
	}

	var before, after []MonthlyObligation
	for _, o := range obligations {
		paid := fullyPaid(o)
		if paid && !o.OriginalMonthlyAmount.Valid {
			continue
		}
		prev := o

		if !o.OriginalMonthlyAmount.Valid {
			o.OriginalMonthlyAmount = decimal.NewNullDecimal(o.MonthlyAmount)
		}
		monthly := waivedMonthly(o, pct)
		if paid && monthly.Equal(o.MonthlyAmount) {
			continue
		}
		before = append(before, prev)
		o.MonthlyAmount = monthly
		o.Status = deriveStatus(o)
		o.UpdatedAt = now
		if err := s.UpdateObligation(ctx, o); err != nil {
			return nil, fmt.Errorf("update obligation %s: %w", o.ID, err)
		}
		after = append(after, o)
	}

	type waiverSnapshot struct {
		FeeRecord   FeeRecord           `json:"fee_record"`
		Obligations []MonthlyObligation `json:"obligations"`
	}
	if err := w.audit.Record(ctx, s, AuditRecord{
		FeeRecordID: rec.ID,
		Table:       TableFeeRecords,
		RecordID:    string(rec.ID),
		Action:      AuditUpdated,
		Actor:       actor,
		Before:      waiverSnapshot{FeeRecord: recordBefore, Obligations: nonNil(before)},
		After:       waiverSnapshot{FeeRecord: *rec, Obligations: nonNil(after)},
	}); err != nil {
		return nil, err
	}
	return after, nil
}

// waivedMonthly is the monthly amount o owes under pct, never below what
// was already paid. Months without a captured original keep their amount.
func waivedMonthly(o MonthlyObligation, pct decimal.Decimal) decimal.Decimal {
	if !o.OriginalMonthlyAmount.Valid {
		return o.MonthlyAmount
	}
	return decimal.Max(WaivedAmount(o.OriginalMonthlyAmount.Decimal, pct), o.PaidAmount)
}

// fullyPaid reports whether payments cover the month. A month waived down
// to zero is not "paid" and stays adjustable.
func fullyPaid(o MonthlyObligation) bool {
	return o.PaidAmount.IsPositive() && o.PaidAmount.GreaterThanOrEqual(o.MonthlyAmount)
}
