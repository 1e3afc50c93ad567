/*
schedule.go - ScheduleGenerator

PURPOSE:
  Expands one fee record into twelve monthly obligations starting at a
  given academic month, then marks the record as tracking-enabled.

IDEMPOTENCY:
  A month that already exists for the fee record is skipped, not an
  error. The returned count is the number of obligations actually
  created, so a second identical call returns 0 and the fee record still
  has exactly twelve obligations.

ROUNDING:
  monthly = total / 12, truncated to 2 decimal places. The remainder is
  not added to any month; twelve months may sum to slightly less than
  the annual total.

WAIVERS:
  If a waiver was applied before the schedule exists, the pre-waiver
  annual amount is divided the same way and kept as each month's
  original_monthly_amount.
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MonthsPerSchedule is the length of every generated schedule.
const MonthsPerSchedule = 12

var monthsPerSchedule = decimal.NewFromInt(MonthsPerSchedule)

// MonthlyAmount divides an annual amount into the per-month obligation.
func MonthlyAmount(annual decimal.Decimal) decimal.Decimal {
	return annual.Div(monthsPerSchedule).Truncate(2)
}

type ScheduleGenerator struct {
	dueDay int
	audit  *AuditRecorder
	now    func() time.Time
	newID  func() string
}

func NewScheduleGenerator(dueDay int, audit *AuditRecorder, now func() time.Time, newID func() string) *ScheduleGenerator {
	return &ScheduleGenerator{dueDay: dueDay, audit: audit, now: now, newID: newID}
}

// Generate creates the missing months of rec's schedule inside s.
// rec is updated in place when tracking gets enabled.
func (g *ScheduleGenerator) Generate(ctx context.Context, s Store, rec *FeeRecord, start AcademicMonth, actor string) (int, error) {
	now := g.now().UTC()
	monthly := MonthlyAmount(rec.TotalAmount)

	var original decimal.NullDecimal
	if rec.OriginalTotalAmount.Valid {
		original = decimal.NewNullDecimal(MonthlyAmount(rec.OriginalTotalAmount.Decimal))
	}

	var created []MonthlyObligation
	for _, m := range start.Sequence(MonthsPerSchedule) {
		o := MonthlyObligation{
			ID:                    ObligationID(g.newID()),
			FeeRecordID:           rec.ID,
			AcademicMonth:         m.Month,
			AcademicYear:          m.Year,
			MonthlyAmount:         monthly,
			OriginalMonthlyAmount: original,
			PaidAmount:            decimal.Zero,
			DueDate:               m.DueDate(g.dueDay),
			Status:                StatusPending,
			LateFee:               decimal.Zero,
			DiscountAmount:        decimal.Zero,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		ok, err := s.InsertObligation(ctx, o)
		if err != nil {
			return 0, fmt.Errorf("insert obligation %s for fee record %s: %w", m, rec.ID, err)
		}
		if ok {
			created = append(created, o)
		}
	}

	if len(created) > 0 {
		if err := g.audit.Record(ctx, s, AuditRecord{
			FeeRecordID: rec.ID,
			Table:       TableObligations,
			RecordID:    string(rec.ID),
			Action:      AuditCreated,
			Actor:       actor,
			After:       created,
		}); err != nil {
			return 0, err
		}
	}

	if !rec.TrackingEnabled {
		before := *rec
		rec.TrackingEnabled = true
		rec.UpdatedAt = now
		if err := s.UpdateFeeRecord(ctx, *rec); err != nil {
			return 0, fmt.Errorf("enable tracking on fee record %s: %w", rec.ID, err)
		}
		if err := g.audit.Record(ctx, s, AuditRecord{
			FeeRecordID: rec.ID,
			Table:       TableFeeRecords,
			RecordID:    string(rec.ID),
			Action:      AuditUpdated,
			Actor:       actor,
			Before:      before,
			After:       *rec,
		}); err != nil {
			return 0, err
		}
	}

	return len(created), nil
}
