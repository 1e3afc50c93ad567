package ledger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// OverdueResult summarizes one sweep.
type OverdueResult struct {
	FeeRecords  int `json:"fee_records"`
	Obligations int `json:"obligations"`
}

// MarkOverdue flags every obligation with a positive balance whose due
// date is before asOf. Each obligation is flagged once: OverdueAt is set,
// LateFee is recorded, and status is recomputed (PENDING becomes OVERDUE).
// Each fee record is handled in its own transaction, so one failure does
// not undo the records already swept.
func (e *Engine) MarkOverdue(ctx context.Context, asOf time.Time) (OverdueResult, error) {
	tracked := true
	records, err := e.store.ListFeeRecords(ctx, FeeRecordFilter{TrackingEnabled: &tracked})
	if err != nil {
		return OverdueResult{}, fmt.Errorf("list tracked fee records: %w", err)
	}

	cutoff := StartOfDay(asOf)
	var result OverdueResult
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		var flagged int
		err := e.withFeeRecord(ctx, r.ID, func(s Store, rec *FeeRecord) error {
			n, err := e.sweepRecord(ctx, s, rec, cutoff)
			flagged = n
			return err
		})
		if err != nil {
			return result, err
		}
		if flagged > 0 {
			result.FeeRecords++
			result.Obligations += flagged
		}
	}

	e.log.Info("overdue sweep finished",
		zap.Time("as_of", cutoff),
		zap.Int("fee_records", result.FeeRecords),
		zap.Int("obligations", result.Obligations),
	)
	return result, nil
}

func (e *Engine) sweepRecord(ctx context.Context, s Store, rec *FeeRecord, cutoff time.Time) (int, error) {
	obligations, err := s.ListObligations(ctx, rec.ID)
	if err != nil {
		return 0, fmt.Errorf("load obligations of fee record %s: %w", rec.ID, err)
	}

	now := e.now().UTC()
	var before, after []MonthlyObligation
	for _, o := range obligations {
		if o.OverdueAt != nil || !o.Balance().IsPositive() || !o.DueDate.Before(cutoff) {
			continue
		}
		before = append(before, o)
		at := now
		o.OverdueAt = &at
		o.LateFee = o.LateFee.Add(e.cfg.LateFee)
		o.Status = deriveStatus(o)
		o.UpdatedAt = now
		if err := s.UpdateObligation(ctx, o); err != nil {
			return 0, fmt.Errorf("update obligation %s: %w", o.ID, err)
		}
		after = append(after, o)
	}
	if len(after) == 0 {
		return 0, nil
	}

	if err := e.audit.Record(ctx, s, AuditRecord{
		FeeRecordID: rec.ID,
		Table:       TableObligations,
		RecordID:    string(rec.ID),
		Action:      AuditUpdated,
		Actor:       e.actor(ctx),
		Before:      before,
		After:       after,
	}); err != nil {
		return 0, err
	}
	return len(after), nil
}
