/*
audit.go - AuditRecorder

PURPOSE:
  Appends one immutable AuditEntry per mutating action with JSON
  snapshots of the affected rows before and after. Entries are written
  through the same transactional Store as the change they describe, so an
  audit entry exists if and only if the change committed.

ACTIONS:
  CREATED           schedule months created, payment applied
  UPDATED           tracking enabled, waiver applied, overdue sweep
  REVERSED_FULL     original payment fully reversed
  REVERSED_PARTIAL  one allocation of an original reversed
  REVERSAL_CREATED  the new reversal payment row
*/
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AuditRecord is the input to AuditRecorder.Record. Before and After are
// marshalled to JSON as-is; nil snapshots are stored as NULL.
type AuditRecord struct {
	FeeRecordID FeeRecordID
	Table       string
	RecordID    string
	Action      AuditAction
	Actor       string
	Before      any
	After       any
}

type AuditRecorder struct {
	now   func() time.Time
	newID func() string
}

func NewAuditRecorder(now func() time.Time, newID func() string) *AuditRecorder {
	return &AuditRecorder{now: now, newID: newID}
}

// Record appends one entry. A snapshot that cannot be marshalled fails the
// surrounding operation; an audit entry is never silently dropped.
func (r *AuditRecorder) Record(ctx context.Context, log AuditLog, rec AuditRecord) error {
	oldValue, err := snapshot(rec.Before)
	if err != nil {
		return fmt.Errorf("audit %s %s: old value: %w", rec.Table, rec.Action, err)
	}
	newValue, err := snapshot(rec.After)
	if err != nil {
		return fmt.Errorf("audit %s %s: new value: %w", rec.Table, rec.Action, err)
	}

	entry := AuditEntry{
		ID:          r.newID(),
		FeeRecordID: rec.FeeRecordID,
		TableName:   rec.Table,
		RecordID:    rec.RecordID,
		Action:      rec.Action,
		OldValue:    oldValue,
		NewValue:    newValue,
		ActorID:     rec.Actor,
		Timestamp:   r.now().UTC(),
	}
	if err := log.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func snapshot(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// obligationChange is the snapshot shape used by payment and reversal entries.
type obligationChange struct {
	Payment     *Payment            `json:"payment,omitempty"`
	Allocations []Allocation        `json:"allocations,omitempty"`
	Obligations []MonthlyObligation `json:"obligations"`
	PaidAmount  string              `json:"fee_record_paid_amount"`
}
