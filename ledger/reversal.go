/*
reversal.go - ReversalManager

PURPOSE:
  Undoes a misapplied payment without deleting history. A reversal is a
  new negative Payment linked to the original plus one mirrored reversal
  Allocation per allocation it undoes.

FULL REVERSAL:
  - rejected if the original is itself a reversal, or already reversed
    (in full, or allocation by allocation down to nothing)
  - reversal amount = -(original amount - partial reversals already made)
  - every not-yet-reversed allocation of the original is mirrored and the
    obligation's paid_amount decremented by the same amount
  - original.reversed_by_payment_id is set
  - audit: REVERSED_FULL (original) + REVERSAL_CREATED (new payment)

PARTIAL REVERSAL:
  Same mechanics scoped to one allocation. A payment may collect several
  partial reversals, each against a distinct allocation. Partial
  reversals do not set reversed_by_payment_id, so the remainder of the
  payment can still be reversed in full later.
  - audit: REVERSED_PARTIAL (allocation) + REVERSAL_CREATED (new payment)

ATOMICITY:
  Runs inside the caller's transaction. Any failure (including an
  obligation whose paid_amount would go negative) aborts every write.
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ReversalRequest carries the catalog reason and the acting user.
// Only the presence of ReasonID is checked; its meaning belongs to the
// externally managed reason catalog.
type ReversalRequest struct {
	ReasonID string
	Details  string
	Actor    string
}

func (r ReversalRequest) validate(kind, id string) error {
	if r.ReasonID == "" {
		return &InvalidReversalLinkError{Kind: kind, ID: id, Reason: "reversal reason is required"}
	}
	return nil
}

type ReversalManager struct {
	alloc *AllocationEngine
	audit *AuditRecorder
	now   func() time.Time
	newID func() string
}

func NewReversalManager(alloc *AllocationEngine, audit *AuditRecorder, now func() time.Time, newID func() string) *ReversalManager {
	return &ReversalManager{alloc: alloc, audit: audit, now: now, newID: newID}
}

// ReverseFull reverses every remaining allocation of original.
func (m *ReversalManager) ReverseFull(ctx context.Context, s Store, rec *FeeRecord, original *Payment, req ReversalRequest) (*Payment, []Allocation, error) {
	if err := req.validate("payment", string(original.ID)); err != nil {
		return nil, nil, err
	}
	if original.IsReversal {
		return nil, nil, &InvalidReversalLinkError{Kind: "payment", ID: string(original.ID), Reason: "cannot reverse a reversal payment"}
	}
	if original.ReversedByPaymentID != "" {
		return nil, nil, &AlreadyReversedError{Kind: "payment", ID: string(original.ID), ReversedBy: string(original.ReversedByPaymentID)}
	}

	allocations, err := s.ListAllocationsByPayment(ctx, original.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("load allocations of payment %s: %w", original.ID, err)
	}
	partials, err := s.ListReversalsOf(ctx, original.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("load reversals of payment %s: %w", original.ID, err)
	}
	net := original.Amount
	for _, p := range partials {
		net = net.Add(p.Amount)
	}
	if !net.IsPositive() {
		last := ""
		if len(partials) > 0 {
			last = string(partials[len(partials)-1].ID)
		}
		return nil, nil, &AlreadyReversedError{Kind: "payment", ID: string(original.ID), ReversedBy: last}
	}

	now := m.now().UTC()
	reversal := Payment{
		ID:                PaymentID(m.newID()),
		FeeRecordID:       rec.ID,
		Amount:            net.Neg(),
		Method:            original.Method,
		PaidAt:            now,
		IsReversal:        true,
		ReversesPaymentID: original.ID,
		ReversalType:      ReversalFull,
		ReversalReasonID:  req.ReasonID,
		ReversalDetails:   req.Details,
		CreatedBy:         req.Actor,
		CreatedAt:         now,
	}
	if err := s.InsertPayment(ctx, reversal); err != nil {
		return nil, nil, fmt.Errorf("insert reversal of payment %s: %w", original.ID, err)
	}

	index, err := m.obligationIndex(ctx, s, rec.ID)
	if err != nil {
		return nil, nil, err
	}

	previousPaid := rec.PaidAmount
	var (
		reversed []Allocation
		before   []MonthlyObligation
		after    []MonthlyObligation
	)
	for _, alloc := range allocations {
		if alloc.IsReversal {
			continue
		}
		existing, err := s.FindReversalOf(ctx, alloc.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("check reversal of allocation %s: %w", alloc.ID, err)
		}
		if existing != nil {
			continue
		}

		revAlloc, b, a, err := m.mirror(ctx, s, rec, index, alloc, reversal, req)
		if err != nil {
			return nil, nil, err
		}
		reversed = append(reversed, revAlloc)
		before = append(before, b)
		after = append(after, a)
	}

	if err := s.SetPaymentReversedBy(ctx, original.ID, reversal.ID); err != nil {
		return nil, nil, fmt.Errorf("link payment %s to reversal: %w", original.ID, err)
	}
	originalAfter := *original
	originalAfter.ReversedByPaymentID = reversal.ID

	if err := m.alloc.SyncPaidAmount(ctx, s, rec); err != nil {
		return nil, nil, err
	}

	if err := m.audit.Record(ctx, s, AuditRecord{
		FeeRecordID: rec.ID,
		Table:       TablePayments,
		RecordID:    string(original.ID),
		Action:      AuditReversedFull,
		Actor:       req.Actor,
		Before:      obligationChange{Payment: original, Obligations: nonNil(before), PaidAmount: previousPaid.StringFixed(2)},
		After:       obligationChange{Payment: &originalAfter, Obligations: nonNil(after), PaidAmount: rec.PaidAmount.StringFixed(2)},
	}); err != nil {
		return nil, nil, err
	}
	if err := m.audit.Record(ctx, s, AuditRecord{
		FeeRecordID: rec.ID,
		Table:       TablePayments,
		RecordID:    string(reversal.ID),
		Action:      AuditReversalCreated,
		Actor:       req.Actor,
		After:       obligationChange{Payment: &reversal, Allocations: reversed, Obligations: nonNil(after), PaidAmount: rec.PaidAmount.StringFixed(2)},
	}); err != nil {
		return nil, nil, err
	}

	*original = originalAfter
	return &reversal, reversed, nil
}

// ReversePartial reverses a single allocation.
func (m *ReversalManager) ReversePartial(ctx context.Context, s Store, rec *FeeRecord, alloc *Allocation, req ReversalRequest) (*Payment, *Allocation, error) {
	if err := req.validate("allocation", string(alloc.ID)); err != nil {
		return nil, nil, err
	}
	if alloc.IsReversal {
		return nil, nil, &InvalidReversalLinkError{Kind: "allocation", ID: string(alloc.ID), Reason: "cannot reverse a reversal allocation"}
	}
	existing, err := s.FindReversalOf(ctx, alloc.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("check reversal of allocation %s: %w", alloc.ID, err)
	}
	if existing != nil {
		return nil, nil, &AlreadyReversedError{Kind: "allocation", ID: string(alloc.ID), ReversedBy: string(existing.ID)}
	}

	original, err := s.GetPayment(ctx, alloc.PaymentID)
	if err != nil {
		return nil, nil, fmt.Errorf("load payment %s: %w", alloc.PaymentID, err)
	}
	if original == nil {
		return nil, nil, &NotFoundError{Kind: "payment", ID: string(alloc.PaymentID)}
	}

	now := m.now().UTC()
	reversal := Payment{
		ID:                PaymentID(m.newID()),
		FeeRecordID:       rec.ID,
		Amount:            alloc.AllocatedAmount.Neg(),
		Method:            original.Method,
		PaidAt:            now,
		IsReversal:        true,
		ReversesPaymentID: original.ID,
		ReversalType:      ReversalPartial,
		ReversalReasonID:  req.ReasonID,
		ReversalDetails:   req.Details,
		CreatedBy:         req.Actor,
		CreatedAt:         now,
	}
	if err := s.InsertPayment(ctx, reversal); err != nil {
		return nil, nil, fmt.Errorf("insert partial reversal of allocation %s: %w", alloc.ID, err)
	}

	index, err := m.obligationIndex(ctx, s, rec.ID)
	if err != nil {
		return nil, nil, err
	}
	previousPaid := rec.PaidAmount
	revAlloc, before, after, err := m.mirror(ctx, s, rec, index, *alloc, reversal, req)
	if err != nil {
		return nil, nil, err
	}

	if err := m.alloc.SyncPaidAmount(ctx, s, rec); err != nil {
		return nil, nil, err
	}

	if err := m.audit.Record(ctx, s, AuditRecord{
		FeeRecordID: rec.ID,
		Table:       TableAllocations,
		RecordID:    string(alloc.ID),
		Action:      AuditReversedPartial,
		Actor:       req.Actor,
		Before:      obligationChange{Payment: original, Allocations: []Allocation{*alloc}, Obligations: []MonthlyObligation{before}, PaidAmount: previousPaid.StringFixed(2)},
		After:       obligationChange{Payment: original, Allocations: []Allocation{*alloc, revAlloc}, Obligations: []MonthlyObligation{after}, PaidAmount: rec.PaidAmount.StringFixed(2)},
	}); err != nil {
		return nil, nil, err
	}
	if err := m.audit.Record(ctx, s, AuditRecord{
		FeeRecordID: rec.ID,
		Table:       TablePayments,
		RecordID:    string(reversal.ID),
		Action:      AuditReversalCreated,
		Actor:       req.Actor,
		After:       obligationChange{Payment: &reversal, Allocations: []Allocation{revAlloc}, Obligations: []MonthlyObligation{after}, PaidAmount: rec.PaidAmount.StringFixed(2)},
	}); err != nil {
		return nil, nil, err
	}

	return &reversal, &revAlloc, nil
}

// mirror writes the reversal allocation for alloc and decrements its
// obligation. It returns the new row and the obligation before/after.
func (m *ReversalManager) mirror(ctx context.Context, s Store, rec *FeeRecord, index map[ObligationID]*MonthlyObligation, alloc Allocation, reversal Payment, req ReversalRequest) (Allocation, MonthlyObligation, MonthlyObligation, error) {
	o, ok := index[alloc.ObligationID]
	if !ok {
		return Allocation{}, MonthlyObligation{}, MonthlyObligation{}, &InvariantError{
			FeeRecordID: alloc.FeeRecordID,
			Detail:      fmt.Sprintf("allocation %s points at unknown obligation %s", alloc.ID, alloc.ObligationID),
		}
	}

	revAlloc := Allocation{
		ID:                   AllocationID(m.newID()),
		PaymentID:            reversal.ID,
		ObligationID:         alloc.ObligationID,
		FeeRecordID:          alloc.FeeRecordID,
		AllocatedAmount:      alloc.AllocatedAmount,
		IsReversal:           true,
		ReversesAllocationID: alloc.ID,
		ReversalReasonID:     req.ReasonID,
		CreatedBy:            req.Actor,
		CreatedAt:            m.now().UTC(),
	}
	if err := s.InsertAllocation(ctx, revAlloc); err != nil {
		return Allocation{}, MonthlyObligation{}, MonthlyObligation{}, fmt.Errorf("insert reversal of allocation %s: %w", alloc.ID, err)
	}

	before := *o
	if err := m.alloc.AdjustObligation(ctx, s, rec, o, decimal.Zero.Sub(alloc.AllocatedAmount)); err != nil {
		return Allocation{}, MonthlyObligation{}, MonthlyObligation{}, err
	}
	return revAlloc, before, *o, nil
}

func (m *ReversalManager) obligationIndex(ctx context.Context, s Store, id FeeRecordID) (map[ObligationID]*MonthlyObligation, error) {
	obligations, err := s.ListObligations(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load obligations of fee record %s: %w", id, err)
	}
	index := make(map[ObligationID]*MonthlyObligation, len(obligations))
	for i := range obligations {
		index[obligations[i].ID] = &obligations[i]
	}
	return index, nil
}
