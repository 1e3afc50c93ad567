// Package store provides an in-memory ledger.TxStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/fee-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every table in maps guarded by one RWMutex. Writes outside
// WithTx are applied immediately.
type Memory struct {
	mu sync.RWMutex
	st *state
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

type obligationKey struct {
	FeeRecordID ledger.FeeRecordID
	Month       int
	Year        int
}

type recordKey struct {
	StudentID     ledger.StudentID
	SessionYearID string
}

type structureKey struct {
	ClassID       string
	SessionYearID string
}

// state holds the tables. Its methods take no locks; Memory and txView
// are responsible for that.
type state struct {
	feeRecords  map[ledger.FeeRecordID]ledger.FeeRecord
	recordOrder []ledger.FeeRecordID
	recordKeys  map[recordKey]ledger.FeeRecordID

	obligations    map[ledger.ObligationID]ledger.MonthlyObligation
	obligationKeys map[obligationKey]ledger.ObligationID

	payments     map[ledger.PaymentID]ledger.Payment
	paymentOrder []ledger.PaymentID
	idempotency  map[string]ledger.PaymentID

	allocations     map[ledger.AllocationID]ledger.Allocation
	allocationOrder []ledger.AllocationID
	reversalOf      map[ledger.AllocationID]ledger.AllocationID

	audit []ledger.AuditEntry

	students   map[ledger.StudentID]ledger.Student
	structures map[structureKey]ledger.FeeStructureRecord
}

func newState() *state {
	return &state{
		feeRecords:     make(map[ledger.FeeRecordID]ledger.FeeRecord),
		recordKeys:     make(map[recordKey]ledger.FeeRecordID),
		obligations:    make(map[ledger.ObligationID]ledger.MonthlyObligation),
		obligationKeys: make(map[obligationKey]ledger.ObligationID),
		payments:       make(map[ledger.PaymentID]ledger.Payment),
		idempotency:    make(map[string]ledger.PaymentID),
		allocations:    make(map[ledger.AllocationID]ledger.Allocation),
		reversalOf:     make(map[ledger.AllocationID]ledger.AllocationID),
		students:       make(map[ledger.StudentID]ledger.Student),
		structures:     make(map[structureKey]ledger.FeeStructureRecord),
	}
}

// clone copies every table. Rows are values, so a shallow copy per map is
// enough for rollback.
func (s *state) clone() *state {
	c := &state{
		feeRecords:      copyMap(s.feeRecords),
		recordOrder:     append([]ledger.FeeRecordID(nil), s.recordOrder...),
		recordKeys:      copyMap(s.recordKeys),
		obligations:     copyMap(s.obligations),
		obligationKeys:  copyMap(s.obligationKeys),
		payments:        copyMap(s.payments),
		paymentOrder:    append([]ledger.PaymentID(nil), s.paymentOrder...),
		idempotency:     copyMap(s.idempotency),
		allocations:     copyMap(s.allocations),
		allocationOrder: append([]ledger.AllocationID(nil), s.allocationOrder...),
		reversalOf:      copyMap(s.reversalOf),
		audit:           append([]ledger.AuditEntry(nil), s.audit...),
		students:        copyMap(s.students),
		structures:      copyMap(s.structures),
	}
	return c
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// =============================================================================
// FEE RECORDS
// =============================================================================

func (s *state) GetFeeRecord(_ context.Context, id ledger.FeeRecordID) (*ledger.FeeRecord, error) {
	rec, ok := s.feeRecords[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// LockFeeRecord is a plain read: transactions are already serialized.
func (s *state) LockFeeRecord(ctx context.Context, id ledger.FeeRecordID) (*ledger.FeeRecord, error) {
	return s.GetFeeRecord(ctx, id)
}

func (s *state) FindFeeRecord(_ context.Context, studentID ledger.StudentID, sessionYearID string) (*ledger.FeeRecord, error) {
	id, ok := s.recordKeys[recordKey{StudentID: studentID, SessionYearID: sessionYearID}]
	if !ok {
		return nil, nil
	}
	rec := s.feeRecords[id]
	return &rec, nil
}

func (s *state) ListFeeRecords(_ context.Context, filter ledger.FeeRecordFilter) ([]ledger.FeeRecord, error) {
	var out []ledger.FeeRecord
	for _, id := range s.recordOrder {
		rec := s.feeRecords[id]
		if filter.TrackingEnabled != nil && rec.TrackingEnabled != *filter.TrackingEnabled {
			continue
		}
		if filter.StudentID != nil && rec.StudentID != *filter.StudentID {
			continue
		}
		if filter.SessionYearID != nil && rec.SessionYearID != *filter.SessionYearID {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *state) InsertFeeRecord(_ context.Context, rec ledger.FeeRecord) error {
	if _, ok := s.feeRecords[rec.ID]; ok {
		return fmt.Errorf("fee record %s: %w", rec.ID, ledger.ErrDuplicate)
	}
	k := recordKey{StudentID: rec.StudentID, SessionYearID: rec.SessionYearID}
	if _, ok := s.recordKeys[k]; ok {
		return fmt.Errorf("fee record for student %s in session %s: %w", rec.StudentID, rec.SessionYearID, ledger.ErrDuplicate)
	}
	s.feeRecords[rec.ID] = rec
	s.recordKeys[k] = rec.ID
	s.recordOrder = append(s.recordOrder, rec.ID)
	return nil
}

func (s *state) UpdateFeeRecord(_ context.Context, rec ledger.FeeRecord) error {
	if _, ok := s.feeRecords[rec.ID]; !ok {
		return &ledger.NotFoundError{Kind: "fee record", ID: string(rec.ID)}
	}
	s.feeRecords[rec.ID] = rec
	return nil
}

// =============================================================================
// OBLIGATIONS
// =============================================================================

func (s *state) ListObligations(_ context.Context, feeRecordID ledger.FeeRecordID) ([]ledger.MonthlyObligation, error) {
	var out []ledger.MonthlyObligation
	for _, o := range s.obligations {
		if o.FeeRecordID == feeRecordID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Period().Before(out[j].Period())
	})
	return out, nil
}

func (s *state) InsertObligation(_ context.Context, o ledger.MonthlyObligation) (bool, error) {
	if _, ok := s.feeRecords[o.FeeRecordID]; !ok {
		return false, &ledger.NotFoundError{Kind: "fee record", ID: string(o.FeeRecordID)}
	}
	k := obligationKey{FeeRecordID: o.FeeRecordID, Month: o.AcademicMonth, Year: o.AcademicYear}
	if _, ok := s.obligationKeys[k]; ok {
		return false, nil
	}
	s.obligations[o.ID] = o
	s.obligationKeys[k] = o.ID
	return true, nil
}

func (s *state) UpdateObligation(_ context.Context, o ledger.MonthlyObligation) error {
	if _, ok := s.obligations[o.ID]; !ok {
		return &ledger.NotFoundError{Kind: "obligation", ID: string(o.ID)}
	}
	s.obligations[o.ID] = o
	return nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (s *state) InsertPayment(_ context.Context, p ledger.Payment) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if _, ok := s.feeRecords[p.FeeRecordID]; !ok {
		return &ledger.NotFoundError{Kind: "fee record", ID: string(p.FeeRecordID)}
	}
	if _, ok := s.payments[p.ID]; ok {
		return fmt.Errorf("payment %s: %w", p.ID, ledger.ErrDuplicate)
	}
	if p.IsReversal {
		if _, ok := s.payments[p.ReversesPaymentID]; !ok {
			return &ledger.InvalidReversalLinkError{Kind: "payment", ID: string(p.ID), Reason: "reverses unknown payment " + string(p.ReversesPaymentID)}
		}
	}
	if p.IdempotencyKey != "" {
		if _, ok := s.idempotency[p.IdempotencyKey]; ok {
			return fmt.Errorf("idempotency key %q: %w", p.IdempotencyKey, ledger.ErrDuplicate)
		}
		s.idempotency[p.IdempotencyKey] = p.ID
	}
	s.payments[p.ID] = p
	s.paymentOrder = append(s.paymentOrder, p.ID)
	return nil
}

func (s *state) GetPayment(_ context.Context, id ledger.PaymentID) (*ledger.Payment, error) {
	p, ok := s.payments[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *state) FindPaymentByIdempotencyKey(ctx context.Context, key string) (*ledger.Payment, error) {
	id, ok := s.idempotency[key]
	if !ok {
		return nil, nil
	}
	return s.GetPayment(ctx, id)
}

func (s *state) ListPayments(_ context.Context, feeRecordID ledger.FeeRecordID) ([]ledger.Payment, error) {
	var out []ledger.Payment
	for _, id := range s.paymentOrder {
		if p := s.payments[id]; p.FeeRecordID == feeRecordID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *state) ListReversalsOf(_ context.Context, originalID ledger.PaymentID) ([]ledger.Payment, error) {
	var out []ledger.Payment
	for _, id := range s.paymentOrder {
		if p := s.payments[id]; p.IsReversal && p.ReversesPaymentID == originalID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *state) SetPaymentReversedBy(_ context.Context, id, reversedBy ledger.PaymentID) error {
	p, ok := s.payments[id]
	if !ok {
		return &ledger.NotFoundError{Kind: "payment", ID: string(id)}
	}
	if p.ReversedByPaymentID != "" {
		return &ledger.AlreadyReversedError{Kind: "payment", ID: string(id), ReversedBy: string(p.ReversedByPaymentID)}
	}
	p.ReversedByPaymentID = reversedBy
	s.payments[id] = p
	return nil
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

func (s *state) InsertAllocation(_ context.Context, a ledger.Allocation) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if _, ok := s.payments[a.PaymentID]; !ok {
		return &ledger.NotFoundError{Kind: "payment", ID: string(a.PaymentID)}
	}
	if _, ok := s.obligations[a.ObligationID]; !ok {
		return &ledger.NotFoundError{Kind: "obligation", ID: string(a.ObligationID)}
	}
	if _, ok := s.allocations[a.ID]; ok {
		return fmt.Errorf("allocation %s: %w", a.ID, ledger.ErrDuplicate)
	}
	if a.IsReversal {
		if _, ok := s.allocations[a.ReversesAllocationID]; !ok {
			return &ledger.InvalidReversalLinkError{Kind: "allocation", ID: string(a.ID), Reason: "reverses unknown allocation " + string(a.ReversesAllocationID)}
		}
		if existing, ok := s.reversalOf[a.ReversesAllocationID]; ok {
			return &ledger.AlreadyReversedError{Kind: "allocation", ID: string(a.ReversesAllocationID), ReversedBy: string(existing)}
		}
		s.reversalOf[a.ReversesAllocationID] = a.ID
	}
	s.allocations[a.ID] = a
	s.allocationOrder = append(s.allocationOrder, a.ID)
	return nil
}

func (s *state) GetAllocation(_ context.Context, id ledger.AllocationID) (*ledger.Allocation, error) {
	a, ok := s.allocations[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *state) ListAllocationsByPayment(_ context.Context, paymentID ledger.PaymentID) ([]ledger.Allocation, error) {
	return s.filterAllocations(func(a ledger.Allocation) bool { return a.PaymentID == paymentID }), nil
}

func (s *state) ListAllocationsByFeeRecord(_ context.Context, feeRecordID ledger.FeeRecordID) ([]ledger.Allocation, error) {
	return s.filterAllocations(func(a ledger.Allocation) bool { return a.FeeRecordID == feeRecordID }), nil
}

func (s *state) FindReversalOf(ctx context.Context, id ledger.AllocationID) (*ledger.Allocation, error) {
	revID, ok := s.reversalOf[id]
	if !ok {
		return nil, nil
	}
	return s.GetAllocation(ctx, revID)
}

func (s *state) filterAllocations(keep func(ledger.Allocation) bool) []ledger.Allocation {
	var out []ledger.Allocation
	for _, id := range s.allocationOrder {
		if a := s.allocations[id]; keep(a) {
			out = append(out, a)
		}
	}
	return out
}

// =============================================================================
// AUDIT
// =============================================================================

func (s *state) AppendAudit(_ context.Context, entry ledger.AuditEntry) error {
	s.audit = append(s.audit, entry)
	return nil
}

func (s *state) QueryAudit(_ context.Context, filter ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	var out []ledger.AuditEntry
	for _, e := range s.audit {
		if filter.FeeRecordID != nil && e.FeeRecordID != *filter.FeeRecordID {
			continue
		}
		if filter.RecordID != nil && e.RecordID != *filter.RecordID {
			continue
		}
		if len(filter.Actions) > 0 && !containsAction(filter.Actions, e.Action) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func containsAction(actions []ledger.AuditAction, a ledger.AuditAction) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}

// =============================================================================
// DIRECTORY
// =============================================================================

func (s *state) SaveStudent(_ context.Context, st ledger.Student) error {
	if st.DeletedAt == nil {
		for id, other := range s.students {
			if id != st.ID && other.DeletedAt == nil && other.AdmissionNo == st.AdmissionNo {
				return fmt.Errorf("admission number %q: %w", st.AdmissionNo, ledger.ErrDuplicate)
			}
		}
	}
	s.students[st.ID] = st
	return nil
}

func (s *state) GetStudent(_ context.Context, id ledger.StudentID) (*ledger.Student, error) {
	st, ok := s.students[id]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *state) SoftDeleteStudent(_ context.Context, id ledger.StudentID, at time.Time) error {
	st, ok := s.students[id]
	if !ok || st.DeletedAt != nil {
		return &ledger.NotFoundError{Kind: "student", ID: string(id)}
	}
	st.DeletedAt = &at
	s.students[id] = st
	return nil
}

func (s *state) SaveFeeStructure(_ context.Context, fs ledger.FeeStructureRecord) error {
	s.structures[structureKey{ClassID: fs.ClassID, SessionYearID: fs.SessionYearID}] = fs
	return nil
}

func (s *state) GetFeeStructure(_ context.Context, classID, sessionYearID string) (*ledger.FeeStructureRecord, error) {
	fs, ok := s.structures[structureKey{ClassID: classID, SessionYearID: sessionYearID}]
	if !ok {
		return nil, nil
	}
	return &fs, nil
}

func (s *state) ListFeeStructures(_ context.Context, sessionYearID string) ([]ledger.FeeStructureRecord, error) {
	var out []ledger.FeeStructureRecord
	for _, fs := range s.structures {
		if fs.SessionYearID == sessionYearID {
			out = append(out, fs)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClassID < out[j].ClassID })
	return out, nil
}

// =============================================================================
// LOCKED ACCESS
// =============================================================================

func (m *Memory) GetFeeRecord(ctx context.Context, id ledger.FeeRecordID) (*ledger.FeeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetFeeRecord(ctx, id)
}

func (m *Memory) LockFeeRecord(ctx context.Context, id ledger.FeeRecordID) (*ledger.FeeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.LockFeeRecord(ctx, id)
}

func (m *Memory) FindFeeRecord(ctx context.Context, studentID ledger.StudentID, sessionYearID string) (*ledger.FeeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.FindFeeRecord(ctx, studentID, sessionYearID)
}

func (m *Memory) ListFeeRecords(ctx context.Context, filter ledger.FeeRecordFilter) ([]ledger.FeeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListFeeRecords(ctx, filter)
}

func (m *Memory) InsertFeeRecord(ctx context.Context, rec ledger.FeeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.InsertFeeRecord(ctx, rec)
}

func (m *Memory) UpdateFeeRecord(ctx context.Context, rec ledger.FeeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdateFeeRecord(ctx, rec)
}

func (m *Memory) ListObligations(ctx context.Context, feeRecordID ledger.FeeRecordID) ([]ledger.MonthlyObligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListObligations(ctx, feeRecordID)
}

func (m *Memory) InsertObligation(ctx context.Context, o ledger.MonthlyObligation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.InsertObligation(ctx, o)
}

func (m *Memory) UpdateObligation(ctx context.Context, o ledger.MonthlyObligation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdateObligation(ctx, o)
}

func (m *Memory) InsertPayment(ctx context.Context, p ledger.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.InsertPayment(ctx, p)
}

func (m *Memory) GetPayment(ctx context.Context, id ledger.PaymentID) (*ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetPayment(ctx, id)
}

func (m *Memory) FindPaymentByIdempotencyKey(ctx context.Context, key string) (*ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.FindPaymentByIdempotencyKey(ctx, key)
}

func (m *Memory) ListPayments(ctx context.Context, feeRecordID ledger.FeeRecordID) ([]ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListPayments(ctx, feeRecordID)
}

func (m *Memory) ListReversalsOf(ctx context.Context, originalID ledger.PaymentID) ([]ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListReversalsOf(ctx, originalID)
}

func (m *Memory) SetPaymentReversedBy(ctx context.Context, id, reversedBy ledger.PaymentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SetPaymentReversedBy(ctx, id, reversedBy)
}

func (m *Memory) InsertAllocation(ctx context.Context, a ledger.Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.InsertAllocation(ctx, a)
}

func (m *Memory) GetAllocation(ctx context.Context, id ledger.AllocationID) (*ledger.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetAllocation(ctx, id)
}

func (m *Memory) ListAllocationsByPayment(ctx context.Context, paymentID ledger.PaymentID) ([]ledger.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListAllocationsByPayment(ctx, paymentID)
}

func (m *Memory) ListAllocationsByFeeRecord(ctx context.Context, feeRecordID ledger.FeeRecordID) ([]ledger.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListAllocationsByFeeRecord(ctx, feeRecordID)
}

func (m *Memory) FindReversalOf(ctx context.Context, id ledger.AllocationID) (*ledger.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.FindReversalOf(ctx, id)
}

func (m *Memory) AppendAudit(ctx context.Context, entry ledger.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.AppendAudit(ctx, entry)
}

func (m *Memory) QueryAudit(ctx context.Context, filter ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.QueryAudit(ctx, filter)
}

func (m *Memory) SaveStudent(ctx context.Context, st ledger.Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveStudent(ctx, st)
}

func (m *Memory) GetStudent(ctx context.Context, id ledger.StudentID) (*ledger.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetStudent(ctx, id)
}

func (m *Memory) SoftDeleteStudent(ctx context.Context, id ledger.StudentID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SoftDeleteStudent(ctx, id, at)
}

func (m *Memory) SaveFeeStructure(ctx context.Context, fs ledger.FeeStructureRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveFeeStructure(ctx, fs)
}

func (m *Memory) GetFeeStructure(ctx context.Context, classID, sessionYearID string) (*ledger.FeeStructureRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetFeeStructure(ctx, classID, sessionYearID)
}

func (m *Memory) ListFeeStructures(ctx context.Context, sessionYearID string) ([]ledger.FeeStructureRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListFeeStructures(ctx, sessionYearID)
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// Transactions hold the write lock for their whole duration, so they are
// serialized store-wide, and fn must only use the Store it is given.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	// Run against a copy; commit by swapping it in.
	work := tm.st.clone()
	if err := fn(work); err != nil {
		return err
	}
	tm.st = work
	return nil
}

var (
	_ ledger.TxStore = (*TxMemory)(nil)
	_ ledger.Store   = (*state)(nil)
)
