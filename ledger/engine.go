/*
engine.go - Public entry points of the fee ledger

PURPOSE:
  Engine wires the components (ScheduleGenerator, AllocationEngine,
  ReversalManager, WaiverAdjuster, AuditRecorder) to a TxStore and makes
  every per-record operation atomic and serialized.

EXECUTION MODEL (per fee record):
  1. take the in-process lock for the fee record (timeout -> ErrContention)
  2. open a store transaction
  3. lock and re-read the fee record row inside the transaction
  4. run the component
  5. commit, or roll back everything on any error
  Contention is retried MaxRetries times with linear backoff before it is
  returned. Operations on different fee records do not wait on each other.

OPERATIONS:
  GenerateSchedule          12 monthly obligations, idempotent
  RecordPayment             insert payment + allocate, idempotent by key
  ApplyPayment              RecordPayment with a generated key
  ReverseFull               reverse a whole payment
  ReversePartialAllocation  reverse one allocation
  ApplyWaiver               percentage waiver
  EnableTrackingForStudents batch enrollment (enrollment.go)
  MarkOverdue               overdue sweep (overdue.go)

SEE ALSO:
  - store.go: the transactional store contract
  - errors.go: error taxonomy
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

type Config struct {
	// DueDay is the day of month each obligation falls due.
	DueDay int
	// LockTimeout bounds how long an operation waits for its fee record.
	LockTimeout time.Duration
	// MaxRetries is how many times contention is retried before surfacing.
	MaxRetries int
	// RetryBackoff is multiplied by the attempt number between retries.
	RetryBackoff time.Duration
	// BatchConcurrency bounds parallel students in EnableTrackingForStudents.
	BatchConcurrency int
	// LateFee is added once to an obligation when it is first swept overdue.
	LateFee decimal.Decimal
	// SystemActor is recorded when the context carries no actor.
	SystemActor string
}

func DefaultConfig() Config {
	return Config{
		DueDay:           10,
		LockTimeout:      5 * time.Second,
		MaxRetries:       3,
		RetryBackoff:     50 * time.Millisecond,
		BatchConcurrency: 4,
		LateFee:          decimal.Zero,
		SystemActor:      "system",
	}
}

// FeeStructureProvider supplies the annual fee of a class in a session.
// A missing structure is reported as a NotFoundError.
type FeeStructureProvider interface {
	AnnualFee(ctx context.Context, classID, sessionYearID string) (decimal.Decimal, error)
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store      TxStore
	structures FeeStructureProvider
	cfg        Config
	log        *zap.Logger
	now        func() time.Time
	newID      func() string
	locks      *recordLocks

	audit     *AuditRecorder
	schedule  *ScheduleGenerator
	allocator *AllocationEngine
	reversals *ReversalManager
	waivers   *WaiverAdjuster
}

type Option func(*Engine)

func WithConfig(cfg Config) Option { return func(e *Engine) { e.cfg = cfg } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithIDGenerator(newID func() string) Option { return func(e *Engine) { e.newID = newID } }

func WithFeeStructures(p FeeStructureProvider) Option {
	return func(e *Engine) { e.structures = p }
}

func NewEngine(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		cfg:   DefaultConfig(),
		log:   zap.NewNop(),
		now:   time.Now,
		newID: uuid.NewString,
		locks: newRecordLocks(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.structures == nil {
		e.structures = &storedFeeStructures{dir: store}
	}
	if e.cfg.SystemActor == "" {
		e.cfg.SystemActor = "system"
	}

	e.audit = NewAuditRecorder(e.now, e.newID)
	e.schedule = NewScheduleGenerator(e.cfg.DueDay, e.audit, e.now, e.newID)
	e.allocator = NewAllocationEngine(e.audit, e.now, e.newID)
	e.reversals = NewReversalManager(e.allocator, e.audit, e.now, e.newID)
	e.waivers = NewWaiverAdjuster(e.audit, e.now)
	return e
}

// Store exposes the underlying store for read-only views.
func (e *Engine) Store() TxStore { return e.store }

func (e *Engine) Config() Config { return e.cfg }

// =============================================================================
// ACTOR
// =============================================================================

type actorKey struct{}

// WithActor attaches the acting user to ctx for audit entries.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func ActorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

func (e *Engine) actor(ctx context.Context) string {
	if a := ActorFrom(ctx); a != "" {
		return a
	}
	return e.cfg.SystemActor
}

// =============================================================================
// SCHEDULE
// =============================================================================

// GenerateSchedule creates the twelve monthly obligations of a fee record
// starting at startMonth/startYear and enables tracking. It returns how
// many obligations were actually created.
func (e *Engine) GenerateSchedule(ctx context.Context, id FeeRecordID, startMonth, startYear int) (int, error) {
	start, err := NewAcademicMonth(startMonth, startYear)
	if err != nil {
		return 0, err
	}

	var created int
	err = e.withFeeRecord(ctx, id, func(s Store, rec *FeeRecord) error {
		n, err := e.schedule.Generate(ctx, s, rec, start, e.actor(ctx))
		created = n
		return err
	})
	if err != nil {
		return 0, err
	}
	e.log.Info("schedule generated",
		zap.String("fee_record_id", string(id)),
		zap.Stringer("start", start),
		zap.Int("created", created),
	)
	return created, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PaymentIntake is a payment captured by the intake collaborator.
// Method semantics are not validated; only the amount must be positive.
type PaymentIntake struct {
	FeeRecordID    FeeRecordID
	Amount         decimal.Decimal
	Method         string
	PaidAt         time.Time
	TransactionRef string
	// IdempotencyKey makes retries safe: a key that was already recorded
	// returns the earlier payment and its allocations without reapplying.
	IdempotencyKey string
	CreatedBy      string
}

// RecordPayment inserts the payment and allocates it in one transaction.
// Fee records without tracking keep the payment but get no allocations.
func (e *Engine) RecordPayment(ctx context.Context, in PaymentIntake) (ApplyResult, error) {
	if !in.Amount.IsPositive() {
		return ApplyResult{}, &ValidationError{Field: "amount", Message: "must be positive"}
	}
	actor := in.CreatedBy
	if actor == "" {
		actor = e.actor(ctx)
	}
	paymentID := PaymentID(e.newID())
	paidAt := in.PaidAt
	if paidAt.IsZero() {
		paidAt = e.now()
	}

	var result ApplyResult
	err := e.withFeeRecord(ctx, in.FeeRecordID, func(s Store, rec *FeeRecord) error {
		if in.IdempotencyKey != "" {
			existing, err := s.FindPaymentByIdempotencyKey(ctx, in.IdempotencyKey)
			if err != nil {
				return fmt.Errorf("look up idempotency key: %w", err)
			}
			if existing != nil {
				if existing.FeeRecordID != rec.ID {
					return &ValidationError{Field: "idempotency_key", Message: "already used for another fee record"}
				}
				allocations, err := s.ListAllocationsByPayment(ctx, existing.ID)
				if err != nil {
					return fmt.Errorf("load allocations of payment %s: %w", existing.ID, err)
				}
				result = ApplyResult{Payment: *existing, Allocations: originalsOnly(allocations), Unallocated: decimal.Zero, Replayed: true}
				return nil
			}
		}

		p := Payment{
			ID:             paymentID,
			FeeRecordID:    rec.ID,
			Amount:         in.Amount,
			Method:         in.Method,
			PaidAt:         paidAt.UTC(),
			TransactionRef: in.TransactionRef,
			IdempotencyKey: in.IdempotencyKey,
			CreatedBy:      actor,
			CreatedAt:      e.now().UTC(),
		}
		if err := s.InsertPayment(ctx, p); err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}

		if !rec.TrackingEnabled {
			result = ApplyResult{Payment: p, Unallocated: p.Amount}
			return e.audit.Record(ctx, s, AuditRecord{
				FeeRecordID: rec.ID,
				Table:       TablePayments,
				RecordID:    string(p.ID),
				Action:      AuditCreated,
				Actor:       actor,
				After:       p,
			})
		}

		r, err := e.allocator.Apply(ctx, s, rec, p, actor)
		result = r
		return err
	})
	if err != nil {
		return ApplyResult{}, err
	}

	e.log.Info("payment recorded",
		zap.String("fee_record_id", string(in.FeeRecordID)),
		zap.String("payment_id", string(result.Payment.ID)),
		zap.String("amount", result.Payment.Amount.String()),
		zap.Int("allocations", len(result.Allocations)),
		zap.String("unallocated", result.Unallocated.String()),
		zap.Bool("replayed", result.Replayed),
	)
	if result.Unallocated.IsPositive() && !result.Replayed {
		e.log.Warn("payment exceeds outstanding balance",
			zap.String("fee_record_id", string(in.FeeRecordID)),
			zap.String("payment_id", string(result.Payment.ID)),
			zap.String("unallocated", result.Unallocated.String()),
		)
	}
	return result, nil
}

// ApplyPayment records and allocates a payment of amount against the fee record.
func (e *Engine) ApplyPayment(ctx context.Context, id FeeRecordID, amount decimal.Decimal) (Payment, []Allocation, error) {
	r, err := e.RecordPayment(ctx, PaymentIntake{FeeRecordID: id, Amount: amount})
	if err != nil {
		return Payment{}, nil, err
	}
	return r.Payment, r.Allocations, nil
}

// =============================================================================
// REVERSALS
// =============================================================================

// ReverseFull reverses every remaining allocation of a payment.
func (e *Engine) ReverseFull(ctx context.Context, originalID PaymentID, reasonID, details, actingUser string) (*Payment, error) {
	if reasonID == "" {
		return nil, &InvalidReversalLinkError{Kind: "payment", ID: string(originalID), Reason: "reversal reason is required"}
	}
	p, err := e.store.GetPayment(ctx, originalID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, &NotFoundError{Kind: "payment", ID: string(originalID)}
	}

	req := ReversalRequest{ReasonID: reasonID, Details: details, Actor: e.actorOr(ctx, actingUser)}
	var reversal *Payment
	var reversed []Allocation
	err = e.withFeeRecord(ctx, p.FeeRecordID, func(s Store, rec *FeeRecord) error {
		original, err := s.GetPayment(ctx, originalID)
		if err != nil {
			return err
		}
		if original == nil {
			return &NotFoundError{Kind: "payment", ID: string(originalID)}
		}
		reversal, reversed, err = e.reversals.ReverseFull(ctx, s, rec, original, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("payment reversed",
		zap.String("fee_record_id", string(p.FeeRecordID)),
		zap.String("payment_id", string(originalID)),
		zap.String("reversal_id", string(reversal.ID)),
		zap.Int("allocations", len(reversed)),
	)
	return reversal, nil
}

// ReversePartialAllocation reverses one allocation of a payment.
func (e *Engine) ReversePartialAllocation(ctx context.Context, allocationID AllocationID, reasonID, details, actingUser string) (*Payment, error) {
	if reasonID == "" {
		return nil, &InvalidReversalLinkError{Kind: "allocation", ID: string(allocationID), Reason: "reversal reason is required"}
	}
	a, err := e.store.GetAllocation(ctx, allocationID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, &NotFoundError{Kind: "allocation", ID: string(allocationID)}
	}

	req := ReversalRequest{ReasonID: reasonID, Details: details, Actor: e.actorOr(ctx, actingUser)}
	var reversal *Payment
	err = e.withFeeRecord(ctx, a.FeeRecordID, func(s Store, rec *FeeRecord) error {
		alloc, err := s.GetAllocation(ctx, allocationID)
		if err != nil {
			return err
		}
		if alloc == nil {
			return &NotFoundError{Kind: "allocation", ID: string(allocationID)}
		}
		reversal, _, err = e.reversals.ReversePartial(ctx, s, rec, alloc, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("allocation reversed",
		zap.String("fee_record_id", string(a.FeeRecordID)),
		zap.String("allocation_id", string(allocationID)),
		zap.String("reversal_id", string(reversal.ID)),
	)
	return reversal, nil
}

func (e *Engine) actorOr(ctx context.Context, actor string) string {
	if actor != "" {
		return actor
	}
	return e.actor(ctx)
}

// =============================================================================
// WAIVERS
// =============================================================================

// ApplyWaiver applies or changes the waiver percentage of a fee record.
func (e *Engine) ApplyWaiver(ctx context.Context, id FeeRecordID, percentage decimal.Decimal, reason string) error {
	if err := ValidatePercentage(percentage); err != nil {
		return err
	}
	var changed int
	err := e.withFeeRecord(ctx, id, func(s Store, rec *FeeRecord) error {
		after, err := e.waivers.Apply(ctx, s, rec, percentage, reason, e.actor(ctx))
		changed = len(after)
		return err
	})
	if err != nil {
		return err
	}
	e.log.Info("waiver applied",
		zap.String("fee_record_id", string(id)),
		zap.String("percentage", percentage.String()),
		zap.Int("obligations", changed),
	)
	return nil
}

// CheckConservation runs the ledger invariant check for one fee record.
func (e *Engine) CheckConservation(ctx context.Context, id FeeRecordID) error {
	return CheckConservation(ctx, e.store, id)
}

// =============================================================================
// EXECUTION
// =============================================================================

// withFeeRecord runs fn atomically with the fee record locked, retrying
// contention up to MaxRetries times.
func (e *Engine) withFeeRecord(ctx context.Context, id FeeRecordID, fn func(Store, *FeeRecord) error) error {
	var err error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			e.log.Warn("retrying after contention",
				zap.String("fee_record_id", string(id)),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			select {
			case <-time.After(e.cfg.RetryBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = e.runLocked(ctx, id, fn)
		if !IsRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("fee record %s: gave up after %d attempts: %w", id, e.cfg.MaxRetries+1, err)
}

func (e *Engine) runLocked(ctx context.Context, id FeeRecordID, fn func(Store, *FeeRecord) error) error {
	release, err := e.locks.acquire(ctx, id, e.cfg.LockTimeout)
	if err != nil {
		return err
	}
	defer release()

	return e.store.WithTx(ctx, func(s Store) error {
		rec, err := s.LockFeeRecord(ctx, id)
		if err != nil {
			return err
		}
		if rec == nil {
			return &NotFoundError{Kind: "fee record", ID: string(id)}
		}
		return fn(s, rec)
	})
}

// =============================================================================
// DEFAULT FEE STRUCTURE PROVIDER
// =============================================================================

type storedFeeStructures struct {
	dir Directory
}

func (p *storedFeeStructures) AnnualFee(ctx context.Context, classID, sessionYearID string) (decimal.Decimal, error) {
	fs, err := p.dir.GetFeeStructure(ctx, classID, sessionYearID)
	if err != nil {
		return decimal.Zero, err
	}
	if fs == nil {
		return decimal.Zero, &NotFoundError{Kind: "fee structure", ID: classID + "/" + sessionYearID}
	}
	return fs.TotalAmount, nil
}
