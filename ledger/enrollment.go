package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// StudentResult is the outcome of enrollment for one student. Err is set
// instead of failing the batch.
type StudentResult struct {
	StudentID   StudentID   `json:"student_id"`
	FeeRecordID FeeRecordID `json:"fee_record_id,omitempty"`
	// RecordCreated is true when the fee record did not exist before.
	RecordCreated bool `json:"record_created"`
	// ObligationsCreated counts months created by this call.
	ObligationsCreated int   `json:"obligations_created"`
	Err                error `json:"-"`
}

// EnableTrackingForStudents creates a fee record (from the class fee
// structure) where missing and generates its schedule, for each student.
// Students run in parallel up to BatchConcurrency; a single student's
// generation is never split. Only invalid arguments fail the whole call.
func (e *Engine) EnableTrackingForStudents(ctx context.Context, studentIDs []StudentID, sessionYearID string, startMonth, startYear int) ([]StudentResult, error) {
	if sessionYearID == "" {
		return nil, &ValidationError{Field: "session_year_id", Message: "is required"}
	}
	if _, err := NewAcademicMonth(startMonth, startYear); err != nil {
		return nil, err
	}

	results := make([]StudentResult, len(studentIDs))
	g, gctx := errgroup.WithContext(ctx)
	limit := e.cfg.BatchConcurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	for i, id := range studentIDs {
		i, id := i, id
		g.Go(func() error {
			results[i] = e.enrollStudent(gctx, id, sessionYearID, startMonth, startYear)
			// Per-student failures are data; only cancellation stops the batch.
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}

	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	e.log.Info("tracking enabled for students",
		zap.String("session_year_id", sessionYearID),
		zap.Int("students", len(studentIDs)),
		zap.Int("failed", failed),
	)
	return results, nil
}

func (e *Engine) enrollStudent(ctx context.Context, id StudentID, sessionYearID string, startMonth, startYear int) StudentResult {
	result := StudentResult{StudentID: id}

	rec, created, err := e.ensureFeeRecord(ctx, id, sessionYearID)
	if err != nil {
		result.Err = err
		e.log.Warn("enrollment failed",
			zap.String("student_id", string(id)),
			zap.String("session_year_id", sessionYearID),
			zap.Error(err),
		)
		return result
	}
	result.FeeRecordID = rec.ID
	result.RecordCreated = created

	n, err := e.GenerateSchedule(ctx, rec.ID, startMonth, startYear)
	if err != nil {
		result.Err = err
		e.log.Warn("schedule generation failed",
			zap.String("student_id", string(id)),
			zap.String("fee_record_id", string(rec.ID)),
			zap.Error(err),
		)
		return result
	}
	result.ObligationsCreated = n
	return result
}

// ensureFeeRecord returns the student's fee record for the session,
// creating it from the fee structure of the student's class if absent.
func (e *Engine) ensureFeeRecord(ctx context.Context, id StudentID, sessionYearID string) (*FeeRecord, bool, error) {
	rec, err := e.store.FindFeeRecord(ctx, id, sessionYearID)
	if err != nil {
		return nil, false, err
	}
	if rec != nil {
		return rec, false, nil
	}

	student, err := e.store.GetStudent(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if student == nil || student.DeletedAt != nil {
		return nil, false, &NotFoundError{Kind: "student", ID: string(id)}
	}

	total, err := e.structures.AnnualFee(ctx, student.ClassID, sessionYearID)
	if err != nil {
		return nil, false, fmt.Errorf("student %s: %w", id, err)
	}
	if !total.IsPositive() {
		return nil, false, &ValidationError{Field: "total_amount", Message: fmt.Sprintf("fee structure for class %s is %s", student.ClassID, total)}
	}

	now := e.now().UTC()
	rec = &FeeRecord{
		ID:               FeeRecordID(e.newID()),
		StudentID:        id,
		ClassID:          student.ClassID,
		SessionYearID:    sessionYearID,
		TotalAmount:      total,
		PaidAmount:       decimal.Zero,
		WaiverPercentage: decimal.Zero,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err = e.insertFeeRecord(ctx, rec)
	if errors.Is(err, ErrDuplicate) {
		// Another caller created it first.
		existing, ferr := e.store.FindFeeRecord(ctx, id, sessionYearID)
		if ferr != nil {
			return nil, false, ferr
		}
		if existing == nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create fee record for student %s: %w", id, err)
	}
	return rec, true, nil
}

// CreateFeeRecord stores a fee record without a schedule. Tracking is
// enabled later by GenerateSchedule.
func (e *Engine) CreateFeeRecord(ctx context.Context, studentID StudentID, classID, sessionYearID string, total decimal.Decimal) (*FeeRecord, error) {
	if studentID == "" {
		return nil, &ValidationError{Field: "student_id", Message: "is required"}
	}
	if sessionYearID == "" {
		return nil, &ValidationError{Field: "session_year_id", Message: "is required"}
	}
	if !total.IsPositive() {
		return nil, &ValidationError{Field: "total_amount", Message: "must be positive"}
	}
	now := e.now().UTC()
	rec := &FeeRecord{
		ID:               FeeRecordID(e.newID()),
		StudentID:        studentID,
		ClassID:          classID,
		SessionYearID:    sessionYearID,
		TotalAmount:      total,
		PaidAmount:       decimal.Zero,
		WaiverPercentage: decimal.Zero,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.insertFeeRecord(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (e *Engine) insertFeeRecord(ctx context.Context, rec *FeeRecord) error {
	return e.store.WithTx(ctx, func(s Store) error {
		if err := s.InsertFeeRecord(ctx, *rec); err != nil {
			return err
		}
		return e.audit.Record(ctx, s, AuditRecord{
			FeeRecordID: rec.ID,
			Table:       TableFeeRecords,
			RecordID:    string(rec.ID),
			Action:      AuditCreated,
			Actor:       e.actor(ctx),
			After:       *rec,
		})
	})
}
