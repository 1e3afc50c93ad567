/*
handlers.go - HTTP API handlers for the fee ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization and validation, and delegates to ledger.Engine.

ENDPOINTS:
  Fee records:
    GET    /api/fee-records                       List (student_id, session_year_id, tracking)
    POST   /api/fee-records                       Create fee record
    GET    /api/fee-records/{id}                  Get fee record
    POST   /api/fee-records/{id}/schedule         Generate 12 monthly obligations
    GET    /api/fee-records/{id}/obligations      Obligations with balances
    GET    /api/fee-records/{id}/payments         Payments (originals and reversals)
    POST   /api/fee-records/{id}/payments         Record and allocate a payment
    POST   /api/fee-records/{id}/waiver           Apply or change waiver
    GET    /api/fee-records/{id}/audit            Audit trail (action, limit)
    GET    /api/fee-records/{id}/conservation     Ledger consistency check

  Reversals:
    GET    /api/payments/{id}/allocations         Allocations of a payment
    POST   /api/payments/{id}/reverse             Full reversal
    POST   /api/allocations/{id}/reverse          Partial (one allocation) reversal

  Enrollment / directory:
    POST   /api/enrollments                       Batch enable tracking
    POST   /api/students                          Create student
    GET    /api/students/{id}                     Get student
    DELETE /api/students/{id}                     Soft-delete student
    GET    /api/fee-structures                    List (session_year_id)
    POST   /api/fee-structures                    Create or replace from JSON

  Admin:
    POST   /api/admin/overdue                     Run the overdue sweep now
    GET    /api/admin/overdue                     Scheduler status

ARCHITECTURE:
  Handler holds all dependencies:
  - Engine: every mutating ledger operation
  - Store: read-only views and the student / fee structure directory
  - Parser: fee structure JSON validation
  - Scheduler: optional, for overdue status

ERROR HANDLING:
  Errors are returned as JSON with the HTTP status from errorStatus:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Already reversed, duplicate
  - 422: Invalid reversal link
  - 503: Contention that outlived the engine's retries
  - 500: Internal errors

SECURITY NOTE:
  No authentication. The acting user is taken from the X-Actor-ID header
  and recorded in audit entries as given.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/fee-ledger/feestructure"
	"github.com/warp/fee-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

type Handler struct {
	Engine    *ledger.Engine
	Store     ledger.TxStore
	Parser    *feestructure.Parser
	Scheduler *OverdueScheduler

	validate *validator.Validate
	log      *zap.Logger
	now      func() time.Time
}

// NewHandler creates a handler around engine. log may be nil.
func NewHandler(engine *ledger.Engine, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Engine:   engine,
		Store:    engine.Store(),
		Parser:   feestructure.NewParser(),
		validate: validator.New(),
		log:      log,
		now:      time.Now,
	}
}

// =============================================================================
// FEE RECORD ENDPOINTS
// =============================================================================

func (h *Handler) ListFeeRecords(w http.ResponseWriter, r *http.Request) {
	var filter ledger.FeeRecordFilter
	q := r.URL.Query()
	if v := q.Get("student_id"); v != "" {
		id := ledger.StudentID(v)
		filter.StudentID = &id
	}
	if v := q.Get("session_year_id"); v != "" {
		filter.SessionYearID = &v
	}
	if v := q.Get("tracking"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.fail(w, r, "invalid tracking filter", &ledger.ValidationError{Field: "tracking", Message: "must be true or false"})
			return
		}
		filter.TrackingEnabled = &b
	}

	records, err := h.Store.ListFeeRecords(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "failed to list fee records", err)
		return
	}
	out := make([]FeeRecordDTO, 0, len(records))
	for _, rec := range records {
		out = append(out, toFeeRecordDTO(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CreateFeeRecord(w http.ResponseWriter, r *http.Request) {
	var req CreateFeeRecordRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	rec, err := h.Engine.CreateFeeRecord(r.Context(), ledger.StudentID(req.StudentID), req.ClassID, req.SessionYearID, req.TotalAmount)
	if err != nil {
		h.fail(w, r, "failed to create fee record", err)
		return
	}
	writeJSON(w, http.StatusCreated, toFeeRecordDTO(*rec))
}

func (h *Handler) GetFeeRecord(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadFeeRecord(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toFeeRecordDTO(*rec))
}

func (h *Handler) GenerateSchedule(w http.ResponseWriter, r *http.Request) {
	id := ledger.FeeRecordID(chi.URLParam(r, "id"))
	var req GenerateScheduleRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	created, err := h.Engine.GenerateSchedule(r.Context(), id, req.StartMonth, req.StartYear)
	if err != nil {
		h.fail(w, r, "failed to generate schedule", err)
		return
	}
	obligations, err := h.Store.ListObligations(r.Context(), id)
	if err != nil {
		h.fail(w, r, "failed to load obligations", err)
		return
	}

	status := http.StatusCreated
	if created == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, GenerateScheduleResponse{
		FeeRecordID: string(id),
		Created:     created,
		Obligations: toObligationDTOs(obligations),
	})
}

func (h *Handler) ListObligations(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadFeeRecord(w, r)
	if !ok {
		return
	}
	obligations, err := h.Store.ListObligations(r.Context(), rec.ID)
	if err != nil {
		h.fail(w, r, "failed to load obligations", err)
		return
	}
	writeJSON(w, http.StatusOK, toObligationDTOs(obligations))
}

func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadFeeRecord(w, r)
	if !ok {
		return
	}
	payments, err := h.Store.ListPayments(r.Context(), rec.ID)
	if err != nil {
		h.fail(w, r, "failed to load payments", err)
		return
	}
	if payments == nil {
		payments = []ledger.Payment{}
	}
	writeJSON(w, http.StatusOK, payments)
}

func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	id := ledger.FeeRecordID(chi.URLParam(r, "id"))
	var req RecordPaymentRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	key := req.IdempotencyKey
	if header := r.Header.Get("Idempotency-Key"); header != "" {
		if key != "" && key != header {
			h.fail(w, r, "conflicting idempotency keys", &ledger.ValidationError{Field: "idempotency_key", Message: "body and header differ"})
			return
		}
		key = header
	}

	intake := ledger.PaymentIntake{
		FeeRecordID:    id,
		Amount:         req.Amount,
		Method:         req.Method,
		TransactionRef: req.TransactionRef,
		IdempotencyKey: key,
	}
	if req.PaidAt != nil {
		intake.PaidAt = *req.PaidAt
	}

	result, err := h.Engine.RecordPayment(r.Context(), intake)
	if err != nil {
		h.fail(w, r, "failed to record payment", err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toPaymentResultDTO(result))
}

func (h *Handler) ApplyWaiver(w http.ResponseWriter, r *http.Request) {
	id := ledger.FeeRecordID(chi.URLParam(r, "id"))
	var req WaiverRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if err := h.Engine.ApplyWaiver(r.Context(), id, req.Percentage, req.Reason); err != nil {
		h.fail(w, r, "failed to apply waiver", err)
		return
	}

	rec, ok := h.loadFeeRecord(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toFeeRecordDTO(*rec))
}

func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadFeeRecord(w, r)
	if !ok {
		return
	}
	filter := ledger.AuditFilter{FeeRecordID: &rec.ID}
	for _, a := range r.URL.Query()["action"] {
		filter.Actions = append(filter.Actions, ledger.AuditAction(a))
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.fail(w, r, "invalid limit", &ledger.ValidationError{Field: "limit", Message: "must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}

	entries, err := h.Store.QueryAudit(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "failed to query audit log", err)
		return
	}
	if entries == nil {
		entries = []ledger.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) CheckConservation(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.loadFeeRecord(w, r)
	if !ok {
		return
	}
	dto := ConservationDTO{FeeRecordID: string(rec.ID), Consistent: true}
	if err := h.Engine.CheckConservation(r.Context(), rec.ID); err != nil {
		if !errors.Is(err, ledger.ErrInvariantViolation) {
			h.fail(w, r, "failed to check ledger", err)
			return
		}
		dto.Consistent = false
		dto.Detail = err.Error()
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// PAYMENT / ALLOCATION ENDPOINTS
// =============================================================================

func (h *Handler) ListAllocations(w http.ResponseWriter, r *http.Request) {
	id := ledger.PaymentID(chi.URLParam(r, "id"))
	p, err := h.Store.GetPayment(r.Context(), id)
	if err != nil {
		h.fail(w, r, "failed to load payment", err)
		return
	}
	if p == nil {
		h.fail(w, r, "payment not found", &ledger.NotFoundError{Kind: "payment", ID: string(id)})
		return
	}
	allocations, err := h.Store.ListAllocationsByPayment(r.Context(), id)
	if err != nil {
		h.fail(w, r, "failed to load allocations", err)
		return
	}
	if allocations == nil {
		allocations = []ledger.Allocation{}
	}
	writeJSON(w, http.StatusOK, allocations)
}

func (h *Handler) ReversePayment(w http.ResponseWriter, r *http.Request) {
	id := ledger.PaymentID(chi.URLParam(r, "id"))
	var req ReverseRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	reversal, err := h.Engine.ReverseFull(r.Context(), id, req.ReasonID, req.Details, req.ActingUser)
	if err != nil {
		h.fail(w, r, "failed to reverse payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, reversal)
}

func (h *Handler) ReverseAllocation(w http.ResponseWriter, r *http.Request) {
	id := ledger.AllocationID(chi.URLParam(r, "id"))
	var req ReverseRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	reversal, err := h.Engine.ReversePartialAllocation(r.Context(), id, req.ReasonID, req.Details, req.ActingUser)
	if err != nil {
		h.fail(w, r, "failed to reverse allocation", err)
		return
	}
	writeJSON(w, http.StatusCreated, reversal)
}

// =============================================================================
// ENROLLMENT / DIRECTORY ENDPOINTS
// =============================================================================

func (h *Handler) EnableTracking(w http.ResponseWriter, r *http.Request) {
	var req EnrollmentRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	ids := make([]ledger.StudentID, len(req.StudentIDs))
	for i, id := range req.StudentIDs {
		ids[i] = ledger.StudentID(id)
	}

	results, err := h.Engine.EnableTrackingForStudents(r.Context(), ids, req.SessionYearID, req.StartMonth, req.StartYear)
	if err != nil {
		h.fail(w, r, "failed to enable tracking", err)
		return
	}
	writeJSON(w, http.StatusOK, toEnrollmentResponse(results))
}

func (h *Handler) CreateStudent(w http.ResponseWriter, r *http.Request) {
	var req CreateStudentRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	st := ledger.Student{
		ID:            ledger.StudentID(req.ID),
		AdmissionNo:   req.AdmissionNo,
		Name:          req.Name,
		ClassID:       req.ClassID,
		SessionYearID: req.SessionYearID,
		CreatedAt:     h.now().UTC(),
	}
	if err := h.Store.SaveStudent(r.Context(), st); err != nil {
		h.fail(w, r, "failed to save student", err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (h *Handler) GetStudent(w http.ResponseWriter, r *http.Request) {
	id := ledger.StudentID(chi.URLParam(r, "id"))
	st, err := h.Store.GetStudent(r.Context(), id)
	if err != nil {
		h.fail(w, r, "failed to load student", err)
		return
	}
	if st == nil {
		h.fail(w, r, "student not found", &ledger.NotFoundError{Kind: "student", ID: string(id)})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// DeleteStudent soft-deletes; the admission number becomes reusable.
func (h *Handler) DeleteStudent(w http.ResponseWriter, r *http.Request) {
	id := ledger.StudentID(chi.URLParam(r, "id"))
	if err := h.Store.SoftDeleteStudent(r.Context(), id, h.now()); err != nil {
		h.fail(w, r, "failed to delete student", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListFeeStructures(w http.ResponseWriter, r *http.Request) {
	session := r.URL.Query().Get("session_year_id")
	if session == "" {
		h.fail(w, r, "session_year_id is required", &ledger.ValidationError{Field: "session_year_id", Message: "is required"})
		return
	}
	records, err := h.Store.ListFeeStructures(r.Context(), session)
	if err != nil {
		h.fail(w, r, "failed to list fee structures", err)
		return
	}
	out := make([]feestructure.Structure, 0, len(records))
	for _, rec := range records {
		s, err := feestructure.FromRecord(rec)
		if err != nil {
			h.fail(w, r, "failed to decode fee structure", err)
			return
		}
		out = append(out, *s)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CreateFeeStructure(w http.ResponseWriter, r *http.Request) {
	var sj feestructure.StructureJSON
	if err := json.NewDecoder(r.Body).Decode(&sj); err != nil {
		h.fail(w, r, "invalid request body", &ledger.ValidationError{Field: "body", Message: err.Error()})
		return
	}
	s, err := h.Parser.FromJSON(sj)
	if err != nil {
		h.fail(w, r, "invalid fee structure", err)
		return
	}

	now := h.now()
	if err := h.Store.SaveFeeStructure(r.Context(), s.Record(uuid.NewString(), now)); err != nil {
		h.fail(w, r, "failed to save fee structure", err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// TriggerOverdue runs the overdue sweep immediately.
func (h *Handler) TriggerOverdue(w http.ResponseWriter, r *http.Request) {
	var req OverdueRequest
	if r.ContentLength != 0 && !h.decodeJSON(w, r, &req) {
		return
	}
	asOf := h.now()
	if req.AsOf != nil {
		asOf = *req.AsOf
	}

	var (
		result ledger.OverdueResult
		err    error
	)
	if h.Scheduler != nil {
		result, err = h.Scheduler.RunAt(r.Context(), asOf)
	} else {
		result, err = h.Engine.MarkOverdue(r.Context(), asOf)
	}
	if err != nil {
		h.fail(w, r, "overdue sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) OverdueStatus(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeJSON(w, http.StatusOK, OverdueStatusDTO{Enabled: false})
		return
	}
	writeJSON(w, http.StatusOK, h.Scheduler.Status())
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) loadFeeRecord(w http.ResponseWriter, r *http.Request) (*ledger.FeeRecord, bool) {
	id := ledger.FeeRecordID(chi.URLParam(r, "id"))
	rec, err := h.Store.GetFeeRecord(r.Context(), id)
	if err != nil {
		h.fail(w, r, "failed to load fee record", err)
		return nil, false
	}
	if rec == nil {
		h.fail(w, r, "fee record not found", &ledger.NotFoundError{Kind: "fee record", ID: string(id)})
		return nil, false
	}
	return rec, true
}

// decodeJSON decodes and validates the request body into v. On failure it
// writes a 400 and returns false.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.fail(w, r, "invalid request body", &ledger.ValidationError{Field: "body", Message: err.Error()})
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		h.fail(w, r, "invalid request", toValidationError(err))
		return false
	}
	return true
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ledger.ValidationError{Field: fe.Field(), Message: fmt.Sprintf("failed %q check", fe.Tag())}
	}
	return &ledger.ValidationError{Field: "body", Message: err.Error()}
}

// errorStatus maps ledger errors to HTTP statuses.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrAlreadyReversed), errors.Is(err, ledger.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidReversalLink):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrContention):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(message,
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
