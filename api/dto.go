/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Response types wrap
  the ledger rows and add the values the ledger derives but never stores
  (obligation balance, fee record outstanding).

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Fee records:  FeeRecordDTO, CreateFeeRecordRequest, GenerateScheduleRequest
  Obligations:  ObligationDTO
  Payments:     RecordPaymentRequest, PaymentResultDTO, ReverseRequest
  Waivers:      WaiverRequest
  Enrollment:   EnrollmentRequest, EnrollmentResponse, StudentResultDTO
  Directory:    CreateStudentRequest
  Admin:        OverdueRequest, OverdueStatusDTO, ConservationDTO
  Scenarios:    ScenarioDTO, LoadScenarioRequest, ScenarioResultDTO

VALIDATION:
  Request types carry validator/v10 tags; decodeJSON runs them before a
  handler sees the request. Money is decimal.Decimal and accepts either a
  JSON string ("1000.50") or a number.

SEE ALSO:
  - handlers.go: Uses these types
  - feestructure/structure.go: StructureJSON (fee structure request body)
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/fee-ledger/ledger"
)

// =============================================================================
// FEE RECORDS
// =============================================================================

type FeeRecordDTO struct {
	ledger.FeeRecord
	Outstanding decimal.Decimal `json:"outstanding"`
}

func toFeeRecordDTO(r ledger.FeeRecord) FeeRecordDTO {
	return FeeRecordDTO{FeeRecord: r, Outstanding: r.Outstanding()}
}

type CreateFeeRecordRequest struct {
	StudentID     string          `json:"student_id" validate:"required,max=64"`
	ClassID       string          `json:"class_id" validate:"max=64"`
	SessionYearID string          `json:"session_year_id" validate:"required,max=64"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
}

type GenerateScheduleRequest struct {
	StartMonth int `json:"start_month" validate:"required,min=1,max=12"`
	StartYear  int `json:"start_year" validate:"required,min=1900,max=9999"`
}

type GenerateScheduleResponse struct {
	FeeRecordID string          `json:"fee_record_id"`
	Created     int             `json:"created"`
	Obligations []ObligationDTO `json:"obligations"`
}

// =============================================================================
// OBLIGATIONS
// =============================================================================

// ObligationDTO is a monthly obligation with its derived balance.
type ObligationDTO struct {
	ledger.MonthlyObligation
	Balance decimal.Decimal `json:"balance"`
}

func toObligationDTOs(obligations []ledger.MonthlyObligation) []ObligationDTO {
	out := make([]ObligationDTO, 0, len(obligations))
	for _, o := range obligations {
		out = append(out, ObligationDTO{MonthlyObligation: o, Balance: o.Balance()})
	}
	return out
}

// =============================================================================
// PAYMENTS
// =============================================================================

type RecordPaymentRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Method         string          `json:"method" validate:"max=32"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
	TransactionRef string          `json:"transaction_ref" validate:"max=128"`
	// IdempotencyKey may also be sent as the Idempotency-Key header.
	IdempotencyKey string          `json:"idempotency_key" validate:"max=128"`
}

type PaymentResultDTO struct {
	Payment     ledger.Payment      `json:"payment"`
	Allocations []ledger.Allocation `json:"allocations"`
	Unallocated decimal.Decimal     `json:"unallocated"`
	Replayed    bool                `json:"replayed"`
}

func toPaymentResultDTO(r ledger.ApplyResult) PaymentResultDTO {
	allocations := r.Allocations
	if allocations == nil {
		allocations = []ledger.Allocation{}
	}
	return PaymentResultDTO{
		Payment:     r.Payment,
		Allocations: allocations,
		Unallocated: r.Unallocated,
		Replayed:    r.Replayed,
	}
}

type ReverseRequest struct {
	ReasonID   string `json:"reason_id" validate:"required,max=64"`
	Details    string `json:"details" validate:"max=1000"`
	// ActingUser overrides the X-Actor-ID header.
	ActingUser string `json:"acting_user" validate:"max=64"`
}

// =============================================================================
// WAIVERS
// =============================================================================

type WaiverRequest struct {
	Percentage decimal.Decimal `json:"percentage"`
	Reason     string          `json:"reason" validate:"required,max=500"`
}

// =============================================================================
// ENROLLMENT
// =============================================================================

type EnrollmentRequest struct {
	StudentIDs    []string `json:"student_ids" validate:"required,min=1,max=1000,dive,required"`
	SessionYearID string   `json:"session_year_id" validate:"required,max=64"`
	StartMonth    int      `json:"start_month" validate:"required,min=1,max=12"`
	StartYear     int      `json:"start_year" validate:"required,min=1900,max=9999"`
}

type StudentResultDTO struct {
	StudentID          string `json:"student_id"`
	FeeRecordID        string `json:"fee_record_id,omitempty"`
	RecordCreated      bool   `json:"record_created"`
	ObligationsCreated int    `json:"obligations_created"`
	Error              string `json:"error,omitempty"`
}

type EnrollmentResponse struct {
	Results   []StudentResultDTO `json:"results"`
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
}

func toEnrollmentResponse(results []ledger.StudentResult) EnrollmentResponse {
	resp := EnrollmentResponse{Results: make([]StudentResultDTO, 0, len(results))}
	for _, r := range results {
		dto := StudentResultDTO{
			StudentID:          string(r.StudentID),
			FeeRecordID:        string(r.FeeRecordID),
			RecordCreated:      r.RecordCreated,
			ObligationsCreated: r.ObligationsCreated,
		}
		if r.Err != nil {
			dto.Error = r.Err.Error()
			resp.Failed++
		} else {
			resp.Succeeded++
		}
		resp.Results = append(resp.Results, dto)
	}
	return resp
}

// =============================================================================
// DIRECTORY
// =============================================================================

type CreateStudentRequest struct {
	ID            string `json:"id" validate:"omitempty,max=64"`
	AdmissionNo   string `json:"admission_no" validate:"required,max=32"`
	Name          string `json:"name" validate:"required,max=200"`
	ClassID       string `json:"class_id" validate:"required,max=64"`
	SessionYearID string `json:"session_year_id" validate:"required,max=64"`
}

// =============================================================================
// ADMIN
// =============================================================================

type OverdueRequest struct {
	// AsOf defaults to now.
	AsOf *time.Time `json:"as_of,omitempty"`
}

type OverdueStatusDTO struct {
	Enabled bool         `json:"enabled"`
	Spec    string       `json:"spec,omitempty"`
	NextRun *time.Time   `json:"next_run,omitempty"`
	LastRun *SweepRunDTO `json:"last_run,omitempty"`
}

type SweepRunDTO struct {
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	FeeRecords  int       `json:"fee_records"`
	Obligations int       `json:"obligations"`
	Error       string    `json:"error,omitempty"`
}

type ConservationDTO struct {
	FeeRecordID string `json:"fee_record_id"`
	Consistent  bool   `json:"consistent"`
	Detail      string `json:"detail,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

type ScenarioResultDTO struct {
	ScenarioID    string   `json:"scenario_id"`
	SessionYearID string   `json:"session_year_id"`
	StudentIDs    []string `json:"student_ids"`
	FeeRecordIDs  []string `json:"fee_record_ids"`
}

// =============================================================================
// ERRORS
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
