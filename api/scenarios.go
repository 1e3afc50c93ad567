/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
	Provides pre-built scenarios that populate the ledger with realistic
	data for demos and integration tests. Every scenario uses the same
	demo class, whose fee structure is 12000 per year (1000 per month),
	with schedules starting April 2024.

AVAILABLE SCENARIOS:

	standard-enrollment:   three students enrolled, nothing paid
	partial-payment:       one payment of 3200 (Apr-Jun PAID, Jul PARTIAL 200)
	misapplied-payment:    3200 paid, fully reversed, 3000 paid again
	partial-reversal:      1500 paid, the May allocation reversed
	waiver-after-payments: 2500 paid, then a 20% waiver
	overdue:               500 paid, then the overdue sweep as of now

HOW SCENARIOS WORK:
 1. Upsert the demo fee structure
 2. Create students with fresh IDs and admission numbers
 3. Enable tracking (fee record + 12 obligations per student)
 4. Run the scenario's payments, reversals, waivers

Scenarios only add rows; loading one twice creates a second set of
students.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "partial-payment"}

SEE ALSO:
  - handlers.go: request plumbing
  - feestructure/structure.go: StandardJSON
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/fee-ledger/feestructure"
	"github.com/warp/fee-ledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

const (
	demoClass      = "demo-grade-5"
	demoSession    = "2024-25"
	demoStartMonth = 4
	demoStartYear  = 2024
	demoActor      = "demo-loader"
)

var scenarios = []ScenarioDTO{
	{
		ID:          "standard-enrollment",
		Name:        "Standard Enrollment",
		Description: "Three students on a 12000 annual fee, twelve 1000 months each, nothing paid",
	},
	{
		ID:          "partial-payment",
		Name:        "Partial Payment",
		Description: "A single 3200 payment: April to June PAID, July PARTIAL (200)",
	},
	{
		ID:          "misapplied-payment",
		Name:        "Misapplied Payment",
		Description: "3200 recorded against the wrong student, fully reversed, then 3000 recorded",
	},
	{
		ID:          "partial-reversal",
		Name:        "Partial Reversal",
		Description: "1500 paid (April PAID, May PARTIAL), then the May allocation reversed",
	},
	{
		ID:          "waiver-after-payments",
		Name:        "Waiver After Payments",
		Description: "2500 paid, then a 20% scholarship waiver on the unpaid months",
	},
	{
		ID:          "overdue",
		Name:        "Overdue Months",
		Description: "500 paid, then every past month with a balance flagged OVERDUE",
	},
}

type scenarioLoader func(ctx context.Context, h *Handler) (*ScenarioResultDTO, error)

var scenarioLoaders = map[string]scenarioLoader{
	"standard-enrollment":   loadStandardEnrollment,
	"partial-payment":       loadPartialPayment,
	"misapplied-payment":    loadMisappliedPayment,
	"partial-reversal":      loadPartialReversal,
	"waiver-after-payments": loadWaiverAfterPayments,
	"overdue":               loadOverdue,
}

// =============================================================================
// HANDLERS
// =============================================================================

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	result, err := h.loadScenario(r.Context(), req.ScenarioID)
	if err != nil {
		h.fail(w, r, "failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) loadScenario(ctx context.Context, id string) (*ScenarioResultDTO, error) {
	load, ok := scenarioLoaders[id]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "scenario", ID: id}
	}
	if ledger.ActorFrom(ctx) == "" {
		ctx = ledger.WithActor(ctx, demoActor)
	}
	result, err := load(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", id, err)
	}
	result.ScenarioID = id
	return result, nil
}

// =============================================================================
// LOADERS
// =============================================================================

func loadStandardEnrollment(ctx context.Context, h *Handler) (*ScenarioResultDTO, error) {
	return h.enrollDemoStudents(ctx, 3)
}

func loadPartialPayment(ctx context.Context, h *Handler) (*ScenarioResultDTO, error) {
	result, err := h.enrollDemoStudents(ctx, 1)
	if err != nil {
		return nil, err
	}
	_, _, err = h.Engine.ApplyPayment(ctx, ledger.FeeRecordID(result.FeeRecordIDs[0]), decimal.NewFromInt(3200))
	return result, err
}

func loadMisappliedPayment(ctx context.Context, h *Handler) (*ScenarioResultDTO, error) {
	result, err := h.enrollDemoStudents(ctx, 1)
	if err != nil {
		return nil, err
	}
	id := ledger.FeeRecordID(result.FeeRecordIDs[0])

	wrong, _, err := h.Engine.ApplyPayment(ctx, id, decimal.NewFromInt(3200))
	if err != nil {
		return nil, err
	}
	if _, err := h.Engine.ReverseFull(ctx, wrong.ID, "WRONG_STUDENT", "receipt belonged to a sibling", ""); err != nil {
		return nil, err
	}
	_, _, err = h.Engine.ApplyPayment(ctx, id, decimal.NewFromInt(3000))
	return result, err
}

func loadPartialReversal(ctx context.Context, h *Handler) (*ScenarioResultDTO, error) {
	result, err := h.enrollDemoStudents(ctx, 1)
	if err != nil {
		return nil, err
	}
	_, allocations, err := h.Engine.ApplyPayment(ctx, ledger.FeeRecordID(result.FeeRecordIDs[0]), decimal.NewFromInt(1500))
	if err != nil {
		return nil, err
	}
	if len(allocations) < 2 {
		return nil, fmt.Errorf("expected 2 allocations, got %d", len(allocations))
	}
	_, err = h.Engine.ReversePartialAllocation(ctx, allocations[1].ID, "BANK_CHARGEBACK", "second instalment bounced", "")
	return result, err
}

func loadWaiverAfterPayments(ctx context.Context, h *Handler) (*ScenarioResultDTO, error) {
	result, err := h.enrollDemoStudents(ctx, 1)
	if err != nil {
		return nil, err
	}
	id := ledger.FeeRecordID(result.FeeRecordIDs[0])
	if _, _, err := h.Engine.ApplyPayment(ctx, id, decimal.NewFromInt(2500)); err != nil {
		return nil, err
	}
	err = h.Engine.ApplyWaiver(ctx, id, decimal.NewFromInt(20), "merit scholarship")
	return result, err
}

func loadOverdue(ctx context.Context, h *Handler) (*ScenarioResultDTO, error) {
	result, err := h.enrollDemoStudents(ctx, 1)
	if err != nil {
		return nil, err
	}
	if _, _, err := h.Engine.ApplyPayment(ctx, ledger.FeeRecordID(result.FeeRecordIDs[0]), decimal.NewFromInt(500)); err != nil {
		return nil, err
	}
	_, err = h.Engine.MarkOverdue(ctx, h.now())
	return result, err
}

// =============================================================================
// HELPERS
// =============================================================================

// enrollDemoStudents seeds the demo fee structure and n new students and
// enables tracking for them.
func (h *Handler) enrollDemoStudents(ctx context.Context, n int) (*ScenarioResultDTO, error) {
	s, err := h.Parser.Parse(feestructure.StandardJSON(demoClass, demoSession, decimal.NewFromInt(12000), decimal.Zero))
	if err != nil {
		return nil, err
	}
	if err := h.Store.SaveFeeStructure(ctx, s.Record(uuid.NewString(), h.now())); err != nil {
		return nil, err
	}

	ids := make([]ledger.StudentID, n)
	for i := range ids {
		id := uuid.NewString()
		st := ledger.Student{
			ID:            ledger.StudentID(id),
			AdmissionNo:   "DEMO-" + strings.ToUpper(id[:8]),
			Name:          fmt.Sprintf("Demo Student %d", i+1),
			ClassID:       demoClass,
			SessionYearID: demoSession,
			CreatedAt:     h.now().UTC(),
		}
		if err := h.Store.SaveStudent(ctx, st); err != nil {
			return nil, err
		}
		ids[i] = st.ID
	}

	results, err := h.Engine.EnableTrackingForStudents(ctx, ids, demoSession, demoStartMonth, demoStartYear)
	if err != nil {
		return nil, err
	}

	out := &ScenarioResultDTO{SessionYearID: demoSession}
	for _, r := range results {
		if r.Err != nil {
			return nil, fmt.Errorf("enroll %s: %w", r.StudentID, r.Err)
		}
		out.StudentIDs = append(out.StudentIDs, string(r.StudentID))
		out.FeeRecordIDs = append(out.FeeRecordIDs, string(r.FeeRecordID))
	}
	return out, nil
}
