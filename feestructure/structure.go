/*
Package feestructure converts JSON fee structure definitions into stored
fee structures.

PURPOSE:
  A fee structure is the annual fee of one class in one academic session,
  broken into named components. Administrators define it in JSON; this
  package validates it, computes the annual total, and stores it through
  ledger.Directory, where batch enrollment picks the total up.

JSON SCHEMA:
  {
    "class_id": "grade-5",
    "session_year_id": "2024-25",
    "components": [
      {"name": "Tuition",   "amount": "9600", "frequency": "annual"},
      {"name": "Transport", "amount": "200",  "frequency": "monthly"}
    ]
  }

TOTALS:
  annual components count once, monthly components twelve times.
  Amounts are decimal strings (or JSON numbers) and must be positive.

USAGE:
  p := feestructure.NewParser()
  s, err := p.Parse(jsonStr)
  rec := s.Record(id, now)
  err = dir.SaveFeeStructure(ctx, rec)

SEE ALSO:
  - ledger/engine.go: the FeeStructureProvider contract
  - ledger/enrollment.go: where totals are consumed
*/
package feestructure

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/fee-ledger/ledger"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

type Frequency string

const (
	Annual  Frequency = "annual"
	Monthly Frequency = "monthly"
)

// StructureJSON is the JSON representation of a fee structure.
type StructureJSON struct {
	ClassID       string          `json:"class_id" validate:"required,max=64"`
	SessionYearID string          `json:"session_year_id" validate:"required,max=64"`
	Components    []ComponentJSON `json:"components" validate:"required,min=1,dive"`
}

// ComponentJSON is one line of a fee structure.
type ComponentJSON struct {
	Name      string          `json:"name" validate:"required,max=100"`
	Amount    decimal.Decimal `json:"amount"`
	Frequency Frequency       `json:"frequency,omitempty" validate:"omitempty,oneof=annual monthly"`
}

// Structure is a validated fee structure with its annual total.
type Structure struct {
	ClassID       string          `json:"class_id"`
	SessionYearID string          `json:"session_year_id"`
	Components    []ComponentJSON `json:"components"`
	Total         decimal.Decimal `json:"total"`
}

// =============================================================================
// PARSER
// =============================================================================

type Parser struct {
	validate *validator.Validate
}

func NewParser() *Parser {
	return &Parser{validate: validator.New()}
}

// Parse parses and validates a JSON fee structure.
func (p *Parser) Parse(jsonStr string) (*Structure, error) {
	var sj StructureJSON
	if err := json.Unmarshal([]byte(jsonStr), &sj); err != nil {
		return nil, &ledger.ValidationError{Field: "fee_structure", Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return p.FromJSON(sj)
}

// FromJSON validates sj and computes its total.
func (p *Parser) FromJSON(sj StructureJSON) (*Structure, error) {
	if err := p.validate.Struct(sj); err != nil {
		return nil, toValidationError(err)
	}

	seen := make(map[string]bool, len(sj.Components))
	total := decimal.Zero
	for i, c := range sj.Components {
		key := strings.ToLower(strings.TrimSpace(c.Name))
		if seen[key] {
			return nil, &ledger.ValidationError{Field: fmt.Sprintf("components[%d].name", i), Message: fmt.Sprintf("duplicate component %q", c.Name)}
		}
		seen[key] = true

		if !c.Amount.IsPositive() {
			return nil, &ledger.ValidationError{Field: fmt.Sprintf("components[%d].amount", i), Message: "must be positive"}
		}
		if c.Amount.Exponent() < -2 {
			return nil, &ledger.ValidationError{Field: fmt.Sprintf("components[%d].amount", i), Message: "at most 2 decimal places"}
		}
		if sj.Components[i].Frequency == "" {
			sj.Components[i].Frequency = Annual
		}
		total = total.Add(AnnualAmount(sj.Components[i]))
	}

	return &Structure{
		ClassID:       sj.ClassID,
		SessionYearID: sj.SessionYearID,
		Components:    sj.Components,
		Total:         total,
	}, nil
}

// AnnualAmount is what one component contributes to the annual total.
func AnnualAmount(c ComponentJSON) decimal.Decimal {
	if c.Frequency == Monthly {
		return c.Amount.Mul(decimal.NewFromInt(ledger.MonthsPerSchedule))
	}
	return c.Amount
}

// Record converts s into the stored form.
func (s *Structure) Record(id string, now time.Time) ledger.FeeStructureRecord {
	components, _ := json.Marshal(s.Components)
	return ledger.FeeStructureRecord{
		ID:             id,
		ClassID:        s.ClassID,
		SessionYearID:  s.SessionYearID,
		TotalAmount:    s.Total,
		ComponentsJSON: string(components),
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}
}

// FromRecord restores the components of a stored structure.
func FromRecord(rec ledger.FeeStructureRecord) (*Structure, error) {
	var components []ComponentJSON
	if err := json.Unmarshal([]byte(rec.ComponentsJSON), &components); err != nil {
		return nil, fmt.Errorf("fee structure %s/%s: corrupt components: %w", rec.ClassID, rec.SessionYearID, err)
	}
	return &Structure{
		ClassID:       rec.ClassID,
		SessionYearID: rec.SessionYearID,
		Components:    components,
		Total:         rec.TotalAmount,
	}, nil
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ledger.ValidationError{Field: fe.Namespace(), Message: fmt.Sprintf("failed %q check", fe.Tag())}
	}
	return &ledger.ValidationError{Field: "fee_structure", Message: err.Error()}
}

// =============================================================================
// PRESETS
// =============================================================================

// StandardJSON builds a two-component structure: an annual tuition fee and
// an optional monthly transport fee (omitted when transport is zero).
func StandardJSON(classID, sessionYearID string, tuition, monthlyTransport decimal.Decimal) string {
	sj := StructureJSON{
		ClassID:       classID,
		SessionYearID: sessionYearID,
		Components:    []ComponentJSON{{Name: "Tuition", Amount: tuition, Frequency: Annual}},
	}
	if monthlyTransport.IsPositive() {
		sj.Components = append(sj.Components, ComponentJSON{Name: "Transport", Amount: monthlyTransport, Frequency: Monthly})
	}
	b, _ := json.Marshal(sj)
	return string(b)
}
