/*
Package factory provides JSON to Go conversion for fee configuration.

PURPOSE:
  Converts JSON fee policy definitions (and seed files of classes and
  wallets) into fee types. Operators can configure thresholds and penalty
  amounts without code changes; the factory validates them and produces
  the structs the engine reads.

JSON SCHEMA:
  {
    "id": "policy-hanoi",
    "branch_id": "hanoi",
    "name": "Hanoi attendance policy",
    "is_active": true,
    "absence_excused_free_limit": 2,
    "absence_consecutive_threshold": 3,
    "late_penalty_threshold": 3,
    "late_penalty_amount": "50000"
  }

  branch_id omitted -> global policy. Money is a decimal string.

VALIDATION (go-playground/validator):
  - id, name required
  - absence_consecutive_threshold >= 1
  - absence_excused_free_limit >= 0
  - late_penalty_threshold >= 1
  - late_penalty_amount: decimal >= 0

SEE ALSO:
  - fee/types.go: FeePolicy definition
  - factory/seed.go: Seed files
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/Hoanganh010999/songthuyeducation-sub005/fee"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PolicyJSON is the JSON representation of a fee policy.
type PolicyJSON struct {
	ID                          string  `json:"id" validate:"required"`
	BranchID                    *string `json:"branch_id,omitempty" validate:"omitempty,min=1"`
	Name                        string  `json:"name" validate:"required"`
	IsActive                    *bool   `json:"is_active,omitempty"`
	AbsenceExcusedFreeLimit     int     `json:"absence_excused_free_limit" validate:"min=0"`
	AbsenceConsecutiveThreshold int     `json:"absence_consecutive_threshold" validate:"min=1"`
	LatePenaltyThreshold        int     `json:"late_penalty_threshold" validate:"min=1"`
	LatePenaltyAmount           string  `json:"late_penalty_amount" validate:"omitempty,money"`
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts JSON policies to fee.FeePolicy.
type PolicyFactory struct {
	validate *validator.Validate
}

// NewPolicyFactory creates a new policy factory.
func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{validate: NewValidator()}
}

// NewValidator returns a validator with the "money" tag registered:
// a decimal string that is zero or positive.
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("money", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && !d.IsNegative()
	})
	return v
}

// ParsePolicy parses a JSON string into a FeePolicy.
func (f *PolicyFactory) ParsePolicy(jsonStr string) (fee.FeePolicy, error) {
	var pj PolicyJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return fee.FeePolicy{}, fmt.Errorf("failed to parse policy JSON: %w", err)
	}
	return f.FromJSON(pj)
}

// FromJSON validates pj and converts it. is_active defaults to true and
// late_penalty_amount to zero.
func (f *PolicyFactory) FromJSON(pj PolicyJSON) (fee.FeePolicy, error) {
	if err := f.validate.Struct(pj); err != nil {
		return fee.FeePolicy{}, fmt.Errorf("invalid policy %q: %w", pj.ID, describe(err))
	}

	amount := decimal.Zero
	if pj.LatePenaltyAmount != "" {
		amount = decimal.RequireFromString(pj.LatePenaltyAmount)
	}

	p := fee.FeePolicy{
		ID:                          fee.PolicyID(pj.ID),
		Name:                        pj.Name,
		IsActive:                    pj.IsActive == nil || *pj.IsActive,
		AbsenceExcusedFreeLimit:     pj.AbsenceExcusedFreeLimit,
		AbsenceConsecutiveThreshold: pj.AbsenceConsecutiveThreshold,
		LatePenaltyThreshold:        pj.LatePenaltyThreshold,
		LatePenaltyAmount:           amount,
	}
	if pj.BranchID != nil {
		b := fee.BranchID(*pj.BranchID)
		p.BranchID = &b
	}
	return p, nil
}

// ToJSON converts a FeePolicy to PolicyJSON.
func (f *PolicyFactory) ToJSON(p fee.FeePolicy) PolicyJSON {
	active := p.IsActive
	pj := PolicyJSON{
		ID:                          string(p.ID),
		Name:                        p.Name,
		IsActive:                    &active,
		AbsenceExcusedFreeLimit:     p.AbsenceExcusedFreeLimit,
		AbsenceConsecutiveThreshold: p.AbsenceConsecutiveThreshold,
		LatePenaltyThreshold:        p.LatePenaltyThreshold,
		LatePenaltyAmount:           p.LatePenaltyAmount.String(),
	}
	if p.BranchID != nil {
		b := string(*p.BranchID)
		pj.BranchID = &b
	}
	return pj
}

// DefaultPolicyJSON returns a global policy with the stock thresholds:
// two free excused absences a month, refund after more than three
// consecutive unexcused absences, penalty after more than three late
// arrivals a month.
func DefaultPolicyJSON(id, name string, latePenalty int64) string {
	return fmt.Sprintf(`{
		"id": %q,
		"name": %q,
		"is_active": true,
		"absence_excused_free_limit": 2,
		"absence_consecutive_threshold": 3,
		"late_penalty_threshold": 3,
		"late_penalty_amount": "%d"
	}`, id, name, latePenalty)
}

// describe flattens validator errors into "field: rule" pairs.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !asValidationErrors(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("%s", strings.Join(parts, ", "))
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}
