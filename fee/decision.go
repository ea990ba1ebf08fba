/*
decision.go - Pure decision table for attendance billing

DECISION TABLE:
  Present                       -> charge 100%
  Unexcused absence             -> charge 100%; flag refund when streak > threshold
  Excused absence, count <= cap -> free
  Excused absence, count >  cap -> charge 100%
  Late                          -> charge 100%; penalty when late count > threshold,
                                   penalty amount > 0 and not yet penalized this month

Decide performs no I/O. Everything it needs arrives as arguments, which is
what lets the orchestrator evaluate it inside a transaction snapshot.
*/
package fee

import (
	"github.com/shopspring/decimal"
)

// Reasons attached to actions and persisted as deduction notes.
const (
	ReasonSessionFee       = "session fee"
	ReasonUnexcusedAbsence = "session fee (unexcused absence)"
	ReasonExcusedOverLimit = "session fee (excused over limit)"
	ReasonLate             = "session fee (late)"
	ReasonLatePenalty      = "late penalty"
)

var hundred = decimal.NewFromInt(100)

// Action is one debit the orchestrator must apply.
type Action struct {
	Type    DeductionType
	Percent decimal.Decimal // 0 for penalties
	Amount  decimal.Decimal
	Reason  string
}

// Decision is the ordered output of the decision table.
type Decision struct {
	Category Category
	Actions  []Action

	// RefundStreak is non-zero when the unexcused streak crossed the threshold.
	RefundStreak int
}

// NeedsRefund reports whether the refund trigger must run.
func (d Decision) NeedsRefund() bool { return d.RefundStreak > 0 }

// Total sums every action amount.
func (d Decision) Total() decimal.Decimal {
	total := decimal.Zero
	for _, a := range d.Actions {
		total = total.Add(a.Amount)
	}
	return total
}

// ChargeAmount returns percent of the hourly rate.
func ChargeAmount(hourlyRate, percent decimal.Decimal) decimal.Decimal {
	return hourlyRate.Mul(percent).Div(hundred)
}

func fullCharge(hourlyRate decimal.Decimal, reason string) Action {
	return Action{
		Type:    DeductionCharge,
		Percent: hundred,
		Amount:  ChargeAmount(hourlyRate, hundred),
		Reason:  reason,
	}
}

// Decide maps a category, policy, hourly rate and counters to actions.
func Decide(cat Category, policy FeePolicy, hourlyRate decimal.Decimal, c Counters) (Decision, error) {
	if !hourlyRate.IsPositive() {
		return Decision{}, ErrInvalidHourlyRate
	}

	d := Decision{Category: cat}
	switch cat {
	case CategoryPresent:
		d.Actions = append(d.Actions, fullCharge(hourlyRate, ReasonSessionFee))

	case CategoryUnexcusedAbsence:
		d.Actions = append(d.Actions, fullCharge(hourlyRate, ReasonUnexcusedAbsence))
		if c.ConsecutiveUnexcused > policy.AbsenceConsecutiveThreshold {
			d.RefundStreak = c.ConsecutiveUnexcused
		}

	case CategoryExcusedAbsence:
		if c.MonthlyExcused > policy.AbsenceExcusedFreeLimit {
			d.Actions = append(d.Actions, fullCharge(hourlyRate, ReasonExcusedOverLimit))
		}

	case CategoryLate:
		d.Actions = append(d.Actions, fullCharge(hourlyRate, ReasonLate))
		if c.MonthlyLate > policy.LatePenaltyThreshold &&
			policy.LatePenaltyAmount.IsPositive() &&
			!c.AlreadyPenalized {
			d.Actions = append(d.Actions, Action{
				Type:    DeductionPenalty,
				Percent: decimal.Zero,
				Amount:  policy.LatePenaltyAmount,
				Reason:  ReasonLatePenalty,
			})
		}

	default:
		return Decision{}, ErrUnknownStatus
	}
	return d, nil
}
