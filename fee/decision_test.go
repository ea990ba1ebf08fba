package fee_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hoanganh010999/songthuyeducation-sub005/fee"
)

// =============================================================================
// CLASSIFICATION
// =============================================================================

func TestClassify_AllCombinations(t *testing.T) {
	tests := []struct {
		status  fee.AttendanceStatus
		excused bool
		want    fee.Category
	}{
		{fee.StatusPresent, false, fee.CategoryPresent},
		{fee.StatusPresent, true, fee.CategoryPresent},
		{fee.StatusAbsent, false, fee.CategoryUnexcusedAbsence},
		{fee.StatusAbsent, true, fee.CategoryExcusedAbsence},
		{fee.StatusLate, false, fee.CategoryLate},
		{fee.StatusLate, true, fee.CategoryLate},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			got, err := fee.Classify(tt.status, tt.excused)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			again, _ := fee.Classify(tt.status, tt.excused)
			assert.Equal(t, got, again, "classification must be deterministic")
		})
	}
}

func TestClassify_UnknownStatus(t *testing.T) {
	for _, status := range []fee.AttendanceStatus{"", "excused", "PRESENT"} {
		_, err := fee.Classify(status, false)
		assert.ErrorIs(t, err, fee.ErrUnknownStatus, "status %q", status)
	}
}

// =============================================================================
// DECISION TABLE
// =============================================================================

func TestDecide_PresentAndLateChargeFullRate(t *testing.T) {
	rate := decimal.NewFromInt(180000)
	for _, cat := range []fee.Category{fee.CategoryPresent, fee.CategoryLate, fee.CategoryUnexcusedAbsence} {
		d, err := fee.Decide(cat, globalPolicy(), rate, fee.Counters{})
		require.NoError(t, err)
		require.Len(t, d.Actions, 1, "category %s", cat)

		a := d.Actions[0]
		assert.Equal(t, fee.DeductionCharge, a.Type)
		requireDecimal(t, decimal.NewFromInt(100), a.Percent)
		requireDecimal(t, rate, a.Amount)
	}
}

func TestDecide_ExcusedBoundary(t *testing.T) {
	policy := globalPolicy() // free limit 2
	rate := decimal.NewFromInt(150000)

	tests := []struct {
		count   int
		charged bool
	}{
		{1, false},
		{2, false}, // equal to limit is still free
		{3, true},
		{7, true},
	}
	for _, tt := range tests {
		d, err := fee.Decide(fee.CategoryExcusedAbsence, policy, rate, fee.Counters{MonthlyExcused: tt.count})
		require.NoError(t, err)
		if tt.charged {
			require.Len(t, d.Actions, 1, "count %d", tt.count)
			assert.Equal(t, fee.ReasonExcusedOverLimit, d.Actions[0].Reason)
		} else {
			assert.Empty(t, d.Actions, "count %d", tt.count)
		}
	}
}

func TestDecide_LatePenaltyRules(t *testing.T) {
	rate := decimal.NewFromInt(100000)

	tests := []struct {
		name      string
		policy    func(p *fee.FeePolicy)
		counters  fee.Counters
		wantCount int
	}{
		{"at threshold", nil, fee.Counters{MonthlyLate: 2}, 1},
		{"over threshold", nil, fee.Counters{MonthlyLate: 3}, 2},
		{"already penalized", nil, fee.Counters{MonthlyLate: 5, AlreadyPenalized: true}, 1},
		{"zero penalty amount", func(p *fee.FeePolicy) { p.LatePenaltyAmount = decimal.Zero }, fee.Counters{MonthlyLate: 9}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := globalPolicy()
			if tt.policy != nil {
				tt.policy(&policy)
			}
			d, err := fee.Decide(fee.CategoryLate, policy, rate, tt.counters)
			require.NoError(t, err)
			require.Len(t, d.Actions, tt.wantCount)

			assert.Equal(t, fee.DeductionCharge, d.Actions[0].Type)
			if tt.wantCount == 2 {
				p := d.Actions[1]
				assert.Equal(t, fee.DeductionPenalty, p.Type)
				assert.True(t, p.Percent.IsZero())
				requireDecimal(t, policy.LatePenaltyAmount, p.Amount)
				requireDecimal(t, rate.Add(policy.LatePenaltyAmount), d.Total())
			}
		})
	}
}

func TestDecide_RefundFlagStrictlyAboveThreshold(t *testing.T) {
	rate := decimal.NewFromInt(200000)

	d, err := fee.Decide(fee.CategoryUnexcusedAbsence, globalPolicy(), rate, fee.Counters{ConsecutiveUnexcused: 3})
	require.NoError(t, err)
	assert.False(t, d.NeedsRefund())

	d, err = fee.Decide(fee.CategoryUnexcusedAbsence, globalPolicy(), rate, fee.Counters{ConsecutiveUnexcused: 4})
	require.NoError(t, err)
	assert.True(t, d.NeedsRefund())
	assert.Equal(t, 4, d.RefundStreak)
}

func TestDecide_RejectsNonPositiveRate(t *testing.T) {
	for _, rate := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-5)} {
		_, err := fee.Decide(fee.CategoryPresent, globalPolicy(), rate, fee.Counters{})
		assert.True(t, errors.Is(err, fee.ErrInvalidHourlyRate))
	}
}

func TestChargeAmount_Percent(t *testing.T) {
	got := fee.ChargeAmount(decimal.NewFromInt(150000), decimal.NewFromInt(50))
	requireDecimal(t, decimal.NewFromInt(75000), got)
}
