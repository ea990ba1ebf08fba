package fee_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hoanganh010999/songthuyeducation-sub005/fee"
	"github.com/Hoanganh010999/songthuyeducation-sub005/fee/store"
)

type recordingPublisher struct {
	mu        sync.Mutex
	proposals []fee.RefundProposal
	ids       [][]fee.DeductionID
	err       error
}

func (p *recordingPublisher) PublishRefundProposal(_ context.Context, proposal fee.RefundProposal, ids []fee.DeductionID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.proposals = append(p.proposals, proposal)
	p.ids = append(p.ids, ids)
	return p.err
}

func TestRefund_StreakOverThresholdCreatesProposal(t *testing.T) {
	// GIVEN: Rate 200,000, threshold 3
	// WHEN: Fourth consecutive unexcused absence
	// THEN: One charge of 200,000, a proposal for 800,000, four deductions pending

	pub := &recordingPublisher{}
	f := newFixture(t, 200000, globalPolicy(), fee.WithRefundPublisher(pub))

	for i := 1; i <= 3; i++ {
		res := f.attend(fee.StatusAbsent, false, day(i))
		require.True(t, res.Success, res.Message)
		require.Nil(t, res.Refund, "streak %d does not exceed threshold", i)
	}
	assert.Empty(t, f.proposals())

	res := f.attend(fee.StatusAbsent, false, day(4))
	require.True(t, res.Success, res.Message)
	require.NoError(t, res.RefundErr)
	require.Len(t, res.Deductions, 1)
	requireDecimal(t, vnd(200000), res.Deductions[0].DeductionAmount)

	require.NotNil(t, res.Refund)
	proposal := res.Refund.Proposal
	requireDecimal(t, vnd(800000), proposal.Amount)
	assert.Equal(t, fee.ProposalPending, proposal.Status)
	assert.Equal(t, fee.PaymentMethodWalletDeposit, proposal.PaymentMethod)
	assert.Equal(t, testActor, proposal.RequestedBy)
	assert.True(t, strings.HasPrefix(proposal.Code, "RF202511-"), proposal.Code)
	assert.Len(t, res.Refund.DeductionIDs, 4)

	ft := res.Refund.Transaction
	assert.Equal(t, "expense", ft.Type)
	assert.Equal(t, "pending", ft.Status)
	assert.Equal(t, proposal.ID, ft.ProposalID)
	assert.Equal(t, 4, ft.Metadata.ConsecutiveCount)
	assert.ElementsMatch(t, res.Refund.DeductionIDs, ft.Metadata.DeductionIDs)
	require.Len(t, f.store.FinancialTransactions(), 1)

	pending := 0
	for _, d := range f.deductions() {
		require.NotNil(t, d.RefundStatus, "deduction %s", d.ID)
		assert.Equal(t, fee.RefundPending, *d.RefundStatus)
		require.NotNil(t, d.ConsecutiveAbsenceCount)
		assert.Equal(t, 4, *d.ConsecutiveAbsenceCount)
		assert.Contains(t, d.Notes, "Refund proposal: "+proposal.Code)
		assert.Contains(t, d.RefundReason, "threshold 3")
		pending++
	}
	assert.Equal(t, 4, pending)

	require.Len(t, f.proposals(), 1)
	require.Len(t, pub.proposals, 1)
	assert.Equal(t, proposal.ID, pub.proposals[0].ID)
}

func TestRefund_DeductionsNeverJoinTwoBatches(t *testing.T) {
	// GIVEN: Four absences already bundled into a proposal
	// WHEN: A fifth consecutive absence is charged
	// THEN: The new proposal only covers the fifth charge

	f := newFixture(t, 200000, globalPolicy())
	for i := 1; i <= 4; i++ {
		f.attend(fee.StatusAbsent, false, day(i))
	}

	res := f.attend(fee.StatusAbsent, false, day(5))
	require.True(t, res.Success)
	require.NotNil(t, res.Refund)
	requireDecimal(t, vnd(200000), res.Refund.Proposal.Amount)
	assert.Equal(t, []fee.DeductionID{res.Deductions[0].ID}, res.Refund.DeductionIDs)
	assert.Len(t, f.proposals(), 2)
}

func TestRefund_OnlyUnexcusedChargesSelected(t *testing.T) {
	// An older late charge and excused-over-limit charge must not be bundled.
	policy := globalPolicy()
	policy.AbsenceExcusedFreeLimit = 0
	f := newFixture(t, 100000, policy)

	f.attend(fee.StatusLate, false, day(1))
	f.attend(fee.StatusAbsent, true, day(2))
	for i := 3; i <= 6; i++ {
		f.attend(fee.StatusAbsent, false, day(i))
	}

	props := f.proposals()
	require.Len(t, props, 1)
	requireDecimal(t, vnd(400000), props[0].Amount)

	for _, d := range f.deductions() {
		if d.Category != fee.CategoryUnexcusedAbsence {
			assert.Nil(t, d.RefundStatus, "category %s", d.Category)
		}
	}
}

// failingProposals fails every CreateRefundProposal call made inside a transaction.
type failingProposals struct {
	*store.Memory
}

func (s failingProposals) WithTx(ctx context.Context, fn func(fee.Store) error) error {
	return s.Memory.WithTx(ctx, func(inner fee.Store) error {
		return fn(noProposals{inner})
	})
}

type noProposals struct{ fee.Store }

func (noProposals) CreateRefundProposal(context.Context, fee.RefundProposal) (fee.ProposalID, error) {
	return "", errors.New("approval service unavailable")
}

func TestRefund_FailureKeepsCharge(t *testing.T) {
	// GIVEN: Refund sink that always fails
	// WHEN: Streak crosses the threshold
	// THEN: Run succeeds, charge is kept, nothing is marked pending

	mem := store.NewMemory()
	f := newFixtureWith(t, mem, failingProposals{mem}, 200000, globalPolicy())

	var res fee.Result
	for i := 1; i <= 4; i++ {
		res = f.attend(fee.StatusAbsent, false, day(i))
	}

	require.True(t, res.Success, res.Message)
	require.Len(t, res.Deductions, 1)
	assert.Nil(t, res.Refund)
	require.Error(t, res.RefundErr)
	assert.ErrorIs(t, res.RefundErr, fee.ErrRefundWorkflow)

	var wf *fee.RefundWorkflowError
	require.ErrorAs(t, res.RefundErr, &wf)
	assert.Equal(t, 4, wf.Streak)

	assert.Len(t, f.deductions(), 4)
	for _, d := range f.deductions() {
		assert.Nil(t, d.RefundStatus)
	}
	assert.Empty(t, f.proposals())
	requireDecimal(t, vnd(4200000), f.wallet().Balance)
}

func TestRefund_PublishFailureIsNotFatal(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	f := newFixture(t, 200000, globalPolicy(), fee.WithRefundPublisher(pub))

	var res fee.Result
	for i := 1; i <= 4; i++ {
		res = f.attend(fee.StatusAbsent, false, day(i))
	}
	require.True(t, res.Success)
	require.NoError(t, res.RefundErr)
	require.NotNil(t, res.Refund)
	assert.Len(t, f.proposals(), 1)
}

func TestTriggerRefund_NothingRefundable(t *testing.T) {
	f := newFixture(t, 200000, globalPolicy())

	out, err := f.engine.TriggerRefund(f.ctx, fee.RefundRequest{
		StudentID: testStudent,
		ClassID:   testClass,
		Streak:    5,
		Threshold: 3,
	})
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Empty(t, f.proposals())
}
