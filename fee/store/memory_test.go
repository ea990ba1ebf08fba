package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hoanganh010999/songthuyeducation-sub005/fee"
	"github.com/Hoanganh010999/songthuyeducation-sub005/fee/store"
)

func TestMemory_WithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.SaveWallet(ctx, fee.Wallet{ID: "w1", StudentID: "s1", Balance: decimal.NewFromInt(100)}))

	boom := errors.New("boom")
	err := m.WithTx(ctx, func(s fee.Store) error {
		w, err := s.LockWallet(ctx, "s1")
		require.NoError(t, err)
		require.NoError(t, s.AppendWalletTransaction(ctx, fee.WalletTransaction{ID: "tx1", WalletID: "w1", IdempotencyKey: "k1"}))
		w.Balance = decimal.NewFromInt(40)
		require.NoError(t, s.UpdateWalletBalance(ctx, w))
		require.NoError(t, s.MarkProcessed(ctx, "a1", fee.SystemActor, time.Now()))
		return boom
	})
	require.ErrorIs(t, err, boom)

	w, err := m.GetWallet(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(decimal.NewFromInt(100)))

	txs, err := m.ListWalletTransactions(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, txs)

	// Both the idempotency key and the processed marker were rolled back.
	require.NoError(t, m.AppendWalletTransaction(ctx, fee.WalletTransaction{ID: "tx1", WalletID: "w1", IdempotencyKey: "k1"}))
	require.NoError(t, m.MarkProcessed(ctx, "a1", fee.SystemActor, time.Now()))
	assert.ErrorIs(t, m.MarkProcessed(ctx, "a1", fee.SystemActor, time.Now()), fee.ErrAlreadyProcessed)
}

func TestMemory_FindActivePolicyScopes(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	branch := fee.BranchID("b1")
	require.NoError(t, m.SavePolicy(ctx, fee.FeePolicy{ID: "g", IsActive: true}))
	require.NoError(t, m.SavePolicy(ctx, fee.FeePolicy{ID: "b", BranchID: &branch, IsActive: true}))

	p, found, err := m.FindActivePolicy(ctx, &branch)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, fee.PolicyID("b"), p.ID)

	p, found, err = m.FindActivePolicy(ctx, nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, fee.PolicyID("g"), p.ID)

	other := fee.BranchID("b2")
	_, found, err = m.FindActivePolicy(ctx, &other)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemory_RefundableChargesNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	base := time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC)

	add := func(id string, typ fee.DeductionType, cat fee.Category, offset int) {
		require.NoError(t, m.AppendDeduction(ctx, fee.FeeDeduction{
			ID: fee.DeductionID(id), StudentID: "s1", ClassID: "c1",
			Type: typ, Category: cat, AppliedAt: base.Add(time.Duration(offset) * time.Hour),
			DeductionAmount: decimal.NewFromInt(10),
		}))
	}
	add("d1", fee.DeductionCharge, fee.CategoryUnexcusedAbsence, 1)
	add("d2", fee.DeductionCharge, fee.CategoryPresent, 2)
	add("d3", fee.DeductionCharge, fee.CategoryUnexcusedAbsence, 3)
	add("d4", fee.DeductionPenalty, fee.CategoryLate, 4)
	add("d5", fee.DeductionCharge, fee.CategoryUnexcusedAbsence, 5)

	got, err := m.RefundableCharges(ctx, "s1", "c1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, fee.DeductionID("d5"), got[0].ID)
	assert.Equal(t, fee.DeductionID("d3"), got[1].ID)

	require.NoError(t, m.MarkRefundPending(ctx, []fee.DeductionID{"d5"}, fee.RefundMark{ConsecutiveCount: 3, ProposalCode: "RF202511-ABCDEF"}))
	got, err = m.RefundableCharges(ctx, "s1", "c1", 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, fee.DeductionID("d3"), got[0].ID)

	all, err := m.ListDeductions(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Refund proposal: RF202511-ABCDEF", all[4].Notes)
}

func TestMemory_SaveAttendanceIsInsertOnly(t *testing.T) {
	// GIVEN: A processed present record
	ctx := context.Background()
	m := store.NewMemory()
	a := fee.AttendanceRecord{ID: "a1", StudentID: "s1", ClassID: "c1", Status: fee.StatusPresent, RecordedAt: time.Now()}
	require.NoError(t, m.SaveAttendance(ctx, a))
	require.NoError(t, m.MarkProcessed(ctx, a.ID, "teacher-1", time.Now()))

	// WHEN: The same id is saved again as an excused absence
	rewrite := a
	rewrite.Status = fee.StatusAbsent
	rewrite.IsExcused = true
	err := m.SaveAttendance(ctx, rewrite)

	// THEN: The save fails and the stored record keeps its status
	assert.ErrorIs(t, err, fee.ErrAttendanceExists)
	got, err := m.GetAttendance(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, fee.StatusPresent, got.Status)
	assert.False(t, got.IsExcused)

	actor, _, ok, err := m.ProcessedBy(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fee.Actor("teacher-1"), actor)
}

func TestMemory_HistoryBoundTiesFollowInsertOrder(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	at := time.Date(2025, 11, 5, 9, 0, 0, 0, time.UTC)
	var records []fee.AttendanceRecord
	for _, id := range []fee.AttendanceID{"a1", "a2", "a3"} {
		a := fee.AttendanceRecord{ID: id, StudentID: "s1", ClassID: "c1", Status: fee.StatusLate, RecordedAt: at}
		require.NoError(t, m.SaveAttendance(ctx, a))
		records = append(records, a)
	}
	later := fee.AttendanceRecord{ID: "a4", StudentID: "s1", ClassID: "c1", Status: fee.StatusLate, RecordedAt: at.Add(time.Hour)}
	require.NoError(t, m.SaveAttendance(ctx, later))

	for i, a := range records {
		n, err := m.CountAttendance(ctx, fee.AttendanceFilter{
			StudentID: "s1", ClassID: "c1", Status: fee.StatusLate, From: at, Until: fee.BoundAt(a),
		})
		require.NoError(t, err)
		assert.Equal(t, i+1, n, "up to %s", a.ID)
	}

	recent, err := m.RecentAttendance(ctx, "s1", "c1", fee.BoundAt(records[1]), 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, fee.AttendanceID("a2"), recent[0].ID)
	assert.Equal(t, fee.AttendanceID("a1"), recent[1].ID)

	// A bound that was never stored keeps every tie
	n, err := m.CountAttendance(ctx, fee.AttendanceFilter{
		StudentID: "s1", ClassID: "c1", Status: fee.StatusLate, From: at,
		Until: fee.HistoryBound{ID: "unsaved", RecordedAt: at},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
