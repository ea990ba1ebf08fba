package fee_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/Hoanganh010999/songthuyeducation-sub005/fee"
	"github.com/Hoanganh010999/songthuyeducation-sub005/fee/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const (
	testStudent fee.StudentID = "stu-1"
	testClass   fee.ClassID   = "class-1"
	testActor   fee.Actor     = "teacher-7"
)

// november is the month most scenarios run in.
var november = time.Date(2025, time.November, 3, 9, 0, 0, 0, time.UTC)

// stepClock advances one second on every call so AppliedAt is strictly ordered.
type stepClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Second)
	return c.cur
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *store.Memory
	engine *fee.Engine
	seq    int
	mu     sync.Mutex
}

func vnd(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func globalPolicy() fee.FeePolicy {
	return fee.FeePolicy{
		ID:                          "policy-global",
		Name:                        "Default attendance policy",
		IsActive:                    true,
		AbsenceExcusedFreeLimit:     2,
		AbsenceConsecutiveThreshold: 3,
		LatePenaltyThreshold:        2,
		LatePenaltyAmount:           vnd(50000),
	}
}

// newFixture seeds one global policy, one class at rate, and a wallet
// holding 5,000,000 for testStudent.
func newFixture(t *testing.T, rate int64, policy fee.FeePolicy, opts ...fee.Option) *fixture {
	t.Helper()
	mem := store.NewMemory()
	t.Cleanup(func() { mem.Close() })
	return newFixtureWith(t, mem, mem, rate, policy, opts...)
}

func newFixtureWith(t *testing.T, mem *store.Memory, txs fee.TxStore, rate int64, policy fee.FeePolicy, opts ...fee.Option) *fixture {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, mem.SavePolicy(ctx, policy))
	require.NoError(t, mem.SaveClass(ctx, fee.Class{
		ID:         testClass,
		Name:       "IELTS Foundation",
		HourlyRate: vnd(rate),
	}))
	require.NoError(t, mem.SaveWallet(ctx, fee.Wallet{
		ID:        "wallet-1",
		StudentID: testStudent,
		Code:      "WAL-0001",
		Balance:   vnd(5000000),
	}))

	clock := &stepClock{cur: november}
	opts = append([]fee.Option{fee.WithClock(clock.Now)}, opts...)
	return &fixture{
		t:      t,
		ctx:    ctx,
		store:  mem,
		engine: fee.NewEngine(txs, opts...),
	}
}

// record persists an attendance record for testStudent at the given time.
func (f *fixture) record(status fee.AttendanceStatus, excused bool, at time.Time) fee.AttendanceRecord {
	return f.recordFor(testStudent, status, excused, at)
}

func (f *fixture) recordFor(student fee.StudentID, status fee.AttendanceStatus, excused bool, at time.Time) fee.AttendanceRecord {
	f.t.Helper()
	f.mu.Lock()
	f.seq++
	n := f.seq
	f.mu.Unlock()

	a := fee.AttendanceRecord{
		ID:         fee.AttendanceID(fmt.Sprintf("att-%03d", n)),
		StudentID:  student,
		ClassID:    testClass,
		SessionID:  fee.SessionID(fmt.Sprintf("sess-%03d", n)),
		Status:     status,
		IsExcused:  excused,
		RecordedAt: at,
	}
	require.NoError(f.t, f.store.SaveAttendance(f.ctx, a))
	return a
}

// attend records and processes in one step.
func (f *fixture) attend(status fee.AttendanceStatus, excused bool, at time.Time) fee.Result {
	f.t.Helper()
	return f.engine.ProcessAttendanceFee(f.ctx, f.record(status, excused, at), testActor)
}

func (f *fixture) wallet() fee.Wallet {
	f.t.Helper()
	w, err := f.store.GetWallet(f.ctx, testStudent)
	require.NoError(f.t, err)
	return w
}

func (f *fixture) deductions() []fee.FeeDeduction {
	f.t.Helper()
	ds, err := f.store.ListDeductions(f.ctx, testStudent)
	require.NoError(f.t, err)
	return ds
}

func (f *fixture) transactions() []fee.WalletTransaction {
	f.t.Helper()
	txs, err := f.store.ListWalletTransactions(f.ctx, testStudent)
	require.NoError(f.t, err)
	return txs
}

func (f *fixture) proposals() []fee.RefundProposal {
	f.t.Helper()
	ps, err := f.store.ListRefundProposals(f.ctx, fee.ProposalPending)
	require.NoError(f.t, err)
	return ps
}

func requireDecimal(t *testing.T, want, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, want.Equal(got), "expected %s, got %s %v", want, got, msgAndArgs)
}

func day(n int) time.Time {
	return time.Date(2025, time.November, n, 9, 0, 0, 0, time.UTC)
}
