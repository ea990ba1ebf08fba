// Package store provides an in-memory fee.Backend for tests and demos.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Hoanganh010999/songthuyeducation-sub005/fee"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory implements fee.Backend. A single mutex is held for the whole of
// WithTx, so every transaction is serial and LockWallet needs no extra work.
type Memory struct {
	mu    sync.Mutex
	state *memState
}

var _ fee.Backend = (*Memory)(nil)

type processedMark struct {
	Actor fee.Actor
	At    time.Time
}

type memState struct {
	policies    map[fee.PolicyID]fee.FeePolicy
	classes     map[fee.ClassID]fee.Class
	wallets     map[fee.StudentID]fee.Wallet
	walletTxs   []fee.WalletTransaction
	idempotency map[string]bool
	attendance  []fee.AttendanceRecord
	processed   map[fee.AttendanceID]processedMark
	deductions  []fee.FeeDeduction
	proposals   []fee.RefundProposal
	financial   []fee.FinancialTransaction
}

func newMemState() *memState {
	return &memState{
		policies:    make(map[fee.PolicyID]fee.FeePolicy),
		classes:     make(map[fee.ClassID]fee.Class),
		wallets:     make(map[fee.StudentID]fee.Wallet),
		idempotency: make(map[string]bool),
		processed:   make(map[fee.AttendanceID]processedMark),
	}
}

func NewMemory() *Memory {
	return &Memory{state: newMemState()}
}

func (m *Memory) Close() error { return nil }

// WithTx executes fn under the store lock. On error the state captured
// before fn ran is restored.
func (m *Memory) WithTx(ctx context.Context, fn func(fee.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(m.state); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (s *memState) clone() *memState {
	c := &memState{
		policies:    make(map[fee.PolicyID]fee.FeePolicy, len(s.policies)),
		classes:     make(map[fee.ClassID]fee.Class, len(s.classes)),
		wallets:     make(map[fee.StudentID]fee.Wallet, len(s.wallets)),
		idempotency: make(map[string]bool, len(s.idempotency)),
		processed:   make(map[fee.AttendanceID]processedMark, len(s.processed)),
		walletTxs:   append([]fee.WalletTransaction(nil), s.walletTxs...),
		attendance:  append([]fee.AttendanceRecord(nil), s.attendance...),
		deductions:  append([]fee.FeeDeduction(nil), s.deductions...),
		proposals:   append([]fee.RefundProposal(nil), s.proposals...),
		financial:   append([]fee.FinancialTransaction(nil), s.financial...),
	}
	for k, v := range s.policies {
		c.policies[k] = v
	}
	for k, v := range s.classes {
		c.classes[k] = v
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range s.processed {
		c.processed[k] = v
	}
	return c
}

// =============================================================================
// fee.Store (unlocked, used directly inside WithTx)
// =============================================================================

func (s *memState) FindActivePolicy(_ context.Context, branchID *fee.BranchID) (fee.FeePolicy, bool, error) {
	ids := make([]string, 0, len(s.policies))
	for id := range s.policies {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	for _, id := range ids {
		p := s.policies[fee.PolicyID(id)]
		if !p.IsActive {
			continue
		}
		switch {
		case branchID == nil && p.BranchID == nil:
			return p, true, nil
		case branchID != nil && p.BranchID != nil && *p.BranchID == *branchID:
			return p, true, nil
		}
	}
	return fee.FeePolicy{}, false, nil
}

func (s *memState) GetClass(_ context.Context, id fee.ClassID) (fee.Class, error) {
	c, ok := s.classes[id]
	if !ok {
		return fee.Class{}, fee.ErrClassNotFound
	}
	return c, nil
}

func (s *memState) RecentAttendance(_ context.Context, studentID fee.StudentID, classID fee.ClassID, until fee.HistoryBound, limit int) ([]fee.AttendanceRecord, error) {
	within := s.within(until)
	var out []fee.AttendanceRecord
	// Walk newest-inserted first so equal timestamps keep insertion order reversed.
	for i := len(s.attendance) - 1; i >= 0; i-- {
		a := s.attendance[i]
		if a.StudentID == studentID && a.ClassID == classID && within(i) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RecordedAt.After(out[j].RecordedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memState) CountAttendance(_ context.Context, f fee.AttendanceFilter) (int, error) {
	within := s.within(f.Until)
	n := 0
	for i, a := range s.attendance {
		if a.StudentID != f.StudentID || a.ClassID != f.ClassID || a.Status != f.Status {
			continue
		}
		if f.IsExcused != nil && a.IsExcused != *f.IsExcused {
			continue
		}
		if !a.RecordedAt.Before(f.From) && within(i) {
			n++
		}
	}
	return n, nil
}

// within reports whether the attendance at index i does not come after b.
// Slice position is insertion order.
func (s *memState) within(b fee.HistoryBound) func(i int) bool {
	pos := len(s.attendance)
	for i, a := range s.attendance {
		if a.ID == b.ID {
			pos = i
			break
		}
	}
	return func(i int) bool {
		at := s.attendance[i].RecordedAt
		if !at.Equal(b.RecordedAt) {
			return at.Before(b.RecordedAt)
		}
		return i <= pos
	}
}

func (s *memState) HasPenalty(_ context.Context, studentID fee.StudentID, classID fee.ClassID, from, to time.Time) (bool, error) {
	for _, d := range s.deductions {
		if d.StudentID == studentID && d.ClassID == classID &&
			d.Type == fee.DeductionPenalty && inRange(d.AttendedAt, from, to) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memState) LockWallet(_ context.Context, studentID fee.StudentID) (fee.Wallet, error) {
	w, ok := s.wallets[studentID]
	if !ok {
		return fee.Wallet{}, &fee.WalletNotFoundError{StudentID: studentID}
	}
	return w, nil
}

func (s *memState) UpdateWalletBalance(_ context.Context, w fee.Wallet) error {
	cur, ok := s.wallets[w.StudentID]
	if !ok || cur.ID != w.ID {
		return &fee.WalletNotFoundError{StudentID: w.StudentID}
	}
	cur.Balance = w.Balance
	cur.TotalSpent = w.TotalSpent
	s.wallets[w.StudentID] = cur
	return nil
}

func (s *memState) AppendWalletTransaction(_ context.Context, tx fee.WalletTransaction) error {
	if tx.IdempotencyKey != "" {
		if s.idempotency[tx.IdempotencyKey] {
			return fee.ErrAlreadyProcessed
		}
		s.idempotency[tx.IdempotencyKey] = true
	}
	s.walletTxs = append(s.walletTxs, tx)
	return nil
}

func (s *memState) AppendDeduction(_ context.Context, d fee.FeeDeduction) error {
	s.deductions = append(s.deductions, d)
	return nil
}

func (s *memState) MarkProcessed(_ context.Context, id fee.AttendanceID, actor fee.Actor, at time.Time) error {
	if _, ok := s.processed[id]; ok {
		return fee.ErrAlreadyProcessed
	}
	s.processed[id] = processedMark{Actor: actor, At: at}
	return nil
}

func (s *memState) RefundableCharges(_ context.Context, studentID fee.StudentID, classID fee.ClassID, limit int) ([]fee.FeeDeduction, error) {
	var out []fee.FeeDeduction
	for i := len(s.deductions) - 1; i >= 0; i-- {
		d := s.deductions[i]
		if d.StudentID == studentID && d.ClassID == classID && d.IsRefundable() {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AppliedAt.After(out[j].AppliedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memState) MarkRefundPending(_ context.Context, ids []fee.DeductionID, mark fee.RefundMark) error {
	want := make(map[fee.DeductionID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for i, d := range s.deductions {
		if !want[d.ID] {
			continue
		}
		status := fee.RefundPending
		count := mark.ConsecutiveCount
		d.RefundStatus = &status
		d.ConsecutiveAbsenceCount = &count
		d.RefundReason = mark.Reason
		d.Notes = appendNote(d.Notes, "Refund proposal: "+mark.ProposalCode)
		s.deductions[i] = d
	}
	return nil
}

func (s *memState) CreateRefundProposal(_ context.Context, p fee.RefundProposal) (fee.ProposalID, error) {
	s.proposals = append(s.proposals, p)
	return p.ID, nil
}

func (s *memState) CreateFinancialTransaction(_ context.Context, ft fee.FinancialTransaction) error {
	s.financial = append(s.financial, ft)
	return nil
}

// =============================================================================
// fee.Store (locked, outside transactions)
// =============================================================================

func (m *Memory) FindActivePolicy(ctx context.Context, branchID *fee.BranchID) (fee.FeePolicy, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.FindActivePolicy(ctx, branchID)
}

func (m *Memory) GetClass(ctx context.Context, id fee.ClassID) (fee.Class, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetClass(ctx, id)
}

func (m *Memory) RecentAttendance(ctx context.Context, studentID fee.StudentID, classID fee.ClassID, until fee.HistoryBound, limit int) ([]fee.AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.RecentAttendance(ctx, studentID, classID, until, limit)
}

func (m *Memory) CountAttendance(ctx context.Context, f fee.AttendanceFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CountAttendance(ctx, f)
}

func (m *Memory) HasPenalty(ctx context.Context, studentID fee.StudentID, classID fee.ClassID, from, to time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.HasPenalty(ctx, studentID, classID, from, to)
}

func (m *Memory) LockWallet(ctx context.Context, studentID fee.StudentID) (fee.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.LockWallet(ctx, studentID)
}

func (m *Memory) UpdateWalletBalance(ctx context.Context, w fee.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateWalletBalance(ctx, w)
}

func (m *Memory) AppendWalletTransaction(ctx context.Context, tx fee.WalletTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AppendWalletTransaction(ctx, tx)
}

func (m *Memory) AppendDeduction(ctx context.Context, d fee.FeeDeduction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AppendDeduction(ctx, d)
}

func (m *Memory) MarkProcessed(ctx context.Context, id fee.AttendanceID, actor fee.Actor, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.MarkProcessed(ctx, id, actor, at)
}

func (m *Memory) RefundableCharges(ctx context.Context, studentID fee.StudentID, classID fee.ClassID, limit int) ([]fee.FeeDeduction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.RefundableCharges(ctx, studentID, classID, limit)
}

func (m *Memory) MarkRefundPending(ctx context.Context, ids []fee.DeductionID, mark fee.RefundMark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.MarkRefundPending(ctx, ids, mark)
}

func (m *Memory) CreateRefundProposal(ctx context.Context, p fee.RefundProposal) (fee.ProposalID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CreateRefundProposal(ctx, p)
}

func (m *Memory) CreateFinancialTransaction(ctx context.Context, ft fee.FinancialTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CreateFinancialTransaction(ctx, ft)
}

// =============================================================================
// fee.Registry
// =============================================================================

func (m *Memory) SavePolicy(_ context.Context, p fee.FeePolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.policies[p.ID] = p
	return nil
}

func (m *Memory) SaveClass(_ context.Context, c fee.Class) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.classes[c.ID] = c
	return nil
}

func (m *Memory) SaveWallet(_ context.Context, w fee.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.wallets[w.StudentID] = w
	return nil
}

// SaveAttendance appends a record. IDs are unique.
func (m *Memory) SaveAttendance(_ context.Context, a fee.AttendanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.state.attendance {
		if cur.ID == a.ID {
			return fmt.Errorf("%w: %s", fee.ErrAttendanceExists, a.ID)
		}
	}
	a.RecordedAt = a.RecordedAt.UTC()
	m.state.attendance = append(m.state.attendance, a)
	return nil
}

func (m *Memory) GetAttendance(_ context.Context, id fee.AttendanceID) (fee.AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.state.attendance {
		if a.ID == id {
			return a, nil
		}
	}
	return fee.AttendanceRecord{}, fee.ErrAttendanceNotFound
}

func (m *Memory) GetWallet(_ context.Context, studentID fee.StudentID) (fee.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.state.wallets[studentID]
	if !ok {
		return fee.Wallet{}, &fee.WalletNotFoundError{StudentID: studentID}
	}
	return w, nil
}

func (m *Memory) ListWalletTransactions(_ context.Context, studentID fee.StudentID) ([]fee.WalletTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.state.wallets[studentID]
	if !ok {
		return nil, &fee.WalletNotFoundError{StudentID: studentID}
	}
	var out []fee.WalletTransaction
	for _, tx := range m.state.walletTxs {
		if tx.WalletID == w.ID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (m *Memory) ListDeductions(_ context.Context, studentID fee.StudentID) ([]fee.FeeDeduction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []fee.FeeDeduction
	for _, d := range m.state.deductions {
		if d.StudentID == studentID {
			out = append(out, d)
		}
	}
	return out, nil
}

// ListRefundProposals filters by status; an empty status returns all.
func (m *Memory) ListRefundProposals(_ context.Context, status fee.ProposalStatus) ([]fee.RefundProposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []fee.RefundProposal
	for _, p := range m.state.proposals {
		if status == "" || p.Status == status {
			out = append(out, p)
		}
	}
	return out, nil
}

// FinancialTransactions returns the pending expense records. Test helper.
func (m *Memory) FinancialTransactions() []fee.FinancialTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]fee.FinancialTransaction(nil), m.state.financial...)
}

func (m *Memory) UnprocessedAttendance(_ context.Context, limit int) ([]fee.AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []fee.AttendanceRecord
	for _, a := range m.state.attendance {
		if _, done := m.state.processed[a.ID]; !done {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RecordedAt.Before(out[j].RecordedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ProcessedBy(_ context.Context, id fee.AttendanceID) (fee.Actor, time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mark, ok := m.state.processed[id]
	return mark.Actor, mark.At, ok, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

func appendNote(notes, note string) string {
	if notes == "" {
		return note
	}
	return notes + " | " + note
}
