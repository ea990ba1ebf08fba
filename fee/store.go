/*
store.go - Persistence contracts for the fee engine

KEY INTERFACES:
  Store:    Everything one engine run reads or writes
  TxStore:  Store plus all-or-nothing transactions
  Registry: Seeding and read models for outer surfaces (HTTP, scheduler)
  Backend:  What a concrete storage implementation provides

APPEND-ONLY CONTRACT:
  Wallet transactions and fee deductions are never deleted. The only
  in-place updates are the wallet balance (under lock) and the refund
  tracking columns of a deduction (nil -> pending).

LOCKING:
  LockWallet must serialize concurrent runs touching the same wallet until
  the surrounding transaction ends (row lock, single writer, or mutex).

IMPLEMENTATIONS:
  - fee/store/memory.go:   In-memory, for tests and demos
  - store/sqlite/sqlite.go: SQLite, single-writer
  - store/postgres:         Postgres via gorm, SELECT ... FOR UPDATE
*/
package fee

import (
	"context"
	"time"
)

// StreakWindow bounds how many attendance records the streak scan reads.
const StreakWindow = 50

// HistoryBound cuts a student's attendance history at one record. Rows
// recorded after it are excluded, and so are rows sharing its RecordedAt
// that were stored after it. When ID is not stored, every row at
// RecordedAt is included.
type HistoryBound struct {
	ID         AttendanceID
	RecordedAt time.Time
}

// BoundAt returns the bound that ends history at r, r included.
func BoundAt(r AttendanceRecord) HistoryBound {
	return HistoryBound{ID: r.ID, RecordedAt: r.RecordedAt}
}

// AttendanceFilter selects attendance rows for the monthly counters.
// A nil IsExcused matches both values. Rows are counted from From
// (inclusive) up to and including Until.
type AttendanceFilter struct {
	StudentID StudentID
	ClassID   ClassID
	Status    AttendanceStatus
	IsExcused *bool
	From      time.Time
	Until     HistoryBound
}

// =============================================================================
// STORE - Everything a single run touches
// =============================================================================

type Store interface {
	// FindActivePolicy returns the active policy for a branch, or the global
	// one when branchID is nil. found is false when none exists.
	FindActivePolicy(ctx context.Context, branchID *BranchID) (policy FeePolicy, found bool, err error)

	// GetClass returns ErrClassNotFound when missing.
	GetClass(ctx context.Context, id ClassID) (Class, error)

	// RecentAttendance returns up to limit records for student+class that do
	// not come after until, newest first.
	RecentAttendance(ctx context.Context, studentID StudentID, classID ClassID, until HistoryBound, limit int) ([]AttendanceRecord, error)

	// CountAttendance counts records matching the filter.
	CountAttendance(ctx context.Context, f AttendanceFilter) (int, error)

	// HasPenalty reports whether a penalty deduction for student+class has
	// AttendedAt in [from, to).
	HasPenalty(ctx context.Context, studentID StudentID, classID ClassID, from, to time.Time) (bool, error)

	// LockWallet loads the student's wallet and holds it until the transaction
	// ends. Returns *WalletNotFoundError when missing.
	LockWallet(ctx context.Context, studentID StudentID) (Wallet, error)

	// UpdateWalletBalance stores the new balance and spent total.
	UpdateWalletBalance(ctx context.Context, w Wallet) error

	// AppendWalletTransaction writes a ledger entry. Duplicate idempotency
	// keys return ErrAlreadyProcessed.
	AppendWalletTransaction(ctx context.Context, tx WalletTransaction) error

	AppendDeduction(ctx context.Context, d FeeDeduction) error

	// MarkProcessed records that an attendance has been fee-processed.
	// Returns ErrAlreadyProcessed if it already was.
	MarkProcessed(ctx context.Context, id AttendanceID, actor Actor, at time.Time) error

	// RefundableCharges returns up to limit deductions for which
	// IsRefundable() holds, newest AppliedAt first.
	RefundableCharges(ctx context.Context, studentID StudentID, classID ClassID, limit int) ([]FeeDeduction, error)

	// MarkRefundPending sets the refund tracking fields on every listed deduction.
	MarkRefundPending(ctx context.Context, ids []DeductionID, mark RefundMark) error

	CreateRefundProposal(ctx context.Context, p RefundProposal) (ProposalID, error)
	CreateFinancialTransaction(ctx context.Context, ft FinancialTransaction) error
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the given Store is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// REGISTRY - Seeding and read models
// =============================================================================

type Registry interface {
	SavePolicy(ctx context.Context, p FeePolicy) error
	SaveClass(ctx context.Context, c Class) error
	SaveWallet(ctx context.Context, w Wallet) error

	// SaveAttendance inserts a new record. Stored records are never
	// rewritten: an existing ID returns ErrAttendanceExists.
	SaveAttendance(ctx context.Context, a AttendanceRecord) error

	GetAttendance(ctx context.Context, id AttendanceID) (AttendanceRecord, error)
	GetWallet(ctx context.Context, studentID StudentID) (Wallet, error)
	ListWalletTransactions(ctx context.Context, studentID StudentID) ([]WalletTransaction, error)
	ListDeductions(ctx context.Context, studentID StudentID) ([]FeeDeduction, error)
	ListRefundProposals(ctx context.Context, status ProposalStatus) ([]RefundProposal, error)

	// UnprocessedAttendance returns records without a processed marker, oldest first.
	UnprocessedAttendance(ctx context.Context, limit int) ([]AttendanceRecord, error)

	// ProcessedBy returns who fee-processed an attendance record. ok is false
	// when it has not been processed.
	ProcessedBy(ctx context.Context, id AttendanceID) (actor Actor, at time.Time, ok bool, err error)
}

// Backend is a complete storage implementation.
type Backend interface {
	TxStore
	Registry
	Close() error
}
