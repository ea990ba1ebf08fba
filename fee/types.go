/*
Package fee provides the attendance-based fee ledger engine.

PURPOSE:
  Decides, for a single attendance record, whether a session charge or a
  late penalty applies, debits it from the student's prepaid wallet, and
  raises a refund proposal when unexcused absences pile up past the
  policy threshold.

KEY CONCEPTS IN THIS FILE (types.go):
  - FeePolicy: Branch or global thresholds and penalty amounts
  - AttendanceRecord: One student's status for one class session
  - Wallet / WalletTransaction: Prepaid balance and its append-only ledger
  - FeeDeduction: One charge or penalty applied for an attendance record
  - RefundProposal / FinancialTransaction: Records handed to the approval workflow

DESIGN PRINCIPLES:
  1. Precision: Money is decimal.Decimal, never float64
  2. Type Safety: Strong typing for IDs prevents mixing student/class IDs
  3. Auditability: Every ledger entry carries before/after balance and actor
  4. Explicit actor: Attribution is passed in, never looked up from ambient state

SEE ALSO:
  - decision.go: Pure decision table
  - engine.go: Transactional orchestration
  - store.go: Persistence contracts
*/
package fee

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	PolicyID            string
	BranchID            string
	StudentID           string
	ClassID             string
	SessionID           string
	AttendanceID        string
	WalletID            string
	WalletTransactionID string
	DeductionID         string
	ProposalID          string
)

// Actor identifies who authorized a ledger entry or proposal.
type Actor string

// SystemActor is used when no authenticated caller is known.
const SystemActor Actor = "system"

// OrSystem returns the actor, or SystemActor when empty.
func (a Actor) OrSystem() Actor {
	if a == "" {
		return SystemActor
	}
	return a
}

// =============================================================================
// POLICY
// =============================================================================

// FeePolicy configures attendance billing for a branch, or globally when
// BranchID is nil. Read-only to the engine.
type FeePolicy struct {
	ID       PolicyID
	BranchID *BranchID
	Name     string
	IsActive bool

	// Excused absences up to this many per month are free.
	AbsenceExcusedFreeLimit int
	// A streak strictly greater than this triggers refund marking.
	AbsenceConsecutiveThreshold int
	// A monthly late count strictly greater than this triggers a penalty.
	LatePenaltyThreshold int
	LatePenaltyAmount    decimal.Decimal
}

// IsGlobal reports whether the policy has no branch scope.
func (p FeePolicy) IsGlobal() bool { return p.BranchID == nil }

// Class carries the billing attributes of a class: its branch and hourly rate.
type Class struct {
	ID         ClassID
	BranchID   *BranchID
	Name       string
	HourlyRate decimal.Decimal
}

// =============================================================================
// ATTENDANCE
// =============================================================================

type AttendanceStatus string

const (
	StatusPresent AttendanceStatus = "present"
	StatusAbsent  AttendanceStatus = "absent"
	StatusLate    AttendanceStatus = "late"
)

// AttendanceRecord is immutable once fee-processed.
type AttendanceRecord struct {
	ID         AttendanceID
	StudentID  StudentID
	ClassID    ClassID
	SessionID  SessionID
	Status     AttendanceStatus
	IsExcused  bool // meaningful only when Status is absent
	RecordedAt time.Time
}

// =============================================================================
// WALLET
// =============================================================================

type Wallet struct {
	ID         WalletID
	StudentID  StudentID
	Code       string
	Balance    decimal.Decimal
	TotalSpent decimal.Decimal
	IsLocked   bool
	LockReason string
}

type WalletTxType string

const (
	WalletTxWithdraw WalletTxType = "withdraw"
)

// WalletTransaction is an append-only ledger entry.
// Invariant: BalanceAfter = BalanceBefore - Amount for withdrawals.
type WalletTransaction struct {
	ID             WalletTransactionID
	WalletID       WalletID
	Code           string
	Type           WalletTxType
	Amount         decimal.Decimal
	BalanceBefore  decimal.Decimal
	BalanceAfter   decimal.Decimal
	Description    string
	IdempotencyKey string
	CreatedBy      Actor
	CreatedAt      time.Time
}

// =============================================================================
// DEDUCTION
// =============================================================================

type DeductionType string

const (
	DeductionCharge  DeductionType = "charge"
	DeductionPenalty DeductionType = "penalty"
)

type RefundStatus string

const (
	RefundPending  RefundStatus = "pending"
	RefundApproved RefundStatus = "approved"
	RefundRejected RefundStatus = "rejected"
)

// FeeDeduction records one charge or penalty. Exactly one WalletTransaction
// backs each deduction. RefundStatus moves nil -> pending only in this engine.
type FeeDeduction struct {
	ID                  DeductionID
	AttendanceID        AttendanceID
	StudentID           StudentID
	ClassID             ClassID
	SessionID           SessionID
	PolicyID            PolicyID
	Type                DeductionType
	Category            Category
	HourlyRate          decimal.Decimal
	DeductionPercent    decimal.Decimal
	DeductionAmount     decimal.Decimal
	WalletTransactionID WalletTransactionID
	Notes               string
	AttendedAt          time.Time // RecordedAt of the attendance, used for monthly buckets
	AppliedAt           time.Time

	RefundStatus            *RefundStatus
	ConsecutiveAbsenceCount *int
	RefundReason            string
}

// IsRefundable reports whether the deduction can still join a refund batch.
func (d FeeDeduction) IsRefundable() bool {
	return d.Type == DeductionCharge && d.Category == CategoryUnexcusedAbsence && d.RefundStatus == nil
}

// =============================================================================
// REFUND WORKFLOW RECORDS
// =============================================================================

type ProposalStatus string

const ProposalPending ProposalStatus = "pending"

// PaymentMethodWalletDeposit pays an approved refund back into the wallet.
const PaymentMethodWalletDeposit = "wallet_deposit"

// RefundProposal is created here but owned by the approval workflow.
type RefundProposal struct {
	ID            ProposalID
	Code          string
	Title         string
	Description   string
	Amount        decimal.Decimal
	Status        ProposalStatus
	StudentID     StudentID
	ClassID       ClassID
	BranchID      *BranchID
	PaymentMethod string
	RequestedBy   Actor
	RequestedAt   time.Time
}

// RefundMetadata ties a pending financial transaction to its deduction batch.
type RefundMetadata struct {
	StudentID        StudentID     `json:"student_id"`
	ClassID          ClassID       `json:"class_id"`
	ConsecutiveCount int           `json:"consecutive_count"`
	DeductionIDs     []DeductionID `json:"deduction_ids"`
}

// FinancialTransaction is the pending expense mirrored for accounting.
type FinancialTransaction struct {
	ID              string
	Type            string // always "expense" here
	Status          string // always "pending" here
	ProposalID      ProposalID
	Amount          decimal.Decimal
	Description     string
	PaymentMethod   string
	RecordedBy      Actor
	BranchID        *BranchID
	TransactionDate time.Time
	Metadata        RefundMetadata
}

// RefundMark is applied to every deduction of a refund batch.
type RefundMark struct {
	ConsecutiveCount int
	Reason           string
	ProposalCode     string
}
