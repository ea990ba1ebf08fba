package postgres

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/Hoanganh010999/songthuyeducation-sub005/fee"
)

// Table models. Money columns are numeric; decimal.Decimal scans them exactly.

type policyModel struct {
	ID                          string          `gorm:"column:id;primaryKey"`
	BranchID                    *string         `gorm:"column:branch_id;index:idx_fee_policies_scope"`
	Name                        string          `gorm:"column:name;not null"`
	IsActive                    bool            `gorm:"column:is_active;not null;index:idx_fee_policies_scope"`
	AbsenceExcusedFreeLimit     int             `gorm:"column:absence_excused_free_limit;not null"`
	AbsenceConsecutiveThreshold int             `gorm:"column:absence_consecutive_threshold;not null"`
	LatePenaltyThreshold        int             `gorm:"column:late_penalty_threshold;not null"`
	LatePenaltyAmount           decimal.Decimal `gorm:"column:late_penalty_amount;type:numeric(18,2);not null"`
}

func (policyModel) TableName() string { return "fee_policies" }

type classModel struct {
	ID         string          `gorm:"column:id;primaryKey"`
	BranchID   *string         `gorm:"column:branch_id"`
	Name       string          `gorm:"column:name;not null"`
	HourlyRate decimal.Decimal `gorm:"column:hourly_rate;type:numeric(18,2);not null"`
}

func (classModel) TableName() string { return "classes" }

// Seq is a bigserial giving insertion order; it breaks recorded_at ties.
type attendanceModel struct {
	Seq        int64     `gorm:"column:seq;autoIncrement;not null;uniqueIndex"`
	ID         string    `gorm:"column:id;primaryKey"`
	StudentID  string    `gorm:"column:student_id;not null;index:idx_attendances_student_class,priority:1"`
	ClassID    string    `gorm:"column:class_id;not null;index:idx_attendances_student_class,priority:2"`
	SessionID  string    `gorm:"column:session_id;not null"`
	Status     string    `gorm:"column:status;not null"`
	IsExcused  bool      `gorm:"column:is_excused;not null"`
	RecordedAt time.Time `gorm:"column:recorded_at;type:timestamptz;not null;index:idx_attendances_student_class,priority:3"`
}

func (attendanceModel) TableName() string { return "attendances" }

type processedModel struct {
	AttendanceID string    `gorm:"column:attendance_id;primaryKey"`
	ProcessedBy  string    `gorm:"column:processed_by;not null"`
	ProcessedAt  time.Time `gorm:"column:processed_at;type:timestamptz;not null"`
}

func (processedModel) TableName() string { return "processed_attendances" }

type walletModel struct {
	ID         string          `gorm:"column:id;primaryKey"`
	StudentID  string          `gorm:"column:student_id;not null;uniqueIndex"`
	Code       string          `gorm:"column:code;not null"`
	Balance    decimal.Decimal `gorm:"column:balance;type:numeric(18,2);not null"`
	TotalSpent decimal.Decimal `gorm:"column:total_spent;type:numeric(18,2);not null"`
	IsLocked   bool            `gorm:"column:is_locked;not null"`
	LockReason string          `gorm:"column:lock_reason;not null"`
}

func (walletModel) TableName() string { return "wallets" }

type walletTxModel struct {
	ID             string          `gorm:"column:id;primaryKey"`
	WalletID       string          `gorm:"column:wallet_id;not null;index"`
	Code           string          `gorm:"column:code;not null"`
	Type           string          `gorm:"column:type;not null"`
	Amount         decimal.Decimal `gorm:"column:amount;type:numeric(18,2);not null"`
	BalanceBefore  decimal.Decimal `gorm:"column:balance_before;type:numeric(18,2);not null"`
	BalanceAfter   decimal.Decimal `gorm:"column:balance_after;type:numeric(18,2);not null"`
	Description    string          `gorm:"column:description;not null"`
	IdempotencyKey *string         `gorm:"column:idempotency_key;uniqueIndex"`
	CreatedBy      string          `gorm:"column:created_by;not null"`
	CreatedAt      time.Time       `gorm:"column:created_at;type:timestamptz;not null"`
}

func (walletTxModel) TableName() string { return "wallet_transactions" }

type deductionModel struct {
	ID                      string          `gorm:"column:id;primaryKey"`
	AttendanceID            string          `gorm:"column:attendance_id;not null;uniqueIndex:idx_fee_deductions_attendance_type,priority:1"`
	StudentID               string          `gorm:"column:student_id;not null;index:idx_fee_deductions_student_class,priority:1"`
	ClassID                 string          `gorm:"column:class_id;not null;index:idx_fee_deductions_student_class,priority:2"`
	SessionID               string          `gorm:"column:session_id;not null"`
	PolicyID                string          `gorm:"column:policy_id;not null"`
	TransactionType         string          `gorm:"column:transaction_type;not null;uniqueIndex:idx_fee_deductions_attendance_type,priority:2"`
	Category                string          `gorm:"column:category;not null"`
	HourlyRate              decimal.Decimal `gorm:"column:hourly_rate;type:numeric(18,2);not null"`
	DeductionPercent        decimal.Decimal `gorm:"column:deduction_percent;type:numeric(5,2);not null"`
	DeductionAmount         decimal.Decimal `gorm:"column:deduction_amount;type:numeric(18,2);not null"`
	WalletTransactionID     string          `gorm:"column:wallet_transaction_id;not null;uniqueIndex"`
	Notes                   string          `gorm:"column:notes;not null"`
	AttendedAt              time.Time       `gorm:"column:attended_at;type:timestamptz;not null"`
	AppliedAt               time.Time       `gorm:"column:applied_at;type:timestamptz;not null;index:idx_fee_deductions_student_class,priority:3"`
	RefundStatus            *string         `gorm:"column:refund_status"`
	ConsecutiveAbsenceCount *int            `gorm:"column:consecutive_absence_count"`
	RefundReason            string          `gorm:"column:refund_reason;not null"`
}

func (deductionModel) TableName() string { return "fee_deductions" }

type proposalModel struct {
	ID            string          `gorm:"column:id;primaryKey"`
	Code          string          `gorm:"column:code;not null;uniqueIndex"`
	Title         string          `gorm:"column:title;not null"`
	Description   string          `gorm:"column:description;not null"`
	Amount        decimal.Decimal `gorm:"column:amount;type:numeric(18,2);not null"`
	Status        string          `gorm:"column:status;not null;index"`
	StudentID     string          `gorm:"column:student_id;not null"`
	ClassID       string          `gorm:"column:class_id;not null"`
	BranchID      *string         `gorm:"column:branch_id"`
	PaymentMethod string          `gorm:"column:payment_method;not null"`
	RequestedBy   string          `gorm:"column:requested_by;not null"`
	RequestedAt   time.Time       `gorm:"column:requested_at;type:timestamptz;not null"`
}

func (proposalModel) TableName() string { return "refund_proposals" }

type financialTxModel struct {
	ID              string          `gorm:"column:id;primaryKey"`
	Type            string          `gorm:"column:type;not null"`
	Status          string          `gorm:"column:status;not null"`
	ProposalID      string          `gorm:"column:proposal_id;not null;index"`
	Amount          decimal.Decimal `gorm:"column:amount;type:numeric(18,2);not null"`
	Description     string          `gorm:"column:description;not null"`
	PaymentMethod   string          `gorm:"column:payment_method;not null"`
	RecordedBy      string          `gorm:"column:recorded_by;not null"`
	BranchID        *string         `gorm:"column:branch_id"`
	TransactionDate time.Time       `gorm:"column:transaction_date;type:timestamptz;not null"`
	Metadata        datatypes.JSON  `gorm:"column:metadata;type:jsonb;not null"`
}

func (financialTxModel) TableName() string { return "financial_transactions" }

func allModels() []any {
	return []any{
		&policyModel{}, &classModel{}, &attendanceModel{}, &processedModel{},
		&walletModel{}, &walletTxModel{}, &deductionModel{},
		&proposalModel{}, &financialTxModel{},
	}
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toBranch(b *string) *fee.BranchID {
	if b == nil {
		return nil
	}
	id := fee.BranchID(*b)
	return &id
}

func fromBranch(b *fee.BranchID) *string {
	if b == nil {
		return nil
	}
	s := string(*b)
	return &s
}

func (m policyModel) toDomain() fee.FeePolicy {
	return fee.FeePolicy{
		ID:                          fee.PolicyID(m.ID),
		BranchID:                    toBranch(m.BranchID),
		Name:                        m.Name,
		IsActive:                    m.IsActive,
		AbsenceExcusedFreeLimit:     m.AbsenceExcusedFreeLimit,
		AbsenceConsecutiveThreshold: m.AbsenceConsecutiveThreshold,
		LatePenaltyThreshold:        m.LatePenaltyThreshold,
		LatePenaltyAmount:           m.LatePenaltyAmount,
	}
}

func (m attendanceModel) toDomain() fee.AttendanceRecord {
	return fee.AttendanceRecord{
		ID:         fee.AttendanceID(m.ID),
		StudentID:  fee.StudentID(m.StudentID),
		ClassID:    fee.ClassID(m.ClassID),
		SessionID:  fee.SessionID(m.SessionID),
		Status:     fee.AttendanceStatus(m.Status),
		IsExcused:  m.IsExcused,
		RecordedAt: m.RecordedAt.UTC(),
	}
}

func (m walletModel) toDomain() fee.Wallet {
	return fee.Wallet{
		ID:         fee.WalletID(m.ID),
		StudentID:  fee.StudentID(m.StudentID),
		Code:       m.Code,
		Balance:    m.Balance,
		TotalSpent: m.TotalSpent,
		IsLocked:   m.IsLocked,
		LockReason: m.LockReason,
	}
}

func (m walletTxModel) toDomain() fee.WalletTransaction {
	tx := fee.WalletTransaction{
		ID:            fee.WalletTransactionID(m.ID),
		WalletID:      fee.WalletID(m.WalletID),
		Code:          m.Code,
		Type:          fee.WalletTxType(m.Type),
		Amount:        m.Amount,
		BalanceBefore: m.BalanceBefore,
		BalanceAfter:  m.BalanceAfter,
		Description:   m.Description,
		CreatedBy:     fee.Actor(m.CreatedBy),
		CreatedAt:     m.CreatedAt.UTC(),
	}
	if m.IdempotencyKey != nil {
		tx.IdempotencyKey = *m.IdempotencyKey
	}
	return tx
}

func fromDeduction(d fee.FeeDeduction) deductionModel {
	m := deductionModel{
		ID:                      string(d.ID),
		AttendanceID:            string(d.AttendanceID),
		StudentID:               string(d.StudentID),
		ClassID:                 string(d.ClassID),
		SessionID:               string(d.SessionID),
		PolicyID:                string(d.PolicyID),
		TransactionType:         string(d.Type),
		Category:                string(d.Category),
		HourlyRate:              d.HourlyRate,
		DeductionPercent:        d.DeductionPercent,
		DeductionAmount:         d.DeductionAmount,
		WalletTransactionID:     string(d.WalletTransactionID),
		Notes:                   d.Notes,
		AttendedAt:              d.AttendedAt.UTC(),
		AppliedAt:               d.AppliedAt.UTC(),
		ConsecutiveAbsenceCount: d.ConsecutiveAbsenceCount,
		RefundReason:            d.RefundReason,
	}
	if d.RefundStatus != nil {
		s := string(*d.RefundStatus)
		m.RefundStatus = &s
	}
	return m
}

func (m deductionModel) toDomain() fee.FeeDeduction {
	d := fee.FeeDeduction{
		ID:                      fee.DeductionID(m.ID),
		AttendanceID:            fee.AttendanceID(m.AttendanceID),
		StudentID:               fee.StudentID(m.StudentID),
		ClassID:                 fee.ClassID(m.ClassID),
		SessionID:               fee.SessionID(m.SessionID),
		PolicyID:                fee.PolicyID(m.PolicyID),
		Type:                    fee.DeductionType(m.TransactionType),
		Category:                fee.Category(m.Category),
		HourlyRate:              m.HourlyRate,
		DeductionPercent:        m.DeductionPercent,
		DeductionAmount:         m.DeductionAmount,
		WalletTransactionID:     fee.WalletTransactionID(m.WalletTransactionID),
		Notes:                   m.Notes,
		AttendedAt:              m.AttendedAt.UTC(),
		AppliedAt:               m.AppliedAt.UTC(),
		ConsecutiveAbsenceCount: m.ConsecutiveAbsenceCount,
		RefundReason:            m.RefundReason,
	}
	if m.RefundStatus != nil {
		rs := fee.RefundStatus(*m.RefundStatus)
		d.RefundStatus = &rs
	}
	return d
}

func (m proposalModel) toDomain() fee.RefundProposal {
	return fee.RefundProposal{
		ID:            fee.ProposalID(m.ID),
		Code:          m.Code,
		Title:         m.Title,
		Description:   m.Description,
		Amount:        m.Amount,
		Status:        fee.ProposalStatus(m.Status),
		StudentID:     fee.StudentID(m.StudentID),
		ClassID:       fee.ClassID(m.ClassID),
		BranchID:      toBranch(m.BranchID),
		PaymentMethod: m.PaymentMethod,
		RequestedBy:   fee.Actor(m.RequestedBy),
		RequestedAt:   m.RequestedAt.UTC(),
	}
}

func fromFinancialTx(ft fee.FinancialTransaction) (financialTxModel, error) {
	meta, err := json.Marshal(ft.Metadata)
	if err != nil {
		return financialTxModel{}, err
	}
	return financialTxModel{
		ID:              ft.ID,
		Type:            ft.Type,
		Status:          ft.Status,
		ProposalID:      string(ft.ProposalID),
		Amount:          ft.Amount,
		Description:     ft.Description,
		PaymentMethod:   ft.PaymentMethod,
		RecordedBy:      string(ft.RecordedBy),
		BranchID:        fromBranch(ft.BranchID),
		TransactionDate: ft.TransactionDate.UTC(),
		Metadata:        datatypes.JSON(meta),
	}, nil
}
