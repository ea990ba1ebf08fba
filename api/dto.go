/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the fee domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Attendance:
    RecordAttendanceRequest, AttendanceDTO, ProcessResultDTO
  Wallet:
    WalletDTO, WalletTransactionDTO
  Deductions / refunds:
    DeductionDTO, RefundProposalDTO

VALIDATION:
  Request types carry go-playground/validator tags. Handlers call
  h.validate.Struct before touching the store.

MONEY:
  decimal.Decimal marshals as a JSON string ("150000"), never a float.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/policy.go: PolicyJSON type
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Hoanganh010999/songthuyeducation-sub005/fee"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// RecordAttendanceRequest stores an attendance record and charges it.
type RecordAttendanceRequest struct {
	ID         string     `json:"id" validate:"required"`
	StudentID  string     `json:"student_id" validate:"required"`
	ClassID    string     `json:"class_id" validate:"required"`
	SessionID  string     `json:"session_id" validate:"required"`
	Status     string     `json:"status" validate:"required,oneof=present absent late"`
	IsExcused  bool       `json:"is_excused"`
	RecordedAt *time.Time `json:"recorded_at,omitempty"`
}

func (r RecordAttendanceRequest) toRecord(now time.Time) fee.AttendanceRecord {
	recordedAt := now
	if r.RecordedAt != nil {
		recordedAt = *r.RecordedAt
	}
	return fee.AttendanceRecord{
		ID:         fee.AttendanceID(r.ID),
		StudentID:  fee.StudentID(r.StudentID),
		ClassID:    fee.ClassID(r.ClassID),
		SessionID:  fee.SessionID(r.SessionID),
		Status:     fee.AttendanceStatus(r.Status),
		IsExcused:  r.IsExcused,
		RecordedAt: recordedAt.UTC(),
	}
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// AttendanceDTO is a stored record plus its fee-processing marker.
type AttendanceDTO struct {
	ID          string  `json:"id"`
	StudentID   string  `json:"student_id"`
	ClassID     string  `json:"class_id"`
	SessionID   string  `json:"session_id"`
	Status      string  `json:"status"`
	IsExcused   bool    `json:"is_excused"`
	RecordedAt  string  `json:"recorded_at"`
	Processed   bool    `json:"fee_processed"`
	ProcessedBy *string `json:"processed_by,omitempty"`
	ProcessedAt *string `json:"processed_at,omitempty"`
}

// ProcessResultDTO mirrors fee.Result.
type ProcessResultDTO struct {
	AttendanceID string             `json:"attendance_id"`
	Success      bool               `json:"success"`
	Message      string             `json:"message,omitempty"`
	Deductions   []DeductionDTO     `json:"deductions"`
	Refund       *RefundProposalDTO `json:"refund_proposal,omitempty"`
	RefundError  string             `json:"refund_error,omitempty"`
}

type WalletDTO struct {
	ID         string          `json:"id"`
	StudentID  string          `json:"student_id"`
	Code       string          `json:"code"`
	Balance    decimal.Decimal `json:"balance"`
	TotalSpent decimal.Decimal `json:"total_spent"`
	IsLocked   bool            `json:"is_locked"`
	LockReason string          `json:"lock_reason,omitempty"`
}

type WalletTransactionDTO struct {
	ID            string          `json:"id"`
	Code          string          `json:"code"`
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Description   string          `json:"description"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     string          `json:"created_at"`
}

type DeductionDTO struct {
	ID                      string          `json:"id"`
	AttendanceID            string          `json:"attendance_id"`
	ClassID                 string          `json:"class_id"`
	SessionID               string          `json:"session_id"`
	PolicyID                string          `json:"policy_id"`
	Type                    string          `json:"type"`
	Category                string          `json:"category"`
	HourlyRate              decimal.Decimal `json:"hourly_rate"`
	DeductionPercent        decimal.Decimal `json:"deduction_percent"`
	DeductionAmount         decimal.Decimal `json:"deduction_amount"`
	WalletTransactionID     string          `json:"wallet_transaction_id"`
	Notes                   string          `json:"notes,omitempty"`
	AppliedAt               string          `json:"applied_at"`
	RefundStatus            *string         `json:"refund_status,omitempty"`
	ConsecutiveAbsenceCount *int            `json:"consecutive_absence_count,omitempty"`
	RefundReason            string          `json:"refund_reason,omitempty"`
}

type RefundProposalDTO struct {
	ID            string          `json:"id"`
	Code          string          `json:"code"`
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status"`
	StudentID     string          `json:"student_id"`
	ClassID       string          `json:"class_id"`
	BranchID      *string         `json:"branch_id,omitempty"`
	PaymentMethod string          `json:"payment_method"`
	RequestedBy   string          `json:"requested_by"`
	RequestedAt   string          `json:"requested_at"`
	DeductionIDs  []string        `json:"deduction_ids,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toWalletDTO(w fee.Wallet) WalletDTO {
	return WalletDTO{
		ID:         string(w.ID),
		StudentID:  string(w.StudentID),
		Code:       w.Code,
		Balance:    w.Balance,
		TotalSpent: w.TotalSpent,
		IsLocked:   w.IsLocked,
		LockReason: w.LockReason,
	}
}

func toWalletTransactionDTO(tx fee.WalletTransaction) WalletTransactionDTO {
	return WalletTransactionDTO{
		ID:            string(tx.ID),
		Code:          tx.Code,
		Type:          string(tx.Type),
		Amount:        tx.Amount,
		BalanceBefore: tx.BalanceBefore,
		BalanceAfter:  tx.BalanceAfter,
		Description:   tx.Description,
		CreatedBy:     string(tx.CreatedBy),
		CreatedAt:     tx.CreatedAt.Format(time.RFC3339),
	}
}

func toDeductionDTO(d fee.FeeDeduction) DeductionDTO {
	dto := DeductionDTO{
		ID:                      string(d.ID),
		AttendanceID:            string(d.AttendanceID),
		ClassID:                 string(d.ClassID),
		SessionID:               string(d.SessionID),
		PolicyID:                string(d.PolicyID),
		Type:                    string(d.Type),
		Category:                string(d.Category),
		HourlyRate:              d.HourlyRate,
		DeductionPercent:        d.DeductionPercent,
		DeductionAmount:         d.DeductionAmount,
		WalletTransactionID:     string(d.WalletTransactionID),
		Notes:                   d.Notes,
		AppliedAt:               d.AppliedAt.Format(time.RFC3339),
		ConsecutiveAbsenceCount: d.ConsecutiveAbsenceCount,
		RefundReason:            d.RefundReason,
	}
	if d.RefundStatus != nil {
		dto.RefundStatus = strPtr(string(*d.RefundStatus))
	}
	return dto
}

func toDeductionDTOs(ds []fee.FeeDeduction) []DeductionDTO {
	dtos := make([]DeductionDTO, len(ds))
	for i, d := range ds {
		dtos[i] = toDeductionDTO(d)
	}
	return dtos
}

func toRefundProposalDTO(p fee.RefundProposal, deductionIDs []fee.DeductionID) RefundProposalDTO {
	dto := RefundProposalDTO{
		ID:            string(p.ID),
		Code:          p.Code,
		Title:         p.Title,
		Description:   p.Description,
		Amount:        p.Amount,
		Status:        string(p.Status),
		StudentID:     string(p.StudentID),
		ClassID:       string(p.ClassID),
		PaymentMethod: p.PaymentMethod,
		RequestedBy:   string(p.RequestedBy),
		RequestedAt:   p.RequestedAt.Format(time.RFC3339),
	}
	if p.BranchID != nil {
		dto.BranchID = strPtr(string(*p.BranchID))
	}
	for _, id := range deductionIDs {
		dto.DeductionIDs = append(dto.DeductionIDs, string(id))
	}
	return dto
}

func toAttendanceDTO(a fee.AttendanceRecord) AttendanceDTO {
	return AttendanceDTO{
		ID:         string(a.ID),
		StudentID:  string(a.StudentID),
		ClassID:    string(a.ClassID),
		SessionID:  string(a.SessionID),
		Status:     string(a.Status),
		IsExcused:  a.IsExcused,
		RecordedAt: a.RecordedAt.Format(time.RFC3339),
	}
}

func toProcessResultDTO(id fee.AttendanceID, res fee.Result) ProcessResultDTO {
	dto := ProcessResultDTO{
		AttendanceID: string(id),
		Success:      res.Success,
		Message:      res.Message,
		Deductions:   toDeductionDTOs(res.Deductions),
	}
	if res.Refund != nil {
		refund := toRefundProposalDTO(res.Refund.Proposal, res.Refund.DeductionIDs)
		dto.Refund = &refund
	}
	if res.RefundErr != nil {
		dto.RefundError = res.RefundErr.Error()
	}
	return dto
}

func strPtr(s string) *string {
	return &s
}
