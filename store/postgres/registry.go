package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Hoanganh010999/songthuyeducation-sub005/fee"
)

// =============================================================================
// SEEDING
// =============================================================================

func (s *Store) upsert(ctx context.Context, row any, columns []string, op string) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Store) SavePolicy(ctx context.Context, p fee.FeePolicy) error {
	return s.upsert(ctx, &policyModel{
		ID:                          string(p.ID),
		BranchID:                    fromBranch(p.BranchID),
		Name:                        p.Name,
		IsActive:                    p.IsActive,
		AbsenceExcusedFreeLimit:     p.AbsenceExcusedFreeLimit,
		AbsenceConsecutiveThreshold: p.AbsenceConsecutiveThreshold,
		LatePenaltyThreshold:        p.LatePenaltyThreshold,
		LatePenaltyAmount:           p.LatePenaltyAmount,
	}, []string{
		"branch_id", "name", "is_active", "absence_excused_free_limit",
		"absence_consecutive_threshold", "late_penalty_threshold", "late_penalty_amount",
	}, "save policy")
}

func (s *Store) SaveClass(ctx context.Context, c fee.Class) error {
	return s.upsert(ctx, &classModel{
		ID:         string(c.ID),
		BranchID:   fromBranch(c.BranchID),
		Name:       c.Name,
		HourlyRate: c.HourlyRate,
	}, []string{"branch_id", "name", "hourly_rate"}, "save class")
}

func (s *Store) SaveWallet(ctx context.Context, w fee.Wallet) error {
	return s.upsert(ctx, &walletModel{
		ID:         string(w.ID),
		StudentID:  string(w.StudentID),
		Code:       w.Code,
		Balance:    w.Balance,
		TotalSpent: w.TotalSpent,
		IsLocked:   w.IsLocked,
		LockReason: w.LockReason,
	}, []string{"student_id", "code", "balance", "total_spent", "is_locked", "lock_reason"}, "save wallet")
}

// SaveAttendance inserts a record. The primary key rejects a second save.
func (s *Store) SaveAttendance(ctx context.Context, a fee.AttendanceRecord) error {
	err := s.db.WithContext(ctx).Create(&attendanceModel{
		ID:         string(a.ID),
		StudentID:  string(a.StudentID),
		ClassID:    string(a.ClassID),
		SessionID:  string(a.SessionID),
		Status:     string(a.Status),
		IsExcused:  a.IsExcused,
		RecordedAt: pgTime(a.RecordedAt),
	}).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s", fee.ErrAttendanceExists, a.ID)
	}
	if err != nil {
		return fmt.Errorf("save attendance: %w", err)
	}
	return nil
}

// =============================================================================
// READ MODELS
// =============================================================================

func (s *Store) GetAttendance(ctx context.Context, id fee.AttendanceID) (fee.AttendanceRecord, error) {
	var m attendanceModel
	err := s.db.WithContext(ctx).Where("id = ?", string(id)).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fee.AttendanceRecord{}, fmt.Errorf("%w: %s", fee.ErrAttendanceNotFound, id)
	}
	if err != nil {
		return fee.AttendanceRecord{}, fmt.Errorf("get attendance: %w", err)
	}
	return m.toDomain(), nil
}

func (s *Store) GetWallet(ctx context.Context, studentID fee.StudentID) (fee.Wallet, error) {
	var m walletModel
	err := s.db.WithContext(ctx).Where("student_id = ?", string(studentID)).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fee.Wallet{}, &fee.WalletNotFoundError{StudentID: studentID}
	}
	if err != nil {
		return fee.Wallet{}, fmt.Errorf("get wallet: %w", err)
	}
	return m.toDomain(), nil
}

func (s *Store) ListWalletTransactions(ctx context.Context, studentID fee.StudentID) ([]fee.WalletTransaction, error) {
	w, err := s.GetWallet(ctx, studentID)
	if err != nil {
		return nil, err
	}

	var rows []walletTxModel
	err = s.db.WithContext(ctx).
		Where("wallet_id = ?", string(w.ID)).
		Order("created_at").Order("balance_before DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list wallet transactions: %w", err)
	}
	out := make([]fee.WalletTransaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) ListDeductions(ctx context.Context, studentID fee.StudentID) ([]fee.FeeDeduction, error) {
	return findDeductions(s.db.WithContext(ctx).
		Where("student_id = ?", string(studentID)).
		Order("applied_at").Order("id"))
}

func (s *Store) ListRefundProposals(ctx context.Context, status fee.ProposalStatus) ([]fee.RefundProposal, error) {
	q := s.db.WithContext(ctx).Order("requested_at").Order("code")
	if status != "" {
		q = q.Where("status = ?", string(status))
	}

	var rows []proposalModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list refund proposals: %w", err)
	}
	out := make([]fee.RefundProposal, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) UnprocessedAttendance(ctx context.Context, limit int) ([]fee.AttendanceRecord, error) {
	q := s.db.WithContext(ctx).
		Where("NOT EXISTS (SELECT 1 FROM processed_attendances p WHERE p.attendance_id = attendances.id)").
		Order("recorded_at").Order("seq")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []attendanceModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("unprocessed attendance: %w", err)
	}
	out := make([]fee.AttendanceRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// ProcessedBy returns who processed an attendance record, if anyone.
func (s *Store) ProcessedBy(ctx context.Context, id fee.AttendanceID) (fee.Actor, time.Time, bool, error) {
	var m processedModel
	err := s.db.WithContext(ctx).Where("attendance_id = ?", string(id)).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("processed by: %w", err)
	}
	return fee.Actor(m.ProcessedBy), m.ProcessedAt.UTC(), true, nil
}
