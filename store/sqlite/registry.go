package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Hoanganh010999/songthuyeducation-sub005/fee"
)

// =============================================================================
// SEEDING
// =============================================================================

func (s *Store) SavePolicy(ctx context.Context, p fee.FeePolicy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fee_policies (
			id, branch_id, name, is_active, absence_excused_free_limit,
			absence_consecutive_threshold, late_penalty_threshold, late_penalty_amount
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			branch_id = excluded.branch_id,
			name = excluded.name,
			is_active = excluded.is_active,
			absence_excused_free_limit = excluded.absence_excused_free_limit,
			absence_consecutive_threshold = excluded.absence_consecutive_threshold,
			late_penalty_threshold = excluded.late_penalty_threshold,
			late_penalty_amount = excluded.late_penalty_amount`,
		string(p.ID), branchValue(p.BranchID), p.Name, p.IsActive, p.AbsenceExcusedFreeLimit,
		p.AbsenceConsecutiveThreshold, p.LatePenaltyThreshold, p.LatePenaltyAmount.String(),
	)
	if err != nil {
		return fmt.Errorf("save policy: %w", err)
	}
	return nil
}

func (s *Store) SaveClass(ctx context.Context, c fee.Class) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO classes (id, branch_id, name, hourly_rate) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			branch_id = excluded.branch_id,
			name = excluded.name,
			hourly_rate = excluded.hourly_rate`,
		string(c.ID), branchValue(c.BranchID), c.Name, c.HourlyRate.String(),
	)
	if err != nil {
		return fmt.Errorf("save class: %w", err)
	}
	return nil
}

// SaveWallet creates or replaces a wallet. Ledger history is untouched.
func (s *Store) SaveWallet(ctx context.Context, w fee.Wallet) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (`+walletColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			student_id = excluded.student_id,
			code = excluded.code,
			balance = excluded.balance,
			total_spent = excluded.total_spent,
			is_locked = excluded.is_locked,
			lock_reason = excluded.lock_reason`,
		string(w.ID), string(w.StudentID), w.Code, w.Balance.String(), w.TotalSpent.String(),
		w.IsLocked, w.LockReason,
	)
	if err != nil {
		return fmt.Errorf("save wallet: %w", err)
	}
	return nil
}

// SaveAttendance inserts a record. The unique id column rejects a second
// save, so a processed record can never be rewritten.
func (s *Store) SaveAttendance(ctx context.Context, a fee.AttendanceRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attendances (`+attendanceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(a.ID), string(a.StudentID), string(a.ClassID), string(a.SessionID),
		string(a.Status), a.IsExcused, formatTime(a.RecordedAt),
	)
	if isUniqueViolation(err) {
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
	records, err := s.queryAttendance(ctx,
		`SELECT `+attendanceColumns+` FROM attendances WHERE id = ?`, string(id))
	if err != nil {
		return fee.AttendanceRecord{}, err
	}
	if len(records) == 0 {
		return fee.AttendanceRecord{}, fmt.Errorf("%w: %s", fee.ErrAttendanceNotFound, id)
	}
	return records[0], nil
}

func (s *Store) GetWallet(ctx context.Context, studentID fee.StudentID) (fee.Wallet, error) {
	return s.getWallet(ctx, studentID)
}

// ListWalletTransactions returns the student's ledger in insertion order.
func (s *Store) ListWalletTransactions(ctx context.Context, studentID fee.StudentID) ([]fee.WalletTransaction, error) {
	w, err := s.getWallet(ctx, studentID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, wallet_id, code, type, amount, balance_before, balance_after,
			description, idempotency_key, created_by, created_at
		FROM wallet_transactions WHERE wallet_id = ? ORDER BY seq`, string(w.ID))
	if err != nil {
		return nil, fmt.Errorf("list wallet transactions: %w", err)
	}
	defer rows.Close()

	var out []fee.WalletTransaction
	for rows.Next() {
		var tx fee.WalletTransaction
		var key sql.NullString
		var created string
		if err := rows.Scan(&tx.ID, &tx.WalletID, &tx.Code, &tx.Type, &tx.Amount,
			&tx.BalanceBefore, &tx.BalanceAfter, &tx.Description, &key, &tx.CreatedBy, &created); err != nil {
			return nil, err
		}
		tx.IdempotencyKey = key.String
		if tx.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *Store) ListDeductions(ctx context.Context, studentID fee.StudentID) ([]fee.FeeDeduction, error) {
	return s.queryDeductions(ctx,
		`SELECT `+deductionColumns+` FROM fee_deductions WHERE student_id = ? ORDER BY seq`,
		string(studentID))
}

// ListRefundProposals filters by status; an empty status returns all.
func (s *Store) ListRefundProposals(ctx context.Context, status fee.ProposalStatus) ([]fee.RefundProposal, error) {
	query := `SELECT id, code, title, description, amount, status, student_id, class_id,
		branch_id, payment_method, requested_by, requested_at FROM refund_proposals`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY requested_at, code`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list refund proposals: %w", err)
	}
	defer rows.Close()

	var out []fee.RefundProposal
	for rows.Next() {
		var p fee.RefundProposal
		var branch sql.NullString
		var requested string
		if err := rows.Scan(&p.ID, &p.Code, &p.Title, &p.Description, &p.Amount, &p.Status,
			&p.StudentID, &p.ClassID, &branch, &p.PaymentMethod, &p.RequestedBy, &requested); err != nil {
			return nil, err
		}
		p.BranchID = branchPtr(branch)
		if p.RequestedAt, err = parseTime(requested); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UnprocessedAttendance returns records with no processed marker, oldest first.
func (s *Store) UnprocessedAttendance(ctx context.Context, limit int) ([]fee.AttendanceRecord, error) {
	return s.queryAttendance(ctx, `
		SELECT a.id, a.student_id, a.class_id, a.session_id, a.status, a.is_excused, a.recorded_at
		FROM attendances a
		LEFT JOIN processed_attendances p ON p.attendance_id = a.id
		WHERE p.attendance_id IS NULL
		ORDER BY a.recorded_at, a.seq LIMIT ?`, sqlLimit(limit))
}

// ProcessedBy returns who processed an attendance record, if anyone.
func (s *Store) ProcessedBy(ctx context.Context, id fee.AttendanceID) (fee.Actor, time.Time, bool, error) {
	var actor fee.Actor
	var at string
	err := s.db.QueryRowContext(ctx,
		`SELECT processed_by, processed_at FROM processed_attendances WHERE attendance_id = ?`, string(id),
	).Scan(&actor, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("processed by: %w", err)
	}
	processedAt, err := parseTime(at)
	if err != nil {
		return "", time.Time{}, false, err
	}
	return actor, processedAt, true, nil
}
