/*
Package postgres provides a PostgreSQL implementation of fee.Backend on gorm.

CONCURRENCY:
  LockWallet issues SELECT ... FOR UPDATE on the wallet row. Concurrent runs
  for the same student queue on that lock; runs for different students
  proceed in parallel. Counters are read after the lock, so they always
  include every committed run for the student.

SCHEMA:
  Tables are created with gorm AutoMigrate from models.go. Column names and
  semantics match the SQLite backend.

ERRORS:
  gorm is opened with TranslateError so unique violations surface as
  gorm.ErrDuplicatedKey and map to fee.ErrAlreadyProcessed, or to
  fee.ErrAttendanceExists when saving attendance.

ORDERING:
  attendances.seq is a bigserial; it breaks recorded_at ties the same way
  the SQLite seq column does.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/Hoanganh010999/songthuyeducation-sub005/fee"
)

// conn implements fee.Store over a *gorm.DB, which may be a transaction.
type conn struct {
	db *gorm.DB
}

// Store implements fee.Backend.
type Store struct {
	conn
}

var _ fee.Backend = (*Store)(nil)

// Open connects to dsn and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxIdleTime(60 * time.Second)
	sqlDB.SetConnMaxLifetime(10 * time.Minute)

	return New(db)
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{conn: conn{db: db}}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx executes fn in a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(fee.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(conn{db: tx})
	})
}

// =============================================================================
// POLICY AND CLASS LOOKUPS
// =============================================================================

func (c conn) FindActivePolicy(ctx context.Context, branchID *fee.BranchID) (fee.FeePolicy, bool, error) {
	q := c.db.WithContext(ctx).Where("is_active = ?", true)
	if branchID == nil {
		q = q.Where("branch_id IS NULL")
	} else {
		q = q.Where("branch_id = ?", string(*branchID))
	}

	var m policyModel
	err := q.Order("id").Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fee.FeePolicy{}, false, nil
	}
	if err != nil {
		return fee.FeePolicy{}, false, fmt.Errorf("find active policy: %w", err)
	}
	return m.toDomain(), true, nil
}

func (c conn) GetClass(ctx context.Context, id fee.ClassID) (fee.Class, error) {
	var m classModel
	err := c.db.WithContext(ctx).Where("id = ?", string(id)).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fee.Class{}, fmt.Errorf("%w: %s", fee.ErrClassNotFound, id)
	}
	if err != nil {
		return fee.Class{}, fmt.Errorf("get class: %w", err)
	}
	return fee.Class{ID: fee.ClassID(m.ID), BranchID: toBranch(m.BranchID), Name: m.Name, HourlyRate: m.HourlyRate}, nil
}

// =============================================================================
// ATTENDANCE COUNTERS
// =============================================================================

// until keeps rows that do not come after b. seq breaks ties on
// recorded_at; an unknown bound ID keeps every tie.
func until(b fee.HistoryBound) func(*gorm.DB) *gorm.DB {
	at := pgTime(b.RecordedAt)
	return func(db *gorm.DB) *gorm.DB {
		return db.Where(`(attendances.recorded_at < ? OR (attendances.recorded_at = ? AND
			attendances.seq <= COALESCE((SELECT b.seq FROM attendances b WHERE b.id = ?), attendances.seq)))`,
			at, at, string(b.ID))
	}
}

func (c conn) RecentAttendance(ctx context.Context, studentID fee.StudentID, classID fee.ClassID, bound fee.HistoryBound, limit int) ([]fee.AttendanceRecord, error) {
	q := c.db.WithContext(ctx).
		Where("student_id = ? AND class_id = ?", string(studentID), string(classID)).
		Scopes(until(bound)).
		Order("recorded_at DESC").Order("seq DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []attendanceModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("recent attendance: %w", err)
	}
	out := make([]fee.AttendanceRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (c conn) CountAttendance(ctx context.Context, f fee.AttendanceFilter) (int, error) {
	q := c.db.WithContext(ctx).Model(&attendanceModel{}).
		Where("student_id = ? AND class_id = ? AND status = ?", string(f.StudentID), string(f.ClassID), string(f.Status)).
		Where("recorded_at >= ?", pgTime(f.From)).
		Scopes(until(f.Until))
	if f.IsExcused != nil {
		q = q.Where("is_excused = ?", *f.IsExcused)
	}

	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count attendance: %w", err)
	}
	return int(n), nil
}

func (c conn) HasPenalty(ctx context.Context, studentID fee.StudentID, classID fee.ClassID, from, to time.Time) (bool, error) {
	var n int64
	err := c.db.WithContext(ctx).Model(&deductionModel{}).
		Where("student_id = ? AND class_id = ? AND transaction_type = ?",
			string(studentID), string(classID), string(fee.DeductionPenalty)).
		Where("attended_at >= ? AND attended_at < ?", from.UTC(), to.UTC()).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check penalty: %w", err)
	}
	return n > 0, nil
}

// =============================================================================
// WALLET LEDGER
// =============================================================================

// LockWallet selects the wallet row FOR UPDATE.
func (c conn) LockWallet(ctx context.Context, studentID fee.StudentID) (fee.Wallet, error) {
	var m walletModel
	err := c.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("student_id = ?", string(studentID)).
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fee.Wallet{}, &fee.WalletNotFoundError{StudentID: studentID}
	}
	if err != nil {
		return fee.Wallet{}, fmt.Errorf("lock wallet: %w", err)
	}
	return m.toDomain(), nil
}

func (c conn) UpdateWalletBalance(ctx context.Context, w fee.Wallet) error {
	res := c.db.WithContext(ctx).Model(&walletModel{}).
		Where("id = ?", string(w.ID)).
		Updates(map[string]any{"balance": w.Balance, "total_spent": w.TotalSpent})
	if res.Error != nil {
		return fmt.Errorf("update wallet: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &fee.WalletNotFoundError{StudentID: w.StudentID}
	}
	return nil
}

func (c conn) AppendWalletTransaction(ctx context.Context, tx fee.WalletTransaction) error {
	m := walletTxModel{
		ID:            string(tx.ID),
		WalletID:      string(tx.WalletID),
		Code:          tx.Code,
		Type:          string(tx.Type),
		Amount:        tx.Amount,
		BalanceBefore: tx.BalanceBefore,
		BalanceAfter:  tx.BalanceAfter,
		Description:   tx.Description,
		CreatedBy:     string(tx.CreatedBy),
		CreatedAt:     tx.CreatedAt.UTC(),
	}
	if tx.IdempotencyKey != "" {
		key := tx.IdempotencyKey
		m.IdempotencyKey = &key
	}
	return insert(ctx, c.db, &m, "append wallet transaction")
}

// =============================================================================
// DEDUCTIONS
// =============================================================================

func (c conn) AppendDeduction(ctx context.Context, d fee.FeeDeduction) error {
	m := fromDeduction(d)
	return insert(ctx, c.db, &m, "append deduction")
}

func (c conn) MarkProcessed(ctx context.Context, id fee.AttendanceID, actor fee.Actor, at time.Time) error {
	return insert(ctx, c.db, &processedModel{
		AttendanceID: string(id),
		ProcessedBy:  string(actor),
		ProcessedAt:  at.UTC(),
	}, "mark processed")
}

func (c conn) RefundableCharges(ctx context.Context, studentID fee.StudentID, classID fee.ClassID, limit int) ([]fee.FeeDeduction, error) {
	q := c.db.WithContext(ctx).
		Where("student_id = ? AND class_id = ?", string(studentID), string(classID)).
		Where("transaction_type = ? AND category = ?", string(fee.DeductionCharge), string(fee.CategoryUnexcusedAbsence)).
		Where("refund_status IS NULL").
		Order("applied_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return findDeductions(q)
}

func (c conn) MarkRefundPending(ctx context.Context, ids []fee.DeductionID, mark fee.RefundMark) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	note := "Refund proposal: " + mark.ProposalCode

	err := c.db.WithContext(ctx).Model(&deductionModel{}).
		Where("id IN ? AND refund_status IS NULL", raw).
		Updates(map[string]any{
			"refund_status":             string(fee.RefundPending),
			"consecutive_absence_count": mark.ConsecutiveCount,
			"refund_reason":             mark.Reason,
			"notes":                     gorm.Expr("CASE WHEN notes = '' THEN ? ELSE notes || ' | ' || ? END", note, note),
		}).Error
	if err != nil {
		return fmt.Errorf("mark refund pending: %w", err)
	}
	return nil
}

func findDeductions(q *gorm.DB) ([]fee.FeeDeduction, error) {
	var rows []deductionModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query deductions: %w", err)
	}
	out := make([]fee.FeeDeduction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// =============================================================================
// REFUND SINK
// =============================================================================

func (c conn) CreateRefundProposal(ctx context.Context, p fee.RefundProposal) (fee.ProposalID, error) {
	m := proposalModel{
		ID:            string(p.ID),
		Code:          p.Code,
		Title:         p.Title,
		Description:   p.Description,
		Amount:        p.Amount,
		Status:        string(p.Status),
		StudentID:     string(p.StudentID),
		ClassID:       string(p.ClassID),
		BranchID:      fromBranch(p.BranchID),
		PaymentMethod: p.PaymentMethod,
		RequestedBy:   string(p.RequestedBy),
		RequestedAt:   p.RequestedAt.UTC(),
	}
	if err := insert(ctx, c.db, &m, "insert refund proposal"); err != nil {
		return "", err
	}
	return p.ID, nil
}

func (c conn) CreateFinancialTransaction(ctx context.Context, ft fee.FinancialTransaction) error {
	m, err := fromFinancialTx(ft)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return insert(ctx, c.db, &m, "insert financial transaction")
}

// pgTime matches the microsecond precision of timestamptz, so a bound built
// from an unsaved time still equals the stored value.
func pgTime(t time.Time) time.Time {
	return t.UTC().Round(time.Microsecond)
}

// insert creates one row; unique violations become fee.ErrAlreadyProcessed.
func insert(ctx context.Context, db *gorm.DB, row any, op string) error {
	err := db.WithContext(ctx).Create(row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fee.ErrAlreadyProcessed
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
