/*
Package sqlite provides a SQLite-backed implementation of fee.Backend.

PURPOSE:
  Persists policies, classes, attendance, wallets and the fee ledger in a
  single SQLite database. The same schema maps one-to-one onto the Postgres
  backend (store/postgres).

INTERFACES IMPLEMENTED:
  fee.Store:    Everything one engine run reads or writes
  fee.TxStore:  WithTx over a *sql.Tx
  fee.Registry: Seeding and read models

APPEND-ONLY ENFORCEMENT:
  - wallet_transactions: INSERT only
  - fee_deductions: INSERT, plus the nil -> pending refund columns
  - wallets: balance and total_spent are the only columns the engine updates

KEY TABLES:
  attendances:           Recorded attendance (seq keeps insertion order)
  processed_attendances: Fee-processing markers, primary key blocks repeats
  wallets:               Prepaid balances, one per student
  wallet_transactions:   Immutable ledger, unique idempotency_key
  fee_deductions:        Charges and penalties with refund tracking
  refund_proposals:      Pending refund proposals
  financial_transactions: Pending expense mirror of each proposal

CONCURRENCY:
  The pool is capped at one connection, so a WithTx holds the only writer
  until it commits. That is the LockWallet guarantee for this backend.
  Inside WithTx every query goes through the *sql.Tx; touching s.db there
  would block forever.

MIGRATION:
  Versioned migrations are embedded under migrations/ and applied with
  golang-migrate on New().

TIME STORAGE:
  Instants are stored as fixed-width UTC text (timeLayout) so that string
  comparison in SQL matches chronological order.

SEE ALSO:
  - fee/store.go: Interface definitions
  - fee/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/Hoanganh010999/songthuyeducation-sub005/fee"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn implements fee.Store over a queryer.
type conn struct {
	q queryer
}

// Store implements fee.Backend using SQLite.
type Store struct {
	conn
	db *sql.DB
}

var _ fee.Backend = (*Store)(nil)

// New opens (or creates) the database at dbPath and applies migrations.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps :memory: alive and serializes writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{conn: conn{q: db}, db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func runMigrations(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite3 driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create iofs source: %w", err)
	}
	// m.Close would also close db, so only the source is released.
	defer src.Close()

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTION SUPPORT
// =============================================================================

// WithTx executes fn within a single SQLite transaction.
func (s *Store) WithTx(ctx context.Context, fn func(fee.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(conn{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// POLICY AND CLASS LOOKUPS
// =============================================================================

func (c conn) FindActivePolicy(ctx context.Context, branchID *fee.BranchID) (fee.FeePolicy, bool, error) {
	query := `SELECT id, branch_id, name, is_active, absence_excused_free_limit,
		absence_consecutive_threshold, late_penalty_threshold, late_penalty_amount
		FROM fee_policies WHERE is_active = 1 AND `
	var args []any
	if branchID == nil {
		query += `branch_id IS NULL`
	} else {
		query += `branch_id = ?`
		args = append(args, string(*branchID))
	}
	query += ` ORDER BY id LIMIT 1`

	p, err := scanPolicy(c.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return fee.FeePolicy{}, false, nil
	}
	if err != nil {
		return fee.FeePolicy{}, false, fmt.Errorf("find active policy: %w", err)
	}
	return p, true, nil
}

func scanPolicy(row *sql.Row) (fee.FeePolicy, error) {
	var p fee.FeePolicy
	var branch sql.NullString
	err := row.Scan(&p.ID, &branch, &p.Name, &p.IsActive, &p.AbsenceExcusedFreeLimit,
		&p.AbsenceConsecutiveThreshold, &p.LatePenaltyThreshold, &p.LatePenaltyAmount)
	p.BranchID = branchPtr(branch)
	return p, err
}

func (c conn) GetClass(ctx context.Context, id fee.ClassID) (fee.Class, error) {
	var cl fee.Class
	var branch sql.NullString
	err := c.q.QueryRowContext(ctx,
		`SELECT id, branch_id, name, hourly_rate FROM classes WHERE id = ?`, string(id),
	).Scan(&cl.ID, &branch, &cl.Name, &cl.HourlyRate)
	if errors.Is(err, sql.ErrNoRows) {
		return fee.Class{}, fmt.Errorf("%w: %s", fee.ErrClassNotFound, id)
	}
	if err != nil {
		return fee.Class{}, fmt.Errorf("get class: %w", err)
	}
	cl.BranchID = branchPtr(branch)
	return cl, nil
}

// =============================================================================
// ATTENDANCE COUNTERS
// =============================================================================

const attendanceColumns = `id, student_id, class_id, session_id, status, is_excused, recorded_at`

// untilClause keeps rows that do not come after a HistoryBound. seq breaks
// ties on recorded_at; an unknown bound ID keeps every tie.
const untilClause = `(recorded_at < ? OR (recorded_at = ? AND
	seq <= COALESCE((SELECT b.seq FROM attendances b WHERE b.id = ?), seq)))`

func untilArgs(b fee.HistoryBound) []any {
	at := formatTime(b.RecordedAt)
	return []any{at, at, string(b.ID)}
}

func (c conn) RecentAttendance(ctx context.Context, studentID fee.StudentID, classID fee.ClassID, until fee.HistoryBound, limit int) ([]fee.AttendanceRecord, error) {
	args := append([]any{string(studentID), string(classID)}, untilArgs(until)...)
	args = append(args, sqlLimit(limit))
	return c.queryAttendance(ctx,
		`SELECT `+attendanceColumns+` FROM attendances
		WHERE student_id = ? AND class_id = ? AND `+untilClause+`
		ORDER BY recorded_at DESC, seq DESC LIMIT ?`,
		args...)
}

func (c conn) CountAttendance(ctx context.Context, f fee.AttendanceFilter) (int, error) {
	query := `SELECT COUNT(*) FROM attendances
		WHERE student_id = ? AND class_id = ? AND status = ?
		AND recorded_at >= ? AND ` + untilClause
	args := append([]any{string(f.StudentID), string(f.ClassID), string(f.Status), formatTime(f.From)}, untilArgs(f.Until)...)
	if f.IsExcused != nil {
		query += ` AND is_excused = ?`
		args = append(args, *f.IsExcused)
	}

	var n int
	if err := c.q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count attendance: %w", err)
	}
	return n, nil
}

func (c conn) HasPenalty(ctx context.Context, studentID fee.StudentID, classID fee.ClassID, from, to time.Time) (bool, error) {
	var exists bool
	err := c.q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM fee_deductions
		WHERE student_id = ? AND class_id = ? AND transaction_type = ?
		AND attended_at >= ? AND attended_at < ?)`,
		string(studentID), string(classID), string(fee.DeductionPenalty), formatTime(from), formatTime(to),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check penalty: %w", err)
	}
	return exists, nil
}

func (c conn) queryAttendance(ctx context.Context, query string, args ...any) ([]fee.AttendanceRecord, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attendance: %w", err)
	}
	defer rows.Close()

	var out []fee.AttendanceRecord
	for rows.Next() {
		var a fee.AttendanceRecord
		var recorded string
		if err := rows.Scan(&a.ID, &a.StudentID, &a.ClassID, &a.SessionID, &a.Status, &a.IsExcused, &recorded); err != nil {
			return nil, err
		}
		if a.RecordedAt, err = parseTime(recorded); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// WALLET LEDGER
// =============================================================================

const walletColumns = `id, student_id, code, balance, total_spent, is_locked, lock_reason`

// LockWallet reads the wallet. The single-connection pool already makes the
// calling transaction the only writer.
func (c conn) LockWallet(ctx context.Context, studentID fee.StudentID) (fee.Wallet, error) {
	return c.getWallet(ctx, studentID)
}

func (c conn) getWallet(ctx context.Context, studentID fee.StudentID) (fee.Wallet, error) {
	var w fee.Wallet
	err := c.q.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE student_id = ?`, string(studentID),
	).Scan(&w.ID, &w.StudentID, &w.Code, &w.Balance, &w.TotalSpent, &w.IsLocked, &w.LockReason)
	if errors.Is(err, sql.ErrNoRows) {
		return fee.Wallet{}, &fee.WalletNotFoundError{StudentID: studentID}
	}
	if err != nil {
		return fee.Wallet{}, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}

func (c conn) UpdateWalletBalance(ctx context.Context, w fee.Wallet) error {
	res, err := c.q.ExecContext(ctx,
		`UPDATE wallets SET balance = ?, total_spent = ? WHERE id = ?`,
		w.Balance.String(), w.TotalSpent.String(), string(w.ID))
	if err != nil {
		return fmt.Errorf("update wallet: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &fee.WalletNotFoundError{StudentID: w.StudentID}
	}
	return nil
}

func (c conn) AppendWalletTransaction(ctx context.Context, tx fee.WalletTransaction) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO wallet_transactions (
			id, wallet_id, code, type, amount, balance_before, balance_after,
			description, idempotency_key, created_by, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(tx.ID), string(tx.WalletID), tx.Code, string(tx.Type),
		tx.Amount.String(), tx.BalanceBefore.String(), tx.BalanceAfter.String(),
		tx.Description, nullString(tx.IdempotencyKey), string(tx.CreatedBy), formatTime(tx.CreatedAt),
	)
	if isUniqueViolation(err) {
		return fee.ErrAlreadyProcessed
	}
	if err != nil {
		return fmt.Errorf("append wallet transaction: %w", err)
	}
	return nil
}

// =============================================================================
// DEDUCTIONS
// =============================================================================

const deductionColumns = `id, attendance_id, student_id, class_id, session_id, policy_id,
	transaction_type, category, hourly_rate, deduction_percent, deduction_amount,
	wallet_transaction_id, notes, attended_at, applied_at,
	refund_status, consecutive_absence_count, refund_reason`

func (c conn) AppendDeduction(ctx context.Context, d fee.FeeDeduction) error {
	var status sql.NullString
	if d.RefundStatus != nil {
		status = sql.NullString{String: string(*d.RefundStatus), Valid: true}
	}
	var count sql.NullInt64
	if d.ConsecutiveAbsenceCount != nil {
		count = sql.NullInt64{Int64: int64(*d.ConsecutiveAbsenceCount), Valid: true}
	}

	_, err := c.q.ExecContext(ctx, `
		INSERT INTO fee_deductions (`+deductionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(d.ID), string(d.AttendanceID), string(d.StudentID), string(d.ClassID),
		string(d.SessionID), string(d.PolicyID), string(d.Type), string(d.Category),
		d.HourlyRate.String(), d.DeductionPercent.String(), d.DeductionAmount.String(),
		string(d.WalletTransactionID), d.Notes, formatTime(d.AttendedAt), formatTime(d.AppliedAt),
		status, count, d.RefundReason,
	)
	if isUniqueViolation(err) {
		return fee.ErrAlreadyProcessed
	}
	if err != nil {
		return fmt.Errorf("append deduction: %w", err)
	}
	return nil
}

func (c conn) MarkProcessed(ctx context.Context, id fee.AttendanceID, actor fee.Actor, at time.Time) error {
	_, err := c.q.ExecContext(ctx,
		`INSERT INTO processed_attendances (attendance_id, processed_by, processed_at) VALUES (?, ?, ?)`,
		string(id), string(actor), formatTime(at))
	if isUniqueViolation(err) {
		return fee.ErrAlreadyProcessed
	}
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func (c conn) RefundableCharges(ctx context.Context, studentID fee.StudentID, classID fee.ClassID, limit int) ([]fee.FeeDeduction, error) {
	return c.queryDeductions(ctx,
		`SELECT `+deductionColumns+` FROM fee_deductions
		WHERE student_id = ? AND class_id = ? AND transaction_type = ? AND category = ?
		AND refund_status IS NULL
		ORDER BY applied_at DESC, seq DESC LIMIT ?`,
		string(studentID), string(classID), string(fee.DeductionCharge),
		string(fee.CategoryUnexcusedAbsence), sqlLimit(limit))
}

func (c conn) MarkRefundPending(ctx context.Context, ids []fee.DeductionID, mark fee.RefundMark) error {
	note := "Refund proposal: " + mark.ProposalCode
	for _, id := range ids {
		_, err := c.q.ExecContext(ctx, `
			UPDATE fee_deductions SET
				refund_status = ?,
				consecutive_absence_count = ?,
				refund_reason = ?,
				notes = CASE WHEN notes = '' THEN ? ELSE notes || ' | ' || ? END
			WHERE id = ? AND refund_status IS NULL`,
			string(fee.RefundPending), mark.ConsecutiveCount, mark.Reason, note, note, string(id))
		if err != nil {
			return fmt.Errorf("mark deduction %s refund pending: %w", id, err)
		}
	}
	return nil
}

func (c conn) queryDeductions(ctx context.Context, query string, args ...any) ([]fee.FeeDeduction, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deductions: %w", err)
	}
	defer rows.Close()

	var out []fee.FeeDeduction
	for rows.Next() {
		d, err := scanDeduction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDeduction(rows *sql.Rows) (fee.FeeDeduction, error) {
	var d fee.FeeDeduction
	var attended, applied string
	var status sql.NullString
	var count sql.NullInt64

	err := rows.Scan(&d.ID, &d.AttendanceID, &d.StudentID, &d.ClassID, &d.SessionID, &d.PolicyID,
		&d.Type, &d.Category, &d.HourlyRate, &d.DeductionPercent, &d.DeductionAmount,
		&d.WalletTransactionID, &d.Notes, &attended, &applied,
		&status, &count, &d.RefundReason)
	if err != nil {
		return d, err
	}
	if d.AttendedAt, err = parseTime(attended); err != nil {
		return d, err
	}
	if d.AppliedAt, err = parseTime(applied); err != nil {
		return d, err
	}
	if status.Valid {
		rs := fee.RefundStatus(status.String)
		d.RefundStatus = &rs
	}
	if count.Valid {
		n := int(count.Int64)
		d.ConsecutiveAbsenceCount = &n
	}
	return d, nil
}

// =============================================================================
// REFUND SINK
// =============================================================================

func (c conn) CreateRefundProposal(ctx context.Context, p fee.RefundProposal) (fee.ProposalID, error) {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO refund_proposals (
			id, code, title, description, amount, status, student_id, class_id,
			branch_id, payment_method, requested_by, requested_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(p.ID), p.Code, p.Title, p.Description, p.Amount.String(), string(p.Status),
		string(p.StudentID), string(p.ClassID), branchValue(p.BranchID), p.PaymentMethod,
		string(p.RequestedBy), formatTime(p.RequestedAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert refund proposal: %w", err)
	}
	return p.ID, nil
}

func (c conn) CreateFinancialTransaction(ctx context.Context, ft fee.FinancialTransaction) error {
	meta, err := json.Marshal(ft.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO financial_transactions (
			id, type, status, proposal_id, amount, description, payment_method,
			recorded_by, branch_id, transaction_date, metadata_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ft.ID, ft.Type, ft.Status, string(ft.ProposalID), ft.Amount.String(), ft.Description,
		ft.PaymentMethod, string(ft.RecordedBy), branchValue(ft.BranchID),
		formatTime(ft.TransactionDate), string(meta),
	)
	if err != nil {
		return fmt.Errorf("insert financial transaction: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// sqlLimit maps "no limit" (<= 0) to SQLite's -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func branchPtr(ns sql.NullString) *fee.BranchID {
	if !ns.Valid {
		return nil
	}
	b := fee.BranchID(ns.String)
	return &b
}

func branchValue(b *fee.BranchID) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*b), Valid: true}
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
