/*
engine.go - Deduction orchestrator

PURPOSE:
  Runs one attendance event through classification, policy resolution,
  counters and the decision table, then applies the resulting debits as a
  single all-or-nothing unit of work.

RUN SEQUENCE:
  1. Pre-flight (no writes): classify, load class, resolve policy, check rate
  2. Transaction:
       a. mark the attendance processed (repeat runs fail here)
       b. lock the student's wallet (serialization point for this student)
       c. load counters, decide
       d. per action: debit wallet, append deduction
  3. Commit, or roll back everything and report the error
  4. After commit: refund trigger in its own transaction (refund.go)

The refund step can fail without affecting the committed charge; its error
is logged and surfaced on Result.RefundErr.
*/
package fee

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	applog "github.com/Hoanganh010999/songthuyeducation-sub005/internal/log"
)

// Result is what ProcessAttendanceFee reports to its caller.
// A failed run never carries deductions.
type Result struct {
	Success    bool
	Deductions []FeeDeduction
	Message    string
	Err        error

	// Refund is set when a refund proposal was created after commit.
	Refund *RefundOutcome
	// RefundErr is set when the refund step failed; Success stays true.
	RefundErr error
}

// Engine orchestrates fee processing against a TxStore.
type Engine struct {
	store     TxStore
	ledger    *WalletLedger
	publisher RefundPublisher
	logger    *applog.Logger
	loc       *time.Location
	now       func() time.Time
}

type Option func(*Engine)

func WithLogger(l *applog.Logger) Option {
	return func(e *Engine) { e.logger = l.WithComponent(applog.ComponentFee) }
}

// WithLocation sets the time zone used for monthly buckets.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.loc = loc }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRefundPublisher announces created refund proposals after commit.
func WithRefundPublisher(p RefundPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func NewEngine(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		logger: applog.Nop(),
		loc:    time.UTC,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ledger = NewWalletLedger(e.now)
	return e
}

// plan is everything resolved before the transaction starts.
type plan struct {
	category Category
	class    Class
	policy   FeePolicy
}

// ProcessAttendanceFee applies the charge and penalty owed for one attendance
// record. The record must already be persisted.
func (e *Engine) ProcessAttendanceFee(ctx context.Context, record AttendanceRecord, actor Actor) Result {
	actor = actor.OrSystem()
	logger := e.logger.With(
		applog.FieldAttendanceID, record.ID,
		applog.FieldStudentID, record.StudentID,
		applog.FieldClassID, record.ClassID,
		applog.FieldActor, actor,
	)
	logger.InfoContext(ctx, "processing attendance fee",
		applog.FieldStatus, record.Status,
		applog.FieldExcused, record.IsExcused)

	p, err := e.prepare(ctx, record)
	if err != nil {
		return e.fail(ctx, logger, err)
	}

	var (
		decision   Decision
		deductions []FeeDeduction
	)
	err = e.store.WithTx(ctx, func(s Store) error {
		if err := s.MarkProcessed(ctx, record.ID, actor, e.now().UTC()); err != nil {
			return err
		}

		// Lock first so the counters below see every committed run for this student.
		wallet, walletErr := s.LockWallet(ctx, record.StudentID)
		if walletErr != nil && !errors.Is(walletErr, ErrWalletNotFound) {
			return fmt.Errorf("lock wallet: %w", walletErr)
		}

		counters, err := LoadCounters(ctx, s, record, p.category, e.loc)
		if err != nil {
			return err
		}
		decision, err = Decide(p.category, p.policy, p.class.HourlyRate, counters)
		if err != nil {
			return err
		}
		if len(decision.Actions) == 0 {
			return nil
		}
		if walletErr != nil {
			return walletErr
		}

		deductions, err = e.apply(ctx, s, wallet, record, p, decision, actor)
		return err
	})
	if err != nil {
		return e.fail(ctx, logger, err)
	}

	if deductions == nil {
		deductions = []FeeDeduction{}
	}
	res := Result{Success: true, Deductions: deductions}

	if decision.NeedsRefund() {
		logger.InfoContext(ctx, "consecutive absence threshold exceeded",
			applog.FieldStreak, decision.RefundStreak,
			applog.FieldThreshold, p.policy.AbsenceConsecutiveThreshold)

		outcome, err := e.TriggerRefund(ctx, RefundRequest{
			StudentID: record.StudentID,
			ClassID:   record.ClassID,
			Class:     p.class,
			Streak:    decision.RefundStreak,
			Threshold: p.policy.AbsenceConsecutiveThreshold,
			Actor:     actor,
		})
		if err != nil {
			logger.Failure(ctx, "refund workflow failed, charge kept", err)
			res.RefundErr = err
		} else {
			res.Refund = outcome
		}
	}

	logger.InfoContext(ctx, "attendance fee processed",
		applog.FieldCategory, decision.Category,
		applog.FieldDeductions, len(deductions),
		applog.FieldAmount, decision.Total().String())
	return res
}

func (e *Engine) prepare(ctx context.Context, record AttendanceRecord) (plan, error) {
	cat, err := ClassifyRecord(record)
	if err != nil {
		return plan{}, err
	}

	class, err := e.store.GetClass(ctx, record.ClassID)
	if err != nil {
		return plan{}, err
	}

	policy, err := ResolvePolicy(ctx, e.store, class.BranchID)
	if err != nil {
		return plan{}, err
	}

	if !class.HourlyRate.IsPositive() {
		return plan{}, fmt.Errorf("%w: %s for class %s", ErrInvalidHourlyRate, class.HourlyRate, class.ID)
	}
	return plan{category: cat, class: class, policy: policy}, nil
}

func (e *Engine) apply(ctx context.Context, s Store, wallet Wallet, record AttendanceRecord, p plan, decision Decision, actor Actor) ([]FeeDeduction, error) {
	deductions := make([]FeeDeduction, 0, len(decision.Actions))
	for _, action := range decision.Actions {
		key := fmt.Sprintf("attendance:%s:%s", record.ID, action.Type)

		var (
			tx  WalletTransaction
			err error
		)
		wallet, tx, err = e.ledger.Debit(ctx, s, wallet, action.Amount, action.Reason, key, actor)
		if err != nil {
			return nil, err
		}

		rate := p.class.HourlyRate
		if action.Type == DeductionPenalty {
			rate = decimal.Zero
		}
		d := FeeDeduction{
			ID:                  DeductionID(uuid.NewString()),
			AttendanceID:        record.ID,
			StudentID:           record.StudentID,
			ClassID:             record.ClassID,
			SessionID:           record.SessionID,
			PolicyID:            p.policy.ID,
			Type:                action.Type,
			Category:            decision.Category,
			HourlyRate:          rate,
			DeductionPercent:    action.Percent,
			DeductionAmount:     action.Amount,
			WalletTransactionID: tx.ID,
			Notes:               action.Reason,
			AttendedAt:          record.RecordedAt.UTC(),
			AppliedAt:           tx.CreatedAt,
		}
		if err := s.AppendDeduction(ctx, d); err != nil {
			return nil, fmt.Errorf("append deduction: %w", err)
		}

		e.logger.DebugContext(ctx, "deduction applied",
			applog.FieldDeductionID, d.ID,
			applog.FieldAttendanceID, record.ID,
			applog.FieldAmount, d.DeductionAmount.String(),
			applog.FieldBalance, tx.BalanceAfter.String())
		deductions = append(deductions, d)
	}
	return deductions, nil
}

func (e *Engine) fail(ctx context.Context, logger *applog.Logger, err error) Result {
	if IsClientError(err) || IsNotFound(err) {
		logger.WarnContext(ctx, "attendance fee not applied", applog.FieldError, err)
	} else {
		logger.Failure(ctx, "attendance fee processing failed", err)
	}
	return Result{Success: false, Message: err.Error(), Err: err}
}
