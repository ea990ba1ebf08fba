/*
ledger.go - Wallet debit primitive

PURPOSE:
  The only code path that changes a wallet balance. Each debit writes one
  append-only WalletTransaction with the balance before and after, then
  stores the new balance on the wallet row.

CRITICAL INVARIANTS:
  1. BalanceAfter = BalanceBefore - Amount
  2. The wallet must have been obtained through Store.LockWallet in the
     same transaction, so no other run can interleave a read-modify-write
  3. Locked wallets are never debited

NEGATIVE BALANCES:
  The wallet is prepaid but the engine does not refuse to go below zero;
  attendance already happened and the fee is owed. A negative result is
  visible on the transaction (BalanceAfter < 0).
*/
package fee

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WalletLedger debits wallets through a Store.
type WalletLedger struct {
	now func() time.Time
}

func NewWalletLedger(now func() time.Time) *WalletLedger {
	if now == nil {
		now = time.Now
	}
	return &WalletLedger{now: now}
}

// Debit withdraws amount from w and returns the updated wallet and its ledger entry.
func (l *WalletLedger) Debit(ctx context.Context, store Store, w Wallet, amount decimal.Decimal, description, idempotencyKey string, actor Actor) (Wallet, WalletTransaction, error) {
	if w.IsLocked {
		return w, WalletTransaction{}, &WalletLockedError{WalletID: w.ID, Reason: w.LockReason}
	}
	if !amount.IsPositive() {
		return w, WalletTransaction{}, fmt.Errorf("debit amount must be positive, got %s", amount)
	}

	now := l.now().UTC()
	tx := WalletTransaction{
		ID:             WalletTransactionID(uuid.NewString()),
		WalletID:       w.ID,
		Code:           transactionCode(now),
		Type:           WalletTxWithdraw,
		Amount:         amount,
		BalanceBefore:  w.Balance,
		BalanceAfter:   w.Balance.Sub(amount),
		Description:    description,
		IdempotencyKey: idempotencyKey,
		CreatedBy:      actor.OrSystem(),
		CreatedAt:      now,
	}

	if err := store.AppendWalletTransaction(ctx, tx); err != nil {
		return w, WalletTransaction{}, err
	}

	w.Balance = tx.BalanceAfter
	w.TotalSpent = w.TotalSpent.Add(amount)
	if err := store.UpdateWalletBalance(ctx, w); err != nil {
		return w, WalletTransaction{}, fmt.Errorf("update wallet balance: %w", err)
	}
	return w, tx, nil
}

// transactionCode builds a human-facing code such as WTX20251108-1A2B3C4D.
func transactionCode(at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return "WTX" + at.Format("20060102") + "-" + suffix
}
