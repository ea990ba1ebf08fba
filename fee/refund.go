/*
refund.go - Refund workflow trigger

PURPOSE:
  When a student's unexcused streak crosses the policy threshold, the most
  recent unrefunded unexcused-absence charges are bundled into one pending
  refund proposal for the approval workflow.

STEPS (one transaction, separate from the charge):
  1. Lock the student's wallet so concurrent triggers cannot claim the same rows
  2. Select up to Streak refundable charges, newest first (none -> no-op)
  3. Create the RefundProposal and its pending FinancialTransaction
  4. Mark every selected deduction refund-pending

After commit the proposal is announced through the RefundPublisher, if any.
A publish failure is logged only; the proposal already exists.
*/
package fee

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	applog "github.com/Hoanganh010999/songthuyeducation-sub005/internal/log"
)

// RefundPublisher announces refund proposals to downstream consumers.
type RefundPublisher interface {
	PublishRefundProposal(ctx context.Context, p RefundProposal, deductionIDs []DeductionID) error
}

// RefundRequest carries what the trigger needs about the run that fired it.
type RefundRequest struct {
	StudentID StudentID
	ClassID   ClassID
	Class     Class
	Streak    int
	Threshold int
	Actor     Actor
}

// RefundOutcome describes a created refund proposal.
type RefundOutcome struct {
	Proposal     RefundProposal
	Transaction  FinancialTransaction
	DeductionIDs []DeductionID
}

// TriggerRefund bundles refundable charges into a pending refund proposal.
// It returns (nil, nil) when nothing is refundable.
func (e *Engine) TriggerRefund(ctx context.Context, req RefundRequest) (*RefundOutcome, error) {
	if req.Streak <= 0 {
		return nil, nil
	}
	actor := req.Actor.OrSystem()

	var outcome *RefundOutcome
	err := e.store.WithTx(ctx, func(s Store) error {
		if _, err := s.LockWallet(ctx, req.StudentID); err != nil {
			return fmt.Errorf("lock wallet: %w", err)
		}

		charges, err := s.RefundableCharges(ctx, req.StudentID, req.ClassID, req.Streak)
		if err != nil {
			return fmt.Errorf("load refundable charges: %w", err)
		}
		if len(charges) == 0 {
			return nil
		}

		total := decimal.Zero
		ids := make([]DeductionID, 0, len(charges))
		for _, d := range charges {
			total = total.Add(d.DeductionAmount)
			ids = append(ids, d.ID)
		}

		now := e.now().UTC()
		proposal := RefundProposal{
			ID:    ProposalID(uuid.NewString()),
			Code:  proposalCode(now.Format("200601")),
			Title: fmt.Sprintf("Tuition refund - %d consecutive unexcused absences - student %s", req.Streak, req.StudentID),
			Description: fmt.Sprintf(
				"Tuition refund for student %s after %d consecutive unexcused absences (threshold %d). Class: %s",
				req.StudentID, req.Streak, req.Threshold, className(req.Class)),
			Amount:        total,
			Status:        ProposalPending,
			StudentID:     req.StudentID,
			ClassID:       req.ClassID,
			BranchID:      req.Class.BranchID,
			PaymentMethod: PaymentMethodWalletDeposit,
			RequestedBy:   actor,
			RequestedAt:   now,
		}
		pid, err := s.CreateRefundProposal(ctx, proposal)
		if err != nil {
			return fmt.Errorf("create refund proposal: %w", err)
		}
		proposal.ID = pid

		ft := FinancialTransaction{
			ID:              uuid.NewString(),
			Type:            "expense",
			Status:          "pending",
			ProposalID:      proposal.ID,
			Amount:          total,
			Description:     proposal.Description,
			PaymentMethod:   PaymentMethodWalletDeposit,
			RecordedBy:      actor,
			BranchID:        proposal.BranchID,
			TransactionDate: now,
			Metadata: RefundMetadata{
				StudentID:        req.StudentID,
				ClassID:          req.ClassID,
				ConsecutiveCount: req.Streak,
				DeductionIDs:     ids,
			},
		}
		if err := s.CreateFinancialTransaction(ctx, ft); err != nil {
			return fmt.Errorf("create financial transaction: %w", err)
		}

		mark := RefundMark{
			ConsecutiveCount: req.Streak,
			Reason:           fmt.Sprintf("%d consecutive unexcused absences (threshold %d)", req.Streak, req.Threshold),
			ProposalCode:     proposal.Code,
		}
		if err := s.MarkRefundPending(ctx, ids, mark); err != nil {
			return fmt.Errorf("mark refund pending: %w", err)
		}

		outcome = &RefundOutcome{Proposal: proposal, Transaction: ft, DeductionIDs: ids}
		return nil
	})
	if err != nil {
		return nil, &RefundWorkflowError{StudentID: req.StudentID, ClassID: req.ClassID, Streak: req.Streak, Cause: err}
	}
	if outcome == nil {
		return nil, nil
	}

	e.logger.InfoContext(ctx, "refund proposal created",
		applog.FieldProposalID, outcome.Proposal.ID,
		applog.FieldProposalCode, outcome.Proposal.Code,
		applog.FieldStudentID, req.StudentID,
		applog.FieldAmount, outcome.Proposal.Amount.String(),
		applog.FieldStreak, req.Streak)

	if e.publisher != nil {
		if err := e.publisher.PublishRefundProposal(ctx, outcome.Proposal, outcome.DeductionIDs); err != nil {
			e.logger.WarnContext(ctx, "refund proposal not published",
				applog.FieldProposalID, outcome.Proposal.ID,
				applog.FieldError, err)
		}
	}
	return outcome, nil
}

// proposalCode builds codes such as RF202511-9F3A1C.
func proposalCode(yyyymm string) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return "RF" + yyyymm + "-" + suffix
}

func className(c Class) string {
	if c.Name != "" {
		return c.Name
	}
	return string(c.ID)
}
