package events

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Hoanganh010999/songthuyeducation-sub005/fee"
)

// EventRefundProposalCreated is the event name carried by RefundProposalMessage.
const EventRefundProposalCreated = "refund.proposal.created"

// RefundProposalMessage announces a pending refund proposal to the approval
// workflow. Consumers fetch nothing else; the message is self-contained.
type RefundProposalMessage struct {
	Event         string            `json:"event"`
	ProposalID    fee.ProposalID    `json:"proposal_id"`
	Code          string            `json:"code"`
	Title         string            `json:"title"`
	Amount        decimal.Decimal   `json:"amount"`
	StudentID     fee.StudentID     `json:"student_id"`
	ClassID       fee.ClassID       `json:"class_id"`
	BranchID      *fee.BranchID     `json:"branch_id,omitempty"`
	PaymentMethod string            `json:"payment_method"`
	RequestedBy   fee.Actor         `json:"requested_by"`
	RequestedAt   time.Time         `json:"requested_at"`
	DeductionIDs  []fee.DeductionID `json:"deduction_ids"`
	Timestamp     time.Time         `json:"timestamp"`
}

func NewRefundProposalMessage(p fee.RefundProposal, deductionIDs []fee.DeductionID) *RefundProposalMessage {
	return &RefundProposalMessage{
		Event:         EventRefundProposalCreated,
		ProposalID:    p.ID,
		Code:          p.Code,
		Title:         p.Title,
		Amount:        p.Amount,
		StudentID:     p.StudentID,
		ClassID:       p.ClassID,
		BranchID:      p.BranchID,
		PaymentMethod: p.PaymentMethod,
		RequestedBy:   p.RequestedBy,
		RequestedAt:   p.RequestedAt,
		DeductionIDs:  deductionIDs,
		Timestamp:     time.Now().UTC(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *RefundProposalMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// RefundProposalMessageFromJSON decodes a message published by Publisher.
func RefundProposalMessageFromJSON(data []byte) (*RefundProposalMessage, error) {
	var msg RefundProposalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
