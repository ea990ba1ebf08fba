package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hoanganh010999/songthuyeducation-sub005/fee"
)

type published struct {
	exchange, key string
	msg           amqp091.Publishing
}

type fakeChannel struct {
	declared   []string
	published  []published
	declareErr error
	publishErr error
	closed     bool
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error {
	c.declared = append(c.declared, name+":"+kind)
	return c.declareErr
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("publish without deadline")
	}
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func sampleProposal() fee.RefundProposal {
	branch := fee.BranchID("hanoi")
	return fee.RefundProposal{
		ID:            "prop-1",
		Code:          "RF202511-ABC123",
		Title:         "Tuition refund",
		Amount:        decimal.NewFromInt(800000),
		Status:        fee.ProposalPending,
		StudentID:     "stu-1",
		ClassID:       "class-1",
		BranchID:      &branch,
		PaymentMethod: fee.PaymentMethodWalletDeposit,
		RequestedBy:   "teacher-1",
		RequestedAt:   time.Date(2025, time.November, 4, 9, 0, 0, 0, time.UTC),
	}
}

func TestPublisher_DeclaresTopicExchange(t *testing.T) {
	ch := &fakeChannel{}
	_, err := NewPublisher(ch, "fees", "refund.proposal.created", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"fees:topic"}, ch.declared)
}

func TestPublisher_DeclareFailure(t *testing.T) {
	ch := &fakeChannel{declareErr: errors.New("access refused")}
	_, err := NewPublisher(ch, "fees", "rk", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declare exchange")
}

func TestPublisher_PublishRefundProposal(t *testing.T) {
	ch := &fakeChannel{}
	p, err := NewPublisher(ch, "fees", "refund.proposal.created", nil)
	require.NoError(t, err)

	ids := []fee.DeductionID{"d1", "d2", "d3", "d4"}
	require.NoError(t, p.PublishRefundProposal(context.Background(), sampleProposal(), ids))

	require.Len(t, ch.published, 1)
	pub := ch.published[0]
	assert.Equal(t, "fees", pub.exchange)
	assert.Equal(t, "refund.proposal.created", pub.key)
	assert.Equal(t, "application/json", pub.msg.ContentType)
	assert.Equal(t, amqp091.Persistent, pub.msg.DeliveryMode)
	assert.Equal(t, "prop-1", pub.msg.MessageId)

	msg, err := RefundProposalMessageFromJSON(pub.msg.Body)
	require.NoError(t, err)
	assert.Equal(t, EventRefundProposalCreated, msg.Event)
	assert.Equal(t, "RF202511-ABC123", msg.Code)
	assert.True(t, msg.Amount.Equal(decimal.NewFromInt(800000)))
	assert.Equal(t, ids, msg.DeductionIDs)
	require.NotNil(t, msg.BranchID)
	assert.Equal(t, fee.BranchID("hanoi"), *msg.BranchID)
}

func TestPublisher_PublishFailureIsWrapped(t *testing.T) {
	ch := &fakeChannel{publishErr: amqp091.ErrClosed}
	p, err := NewPublisher(ch, "fees", "rk", nil)
	require.NoError(t, err)

	err = p.PublishRefundProposal(context.Background(), sampleProposal(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, amqp091.ErrClosed)
}

func TestPublisher_CloseClosesChannel(t *testing.T) {
	ch := &fakeChannel{}
	p, err := NewPublisher(ch, "fees", "rk", nil)
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}
