// Package events publishes fee engine events to RabbitMQ.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/Hoanganh010999/songthuyeducation-sub005/fee"
	applog "github.com/Hoanganh010999/songthuyeducation-sub005/internal/log"
)

const publishTimeout = 5 * time.Second

// Channel is the subset of *amqp091.Channel the publisher needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher implements fee.RefundPublisher on a topic exchange.
type Publisher struct {
	conn       *amqp091.Connection
	channel    Channel
	exchange   string
	routingKey string
	logger     *applog.Logger
}

var _ fee.RefundPublisher = (*Publisher)(nil)

// Dial connects to the broker and declares the exchange.
func Dial(url, exchange, routingKey string, logger *applog.Logger) (*Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	p, err := NewPublisher(channel, exchange, routingKey, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewPublisher declares the exchange on an open channel.
func NewPublisher(channel Channel, exchange, routingKey string, logger *applog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = applog.Nop()
	}
	err := channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &Publisher{
		channel:    channel,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger.WithComponent(applog.ComponentAMQP),
	}, nil
}

// PublishRefundProposal publishes a persistent RefundProposalMessage.
func (p *Publisher) PublishRefundProposal(ctx context.Context, proposal fee.RefundProposal, deductionIDs []fee.DeductionID) error {
	msg := NewRefundProposalMessage(proposal, deductionIDs)
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,   // exchange
		p.routingKey, // routing key
		false,        // mandatory
		false,        // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    string(proposal.ID),
			Type:         EventRefundProposalCreated,
			Timestamp:    msg.Timestamp,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	p.logger.InfoContext(ctx, "published refund proposal",
		applog.FieldProposalID, proposal.ID,
		applog.FieldProposalCode, proposal.Code,
		"exchange", p.exchange,
		"routing_key", p.routingKey)
	return nil
}

func (p *Publisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
