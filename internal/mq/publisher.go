package mq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// WindowEvent is published after a run for each reconciled window
type WindowEvent struct {
	RunID   string `json:"run_id"`
	Instant string `json:"instant"`
	Status  int    `json:"status"`
	Records int    `json:"records"`
	Deleted int    `json:"deleted"`
	Errors  int    `json:"errors"`
}

// Publisher publishes window events to a RabbitMQ topic exchange
type Publisher struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
	logger     *zap.Logger
}

// NewPublisher connects to RabbitMQ and declares the event exchange. The
// connection is closed through the fx lifecycle when the run ends.
func NewPublisher(lc fx.Lifecycle, url, exchange, routingKey string, logger *zap.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			ch.Close()
			if err := conn.Close(); err != nil {
				logger.Error("failed to close rabbitmq connection", zap.Error(err))
				return err
			}
			logger.Info("rabbitmq connection closed")
			return nil
		},
	})

	return &Publisher{
		conn:       conn,
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger,
	}, nil
}

// PublishWindowEvent publishes a reconciled-window event
func (p *Publisher) PublishWindowEvent(ctx context.Context, event WindowEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		p.routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("published window event",
		zap.String("routing_key", p.routingKey),
		zap.String("run_id", event.RunID),
		zap.String("instant", event.Instant))
	return nil
}

// NopPublisher discards events; used when no broker is configured
type NopPublisher struct{}

// PublishWindowEvent implements the publisher contract as a no-op
func (NopPublisher) PublishWindowEvent(ctx context.Context, event WindowEvent) error {
	return nil
}
