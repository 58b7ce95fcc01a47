package mq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher handles message publishing to RabbitMQ
type Publisher struct {
	conn          *Connection
	channel       *amqp.Channel
	exchange      string
	routingPrefix string
	logger        *zap.Logger
}

// NewPublisher creates a new RabbitMQ publisher. Events are routed as
// "<routingPrefix>.<state>".
func NewPublisher(conn *Connection, exchange, routingPrefix string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// Declare exchange
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
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		conn:          conn,
		channel:       ch,
		exchange:      exchange,
		routingPrefix: routingPrefix,
		logger:        logger,
	}, nil
}

// CacheEvent is published after every record state transition
type CacheEvent struct {
	EventID       string `json:"event_id"`
	RequestID     string `json:"request_id,omitempty"`
	UsagePointID  string `json:"usage_point_id"`
	Series        string `json:"series"`
	Date          string `json:"date"`
	Value         int64  `json:"value"`
	State         string `json:"state"`
	FailCount     int    `json:"fail_count"`
	Anomaly       bool   `json:"anomaly"`
	AnomalyReason string `json:"anomaly_reason,omitempty"`
	OccurredAt    string `json:"occurred_at"`
}

// RoutingKey returns the routing key of an event for a prefix
func RoutingKey(prefix string, event CacheEvent) string {
	return prefix + "." + event.State
}

// PublishCacheEvent publishes a cache event
func (p *Publisher) PublishCacheEvent(ctx context.Context, event CacheEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	routingKey := RoutingKey(p.routingPrefix, event)
	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    event.EventID,
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)

	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("published cache event",
		zap.String("routing_key", routingKey),
		zap.String("usage_point_id", event.UsagePointID),
		zap.String("series", event.Series),
	)

	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
