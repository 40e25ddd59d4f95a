package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Guizzs26/booking-sync/pkg/metrics"
)

const exchangeName = "booking.sync"

// RabbitMQPublisher publishes with publisher confirms and reports its link
// health through a gauge.
type RabbitMQPublisher struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	logger     *slog.Logger
	connClosed chan *amqp.Error
	chanClosed chan *amqp.Error
	closeOnce  sync.Once
	healthy    atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewRabbitMQPublisher(url string, l *slog.Logger) (*RabbitMQPublisher, error) {
	c, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := c.Channel()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to declare topic exchange: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to activate publisher confirms: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &RabbitMQPublisher{
		conn:       c,
		channel:    ch,
		logger:     l.With("sink", "rabbitmq"),
		connClosed: make(chan *amqp.Error, 1),
		chanClosed: make(chan *amqp.Error, 1),
		ctx:        ctx,
		cancel:     cancel,
	}

	p.healthy.Store(true)
	metrics.BrokerHealthy.Set(1)

	p.conn.NotifyClose(p.connClosed)
	p.channel.NotifyClose(p.chanClosed)

	go func() {
		select {
		case err := <-p.connClosed:
			p.markDown("connection", err)
		case err := <-p.chanClosed:
			p.markDown("channel", err)
		case <-p.ctx.Done():
		}
	}()

	p.logger.Info("Connected to RabbitMQ, publisher confirms enabled", "exchange", exchangeName)
	return p, nil
}

func (p *RabbitMQPublisher) markDown(what string, err *amqp.Error) {
	p.healthy.Store(false)
	metrics.BrokerHealthy.Set(0)
	p.logger.Warn("RabbitMQ "+what+" closed", "error", err)
}

// Publish blocks until the broker confirms or ctx ends.
func (p *RabbitMQPublisher) Publish(ctx context.Context, e Envelope) error {
	if !p.IsHealthy() {
		metrics.EventsPublished.WithLabelValues("rabbitmq", "broker_down").Inc()
		return fmt.Errorf("broker connection is closed")
	}

	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	deferred, err := p.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		exchangeName,
		RoutingKey(e.EventType),
		false,
		false,
		amqp.Publishing{
			Headers:      amqp.Table{"correlation_id": e.CorrelationID},
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    e.EventID,
			Timestamp:    e.OccurredAt,
			Type:         e.EventType,
			Body:         body,
		},
	)
	if err != nil {
		metrics.EventsPublished.WithLabelValues("rabbitmq", "error").Inc()
		return fmt.Errorf("publish call failed: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			metrics.EventsPublished.WithLabelValues("rabbitmq", "nack").Inc()
			return fmt.Errorf("RabbitMQ NACK received for %s", e.EventID)
		}
		metrics.EventsPublished.WithLabelValues("rabbitmq", "ok").Inc()
		return nil
	case <-time.After(10 * time.Second):
		metrics.EventsPublished.WithLabelValues("rabbitmq", "timeout").Inc()
		return fmt.Errorf("publisher confirm timeout")
	}
}

func (p *RabbitMQPublisher) Close() error {
	p.closeOnce.Do(func() {
		p.logger.Info("Closing RabbitMQ publisher")
		p.cancel()
		if p.channel != nil {
			p.channel.Close()
		}
		if p.conn != nil {
			p.conn.Close()
		}
	})
	return nil
}

func (p *RabbitMQPublisher) IsHealthy() bool {
	return p.healthy.Load()
}
