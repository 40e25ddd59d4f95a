package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
)

// Handler returns nil only when the envelope may be acknowledged.
type Handler func(ctx context.Context, e Envelope) error

type Subscriber interface {
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

var errMalformedEnvelope = errors.New("malformed envelope")

func decodeEnvelope(body []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errMalformedEnvelope, err)
	}
	if e.EventID == "" || e.EventType == "" {
		return Envelope{}, fmt.Errorf("%w: missing event_id or event_type", errMalformedEnvelope)
	}
	return e, nil
}

const redeliveryPause = 5 * time.Second

// RabbitMQSubscriber consumes outcome events from the booking.sync exchange.
type RabbitMQSubscriber struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	binding string
	logger  *slog.Logger
}

// NewRabbitMQSubscriber binds queue to every booking event. An empty queue
// name declares a server-named exclusive queue that disappears on Close.
func NewRabbitMQSubscriber(url, queue string, logger *slog.Logger) (*RabbitMQSubscriber, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	// Prefetch 1 keeps delivery in publish order.
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	return &RabbitMQSubscriber{
		conn:    conn,
		channel: ch,
		queue:   queue,
		binding: "booking.#",
		logger:  logger.With("sink", "rabbitmq"),
	}, nil
}

func (s *RabbitMQSubscriber) Subscribe(ctx context.Context, h Handler) error {
	if err := s.channel.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	durable, exclusive := true, false
	if s.queue == "" {
		durable, exclusive = false, true
	}
	q, err := s.channel.QueueDeclare(s.queue, durable, !durable, exclusive, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := s.channel.QueueBind(q.Name, s.binding, exchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	msgs, err := s.channel.Consume(q.Name, "", false, exclusive, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	s.logger.Info("Subscriber is online", "queue", q.Name, "routing_key", s.binding)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}

			e, err := decodeEnvelope(d.Body)
			if err != nil {
				s.logger.Error("Dropping malformed event", "message_id", d.MessageId, "error", err)
				_ = d.Nack(false, false)
				continue
			}

			if err := h(ctx, e); err != nil {
				s.logger.Error("Handler failed, requeueing", "event_id", e.EventID, "error", err)
				select {
				case <-time.After(redeliveryPause):
				case <-ctx.Done():
				}
				_ = d.Nack(false, true)
				continue
			}

			if err := d.Ack(false); err != nil {
				s.logger.Error("Failed to ack event", "event_id", e.EventID, "error", err)
			}
		}
	}
}

func (s *RabbitMQSubscriber) Close() error {
	s.channel.Close()
	return s.conn.Close()
}

// KafkaSubscriber reads outcome events as a consumer group member and
// commits each offset only after the handler succeeds.
type KafkaSubscriber struct {
	r      *kafka.Reader
	logger *slog.Logger
}

func NewKafkaSubscriber(brokers []string, group, topic string, logger *slog.Logger) *KafkaSubscriber {
	return &KafkaSubscriber{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			GroupID:     group,
			Topic:       topic,
			MinBytes:    1,
			MaxBytes:    10e6,
			StartOffset: kafka.LastOffset,
		}),
		logger: logger.With("sink", "kafka", "topic", topic, "group", group),
	}
}

func (s *KafkaSubscriber) Subscribe(ctx context.Context, h Handler) error {
	s.logger.Info("Subscriber is online")
	for {
		m, err := s.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		e, err := decodeEnvelope(m.Value)
		if err != nil {
			s.logger.Error("Skipping malformed event", "offset", m.Offset, "partition", m.Partition, "error", err)
		} else if err := h(ctx, e); err != nil {
			// Uncommitted, so the group redelivers it after a rebalance or restart.
			s.logger.Error("Handler failed, stopping", "event_id", e.EventID, "error", err)
			return err
		}

		if err := s.r.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset: %w", err)
		}
	}
}

func (s *KafkaSubscriber) Close() error {
	return s.r.Close()
}
