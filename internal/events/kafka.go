package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Guizzs26/booking-sync/pkg/metrics"
)

const DefaultKafkaTopic = "booking-sync.outcomes"

var ErrPublisherClosed = errors.New("publisher closed")

// KafkaPublisher queues envelopes for a background writer. Messages are
// keyed by booking id so every outcome of one booking lands on one partition.
type KafkaPublisher struct {
	w       *kafka.Writer
	inbox   chan kafka.Message
	closeCh chan struct{}
	logger  *slog.Logger

	// mu guards closed and the send on inbox against Close.
	mu     sync.RWMutex
	closed bool
}

func NewKafkaPublisher(brokers []string, topic string, buf int, logger *slog.Logger) *KafkaPublisher {
	p := &KafkaPublisher{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
		logger:  logger.With("sink", "kafka", "topic", topic),
	}
	go p.loop()
	return p
}

func (p *KafkaPublisher) loop() {
	defer close(p.closeCh)
	for m := range p.inbox {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := p.w.WriteMessages(ctx, m)
		cancel()
		if err != nil {
			metrics.EventsPublished.WithLabelValues("kafka", "error").Inc()
			p.logger.Error("Kafka write failed", "key", string(m.Key), "error", err)
			continue
		}
		metrics.EventsPublished.WithLabelValues("kafka", "ok").Inc()
	}
	if err := p.w.Close(); err != nil {
		p.logger.Warn("Kafka writer close failed", "error", err)
	}
}

// Publish enqueues without waiting for the broker. It only blocks when the
// buffer is full, and then no longer than ctx allows.
func (p *KafkaPublisher) Publish(ctx context.Context, e Envelope) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(e.CorrelationID),
		Value: body,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.EventType)},
			{Key: "event_id", Value: []byte(e.EventID)},
		},
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		metrics.EventsPublished.WithLabelValues("kafka", "dropped").Inc()
		return ErrPublisherClosed
	}

	select {
	case p.inbox <- msg:
		return nil
	case <-ctx.Done():
		metrics.EventsPublished.WithLabelValues("kafka", "dropped").Inc()
		return fmt.Errorf("kafka buffer full: %w", ctx.Err())
	}
}

// Close flushes queued messages and waits for the writer to finish.
// Publish after Close returns ErrPublisherClosed.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.inbox)
	}
	p.mu.Unlock()

	<-p.closeCh
	return nil
}
