// Package events publishes sync outcomes for downstream consumers such as
// invoicing dashboards. Publishing is best effort; the outcome store stays
// the source of truth.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	EventBookingSynced     = "BookingSynced"
	EventBookingSyncFailed = "BookingSyncFailed"

	producerName = "booking-sync"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"` // booking id
	Payload       json.RawMessage `json:"payload"`
}

type BookingSyncedPayload struct {
	BookingID     string `json:"booking_id"`
	OrderID       string `json:"order_id"`
	ERPOrderID    int64  `json:"erp_order_id"`
	ERPCustomerID int64  `json:"erp_customer_id"`
	ERPProductID  int64  `json:"erp_product_id"`
	Amount        string `json:"amount"`
	AttemptCount  int    `json:"attempt_count"`
	Source        string `json:"source"`
}

type BookingSyncFailedPayload struct {
	BookingID     string     `json:"booking_id"`
	OrderID       string     `json:"order_id"`
	Kind          string     `json:"kind"`
	Detail        string     `json:"detail"`
	AttemptCount  int        `json:"attempt_count"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	Source        string     `json:"source"`
}

func NewEnvelope(eventType, correlationID string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producerName,
		CorrelationID: correlationID,
		Payload:       b,
	}, nil
}

// RoutingKey maps an event type onto the topic routing key, e.g. booking.synced.
func RoutingKey(eventType string) string {
	switch eventType {
	case EventBookingSynced:
		return "booking.synced"
	case EventBookingSyncFailed:
		return "booking.sync_failed"
	default:
		return "booking.unknown"
	}
}

// Publisher hands an envelope to a sink.
type Publisher interface {
	Publish(ctx context.Context, e Envelope) error
	Close() error
}

// Noop is used when EVENTS_SINK=none.
type Noop struct{}

func (Noop) Publish(context.Context, Envelope) error { return nil }
func (Noop) Close() error { return nil }
