package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	e, err := NewEnvelope(EventBookingSynced, "1001-7", BookingSyncedPayload{BookingID: "1001-7", ERPOrderID: 9, Amount: "95"})
	require.NoError(t, err)

	assert.NotEmpty(t, e.EventID)
	assert.Equal(t, 1, e.EventVersion)
	assert.Equal(t, "booking-sync", e.Producer)
	assert.Equal(t, "1001-7", e.CorrelationID)

	var p BookingSyncedPayload
	require.NoError(t, json.Unmarshal(e.Payload, &p))
	assert.Equal(t, int64(9), p.ERPOrderID)
	assert.Equal(t, "95", p.Amount)
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "booking.synced", RoutingKey(EventBookingSynced))
	assert.Equal(t, "booking.sync_failed", RoutingKey(EventBookingSyncFailed))
	assert.Equal(t, "booking.unknown", RoutingKey("Other"))
}

func TestNoop(t *testing.T) {
	var p Publisher = Noop{}
	assert.NoError(t, p.Publish(context.Background(), Envelope{}))
	assert.NoError(t, p.Close())
}

func TestKafkaPublishAfterClose(t *testing.T) {
	p := NewKafkaPublisher([]string{"127.0.0.1:1"}, DefaultKafkaTopic, 4, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	e, err := NewEnvelope(EventBookingSynced, "1001-7", BookingSyncedPayload{BookingID: "1001-7"})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		assert.ErrorIs(t, p.Publish(context.Background(), e), ErrPublisherClosed)
	})
}

func TestDecodeEnvelope(t *testing.T) {
	e, err := NewEnvelope(EventBookingSyncFailed, "1001-1", BookingSyncFailedPayload{BookingID: "1001-1", Kind: "unavailable"})
	require.NoError(t, err)
	body, err := json.Marshal(e)
	require.NoError(t, err)

	got, err := decodeEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, e.EventID, got.EventID)
	assert.Equal(t, EventBookingSyncFailed, got.EventType)

	_, err = decodeEnvelope([]byte(`{"event_type":"BookingSynced"}`))
	assert.ErrorIs(t, err, errMalformedEnvelope)

	_, err = decodeEnvelope([]byte(`not json`))
	assert.ErrorIs(t, err, errMalformedEnvelope)
}
