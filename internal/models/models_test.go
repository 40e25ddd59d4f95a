package models

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestProductNameIsDeterministic(t *testing.T) {
	start := time.Date(2025, 3, 14, 18, 30, 0, 0, time.UTC)
	rec := BookingRecord{
		BookingID:   "1001-7",
		ServiceName: "Aquagym",
		Start:       start,
		PartySize:   3,
		TotalAmount: decimal.RequireFromString("95"),
	}

	assert.Equal(t, "Aquagym - 2025-03-14T18:30 (3 personas)", rec.ProductName())
	assert.Equal(t, rec.ProductName(), rec.Product().Name)
	assert.True(t, rec.Product().Price.Equal(decimal.NewFromInt(95)))
	assert.Equal(t, "WC-1001-7", rec.Reference())
}

func TestProductNameDiffersPerOccurrence(t *testing.T) {
	a := BookingRecord{ServiceName: "Aquagym", Start: time.Date(2025, 3, 14, 18, 30, 0, 0, time.UTC), PartySize: 1}
	b := a
	b.Start = b.Start.Add(24 * time.Hour)
	c := a
	c.PartySize = 2

	assert.NotEqual(t, a.ProductName(), b.ProductName())
	assert.NotEqual(t, a.ProductName(), c.ProductName())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindNone},
		{"rejected", fmt.Errorf("create partner: %w", ErrRemoteRejected), KindRejected},
		{"unavailable", fmt.Errorf("dial: %w", ErrRemoteUnavailable), KindUnavailable},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindUnavailable},
		{"malformed", fmt.Errorf("%w: missing total", ErrMalformedOrder), KindMalformed},
		{"other", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestOutcomeRetryable(t *testing.T) {
	o := SyncOutcome{Status: StatusFailed, ErrorKind: KindUnavailable, AttemptCount: 2}
	assert.True(t, o.Retryable(3))
	assert.False(t, o.Retryable(2))

	o.ErrorKind = KindRejected
	assert.False(t, o.Retryable(10))

	o = SyncOutcome{Status: StatusSuccess, AttemptCount: 1}
	assert.False(t, o.Retryable(10))
}
