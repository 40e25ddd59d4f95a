package erp

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestFormatValue(t *testing.T) {
	loc := time.FixedZone("CET", 3600)

	assert.Equal(t, 95.5, formatValue(decimal.RequireFromString("95.50")))
	assert.Equal(t, "2025-03-14 17:30:00", formatValue(time.Date(2025, 3, 14, 18, 30, 0, 0, loc)))
	// Strings go out untouched even when they look like timestamps.
	assert.Equal(t, "2025-03-14T18:30:00+01:00", formatValue("2025-03-14T18:30:00+01:00"))
	assert.Equal(t, false, formatValue(nil))
	assert.Equal(t, false, formatValue(time.Time{}))
	assert.Equal(t, "plain", formatValue("plain"))
	assert.Equal(t, 3, formatValue(3))
}

func TestCreateLine(t *testing.T) {
	line := CreateLine(Values{"price_unit": decimal.NewFromInt(10)})
	assert.Equal(t, []any{0, 0, map[string]any{"price_unit": float64(10)}}, line)
}
