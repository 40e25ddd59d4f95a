package storefront

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/booking-sync/internal/models"
)

const bookingOrder = `{
  "id": 1001,
  "number": "1001",
  "status": "processing",
  "date_created": "2025-03-10T09:12:44",
  "total": "95.00",
  "billing": {"first_name": "Ana", "last_name": "García", "email": " Ana@Example.com "},
  "line_items": [{
    "id": 7,
    "name": "Clase  de Aquagym",
    "product_id": 55,
    "quantity": 1,
    "subtotal": "100.00",
    "total": "95.00",
    "meta_data": [
      {"id": 1, "key": "Booking Date", "value": "2025-03-14 18:30"},
      {"id": 2, "key": "Persons", "value": "3 personas"},
      {"id": 3, "key": "_descuento", "value": "5%"}
    ]
  }]
}`

func TestNormalizeBookingOrder(t *testing.T) {
	order, err := ParseOrder([]byte(bookingOrder))
	require.NoError(t, err)

	records, err := Normalize(order)
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "1001-7", rec.BookingID)
	assert.Equal(t, "1001", rec.OrderID)
	assert.Equal(t, "processing", rec.OrderStatus)
	assert.Equal(t, "Clase de Aquagym", rec.ServiceName)
	assert.Equal(t, time.Date(2025, 3, 14, 18, 30, 0, 0, time.UTC), rec.Start)
	assert.Equal(t, 3, rec.PartySize)
	assert.True(t, rec.TotalAmount.Equal(decimal.NewFromInt(95)))
	assert.True(t, rec.UnitPrice.Equal(decimal.NewFromInt(100)))
	assert.True(t, rec.DiscountPercent.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, "ana@example.com", rec.CustomerEmail)
	assert.Equal(t, "Ana García", rec.CustomerName)
	assert.JSONEq(t, bookingOrder, string(rec.RawPayload))
	assert.Equal(t, "Clase de Aquagym - 2025-03-14T18:30 (3 personas)", rec.ProductName())
}

func TestNormalizeDefaults(t *testing.T) {
	order, err := ParseOrder([]byte(`{
	  "id": 2002,
	  "date_created": "2025-04-01T10:00:00",
	  "total": "40.00",
	  "billing": {"email": "solo@example.com"},
	  "line_items": [{"id": 9, "name": "Spa", "total": ""}]
	}`))
	require.NoError(t, err)

	records, err := Normalize(order)
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, 1, rec.PartySize)
	assert.True(t, rec.DiscountPercent.IsZero())
	assert.True(t, rec.TotalAmount.Equal(decimal.NewFromInt(40)))
	assert.Equal(t, time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC), rec.Start)
	assert.Equal(t, "solo@example.com", rec.CustomerName)
}

func TestNormalizeUsesPluginBookingID(t *testing.T) {
	order, err := ParseOrder([]byte(`{
	  "id": 3003,
	  "date_created": "2025-04-01T10:00:00",
	  "billing": {"email": "x@example.com"},
	  "line_items": [
	    {"id": 1, "name": "Yoga", "total": "10", "meta_data": [{"key": "_booking_id", "value": 8812}, {"key": "persons", "value": {"31": 2, "32": 1}}]},
	    {"id": 2, "name": "Yoga", "total": "10", "meta_data": [{"key": "_booking_id", "value": "8813"}]}
	  ]
	}`))
	require.NoError(t, err)

	records, err := Normalize(order)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "8812", records[0].BookingID)
	assert.Equal(t, 3, records[0].PartySize)
	assert.Equal(t, "8813", records[1].BookingID)
}

func TestNormalizeMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing order id", `{"billing": {"email": "a@b.c"}, "line_items": [{"id": 1, "name": "Spa", "total": "10"}]}`},
		{"missing total amount", `{"id": 1, "date_created": "2025-01-01T00:00:00", "billing": {"email": "a@b.c"}, "line_items": [{"id": 1, "name": "Spa"}]}`},
		{"missing service name", `{"id": 1, "total": "10", "date_created": "2025-01-01T00:00:00", "billing": {"email": "a@b.c"}, "line_items": [{"id": 1, "name": " ", "total": "10"}]}`},
		{"missing email", `{"id": 1, "total": "10", "date_created": "2025-01-01T00:00:00", "line_items": [{"id": 1, "name": "Spa", "total": "10"}]}`},
		{"no line items", `{"id": 1, "total": "10", "billing": {"email": "a@b.c"}}`},
		{"unparseable total", `{"id": 1, "date_created": "2025-01-01T00:00:00", "billing": {"email": "a@b.c"}, "line_items": [{"id": 1, "name": "Spa", "total": "ten"}]}`},
		{"one bad line poisons order", `{"id": 1, "date_created": "2025-01-01T00:00:00", "billing": {"email": "a@b.c"}, "line_items": [{"id": 1, "name": "Spa", "total": "10"}, {"id": 2, "name": "Spa"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, err := ParseOrder([]byte(tt.body))
			require.NoError(t, err)

			records, err := Normalize(order)
			assert.ErrorIs(t, err, models.ErrMalformedOrder)
			assert.Nil(t, records)
		})
	}
}

func TestParseDateLayouts(t *testing.T) {
	want := time.Date(2025, 3, 14, 18, 30, 0, 0, time.UTC)
	for _, s := range []string{"2025-03-14T18:30:00", "2025-03-14 18:30:00", "2025-03-14T18:30", "20250314183000", "14/03/2025 18:30"} {
		got, ok := parseDate(s)
		require.True(t, ok, s)
		assert.True(t, want.Equal(got), s)
	}

	_, ok := parseDate("next tuesday")
	assert.False(t, ok)
}
