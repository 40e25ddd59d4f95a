package storefront

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/Guizzs26/booking-sync/internal/models"
	"github.com/Guizzs26/booking-sync/pkg/encoding"
)

// Layouts seen in booking plugin meta and order dates, most specific first.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"20060102150405",
	"2006-01-02",
	"02/01/2006 15:04",
	"02/01/2006",
}

var (
	bookingIDKeys = []string{"_booking_id", "booking_id", "booking id", "reserva_id"}
	startKeys     = []string{"booking_date", "booking date", "booking_start", "_start_date", "from", "fecha"}
	personKeys    = []string{"person", "pax"}
	discountKeys  = []string{"discount", "descuento"}
)

// Normalize turns an order into one BookingRecord per line item. A missing
// mandatory field anywhere makes the whole order malformed, so a partial
// order is never billed.
func Normalize(o RawOrder) ([]models.BookingRecord, error) {
	if o.ID == 0 {
		return nil, fmt.Errorf("%w: missing order id", models.ErrMalformedOrder)
	}
	if len(o.LineItems) == 0 {
		return nil, fmt.Errorf("%w: order %d has no line items", models.ErrMalformedOrder, o.ID)
	}

	records := make([]models.BookingRecord, 0, len(o.LineItems))
	for _, item := range o.LineItems {
		rec, err := ToBookingRecord(o, item)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// ToBookingRecord normalizes one line item. Optional fields fall back to
// discount 0, party size 1 and the order creation date.
func ToBookingRecord(o RawOrder, item LineItem) (models.BookingRecord, error) {
	orderID := o.IDString()
	if orderID == "" {
		return models.BookingRecord{}, fmt.Errorf("%w: missing order id", models.ErrMalformedOrder)
	}

	service := encoding.Clean(item.Name)
	if service == "" {
		return models.BookingRecord{}, malformed(orderID, "service name")
	}

	total, err := lineTotal(o, item)
	if err != nil {
		return models.BookingRecord{}, malformed(orderID, err.Error())
	}

	email := encoding.Email(o.Billing.Email)
	if email == "" {
		return models.BookingRecord{}, malformed(orderID, "billing email")
	}

	rec := models.BookingRecord{
		BookingID:       fmt.Sprintf("%s-%d", orderID, item.ID),
		ServiceName:     service,
		PartySize:       1,
		UnitPrice:       total,
		DiscountPercent: decimal.Zero,
		TotalAmount:     total,
		CustomerName:    encoding.Clean(o.Billing.FullName()),
		CustomerEmail:   email,
		OrderID:         orderID,
		OrderStatus:     strings.ToLower(o.Status),
		RawPayload:      o.Raw,
	}
	if rec.CustomerName == "" {
		rec.CustomerName = email
	}
	if sub, err := parseAmount(item.Subtotal); err == nil && sub.IsPositive() {
		rec.UnitPrice = sub
	}

	startSet := false
	for _, m := range item.MetaData {
		key := strings.ToLower(strings.TrimSpace(m.Key))
		switch {
		case slices.Contains(bookingIDKeys, key):
			if v := m.String(); v != "" {
				rec.BookingID = v
			}
		case matchesAny(key, personKeys):
			if n := parsePersons(m.Value); n > 0 {
				rec.PartySize = n
			}
		case matchesAny(key, discountKeys):
			if d, err := parsePercent(m.String()); err == nil {
				rec.DiscountPercent = d
			}
		case !startSet && matchesAny(key, startKeys):
			if t, ok := parseDate(m.String()); ok {
				rec.Start = t
				startSet = true
			}
		}
	}

	if !startSet {
		t, ok := parseDate(o.DateCreated)
		if !ok {
			return models.BookingRecord{}, malformed(orderID, "booking date")
		}
		rec.Start = t
	}

	return rec, nil
}

func malformed(orderID, field string) error {
	return fmt.Errorf("%w: order %s missing %s", models.ErrMalformedOrder, orderID, field)
}

// lineTotal is the discounted amount the customer paid for the line. A
// single-line order may omit it and carry only the order total.
func lineTotal(o RawOrder, item LineItem) (decimal.Decimal, error) {
	if strings.TrimSpace(item.Total) != "" {
		return parseAmount(item.Total)
	}
	if len(o.LineItems) == 1 && strings.TrimSpace(o.Total) != "" {
		return parseAmount(o.Total)
	}
	return decimal.Zero, errors.New("total amount")
}

func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, errors.New("total amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("total amount %q", s)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative total amount %q", s)
	}
	return d, nil
}

func parsePercent(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	s = strings.ReplaceAll(s, ",", ".")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.Zero, fmt.Errorf("discount %s out of range", s)
	}
	return d, nil
}

// parsePersons accepts "3", "3 personas", 3, or the per-person-type object
// some booking plugins store ({"12": 2, "13": 1}).
func parsePersons(raw json.RawMessage) int {
	var byType map[string]json.Number
	if err := json.Unmarshal(raw, &byType); err == nil {
		total := 0
		for _, n := range byType {
			if i, err := strconv.Atoi(n.String()); err == nil && i > 0 {
				total += i
			}
		}
		return total
	}

	s := Meta{Value: raw}.String()
	end := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) })
	if end == -1 {
		end = len(s)
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0
	}
	return n
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func matchesAny(key string, fragments []string) bool {
	for _, f := range fragments {
		if strings.Contains(key, f) {
			return true
		}
	}
	return false
}
