package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ProductTimeLayout is part of the product naming contract used downstream
// by invoicing. Changing it splits every future booking from its history.
const ProductTimeLayout = "2006-01-02T15:04"

// BookingRecord is the canonical, storefront-agnostic form of one paid booking.
type BookingRecord struct {
	BookingID       string          `json:"booking_id"`
	ServiceName     string          `json:"service_name"`
	Start           time.Time       `json:"start_datetime"`
	PartySize       int             `json:"party_size"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	CustomerName    string          `json:"customer_name"`
	CustomerEmail   string          `json:"customer_email"`
	OrderID         string          `json:"order_id"`
	OrderStatus     string          `json:"order_status,omitempty"`
	RawPayload      json.RawMessage `json:"-"`
}

// ProductName derives the per-occurrence product name. Products are never
// shared between bookings, so the name must be fully determined by the record.
func (b BookingRecord) ProductName() string {
	return fmt.Sprintf("%s - %s (%d personas)", b.ServiceName, b.Start.Format(ProductTimeLayout), b.PartySize)
}

// Reference is the value stamped on the ERP sales order to tie it back to the booking.
func (b BookingRecord) Reference() string {
	return "WC-" + b.BookingID
}

func (b BookingRecord) Customer() Customer {
	return Customer{Email: b.CustomerEmail, DisplayName: b.CustomerName}
}

// Product carries the line price as delivered by the storefront. The discount
// was applied upstream and is never recomputed here.
func (b BookingRecord) Product() Product {
	return Product{Name: b.ProductName(), Price: b.TotalAmount}
}

type Customer struct {
	Email       string
	DisplayName string
}

type Product struct {
	Name  string
	Price decimal.Decimal
}
