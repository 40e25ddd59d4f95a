package storefront

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// RawOrder is the subset of the WooCommerce v3 order resource the sync reads.
// Raw keeps the exact bytes received so the outcome can be audited later.
type RawOrder struct {
	ID          int64      `json:"id"`
	Number      string     `json:"number"`
	Status      string     `json:"status"`
	Currency    string     `json:"currency"`
	DateCreated string     `json:"date_created"`
	DatePaid    string     `json:"date_paid"`
	Total       string     `json:"total"`
	CustomerID  int64      `json:"customer_id"`
	Billing     Billing    `json:"billing"`
	LineItems   []LineItem `json:"line_items"`
	MetaData    []Meta     `json:"meta_data"`

	Raw json.RawMessage `json:"-"`
}

type Billing struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

func (b Billing) FullName() string {
	return strings.TrimSpace(b.FirstName + " " + b.LastName)
}

type LineItem struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	ProductID int64   `json:"product_id"`
	Quantity  int     `json:"quantity"`
	Subtotal  string  `json:"subtotal"`
	Total     string  `json:"total"`
	MetaData  []Meta  `json:"meta_data"`
	Price     float64 `json:"price"`
}

// Meta values are whatever the plugin stored: strings, numbers or objects.
type Meta struct {
	ID    int64           `json:"id"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// String renders scalar meta values; objects and arrays come back empty.
func (m Meta) String() string {
	v := strings.TrimSpace(string(m.Value))
	if v == "" || v == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(m.Value, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var n json.Number
	if err := json.Unmarshal(m.Value, &n); err == nil {
		return n.String()
	}
	return ""
}

// IDString is the order id as used in URLs and outcome rows.
func (o RawOrder) IDString() string {
	if o.ID == 0 {
		return ""
	}
	return strconv.FormatInt(o.ID, 10)
}

// ParseOrder decodes a webhook body or API response, keeping the raw bytes.
func ParseOrder(body []byte) (RawOrder, error) {
	var o RawOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return RawOrder{}, fmt.Errorf("decode order: %w", err)
	}
	o.Raw = append(json.RawMessage(nil), body...)
	return o, nil
}

// RawCustomer is the WooCommerce customer resource delivered by customer webhooks.
type RawCustomer struct {
	ID        int64   `json:"id"`
	Email     string  `json:"email"`
	FirstName string  `json:"first_name"`
	LastName  string  `json:"last_name"`
	Billing   Billing `json:"billing"`
}

func (c RawCustomer) DisplayName() string {
	name := strings.TrimSpace(c.FirstName + " " + c.LastName)
	if name == "" {
		name = c.Billing.FullName()
	}
	return name
}
