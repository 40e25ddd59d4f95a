package models

import "time"

type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSuccess SyncStatus = "success"
	StatusFailed  SyncStatus = "failed"
)

// SyncOutcome is one row of the idempotency ledger, keyed by BookingID.
type SyncOutcome struct {
	BookingID     string     `json:"booking_id"`
	OrderID       string     `json:"order_id"`
	Status        SyncStatus `json:"status"`
	ERPOrderID    *int64     `json:"erp_order_id,omitempty"`
	ERPCustomerID *int64     `json:"erp_customer_id,omitempty"`
	ERPProductID  *int64     `json:"erp_product_id,omitempty"`
	ErrorKind     ErrorKind  `json:"error_kind,omitempty"`
	ErrorDetail   *string    `json:"error_detail,omitempty"`
	AttemptCount  int        `json:"attempt_count"`
	AttemptedAt   time.Time  `json:"attempted_at"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Retryable reports whether the scheduler may re-drive this row on its own.
func (o SyncOutcome) Retryable(maxAttempts int) bool {
	return o.Status == StatusFailed && o.ErrorKind.Transient() && o.AttemptCount < maxAttempts
}

// SyncResult carries the ERP identifiers of a successful attempt.
type SyncResult struct {
	ERPOrderID    int64
	ERPCustomerID int64
	ERPProductID  int64
}

// Claim asks the store for exclusive ownership of one attempt on a booking.
type Claim struct {
	BookingID string
	OrderID   string
	At        time.Time
	// StaleBefore lets an abandoned pending row be taken over.
	StaleBefore time.Time
	// Force re-opens rows that failed with a permanent rejection.
	Force bool
}

// FailureUpdate records a failed attempt.
type FailureUpdate struct {
	Kind          ErrorKind
	Detail        string
	At            time.Time
	NextAttemptAt *time.Time
}

// Watermark is the reconciliation cursor persisted between ticks.
type Watermark struct {
	Scope         string     `json:"scope"`
	Watermark     time.Time  `json:"watermark"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
}
