package redisx

import (
	"strings"
	"time"
)

const (
	// Find-or-create guard: lock:customer:{email} / lock:product:{name}
	KeyLock = "booking-sync:lock:%s"

	// Resolved ERP ids: erpid:{kind}:{natural key} -> id
	KeyERPID = "booking-sync:erpid:%s:%s"
)

var (
	TTLLock  = 2 * time.Minute
	TTLERPID = 24 * time.Hour
)

// sanitize keeps user-supplied names from producing keys with whitespace.
func sanitize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "_")
}
