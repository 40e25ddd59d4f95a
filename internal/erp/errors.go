package erp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Guizzs26/booking-sync/internal/models"
)

// RemoteError is an exception raised inside the ERP and returned through
// the JSON-RPC error envelope.
type RemoteError struct {
	Code    int
	Name    string
	Message string
	kind    error
}

func (e *RemoteError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("erp error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("erp %s: %s", e.Name, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return e.kind
}

// Exceptions that mean "try again later". Everything else raised by the ERP
// is a business rejection that needs a human.
var transientExceptions = []string{
	"psycopg2.OperationalError",
	"psycopg2.errors.SerializationFailure",
	"psycopg2.errors.LockNotAvailable",
	"psycopg2.errors.DeadlockDetected",
	"odoo.http.SessionExpiredException",
}

func newRemoteError(e rpcError) *RemoteError {
	re := &RemoteError{
		Code:    e.Code,
		Name:    e.Data.Name,
		Message: e.Data.Message,
		kind:    models.ErrRemoteRejected,
	}
	if re.Message == "" {
		re.Message = e.Message
	}
	for _, prefix := range transientExceptions {
		if strings.HasPrefix(re.Name, prefix) {
			re.kind = models.ErrRemoteUnavailable
			break
		}
	}
	return re
}

func statusError(status int) error {
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return fmt.Errorf("%w: erp http %d", models.ErrRemoteUnavailable, status)
	}
	return fmt.Errorf("%w: erp http %d", models.ErrRemoteRejected, status)
}

func transportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrRemoteUnavailable, err)
}
