package models

import (
	"context"
	"errors"
)

var (
	ErrSignatureInvalid  = errors.New("webhook signature invalid")
	ErrMalformedOrder    = errors.New("malformed order")
	ErrRemoteUnavailable = errors.New("remote unavailable")
	ErrRemoteRejected    = errors.New("remote rejected")

	ErrSyncInFlight   = errors.New("booking sync already in progress")
	ErrNeedsAttention = errors.New("booking requires operator attention")
	ErrNotFound       = errors.New("not found")
)

type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindUnavailable ErrorKind = "unavailable"
	KindRejected    ErrorKind = "rejected"
	KindMalformed   ErrorKind = "malformed"
	KindInternal    ErrorKind = "internal"
)

// Transient kinds are healed by the reconciliation scheduler.
func (k ErrorKind) Transient() bool {
	return k == KindUnavailable || k == KindInternal
}

// Classify maps an error chain onto the taxonomy stored in outcome rows.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrRemoteRejected):
		return KindRejected
	case errors.Is(err, ErrMalformedOrder):
		return KindMalformed
	case errors.Is(err, ErrRemoteUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindUnavailable
	default:
		return KindInternal
	}
}
