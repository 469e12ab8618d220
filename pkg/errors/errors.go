package steeple_errors

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrStorage          = errors.New("local storage failure")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrInvalidInput     = errors.New("invalid input")
	ErrValidation       = errors.New("validation failed")
	ErrAlreadyCheckedIn = errors.New("already checked in")
	ErrQueueFull        = errors.New("queue full")
	ErrSyncInProgress   = errors.New("sync already in progress")
	ErrTokenExpired     = errors.New("token expired")
	ErrTokenMissing     = errors.New("token missing")
	ErrMaxRetries       = errors.New("max retries exceeded")
	ErrChannelDegraded  = errors.New("realtime channel degraded")
)

// Class buckets a write-request outcome for the outbox retry policy.
type Class int

const (
	// ClassSuccess covers 2xx and, under the idempotency contract, 409:
	// a repeated key means the server already applied this write.
	ClassSuccess Class = iota
	// ClassPermanent covers the remaining 4xx range. The request was
	// rejected on its merits; retrying cannot help.
	ClassPermanent
	// ClassTransient covers 5xx and transport-level failures.
	ClassTransient
)

// ClassifyStatus maps an HTTP status code to a retry class.
// A status of 0 means the request never produced a response
// (network error, timeout) and is treated as transient.
func ClassifyStatus(status int) Class {
	switch {
	case status == 0:
		return ClassTransient
	case status >= 200 && status < 300:
		return ClassSuccess
	case status == 409:
		return ClassSuccess
	case status >= 400 && status < 500:
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// NowPtr returns a pointer to current time
func NowPtr() *time.Time {
	now := time.Now()
	return &now
}
