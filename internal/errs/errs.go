// Package errs defines the shared error taxonomy used across the pipeline:
// provider failures, quota/auth lockouts, validation and schema failures,
// storage failures, transient queue-operation failures, and fatal queue
// initialisation failures. Every package returns one of these kinds
// rather than a bare error so callers upstream (the processor, the
// worker) can classify failures without depending on the package that
// produced them.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies which of the eight error categories an Error belongs to.
type Kind string

const (
	KindProvider   Kind = "provider_error"
	KindAuth       Kind = "auth_error"
	KindQuota      Kind = "quota_error"
	KindValidation Kind = "validation_error"
	KindSchema     Kind = "schema_error"
	KindStorage    Kind = "storage_error"
	KindQueue      Kind = "queue_error"
	KindQueueInit  Kind = "queue_init_error"
)

// DefaultAuthRetryAfter and DefaultQuotaRetryAfter mirror the original
// implementation's defaults for how long a worker should back off after an
// auth failure or a quota exhaustion, respectively.
const (
	DefaultAuthRetryAfter  = 300 * time.Second
	DefaultQuotaRetryAfter = 3600 * time.Second
)

// Error is the concrete structured error type carried by every kind.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // meaningful for KindAuth and KindQuota
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether a worker should treat this error as something
// that resolves itself after RetryAfter elapses, rather than a terminal
// failure of the job.
func (e *Error) Retryable() bool {
	return e.Kind == KindAuth || e.Kind == KindQuota
}

func newErr(kind Kind, message string, retryAfter time.Duration, cause error) *Error {
	return &Error{Kind: kind, Message: message, RetryAfter: retryAfter, Cause: cause}
}

// NewProviderError wraps a generic provider failure with a human-readable
// message, matching the "error generating completion: …" convention used
// by the HTTP provider.
func NewProviderError(message string, cause error) *Error {
	return newErr(KindProvider, message, 0, cause)
}

// NewAuthError reports that the provider's backing credentials are no
// longer valid. retryAfter defaults to DefaultAuthRetryAfter when zero.
func NewAuthError(message string, retryAfter time.Duration) *Error {
	if retryAfter <= 0 {
		retryAfter = DefaultAuthRetryAfter
	}
	return newErr(KindAuth, message, retryAfter, nil)
}

// NewQuotaError reports that the provider has exhausted its usage quota.
// retryAfter defaults to DefaultQuotaRetryAfter when zero.
func NewQuotaError(message string, retryAfter time.Duration) *Error {
	if retryAfter <= 0 {
		retryAfter = DefaultQuotaRetryAfter
	}
	return newErr(KindQuota, message, retryAfter, nil)
}

// NewValidationError reports a terminal alignment/validation failure:
// an unparseable judge response, or a retry loop that exhausted its budget.
func NewValidationError(message string, cause error) *Error {
	return newErr(KindValidation, message, 0, cause)
}

// NewSchemaError reports a malformed input schema definition. Fatal at
// worker startup.
func NewSchemaError(message string, cause error) *Error {
	return newErr(KindSchema, message, 0, cause)
}

// NewStorageError reports a content-store I/O failure. Callers are
// expected to log and continue without the cache rather than fail the job.
func NewStorageError(message string, cause error) *Error {
	return newErr(KindStorage, message, 0, cause)
}

// NewQueueError reports a failed queue operation at runtime: a single
// enqueue, dequeue, defer, or status round trip against a backend that
// was reachable at startup. Transient; the worker logs it and keeps
// polling.
func NewQueueError(message string, cause error) *Error {
	return newErr(KindQueue, message, 0, cause)
}

// NewQueueInitError reports that the queue backend (Redis) could not be
// reached after bounded retries. Fatal at startup.
func NewQueueInitError(message string, cause error) *Error {
	return newErr(KindQueueInit, message, 0, cause)
}

// As is a thin convenience wrapper over errors.As for *Error, so callers
// can write `if e, ok := errs.As(err); ok { switch e.Kind { … } }`.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}
