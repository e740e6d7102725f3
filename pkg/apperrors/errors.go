// Package apperrors defines the error taxonomy used to decide retry,
// dead-letter, and failure policy throughout the pipeline. Workers translate
// provider, broker, and store errors into one of these kinds and act on the
// kind, never on the concrete error path.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrNoTenantScope  = errors.New("no tenant scope in context")
	ErrUnknownStep    = errors.New("unknown extraction step")
	ErrUnknownPayload = errors.New("unknown payload type")
)

// Kind classifies an error for policy decisions.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient covers timeouts, 5xx responses and broker hiccups.
	// Policy: exponential backoff, bounded retries, then DLQ + stage failed.
	KindTransient
	// KindPermanent covers non-auth 4xx responses and malformed payloads.
	// Policy: mark the record failed, emit terminal marker, advance.
	KindPermanent
	// KindAuth covers invalid or expired provider credentials.
	// Policy: fail fast for the integration, surface to the operator.
	KindAuth
	// KindRateLimited covers provider 429s. Policy: backoff like transient,
	// honoring Retry-After when the provider supplies it.
	KindRateLimited
	// KindSchema covers missing mapping rows. Policy: persist with null FK.
	KindSchema
	// KindConflict covers unique violations after upsert. Policy: retry once.
	KindConflict
	// KindUnavailable covers a refused vector-index or store connection.
	// Policy: per-message backoff without blocking upstream stages.
	KindUnavailable
	// KindShutdown marks work interrupted by graceful stop. Policy: nack for
	// redelivery after restart.
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	case KindSchema:
		return "schema"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Error carries a kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and the operation that produced it.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsRetryable lets backoff helpers that only know the error value honor the
// kind's policy without importing this package.
func (e *Error) IsRetryable() bool {
	switch e.Kind {
	case KindPermanent, KindAuth, KindSchema:
		return false
	default:
		return true
	}
}

// KindOf extracts the kind from an error chain. Errors that never passed
// through a worker translation come back as KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether the policy for the error's kind allows
// redelivery. Unknown errors are retried so that unclassified infrastructure
// failures behave like transient ones.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindPermanent, KindAuth, KindSchema:
		return false
	default:
		return true
	}
}

// FailsStage reports whether exhausting retries for this error should flip
// the step's stage status to failed (as opposed to advancing past the
// record).
func FailsStage(err error) bool {
	switch KindOf(err) {
	case KindPermanent, KindSchema:
		return false
	default:
		return true
	}
}
