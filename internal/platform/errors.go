package platform

import (
	"errors"
	"fmt"
	"time"
)

// Kind buckets an error into the failure taxonomy that drives retry and
// propagation policy. CredentialMissing/CredentialInvalid terminate connection
// attempts; NetworkTransient/RateLimited are retried with bounded attempts;
// Permission and Validation are never retried automatically.
type Kind string

const (
	KindUnknown           Kind = "unknown"
	KindCredentialMissing Kind = "credential_missing"
	KindCredentialInvalid Kind = "credential_invalid"
	KindNetworkTransient  Kind = "network_transient"
	KindRateLimited       Kind = "rate_limited"
	KindPermission        Kind = "platform_permission"
	KindStorage           Kind = "storage_failure"
	KindValidation        Kind = "validation"
)

// Error tags an underlying failure with its taxonomy kind and the operation
// that produced it. RetryAfter is set for rate-limit errors when the platform
// specified a backoff.
type Error struct {
	Kind       Kind
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E wraps err with a kind and operation name.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is E with a formatted message instead of a wrapped error.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the taxonomy kind from err, or KindUnknown when err carries
// no *Error in its chain.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// RetryAfterOf returns the platform-specified backoff for rate-limit errors,
// or zero.
func RetryAfterOf(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// Retriable reports whether err may succeed on a later attempt. Unknown errors
// are treated as transient so a flaky network path cannot permanently fail a
// unit of work.
func Retriable(err error) bool {
	switch KindOf(err) {
	case KindCredentialMissing, KindCredentialInvalid, KindPermission, KindValidation:
		return false
	default:
		return true
	}
}

// Terminal reports whether err must move the connection to the failed state
// instead of being retried.
func Terminal(err error) bool {
	switch KindOf(err) {
	case KindCredentialMissing, KindCredentialInvalid:
		return true
	default:
		return false
	}
}
