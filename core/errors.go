package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorKind classifies a failure. The kind decides retry, refresh and
// failover behavior and is the only part of an error that crosses into
// conversation turns and events together with the safe reason.
type ErrorKind string

const (
	// KindValidation marks malformed arguments or an unknown tool. Never retried.
	KindValidation ErrorKind = "validation_error"
	// KindTransient marks network failures, timeouts and 5xx answers from tools.
	KindTransient ErrorKind = "transient_network_error"
	// KindRateLimited marks a 429 style answer, optionally with a retry-after hint.
	KindRateLimited ErrorKind = "rate_limited"
	// KindAuthExpired marks missing, expired or revoked credentials.
	KindAuthExpired ErrorKind = "auth_expired"
	// KindProviderUnavailable marks a model provider outage.
	KindProviderUnavailable ErrorKind = "provider_unavailable"
	// KindAllProvidersUnavailable is returned when every model provider failed.
	KindAllProvidersUnavailable ErrorKind = "all_providers_unavailable"
	// KindDelegationFailed wraps a terminal failure of a nested conversation.
	KindDelegationFailed ErrorKind = "delegation_failed"
	// KindTurnLimitExceeded is returned when a conversation used up its turn budget.
	KindTurnLimitExceeded ErrorKind = "turn_limit_exceeded"
	// KindCancelled marks a caller initiated cancellation.
	KindCancelled ErrorKind = "cancelled"
	// KindInternal covers everything else. Surfaced immediately.
	KindInternal ErrorKind = "internal_error"
)

// Retryable reports whether the invoker may retry an error of this kind.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited
}

// Error is the classified error type used across the module. Reason is the
// safe, user facing message that may be written to turns, results and events;
// Err carries technical detail for logs only.
type Error struct {
	Kind       ErrorKind
	Reason     string
	Err        error
	RetryAfter time.Duration
	// Timeout is set when the error stems from a per-call deadline.
	Timeout bool
}

// NewError creates a classified error.
func NewError(kind ErrorKind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// Errorf creates a classified error with a formatted reason and no cause.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = string(e.Kind)
	}

	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, reason, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Kind, reason)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// KindOf classifies an arbitrary error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	return KindInternal
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind ErrorKind) bool { return KindOf(err) == kind }

// IsTimeout reports whether err stems from a per-call deadline.
func IsTimeout(err error) bool {
	var e *Error
	if errors.As(err, &e) && e.Timeout {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}

// RetryAfterOf returns the retry-after hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}

	return 0
}

// SafeMessage returns the user facing message for err. Only Reason fields of
// classified errors are used, never the technical cause.
func SafeMessage(err error) string {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}

	switch KindOf(err) {
	case KindCancelled:
		return "operation cancelled"
	case KindTransient:
		return "temporary network failure"
	default:
		return "internal error"
	}
}

// ErrorRecord is the serializable, secret free form of an error as stored in
// ToolResults and events.
type ErrorRecord struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// RecordOf converts err into an ErrorRecord. It returns nil for a nil error.
func RecordOf(err error) *ErrorRecord {
	if err == nil {
		return nil
	}

	return &ErrorRecord{Kind: KindOf(err), Message: SafeMessage(err)}
}

// Err converts the record back into a classified error.
func (r *ErrorRecord) Err() error {
	if r == nil {
		return nil
	}

	return &Error{Kind: r.Kind, Reason: r.Message}
}
