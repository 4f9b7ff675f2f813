package httperr

import (
	"errors"
	"net/http"
	"time"
)

// Error messages returned to callers stay generic; the detail is only for the
// audit trail and never reaches Error().

type BadRequestError struct {
	msg string
}

func (e *BadRequestError) Error() string { return e.msg }

func NewBadRequest(msg string) error { return &BadRequestError{msg: msg} }

func IsBadRequest(err error) bool {
	_, ok := errors.AsType[*BadRequestError](err)
	return ok
}

type AuthorizationError struct {
	Detail string
}

func (e *AuthorizationError) Error() string { return "forbidden" }

func NewAuthorization(detail string) error { return &AuthorizationError{Detail: detail} }

func IsAuthorization(err error) bool {
	_, ok := errors.AsType[*AuthorizationError](err)
	return ok
}

type RLSViolation struct {
	Detail string
}

func (e *RLSViolation) Error() string { return "forbidden" }

func NewRLSViolation(detail string) error { return &RLSViolation{Detail: detail} }

func IsRLSViolation(err error) bool {
	_, ok := errors.AsType[*RLSViolation](err)
	return ok
}

type SuspiciousQueryBlocked struct {
	Signatures []string
}

func (e *SuspiciousQueryBlocked) Error() string { return "query rejected" }

func NewSuspiciousQueryBlocked(signatures []string) error {
	return &SuspiciousQueryBlocked{Signatures: signatures}
}

func IsSuspiciousQueryBlocked(err error) bool {
	_, ok := errors.AsType[*SuspiciousQueryBlocked](err)
	return ok
}

type RateLimitExceeded struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitExceeded) Error() string { return "too many requests" }

func NewRateLimitExceeded(key string, retryAfter time.Duration) error {
	return &RateLimitExceeded{Key: key, RetryAfter: retryAfter}
}

func IsRateLimitExceeded(err error) bool {
	_, ok := errors.AsType[*RateLimitExceeded](err)
	return ok
}

// StoreError wraps a failure of the underlying store. It is surfaced as-is and
// never retried here.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "store error: " + e.Op }

func (e *StoreError) Unwrap() error { return e.Err }

func NewStoreError(op string, err error) error { return &StoreError{Op: op, Err: err} }

func IsStoreError(err error) bool {
	_, ok := errors.AsType[*StoreError](err)
	return ok
}

// Status maps an error to the HTTP status the host should answer with.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsBadRequest(err), IsSuspiciousQueryBlocked(err):
		return http.StatusBadRequest
	case IsAuthorization(err), IsRLSViolation(err):
		return http.StatusForbidden
	case IsRateLimitExceeded(err):
		return http.StatusTooManyRequests
	case IsStoreError(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code is a stable machine-readable code for the error class.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case IsBadRequest(err):
		return "bad_request"
	case IsSuspiciousQueryBlocked(err):
		return "suspicious_query_blocked"
	case IsRLSViolation(err):
		return "rls_violation"
	case IsAuthorization(err):
		return "authorization_denied"
	case IsRateLimitExceeded(err):
		return "rate_limit_exceeded"
	case IsStoreError(err):
		return "store_error"
	default:
		return "internal"
	}
}
