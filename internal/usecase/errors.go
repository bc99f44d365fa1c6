package usecase

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrorInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrorQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"
	ErrorUnauthorized  ErrorCode = "UNAUTHORIZED"
	ErrorForbidden     ErrorCode = "FORBIDDEN"
	ErrorNotFound      ErrorCode = "NOT_FOUND"
	ErrorConflict      ErrorCode = "CONFLICT"
	ErrorRateLimited   ErrorCode = "RATE_LIMITED"
	ErrorUpstream      ErrorCode = "UPSTREAM_ERROR"
	ErrorInternal      ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

// HTTPStatus maps err to a transport status and code. Errors that are not
// coded usecase errors are internal.
func HTTPStatus(err error) (int, ErrorCode) {
	var uerr *Error
	if !errors.As(err, &uerr) {
		return http.StatusInternalServerError, ErrorInternal
	}
	switch uerr.Code {
	case ErrorInvalidInput:
		return http.StatusBadRequest, uerr.Code
	case ErrorQuotaExceeded:
		return http.StatusPaymentRequired, uerr.Code
	case ErrorUnauthorized:
		return http.StatusUnauthorized, uerr.Code
	case ErrorForbidden:
		return http.StatusForbidden, uerr.Code
	case ErrorNotFound:
		return http.StatusNotFound, uerr.Code
	case ErrorConflict:
		return http.StatusConflict, uerr.Code
	case ErrorRateLimited:
		return http.StatusTooManyRequests, uerr.Code
	case ErrorUpstream:
		return http.StatusBadGateway, uerr.Code
	default:
		return http.StatusInternalServerError, ErrorInternal
	}
}
