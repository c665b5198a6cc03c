package apperrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

/*
ERROR TAXONOMY

Every error that leaves the engine carries a Kind (how the caller should react)
and a Code (a stable machine-readable string clients can switch on).

  validation      bad or missing input, never retried
  authorization   missing credentials or ownership mismatch, never retried
  not_found       dataset or document does not exist for this owner
  provider        embedding provider or vector store failure, retried with backoff
  partial_failure some batches committed, some failed
  timeout         deadline exceeded talking to a provider, retried

The Message is safe to show to untrusted callers. The wrapped cause may contain
raw provider output and is only ever logged.
*/

type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthorization  Kind = "authorization"
	KindNotFound       Kind = "not_found"
	KindProvider       Kind = "provider"
	KindPartialFailure Kind = "partial_failure"
	KindTimeout        Kind = "timeout"
)

type Code string

const (
	CodeInvalidInput      Code = "invalid_input"
	CodeUnauthorized      Code = "unauthorized"
	CodeNotFound          Code = "not_found"
	CodeInputTooLarge     Code = "input_too_large"
	CodeQueryTooLong      Code = "query_too_long"
	CodeUnsupportedFilter Code = "unsupported_filter"
	CodeProviderError     Code = "provider_error"
	CodePartialFailure    Code = "partial_failure"
	CodeTimeout           Code = "timeout"
	// CodeInternal is only produced by panic recovery.
	CodeInternal          Code = "internal"
)

// Error is the structured error surfaced by every layer of the engine.
type Error struct {
	Kind    Kind
	Code    Code
	Message string

	// RetryAfter is a provider supplied hint, zero when absent.
	RetryAfter time.Duration

	retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches on Code so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether the operation that produced e may be attempted again.
func (e *Error) Retryable() bool { return e.retryable }

// Sentinels for errors.Is checks.
var (
	ErrQueryTooLong      = &Error{Kind: KindValidation, Code: CodeQueryTooLong, Message: "query is too long"}
	ErrUnsupportedFilter = &Error{Kind: KindValidation, Code: CodeUnsupportedFilter, Message: "unsupported filter"}
	ErrInputTooLarge     = &Error{Kind: KindValidation, Code: CodeInputTooLarge, Message: "input is too large"}
	ErrUnauthorized      = &Error{Kind: KindAuthorization, Code: CodeUnauthorized, Message: "unauthorized"}
	ErrNotFound          = &Error{Kind: KindNotFound, Code: CodeNotFound, Message: "not found"}
	ErrProvider          = &Error{Kind: KindProvider, Code: CodeProviderError, Message: "provider error"}
	ErrTimeout           = &Error{Kind: KindTimeout, Code: CodeTimeout, Message: "timeout"}
	ErrInvalidInput      = &Error{Kind: KindValidation, Code: CodeInvalidInput, Message: "invalid input"}
)

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: CodeInvalidInput, Message: fmt.Sprintf(format, args...)}
}

func QueryTooLong(limit int) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    CodeQueryTooLong,
		Message: fmt.Sprintf("query exceeds %d characters", limit),
	}
}

func UnsupportedFilter(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: CodeUnsupportedFilter, Message: fmt.Sprintf(format, args...)}
}

func InputTooLarge(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: CodeInputTooLarge, Message: fmt.Sprintf(format, args...)}
}

func Unauthorized(message string) *Error {
	return &Error{Kind: KindAuthorization, Code: CodeUnauthorized, Message: message}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Provider wraps a transient upstream failure.
func Provider(message string, cause error) *Error {
	return &Error{Kind: KindProvider, Code: CodeProviderError, Message: message, retryable: true, cause: cause}
}

// ProviderPermanent wraps an upstream failure that will not succeed on retry
// (rejected credentials, malformed request).
func ProviderPermanent(message string, cause error) *Error {
	return &Error{Kind: KindProvider, Code: CodeProviderError, Message: message, cause: cause}
}

func Timeout(message string, cause error) *Error {
	return &Error{Kind: KindTimeout, Code: CodeTimeout, Message: message, retryable: true, cause: cause}
}

// PartialFailureError reports a batched write where some batches committed.
type PartialFailureError struct {
	Written       int
	TotalBatches  int
	FailedBatches []int
	// Causes is keyed by batch index.
	Causes map[int]error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%s: %d of %d batches failed (%d documents written)",
		CodePartialFailure, len(e.FailedBatches), e.TotalBatches, e.Written)
}

// As lets errors.As(err, **Error) see a partial failure as a structured error.
func (e *PartialFailureError) As(target any) bool {
	t, ok := target.(**Error)
	if !ok {
		return false
	}
	*t = &Error{
		Kind:    KindPartialFailure,
		Code:    CodePartialFailure,
		Message: fmt.Sprintf("%d of %d batches failed", len(e.FailedBatches), e.TotalBatches),
	}
	return true
}

// From extracts the structured error from err. Unknown errors become an opaque
// provider error so nothing internal leaks to callers.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindProvider, Code: CodeProviderError, Message: "internal error", cause: err}
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// HTTPStatus maps an error to the status code the API responds with.
func HTTPStatus(err error) int {
	switch From(err).Kind {
	case KindValidation:
		if From(err).Code == CodeInputTooLarge {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindPartialFailure:
		return http.StatusMultiStatus
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// Detail is the public part of an error.
type Detail struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func NewDetail(err error) Detail {
	e := From(err)
	return Detail{Code: e.Code, Message: e.Message}
}

// Body is the JSON error envelope: {"error": {"code": ..., "message": ...}}.
type Body struct {
	Error Detail `json:"error"`
}

func NewBody(err error) Body {
	return Body{Error: NewDetail(err)}
}

// WriteHTTP writes err as a JSON error envelope.
func WriteHTTP(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(err))
	json.NewEncoder(w).Encode(NewBody(err))
}
