package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failed fetch.
type ErrorKind string

const (
	ErrKindUnauthenticated    ErrorKind = "Unauthenticated"    // HTTP 401, or no credential on an auth-only route
	ErrKindForbidden          ErrorKind = "Forbidden"          // HTTP 403
	ErrKindNotFound           ErrorKind = "NotFound"           // HTTP 404
	ErrKindValidation         ErrorKind = "Validation"         // HTTP 400/422 with field detail
	ErrKindServerError        ErrorKind = "ServerError"        // HTTP 5xx
	ErrKindNetworkUnavailable ErrorKind = "NetworkUnavailable" // no response received
	ErrKindUnknown            ErrorKind = "Unknown"
)

// FetchError is the normalised failure of one remote read or write.
// It is stored verbatim on a cache entry and shared by every subscriber, so it must not be mutated.
type FetchError struct {
	Kind        ErrorKind           `json:"kind"`
	StatusCode  int                 `json:"status_code,omitempty"`
	Message     string              `json:"message"`
	FieldErrors map[string][]string `json:"field_errors,omitempty"`
	cause       error
}

// NewFetchError creates a FetchError wrapping an optional cause.
func NewFetchError(kind ErrorKind, statusCode int, message string, cause error) *FetchError {
	return &FetchError{
		Kind:       kind,
		StatusCode: statusCode,
		Message:    message,
		cause:      cause,
	}
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *FetchError) Unwrap() error {
	return e.cause
}

// Is makes errors.Is(err, &FetchError{Kind: k}) match on kind alone.
func (e *FetchError) Is(target error) bool {
	t, ok := target.(*FetchError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.StatusCode == 0 && t.Message == ""
}

// KindOf returns the ErrorKind carried by err, or ErrKindUnknown.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ErrKindUnknown
}

// AsFetchError normalises any error into a *FetchError. Context cancellation and
// deadline errors are treated as the network being unavailable.
func AsFetchError(err error) *FetchError {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewFetchError(ErrKindNetworkUnavailable, 0, err.Error(), err)
	}
	return NewFetchError(ErrKindUnknown, 0, err.Error(), err)
}

// ClassifyStatus maps an HTTP status code to an ErrorKind.
func ClassifyStatus(statusCode int) ErrorKind {
	switch {
	case statusCode == http.StatusUnauthorized:
		return ErrKindUnauthenticated
	case statusCode == http.StatusForbidden:
		return ErrKindForbidden
	case statusCode == http.StatusNotFound:
		return ErrKindNotFound
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
		return ErrKindValidation
	case statusCode >= 500 && statusCode <= 599:
		return ErrKindServerError
	default:
		return ErrKindUnknown
	}
}

// ErrorCode represents an error condition reported by this service's own REST and websocket surface.
type ErrorCode string

const (
	ErrInvalidAPIKey      ErrorCode = "InvalidAPIKey"       // HTTP 401
	ErrBadRequest         ErrorCode = "BadRequest"          // HTTP 400
	ErrNotFound           ErrorCode = "NotFound"            // HTTP 404
	ErrConflict           ErrorCode = "Conflict"            // HTTP 409
	ErrMethodNotAllowed   ErrorCode = "MethodNotAllowed"    // HTTP 405
	ErrUpstreamFailure    ErrorCode = "UpstreamFailure"     // remote API failure, HTTP status mirrors the FetchError kind
	ErrAuthRequired       ErrorCode = "AuthRequired"        // credential missing or invalidated
	ErrServiceUnavailable ErrorCode = "ServiceUnavailable"  // HTTP 503
	ErrInternal           ErrorCode = "InternalServerError" // HTTP 500
)

// ErrorResponse is the standard error format returned to clients via WebSocket or HTTP JSON.
type ErrorResponse struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details string      `json:"details,omitempty"`
	Fetch   *FetchError `json:"fetch_error,omitempty"`
}

// NewErrorResponse creates a new ErrorResponse struct.
func NewErrorResponse(code ErrorCode, message string, details string) ErrorResponse {
	return ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// NewUpstreamErrorResponse wraps a FetchError for a client of this service and returns
// the HTTP status that best mirrors it.
func NewUpstreamErrorResponse(fe *FetchError) (ErrorResponse, int) {
	resp := ErrorResponse{Code: ErrUpstreamFailure, Message: fe.Message, Fetch: fe}
	switch fe.Kind {
	case ErrKindUnauthenticated:
		resp.Code = ErrAuthRequired
		return resp, http.StatusUnauthorized
	case ErrKindForbidden:
		return resp, http.StatusForbidden
	case ErrKindNotFound:
		return resp, http.StatusNotFound
	case ErrKindValidation:
		return resp, http.StatusUnprocessableEntity
	case ErrKindNetworkUnavailable:
		return resp, http.StatusGatewayTimeout
	default:
		return resp, http.StatusBadGateway
	}
}

// WriteJSON sends an ErrorResponse as JSON with the given HTTP status code.
func (er ErrorResponse) WriteJSON(w http.ResponseWriter, httpStatusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatusCode)
	json.NewEncoder(w).Encode(er) // Best effort, the status line is already written.
}
