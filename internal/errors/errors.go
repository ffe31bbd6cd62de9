// Package errors provides the standardized error taxonomy for the zapp proxy.
package errors

import (
	"fmt"
	"net/http"
	"time"
)

// ErrorCode represents a standardized error code.
type ErrorCode string

const (
	// Client errors
	ZAPP_VALIDATION  ErrorCode = "ZAPP_VALIDATION"  // Missing or malformed required input
	ZAPP_BAD_REQUEST ErrorCode = "ZAPP_BAD_REQUEST" // Malformed request (method, body)

	// Admission
	ZAPP_RATE_LIMIT ErrorCode = "ZAPP_RATE_LIMIT" // Rate limit exceeded

	// Server errors
	ZAPP_CONFIG      ErrorCode = "ZAPP_CONFIG"      // Missing credentials or configuration
	ZAPP_UPSTREAM    ErrorCode = "ZAPP_UPSTREAM"    // Provider-side failure
	ZAPP_INTERNAL    ErrorCode = "ZAPP_INTERNAL"    // Internal server error
	ZAPP_UNAVAILABLE ErrorCode = "ZAPP_UNAVAILABLE" // Service unavailable
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`

	// Rate-limit metadata, set only for ZAPP_RATE_LIMIT so the caller can
	// schedule a retry.
	Remaining int       `json:"-"`
	ResetAt   time.Time `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusForCode(code),
	}
}

// NewWithDetails creates a new Error carrying an opaque details payload,
// typically the raw upstream response body.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	e := New(code, message, correlationID)
	e.Details = details
	return e
}

// NewRateLimited creates a ZAPP_RATE_LIMIT error carrying retry metadata.
func NewRateLimited(correlationID string, remaining int, resetAt time.Time) *Error {
	e := New(ZAPP_RATE_LIMIT, fmt.Sprintf("rate_limited: retry after %s", resetAt.UTC().Format(time.RFC3339)), correlationID)
	e.Remaining = remaining
	e.ResetAt = resetAt
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// httpStatusForCode maps error codes to HTTP status codes.
func httpStatusForCode(code ErrorCode) int {
	switch code {
	case ZAPP_VALIDATION, ZAPP_BAD_REQUEST:
		return http.StatusBadRequest
	case ZAPP_RATE_LIMIT:
		return http.StatusTooManyRequests
	case ZAPP_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
