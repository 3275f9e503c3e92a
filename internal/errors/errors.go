// Package errors provides standardized error handling for the giftwell service.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the giftwell service.
type ErrorCode string

const (
	// Validation errors
	GW_VALIDATION  ErrorCode = "GW_VALIDATION"  // Malformed input, details carry per-field messages
	GW_BAD_REQUEST ErrorCode = "GW_BAD_REQUEST" // Bad request (method, framing)

	// Authentication/Authorization errors
	GW_AUTH_REQUIRED ErrorCode = "GW_AUTH_REQUIRED" // Missing or invalid identity
	GW_FORBIDDEN     ErrorCode = "GW_FORBIDDEN"     // Ownership or identity mismatch

	// Resource errors
	GW_NOT_FOUND ErrorCode = "GW_NOT_FOUND" // Unresolvable token or entity
	GW_CONFLICT  ErrorCode = "GW_CONFLICT"  // State-machine rule violation

	// Throttling and idempotency
	GW_RATE_LIMITED           ErrorCode = "GW_RATE_LIMITED"           // Sliding-window limit exceeded
	GW_IDEMPOTENCY_KEY_REUSED ErrorCode = "GW_IDEMPOTENCY_KEY_REUSED" // Same key, different payload

	// Server errors
	GW_INTERNAL    ErrorCode = "GW_INTERNAL"    // Internal server error
	GW_UNAVAILABLE ErrorCode = "GW_UNAVAILABLE" // Service unavailable
)

// Conflict reason strings surfaced in error details so clients can branch
// without parsing messages.
const (
	ReasonAlreadyReserved     = "ALREADY_RESERVED"
	ReasonNoActiveReservation = "NO_ACTIVE_RESERVATION"
	ReasonNotGroupFunded      = "NOT_GROUP_FUNDED"
	ReasonInvalidAmount       = "INVALID_AMOUNT"
	ReasonArchived            = "ARCHIVED"
	ReasonTargetReached       = "TARGET_ALREADY_REACHED"
	ReasonTargetUnset         = "TARGET_UNSET"
	ReasonRequestInProgress   = "REQUEST_IN_PROGRESS"
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case GW_VALIDATION, GW_BAD_REQUEST:
		return http.StatusBadRequest
	case GW_AUTH_REQUIRED:
		return http.StatusUnauthorized
	case GW_FORBIDDEN:
		return http.StatusForbidden
	case GW_NOT_FOUND:
		return http.StatusNotFound
	case GW_CONFLICT:
		return http.StatusConflict
	case GW_IDEMPOTENCY_KEY_REUSED:
		return http.StatusUnprocessableEntity
	case GW_RATE_LIMITED:
		return http.StatusTooManyRequests
	case GW_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
