package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All services and handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationPortOutOfRange  ErrorCode = "validation_port_out_of_range"
	ErrCodeValidationPortBlocked     ErrorCode = "validation_port_blocked"
	ErrCodeValidationInvalidProtocol ErrorCode = "validation_invalid_protocol"
	ErrCodeValidationInvalidRegion   ErrorCode = "validation_invalid_region"
	ErrCodeValidationInvalidAddress  ErrorCode = "validation_invalid_internal_address"
	ErrCodeValidationUnknownPlan     ErrorCode = "validation_unknown_plan"
	ErrCodeValidationMissingField    ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidJSON     ErrorCode = "validation_invalid_json"

	// Conflict (409)
	ErrCodeConflictSubscriptionExists ErrorCode = "conflict_subscription_exists"
	ErrCodeConflictRegionAllocated    ErrorCode = "conflict_region_allocated"
	ErrCodeConflictPortInUse          ErrorCode = "conflict_port_in_use"
	ErrCodeConflictPlanDowngrade      ErrorCode = "conflict_plan_downgrade"
	ErrCodeConflictConcurrent         ErrorCode = "conflict_concurrent_modification"

	// Capacity (403 for quota limits, 503 for resource shortage)
	ErrCodeCapacityRegionLimit      ErrorCode = "capacity_region_limit"
	ErrCodeCapacityPortForwardLimit ErrorCode = "capacity_port_forward_limit"
	ErrCodeCapacityNoIPsAvailable   ErrorCode = "capacity_no_ips_available"
	ErrCodeCapacityNoNodeAvailable  ErrorCode = "capacity_no_node_available"
	ErrCodeCapacityNoSubscription   ErrorCode = "capacity_no_active_subscription"

	// Provisioning (502)
	ErrCodeProvisioningFailed       ErrorCode = "provisioning_failed"
	ErrCodeProvisioningNodeRejected ErrorCode = "provisioning_node_rejected"

	// Not Found (404)
	ErrCodeNotFoundSubscription ErrorCode = "not_found_subscription"
	ErrCodeNotFoundAllocation   ErrorCode = "not_found_allocation"
	ErrCodeNotFoundRule         ErrorCode = "not_found_rule"
	ErrCodeNotFoundAddon        ErrorCode = "not_found_addon"
	ErrCodeNotFoundPoolEntry    ErrorCode = "not_found_pool_entry"

	// Internal/Upstream (500/502/429)
	ErrCodeInternalDB          ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Used by the API layer to translate AppErrors into HTTP responses.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case s == string(ErrCodeCapacityNoIPsAvailable),
		s == string(ErrCodeCapacityNoNodeAvailable):
		return http.StatusServiceUnavailable // 503
	case strings.HasPrefix(s, "capacity_"):
		return http.StatusForbidden // 403
	case strings.HasPrefix(s, "provisioning_"):
		return http.StatusBadGateway // 502
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case s == string(ErrCodeUpstreamRateLimited):
		return http.StatusTooManyRequests // 429
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	case strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// AppError is the standard application error type used throughout the platform.
// All domain and handler errors should be expressed as AppError to enable
// consistent error formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
// This is useful for adding context without mutating the original error.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with the given code, message,
// underlying error, and structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// CodeOf extracts the ErrorCode from an error chain. Returns
// ErrCodeInternalUnexpected when the chain contains no AppError.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}

// IsTransient reports whether the error represents a failure the caller may
// reasonably retry (upstream outages, rate limits, concurrent-modification
// losses). Permanent validation and conflict failures return false.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case ErrCodeUpstreamUnavailable, ErrCodeUpstreamRateLimited, ErrCodeConflictConcurrent:
		return true
	}
	return false
}
