package domain

import "errors"

// Common errors used throughout the application.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnauthorized  = errors.New("unauthorized")
)

// Engine and lifecycle errors.
var (
	ErrDuplicateRule     = errors.New("rule already installed")
	ErrDuplicateRequest  = errors.New("approval request already open")
	ErrSelfApproval      = errors.New("requestor cannot approve own request")
	ErrInvalidArguments  = errors.New("invalid flow arguments")
	ErrInvalidTransition = errors.New("invalid hunt state transition")
	ErrRequestClosed     = errors.New("approval request is not open")
	ErrApprovalExpired   = errors.New("approval request expired")
	ErrDispatch          = errors.New("dispatch failed")
)

// Error codes for standardized API error responses.
const (
	ErrCodeResourceNotFound      = "RESOURCE_NOT_FOUND"
	ErrCodeResourceAlreadyExists = "RESOURCE_ALREADY_EXISTS"
	ErrCodeInvalidInput          = "INVALID_INPUT"
	ErrCodeInvalidArguments      = "INVALID_ARGUMENTS"
	ErrCodeUnauthorized          = "UNAUTHORIZED"
	ErrCodeForbidden             = "FORBIDDEN"
	ErrCodeValidationError       = "VALIDATION_ERROR"
	ErrCodeConflict              = "CONFLICT"
	ErrCodeInternalError         = "INTERNAL_ERROR"
	ErrCodeDispatchFailed        = "DISPATCH_FAILED"
)

// StandardError represents a standardized error response from the API.
type StandardError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Field   string         `json:"field,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// StandardErrorResponse wraps a StandardError for JSON responses.
type StandardErrorResponse struct {
	Error StandardError `json:"error"`
}
