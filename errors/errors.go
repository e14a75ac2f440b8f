// Package errors provides the error handling system for the formulation
// service. It includes structured error types, JSON response formatting,
// request ID tracking, and integrated logging with Uber's zap logger.
//
// Model failures, malformed model output and finalization failures each have
// their own type so callers can decide whether to surface or absorb them:
//
//   - ModelCallError is surfaced (502) only from the first turn of a conversation
//   - MalformedModelOutput is always absorbed into a fallback value
//   - SessionTerminalError is absorbed into an apology message
//
// Basic usage:
//
//	errors.WriteError(w, errors.NewValidationError(requestID, "Invalid input", nil))
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// DefaultLogger is the default zap logger instance used throughout the package.
// It is initialized to a production configuration but can be overridden using SetLogger.
var DefaultLogger *zap.Logger

func init() {
	var err error
	DefaultLogger, err = zap.NewProduction()
	if err != nil {
		DefaultLogger = zap.NewNop()
	}
}

// SetLogger allows setting a custom zap logger instance.
// Nil is ignored.
func SetLogger(logger *zap.Logger) {
	if logger != nil {
		DefaultLogger = logger
	}
}

// ErrorType represents the category of a ServiceError.
type ErrorType string

const (
	// ValidationError represents input validation failures
	ValidationError ErrorType = "validation_error"

	// InternalError represents unexpected internal server errors
	InternalError ErrorType = "internal_error"

	// ConfigError represents configuration-related errors
	ConfigError ErrorType = "config_error"

	// ModelCallError represents a failed call to the model gateway
	// (network, timeout, quota, open circuit).
	ModelCallError ErrorType = "model_call_error"

	// MalformedModelOutput represents a model reply that could not be
	// parsed into the requested structure.
	MalformedModelOutput ErrorType = "malformed_model_output"

	// SessionTerminalError represents a failure while finalizing a
	// conversation.
	SessionTerminalError ErrorType = "session_terminal_error"

	// ConflictError represents a concurrent request on a busy conversation
	ConflictError ErrorType = "conflict_error"

	// RateLimitError represents rate limiting errors
	RateLimitError ErrorType = "rate_limit_error"

	// BadRequestError represents invalid request format or parameters
	BadRequestError ErrorType = "bad_request"

	// NotFoundError represents resource not found errors
	NotFoundError ErrorType = "not_found"
)

// ServiceError is the service's error type. It is serialized to JSON for
// API responses while keeping the underlying error for logging.
type ServiceError struct {
	// Type categorizes the error for client handling
	Type ErrorType `json:"type"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Code is the HTTP status code (not exposed in JSON)
	Code int `json:"-"`

	// RequestID links the error to a specific request
	RequestID string `json:"request_id"`

	// Details contains additional error context
	Details map[string]interface{} `json:"details,omitempty"`

	err error
}

// Error implements the error interface. It returns a string that
// combines the error type, message, and underlying error (if any).
func (e *ServiceError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *ServiceError) Unwrap() error {
	return e.err
}

// Is matches on Type only, so errors.Is(err, &ServiceError{Type: ModelCallError})
// works regardless of message.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WriteError writes a ServiceError as a JSON response with its status code.
func WriteError(w http.ResponseWriter, err *ServiceError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Code)
	if encErr := json.NewEncoder(w).Encode(err); encErr != nil {
		DefaultLogger.Warn("failed to encode error response", zap.Error(encErr))
	}
}

// Error is a drop-in replacement for http.Error that writes an InternalError
// typed ServiceError. The request ID is taken from the response headers.
func Error(w http.ResponseWriter, message string, code int) {
	ErrorWithType(w, message, InternalError, code)
}

// ErrorWithType is like Error but allows specifying the error type.
func ErrorWithType(w http.ResponseWriter, message string, errType ErrorType, code int) {
	WriteError(w, &ServiceError{
		Type:      errType,
		Message:   message,
		Code:      code,
		RequestID: w.Header().Get("X-Request-ID"),
	})
}
