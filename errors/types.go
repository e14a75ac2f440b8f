package errors

import (
	"net/http"
)

// NewError creates a new ServiceError with full control over its fields.
// Prefer the specialized constructors below.
func NewError(errType ErrorType, message string, code int, requestID string, details map[string]interface{}, err error) *ServiceError {
	return &ServiceError{
		Type:      errType,
		Message:   message,
		Code:      code,
		RequestID: requestID,
		Details:   details,
		err:       err,
	}
}

// NewValidationError creates a validation error, such as:
//   - Invalid input formats
//   - Missing required fields
//   - Conversation history over the token budget
//
// Example:
//
//	err := NewValidationError("req_123", "Invalid request", map[string]interface{}{
//	    "field": "query",
//	    "error": "required",
//	})
func NewValidationError(requestID, message string, validationDetails map[string]interface{}) *ServiceError {
	return &ServiceError{
		Type:      ValidationError,
		Message:   message,
		Code:      http.StatusBadRequest,
		RequestID: requestID,
		Details:   validationDetails,
	}
}

// NewRateLimitError creates a rate limit error carrying a retry hint in seconds.
func NewRateLimitError(requestID string, retryAfter int) *ServiceError {
	return &ServiceError{
		Type:      RateLimitError,
		Message:   "Rate limit exceeded",
		Code:      http.StatusTooManyRequests,
		RequestID: requestID,
		Details: map[string]interface{}{
			"retry_after": retryAfter,
		},
	}
}

// NewModelCallError creates an error for a failed model gateway call.
//
// Example:
//
//	err := NewModelCallError("req_123", "Model unavailable", providerErr)
func NewModelCallError(requestID string, message string, err error) *ServiceError {
	return &ServiceError{
		Type:      ModelCallError,
		Message:   message,
		Code:      http.StatusBadGateway,
		RequestID: requestID,
		err:       err,
	}
}

// NewMalformedOutputError records a model reply that failed to parse.
// The reason is kept in Details for logging; these errors are never written
// to clients.
func NewMalformedOutputError(reason string, err error) *ServiceError {
	return &ServiceError{
		Type:    MalformedModelOutput,
		Message: "model output could not be parsed",
		Code:    http.StatusUnprocessableEntity,
		Details: map[string]interface{}{"reason": reason},
		err:     err,
	}
}

// NewSessionTerminalError wraps a failure that happened while finalizing a
// conversation.
func NewSessionTerminalError(conversationID string, err error) *ServiceError {
	return &ServiceError{
		Type:    SessionTerminalError,
		Message: "failed to finalize conversation",
		Code:    http.StatusInternalServerError,
		Details: map[string]interface{}{"conversation_id": conversationID},
		err:     err,
	}
}

// NewConflictError reports that a conversation already has a request in flight.
func NewConflictError(requestID, conversationID string) *ServiceError {
	return &ServiceError{
		Type:      ConflictError,
		Message:   "Conversation is busy with another request",
		Code:      http.StatusConflict,
		RequestID: requestID,
		Details: map[string]interface{}{
			"conversation_id": conversationID,
		},
	}
}

// NewInternalError creates an internal server error for unexpected failures.
func NewInternalError(requestID string, err error) *ServiceError {
	return &ServiceError{
		Type:      InternalError,
		Message:   "An internal error occurred",
		Code:      http.StatusInternalServerError,
		RequestID: requestID,
		err:       err,
	}
}
