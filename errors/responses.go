package errors

import (
	"errors"
)

const RequestIDKey = "request_id"

// ErrorResponse is the JSON shape written to clients.
type ErrorResponse struct {
	Type      ErrorType              `json:"type"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// As is a wrapper around errors.As for better error type assertion
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Is is a wrapper around errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// IsType reports whether err is a ServiceError of the given type anywhere
// in its chain.
func IsType(err error, errType ErrorType) bool {
	var svcErr *ServiceError
	return As(err, &svcErr) && svcErr.Type == errType
}
