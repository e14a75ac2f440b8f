// Package handlers provides the HTTP handlers of the formulation service.
//
// The handlers follow these principles:
// 1. Request bodies are decoded and validated by the validation package
// 2. Failures are written as errors.ServiceError JSON with the request ID
// 3. Model failures degrade inside the services; only the ones those
//    services return are surfaced, as 502 model call errors
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/teilomillet/formulate/errors"
	"github.com/teilomillet/formulate/server/middleware"
	"go.uber.org/zap"
)

// writeJSON writes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode response", zap.Error(err))
	}
}

// fail logs err and writes it to the client. Errors that are not service
// errors become model call errors with message.
func fail(w http.ResponseWriter, r *http.Request, logger *zap.Logger, message string, err error) {
	requestID := middleware.GetRequestID(r.Context())

	var svcErr *errors.ServiceError
	if !errors.As(err, &svcErr) {
		svcErr = errors.NewModelCallError(requestID, message, err)
	}
	if svcErr.RequestID == "" {
		svcErr.RequestID = requestID
	}

	errors.LogError(logger, svcErr, requestID)
	errors.WriteError(w, svcErr)
}

// sse writes server-sent events.
type sse struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// newSSE sends the event stream headers.
func newSSE(w http.ResponseWriter) *sse {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &sse{w: w, rc: http.NewResponseController(w)}
}

// send writes one event. Multi-line data is split across data fields so
// clients reassemble it with its newlines.
func (s *sse) send(data string) error {
	var b strings.Builder
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")

	if _, err := s.w.Write([]byte(b.String())); err != nil {
		return err
	}
	return s.rc.Flush()
}
