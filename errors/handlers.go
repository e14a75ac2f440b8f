package errors

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"
)

// ErrorHandler wraps an http.Handler and converts panics into internal errors.
func ErrorHandler(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						zap.Any("error", err),
						zap.ByteString("stacktrace", debug.Stack()),
						zap.String("request_id", r.Header.Get("X-Request-ID")),
					)
					WriteError(w, NewInternalError(r.Header.Get("X-Request-ID"), nil))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// LogError logs an error with its context
func LogError(logger *zap.Logger, err error, requestID string) {
	var svcErr *ServiceError
	if As(err, &svcErr) {
		logger.Error("request error",
			zap.String("error_type", string(svcErr.Type)),
			zap.String("message", svcErr.Message),
			zap.Int("code", svcErr.Code),
			zap.String("request_id", requestID),
			zap.Any("details", svcErr.Details),
			zap.NamedError("cause", svcErr.Unwrap()),
		)
		return
	}
	logger.Error("unexpected error",
		zap.Error(err),
		zap.String("request_id", requestID),
	)
}
