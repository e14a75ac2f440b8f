package handlers

import (
	"net/http"

	"github.com/teilomillet/formulate/server/provider"
	"go.uber.org/zap"
)

// HealthReporter exposes the last known health of each model provider.
type HealthReporter interface {
	HealthStatuses() map[string]provider.HealthStatus
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string                           `json:"status"`
	Providers map[string]provider.HealthStatus `json:"providers,omitempty"`
}

// Health handles GET /health. The service is unhealthy only when every
// known provider is; with some providers down it reports "degraded".
func Health(reporter HealthReporter, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "ok"}
		if reporter != nil {
			resp.Providers = reporter.HealthStatuses()
		}

		healthy := 0
		for _, status := range resp.Providers {
			if status.Healthy {
				healthy++
			}
		}

		code := http.StatusOK
		switch {
		case len(resp.Providers) == 0 || healthy == len(resp.Providers):
		case healthy == 0:
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		default:
			resp.Status = "degraded"
		}

		writeJSON(w, code, resp, logger)
	}
}
