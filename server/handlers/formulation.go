package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/teilomillet/formulate/errors"
	"github.com/teilomillet/formulate/server/enhancement"
	"github.com/teilomillet/formulate/server/formulation"
	"github.com/teilomillet/formulate/server/metrics"
	"github.com/teilomillet/formulate/server/middleware"
	"github.com/teilomillet/formulate/server/validation"
	"go.uber.org/zap"
)

// FormulationHandler serves ingredient generation and query tooling.
type FormulationHandler struct {
	svc       *formulation.Service
	enhancer  *enhancement.Service
	validator *validation.Validator
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewFormulationHandler creates a formulation handler. m may be nil.
func NewFormulationHandler(svc *formulation.Service, enhancer *enhancement.Service, v *validation.Validator, m *metrics.Metrics, logger *zap.Logger) *FormulationHandler {
	return &FormulationHandler{
		svc:       svc,
		enhancer:  enhancer,
		validator: v,
		metrics:   m,
		logger:    logger,
	}
}

func (h *FormulationHandler) query(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req validation.QueryRequest
	if err := h.validator.Decode(r, middleware.GetRequestID(r.Context()), &req); err != nil {
		errors.WriteError(w, err)
		return "", false
	}
	return req.Query, true
}

// Generate handles POST /formulation/.
func (h *FormulationHandler) Generate(w http.ResponseWriter, r *http.Request) {
	query, ok := h.query(w, r)
	if !ok {
		return
	}

	result, err := h.svc.Generate(r.Context(), query)
	if err != nil {
		fail(w, r, h.logger, "failed to generate formulation", err)
		return
	}
	writeJSON(w, http.StatusOK, result, h.logger)
}

// Validate handles POST /formulation/validate.
func (h *FormulationHandler) Validate(w http.ResponseWriter, r *http.Request) {
	query, ok := h.query(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.enhancer.Validate(r.Context(), query), h.logger)
}

// Suggestions handles POST /formulation/suggestions.
func (h *FormulationHandler) Suggestions(w http.ResponseWriter, r *http.Request) {
	query, ok := h.query(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.enhancer.Suggestions(r.Context(), query), h.logger)
}

// Stream handles GET /formulation/stream?query=..., reporting each stage
// of the generation as a JSON server-sent event.
func (h *FormulationHandler) Stream(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	req := validation.QueryRequest{Query: r.URL.Query().Get("query")}
	if err := h.validator.Struct(&req, requestID); err != nil {
		errors.WriteError(w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.ActiveStreams.WithLabelValues("formulation").Inc()
		defer h.metrics.ActiveStreams.WithLabelValues("formulation").Dec()
	}

	events := newSSE(w)
	err := h.svc.Stream(r.Context(), req.Query, func(ev formulation.Event) error {
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return events.send(string(b))
	})
	if err != nil {
		h.logger.Debug("formulation stream ended early",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}
