package handlers

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/elliotchance/pie/v2"
	"github.com/teilomillet/formulate/errors"
	"github.com/teilomillet/formulate/server/conversation"
	"github.com/teilomillet/formulate/server/metrics"
	"github.com/teilomillet/formulate/server/middleware"
	"github.com/teilomillet/formulate/server/provider"
	"github.com/teilomillet/formulate/server/session"
	"github.com/teilomillet/formulate/server/validation"
	"go.uber.org/zap"
)

// ConversationHandler serves the conversational intake endpoints.
type ConversationHandler struct {
	svc       *conversation.Service
	store     session.Store
	validator *validation.Validator
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewConversationHandler creates a conversation handler. m may be nil.
func NewConversationHandler(svc *conversation.Service, store session.Store, v *validation.Validator, m *metrics.Metrics, logger *zap.Logger) *ConversationHandler {
	return &ConversationHandler{
		svc:       svc,
		store:     store,
		validator: v,
		metrics:   m,
		logger:    logger,
	}
}

// Start handles POST /conversation/start.
func (h *ConversationHandler) Start(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	var req validation.StartRequest
	if err := h.validator.Decode(r, requestID, &req); err != nil {
		errors.WriteError(w, err)
		return
	}

	result, sess, err := h.svc.Start(r.Context(), req.InitialQuery)
	if err != nil {
		fail(w, r, h.logger, "failed to start conversation", err)
		return
	}

	h.save(r.Context(), sess)
	writeJSON(w, http.StatusOK, result, h.logger)
}

// Continue handles POST /conversation/continue. Only one turn of a
// conversation runs at a time; a concurrent turn gets 409.
func (h *ConversationHandler) Continue(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	var req validation.ContinueRequest
	if err := h.validator.Decode(r, requestID, &req); err != nil {
		errors.WriteError(w, err)
		return
	}
	logger := h.logger.With(
		zap.String("request_id", requestID),
		zap.String("conversation_id", req.ConversationID),
	)

	unlock, err := h.store.Lock(r.Context(), req.ConversationID)
	switch {
	case stderrors.Is(err, session.ErrBusy):
		if h.metrics != nil {
			h.metrics.SessionConflicts.Inc()
		}
		errors.WriteError(w, errors.NewConflictError(requestID, req.ConversationID))
		return
	case err != nil:
		// The lock lives in the session store; without it the turn still
		// runs, unguarded.
		logger.Warn("session lock unavailable", zap.Error(err))
	default:
		defer func() {
			if err := unlock(context.WithoutCancel(r.Context())); err != nil {
				logger.Warn("failed to release session lock", zap.Error(err))
			}
		}()
	}

	sess, ok := h.load(r.Context(), req, logger)
	if !ok {
		errors.WriteError(w, errors.NewError(
			errors.ValidationError,
			"Unknown conversation: conversation_history is required to resume it",
			http.StatusUnprocessableEntity,
			requestID,
			map[string]interface{}{"conversation_id": req.ConversationID},
			nil,
		))
		return
	}
	result, next := h.svc.Continue(r.Context(), sess, req.UserResponse)

	h.save(r.Context(), next)
	writeJSON(w, http.StatusOK, result, h.logger)
}

// load returns the cached snapshot when it matches the client's history,
// and otherwise rebuilds the session from that history. It reports false
// when there is neither a snapshot nor a user turn to rebuild from.
func (h *ConversationHandler) load(ctx context.Context, req validation.ContinueRequest, logger *zap.Logger) (conversation.Session, bool) {
	cached, ok, err := h.store.Get(ctx, req.ConversationID)
	if err != nil {
		logger.Warn("failed to load session snapshot", zap.Error(err))
	}
	if ok && (len(req.ConversationHistory) == 0 || len(req.ConversationHistory) == len(cached.History)) {
		return cached, true
	}

	history := validation.Turns(req.ConversationHistory)
	if !pie.Any(history, func(t conversation.Turn) bool { return t.Role == provider.RoleUser }) {
		return conversation.Session{}, false
	}

	if ok {
		logger.Debug("session snapshot out of date, rebuilding from history",
			zap.Int("cached_turns", len(cached.History)),
			zap.Int("client_turns", len(req.ConversationHistory)),
		)
	}
	return h.svc.Restore(ctx, req.ConversationID, history), true
}

func (h *ConversationHandler) save(ctx context.Context, sess conversation.Session) {
	if err := h.store.Save(context.WithoutCancel(ctx), sess); err != nil {
		h.logger.Warn("failed to cache session snapshot",
			zap.String("conversation_id", sess.ID),
			zap.Error(err))
	}
}

// AggregateIntent handles POST /conversation/aggregate-intent.
func (h *ConversationHandler) AggregateIntent(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	var req validation.HistoryRequest
	if err := h.validator.Decode(r, requestID, &req); err != nil {
		errors.WriteError(w, err)
		return
	}

	intent, err := h.svc.AggregateIntent(r.Context(), validation.Turns(req.ConversationHistory))
	if err != nil {
		fail(w, r, h.logger, "failed to aggregate conversation intent", err)
		return
	}
	writeJSON(w, http.StatusOK, intent, h.logger)
}

// Summary handles POST /conversation/summary.
func (h *ConversationHandler) Summary(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	var req validation.HistoryRequest
	if err := h.validator.Decode(r, requestID, &req); err != nil {
		errors.WriteError(w, err)
		return
	}

	summary, err := h.svc.Summary(r.Context(), validation.Turns(req.ConversationHistory))
	if err != nil {
		fail(w, r, h.logger, "failed to summarize conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, summary, h.logger)
}

// Stream handles POST /conversation/stream, relaying the model's reply as
// server-sent events.
func (h *ConversationHandler) Stream(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	var req validation.StreamRequest
	if err := h.validator.Decode(r, requestID, &req); err != nil {
		errors.WriteError(w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.ActiveStreams.WithLabelValues("conversation").Inc()
		defer h.metrics.ActiveStreams.WithLabelValues("conversation").Dec()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := newSSE(w)
	fragments := h.svc.Relay(ctx, validation.Turns(req.Messages))
	for fragment := range fragments {
		if err := events.send(fragment); err != nil {
			h.logger.Debug("stream client gone",
				zap.String("request_id", requestID),
				zap.Error(err))
			cancel()
			for range fragments {
			}
			return
		}
	}
}
