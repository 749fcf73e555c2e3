// Package api provides HTTP handlers for the dealbroker API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/dealbroker/internal/domain"
	"github.com/ashureev/dealbroker/internal/middleware"
	"github.com/ashureev/dealbroker/internal/orchestrator"
)

const maxBodyBytes = 64 << 10

// Negotiations is the orchestrator surface served over HTTP.
type Negotiations interface {
	NegotiateAndSettle(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
	SettleSession(ctx context.Context, sessionID string) (*orchestrator.Result, error)
	GetSession(ctx context.Context, sessionID string) (*orchestrator.Result, error)
	ListByGroup(ctx context.Context, groupID string) ([]*domain.Session, error)
	ListByAgent(ctx context.Context, agentRef string, limit int) ([]*domain.Session, error)
}

// Handler provides common handler utilities.
type Handler struct {
	orch    Negotiations
	limiter *middleware.RateLimiter
	logger  *slog.Logger
}

// NewHandler creates a new Handler. limiter may be nil.
func NewHandler(orch Negotiations, limiter *middleware.RateLimiter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{orch: orch, limiter: limiter, logger: logger}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// fail maps an orchestrator error onto a status code. Infrastructure
// errors are logged and reported without detail.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		body := map[string]string{"error": ve.Error()}
		if ve.Field != "" {
			body["field"] = ve.Field
		}
		JSON(w, http.StatusBadRequest, body)
	case errors.Is(err, domain.ErrNotFound):
		Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInProgress):
		Error(w, http.StatusConflict, "negotiation is still in progress")
	case errors.Is(err, domain.ErrIdempotencyConflict):
		Error(w, http.StatusUnprocessableEntity, "idempotency key was used for a different request")
	case errors.Is(err, domain.ErrNotSettleable):
		Error(w, http.StatusConflict, "negotiation is not settleable")
	default:
		h.logger.Error("Request failed", "op", op, "error", err, "path", r.URL.Path)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}
