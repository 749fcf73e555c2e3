package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Pinger is a dependency the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	ledger  Pinger
	extra   map[string]Pinger
	timeout time.Duration
}

// NewHealthHandler creates a health handler probing the ledger and any
// optional dependencies, each under timeout.
func NewHealthHandler(ledger Pinger, timeout time.Duration, extra map[string]Pinger) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{ledger: ledger, extra: extra, timeout: timeout}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.ledger.Ping(ctx); err != nil {
		slog.Error("Health check failed", "dependency", "database", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	for name, p := range h.extra {
		if err := p.Ping(ctx); err != nil {
			slog.Warn("Health check failed", "dependency", name, "error", err)
			status["status"] = "degraded"
			checks[name] = "unreachable"
			continue
		}
		checks[name] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
