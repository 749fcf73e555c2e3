package api

import (
	"net/http"

	"github.com/ashureev/dealbroker/internal/middleware"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig holds what the router serves.
type RouterConfig struct {
	Handler        *Handler
	Health         *HealthHandler
	Stream         http.Handler
	AllowedOrigins []string
}

// NewRouter creates and configures the HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Metrics first so every request is counted.
	r.Use(middleware.Metrics)
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	r.Handle("/metrics", promhttp.Handler())
	if cfg.Health != nil {
		cfg.Health.RegisterHealth(r)
	}
	cfg.Handler.RegisterRoutes(r)
	if cfg.Stream != nil {
		r.Get("/ws/groups/{group}", cfg.Stream.ServeHTTP)
	}

	return r
}
