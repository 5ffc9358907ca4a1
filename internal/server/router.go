package server

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/cloo-solutions/lectern/internal/api"
	"github.com/cloo-solutions/lectern/internal/api/handlers"
	"github.com/cloo-solutions/lectern/internal/api/middleware"
	"github.com/cloo-solutions/lectern/internal/metrics"
	"github.com/go-chi/chi/v5"
)

// multipart framing on top of the largest accepted document
const uploadOverheadBytes int64 = 1 << 20

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type RouterConfig struct {
	DocumentHandler *handlers.DocumentHandler
	AnswerHandler   *handlers.AnswerHandler
	Metrics         *metrics.Metrics
	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
	MaxUploadBytes int64
	HealthChecks   map[string]HealthCheck
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	const maxBodyBytes int64 = 1 * 1024 * 1024

	r.Use(middleware.RequestID)
	r.Use(middleware.SentryMiddleware)
	r.Use(middleware.AccessLog)
	r.Use(middleware.Metrics(cfg.Metrics))

	r.Get("/health", healthHandler(cfg.HealthChecks))
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.MaxBodyBytes(cfg.MaxUploadBytes + uploadOverheadBytes))
		r.Post("/courses/{courseID}/documents", cfg.DocumentHandler.Upload)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.MaxBodyBytes(maxBodyBytes))

		r.Get("/courses/{courseID}/documents", cfg.DocumentHandler.List)

		r.Get("/documents/{id}", cfg.DocumentHandler.Get)
		r.Delete("/documents/{id}", cfg.DocumentHandler.Delete)
		r.Get("/documents/{id}/chunks", cfg.DocumentHandler.Chunks)
		r.Delete("/documents/{id}/chunks", cfg.DocumentHandler.DeleteChunks)

		r.Post("/answer", cfg.AnswerHandler.Answer)
	})

	return r
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]string{"status": "ok"}
		code := http.StatusOK
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				status[name] = err.Error()
				status["status"] = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			status[name] = "ok"
		}
		api.Success(w, code, status)
	}
}
