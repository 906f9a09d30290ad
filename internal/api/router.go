package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig holds settings for the API router.
// Passed from main.go so the router can configure CORS from env vars.
type RouterConfig struct {
	// CorsAllowedOrigins is a comma-separated list of allowed origins.
	// If empty, defaults to "*" (development mode).
	CorsAllowedOrigins string
}

// NewRouter wires the HTTP surface. metricsHandler serves /metrics; pass nil
// to disable the endpoint.
func NewRouter(h *Handler, verifier Verifier, metricsHandler http.Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (applied to all routes including /health)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	// CORS: restrict origins when configured, otherwise allow all (dev mode)
	allowedOrigins := []string{"*"}
	if cfg.CorsAllowedOrigins != "" {
		origins := strings.Split(cfg.CorsAllowedOrigins, ",")
		trimmed := make([]string, 0, len(origins))
		for _, o := range origins {
			if s := strings.TrimSpace(o); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			allowedOrigins = trimmed
		}
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public endpoints
	r.Get("/health", h.Health)
	if metricsHandler != nil {
		r.Method("GET", "/metrics", metricsHandler)
	}

	// API routes — bearer-token auth required
	r.Route("/api", func(r chi.Router) {
		r.Use(RequireAuth(verifier))

		r.Post("/generations", h.CreateGeneration)
		r.Get("/generations", h.ListGenerations)
		r.Get("/generations/{id}/progress", h.GetGenerationProgress)

		r.Get("/credits", h.GetCredits)
		r.Get("/media-assets", h.ListMediaAssets)
	})

	return r
}
