// Lumiderm - Facial Skin Condition Analysis Engine
// Copyright 2026 Lumiderm Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lumiderm/lumiderm

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lumiderm/lumiderm/internal/config"
	"github.com/lumiderm/lumiderm/internal/logging"
	"github.com/lumiderm/lumiderm/internal/middleware"
)

// NewRouter assembles the chi router with the standard middleware chain
// and mounts the versioned API plus the Prometheus endpoint.
func NewRouter(h *Handler, cfg config.ServerConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)

	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			MaxAge:         300,
		}))
	}

	if cfg.RateLimitReqs > 0 && cfg.RateLimitWindow > 0 {
		r.Use(httprate.LimitByIP(cfg.RateLimitReqs, cfg.RateLimitWindow))
	}

	r.Use(middleware.Prometheus)
	r.Use(middleware.RequestLogger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/analyze", h.Analyze)
		r.Get("/health", h.Health)
		r.Get("/fairness/report", h.FairnessReport)
		r.Route("/index", func(r chi.Router) {
			r.Get("/status", h.IndexStatus)
			r.Post("/rebuild", h.IndexRebuild)
		})
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "no such endpoint")
	})

	logging.Info().Msg("[API] Router ready")
	return r
}
