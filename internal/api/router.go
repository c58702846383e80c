// Copyright (c) 2025, the nova-desktop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nova-desktop/novahub/internal/api/handlers"
	apimiddleware "github.com/nova-desktop/novahub/internal/api/middleware"
	"github.com/nova-desktop/novahub/internal/auth"
	"github.com/nova-desktop/novahub/internal/config"
	"github.com/nova-desktop/novahub/internal/metrics"
	"github.com/nova-desktop/novahub/internal/services"
)

// Dependencies holds all the dependencies needed for the API
type Dependencies struct {
	Config         *config.AppConfig
	DB             *sql.DB
	AuthService    *auth.Service
	LicenseService *services.LicenseService
	ReleaseService *services.ReleaseService
	MetricsManager *metrics.Manager
}

// NewRouter creates and configures the main application router
func NewRouter(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(apimiddleware.HTTPLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	authHandler := handlers.NewAuthHandler(deps.AuthService)
	licensesHandler := handlers.NewLicensesHandler(deps.LicenseService)
	releasesHandler := handlers.NewReleasesHandler(deps.ReleaseService)

	r.Route("/api", func(r chi.Router) {
		// Client protocol endpoints: public and never gated on admin setup,
		// deployed installations keep validating even on a fresh hub
		r.Post("/activate", licensesHandler.Activate)
		r.Post("/validate", licensesHandler.Validate)
		r.Get("/updates/latest", releasesHandler.Latest)

		// Admin surface
		r.Group(func(r chi.Router) {
			r.Use(apimiddleware.RequireSetup(deps.AuthService))

			r.Route("/auth", func(r chi.Router) {
				r.Post("/setup", authHandler.Setup)
				r.Post("/login", authHandler.Login)
				r.Get("/check-setup", authHandler.CheckSetupRequired)
			})

			r.Group(func(r chi.Router) {
				r.Use(apimiddleware.IsAuthenticated(deps.AuthService))

				r.Post("/auth/logout", authHandler.Logout)
				r.Get("/auth/me", authHandler.GetCurrentUser)
				r.Put("/auth/change-password", authHandler.ChangePassword)

				r.Route("/api-keys", func(r chi.Router) {
					r.Get("/", authHandler.ListAPIKeys)
					r.Post("/", authHandler.CreateAPIKey)
					r.Delete("/{id}", authHandler.DeleteAPIKey)
				})

				r.Route("/licenses", func(r chi.Router) {
					r.Get("/", licensesHandler.List)
					r.Post("/", licensesHandler.Generate)

					r.Route("/{id}", func(r chi.Router) {
						r.Get("/", licensesHandler.Get)
						r.Delete("/", licensesHandler.Delete)
						r.Post("/extend", licensesHandler.Extend)
						r.Post("/revoke", licensesHandler.Revoke)
						r.Post("/reactivate", licensesHandler.Reactivate)
						r.Post("/reveal", licensesHandler.Reveal)
					})
				})

				r.Post("/updates/notice", releasesHandler.TriggerNotice)
			})
		})
	})

	// Prometheus metrics, config-gated and authenticated
	if deps.Config.Config.MetricsEnabled && deps.MetricsManager != nil {
		metricsHandler := handlers.NewMetricsHandler(deps.MetricsManager)
		r.Group(func(r chi.Router) {
			r.Use(apimiddleware.IsAuthenticated(deps.AuthService))
			r.Get("/metrics", metricsHandler.ServeMetrics)
		})
	}

	if deps.Config.Config.PprofEnabled {
		r.Mount("/debug", middleware.Profiler())
	}

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return r
}
