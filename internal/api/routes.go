package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers, hc *HealthChecker) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health checks (no auth required)
	r.Get("/health", hc.HandleHealth)
	r.Get("/health/live", hc.HandleLiveness)
	r.Get("/health/ready", hc.HandleReadiness)

	r.Route("/api", func(r chi.Router) {
		r.Post("/unsubscribe", h.EnqueueJobs)
		r.Get("/unsubscribe/jobs", h.ListJobs)
		r.Get("/unsubscribe/jobs/{id}", h.GetJob)
		r.Post("/unsubscribe/jobs/{id}/cancel", h.CancelJob)

		r.Get("/queue/stats", h.QueueStats)
		r.Post("/queue/start", h.StartQueue)
		r.Post("/queue/stop", h.StopQueue)

		r.Put("/emails/{id}/unsubscribe-status", h.SetEmailStatus)
		r.Post("/emails/{id}/resolve-unsubscribe", h.ResolveUnsubscribeURL)
		r.Post("/emails/{id}/archive", h.ArchiveEmail)
	})

	return r
}
