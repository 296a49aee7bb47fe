package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter mounts the query API under /api/v1.
func NewRouter(h *Handler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/simulation", func(r chi.Router) {
			r.Get("/time-range", h.TimeRange)
			r.Get("/vehicles", h.Vehicles)
			r.Get("/data-chunk", h.DataChunk)
			r.Get("/stats", h.Stats)
		})
		r.Get("/routes", h.Routes)
		r.Get("/routes/{route_id}/geometry", h.Geometry)
		r.Get("/stops", h.Stops)
		r.Get("/transport-types", h.TransportTypes)
		r.Get("/health", h.Health)
		r.Get("/health/database", h.HealthDatabase)
		r.Get("/health/data", h.HealthData)
	})

	return r
}
