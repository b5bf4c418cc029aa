package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Request body limits.
const (
	MaxPartBytes    = 32 << 20
	MaxMessageBytes = 1 << 20
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))

			r.Route("/scopes/{scope}", func(r chi.Router) {
				r.Use(ScopeMiddleware)
				r.With(MaxBodyMiddleware(MaxMessageBytes)).Post("/schema", h.EnsureSchema)
				r.Get("/snapshot", h.Snapshot)
				r.Get("/snapshot/parts/{index}", h.SnapshotPart)

				r.Route("/sessions/{session}", func(r chi.Router) {
					r.Use(SessionMiddleware)
					r.With(MaxBodyMiddleware(MaxPartBytes)).Put("/upload/{index}", h.UploadPart)
					r.With(MaxBodyMiddleware(MaxMessageBytes)).Post("/apply", h.Apply)
					r.Get("/download/{index}", h.DownloadPart)
					r.With(MaxBodyMiddleware(MaxMessageBytes)).Post("/end", h.EndSession)
				})
			})
		})
	})

	return r
}
