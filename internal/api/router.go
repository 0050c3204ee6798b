package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/backchannel/internal/api/middleware"
	"github.com/eldtechnologies/backchannel/internal/handlers"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, h *handlers.Handler, auth *middleware.AdminAuth, limiter *middleware.RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(32 * 1024))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	r.Use(limiter.Middleware)

	// CORS - the widget is embedded on other origins
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Cache-Control", "Last-Event-ID"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.Error(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.Error(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Handle("/metrics", promhttp.Handler())

	// Public routes
	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Post("/feedback", h.Feedback)
	r.Post("/creature/think", h.Think)
	r.Route("/threads/{vid}", func(r chi.Router) {
		r.Get("/messages", h.GetMessages)
		r.Get("/check", h.CheckMessages)
		r.Get("/stream", h.VisitorStream)
	})

	// Operator routes
	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.RequireAdmin)

		r.Get("/stream", h.AdminStream)
		r.Get("/threads", h.ListThreads)
		r.Post("/threads/{vid}/reply", h.Reply)
		r.Delete("/threads/{vid}", h.DeleteThread)
		r.Put("/blocked/{vid}", h.BlockVisitor)
		r.Delete("/blocked/{vid}", h.UnblockVisitor)
	})

	return r
}
