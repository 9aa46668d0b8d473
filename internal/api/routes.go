package api

import (
	"time"

	"onetime.secret/config"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter wires the secret lifecycle onto HTTP. HTTP metrics are registered
// on reg, which also backs /metrics; a nil reg disables both.
func SetupRouter(l Lifecycle, cfg *config.Config, reg *prometheus.Registry) *chi.Mux {
	h := NewHandler(l, cfg)

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(NewCORSMiddleware(cfg.Server.CORSOrigins).Handler)

	if reg != nil {
		r.Use(newHTTPMetrics(reg).Middleware)
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	r.Get("/health", h.Health)

	r.Group(func(r chi.Router) {
		r.Use(JSONOnly)

		r.Post("/create", h.CreateSecret)
		r.Route("/secret/{id}", func(r chi.Router) {
			r.Get("/", h.GetSecret)
			r.Post("/verify", h.UnlockSecret)
			r.Post("/check", h.CheckPassword)
		})
	})

	return r
}
