package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/iago/tiprelay/internal/http/handlers"
	"github.com/iago/tiprelay/internal/http/middleware"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         zerolog.Logger
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(deps RouterDependencies) http.Handler {
	logger := deps.Logger.With().Str("component", "http").Logger()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Trace(logger))

	r.Get("/healthz", deps.API.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(deps.RateLimitRPS, deps.RateLimitBurst))

		r.Get("/sessions", deps.API.ListSessions)
		r.Route("/sessions/{tenantID}/{credentialID}", func(r chi.Router) {
			r.Post("/start", deps.API.StartSession)
			r.Post("/stop", deps.API.StopSession)
			r.Post("/restart", deps.API.RestartSession)
		})
		r.Get("/queue/stats", deps.API.QueueStats)
	})

	return r
}
