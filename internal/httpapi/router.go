// Package httpapi exposes the matchmaking service over HTTP.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/studyhub/matchmaking/internal/auth"
	"github.com/studyhub/matchmaking/internal/logger"
	"github.com/studyhub/matchmaking/internal/matching"
	"github.com/studyhub/matchmaking/internal/metrics"
)

// Deps are the collaborators the router needs.
type Deps struct {
	Service    *matching.Service
	Reaper     Cleaner
	Verifier   *auth.Verifier
	CronSecret string
	Log        *zap.Logger
}

func NewRouter(d Deps) http.Handler {
	log := logger.OrNop(d.Log)

	matchingHandler := NewMatchingHandler(d.Service, log.Named("http"))
	cronHandler := NewCronHandler(d.Reaper, d.CronSecret, log.Named("cron"))
	healthHandler := NewHealthHandler(d.Service, log.Named("health"))
	authMW := AuthMiddleware(d.Verifier, log.Named("auth"))

	r := chi.NewRouter()
	applyMiddlewares(r, log)

	r.Get("/healthz", healthHandler.Get)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/cron/cleanup-matchmaking", cronHandler.Cleanup)

		r.Route("/matching", func(r chi.Router) {
			r.Use(authMW)
			r.Post("/join", matchingHandler.Join)
			r.Post("/leave", matchingHandler.Leave)
			r.Post("/skip", matchingHandler.Skip)
			r.Post("/end", matchingHandler.End)
			r.Get("/session", matchingHandler.Session)
			r.Get("/status", matchingHandler.Status)
		})
	})

	return r
}
