package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stephnangue/grantor/clients"
	"github.com/stephnangue/grantor/grant"
	"github.com/stephnangue/grantor/logger"
	"github.com/stephnangue/grantor/token"
)

// HandlerProperties contains the wired subsystems the HTTP handler serves.
type HandlerProperties struct {
	Store   *token.Store
	Clients *clients.Registry
	Granter *grant.CompositeGranter
	Logger  logger.Logger
}

// Handler creates and returns the main HTTP handler for Grantor.
func Handler(props *HandlerProperties) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	log := props.Logger.WithSubsystem("http")

	r.Post("/oauth/token", handleToken(props, log))
	r.Get("/user/current", handleCurrentUser(props, log))
	r.Delete("/token", handleRevokeToken(props, log))

	r.Get("/sys/health", handleHealth())
	r.Get("/sys/metrics", handleMetrics(props))

	return r
}

func handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
		})
	}
}

func handleMetrics(props *HandlerProperties) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, props.Store.GetMetrics())
	}
}
