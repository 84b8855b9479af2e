package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes constructs the HTTP router for the BFF surface.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(a.Metrics.Middleware)
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/login", a.handleLogin)
	r.Get("/callback", a.handleCallback)
	r.Get("/logout", a.handleLogout)
	r.Get("/me", a.handleMe)

	r.Get("/force-reset", a.handleForceReset)
	r.Post("/force-reset", a.handleForceReset)
	r.Get("/force-reset/state", a.handleResetState)
	r.Post("/force-reset/redirect", a.handleResetRedirect)
	r.Get("/password-reset-success", a.handleResetSuccess)
	r.Get("/password-reset-complete", a.handleResetComplete)

	r.Handle("/proxy/*", http.HandlerFunc(a.handleProxy))

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.Metrics.Registry, promhttp.HandlerOpts{}))

	return r
}
