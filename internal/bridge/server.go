package bridge

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trackbridge/internal/diag"
	"trackbridge/internal/trust"
	"trackbridge/pkg/middleware"
)

// Handler builds the HTTP handler with routes and middleware.
func (a *App) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(a.log))
	r.Use(middleware.DebugWriteHeader(a.cfg.Debug, a.log))
	r.Use(middleware.Tracing("bridge"))
	r.Use(diag.CaptureBody())

	// Ops endpoints stay outside the trust pipeline, maintenance included.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Get("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}).ServeHTTP)

	g := a.gate
	r.Method(http.MethodGet, maintenancePath, g.Require(trust.Public, a.maintenance))

	r.Group(func(pr chi.Router) {
		pr.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"https://*"},
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			MaxAge:         86400,
		}))
		pr.Method(http.MethodGet, "/atlassian-connect.json", g.Require(trust.Public, a.descriptor))
	})

	r.Method(http.MethodPost, "/events/{event}", g.Require(trust.TrackerWebhook, a.webhooks.Handle))

	r.Route("/github", func(gr chi.Router) {
		gr.Method(http.MethodGet, "/login", g.Require(trust.Public, a.login))
		gr.Method(http.MethodGet, "/callback", g.Require(trust.Public, a.callback))
		gr.Method(http.MethodPost, "/logout", g.Require(trust.Public, a.logout))
		gr.Method(http.MethodGet, "/setup", g.Require(trust.GitHubSession, a.setup))
	})

	r.Method(http.MethodGet, "/config", g.Require(trust.TrackerSessionBound, a.configPage))
	r.Method(http.MethodPost, "/config", g.Require(trust.TrackerSessionBound, a.saveConfig))
	return r
}
