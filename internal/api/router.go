// Taskhost - Background Job Processing Server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/taskhost

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the handlers into a chi router.
func NewRouter(h *Handler, mw *Middleware) http.Handler {
	if mw == nil {
		mw = NewMiddleware(nil)
	}
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(RequestLogger())
	r.Use(PrometheusMetrics())
	r.Use(chimiddleware.Recoverer)
	r.Use(mw.CORS())

	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.RateLimit())

		r.Get("/servers", h.Servers)

		r.Get("/queues", h.Queues)
		r.Post("/queues", h.AddQueue)

		r.Post("/jobs", h.EnqueueJob)
		r.Get("/jobs/{id}", h.Job)

		r.Get("/recurring", h.RecurringJobs)
		r.Put("/recurring/{id}", h.PutRecurringJob)
		r.Delete("/recurring/{id}", h.DeleteRecurringJob)
	})

	return r
}
