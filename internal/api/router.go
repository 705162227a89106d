// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

// Package api is the operational HTTP surface: health and metrics only. The
// registry's own request handling lives elsewhere; this listener exists so
// orchestrators and Prometheus can see the pipeline.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lmerrick/auditpipe/internal/logging"
	"github.com/lmerrick/auditpipe/internal/metrics"
)

// Pinger reports whether a dependency is reachable. *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Router serves the operational endpoints.
type Router struct {
	db Pinger
}

// NewRouter builds a router. db may be nil when no database backend is
// configured; the health check then skips it.
func NewRouter(db Pinger) *Router {
	return &Router{db: db}
}

// Handler assembles the chi mux.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	r.Get("/healthz", rt.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Checks: map[string]string{}}
	status := http.StatusOK

	if rt.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := rt.db.PingContext(ctx); err != nil {
			logging.Warn().Err(err).Msg("health check database ping failed")
			resp.Status = "degraded"
			resp.Checks["database"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			resp.Checks["database"] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.Error().Err(err).Msg("writing health response")
	}
}

// instrument records request metrics per route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = r.URL.Path
		}
		metrics.RecordAPIRequest(r.Method, pattern, strconv.Itoa(ww.Status()), time.Since(started))
	})
}
