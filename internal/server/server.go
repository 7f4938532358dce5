// Package server mounts the engine's internal HTTP surface: a health
// probe, the Prometheus scrape endpoint, the job supervisor's
// status JSON, and the admin event bus's websocket upgrade. It carries none
// of the tenant-facing HTTP API (out of scope per spec.md §1) — only the
// operator-facing surface C10/C11 need to be reachable at all.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/flywheel-engine/engine/internal/metrics"
)

// StatusFunc returns the job supervisor's current status snapshot,
// typically supervisor.Supervisor.Status bound to its receiver.
type StatusFunc func(ctx context.Context) interface{}

// HealthFunc reports gateway liveness for the /healthz probe, typically
// chain.Gateway.Health bound to its receiver.
type HealthFunc func(ctx context.Context) error

// New builds the engine's chi router. Any of statusFn/healthFn/bus may be
// nil: a nil statusFn or healthFn makes its route answer 503 rather than
// panicking, and a nil bus leaves /admin/ws unmounted (404) — useful for
// standalone component testing.
func New(statusFn StatusFunc, healthFn HealthFunc, bus http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if healthFn == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()
		if err := healthFn(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(err.Error()))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		if statusFn == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statusFn(req.Context()))
	})

	r.Handle("/metrics", metrics.Handler())

	if bus != nil {
		r.Handle("/admin/ws", bus)
	}

	return r
}
