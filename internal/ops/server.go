// Package ops exposes the operational HTTP surface: liveness, readiness and
// prometheus metrics. Business endpoints live elsewhere; this router carries
// nothing tenant-facing.
package ops

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/torotorokou/sanbou-app-sub002/internal/store"
	"github.com/torotorokou/sanbou-app-sub002/internal/telemetry"
)

// NewRouter builds the ops router over st.
func NewRouter(st *store.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Readiness pings the database with a short deadline so a wedged pool
	// flips the probe instead of hanging it.
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := st.DB().PingContext(ctx); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	return r
}
