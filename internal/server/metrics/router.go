package metrics

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadinessFunc reports whether the server can serve requests, typically by
// pinging the database.
type ReadinessFunc func(ctx context.Context) error

// NewRouter serves /metrics, /healthz and /readyz.
func NewRouter(m *Metrics, ready ReadinessFunc) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthHandler)
	r.Get("/readyz", readinessHandler(ready))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, "healthy")
}

func readinessHandler(ready ReadinessFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(r.Context()); err != nil {
				writeStatus(w, http.StatusServiceUnavailable, "not ready: "+err.Error())
				return
			}
		}
		writeStatus(w, http.StatusOK, "ready")
	}
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
