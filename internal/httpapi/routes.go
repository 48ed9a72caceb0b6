// Package httpapi exposes the thin operational HTTP surface a deployment
// of the routing core carries alongside it: liveness, Prometheus metrics,
// and a debug event stream. The request-submission REST API is explicitly
// an external collaborator per spec §1 ("HTTP/REST front-end controllers")
// and is not implemented here.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jordanhubbard/routingcore/internal/events"
	"github.com/jordanhubbard/routingcore/internal/metrics"
)

// Dependencies are the collaborators the ops surface reads from; all are
// read-only from this package's perspective.
type Dependencies struct {
	Metrics  *metrics.Registry
	EventBus *events.Bus
}

// NewRouter builds the chi router serving /healthz, /metrics, and
// /debug/events.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	r.Get("/healthz", healthzHandler)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}
	if deps.EventBus != nil {
		r.Get("/debug/events", SSEHandler(deps.EventBus))
	}
	return r
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	jsonOK(w, map[string]string{"status": "ok"})
}

func jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
