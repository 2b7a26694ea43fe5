package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	syncbridge "github.com/angache/benalsam-sync-bridge"
	"github.com/angache/benalsam-sync-bridge/store"
)

// Bridge is the slice of the sync bridge the API exposes.
type Bridge interface {
	GetStatus() syncbridge.Status
	HealthCheck(ctx context.Context) syncbridge.Health
	RetryFailed(ctx context.Context, limit int) (int64, error)
	Counts(ctx context.Context) (map[store.Status]int64, error)
}

// Server wires the operational HTTP endpoints for the bridge.
type Server struct {
	bridge  Bridge
	metrics http.Handler
}

// New constructs the API server. metrics is the prometheus handler for
// the composing process's registry; nil disables the endpoint.
func New(bridge Bridge, metrics http.Handler) *Server {
	return &Server{bridge: bridge, metrics: metrics}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/sync/retry-failed", s.handleRetryFailed)

	if s.metrics != nil {
		r.Mount("/metrics", s.metrics)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.bridge.HealthCheck(r.Context())
	code := http.StatusOK
	if health.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

type statusResponse struct {
	syncbridge.Status
	Counts map[store.Status]int64 `json:"counts,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Status: s.bridge.GetStatus()}
	counts, err := s.bridge.Counts(r.Context())
	if err == nil {
		resp.Counts = counts
	}
	writeJSON(w, http.StatusOK, resp)
}

type retryFailedResponse struct {
	Requeued int64 `json:"requeued"`
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	n, err := s.bridge.RetryFailed(r.Context(), limit)
	if err != nil {
		http.Error(w, "retry failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, retryFailedResponse{Requeued: n})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
