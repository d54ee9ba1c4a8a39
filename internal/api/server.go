// Package api provides the HTTP surfaces for roastd's four services:
// inference, missions, commands, and governance. Each service gets its own
// chi router; the daemon serves each on its own port.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/roast-network/roastd/internal/app/autonomy"
	"github.com/roast-network/roastd/internal/app/command"
	"github.com/roast-network/roastd/internal/app/inference"
	"github.com/roast-network/roastd/internal/app/mission"
	"github.com/roast-network/roastd/internal/domain"
	"github.com/roast-network/roastd/internal/health"
)

// Server holds the services the routers expose.
type Server struct {
	Inference *inference.Engine
	Missions  *mission.Store
	Commands  *command.Service
	Governor  *autonomy.Governor
	Breaker   *autonomy.Breaker
	Agg       *autonomy.Aggregator
	GovRepo   domain.GovernanceRepo
	Health    *health.Checker

	metricsEnabled bool
	log            *zap.Logger
}

// NewServer creates the API server.
func NewServer(log *zap.Logger) *Server {
	return &Server{log: log}
}

// EnableMetrics mounts the Prometheus /metrics endpoint on every router.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// newRouter builds a chi router with the shared middleware stack.
func (s *Server) newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)
	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	report := s.Health.Report()
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// ─── Shared helpers ─────────────────────────────────────────────────────────

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to status codes and writes a JSON error.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrBadPayload), errors.Is(err, domain.ErrBadRule):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrIllegalTransition), errors.Is(err, domain.ErrBadLease):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrStorage):
		status = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrCanceled):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"message": err.Error()},
	})
}

// decode parses a JSON request body into v.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.ErrBadPayload
	}
	return nil
}

// machineKeyFromQuery reads orgId/siteId/machineId query params.
func machineKeyFromQuery(r *http.Request) (domain.MachineKey, error) {
	key := domain.MachineKey{
		OrgID:     r.URL.Query().Get("orgId"),
		SiteID:    r.URL.Query().Get("siteId"),
		MachineID: r.URL.Query().Get("machineId"),
	}
	if !key.Valid() {
		return key, domain.ErrBadPayload
	}
	return key, nil
}
