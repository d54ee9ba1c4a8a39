package api

import (
	"net/http"

	"github.com/roast-network/roastd/internal/domain"
)

// InferenceHandler returns the event-inference service's router.
func (s *Server) InferenceHandler() http.Handler {
	r := s.newRouter()
	r.Post("/config", s.handleUpsertConfig)
	r.Get("/config", s.handleGetConfig)
	r.Delete("/config", s.handleDeleteConfig)
	r.Get("/config/defaults", s.handleConfigDefaults)
	r.Get("/status", s.handleInferenceStatus)
	return r
}

type upsertConfigRequest struct {
	OrgID     string                 `json:"orgId"`
	SiteID    string                 `json:"siteId"`
	MachineID string                 `json:"machineId"`
	Config    domain.HeuristicsPatch `json:"config"`
}

func (s *Server) handleUpsertConfig(w http.ResponseWriter, r *http.Request) {
	var req upsertConfigRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	key := domain.MachineKey{OrgID: req.OrgID, SiteID: req.SiteID, MachineID: req.MachineID}
	merged, err := s.Inference.UpsertConfig(r.Context(), key, req.Config)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, configResponse{HeuristicsConfig: merged, IsDefault: false})
}

type configResponse struct {
	domain.HeuristicsConfig
	IsDefault bool `json:"isDefault"`
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	key, err := machineKeyFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	cfg, isDefault := s.Inference.GetConfig(r.Context(), key)
	writeJSON(w, http.StatusOK, configResponse{HeuristicsConfig: cfg, IsDefault: isDefault})
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	key, err := machineKeyFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.Inference.DeleteConfig(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleConfigDefaults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, domain.DefaultHeuristics())
}

func (s *Server) handleInferenceStatus(w http.ResponseWriter, r *http.Request) {
	sessions := s.Inference.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"liveSessions": len(sessions),
		"sessions":     sessions,
	})
}
