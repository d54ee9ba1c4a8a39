package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/roast-network/roastd/internal/domain"
)

// MissionHandler returns the mission service's router.
func (s *Server) MissionHandler() http.Handler {
	r := s.newRouter()
	r.Post("/missions", s.handleCreateMission)
	r.Post("/missions/claim", s.handleClaimMission)
	r.Get("/missions", s.handleListMissions)
	r.Get("/missions/metrics", s.handleMissionMetrics)
	r.Get("/missions/{id}", s.handleGetMission)
	r.Post("/missions/{id}/heartbeat", s.handleHeartbeat)
	r.Post("/missions/{id}/complete", s.handleCompleteMission)
	r.Post("/missions/{id}/fail", s.handleFailMission)
	return r
}

func (s *Server) handleCreateMission(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateMissionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, created, err := s.Missions.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, m)
}

type claimRequest struct {
	AgentName    string   `json:"agentName"`
	Goals        []string `json:"goals"`
	LeaseSeconds int      `json:"leaseSeconds,omitempty"`
}

func (s *Server) handleClaimMission(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := s.Missions.Claim(r.Context(), req.AgentName, req.Goals, req.LeaseSeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	if m == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type heartbeatRequest struct {
	LeaseID   string `json:"leaseId"`
	AgentName string `json:"agentName"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.Missions.Heartbeat(r.Context(), id, req.LeaseID, req.AgentName); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type completeRequest struct {
	LeaseID string `json:"leaseId"`
}

func (s *Server) handleCompleteMission(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := s.Missions.Complete(r.Context(), chi.URLParam(r, "id"), req.LeaseID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type failRequest struct {
	LeaseID   string `json:"leaseId"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

func (s *Server) handleFailMission(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := s.Missions.Fail(r.Context(), chi.URLParam(r, "id"), req.LeaseID,
		domain.MissionFailure{Error: req.Error, Retryable: req.Retryable})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleGetMission(w http.ResponseWriter, r *http.Request) {
	m, err := s.Missions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleListMissions(w http.ResponseWriter, r *http.Request) {
	status := domain.MissionStatus(r.URL.Query().Get("status"))
	missions, err := s.Missions.List(r.Context(), status, 100)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"missions": missions})
}

func (s *Server) handleMissionMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.Missions.Metrics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
