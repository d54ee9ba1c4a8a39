package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/roast-network/roastd/internal/app/autonomy"
	"github.com/roast-network/roastd/internal/domain"
)

// GovernanceHandler returns the governance service's router.
func (s *Server) GovernanceHandler() http.Handler {
	r := s.newRouter()
	r.Get("/metrics/current", s.handleMetricsCurrent)
	r.Get("/metrics/weekly", s.handleMetricsWeekly)
	r.Get("/metrics/latest", s.handleMetricsLatest)
	r.Get("/governance/state", s.handleGovernanceState)
	r.Post("/governance/run-cycle", s.handleRunCycle)
	r.Get("/circuit-breaker/rules", s.handleListRules)
	r.Patch("/circuit-breaker/rules/{name}", s.handlePatchRule)
	r.Get("/circuit-breaker/events", s.handleListBreakerEvents)
	r.Post("/circuit-breaker/events/{id}/resolve", s.handleResolveBreakerEvent)
	return r
}

func (s *Server) handleMetricsCurrent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	end := time.Now()
	start := end.Add(-30 * 24 * time.Hour)
	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, domain.ErrBadPayload)
			return
		}
		start = t
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, domain.ErrBadPayload)
			return
		}
		end = t
	}
	m, err := s.Agg.Window(r.Context(), start, end)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleMetricsWeekly(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	m, err := s.Agg.Window(r.Context(), now.Add(-7*24*time.Hour), now)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleMetricsLatest(w http.ResponseWriter, r *http.Request) {
	snap, err := s.GovRepo.LatestSnapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if snap == nil {
		writeError(w, domain.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGovernanceState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Governor.State())
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	events, err := s.Breaker.RunCycle(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fired":  len(events),
		"events": events,
	})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.GovRepo.ListRules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

type patchRuleRequest struct {
	Enabled       *bool   `json:"enabled,omitempty"`
	Condition     *string `json:"condition,omitempty"`
	WindowSeconds *int    `json:"windowSeconds,omitempty"`
	Action        *string `json:"action,omitempty"`
	AlertSeverity *string `json:"alertSeverity,omitempty"`
	CommandType   *string `json:"commandType,omitempty"`
}

func (s *Server) handlePatchRule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req patchRuleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	rules, err := s.GovRepo.ListRules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	var rule *domain.BreakerRule
	for i := range rules {
		if rules[i].Name == name {
			rule = &rules[i]
			break
		}
	}
	if rule == nil {
		writeError(w, domain.ErrNotFound)
		return
	}

	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if req.Condition != nil {
		rule.Condition = *req.Condition
	}
	if req.WindowSeconds != nil {
		rule.WindowSeconds = *req.WindowSeconds
	}
	if req.Action != nil {
		rule.Action = domain.BreakerAction(*req.Action)
	}
	if req.AlertSeverity != nil {
		rule.AlertSeverity = *req.AlertSeverity
	}
	if req.CommandType != nil {
		rule.CommandType = domain.CommandType(*req.CommandType)
	}

	// Malformed rules are rejected at load; reject them at save too.
	if _, err := autonomy.ParseCondition(rule.Condition); err != nil {
		writeError(w, err)
		return
	}
	switch rule.Action {
	case domain.ActionRevertToL3, domain.ActionPauseCommandType, domain.ActionAlertOnly:
	default:
		writeError(w, domain.ErrBadRule)
		return
	}

	if err := s.GovRepo.UpsertRule(r.Context(), *rule); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleListBreakerEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.GovRepo.ListBreakerEvents(r.Context(), 100)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleResolveBreakerEvent(w http.ResponseWriter, r *http.Request) {
	if err := s.Breaker.Resolve(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}
