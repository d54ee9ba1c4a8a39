package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/roast-network/roastd/internal/domain"
)

// CommandHandler returns the command service's router.
func (s *Server) CommandHandler() http.Handler {
	r := s.newRouter()
	r.Post("/proposals", s.handlePropose)
	r.Get("/proposals", s.handleListProposals)
	r.Get("/proposals/{id}", s.handleGetProposal)
	r.Post("/proposals/{id}/approve", s.handleApprove)
	r.Post("/proposals/{id}/reject", s.handleReject)
	return r
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req domain.ProposeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.Commands.Propose(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

type actorRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Actor == "" {
		writeError(w, domain.ErrBadPayload)
		return
	}
	p, err := s.Commands.Approve(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Actor == "" {
		writeError(w, domain.ErrBadPayload)
		return
	}
	p, err := s.Commands.Reject(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.Commands.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var proposals []domain.Proposal
	var err error
	switch {
	case q.Get("machineId") != "":
		proposals, err = s.Commands.ListByMachine(r.Context(), q.Get("machineId"))
	case q.Get("sessionId") != "":
		proposals, err = s.Commands.ListBySession(r.Context(), q.Get("sessionId"))
	case q.Get("status") == string(domain.StatusPendingApproval):
		proposals, err = s.Commands.ListPendingApprovals(r.Context())
	default:
		proposals, err = s.Commands.List(r.Context(), 100)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": proposals})
}
