package http

import (
	"net/http"
	"strings"

	"groupsave/internal/core"
)

func (s *Server) handleSubmitContribution(w http.ResponseWriter, r *http.Request) {
	var req submitContributionRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	in, err := req.toInput(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	c, err := s.engine.Contributions.Submit(r.Context(), actor(r), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().
		Status(http.StatusCreated).
		Header("Location", "/api/contributions/"+c.ID).
		Body(c).
		Write(w)
}

// handleListContributions accepts an optional ?status= filter.
func (s *Server) handleListContributions(w http.ResponseWriter, r *http.Request) {
	status := core.ContributionStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	list, err := s.engine.Contributions.ListForGroup(r.Context(), actor(r), r.PathValue("id"), status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(list))
}

func (s *Server) handleGetContribution(w http.ResponseWriter, r *http.Request) {
	c, err := s.engine.Contributions.Get(r.Context(), actor(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleConfirmContribution(w http.ResponseWriter, r *http.Request) {
	c, err := s.engine.Contributions.Confirm(r.Context(), actor(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleRejectContribution(w http.ResponseWriter, r *http.Request) {
	var req rejectContributionRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	c, err := s.engine.Contributions.Reject(r.Context(), actor(r), r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
