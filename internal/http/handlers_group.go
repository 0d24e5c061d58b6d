package http

import (
	"errors"
	"net/http"

	"groupsave/internal/auth"
	"groupsave/internal/core"
)

// actor is the authenticated caller, or the zero Actor which the services
// reject as anonymous.
func actor(r *http.Request) core.Actor {
	a, _ := auth.ActorFromContext(r.Context())
	return a
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	in, err := req.toInput()
	if err != nil {
		writeError(w, r, err)
		return
	}
	g, err := s.engine.Groups.Create(r.Context(), actor(r), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().
		Status(http.StatusCreated).
		Header("Location", "/api/groups/"+g.ID).
		Body(g).
		Write(w)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.engine.Groups.ListForUser(r.Context(), actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(groups))
}

func (s *Server) handleListPublicGroups(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	groups, err := s.engine.Groups.ListPublic(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(groups))
}

// handleGetGroup returns the dashboard summary, which embeds the group.
func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Groups.Summary(r.Context(), actor(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleUpdateRules(w http.ResponseWriter, r *http.Request) {
	var rules core.ContributionRules
	if err := decodeJSON(w, r, &rules, false); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	g, err := s.engine.Groups.UpdateRules(r.Context(), actor(r), r.PathValue("id"), rules)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleArchiveGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.engine.Groups.Archive(r.Context(), actor(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleReopenGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.engine.Groups.Reopen(r.Context(), actor(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.engine.Groups.Progress(r.Context(), actor(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, progressResponse{GroupID: id, Progress: p})
}

// handleVerifyLedger returns the reconciliation report. On drift the report
// is attached to the integrity error.
func (s *Server) handleVerifyLedger(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Ledger.Verify(r.Context(), actor(r), r.PathValue("id"))
	if errors.Is(err, core.ErrIntegrity) && report.GroupID != "" {
		writeErrorDetails(w, r, err, report)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListActivity(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	entries, err := s.engine.Activity.List(r.Context(), actor(r), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(entries))
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.engine.Members.List(r.Context(), actor(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(members))
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Members.Remove(r.Context(), actor(r), r.PathValue("id"), r.PathValue("userID")); err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}
