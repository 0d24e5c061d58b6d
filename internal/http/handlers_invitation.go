package http

import (
	"net/http"
	"time"

	"groupsave/internal/core"
)

func (s *Server) handleCreateInvitation(w http.ResponseWriter, r *http.Request) {
	var req createInvitationRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	ttl := s.engine.InviteTTL()
	if req.TTLSeconds != 0 {
		minSec, maxSec := int64(core.MinInviteTTL/time.Second), int64(core.MaxInviteTTL/time.Second)
		if req.TTLSeconds < minSec || req.TTLSeconds > maxSec {
			writeError(w, r, core.Validationf("ttl_seconds must be between %d and %d", minSec, maxSec))
			return
		}
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	inv, joinURL, err := s.engine.Invitations.Create(r.Context(), actor(r), r.PathValue("id"), req.Message, ttl)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, invitationCreatedResponse{Invitation: inv, JoinURL: joinURL})
}

func (s *Server) handleListInvitations(w http.ResponseWriter, r *http.Request) {
	invs, err := s.engine.Invitations.ListForGroup(r.Context(), actor(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(invs))
}

// handlePreviewInvitation is public: the token is the credential.
func (s *Server) handlePreviewInvitation(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Invitations.Preview(r.Context(), r.PathValue("token"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAcceptInvitation(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.Invitations.Accept(r.Context(), r.PathValue("token"), actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeclineInvitation(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Invitations.Decline(r.Context(), r.PathValue("token"), actor(r)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]core.InvitationStatus{"status": core.InvitationRejected})
}
