package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/covenant-hub/covenant/portal/internal/store"
)

func (s *Server) handleAdminListMembers(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	members, err := s.store.ListMembers(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list members")
		return
	}
	writeData(w, http.StatusOK, members)
}

type updateTierRequest struct {
	Tier string `json:"tier" validate:"required,oneof=free member partner covenant"`
}

func (s *Server) handleAdminUpdateTier(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "memberID")
	var req updateTierRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	target, err := s.store.GetMember(r.Context(), memberID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get member")
		return
	}
	if target == nil || target.AnonymizedAt != nil {
		writeError(w, http.StatusNotFound, "member not found")
		return
	}

	if err := s.store.UpdateMemberTier(r.Context(), memberID, req.Tier); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "member not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update tier")
		return
	}

	admin := getMemberFromContext(r.Context())
	s.audit(r.Context(), "member.tier_changed", admin.ID, memberID, map[string]string{
		"from": target.Tier,
		"to":   req.Tier,
	})

	target.Tier = req.Tier
	writeData(w, http.StatusOK, target)
}

func (s *Server) handleAdminListDonations(w http.ResponseWriter, r *http.Request) {
	var (
		ds  []store.Donation
		err error
	)
	if sub := r.URL.Query().Get("subscription_id"); sub != "" {
		ds, err = s.store.ListDonationsBySubscription(r.Context(), sub)
	} else {
		limit, offset := pageParams(r)
		ds, err = s.store.ListDonations(r.Context(), limit, offset)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list donations")
		return
	}
	writeData(w, http.StatusOK, donationViews(ds))
}

func (s *Server) handleAdminListAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := pageParams(r)
	events, err := s.store.ListAuditEvents(r.Context(), store.AuditFilter{
		Action:    q.Get("action"),
		ActorID:   q.Get("actor_id"),
		SubjectID: q.Get("subject_id"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	writeData(w, http.StatusOK, events)
}
