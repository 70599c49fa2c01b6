package api

import (
	"net/http"

	"github.com/covenant-hub/covenant/portal/internal/store"
	"github.com/covenant-hub/covenant/portal/internal/streak"
)

type checkInRequest struct {
	Note string `json:"note" validate:"max=500"`
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	var req checkInRequest
	if r.ContentLength != 0 {
		if !s.decodeBody(w, r, &req) {
			return
		}
	}

	m := getMemberFromContext(r.Context())
	now := s.now()
	day := streak.Day(now)
	created, err := s.store.RecordCheckIn(r.Context(), &store.CheckIn{
		MemberID:  m.ID,
		Day:       day,
		Note:      req.Note,
		CreatedAt: now,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record check-in")
		return
	}

	st, ok := s.streakStatus(w, r, m.ID)
	if !ok {
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeData(w, status, map[string]any{"day": day, "created": created, "streak": st})
}

func (s *Server) handleGetStreak(w http.ResponseWriter, r *http.Request) {
	m := getMemberFromContext(r.Context())
	st, ok := s.streakStatus(w, r, m.ID)
	if !ok {
		return
	}
	writeData(w, http.StatusOK, st)
}

func (s *Server) streakStatus(w http.ResponseWriter, r *http.Request, memberID string) (streak.Status, bool) {
	days, err := s.store.ListCheckInDays(r.Context(), memberID, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load check-ins")
		return streak.Status{}, false
	}
	return streak.Compute(days, s.now()), true
}
