package api

import (
	"errors"
	"net/http"

	"github.com/covenant-hub/covenant/portal/internal/auth"
	"github.com/covenant-hub/covenant/portal/internal/store"
)

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"provider":       s.authProvider.Name(),
		"password_login": s.loginProvider != nil,
		"billing":        s.billing != nil,
	})
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.logger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type registerRequest struct {
	Username    string `json:"username" validate:"required,min=3,max=64,alphanum"`
	Password    string `json:"password" validate:"required,min=8,max=128"`
	DisplayName string `json:"display_name" validate:"max=128"`
	Email       string `json:"email" validate:"omitempty,email"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	m, err := s.loginProvider.Register(r.Context(), auth.Registration{
		Username:    req.Username,
		Password:    req.Password,
		DisplayName: req.DisplayName,
		Email:       req.Email,
	})
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) || isUniqueViolation(err) {
			writeError(w, http.StatusConflict, "username already taken")
			return
		}
		s.logger.Error("register failed", "error", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	s.audit(r.Context(), "member.registered", m.ID, m.ID, nil)
	writeData(w, http.StatusCreated, m)
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, getMemberFromContext(r.Context()))
}

// handleDeleteMe erases the member's personal data. Donation rows are kept
// for the ledger.
func (s *Server) handleDeleteMe(w http.ResponseWriter, r *http.Request) {
	m := getMemberFromContext(r.Context())
	if err := s.store.AnonymizeMember(r.Context(), m.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "member not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete account")
		return
	}
	s.audit(r.Context(), "member.anonymized", m.ID, m.ID, nil)
	w.WriteHeader(http.StatusNoContent)
}

// donationView adds the formatted amount to a ledger row.
type donationView struct {
	store.Donation
	Amount string `json:"amount"`
}

func donationViews(ds []store.Donation) []donationView {
	out := make([]donationView, 0, len(ds))
	for _, d := range ds {
		out = append(out, donationView{Donation: d, Amount: d.Amount()})
	}
	return out
}

func (s *Server) handleListMyDonations(w http.ResponseWriter, r *http.Request) {
	m := getMemberFromContext(r.Context())
	ds, err := s.store.ListDonationsByMember(r.Context(), m.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list donations")
		return
	}
	writeData(w, http.StatusOK, donationViews(ds))
}
