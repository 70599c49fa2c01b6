package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/covenant-hub/covenant/portal/internal/billing"
	"github.com/covenant-hub/covenant/portal/internal/store"
)

func (s *Server) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxWebhook))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "webhook body too large")
		return
	}

	res, err := s.reconciler.Handle(r.Context(), body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, billing.ErrInvalidSignature) {
			s.logger.Warn("webhook signature rejected", "remote", r.RemoteAddr, "error", err)
			writeErrorKind(w, http.StatusBadRequest, KindInvalidSignature, "invalid signature")
			return
		}
		// A non-2xx response makes the provider redeliver the event.
		s.logger.Error("webhook processing failed", "error", err)
		writeErrorKind(w, http.StatusInternalServerError, KindWriteFailure, "failed to record event")
		return
	}

	if res.Donation != nil {
		s.audit(r.Context(), "donation.recorded", "", res.Donation.MemberID, map[string]any{
			"donation_id":  res.Donation.ID,
			"amount":       res.Donation.Amount(),
			"currency":     res.Donation.Currency,
			"frequency":    res.Donation.Frequency,
			"provider_ref": res.Donation.ProviderRef,
		})
	}
	if res.Updated > 0 {
		s.audit(r.Context(), "subscription.canceled", "", "", map[string]any{
			"event_id": res.EventID,
			"rows":     res.Updated,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "outcome": res.Outcome})
}

type checkoutRequest struct {
	AmountCents int64  `json:"amount_cents" validate:"required,min=100,max=10000000"`
	Frequency   string `json:"frequency" validate:"omitempty,oneof=once monthly"`
	Type        string `json:"type" validate:"omitempty,max=64"`
	Tier        string `json:"tier" validate:"omitempty,oneof=member partner covenant"`
}

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Frequency == "" {
		req.Frequency = store.FrequencyOnce
	}

	if req.Tier != "" {
		price, ok := s.billingCfg.TierPrices.Minimum(req.Tier, req.Frequency)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("tier %s is not offered for %s donations", req.Tier, req.Frequency))
			return
		}
		if req.AmountCents < price {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("a %s %s donation must be at least %s",
				req.Frequency, req.Tier, store.Donation{AmountCents: price}.Amount()))
			return
		}
	}

	m := getMemberFromContext(r.Context())
	cs, err := s.billing.CreateCheckoutSession(r.Context(), billing.CheckoutRequest{
		AmountCents:  req.AmountCents,
		Currency:     s.billingCfg.Currency,
		Frequency:    req.Frequency,
		DonationType: req.Type,
		MemberID:     m.ID,
		Email:        m.Email,
		DonorName:    m.DisplayName,
		Tier:         req.Tier,
		SuccessURL:   s.billingCfg.SuccessURL,
		CancelURL:    s.billingCfg.CancelURL,
	})
	if err != nil {
		s.logger.Error("create checkout session failed", "member_id", m.ID, "error", err)
		writeError(w, http.StatusBadGateway, "failed to start checkout")
		return
	}

	s.audit(r.Context(), "donation.checkout_started", m.ID, m.ID, map[string]any{
		"session_id":   cs.ID,
		"amount_cents": req.AmountCents,
		"frequency":    req.Frequency,
	})
	writeData(w, http.StatusOK, map[string]string{"id": cs.ID, "url": cs.URL})
}
