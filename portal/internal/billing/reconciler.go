package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/covenant-hub/covenant/portal/internal/access"
	"github.com/covenant-hub/covenant/portal/internal/config"
	"github.com/covenant-hub/covenant/portal/internal/store"
)

// Ledger is the slice of the store the reconciler writes to.
type Ledger interface {
	ApplyDonation(ctx context.Context, d *store.Donation, upgrade *store.TierUpgrade) (bool, error)
	UpdateSubscriptionStatus(ctx context.Context, subscriptionID, status string) (int64, error)
	GetWebhookEvent(ctx context.Context, id string) (*store.WebhookEvent, error)
	SaveWebhookEvent(ctx context.Context, ev *store.WebhookEvent) error
}

// Result describes what a reconciled event did to the ledger.
type Result struct {
	EventID   string
	EventType string
	Outcome   string          // store.WebhookApplied, WebhookDuplicate or WebhookIgnored
	Donation  *store.Donation // set when a new ledger row was inserted
	Updated   int64           // rows touched by a subscription cancellation
}

// Reconciler applies verified provider events to the donation ledger.
type Reconciler struct {
	provider Provider
	ledger   Ledger
	currency string
	prices   config.TierPrices
	logger   *slog.Logger
	now      func() time.Time
}

// NewReconciler creates a reconciler. currency is used when an event does not
// carry one. A tier named in event metadata is granted only when the paid
// amount meets its price in prices.
func NewReconciler(provider Provider, ledger Ledger, currency string, prices config.TierPrices, logger *slog.Logger) *Reconciler {
	if currency == "" {
		currency = "usd"
	}
	return &Reconciler{
		provider: provider,
		ledger:   ledger,
		currency: strings.ToLower(currency),
		prices:   prices,
		logger:   logger.With("component", "reconciler"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle verifies payload against signature and applies the event. Errors
// wrap ErrInvalidSignature or ErrWriteFailed.
func (r *Reconciler) Handle(ctx context.Context, payload []byte, signature string) (*Result, error) {
	ev, err := r.provider.VerifyEvent(payload, signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	res := &Result{EventID: ev.ID, EventType: ev.Type}
	logger := r.logger.With("event_id", ev.ID, "event_type", ev.Type)

	seen, err := r.ledger.GetWebhookEvent(ctx, ev.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: lookup event: %v", ErrWriteFailed, err)
	}
	if seen != nil {
		logger.Info("event already processed", "outcome", seen.Outcome)
		res.Outcome = store.WebhookDuplicate
		return res, nil
	}

	switch ev.Type {
	case EventCheckoutCompleted:
		err = r.applyCheckout(ctx, ev, res)
	case EventInvoicePaid:
		err = r.applyInvoice(ctx, ev, res)
	case EventSubscriptionDeleted:
		err = r.applySubscriptionDeleted(ctx, ev, res)
	default:
		logger.Info("ignoring unhandled event type")
		res.Outcome = store.WebhookIgnored
	}
	if err != nil {
		return nil, err
	}

	if err := r.ledger.SaveWebhookEvent(ctx, &store.WebhookEvent{
		ID:         ev.ID,
		Type:       ev.Type,
		Outcome:    res.Outcome,
		ReceivedAt: r.now(),
	}); err != nil {
		return nil, fmt.Errorf("%w: record event: %v", ErrWriteFailed, err)
	}

	logger.Info("event reconciled", "outcome", res.Outcome)
	return res, nil
}

func (r *Reconciler) applyCheckout(ctx context.Context, ev *Event, res *Result) error {
	cs := ev.CheckoutSession
	if cs == nil || cs.ID == "" {
		res.Outcome = store.WebhookIgnored
		return nil
	}

	d := &store.Donation{
		ID:              uuid.New().String(),
		MemberID:        cs.Metadata[MetaMemberID],
		AmountCents:     cs.AmountTotal,
		Currency:        r.currencyOr(cs.Currency),
		Frequency:       frequencyFromMetadata(cs.Metadata),
		Status:          store.DonationCompleted,
		DonationType:    cs.Metadata[MetaType],
		DonorEmail:      firstNonEmpty(cs.CustomerEmail, cs.Metadata[MetaDonor]),
		ProviderRef:     cs.ID,
		ProviderEventID: ev.ID,
		SessionID:       cs.ID,
		PaymentIntentID: cs.PaymentIntentID,
		SubscriptionID:  cs.SubscriptionID,
		CreatedAt:       r.now(),
	}
	return r.insert(ctx, d, r.tierUpgrade(d, cs.Metadata), res)
}

func (r *Reconciler) applyInvoice(ctx context.Context, ev *Event, res *Result) error {
	inv := ev.Invoice
	if inv != nil && inv.SubscriptionID == "" && strings.HasPrefix(inv.BillingReason, "subscription") {
		// Newer API versions move the subscription reference out of the
		// field this client decodes.
		r.logger.Warn("subscription invoice carries no subscription id, skipping",
			"event_id", ev.ID, "invoice_id", inv.ID, "billing_reason", inv.BillingReason)
	}
	if inv == nil || inv.SubscriptionID == "" {
		r.logger.Debug("invoice without subscription, skipping", "event_id", ev.ID)
		res.Outcome = store.WebhookIgnored
		return nil
	}

	sub, err := r.provider.RetrieveSubscription(ctx, inv.SubscriptionID)
	if err != nil {
		return fmt.Errorf("%w: retrieve subscription %s: %v", ErrWriteFailed, inv.SubscriptionID, err)
	}
	meta := sub.Metadata

	d := &store.Donation{
		ID:              uuid.New().String(),
		MemberID:        meta[MetaMemberID],
		AmountCents:     inv.AmountPaid,
		Currency:        r.currencyOr(inv.Currency),
		Frequency:       store.FrequencyMonthly,
		Status:          store.DonationCompleted,
		DonationType:    meta[MetaType],
		DonorEmail:      firstNonEmpty(inv.CustomerEmail, meta[MetaDonor]),
		ProviderRef:     inv.ID,
		ProviderEventID: ev.ID,
		PaymentIntentID: inv.PaymentIntentID,
		SubscriptionID:  inv.SubscriptionID,
		CreatedAt:       r.now(),
	}
	return r.insert(ctx, d, r.tierUpgrade(d, meta), res)
}

func (r *Reconciler) applySubscriptionDeleted(ctx context.Context, ev *Event, res *Result) error {
	sub := ev.Subscription
	if sub == nil || sub.ID == "" {
		res.Outcome = store.WebhookIgnored
		return nil
	}
	n, err := r.ledger.UpdateSubscriptionStatus(ctx, sub.ID, SubscriptionStatusCanceled)
	if err != nil {
		return fmt.Errorf("%w: cancel subscription %s: %v", ErrWriteFailed, sub.ID, err)
	}
	res.Updated = n
	res.Outcome = store.WebhookApplied
	return nil
}

func (r *Reconciler) insert(ctx context.Context, d *store.Donation, upgrade *store.TierUpgrade, res *Result) error {
	inserted, err := r.ledger.ApplyDonation(ctx, d, upgrade)
	if err != nil {
		return fmt.Errorf("%w: insert donation %s: %v", ErrWriteFailed, d.ProviderRef, err)
	}
	if !inserted {
		// Same charge delivered under a different event id.
		res.Outcome = store.WebhookDuplicate
		return nil
	}
	res.Outcome = store.WebhookApplied
	res.Donation = d
	return nil
}

func (r *Reconciler) currencyOr(c string) string {
	if c == "" {
		return r.currency
	}
	return strings.ToLower(c)
}

// frequencyFromMetadata maps metadata.frequency to a ledger frequency.
// Missing or unknown values are treated as one-time.
func frequencyFromMetadata(meta map[string]string) string {
	if strings.EqualFold(meta[MetaFrequency], store.FrequencyMonthly) {
		return store.FrequencyMonthly
	}
	return store.FrequencyOnce
}

// tierUpgrade builds the member upgrade carried in metadata. An unrecognized
// tier, a foreign currency or an amount below the tier's price yields none.
func (r *Reconciler) tierUpgrade(d *store.Donation, meta map[string]string) *store.TierUpgrade {
	memberID := meta[MetaMemberID]
	if memberID == "" {
		return nil
	}
	tier, ok := access.ParseTier(meta[MetaTier])
	if !ok || tier == access.TierFree {
		return nil
	}
	logger := r.logger.With("member_id", memberID, "tier", tier.String(), "provider_ref", d.ProviderRef)
	if d.Currency != r.currency {
		logger.Warn("donation currency differs from tier prices, tier not granted", "currency", d.Currency)
		return nil
	}
	price, ok := r.prices.Minimum(tier.String(), d.Frequency)
	if !ok {
		logger.Warn("tier has no price for this frequency, tier not granted", "frequency", d.Frequency)
		return nil
	}
	if d.AmountCents < price {
		logger.Warn("donation below tier price, tier not granted",
			"amount_cents", d.AmountCents, "price_cents", price, "frequency", d.Frequency)
		return nil
	}
	return &store.TierUpgrade{
		MemberID: memberID,
		Tier:     tier.String(),
		Keep:     access.AtLeast(tier),
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
