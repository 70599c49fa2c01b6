package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/covenant-hub/covenant/portal/internal/store"
)

// StripeProvider implements Provider on top of the Stripe API.
type StripeProvider struct {
	api           *client.API
	webhookSecret string
}

// NewStripeProvider creates a Stripe provider. An empty webhook secret is a
// configuration error.
func NewStripeProvider(secretKey, webhookSecret string) (*StripeProvider, error) {
	if webhookSecret == "" {
		return nil, errors.New("stripe webhook secret is required")
	}
	if secretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return &StripeProvider{api: sc, webhookSecret: webhookSecret}, nil
}

// VerifyEvent checks the Stripe-Signature header and decodes the event payload.
func (p *StripeProvider) VerifyEvent(payload []byte, signature string) (*Event, error) {
	se, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, err
	}

	ev := &Event{ID: se.ID, Type: string(se.Type)}
	if se.Data == nil {
		return ev, nil
	}

	switch ev.Type {
	case EventCheckoutCompleted:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(se.Data.Raw, &cs); err != nil {
			return nil, fmt.Errorf("decode checkout session: %w", err)
		}
		ev.CheckoutSession = convertCheckoutSession(&cs)
	case EventInvoicePaid:
		var inv stripe.Invoice
		if err := json.Unmarshal(se.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("decode invoice: %w", err)
		}
		ev.Invoice = convertInvoice(&inv)
	case EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(se.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		ev.Subscription = convertSubscription(&sub)
	}
	return ev, nil
}

// RetrieveSubscription fetches a subscription to recover its metadata.
func (p *StripeProvider) RetrieveSubscription(ctx context.Context, id string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := p.api.Subscriptions.Get(id, params)
	if err != nil {
		return nil, err
	}
	return convertSubscription(sub), nil
}

// CreateCheckoutSession starts a hosted checkout for a one-time or monthly donation.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	meta := map[string]string{
		MetaFrequency: req.Frequency,
		MetaType:      req.DonationType,
		MetaMemberID:  req.MemberID,
	}
	if req.DonorName != "" {
		meta[MetaDonor] = req.DonorName
	}
	if req.Tier != "" {
		meta[MetaTier] = req.Tier
	}

	priceData := &stripe.CheckoutSessionLineItemPriceDataParams{
		Currency:   stripe.String(req.Currency),
		UnitAmount: stripe.Int64(req.AmountCents),
		ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(productName(req.DonationType)),
		},
	}

	params := &stripe.CheckoutSessionParams{
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{PriceData: priceData, Quantity: stripe.Int64(1)},
		},
		Metadata: meta,
	}
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	if req.Frequency == store.FrequencyMonthly {
		priceData.Recurring = &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
			Interval: stripe.String(string(stripe.PriceRecurringIntervalMonth)),
		}
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		// Invoices only reference the subscription, so it carries the metadata too.
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: meta}
	} else {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
	}
	params.Context = ctx

	cs, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, err
	}
	return convertCheckoutSession(cs), nil
}

// productName is the line item label shown on the hosted checkout page.
func productName(donationType string) string {
	r, size := utf8.DecodeRuneInString(donationType)
	if size == 0 {
		return "Donation"
	}
	return string(unicode.ToUpper(r)) + donationType[size:]
}

func convertCheckoutSession(cs *stripe.CheckoutSession) *CheckoutSession {
	out := &CheckoutSession{
		ID:            cs.ID,
		URL:           cs.URL,
		AmountTotal:   cs.AmountTotal,
		Currency:      string(cs.Currency),
		CustomerEmail: cs.CustomerEmail,
		Metadata:      cs.Metadata,
	}
	if cs.CustomerDetails != nil && cs.CustomerDetails.Email != "" {
		out.CustomerEmail = cs.CustomerDetails.Email
	}
	if cs.PaymentIntent != nil {
		out.PaymentIntentID = cs.PaymentIntent.ID
	}
	if cs.Subscription != nil {
		out.SubscriptionID = cs.Subscription.ID
	}
	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}
	return out
}

func convertInvoice(inv *stripe.Invoice) *Invoice {
	out := &Invoice{
		ID:            inv.ID,
		AmountPaid:    inv.AmountPaid,
		Currency:      string(inv.Currency),
		CustomerEmail: inv.CustomerEmail,
		BillingReason: string(inv.BillingReason),
	}
	if inv.PaymentIntent != nil {
		out.PaymentIntentID = inv.PaymentIntent.ID
	}
	if inv.Subscription != nil {
		out.SubscriptionID = inv.Subscription.ID
	}
	return out
}

func convertSubscription(sub *stripe.Subscription) *Subscription {
	out := &Subscription{ID: sub.ID, Status: string(sub.Status), Metadata: sub.Metadata}
	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}
	return out
}
