// Package billing reconciles payment provider webhook events with the
// donation ledger and creates checkout sessions.
package billing

import (
	"context"
	"errors"
)

var (
	// ErrInvalidSignature means the webhook payload failed verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrWriteFailed means the event was verified but the ledger write failed.
	// The provider is expected to retry.
	ErrWriteFailed = errors.New("ledger write failed")
)

// Event types handled by the reconciler.
const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventInvoicePaid           = "invoice.payment_succeeded"
	EventSubscriptionDeleted   = "customer.subscription.deleted"
	SubscriptionStatusCanceled = "canceled"
)

// Metadata keys attached to checkout sessions and subscriptions.
const (
	MetaFrequency = "frequency"
	MetaType      = "type"
	MetaDonor     = "donor"
	MetaMemberID  = "member_id"
	MetaTier      = "tier"
)

// Provider is a payment provider. VerifyEvent is the only way to obtain an
// Event; there is no unverified parsing path.
type Provider interface {
	VerifyEvent(payload []byte, signature string) (*Event, error)
	RetrieveSubscription(ctx context.Context, id string) (*Subscription, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
}

// Event is a verified provider event. Exactly one of the typed payloads is
// set for the handled event types.
type Event struct {
	ID              string
	Type            string
	CheckoutSession *CheckoutSession
	Invoice         *Invoice
	Subscription    *Subscription
}

// CheckoutSession is the subset of a checkout session the ledger needs.
type CheckoutSession struct {
	ID              string
	URL             string
	AmountTotal     int64
	Currency        string
	CustomerEmail   string
	PaymentIntentID string
	SubscriptionID  string
	Metadata        map[string]string
}

// Invoice is the subset of an invoice the ledger needs.
type Invoice struct {
	ID              string
	AmountPaid      int64
	Currency        string
	CustomerEmail   string
	PaymentIntentID string
	SubscriptionID  string
	BillingReason   string
}

// Subscription carries the metadata recorded at checkout.
type Subscription struct {
	ID       string
	Status   string
	Metadata map[string]string
}

// CheckoutRequest describes a donation checkout.
type CheckoutRequest struct {
	AmountCents  int64
	Currency     string
	Frequency    string
	DonationType string
	MemberID     string
	Email        string
	DonorName    string
	Tier         string
	SuccessURL   string
	CancelURL    string
}
