// Package store defines the storage interface for the portal and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by updates that matched no row. Getters return
// (nil, nil) instead.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface for the portal.
type Store interface {
	// Members
	CreateMember(ctx context.Context, m *Member) error
	GetMember(ctx context.Context, id string) (*Member, error)
	GetMemberByUsername(ctx context.Context, username string) (*Member, error)
	GetMemberByExternalID(ctx context.Context, externalID string) (*Member, error)
	ListMembers(ctx context.Context, limit, offset int) ([]Member, error)
	UpdateMemberTier(ctx context.Context, id, tier string) error
	AnonymizeMember(ctx context.Context, id string) error

	// Content
	CreateContent(ctx context.Context, item *ContentItem) error
	GetContent(ctx context.Context, id string) (*ContentItem, error)
	ListContent(ctx context.Context, filter ContentFilter) ([]ContentItem, error)
	IncrementContentCounter(ctx context.Context, id string, counter Counter) error

	// Donations
	ApplyDonation(ctx context.Context, d *Donation, upgrade *TierUpgrade) (bool, error)
	UpdateSubscriptionStatus(ctx context.Context, subscriptionID, status string) (int64, error)
	ListDonationsByMember(ctx context.Context, memberID string) ([]Donation, error)
	ListDonations(ctx context.Context, limit, offset int) ([]Donation, error)
	ListDonationsBySubscription(ctx context.Context, subscriptionID string) ([]Donation, error)

	// Webhook events
	GetWebhookEvent(ctx context.Context, id string) (*WebhookEvent, error)
	SaveWebhookEvent(ctx context.Context, ev *WebhookEvent) error

	// Check-ins
	RecordCheckIn(ctx context.Context, c *CheckIn) (bool, error)
	ListCheckInDays(ctx context.Context, memberID, since string) ([]string, error)
	ListCheckInMembers(ctx context.Context, since string) ([]string, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Member represents a person with a portal account.
type Member struct {
	ID           string     `json:"id"`
	ExternalID   string     `json:"external_id,omitempty"` // hosted IdP subject or empty
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	DisplayName  string     `json:"display_name"`
	Email        string     `json:"email,omitempty"`
	Tier         string     `json:"tier"` // free, member, partner, covenant
	Role         string     `json:"role"` // member, staff, admin
	AnonymizedAt *time.Time `json:"anonymized_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Content kinds.
const (
	KindResource = "resource"
	KindTeaching = "teaching"
	KindProphecy = "prophecy"
)

// ValidKind reports whether kind is a known content kind.
func ValidKind(kind string) bool {
	switch kind {
	case KindResource, KindTeaching, KindProphecy:
		return true
	}
	return false
}

// ContentItem is a tier-gated unit of content. FileRef is the protected payload.
type ContentItem struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	Slug          string    `json:"slug"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	TierRequired  string    `json:"tier_required"`
	FileRef       string    `json:"-"`
	ViewCount     int64     `json:"view_count"`
	DownloadCount int64     `json:"download_count"`
	CreatedBy     string    `json:"created_by,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ContentFilter narrows ListContent.
type ContentFilter struct {
	Kind   string
	Limit  int
	Offset int
}

// Counter selects which content counter to bump.
type Counter int

const (
	CounterViews Counter = iota
	CounterDownloads
)

func (c Counter) column() (string, error) {
	switch c {
	case CounterViews:
		return "view_count", nil
	case CounterDownloads:
		return "download_count", nil
	}
	return "", fmt.Errorf("unknown counter %d", c)
}

// Donation frequencies.
const (
	FrequencyOnce    = "once"
	FrequencyMonthly = "monthly"
)

// Donation statuses.
const (
	DonationPending   = "pending"
	DonationCompleted = "completed"
	DonationFailed    = "failed"
	DonationRefunded  = "refunded"
)

// Donation is one ledger entry for a completed charge.
type Donation struct {
	ID                 string    `json:"id"`
	MemberID           string    `json:"member_id,omitempty"`
	AmountCents        int64     `json:"amount_cents"`
	Currency           string    `json:"currency"`
	Frequency          string    `json:"frequency"`
	Status             string    `json:"status"`
	DonationType       string    `json:"type,omitempty"`
	DonorEmail         string    `json:"donor_email,omitempty"`
	ProviderRef        string    `json:"provider_ref"` // checkout session or invoice id; unique
	ProviderEventID    string    `json:"provider_event_id"`
	SessionID          string    `json:"session_id,omitempty"`
	PaymentIntentID    string    `json:"payment_intent_id,omitempty"`
	SubscriptionID     string    `json:"subscription_id,omitempty"`
	SubscriptionStatus string    `json:"subscription_status,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Amount renders AmountCents in major units with two decimals.
func (d Donation) Amount() string {
	sign := ""
	cents := d.AmountCents
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// TierUpgrade raises a member's tier when the donation is recorded. Members
// whose current tier is listed in Keep are left alone, so an upgrade never
// lowers a tier.
type TierUpgrade struct {
	MemberID string
	Tier     string
	Keep     []string
}

// Webhook event outcomes.
const (
	WebhookApplied   = "applied"
	WebhookDuplicate = "duplicate"
	WebhookIgnored   = "ignored"
)

// WebhookEvent records a processed provider event.
type WebhookEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Outcome    string    `json:"outcome"`
	ReceivedAt time.Time `json:"received_at"`
}

// CheckIn is one member check-in on a UTC calendar day (YYYY-MM-DD).
type CheckIn struct {
	MemberID  string    `json:"member_id"`
	Day       string    `json:"day"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	ActorID   string          `json:"actor_id,omitempty"`
	SubjectID string          `json:"subject_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditFilter specifies criteria for filtering audit events.
type AuditFilter struct {
	Action    string
	ActorID   string
	SubjectID string
	Limit     int
	Offset    int
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// anonymizedUsername keeps the username column unique after erasure.
func anonymizedUsername(id string) string {
	return "deleted-" + id
}
