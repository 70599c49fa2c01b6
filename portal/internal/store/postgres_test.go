package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// Runs only when TEST_POSTGRES_DSN points at a disposable database.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	s, err := NewPostgres(dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresDonationLifecycle(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	m := &Member{
		ID: uuid.New().String(), Username: "pg-" + uuid.New().String()[:8],
		Tier: "free", Role: "member", CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateMember(ctx, m); err != nil {
		t.Fatal(err)
	}

	sub := "sub_" + uuid.New().String()
	d := testDonation("cs_" + uuid.New().String())
	d.MemberID = m.ID
	d.SubscriptionID = sub
	upgrade := &TierUpgrade{MemberID: m.ID, Tier: "partner", Keep: []string{"partner", "covenant"}}

	inserted, err := s.ApplyDonation(ctx, d, upgrade)
	if err != nil || !inserted {
		t.Fatalf("ApplyDonation = %v, %v", inserted, err)
	}
	inserted, err = s.ApplyDonation(ctx, d, upgrade)
	if err != nil || inserted {
		t.Fatalf("replayed ApplyDonation = %v, %v", inserted, err)
	}

	got, _ := s.GetMember(ctx, m.ID)
	if got.Tier != "partner" {
		t.Errorf("tier = %q, want partner", got.Tier)
	}

	n, err := s.UpdateSubscriptionStatus(ctx, sub, "canceled")
	if err != nil || n != 1 {
		t.Errorf("UpdateSubscriptionStatus = %d, %v", n, err)
	}
}

func TestPostgresPing(t *testing.T) {
	s := newTestPostgres(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
