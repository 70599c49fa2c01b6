package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"
)

const testWebhookSecret = "whsec_test_secret"

func sign(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func newTestStripe(t *testing.T) *StripeProvider {
	t.Helper()
	p, err := NewStripeProvider("sk_test_123", testWebhookSecret)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNewStripeProviderRequiresSecrets(t *testing.T) {
	if _, err := NewStripeProvider("sk_test_123", ""); err == nil {
		t.Error("expected error for empty webhook secret")
	}
	if _, err := NewStripeProvider("", "whsec_x"); err == nil {
		t.Error("expected error for empty secret key")
	}
}

func TestVerifyCheckoutEvent(t *testing.T) {
	p := newTestStripe(t)
	payload := []byte(`{
		"id": "evt_1",
		"object": "event",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_1",
			"object": "checkout.session",
			"amount_total": 5000,
			"currency": "usd",
			"payment_intent": "pi_1",
			"customer_details": {"email": "dorcas@example.org"},
			"metadata": {"frequency": "once", "type": "offering"}
		}}
	}`)

	ev, err := p.VerifyEvent(payload, sign(payload, testWebhookSecret, time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if ev.ID != "evt_1" || ev.Type != EventCheckoutCompleted {
		t.Errorf("unexpected event: %+v", ev)
	}
	cs := ev.CheckoutSession
	if cs == nil {
		t.Fatal("expected checkout session")
	}
	if cs.ID != "cs_1" || cs.AmountTotal != 5000 || cs.PaymentIntentID != "pi_1" {
		t.Errorf("unexpected session: %+v", cs)
	}
	if cs.CustomerEmail != "dorcas@example.org" || cs.Metadata["type"] != "offering" {
		t.Errorf("unexpected session details: %+v", cs)
	}
}

func TestVerifyInvoiceEvent(t *testing.T) {
	p := newTestStripe(t)
	payload := []byte(`{
		"id": "evt_2",
		"object": "event",
		"type": "invoice.payment_succeeded",
		"data": {"object": {
			"id": "in_1",
			"object": "invoice",
			"amount_paid": 2500,
			"currency": "usd",
			"billing_reason": "subscription_cycle",
			"subscription": "sub_1"
		}}
	}`)

	ev, err := p.VerifyEvent(payload, sign(payload, testWebhookSecret, time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Invoice == nil || ev.Invoice.SubscriptionID != "sub_1" || ev.Invoice.AmountPaid != 2500 {
		t.Fatalf("unexpected invoice: %+v", ev.Invoice)
	}
	if ev.Invoice.BillingReason != "subscription_cycle" {
		t.Errorf("billing reason = %q", ev.Invoice.BillingReason)
	}
}

func TestProductName(t *testing.T) {
	tests := map[string]string{
		"":       "Donation",
		"tithe":  "Tithe",
		"ébène":  "Ébène",
		"7 fold": "7 fold",
	}
	for in, want := range tests {
		if got := productName(in); got != want {
			t.Errorf("productName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestVerifyRejectsBadSignatures(t *testing.T) {
	p := newTestStripe(t)
	payload := []byte(`{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_1"}}}`)

	tests := []struct {
		name   string
		header string
	}{
		{"empty", ""},
		{"wrong secret", sign(payload, "whsec_other", time.Now())},
		{"stale timestamp", sign(payload, testWebhookSecret, time.Now().Add(-time.Hour))},
		{"garbage", "t=abc,v1=zzz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := p.VerifyEvent(payload, tt.header); err == nil {
				t.Error("expected verification error")
			}
		})
	}

	tampered := append([]byte{}, payload...)
	header := sign(payload, testWebhookSecret, time.Now())
	tampered[len(tampered)-3] = 'X'
	if _, err := p.VerifyEvent(tampered, header); err == nil {
		t.Error("expected error for tampered payload")
	}
}
