package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configJSON := `{
		"server": {
			"addr": ":8080",
			"allowed_origins": ["http://localhost:3000"]
		},
		"auth": {
			"jwt_secret": "my-super-secret-jwt-key-at-least-32",
			"jwt_expiry": "2h",
			"initial_admin": {"username": "pastor", "password": "shepherd-123"}
		},
		"storage": {
			"driver": "sqlite",
			"dsn": "test.db",
			"audit_retention": "72h"
		},
		"access": {"unknown_tier_policy": "open"},
		"files": {"driver": "s3", "s3_bucket": "sermons", "s3_region": "us-east-1", "url_expiry": "5m"},
		"billing": {
			"enabled": true,
			"stripe_secret_key": "sk_test_123",
			"stripe_webhook_secret": "whsec_123",
			"currency": "gbp",
			"tier_prices": {"partner": {"once": 7500, "monthly": 3000}}
		},
		"streaks": {"enabled": true, "interval": "12h", "min_streak": 5},
		"logging": {"level": "debug", "format": "text"},
		"rate_limit": {"requests_per_second": 20, "burst": 40}
	}`

	cfg, err := Load(writeTempConfig(t, configJSON))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr: got %q", cfg.Server.Addr)
	}
	if cfg.Auth.JWTExpiry.Duration != 2*time.Hour {
		t.Errorf("Auth.JWTExpiry: got %v", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Auth.Provider != "builtin" {
		t.Errorf("Auth.Provider default: got %q", cfg.Auth.Provider)
	}
	if cfg.Auth.InitialAdmin == nil || cfg.Auth.InitialAdmin.Username != "pastor" {
		t.Errorf("Auth.InitialAdmin: got %+v", cfg.Auth.InitialAdmin)
	}
	if cfg.Storage.AuditRetention.Duration != 72*time.Hour {
		t.Errorf("Storage.AuditRetention: got %v", cfg.Storage.AuditRetention.Duration)
	}
	if cfg.Access.UnknownTierPolicy != "open" {
		t.Errorf("Access.UnknownTierPolicy: got %q", cfg.Access.UnknownTierPolicy)
	}
	if cfg.Files.Driver != "s3" || cfg.Files.URLExpiry.Duration != 5*time.Minute {
		t.Errorf("Files: got %+v", cfg.Files)
	}
	if cfg.Billing.Currency != "gbp" {
		t.Errorf("Billing.Currency: got %q", cfg.Billing.Currency)
	}
	if price, ok := cfg.Billing.TierPrices.Minimum("partner", "monthly"); !ok || price != 3000 {
		t.Errorf("partner monthly price: got %d, %v", price, ok)
	}
	if _, ok := cfg.Billing.TierPrices.Minimum("covenant", "once"); ok {
		t.Error("covenant should not be purchasable when omitted from tier_prices")
	}
	if cfg.Streaks.Interval.Duration != 12*time.Hour || cfg.Streaks.MinStreak != 5 {
		t.Errorf("Streaks: got %+v", cfg.Streaks)
	}
	if cfg.Streaks.NotifyDelay.Duration != time.Second {
		t.Errorf("Streaks.NotifyDelay default: got %v", cfg.Streaks.NotifyDelay.Duration)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging: got %+v", cfg.Logging)
	}
	if cfg.RateLimit.RequestsPerSecond != 20 || cfg.RateLimit.Burst != 40 {
		t.Errorf("RateLimit: got %+v", cfg.RateLimit)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTempConfig(t, `{
		"server": {"addr": ":9090"},
		"auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32"}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "covenant.db" {
		t.Errorf("Storage defaults: got %+v", cfg.Storage)
	}
	if cfg.Access.UnknownTierPolicy != "closed" {
		t.Errorf("Access.UnknownTierPolicy default: got %q", cfg.Access.UnknownTierPolicy)
	}
	if cfg.Files.Driver != "static" {
		t.Errorf("Files.Driver default: got %q", cfg.Files.Driver)
	}
	if cfg.Billing.Enabled {
		t.Error("billing should be disabled by default")
	}
	if cfg.Server.MaxBodyBytes != 1024*1024 {
		t.Errorf("Server.MaxBodyBytes default: got %d", cfg.Server.MaxBodyBytes)
	}
	if cfg.Server.MaxWebhookBytes != 64*1024 {
		t.Errorf("Server.MaxWebhookBytes default: got %d", cfg.Server.MaxWebhookBytes)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "*" {
		t.Errorf("Server.AllowedOrigins default: got %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Auth.JWTExpiry.Duration != 24*time.Hour {
		t.Errorf("Auth.JWTExpiry default: got %v", cfg.Auth.JWTExpiry.Duration)
	}
	if price, ok := cfg.Billing.TierPrices.Minimum("covenant", "once"); !ok || price != 25000 {
		t.Errorf("default covenant price: got %d, %v", price, ok)
	}
}

func TestTierPricesMinimum(t *testing.T) {
	prices := TierPrices{
		"member":  {Once: 2500, Monthly: 1000},
		"partner": {Once: 5000},
	}
	tests := []struct {
		tier, frequency string
		want            int64
		ok              bool
	}{
		{"member", "once", 2500, true},
		{"member", "monthly", 1000, true},
		{"partner", "once", 5000, true},
		{"partner", "monthly", 0, false},
		{"covenant", "once", 0, false},
		{"free", "once", 0, false},
	}
	for _, tt := range tests {
		got, ok := prices.Minimum(tt.tier, tt.frequency)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Minimum(%s, %s) = %d, %v; want %d, %v", tt.tier, tt.frequency, got, ok, tt.want, tt.ok)
		}
	}
	var none TierPrices
	if _, ok := none.Minimum("member", "once"); ok {
		t.Error("nil table should price nothing")
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		wantErr string
	}{
		{
			name:    "missing addr",
			json:    `{"auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32"}}`,
			wantErr: "server.addr",
		},
		{
			name:    "short jwt secret",
			json:    `{"server": {"addr": ":1"}, "auth": {"jwt_secret": "short"}}`,
			wantErr: "at least 32",
		},
		{
			name:    "weak jwt secret",
			json:    `{"server": {"addr": ":1"}, "auth": {"jwt_secret": "local-dev-secret-for-testing-only-32chars!"}}`,
			wantErr: "weak",
		},
		{
			name:    "jwks without issuer",
			json:    `{"server": {"addr": ":1"}, "auth": {"provider": "jwks"}}`,
			wantErr: "jwks_issuer",
		},
		{
			name: "billing without webhook secret",
			json: `{"server": {"addr": ":1"}, "auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32"},
				"billing": {"enabled": true, "stripe_secret_key": "sk_test"}}`,
			wantErr: "stripe_webhook_secret",
		},
		{
			name: "bad tier policy",
			json: `{"server": {"addr": ":1"}, "auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32"},
				"access": {"unknown_tier_policy": "sometimes"}}`,
			wantErr: "unknown_tier_policy",
		},
		{
			name: "s3 without bucket",
			json: `{"server": {"addr": ":1"}, "auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32"},
				"files": {"driver": "s3"}}`,
			wantErr: "s3_bucket",
		},
		{
			name: "price for unknown tier",
			json: `{"server": {"addr": ":1"}, "auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32"},
				"billing": {"tier_prices": {"gold": {"once": 100}}}}`,
			wantErr: "tier_prices",
		},
		{
			name: "negative tier price",
			json: `{"server": {"addr": ":1"}, "auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32"},
				"billing": {"tier_prices": {"member": {"once": -1}}}}`,
			wantErr: "negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tt.json))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv(EnvStripeWebhookSecret, "whsec_from_env")
	t.Setenv(EnvStripeSecretKey, "sk_from_env")
	t.Setenv(EnvDatabaseDSN, "postgres://env/db")

	path := writeTempConfig(t, `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32"},
		"storage": {"driver": "postgres"},
		"billing": {"enabled": true}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Billing.StripeWebhookSecret != "whsec_from_env" {
		t.Errorf("StripeWebhookSecret: got %q", cfg.Billing.StripeWebhookSecret)
	}
	if cfg.Billing.StripeSecretKey != "sk_from_env" {
		t.Errorf("StripeSecretKey: got %q", cfg.Billing.StripeSecretKey)
	}
	if cfg.Storage.DSN != "postgres://env/db" {
		t.Errorf("Storage.DSN: got %q", cfg.Storage.DSN)
	}
}

func TestDotEnvFileNextToConfig(t *testing.T) {
	path := writeTempConfig(t, `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32"},
		"billing": {"enabled": true, "stripe_secret_key": "sk_test"}
	}`)
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := os.WriteFile(envPath, []byte(EnvStripeWebhookSecret+"=whsec_dotenv\n"), 0600); err != nil {
		t.Fatal(err)
	}
	// godotenv writes into the process environment; clear it afterwards.
	t.Cleanup(func() { _ = os.Unsetenv(EnvStripeWebhookSecret) })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Billing.StripeWebhookSecret != "whsec_dotenv" {
		t.Errorf("StripeWebhookSecret: got %q", cfg.Billing.StripeWebhookSecret)
	}
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	if err := d.UnmarshalJSON([]byte(`"90s"`)); err != nil || d.Duration != 90*time.Second {
		t.Errorf("string: got %v, %v", d.Duration, err)
	}
	if err := d.UnmarshalJSON([]byte(`30`)); err != nil || d.Duration != 30*time.Second {
		t.Errorf("number: got %v, %v", d.Duration, err)
	}
	if err := d.UnmarshalJSON([]byte(`true`)); err == nil {
		t.Error("expected error for bool")
	}
}

func TestGenerateRandomSecret(t *testing.T) {
	s, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	if len(s) != 64 {
		t.Errorf("len = %d, want 64", len(s))
	}
}
