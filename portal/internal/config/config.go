// Package config handles portal configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// Environment variables that override secrets from the config file.
const (
	EnvJWTSecret           = "PORTAL_JWT_SECRET"
	EnvDatabaseDSN         = "PORTAL_DATABASE_DSN"
	EnvStripeSecretKey     = "PORTAL_STRIPE_SECRET_KEY"
	EnvStripeWebhookSecret = "PORTAL_STRIPE_WEBHOOK_SECRET"
)

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level portal configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Access    AccessConfig    `json:"access,omitempty"`
	Files     FilesConfig     `json:"files,omitempty"`
	Billing   BillingConfig   `json:"billing,omitempty"`
	Streaks   StreaksConfig   `json:"streaks,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the portal's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"` // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // default 1MB
	// MaxWebhookBytes caps the raw webhook body; the signature covers every byte.
	MaxWebhookBytes int64 `json:"max_webhook_bytes,omitempty"` // default 64KB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider     string        `json:"provider,omitempty"` // "builtin" (default) or "jwks"
	JWKSIssuer   string        `json:"jwks_issuer,omitempty"`
	JWTSecret    string        `json:"jwt_secret"`
	JWTExpiry    Duration      `json:"jwt_expiry,omitempty"`
	InitialAdmin *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin member.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver         string   `json:"driver"` // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn"`
	AuditRetention Duration `json:"audit_retention,omitempty"`
}

// AccessConfig controls tier gating.
type AccessConfig struct {
	// UnknownTierPolicy is "closed" (default) or "open" for content whose
	// tier_required is not a recognized tier.
	UnknownTierPolicy string `json:"unknown_tier_policy,omitempty"`
}

// FilesConfig defines how protected payload references become URLs.
type FilesConfig struct {
	Driver    string   `json:"driver,omitempty"`   // "static" (default) or "s3"
	BaseURL   string   `json:"base_url,omitempty"` // static driver
	S3Bucket  string   `json:"s3_bucket,omitempty"`
	S3Region  string   `json:"s3_region,omitempty"`
	URLExpiry Duration `json:"url_expiry,omitempty"` // presigned URL lifetime; default 15m
}

// BillingConfig defines Stripe settings. Disabled by default.
type BillingConfig struct {
	Enabled             bool   `json:"enabled,omitempty"`
	StripeSecretKey     string `json:"stripe_secret_key,omitempty"`
	StripeWebhookSecret string `json:"stripe_webhook_secret,omitempty"`
	Currency            string `json:"currency,omitempty"` // default "usd"
	SuccessURL          string `json:"success_url,omitempty"`
	CancelURL           string `json:"cancel_url,omitempty"`
	// TierPrices is the smallest donation that grants each paid tier.
	TierPrices TierPrices `json:"tier_prices,omitempty"`
}

// TierPrice holds the minimum amounts in cents that grant a tier.
type TierPrice struct {
	Once    int64 `json:"once,omitempty"`
	Monthly int64 `json:"monthly,omitempty"`
}

// TierPrices maps a paid tier name to its price.
type TierPrices map[string]TierPrice

// DefaultTierPrices returns the prices used when billing.tier_prices is unset.
func DefaultTierPrices() TierPrices {
	return TierPrices{
		"member":   {Once: 2500, Monthly: 1000},
		"partner":  {Once: 5000, Monthly: 2500},
		"covenant": {Once: 25000, Monthly: 10000},
	}
}

// Minimum returns the smallest amount that grants tier at frequency. A tier
// without a positive price for that frequency cannot be bought.
func (p TierPrices) Minimum(tier, frequency string) (int64, bool) {
	price, ok := p[tier]
	if !ok {
		return 0, false
	}
	amount := price.Once
	if frequency == "monthly" {
		amount = price.Monthly
	}
	if amount <= 0 {
		return 0, false
	}
	return amount, true
}

// StreaksConfig defines the check-in streak warning job.
type StreaksConfig struct {
	Enabled     bool     `json:"enabled,omitempty"`
	Interval    Duration `json:"interval,omitempty"`     // default 24h
	MinStreak   int      `json:"min_streak,omitempty"`   // default 3
	NotifyDelay Duration `json:"notify_delay,omitempty"` // default 1s
	Lookback    Duration `json:"lookback,omitempty"`     // default 30 days
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads a config file, applies environment overrides and validates it.
// A .env file next to the config (or in the working directory) is loaded
// first; variables already set in the environment win.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := loadDotEnv(filepath.Dir(path)); err != nil {
		return nil, err
	}
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func loadDotEnv(dir string) error {
	for _, p := range []string{filepath.Join(dir, ".env"), ".env"} {
		err := godotenv.Load(p)
		if err == nil {
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvJWTSecret); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv(EnvDatabaseDSN); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv(EnvStripeSecretKey); v != "" {
		c.Billing.StripeSecretKey = v
	}
	if v := os.Getenv(EnvStripeWebhookSecret); v != "" {
		c.Billing.StripeWebhookSecret = v
	}
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret; generate a new one")
	}
	switch c.Auth.Provider {
	case "", "builtin":
	case "jwks":
		if c.Auth.JWKSIssuer == "" {
			return fmt.Errorf("auth.jwks_issuer is required when provider is jwks")
		}
	default:
		return fmt.Errorf("auth.provider %q is not supported", c.Auth.Provider)
	}
	switch c.Access.UnknownTierPolicy {
	case "", "open", "closed":
	default:
		return fmt.Errorf("access.unknown_tier_policy must be \"open\" or \"closed\"")
	}
	switch c.Files.Driver {
	case "", "static":
	case "s3":
		if c.Files.S3Bucket == "" {
			return fmt.Errorf("files.s3_bucket is required when driver is s3")
		}
	default:
		return fmt.Errorf("files.driver %q is not supported", c.Files.Driver)
	}
	if c.Billing.Enabled {
		// There is no unverified webhook mode.
		if c.Billing.StripeWebhookSecret == "" {
			return fmt.Errorf("billing.stripe_webhook_secret is required when billing is enabled")
		}
		if c.Billing.StripeSecretKey == "" {
			return fmt.Errorf("billing.stripe_secret_key is required when billing is enabled")
		}
	}
	for tier, price := range c.Billing.TierPrices {
		switch tier {
		case "member", "partner", "covenant":
		default:
			return fmt.Errorf("billing.tier_prices: %q is not a paid tier", tier)
		}
		if price.Once < 0 || price.Monthly < 0 {
			return fmt.Errorf("billing.tier_prices.%s: prices must not be negative", tier)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.Provider == "" {
		c.Auth.Provider = "builtin"
	}
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "covenant.db"
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = 365 * 24 * time.Hour
	}
	if c.Access.UnknownTierPolicy == "" {
		c.Access.UnknownTierPolicy = "closed"
	}
	if c.Files.Driver == "" {
		c.Files.Driver = "static"
	}
	if c.Files.URLExpiry.Duration == 0 {
		c.Files.URLExpiry.Duration = 15 * time.Minute
	}
	if c.Billing.Currency == "" {
		c.Billing.Currency = "usd"
	}
	if c.Billing.TierPrices == nil {
		c.Billing.TierPrices = DefaultTierPrices()
	}
	if c.Streaks.Interval.Duration == 0 {
		c.Streaks.Interval.Duration = 24 * time.Hour
	}
	if c.Streaks.MinStreak == 0 {
		c.Streaks.MinStreak = 3
	}
	if c.Streaks.NotifyDelay.Duration == 0 {
		c.Streaks.NotifyDelay.Duration = time.Second
	}
	if c.Streaks.Lookback.Duration == 0 {
		c.Streaks.Lookback.Duration = 30 * 24 * time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Server.MaxWebhookBytes == 0 {
		c.Server.MaxWebhookBytes = 64 * 1024 // 64KB
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
}
