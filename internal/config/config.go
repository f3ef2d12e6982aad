// Package config loads the billing service configuration from the
// environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dukerupert/labeldesk/internal/billing/model"
)

// Rate limiter backends.
const (
	BackendStore  = "store"
	BackendMemory = "memory"
)

type Config struct {
	Port      int
	DBPath    string
	BaseURL   string
	LogLevel  string
	LogFormat string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration

	Limits           model.Limits
	RateLimitBackend string

	StripeSecretKey     string
	StripeWebhookSecret string
	StripePrices        Prices
	ProviderTimeout     time.Duration

	PostmarkToken string
	FromEmail     string

	Backup Backup
}

// Backup configures encrypted database snapshots in S3-compatible storage.
type Backup struct {
	Endpoint   string
	Bucket     string
	Region     string
	AccessKey  string
	SecretKey  string
	Prefix     string
	Passphrase string
	Retention  time.Duration
}

// Prices are the Stripe price ids per plan and period.
type Prices struct {
	PlusMonthly string
	PlusYearly  string
	ProMonthly  string
	ProYearly   string
}

// PaymentsEnabled reports whether a Stripe key is configured.
func (c *Config) PaymentsEnabled() bool {
	return c.StripeSecretKey != ""
}

// Load reads configuration from environment variables. A .env file is
// loaded if present but not required.
func Load() (*Config, error) {
	_ = godotenv.Load()

	port, err := envOrDefaultInt("BILLING_PORT", 8090)
	if err != nil {
		return nil, err
	}
	freeLimit, err := envOrDefaultInt("BILLING_FREE_LIMIT", model.DefaultLimits().Free)
	if err != nil {
		return nil, err
	}
	plusLimit, err := envOrDefaultInt("BILLING_PLUS_LIMIT", model.DefaultLimits().Plus)
	if err != nil {
		return nil, err
	}
	accessTTL, err := envOrDefaultDuration("BILLING_ACCESS_TTL", 15*time.Minute)
	if err != nil {
		return nil, err
	}
	refreshTTL, err := envOrDefaultDuration("BILLING_REFRESH_TTL", 30*24*time.Hour)
	if err != nil {
		return nil, err
	}
	providerTimeout, err := envOrDefaultDuration("BILLING_PROVIDER_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	retention, err := envOrDefaultDuration("BILLING_BACKUP_RETENTION", 30*24*time.Hour)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:      port,
		DBPath:    envOrDefault("BILLING_DB_PATH", "billing.db"),
		BaseURL:   envOrDefault("BILLING_BASE_URL", fmt.Sprintf("http://localhost:%d", port)),
		LogLevel:  envOrDefault("BILLING_LOG_LEVEL", "info"),
		LogFormat: envOrDefault("BILLING_LOG_FORMAT", "text"),

		JWTSecret:   strings.TrimSpace(os.Getenv("BILLING_JWT_SECRET")),
		JWTIssuer:   envOrDefault("BILLING_JWT_ISSUER", "labeldesk-billing"),
		JWTAudience: envOrDefault("BILLING_JWT_AUDIENCE", "labeldesk-desktop"),
		AccessTTL:   accessTTL,
		RefreshTTL:  refreshTTL,

		Limits:           model.Limits{Free: freeLimit, Plus: plusLimit},
		RateLimitBackend: strings.ToLower(envOrDefault("BILLING_RATE_LIMIT_BACKEND", BackendStore)),

		StripeSecretKey:     strings.TrimSpace(os.Getenv("STRIPE_SECRET_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripePrices: Prices{
			PlusMonthly: strings.TrimSpace(os.Getenv("STRIPE_PRICE_PLUS_MONTHLY")),
			PlusYearly:  strings.TrimSpace(os.Getenv("STRIPE_PRICE_PLUS_YEARLY")),
			ProMonthly:  strings.TrimSpace(os.Getenv("STRIPE_PRICE_PRO_MONTHLY")),
			ProYearly:   strings.TrimSpace(os.Getenv("STRIPE_PRICE_PRO_YEARLY")),
		},
		ProviderTimeout: providerTimeout,

		PostmarkToken: strings.TrimSpace(os.Getenv("BILLING_POSTMARK_TOKEN")),
		FromEmail:     envOrDefault("BILLING_FROM_EMAIL", "noreply@labeldesk.app"),

		Backup: Backup{
			Endpoint:   strings.TrimSpace(os.Getenv("BILLING_BACKUP_S3_ENDPOINT")),
			Bucket:     strings.TrimSpace(os.Getenv("BILLING_BACKUP_S3_BUCKET")),
			Region:     envOrDefault("BILLING_BACKUP_S3_REGION", "us-east-1"),
			AccessKey:  strings.TrimSpace(os.Getenv("BILLING_BACKUP_S3_ACCESS_KEY")),
			SecretKey:  strings.TrimSpace(os.Getenv("BILLING_BACKUP_S3_SECRET_KEY")),
			Prefix:     envOrDefault("BILLING_BACKUP_PREFIX", "billing"),
			Passphrase: os.Getenv("BILLING_BACKUP_PASSPHRASE"),
			Retention:  retention,
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate billing config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("missing required environment variable: BILLING_JWT_SECRET")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("BILLING_JWT_SECRET must be at least 32 bytes")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("BILLING_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.Limits.Free < 0 || c.Limits.Plus < 0 {
		return fmt.Errorf("label limits must not be negative")
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= c.AccessTTL {
		return fmt.Errorf("BILLING_REFRESH_TTL must exceed BILLING_ACCESS_TTL")
	}
	switch c.RateLimitBackend {
	case BackendStore, BackendMemory:
	default:
		return fmt.Errorf("BILLING_RATE_LIMIT_BACKEND must be %q or %q, got %q", BackendStore, BackendMemory, c.RateLimitBackend)
	}

	parsedBaseURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("BILLING_BASE_URL must be a valid URL: %w", err)
	}
	if parsedBaseURL.Scheme != "http" && parsedBaseURL.Scheme != "https" {
		return fmt.Errorf("BILLING_BASE_URL must use http or https scheme")
	}

	if c.PaymentsEnabled() {
		var missing []string
		if c.StripeWebhookSecret == "" {
			missing = append(missing, "STRIPE_WEBHOOK_SECRET")
		}
		if c.StripePrices.PlusMonthly == "" {
			missing = append(missing, "STRIPE_PRICE_PLUS_MONTHLY")
		}
		if c.StripePrices.ProMonthly == "" {
			missing = append(missing, "STRIPE_PRICE_PRO_MONTHLY")
		}
		if len(missing) > 0 {
			return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
		}
	}
	if c.Backup.Bucket != "" && c.Backup.Passphrase == "" {
		return fmt.Errorf("BILLING_BACKUP_PASSPHRASE is required when BILLING_BACKUP_S3_BUCKET is set")
	}
	if c.Backup.Retention <= 0 {
		return fmt.Errorf("BILLING_BACKUP_RETENTION must be positive")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
