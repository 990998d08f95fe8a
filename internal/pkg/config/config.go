package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/quotaledger/app/models"
)

var (
	ErrMissingSecret      = errors.New("webhook verification secret not configured")
	ErrBypassInProduction = errors.New("unverified webhooks are not allowed in production")
	ErrInvalidConfig      = errors.New("invalid configuration")
)

var defaultValidator = validator.New()

type StripeConfig struct {
	Enabled       bool              `env:"ENABLED"`
	WebhookSecret string            `env:"WEBHOOK_SECRET"`
	APIKey        string            `env:"API_KEY"`
	Tolerance     time.Duration     `env:"TOLERANCE" envDefault:"5m" validate:"gt=0"`
	PlanPrices    map[string]string `env:"PLAN_PRICES" envSeparator:"," envKeyValSeparator:":"`
}

type PaypalConfig struct {
	Enabled      bool              `env:"ENABLED"`
	WebhookID    string            `env:"WEBHOOK_ID"`
	ClientID     string            `env:"CLIENT_ID"`
	ClientSecret string            `env:"CLIENT_SECRET"`
	BaseURL      string            `env:"BASE_URL" envDefault:"https://api-m.paypal.com" validate:"url"`
	PlanIDs      map[string]string `env:"PLAN_IDS" envSeparator:"," envKeyValSeparator:":"`
}

type PaddleConfig struct {
	Enabled       bool              `env:"ENABLED"`
	WebhookSecret string            `env:"WEBHOOK_SECRET"`
	APIKey        string            `env:"API_KEY"`
	Sandbox       bool              `env:"SANDBOX"`
	PlanPrices    map[string]string `env:"PLAN_PRICES" envSeparator:"," envKeyValSeparator:":"`
}

type PatreonConfig struct {
	Enabled       bool              `env:"ENABLED"`
	WebhookSecret string            `env:"WEBHOOK_SECRET"`
	AccessToken   string            `env:"CREATOR_ACCESS_TOKEN"`
	BaseURL       string            `env:"BASE_URL" envDefault:"https://www.patreon.com" validate:"url"`
	PlanTiers     map[string]string `env:"PLAN_TIERS" envSeparator:"," envKeyValSeparator:":"`
}

// ProviderConfig carries every provider credential. It is built once at
// start and handed to the components that need it.
type ProviderConfig struct {
	Stripe  StripeConfig  `envPrefix:"STRIPE_"`
	Paypal  PaypalConfig  `envPrefix:"PAYPAL_"`
	Paddle  PaddleConfig  `envPrefix:"PADDLE_"`
	Patreon PatreonConfig `envPrefix:"PATREON_"`

	// AllowUnverifiedWebhooks lets a provider without a secret through
	// verification. Refused in production.
	AllowUnverifiedWebhooks bool `env:"ALLOW_UNVERIFIED_WEBHOOKS"`
	Production              bool
}

type ProcessingConfig struct {
	WebhookTimeout       time.Duration `env:"WEBHOOK_PROCESSING_TIMEOUT" envDefault:"10s" validate:"gt=0"`
	Workers              int           `env:"WEBHOOK_WORKERS" envDefault:"4" validate:"min=1,max=256"`
	QueueSize            int           `env:"WEBHOOK_QUEUE_SIZE" envDefault:"256" validate:"min=1"`
	MaxConflictRetries   int           `env:"STATE_MAX_CONFLICT_RETRIES" envDefault:"5" validate:"min=1"`
	ReconcileSchedule    string        `env:"RECONCILE_SCHEDULE" envDefault:"@hourly" validate:"required"`
	ReconcileConcurrency int           `env:"RECONCILE_CONCURRENCY" envDefault:"4" validate:"min=1"`
	RetentionSchedule    string        `env:"RETENTION_SCHEDULE" envDefault:"@daily" validate:"required"`
	RetentionWindow      time.Duration `env:"WEBHOOK_RETENTION" envDefault:"2160h" validate:"gt=0"`
}

type RateLimitConfig struct {
	WebhookMax    int           `env:"WEBHOOK_RATE_LIMIT" envDefault:"600" validate:"min=1"`
	WebhookWindow time.Duration `env:"WEBHOOK_RATE_WINDOW" envDefault:"1m" validate:"gt=0"`
	QuotaMax      int           `env:"QUOTA_RATE_LIMIT" envDefault:"3000" validate:"min=1"`
}

type AuthConfig struct {
	JWTSecret          string `env:"JWT_SECRET"`
	InternalAPIKeyHash string `env:"INTERNAL_API_KEY_HASH"`
}

type ArchiveConfig struct {
	Bucket    string `env:"ARCHIVE_S3_BUCKET"`
	Region    string `env:"ARCHIVE_S3_REGION" envDefault:"eu-central-1"`
	Endpoint  string `env:"ARCHIVE_S3_ENDPOINT" validate:"omitempty,url"`
	AccessKey string `env:"ARCHIVE_S3_ACCESS_KEY"`
	SecretKey string `env:"ARCHIVE_S3_SECRET_KEY"`
	Prefix    string `env:"ARCHIVE_S3_PREFIX" envDefault:"webhook-events/"`
}

type Config struct {
	Providers  ProviderConfig
	Processing ProcessingConfig
	Auth       AuthConfig
	Archive    ArchiveConfig
	RateLimit  RateLimitConfig
}

// Load parses configuration from environ (the process environment when nil)
// and validates it. In production every enabled provider must have its
// verification secret.
func Load(environ map[string]string, production bool) (*Config, error) {
	cfg := &Config{}
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.Providers.Production = production

	if err := defaultValidator.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Providers.check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (p *ProviderConfig) check() error {
	if p.Production && p.AllowUnverifiedWebhooks {
		return ErrBypassInProduction
	}

	var errs []error
	for _, provider := range models.BillingProviders {
		if !p.Enabled(provider) || p.SecretConfigured(provider) {
			continue
		}
		switch {
		case p.Production:
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingSecret, provider))
		case p.AllowUnverifiedWebhooks:
			log.Warnf("[Config] !!! %s webhooks will be accepted WITHOUT signature verification (ALLOW_UNVERIFIED_WEBHOOKS=true) !!!", provider)
		default:
			log.Errorf("[Config] %s is enabled without a webhook secret; its webhook route will reject every request", provider)
		}
	}
	return errors.Join(errs...)
}

// Enabled reports whether the provider's webhook route is active.
func (p *ProviderConfig) Enabled(provider string) bool {
	switch provider {
	case models.BillingProviderStripe:
		return p.Stripe.Enabled
	case models.BillingProviderPaypal:
		return p.Paypal.Enabled
	case models.BillingProviderPaddle:
		return p.Paddle.Enabled
	case models.BillingProviderPatreon:
		return p.Patreon.Enabled
	}
	return false
}

// SecretConfigured reports whether everything needed to verify the
// provider's webhooks is present.
func (p *ProviderConfig) SecretConfigured(provider string) bool {
	switch provider {
	case models.BillingProviderStripe:
		return p.Stripe.WebhookSecret != ""
	case models.BillingProviderPaypal:
		return p.Paypal.WebhookID != "" && p.Paypal.ClientID != "" && p.Paypal.ClientSecret != ""
	case models.BillingProviderPaddle:
		return p.Paddle.WebhookSecret != ""
	case models.BillingProviderPatreon:
		return p.Patreon.WebhookSecret != ""
	}
	return false
}

// BypassVerification is true only outside production, with the explicit
// flag set, for a provider that has no secret.
func (p *ProviderConfig) BypassVerification(provider string) bool {
	return !p.Production && p.AllowUnverifiedWebhooks && !p.SecretConfigured(provider)
}

// PlanRefs returns the configured external reference → plan fallback map.
func (p *ProviderConfig) PlanRefs(provider string) map[string]string {
	switch provider {
	case models.BillingProviderStripe:
		return p.Stripe.PlanPrices
	case models.BillingProviderPaypal:
		return p.Paypal.PlanIDs
	case models.BillingProviderPaddle:
		return p.Paddle.PlanPrices
	case models.BillingProviderPatreon:
		return p.Patreon.PlanTiers
	}
	return nil
}
