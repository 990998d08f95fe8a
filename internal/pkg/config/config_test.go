package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/quotaledger/app/models"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(map[string]string{}, true)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Processing.WebhookTimeout)
	assert.Equal(t, 4, cfg.Processing.Workers)
	assert.Equal(t, "@hourly", cfg.Processing.ReconcileSchedule)
	assert.Equal(t, 90*24*time.Hour, cfg.Processing.RetentionWindow)
	assert.Equal(t, 5*time.Minute, cfg.Providers.Stripe.Tolerance)
	assert.True(t, cfg.Providers.Production)
	assert.False(t, cfg.Providers.Enabled(models.BillingProviderStripe))
}

func TestLoadParsesProviders(t *testing.T) {
	cfg, err := Load(map[string]string{
		"STRIPE_ENABLED":        "true",
		"STRIPE_WEBHOOK_SECRET": "whsec_test",
		"STRIPE_PLAN_PRICES":    "price_pro:pro,price_ent:enterprise",
		"PAYPAL_ENABLED":        "true",
		"PAYPAL_WEBHOOK_ID":     "WH-1",
		"PAYPAL_CLIENT_ID":      "client",
		"PAYPAL_CLIENT_SECRET":  "secret",
	}, true)
	require.NoError(t, err)

	assert.True(t, cfg.Providers.SecretConfigured(models.BillingProviderStripe))
	assert.True(t, cfg.Providers.SecretConfigured(models.BillingProviderPaypal))
	assert.Equal(t, map[string]string{"price_pro": "pro", "price_ent": "enterprise"}, cfg.Providers.PlanRefs(models.BillingProviderStripe))
	assert.False(t, cfg.Providers.BypassVerification(models.BillingProviderStripe))
}

func TestLoadMissingSecret(t *testing.T) {
	tests := []struct {
		name       string
		environ    map[string]string
		production bool
		wantErr    error
		bypass     bool
	}{
		{
			name:       "production refuses enabled provider without secret",
			environ:    map[string]string{"PADDLE_ENABLED": "true"},
			production: true,
			wantErr:    ErrMissingSecret,
		},
		{
			name:       "production refuses bypass flag",
			environ:    map[string]string{"ALLOW_UNVERIFIED_WEBHOOKS": "true"},
			production: true,
			wantErr:    ErrBypassInProduction,
		},
		{
			name:       "dev with flag bypasses",
			environ:    map[string]string{"PADDLE_ENABLED": "true", "ALLOW_UNVERIFIED_WEBHOOKS": "true"},
			production: false,
			bypass:     true,
		},
		{
			name:       "dev without flag loads but does not bypass",
			environ:    map[string]string{"PADDLE_ENABLED": "true"},
			production: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.environ, tt.production)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bypass, cfg.Providers.BypassVerification(models.BillingProviderPaddle))
		})
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	_, err := Load(map[string]string{"WEBHOOK_WORKERS": "0"}, false)
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Load(map[string]string{"WEBHOOK_PROCESSING_TIMEOUT": "soon"}, false)
	require.ErrorIs(t, err, ErrInvalidConfig)
}
