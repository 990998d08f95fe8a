package verifier

import (
	"github.com/ManuelReschke/quotaledger/internal/pkg/config"
	"github.com/ManuelReschke/quotaledger/internal/pkg/paypal"
)

// NewDefaultRegistry wires one verifier per provider from configuration.
func NewDefaultRegistry(cfg *config.ProviderConfig, paypalClient *paypal.Client) *Registry {
	return NewRegistry(cfg,
		NewStripeVerifier(&cfg.Stripe),
		NewPaddleVerifier(&cfg.Paddle),
		NewPatreonVerifier(&cfg.Patreon),
		NewPaypalVerifier(&cfg.Paypal, paypalClient),
	)
}
