package verifier

import (
	"context"
	"errors"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/ManuelReschke/quotaledger/app/models"
	"github.com/ManuelReschke/quotaledger/internal/pkg/config"
)

// StripeVerifier checks the Stripe-Signature header (t=...,v1=...) with the
// stripe-go webhook helpers.
type StripeVerifier struct {
	cfg *config.StripeConfig
}

func NewStripeVerifier(cfg *config.StripeConfig) *StripeVerifier {
	return &StripeVerifier{cfg: cfg}
}

func (v *StripeVerifier) Provider() string { return models.BillingProviderStripe }

func (v *StripeVerifier) Verify(_ context.Context, rawBody []byte, headers Headers) (*VerifiedEvent, error) {
	sig := headers.Get(HeaderStripeSignature)
	if sig == "" {
		return nil, reject(v.Provider(), ErrMissingHeader)
	}

	event, err := webhook.ConstructEventWithOptions(rawBody, sig, v.cfg.WebhookSecret, webhook.ConstructEventOptions{
		Tolerance:                v.cfg.Tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrNotSigned):
			return nil, reject(v.Provider(), ErrMissingHeader)
		case errors.Is(err, webhook.ErrInvalidHeader):
			return nil, reject(v.Provider(), ErrInvalidSignatureForm)
		case errors.Is(err, webhook.ErrTooOld):
			return nil, reject(v.Provider(), ErrTimestampOutOfRange)
		case errors.Is(err, webhook.ErrNoValidSignature):
			return nil, reject(v.Provider(), ErrSignatureMismatch)
		default:
			return nil, reject(v.Provider(), ErrMalformedPayload)
		}
	}

	ev := &VerifiedEvent{
		Provider:  v.Provider(),
		EventID:   event.ID,
		EventType: string(event.Type),
		Payload:   rawBody,
	}
	if event.Created > 0 {
		ev.OccurredAt = time.Unix(event.Created, 0).UTC()
	}
	if ev.EventID == "" {
		ev.EventID = payloadHash(rawBody)
	}
	return ev, nil
}
