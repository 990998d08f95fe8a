package verifier

import (
	"context"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/quotaledger/app/models"
	"github.com/ManuelReschke/quotaledger/internal/pkg/config"
	"github.com/ManuelReschke/quotaledger/internal/pkg/paypal"
)

// PaypalSignatureChecker is the out-of-band verification call.
type PaypalSignatureChecker interface {
	VerifyWebhookSignature(ctx context.Context, webhookID string, t paypal.Transmission, rawEvent []byte) (bool, error)
}

// PaypalVerifier delegates authenticity to PayPal's verify-webhook-signature
// endpoint. All transmission headers must be present before the call is made.
type PaypalVerifier struct {
	cfg    *config.PaypalConfig
	client PaypalSignatureChecker
}

func NewPaypalVerifier(cfg *config.PaypalConfig, client PaypalSignatureChecker) *PaypalVerifier {
	return &PaypalVerifier{cfg: cfg, client: client}
}

func (v *PaypalVerifier) Provider() string { return models.BillingProviderPaypal }

func (v *PaypalVerifier) Verify(ctx context.Context, rawBody []byte, headers Headers) (*VerifiedEvent, error) {
	t := paypal.Transmission{
		AuthAlgo:         headers.Get(paypal.HeaderAuthAlgo),
		CertURL:          headers.Get(paypal.HeaderCertURL),
		TransmissionID:   headers.Get(paypal.HeaderTransmissionID),
		TransmissionSig:  headers.Get(paypal.HeaderTransmissionSig),
		TransmissionTime: headers.Get(paypal.HeaderTransmissionTime),
	}
	if t.AuthAlgo == "" || t.CertURL == "" || t.TransmissionID == "" || t.TransmissionSig == "" || t.TransmissionTime == "" {
		return nil, reject(v.Provider(), ErrMissingHeader)
	}

	ev, err := decodeEnvelope(v.Provider(), rawBody, headers)
	if err != nil {
		return nil, reject(v.Provider(), err)
	}

	ok, err := v.client.VerifyWebhookSignature(ctx, v.cfg.WebhookID, t, rawBody)
	if err != nil {
		log.Warnf("[Verifier] paypal verification call failed for event %s: %v", ev.EventID, err)
		return nil, reject(v.Provider(), ErrProviderUnavailable)
	}
	if !ok {
		return nil, reject(v.Provider(), ErrSignatureMismatch)
	}
	return ev, nil
}
