package verifier

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ManuelReschke/quotaledger/app/models"
)

const (
	HeaderStripeSignature  = "Stripe-Signature"
	HeaderPaddleSignature  = "Paddle-Signature"
	HeaderPatreonSignature = "X-Patreon-Signature"
	HeaderPatreonEvent     = "X-Patreon-Event"
)

type stripeEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
}

type paddleEnvelope struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
}

type paypalEnvelope struct {
	ID         string    `json:"id"`
	EventType  string    `json:"event_type"`
	CreateTime time.Time `json:"create_time"`
}

// decodeEnvelope extracts event identity without checking authenticity.
func decodeEnvelope(provider string, payload []byte, headers Headers) (*VerifiedEvent, error) {
	ev := &VerifiedEvent{Provider: provider, Payload: payload}

	switch provider {
	case models.BillingProviderStripe:
		var env stripeEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return nil, ErrMalformedPayload
		}
		ev.EventID, ev.EventType = env.ID, env.Type
		if env.Created > 0 {
			ev.OccurredAt = time.Unix(env.Created, 0).UTC()
		}
	case models.BillingProviderPaddle:
		var env paddleEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return nil, ErrMalformedPayload
		}
		ev.EventID, ev.EventType, ev.OccurredAt = env.EventID, env.EventType, env.OccurredAt.UTC()
	case models.BillingProviderPaypal:
		var env paypalEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return nil, ErrMalformedPayload
		}
		ev.EventID, ev.EventType, ev.OccurredAt = env.ID, env.EventType, env.CreateTime.UTC()
	case models.BillingProviderPatreon:
		if !json.Valid(payload) {
			return nil, ErrMalformedPayload
		}
		ev.EventID = payloadHash(payload)
		ev.EventType = strings.ToLower(headers.Get(HeaderPatreonEvent))
	default:
		return nil, ErrUnsupportedProvider
	}

	if ev.EventID == "" {
		ev.EventID = payloadHash(payload)
	}
	return ev, nil
}
