// Package verifier authenticates inbound provider webhooks against the raw
// request body.
package verifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/quotaledger/internal/pkg/config"
)

var (
	ErrMissingHeader        = errors.New("required signature header missing")
	ErrSignatureMismatch    = errors.New("signature mismatch")
	ErrSecretNotConfigured  = errors.New("verification secret not configured")
	ErrTimestampOutOfRange  = errors.New("signature timestamp outside tolerance")
	ErrMalformedPayload     = errors.New("payload is not a valid event envelope")
	ErrProviderUnavailable  = errors.New("provider verification endpoint unavailable")
	ErrUnsupportedProvider  = errors.New("provider has no verifier")
	ErrInvalidSignatureForm = errors.New("signature header malformed")
)

// VerificationError is returned for every rejected delivery. It never carries
// secret material or the raw signature.
type VerificationError struct {
	Provider string
	Reason   error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%s webhook verification failed: %v", e.Provider, e.Reason)
}

func (e *VerificationError) Unwrap() error { return e.Reason }

func reject(provider string, reason error) error {
	return &VerificationError{Provider: provider, Reason: reason}
}

// Headers is a case-insensitive view over request headers.
type Headers map[string]string

// NewHeaders builds Headers from a multi-value header map, keeping the first value.
func NewHeaders(in map[string][]string) Headers {
	h := make(Headers, len(in))
	for k, v := range in {
		if len(v) > 0 {
			h[strings.ToLower(k)] = v[0]
		}
	}
	return h
}

func (h Headers) Get(name string) string {
	return strings.TrimSpace(h[strings.ToLower(name)])
}

// VerifiedEvent is an authenticated delivery with its envelope decoded.
// Payload is the untouched request body.
type VerifiedEvent struct {
	Provider   string
	EventID    string
	EventType  string
	OccurredAt time.Time
	ReceivedAt time.Time
	Payload    []byte
	// Unverified is set when verification was bypassed outside production.
	Unverified bool
}

// Verifier checks one provider's deliveries.
type Verifier interface {
	Provider() string
	Verify(ctx context.Context, rawBody []byte, headers Headers) (*VerifiedEvent, error)
}

// Registry dispatches to the verifier of the named provider and applies the
// secret policy from ProviderConfig.
type Registry struct {
	cfg       *config.ProviderConfig
	verifiers map[string]Verifier
	now       func() time.Time
}

func NewRegistry(cfg *config.ProviderConfig, verifiers ...Verifier) *Registry {
	r := &Registry{
		cfg:       cfg,
		verifiers: make(map[string]Verifier, len(verifiers)),
		now:       time.Now,
	}
	for _, v := range verifiers {
		r.verifiers[v.Provider()] = v
	}
	return r
}

// Enabled reports whether provider has an active webhook route.
func (r *Registry) Enabled(provider string) bool {
	_, ok := r.verifiers[provider]
	return ok && r.cfg.Enabled(provider)
}

func (r *Registry) Verify(ctx context.Context, provider string, rawBody []byte, headers Headers) (*VerifiedEvent, error) {
	v, ok := r.verifiers[provider]
	if !ok || !r.cfg.Enabled(provider) {
		return nil, reject(provider, ErrUnsupportedProvider)
	}

	if !r.cfg.SecretConfigured(provider) {
		if !r.cfg.BypassVerification(provider) {
			log.Errorf("[Verifier] %s webhook rejected: secret not configured", provider)
			return nil, reject(provider, ErrSecretNotConfigured)
		}
		ev, err := decodeEnvelope(provider, rawBody, headers)
		if err != nil {
			return nil, reject(provider, err)
		}
		ev.Unverified = true
		ev.ReceivedAt = r.now()
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = ev.ReceivedAt
		}
		log.Warnf("[Verifier] !!! %s event %s (%s) accepted WITHOUT signature verification !!!", provider, ev.EventID, ev.EventType)
		return ev, nil
	}

	ev, err := v.Verify(ctx, rawBody, headers)
	if err != nil {
		var verr *VerificationError
		if !errors.As(err, &verr) {
			err = reject(provider, err)
		}
		return nil, err
	}
	ev.ReceivedAt = r.now()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = ev.ReceivedAt
	}
	return ev, nil
}

// payloadHash is the fallback event identity for providers that do not send
// an event id.
func payloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return "hash:" + hex.EncodeToString(sum[:])
}
