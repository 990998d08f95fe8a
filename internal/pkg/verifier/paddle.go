package verifier

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"

	"github.com/ManuelReschke/quotaledger/app/models"
	"github.com/ManuelReschke/quotaledger/internal/pkg/config"
)

const paddleTolerance = 5 * time.Minute

// PaddleVerifier checks Paddle-Signature (ts=...;h1=...) through the Paddle
// SDK verifier, which works on *http.Request.
type PaddleVerifier struct {
	verifier *paddle.WebhookVerifier
	now      func() time.Time
}

func NewPaddleVerifier(cfg *config.PaddleConfig) *PaddleVerifier {
	return &PaddleVerifier{
		verifier: paddle.NewWebhookVerifier(cfg.WebhookSecret),
		now:      time.Now,
	}
}

func (v *PaddleVerifier) Provider() string { return models.BillingProviderPaddle }

func (v *PaddleVerifier) Verify(ctx context.Context, rawBody []byte, headers Headers) (*VerifiedEvent, error) {
	sig := headers.Get(HeaderPaddleSignature)
	if sig == "" {
		return nil, reject(v.Provider(), ErrMissingHeader)
	}

	ts, ok := paddleTimestamp(sig)
	if !ok {
		return nil, reject(v.Provider(), ErrInvalidSignatureForm)
	}
	if d := v.now().Sub(ts); d > paddleTolerance || d < -paddleTolerance {
		return nil, reject(v.Provider(), ErrTimestampOutOfRange)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhooks/paddle", bytes.NewReader(rawBody))
	if err != nil {
		return nil, reject(v.Provider(), err)
	}
	req.Header.Set(HeaderPaddleSignature, sig)

	valid, err := v.verifier.Verify(req)
	if err != nil {
		return nil, reject(v.Provider(), ErrInvalidSignatureForm)
	}
	if !valid {
		return nil, reject(v.Provider(), ErrSignatureMismatch)
	}

	ev, err := decodeEnvelope(v.Provider(), rawBody, headers)
	if err != nil {
		return nil, reject(v.Provider(), err)
	}
	return ev, nil
}

func paddleTimestamp(header string) (time.Time, bool) {
	for _, part := range strings.Split(header, ";") {
		k, val, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found || k != "ts" {
			continue
		}
		sec, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(sec, 0), true
	}
	return time.Time{}, false
}
