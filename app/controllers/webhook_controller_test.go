package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/quotaledger/internal/pkg/verifier"
	"github.com/ManuelReschke/quotaledger/internal/pkg/webhook"
)

type fakeProcessor struct {
	status  webhook.Status
	err     error
	body    []byte
	headers verifier.Headers
}

func (f *fakeProcessor) Handle(_ context.Context, _ string, rawBody []byte, headers verifier.Headers) (webhook.Status, error) {
	f.body = rawBody
	f.headers = headers
	return f.status, f.err
}

func decode(t *testing.T, body io.Reader) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(body).Decode(&out))
	return out
}

func TestHandleWebhook(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		status     webhook.Status
		err        error
		wantCode   int
		wantStatus string
	}{
		{"claimed", webhook.StatusClaimed, nil, fiber.StatusOK, "claimed"},
		{"duplicate", webhook.StatusDuplicate, nil, fiber.StatusOK, "duplicate"},
		{"ignored", webhook.StatusIgnored, nil, fiber.StatusOK, "ignored"},
		{"bad signature", "", &verifier.VerificationError{Provider: "stripe", Reason: verifier.ErrSignatureMismatch}, fiber.StatusBadRequest, ""},
		{"unknown provider", "", &verifier.VerificationError{Provider: "square", Reason: verifier.ErrUnsupportedProvider}, fiber.StatusNotFound, ""},
		{"store down", "", webhook.ErrUnavailable, fiber.StatusServiceUnavailable, ""},
		{"unexpected", "", errors.New("boom"), fiber.StatusServiceUnavailable, ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			proc := &fakeProcessor{status: tt.status, err: tt.err}
			app := fiber.New()
			app.Post("/webhooks/:provider", NewWebhookController(proc).HandleWebhook)

			raw := `{"id":"evt_1",  "type":"x"}`
			req := httptest.NewRequest(fiber.MethodPost, "/webhooks/stripe", strings.NewReader(raw))
			req.Header.Set("Stripe-Signature", "t=1,v1=abc")
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, resp.StatusCode)

			// whitespace must survive untouched
			assert.Equal(t, raw, string(proc.body))
			assert.Equal(t, "t=1,v1=abc", proc.headers.Get("stripe-signature"))

			if tt.wantStatus != "" {
				out := decode(t, resp.Body)
				assert.Equal(t, true, out["received"])
				assert.Equal(t, tt.wantStatus, out["status"])
			}
		})
	}
}
