package paypal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/quotaledger/internal/pkg/config"
)

func newTestServer(t *testing.T, tokenCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/oauth2/token":
			tokenCalls.Add(1)
			user, pass, ok := r.BasicAuth()
			if !ok || user != "cid" || pass != "csecret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
		case "/v1/notifications/verify-webhook-signature":
			var in map[string]json.RawMessage
			_ = json.NewDecoder(r.Body).Decode(&in)
			status := "FAILURE"
			if string(in["transmission_sig"]) == `"good"` && string(in["webhook_event"]) == `{"id":"WH-1"}` {
				status = "SUCCESS"
			}
			_, _ = w.Write([]byte(`{"verification_status":"` + status + `"}`))
		case "/v1/billing/subscriptions/I-ACTIVE":
			_, _ = w.Write([]byte(`{"id":"I-ACTIVE","status":"ACTIVE","plan_id":"P-PRO","billing_info":{"next_billing_time":"2026-11-01T00:00:00Z"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestVerifyWebhookSignature(t *testing.T) {
	var tokenCalls atomic.Int32
	srv := newTestServer(t, &tokenCalls)
	defer srv.Close()

	c := NewClient(&config.PaypalConfig{ClientID: "cid", ClientSecret: "csecret", BaseURL: srv.URL})
	raw := []byte(`{"id":"WH-1"}`)

	ok, err := c.VerifyWebhookSignature(context.Background(), "WH-CONF", Transmission{TransmissionSig: "good"}, raw)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.VerifyWebhookSignature(context.Background(), "WH-CONF", Transmission{TransmissionSig: "bad"}, raw)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, int32(1), tokenCalls.Load(), "token must be cached between calls")
}

func TestGetSubscription(t *testing.T) {
	var tokenCalls atomic.Int32
	srv := newTestServer(t, &tokenCalls)
	defer srv.Close()

	c := NewClient(&config.PaypalConfig{ClientID: "cid", ClientSecret: "csecret", BaseURL: srv.URL})

	sub, err := c.GetSubscription(context.Background(), "I-ACTIVE")
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", sub.Status)
	assert.Equal(t, "P-PRO", sub.PlanID)

	_, err = c.GetSubscription(context.Background(), "I-GONE")
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestClientRequiresCredentials(t *testing.T) {
	c := NewClient(&config.PaypalConfig{BaseURL: "http://127.0.0.1:1"})
	_, err := c.GetSubscription(context.Background(), "I-1")
	assert.ErrorIs(t, err, ErrNotConfigured)
}
