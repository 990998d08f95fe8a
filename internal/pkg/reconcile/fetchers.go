package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
	"github.com/stripe/stripe-go/v82"
	stripesub "github.com/stripe/stripe-go/v82/subscription"

	"github.com/ManuelReschke/quotaledger/app/models"
	"github.com/ManuelReschke/quotaledger/internal/pkg/config"
	"github.com/ManuelReschke/quotaledger/internal/pkg/events"
	"github.com/ManuelReschke/quotaledger/internal/pkg/patreon"
	"github.com/ManuelReschke/quotaledger/internal/pkg/paypal"
)

// ErrRemoteNotFound means the provider no longer knows the reference.
var ErrRemoteNotFound = errors.New("subscription unknown to provider")

// ProviderState is the provider's view of one subscription. An empty Status
// means the provider status has no lifecycle meaning here (past due) and
// is not compared.
type ProviderState struct {
	Status            string
	PlanRefs          []string
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	CancelAtPeriodEnd bool
	// CancelDeferred marks a cancelled Status whose access runs to the end
	// of the paid period, as the live webhook treats it.
	CancelDeferred    bool
}

// Fetcher reads authoritative subscription state from one provider.
type Fetcher interface {
	Provider() string
	Fetch(ctx context.Context, ref string) (*ProviderState, error)
}

// NewFetchers returns a fetcher for every enabled provider that has API
// credentials.
func NewFetchers(cfg *config.ProviderConfig, paypalClient *paypal.Client, patreonClient *patreon.Client) []Fetcher {
	var out []Fetcher
	if cfg.Stripe.Enabled && cfg.Stripe.APIKey != "" {
		out = append(out, NewStripeFetcher(cfg.Stripe.APIKey, nil))
	}
	if cfg.Paddle.Enabled && cfg.Paddle.APIKey != "" {
		if f, err := NewPaddleFetcher(&cfg.Paddle, ""); err == nil {
			out = append(out, f)
		}
	}
	if cfg.Paypal.Enabled && paypalClient != nil {
		out = append(out, &PaypalFetcher{client: paypalClient})
	}
	if cfg.Patreon.Enabled && patreonClient != nil && patreonClient.AccessToken != "" {
		out = append(out, &PatreonFetcher{client: patreonClient})
	}
	return out
}

type StripeFetcher struct {
	client stripesub.Client
}

// NewStripeFetcher uses the default API backend when backend is nil.
func NewStripeFetcher(apiKey string, backend stripe.Backend) *StripeFetcher {
	if backend == nil {
		backend = stripe.GetBackend(stripe.APIBackend)
	}
	return &StripeFetcher{client: stripesub.Client{B: backend, Key: apiKey}}
}

func (f *StripeFetcher) Provider() string { return models.BillingProviderStripe }

func (f *StripeFetcher) Fetch(ctx context.Context, ref string) (*ProviderState, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := f.client.Get(ref, params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: stripe %s", ErrRemoteNotFound, ref)
		}
		return nil, err
	}

	st := &ProviderState{
		Status:            stripeStatus(string(sub.Status)),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			if item.Price != nil {
				if item.Price.LookupKey != "" {
					st.PlanRefs = append(st.PlanRefs, item.Price.LookupKey)
				}
				st.PlanRefs = append(st.PlanRefs, item.Price.ID)
			}
			if st.PeriodEnd == nil && item.CurrentPeriodEnd > 0 {
				st.PeriodStart = unixTime(item.CurrentPeriodStart)
				st.PeriodEnd = unixTime(item.CurrentPeriodEnd)
			}
		}
	}
	return st, nil
}

// stripeStatus extends the live mapping with the terminal states a fetched
// subscription can be in.
func stripeStatus(s string) string {
	switch s {
	case "canceled":
		return models.SubscriptionStatusCancelled
	case "incomplete_expired":
		return models.SubscriptionStatusExpired
	}
	return events.StripeStatus(s)
}

type PaddleFetcher struct {
	sdk *paddle.SDK
}

// NewPaddleFetcher talks to the sandbox when cfg.Sandbox is set. A non-empty
// baseURL overrides the API host.
func NewPaddleFetcher(cfg *config.PaddleConfig, baseURL string) (*PaddleFetcher, error) {
	var opts []paddle.Option
	if baseURL != "" {
		opts = append(opts, paddle.WithBaseURL(baseURL))
	}
	var (
		sdk *paddle.SDK
		err error
	)
	if cfg.Sandbox {
		sdk, err = paddle.NewSandbox(cfg.APIKey, opts...)
	} else {
		sdk, err = paddle.New(cfg.APIKey, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("paddle client: %w", err)
	}
	return &PaddleFetcher{sdk: sdk}, nil
}

func (f *PaddleFetcher) Provider() string { return models.BillingProviderPaddle }

func (f *PaddleFetcher) Fetch(ctx context.Context, ref string) (*ProviderState, error) {
	sub, err := f.sdk.SubscriptionsClient.GetSubscription(ctx, &paddle.GetSubscriptionRequest{SubscriptionID: ref})
	if err != nil {
		if strings.Contains(err.Error(), "not_found") {
			return nil, fmt.Errorf("%w: paddle %s", ErrRemoteNotFound, ref)
		}
		return nil, err
	}
	return paddleState(sub), nil
}

func paddleState(sub *paddle.Subscription) *ProviderState {
	st := &ProviderState{Status: paddleStatus(string(sub.Status))}
	if p := sub.CurrentBillingPeriod; p != nil {
		st.PeriodStart = parseTime(p.StartsAt)
		st.PeriodEnd = parseTime(p.EndsAt)
	}
	if c := sub.ScheduledChange; c != nil && string(c.Action) == "cancel" {
		st.CancelAtPeriodEnd = true
	}
	for _, item := range sub.Items {
		st.PlanRefs = append(st.PlanRefs, item.Price.ID)
	}
	return st
}

func paddleStatus(s string) string {
	if s == "canceled" {
		return models.SubscriptionStatusCancelled
	}
	return events.PaddleStatus(s)
}

type PaypalFetcher struct {
	client *paypal.Client
}

func NewPaypalFetcher(client *paypal.Client) *PaypalFetcher {
	return &PaypalFetcher{client: client}
}

func (f *PaypalFetcher) Provider() string { return models.BillingProviderPaypal }

func (f *PaypalFetcher) Fetch(ctx context.Context, ref string) (*ProviderState, error) {
	sub, err := f.client.GetSubscription(ctx, ref)
	if err != nil {
		if errors.Is(err, paypal.ErrSubscriptionNotFound) {
			return nil, fmt.Errorf("%w: paypal %s", ErrRemoteNotFound, ref)
		}
		return nil, err
	}

	st := &ProviderState{
		Status:    paypalStatus(sub.Status),
		PeriodEnd: parseTime(sub.BillingInfo.NextBillingTime),
	}
	// a cancelled PayPal subscription stays usable until the paid period ends
	st.CancelDeferred = strings.EqualFold(sub.Status, "CANCELLED")
	if sub.PlanID != "" {
		st.PlanRefs = []string{sub.PlanID}
	}
	if start := parseTime(sub.BillingInfo.LastPayment.Time); start != nil {
		st.PeriodStart = start
	} else {
		st.PeriodStart = parseTime(sub.StartTime)
	}
	return st, nil
}

func paypalStatus(s string) string {
	return events.PaypalStatus(s)
}

type PatreonFetcher struct {
	client *patreon.Client
}

func NewPatreonFetcher(client *patreon.Client) *PatreonFetcher {
	return &PatreonFetcher{client: client}
}

func (f *PatreonFetcher) Provider() string { return models.BillingProviderPatreon }

func (f *PatreonFetcher) Fetch(ctx context.Context, ref string) (*ProviderState, error) {
	m, err := f.client.GetMember(ctx, ref)
	if err != nil {
		if errors.Is(err, patreon.ErrMemberNotFound) {
			return nil, fmt.Errorf("%w: patreon %s", ErrRemoteNotFound, ref)
		}
		return nil, err
	}
	return &ProviderState{
		Status:      patreon.MembershipStatus(m.PatronStatus),
		PlanRefs:    m.TierIDs,
		PeriodStart: m.LastChargeDate,
		PeriodEnd:   m.NextChargeDate,
	}, nil
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func parseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
