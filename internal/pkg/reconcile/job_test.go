package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/quotaledger/app/models"
	"github.com/ManuelReschke/quotaledger/internal/pkg/billing"
	"github.com/ManuelReschke/quotaledger/internal/pkg/config"
	"github.com/ManuelReschke/quotaledger/internal/pkg/events"
	"github.com/ManuelReschke/quotaledger/internal/pkg/metrics"
	"github.com/ManuelReschke/quotaledger/internal/pkg/testutil"
)

type fakeFetcher struct {
	provider string
	states   map[string]*ProviderState
}

func (f *fakeFetcher) Provider() string { return f.provider }

func (f *fakeFetcher) Fetch(_ context.Context, ref string) (*ProviderState, error) {
	st, ok := f.states[ref]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return st, nil
}

type fixture struct {
	db      *gorm.DB
	svc     *billing.Service
	stripe  *fakeFetcher
	start   time.Time
	end     time.Time
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	start := time.Now().UTC().Add(-24 * time.Hour).Truncate(time.Second)
	return &fixture{
		db:      db,
		svc:     billing.NewServiceFromDB(db, &config.ProviderConfig{}),
		stripe:  &fakeFetcher{provider: models.BillingProviderStripe, states: map[string]*ProviderState{}},
		start:   start,
		end:     start.AddDate(0, 1, 0),
		metrics: metrics.New(),
	}
}

func (f *fixture) activate(t *testing.T, provider, ref string, userID uint) {
	t.Helper()
	_, err := f.svc.Apply(context.Background(), events.ActivateSubscription{
		Envelope: events.Envelope{
			Provider:      provider,
			ProviderSubID: ref,
			EventID:       "evt_" + ref,
			OccurredAt:    f.start,
			UserID:        userID,
		},
		Plan:        models.PlanPro,
		PeriodStart: &f.start,
		PeriodEnd:   &f.end,
	})
	require.NoError(t, err)
}

func (f *fixture) job(opts ...Option) *Job {
	opts = append([]Option{WithMetrics(f.metrics)}, opts...)
	return NewJob(f.db, f.svc, []Fetcher{f.stripe}, opts...)
}

func TestLostCancellationIsCorrected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activate(t, models.BillingProviderStripe, "sub_lost", 5)
	f.stripe.states["sub_lost"] = &ProviderState{Status: models.SubscriptionStatusCancelled, PeriodEnd: &f.end}

	report, err := f.job().Run(ctx, models.ReconciliationTriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Corrected)
	require.Len(t, report.Divergences, 1)
	div := report.Divergences[0]
	assert.Equal(t, []string{"status"}, div.Fields)
	assert.Equal(t, models.SubscriptionStatusActive, div.LocalStatus)
	assert.Equal(t, "cancel", div.Command)

	sub, err := f.svc.Current(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusCancelled, sub.Status)
	assert.Equal(t, models.PlanFree, sub.Plan)

	// the next pass finds nothing to do
	report, err = f.job().Run(ctx, models.ReconciliationTriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Consistent)
	assert.Empty(t, report.Divergences)
}

func TestReportCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activate(t, models.BillingProviderStripe, "sub_ok", 1)
	f.activate(t, models.BillingProviderStripe, "sub_down", 2)
	f.activate(t, models.BillingProviderPatreon, "member_1", 3)
	f.activate(t, models.BillingProviderStripe, "sub_flag", 4)

	f.stripe.states["sub_ok"] = &ProviderState{Status: models.SubscriptionStatusActive, PeriodStart: &f.start, PeriodEnd: &f.end}
	f.stripe.states["sub_flag"] = &ProviderState{Status: models.SubscriptionStatusActive, PeriodStart: &f.start, PeriodEnd: &f.end, CancelAtPeriodEnd: true}

	job := f.job()
	report, err := job.Run(ctx, models.ReconciliationTriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Checked)
	assert.Equal(t, 1, report.Consistent)
	assert.Equal(t, 1, report.Corrected)
	assert.Equal(t, 1, report.Unreachable)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Failed)

	sub, err := f.svc.Current(ctx, 4)
	require.NoError(t, err)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, models.PlanPro, sub.Plan)

	last, err := job.LastRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, report.RunID, last.ID)
	assert.Equal(t, 4, last.Checked)
	assert.Equal(t, 1, last.Corrected)
	assert.NotNil(t, last.FinishedAt)
}

func TestProviderReactivationActivates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activate(t, models.BillingProviderStripe, "sub_back", 9)
	_, err := f.svc.Apply(ctx, events.CancelSubscription{
		Envelope:  events.Envelope{Provider: models.BillingProviderStripe, ProviderSubID: "sub_back", OccurredAt: f.start.Add(time.Hour)},
		Effective: events.CancelImmediately,
	})
	require.NoError(t, err)

	f.stripe.states["sub_back"] = &ProviderState{Status: models.SubscriptionStatusActive, PeriodStart: &f.start, PeriodEnd: &f.end}
	report, err := f.job().Run(ctx, models.ReconciliationTriggerManual)
	require.NoError(t, err)
	require.Len(t, report.Divergences, 1)
	assert.Equal(t, "activate", report.Divergences[0].Command)

	sub, err := f.svc.Current(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
}

func TestDeferredPaypalCancelKeepsAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	paypal := &fakeFetcher{provider: models.BillingProviderPaypal, states: map[string]*ProviderState{}}
	job := NewJob(f.db, f.svc, []Fetcher{paypal}, WithMetrics(f.metrics))

	f.activate(t, models.BillingProviderPaypal, "I-FLAGGED", 11)
	f.activate(t, models.BillingProviderPaypal, "I-MISSED", 12)
	_, err := f.svc.Apply(ctx, events.CancelSubscription{
		Envelope:  events.Envelope{Provider: models.BillingProviderPaypal, ProviderSubID: "I-FLAGGED", OccurredAt: f.start.Add(time.Hour)},
		Effective: events.CancelAtPeriodEnd,
		PeriodEnd: &f.end,
	})
	require.NoError(t, err)

	for _, ref := range []string{"I-FLAGGED", "I-MISSED"} {
		paypal.states[ref] = &ProviderState{Status: paypalStatus("CANCELLED"), CancelDeferred: true}
	}

	report, err := job.Run(ctx, models.ReconciliationTriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Consistent)
	assert.Equal(t, 1, report.Corrected)
	require.Len(t, report.Divergences, 1)
	assert.Equal(t, []string{"cancel_at_period_end"}, report.Divergences[0].Fields)
	assert.Equal(t, "update", report.Divergences[0].Command)

	for _, userID := range []uint{11, 12} {
		sub, err := f.svc.Current(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, models.SubscriptionStatusActive, sub.Status, "user %d", userID)
		assert.Equal(t, models.PlanPro, sub.EffectivePlan(), "user %d", userID)
		assert.True(t, sub.CancelAtPeriodEnd, "user %d", userID)
	}

	// once the paid period is over the cancellation takes effect
	lapsed := NewJob(f.db, f.svc, []Fetcher{paypal}, WithClock(func() time.Time { return f.end.Add(time.Hour) }))
	report, err = lapsed.Run(ctx, models.ReconciliationTriggerManual)
	require.NoError(t, err)
	require.Len(t, report.Divergences, 2)
	for _, div := range report.Divergences {
		assert.Equal(t, "cancel", div.Command)
	}
}

func TestDurationFollowsClock(t *testing.T) {
	f := newFixture(t)
	ticks := []time.Time{f.start, f.start.Add(2 * time.Second), f.start.Add(2 * time.Second)}
	i := 0
	clock := func() time.Time {
		ts := ticks[len(ticks)-1]
		if i < len(ticks) {
			ts = ticks[i]
		}
		i++
		return ts
	}
	report, err := f.job(WithClock(clock)).Run(context.Background(), models.ReconciliationTriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, report.Duration)
}

func TestLapsedRowMatchesEitherLapsedStatus(t *testing.T) {
	sub := &models.Subscription{Status: models.SubscriptionStatusExpired, Plan: models.PlanFree}
	assert.Empty(t, diff(sub, &ProviderState{Status: models.SubscriptionStatusCancelled}, ""))
	assert.Equal(t, []string{"status"}, diff(sub, &ProviderState{Status: models.SubscriptionStatusActive}, ""))
}

func TestRunIsExclusive(t *testing.T) {
	f := newFixture(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, mr.Set(lockKey, "other-instance"))
	_, err := f.job(WithLock(client)).Run(context.Background(), models.ReconciliationTriggerManual)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	mr.Del(lockKey)
	report, err := f.job(WithLock(client)).Run(context.Background(), models.ReconciliationTriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Checked)
	assert.False(t, mr.Exists(lockKey))
}
