package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/quotaledger/app/models"
	"github.com/ManuelReschke/quotaledger/internal/pkg/events"
	"github.com/ManuelReschke/quotaledger/internal/pkg/subscription"
	"github.com/ManuelReschke/quotaledger/internal/pkg/testutil"
)

var now = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

type fixture struct {
	db      *gorm.DB
	machine *subscription.Machine
	ledger  *Ledger
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	m := subscription.NewMachine(subscription.NewStore(db), subscription.WithClock(clock))
	l := NewLedger(db, m, nil)
	l.SetClock(clock)
	return &fixture{db: db, machine: m, ledger: l}
}

func (f *fixture) subscribe(t *testing.T, userID uint, plan string) {
	t.Helper()
	start := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	_, err := f.machine.Apply(context.Background(), events.ActivateSubscription{
		Envelope:    events.Envelope{Provider: models.BillingProviderStripe, ProviderSubID: "sub_" + plan, OccurredAt: start, UserID: userID},
		Plan:        plan,
		PeriodStart: &start,
		PeriodEnd:   &end,
	})
	require.NoError(t, err)
}

func (f *fixture) preload(t *testing.T, userID uint, feature models.Feature, used int64) {
	t.Helper()
	d, err := f.ledger.CheckAndIncrement(context.Background(), userID, feature, 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	col, _ := feature.Column()
	require.NoError(t, f.db.Model(&models.UsagePeriod{}).Where("user_id = ?", userID).UpdateColumn(col, used).Error)
}

func TestCheckAndIncrementFreePlan(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d, err := f.ledger.CheckAndIncrement(ctx, 1, models.FeatureArticles, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed, "article %d", i)
		assert.Equal(t, int64(i), d.Used)
		assert.Equal(t, int64(5-i), d.Remaining)
	}

	d, err := f.ledger.CheckAndIncrement(ctx, 1, models.FeatureArticles, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(5), d.Used)
	assert.Equal(t, "monthly articles limit reached - upgrade to continue", d.Reason)
	assert.ErrorIs(t, d.Err(), ErrQuotaExceeded)
}

func TestAmountLargerThanRemaining(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	d, err := f.ledger.CheckAndIncrement(ctx, 1, models.FeatureImages, 20)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = f.ledger.CheckAndIncrement(ctx, 1, models.FeatureImages, 6)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(20), d.Used, "denied requests do not count")
}

func TestConcurrentIncrementsNeverOvershoot(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.subscribe(t, 2, models.PlanPro)
	f.preload(t, 2, models.FeatureArticles, 99)

	var wg sync.WaitGroup
	results := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := f.ledger.CheckAndIncrement(ctx, 2, models.FeatureArticles, 1)
			assert.NoError(t, err)
			results <- d.Allowed
		}()
	}
	wg.Wait()
	close(results)

	allowed := 0
	for ok := range results {
		if ok {
			allowed++
		}
	}
	assert.Equal(t, 1, allowed)

	snap, err := f.ledger.CurrentUsage(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(100), snap.Features[0].Used)
}

func TestManyConcurrentIncrements(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := f.ledger.CheckAndIncrement(ctx, 3, models.FeatureImages, 1)
			if assert.NoError(t, err) && d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 25, allowed)
}

func TestDowngradeMidPeriod(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.subscribe(t, 4, models.PlanEnterprise)

	d, err := f.ledger.CheckAndIncrement(ctx, 4, models.FeatureImages, 40)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	assert.Equal(t, int64(-1), d.Remaining)

	_, err = f.machine.Apply(ctx, events.UpdateSubscription{
		Envelope:      events.Envelope{Provider: models.BillingProviderStripe, ProviderSubID: "sub_" + models.PlanEnterprise, OccurredAt: now.Add(-time.Hour)},
		Plan:          models.PlanFree,
		PlanImmediate: true,
	})
	require.NoError(t, err)

	d, err = f.ledger.CheckAndIncrement(ctx, 4, models.FeatureImages, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(25), d.Limit)
	assert.Equal(t, int64(40), d.Used)

	d, err = f.ledger.CheckAndIncrement(ctx, 4, models.FeatureArticles, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestUnlimitedPlan(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.subscribe(t, 5, models.PlanEnterprise)

	d, err := f.ledger.CheckAndIncrement(ctx, 5, models.FeatureVideos, 10_000)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(10_000), d.Used)
}

func TestInvalidInput(t *testing.T) {
	f := setup(t)
	_, err := f.ledger.CheckAndIncrement(context.Background(), 1, models.Feature("podcasts"), 1)
	assert.ErrorIs(t, err, ErrUnknownFeature)
	_, err = f.ledger.CheckAndIncrement(context.Background(), 1, models.FeatureImages, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestNewPeriodStartsFresh(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.subscribe(t, 6, models.PlanPro)

	d, err := f.ledger.CheckAndIncrement(ctx, 6, models.FeatureVideos, 50)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	f.ledger.SetClock(func() time.Time { return now.AddDate(0, 1, 0) })
	d, err = f.ledger.CheckAndIncrement(ctx, 6, models.FeatureVideos, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Used)
	assert.Equal(t, time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC), d.PeriodStart)

	var rows int64
	require.NoError(t, f.db.Model(&models.UsagePeriod{}).Where("user_id = ?", 6).Count(&rows).Error)
	assert.Equal(t, int64(2), rows, "old periods are kept")
}

func TestShiftedPeriodKeepsCounters(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	t0 := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	derivedStart := t0.Add(3 * time.Second)

	_, err := f.machine.Apply(ctx, events.ActivateSubscription{
		Envelope: events.Envelope{Provider: models.BillingProviderStripe, ProviderSubID: "sub_shift", OccurredAt: derivedStart, UserID: 8},
		Plan:     models.PlanPro,
	})
	require.NoError(t, err)
	f.preload(t, 8, models.FeatureArticles, 100)

	end := t0.AddDate(0, 1, 0)
	_, err = f.machine.Apply(ctx, events.UpdateSubscription{
		Envelope:    events.Envelope{Provider: models.BillingProviderStripe, ProviderSubID: "sub_shift", OccurredAt: t0},
		Status:      models.SubscriptionStatusActive,
		PeriodStart: &t0,
		PeriodEnd:   &end,
	})
	require.NoError(t, err)
	sub, err := f.machine.Current(ctx, 8)
	require.NoError(t, err)
	require.Equal(t, t0, sub.PeriodStart.UTC())

	d, err := f.ledger.CheckAndIncrement(ctx, 8, models.FeatureArticles, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(100), d.Used)
	assert.Equal(t, derivedStart, d.PeriodStart)

	snap, err := f.ledger.CurrentUsage(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, derivedStart, snap.PeriodStart)

	var rows int64
	require.NoError(t, f.db.Model(&models.UsagePeriod{}).Where("user_id = ?", 8).Count(&rows).Error)
	assert.Equal(t, int64(1), rows)
}

func TestWindow(t *testing.T) {
	start := time.Date(2026, 9, 15, 8, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	lapsedStart := start.AddDate(0, -1, 0)
	lapsedEnd := start

	tests := []struct {
		name      string
		sub       models.Subscription
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "inside paid period",
			sub:       models.Subscription{PeriodStart: &start, PeriodEnd: &end},
			wantStart: start,
			wantEnd:   end,
		},
		{
			name:      "lapsed period rolls forward",
			sub:       models.Subscription{PeriodStart: &lapsedStart, PeriodEnd: &lapsedEnd},
			wantStart: lapsedEnd,
			wantEnd:   lapsedEnd.AddDate(0, 1, 0),
		},
		{
			name:      "free user anchored on creation",
			sub:       models.Subscription{CreatedAt: time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC)},
			wantStart: time.Date(2026, 9, 20, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, e := Window(&tt.sub, now)
			assert.Equal(t, tt.wantStart, s)
			assert.Equal(t, tt.wantEnd, e)
		})
	}
}
