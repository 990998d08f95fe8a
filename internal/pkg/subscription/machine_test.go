package subscription

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/quotaledger/app/models"
	"github.com/ManuelReschke/quotaledger/internal/pkg/events"
	"github.com/ManuelReschke/quotaledger/internal/pkg/testutil"
)

type staticCustomers map[string]uint

func (c staticCustomers) UserForCustomer(_ context.Context, provider, customerID string) (uint, error) {
	return c[provider+"/"+customerID], nil
}

func newMachine(t *testing.T, opts ...Option) *Machine {
	t.Helper()
	db := testutil.SetupTestDB(t)
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return NewMachine(NewStore(db), opts...)
}

func TestApplyLinksHintedUser(t *testing.T) {
	m := newMachine(t)
	ctx := context.Background()

	cmd := events.ActivateSubscription{
		Envelope:    events.Envelope{Provider: models.BillingProviderStripe, ProviderSubID: "sub_1", OccurredAt: t0, UserID: 7},
		Plan:        models.PlanPro,
		PeriodStart: ptr(t0),
		PeriodEnd:   ptr(t0.AddDate(0, 1, 0)),
	}
	res, err := m.Apply(ctx, cmd)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.True(t, res.Linked)

	stored, err := m.Store().FindByProviderRef(ctx, models.BillingProviderStripe, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, uint(7), stored.UserID)
	assert.Equal(t, models.PlanPro, stored.Plan)
	assert.Equal(t, int64(2), stored.Version)

	res, err = m.Apply(ctx, cmd)
	require.NoError(t, err)
	assert.False(t, res.Changed, "replay must not write")
}

func TestApplyResolvesCustomer(t *testing.T) {
	m := newMachine(t, WithCustomerResolver(staticCustomers{"paddle/ctm_1": 9}))

	res, err := m.Apply(context.Background(), events.UpdateSubscription{
		Envelope: events.Envelope{Provider: models.BillingProviderPaddle, ProviderSubID: "sub_p", CustomerID: "ctm_1", OccurredAt: t0},
		Status:   models.SubscriptionStatusActive,
	})
	require.NoError(t, err)
	assert.Equal(t, uint(9), res.Subscription.UserID)
	assert.Equal(t, "sub_p", res.Subscription.ProviderReference(models.BillingProviderPaddle))
}

func TestApplyUnknownReference(t *testing.T) {
	m := newMachine(t)
	_, err := m.Apply(context.Background(), events.RecordPayment{
		Envelope: events.Envelope{Provider: models.BillingProviderStripe, ProviderSubID: "sub_x", OccurredAt: t0},
		PaidAt:   t0,
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyDoesNotRelinkReplacedSubscription(t *testing.T) {
	m := newMachine(t)
	ctx := context.Background()

	_, err := m.Apply(ctx, events.ActivateSubscription{
		Envelope: events.Envelope{Provider: models.BillingProviderStripe, ProviderSubID: "sub_new", OccurredAt: t0, UserID: 3},
		Plan:     models.PlanPro,
	})
	require.NoError(t, err)

	_, err = m.Apply(ctx, events.CancelSubscription{
		Envelope:  events.Envelope{Provider: models.BillingProviderStripe, ProviderSubID: "sub_old", OccurredAt: at(time.Hour), UserID: 3},
		Effective: events.CancelImmediately,
	})
	assert.ErrorIs(t, err, ErrNotFound)

	cur, err := m.Current(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, cur.Status)
	assert.Equal(t, "sub_new", cur.ProviderReference(models.BillingProviderStripe))
}

func TestCurrentExpiresLazily(t *testing.T) {
	m := newMachine(t)
	ctx := context.Background()

	yesterday := now.Add(-24 * time.Hour)
	_, err := m.Apply(ctx, events.ActivateSubscription{
		Envelope:    events.Envelope{Provider: models.BillingProviderStripe, ProviderSubID: "sub_1", OccurredAt: yesterday.AddDate(0, -1, 0), UserID: 5},
		Plan:        models.PlanPro,
		PeriodStart: ptr(yesterday.AddDate(0, -1, 0)),
		PeriodEnd:   ptr(yesterday),
	})
	require.NoError(t, err)
	_, err = m.Apply(ctx, events.CancelSubscription{
		Envelope:  events.Envelope{Provider: models.BillingProviderStripe, ProviderSubID: "sub_1", OccurredAt: yesterday.Add(-time.Hour)},
		Effective: events.CancelAtPeriodEnd,
	})
	require.NoError(t, err)

	raw, err := m.Store().FindByUser(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, models.SubscriptionStatusActive, raw.Status, "stored row is stale")

	cur, err := m.Current(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusExpired, cur.Status)
	assert.Equal(t, models.PlanFree, cur.Plan)

	raw, err = m.Store().FindByUser(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusExpired, raw.Status, "expiry is persisted")
}

func TestCurrentProvisionsFreeRow(t *testing.T) {
	m := newMachine(t)
	cur, err := m.Current(context.Background(), 12)
	require.NoError(t, err)
	assert.Equal(t, models.PlanFree, cur.EffectivePlan())
	assert.NotEmpty(t, cur.ID)
}

func TestConcurrentPaymentsConverge(t *testing.T) {
	m := newMachine(t, WithMaxRetries(100))
	ctx := context.Background()
	_, err := m.Apply(ctx, events.ActivateSubscription{
		Envelope: events.Envelope{Provider: models.BillingProviderStripe, ProviderSubID: "sub_1", OccurredAt: t0, UserID: 1},
		Plan:     models.PlanPro,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paid := at(time.Duration(i) * time.Hour)
			_, err := m.Apply(ctx, events.RecordPayment{
				Envelope: events.Envelope{Provider: models.BillingProviderStripe, ProviderSubID: "sub_1", EventID: "in_" + strconv.Itoa(i), OccurredAt: paid},
				PaidAt:   paid,
				Amount:   int64(i * 100),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	cur, err := m.Store().FindByUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(800), cur.LastPaymentAmount)
	assert.Equal(t, at(8*time.Hour), cur.LastPaymentAt.UTC())
}

func TestRetriesExhausted(t *testing.T) {
	m := newMachine(t, WithMaxRetries(2))
	ctx := context.Background()
	row, err := m.Store().EnsureForUser(ctx, 4)
	require.NoError(t, err)

	stale := *row
	stale.Version = 99
	loads := 0
	_, err = m.run(ctx, events.ExpireSubscription{Envelope: env(t0)}, func(context.Context) (*models.Subscription, bool, error) {
		loads++
		s := stale
		return &s, false, nil
	})
	assert.ErrorIs(t, err, ErrConcurrentModification)
	assert.Equal(t, 3, loads)
}

func TestStoreUpdateVersioned(t *testing.T) {
	m := newMachine(t)
	ctx := context.Background()
	row, err := m.Store().EnsureForUser(ctx, 2)
	require.NoError(t, err)

	ok, err := m.Store().UpdateVersioned(ctx, row.ID, row.Version, map[string]interface{}{"plan": models.PlanPro})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Store().UpdateVersioned(ctx, row.ID, row.Version, map[string]interface{}{"plan": models.PlanEnterprise})
	require.NoError(t, err)
	assert.False(t, ok, "stale version must not write")

	again, err := m.Store().EnsureForUser(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, row.ID, again.ID)
	assert.Equal(t, models.PlanPro, again.Plan)
}
