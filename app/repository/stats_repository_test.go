package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/quotaledger/app/models"
	"github.com/ManuelReschke/quotaledger/internal/pkg/testutil"
)

func TestStatsRepository(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	day := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	subs := []models.Subscription{
		{ID: "a", UserID: 1, Plan: models.PlanPro, Status: models.SubscriptionStatusActive, Version: 1},
		{ID: "b", UserID: 2, Plan: models.PlanPro, Status: models.SubscriptionStatusActive, PendingPlan: models.PlanFree, Version: 1},
		{ID: "c", UserID: 3, Plan: models.PlanFree, Status: models.SubscriptionStatusExpired, Version: 1},
	}
	require.NoError(t, db.Create(&subs).Error)
	require.NoError(t, db.Create(&[]models.UsagePeriod{
		{UserID: 1, PeriodKind: models.UsagePeriodMonthly, PeriodStart: day, PeriodEnd: day.AddDate(0, 1, 0), ArticlesUsed: 3, ImagesUsed: 10},
		{UserID: 2, PeriodKind: models.UsagePeriodMonthly, PeriodStart: day, PeriodEnd: day.AddDate(0, 1, 0), ArticlesUsed: 4},
		{UserID: 2, PeriodKind: models.UsagePeriodMonthly, PeriodStart: day.AddDate(0, -1, 0), PeriodEnd: day, ArticlesUsed: 50},
	}).Error)
	require.NoError(t, db.Create(&[]models.ProcessedWebhookEvent{
		{Provider: "stripe", ProviderEventID: "e1", Outcome: models.WebhookOutcomeProcessed, ReceivedAt: day.Add(time.Hour)},
		{Provider: "stripe", ProviderEventID: "e2", Outcome: models.WebhookOutcomeIgnored, ReceivedAt: day.Add(2 * time.Hour)},
		{Provider: "paddle", ProviderEventID: "e1", Outcome: models.WebhookOutcomeProcessed, ReceivedAt: day.Add(26 * time.Hour)},
	}).Error)

	repo := NewFactory(db).GetStatsRepository()

	byStatus, err := repo.SubscriptionsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"active": 2, "expired": 1}, byStatus)

	byPlan, err := repo.SubscriptionsByPlan(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), byPlan[models.PlanPro])

	pending, err := repo.PendingDowngrades(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	totals, err := repo.UsageTotals(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, int64(7), totals[models.FeatureArticles])
	assert.Equal(t, int64(10), totals[models.FeatureImages])
	assert.Zero(t, totals[models.FeatureVideos])

	outcomes, err := repo.WebhooksByOutcome(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), outcomes[models.WebhookOutcomeProcessed])

	daily, err := repo.GetDailyWebhookStats(ctx, day, day.AddDate(0, 0, 7))
	require.NoError(t, err)
	require.Len(t, daily, 2)
	assert.Equal(t, 2, daily[0].Count)
	assert.Equal(t, 1, daily[1].Count)
}
