package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/quotaledger/app/models"
)

// StatsRepository aggregates billing tables for the admin dashboard.
type StatsRepository interface {
	SubscriptionsByStatus(ctx context.Context) (map[string]int64, error)
	SubscriptionsByPlan(ctx context.Context) (map[string]int64, error)
	PendingDowngrades(ctx context.Context) (int64, error)
	UsageTotals(ctx context.Context, since time.Time) (map[models.Feature]int64, error)
	WebhooksByOutcome(ctx context.Context) (map[string]int64, error)
	GetDailyWebhookStats(ctx context.Context, startDate, endDate time.Time) ([]models.DailyStats, error)
}

// Repositories holds all repository instances
type Repositories struct {
	Stats StatsRepository
}
