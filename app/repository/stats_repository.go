package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/quotaledger/app/models"
)

// statsRepository implements the StatsRepository interface
type statsRepository struct {
	db *gorm.DB
}

// NewStatsRepository creates a new stats repository instance
func NewStatsRepository(db *gorm.DB) StatsRepository {
	return &statsRepository{db: db}
}

type groupCount struct {
	Label string
	Count int64
}

func (r *statsRepository) countBy(ctx context.Context, model interface{}, column string) (map[string]int64, error) {
	var rows []groupCount
	err := r.db.WithContext(ctx).
		Model(model).
		Select(column + " AS label, COUNT(*) AS count").
		Group(column).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Label] = row.Count
	}
	return out, nil
}

// SubscriptionsByStatus counts subscriptions per stored status
func (r *statsRepository) SubscriptionsByStatus(ctx context.Context) (map[string]int64, error) {
	return r.countBy(ctx, &models.Subscription{}, "status")
}

// SubscriptionsByPlan counts subscriptions per plan
func (r *statsRepository) SubscriptionsByPlan(ctx context.Context) (map[string]int64, error) {
	return r.countBy(ctx, &models.Subscription{}, "plan")
}

// PendingDowngrades counts subscriptions waiting for a deferred plan change
func (r *statsRepository) PendingDowngrades(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("pending_plan <> ''").
		Count(&count).Error
	return count, err
}

// UsageTotals sums every feature counter over periods starting at or after since
func (r *statsRepository) UsageTotals(ctx context.Context, since time.Time) (map[models.Feature]int64, error) {
	var sums struct {
		ArticlesUsed        int64
		ImagesUsed          int64
		VideosUsed          int64
		ResearchQueriesUsed int64
		PublicationsUsed    int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.UsagePeriod{}).
		Select("COALESCE(SUM(articles_used),0) AS articles_used, COALESCE(SUM(images_used),0) AS images_used, " +
			"COALESCE(SUM(videos_used),0) AS videos_used, COALESCE(SUM(research_queries_used),0) AS research_queries_used, " +
			"COALESCE(SUM(publications_used),0) AS publications_used").
		Where("period_start >= ?", since).
		Scan(&sums).Error
	if err != nil {
		return nil, err
	}
	return map[models.Feature]int64{
		models.FeatureArticles:        sums.ArticlesUsed,
		models.FeatureImages:          sums.ImagesUsed,
		models.FeatureVideos:          sums.VideosUsed,
		models.FeatureResearchQueries: sums.ResearchQueriesUsed,
		models.FeaturePublications:    sums.PublicationsUsed,
	}, nil
}

// WebhooksByOutcome counts stored webhook events per outcome
func (r *statsRepository) WebhooksByOutcome(ctx context.Context) (map[string]int64, error) {
	return r.countBy(ctx, &models.ProcessedWebhookEvent{}, "outcome")
}

// GetDailyWebhookStats returns received webhook events per day in the range
func (r *statsRepository) GetDailyWebhookStats(ctx context.Context, startDate, endDate time.Time) ([]models.DailyStats, error) {
	var stats []models.DailyStats
	err := r.db.WithContext(ctx).
		Model(&models.ProcessedWebhookEvent{}).
		Select("DATE(received_at) AS date, COUNT(*) AS count").
		Where("received_at >= ? AND received_at < ?", startDate, endDate).
		Group("DATE(received_at)").
		Order("date ASC").
		Scan(&stats).Error
	return stats, err
}
