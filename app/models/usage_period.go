package models

import "time"

const UsagePeriodMonthly = "monthly"

// Feature names a quota-limited capability.
type Feature string

const (
	FeatureArticles        Feature = "articles"
	FeatureImages          Feature = "images"
	FeatureVideos          Feature = "videos"
	FeatureResearchQueries Feature = "research_queries"
	FeaturePublications    Feature = "publications"
)

// Features lists every metered feature in display order.
var Features = []Feature{
	FeatureArticles,
	FeatureImages,
	FeatureVideos,
	FeatureResearchQueries,
	FeaturePublications,
}

// Column returns the usage_periods counter column for the feature.
func (f Feature) Column() (string, bool) {
	switch f {
	case FeatureArticles:
		return "articles_used", true
	case FeatureImages:
		return "images_used", true
	case FeatureVideos:
		return "videos_used", true
	case FeatureResearchQueries:
		return "research_queries_used", true
	case FeaturePublications:
		return "publications_used", true
	}
	return "", false
}

// UsagePeriod holds one user's counters for one billing period. A new row is
// created for every period; old rows stay untouched for audit.
type UsagePeriod struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	UserID              uint      `gorm:"not null;index:ux_usage_periods_user_period,unique,priority:1" json:"user_id"`
	PeriodKind          string    `gorm:"type:varchar(16);not null;default:'monthly';index:ux_usage_periods_user_period,unique,priority:2" json:"period_kind"`
	PeriodStart         time.Time `gorm:"not null;index:ux_usage_periods_user_period,unique,priority:3" json:"period_start"`
	PeriodEnd           time.Time `gorm:"not null" json:"period_end"`
	ArticlesUsed        int64     `gorm:"not null;default:0" json:"articles_used"`
	ImagesUsed          int64     `gorm:"not null;default:0" json:"images_used"`
	VideosUsed          int64     `gorm:"not null;default:0" json:"videos_used"`
	ResearchQueriesUsed int64     `gorm:"not null;default:0" json:"research_queries_used"`
	PublicationsUsed    int64     `gorm:"not null;default:0" json:"publications_used"`
	CreatedAt           time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Used returns the counter value for f.
func (u *UsagePeriod) Used(f Feature) int64 {
	switch f {
	case FeatureArticles:
		return u.ArticlesUsed
	case FeatureImages:
		return u.ImagesUsed
	case FeatureVideos:
		return u.VideosUsed
	case FeatureResearchQueries:
		return u.ResearchQueriesUsed
	case FeaturePublications:
		return u.PublicationsUsed
	}
	return 0
}
