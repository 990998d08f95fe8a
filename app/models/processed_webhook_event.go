package models

import "time"

const (
	WebhookOutcomePending   = "pending"
	WebhookOutcomeProcessed = "processed"
	WebhookOutcomeIgnored   = "ignored"
	WebhookOutcomeFailed    = "failed"
)

// ProcessedWebhookEvent is the idempotency record for an inbound provider
// event. Inserting it is the claim; the (provider, provider_event_id) unique
// index is what rejects replays. Outcome moves from pending to a terminal
// value exactly once.
type ProcessedWebhookEvent struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	Provider               string     `gorm:"type:varchar(20);not null;index:ux_processed_webhook_events_provider_event,unique,priority:1" json:"provider"`
	ProviderEventID        string     `gorm:"type:varchar(191);not null;index:ux_processed_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType              string     `gorm:"type:varchar(100);not null;default:'';index" json:"event_type"`
	ProviderSubscriptionID string     `gorm:"type:varchar(191);not null;default:'';index" json:"provider_subscription_id"`
	Outcome                string     `gorm:"type:varchar(16);not null;default:'pending';index" json:"outcome"`
	OutcomeDetail          string     `gorm:"type:text" json:"outcome_detail,omitempty"`
	PayloadJSON            string     `gorm:"type:longtext" json:"-"`
	ReceivedAt             time.Time  `gorm:"not null;index" json:"received_at"`
	CompletedAt            *time.Time `gorm:"default:null" json:"completed_at,omitempty"`
}
