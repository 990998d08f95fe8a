// Package idempotency records which provider events were already accepted.
// The insert of the event row is the claim: the unique index on
// (provider, provider_event_id) decides which of two concurrent deliveries
// wins.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/quotaledger/app/models"
)

// ErrStore wraps any failure of the claim store other than a replay. The
// delivery must not be acknowledged.
var ErrStore = errors.New("idempotency store unavailable")

type ClaimResult int

const (
	Claimed ClaimResult = iota
	AlreadyProcessed
)

func (r ClaimResult) String() string {
	if r == AlreadyProcessed {
		return "duplicate"
	}
	return "claimed"
}

// ClaimRequest describes one inbound delivery.
type ClaimRequest struct {
	Provider               string
	EventID                string
	EventType              string
	ProviderSubscriptionID string
	Payload                []byte
	ReceivedAt             time.Time
}

type Guard struct {
	db *gorm.DB
}

// NewGuard expects db to be opened with TranslateError so unique violations
// surface as gorm.ErrDuplicatedKey.
func NewGuard(db *gorm.DB) *Guard {
	return &Guard{db: db}
}

// Claim atomically records the event. AlreadyProcessed is a normal result,
// not an error.
func (g *Guard) Claim(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	eventID := strings.TrimSpace(req.EventID)
	if provider == "" || eventID == "" {
		return Claimed, fmt.Errorf("%w: provider and event id are required", ErrStore)
	}
	receivedAt := req.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	row := &models.ProcessedWebhookEvent{
		Provider:               provider,
		ProviderEventID:        eventID,
		EventType:              truncate(req.EventType, 100),
		ProviderSubscriptionID: truncate(req.ProviderSubscriptionID, 191),
		Outcome:                models.WebhookOutcomePending,
		PayloadJSON:            string(req.Payload),
		ReceivedAt:             receivedAt.UTC(),
	}
	err := g.db.WithContext(ctx).Create(row).Error
	switch {
	case err == nil:
		return Claimed, nil
	case errors.Is(err, gorm.ErrDuplicatedKey):
		log.Debugf("[Idempotency] %s event %s already claimed", provider, eventID)
		return AlreadyProcessed, nil
	default:
		return Claimed, fmt.Errorf("%w: claim %s/%s: %v", ErrStore, provider, eventID, err)
	}
}

// MarkOutcome moves a pending event to its terminal outcome. Events that
// already have an outcome are left unchanged.
func (g *Guard) MarkOutcome(ctx context.Context, provider, eventID, outcome, detail string) error {
	now := time.Now().UTC()
	res := g.db.WithContext(ctx).
		Model(&models.ProcessedWebhookEvent{}).
		Where("provider = ? AND provider_event_id = ? AND outcome = ?", provider, eventID, models.WebhookOutcomePending).
		Updates(map[string]interface{}{
			"outcome":        outcome,
			"outcome_detail": truncate(detail, 2000),
			"completed_at":   &now,
		})
	if res.Error != nil {
		return fmt.Errorf("%w: mark %s/%s: %v", ErrStore, provider, eventID, res.Error)
	}
	if res.RowsAffected == 0 {
		log.Debugf("[Idempotency] %s event %s has no pending claim", provider, eventID)
	}
	return nil
}

// Find returns the stored record of an event.
func (g *Guard) Find(ctx context.Context, provider, eventID string) (*models.ProcessedWebhookEvent, error) {
	var row models.ProcessedWebhookEvent
	err := g.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", provider, eventID).
		First(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListBefore pages through events received before cutoff, ordered by id.
func (g *Guard) ListBefore(ctx context.Context, cutoff time.Time, afterID uint, limit int) ([]models.ProcessedWebhookEvent, error) {
	var rows []models.ProcessedWebhookEvent
	err := g.db.WithContext(ctx).
		Where("received_at < ? AND id > ?", cutoff, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Prune deletes events received before cutoff in batches and returns the
// number removed.
func (g *Guard) Prune(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	if batch <= 0 {
		batch = 500
	}
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		var ids []uint
		if err := g.db.WithContext(ctx).
			Model(&models.ProcessedWebhookEvent{}).
			Where("received_at < ?", cutoff).
			Order("id ASC").
			Limit(batch).
			Pluck("id", &ids).Error; err != nil {
			return total, err
		}
		if len(ids) == 0 {
			return total, nil
		}
		res := g.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.ProcessedWebhookEvent{})
		if res.Error != nil {
			return total, res.Error
		}
		total += res.RowsAffected
		if len(ids) < batch {
			return total, nil
		}
	}
}

// CountByOutcome groups stored events by outcome.
func (g *Guard) CountByOutcome(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Outcome string
		Count   int64
	}
	err := g.db.WithContext(ctx).
		Model(&models.ProcessedWebhookEvent{}).
		Select("outcome, COUNT(*) AS count").
		Group("outcome").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Outcome] = r.Count
	}
	return out, nil
}

// truncate keeps at most n characters of valid UTF-8, matching how utf8mb4
// columns count length.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(strings.TrimSpace(s), "")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
