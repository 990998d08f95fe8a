// Package usage meters feature consumption against the limits of the plan a
// user is entitled to right now.
package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/quotaledger/app/models"
	"github.com/ManuelReschke/quotaledger/internal/pkg/entitlements"
	"github.com/ManuelReschke/quotaledger/internal/pkg/metrics"
)

var (
	ErrQuotaExceeded  = errors.New("quota exceeded")
	ErrUnknownFeature = errors.New("unknown feature")
	ErrInvalidAmount  = errors.New("amount must be positive")
)

// SubscriptionSource yields the user's subscription with lazy expiry
// applied.
type SubscriptionSource interface {
	Current(ctx context.Context, userID uint) (*models.Subscription, error)
}

// Decision is the outcome of one CheckAndIncrement call.
type Decision struct {
	Allowed     bool           `json:"allowed"`
	Feature     models.Feature `json:"feature"`
	Plan        string         `json:"plan"`
	Used        int64          `json:"used"`
	Limit       int64          `json:"limit"`
	Remaining   int64          `json:"remaining"`
	PeriodStart time.Time      `json:"period_start"`
	PeriodEnd   time.Time      `json:"period_end"`
	Reason      string         `json:"reason,omitempty"`
}

// Err returns ErrQuotaExceeded for denied decisions.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrQuotaExceeded, d.Reason)
}

type FeatureUsage struct {
	Feature   models.Feature `json:"feature"`
	Used      int64          `json:"used"`
	Limit     int64          `json:"limit"`
	Remaining int64          `json:"remaining"`
}

// Snapshot is a read-only view of a user's current period.
type Snapshot struct {
	UserID      uint           `json:"user_id"`
	Plan        string         `json:"plan"`
	Status      string         `json:"status"`
	PeriodStart time.Time      `json:"period_start"`
	PeriodEnd   time.Time      `json:"period_end"`
	Features    []FeatureUsage `json:"features"`
}

type Ledger struct {
	db      *gorm.DB
	subs    SubscriptionSource
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewLedger(db *gorm.DB, subs SubscriptionSource, m *metrics.Metrics) *Ledger {
	return &Ledger{db: db, subs: subs, metrics: m, now: time.Now}
}

// SetClock replaces the time source.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// DenialReason is the message shown to users over their limit.
func DenialReason(f models.Feature) string {
	return fmt.Sprintf("monthly %s limit reached - upgrade to continue", strings.ReplaceAll(string(f), "_", " "))
}

func remaining(used, limit int64) int64 {
	if limit == entitlements.Unlimited {
		return entitlements.Unlimited
	}
	if used >= limit {
		return 0
	}
	return limit - used
}

// CheckAndIncrement adds amount to the feature counter only if the result
// stays within the plan limit. The check and the write are one conditional
// UPDATE, so concurrent callers can never push the counter past the limit.
func (l *Ledger) CheckAndIncrement(ctx context.Context, userID uint, feature models.Feature, amount int64) (Decision, error) {
	col, ok := feature.Column()
	if !ok {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownFeature, feature)
	}
	if amount <= 0 {
		return Decision{}, ErrInvalidAmount
	}

	sub, err := l.subs.Current(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("load subscription for user %d: %w", userID, err)
	}
	plan := sub.EffectivePlan()
	limit := entitlements.LimitFor(plan, feature)
	now := l.now().UTC()
	start, end := Window(sub, now)

	row, err := l.ensurePeriod(ctx, userID, start, end, now)
	if err != nil {
		return Decision{}, err
	}
	start, end = row.PeriodStart.UTC(), row.PeriodEnd.UTC()

	q := l.db.WithContext(ctx).
		Model(&models.UsagePeriod{}).
		Where("id = ?", row.ID)
	if limit != entitlements.Unlimited {
		q = q.Where(col+" + ? <= ?", amount, limit)
	}
	res := q.UpdateColumn(col, gorm.Expr(col+" + ?", amount))
	if res.Error != nil {
		return Decision{}, fmt.Errorf("increment %s for user %d: %w", feature, userID, res.Error)
	}
	allowed := res.RowsAffected == 1

	var used int64
	if err := l.db.WithContext(ctx).Model(&models.UsagePeriod{}).
		Where("id = ?", row.ID).
		Select(col).
		Scan(&used).Error; err != nil {
		return Decision{}, fmt.Errorf("read %s for user %d: %w", feature, userID, err)
	}

	d := Decision{
		Allowed:     allowed,
		Feature:     feature,
		Plan:        plan,
		Used:        used,
		Limit:       limit,
		Remaining:   remaining(used, limit),
		PeriodStart: start,
		PeriodEnd:   end,
	}
	if !allowed {
		d.Reason = DenialReason(feature)
		log.Infof("[Usage] user %d denied %d %s (%d/%d on %s)", userID, amount, feature, used, limit, plan)
	}
	l.metrics.QuotaCheck(string(feature), allowed)
	return d, nil
}

// CurrentUsage reports every feature of the current period without
// touching the counters.
func (l *Ledger) CurrentUsage(ctx context.Context, userID uint) (*Snapshot, error) {
	sub, err := l.subs.Current(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load subscription for user %d: %w", userID, err)
	}
	plan := sub.EffectivePlan()
	now := l.now().UTC()
	start, end := Window(sub, now)

	row, err := l.covering(ctx, userID, now)
	switch {
	case err == nil:
		start, end = row.PeriodStart.UTC(), row.PeriodEnd.UTC()
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = &models.UsagePeriod{}
	default:
		return nil, err
	}

	snap := &Snapshot{
		UserID:      userID,
		Plan:        plan,
		Status:      sub.Status,
		PeriodStart: start,
		PeriodEnd:   end,
		Features:    make([]FeatureUsage, 0, len(models.Features)),
	}
	for _, f := range models.Features {
		used := row.Used(f)
		limit := entitlements.LimitFor(plan, f)
		snap.Features = append(snap.Features, FeatureUsage{
			Feature:   f,
			Used:      used,
			Limit:     limit,
			Remaining: remaining(used, limit),
		})
	}
	return snap, nil
}

// covering returns the user's period row whose bounds contain now.
func (l *Ledger) covering(ctx context.Context, userID uint, now time.Time) (*models.UsagePeriod, error) {
	var row models.UsagePeriod
	err := l.db.WithContext(ctx).
		Where("user_id = ? AND period_kind = ? AND period_start <= ? AND period_end > ?",
			userID, models.UsagePeriodMonthly, now, now).
		Order("period_start DESC").
		First(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ensurePeriod returns the row covering now. A new row is opened only when
// none does, so a shifted billing period start never resets the counters.
func (l *Ledger) ensurePeriod(ctx context.Context, userID uint, start, end, now time.Time) (*models.UsagePeriod, error) {
	existing, err := l.covering(ctx, userID, now)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load usage period for user %d: %w", userID, err)
	}

	row := &models.UsagePeriod{
		UserID:      userID,
		PeriodKind:  models.UsagePeriodMonthly,
		PeriodStart: start,
		PeriodEnd:   end,
	}
	err = l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "period_kind"}, {Name: "period_start"}},
		DoNothing: true,
	}).Create(row).Error
	if err != nil {
		return nil, fmt.Errorf("open usage period for user %d: %w", userID, err)
	}

	var stored models.UsagePeriod
	err = l.db.WithContext(ctx).
		Where("user_id = ? AND period_kind = ? AND period_start = ?", userID, models.UsagePeriodMonthly, start).
		First(&stored).Error
	if err != nil {
		return nil, fmt.Errorf("load usage period for user %d: %w", userID, err)
	}
	return &stored, nil
}
