package subscription

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/quotaledger/app/models"
)

// Store is the gorm persistence of subscription rows.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) FindByID(ctx context.Context, id string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error; err != nil {
		return nil, notFound(err)
	}
	return &sub, nil
}

func (s *Store) FindByUser(ctx context.Context, userID uint) (*models.Subscription, error) {
	var sub models.Subscription
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&sub).Error; err != nil {
		return nil, notFound(err)
	}
	return &sub, nil
}

// FindByProviderRef resolves the row linked to a provider's subscription id.
func (s *Store) FindByProviderRef(ctx context.Context, provider, ref string) (*models.Subscription, error) {
	col, ok := models.ProviderReferenceColumn(provider)
	if !ok || ref == "" {
		return nil, ErrNotFound
	}
	var sub models.Subscription
	if err := s.db.WithContext(ctx).Where(col+" = ?", ref).First(&sub).Error; err != nil {
		return nil, notFound(err)
	}
	return &sub, nil
}

// EnsureForUser returns the user's row, creating the FREE row if none exists.
func (s *Store) EnsureForUser(ctx context.Context, userID uint) (*models.Subscription, error) {
	if userID == 0 {
		return nil, errors.New("user_id is required")
	}
	row := &models.Subscription{
		ID:      uuid.NewString(),
		UserID:  userID,
		Plan:    models.PlanFree,
		Status:  models.SubscriptionStatusActive,
		Version: 1,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(row).Error
	if err != nil {
		return nil, fmt.Errorf("create subscription for user %d: %w", userID, err)
	}
	return s.FindByUser(ctx, userID)
}

// UpdateVersioned writes updates only when the stored version still equals
// version and bumps it. A false result means another writer got there first.
func (s *Store) UpdateVersioned(ctx context.Context, id string, version int64, updates map[string]interface{}) (bool, error) {
	updates["version"] = gorm.Expr("version + 1")
	res := s.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ? AND version = ?", id, version).
		Updates(updates)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			// provider reference linked to another row concurrently
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListLinked pages through rows that carry at least one provider reference,
// ordered by id.
func (s *Store) ListLinked(ctx context.Context, afterID string, limit int) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	var subs []models.Subscription
	err := s.db.WithContext(ctx).
		Where("id > ?", afterID).
		Where("stripe_subscription_id IS NOT NULL OR paypal_subscription_id IS NOT NULL OR paddle_subscription_id IS NOT NULL OR patreon_member_id IS NOT NULL").
		Order("id ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
