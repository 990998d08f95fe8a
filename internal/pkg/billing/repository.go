package billing

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/quotaledger/app/models"
)

// Repository provides DB operations used by the billing service.
type Repository interface {
	FindActivePlanMapping(ctx context.Context, provider, providerPlanRef string) (*models.BillingPlanMapping, error)
	ListPlanMappings(ctx context.Context) ([]models.BillingPlanMapping, error)
	UpsertPlanMapping(ctx context.Context, m *models.BillingPlanMapping) error
	UpsertBillingAccount(ctx context.Context, account *models.BillingAccount) error
	GetBillingAccountByProviderAccountID(ctx context.Context, provider, providerAccountID string) (*models.BillingAccount, error)
	UserForCustomer(ctx context.Context, provider, customerID string) (uint, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) FindActivePlanMapping(ctx context.Context, provider, providerPlanRef string) (*models.BillingPlanMapping, error) {
	var m models.BillingPlanMapping
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_plan_ref = ? AND is_active = ?", provider, providerPlanRef, true).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *gormRepository) ListPlanMappings(ctx context.Context) ([]models.BillingPlanMapping, error) {
	var out []models.BillingPlanMapping
	err := r.db.WithContext(ctx).Order("provider, provider_plan_ref").Find(&out).Error
	return out, err
}

func (r *gormRepository) UpsertPlanMapping(ctx context.Context, m *models.BillingPlanMapping) error {
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_plan_ref"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"plan", "is_active", "updated_at"}),
	}).Create(m).Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Where("provider = ? AND provider_plan_ref = ?", m.Provider, m.ProviderPlanRef).
		First(m).Error
}

// UpsertBillingAccount makes account the only link of its user for its
// provider and the only owner of its provider account id.
func (r *gormRepository) UpsertBillingAccount(ctx context.Context, account *models.BillingAccount) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.BillingAccount
		err := tx.Where("provider = ? AND provider_account_id = ?", account.Provider, account.ProviderAccountID).
			First(&existing).Error
		switch {
		case err == nil && existing.UserID == account.UserID:
			*account = existing
			return nil
		case err == nil:
			if err := tx.Delete(&existing).Error; err != nil {
				return err
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		if err := tx.Where("user_id = ? AND provider = ?", account.UserID, account.Provider).
			Delete(&models.BillingAccount{}).Error; err != nil {
			return err
		}
		account.ID = 0
		return tx.Create(account).Error
	})
}

func (r *gormRepository) GetBillingAccountByProviderAccountID(ctx context.Context, provider, providerAccountID string) (*models.BillingAccount, error) {
	var account models.BillingAccount
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_account_id = ?", provider, providerAccountID).
		First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *gormRepository) UserForCustomer(ctx context.Context, provider, customerID string) (uint, error) {
	account, err := r.GetBillingAccountByProviderAccountID(ctx, provider, customerID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return account.UserID, nil
}
