// Package billing applies provider commands to subscriptions. Apply is the
// single entry point shared by webhook processing and reconciliation.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/quotaledger/app/models"
	"github.com/ManuelReschke/quotaledger/internal/pkg/config"
	"github.com/ManuelReschke/quotaledger/internal/pkg/entitlements"
	"github.com/ManuelReschke/quotaledger/internal/pkg/events"
	"github.com/ManuelReschke/quotaledger/internal/pkg/subscription"
)

// ErrInvalidInput marks caller mistakes in administrative writes.
var ErrInvalidInput = errors.New("invalid billing input")

// Service provides provider-neutral billing synchronization.
type Service struct {
	repo    Repository
	machine *subscription.Machine
	cfg     *config.ProviderConfig
}

// NewService creates a billing service from an injected repository.
func NewService(repo Repository, machine *subscription.Machine, cfg *config.ProviderConfig) *Service {
	return &Service{repo: repo, machine: machine, cfg: cfg}
}

// NewServiceFromDB wires repository, store and state machine on one handle.
func NewServiceFromDB(db *gorm.DB, cfg *config.ProviderConfig, opts ...subscription.Option) *Service {
	repo := NewRepository(db)
	opts = append([]subscription.Option{subscription.WithCustomerResolver(repo)}, opts...)
	machine := subscription.NewMachine(subscription.NewStore(db), opts...)
	return NewService(repo, machine, cfg)
}

func (s *Service) Machine() *subscription.Machine {
	return s.machine
}

// Apply resolves the plan hint of cmd, records the customer link it
// carries and runs it through the state machine.
func (s *Service) Apply(ctx context.Context, cmd events.Command) (*subscription.Result, error) {
	meta := cmd.Meta()

	if ref := events.PlanRef(cmd); ref != "" && events.ResolvedPlan(cmd) == "" {
		plan, err := s.ResolvePlan(ctx, meta.Provider, ref)
		if err != nil {
			return nil, err
		}
		if plan != "" {
			cmd = events.WithPlan(cmd, plan)
		} else {
			log.Warnf("[Billing] %s plan reference %q is not mapped, keeping current plan", meta.Provider, ref)
		}
	}

	if meta.UserID != 0 && meta.CustomerID != "" {
		if _, err := s.LinkCustomer(ctx, meta.UserID, meta.Provider, meta.CustomerID); err != nil {
			// attribution of later events suffers, the command itself can proceed
			log.Warnf("[Billing] linking %s customer for user %d failed: %v", meta.Provider, meta.UserID, err)
		}
	}

	return s.machine.Apply(ctx, cmd)
}

// LinkCustomer records that a provider customer id belongs to a user.
func (s *Service) LinkCustomer(ctx context.Context, userID uint, provider, customerID string) (*models.BillingAccount, error) {
	p := strings.ToLower(strings.TrimSpace(provider))
	cid := strings.TrimSpace(customerID)
	if userID == 0 || p == "" || cid == "" {
		return nil, fmt.Errorf("%w: user_id, provider and provider_account_id are required", ErrInvalidInput)
	}
	account := &models.BillingAccount{
		UserID:            userID,
		Provider:          p,
		ProviderAccountID: cid,
	}
	if err := s.repo.UpsertBillingAccount(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// SetPlanMapping stores or replaces the plan a provider reference maps to.
func (s *Service) SetPlanMapping(ctx context.Context, provider, ref, plan string, active bool) (*models.BillingPlanMapping, error) {
	p := strings.ToLower(strings.TrimSpace(provider))
	r := strings.TrimSpace(ref)
	if !models.IsBillingProvider(p) || r == "" {
		return nil, fmt.Errorf("%w: a known provider and a plan reference are required", ErrInvalidInput)
	}
	if !entitlements.IsKnownPlan(plan) {
		return nil, fmt.Errorf("%w: unknown plan %q", ErrInvalidInput, plan)
	}
	m := &models.BillingPlanMapping{
		Provider:        p,
		ProviderPlanRef: r,
		Plan:            entitlements.NormalizePlan(plan),
		IsActive:        active,
	}
	if err := s.repo.UpsertPlanMapping(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) ListPlanMappings(ctx context.Context) ([]models.BillingPlanMapping, error) {
	return s.repo.ListPlanMappings(ctx)
}

// ProvisionUser creates the user's FREE subscription row if missing.
func (s *Service) ProvisionUser(ctx context.Context, userID uint) (*models.Subscription, error) {
	return s.machine.Store().EnsureForUser(ctx, userID)
}

// Current returns the user's subscription with lazy expiry applied.
func (s *Service) Current(ctx context.Context, userID uint) (*models.Subscription, error) {
	return s.machine.Current(ctx, userID)
}
