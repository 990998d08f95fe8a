package controllers

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/quotaledger/app/models"
	"github.com/ManuelReschke/quotaledger/internal/pkg/billing"
	"github.com/ManuelReschke/quotaledger/internal/pkg/entitlements"
	"github.com/ManuelReschke/quotaledger/internal/pkg/usercontext"
)

// Subscriptions is the billing surface behind the subscription endpoints.
type Subscriptions interface {
	Current(ctx context.Context, userID uint) (*models.Subscription, error)
	ProvisionUser(ctx context.Context, userID uint) (*models.Subscription, error)
	LinkCustomer(ctx context.Context, userID uint, provider, customerID string) (*models.BillingAccount, error)
}

type LinkCustomerRequest struct {
	Provider   string `json:"provider" validate:"required,oneof=stripe paypal paddle patreon"`
	CustomerID string `json:"customer_id" validate:"required,max=191"`
}

// SubscriptionController serves subscription state to users and to the
// account service.
type SubscriptionController struct {
	billing  Subscriptions
	ledger   Ledger
	validate *validator.Validate
}

func NewSubscriptionController(billing Subscriptions, ledger Ledger) *SubscriptionController {
	return &SubscriptionController{billing: billing, ledger: ledger, validate: validator.New()}
}

// HandleGetSubscription returns the caller's subscription and plan limits.
func (sc *SubscriptionController) HandleGetSubscription(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	sub, err := sc.billing.Current(c.UserContext(), userCtx.UserID)
	if err != nil {
		log.Errorf("[Subscription] Failed to load subscription for user %d: %v", userCtx.UserID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to load subscription")
	}
	return c.JSON(subscriptionResponse(sub))
}

// HandleGetUsage returns the caller's current usage period.
func (sc *SubscriptionController) HandleGetUsage(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	snap, err := sc.ledger.CurrentUsage(c.UserContext(), userCtx.UserID)
	if err != nil {
		log.Errorf("[Usage] Failed to load usage for user %d: %v", userCtx.UserID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to load usage")
	}
	return c.JSON(snap)
}

// HandleProvision creates the FREE row for a new account. Repeated calls
// return the existing row.
func (sc *SubscriptionController) HandleProvision(c *fiber.Ctx) error {
	userID, ok := paramUserID(c)
	if !ok {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "invalid user id")
	}
	sub, err := sc.billing.ProvisionUser(c.UserContext(), userID)
	if err != nil {
		log.Errorf("[Subscription] Failed to provision user %d: %v", userID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to provision subscription")
	}
	return c.Status(fiber.StatusCreated).JSON(subscriptionResponse(sub))
}

// HandleLinkCustomer records a provider customer id for the :id user so
// later webhooks without a user hint can be attributed.
func (sc *SubscriptionController) HandleLinkCustomer(c *fiber.Ctx) error {
	userID, ok := paramUserID(c)
	if !ok {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "invalid user id")
	}
	var req LinkCustomerRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "invalid JSON body")
	}
	if err := sc.validate.Struct(req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", err.Error())
	}
	account, err := sc.billing.LinkCustomer(c.UserContext(), userID, req.Provider, req.CustomerID)
	if err != nil {
		if errors.Is(err, billing.ErrInvalidInput) {
			return jsonError(c, fiber.StatusBadRequest, "bad_request", err.Error())
		}
		log.Errorf("[Billing] Failed to link %s customer for user %d: %v", req.Provider, userID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to link customer")
	}
	return c.JSON(account)
}

func subscriptionResponse(sub *models.Subscription) fiber.Map {
	resp := fiber.Map{
		"id":                   sub.ID,
		"user_id":              sub.UserID,
		"plan":                 sub.Plan,
		"effective_plan":       sub.EffectivePlan(),
		"status":               sub.Status,
		"period_start":         formatTimePtr(sub.PeriodStart),
		"period_end":           formatTimePtr(sub.PeriodEnd),
		"cancel_at_period_end": sub.CancelAtPeriodEnd,
		"limits":               entitlements.ForPlan(sub.EffectivePlan()),
	}
	if sub.PendingPlan != "" {
		resp["pending_plan"] = sub.PendingPlan
	}
	return resp
}
