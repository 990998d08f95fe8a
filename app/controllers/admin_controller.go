package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/quotaledger/app/models"
	"github.com/ManuelReschke/quotaledger/app/repository"
	"github.com/ManuelReschke/quotaledger/internal/pkg/billing"
	"github.com/ManuelReschke/quotaledger/internal/pkg/jobqueue"
	"github.com/ManuelReschke/quotaledger/internal/pkg/reconcile"
)

// Reconciler runs and reports reconciliation passes.
type Reconciler interface {
	Run(ctx context.Context, trigger string) (*reconcile.Report, error)
	LastRun(ctx context.Context) (*models.ReconciliationRun, error)
}

// PlanMappings manages provider reference → plan rows.
type PlanMappings interface {
	SetPlanMapping(ctx context.Context, provider, ref, plan string, active bool) (*models.BillingPlanMapping, error)
	ListPlanMappings(ctx context.Context) ([]models.BillingPlanMapping, error)
}

// TaskRunner triggers scheduled maintenance tasks by name.
type TaskRunner interface {
	RunNow(name string) (bool, error)
}

type PlanMappingRequest struct {
	Provider string `json:"provider" validate:"required,oneof=stripe paypal paddle patreon"`
	Ref      string `json:"provider_plan_ref" validate:"required,max=191"`
	Plan     string `json:"plan" validate:"required"`
	Active   *bool  `json:"is_active"`
}

// AdminController handles admin-related HTTP requests using repository pattern
type AdminController struct {
	repos      *repository.Repositories
	reconciler Reconciler
	mappings   PlanMappings
	tasks      TaskRunner
	queueStats func() jobqueue.Stats
	validate   *validator.Validate
}

// NewAdminController creates a new admin controller with repository dependencies
func NewAdminController(repos *repository.Repositories, reconciler Reconciler, mappings PlanMappings, tasks TaskRunner, queueStats func() jobqueue.Stats) *AdminController {
	return &AdminController{
		repos:      repos,
		reconciler: reconciler,
		mappings:   mappings,
		tasks:      tasks,
		queueStats: queueStats,
		validate:   validator.New(),
	}
}

// HandleStats reports subscription, usage and webhook aggregates.
func (ac *AdminController) HandleStats(c *fiber.Ctx) error {
	ctx := c.UserContext()
	stats := ac.repos.Stats

	byStatus, err := stats.SubscriptionsByStatus(ctx)
	if err != nil {
		return ac.handleError(c, "Failed to count subscriptions", err)
	}
	byPlan, err := stats.SubscriptionsByPlan(ctx)
	if err != nil {
		return ac.handleError(c, "Failed to count plans", err)
	}
	pending, err := stats.PendingDowngrades(ctx)
	if err != nil {
		return ac.handleError(c, "Failed to count pending downgrades", err)
	}
	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	usageTotals, err := stats.UsageTotals(ctx, monthStart)
	if err != nil {
		return ac.handleError(c, "Failed to sum usage", err)
	}
	webhooks, err := stats.WebhooksByOutcome(ctx)
	if err != nil {
		return ac.handleError(c, "Failed to count webhooks", err)
	}
	daily, err := stats.GetDailyWebhookStats(ctx, now.AddDate(0, 0, -6), now)
	if err != nil {
		return ac.handleError(c, "Failed to load daily webhook stats", err)
	}

	resp := fiber.Map{
		"subscriptions": fiber.Map{
			"by_status":          byStatus,
			"by_plan":            byPlan,
			"pending_downgrades": pending,
		},
		"usage_this_month": usageTotals,
		"webhooks": fiber.Map{
			"by_outcome": webhooks,
			"daily":      daily,
		},
	}
	if ac.queueStats != nil {
		resp["queue"] = ac.queueStats()
	}
	return c.JSON(resp)
}

// HandleReconcile runs a reconciliation pass and returns its report.
func (ac *AdminController) HandleReconcile(c *fiber.Ctx) error {
	report, err := ac.reconciler.Run(c.UserContext(), models.ReconciliationTriggerManual)
	if err != nil {
		if errors.Is(err, reconcile.ErrAlreadyRunning) {
			return jsonError(c, fiber.StatusConflict, "conflict", "reconciliation already running")
		}
		return ac.handleError(c, "Reconciliation failed", err)
	}
	return c.JSON(report)
}

// HandleLastReconcile returns the most recent run summary.
func (ac *AdminController) HandleLastReconcile(c *fiber.Ctx) error {
	run, err := ac.reconciler.LastRun(c.UserContext())
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return jsonError(c, fiber.StatusNotFound, "not_found", "no reconciliation has run yet")
		}
		return ac.handleError(c, "Failed to load last run", err)
	}
	return c.JSON(run)
}

// HandleRetention triggers the webhook retention task out of schedule.
func (ac *AdminController) HandleRetention(c *fiber.Ctx) error {
	ran, err := ac.tasks.RunNow("retention")
	if err != nil {
		return ac.handleError(c, "Retention failed", err)
	}
	if !ran {
		return jsonError(c, fiber.StatusConflict, "conflict", "retention already running")
	}
	return c.JSON(fiber.Map{"ok": true})
}

func (ac *AdminController) HandleListPlanMappings(c *fiber.Ctx) error {
	rows, err := ac.mappings.ListPlanMappings(c.UserContext())
	if err != nil {
		return ac.handleError(c, "Failed to list plan mappings", err)
	}
	return c.JSON(fiber.Map{"mappings": rows})
}

// HandlePutPlanMapping creates or replaces one mapping; active defaults to true.
func (ac *AdminController) HandlePutPlanMapping(c *fiber.Ctx) error {
	var req PlanMappingRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "invalid JSON body")
	}
	if err := ac.validate.Struct(req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", err.Error())
	}
	active := req.Active == nil || *req.Active

	m, err := ac.mappings.SetPlanMapping(c.UserContext(), req.Provider, req.Ref, req.Plan, active)
	if err != nil {
		if errors.Is(err, billing.ErrInvalidInput) {
			return jsonError(c, fiber.StatusBadRequest, "bad_request", err.Error())
		}
		return ac.handleError(c, "Failed to store plan mapping", err)
	}
	return c.JSON(m)
}

func (ac *AdminController) handleError(c *fiber.Ctx, message string, err error) error {
	log.Errorf("[Admin] %s: %v", message, err)
	return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", message)
}
