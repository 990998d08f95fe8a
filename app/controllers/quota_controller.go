package controllers

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/quotaledger/app/models"
	"github.com/ManuelReschke/quotaledger/internal/pkg/usage"
)

// Ledger is the quota surface feature services talk to.
type Ledger interface {
	CheckAndIncrement(ctx context.Context, userID uint, feature models.Feature, amount int64) (usage.Decision, error)
	CurrentUsage(ctx context.Context, userID uint) (*usage.Snapshot, error)
}

type QuotaCheckRequest struct {
	UserID  uint   `json:"user_id" validate:"required,gt=0"`
	Feature string `json:"feature" validate:"required"`
	Amount  int64  `json:"amount" validate:"omitempty,gt=0"`
}

// QuotaController serves the internal quota API.
type QuotaController struct {
	ledger   Ledger
	validate *validator.Validate
}

func NewQuotaController(ledger Ledger) *QuotaController {
	return &QuotaController{ledger: ledger, validate: validator.New()}
}

// HandleCheck consumes amount (default 1) of a feature or answers 429.
func (qc *QuotaController) HandleCheck(c *fiber.Ctx) error {
	var req QuotaCheckRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "invalid JSON body")
	}
	if err := qc.validate.Struct(req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", err.Error())
	}
	if req.Amount == 0 {
		req.Amount = 1
	}

	d, err := qc.ledger.CheckAndIncrement(c.UserContext(), req.UserID, models.Feature(req.Feature), req.Amount)
	if err != nil {
		return qc.handleError(c, err)
	}
	if !d.Allowed {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error":    "quota_exceeded",
			"message":  d.Reason,
			"decision": d,
		})
	}
	return c.JSON(fiber.Map{"decision": d})
}

// HandleUserUsage returns the current period of the :id user.
func (qc *QuotaController) HandleUserUsage(c *fiber.Ctx) error {
	userID, ok := paramUserID(c)
	if !ok {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "invalid user id")
	}
	return qc.usage(c, userID)
}

func (qc *QuotaController) usage(c *fiber.Ctx, userID uint) error {
	snap, err := qc.ledger.CurrentUsage(c.UserContext(), userID)
	if err != nil {
		return qc.handleError(c, err)
	}
	return c.JSON(snap)
}

func (qc *QuotaController) handleError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, usage.ErrUnknownFeature), errors.Is(err, usage.ErrInvalidAmount):
		return jsonError(c, fiber.StatusBadRequest, "bad_request", err.Error())
	default:
		log.Errorf("[Usage] Quota request failed: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "quota store unavailable")
	}
}
