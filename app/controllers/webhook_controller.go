package controllers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/quotaledger/internal/pkg/verifier"
	"github.com/ManuelReschke/quotaledger/internal/pkg/webhook"
)

// WebhookProcessor accepts a raw provider delivery.
type WebhookProcessor interface {
	Handle(ctx context.Context, provider string, rawBody []byte, headers verifier.Headers) (webhook.Status, error)
}

// WebhookController serves POST /webhooks/:provider
type WebhookController struct {
	processor WebhookProcessor
}

func NewWebhookController(processor WebhookProcessor) *WebhookController {
	return &WebhookController{processor: processor}
}

// HandleWebhook hands the unparsed body to the processor. The body is
// copied because fiber reuses the request buffer once the handler returns.
func (wc *WebhookController) HandleWebhook(c *fiber.Ctx) error {
	provider := c.Params("provider")
	rawBody := append([]byte(nil), c.BodyRaw()...)
	headers := verifier.NewHeaders(c.GetReqHeaders())

	status, err := wc.processor.Handle(c.UserContext(), provider, rawBody, headers)
	if err != nil {
		var verr *verifier.VerificationError
		switch {
		case errors.Is(err, verifier.ErrUnsupportedProvider):
			return jsonError(c, fiber.StatusNotFound, "not_found", "unknown provider")
		case errors.As(err, &verr):
			return jsonError(c, fiber.StatusBadRequest, "invalid_signature", "webhook verification failed")
		case errors.Is(err, webhook.ErrUnavailable):
			return jsonError(c, fiber.StatusServiceUnavailable, "unavailable", "try again later")
		default:
			log.Errorf("[Webhook] Unexpected intake error for %s: %v", provider, err)
			return jsonError(c, fiber.StatusServiceUnavailable, "unavailable", "try again later")
		}
	}
	return c.JSON(fiber.Map{"received": true, "status": status})
}
