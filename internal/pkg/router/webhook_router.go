package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/quotaledger/internal/pkg/ratelimit"
)

type WebhookRouter struct {
	deps *Deps
}

// InstallRouter mounts the provider endpoints. Nothing in front of them may
// parse or rewrite the body.
func (h WebhookRouter) InstallRouter(app *fiber.App) {
	limit := h.deps.Config.RateLimit
	hooks := app.Group("/webhooks", ratelimit.Webhooks(h.deps.Storage, limit.WebhookMax, limit.WebhookWindow))
	hooks.Post("/:provider", h.deps.Webhooks.HandleWebhook)
}

func NewWebhookRouter(deps *Deps) *WebhookRouter {
	return &WebhookRouter{deps: deps}
}
