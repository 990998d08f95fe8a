package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/quotaledger/internal/pkg/middleware"
	"github.com/ManuelReschke/quotaledger/internal/pkg/ratelimit"
)

type ApiRouter struct {
	deps *Deps
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	cfg := h.deps.Config
	api := app.Group("/api")

	// feature services
	internal := api.Group("/internal/v1",
		middleware.InternalAPIKeyMiddleware(cfg.Auth.InternalAPIKeyHash),
		ratelimit.PerCaller(h.deps.Storage, "internal", cfg.RateLimit.QuotaMax, time.Minute),
	)
	internal.Post("/quota/check", h.deps.Quota.HandleCheck)
	internal.Get("/users/:id/usage", h.deps.Quota.HandleUserUsage)
	internal.Post("/users/:id/subscription", h.deps.Subscriptions.HandleProvision)
	internal.Post("/users/:id/billing-accounts", h.deps.Subscriptions.HandleLinkCustomer)

	// signed-in users
	v1 := api.Group("/v1", middleware.UserContextMiddleware([]byte(cfg.Auth.JWTSecret)))
	v1.Get("/subscription", middleware.RequireAuth, h.deps.Subscriptions.HandleGetSubscription)
	v1.Get("/usage", middleware.RequireAuth, h.deps.Subscriptions.HandleGetUsage)

	admin := v1.Group("/admin", middleware.RequireAdmin)
	admin.Get("/stats", h.deps.Admin.HandleStats)
	admin.Post("/reconcile", h.deps.Admin.HandleReconcile)
	admin.Get("/reconcile/last", h.deps.Admin.HandleLastReconcile)
	admin.Post("/retention", h.deps.Admin.HandleRetention)
	admin.Get("/plan-mappings", h.deps.Admin.HandleListPlanMappings)
	admin.Put("/plan-mappings", h.deps.Admin.HandlePutPlanMapping)
}

func NewApiRouter(deps *Deps) *ApiRouter {
	return &ApiRouter{deps: deps}
}
