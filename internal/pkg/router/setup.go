package router

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/quotaledger/app/controllers"
	"github.com/ManuelReschke/quotaledger/internal/pkg/config"
	"github.com/ManuelReschke/quotaledger/internal/pkg/metrics"
)

// Router installs one group of routes.
type Router interface {
	InstallRouter(app *fiber.App)
}

// Deps carries everything the routes are served by.
type Deps struct {
	Config        *config.Config
	Webhooks      *controllers.WebhookController
	Quota         *controllers.QuotaController
	Subscriptions *controllers.SubscriptionController
	Admin         *controllers.AdminController
	Metrics       *metrics.Metrics
	// Storage backs the rate limiters; nil keeps counters in memory.
	Storage fiber.Storage
	// Health reports whether the process can serve traffic.
	Health func(ctx context.Context) error
}

func InstallRouter(app *fiber.App, deps *Deps) {
	setup(app, NewOpsRouter(deps), NewWebhookRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
