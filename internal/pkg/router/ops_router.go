package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
)

type OpsRouter struct {
	deps *Deps
}

func (h OpsRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		if h.deps.Health != nil {
			if err := h.deps.Health(c.UserContext()); err != nil {
				log.Warnf("[Health] Not ready: %v", err)
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
			}
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})
	if h.deps.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(h.deps.Metrics.Handler()))
	}
}

func NewOpsRouter(deps *Deps) *OpsRouter {
	return &OpsRouter{deps: deps}
}
