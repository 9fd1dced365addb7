package router

import (
	"os"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuelReschke/OrgAdmin/internal/pkg/middleware"
)

type SystemRouter struct {
	deps Dependencies
}

func (h SystemRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/metrics", middleware.RequireAdmin(h.deps.Admin), adaptor.HTTPHandler(promhttp.Handler()))

	if h.deps.OpenAPIFile == "" {
		return
	}
	if _, err := os.Stat(h.deps.OpenAPIFile); err != nil {
		log.Warnf("[Router] OpenAPI document %s not found, /docs/api disabled", h.deps.OpenAPIFile)
		return
	}
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: h.deps.OpenAPIFile,
		Path:     "v1",
		Title:    "OrgAdmin Billing API",
	}))
}

func NewSystemRouter(deps Dependencies) *SystemRouter {
	return &SystemRouter{deps: deps}
}
