package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/OrgAdmin/app/controllers"
	"github.com/ManuelReschke/OrgAdmin/internal/pkg/middleware"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies are the handlers and settings shared by all routers.
type Dependencies struct {
	Billing *controllers.BillingController
	Jobs    *controllers.JobsController
	Admin   middleware.AdminCredentials
	// LimiterStorage keeps webhook rate limit counters. Nil means in-process memory.
	LimiterStorage fiber.Storage
	// OpenAPIFile is served under /docs/api when it exists.
	OpenAPIFile string
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	setup(app, NewSystemRouter(deps), NewWebhookRouter(deps), NewAdminRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
