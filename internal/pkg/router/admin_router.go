package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/OrgAdmin/internal/pkg/middleware"
)

type AdminRouter struct {
	deps Dependencies
}

func (h AdminRouter) InstallRouter(app *fiber.App) {
	billing := h.deps.Billing
	adminGroup := app.Group("/admin", middleware.RequireAdmin(h.deps.Admin))

	// Subscriptions
	adminGroup.Post("/subscriptions", billing.HandleCreateSubscription)
	adminGroup.Get("/subscriptions/:id", billing.HandleGetSubscription)
	adminGroup.Post("/subscriptions/:id/cancel", billing.HandleCancelSubscription)
	adminGroup.Post("/subscriptions/:id/resume", billing.HandleResumeSubscription)
	adminGroup.Get("/subscriptions/:id/payments", billing.HandleListPayments)
	adminGroup.Get("/organizations/:id/subscription", billing.HandleGetOrganizationSubscription)

	// Lifecycle + webhook maintenance
	adminGroup.Post("/lifecycle/sweep", billing.HandleLifecycleSweep)
	adminGroup.Get("/webhooks/dead-letters", billing.HandleListDeadLetters)
	adminGroup.Post("/webhooks/dead-letters/export", billing.HandleExportDeadLetters)

	if h.deps.Jobs != nil {
		adminGroup.Get("/jobs/stats", h.deps.Jobs.HandleQueueStats)
	}
}

func NewAdminRouter(deps Dependencies) *AdminRouter {
	return &AdminRouter{deps: deps}
}
