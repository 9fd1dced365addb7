package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/OrgAdmin/internal/pkg/middleware"
)

const (
	webhookRateLimit       = 300
	webhookRateLimitWindow = time.Minute
)

type WebhookRouter struct {
	deps Dependencies
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	webhooks := app.Group("/webhooks")

	webhooks.Post("/gateway", limiter.New(limiter.Config{
		Max:        webhookRateLimit,
		Expiration: webhookRateLimitWindow,
		Storage:    h.deps.LimiterStorage,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"status": "error", "message": "rate limit exceeded"})
		},
	}), h.deps.Billing.HandleGatewayWebhook)

	webhooks.Post("/retry-failed", middleware.RequireAdmin(h.deps.Admin), h.deps.Billing.HandleRetryFailed)
}

func NewWebhookRouter(deps Dependencies) *WebhookRouter {
	return &WebhookRouter{deps: deps}
}
