package controllers

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/ManuelReschke/OrgAdmin/app/models"
	"github.com/ManuelReschke/OrgAdmin/internal/pkg/billing"
	"github.com/ManuelReschke/OrgAdmin/internal/pkg/s3archive"
)

const (
	webhookTimeout = 15 * time.Second
	adminTimeout   = 30 * time.Second
	// Sweeps over a large ledger take longer than single admin calls.
	sweepTimeout = 5 * time.Minute
)

// DeadLetterArchive stores exported dead-letter batches.
type DeadLetterArchive interface {
	PutJSON(ctx context.Context, objectKey string, v interface{}) (*s3archive.UploadResult, error)
}

// BillingController serves the webhook and admin billing routes.
type BillingController struct {
	svc        *billing.Service
	reconciler *billing.Reconciler
	sweeper    *billing.Sweeper
	archive    DeadLetterArchive
	clock      clockwork.Clock
}

// NewBillingController wires the handlers. archive may be nil when the S3
// archive is disabled.
func NewBillingController(svc *billing.Service, reconciler *billing.Reconciler, sweeper *billing.Sweeper, archive DeadLetterArchive, clock clockwork.Clock) *BillingController {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &BillingController{svc: svc, reconciler: reconciler, sweeper: sweeper, archive: archive, clock: clock}
}

// HandleGatewayWebhook ingests one signed gateway notification.
func (h *BillingController) HandleGatewayWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := firstHeaderValue(c, billing.SignatureHeader, "X-Paystack-Signature")

	ctx, cancel := context.WithTimeout(c.UserContext(), webhookTimeout)
	defer cancel()

	res := h.reconciler.Ingest(ctx, rawBody, signature)
	return c.Status(res.HTTPStatus).JSON(res)
}

// HandleRetryFailed runs one bounded webhook retry pass.
func (h *BillingController) HandleRetryFailed(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), adminTimeout)
	defer cancel()

	res, err := h.reconciler.RetryFailed(ctx)
	if err != nil {
		return billingErrorResponse(c, err)
	}
	return c.JSON(fiber.Map{"status": "success", "result": res})
}

// HandleLifecycleSweep runs one lifecycle sweep and returns its counters.
func (h *BillingController) HandleLifecycleSweep(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), sweepTimeout)
	defer cancel()

	res, err := h.sweeper.RunSweep(ctx)
	if err != nil {
		return billingErrorResponse(c, err)
	}
	return c.JSON(res)
}

func (h *BillingController) HandleCreateSubscription(c *fiber.Ctx) error {
	var in billing.CreateSubscriptionInput
	if err := c.BodyParser(&in); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body", "message": err.Error()})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), adminTimeout)
	defer cancel()

	sub, err := h.svc.CreateSubscription(ctx, in)
	if err != nil {
		return billingErrorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(sub)
}

func (h *BillingController) HandleGetSubscription(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), adminTimeout)
	defer cancel()

	details, err := h.svc.GetSubscription(ctx, c.Params("id"))
	if err != nil {
		return billingErrorResponse(c, err)
	}
	return c.JSON(details)
}

func (h *BillingController) HandleCancelSubscription(c *fiber.Ctx) error {
	var in billing.CancelSubscriptionInput
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&in); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body", "message": err.Error()})
		}
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), adminTimeout)
	defer cancel()

	sub, err := h.svc.CancelSubscription(ctx, c.Params("id"), in)
	if err != nil {
		return billingErrorResponse(c, err)
	}
	return c.JSON(sub)
}

func (h *BillingController) HandleResumeSubscription(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), adminTimeout)
	defer cancel()

	sub, err := h.svc.ResumeSubscription(ctx, c.Params("id"))
	if err != nil {
		return billingErrorResponse(c, err)
	}
	return c.JSON(sub)
}

func (h *BillingController) HandleGetOrganizationSubscription(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), adminTimeout)
	defer cancel()

	sub, err := h.svc.GetOrganizationSubscription(ctx, c.Params("id"))
	if err != nil {
		return billingErrorResponse(c, err)
	}
	return c.JSON(sub)
}

func (h *BillingController) HandleListPayments(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), adminTimeout)
	defer cancel()

	payments, err := h.svc.ListPayments(ctx, c.Params("id"))
	if err != nil {
		return billingErrorResponse(c, err)
	}
	if payments == nil {
		payments = []models.SubscriptionPayment{}
	}
	return c.JSON(fiber.Map{"payments": payments})
}

func (h *BillingController) HandleListDeadLetters(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit"))

	ctx, cancel := context.WithTimeout(c.UserContext(), adminTimeout)
	defer cancel()

	events, err := h.reconciler.ListDeadLetters(ctx, limit)
	if err != nil {
		return billingErrorResponse(c, err)
	}
	if events == nil {
		events = []models.WebhookEvent{}
	}
	return c.JSON(fiber.Map{"events": events, "count": len(events)})
}

// deadLetterExport is the document written to the archive.
type deadLetterExport struct {
	ExportedAt time.Time             `json:"exported_at"`
	Count      int                   `json:"count"`
	Events     []models.WebhookEvent `json:"events"`
}

// HandleExportDeadLetters uploads the current dead letters as one JSON object.
func (h *BillingController) HandleExportDeadLetters(c *fiber.Ctx) error {
	if h.archive == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "archive_disabled", "message": "S3 archive is not configured"})
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	ctx, cancel := context.WithTimeout(c.UserContext(), adminTimeout)
	defer cancel()

	events, err := h.reconciler.ListDeadLetters(ctx, limit)
	if err != nil {
		return billingErrorResponse(c, err)
	}
	if len(events) == 0 {
		return c.JSON(fiber.Map{"status": "success", "count": 0})
	}

	now := h.clock.Now().UTC()
	key := s3archive.DeadLetterKey(now, uuid.New().String())
	res, err := h.archive.PutJSON(ctx, key, deadLetterExport{ExportedAt: now, Count: len(events), Events: events})
	if err != nil {
		log.Errorf("[Billing] Dead-letter export failed: %v", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "archive_failed", "message": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "success", "count": len(events), "object": res})
}

func billingErrorResponse(c *fiber.Ctx, err error) error {
	switch {
	case billing.IsValidation(err):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	case errors.Is(err, billing.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": err.Error()})
	case errors.Is(err, billing.ErrInvariantViolation):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "invariant_violation", "message": err.Error()})
	case errors.Is(err, billing.ErrInvalidTransition):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, billing.ErrConflict):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "conflict", "message": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{"error": "timeout", "message": err.Error()})
	default:
		log.Errorf("[Billing] %s %s failed: %v", c.Method(), c.Path(), err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
	}
}

func firstHeaderValue(c *fiber.Ctx, keys ...string) string {
	for _, k := range keys {
		v := strings.TrimSpace(c.Get(k))
		if v != "" {
			return v
		}
	}
	return ""
}
