package controllers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/OrgAdmin/internal/pkg/jobqueue"
)

// QueueStatsSource reports the state of the follow-up queue.
type QueueStatsSource interface {
	Stats(ctx context.Context) (*jobqueue.QueueStats, error)
}

type JobsController struct {
	queue QueueStatsSource
}

// NewJobsController accepts a nil queue when background jobs are disabled.
func NewJobsController(queue QueueStatsSource) *JobsController {
	return &JobsController{queue: queue}
}

func (h *JobsController) HandleQueueStats(c *fiber.Ctx) error {
	if h.queue == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "jobs_disabled", "message": "background jobs are not enabled"})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), adminTimeout)
	defer cancel()

	stats, err := h.queue.Stats(ctx)
	if err != nil {
		log.Errorf("[JobQueue] Failed to read queue stats: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
	}
	return c.JSON(stats)
}
