package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ManuelReschke/OrgAdmin/app/models"
	"github.com/ManuelReschke/OrgAdmin/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	maxWebhookErrorLength = 1000
	retryScheduledMessage = "event stored, retry scheduled"
)

// attemptOutcome is the result of one processing attempt of a stored event.
type attemptOutcome string

const (
	outcomeProcessed attemptOutcome = "processed"
	outcomeSkipped   attemptOutcome = "skipped"
	outcomeRejected  attemptOutcome = "rejected"
	outcomeRetry     attemptOutcome = "retry_scheduled"
	outcomeExhausted attemptOutcome = "exhausted"
	outcomeError     attemptOutcome = "error"
)

// Reconciler ingests gateway webhooks. Every delivery that passes signature
// and structure checks is stored before it is applied, so nothing the gateway
// told us is lost when applying fails.
type Reconciler struct {
	svc     *Service
	backoff BackoffPolicy
}

// NewReconciler creates a reconciler. A nil backoff uses the service config.
func NewReconciler(svc *Service, backoff BackoffPolicy) *Reconciler {
	if backoff == nil {
		backoff = BackoffFromConfig(svc.cfg)
	}
	return &Reconciler{svc: svc, backoff: backoff}
}

func (r *Reconciler) verifySignature(payload []byte, signature string) bool {
	if r.svc.gateway == nil {
		return false
	}
	return r.svc.gateway.VerifySignature(payload, signature)
}

// Ingest handles one webhook delivery and reports how to answer the sender.
// Only a failure to store the event (or to reach the database while applying
// it) asks the sender to deliver again.
func (r *Reconciler) Ingest(ctx context.Context, payload []byte, signature string) IngestResult {
	start := r.svc.clock.Now()

	if !r.verifySignature(payload, signature) {
		log.Warnf("[Webhook] Rejected delivery with invalid signature (%d bytes)", len(payload))
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "invalid_signature").Inc()
		return IngestResult{HTTPStatus: http.StatusUnauthorized, Status: "error", Message: ErrInvalidSignature.Error()}
	}

	env, err := parseWebhookEnvelope(r.svc.validate, payload)
	if err != nil {
		log.Warnf("[Webhook] Ignoring malformed delivery: %v", err)
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "malformed").Inc()
		return IngestResult{HTTPStatus: http.StatusOK, Status: "error", Message: err.Error()}
	}
	defer func() {
		metrics.WebhookDuration.WithLabelValues(env.Event).Observe(r.svc.clock.Since(start).Seconds())
	}()

	event, created, err := r.storeEvent(ctx, env, payload)
	if err != nil {
		log.Errorf("[Webhook] Failed to store %s event: %v", env.Event, err)
		metrics.WebhookEventsTotal.WithLabelValues(env.Event, "store_failed").Inc()
		return IngestResult{HTTPStatus: http.StatusInternalServerError, Status: "error", Message: "failed to store event"}
	}

	if !created {
		if event.Processed {
			log.Infof("[Webhook] Duplicate %s delivery for event %s ignored", env.Event, event.ID)
			metrics.WebhookEventsTotal.WithLabelValues(env.Event, "duplicate").Inc()
			return IngestResult{HTTPStatus: http.StatusOK, Status: "success", Message: "event already processed", EventID: event.ID, Duplicate: true}
		}
		if event.RetryCount >= r.svc.cfg.WebhookMaxRetries {
			log.Warnf("[Webhook] Redelivered %s event %s has exhausted its retries", env.Event, event.ID)
			metrics.WebhookEventsTotal.WithLabelValues(env.Event, "duplicate").Inc()
			return IngestResult{HTTPStatus: http.StatusOK, Status: "error", Message: "event retries exhausted", EventID: event.ID, Duplicate: true}
		}
		// Redeliveries wait for the scheduled retry like RetryFailed does.
		if event.NextRetryAt != nil && start.Before(*event.NextRetryAt) {
			log.Debugf("[Webhook] Redelivered %s event %s is not due before %s", env.Event, event.ID, event.NextRetryAt.Format(time.RFC3339))
			metrics.WebhookEventsTotal.WithLabelValues(env.Event, string(outcomeRetry)).Inc()
			return IngestResult{HTTPStatus: http.StatusOK, Status: "success", Message: retryScheduledMessage, EventID: event.ID, Duplicate: true}
		}
	}

	outcome, procErr := r.attempt(ctx, event.ID)
	metrics.WebhookEventsTotal.WithLabelValues(env.Event, string(outcome)).Inc()

	res := IngestResult{HTTPStatus: http.StatusOK, EventID: event.ID, Duplicate: !created}
	switch outcome {
	case outcomeProcessed, outcomeSkipped:
		res.Status, res.Message = "success", "event processed"
	case outcomeRejected:
		res.Status, res.Message = "error", procErr.Error()
	case outcomeRetry:
		res.Status, res.Message = "success", retryScheduledMessage
	case outcomeExhausted:
		res.Status, res.Message = "error", "event stored, retries exhausted"
	default:
		res.HTTPStatus, res.Status, res.Message = http.StatusInternalServerError, "error", "failed to process event"
	}
	return res
}

func (r *Reconciler) storeEvent(ctx context.Context, env *webhookEnvelope, payload []byte) (*models.WebhookEvent, bool, error) {
	now := r.svc.clock.Now()
	candidate := &models.WebhookEvent{
		ID:             uuid.NewString(),
		EventKey:       webhookEventKey(env, payload),
		GatewayEventID: env.ID,
		EventType:      env.Event,
		Payload:        datatypes.JSON(append([]byte(nil), payload...)),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var stored *models.WebhookEvent
	var created bool
	err := r.svc.store.InTx(ctx, func(tx Tx) error {
		var err error
		created, stored, err = tx.CreateWebhookEventIfNotExists(candidate)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		log.Debugf("[Webhook] Stored %s event %s (key=%s)", env.Event, stored.ID, stored.EventKey)
	}
	return stored, created, nil
}

// attempt applies a stored event once. The business change and the processed
// flag commit together; on failure the error bookkeeping is written in a
// separate transaction after the rollback.
func (r *Reconciler) attempt(ctx context.Context, eventID string) (attemptOutcome, error) {
	var snapshot *models.WebhookEvent
	err := r.svc.store.InTx(ctx, func(tx Tx) error {
		ev, err := tx.GetWebhookEvent(eventID)
		snapshot = ev
		return err
	})
	if err != nil {
		return outcomeError, err
	}
	if snapshot.Processed {
		return outcomeSkipped, nil
	}

	env, err := parseWebhookEnvelope(r.svc.validate, snapshot.Payload)
	if err != nil {
		return r.reject(ctx, eventID, err)
	}
	prefetched := r.prefetch(ctx, env)

	alreadyDone := false
	err = r.svc.store.InTx(ctx, func(tx Tx) error {
		ev, err := tx.GetWebhookEvent(eventID)
		if err != nil {
			return err
		}
		if ev.Processed {
			alreadyDone = true
			return nil
		}
		now := r.svc.clock.Now()
		if err := r.dispatch(tx, env, prefetched, now); err != nil {
			return err
		}
		ev.Processed = true
		ev.ProcessedAt = &now
		ev.ErrorMessage = ""
		ev.NextRetryAt = nil
		ev.UpdatedAt = now
		return tx.UpdateWebhookEvent(ev)
	})
	if alreadyDone {
		return outcomeSkipped, nil
	}
	if err == nil {
		log.Infof("[Webhook] Processed %s event %s", env.Event, eventID)
		return outcomeProcessed, nil
	}

	switch {
	case IsValidation(err), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrInvariantViolation):
		return r.reject(ctx, eventID, err)
	default:
		return r.scheduleRetry(ctx, eventID, env.Event, err)
	}
}

// reject marks an event that can never apply as processed and keeps the
// reason on the row.
func (r *Reconciler) reject(ctx context.Context, eventID string, cause error) (attemptOutcome, error) {
	log.Warnf("[Webhook] Event %s rejected: %v", eventID, cause)
	err := r.svc.store.InTx(ctx, func(tx Tx) error {
		ev, err := tx.GetWebhookEvent(eventID)
		if err != nil {
			return err
		}
		now := r.svc.clock.Now()
		ev.Processed = true
		ev.ProcessedAt = &now
		ev.ErrorMessage = truncateError(cause)
		ev.NextRetryAt = nil
		ev.UpdatedAt = now
		return tx.UpdateWebhookEvent(ev)
	})
	if err != nil {
		log.Errorf("[Webhook] Failed to record rejection of event %s: %v", eventID, err)
		return outcomeError, err
	}
	return outcomeRejected, cause
}

// scheduleRetry records a failed attempt. Missing references, lost races and
// transient gateway errors wait for the retry pass; any other error is an
// infrastructure problem the sender should also hear about.
func (r *Reconciler) scheduleRetry(ctx context.Context, eventID, eventType string, cause error) (attemptOutcome, error) {
	var retryCount int
	err := r.svc.store.InTx(ctx, func(tx Tx) error {
		ev, err := tx.GetWebhookEvent(eventID)
		if err != nil {
			return err
		}
		now := r.svc.clock.Now()
		ev.RetryCount++
		ev.ErrorMessage = truncateError(cause)
		next := now.Add(r.backoff.NextDelay(ev.RetryCount))
		ev.NextRetryAt = &next
		ev.UpdatedAt = now
		retryCount = ev.RetryCount
		return tx.UpdateWebhookEvent(ev)
	})
	if err != nil {
		log.Errorf("[Webhook] Failed to record error for %s event %s: %v (original error: %v)", eventType, eventID, err, cause)
		return outcomeError, cause
	}

	retryable := errors.Is(cause, ErrNotFound) || errors.Is(cause, ErrConflict) || IsTransient(cause)
	if retryCount >= r.svc.cfg.WebhookMaxRetries {
		log.Errorf("[Webhook] %s event %s failed %d times, giving up: %v", eventType, eventID, retryCount, cause)
		if !retryable {
			return outcomeError, cause
		}
		return outcomeExhausted, cause
	}
	if !retryable {
		log.Errorf("[Webhook] %s event %s failed (attempt %d): %v", eventType, eventID, retryCount, cause)
		return outcomeError, cause
	}
	log.Warnf("[Webhook] %s event %s failed (attempt %d), retry scheduled: %v", eventType, eventID, retryCount, cause)
	return outcomeRetry, cause
}

// RetryFailed re-applies stored events that failed and still have retries
// left, oldest first, at most WebhookRetryBatch per call.
func (r *Reconciler) RetryFailed(ctx context.Context) (RetryResult, error) {
	var result RetryResult
	var events []models.WebhookEvent
	err := r.svc.store.InTx(ctx, func(tx Tx) error {
		var err error
		events, err = tx.ListRetryableWebhookEvents(r.svc.cfg.WebhookMaxRetries, r.svc.clock.Now(), r.svc.cfg.WebhookRetryBatch)
		return err
	})
	if err != nil {
		return result, fmt.Errorf("list retryable webhook events: %w", err)
	}
	result.Selected = len(events)
	if len(events) == 0 {
		return result, nil
	}

	log.Infof("[Webhook] Retrying %d failed events", len(events))
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		outcome, procErr := r.attempt(ctx, ev.ID)
		metrics.WebhookRetriesTotal.WithLabelValues(string(outcome)).Inc()
		switch outcome {
		case outcomeProcessed, outcomeSkipped:
			result.Succeeded++
		case outcomeExhausted:
			result.Failed++
			result.Exhausted++
		default:
			result.Failed++
			if procErr != nil {
				log.Debugf("[Webhook] Retry of event %s: %s: %v", ev.ID, outcome, procErr)
			}
		}
	}
	log.Infof("[Webhook] Retry pass finished: selected=%d succeeded=%d failed=%d exhausted=%d",
		result.Selected, result.Succeeded, result.Failed, result.Exhausted)
	return result, nil
}

// ListDeadLetters returns unprocessed events that ran out of retries.
func (r *Reconciler) ListDeadLetters(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var events []models.WebhookEvent
	err := r.svc.store.InTx(ctx, func(tx Tx) error {
		var err error
		events, err = tx.ListExhaustedWebhookEvents(r.svc.cfg.WebhookMaxRetries, limit)
		return err
	})
	return events, err
}

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > maxWebhookErrorLength {
		return msg[:maxWebhookErrorLength]
	}
	return msg
}

// prefetchedData carries gateway lookups made before the apply transaction.
type prefetchedData struct {
	transaction *GatewayTransaction
}

// prefetch performs best-effort gateway reads. They never fail an event.
func (r *Reconciler) prefetch(ctx context.Context, env *webhookEnvelope) prefetchedData {
	var out prefetchedData
	if env.Event != EventChargeSuccess || r.svc.gateway == nil {
		return out
	}
	var data chargeEventData
	if err := decodeEventData(r.svc.validate, env.Data, &data); err != nil {
		return out
	}

	gctx, cancel := context.WithTimeout(ctx, r.svc.cfg.GatewayTimeout)
	defer cancel()
	txn, err := r.svc.gateway.VerifyTransaction(gctx, data.Reference)
	if err != nil {
		if !errors.Is(err, ErrGatewayDisabled) {
			log.Warnf("[Webhook] Could not verify transaction %s: %v", data.Reference, err)
		}
		return out
	}
	if paymentStatusFromGateway(txn.Status) != models.PaymentStatusSuccessful {
		log.Warnf("[Webhook] Transaction %s reported as %q by the gateway, applying webhook anyway", data.Reference, txn.Status)
	}
	out.transaction = txn
	return out
}
