package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/OrgAdmin/app/models"
	"github.com/ManuelReschke/OrgAdmin/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
)

// Sweeper moves subscriptions along by wall-clock time. Each pass selects a
// bounded batch of ids and re-checks every row inside its own transaction, so
// concurrent sweeps and webhooks never double-transition a row.
type Sweeper struct {
	svc *Service
}

// NewSweeper creates a lifecycle sweeper.
func NewSweeper(svc *Service) *Sweeper {
	return &Sweeper{svc: svc}
}

// rowResult is what one per-row transition did.
type rowResult int

const (
	rowSkipped rowResult = iota
	rowExpired
	rowCancelled
)

// RunSweep runs the expiry, grace and warning passes once.
func (s *Sweeper) RunSweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	start := s.svc.clock.Now()
	defer func() {
		metrics.SweepDuration.Observe(s.svc.clock.Since(start).Seconds())
	}()

	if err := s.expiryPass(ctx, &result); err != nil {
		return result, err
	}
	if err := s.gracePass(ctx, &result); err != nil {
		return result, err
	}
	if err := s.warningPass(ctx, &result); err != nil {
		return result, err
	}

	log.Infof("[Lifecycle] Sweep finished in %s: expired=%d cancelled=%d warnings=%d",
		s.svc.clock.Since(start), result.ExpiredCount, result.CancelledCount, result.WarningsCount)
	return result, nil
}

func (s *Sweeper) listIDs(ctx context.Context, f SubscriptionFilter) ([]string, error) {
	f.Limit = s.svc.cfg.SweepBatchSize
	var ids []string
	err := s.svc.store.InTx(ctx, func(tx Tx) error {
		var err error
		ids, err = tx.ListSubscriptionIDs(f)
		return err
	})
	return ids, err
}

// forEach runs fn for every id in its own transaction. Row errors are logged
// and skipped so one bad row cannot block the rest of the batch.
func (s *Sweeper) forEach(ctx context.Context, pass string, ids []string, fn func(tx Tx, sub *models.Subscription, now time.Time) (rowResult, error), result *SweepResult) error {
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		var outcome rowResult
		err := s.svc.store.InTx(ctx, func(tx Tx) error {
			sub, err := lockSubscriptionByID(tx, id)
			if err != nil {
				return err
			}
			outcome, err = fn(tx, sub, s.svc.clock.Now())
			return err
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			log.Errorf("[Lifecycle] %s pass failed for subscription %s: %v", pass, id, err)
			continue
		}
		switch outcome {
		case rowExpired:
			result.ExpiredCount++
			metrics.SweepTransitionsTotal.WithLabelValues(pass).Inc()
		case rowCancelled:
			result.CancelledCount++
			metrics.SweepTransitionsTotal.WithLabelValues(pass).Inc()
		}
	}
	return nil
}

func (s *Sweeper) expiryPass(ctx context.Context, result *SweepResult) error {
	now := s.svc.clock.Now()

	trialIDs, err := s.listIDs(ctx, SubscriptionFilter{Status: models.SubscriptionStatusTrialing, TrialEndBefore: &now})
	if err != nil {
		return fmt.Errorf("list expired trials: %w", err)
	}
	if err := s.forEach(ctx, "trial_expiry", trialIDs, s.expireTrial, result); err != nil {
		return err
	}

	periodIDs, err := s.listIDs(ctx, SubscriptionFilter{Status: models.SubscriptionStatusActive, PeriodEndBefore: &now})
	if err != nil {
		return fmt.Errorf("list expired periods: %w", err)
	}
	return s.forEach(ctx, "period_expiry", periodIDs, s.expirePeriod, result)
}

func (s *Sweeper) expireTrial(tx Tx, sub *models.Subscription, now time.Time) (rowResult, error) {
	if sub.Status != models.SubscriptionStatusTrialing || sub.TrialEnd == nil || !sub.TrialEnd.Before(now) {
		return rowSkipped, nil
	}
	plan, err := tx.GetPlan(sub.PlanID)
	if err != nil {
		return rowSkipped, fmt.Errorf("plan %s: %w", sub.PlanID, err)
	}
	prev := sub.Status
	if err := endTrial(sub, plan); err != nil {
		return rowSkipped, err
	}
	if err := s.svc.saveSubscription(tx, sub, prev); err != nil {
		return rowSkipped, err
	}
	return rowExpired, nil
}

func (s *Sweeper) expirePeriod(tx Tx, sub *models.Subscription, now time.Time) (rowResult, error) {
	if sub.Status != models.SubscriptionStatusActive || !sub.CurrentPeriodEnd.Before(now) {
		return rowSkipped, nil
	}
	prev := sub.Status
	next, err := expirePeriod(sub, now)
	if err != nil {
		return rowSkipped, err
	}
	if err := s.svc.saveSubscription(tx, sub, prev); err != nil {
		return rowSkipped, err
	}
	if next == models.SubscriptionStatusCancelled {
		return rowCancelled, nil
	}
	return rowExpired, nil
}

func (s *Sweeper) gracePass(ctx context.Context, result *SweepResult) error {
	cutoff := s.svc.clock.Now().Add(-s.svc.cfg.GracePeriod)
	ids, err := s.listIDs(ctx, SubscriptionFilter{Status: models.SubscriptionStatusPastDue, PastDueBefore: &cutoff})
	if err != nil {
		return fmt.Errorf("list past due subscriptions: %w", err)
	}
	return s.forEach(ctx, "grace", ids, func(tx Tx, sub *models.Subscription, now time.Time) (rowResult, error) {
		if !graceExceeded(sub, now, s.svc.cfg.GracePeriod) {
			return rowSkipped, nil
		}
		prev := sub.Status
		cancel(sub, now, ReasonNonPayment)
		if err := s.svc.saveSubscription(tx, sub, prev); err != nil {
			return rowSkipped, err
		}
		return rowCancelled, nil
	}, result)
}

// warningPass counts live subscriptions ending within the warning window and
// logs the first batch of them. Sending the notification itself is up to
// downstream consumers of the log.
func (s *Sweeper) warningPass(ctx context.Context, result *SweepResult) error {
	now := s.svc.clock.Now()
	horizon := now.Add(s.svc.cfg.WarningWindow)

	for _, w := range []struct {
		kind   string
		filter SubscriptionFilter
	}{
		{"trial", SubscriptionFilter{Status: models.SubscriptionStatusTrialing, TrialEndAfter: &now, TrialEndBefore: &horizon}},
		{"period", SubscriptionFilter{Status: models.SubscriptionStatusActive, PeriodEndAfter: &now, PeriodEndBefore: &horizon}},
	} {
		var count int
		err := s.svc.store.InTx(ctx, func(tx Tx) error {
			var err error
			count, err = tx.CountSubscriptions(w.filter)
			return err
		})
		if err != nil {
			return fmt.Errorf("count ending %s: %w", w.kind, err)
		}
		if count == 0 {
			continue
		}
		ids, err := s.listIDs(ctx, w.filter)
		if err != nil {
			return fmt.Errorf("list ending %s: %w", w.kind, err)
		}
		for _, id := range ids {
			log.Infof("[Lifecycle] Subscription %s: %s ends before %s", id, w.kind, horizon.Format(time.RFC3339))
		}
		if count > len(ids) {
			log.Infof("[Lifecycle] %d more subscriptions with an ending %s not listed", count-len(ids), w.kind)
		}
		result.WarningsCount += count
	}

	if result.WarningsCount > 0 {
		metrics.SweepTransitionsTotal.WithLabelValues("warning").Add(float64(result.WarningsCount))
	}
	return nil
}
