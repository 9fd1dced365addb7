package billing

import (
	"fmt"
	"time"

	"github.com/ManuelReschke/OrgAdmin/app/models"
	"gorm.io/datatypes"
)

const (
	ReasonNonPayment       = "Automatic cancellation due to non-payment"
	ReasonAtPeriodEnd      = "Cancelled at period end"
	ReasonGatewayDisabled  = "Subscription disabled by payment gateway"
	ReasonSuperseded       = "Superseded by a new subscription"
	ReasonCancelledByAdmin = "Cancelled by administrator"
)

// The functions below are the only code that changes Subscription.Status.
// They mutate the row in memory; callers persist it with saveSubscription.

func invalidTransition(sub *models.Subscription, trigger string) error {
	return fmt.Errorf("%w: %s from %s (subscription %s)", ErrInvalidTransition, trigger, sub.Status, sub.ID)
}

// newSubscription builds the initial row: TRIALING when the plan has trial
// days and the caller did not skip them, ACTIVE otherwise.
func newSubscription(id string, plan *models.SubscriptionPlan, in CreateSubscriptionInput, now time.Time) (*models.Subscription, error) {
	sub := &models.Subscription{
		ID:                 id,
		OrganizationID:     in.OrganizationID,
		PlanID:             plan.ID,
		GatewayCustomerRef: in.GatewayCustomerRef,
		CurrentPeriodStart: now,
		Metadata:           datatypes.NewJSONType(models.SubscriptionMetadata{Source: in.Source}),
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if plan.TrialPeriodDays > 0 && !in.SkipTrial {
		trialEnd := now.AddDate(0, 0, plan.TrialPeriodDays)
		start := now
		sub.Status = models.SubscriptionStatusTrialing
		sub.TrialStart = &start
		sub.TrialEnd = &trialEnd
		sub.CurrentPeriodEnd = trialEnd
		sub.NextBillingDate = &trialEnd
		return sub, nil
	}

	end, err := nextPeriodEnd(now, plan)
	if err != nil {
		return nil, err
	}
	sub.Status = models.SubscriptionStatusActive
	sub.CurrentPeriodEnd = end
	sub.NextBillingDate = &end
	return sub, nil
}

// startPeriod opens a fresh billing period at start and moves the row to ACTIVE.
func startPeriod(sub *models.Subscription, plan *models.SubscriptionPlan, start time.Time) error {
	end, err := nextPeriodEnd(start, plan)
	if err != nil {
		return err
	}
	sub.Status = models.SubscriptionStatusActive
	sub.CurrentPeriodStart = start
	sub.CurrentPeriodEnd = end
	sub.NextBillingDate = &end
	sub.TrialStart = nil
	sub.TrialEnd = nil
	sub.PastDueSince = nil
	return nil
}

// endTrial moves a TRIALING row to ACTIVE with the first paid period starting
// where the trial ended.
func endTrial(sub *models.Subscription, plan *models.SubscriptionPlan) error {
	if sub.Status != models.SubscriptionStatusTrialing {
		return invalidTransition(sub, "trial expiry")
	}
	start := sub.CurrentPeriodEnd
	if sub.TrialEnd != nil {
		start = *sub.TrialEnd
	}
	return startPeriod(sub, plan, start)
}

// expirePeriod handles an ACTIVE row whose period ended without a renewal.
// It returns the new status.
func expirePeriod(sub *models.Subscription, now time.Time) (string, error) {
	if sub.Status != models.SubscriptionStatusActive {
		return sub.Status, invalidTransition(sub, "period expiry")
	}
	if sub.CancelAtPeriodEnd {
		cancel(sub, now, ReasonAtPeriodEnd)
		return sub.Status, nil
	}
	enterPastDue(sub, now)
	return sub.Status, nil
}

// enterPastDue starts the grace clock. It is only started on entry, so later
// failures or unrelated updates never extend the grace window.
func enterPastDue(sub *models.Subscription, now time.Time) {
	if sub.Status != models.SubscriptionStatusPastDue || sub.PastDueSince == nil {
		since := now
		sub.PastDueSince = &since
	}
	sub.Status = models.SubscriptionStatusPastDue
}

// applyPaymentSuccess extends the subscription by one plan interval. The new
// period starts at the previous period end; if that still leaves the period
// in the past (long outage), it is re-anchored at paidAt.
func applyPaymentSuccess(sub *models.Subscription, plan *models.SubscriptionPlan, paidAt time.Time) error {
	switch sub.Status {
	case models.SubscriptionStatusTrialing:
		if err := startPeriod(sub, plan, paidAt); err != nil {
			return err
		}
	case models.SubscriptionStatusActive, models.SubscriptionStatusPastDue:
		start := sub.CurrentPeriodEnd
		end, err := nextPeriodEnd(start, plan)
		if err != nil {
			return err
		}
		if !end.After(paidAt) {
			start = paidAt
		}
		if err := startPeriod(sub, plan, start); err != nil {
			return err
		}
	default:
		return invalidTransition(sub, "payment success")
	}
	paid := paidAt
	sub.LastPaymentDate = &paid
	sub.FailedPaymentCount = 0
	return nil
}

// applyPaymentFailure moves any live row to PAST_DUE and counts the failure.
func applyPaymentFailure(sub *models.Subscription, now time.Time) error {
	if !sub.IsLive() {
		return invalidTransition(sub, "payment failure")
	}
	sub.FailedPaymentCount++
	enterPastDue(sub, now)
	return nil
}

// graceExceeded reports whether a PAST_DUE row has been past due for longer
// than grace at now.
func graceExceeded(sub *models.Subscription, now time.Time, grace time.Duration) bool {
	if sub.Status != models.SubscriptionStatusPastDue || sub.PastDueSince == nil {
		return false
	}
	return now.Sub(*sub.PastDueSince) > grace
}

// cancel moves a live row to CANCELLED. It is a no-op on cancelled rows.
func cancel(sub *models.Subscription, now time.Time, reason string) bool {
	if !sub.IsLive() {
		return false
	}
	at := now
	sub.Status = models.SubscriptionStatusCancelled
	sub.CancelledAt = &at
	sub.CancelReason = reason
	sub.CancelAtPeriodEnd = false
	sub.NextBillingDate = nil
	sub.PastDueSince = nil
	return true
}

// reactivate revives a CANCELLED row after the gateway re-enabled it. The
// current period is kept if it has not ended yet.
func reactivate(sub *models.Subscription, plan *models.SubscriptionPlan, now time.Time) error {
	if sub.Status != models.SubscriptionStatusCancelled {
		return invalidTransition(sub, "reactivation")
	}
	sub.CancelledAt = nil
	sub.CancelReason = ""
	sub.CancelAtPeriodEnd = false
	sub.FailedPaymentCount = 0
	if sub.CurrentPeriodEnd.After(now) {
		end := sub.CurrentPeriodEnd
		sub.Status = models.SubscriptionStatusActive
		sub.NextBillingDate = &end
		sub.PastDueSince = nil
		return nil
	}
	return startPeriod(sub, plan, now)
}

// isExpiredByWallClock reports whether a live row should have left its status
// already, i.e. the sweeper simply has not reached it yet.
func isExpiredByWallClock(sub *models.Subscription, now time.Time, grace time.Duration) bool {
	switch sub.Status {
	case models.SubscriptionStatusTrialing:
		return sub.TrialEnd != nil && sub.TrialEnd.Before(now)
	case models.SubscriptionStatusActive:
		return sub.CurrentPeriodEnd.Before(now)
	case models.SubscriptionStatusPastDue:
		return graceExceeded(sub, now, grace)
	default:
		return false
	}
}
