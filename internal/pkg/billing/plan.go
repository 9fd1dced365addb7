package billing

import (
	"strings"
	"time"

	"github.com/ManuelReschke/OrgAdmin/app/models"
)

// AddInterval advances start by count plan intervals using calendar-aware
// addition. Month and year overflow normalizes forward the way time.AddDate
// does, so Jan 31 + 1 month lands on Mar 2 (leap year) or Mar 3.
func AddInterval(start time.Time, interval string, count int) (time.Time, error) {
	if count <= 0 {
		count = 1
	}
	switch normalizeInterval(interval) {
	case models.PlanIntervalDaily:
		return start.AddDate(0, 0, count), nil
	case models.PlanIntervalWeekly:
		return start.AddDate(0, 0, 7*count), nil
	case models.PlanIntervalMonthly:
		return start.AddDate(0, count, 0), nil
	case models.PlanIntervalQuarterly:
		return start.AddDate(0, 3*count, 0), nil
	case models.PlanIntervalYearly:
		return start.AddDate(count, 0, 0), nil
	default:
		return time.Time{}, newValidationError("interval", "unsupported plan interval %q", interval)
	}
}

// nextPeriodEnd is AddInterval driven by a plan row.
func nextPeriodEnd(start time.Time, plan *models.SubscriptionPlan) (time.Time, error) {
	return AddInterval(start, plan.Interval, plan.IntervalCount)
}

func normalizeInterval(interval string) string {
	switch strings.ToUpper(strings.TrimSpace(interval)) {
	case "DAILY", "DAY":
		return models.PlanIntervalDaily
	case "WEEKLY", "WEEK":
		return models.PlanIntervalWeekly
	case "MONTHLY", "MONTH":
		return models.PlanIntervalMonthly
	case "QUARTERLY", "QUARTER":
		return models.PlanIntervalQuarterly
	case "YEARLY", "ANNUALLY", "YEAR":
		return models.PlanIntervalYearly
	default:
		return ""
	}
}

// paymentRank orders payment statuses. An event whose implied status does
// not rank above the stored one is ignored, which makes late PENDING
// deliveries harmless. FAILED and CANCELLED share a rank so a declined
// attempt can still be followed by a successful one on the same reference.
func paymentRank(status string) int {
	switch status {
	case models.PaymentStatusPending:
		return 0
	case models.PaymentStatusFailed, models.PaymentStatusCancelled:
		return 1
	case models.PaymentStatusSuccessful:
		return 2
	case models.PaymentStatusRefunded:
		return 3
	default:
		return -1
	}
}

// OrganizationStatusFor derives the organization status from its
// subscription status.
func OrganizationStatusFor(subscriptionStatus string) string {
	switch subscriptionStatus {
	case models.SubscriptionStatusActive:
		return models.OrganizationStatusActive
	case models.SubscriptionStatusTrialing:
		return models.OrganizationStatusTrial
	case models.SubscriptionStatusPastDue:
		return models.OrganizationStatusSuspended
	default:
		return models.OrganizationStatusCancelled
	}
}
