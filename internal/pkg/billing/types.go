package billing

import (
	"time"

	"github.com/ManuelReschke/OrgAdmin/app/models"
)

// CreateSubscriptionInput is the admin request to start a subscription.
type CreateSubscriptionInput struct {
	OrganizationID     string `json:"organization_id" validate:"required,max=36"`
	PlanID             string `json:"plan_id" validate:"required,max=36"`
	GatewayCustomerRef string `json:"gateway_customer_ref" validate:"max=100"`
	SkipTrial          bool   `json:"skip_trial"`
	Source             string `json:"source" validate:"max=50"`
}

// CancelSubscriptionInput is the admin request to cancel a subscription.
type CancelSubscriptionInput struct {
	Reason      string `json:"reason" validate:"max=255"`
	AtPeriodEnd bool   `json:"at_period_end"`
}

// SweepResult reports the transitions made by one lifecycle sweep.
type SweepResult struct {
	ExpiredCount   int `json:"expiredCount"`
	CancelledCount int `json:"cancelledCount"`
	WarningsCount  int `json:"warningsCount"`
}

// RetryResult reports one webhook retry pass.
type RetryResult struct {
	Selected  int `json:"selected"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
}

// IngestResult is the transport-neutral outcome of one webhook delivery.
type IngestResult struct {
	HTTPStatus int    `json:"-"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	EventID    string `json:"event_id,omitempty"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}

// FollowUpKind names a gateway call that has to be repeated after it failed inline.
type FollowUpKind string

const (
	FollowUpCreateSubscription FollowUpKind = "gateway_create_subscription"
	FollowUpCancelSubscription FollowUpKind = "gateway_cancel_subscription"
	FollowUpEnableSubscription FollowUpKind = "gateway_enable_subscription"
)

// FollowUp is a gateway call owed for a local subscription.
type FollowUp struct {
	Kind           FollowUpKind `json:"kind"`
	SubscriptionID string       `json:"subscription_id"`
	RequestedAt    time.Time    `json:"requested_at"`
}

// SubscriptionDetails bundles a subscription with its plan and payments.
type SubscriptionDetails struct {
	Subscription models.Subscription          `json:"subscription"`
	Plan         *models.SubscriptionPlan     `json:"plan,omitempty"`
	Payments     []models.SubscriptionPayment `json:"payments"`
}
