package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	SubscriptionStatusTrialing  = "TRIALING"
	SubscriptionStatusActive    = "ACTIVE"
	SubscriptionStatusPastDue   = "PAST_DUE"
	SubscriptionStatusCancelled = "CANCELLED"
)

// LiveSubscriptionStatuses are the non-terminal statuses. At most one
// subscription per organization may hold one of them.
var LiveSubscriptionStatuses = []string{
	SubscriptionStatusTrialing,
	SubscriptionStatusActive,
	SubscriptionStatusPastDue,
}

// IsLiveSubscriptionStatus reports whether status is non-terminal.
func IsLiveSubscriptionStatus(status string) bool {
	for _, s := range LiveSubscriptionStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// SubscriptionMetadata is the typed view over the metadata column.
type SubscriptionMetadata struct {
	Source                 string     `json:"source,omitempty"`
	CustomerIdentification string     `json:"customer_identification,omitempty"`
	IdentificationReason   string     `json:"identification_reason,omitempty"`
	IdentifiedAt           *time.Time `json:"identified_at,omitempty"`
	AuthorizationCode      string     `json:"authorization_code,omitempty"`
	LastInvoiceCode        string     `json:"last_invoice_code,omitempty"`
}

// Subscription is one billing relationship of an organization. Rows are never
// deleted; CANCELLED is terminal for the row.
type Subscription struct {
	ID                     string                                   `gorm:"type:varchar(36);primaryKey" json:"id"`
	OrganizationID         string                                   `gorm:"type:varchar(36);not null;index:idx_subscriptions_org_status,priority:1" json:"organization_id"`
	PlanID                 string                                   `gorm:"type:varchar(36);not null;index" json:"plan_id"`
	Status                 string                                   `gorm:"type:varchar(16);not null;index:idx_subscriptions_org_status,priority:2;index:idx_subscriptions_status_period_end,priority:1" json:"status"`
	CurrentPeriodStart     time.Time                                `gorm:"not null" json:"current_period_start"`
	CurrentPeriodEnd       time.Time                                `gorm:"not null;index:idx_subscriptions_status_period_end,priority:2" json:"current_period_end"`
	TrialStart             *time.Time                               `gorm:"default:null" json:"trial_start,omitempty"`
	TrialEnd               *time.Time                               `gorm:"default:null;index" json:"trial_end,omitempty"`
	CancelledAt            *time.Time                               `gorm:"default:null" json:"cancelled_at,omitempty"`
	CancelAtPeriodEnd      bool                                     `gorm:"not null;default:false" json:"cancel_at_period_end"`
	CancelReason           string                                   `gorm:"type:varchar(255);not null;default:''" json:"cancel_reason,omitempty"`
	NextBillingDate        *time.Time                               `gorm:"default:null" json:"next_billing_date,omitempty"`
	LastPaymentDate        *time.Time                               `gorm:"default:null" json:"last_payment_date,omitempty"`
	FailedPaymentCount     int                                      `gorm:"not null;default:0" json:"failed_payment_count"`
	PastDueSince           *time.Time                               `gorm:"default:null;index" json:"past_due_since,omitempty"`
	GatewaySubscriptionRef *string                                  `gorm:"type:varchar(100);uniqueIndex:ux_subscriptions_gateway_ref" json:"gateway_subscription_ref,omitempty"`
	GatewayCustomerRef     string                                   `gorm:"type:varchar(100);not null;default:'';index" json:"gateway_customer_ref,omitempty"`
	GatewayEmailToken      string                                   `gorm:"type:varchar(100);not null;default:''" json:"-"`
	Metadata               datatypes.JSONType[SubscriptionMetadata] `gorm:"type:json" json:"metadata"`
	Version                int                                      `gorm:"not null;default:1" json:"version"`
	CreatedAt              time.Time                                `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time                                `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsLive reports whether the subscription holds a non-terminal status.
func (s *Subscription) IsLive() bool {
	return IsLiveSubscriptionStatus(s.Status)
}

// GatewayRef returns the gateway subscription code or "".
func (s *Subscription) GatewayRef() string {
	if s.GatewaySubscriptionRef == nil {
		return ""
	}
	return *s.GatewaySubscriptionRef
}
