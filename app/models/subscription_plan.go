package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	PlanIntervalDaily     = "DAILY"
	PlanIntervalWeekly    = "WEEKLY"
	PlanIntervalMonthly   = "MONTHLY"
	PlanIntervalQuarterly = "QUARTERLY"
	PlanIntervalYearly    = "YEARLY"
)

// SubscriptionPlan is read-only billing configuration referenced by subscriptions.
type SubscriptionPlan struct {
	ID              string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	Name            string          `gorm:"type:varchar(100);not null" json:"name"`
	Amount          decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	Currency        string          `gorm:"type:varchar(3);not null;default:'NGN'" json:"currency"`
	Interval        string          `gorm:"type:varchar(16);not null" json:"interval"`
	IntervalCount   int             `gorm:"not null;default:1" json:"interval_count"`
	TrialPeriodDays int             `gorm:"not null;default:0" json:"trial_period_days"`
	IsActive        bool            `gorm:"not null;default:true;index" json:"is_active"`
	GatewayPlanCode *string         `gorm:"type:varchar(100);uniqueIndex:ux_subscription_plans_gateway_code" json:"gateway_plan_code,omitempty"`
	Features        datatypes.JSON  `gorm:"type:json" json:"features,omitempty"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
