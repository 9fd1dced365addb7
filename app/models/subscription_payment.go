package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PaymentStatusPending    = "PENDING"
	PaymentStatusSuccessful = "SUCCESSFUL"
	PaymentStatusFailed     = "FAILED"
	PaymentStatusCancelled  = "CANCELLED"
	PaymentStatusRefunded   = "REFUNDED"
)

// SubscriptionPayment records one billing attempt. GatewayReference is the
// idempotency key; a row is status-transitioned, never re-created. An invoice
// seen before its charge is keyed by InvoiceCode until the charge reference
// arrives.
type SubscriptionPayment struct {
	ID               string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	SubscriptionID   string          `gorm:"type:varchar(36);not null;index" json:"subscription_id"`
	Amount           decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	Currency         string          `gorm:"type:varchar(3);not null" json:"currency"`
	Status           string          `gorm:"type:varchar(16);not null;index" json:"status"`
	GatewayReference string          `gorm:"type:varchar(191);not null;uniqueIndex:ux_subscription_payments_reference" json:"gateway_reference"`
	InvoiceCode      string          `gorm:"type:varchar(191);not null;default:'';index" json:"invoice_code,omitempty"`
	PeriodStart      time.Time       `gorm:"not null" json:"period_start"`
	PeriodEnd        time.Time       `gorm:"not null" json:"period_end"`
	PaidAt           *time.Time      `gorm:"default:null" json:"paid_at,omitempty"`
	FailedAt         *time.Time      `gorm:"default:null" json:"failed_at,omitempty"`
	FailureReason    string          `gorm:"type:varchar(255);not null;default:''" json:"failure_reason,omitempty"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
