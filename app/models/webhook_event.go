package models

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookEvent is the durable log of an inbound gateway notification. It is
// written before any side effect and updated after each processing attempt.
type WebhookEvent struct {
	ID             string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	EventKey       string         `gorm:"type:varchar(191);not null;uniqueIndex:ux_webhook_events_event_key" json:"event_key"`
	GatewayEventID string         `gorm:"type:varchar(191);not null;default:''" json:"gateway_event_id,omitempty"`
	EventType      string         `gorm:"type:varchar(100);not null;index" json:"event_type"`
	Payload        datatypes.JSON `gorm:"type:json;not null" json:"payload"`
	Processed      bool           `gorm:"not null;default:false;index:idx_webhook_events_retry,priority:1" json:"processed"`
	ProcessedAt    *time.Time     `gorm:"default:null" json:"processed_at,omitempty"`
	ErrorMessage   string         `gorm:"type:text" json:"error_message,omitempty"`
	RetryCount     int            `gorm:"not null;default:0;index:idx_webhook_events_retry,priority:2" json:"retry_count"`
	NextRetryAt    *time.Time     `gorm:"default:null" json:"next_retry_at,omitempty"`
	CreatedAt      time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}
