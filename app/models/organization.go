package models

import "time"

const (
	OrganizationStatusActive    = "active"
	OrganizationStatusTrial     = "trial"
	OrganizationStatusSuspended = "suspended"
	OrganizationStatusCancelled = "cancelled"
)

// Organization is a tenant. Its Status is derived from the live subscription
// and is only written together with a subscription transition.
type Organization struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(191);not null" json:"name"`
	Status    string    `gorm:"type:varchar(20);not null;default:'trial';index" json:"status"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
