package models

import (
	"time"

	"gorm.io/gorm"
)

// Device platforms.
const (
	PlatformAndroid = "android"
	PlatformIOS     = "ios"
	PlatformWeb     = "web"
)

// Device is a push-notification endpoint owned by a user. A push token
// maps to at most one Device row; re-registering an existing token
// transfers ownership.
type Device struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	UserID   uint   `gorm:"column:user_id;not null;index" json:"user_id"`
	PushToken string `gorm:"column:push_token;uniqueIndex;not null" json:"push_token"`
	Platform string `gorm:"not null" json:"platform"`
	IsActive bool   `gorm:"column:is_active;not null;default:true" json:"is_active"`

	LastSeenAt     *time.Time `gorm:"column:last_seen_at" json:"last_seen_at,omitempty"`
	FailedAttempts int        `gorm:"column:failed_attempts;not null;default:0" json:"failed_attempts"`
	LastFailReason string     `gorm:"column:last_fail_reason;not null;default:''" json:"last_fail_reason,omitempty"`
}

// TableName returns the database table name for Device.
func (Device) TableName() string {
	return "devices"
}
