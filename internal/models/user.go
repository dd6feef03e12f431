package models

import (
	"time"

	"gorm.io/gorm"
)

// User statuses.
const (
	UserStatusActive    = "active"
	UserStatusSuspended = "suspended"
)

// User represents an account that owns devices, producer sessions, and
// alert preferences.
type User struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
	Email        string         `gorm:"uniqueIndex;not null" json:"email"`
	Username     string         `gorm:"not null" json:"username"`
	PasswordHash string         `gorm:"column:password_hash;not null" json:"-"`
	Status       string         `gorm:"not null;default:active" json:"status"`

	// UserTokenHash is the bcrypt hash of the short connection token; the
	// raw token is never persisted. UserTokenHint holds the same 6
	// characters in the clear for O(1) lookup before hash verification.
	UserTokenHash      string     `gorm:"column:user_token_hash;not null;default:''" json:"-"`
	UserTokenHint      string     `gorm:"column:user_token_hint;uniqueIndex;not null;default:''" json:"-"`
	UserTokenCreatedAt *time.Time `gorm:"column:user_token_created_at" json:"user_token_created_at,omitempty"`

	AlertSound       string `gorm:"column:alert_sound;not null;default:default" json:"alert_sound"`
	QuietHoursEnabled bool  `gorm:"column:quiet_hours_enabled;not null;default:false" json:"quiet_hours_enabled"`
	// QuietHoursStart/End are minutes since UTC midnight (0-1439). See
	// internal/statemachine for the wrap-around window evaluation.
	QuietHoursStart int  `gorm:"column:quiet_hours_start;not null;default:0" json:"quiet_hours_start"`
	QuietHoursEnd   int  `gorm:"column:quiet_hours_end;not null;default:0" json:"quiet_hours_end"`
	LifeOrDeathMode bool `gorm:"column:life_or_death_mode;not null;default:false" json:"life_or_death_mode"`

	Devices  []Device  `gorm:"foreignKey:UserID" json:"devices,omitempty"`
	Sessions []Session `gorm:"foreignKey:UserID" json:"sessions,omitempty"`
}

// TableName returns the database table name for User.
func (User) TableName() string {
	return "users"
}

// IsActive reports whether the user account may open sessions.
func (u *User) IsActive() bool {
	return u.Status == UserStatusActive
}
