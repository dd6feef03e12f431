package models

import (
	"time"

	"gorm.io/gorm"
)

// DefaultMaxNotifications is the default repeating-alert cap.
const DefaultMaxNotifications = 30

// ActiveAlert tracks a repeating "life-or-death" alert for one (user,
// session) pair. At most one unacknowledged row may exist per user.
type ActiveAlert struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	UserID    uint `gorm:"column:user_id;not null;index" json:"user_id"`
	SessionID uint `gorm:"column:session_id;not null" json:"session_id"`

	Reason   string `gorm:"not null;default:''" json:"reason"`
	GameName string `gorm:"column:game_name;not null;default:''" json:"game_name"`

	StartedAt          time.Time `gorm:"column:started_at;not null" json:"started_at"`
	NotificationsSent  int       `gorm:"column:notifications_sent;not null;default:0" json:"notifications_sent"`
	MaxNotifications   int       `gorm:"column:max_notifications;not null;default:30" json:"max_notifications"`
	Acknowledged       bool      `gorm:"not null;default:false" json:"acknowledged"`
	AcknowledgedAt     *time.Time `gorm:"column:acknowledged_at" json:"acknowledged_at,omitempty"`
}

// TableName returns the database table name for ActiveAlert.
func (ActiveAlert) TableName() string {
	return "active_alerts"
}

// Exhausted reports whether the alert has reached its notification cap.
func (a *ActiveAlert) Exhausted() bool {
	return a.NotificationsSent >= a.MaxNotifications
}
