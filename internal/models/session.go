package models

import (
	"time"

	"gorm.io/gorm"
)

// Session states.
const (
	SessionStatusActive       = "active"
	SessionStatusDisconnected = "disconnected"
	SessionStatusTimeout      = "timeout"
)

// Disconnect reasons.
const (
	DisconnectReasonManual         = "manual"
	DisconnectReasonTimeout        = "timeout"
	DisconnectReasonTokenRevoked   = "token-revoked"
	DisconnectReasonError          = "error"
	DisconnectReasonServerShutdown = "server-shutdown"
)

// Session is the authoritative record of one live producer connection.
type Session struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	UserID     uint `gorm:"column:user_id;not null;index" json:"user_id"`
	HubID      uint `gorm:"column:hub_id;not null" json:"hub_id"`
	WSClientID string `gorm:"column:ws_client_id;uniqueIndex;not null" json:"ws_client_id"`

	GameName string `gorm:"column:game_name;not null;default:''" json:"game_name"`
	PlaceID  int64  `gorm:"column:place_id;not null;default:0" json:"place_id"`
	JobID    string `gorm:"column:job_id;not null;default:''" json:"job_id"`
	Executor string `gorm:"not null;default:''" json:"executor"`

	CurrentStatus   string    `gorm:"column:current_status;not null;default:''" json:"current_status"`
	ConnectedAt     time.Time `gorm:"column:connected_at;not null" json:"connected_at"`
	LastHeartbeatAt time.Time `gorm:"column:last_heartbeat_at;not null" json:"last_heartbeat_at"`

	Status string `gorm:"not null;default:active;index" json:"status"`

	DisconnectedAt    *time.Time `gorm:"column:disconnected_at" json:"disconnected_at,omitempty"`
	DisconnectReason  string     `gorm:"column:disconnect_reason;not null;default:''" json:"disconnect_reason,omitempty"`
	DisconnectMessage string     `gorm:"column:disconnect_message;not null;default:''" json:"disconnect_message,omitempty"`

	AlertSent      bool   `gorm:"column:alert_sent;not null;default:false" json:"alert_sent"`
	AlertDelivered bool   `gorm:"column:alert_delivered;not null;default:false" json:"alert_delivered"`
	AlertError     string `gorm:"column:alert_error;not null;default:''" json:"alert_error,omitempty"`
}

// TableName returns the database table name for Session.
func (Session) TableName() string {
	return "sessions"
}

// IsActive reports whether the session is still in the live, active state.
func (s *Session) IsActive() bool {
	return s.Status == SessionStatusActive
}
