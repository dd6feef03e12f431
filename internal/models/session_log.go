package models

import "time"

// SessionLog levels.
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// SessionLogMessageMaxLen is the hard cap on a persisted log message.
const SessionLogMessageMaxLen = 2000

// SessionLog is a single durable log line emitted by a producer session.
// Retention is enforced by a periodic sweep (see internal/logsink),
// not by the database schema.
type SessionLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	SessionID uint   `gorm:"column:session_id;not null;index" json:"session_id"`
	UserID    uint   `gorm:"column:user_id;not null" json:"user_id"`
	Level     string `gorm:"not null;default:info" json:"level"`
	Message   string `gorm:"not null;default:''" json:"message"`
}

// TableName returns the database table name for SessionLog.
func (SessionLog) TableName() string {
	return "session_logs"
}
