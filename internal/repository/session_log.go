package repository

import (
	"context"
	"time"

	"pulserelay/internal/database"
	"pulserelay/internal/models"

	"gorm.io/gorm"
)

// SessionLogRepository defines persistence operations for durable
// per-session log lines. Retention is enforced by Prune, not the schema.
type SessionLogRepository interface {
	Create(ctx context.Context, log *models.SessionLog) error
	ListForSession(ctx context.Context, sessionID uint, limit int) ([]models.SessionLog, error)
	ListForUser(ctx context.Context, userID uint, limit int) ([]models.SessionLog, error)

	// Prune deletes log rows older than retentionDays and returns the
	// number of rows removed.
	Prune(ctx context.Context, retentionDays int) (int64, error)
}

type sessionLogRepository struct {
	db *gorm.DB
}

// NewSessionLogRepository returns a new SessionLogRepository implementation.
func NewSessionLogRepository(db *gorm.DB) SessionLogRepository {
	return &sessionLogRepository{db: db}
}

func (r *sessionLogRepository) Create(ctx context.Context, log *models.SessionLog) error {
	if len(log.Message) > models.SessionLogMessageMaxLen {
		log.Message = log.Message[:models.SessionLogMessageMaxLen]
	}
	if log.Level == "" {
		log.Level = models.LogLevelInfo
	}
	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *sessionLogRepository) ListForSession(ctx context.Context, sessionID uint, limit int) ([]models.SessionLog, error) {
	var logs []models.SessionLog
	rdb := database.GetReadDB()
	if rdb == nil {
		rdb = r.db
	}
	q := rdb.WithContext(ctx).Where("session_id = ?", sessionID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&logs).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return logs, nil
}

func (r *sessionLogRepository) ListForUser(ctx context.Context, userID uint, limit int) ([]models.SessionLog, error) {
	var logs []models.SessionLog
	rdb := database.GetReadDB()
	if rdb == nil {
		rdb = r.db
	}
	q := rdb.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&logs).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return logs, nil
}

func (r *sessionLogRepository) Prune(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = 7
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	tx := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.SessionLog{})
	if tx.Error != nil {
		return 0, models.NewInternalError(tx.Error)
	}
	return tx.RowsAffected, nil
}
