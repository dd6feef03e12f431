package repository

import (
	"context"
	"errors"
	"time"

	"pulserelay/internal/database"
	"pulserelay/internal/models"

	"gorm.io/gorm"
)

// SessionRepository defines persistence operations for producer sessions.
type SessionRepository interface {
	GetByID(ctx context.Context, id uint) (*models.Session, error)
	GetByWSClientID(ctx context.Context, wsClientID string) (*models.Session, error)
	ListActiveForUser(ctx context.Context, userID uint) ([]models.Session, error)
	ListAllActive(ctx context.Context) ([]models.Session, error)

	// CreateOrReactivate implements the createSession contract: a fresh
	// row for a new ephemeral client id, or an in-place reactivation of
	// an existing one.
	CreateOrReactivate(ctx context.Context, s *models.Session) (*models.Session, error)

	UpdateHeartbeat(ctx context.Context, wsClientID string) error
	UpdateStatus(ctx context.Context, wsClientID string, status string) error

	DisconnectByClientID(ctx context.Context, wsClientID, reason, message string) (*models.Session, error)
	DisconnectBySessionID(ctx context.Context, sessionID uint, reason, message string) (*models.Session, error)
	DisconnectAllForUser(ctx context.Context, userID uint, reason, message string) (int64, error)
	DisconnectAllForHub(ctx context.Context, hubID uint, reason, message string) (int64, error)

	MarkTimeout(ctx context.Context, wsClientID string, message string, alertSent, alertDelivered bool, alertErr string) (*models.Session, error)

	// ReconcileOrphaned marks every still-active session disconnected with
	// reason server-shutdown. Must run before the router accepts sockets.
	ReconcileOrphaned(ctx context.Context) (int64, error)
}

type sessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository returns a new SessionRepository implementation.
func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &sessionRepository{db: db}
}

func (r *sessionRepository) GetByID(ctx context.Context, id uint) (*models.Session, error) {
	var session models.Session
	rdb := database.GetReadDB()
	if rdb == nil {
		rdb = r.db
	}
	if err := rdb.WithContext(ctx).First(&session, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Session", id)
		}
		return nil, models.NewInternalError(err)
	}
	return &session, nil
}

func (r *sessionRepository) GetByWSClientID(ctx context.Context, wsClientID string) (*models.Session, error) {
	var session models.Session
	rdb := database.GetReadDB()
	if rdb == nil {
		rdb = r.db
	}
	if err := rdb.WithContext(ctx).Where("ws_client_id = ?", wsClientID).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, models.NewInternalError(err)
	}
	return &session, nil
}

func (r *sessionRepository) ListActiveForUser(ctx context.Context, userID uint) ([]models.Session, error) {
	var sessions []models.Session
	rdb := database.GetReadDB()
	if rdb == nil {
		rdb = r.db
	}
	if err := rdb.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, models.SessionStatusActive).
		Find(&sessions).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return sessions, nil
}

func (r *sessionRepository) ListAllActive(ctx context.Context) ([]models.Session, error) {
	var sessions []models.Session
	rdb := database.GetReadDB()
	if rdb == nil {
		rdb = r.db
	}
	if err := rdb.WithContext(ctx).Where("status = ?", models.SessionStatusActive).Find(&sessions).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return sessions, nil
}

func (r *sessionRepository) CreateOrReactivate(ctx context.Context, s *models.Session) (*models.Session, error) {
	var result models.Session
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Session
		err := tx.Where("ws_client_id = ?", s.WSClientID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if s.ConnectedAt.IsZero() {
				s.ConnectedAt = time.Now().UTC()
			}
			s.LastHeartbeatAt = s.ConnectedAt
			s.Status = models.SessionStatusActive
			if err := tx.Create(s).Error; err != nil {
				return err
			}
			result = *s
			return nil
		case err != nil:
			return err
		default:
			existing.UserID = s.UserID
			existing.HubID = s.HubID
			existing.GameName = s.GameName
			existing.PlaceID = s.PlaceID
			existing.JobID = s.JobID
			existing.Executor = s.Executor
			existing.Status = models.SessionStatusActive
			existing.ConnectedAt = time.Now().UTC()
			existing.LastHeartbeatAt = existing.ConnectedAt
			existing.DisconnectedAt = nil
			existing.DisconnectReason = ""
			existing.DisconnectMessage = ""
			existing.AlertSent = false
			existing.AlertDelivered = false
			existing.AlertError = ""
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
			result = existing
			return nil
		}
	})
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return &result, nil
}

func (r *sessionRepository) UpdateHeartbeat(ctx context.Context, wsClientID string) error {
	if err := r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("ws_client_id = ? AND status = ?", wsClientID, models.SessionStatusActive).
		Update("last_heartbeat_at", time.Now().UTC()).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *sessionRepository) UpdateStatus(ctx context.Context, wsClientID string, status string) error {
	if err := r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("ws_client_id = ? AND status = ?", wsClientID, models.SessionStatusActive).
		Update("current_status", status).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *sessionRepository) DisconnectByClientID(ctx context.Context, wsClientID, reason, message string) (*models.Session, error) {
	return r.disconnectWhere(ctx, "ws_client_id = ?", wsClientID, models.SessionStatusDisconnected, reason, message)
}

func (r *sessionRepository) DisconnectBySessionID(ctx context.Context, sessionID uint, reason, message string) (*models.Session, error) {
	return r.disconnectWhere(ctx, "id = ?", sessionID, models.SessionStatusDisconnected, reason, message)
}

func (r *sessionRepository) MarkTimeout(ctx context.Context, wsClientID string, message string, alertSent, alertDelivered bool, alertErr string) (*models.Session, error) {
	var session *models.Session
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s models.Session
		if err := tx.Where("ws_client_id = ?", wsClientID).First(&s).Error; err != nil {
			return err
		}
		if !s.IsActive() {
			session = &s
			return nil
		}
		now := time.Now().UTC()
		s.Status = models.SessionStatusTimeout
		s.DisconnectedAt = &now
		s.DisconnectReason = models.DisconnectReasonTimeout
		s.DisconnectMessage = message
		s.AlertSent = alertSent
		s.AlertDelivered = alertDelivered
		s.AlertError = alertErr
		if err := tx.Save(&s).Error; err != nil {
			return err
		}
		session = &s
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, models.NewInternalError(err)
	}
	return session, nil
}

func (r *sessionRepository) disconnectWhere(ctx context.Context, whereClause string, arg interface{}, status, reason, message string) (*models.Session, error) {
	var session *models.Session
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s models.Session
		if err := tx.Where(whereClause, arg).First(&s).Error; err != nil {
			return err
		}
		if !s.IsActive() {
			session = &s
			return nil
		}
		now := time.Now().UTC()
		s.Status = status
		s.DisconnectedAt = &now
		s.DisconnectReason = reason
		s.DisconnectMessage = message
		if err := tx.Save(&s).Error; err != nil {
			return err
		}
		session = &s
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, models.NewInternalError(err)
	}
	return session, nil
}

func (r *sessionRepository) DisconnectAllForUser(ctx context.Context, userID uint, reason, message string) (int64, error) {
	now := time.Now().UTC()
	tx := r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("user_id = ? AND status = ?", userID, models.SessionStatusActive).
		Updates(map[string]interface{}{
			"status":             models.SessionStatusDisconnected,
			"disconnected_at":    now,
			"disconnect_reason":  reason,
			"disconnect_message": message,
		})
	if tx.Error != nil {
		return 0, models.NewInternalError(tx.Error)
	}
	return tx.RowsAffected, nil
}

func (r *sessionRepository) DisconnectAllForHub(ctx context.Context, hubID uint, reason, message string) (int64, error) {
	now := time.Now().UTC()
	tx := r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("hub_id = ? AND status = ?", hubID, models.SessionStatusActive).
		Updates(map[string]interface{}{
			"status":             models.SessionStatusDisconnected,
			"disconnected_at":    now,
			"disconnect_reason":  reason,
			"disconnect_message": message,
		})
	if tx.Error != nil {
		return 0, models.NewInternalError(tx.Error)
	}
	return tx.RowsAffected, nil
}

func (r *sessionRepository) ReconcileOrphaned(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	tx := r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("status = ?", models.SessionStatusActive).
		Updates(map[string]interface{}{
			"status":             models.SessionStatusDisconnected,
			"disconnected_at":    now,
			"disconnect_reason":  models.DisconnectReasonServerShutdown,
			"disconnect_message": "Server restarted",
		})
	if tx.Error != nil {
		return 0, models.NewInternalError(tx.Error)
	}
	return tx.RowsAffected, nil
}
